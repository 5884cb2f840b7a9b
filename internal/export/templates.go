package export

import (
	"bytes"
	_ "embed"
	"html/template"
	"time"
)

//go:embed templates/document.html
var documentTemplateSrc string

var documentTemplate = template.Must(template.New("document").Funcs(template.FuncMap{
	"formatDate": func(t time.Time) string {
		return t.UTC().Format("Jan 2, 2006 15:04 MST")
	},
}).Parse(documentTemplateSrc))

// TemplateData holds everything the document template renders.
type TemplateData struct {
	Title        string
	SiteName     string
	Author       string
	UpdatedAt    time.Time
	VersionLabel string
	ContentHTML  template.HTML
	History      []HistoryEntry
}

// HistoryEntry is one row of the optional revision appendix.
type HistoryEntry struct {
	Number    int
	Type      string
	Label     string
	CreatedBy string
	CreatedAt time.Time
}

// RenderDocumentHTML renders the standalone export page.
func RenderDocumentHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := documentTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

package export

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"html/template"

	"masthead/internal/store"
)

type dataStore interface {
	GetDocument(ctx context.Context, sc store.SiteContext, documentID string) (store.Document, error)
	GetSite(ctx context.Context, siteID string) (store.Site, error)
	GetVersion(ctx context.Context, sc store.SiteContext, versionID string) (store.Version, error)
	ListVersions(ctx context.Context, sc store.SiteContext, documentID string, limit, offset int) ([]store.VersionSummary, error)
}

// Service renders documents to downloadable files. Exports read either the
// live document or a frozen version snapshot; they never write anything.
type Service struct {
	store dataStore
}

func New(st dataStore) *Service {
	return &Service{store: st}
}

func (s *Service) Export(ctx context.Context, sc store.SiteContext, req Request) (*Result, error) {
	switch req.Format {
	case FormatHTML, FormatPDF, FormatDOCX:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, req.Format)
	}

	doc, err := s.store.GetDocument(ctx, sc, req.DocumentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDocumentNotFound
		}
		return nil, err
	}

	site, err := s.store.GetSite(ctx, doc.SiteID)
	if err != nil {
		return nil, err
	}

	title := doc.Title
	content := doc.Content
	format := doc.Format
	author := doc.UpdatedBy
	updatedAt := doc.UpdatedAt
	versionLabel := ""

	if req.VersionID != "" {
		v, err := s.store.GetVersion(ctx, sc, req.VersionID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, ErrVersionNotFound
			}
			return nil, err
		}
		if v.DocumentID != doc.ID {
			return nil, ErrVersionNotFound
		}
		title = v.Title
		content = v.Content
		format = v.Format
		author = v.CreatedByEmail
		updatedAt = v.CreatedAt
		versionLabel = fmt.Sprintf("Version %d", v.VersionNumber)
	}

	contentHTML := content
	if format == "markdown" {
		contentHTML, err = renderMarkdown(content)
		if err != nil {
			return nil, err
		}
	}

	data := TemplateData{
		Title:        title,
		SiteName:     site.Name,
		Author:       author,
		UpdatedAt:    updatedAt,
		VersionLabel: versionLabel,
		ContentHTML:  template.HTML(contentHTML),
	}

	if req.IncludeHistory {
		summaries, err := s.store.ListVersions(ctx, sc, doc.ID, 50, 0)
		if err != nil {
			return nil, err
		}
		for _, v := range summaries {
			data.History = append(data.History, HistoryEntry{
				Number:    v.VersionNumber,
				Type:      v.VersionType,
				Label:     v.Label,
				CreatedBy: v.CreatedByEmail,
				CreatedAt: v.CreatedAt,
			})
		}
	}

	page, err := RenderDocumentHTML(data)
	if err != nil {
		return nil, fmt.Errorf("render export page: %w", err)
	}

	switch req.Format {
	case FormatHTML:
		return &Result{
			Data:     []byte(page),
			Filename: sanitizeFilename(title) + ".html",
			MimeType: "text/html; charset=utf-8",
		}, nil
	case FormatPDF:
		return exportPDF(ctx, page, title)
	default:
		return exportDOCX(ctx, page, title)
	}
}

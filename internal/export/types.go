// Package export renders documents and version snapshots to standalone
// HTML, PDF, or DOCX files.
package export

import "errors"

type Format string

const (
	FormatHTML Format = "html"
	FormatPDF  Format = "pdf"
	FormatDOCX Format = "docx"
)

// Request names what to export. VersionID selects a historical snapshot;
// empty means the live document. IncludeHistory appends the revision log.
type Request struct {
	DocumentID     string
	VersionID      string
	Format         Format
	IncludeHistory bool
}

// Result is the rendered file.
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

var (
	ErrDocumentNotFound = errors.New("document not found")
	ErrVersionNotFound  = errors.New("version not found")
	ErrUnknownFormat    = errors.New("unknown export format")
	// ErrPDFDependencyMissing indicates headless chromium is not installed.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
	// ErrDOCXDependencyMissing indicates pandoc is not installed.
	ErrDOCXDependencyMissing = errors.New("export docx dependency missing")
)

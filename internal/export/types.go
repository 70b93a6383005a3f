// Package export renders a saved record as a printable call sheet in HTML,
// PDF or DOCX, and can publish the result to object storage.
package export

import (
	"errors"
)

// Format represents the export output format
type Format string

const (
	FormatHTML Format = "html"
	FormatPDF  Format = "pdf"
	FormatDOCX Format = "docx"
)

// ParseFormat accepts the query-string spelling of a format. Empty means PDF.
func ParseFormat(value string) (Format, error) {
	switch Format(value) {
	case "":
		return FormatPDF, nil
	case FormatHTML, FormatPDF, FormatDOCX:
		return Format(value), nil
	}
	return "", ErrUnsupportedFormat
}

// Result contains the export output
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

var (
	ErrUnsupportedFormat = errors.New("unsupported export format")
	// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
	// ErrDOCXDependencyMissing indicates DOCX export runtime dependencies are unavailable.
	ErrDOCXDependencyMissing = errors.New("export docx dependency missing")
	ErrNoSink                = errors.New("export storage not configured")
)

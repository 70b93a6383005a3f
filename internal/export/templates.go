package export

import (
	"bytes"
	"embed"
	"html/template"
	"time"
)

//go:embed templates/*.html
var templateFS embed.FS

var callSheetTemplate = template.Must(
	template.New("callsheet.html").
		Funcs(template.FuncMap{"formatDate": formatDate}).
		ParseFS(templateFS, "templates/callsheet.html"),
)

// formatDate renders dates the way the record log shows them.
func formatDate(t time.Time) string {
	if t.IsZero() {
		return "unknown date"
	}
	return t.Format("Jan 2, 2006")
}

// ChecklistItem is one readiness question printed on the sheet.
type ChecklistItem struct {
	Question string
	Detail   string
}

// TemplateData holds data for call sheet rendering
type TemplateData struct {
	Title         string
	CompanyName   string
	Rep           string
	ContactName   string
	ContactNumber string
	Gatekeeper    string
	SignalLabel   string
	WorkforceSize string
	Industry      string
	AngleName     string
	StressScore   int
	Band          string
	Hook          string
	Pitch         string
	InternalFocus string
	SavedAt       time.Time
	UpdatedAt     time.Time
	Checklist     []ChecklistItem
}

// RenderCallSheetHTML renders the call sheet template with provided data
func RenderCallSheetHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := callSheetTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Package search finds saved records by free text. Meilisearch serves queries
// when it is reachable; otherwise the record table is scanned directly.
package search

import (
	"context"

	"cqm/api/internal/records"
)

// Entry is the searchable projection of a record.
type Entry struct {
	ID             string `json:"id"`
	TeamMemberName string `json:"teamMemberName"`
	CompanyName    string `json:"companyName"`
	ContactName    string `json:"contactName"`
	Gatekeeper     string `json:"gatekeeper"`
	SignalLabel    string `json:"signalLabel"`
	AngleName      string `json:"angleName"`
	Industry       string `json:"industry"`
	WorkforceSize  string `json:"workforceSize"`
	StressScore    int    `json:"stressScore"`
	DateSaved      string `json:"dateSaved"`
}

func EntryFrom(rec records.Record) Entry {
	return Entry{
		ID:             rec.ID,
		TeamMemberName: rec.TeamMemberName,
		CompanyName:    rec.CompanyName,
		ContactName:    rec.ContactName,
		Gatekeeper:     rec.Gatekeeper,
		SignalLabel:    rec.SignalLabel,
		AngleName:      rec.AngleName,
		Industry:       rec.Industry,
		WorkforceSize:  rec.WorkforceSize,
		StressScore:    rec.StressScore,
		DateSaved:      rec.DateSaved,
	}
}

// Result is a single search hit returned to the caller.
type Result struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Snippet     string `json:"snippet"`
	StressScore int    `json:"stressScore"`
	DateSaved   string `json:"dateSaved"`
}

type Query struct {
	Text   string
	Limit  int
	Offset int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// searchable lists the fields both backends match against, in snippet order.
func searchable(e Entry) []string {
	return []string{e.CompanyName, e.ContactName, e.Gatekeeper, e.SignalLabel, e.AngleName, e.TeamMemberName}
}

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return 20
	}
	return limit
}

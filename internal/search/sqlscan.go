package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"cqm/api/internal/docstore"
)

// SQLScan searches the record collection with LIKE over the stored JSON, then
// confirms each candidate against the searchable fields.
type SQLScan struct {
	db         *sql.DB
	dialect    docstore.Dialect
	collection string
}

func NewSQLScan(db *sql.DB, dialect docstore.Dialect, collection string) *SQLScan {
	return &SQLScan{db: db, dialect: dialect, collection: collection}
}

// Healthy always returns true: without the database there are no records.
func (s *SQLScan) Healthy() bool {
	return true
}

func (s *SQLScan) Search(ctx context.Context, q Query) ([]Result, int, error) {
	text := strings.ToLower(strings.TrimSpace(q.Text))
	if text == "" {
		return nil, 0, nil
	}
	offset := max(q.Offset, 0)
	limit := limitOrDefault(q.Limit)

	rows, err := s.db.QueryContext(ctx, docstore.Rebind(s.dialect, `
		SELECT id, data FROM documents
		WHERE collection = ? AND LOWER(data) LIKE ? ESCAPE '\'
		ORDER BY created_at DESC, id
	`), s.collection, likePattern(text))
	if err != nil {
		return nil, 0, fmt.Errorf("sql search query: %w", err)
	}
	defer rows.Close()

	var matches []Result
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, 0, fmt.Errorf("sql search scan: %w", err)
		}
		entry := entryFromJSON(id, raw)
		if snippet, ok := match(entry, text); ok {
			matches = append(matches, Result{
				ID:          entry.ID,
				Title:       entry.CompanyName,
				Snippet:     snippet,
				StressScore: entry.StressScore,
				DateSaved:   entry.DateSaved,
			})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("sql search rows: %w", err)
	}

	total := len(matches)
	if offset >= total {
		return []Result{}, total, nil
	}
	end := min(offset+limit, total)
	return matches[offset:end], total, nil
}

func entryFromJSON(id, raw string) Entry {
	r := gjson.Parse(raw)
	return Entry{
		ID:             id,
		TeamMemberName: r.Get("teamMemberName").String(),
		CompanyName:    r.Get("companyName").String(),
		ContactName:    r.Get("contactName").String(),
		Gatekeeper:     r.Get("gatekeeper").String(),
		SignalLabel:    r.Get("signalLabel").String(),
		AngleName:      r.Get("angleName").String(),
		Industry:       r.Get("industry").String(),
		WorkforceSize:  r.Get("workforceSize").String(),
		StressScore:    int(r.Get("stressScore").Int()),
		DateSaved:      r.Get("dateSaved").String(),
	}
}

// match returns the first searchable field containing text (already lower case).
func match(e Entry, text string) (string, bool) {
	for _, field := range searchable(e) {
		if strings.Contains(strings.ToLower(field), text) {
			return field, true
		}
	}
	return "", false
}

// likePattern narrows the scan when text appears verbatim in encoded JSON.
// Text that JSON escapes, or that LOWER may fold differently, scans the whole
// collection and relies on match alone.
func likePattern(text string) string {
	for _, r := range text {
		if r < 0x20 || r > 0x7e || strings.ContainsRune(`"\<>&`, r) {
			return "%"
		}
	}
	return "%" + escapeLike(text) + "%"
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

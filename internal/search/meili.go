package search

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"go.uber.org/zap"
)

const idxRecords = "cqm_records"

// Meili implements Searcher via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	index   string
	logger  *zap.Logger
	healthy atomic.Bool
	done    chan struct{}
	closed  atomic.Bool
}

// NewMeili creates a Meilisearch client and configures the record index. An
// unreachable server is not an error: the health loop keeps probing and the
// service falls back to SQL until it recovers.
func NewMeili(url, apiKey, appID string, logger *zap.Logger) *Meili {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Meili{
		client: meili.New(url, meili.WithAPIKey(apiKey)),
		index:  indexName(appID),
		logger: logger,
		done:   make(chan struct{}),
	}

	if _, err := m.client.Health(); err != nil {
		logger.Warn("meilisearch unavailable", zap.String("url", url), zap.Error(err))
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

// indexName keeps applications sharing one Meilisearch apart.
func indexName(appID string) string {
	clean := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, appID)
	if clean == "" {
		return idxRecords
	}
	return idxRecords + "_" + clean
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        m.index,
		PrimaryKey: "id",
	}); err != nil {
		m.logger.Debug("create index (may already exist)", zap.String("index", m.index), zap.Error(err))
	}

	index := m.client.Index(m.index)
	filterable := []interface{}{"gatekeeper", "signalLabel", "industry", "workforceSize", "stressScore"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		m.logger.Warn("update filterable attributes", zap.String("index", m.index), zap.Error(err))
	}
	searchableAttrs := []string{"companyName", "contactName", "gatekeeper", "signalLabel", "angleName", "teamMemberName"}
	if _, err := index.UpdateSearchableAttributes(&searchableAttrs); err != nil {
		m.logger.Warn("update searchable attributes", zap.String("index", m.index), zap.Error(err))
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				m.logger.Info("meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	if m.closed.CompareAndSwap(false, true) {
		close(m.done)
	}
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

func (m *Meili) Search(_ context.Context, q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: []*meili.SearchRequest{{
			IndexUID:              m.index,
			Query:                 q.Text,
			Limit:                 int64(limitOrDefault(q.Limit)),
			Offset:                int64(max(q.Offset, 0)),
			AttributesToHighlight: []string{"*"},
			HighlightPreTag:       "<mark>",
			HighlightPostTag:      "</mark>",
		}},
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch multi-search: %w", err)
	}

	var results []Result
	total := 0
	for _, sr := range resp.Results {
		total += int(sr.EstimatedTotalHits)
		for _, hit := range sr.Hits {
			results = append(results, hitToResult(hit))
		}
	}
	return results, total, nil
}

func hitToResult(hit meili.Hit) Result {
	r := Result{
		ID:          decodeString(hit, "id"),
		StressScore: decodeInt(hit, "stressScore"),
		DateSaved:   decodeString(hit, "dateSaved"),
	}
	r.Title = firstNonBlank(decodeFormattedString(hit, "companyName"), decodeString(hit, "companyName"))
	for _, key := range []string{"contactName", "gatekeeper", "signalLabel", "angleName", "teamMemberName"} {
		if formatted := decodeFormattedString(hit, key); strings.Contains(formatted, "<mark>") {
			r.Snippet = formatted
			break
		}
	}
	if r.Snippet == "" {
		r.Snippet = decodeString(hit, "signalLabel")
	}
	return r
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeInt(hit meili.Hit, key string) int {
	raw, ok := hit[key]
	if !ok {
		return 0
	}
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n
	}
	return 0
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]json.RawMessage
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(formatted[key], &s); err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

// IndexEntries adds or replaces entries in the index.
func (m *Meili) IndexEntries(entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	_, err := m.client.Index(m.index).AddDocuments(entries, nil)
	return err
}

// DeleteEntries removes records from the index.
func (m *Meili) DeleteEntries(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := m.client.Index(m.index).DeleteDocuments(ids, nil)
	return err
}

const idPageSize = 1000

// DocumentIDs lists the id of every document currently in the index.
func (m *Meili) DocumentIDs() ([]string, error) {
	index := m.client.Index(m.index)
	var ids []string
	for offset := int64(0); ; offset += idPageSize {
		var page meili.DocumentsResult
		err := index.GetDocuments(&meili.DocumentsQuery{
			Offset: offset,
			Limit:  idPageSize,
			Fields: []string{"id"},
		}, &page)
		if err != nil {
			return nil, fmt.Errorf("list index documents: %w", err)
		}
		for _, hit := range page.Results {
			if id := decodeString(hit, "id"); id != "" {
				ids = append(ids, id)
			}
		}
		if len(page.Results) < idPageSize || offset+idPageSize >= page.Total {
			return ids, nil
		}
	}
}

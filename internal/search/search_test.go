package search

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	meili "github.com/meilisearch/meilisearch-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"cqm/api/internal/docstore"
	"cqm/api/internal/records"
)

func seededScan(t *testing.T) *SQLScan {
	t.Helper()
	ctx := context.Background()
	db, dialect, err := docstore.Open(ctx, "sqlite:"+filepath.Join(t.TempDir(), "search.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, docstore.ApplyMigrations(ctx, db, dialect))

	adapter := records.NewAdapter(docstore.NewSQLStore(db, dialect, nil, nil), "app", nil)
	for _, rec := range []records.Record{
		{CompanyName: "Acme Corp", Gatekeeper: "HR Director / CHRO", SignalLabel: `Mandating "Return to Office" (RTO)`, StressScore: 95},
		{CompanyName: "Globex", Gatekeeper: "Women's ERG Leader", SignalLabel: "Glassdoor Reviews Mention Burnout", StressScore: 100},
		{CompanyName: "R&D Labs 100%", Gatekeeper: "HR Business Partner", SignalLabel: "Rapid Hiring", StressScore: 70},
	} {
		_, err := adapter.Create(ctx, "anon_1", rec)
		require.NoError(t, err)
	}
	// A document in another collection must never match.
	_, err = docstore.NewSQLStore(db, dialect, nil, nil).CreateDocument(ctx, records.Collection("other"), map[string]any{"companyName": "Acme Elsewhere"})
	require.NoError(t, err)

	return NewSQLScan(db, dialect, records.Collection("app"))
}

func TestSQLScanMatchesFields(t *testing.T) {
	scan := seededScan(t)
	ctx := context.Background()

	results, total, err := scan.Search(ctx, Query{Text: "acme"})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	assert.Equal(t, "Acme Corp", results[0].Title)
	assert.Equal(t, 95, results[0].StressScore)

	results, total, err = scan.Search(ctx, Query{Text: "erg leader"})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	assert.Equal(t, "Women's ERG Leader", results[0].Snippet)

	_, total, err = scan.Search(ctx, Query{Text: "hr"})
	require.NoError(t, err)
	assert.Equal(t, 2, total)

	_, total, err = scan.Search(ctx, Query{Text: "anonymous rep"})
	require.NoError(t, err)
	assert.Equal(t, 3, total)

	// Key names in the stored JSON are not searchable content.
	_, total, err = scan.Search(ctx, Query{Text: "companyName"})
	require.NoError(t, err)
	assert.Equal(t, 0, total)
}

func TestSQLScanEscapesAndEncodedText(t *testing.T) {
	scan := seededScan(t)
	ctx := context.Background()

	_, total, err := scan.Search(ctx, Query{Text: "100%"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)

	_, total, err = scan.Search(ctx, Query{Text: "r&d"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)

	_, total, err = scan.Search(ctx, Query{Text: `"return to office"`})
	require.NoError(t, err)
	assert.Equal(t, 1, total)

	results, total, err := scan.Search(ctx, Query{Text: "   "})
	require.NoError(t, err)
	assert.Equal(t, 0, total)
	assert.Empty(t, results)
}

func TestSQLScanPaging(t *testing.T) {
	scan := seededScan(t)
	ctx := context.Background()

	page, total, err := scan.Search(ctx, Query{Text: "rep", Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, page, 2)

	page, _, err = scan.Search(ctx, Query{Text: "rep", Limit: 2, Offset: 2})
	require.NoError(t, err)
	assert.Len(t, page, 1)

	page, _, err = scan.Search(ctx, Query{Text: "rep", Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, page)
}

func TestServiceFallsBackWithoutMeili(t *testing.T) {
	svc := NewService(nil, seededScan(t), nil)
	defer svc.Close()

	resp := svc.Search(context.Background(), Query{Text: "globex"})
	assert.Equal(t, 1, resp.Total)
	assert.Equal(t, "globex", resp.Query)

	svc.Sync([]records.Record{{ID: "x"}})

	empty := NewService(nil, nil, nil)
	resp = empty.Search(context.Background(), Query{Text: "globex"})
	assert.NotNil(t, resp.Results)
	assert.Equal(t, 0, resp.Total)
}

type fakeIndex struct {
	healthy bool
	docs    map[string]struct{}
	listErr error
	lists   int
}

func newFakeIndex(ids ...string) *fakeIndex {
	f := &fakeIndex{healthy: true, docs: make(map[string]struct{})}
	for _, id := range ids {
		f.docs[id] = struct{}{}
	}
	return f
}

func (f *fakeIndex) Healthy() bool { return f.healthy }

func (f *fakeIndex) Search(context.Context, Query) ([]Result, int, error) { return nil, 0, nil }

func (f *fakeIndex) IndexEntries(entries []Entry) error {
	for _, e := range entries {
		f.docs[e.ID] = struct{}{}
	}
	return nil
}

func (f *fakeIndex) DeleteEntries(ids []string) error {
	for _, id := range ids {
		delete(f.docs, id)
	}
	return nil
}

func (f *fakeIndex) DocumentIDs() ([]string, error) {
	f.lists++
	if f.listErr != nil {
		return nil, f.listErr
	}
	ids := make([]string, 0, len(f.docs))
	for id := range f.docs {
		ids = append(ids, id)
	}
	return ids, nil
}

func (f *fakeIndex) Close() {}

func (f *fakeIndex) ids() []string {
	ids := make([]string, 0, len(f.docs))
	for id := range f.docs {
		ids = append(ids, id)
	}
	return ids
}

func TestSyncDropsEntriesLeftFromEarlierProcess(t *testing.T) {
	idx := newFakeIndex("deleted-while-down", "kept")
	svc := newService(idx, nil, nil)

	svc.Sync([]records.Record{{ID: "kept"}, {ID: "new"}})
	assert.ElementsMatch(t, []string{"kept", "new"}, idx.ids())
	assert.Equal(t, 1, idx.lists)

	// Later syncs diff against the previous snapshot only.
	svc.Sync([]records.Record{{ID: "new"}})
	assert.ElementsMatch(t, []string{"new"}, idx.ids())
	assert.Equal(t, 1, idx.lists)
}

func TestSyncReconcilesAgainAfterOutage(t *testing.T) {
	idx := newFakeIndex()
	svc := newService(idx, nil, nil)
	svc.Sync([]records.Record{{ID: "a"}})

	idx.healthy = false
	svc.Sync([]records.Record{{ID: "a"}})

	// Another replica indexed "b" and then the record was deleted.
	idx.docs["b"] = struct{}{}
	idx.healthy = true
	svc.Sync([]records.Record{{ID: "a"}})
	assert.ElementsMatch(t, []string{"a"}, idx.ids())
	assert.Equal(t, 2, idx.lists)
}

func TestSyncRetriesReconcileWhenListingFails(t *testing.T) {
	idx := newFakeIndex("stale")
	idx.listErr = assert.AnError
	svc := newService(idx, nil, nil)

	svc.Sync([]records.Record{{ID: "a"}})
	assert.ElementsMatch(t, []string{"a", "stale"}, idx.ids())

	idx.listErr = nil
	svc.Sync([]records.Record{{ID: "a"}})
	assert.ElementsMatch(t, []string{"a"}, idx.ids())
	assert.Equal(t, 2, idx.lists)
}

func TestMeiliDocumentIDsPages(t *testing.T) {
	const total = 2500
	var requests int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/indexes/cqm_records_app/documents/fetch" {
			http.NotFound(w, r)
			return
		}
		requests++
		var q meili.DocumentsQuery
		if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		results := []map[string]string{}
		for i := q.Offset; i < q.Offset+q.Limit && i < total; i++ {
			results = append(results, map[string]string{"id": fmt.Sprintf("rec-%d", i)})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"results": results, "offset": q.Offset, "limit": q.Limit, "total": total,
		})
	}))
	defer server.Close()

	m := &Meili{client: meili.New(server.URL), index: indexName("app"), logger: zap.NewNop(), done: make(chan struct{})}
	ids, err := m.DocumentIDs()
	require.NoError(t, err)
	assert.Len(t, ids, total)
	assert.Equal(t, "rec-0", ids[0])
	assert.Equal(t, "rec-2499", ids[total-1])
	assert.Equal(t, 3, requests)
}

func TestUnreachableMeiliIsUnhealthy(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	m := NewMeili(server.URL, "key", "edivy-cqm-app", nil)
	defer m.Close()
	assert.False(t, m.Healthy())

	_, _, err := m.Search(context.Background(), Query{Text: "acme"})
	assert.Error(t, err)

	svc := NewService(m, seededScan(t), nil)
	resp := svc.Search(context.Background(), Query{Text: "acme"})
	assert.Equal(t, 1, resp.Total)
	m.Close()
}

func TestIndexName(t *testing.T) {
	assert.Equal(t, "cqm_records_edivy-cqm-app", indexName("edivy-cqm-app"))
	assert.Equal(t, "cqm_records_a_b", indexName("a/b"))
	assert.Equal(t, "cqm_records", indexName(""))
}

func TestHitToResultPrefersHighlightedField(t *testing.T) {
	raw := func(v any) json.RawMessage {
		b, err := json.Marshal(v)
		require.NoError(t, err)
		return b
	}
	hit := meili.Hit{
		"id":          raw("rec1"),
		"companyName": raw("Acme"),
		"stressScore": raw(95),
		"signalLabel": raw("Rapid Hiring"),
		"_formatted": raw(map[string]any{
			"companyName": "Acme",
			"gatekeeper":  "<mark>HR</mark> Director / CHRO",
			"stressScore": "95",
		}),
	}
	r := hitToResult(hit)
	assert.Equal(t, "rec1", r.ID)
	assert.Equal(t, "Acme", r.Title)
	assert.Equal(t, 95, r.StressScore)
	assert.Equal(t, "<mark>HR</mark> Director / CHRO", r.Snippet)

	delete(hit, "_formatted")
	assert.Equal(t, "Rapid Hiring", hitToResult(hit).Snippet)
}

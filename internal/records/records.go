// Package records maps saved qualification records onto the document store.
package records

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"cqm/api/internal/docstore"
)

var (
	ErrUnauthenticated = errors.New("not signed in")
	ErrNotFound        = errors.New("record not found")
)

// AnonymousRep is stored when the rep leaves their name blank.
const AnonymousRep = "Anonymous Rep"

// Timestamps are RFC 3339 UTC with nanoseconds, which sort lexically.
const TimeLayout = time.RFC3339Nano

// Record is one saved qualification attempt.
type Record struct {
	ID             string `json:"id"`
	TeamMemberName string `json:"teamMemberName"`
	CompanyName    string `json:"companyName"`
	ContactName    string `json:"contactName"`
	ContactNumber  string `json:"contactNumber"`
	Gatekeeper     string `json:"gatekeeper"`
	SignalID       string `json:"signalId,omitempty"`
	SignalLabel    string `json:"signalLabel"`
	WorkforceSize  string `json:"workforceSize"`
	Industry       string `json:"industry"`
	StressScore    int    `json:"stressScore"`
	AngleName      string `json:"angleName"`
	UserID         string `json:"userId"`
	DateSaved      string `json:"dateSaved"`
	LastUpdated    string `json:"lastUpdated,omitempty"`
}

// SavedAt parses DateSaved. ok is false for missing or malformed values.
func (r Record) SavedAt() (time.Time, bool) {
	return parseTime(r.DateSaved)
}

func (r Record) UpdatedAt() (time.Time, bool) {
	return parseTime(r.LastUpdated)
}

func parseTime(value string) (time.Time, bool) {
	if strings.TrimSpace(value) == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Collection returns the shared record collection for an application.
func Collection(appID string) string {
	return docstore.CollectionPath("artifacts", appID, "public", "data", "cqm_records")
}

type Adapter struct {
	store      docstore.Store
	collection string
	logger     *zap.Logger
	now        func() time.Time
}

func NewAdapter(store docstore.Store, appID string, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{
		store:      store,
		collection: Collection(appID),
		logger:     logger,
		now:        time.Now,
	}
}

func (a *Adapter) CollectionPath() string {
	return a.collection
}

// Subscribe delivers the full record list, newest first, after every change.
// The returned function is idempotent and waits for the listener to stop.
func (a *Adapter) Subscribe(ctx context.Context, onChange func([]Record), onError func(error)) func() {
	return a.store.SubscribeCollection(ctx, a.collection,
		func(docs []docstore.Document) {
			onChange(FromDocuments(docs))
		},
		func(err error) {
			onError(fmt.Errorf("record subscription: %w", err))
		})
}

// List reads the current record list once, newest first.
func (a *Adapter) List(ctx context.Context) ([]Record, error) {
	docs, err := a.store.ListDocuments(ctx, a.collection)
	if err != nil {
		return nil, err
	}
	return FromDocuments(docs), nil
}

func (a *Adapter) Get(ctx context.Context, id string) (Record, error) {
	doc, err := a.store.GetDocument(ctx, a.collection, id)
	if errors.Is(err, docstore.ErrNotFound) {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Record{}, err
	}
	return FromDocument(doc), nil
}

// Create stores a new record owned by userID and returns its id.
func (a *Adapter) Create(ctx context.Context, userID string, rec Record) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", ErrUnauthenticated
	}
	data := fields(rec)
	data["userId"] = userID
	data["dateSaved"] = a.now().UTC().Format(TimeLayout)

	id, err := a.store.CreateDocument(ctx, a.collection, data)
	if err != nil {
		return "", fmt.Errorf("create record: %w", err)
	}
	a.logger.Debug("record created", zap.String("id", id), zap.String("uid", userID))
	return id, nil
}

// Update overwrites the editable fields of an existing record. DateSaved is
// never written.
func (a *Adapter) Update(ctx context.Context, userID, id string, rec Record) error {
	if strings.TrimSpace(userID) == "" {
		return ErrUnauthenticated
	}
	data := fields(rec)
	data["userId"] = userID
	data["lastUpdated"] = a.now().UTC().Format(TimeLayout)

	err := a.store.UpdateDocument(ctx, a.collection, id, data)
	if errors.Is(err, docstore.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("update record: %w", err)
	}
	a.logger.Debug("record updated", zap.String("id", id), zap.String("uid", userID))
	return nil
}

func (a *Adapter) Delete(ctx context.Context, id string) error {
	if err := a.store.DeleteDocument(ctx, a.collection, id); err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	a.logger.Debug("record deleted", zap.String("id", id))
	return nil
}

func fields(rec Record) map[string]any {
	name := strings.TrimSpace(rec.TeamMemberName)
	if name == "" {
		name = AnonymousRep
	}
	data := map[string]any{
		"teamMemberName": name,
		"companyName":    rec.CompanyName,
		"contactName":    rec.ContactName,
		"contactNumber":  rec.ContactNumber,
		"gatekeeper":     rec.Gatekeeper,
		"signalLabel":    rec.SignalLabel,
		"workforceSize":  rec.WorkforceSize,
		"industry":       rec.Industry,
		"stressScore":    rec.StressScore,
		"angleName":      rec.AngleName,
	}
	if rec.SignalID != "" {
		data["signalId"] = rec.SignalID
	}
	return data
}

// FromDocument decodes a stored document. Missing fields come back empty and
// numeric fields stored as strings are coerced.
func FromDocument(doc docstore.Document) Record {
	r := gjson.ParseBytes(doc.Data)
	return Record{
		ID:             doc.ID,
		TeamMemberName: r.Get("teamMemberName").String(),
		CompanyName:    r.Get("companyName").String(),
		ContactName:    r.Get("contactName").String(),
		ContactNumber:  r.Get("contactNumber").String(),
		Gatekeeper:     r.Get("gatekeeper").String(),
		SignalID:       r.Get("signalId").String(),
		SignalLabel:    r.Get("signalLabel").String(),
		WorkforceSize:  r.Get("workforceSize").String(),
		Industry:       r.Get("industry").String(),
		StressScore:    int(r.Get("stressScore").Int()),
		AngleName:      r.Get("angleName").String(),
		UserID:         r.Get("userId").String(),
		DateSaved:      r.Get("dateSaved").String(),
		LastUpdated:    r.Get("lastUpdated").String(),
	}
}

// FromDocuments decodes and sorts a snapshot.
func FromDocuments(docs []docstore.Document) []Record {
	out := make([]Record, 0, len(docs))
	for _, doc := range docs {
		out = append(out, FromDocument(doc))
	}
	SortNewestFirst(out)
	return out
}

// SortNewestFirst orders by DateSaved descending. Records without a parseable
// date go last; ties break on id.
func SortNewestFirst(recs []Record) {
	slices.SortStableFunc(recs, func(a, b Record) int {
		ta, okA := a.SavedAt()
		tb, okB := b.SavedAt()
		switch {
		case okA && !okB:
			return -1
		case !okA && okB:
			return 1
		case okA && okB:
			if c := tb.Compare(ta); c != 0 {
				return c
			}
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

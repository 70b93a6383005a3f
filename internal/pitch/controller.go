package pitch

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"

	"cqm/api/internal/catalog"
	"cqm/api/internal/identity"
	"cqm/api/internal/records"
	"cqm/api/internal/scoring"
)

var (
	ErrSaveInFlight    = errors.New("a save is already in progress")
	ErrCannotSave      = errors.New("complete the checklist for a new result before saving")
	ErrClosed          = errors.New("session closed")
	ErrNoPendingDelete = errors.New("no delete awaiting confirmation")
)

// SaveFailure wraps a rejected write. The session stays savable, so the rep
// can retry.
type SaveFailure struct {
	Err error
}

func (e *SaveFailure) Error() string { return "Error saving: " + e.Err.Error() }

func (e *SaveFailure) Unwrap() error { return e.Err }

// RecordStore is the persistence the controller needs.
type RecordStore interface {
	Subscribe(ctx context.Context, onChange func([]records.Record), onError func(error)) func()
	Create(ctx context.Context, userID string, rec records.Record) (string, error)
	Update(ctx context.Context, userID, id string, rec records.Record) error
	Delete(ctx context.Context, id string) error
}

// IdentitySource reports the signed-in user, if any.
type IdentitySource interface {
	Current() (identity.User, bool)
}

// View is the read model sent to clients.
type View struct {
	State
	Phase         Phase        `json:"phase"`
	CanSave       bool         `json:"canSave"`
	Saving        bool         `json:"saving"`
	ClearedToCall bool         `json:"clearedToCall"`
	Band          scoring.Band `json:"band,omitempty"`
	Prompts       []Prompt     `json:"prompts,omitempty"`
	DeletingID    string       `json:"deletingId,omitempty"`
}

// Controller serialises one rep's session. Store calls run outside the lock.
type Controller struct {
	cat    *catalog.Catalog
	store  RecordStore
	ident  IdentitySource
	logger *zap.Logger

	mu          sync.Mutex
	state       State
	rev         uint64
	saving      bool
	list        []records.Record
	deletingID  string
	unsubscribe func()
	watchers    map[int]chan []records.Record
	nextWatch   int
	closed      bool
}

func NewController(cat *catalog.Catalog, store RecordStore, ident IdentitySource, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		cat:      cat,
		store:    store,
		ident:    ident,
		logger:   logger,
		list:     []records.Record{},
		watchers: make(map[int]chan []records.Record),
	}
}

// Open starts the record subscription. ctx bounds the subscription, so it
// should outlive any single request.
func (c *Controller) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.unsubscribe != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	unsubscribe := c.store.Subscribe(ctx, c.replaceRecords, c.subscriptionFailed)

	c.mu.Lock()
	if c.closed || c.unsubscribe != nil {
		c.mu.Unlock()
		unsubscribe()
		return nil
	}
	c.unsubscribe = unsubscribe
	c.mu.Unlock()
	return nil
}

// Close releases the subscription and ends every watcher. It is idempotent.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	unsubscribe := c.unsubscribe
	c.unsubscribe = nil
	for id, ch := range c.watchers {
		close(ch)
		delete(c.watchers, id)
	}
	c.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}

func (c *Controller) replaceRecords(list []records.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.list = list
	for _, ch := range c.watchers {
		select {
		case <-ch:
		default:
		}
		ch <- slices.Clone(list)
	}
}

func (c *Controller) subscriptionFailed(err error) {
	c.logger.Warn("record subscription failed; keeping last list", zap.Error(err))
}

// Records returns the last delivered record list, newest first.
func (c *Controller) Records() []records.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.list)
}

// Watch streams list replacements. Only the newest pending list is kept for a
// slow reader. The channel closes when stop is called or the session closes.
func (c *Controller) Watch() (<-chan []records.Record, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan []records.Record, 1)
	if c.closed {
		close(ch)
		return ch, func() {}
	}
	id := c.nextWatch
	c.nextWatch++
	c.watchers[id] = ch
	ch <- slices.Clone(c.list)

	return ch, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if existing, ok := c.watchers[id]; ok {
			close(existing)
			delete(c.watchers, id)
		}
	}
}

func (c *Controller) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewLocked()
}

func (c *Controller) viewLocked() View {
	v := View{
		State:         c.state,
		Phase:         PhaseOf(c.state),
		CanSave:       CanSave(c.state) && !c.saving,
		Saving:        c.saving,
		ClearedToCall: ClearedToCall(c.state),
		Prompts:       Prompts(c.state),
		DeletingID:    c.deletingID,
	}
	if c.state.Result != nil {
		result := *c.state.Result
		v.Result = &result
		v.Band = scoring.BandFor(result.FinalScore)
	}
	return v
}

// UpdateForm assigns several fields at once. Nothing changes if any field
// name is unknown.
func (c *Controller) UpdateForm(fields map[string]string) (View, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := c.state
	for field, value := range fields {
		var err error
		if next, err = SetField(next, field, value); err != nil {
			return c.viewLocked(), err
		}
	}
	if c.state.Result != nil && next.Result == nil {
		c.rev++
	}
	c.state = next
	return c.viewLocked(), nil
}

func (c *Controller) Generate() (View, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	next, err := Generate(c.cat, c.state)
	if err != nil {
		return c.viewLocked(), err
	}
	c.state = next
	c.rev++
	return c.viewLocked(), nil
}

func (c *Controller) ToggleChecklist(q int) (View, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	next, err := ToggleChecklist(c.state, q)
	if err != nil {
		return c.viewLocked(), err
	}
	c.state = next
	return c.viewLocked(), nil
}

func (c *Controller) Reset() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = Reset(c.state)
	c.rev++
	return c.viewLocked()
}

// Edit loads a record from the current list into the form.
func (c *Controller) Edit(id string) (View, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx := slices.IndexFunc(c.list, func(r records.Record) bool { return r.ID == id })
	if idx < 0 {
		return c.viewLocked(), fmt.Errorf("%w: %s", records.ErrNotFound, id)
	}
	c.state = LoadRecord(c.cat, c.state, c.list[idx])
	c.rev++
	return c.viewLocked(), nil
}

// Save creates a record, or updates the one being edited. It returns the id
// written.
func (c *Controller) Save(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.saving {
		c.mu.Unlock()
		return "", ErrSaveInFlight
	}
	if !CanSave(c.state) {
		c.mu.Unlock()
		return "", ErrCannotSave
	}
	user, ok := c.ident.Current()
	if !ok {
		c.mu.Unlock()
		return "", records.ErrUnauthenticated
	}
	c.saving = true
	rev := c.rev
	editID := c.state.EditID
	rec := RecordFrom(c.cat, c.state)
	c.mu.Unlock()

	var (
		id  = editID
		err error
	)
	if editID != "" {
		err = c.store.Update(ctx, user.UID, editID, rec)
	} else {
		id, err = c.store.Create(ctx, user.UID, rec)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.saving = false
	if err != nil {
		c.logger.Error("save failed", zap.String("uid", user.UID), zap.String("edit_id", editID), zap.Error(err))
		return "", &SaveFailure{Err: err}
	}
	if c.rev == rev {
		c.state.Saved = true
		c.state.EditID = ""
	}
	c.logger.Info("record saved", zap.String("uid", user.UID), zap.String("id", id), zap.Bool("update", editID != ""))
	return id, nil
}

// RequestDelete marks a listed record for deletion. Nothing is removed until
// ConfirmDelete.
func (c *Controller) RequestDelete(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !slices.ContainsFunc(c.list, func(r records.Record) bool { return r.ID == id }) {
		return fmt.Errorf("%w: %s", records.ErrNotFound, id)
	}
	c.deletingID = id
	return nil
}

func (c *Controller) CancelDelete() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deletingID = ""
}

// ConfirmDelete removes the record named by the last RequestDelete. id must
// match it. On failure the request stays pending.
func (c *Controller) ConfirmDelete(ctx context.Context, id string) error {
	c.mu.Lock()
	pending := c.deletingID
	c.mu.Unlock()
	if pending == "" || pending != id {
		return ErrNoPendingDelete
	}

	if err := c.store.Delete(ctx, pending); err != nil {
		c.logger.Error("delete failed", zap.String("id", pending), zap.Error(err))
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deletingID == pending {
		c.deletingID = ""
	}
	c.list = slices.DeleteFunc(slices.Clone(c.list), func(r records.Record) bool { return r.ID == pending })
	return nil
}

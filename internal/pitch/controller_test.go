package pitch

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"cqm/api/internal/catalog"
	"cqm/api/internal/docstore"
	"cqm/api/internal/identity"
	"cqm/api/internal/records"
)

type fakeIdentity struct {
	user *identity.User
}

func (f fakeIdentity) Current() (identity.User, bool) {
	if f.user == nil {
		return identity.User{}, false
	}
	return *f.user, true
}

func signedIn() fakeIdentity {
	return fakeIdentity{user: &identity.User{UID: "anon_1", Provider: identity.ProviderAnonymous}}
}

type fakeStore struct {
	subscribeFn func(ctx context.Context, onChange func([]records.Record), onError func(error)) func()
	createFn    func(ctx context.Context, userID string, rec records.Record) (string, error)
	updateFn    func(ctx context.Context, userID, id string, rec records.Record) error
	deleteFn    func(ctx context.Context, id string) error
}

func (f *fakeStore) Subscribe(ctx context.Context, onChange func([]records.Record), onError func(error)) func() {
	if f.subscribeFn == nil {
		return func() {}
	}
	return f.subscribeFn(ctx, onChange, onError)
}

func (f *fakeStore) Create(ctx context.Context, userID string, rec records.Record) (string, error) {
	if f.createFn == nil {
		return "", errors.New("not implemented")
	}
	return f.createFn(ctx, userID, rec)
}

func (f *fakeStore) Update(ctx context.Context, userID, id string, rec records.Record) error {
	if f.updateFn == nil {
		return errors.New("not implemented")
	}
	return f.updateFn(ctx, userID, id, rec)
}

func (f *fakeStore) Delete(ctx context.Context, id string) error {
	if f.deleteFn == nil {
		return errors.New("not implemented")
	}
	return f.deleteFn(ctx, id)
}

// readyController returns a controller whose checklist is complete.
func readyController(t *testing.T, store RecordStore, ident IdentitySource) *Controller {
	t.Helper()
	c := NewController(catalog.Default(), store, ident, nil)
	_, err := c.UpdateForm(map[string]string{
		"teamMemberName": "",
		"companyName":    "Acme",
		"gatekeeper":     "HR Director / CHRO",
		"companySignal":  "glassdoor",
		"workforceSize":  "large",
	})
	require.NoError(t, err)
	view, err := c.Generate()
	require.NoError(t, err)
	assert.Equal(t, 100, view.Result.FinalScore)
	for q := 1; q <= 3; q++ {
		_, err = c.ToggleChecklist(q)
		require.NoError(t, err)
	}
	require.True(t, c.View().CanSave)
	return c
}

func TestUpdateFormIsAllOrNothing(t *testing.T) {
	c := NewController(catalog.Default(), &fakeStore{}, signedIn(), nil)
	_, err := c.UpdateForm(map[string]string{"companyName": "Acme", "bogus": "x"})
	assert.ErrorIs(t, err, ErrUnknownField)
	assert.Empty(t, c.View().Form.CompanyName)
}

func TestSignalChangeAfterGenerateRequiresRegenerate(t *testing.T) {
	var saved records.Record
	store := &fakeStore{
		createFn: func(_ context.Context, _ string, rec records.Record) (string, error) {
			saved = rec
			return "rec1", nil
		},
	}
	c := readyController(t, store, signedIn())

	view, err := c.UpdateForm(map[string]string{"companySignal": "rto"})
	require.NoError(t, err)
	assert.Nil(t, view.Result)
	assert.False(t, view.CanSave)
	_, err = c.Save(context.Background())
	assert.ErrorIs(t, err, ErrCannotSave)

	_, err = c.Generate()
	require.NoError(t, err)
	for q := 1; q <= 3; q++ {
		_, err = c.ToggleChecklist(q)
		require.NoError(t, err)
	}
	_, err = c.Save(context.Background())
	require.NoError(t, err)

	rto, ok := catalog.Default().Lookup("rto")
	require.True(t, ok)
	assert.Equal(t, "rto", saved.SignalID)
	assert.Equal(t, rto.AngleName, saved.AngleName)
}

func TestSaveCreatesThenBlocksRepeat(t *testing.T) {
	var got records.Record
	store := &fakeStore{
		createFn: func(_ context.Context, userID string, rec records.Record) (string, error) {
			assert.Equal(t, "anon_1", userID)
			got = rec
			return "rec1", nil
		},
	}
	c := readyController(t, store, signedIn())

	id, err := c.Save(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "rec1", id)
	assert.Equal(t, "glassdoor", got.SignalID)
	assert.Equal(t, 100, got.StressScore)

	view := c.View()
	assert.True(t, view.Saved)
	assert.False(t, view.CanSave)
	assert.False(t, view.ClearedToCall)
	assert.Equal(t, PhaseSaved, view.Phase)

	_, err = c.Save(context.Background())
	assert.ErrorIs(t, err, ErrCannotSave)
}

func TestSaveRequiresCompleteChecklist(t *testing.T) {
	c := readyController(t, &fakeStore{}, signedIn())
	_, err := c.ToggleChecklist(1)
	require.NoError(t, err)
	_, err = c.Save(context.Background())
	assert.ErrorIs(t, err, ErrCannotSave)
}

func TestSaveRequiresIdentity(t *testing.T) {
	c := readyController(t, &fakeStore{}, fakeIdentity{})
	_, err := c.Save(context.Background())
	assert.ErrorIs(t, err, records.ErrUnauthenticated)
	assert.True(t, c.View().CanSave)
}

func TestSaveFailureIsRetryable(t *testing.T) {
	calls := 0
	store := &fakeStore{
		createFn: func(context.Context, string, records.Record) (string, error) {
			calls++
			if calls == 1 {
				return "", errors.New("backend unavailable")
			}
			return "rec1", nil
		},
	}
	c := readyController(t, store, signedIn())

	_, err := c.Save(context.Background())
	var failure *SaveFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, "Error saving: backend unavailable", failure.Error())
	view := c.View()
	assert.Equal(t, PhaseChecklistComplete, view.Phase)
	assert.True(t, view.CanSave)

	_, err = c.Save(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestOverlappingSaveIsRejected(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	store := &fakeStore{
		createFn: func(context.Context, string, records.Record) (string, error) {
			close(started)
			<-release
			return "rec1", nil
		},
	}
	c := readyController(t, store, signedIn())

	done := make(chan error, 1)
	go func() {
		_, err := c.Save(context.Background())
		done <- err
	}()
	<-started

	view := c.View()
	assert.True(t, view.Saving)
	assert.False(t, view.CanSave)
	_, err := c.Save(context.Background())
	assert.ErrorIs(t, err, ErrSaveInFlight)

	close(release)
	require.NoError(t, <-done)
	assert.False(t, c.View().Saving)
}

func TestResetDuringSaveKeepsNewForm(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	store := &fakeStore{
		createFn: func(context.Context, string, records.Record) (string, error) {
			close(started)
			<-release
			return "rec1", nil
		},
	}
	c := readyController(t, store, signedIn())

	done := make(chan error, 1)
	go func() {
		_, err := c.Save(context.Background())
		done <- err
	}()
	<-started
	c.Reset()
	close(release)
	require.NoError(t, <-done)

	assert.False(t, c.View().Saved)
	assert.Equal(t, PhaseEmpty, c.View().Phase)
}

func TestEditSaveUpdatesAndClearsEditID(t *testing.T) {
	var updatedID string
	store := &fakeStore{
		subscribeFn: func(_ context.Context, onChange func([]records.Record), _ func(error)) func() {
			onChange([]records.Record{{
				ID: "rec9", CompanyName: "Globex", Gatekeeper: "HR Business Partner",
				SignalID: "hiring", SignalLabel: "x", StressScore: 70, AngleName: "Saved Angle",
			}})
			return func() {}
		},
		updateFn: func(_ context.Context, _ string, id string, rec records.Record) error {
			updatedID = id
			assert.Equal(t, "Saved Angle", rec.AngleName)
			assert.Equal(t, 70, rec.StressScore)
			return nil
		},
	}
	c := NewController(catalog.Default(), store, signedIn(), nil)
	require.NoError(t, c.Open(context.Background()))
	defer c.Close()

	_, err := c.Edit("missing")
	assert.ErrorIs(t, err, records.ErrNotFound)

	view, err := c.Edit("rec9")
	require.NoError(t, err)
	assert.Equal(t, "rec9", view.EditID)
	assert.True(t, view.CanSave)

	id, err := c.Save(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "rec9", id)
	assert.Equal(t, "rec9", updatedID)
	assert.Empty(t, c.View().EditID)
}

func TestSubscriptionErrorsKeepLastList(t *testing.T) {
	store := &fakeStore{
		subscribeFn: func(_ context.Context, onChange func([]records.Record), onError func(error)) func() {
			onChange([]records.Record{{ID: "a"}})
			onError(errors.New("stream broke"))
			return func() {}
		},
	}
	c := NewController(catalog.Default(), store, signedIn(), nil)
	require.NoError(t, c.Open(context.Background()))
	defer c.Close()

	list := c.Records()
	require.Len(t, list, 1)
	assert.Equal(t, "a", list[0].ID)
}

func TestTwoStepDelete(t *testing.T) {
	var deleted []string
	store := &fakeStore{
		subscribeFn: func(_ context.Context, onChange func([]records.Record), _ func(error)) func() {
			onChange([]records.Record{{ID: "a"}, {ID: "b"}})
			return func() {}
		},
		deleteFn: func(_ context.Context, id string) error {
			deleted = append(deleted, id)
			return nil
		},
	}
	c := NewController(catalog.Default(), store, signedIn(), nil)
	require.NoError(t, c.Open(context.Background()))
	defer c.Close()

	assert.ErrorIs(t, c.ConfirmDelete(context.Background(), "a"), ErrNoPendingDelete)
	assert.ErrorIs(t, c.RequestDelete("zzz"), records.ErrNotFound)

	require.NoError(t, c.RequestDelete("a"))
	assert.Equal(t, "a", c.View().DeletingID)
	c.CancelDelete()
	assert.Empty(t, c.View().DeletingID)
	assert.ErrorIs(t, c.ConfirmDelete(context.Background(), "a"), ErrNoPendingDelete)
	assert.Empty(t, deleted)

	require.NoError(t, c.RequestDelete("b"))
	assert.ErrorIs(t, c.ConfirmDelete(context.Background(), "a"), ErrNoPendingDelete)
	require.NoError(t, c.ConfirmDelete(context.Background(), "b"))
	assert.Equal(t, []string{"b"}, deleted)
	assert.Empty(t, c.View().DeletingID)

	list := c.Records()
	require.Len(t, list, 1)
	assert.Equal(t, "a", list[0].ID)
}

func TestWatchReceivesReplacements(t *testing.T) {
	var push func([]records.Record)
	store := &fakeStore{
		subscribeFn: func(_ context.Context, onChange func([]records.Record), _ func(error)) func() {
			push = onChange
			return func() {}
		},
	}
	c := NewController(catalog.Default(), store, signedIn(), nil)
	require.NoError(t, c.Open(context.Background()))

	updates, stop := c.Watch()
	assert.Empty(t, <-updates)

	push([]records.Record{{ID: "a"}})
	push([]records.Record{{ID: "a"}, {ID: "b"}})
	latest := <-updates
	assert.Len(t, latest, 2)

	stop()
	stop()
	_, open := <-updates
	assert.False(t, open)

	other, _ := c.Watch()
	<-other
	c.Close()
	_, open = <-other
	assert.False(t, open)

	closed, _ := c.Watch()
	_, open = <-closed
	assert.False(t, open)
	assert.ErrorIs(t, c.Open(context.Background()), ErrClosed)
}

func TestControllerWithSQLStore(t *testing.T) {
	ctx := context.Background()
	db, dialect, err := docstore.Open(ctx, "sqlite:"+filepath.Join(t.TempDir(), "pitch.db"))
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, docstore.ApplyMigrations(ctx, db, dialect))
	adapter := records.NewAdapter(docstore.NewSQLStore(db, dialect, nil, nil), "edivy-cqm-app", nil)
	opts := goleak.IgnoreCurrent()

	var wg sync.WaitGroup
	sessions := make([]*Controller, 2)
	for i := range sessions {
		sessions[i] = readyController(t, adapter, signedIn())
		require.NoError(t, sessions[i].Open(ctx))
	}
	for _, c := range sessions {
		wg.Add(1)
		go func(c *Controller) {
			defer wg.Done()
			_, err := c.Save(ctx)
			assert.NoError(t, err)
		}(c)
	}
	wg.Wait()

	require.Eventually(t, func() bool { return len(sessions[0].Records()) == 2 }, 5*time.Second, 10*time.Millisecond)
	list := sessions[1].Records()
	require.Eventually(t, func() bool { list = sessions[1].Records(); return len(list) == 2 }, 5*time.Second, 10*time.Millisecond)
	assert.NotEqual(t, list[0].ID, list[1].ID)
	assert.Equal(t, records.AnonymousRep, list[0].TeamMemberName)

	// Edit-save the first record: DateSaved is untouched, LastUpdated follows it.
	view, err := sessions[0].Edit(list[0].ID)
	require.NoError(t, err)
	require.True(t, view.CanSave)
	time.Sleep(2 * time.Millisecond)
	_, err = sessions[0].Save(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		for _, r := range sessions[1].Records() {
			if r.ID == list[0].ID && r.LastUpdated != "" {
				saved, _ := r.SavedAt()
				updated, _ := r.UpdatedAt()
				return r.DateSaved == list[0].DateSaved && updated.After(saved)
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	for _, c := range sessions {
		c.Close()
	}
	goleak.VerifyNone(t, opts)
}

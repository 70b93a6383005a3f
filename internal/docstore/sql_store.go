package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Fixed-width so that created_at sorts lexically in both dialects.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLStore keeps documents in a single table keyed by (collection, id).
type SQLStore struct {
	db       *sql.DB
	dialect  Dialect
	notifier Notifier
	logger   *zap.Logger
	now      func() time.Time
}

func NewSQLStore(db *sql.DB, dialect Dialect, notifier Notifier, logger *zap.Logger) *SQLStore {
	if notifier == nil {
		notifier = NewLocalNotifier()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLStore{
		db:       db,
		dialect:  dialect,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
}

func (s *SQLStore) DB() *sql.DB {
	return s.db
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) q(query string) string {
	return Rebind(s.dialect, query)
}

func (s *SQLStore) CreateDocument(ctx context.Context, collection string, data map[string]any) (string, error) {
	if err := ValidateCollection(collection); err != nil {
		return "", err
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("marshal document: %w", err)
	}

	id := uuid.NewString()
	stamp := s.now().UTC().Format(timeLayout)
	_, err = s.db.ExecContext(ctx, s.q(`
		INSERT INTO documents (collection, id, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`), collection, id, string(payload), stamp, stamp)
	if err != nil {
		return "", fmt.Errorf("insert document: %w", err)
	}

	s.publish(ctx, collection)
	return id, nil
}

// UpdateDocument merges patch into the stored object's top-level fields.
func (s *SQLStore) UpdateDocument(ctx context.Context, collection, id string, patch map[string]any) (err error) {
	if err := ValidateCollection(collection); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var raw string
	err = tx.QueryRowContext(ctx, s.q(`SELECT data FROM documents WHERE collection = ? AND id = ?`), collection, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, collection, id)
	}
	if err != nil {
		return fmt.Errorf("read document: %w", err)
	}

	current := map[string]any{}
	if err = json.Unmarshal([]byte(raw), &current); err != nil {
		return fmt.Errorf("decode stored document: %w", err)
	}
	for key, value := range patch {
		current[key] = value
	}
	merged, err := json.Marshal(current)
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}

	if _, err = tx.ExecContext(ctx, s.q(`
		UPDATE documents SET data = ?, updated_at = ? WHERE collection = ? AND id = ?
	`), string(merged), s.now().UTC().Format(timeLayout), collection, id); err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit update: %w", err)
	}

	s.publish(ctx, collection)
	return nil
}

// DeleteDocument removes a document. Deleting a missing document succeeds.
func (s *SQLStore) DeleteDocument(ctx context.Context, collection, id string) error {
	if err := ValidateCollection(collection); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, s.q(`DELETE FROM documents WHERE collection = ? AND id = ?`), collection, id); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	s.publish(ctx, collection)
	return nil
}

func (s *SQLStore) GetDocument(ctx context.Context, collection, id string) (Document, error) {
	row := s.db.QueryRowContext(ctx, s.q(`
		SELECT id, data, created_at, updated_at FROM documents WHERE collection = ? AND id = ?
	`), collection, id)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, fmt.Errorf("%w: %s/%s", ErrNotFound, collection, id)
	}
	return doc, err
}

func (s *SQLStore) ListDocuments(ctx context.Context, collection string) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT id, data, created_at, updated_at FROM documents
		WHERE collection = ?
		ORDER BY created_at, id
	`), collection)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	docs := make([]Document, 0)
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	return docs, nil
}

func (s *SQLStore) SubscribeCollection(ctx context.Context, collection string, onSnapshot func([]Document), onError func(error)) func() {
	ctx, cancel := context.WithCancel(ctx)

	changes, stop, err := s.notifier.Subscribe(ctx, collection)
	if err != nil {
		cancel()
		onError(err)
		return func() {}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer stop()

		s.deliver(ctx, collection, onSnapshot, onError)
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-changes:
				if !ok {
					return
				}
				s.deliver(ctx, collection, onSnapshot, onError)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}

func (s *SQLStore) deliver(ctx context.Context, collection string, onSnapshot func([]Document), onError func(error)) {
	docs, err := s.ListDocuments(ctx, collection)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		onError(err)
		return
	}
	onSnapshot(docs)
}

// publish is best effort: the write already committed, and listeners that
// miss a signal pick the change up with the next one.
func (s *SQLStore) publish(ctx context.Context, collection string) {
	if err := s.notifier.Publish(ctx, collection); err != nil {
		s.logger.Warn("change notification failed", zap.String("collection", collection), zap.Error(err))
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (Document, error) {
	var (
		doc                  Document
		raw                  string
		createdAt, updatedAt string
	)
	if err := row.Scan(&doc.ID, &raw, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Document{}, err
		}
		return Document{}, fmt.Errorf("scan document: %w", err)
	}
	doc.Data = json.RawMessage(raw)
	doc.CreateTime, _ = time.Parse(timeLayout, createdAt)
	doc.UpdateTime, _ = time.Parse(timeLayout, updatedAt)
	return doc, nil
}

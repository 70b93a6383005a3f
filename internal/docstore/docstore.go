// Package docstore is a small document database: JSON documents grouped in
// slash-separated collections, with create/update/delete and a live
// subscription that re-delivers the whole collection after every change.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound    = errors.New("document not found")
	ErrInvalidPath = errors.New("invalid collection path")
)

// Document is one stored JSON object.
type Document struct {
	ID         string
	Data       json.RawMessage
	CreateTime time.Time
	UpdateTime time.Time
}

// Store is the document API the record adapter is written against.
type Store interface {
	CreateDocument(ctx context.Context, collection string, data map[string]any) (string, error)
	UpdateDocument(ctx context.Context, collection, id string, patch map[string]any) error
	DeleteDocument(ctx context.Context, collection, id string) error
	GetDocument(ctx context.Context, collection, id string) (Document, error)
	ListDocuments(ctx context.Context, collection string) ([]Document, error)
	// SubscribeCollection delivers the full collection once and again after
	// every change. The returned function stops delivery and waits for the
	// listener to exit; it must not be called from inside a callback.
	SubscribeCollection(ctx context.Context, collection string, onSnapshot func([]Document), onError func(error)) (unsubscribe func())
}

// CollectionPath joins segments into a collection path. Collections sit at odd
// depths: collection/doc/collection/...
func CollectionPath(segments ...string) string {
	return strings.Join(segments, "/")
}

func ValidateCollection(path string) error {
	if path == "" {
		return fmt.Errorf("%w: empty", ErrInvalidPath)
	}
	segments := strings.Split(path, "/")
	for _, segment := range segments {
		if strings.TrimSpace(segment) == "" {
			return fmt.Errorf("%w: empty segment in %q", ErrInvalidPath, path)
		}
	}
	if len(segments)%2 == 0 {
		return fmt.Errorf("%w: %q names a document, not a collection", ErrInvalidPath, path)
	}
	return nil
}

package docstore

import (
	"context"
	"sync"
)

// Notifier carries "collection changed" signals from writers to listeners.
// Signals coalesce: a slow listener sees one pending signal, not a backlog.
type Notifier interface {
	Publish(ctx context.Context, collection string) error
	Subscribe(ctx context.Context, collection string) (changes <-chan struct{}, stop func(), err error)
}

// LocalNotifier fans signals out inside one process.
type LocalNotifier struct {
	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]chan struct{}
}

func NewLocalNotifier() *LocalNotifier {
	return &LocalNotifier{subs: make(map[string]map[int]chan struct{})}
}

func (n *LocalNotifier) Publish(_ context.Context, collection string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ch := range n.subs[collection] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return nil
}

func (n *LocalNotifier) Subscribe(_ context.Context, collection string) (<-chan struct{}, func(), error) {
	ch := make(chan struct{}, 1)

	n.mu.Lock()
	id := n.nextID
	n.nextID++
	if n.subs[collection] == nil {
		n.subs[collection] = make(map[int]chan struct{})
	}
	n.subs[collection][id] = ch
	n.mu.Unlock()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			delete(n.subs[collection], id)
			if len(n.subs[collection]) == 0 {
				delete(n.subs, collection)
			}
		})
	}
	return ch, stop, nil
}

func (n *LocalNotifier) subscriberCount(collection string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs[collection])
}

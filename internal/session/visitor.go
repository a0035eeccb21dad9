package session

import (
	"context"
	"sync"

	"github.com/zjrosen/screenqueue/internal/log"
	"github.com/zjrosen/screenqueue/internal/pubsub"
)

// Visitor is the visitor identity value. UID is empty when the server has
// not assigned one yet.
type Visitor struct {
	Loading bool
	UID     string
}

// VisitorStore persists the visitor uid across runs.
type VisitorStore interface {
	LoadVisitor(ctx context.Context) (string, error)
	SaveVisitor(ctx context.Context, uid string) error
}

// VisitorSource owns the visitor value.
type VisitorSource struct {
	value *pubsub.Value[Visitor]
	store VisitorStore
	mu    sync.Mutex
}

// NewVisitorSource returns a source in the loading state. A nil store keeps
// the uid in memory only.
func NewVisitorSource(store VisitorStore) *VisitorSource {
	return &VisitorSource{
		value: pubsub.NewValue(Visitor{Loading: true}, pubsub.WithEqual(func(a, b Visitor) bool { return a == b })),
		store: store,
	}
}

// Value returns the observable visitor value.
func (s *VisitorSource) Value() *pubsub.Value[Visitor] {
	return s.value
}

// Load reads the persisted uid and settles the value. A store failure still
// settles the value, with no uid, so callers are never blocked on it.
func (s *VisitorSource) Load(ctx context.Context) error {
	var uid string
	var err error
	if s.store != nil {
		uid, err = s.store.LoadVisitor(ctx)
		if err != nil {
			log.ErrorErr(log.CatSession, "Failed to load visitor", err)
		}
	}
	s.value.Set(Visitor{UID: uid})
	return err
}

// SetVisitor records a server-assigned uid and persists it.
func (s *VisitorSource) SetVisitor(ctx context.Context, uid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.value.Set(Visitor{UID: uid}) {
		return
	}
	log.Info(log.CatSession, "Visitor assigned", "uid", uid)
	if s.store == nil {
		return
	}
	if err := s.store.SaveVisitor(ctx, uid); err != nil {
		log.ErrorErr(log.CatSession, "Failed to persist visitor", err, "uid", uid)
	}
}

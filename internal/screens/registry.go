package screens

import (
	"fmt"
	"sort"

	"github.com/zjrosen/screenqueue/internal/log"
	"github.com/zjrosen/screenqueue/internal/protocol"
)

// Registry maps slugs to screens. It is read-only after construction.
type Registry struct {
	screens map[string]Screen
}

// NewRegistry rejects duplicate slugs.
func NewRegistry(screens ...Screen) (*Registry, error) {
	r := &Registry{screens: make(map[string]Screen, len(screens))}
	for _, s := range screens {
		if _, dup := r.screens[s.Slug()]; dup {
			return nil, fmt.Errorf("duplicate screen slug: %s", s.Slug())
		}
		r.screens[s.Slug()] = s
	}
	return r, nil
}

// Lookup returns the screen registered for slug.
func (r *Registry) Lookup(slug string) (Screen, bool) {
	s, ok := r.screens[slug]
	return s, ok
}

// Slugs returns the registered slugs, sorted.
func (r *Registry) Slugs() []string {
	slugs := make([]string, 0, len(r.screens))
	for slug := range r.screens {
		slugs = append(slugs, slug)
	}
	sort.Strings(slugs)
	return slugs
}

// Instantiate resolves a peeked screen. An unknown slug or parameters the
// screen cannot map both report false.
func (r *Registry) Instantiate(ps protocol.PeekedScreen) (Screen, Instance, bool) {
	s, ok := r.screens[ps.Slug]
	if !ok {
		return nil, Instance{}, false
	}
	params, err := s.MapParams(ps.Parameters)
	if err != nil {
		log.Warn(log.CatDriver, "Screen parameters rejected", "slug", ps.Slug, "error", err)
		return nil, Instance{}, false
	}
	return s, Instance{Slug: ps.Slug, Params: params}, true
}

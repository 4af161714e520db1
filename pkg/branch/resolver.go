package branch

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"loom/pkg/models"
	"loom/pkg/store"
)

var resolves = promauto.NewCounter(prometheus.CounterOpts{
	Name: "loom_resolver_resolves_total",
	Help: "Active-conversation resolutions.",
})

// Resolver rebuilds the active conversation of a thread from persisted
// state. It holds no state of its own: given the same thread contents and
// branch state it always produces the same path, and it is re-run after
// every mutation rather than cached across one.
type Resolver struct {
	store *store.Store
}

// NewResolver returns a Resolver reading from s.
func NewResolver(s *store.Store) *Resolver {
	return &Resolver{store: s}
}

// Resolve walks from the thread root to a leaf and returns the ordered
// active conversation. At each branch point the override in state wins when
// it names a live member of the sibling group; otherwise the most recently
// created child is chosen. New edits and regenerations are appended as later
// siblings, so default-to-latest makes them win without requiring an
// override write at creation time - the mutating operations still write one
// so the choice survives future appends.
//
// Sibling groups arrive ordered by (CreatedTS, Seq); identical timestamps
// fall back to store insertion order, never to content.
func (r *Resolver) Resolve(ctx context.Context, threadID string, state map[string]string) ([]*models.Message, error) {
	var path []*models.Message
	key := models.ParentKeyRoot
	for {
		children, err := r.store.ListChildren(ctx, threadID, key)
		if err != nil {
			return nil, err
		}
		if len(children) == 0 {
			break
		}
		chosen := children[len(children)-1]
		if want, ok := state[key]; ok {
			if i := IndexOf(children, want); i >= 0 {
				chosen = children[i]
			}
		}
		path = append(path, chosen)
		key = chosen.ID
	}
	resolves.Inc()
	return path, nil
}

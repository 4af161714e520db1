// Package branch maintains the per-thread branch state (which sibling is
// active under each parent) and resolves the active conversation path.
package branch

import (
	"context"
	"fmt"

	"loom/pkg/errdefs"
	"loom/pkg/models"
	"loom/pkg/store"
)

// StateStore reads and writes branch overrides, validating membership on
// every write.
type StateStore struct {
	store *store.Store
}

// NewStateStore returns a StateStore backed by s.
func NewStateStore(s *store.Store) *StateStore {
	return &StateStore{store: s}
}

// State returns the explicit overrides for a thread as a
// parentKey -> activeChildID map. Absence of a key is a valid permanent
// state; resolution then defaults to the latest child.
func (b *StateStore) State(ctx context.Context, threadID string) (map[string]string, error) {
	return b.store.BranchState(ctx, threadID)
}

// SetActive durably marks childID as the active sibling under parentKey.
// The child must exist (ErrMessageNotFound otherwise) and must actually be a
// member of the addressed sibling group; a child that exists elsewhere means
// the caller acted on a stale view and gets ErrConcurrentModification.
func (b *StateStore) SetActive(ctx context.Context, threadID, parentKey, childID string) error {
	child, err := b.store.GetMessage(ctx, childID)
	if err != nil {
		return err
	}
	if child.ThreadID != threadID || child.ParentKey() != parentKey {
		return fmt.Errorf("%w: %s is not a member of group %s/%s",
			errdefs.ErrConcurrentModification, childID, threadID, parentKey)
	}
	return b.store.SetBranchOverride(ctx, threadID, parentKey, childID)
}

// ClearActive removes the override for a sibling group; resolution there
// falls back to the latest child.
func (b *StateStore) ClearActive(ctx context.Context, threadID, parentKey string) error {
	return b.store.DeleteBranchOverride(ctx, threadID, parentKey)
}

// IndexOf returns the position of id within the ordered sibling group, or -1.
func IndexOf(group []*models.Message, id string) int {
	for i, m := range group {
		if m.ID == id {
			return i
		}
	}
	return -1
}

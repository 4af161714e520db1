// Package thread orchestrates threads, messages and branch state. It is the
// single mutation entry point: the UI, the agent loop and the HTTP surface
// all go through a Service, never through the store directly.
package thread

import (
	"context"
	"errors"
	"fmt"
	"time"

	"loom/pkg/branch"
	"loom/pkg/errdefs"
	"loom/pkg/logger"
	"loom/pkg/models"
	"loom/pkg/store"
	"loom/pkg/stream"
)

// Direction selects a sibling relative to the current one.
type Direction string

const (
	DirectionPrev Direction = "prev"
	DirectionNext Direction = "next"
)

// ModelInfo tags an assistant message with its producing model.
type ModelInfo struct {
	Model    string `json:"model,omitempty"`
	Provider string `json:"provider,omitempty"`
}

// Service coordinates the store, branch state and the streaming coalescer
// for all conversation operations. One logical writer mutates a thread at a
// time (user actions are serialized by the interaction model), so the
// service takes no cross-operation locks.
type Service struct {
	store     *store.Store
	state     *branch.StateStore
	resolver  *branch.Resolver
	coalescer *stream.Coalescer
}

// NewService wires a Service on top of an opened store. flushInterval tunes
// the streaming coalescer; zero selects its default.
func NewService(st *store.Store, flushInterval time.Duration) *Service {
	return &Service{
		store:     st,
		state:     branch.NewStateStore(st),
		resolver:  branch.NewResolver(st),
		coalescer: stream.NewCoalescer(st, flushInterval),
	}
}

// Close flushes any pending streaming state.
func (s *Service) Close(ctx context.Context) error {
	return s.coalescer.Close(ctx)
}

// CreateThread creates an empty thread. Threads may transiently hold zero
// messages; the first message is added separately.
func (s *Service) CreateThread(ctx context.Context, title string) (*models.Thread, error) {
	th := &models.Thread{Title: title}
	if err := s.store.CreateThread(ctx, th); err != nil {
		return nil, err
	}
	return th, nil
}

// Threads lists all thread rows.
func (s *Service) Threads(ctx context.Context) ([]*models.Thread, error) {
	return s.store.ListThreads(ctx)
}

// Thread returns one thread row.
func (s *Service) Thread(ctx context.Context, id string) (*models.Thread, error) {
	return s.store.GetThread(ctx, id)
}

// RenameThread updates the thread title.
func (s *Service) RenameThread(ctx context.Context, id, title string) (*models.Thread, error) {
	th, err := s.store.GetThread(ctx, id)
	if err != nil {
		return nil, err
	}
	th.Title = title
	th.UpdatedTS = time.Now().UTC().UnixNano()
	if err := s.store.SaveThread(ctx, th); err != nil {
		return nil, err
	}
	return th, nil
}

// ActiveConversation resolves the thread's active root-to-leaf path and
// projects each entry with its sibling position. The in-progress assistant
// message, if any, is overlaid with not-yet-flushed streaming state so the
// caller always sees the newest content.
func (s *Service) ActiveConversation(ctx context.Context, threadID string) ([]models.ThreadMessage, error) {
	if _, err := s.store.GetThread(ctx, threadID); err != nil {
		return nil, err
	}
	state, err := s.state.State(ctx, threadID)
	if err != nil {
		return nil, err
	}
	path, err := s.resolver.Resolve(ctx, threadID, state)
	if err != nil {
		return nil, err
	}
	out := make([]models.ThreadMessage, 0, len(path))
	for _, m := range path {
		group, err := s.store.ListChildren(ctx, threadID, m.ParentKey())
		if err != nil {
			return nil, err
		}
		view := s.coalescer.Snapshot(m.ID, m)
		out = append(out, models.ThreadMessage{
			Message:      *view,
			SiblingIndex: branch.IndexOf(group, m.ID),
			SiblingCount: len(group),
		})
	}
	return out, nil
}

// Messages returns every message of a thread, active or not.
func (s *Service) Messages(ctx context.Context, threadID string) ([]*models.Message, error) {
	return s.store.ListThreadMessages(ctx, threadID)
}

// Siblings returns the ordered sibling group containing the message.
func (s *Service) Siblings(ctx context.Context, messageID string) ([]*models.Message, error) {
	return s.store.Siblings(ctx, messageID)
}

// AddUserMessage appends a user message under the current active leaf (or
// as the thread root when the thread is empty). A brand-new leaf has no
// siblings, so no branch state is written.
func (s *Service) AddUserMessage(ctx context.Context, threadID string, content models.Content, attachmentIDs []string) (*models.Message, error) {
	parent, err := s.activeLeaf(ctx, threadID)
	if err != nil {
		return nil, err
	}
	m := &models.Message{
		ThreadID:      threadID,
		ParentID:      parent,
		Role:          models.RoleUser,
		Content:       content,
		AttachmentIDs: attachmentIDs,
	}
	if err := s.store.AddMessage(ctx, m); err != nil {
		return nil, err
	}
	s.touch(ctx, threadID)
	return m, nil
}

// AddAssistantMessage appends an empty assistant message to be filled by
// streaming updates. parentID defaults to the current active leaf.
func (s *Service) AddAssistantMessage(ctx context.Context, threadID string, parentID *string, info ModelInfo) (*models.Message, error) {
	if parentID == nil {
		p, err := s.activeLeaf(ctx, threadID)
		if err != nil {
			return nil, err
		}
		parentID = p
	}
	m := &models.Message{
		ThreadID: threadID,
		ParentID: parentID,
		Role:     models.RoleAssistant,
		Content:  models.TextContent(""),
		Model:    info.Model,
		Provider: info.Provider,
	}
	if err := s.store.AddMessage(ctx, m); err != nil {
		return nil, err
	}
	s.touch(ctx, threadID)
	return m, nil
}

// UpdateAssistantMessage merges a streaming delta into the in-progress
// assistant message. The merge is immediate in memory; the durable write is
// coalesced. Never creates a branch. Only the not-yet-finished message
// accepts deltas; a finished record is historical and immutable.
func (s *Service) UpdateAssistantMessage(ctx context.Context, messageID string, delta models.AssistantDelta) error {
	m, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if m.Role != models.RoleAssistant {
		return fmt.Errorf("%w: %s is not an assistant message", errdefs.ErrMessageNotFound, messageID)
	}
	if m.Finished {
		return fmt.Errorf("%w: %s is already finished", errdefs.ErrConcurrentModification, messageID)
	}
	s.coalescer.Apply(messageID, delta)
	return nil
}

// FinishAssistantMessage forces the final durable flush for a streamed
// message and marks it finished. Afterwards the record is historical and
// immutable; further deltas are rejected.
func (s *Service) FinishAssistantMessage(ctx context.Context, messageID string) error {
	if err := s.coalescer.Flush(ctx, messageID); err != nil {
		return err
	}
	if err := s.store.UpdateMessageBody(ctx, messageID, func(m *models.Message) {
		m.Finished = true
	}); err != nil {
		return err
	}
	m, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	s.touch(ctx, m.ThreadID)
	return nil
}

// EditUserMessage creates a new sibling of a user message with the new
// content and points the branch state at it. The edited message and its
// descendants stay persisted, reachable by navigating back.
func (s *Service) EditUserMessage(ctx context.Context, messageID string, content models.Content, attachmentIDs []string) (*models.Message, error) {
	orig, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if orig.Role != models.RoleUser {
		return nil, fmt.Errorf("%w: user message %s", errdefs.ErrMessageNotFound, messageID)
	}
	sibling := &models.Message{
		ThreadID:      orig.ThreadID,
		ParentID:      orig.ParentID,
		Role:          models.RoleUser,
		Content:       content,
		AttachmentIDs: attachmentIDs,
	}
	if err := s.store.AddMessage(ctx, sibling); err != nil {
		return nil, err
	}
	if err := s.state.SetActive(ctx, orig.ThreadID, orig.ParentKey(), sibling.ID); err != nil {
		return nil, err
	}
	s.touch(ctx, orig.ThreadID)
	logger.Info("message_edited", "thread", orig.ThreadID, "original", messageID, "sibling", sibling.ID)
	return sibling, nil
}

// RegenerateAssistant creates a new assistant sibling under the same parent
// and makes it active, mirroring edit semantics. A missing message or a
// non-assistant target returns (nil, nil): that is an expected caller
// precondition mismatch, not an error.
func (s *Service) RegenerateAssistant(ctx context.Context, messageID string) (*models.Message, error) {
	orig, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		if errors.Is(err, errdefs.ErrMessageNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if orig.Role != models.RoleAssistant {
		return nil, nil
	}
	sibling := &models.Message{
		ThreadID: orig.ThreadID,
		ParentID: orig.ParentID,
		Role:     models.RoleAssistant,
		Content:  models.TextContent(""),
		Model:    orig.Model,
		Provider: orig.Provider,
	}
	if err := s.store.AddMessage(ctx, sibling); err != nil {
		return nil, err
	}
	if err := s.state.SetActive(ctx, orig.ThreadID, orig.ParentKey(), sibling.ID); err != nil {
		return nil, err
	}
	s.touch(ctx, orig.ThreadID)
	logger.Info("assistant_regenerated", "thread", orig.ThreadID, "original", messageID, "sibling", sibling.ID)
	return sibling, nil
}

// NavigateBranch moves the active pointer of the message's sibling group one
// step left or right. Singleton groups and moves past either end are no-ops.
func (s *Service) NavigateBranch(ctx context.Context, messageID string, dir Direction) error {
	group, err := s.store.Siblings(ctx, messageID)
	if err != nil {
		return err
	}
	if len(group) <= 1 {
		return nil
	}
	cur := branch.IndexOf(group, messageID)
	if cur < 0 {
		return fmt.Errorf("%w: %s", errdefs.ErrMessageNotFound, messageID)
	}
	next := cur
	switch dir {
	case DirectionPrev:
		next = cur - 1
	case DirectionNext:
		next = cur + 1
	default:
		return fmt.Errorf("unknown direction %q", dir)
	}
	if next < 0 {
		next = 0
	}
	if next > len(group)-1 {
		next = len(group) - 1
	}
	if next == cur {
		return nil
	}
	target := group[next]
	return s.state.SetActive(ctx, target.ThreadID, target.ParentKey(), target.ID)
}

// DeleteThread removes the thread and cascades messages, sibling index and
// branch state. Pending streaming deltas for the deleted messages are
// discarded so the coalescer never chases records that no longer exist.
func (s *Service) DeleteThread(ctx context.Context, threadID string) error {
	msgs, err := s.store.ListThreadMessages(ctx, threadID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteThread(ctx, threadID); err != nil {
		return err
	}
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	s.coalescer.Discard(ids...)
	return nil
}

// DeleteAllData wipes every thread and all pending streaming state.
func (s *Service) DeleteAllData(ctx context.Context) error {
	if err := s.store.DeleteAll(ctx); err != nil {
		return err
	}
	s.coalescer.DiscardAll()
	return nil
}

// activeLeaf resolves the id of the last message on the active path, or nil
// for an empty thread.
func (s *Service) activeLeaf(ctx context.Context, threadID string) (*string, error) {
	if _, err := s.store.GetThread(ctx, threadID); err != nil {
		return nil, err
	}
	state, err := s.state.State(ctx, threadID)
	if err != nil {
		return nil, err
	}
	path, err := s.resolver.Resolve(ctx, threadID, state)
	if err != nil {
		return nil, err
	}
	if len(path) == 0 {
		return nil, nil
	}
	id := path[len(path)-1].ID
	return &id, nil
}

// touch bumps the thread's UpdatedTS; failures are logged, not surfaced,
// since the primary mutation already committed.
func (s *Service) touch(ctx context.Context, threadID string) {
	th, err := s.store.GetThread(ctx, threadID)
	if err != nil {
		logger.Warn("thread_touch_failed", "thread", threadID, "error", err)
		return
	}
	th.UpdatedTS = time.Now().UTC().UnixNano()
	if err := s.store.SaveThread(ctx, th); err != nil {
		logger.Warn("thread_touch_failed", "thread", threadID, "error", err)
	}
}

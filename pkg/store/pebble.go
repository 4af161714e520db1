// Package store persists threads, messages, the sibling index and branch
// state in a single Pebble keyspace. It is the only package that touches the
// database; everything above it goes through the thread service.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"

	"loom/pkg/errdefs"
	"loom/pkg/logger"
	"loom/pkg/models"
)

// Store is a handle to an opened Pebble database. Instances are created with
// Open and injected into the services that need them; there is no package
// global.
type Store struct {
	db   *pebble.DB
	path string
	// seq breaks key collisions when multiple inserts share the same
	// nanosecond timestamp. It also fixes sibling order for such ties.
	seq uint64
}

// Options tunes the underlying Pebble instance.
type Options struct {
	// CacheBytes sizes the block cache; 0 uses the pebble default.
	CacheBytes int64
}

// Open opens (or creates) a Pebble database at the given path.
func Open(path string, opts Options) (*Store, error) {
	logger.Info("opening_pebble_db", "path", path)
	po := &pebble.Options{}
	if opts.CacheBytes > 0 {
		cache := pebble.NewCache(opts.CacheBytes)
		defer cache.Unref()
		po.Cache = cache
	}
	db, err := pebble.Open(path, po)
	if err != nil {
		logger.Error("pebble_open_failed", "path", path, "error", err)
		return nil, fmt.Errorf("%w: open pebble at %s: %v", errdefs.ErrStorageFailure, path, err)
	}
	logger.Info("pebble_opened", "path", path)
	return &Store{db: db, path: path}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("%w: close pebble: %v", errdefs.ErrStorageFailure, err)
	}
	s.db = nil
	logger.Info("pebble_closed")
	return nil
}

// Ready reports whether the store is opened and usable.
func (s *Store) Ready() bool { return s != nil && s.db != nil }

// CreateThread persists a new thread row, assigning id and timestamps when
// the caller left them empty.
func (s *Store) CreateThread(ctx context.Context, th *models.Thread) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if th.ID == "" {
		th.ID = uuid.NewString()
	}
	if err := validID(th.ID); err != nil {
		return fmt.Errorf("%w: %v", errdefs.ErrStorageFailure, err)
	}
	now := time.Now().UTC().UnixNano()
	if th.CreatedTS == 0 {
		th.CreatedTS = now
	}
	if th.UpdatedTS == 0 {
		th.UpdatedTS = th.CreatedTS
	}
	if err := s.putJSON(threadMetaKey(th.ID), th); err != nil {
		logger.Error("save_thread_failed", "thread", th.ID, "error", err)
		return err
	}
	threadsCreated.Inc()
	logger.Info("thread_created", "thread", th.ID)
	return nil
}

// GetThread returns the thread metadata for id.
func (s *Store) GetThread(ctx context.Context, id string) (*models.Thread, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var th models.Thread
	if err := s.getJSON(threadMetaKey(id), &th); err != nil {
		if errors.Is(err, errdefs.ErrThreadNotFound) || errors.Is(err, pebble.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", errdefs.ErrThreadNotFound, id)
		}
		return nil, err
	}
	return &th, nil
}

// SaveThread overwrites thread metadata (rename, activity touch).
func (s *Store) SaveThread(ctx context.Context, th *models.Thread) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := s.GetThread(ctx, th.ID); err != nil {
		return err
	}
	return s.putJSON(threadMetaKey(th.ID), th)
}

// ListThreads returns all thread metadata rows.
func (s *Store) ListThreads(ctx context.Context) ([]*models.Thread, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	iter, err := s.newIter("thread:")
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []*models.Thread
	for iter.First(); iter.Valid(); iter.Next() {
		if !bytes.HasSuffix(iter.Key(), []byte(":meta")) {
			continue
		}
		var th models.Thread
		if err := json.Unmarshal(iter.Value(), &th); err != nil {
			return nil, fmt.Errorf("%w: invalid thread metadata: %v", errdefs.ErrStorageFailure, err)
		}
		out = append(out, &th)
	}
	return out, s.iterErr(iter)
}

// AddMessage validates the parent link, assigns id/timestamp/sequence and
// writes the record, sibling index entry and id pointer in one atomic batch.
func (s *Store) AddMessage(ctx context.Context, m *models.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := s.GetThread(ctx, m.ThreadID); err != nil {
		return err
	}
	if m.ParentID != nil {
		parent, err := s.GetMessage(ctx, *m.ParentID)
		if err != nil {
			if errors.Is(err, errdefs.ErrMessageNotFound) {
				return fmt.Errorf("%w: parent %s not found", errdefs.ErrInvalidParent, *m.ParentID)
			}
			return err
		}
		if parent.ThreadID != m.ThreadID {
			return fmt.Errorf("%w: parent %s belongs to thread %s", errdefs.ErrInvalidParent, parent.ID, parent.ThreadID)
		}
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if err := validID(m.ID); err != nil {
		return fmt.Errorf("%w: %v", errdefs.ErrStorageFailure, err)
	}
	if m.CreatedTS == 0 {
		m.CreatedTS = time.Now().UTC().UnixNano()
	}
	m.Seq = atomic.AddUint64(&s.seq, 1)

	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("%w: marshal message: %v", errdefs.ErrStorageFailure, err)
	}
	key := msgKey(m.ThreadID, m.CreatedTS, m.Seq)

	b := s.db.NewBatch()
	defer b.Close()
	_ = b.Set([]byte(key), data, nil)
	_ = b.Set([]byte(childKey(m.ThreadID, m.ParentKey(), m.CreatedTS, m.Seq)), []byte(m.ID), nil)
	_ = b.Set([]byte(msgPtrKey(m.ID)), []byte(key), nil)
	if err := s.db.Apply(b, pebble.Sync); err != nil {
		logger.Error("save_message_failed", "thread", m.ThreadID, "key", key, "error", err)
		storageErrors.Inc()
		return fmt.Errorf("%w: save message: %v", errdefs.ErrStorageFailure, err)
	}
	messagesWritten.Inc()
	logger.Info("message_saved", "thread", m.ThreadID, "msg_id", m.ID, "parent", m.ParentKey())
	return nil
}

// GetMessage returns the message with the given id.
func (s *Store) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key, err := s.recordKey(id)
	if err != nil {
		return nil, err
	}
	var m models.Message
	if err := s.getJSON(key, &m); err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", errdefs.ErrMessageNotFound, id)
		}
		return nil, err
	}
	return &m, nil
}

// ListThreadMessages returns every message in a thread in insertion order.
// An unknown or already-deleted thread yields an empty slice, matching the
// post-cascade read contract.
func (s *Store) ListThreadMessages(ctx context.Context, threadID string) ([]*models.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	iter, err := s.newIter(msgPrefix(threadID))
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []*models.Message
	for iter.First(); iter.Valid(); iter.Next() {
		var m models.Message
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			return nil, fmt.Errorf("%w: invalid message record: %v", errdefs.ErrStorageFailure, err)
		}
		out = append(out, &m)
	}
	return out, s.iterErr(iter)
}

// ListChildren returns the sibling group under parentKey ordered by
// (CreatedTS, Seq) ascending. parentKey is a message id or models.ParentKeyRoot.
func (s *Store) ListChildren(ctx context.Context, threadID, parentKey string) ([]*models.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	iter, err := s.newIter(childPrefix(threadID, parentKey))
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var ids []string
	for iter.First(); iter.Valid(); iter.Next() {
		ids = append(ids, string(iter.Value()))
	}
	if err := s.iterErr(iter); err != nil {
		return nil, err
	}
	out := make([]*models.Message, 0, len(ids))
	for _, id := range ids {
		m, err := s.GetMessage(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// Siblings returns the ordered sibling group containing the given message,
// including the message itself.
func (s *Store) Siblings(ctx context.Context, messageID string) ([]*models.Message, error) {
	m, err := s.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	return s.ListChildren(ctx, m.ThreadID, m.ParentKey())
}

// UpdateMessageBody applies an in-place mutation to the streaming fields of
// a message. Identity and tree position are restored after apply so a buggy
// caller cannot move or re-parent a record. The record key never changes, so
// sibling order is stable across streaming updates.
func (s *Store) UpdateMessageBody(ctx context.Context, id string, apply func(*models.Message)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key, err := s.recordKey(id)
	if err != nil {
		return err
	}
	var m models.Message
	if err := s.getJSON(key, &m); err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return fmt.Errorf("%w: %s", errdefs.ErrMessageNotFound, id)
		}
		return err
	}
	frozen := m
	apply(&m)
	m.ID = frozen.ID
	m.ThreadID = frozen.ThreadID
	m.ParentID = frozen.ParentID
	m.Role = frozen.Role
	m.CreatedTS = frozen.CreatedTS
	m.Seq = frozen.Seq
	if err := s.putJSON(key, &m); err != nil {
		logger.Error("update_message_failed", "msg_id", id, "error", err)
		return err
	}
	logger.Debug("message_updated", "msg_id", id)
	return nil
}

// SetBranchOverride durably selects the active child for a sibling group.
// Membership validation is the branch package's job; this is the raw write.
func (s *Store) SetBranchOverride(ctx context.Context, threadID, parentKey, childID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.db.Set([]byte(branchKey(threadID, parentKey)), []byte(childID), pebble.Sync); err != nil {
		storageErrors.Inc()
		return fmt.Errorf("%w: set branch override: %v", errdefs.ErrStorageFailure, err)
	}
	branchOverrides.Inc()
	logger.Info("branch_override_set", "thread", threadID, "parent", parentKey, "active_child", childID)
	return nil
}

// DeleteBranchOverride removes the override for a sibling group, restoring
// default-to-latest resolution there. Deleting an absent override is a no-op.
func (s *Store) DeleteBranchOverride(ctx context.Context, threadID, parentKey string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.db.Delete([]byte(branchKey(threadID, parentKey)), pebble.Sync); err != nil {
		storageErrors.Inc()
		return fmt.Errorf("%w: delete branch override: %v", errdefs.ErrStorageFailure, err)
	}
	logger.Info("branch_override_cleared", "thread", threadID, "parent", parentKey)
	return nil
}

// BranchState returns the explicit overrides for a thread as a
// parentKey -> activeChildID map. The empty map is a valid state.
func (s *Store) BranchState(ctx context.Context, threadID string) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := branchPrefix(threadID)
	iter, err := s.newIter(prefix)
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	out := map[string]string{}
	for iter.First(); iter.Valid(); iter.Next() {
		parentKey := string(iter.Key()[len(prefix):])
		out[parentKey] = string(iter.Value())
	}
	return out, s.iterErr(iter)
}

// DeleteThread removes the thread row, all of its messages, the sibling
// index and the branch state in one atomic batch. The thread-scoped keys go
// with a single range delete; message id pointers are collected first.
func (s *Store) DeleteThread(ctx context.Context, threadID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := s.GetThread(ctx, threadID); err != nil {
		return err
	}
	msgs, err := s.ListThreadMessages(ctx, threadID)
	if err != nil {
		return err
	}
	prefix := threadPrefix(threadID)
	b := s.db.NewBatch()
	defer b.Close()
	_ = b.DeleteRange([]byte(prefix), prefixUpperBound(prefix), nil)
	for _, m := range msgs {
		_ = b.Delete([]byte(msgPtrKey(m.ID)), nil)
	}
	if err := s.db.Apply(b, pebble.Sync); err != nil {
		logger.Error("delete_thread_failed", "thread", threadID, "error", err)
		storageErrors.Inc()
		return fmt.Errorf("%w: delete thread: %v", errdefs.ErrStorageFailure, err)
	}
	cascadeDeletes.Inc()
	logger.Info("thread_deleted", "thread", threadID, "messages", len(msgs))
	return nil
}

// DeleteAll wipes the whole keyspace.
func (s *Store) DeleteAll(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b := s.db.NewBatch()
	defer b.Close()
	for _, prefix := range []string{"msg:", "thread:"} {
		_ = b.DeleteRange([]byte(prefix), prefixUpperBound(prefix), nil)
	}
	if err := s.db.Apply(b, pebble.Sync); err != nil {
		storageErrors.Inc()
		return fmt.Errorf("%w: delete all: %v", errdefs.ErrStorageFailure, err)
	}
	logger.Info("store_wiped")
	return nil
}

func (s *Store) recordKey(msgID string) (string, error) {
	v, closer, err := s.db.Get([]byte(msgPtrKey(msgID)))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return "", fmt.Errorf("%w: %s", errdefs.ErrMessageNotFound, msgID)
		}
		storageErrors.Inc()
		return "", fmt.Errorf("%w: get message pointer: %v", errdefs.ErrStorageFailure, err)
	}
	key := string(v)
	_ = closer.Close()
	return key, nil
}

func (s *Store) getJSON(key string, v any) error {
	data, closer, err := s.db.Get([]byte(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return err
		}
		storageErrors.Inc()
		return fmt.Errorf("%w: get %s: %v", errdefs.ErrStorageFailure, key, err)
	}
	defer closer.Close()
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: decode %s: %v", errdefs.ErrStorageFailure, key, err)
	}
	return nil
}

func (s *Store) putJSON(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: marshal %s: %v", errdefs.ErrStorageFailure, key, err)
	}
	if err := s.db.Set([]byte(key), data, pebble.Sync); err != nil {
		storageErrors.Inc()
		return fmt.Errorf("%w: set %s: %v", errdefs.ErrStorageFailure, key, err)
	}
	return nil
}

func (s *Store) newIter(prefix string) (*pebble.Iterator, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		storageErrors.Inc()
		return nil, fmt.Errorf("%w: new iterator: %v", errdefs.ErrStorageFailure, err)
	}
	return iter, nil
}

func (s *Store) iterErr(iter *pebble.Iterator) error {
	if err := iter.Error(); err != nil {
		storageErrors.Inc()
		return fmt.Errorf("%w: iterator: %v", errdefs.ErrStorageFailure, err)
	}
	return nil
}

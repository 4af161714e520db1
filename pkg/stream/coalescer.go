// Package stream coalesces token-frequency updates to an in-progress
// assistant message. Deltas merge into memory immediately so readers always
// see the newest state; durable writes are throttled to at most one per
// flush interval per message, persisting only the latest merged update.
package stream

import (
	"context"
	"errors"
	"sync"
	"time"

	"loom/pkg/errdefs"
	"loom/pkg/logger"
	"loom/pkg/models"
)

const defaultFlushInterval = 50 * time.Millisecond

// Persister is the slice of the store the coalescer writes through.
type Persister interface {
	UpdateMessageBody(ctx context.Context, id string, apply func(*models.Message)) error
}

// Coalescer batches streaming deltas per message id. A background loop
// drains dirty entries once per interval; Flush and Close force the final
// write so no update is ever dropped at end-of-stream.
type Coalescer struct {
	mu      sync.Mutex
	pending map[string]*models.AssistantDelta
	persist Persister

	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
	once     sync.Once
}

// NewCoalescer starts a coalescer flushing through p. A non-positive
// interval selects the default.
func NewCoalescer(p Persister, interval time.Duration) *Coalescer {
	if interval <= 0 {
		interval = defaultFlushInterval
	}
	c := &Coalescer{
		pending:  map[string]*models.AssistantDelta{},
		persist:  p,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go c.run()
	return c
}

// Apply merges a delta into the pending state for id. It never blocks on
// I/O; the durable write happens on the next tick or explicit Flush.
func (c *Coalescer) Apply(id string, delta models.AssistantDelta) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d, ok := c.pending[id]; ok {
		d.Merge(delta)
		return
	}
	d := delta
	c.pending[id] = &d
}

// Snapshot copies base and overlays the not-yet-flushed delta for id, so
// reads reflect the newest streamed state without waiting for a flush.
func (c *Coalescer) Snapshot(id string, base *models.Message) *models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.pending[id]
	if !ok {
		return base
	}
	out := *base
	out.ToolCalls = append([]models.ToolCall(nil), base.ToolCalls...)
	out.Content.Parts = append([]models.Part(nil), base.Content.Parts...)
	out.ApplyDelta(*d)
	return &out
}

// Flush forces the pending delta for id to disk. A failed write keeps the
// delta pending and returns the error.
func (c *Coalescer) Flush(ctx context.Context, id string) error {
	c.mu.Lock()
	d, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		return nil
	}
	if err := c.persist.UpdateMessageBody(ctx, id, func(m *models.Message) { m.ApplyDelta(*d) }); err != nil {
		if errors.Is(err, errdefs.ErrMessageNotFound) {
			// the message was deleted under us; the delta has nowhere to go
			logger.Debug("stream_flush_dropped", "msg_id", id)
			return nil
		}
		c.requeue(id, d)
		return err
	}
	return nil
}

// Discard drops pending deltas for the given ids without persisting them.
// Called on cascade deletes so orphaned deltas do not spin in the flush loop.
func (c *Coalescer) Discard(ids ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		delete(c.pending, id)
	}
}

// DiscardAll drops every pending delta.
func (c *Coalescer) DiscardAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = map[string]*models.AssistantDelta{}
}

// Close stops the background loop and flushes everything still pending.
func (c *Coalescer) Close(ctx context.Context) error {
	c.once.Do(func() { close(c.stop) })
	<-c.done
	var firstErr error
	for _, id := range c.dirtyIDs() {
		if err := c.Flush(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (c *Coalescer) run() {
	defer close(c.done)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for _, id := range c.dirtyIDs() {
				// a failed background flush keeps the delta pending; it is
				// retried next tick and surfaced on the explicit final Flush
				if err := c.Flush(context.Background(), id); err != nil {
					logger.Warn("stream_flush_failed", "msg_id", id, "error", err)
				}
			}
		case <-c.stop:
			return
		}
	}
}

func (c *Coalescer) dirtyIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.pending))
	for id := range c.pending {
		out = append(out, id)
	}
	return out
}

func (c *Coalescer) requeue(id string, d *models.AssistantDelta) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.pending[id]; ok {
		// newer deltas arrived while the write was in flight; keep order by
		// folding them onto the failed state
		d.Merge(*cur)
	}
	c.pending[id] = d
}

package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"loom/pkg/errdefs"
	"loom/pkg/models"
)

// memPersister records UpdateMessageBody calls against in-memory messages.
type memPersister struct {
	mu     sync.Mutex
	msgs   map[string]*models.Message
	writes int
	fail   bool
}

func newMemPersister(ids ...string) *memPersister {
	p := &memPersister{msgs: map[string]*models.Message{}}
	for _, id := range ids {
		p.msgs[id] = &models.Message{ID: id, Role: models.RoleAssistant, Content: models.TextContent("")}
	}
	return p
}

func (p *memPersister) UpdateMessageBody(ctx context.Context, id string, apply func(*models.Message)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("disk full")
	}
	m, ok := p.msgs[id]
	if !ok {
		return fmt.Errorf("%w: %s", errdefs.ErrMessageNotFound, id)
	}
	apply(m)
	p.writes++
	return nil
}

func (p *memPersister) text(id string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.msgs[id].Content.PlainText()
}

func (p *memPersister) writeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writes
}

// TestApplyCoalescesWrites verifies many deltas produce a single durable
// write on flush.
func TestApplyCoalescesWrites(t *testing.T) {
	p := newMemPersister("m1")
	c := NewCoalescer(p, time.Hour)
	defer c.Close(context.Background())

	for _, chunk := range []string{"a", "b", "c", "d"} {
		c.Apply("m1", models.AssistantDelta{AppendText: chunk})
	}
	if got := p.writeCount(); got != 0 {
		t.Fatalf("writes before flush = %d, want 0", got)
	}
	if err := c.Flush(context.Background(), "m1"); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if got := p.writeCount(); got != 1 {
		t.Fatalf("writes after flush = %d, want 1", got)
	}
	if got := p.text("m1"); got != "abcd" {
		t.Fatalf("content = %q, want abcd", got)
	}

	// flushing a clean message is a no-op
	if err := c.Flush(context.Background(), "m1"); err != nil {
		t.Fatalf("Flush clean: %v", err)
	}
	if got := p.writeCount(); got != 1 {
		t.Fatalf("no-op flush wrote: %d", got)
	}
}

// TestSnapshotOverlaysPending verifies reads see unflushed state without
// mutating the base message.
func TestSnapshotOverlaysPending(t *testing.T) {
	p := newMemPersister("m1")
	c := NewCoalescer(p, time.Hour)
	defer c.Close(context.Background())

	base := &models.Message{ID: "m1", Role: models.RoleAssistant, Content: models.TextContent("so far")}
	c.Apply("m1", models.AssistantDelta{AppendText: " and more"})

	view := c.Snapshot("m1", base)
	if got := view.Content.PlainText(); got != "so far and more" {
		t.Fatalf("snapshot = %q", got)
	}
	if got := base.Content.PlainText(); got != "so far" {
		t.Fatalf("base mutated: %q", got)
	}

	// no pending delta returns the base untouched
	other := &models.Message{ID: "m2", Content: models.TextContent("x")}
	if c.Snapshot("m2", other) != other {
		t.Fatal("clean snapshot should return base as-is")
	}
}

// TestSetContentSupersedesAppends verifies a SetContent delta replaces text
// appended before it and still accepts appends after it.
func TestSetContentSupersedesAppends(t *testing.T) {
	p := newMemPersister("m1")
	c := NewCoalescer(p, time.Hour)
	defer c.Close(context.Background())

	c.Apply("m1", models.AssistantDelta{AppendText: "draft draft"})
	set := models.TextContent("final")
	c.Apply("m1", models.AssistantDelta{SetContent: &set})
	c.Apply("m1", models.AssistantDelta{AppendText: "!"})

	if err := c.Flush(context.Background(), "m1"); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if got := p.text("m1"); got != "final!" {
		t.Fatalf("content = %q, want final!", got)
	}
}

// TestSnapshotLeavesPendingIntact verifies repeated reads of a pending
// set-then-append delta never fold the appended text back into the delta:
// the flushed record carries the text exactly once.
func TestSnapshotLeavesPendingIntact(t *testing.T) {
	p := newMemPersister("m1")
	c := NewCoalescer(p, time.Hour)
	defer c.Close(context.Background())

	set := models.PartsContent(models.Part{Type: "text", Text: "abc"})
	c.Apply("m1", models.AssistantDelta{SetContent: &set})
	c.Apply("m1", models.AssistantDelta{AppendText: "def"})

	base := &models.Message{ID: "m1", Role: models.RoleAssistant, Content: models.TextContent("")}
	for i := 0; i < 3; i++ {
		if got := c.Snapshot("m1", base).Content.PlainText(); got != "abcdef" {
			t.Fatalf("snapshot #%d = %q, want abcdef", i, got)
		}
	}
	if err := c.Flush(context.Background(), "m1"); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if got := p.text("m1"); got != "abcdef" {
		t.Fatalf("persisted = %q, want abcdef", got)
	}
	if got := set.PlainText(); got != "abc" {
		t.Fatalf("caller's content mutated: %q", got)
	}
}

// TestDiscardDropsPending verifies a discarded delta never flushes, and a
// delta whose message has disappeared is dropped rather than retried forever.
func TestDiscardDropsPending(t *testing.T) {
	p := newMemPersister("m1")
	c := NewCoalescer(p, time.Hour)
	defer c.Close(context.Background())

	c.Apply("m1", models.AssistantDelta{AppendText: "gone"})
	c.Discard("m1")
	if err := c.Flush(context.Background(), "m1"); err != nil {
		t.Fatalf("Flush after discard: %v", err)
	}
	if got := p.writeCount(); got != 0 {
		t.Fatalf("discarded delta flushed: %d writes", got)
	}

	c.Apply("m2", models.AssistantDelta{AppendText: "orphan"})
	if err := c.Flush(context.Background(), "m2"); err != nil {
		t.Fatalf("Flush of deleted message: %v", err)
	}
	if err := c.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

// TestFlushFailureKeepsDelta verifies a failed write keeps the delta pending
// and a later flush persists everything, including deltas applied meanwhile.
func TestFlushFailureKeepsDelta(t *testing.T) {
	p := newMemPersister("m1")
	c := NewCoalescer(p, time.Hour)
	defer c.Close(context.Background())

	c.Apply("m1", models.AssistantDelta{AppendText: "hello"})
	p.fail = true
	if err := c.Flush(context.Background(), "m1"); err == nil {
		t.Fatal("Flush should surface the write error")
	}
	c.Apply("m1", models.AssistantDelta{AppendText: " world"})

	p.fail = false
	if err := c.Flush(context.Background(), "m1"); err != nil {
		t.Fatalf("retry Flush: %v", err)
	}
	if got := p.text("m1"); got != "hello world" {
		t.Fatalf("content = %q, want hello world", got)
	}
}

// TestBackgroundFlush verifies the ticker loop drains dirty entries without
// an explicit Flush.
func TestBackgroundFlush(t *testing.T) {
	p := newMemPersister("m1")
	c := NewCoalescer(p, 5*time.Millisecond)
	defer c.Close(context.Background())

	c.Apply("m1", models.AssistantDelta{AppendText: "tick"})
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if p.writeCount() > 0 {
			if got := p.text("m1"); got != "tick" {
				t.Fatalf("content = %q", got)
			}
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("background flush never happened")
}

// TestCloseFlushesEverything verifies Close performs the final flush for all
// dirty messages and stops the loop.
func TestCloseFlushesEverything(t *testing.T) {
	p := newMemPersister("m1", "m2")
	c := NewCoalescer(p, time.Hour)

	c.Apply("m1", models.AssistantDelta{AppendText: "one"})
	c.Apply("m2", models.AssistantDelta{AppendText: "two"})
	if err := c.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if p.text("m1") != "one" || p.text("m2") != "two" {
		t.Fatalf("close lost updates: m1=%q m2=%q", p.text("m1"), p.text("m2"))
	}
}

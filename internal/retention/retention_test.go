package retention

import (
	"context"
	"errors"
	"testing"
	"time"

	"loom/pkg/config"
	"loom/pkg/errdefs"
	"loom/pkg/models"
	"loom/pkg/store"
	"loom/pkg/thread"
)

func newFixture(t *testing.T) (*store.Store, *thread.Service) {
	t.Helper()
	st, err := store.Open(t.TempDir(), store.Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	svc := thread.NewService(st, time.Hour)
	t.Cleanup(func() {
		_ = svc.Close(context.Background())
		_ = st.Close()
	})
	return st, svc
}

func seedThread(t *testing.T, st *store.Store, age time.Duration) *models.Thread {
	t.Helper()
	ts := time.Now().UTC().Add(-age).UnixNano()
	th := &models.Thread{Title: "seed", CreatedTS: ts, UpdatedTS: ts}
	if err := st.CreateThread(context.Background(), th); err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	return th
}

// TestRunOncePurgesIdleThreads verifies threads idle past the period are
// deleted and active ones survive.
func TestRunOncePurgesIdleThreads(t *testing.T) {
	st, svc := newFixture(t)
	ctx := context.Background()

	stale := seedThread(t, st, 48*time.Hour)
	fresh := seedThread(t, st, time.Hour)

	cfg := config.RetentionConfig{Enabled: true, Period: config.Duration(24 * time.Hour)}
	if err := RunOnce(ctx, cfg, svc); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	if _, err := svc.Thread(ctx, stale.ID); !errors.Is(err, errdefs.ErrThreadNotFound) {
		t.Fatalf("stale thread survived: %v", err)
	}
	if _, err := svc.Thread(ctx, fresh.ID); err != nil {
		t.Fatalf("fresh thread purged: %v", err)
	}
}

// TestRunOnceDryRun verifies dry-run never deletes.
func TestRunOnceDryRun(t *testing.T) {
	st, svc := newFixture(t)
	ctx := context.Background()

	stale := seedThread(t, st, 48*time.Hour)

	cfg := config.RetentionConfig{Enabled: true, Period: config.Duration(24 * time.Hour), DryRun: true}
	if err := RunOnce(ctx, cfg, svc); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if _, err := svc.Thread(ctx, stale.ID); err != nil {
		t.Fatalf("dry run deleted a thread: %v", err)
	}
}

// TestStartValidation verifies disabled configs are no-ops and bad configs
// fail fast.
func TestStartValidation(t *testing.T) {
	_, svc := newFixture(t)
	ctx := context.Background()

	cancel, err := Start(ctx, config.RetentionConfig{Enabled: false}, svc)
	if err != nil {
		t.Fatalf("disabled Start: %v", err)
	}
	cancel()

	if _, err := Start(ctx, config.RetentionConfig{Enabled: true, Cron: "not a cron", Period: config.Duration(time.Hour)}, svc); err == nil {
		t.Fatal("invalid cron accepted")
	}
	if _, err := Start(ctx, config.RetentionConfig{Enabled: true}, svc); err == nil {
		t.Fatal("zero period accepted")
	}
}

package collector

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ernie/deadside-tracker/internal/config"
	"github.com/ernie/deadside-tracker/internal/domain"
	"github.com/ernie/deadside-tracker/internal/reconcile"
	"github.com/ernie/deadside-tracker/internal/registry"
)

func newTestManager(f *fixture) *Manager {
	cfg := &config.Config{
		Scheduler: config.SchedulerConfig{Workers: 2},
		Ingest:    config.IngestConfig{RecentFiles: 2, ProcessedCap: 100, ProcessedKeep: 50},
		Remote:    config.RemoteConfig{MaxReadBytes: 1 << 20},
	}
	reg := registry.New(f.store, zerolog.Nop())
	engine := reconcile.New(f.store, reg, 100, 50, zerolog.Nop())
	return NewManager(cfg, reg, f.store, f.gateway, engine, zerolog.Nop())
}

func TestTickIngestsAndPublishes(t *testing.T) {
	f := newFixture(t)
	f.writeDeathLog(t, newerLog, "2025.05.15-09.00.00;Alice;a1;Bob;b1;AK47;40\n")
	m := newTestManager(f)

	m.tick(context.Background(), ActivityDeathLog, false, m.ingestUnit)

	select {
	case ev := <-m.Events():
		if ev.Type != domain.EventKill || ev.Scope != f.scope {
			t.Errorf("event = %+v", ev)
		}
	default:
		t.Fatal("no kill event published")
	}
	if alice := f.player(t, "a1"); alice.Kills != 1 {
		t.Errorf("alice kills = %d, want 1", alice.Kills)
	}

	st, err := m.Status(context.Background(), f.scope)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if st.PlayerCount != 2 || st.LastPoll.IsZero() || st.Busy {
		t.Errorf("status = %+v", st)
	}
}

func TestScheduledUnitSkipsBusyServer(t *testing.T) {
	f := newFixture(t)
	m := newTestManager(f)

	if !m.guards.TryAcquire(f.scope) {
		t.Fatal("slot unexpectedly taken")
	}
	called := false
	err := m.run(context.Background(), ActivityDeathLog, f.scope, false, func(context.Context, domain.GameServer) error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrServerBusy) {
		t.Errorf("run() error = %v, want ErrServerBusy", err)
	}
	if called {
		t.Error("unit ran while the server was busy")
	}
	m.guards.Release(f.scope)
}

func TestBackfillWaitsForRunningUnit(t *testing.T) {
	f := newFixture(t)
	f.writeDeathLog(t, newerLog, "2025.05.15-09.00.00;Alice;a1;Bob;b1;AK47;40\n")
	m := newTestManager(f)

	m.guards.TryAcquire(f.scope)
	done := make(chan *IngestResult, 1)
	go func() {
		res, err := m.Backfill(context.Background(), f.scope, false)
		if err != nil {
			t.Errorf("Backfill() error = %v", err)
		}
		done <- res
	}()

	select {
	case <-done:
		t.Fatal("backfill ran while the server was busy")
	case <-time.After(50 * time.Millisecond):
	}

	m.guards.Release(f.scope)
	select {
	case res := <-done:
		if res == nil || res.Applied != 1 {
			t.Errorf("backfill result = %+v", res)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("backfill never ran")
	}
	if len(m.Events()) != 0 {
		t.Errorf("backfill published %d events", len(m.Events()))
	}
}

func TestBackfillHonoursContext(t *testing.T) {
	f := newFixture(t)
	m := newTestManager(f)
	m.guards.TryAcquire(f.scope)
	defer m.guards.Release(f.scope)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := m.Backfill(ctx, f.scope, false); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Backfill() error = %v, want deadline exceeded", err)
	}
}

func TestResetAndRemove(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.writeDeathLog(t, olderLog, "2025.05.14-09.00.00;Alice;a1;Bob;b1;AK47;40\n")
	f.writeDeathLog(t, newerLog, "2025.05.15-09.00.00;Alice;a1;Bob;b1;AK47;40\n")
	m := newTestManager(f)
	m.tick(ctx, ActivityDeathLog, false, m.ingestUnit)

	res, err := m.Reset(ctx, f.scope)
	if err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if res.Players != 2 || res.ProcessedFiles != 1 {
		t.Errorf("reset = %+v, want 2 players and 1 file", res)
	}

	if err := m.RemoveServer(ctx, f.scope); err != nil {
		t.Fatalf("RemoveServer() error = %v", err)
	}
	if _, err := m.Status(ctx, f.scope); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Status() after remove error = %v, want ErrNotFound", err)
	}
}

func TestStartStop(t *testing.T) {
	f := newFixture(t)
	m := newTestManager(f)
	m.cfg.DeathLogInterval = time.Hour
	m.cfg.EventLogInterval = time.Hour
	m.cfg.ReconcileInterval = time.Hour
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	m.Stop()
}

func TestStartupTicksWaitForBusyServer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.writeDeathLog(t, newerLog, "2025.05.15-09.00.00;Alice;a1;Bob;b1;AK47;40\n")
	f.writeEventLog(t, lines(logHeader, queueLine))
	m := newTestManager(f)
	m.cfg.DeathLogInterval = time.Hour
	m.cfg.EventLogInterval = time.Hour

	// a unit already holds the slot when the loops start
	m.guards.TryAcquire(f.scope)
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	m.guards.Release(f.scope)

	deadline := time.Now().Add(5 * time.Second)
	for {
		p, _ := f.store.GetPlayer(ctx, f.scope, "a1")
		cur := f.server(t).Cursor
		if p != nil && p.Kills == 1 && cur.EventLogOffset > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("start-up ticks did not run both units: player = %+v, cursor = %+v", p, cur)
		}
		time.Sleep(10 * time.Millisecond)
	}

	m.Stop()
	m.Stop()
}

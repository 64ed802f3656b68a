package collector

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/ernie/deadside-tracker/internal/config"
	"github.com/ernie/deadside-tracker/internal/domain"
	"github.com/ernie/deadside-tracker/internal/logger"
	"github.com/ernie/deadside-tracker/internal/metrics"
	"github.com/ernie/deadside-tracker/internal/reconcile"
	"github.com/ernie/deadside-tracker/internal/registry"
	"github.com/ernie/deadside-tracker/internal/remote"
	"github.com/ernie/deadside-tracker/internal/storage"
)

// Scheduled and administrative activities, used as metric labels
const (
	ActivityDeathLog  = "deathlog"
	ActivityEventLog  = "eventlog"
	ActivityReconcile = "reconcile"
	ActivityBackfill  = "backfill"
	ActivityReset     = "reset"
	ActivityRemove    = "remove"
)

// ErrServerBusy is returned when a scheduled unit finds its server's slot taken
var ErrServerBusy = errors.New("server busy")

// Reconciler repairs one scope's counters and trims its bookkeeping
type Reconciler interface {
	Maintain(ctx context.Context, scope domain.Scope) (*reconcile.Report, error)
}

type unitFunc func(ctx context.Context, srv domain.GameServer) error

// pollState is the outcome of the last unit of work for a server
type pollState struct {
	at  time.Time
	err string
}

// Manager drives periodic death-log ingestion, event-log tailing and
// reconciliation for every enabled server
type Manager struct {
	cfg        config.SchedulerConfig
	registry   *registry.Registry
	store      *storage.Store
	ingester   *DeathLogIngester
	tailer     *EventLogTailer
	reconciler Reconciler
	log        zerolog.Logger
	events     chan domain.Event
	guards     *serverGuards
	pool       *semaphore.Weighted

	mu       sync.RWMutex
	polls    map[domain.Scope]pollState
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup // scheduler loops
}

// NewManager wires the ingester and tailer to the gateway and store.
// reconciler may be nil, which disables the reconcile loop.
func NewManager(cfg *config.Config, reg *registry.Registry, store *storage.Store, gw *remote.Gateway, reconciler Reconciler, log zerolog.Logger) *Manager {
	workers := cfg.Scheduler.Workers
	if workers < 1 {
		workers = 1
	}
	m := &Manager{
		cfg:        cfg.Scheduler,
		registry:   reg,
		store:      store,
		reconciler: reconciler,
		log:        log.With().Str("component", "scheduler").Logger(),
		events:     make(chan domain.Event, 256),
		guards:     newServerGuards(),
		pool:       semaphore.NewWeighted(int64(workers)),
		polls:      make(map[domain.Scope]pollState),
		done:       make(chan struct{}),
	}
	m.ingester = NewDeathLogIngester(gw, store, IngestOptions{
		RecentFiles:      cfg.Ingest.RecentFiles,
		ProcessedCap:     cfg.Ingest.ProcessedCap,
		ProcessedKeep:    cfg.Ingest.ProcessedKeep,
		LongshotDistance: cfg.Ingest.LongshotDistance,
	}, m.emitEvent, log)
	m.tailer = NewEventLogTailer(gw, store, cfg.Remote.MaxReadBytes, m.emitEvent, log)
	return m
}

// Events returns the notification stream. Events are dropped when the
// consumer falls behind.
func (m *Manager) Events() <-chan domain.Event {
	return m.events
}

// Start launches the scheduler loops. The loops outlive ctx and stop on Stop.
// The reconcile loop only runs at start when the startup sweep is enabled.
func (m *Manager) Start(ctx context.Context) error {
	sweep, err := m.store.GetBoolSetting(ctx, storage.SettingStartupSweep, m.cfg.StartupSweep)
	if err != nil {
		return fmt.Errorf("reading startup sweep setting: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	m.startLoop(runCtx, ActivityDeathLog, m.cfg.DeathLogInterval, true, m.ingestUnit)
	m.startLoop(runCtx, ActivityEventLog, m.cfg.EventLogInterval, true, m.tailUnit)
	if m.reconciler != nil {
		m.startLoop(runCtx, ActivityReconcile, m.cfg.ReconcileInterval, sweep, m.reconcileUnit)
	}
	m.log.Info().Dur("death_log", m.cfg.DeathLogInterval).Dur("event_log", m.cfg.EventLogInterval).
		Dur("reconcile", m.cfg.ReconcileInterval).Bool("startup_sweep", sweep).Msg("scheduler started")
	return nil
}

// Stop cancels in-flight work and waits for the loops to exit. A death-log
// file already read is still committed before its unit returns. Calling it
// more than once is harmless.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.log.Info().Msg("scheduler stopping")
		close(m.done)
		if m.cancel != nil {
			m.cancel()
		}
		m.wg.Wait()
		m.log.Info().Msg("scheduler stopped")
	})
}

func (m *Manager) startLoop(ctx context.Context, activity string, every time.Duration, initial bool, unit unitFunc) {
	if every <= 0 {
		m.log.Warn().Str("activity", activity).Msg("interval not set, loop disabled")
		return
	}
	m.wg.Add(1)
	go m.loop(ctx, activity, every, initial, unit)
}

func (m *Manager) loop(ctx context.Context, activity string, every time.Duration, initial bool, unit unitFunc) {
	defer m.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	// The start-up ticks of different loops race for the same servers, so
	// they queue for the slot instead of skipping.
	if initial {
		m.tick(ctx, activity, true, unit)
	}

	for {
		select {
		case <-m.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx, activity, false, unit)
		}
	}
}

// tick runs one unit per enabled server. Units for different servers run
// concurrently, bounded by the shared worker pool. With wait set a busy
// server is waited for rather than skipped.
func (m *Manager) tick(ctx context.Context, activity string, wait bool, unit unitFunc) {
	servers, err := m.registry.Enabled(ctx)
	if err != nil {
		m.log.Error().Err(err).Str("activity", activity).Msg("listing servers")
		return
	}

	var g errgroup.Group
	for _, srv := range servers {
		scope := srv.Scope
		g.Go(func() error {
			err := m.run(ctx, activity, scope, wait, unit)
			log := logger.ForScope(m.log, scope.TenantID, scope.ServerID)
			switch {
			case err == nil, ctx.Err() != nil:
			case errors.Is(err, ErrServerBusy):
				log.Debug().Str("activity", activity).Msg("skipped, server busy")
			default:
				log.Warn().Err(err).Str("activity", activity).Msg("unit failed")
			}
			return nil
		})
	}
	_ = g.Wait()
}

// run executes unit for one server while holding that server's slot and a
// pool worker. Scheduled units skip a busy server; administrative ones wait.
// The server record is fetched after the slot is held so the cursor is the
// one the previous unit committed.
func (m *Manager) run(ctx context.Context, activity string, scope domain.Scope, wait bool, unit unitFunc) error {
	if err := scope.Validate(); err != nil {
		return err
	}
	if wait {
		if err := m.guards.Acquire(ctx, scope); err != nil {
			return err
		}
	} else if !m.guards.TryAcquire(scope) {
		metrics.Ticks.WithLabelValues(activity, "skipped_busy").Inc()
		return ErrServerBusy
	}
	defer m.guards.Release(scope)

	if err := m.pool.Acquire(ctx, 1); err != nil {
		return err
	}
	defer m.pool.Release(1)
	metrics.WorkersActive.Inc()
	defer metrics.WorkersActive.Dec()

	srv, err := m.registry.Get(ctx, scope)
	if err != nil {
		return err
	}

	start := time.Now()
	err = unit(ctx, *srv)
	metrics.TickDuration.WithLabelValues(activity).Observe(time.Since(start).Seconds())
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.Ticks.WithLabelValues(activity, result).Inc()
	m.recordPoll(scope, err)
	return err
}

func (m *Manager) recordPoll(scope domain.Scope, err error) {
	st := pollState{at: time.Now().UTC()}
	if err != nil {
		st.err = err.Error()
	}
	m.mu.Lock()
	m.polls[scope] = st
	m.mu.Unlock()
}

func (m *Manager) ingestUnit(ctx context.Context, srv domain.GameServer) error {
	_, err := m.ingester.Ingest(ctx, srv, ModeSteady)
	return err
}

func (m *Manager) tailUnit(ctx context.Context, srv domain.GameServer) error {
	_, err := m.tailer.Poll(ctx, srv)
	return err
}

func (m *Manager) reconcileUnit(ctx context.Context, srv domain.GameServer) error {
	_, err := m.reconciler.Maintain(ctx, srv.Scope)
	return err
}

// Backfill replays every death-log file for one server without notifications.
// With reset the scope's stats and cursor are cleared first. It waits for any
// running unit on the same server to finish.
func (m *Manager) Backfill(ctx context.Context, scope domain.Scope, reset bool) (*IngestResult, error) {
	var res *IngestResult
	err := m.run(ctx, ActivityBackfill, scope, true, func(ctx context.Context, srv domain.GameServer) error {
		if reset {
			if _, err := m.store.ResetScope(ctx, scope); err != nil {
				return fmt.Errorf("resetting before backfill: %w", err)
			}
			m.tailer.Forget(scope)
			fresh, err := m.registry.Get(ctx, scope)
			if err != nil {
				return err
			}
			srv = *fresh
		}
		var err error
		res, err = m.ingester.Ingest(ctx, srv, ModeBackfill)
		return err
	})
	return res, err
}

// Reset deletes one scope's stats, processed set and cursor
func (m *Manager) Reset(ctx context.Context, scope domain.Scope) (*storage.ResetResult, error) {
	var res *storage.ResetResult
	err := m.run(ctx, ActivityReset, scope, true, func(ctx context.Context, srv domain.GameServer) error {
		var err error
		res, err = m.store.ResetScope(ctx, scope)
		if err == nil {
			m.tailer.Forget(scope)
		}
		return err
	})
	return res, err
}

// Reconcile maintains one scope on demand
func (m *Manager) Reconcile(ctx context.Context, scope domain.Scope) (*reconcile.Report, error) {
	if m.reconciler == nil {
		return nil, errors.New("reconciliation not configured")
	}
	var report *reconcile.Report
	err := m.run(ctx, ActivityReconcile, scope, true, func(ctx context.Context, srv domain.GameServer) error {
		var err error
		report, err = m.reconciler.Maintain(ctx, scope)
		return err
	})
	return report, err
}

// ReconcileAll maintains every registered scope in turn
func (m *Manager) ReconcileAll(ctx context.Context) ([]*reconcile.Report, error) {
	scopes, err := m.registry.Scopes(ctx)
	if err != nil {
		return nil, err
	}
	reports := make([]*reconcile.Report, 0, len(scopes))
	for _, scope := range scopes {
		report, err := m.Reconcile(ctx, scope)
		if report == nil {
			report = &reconcile.Report{Scope: scope}
		}
		if err != nil {
			if ctx.Err() != nil {
				return reports, ctx.Err()
			}
			report.Error = err.Error()
		}
		reports = append(reports, report)
	}
	return reports, nil
}

// RemoveServer deletes a server and everything stored under its scope once
// no unit is running for it
func (m *Manager) RemoveServer(ctx context.Context, scope domain.Scope) error {
	err := m.run(ctx, ActivityRemove, scope, true, func(ctx context.Context, srv domain.GameServer) error {
		return m.registry.Remove(ctx, scope)
	})
	if err != nil {
		return err
	}
	m.tailer.Forget(scope)
	m.mu.Lock()
	delete(m.polls, scope)
	m.mu.Unlock()
	return nil
}

// Status reports one server's cursor, presence and last poll outcome
func (m *Manager) Status(ctx context.Context, scope domain.Scope) (*domain.ServerStatus, error) {
	srv, err := m.registry.Get(ctx, scope)
	if err != nil {
		return nil, err
	}
	return m.status(ctx, *srv)
}

// Statuses reports every server of one tenant
func (m *Manager) Statuses(ctx context.Context, tenantID string) ([]domain.ServerStatus, error) {
	servers, err := m.registry.List(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.ServerStatus, 0, len(servers))
	for _, srv := range servers {
		st, err := m.status(ctx, srv)
		if err != nil {
			return nil, err
		}
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Scope.String() < out[j].Scope.String() })
	return out, nil
}

func (m *Manager) status(ctx context.Context, srv domain.GameServer) (*domain.ServerStatus, error) {
	summary, err := m.store.ScopeSummary(ctx, srv.Scope)
	if err != nil {
		return nil, err
	}
	processed, err := m.store.ProcessedFiles(ctx, srv.Scope)
	if err != nil {
		return nil, err
	}
	queued, online := m.tailer.Presence(srv.Scope)

	m.mu.RLock()
	poll := m.polls[srv.Scope]
	m.mu.RUnlock()

	return &domain.ServerStatus{
		Scope:         srv.Scope,
		Name:          srv.Name,
		Enabled:       srv.Enabled,
		Cursor:        srv.Cursor,
		Busy:          m.guards.Busy(srv.Scope),
		Queued:        queued,
		Online:        online,
		PlayerCount:   summary.Players,
		ProcessedLogs: len(processed),
		LastPoll:      poll.at,
		LastError:     poll.err,
	}, nil
}

func (m *Manager) emitEvent(event domain.Event) {
	select {
	case m.events <- event:
	default:
		metrics.NotificationsPublished.WithLabelValues("dropped", event.Type).Inc()
	}
}

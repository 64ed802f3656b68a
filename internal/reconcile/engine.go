// Package reconcile repairs drift between player kill counters and their
// per-weapon breakdowns.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ernie/deadside-tracker/internal/domain"
	"github.com/ernie/deadside-tracker/internal/logger"
	"github.com/ernie/deadside-tracker/internal/metrics"
)

// Store is the slice of the stats store reconciliation works against
type Store interface {
	WithScopeLock(scope domain.Scope, fn func() error) error
	ListPlayers(ctx context.Context, scope domain.Scope) ([]*domain.PlayerStats, error)
	SavePlayer(ctx context.Context, scope domain.Scope, p *domain.PlayerStats) error
	TrimProcessed(ctx context.Context, scope domain.Scope, limit, keep int) (int64, error)
	PruneEmptyCounters(ctx context.Context, scope domain.Scope) (int64, error)
}

// ScopeLister enumerates the registered scopes
type ScopeLister interface {
	Scopes(ctx context.Context) ([]domain.Scope, error)
}

// Report counts what one pass over one scope changed
type Report struct {
	Scope          domain.Scope `json:"scope"`
	Players        int          `json:"players"`
	Corrected      int          `json:"corrected"`
	TrimmedFiles   int64        `json:"trimmed_files"`
	PrunedCounters int64        `json:"pruned_counters"`
	Error          string       `json:"error,omitempty"`
}

// Engine recomputes kill counters from weapon breakdowns
type Engine struct {
	store         Store
	scopes        ScopeLister
	processedCap  int
	processedKeep int
	log           zerolog.Logger
}

// New creates an engine. processedCap and processedKeep bound each scope's
// processed-file set during cleanup.
func New(store Store, scopes ScopeLister, processedCap, processedKeep int, log zerolog.Logger) *Engine {
	return &Engine{
		store:         store,
		scopes:        scopes,
		processedCap:  processedCap,
		processedKeep: processedKeep,
		log:           log.With().Str("component", "reconcile").Logger(),
	}
}

// Correct brings one player's counters in line with its weapon map. It
// reports whether anything changed.
func Correct(p *domain.PlayerStats) bool {
	sum := p.WeaponKillTotal()
	if sum == p.Kills {
		return false
	}
	p.Kills = sum
	p.FavoriteWeapon = p.MostUsedWeapon()
	return true
}

// RunScope reconciles every player in scope under the scope's write lock
func (e *Engine) RunScope(ctx context.Context, scope domain.Scope) (*Report, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	report := &Report{Scope: scope}
	err := e.store.WithScopeLock(scope, func() error {
		players, err := e.store.ListPlayers(ctx, scope)
		if err != nil {
			return fmt.Errorf("listing players: %w", err)
		}
		report.Players = len(players)
		for _, p := range players {
			before := p.Kills
			if !Correct(p) {
				continue
			}
			p.LastUpdated = time.Now().UTC()
			if err := e.store.SavePlayer(ctx, scope, p); err != nil {
				return fmt.Errorf("saving %s: %w", p.PlayerID, err)
			}
			report.Corrected++
			e.log.Debug().Str("tenant", scope.TenantID).Str("server", scope.ServerID).
				Str("player", p.PlayerID).Int("was", before).Int("now", p.Kills).Msg("kill counter corrected")
		}
		return nil
	})
	if err != nil {
		return report, err
	}
	metrics.ReconcileCorrections.Add(float64(report.Corrected))
	if report.Corrected > 0 {
		log := logger.ForScope(e.log, scope.TenantID, scope.ServerID)
		log.Info().Int("players", report.Players).Int("corrected", report.Corrected).Msg("drift corrected")
	}
	return report, nil
}

// Cleanup trims the scope's processed-file set and drops zeroed counter rows.
// It takes the scope lock itself, so it must not run inside RunScope's lock.
func (e *Engine) Cleanup(ctx context.Context, scope domain.Scope, report *Report) error {
	trimmed, err := e.store.TrimProcessed(ctx, scope, e.processedCap, e.processedKeep)
	if err != nil {
		return fmt.Errorf("trimming processed files: %w", err)
	}
	pruned, err := e.store.PruneEmptyCounters(ctx, scope)
	if err != nil {
		return fmt.Errorf("pruning counters: %w", err)
	}
	report.TrimmedFiles += trimmed
	report.PrunedCounters += pruned
	return nil
}

// Maintain runs reconciliation then cleanup for one scope
func (e *Engine) Maintain(ctx context.Context, scope domain.Scope) (*Report, error) {
	report, err := e.RunScope(ctx, scope)
	if err != nil {
		return report, err
	}
	return report, e.Cleanup(ctx, scope, report)
}

// RunAll maintains every registered scope. A failing scope is recorded in
// its report and does not stop the others.
func (e *Engine) RunAll(ctx context.Context) ([]*Report, error) {
	scopes, err := e.scopes.Scopes(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing scopes: %w", err)
	}
	reports := make([]*Report, 0, len(scopes))
	for _, scope := range scopes {
		if ctx.Err() != nil {
			return reports, ctx.Err()
		}
		report, err := e.Maintain(ctx, scope)
		if report == nil {
			report = &Report{Scope: scope}
		}
		if err != nil {
			report.Error = err.Error()
			log := logger.ForScope(e.log, scope.TenantID, scope.ServerID)
			log.Error().Err(err).Msg("reconciliation failed")
		}
		reports = append(reports, report)
	}
	return reports, nil
}

// Sweep is the startup pass: RunAll with a one-line summary
func (e *Engine) Sweep(ctx context.Context) error {
	start := time.Now()
	reports, err := e.RunAll(ctx)
	if err != nil {
		return err
	}
	corrected, failed := 0, 0
	for _, r := range reports {
		corrected += r.Corrected
		if r.Error != "" {
			failed++
		}
	}
	e.log.Info().Int("scopes", len(reports)).Int("corrected", corrected).Int("failed", failed).
		Dur("took", time.Since(start)).Msg("startup sweep complete")
	return nil
}

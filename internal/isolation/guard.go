// Package isolation enforces that every read and write of scoped state
// names its (tenant, server) scope and never crosses into another one.
package isolation

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ernie/deadside-tracker/internal/domain"
	"github.com/ernie/deadside-tracker/internal/metrics"
)

// Scoped is any persisted entity owned by a single scope.
type Scoped interface {
	ScopeKey() domain.Scope
}

// ViolationError describes a rejected cross-scope write.
type ViolationError struct {
	Operation string
	Expected  domain.Scope
	Actual    domain.Scope
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("%s: record scope %s does not match %s", e.Operation, e.Actual, e.Expected)
}

func (e *ViolationError) Unwrap() error { return domain.ErrIsolationViolation }

// Guard checks scopes at the storage boundary.
type Guard struct {
	log zerolog.Logger
}

// NewGuard creates a guard that reports violations to log.
func NewGuard(log zerolog.Logger) *Guard {
	return &Guard{log: log.With().Str("component", "isolation").Logger()}
}

// Check rejects a missing or partial scope before any I/O happens.
func (g *Guard) Check(scope domain.Scope) error {
	if err := scope.Validate(); err != nil {
		g.log.Warn().Str("tenant", scope.TenantID).Str("server", scope.ServerID).Msg("operation without scope rejected")
		return err
	}
	return nil
}

// CheckRecord rejects a record that belongs to a different scope than the
// operation touching it.
func (g *Guard) CheckRecord(op string, scope, record domain.Scope) error {
	if err := g.Check(scope); err != nil {
		return err
	}
	if scope != record {
		metrics.IsolationViolations.Inc()
		g.log.Error().
			Str("operation", op).
			Str("expected", scope.String()).
			Str("actual", record.String()).
			Msg("isolation violation")
		return &ViolationError{Operation: op, Expected: scope, Actual: record}
	}
	return nil
}

// Authorize checks every record against scope and returns the first violation.
func Authorize[T Scoped](g *Guard, op string, scope domain.Scope, records ...T) error {
	if err := g.Check(scope); err != nil {
		return err
	}
	for _, r := range records {
		if err := g.CheckRecord(op, scope, r.ScopeKey()); err != nil {
			return err
		}
	}
	return nil
}

// IsViolation reports whether err is an isolation violation.
func IsViolation(err error) bool {
	return errors.Is(err, domain.ErrIsolationViolation)
}

// Package notify delivers domain events to downstream consumers.
package notify

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/ernie/deadside-tracker/internal/domain"
	"github.com/ernie/deadside-tracker/internal/metrics"
)

// Publisher accepts one event. Delivery is at-least-once at best; consumers
// tolerate duplicates.
type Publisher interface {
	Publish(ctx context.Context, ev domain.Event) error
}

// Sink is a named publisher, the name being its metrics label
type Sink struct {
	Name string
	Publisher
}

// Fanout hands every event to each sink. A failing sink does not stop the
// others.
type Fanout struct {
	sinks []Sink
	log   zerolog.Logger
}

// NewFanout creates a fanout over sinks
func NewFanout(log zerolog.Logger, sinks ...Sink) *Fanout {
	return &Fanout{sinks: sinks, log: log.With().Str("component", "notify").Logger()}
}

// Add registers another sink. Not safe once Run has started.
func (f *Fanout) Add(s Sink) {
	f.sinks = append(f.sinks, s)
}

// Publish sends ev to every sink
func (f *Fanout) Publish(ctx context.Context, ev domain.Event) error {
	for _, s := range f.sinks {
		if err := s.Publish(ctx, ev); err != nil {
			f.log.Warn().Err(err).Str("sink", s.Name).Str("event", ev.Type).
				Str("tenant", ev.TenantID).Str("server", ev.ServerID).Msg("publish failed")
			continue
		}
		metrics.NotificationsPublished.WithLabelValues(s.Name, ev.Type).Inc()
	}
	return nil
}

// Run forwards events until ctx ends or the channel closes
func (f *Fanout) Run(ctx context.Context, events <-chan domain.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			f.Publish(ctx, ev)
		}
	}
}

package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/ernie/deadside-tracker/internal/domain"
)

// NATSPublisher publishes events on <prefix>.<tenant>.<server>.<type>
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
}

// ConnectNATS dials the broker. The connection reconnects on its own; events
// published while disconnected are buffered by the client.
func ConnectNATS(url, prefix string, log zerolog.Logger) (*NATSPublisher, error) {
	log = log.With().Str("component", "nats").Logger()
	conn, err := nats.Connect(url,
		nats.Name("deadside-tracker"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}
	if prefix == "" {
		prefix = "deadside"
	}
	return &NATSPublisher{conn: conn, prefix: prefix}, nil
}

// Subject returns the subject ev is published on
func (p *NATSPublisher) Subject(ev domain.Event) string {
	return strings.Join([]string{p.prefix, token(ev.TenantID), token(ev.ServerID), token(ev.Type)}, ".")
}

// Publish implements Publisher
func (p *NATSPublisher) Publish(_ context.Context, ev domain.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	return p.conn.Publish(p.Subject(ev), data)
}

// Close drains pending messages and closes the connection
func (p *NATSPublisher) Close() error {
	return p.conn.Drain()
}

// token makes s safe as a single subject token
func token(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}

package notify

import (
	"errors"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/rs/zerolog"

	"github.com/ernie/deadside-tracker/internal/config"
)

// StartEmbedded runs an in-process broker for installs without one. With a
// data directory JetStream is enabled so consumers can replay recent events.
func StartEmbedded(cfg config.EmbeddedBroker, log zerolog.Logger) (*server.Server, error) {
	opts := &server.Options{
		ServerName: "deadside-tracker",
		Host:       cfg.Host,
		Port:       cfg.Port,
		NoSigs:     true,
		NoLog:      true,
	}
	if cfg.DataDir != "" {
		opts.JetStream = true
		opts.StoreDir = cfg.DataDir
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, err
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return nil, errors.New("embedded nats server did not start")
	}
	log.Info().Str("url", ns.ClientURL()).Bool("jetstream", opts.JetStream).Msg("embedded nats started")
	return ns, nil
}

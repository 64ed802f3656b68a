// Package app wires the tracker together with fx.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/rs/zerolog"
	"go.uber.org/fx"

	"github.com/ernie/deadside-tracker/internal/api"
	"github.com/ernie/deadside-tracker/internal/auth"
	"github.com/ernie/deadside-tracker/internal/collector"
	"github.com/ernie/deadside-tracker/internal/config"
	"github.com/ernie/deadside-tracker/internal/isolation"
	"github.com/ernie/deadside-tracker/internal/jobs"
	"github.com/ernie/deadside-tracker/internal/logger"
	"github.com/ernie/deadside-tracker/internal/notify"
	"github.com/ernie/deadside-tracker/internal/reconcile"
	"github.com/ernie/deadside-tracker/internal/registry"
	"github.com/ernie/deadside-tracker/internal/remote"
	"github.com/ernie/deadside-tracker/internal/storage"
)

// ShutdownTimeout bounds the HTTP drain on stop
const ShutdownTimeout = 10 * time.Second

// jobHistory is how many finished admin jobs stay queryable
const jobHistory = 100

// ConfigPath is the YAML file to load. Empty means environment only.
type ConfigPath string

func ProvideConfig(path ConfigPath) (*config.Config, error) {
	return config.Load(string(path))
}

func ProvideLogger(cfg *config.Config) zerolog.Logger {
	return logger.New(cfg.Log.Level, cfg.Log.Format)
}

func ProvideStore(lc fx.Lifecycle, cfg *config.Config, guard *isolation.Guard, log zerolog.Logger) (*storage.Store, error) {
	store, err := storage.New(cfg.Database.Path, guard, log)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return store.Close()
		},
	})
	return store, nil
}

func ProvideRegistry(store *storage.Store, log zerolog.Logger) *registry.Registry {
	return registry.New(store, log)
}

func ProvideGateway(cfg *config.Config, log zerolog.Logger) *remote.Gateway {
	return remote.New(remote.Options{
		ConnectTimeout: cfg.Remote.ConnectTimeout,
		ReadTimeout:    cfg.Remote.ReadTimeout,
		MaxRetries:     cfg.Remote.MaxRetries,
		RetryBaseDelay: cfg.Remote.RetryBaseDelay,
		HostRate:       cfg.Remote.HostRate,
		HostBurst:      cfg.Remote.HostBurst,
		KnownHosts:     cfg.Remote.KnownHosts,
	}, log)
}

func ProvideReconciler(cfg *config.Config, store *storage.Store, reg *registry.Registry, log zerolog.Logger) *reconcile.Engine {
	return reconcile.New(store, reg, cfg.Ingest.ProcessedCap, cfg.Ingest.ProcessedKeep, log)
}

func ProvideManager(cfg *config.Config, reg *registry.Registry, store *storage.Store, gw *remote.Gateway,
	engine *reconcile.Engine, log zerolog.Logger) *collector.Manager {
	return collector.NewManager(cfg, reg, store, gw, engine, log)
}

func ProvideJobs(lc fx.Lifecycle, log zerolog.Logger) *jobs.Runner {
	runner := jobs.NewRunner(jobHistory, log)
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			runner.Stop()
			return nil
		},
	})
	return runner
}

func ProvideAuth(cfg *config.Config, log zerolog.Logger) *auth.Service {
	if cfg.Auth.JWTSecret == "" {
		log.Warn().Msg("no jwt secret configured, admin login is disabled")
	}
	return auth.NewService(cfg.Auth.JWTSecret, cfg.Auth.TokenDuration)
}

// ProvideFanout builds the notification fanout: the websocket hub always,
// NATS when a broker URL is set or the embedded broker is enabled.
func ProvideFanout(lc fx.Lifecycle, cfg *config.Config, hub *api.WebSocketHub, log zerolog.Logger) (*notify.Fanout, error) {
	fanout := notify.NewFanout(log, notify.Sink{Name: "websocket", Publisher: hub})

	var broker *server.Server
	url := cfg.Notify.NATSURL
	if cfg.Notify.Embedded.Enabled {
		ns, err := notify.StartEmbedded(cfg.Notify.Embedded, log)
		if err != nil {
			return nil, err
		}
		broker = ns
		if url == "" {
			url = ns.ClientURL()
		}
	}

	var pub *notify.NATSPublisher
	if url != "" {
		p, err := notify.ConnectNATS(url, cfg.Notify.SubjectPrefix, log)
		if err != nil {
			if broker != nil {
				broker.Shutdown()
			}
			return nil, err
		}
		pub = p
		fanout.Add(notify.Sink{Name: "nats", Publisher: pub})
	}

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			var err error
			if pub != nil {
				err = pub.Close()
			}
			if broker != nil {
				broker.Shutdown()
				broker.WaitForShutdown()
			}
			return err
		},
	})
	return fanout, nil
}

var Module = fx.Options(
	fx.Provide(ProvideConfig),
	fx.Provide(ProvideLogger),
	fx.Provide(isolation.NewGuard),
	fx.Provide(ProvideStore),
	fx.Provide(ProvideRegistry),
	fx.Provide(ProvideGateway),
	fx.Provide(ProvideReconciler),
	fx.Provide(ProvideManager),
	fx.Provide(ProvideJobs),
	fx.Provide(ProvideAuth),
	// notifications
	fx.Provide(api.NewWebSocketHub),
	fx.Provide(ProvideFanout),
	// http
	fx.Provide(api.NewRouter),
)

// Run seeds the registry from config and starts every long-running part.
// Stop hooks run in reverse: HTTP drains first, then the scheduler, then
// the notification pumps.
func Run(lc fx.Lifecycle, cfg *config.Config, reg *registry.Registry, manager *collector.Manager,
	hub *api.WebSocketHub, fanout *notify.Fanout, router *api.Router, log zerolog.Logger) {
	pumps, cancelPumps := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go hub.Run(pumps)
			go fanout.Run(pumps, manager.Events())
			return nil
		},
		OnStop: func(context.Context) error {
			cancelPumps()
			return nil
		},
	})

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := reg.Seed(ctx, cfg.Servers); err != nil {
				return err
			}
			return manager.Start(ctx)
		},
		OnStop: func(context.Context) error {
			manager.Stop()
			return nil
		},
	})

	srv := &http.Server{
		Addr:         cfg.HTTP.Addr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				log.Info().Str("addr", srv.Addr).Msg("http server starting")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal().Err(err).Msg("http server failed")
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			log.Info().Msg("shutting down http server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

// New builds the application for the config at path
func New(path string, opts ...fx.Option) *fx.App {
	return fx.New(append([]fx.Option{
		fx.Supply(ConfigPath(path)),
		fx.NopLogger,
		Module,
		fx.Invoke(Run),
	}, opts...)...)
}

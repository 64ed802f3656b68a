// Package registry owns game server identities, connection parameters and
// cursor state.
package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ernie/deadside-tracker/internal/config"
	"github.com/ernie/deadside-tracker/internal/domain"
)

// ErrInvalidServer wraps every validation failure in Register
var ErrInvalidServer = errors.New("invalid server")

// Store is the persistence the registry needs
type Store interface {
	UpsertServer(ctx context.Context, srv *domain.GameServer) error
	DeleteServer(ctx context.Context, scope domain.Scope) error
	SetServerEnabled(ctx context.Context, scope domain.Scope, enabled bool) error
	GetServer(ctx context.Context, scope domain.Scope) (*domain.GameServer, error)
	ListServers(ctx context.Context) ([]domain.GameServer, error)
	ListTenantServers(ctx context.Context, tenantID string) ([]domain.GameServer, error)
	SaveCursor(ctx context.Context, scope domain.Scope, c domain.Cursor) error
}

// Registry is the only component that enumerates scopes
type Registry struct {
	store Store
	log   zerolog.Logger
}

// New creates a registry over store
func New(store Store, log zerolog.Logger) *Registry {
	return &Registry{store: store, log: log.With().Str("component", "registry").Logger()}
}

// Register validates and stores a server. A new server starts with an empty
// cursor; re-registering keeps the existing cursor.
func (r *Registry) Register(ctx context.Context, srv *domain.GameServer) error {
	srv.Scope = domain.NewScope(srv.Scope.TenantID, srv.Scope.ServerID)
	if err := srv.Scope.Validate(); err != nil {
		return err
	}
	if err := validateServer(srv); err != nil {
		return err
	}
	if err := r.store.UpsertServer(ctx, srv); err != nil {
		return fmt.Errorf("registering %s: %w", srv.Scope, err)
	}
	r.log.Info().Str("tenant", srv.Scope.TenantID).Str("server", srv.Scope.ServerID).
		Str("transport", srv.Transport).Msg("server registered")
	return nil
}

func validateServer(srv *domain.GameServer) error {
	if err := srv.Scope.CheckIDs(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidServer, err)
	}
	if srv.Transport == "" {
		srv.Transport = domain.TransportSFTP
	}
	switch srv.Transport {
	case domain.TransportSFTP:
		if srv.Host == "" {
			return fmt.Errorf("%w: sftp server %s needs a host", ErrInvalidServer, srv.Scope)
		}
		if srv.Port == 0 {
			srv.Port = 22
		}
	case domain.TransportLocal:
	default:
		return fmt.Errorf("%w: unknown transport %q", ErrInvalidServer, srv.Transport)
	}
	if srv.DeathLogDir == "" {
		return fmt.Errorf("%w: server %s needs a death log directory", ErrInvalidServer, srv.Scope)
	}
	if srv.Name == "" {
		srv.Name = srv.Scope.ServerID
	}
	return nil
}

// Remove deletes a server and cascades to everything in its scope
func (r *Registry) Remove(ctx context.Context, scope domain.Scope) error {
	if err := r.store.DeleteServer(ctx, scope); err != nil {
		return err
	}
	r.log.Info().Str("tenant", scope.TenantID).Str("server", scope.ServerID).Msg("server removed")
	return nil
}

// SetEnabled pauses or resumes polling
func (r *Registry) SetEnabled(ctx context.Context, scope domain.Scope, enabled bool) error {
	return r.store.SetServerEnabled(ctx, scope, enabled)
}

// Get returns one server with its current cursor
func (r *Registry) Get(ctx context.Context, scope domain.Scope) (*domain.GameServer, error) {
	return r.store.GetServer(ctx, scope)
}

// Enabled returns every server that should be polled
func (r *Registry) Enabled(ctx context.Context) ([]domain.GameServer, error) {
	all, err := r.store.ListServers(ctx)
	if err != nil {
		return nil, err
	}
	enabled := all[:0]
	for _, srv := range all {
		if srv.Enabled {
			enabled = append(enabled, srv)
		}
	}
	return enabled, nil
}

// Scopes returns the scope of every registered server
func (r *Registry) Scopes(ctx context.Context) ([]domain.Scope, error) {
	all, err := r.store.ListServers(ctx)
	if err != nil {
		return nil, err
	}
	scopes := make([]domain.Scope, len(all))
	for i, srv := range all {
		scopes[i] = srv.Scope
	}
	return scopes, nil
}

// List returns all servers, or only one tenant's when tenantID is set
func (r *Registry) List(ctx context.Context, tenantID string) ([]domain.GameServer, error) {
	if tenantID == "" {
		return r.store.ListServers(ctx)
	}
	return r.store.ListTenantServers(ctx, tenantID)
}

// SaveCursor persists a server's cursor
func (r *Registry) SaveCursor(ctx context.Context, scope domain.Scope, c domain.Cursor) error {
	return r.store.SaveCursor(ctx, scope, c)
}

// Seed registers the servers listed in the config file
func (r *Registry) Seed(ctx context.Context, servers []config.ServerConfig) error {
	for _, sc := range servers {
		srv := FromConfig(sc)
		if err := r.Register(ctx, &srv); err != nil {
			return err
		}
	}
	return nil
}

// FromConfig converts a config entry to a server
func FromConfig(sc config.ServerConfig) domain.GameServer {
	return domain.GameServer{
		Scope:        domain.NewScope(sc.TenantID, sc.ServerID),
		Name:         sc.Name,
		Transport:    sc.Transport,
		Host:         sc.Host,
		Port:         sc.Port,
		Username:     sc.Username,
		Password:     sc.Password,
		KeyFile:      sc.KeyFile,
		DeathLogDir:  sc.DeathLogDir,
		EventLogPath: sc.EventLogPath,
		Enabled:      !sc.Disabled,
	}
}

package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/fx"

	"github.com/ernie/deadside-tracker/internal/collector"
	"github.com/ernie/deadside-tracker/internal/registry"
)

func TestGraphResolves(t *testing.T) {
	err := fx.ValidateApp(
		fx.Supply(ConfigPath("")),
		fx.NopLogger,
		Module,
		fx.Invoke(Run),
	)
	if err != nil {
		t.Fatalf("ValidateApp() error = %v", err)
	}
}

func TestAppStartsAndSeedsServers(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yml")
	cfg := `
http:
  listen_addr: 127.0.0.1
  port: 18089
database:
  path: ` + filepath.Join(dir, "deadside.db") + `
scheduler:
  death_log_interval: 1h
  event_log_interval: 1h
  reconcile_interval: 1h
servers:
  - tenant_id: guild
    server_id: eu-1
    transport: local
    death_log_dir: ` + filepath.Join(dir, "logs") + `
`
	if err := os.WriteFile(cfgPath, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}

	var reg *registry.Registry
	var manager *collector.Manager
	app := New(cfgPath, fx.Populate(&reg, &manager))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer app.Stop(ctx)

	servers, err := reg.List(ctx, "guild")
	if err != nil {
		t.Fatal(err)
	}
	if len(servers) != 1 || servers[0].Scope.ServerID != "eu-1" {
		t.Errorf("seeded servers = %+v", servers)
	}
}

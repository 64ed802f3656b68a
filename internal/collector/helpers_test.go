package collector

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"

	"github.com/ernie/deadside-tracker/internal/domain"
	"github.com/ernie/deadside-tracker/internal/isolation"
	"github.com/ernie/deadside-tracker/internal/remote"
	"github.com/ernie/deadside-tracker/internal/storage"
)

type fixture struct {
	dir     string
	store   *storage.Store
	gateway *remote.Gateway
	scope   domain.Scope
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "test.db"), isolation.NewGuard(zerolog.Nop()), zerolog.Nop())
	if err != nil {
		t.Fatalf("storage.New() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	f := &fixture{
		dir:     t.TempDir(),
		store:   store,
		gateway: remote.New(remote.Options{MaxRetries: 1, RetryBaseDelay: time.Millisecond}, zerolog.Nop()),
		scope:   domain.NewScope("guild", "eu-1"),
	}
	err = store.UpsertServer(context.Background(), &domain.GameServer{
		Scope:        f.scope,
		Name:         "EU 1",
		Transport:    domain.TransportLocal,
		DeathLogDir:  filepath.Join(f.dir, "deathlogs"),
		EventLogPath: filepath.Join(f.dir, "Deadside.log"),
		Enabled:      true,
	})
	if err != nil {
		t.Fatalf("UpsertServer() error = %v", err)
	}
	return f
}

// server reloads the server so the cursor reflects the last commit
func (f *fixture) server(t *testing.T) domain.GameServer {
	t.Helper()
	srv, err := f.store.GetServer(context.Background(), f.scope)
	if err != nil {
		t.Fatalf("GetServer() error = %v", err)
	}
	return *srv
}

func (f *fixture) writeDeathLog(t *testing.T, name, body string) {
	t.Helper()
	path := filepath.Join(f.dir, "deathlogs", name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) writeGzDeathLog(t *testing.T, name, body string) {
	t.Helper()
	path := filepath.Join(f.dir, "deathlogs", name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	fh, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	zw := gzip.NewWriter(fh)
	if _, err := zw.Write([]byte(body)); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := fh.Close(); err != nil {
		t.Fatal(err)
	}
}

// failOpen makes opening files with the given base names fail with err
// until the returned func restores the local dialer.
func (f *fixture) failOpen(err error, names ...string) (restore func()) {
	f.gateway.SetDialer(domain.TransportLocal, failingDialer{err: err, names: names})
	return func() { f.gateway.SetDialer(domain.TransportLocal, remote.LocalDialer{}) }
}

type failingDialer struct {
	err   error
	names []string
}

func (d failingDialer) Dial(ctx context.Context, srv domain.GameServer) (remote.Session, error) {
	sess, err := remote.LocalDialer{}.Dial(ctx, srv)
	if err != nil {
		return nil, err
	}
	return failingSession{Session: sess, d: d}, nil
}

type failingSession struct {
	remote.Session
	d failingDialer
}

func (s failingSession) Open(path string) (remote.File, error) {
	for _, name := range s.d.names {
		if filepath.Base(path) == name {
			return nil, s.d.err
		}
	}
	return s.Session.Open(path)
}

func (f *fixture) players(t *testing.T) []*domain.PlayerStats {
	t.Helper()
	players, err := f.store.ListPlayers(context.Background(), f.scope)
	if err != nil {
		t.Fatalf("ListPlayers() error = %v", err)
	}
	return players
}

func (f *fixture) writeEventLog(t *testing.T, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(f.dir, "Deadside.log"), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) appendEventLog(t *testing.T, body string) {
	t.Helper()
	fh, err := os.OpenFile(filepath.Join(f.dir, "Deadside.log"), os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	defer fh.Close()
	if _, err := fh.WriteString(body); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) player(t *testing.T, id string) *domain.PlayerStats {
	t.Helper()
	p, err := f.store.GetPlayer(context.Background(), f.scope, id)
	if err != nil {
		t.Fatalf("GetPlayer(%s) error = %v", id, err)
	}
	return p
}

// recorder collects emitted notifications
type recorder struct {
	events []domain.Event
}

func (r *recorder) emit(ev domain.Event) { r.events = append(r.events, ev) }

func (r *recorder) count(typ string) int {
	n := 0
	for _, ev := range r.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

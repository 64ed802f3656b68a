package reconcile

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ernie/deadside-tracker/internal/domain"
	"github.com/ernie/deadside-tracker/internal/isolation"
	"github.com/ernie/deadside-tracker/internal/registry"
	"github.com/ernie/deadside-tracker/internal/storage"
)

func setup(t *testing.T, scopes ...domain.Scope) (*storage.Store, *Engine) {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "test.db"), isolation.NewGuard(zerolog.Nop()), zerolog.Nop())
	if err != nil {
		t.Fatalf("storage.New() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	for _, scope := range scopes {
		err := store.UpsertServer(context.Background(), &domain.GameServer{
			Scope:       scope,
			Name:        scope.ServerID,
			Transport:   domain.TransportLocal,
			DeathLogDir: "/logs",
			Enabled:     true,
		})
		if err != nil {
			t.Fatalf("UpsertServer() error = %v", err)
		}
	}
	reg := registry.New(store, zerolog.Nop())
	return store, New(store, reg, 3, 2, zerolog.Nop())
}

func drifted(scope domain.Scope, id string, kills int, weapons map[string]int) *domain.PlayerStats {
	p := domain.NewPlayerStats(scope, id, id)
	p.Kills = kills
	p.WeaponKills = weapons
	return p
}

func TestCorrect(t *testing.T) {
	tests := []struct {
		name     string
		kills    int
		weapons  map[string]int
		changed  bool
		want     int
		favorite string
	}{
		{"in sync", 3, map[string]int{"AK47": 3}, false, 3, ""},
		{"counter ahead", 10, map[string]int{"AK47": 2, "M4": 1}, true, 3, "AK47"},
		{"counter behind", 0, map[string]int{"SVD": 4}, true, 4, "SVD"},
		{"tie goes to smaller name", 1, map[string]int{"M4": 2, "AK47": 2}, true, 4, "AK47"},
		{"empty map", 5, map[string]int{}, true, 0, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := drifted(domain.NewScope("g", "s"), "p1", tt.kills, tt.weapons)
			if got := Correct(p); got != tt.changed {
				t.Fatalf("Correct() = %v, want %v", got, tt.changed)
			}
			if p.Kills != tt.want {
				t.Errorf("kills = %d, want %d", p.Kills, tt.want)
			}
			if tt.changed && p.FavoriteWeapon != tt.favorite {
				t.Errorf("favorite = %q, want %q", p.FavoriteWeapon, tt.favorite)
			}
		})
	}
}

func TestRunScopeConvergesAndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	scope := domain.NewScope("guild", "eu-1")
	store, engine := setup(t, scope)

	for _, p := range []*domain.PlayerStats{
		drifted(scope, "a1", 10, map[string]int{"AK47": 3, "M4": 3}),
		drifted(scope, "b1", 2, map[string]int{"SVD": 2}),
	} {
		if err := store.SavePlayer(ctx, scope, p); err != nil {
			t.Fatal(err)
		}
	}

	report, err := engine.RunScope(ctx, scope)
	if err != nil {
		t.Fatalf("RunScope() error = %v", err)
	}
	if report.Players != 2 || report.Corrected != 1 {
		t.Errorf("players/corrected = %d/%d, want 2/1", report.Players, report.Corrected)
	}

	a, err := store.GetPlayer(ctx, scope, "a1")
	if err != nil {
		t.Fatal(err)
	}
	if a.Kills != a.WeaponKillTotal() || a.Kills != 6 {
		t.Errorf("kills = %d, weapon total = %d, want 6", a.Kills, a.WeaponKillTotal())
	}
	if a.FavoriteWeapon != "AK47" {
		t.Errorf("favorite = %q, want AK47", a.FavoriteWeapon)
	}

	report, err = engine.RunScope(ctx, scope)
	if err != nil {
		t.Fatal(err)
	}
	if report.Corrected != 0 {
		t.Errorf("second pass corrected %d players", report.Corrected)
	}
}

func TestRunAllStaysInsideEachScope(t *testing.T) {
	ctx := context.Background()
	eu := domain.NewScope("guild", "eu-1")
	us := domain.NewScope("other", "us-1")
	store, engine := setup(t, eu, us)

	if err := store.SavePlayer(ctx, eu, drifted(eu, "p1", 9, map[string]int{"AK47": 1})); err != nil {
		t.Fatal(err)
	}
	if err := store.SavePlayer(ctx, us, drifted(us, "p1", 1, map[string]int{"AK47": 1})); err != nil {
		t.Fatal(err)
	}

	reports, err := engine.RunAll(ctx)
	if err != nil {
		t.Fatalf("RunAll() error = %v", err)
	}
	if len(reports) != 2 {
		t.Fatalf("reports = %d, want 2", len(reports))
	}
	corrected := map[domain.Scope]int{}
	for _, r := range reports {
		corrected[r.Scope] = r.Corrected
	}
	if corrected[eu] != 1 || corrected[us] != 0 {
		t.Errorf("corrected = %v", corrected)
	}
}

func TestMaintainTrimsProcessedFiles(t *testing.T) {
	ctx := context.Background()
	scope := domain.NewScope("guild", "eu-1")
	store, engine := setup(t, scope)

	for _, name := range []string{"2025.01.01-00.00.00.csv", "2025.01.02-00.00.00.csv", "2025.01.03-00.00.00.csv", "2025.01.04-00.00.00.csv"} {
		if err := store.MarkProcessed(ctx, scope, name, 0, 0); err != nil {
			t.Fatal(err)
		}
	}

	report, err := engine.Maintain(ctx, scope)
	if err != nil {
		t.Fatalf("Maintain() error = %v", err)
	}
	if report.TrimmedFiles != 2 {
		t.Errorf("trimmed = %d, want 2", report.TrimmedFiles)
	}
	files, err := store.ProcessedFiles(ctx, scope)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 2 || files[0] != "2025.01.03-00.00.00.csv" {
		t.Errorf("files = %v", files)
	}
}

func TestRunScopeRejectsMissingScope(t *testing.T) {
	_, engine := setup(t)
	if _, err := engine.RunScope(context.Background(), domain.Scope{TenantID: "guild"}); err != domain.ErrMissingScope {
		t.Errorf("RunScope() error = %v, want ErrMissingScope", err)
	}
}

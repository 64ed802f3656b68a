package domain

import (
	"testing"
	"time"
)

func TestApplyKillUpdatesKillerState(t *testing.T) {
	scope := NewScope("guild", "eu-1")
	p := NewPlayerStats(scope, "1", "Alice")
	ts := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	p.ApplyKill(DeathEvent{Timestamp: ts, KillerName: "Alice", VictimID: "2", VictimName: "Bob", Weapon: "AK47", Distance: 150})
	p.ApplyKill(DeathEvent{Timestamp: ts.Add(time.Minute), KillerName: "Alice", VictimID: "3", VictimName: "Cat", Weapon: "SVD", Distance: 420})

	if p.Kills != 2 {
		t.Errorf("kills = %d, want 2", p.Kills)
	}
	if p.CurrentStreak != 2 || p.LongestStreak != 2 {
		t.Errorf("streak = %d/%d, want 2/2", p.CurrentStreak, p.LongestStreak)
	}
	if p.LongestKillDistance != 420 || p.LongestKillVictim != "Cat" || p.LongestKillWeapon != "SVD" {
		t.Errorf("longest kill = %v %q %q", p.LongestKillDistance, p.LongestKillVictim, p.LongestKillWeapon)
	}
	if p.OpponentKills["2"] != 1 || p.OpponentKills["3"] != 1 {
		t.Errorf("opponent kills = %v", p.OpponentKills)
	}
	if !p.LastUpdated.Equal(ts.Add(time.Minute)) {
		t.Errorf("last updated = %v", p.LastUpdated)
	}
}

func TestDeathResetsStreakButKeepsLongest(t *testing.T) {
	p := NewPlayerStats(NewScope("g", "s"), "1", "Alice")
	p.ApplyKill(DeathEvent{VictimID: "2", Weapon: "AK47"})
	p.ApplyKill(DeathEvent{VictimID: "2", Weapon: "AK47"})
	p.ApplyDeath(DeathEvent{VictimName: "Alice"})

	if p.CurrentStreak != 0 || p.LongestStreak != 2 || p.Deaths != 1 {
		t.Errorf("got streak %d longest %d deaths %d", p.CurrentStreak, p.LongestStreak, p.Deaths)
	}

	p.ApplySuicide(DeathEvent{VictimName: "Alice", Weapon: "falling"})
	if p.Deaths != 2 || p.Suicides != 1 {
		t.Errorf("after suicide deaths=%d suicides=%d", p.Deaths, p.Suicides)
	}
}

func TestMostUsedWeapon(t *testing.T) {
	tests := []struct {
		name    string
		weapons map[string]int
		want    string
	}{
		{"empty", nil, ""},
		{"single", map[string]int{"AK47": 3}, "AK47"},
		{"highest wins", map[string]int{"AK47": 3, "SVD": 5}, "SVD"},
		{"tie goes to smaller name", map[string]int{"VSS": 4, "AK47": 4}, "AK47"},
		{"zero counts ignored", map[string]int{"M4": 0}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &PlayerStats{WeaponKills: tt.weapons}
			if got := p.MostUsedWeapon(); got != tt.want {
				t.Errorf("MostUsedWeapon() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestKDRatio(t *testing.T) {
	p := &PlayerStats{Kills: 6}
	if got := p.KDRatio(); got != 6 {
		t.Errorf("no deaths: got %v", got)
	}
	p.Deaths = 4
	if got := p.KDRatio(); got != 1.5 {
		t.Errorf("got %v, want 1.5", got)
	}
}

func TestScopeValidate(t *testing.T) {
	if err := NewScope(" ", "s").Validate(); err != ErrMissingScope {
		t.Errorf("blank tenant: got %v", err)
	}
	if err := NewScope("t", "").Validate(); err != ErrMissingScope {
		t.Errorf("blank server: got %v", err)
	}
	if err := NewScope("t", "s").Validate(); err != nil {
		t.Errorf("valid scope: got %v", err)
	}
}

func TestCursorAdvanceDeathLogNeverRegresses(t *testing.T) {
	t1 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c := Cursor{}
	c.AdvanceDeathLog("2025.01.02-00.00.00.csv", 10, t1)
	c.AdvanceDeathLog("2025.01.01-00.00.00.csv", 50, t1.Add(-time.Hour))
	if c.DeathLogFile != "2025.01.02-00.00.00.csv" || c.DeathLogLine != 10 || !c.DeathLogTimestamp.Equal(t1) {
		t.Errorf("cursor regressed: %+v", c)
	}
	c.AdvanceDeathLog("2025.01.02-00.00.00.csv", 4, t1)
	if c.DeathLogLine != 10 {
		t.Errorf("line regressed to %d", c.DeathLogLine)
	}
	c.AdvanceDeathLog("2025.01.03-00.00.00.csv", 2, t1.Add(time.Hour))
	if c.DeathLogFile != "2025.01.03-00.00.00.csv" || c.DeathLogLine != 2 {
		t.Errorf("cursor did not move to newer file: %+v", c)
	}
}

package domain

import (
	"sort"
	"time"
)

// PlayerStats holds one player's accumulated statistics within a scope.
// A player active on two servers has two independent rows.
type PlayerStats struct {
	Scope               Scope          `json:"scope"`
	PlayerID            string         `json:"player_id"`
	Name                string         `json:"name"`
	Kills               int            `json:"kills"`
	Deaths              int            `json:"deaths"`
	Suicides            int            `json:"suicides"`
	WeaponKills         map[string]int `json:"weapon_kills,omitempty"`
	OpponentKills       map[string]int `json:"opponent_kills,omitempty"`
	LongestKillDistance float64        `json:"longest_kill_distance"`
	LongestKillVictim   string         `json:"longest_kill_victim,omitempty"`
	LongestKillWeapon   string         `json:"longest_kill_weapon,omitempty"`
	CurrentStreak       int            `json:"current_streak"`
	LongestStreak       int            `json:"longest_streak"`
	FavoriteWeapon      string         `json:"favorite_weapon,omitempty"`
	LastUpdated         time.Time      `json:"last_updated"`
}

// NewPlayerStats returns an empty record for a player first seen in scope.
func NewPlayerStats(scope Scope, playerID, name string) *PlayerStats {
	return &PlayerStats{
		Scope:         scope,
		PlayerID:      playerID,
		Name:          name,
		WeaponKills:   make(map[string]int),
		OpponentKills: make(map[string]int),
	}
}

// ScopeKey implements isolation.Scoped
func (p *PlayerStats) ScopeKey() Scope { return p.Scope }

func (p *PlayerStats) touch(name string, at time.Time) {
	if name != "" {
		p.Name = name
	}
	if at.After(p.LastUpdated) {
		p.LastUpdated = at
	}
	if p.WeaponKills == nil {
		p.WeaponKills = make(map[string]int)
	}
	if p.OpponentKills == nil {
		p.OpponentKills = make(map[string]int)
	}
}

// ApplyKill credits the killer side of a kill event.
func (p *PlayerStats) ApplyKill(ev DeathEvent) {
	p.touch(ev.KillerName, ev.Timestamp)
	p.Kills++
	p.WeaponKills[ev.Weapon]++
	p.OpponentKills[ev.VictimID]++
	p.CurrentStreak++
	if p.CurrentStreak > p.LongestStreak {
		p.LongestStreak = p.CurrentStreak
	}
	if ev.Distance > p.LongestKillDistance {
		p.LongestKillDistance = ev.Distance
		p.LongestKillVictim = ev.VictimName
		p.LongestKillWeapon = ev.Weapon
	}
	p.FavoriteWeapon = p.MostUsedWeapon()
}

// ApplyDeath records the victim side of a kill or environmental death.
func (p *PlayerStats) ApplyDeath(ev DeathEvent) {
	p.touch(ev.VictimName, ev.Timestamp)
	p.Deaths++
	p.CurrentStreak = 0
}

// ApplySuicide records a self-inflicted death. Suicides count as deaths.
func (p *PlayerStats) ApplySuicide(ev DeathEvent) {
	p.touch(ev.VictimName, ev.Timestamp)
	p.Suicides++
	p.Deaths++
	p.CurrentStreak = 0
}

// KDRatio returns kills per death; with no deaths it is the kill count.
func (p *PlayerStats) KDRatio() float64 {
	if p.Deaths == 0 {
		return float64(p.Kills)
	}
	return float64(p.Kills) / float64(p.Deaths)
}

// WeaponKillTotal sums the per-weapon kill counts.
func (p *PlayerStats) WeaponKillTotal() int {
	total := 0
	for _, n := range p.WeaponKills {
		total += n
	}
	return total
}

// MostUsedWeapon returns the weapon with the most kills, ties going to the
// lexicographically smaller name so the result is stable.
func (p *PlayerStats) MostUsedWeapon() string {
	weapons := make([]string, 0, len(p.WeaponKills))
	for w, n := range p.WeaponKills {
		if n > 0 {
			weapons = append(weapons, w)
		}
	}
	sort.Strings(weapons)
	best, bestN := "", 0
	for _, w := range weapons {
		if n := p.WeaponKills[w]; n > bestN {
			best, bestN = w, n
		}
	}
	return best
}

// LeaderboardEntry is one ranked row of a leaderboard.
type LeaderboardEntry struct {
	Rank     int     `json:"rank"`
	PlayerID string  `json:"player_id"`
	Name     string  `json:"name"`
	Value    float64 `json:"value"`
	Kills    int     `json:"kills"`
	Deaths   int     `json:"deaths"`
	Detail   string  `json:"detail,omitempty"`
}

// ScopeSummary aggregates a scope for the status view.
type ScopeSummary struct {
	Players  int `json:"players"`
	Kills    int `json:"kills"`
	Deaths   int `json:"deaths"`
	Suicides int `json:"suicides"`
}

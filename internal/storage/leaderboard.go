package storage

import (
	"context"
	"fmt"

	"github.com/ernie/deadside-tracker/internal/domain"
)

// Leaderboard categories
const (
	CategoryKills    = "kills"
	CategoryKD       = "kd"
	CategoryDeaths   = "deaths"
	CategoryDistance = "distance"
	CategoryStreak   = "streak"
	CategorySuicides = "suicides"
)

// Categories lists the leaderboard categories in display order
var Categories = []string{CategoryKills, CategoryKD, CategoryDeaths, CategoryDistance, CategoryStreak, CategorySuicides}

type leaderboardQuery struct {
	value  string
	where  string
	order  string
	detail string
}

var leaderboards = map[string]leaderboardQuery{
	CategoryKills: {
		value: "kills",
		where: "kills > 0",
		order: "kills DESC, deaths ASC",
	},
	// A player with no deaths ranks by kills, matching PlayerStats.KDRatio.
	CategoryKD: {
		value: "CAST(kills AS REAL) / MAX(deaths, 1)",
		where: "kills >= ?",
		order: "CAST(kills AS REAL) / MAX(deaths, 1) DESC, kills DESC",
	},
	CategoryDeaths: {
		value: "deaths",
		where: "deaths > 0",
		order: "deaths DESC, kills ASC",
	},
	CategoryDistance: {
		value:  "longest_kill_distance",
		where:  "longest_kill_distance > 0",
		order:  "longest_kill_distance DESC",
		detail: "longest_kill_weapon || ' vs ' || longest_kill_victim",
	},
	CategoryStreak: {
		value: "longest_streak",
		where: "longest_streak > 0",
		order: "longest_streak DESC, kills DESC",
	},
	CategorySuicides: {
		value: "suicides",
		where: "suicides > 0",
		order: "suicides DESC",
	},
}

// Leaderboard ranks the scope's players in one category. minKills only
// applies to the kd category.
func (s *Store) Leaderboard(ctx context.Context, scope domain.Scope, category string, minKills, limit int) ([]domain.LeaderboardEntry, error) {
	if err := s.guard.Check(scope); err != nil {
		return nil, err
	}
	q, ok := leaderboards[category]
	if !ok {
		return nil, fmt.Errorf("unknown leaderboard category %q", category)
	}
	detail := q.detail
	if detail == "" {
		detail = "''"
	}

	args := []any{scope.TenantID, scope.ServerID}
	if category == CategoryKD {
		args = append(args, minKills)
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT player_id, name, %s, kills, deaths, %s
		FROM player_stats
		WHERE tenant_id = ? AND server_id = ? AND %s
		ORDER BY %s, name ASC
		LIMIT ?
	`, q.value, detail, q.where, q.order), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []domain.LeaderboardEntry{}
	for rows.Next() {
		var e domain.LeaderboardEntry
		if err := rows.Scan(&e.PlayerID, &e.Name, &e.Value, &e.Kills, &e.Deaths, &e.Detail); err != nil {
			return nil, err
		}
		e.Rank = len(entries) + 1
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// TopByKills ranks by kill count
func (s *Store) TopByKills(ctx context.Context, scope domain.Scope, limit int) ([]domain.LeaderboardEntry, error) {
	return s.Leaderboard(ctx, scope, CategoryKills, 0, limit)
}

// TopByKD ranks by kill/death ratio among players with at least minKills kills
func (s *Store) TopByKD(ctx context.Context, scope domain.Scope, minKills, limit int) ([]domain.LeaderboardEntry, error) {
	return s.Leaderboard(ctx, scope, CategoryKD, minKills, limit)
}

// TopByDeaths ranks by death count
func (s *Store) TopByDeaths(ctx context.Context, scope domain.Scope, limit int) ([]domain.LeaderboardEntry, error) {
	return s.Leaderboard(ctx, scope, CategoryDeaths, 0, limit)
}

// TopByDistance ranks by longest kill
func (s *Store) TopByDistance(ctx context.Context, scope domain.Scope, limit int) ([]domain.LeaderboardEntry, error) {
	return s.Leaderboard(ctx, scope, CategoryDistance, 0, limit)
}

// TopByStreak ranks by longest kill streak
func (s *Store) TopByStreak(ctx context.Context, scope domain.Scope, limit int) ([]domain.LeaderboardEntry, error) {
	return s.Leaderboard(ctx, scope, CategoryStreak, 0, limit)
}

// TopBySuicides ranks by suicide count
func (s *Store) TopBySuicides(ctx context.Context, scope domain.Scope, limit int) ([]domain.LeaderboardEntry, error) {
	return s.Leaderboard(ctx, scope, CategorySuicides, 0, limit)
}

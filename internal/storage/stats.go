package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ernie/deadside-tracker/internal/domain"
	"github.com/ernie/deadside-tracker/internal/isolation"
)

// DeathLogCommit is everything one processed death-log file changes. It is
// applied in a single transaction so a crash never leaves stats ahead of
// (or behind) the cursor.
type DeathLogCommit struct {
	Events []domain.DeathEvent
	// Cursor, when set, has its death-log fields saved in the same transaction.
	Cursor *domain.Cursor
	// MarkProcessed, when set, is added to the processed set.
	MarkProcessed string
	// ProcessedCap and ProcessedKeep bound the processed set.
	ProcessedCap  int
	ProcessedKeep int
}

// ApplyDeathLog applies a batch of classified death events to the scope's
// player rows and records the resume point.
func (s *Store) ApplyDeathLog(ctx context.Context, scope domain.Scope, commit DeathLogCommit) error {
	if err := s.guard.Check(scope); err != nil {
		return err
	}
	return s.WithScopeLock(scope, func() error {
		return s.inTx(ctx, func(tx *sql.Tx) error {
			players := make(map[string]*domain.PlayerStats)
			load := func(id, name string) (*domain.PlayerStats, error) {
				if p, ok := players[id]; ok {
					return p, nil
				}
				p, err := loadPlayerTx(ctx, tx, scope, id)
				if errors.Is(err, sql.ErrNoRows) {
					p, err = domain.NewPlayerStats(scope, id, name), nil
				}
				if err != nil {
					return nil, err
				}
				players[id] = p
				return p, nil
			}

			for _, ev := range commit.Events {
				switch ev.Classification {
				case domain.DeathKill:
					killer, err := load(ev.KillerID, ev.KillerName)
					if err != nil {
						return err
					}
					killer.ApplyKill(ev)
					victim, err := load(ev.VictimID, ev.VictimName)
					if err != nil {
						return err
					}
					victim.ApplyDeath(ev)
				case domain.DeathSuicide:
					victim, err := load(ev.VictimID, ev.VictimName)
					if err != nil {
						return err
					}
					victim.ApplySuicide(ev)
				case domain.DeathEnvironmental:
					victim, err := load(ev.VictimID, ev.VictimName)
					if err != nil {
						return err
					}
					victim.ApplyDeath(ev)
				default:
					return fmt.Errorf("unknown classification %q", ev.Classification)
				}
			}

			for _, p := range players {
				if err := s.guard.CheckRecord("apply death log", scope, p.ScopeKey()); err != nil {
					return err
				}
				if err := savePlayerTx(ctx, tx, p); err != nil {
					return err
				}
			}

			if commit.MarkProcessed != "" {
				if err := markProcessedTx(ctx, tx, scope, commit.MarkProcessed); err != nil {
					return fmt.Errorf("marking processed: %w", err)
				}
				if _, err := trimProcessedTx(ctx, tx, scope, commit.ProcessedCap, commit.ProcessedKeep); err != nil {
					return err
				}
			}
			if commit.Cursor != nil {
				if err := saveDeathLogCursorTx(ctx, tx, scope, *commit.Cursor); err != nil {
					return err
				}
			}
			return nil
		})
	})
}

// ApplyDeathEvent applies a single classified event. Cursor state is left
// alone; file ingestion goes through ApplyDeathLog.
func (s *Store) ApplyDeathEvent(ctx context.Context, scope domain.Scope, ev domain.DeathEvent) error {
	return s.ApplyDeathLog(ctx, scope, DeathLogCommit{Events: []domain.DeathEvent{ev}})
}

// SavePlayer replaces a player's row and maps. Callers that read-modify-write
// must hold the scope lock.
func (s *Store) SavePlayer(ctx context.Context, scope domain.Scope, p *domain.PlayerStats) error {
	if err := isolation.Authorize(s.guard, "save player", scope, p); err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return savePlayerTx(ctx, tx, p)
	})
}

func savePlayerTx(ctx context.Context, tx *sql.Tx, p *domain.PlayerStats) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO player_stats (tenant_id, server_id, player_id, name, kills, deaths, suicides,
			longest_kill_distance, longest_kill_victim, longest_kill_weapon, current_streak, longest_streak,
			favorite_weapon, last_updated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, server_id, player_id) DO UPDATE SET
			name = excluded.name,
			kills = excluded.kills,
			deaths = excluded.deaths,
			suicides = excluded.suicides,
			longest_kill_distance = excluded.longest_kill_distance,
			longest_kill_victim = excluded.longest_kill_victim,
			longest_kill_weapon = excluded.longest_kill_weapon,
			current_streak = excluded.current_streak,
			longest_streak = excluded.longest_streak,
			favorite_weapon = excluded.favorite_weapon,
			last_updated = excluded.last_updated
	`, p.Scope.TenantID, p.Scope.ServerID, p.PlayerID, p.Name, p.Kills, p.Deaths, p.Suicides,
		p.LongestKillDistance, p.LongestKillVictim, p.LongestKillWeapon, p.CurrentStreak, p.LongestStreak,
		p.FavoriteWeapon, nullTimestamp(p.LastUpdated))
	if err != nil {
		return fmt.Errorf("saving player %s: %w", p.PlayerID, err)
	}

	key := []any{p.Scope.TenantID, p.Scope.ServerID, p.PlayerID}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM player_weapon_kills WHERE tenant_id = ? AND server_id = ? AND player_id = ?
	`, key...); err != nil {
		return err
	}
	for weapon, n := range p.WeaponKills {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO player_weapon_kills (tenant_id, server_id, player_id, weapon, kills) VALUES (?, ?, ?, ?, ?)
		`, append(key, weapon, n)...); err != nil {
			return fmt.Errorf("saving weapon kills: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM player_opponent_kills WHERE tenant_id = ? AND server_id = ? AND player_id = ?
	`, key...); err != nil {
		return err
	}
	for opponent, n := range p.OpponentKills {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO player_opponent_kills (tenant_id, server_id, player_id, opponent_id, kills) VALUES (?, ?, ?, ?, ?)
		`, append(key, opponent, n)...); err != nil {
			return fmt.Errorf("saving opponent kills: %w", err)
		}
	}
	return nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// loadPlayerTx returns sql.ErrNoRows for an unknown player
func loadPlayerTx(ctx context.Context, q querier, scope domain.Scope, playerID string) (*domain.PlayerStats, error) {
	row := q.QueryRowContext(ctx, `SELECT `+playerColumns+` FROM player_stats
		WHERE tenant_id = ? AND server_id = ? AND player_id = ?`, scope.TenantID, scope.ServerID, playerID)
	p, err := scanPlayer(row, scope)
	if err != nil {
		return nil, err
	}
	if err := loadPlayerMaps(ctx, q, p); err != nil {
		return nil, err
	}
	return p, nil
}

func loadPlayerMaps(ctx context.Context, q querier, p *domain.PlayerStats) error {
	load := func(query string, into map[string]int) error {
		rows, err := q.QueryContext(ctx, query, p.Scope.TenantID, p.Scope.ServerID, p.PlayerID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var key string
			var n int
			if err := rows.Scan(&key, &n); err != nil {
				return err
			}
			into[key] = n
		}
		return rows.Err()
	}
	if err := load(`SELECT weapon, kills FROM player_weapon_kills
		WHERE tenant_id = ? AND server_id = ? AND player_id = ?`, p.WeaponKills); err != nil {
		return fmt.Errorf("loading weapon kills: %w", err)
	}
	if err := load(`SELECT opponent_id, kills FROM player_opponent_kills
		WHERE tenant_id = ? AND server_id = ? AND player_id = ?`, p.OpponentKills); err != nil {
		return fmt.Errorf("loading opponent kills: %w", err)
	}
	return nil
}

// GetPlayer returns one player's stats within scope
func (s *Store) GetPlayer(ctx context.Context, scope domain.Scope, playerID string) (*domain.PlayerStats, error) {
	if err := s.guard.Check(scope); err != nil {
		return nil, err
	}
	p, err := loadPlayerTx(ctx, s.db, scope, playerID)
	if err != nil {
		return nil, notFound(err)
	}
	return p, nil
}

// ListPlayers returns every player in scope with maps loaded
func (s *Store) ListPlayers(ctx context.Context, scope domain.Scope) ([]*domain.PlayerStats, error) {
	if err := s.guard.Check(scope); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+playerColumns+` FROM player_stats
		WHERE tenant_id = ? AND server_id = ? ORDER BY player_id`, scope.TenantID, scope.ServerID)
	if err != nil {
		return nil, err
	}
	var players []*domain.PlayerStats
	for rows.Next() {
		p, err := scanPlayer(rows, scope)
		if err != nil {
			rows.Close()
			return nil, err
		}
		players = append(players, p)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	// Maps are loaded after the outer cursor is closed; the pool has a single connection.
	for _, p := range players {
		if err := loadPlayerMaps(ctx, s.db, p); err != nil {
			return nil, err
		}
	}
	return players, nil
}

// ResetResult reports what ResetScope removed
type ResetResult struct {
	Players        int64 `json:"players"`
	ProcessedFiles int64 `json:"processed_files"`
}

// ResetScope deletes all stats, the processed set, and the cursor for one
// scope. The server registration is kept.
func (s *Store) ResetScope(ctx context.Context, scope domain.Scope) (*ResetResult, error) {
	if err := s.guard.Check(scope); err != nil {
		return nil, err
	}
	var res ResetResult
	err := s.WithScopeLock(scope, func() error {
		return s.inTx(ctx, func(tx *sql.Tx) error {
			result, err := tx.ExecContext(ctx, `DELETE FROM player_stats WHERE tenant_id = ? AND server_id = ?`,
				scope.TenantID, scope.ServerID)
			if err != nil {
				return fmt.Errorf("deleting player stats: %w", err)
			}
			res.Players, _ = result.RowsAffected()

			result, err = tx.ExecContext(ctx, `DELETE FROM processed_files WHERE tenant_id = ? AND server_id = ?`,
				scope.TenantID, scope.ServerID)
			if err != nil {
				return fmt.Errorf("deleting processed files: %w", err)
			}
			res.ProcessedFiles, _ = result.RowsAffected()

			return saveCursorTx(ctx, tx, scope, domain.Cursor{})
		})
	})
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// ScopeSummary aggregates the scope's player rows
func (s *Store) ScopeSummary(ctx context.Context, scope domain.Scope) (*domain.ScopeSummary, error) {
	if err := s.guard.Check(scope); err != nil {
		return nil, err
	}
	var sum domain.ScopeSummary
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(kills), 0), COALESCE(SUM(deaths), 0), COALESCE(SUM(suicides), 0)
		FROM player_stats WHERE tenant_id = ? AND server_id = ?
	`, scope.TenantID, scope.ServerID).Scan(&sum.Players, &sum.Kills, &sum.Deaths, &sum.Suicides)
	if err != nil {
		return nil, err
	}
	return &sum, nil
}

// PruneEmptyCounters deletes weapon and opponent rows whose count is zero or
// below. It returns the number of rows removed.
func (s *Store) PruneEmptyCounters(ctx context.Context, scope domain.Scope) (int64, error) {
	if err := s.guard.Check(scope); err != nil {
		return 0, err
	}
	var total int64
	err := s.WithScopeLock(scope, func() error {
		for _, table := range []string{"player_weapon_kills", "player_opponent_kills"} {
			result, err := s.db.ExecContext(ctx, `DELETE FROM `+table+`
				WHERE tenant_id = ? AND server_id = ? AND kills <= 0`, scope.TenantID, scope.ServerID)
			if err != nil {
				return fmt.Errorf("pruning %s: %w", table, err)
			}
			n, _ := result.RowsAffected()
			total += n
		}
		return nil
	})
	return total, err
}

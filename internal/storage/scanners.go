package storage

import (
	"database/sql"
	"time"

	"github.com/ernie/deadside-tracker/internal/domain"
)

// Null scanner helpers - reduce repetitive nil-checking code

func scanNullTimeValue(nt sql.NullTime) time.Time {
	if nt.Valid {
		return nt.Time
	}
	return time.Time{}
}

func scanNullTime(nt sql.NullTime) *time.Time {
	if nt.Valid {
		return &nt.Time
	}
	return nil
}

// scanner is an interface satisfied by both *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...any) error
}

// scanServer scans serverColumns
func scanServer(s scanner) (*domain.GameServer, error) {
	var srv domain.GameServer
	var deathLogTS, updatedAt sql.NullTime
	err := s.Scan(
		&srv.Scope.TenantID, &srv.Scope.ServerID, &srv.Name, &srv.Transport, &srv.Host, &srv.Port,
		&srv.Username, &srv.Password, &srv.KeyFile, &srv.DeathLogDir, &srv.EventLogPath, &srv.Enabled,
		&srv.CreatedAt,
		&srv.Cursor.DeathLogFile, &srv.Cursor.DeathLogLine, &deathLogTS,
		&srv.Cursor.EventLogLine, &srv.Cursor.EventLogOffset,
		&srv.Cursor.RotationMarker, &srv.Cursor.Rotations, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	srv.Cursor.DeathLogTimestamp = scanNullTimeValue(deathLogTS)
	srv.Cursor.UpdatedAt = scanNullTimeValue(updatedAt)
	return &srv, nil
}

const playerColumns = `player_id, name, kills, deaths, suicides, longest_kill_distance,
	longest_kill_victim, longest_kill_weapon, current_streak, longest_streak, favorite_weapon, last_updated`

// scanPlayer scans playerColumns; the weapon and opponent maps are loaded separately
func scanPlayer(s scanner, scope domain.Scope) (*domain.PlayerStats, error) {
	p := domain.NewPlayerStats(scope, "", "")
	var lastUpdated sql.NullTime
	err := s.Scan(&p.PlayerID, &p.Name, &p.Kills, &p.Deaths, &p.Suicides, &p.LongestKillDistance,
		&p.LongestKillVictim, &p.LongestKillWeapon, &p.CurrentStreak, &p.LongestStreak,
		&p.FavoriteWeapon, &lastUpdated)
	if err != nil {
		return nil, err
	}
	p.LastUpdated = scanNullTimeValue(lastUpdated)
	return p, nil
}

// scanUser scans a user row from the database
func scanUser(s scanner) (*User, error) {
	var user User
	var lastLogin sql.NullTime
	err := s.Scan(&user.ID, &user.Username, &user.PasswordHash, &user.IsAdmin, &user.CreatedAt, &lastLogin)
	if err != nil {
		return nil, err
	}
	user.LastLogin = scanNullTime(lastLogin)
	return &user, nil
}

package storage

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
)

// SettingStartupSweep toggles the reconciliation sweep run at service start
const SettingStartupSweep = "startup_sweep"

// GetBoolSetting returns a stored flag, or def when it was never set
func (s *Store) GetBoolSetting(ctx context.Context, key string, def bool) (bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return def, nil
	}
	if err != nil {
		return def, err
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return def, nil
	}
	return b, nil
}

// SetBoolSetting stores a flag
func (s *Store) SetBoolSetting(ctx context.Context, key string, value bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, strconv.FormatBool(value))
	return err
}

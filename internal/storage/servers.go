package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ernie/deadside-tracker/internal/domain"
)

const serverColumns = `
	s.tenant_id, s.server_id, s.name, s.transport, s.host, s.port, s.username, s.password,
	s.key_file, s.death_log_dir, s.event_log_path, s.enabled, s.created_at,
	COALESCE(c.death_log_file, ''), COALESCE(c.death_log_line, 0), c.death_log_ts,
	COALESCE(c.event_log_line, 0), COALESCE(c.event_log_offset, 0),
	COALESCE(c.rotation_marker, ''), COALESCE(c.rotations, 0), c.updated_at`

const serverFrom = `
	FROM servers s
	LEFT JOIN server_cursors c ON c.tenant_id = s.tenant_id AND c.server_id = s.server_id`

// UpsertServer registers a server or updates its connection details. The
// cursor is left untouched.
func (s *Store) UpsertServer(ctx context.Context, srv *domain.GameServer) error {
	if err := s.guard.Check(srv.Scope); err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO servers (tenant_id, server_id, name, transport, host, port, username, password,
				key_file, death_log_dir, event_log_path, enabled)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(tenant_id, server_id) DO UPDATE SET
				name = excluded.name,
				transport = excluded.transport,
				host = excluded.host,
				port = excluded.port,
				username = excluded.username,
				password = excluded.password,
				key_file = excluded.key_file,
				death_log_dir = excluded.death_log_dir,
				event_log_path = excluded.event_log_path,
				enabled = excluded.enabled
		`, srv.Scope.TenantID, srv.Scope.ServerID, srv.Name, srv.Transport, srv.Host, srv.Port,
			srv.Username, srv.Password, srv.KeyFile, srv.DeathLogDir, srv.EventLogPath, srv.Enabled)
		if err != nil {
			return fmt.Errorf("upserting server: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO server_cursors (tenant_id, server_id) VALUES (?, ?)
			ON CONFLICT(tenant_id, server_id) DO NOTHING
		`, srv.Scope.TenantID, srv.Scope.ServerID)
		return err
	})
}

// DeleteServer removes a server and, by cascade, every row in its scope
func (s *Store) DeleteServer(ctx context.Context, scope domain.Scope) error {
	if err := s.guard.Check(scope); err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx, `DELETE FROM servers WHERE tenant_id = ? AND server_id = ?`,
		scope.TenantID, scope.ServerID)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// SetServerEnabled toggles polling for a server
func (s *Store) SetServerEnabled(ctx context.Context, scope domain.Scope, enabled bool) error {
	if err := s.guard.Check(scope); err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx, `UPDATE servers SET enabled = ? WHERE tenant_id = ? AND server_id = ?`,
		enabled, scope.TenantID, scope.ServerID)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetServer returns one server with its cursor
func (s *Store) GetServer(ctx context.Context, scope domain.Scope) (*domain.GameServer, error) {
	if err := s.guard.Check(scope); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+serverColumns+serverFrom+`
		WHERE s.tenant_id = ? AND s.server_id = ?`, scope.TenantID, scope.ServerID)
	srv, err := scanServer(row)
	if err != nil {
		return nil, notFound(err)
	}
	return srv, nil
}

// ListServers returns every registered server. Only the registry uses the
// unfiltered listing; tenant-facing callers use ListTenantServers.
func (s *Store) ListServers(ctx context.Context) ([]domain.GameServer, error) {
	return s.queryServers(ctx, `SELECT `+serverColumns+serverFrom+` ORDER BY s.tenant_id, s.server_id`)
}

// ListTenantServers returns the servers owned by one tenant
func (s *Store) ListTenantServers(ctx context.Context, tenantID string) ([]domain.GameServer, error) {
	if tenantID == "" {
		return nil, domain.ErrMissingScope
	}
	return s.queryServers(ctx, `SELECT `+serverColumns+serverFrom+`
		WHERE s.tenant_id = ? ORDER BY s.server_id`, tenantID)
}

func (s *Store) queryServers(ctx context.Context, query string, args ...any) ([]domain.GameServer, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var servers []domain.GameServer
	for rows.Next() {
		srv, err := scanServer(rows)
		if err != nil {
			return nil, err
		}
		servers = append(servers, *srv)
	}
	return servers, rows.Err()
}

// SaveCursor persists the full cursor for scope
func (s *Store) SaveCursor(ctx context.Context, scope domain.Scope, c domain.Cursor) error {
	if err := s.guard.Check(scope); err != nil {
		return err
	}
	return saveCursorTx(ctx, s.db, scope, c)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func saveCursorTx(ctx context.Context, ex execer, scope domain.Scope, c domain.Cursor) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO server_cursors (tenant_id, server_id, death_log_file, death_log_line, death_log_ts,
			event_log_line, event_log_offset, rotation_marker, rotations, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, server_id) DO UPDATE SET
			death_log_file = excluded.death_log_file,
			death_log_line = excluded.death_log_line,
			death_log_ts = excluded.death_log_ts,
			event_log_line = excluded.event_log_line,
			event_log_offset = excluded.event_log_offset,
			rotation_marker = excluded.rotation_marker,
			rotations = excluded.rotations,
			updated_at = excluded.updated_at
	`, scope.TenantID, scope.ServerID, c.DeathLogFile, c.DeathLogLine, nullTimestamp(c.DeathLogTimestamp),
		c.EventLogLine, c.EventLogOffset, c.RotationMarker, c.Rotations, formatTimestamp(time.Now()))
	if err != nil {
		return fmt.Errorf("saving cursor: %w", err)
	}
	return nil
}

// SaveEventLogCursor persists only the event-log side of the cursor
func (s *Store) SaveEventLogCursor(ctx context.Context, scope domain.Scope, c domain.Cursor) error {
	if err := s.guard.Check(scope); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE server_cursors SET
			event_log_line = ?, event_log_offset = ?, rotation_marker = ?, rotations = ?, updated_at = ?
		WHERE tenant_id = ? AND server_id = ?
	`, c.EventLogLine, c.EventLogOffset, c.RotationMarker, c.Rotations, formatTimestamp(time.Now()),
		scope.TenantID, scope.ServerID)
	if err != nil {
		return fmt.Errorf("saving event log cursor: %w", err)
	}
	return nil
}

func saveDeathLogCursorTx(ctx context.Context, ex execer, scope domain.Scope, c domain.Cursor) error {
	_, err := ex.ExecContext(ctx, `
		UPDATE server_cursors SET
			death_log_file = ?, death_log_line = ?, death_log_ts = ?, updated_at = ?
		WHERE tenant_id = ? AND server_id = ?
	`, c.DeathLogFile, c.DeathLogLine, nullTimestamp(c.DeathLogTimestamp), formatTimestamp(time.Now()),
		scope.TenantID, scope.ServerID)
	if err != nil {
		return fmt.Errorf("saving death log cursor: %w", err)
	}
	return nil
}

// IsProcessed reports whether a death-log file is in the scope's processed set
func (s *Store) IsProcessed(ctx context.Context, scope domain.Scope, fileName string) (bool, error) {
	if err := s.guard.Check(scope); err != nil {
		return false, err
	}
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM processed_files WHERE tenant_id = ? AND server_id = ? AND file_name = ?
	`, scope.TenantID, scope.ServerID, fileName).Scan(&n)
	return n > 0, err
}

// ProcessedFiles returns the scope's processed set in ascending name order
func (s *Store) ProcessedFiles(ctx context.Context, scope domain.Scope) ([]string, error) {
	if err := s.guard.Check(scope); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT file_name FROM processed_files WHERE tenant_id = ? AND server_id = ? ORDER BY file_name
	`, scope.TenantID, scope.ServerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// MarkProcessed adds fileName to the processed set and trims the set back to
// keep names once it holds more than limit.
func (s *Store) MarkProcessed(ctx context.Context, scope domain.Scope, fileName string, limit, keep int) error {
	if err := s.guard.Check(scope); err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := markProcessedTx(ctx, tx, scope, fileName); err != nil {
			return fmt.Errorf("marking %s processed: %w", fileName, err)
		}
		_, err := trimProcessedTx(ctx, tx, scope, limit, keep)
		return err
	})
}

// TrimProcessed keeps the keep lexicographically greatest names once the set
// holds more than limit entries. It returns the number of names removed.
func (s *Store) TrimProcessed(ctx context.Context, scope domain.Scope, limit, keep int) (int64, error) {
	if err := s.guard.Check(scope); err != nil {
		return 0, err
	}
	return trimProcessedTx(ctx, s.db, scope, limit, keep)
}

type queryExecer interface {
	execer
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func markProcessedTx(ctx context.Context, ex execer, scope domain.Scope, fileName string) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO processed_files (tenant_id, server_id, file_name, processed_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(tenant_id, server_id, file_name) DO NOTHING
	`, scope.TenantID, scope.ServerID, fileName, formatTimestamp(time.Now()))
	return err
}

func trimProcessedTx(ctx context.Context, qe queryExecer, scope domain.Scope, limit, keep int) (int64, error) {
	if limit <= 0 {
		return 0, nil
	}
	var n int
	if err := qe.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM processed_files WHERE tenant_id = ? AND server_id = ?
	`, scope.TenantID, scope.ServerID).Scan(&n); err != nil {
		return 0, err
	}
	if n <= limit {
		return 0, nil
	}
	result, err := qe.ExecContext(ctx, `
		DELETE FROM processed_files
		WHERE tenant_id = ? AND server_id = ? AND file_name NOT IN (
			SELECT file_name FROM processed_files
			WHERE tenant_id = ? AND server_id = ?
			ORDER BY file_name DESC LIMIT ?
		)
	`, scope.TenantID, scope.ServerID, scope.TenantID, scope.ServerID, keep)
	if err != nil {
		return 0, fmt.Errorf("trimming processed files: %w", err)
	}
	return result.RowsAffected()
}

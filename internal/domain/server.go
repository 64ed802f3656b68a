package domain

import "time"

// Transport names accepted for GameServer.Transport
const (
	TransportSFTP  = "sftp"
	TransportLocal = "local"
)

// GameServer is a registered game server and where its logs live
type GameServer struct {
	Scope        Scope     `json:"scope"`
	Name         string    `json:"name"`
	Transport    string    `json:"transport"`
	Host         string    `json:"host,omitempty"`
	Port         int       `json:"port,omitempty"`
	Username     string    `json:"username,omitempty"`
	Password     string    `json:"-"`
	KeyFile      string    `json:"key_file,omitempty"`
	DeathLogDir  string    `json:"death_log_dir"`
	EventLogPath string    `json:"event_log_path,omitempty"`
	Enabled      bool      `json:"enabled"`
	CreatedAt    time.Time `json:"created_at"`
	Cursor       Cursor    `json:"cursor"`
}

// ScopeKey implements isolation.Scoped
func (s GameServer) ScopeKey() Scope { return s.Scope }

// HostKey identifies the remote endpoint for per-host limits.
func (s GameServer) HostKey() string {
	if s.Transport == TransportLocal || s.Host == "" {
		return TransportLocal
	}
	return s.Host
}

// Cursor is the durable resume point for one server's log processing.
// The death-log side tracks a file plus the number of lines consumed in it;
// the event-log side tracks a byte offset into a single rotating file.
type Cursor struct {
	DeathLogFile      string    `json:"death_log_file,omitempty"`
	DeathLogLine      int64     `json:"death_log_line"`
	DeathLogTimestamp time.Time `json:"death_log_timestamp,omitempty"`
	EventLogLine      int64     `json:"event_log_line"`
	EventLogOffset    int64     `json:"event_log_offset"`
	RotationMarker    string    `json:"rotation_marker,omitempty"`
	Rotations         int64     `json:"rotations"`
	UpdatedAt         time.Time `json:"updated_at,omitempty"`
}

// AdvanceDeathLog moves the death-log side forward and never backward.
// Files compare lexicographically, which for timestamped names is chronological.
func (c *Cursor) AdvanceDeathLog(file string, line int64, ts time.Time) {
	switch {
	case file > c.DeathLogFile:
		c.DeathLogFile = file
		c.DeathLogLine = line
	case file == c.DeathLogFile && line > c.DeathLogLine:
		c.DeathLogLine = line
	}
	if ts.After(c.DeathLogTimestamp) {
		c.DeathLogTimestamp = ts
	}
}

// RestartEventLog rewinds to the start of a replaced or truncated log file.
func (c *Cursor) RestartEventLog(head string) {
	c.EventLogOffset = 0
	c.RotationMarker = head
	c.MarkRotation()
}

// MarkRotation restarts the line count for a new log incarnation.
func (c *Cursor) MarkRotation() {
	c.EventLogLine = 0
	c.Rotations++
}

// ServerStatus is the status API view of a server.
type ServerStatus struct {
	Scope         Scope     `json:"scope"`
	Name          string    `json:"name"`
	Enabled       bool      `json:"enabled"`
	Cursor        Cursor    `json:"cursor"`
	Busy          bool      `json:"busy"`
	Queued        []string  `json:"queued"`
	Online        []string  `json:"online"`
	PlayerCount   int       `json:"player_count"`
	ProcessedLogs int       `json:"processed_logs"`
	LastPoll      time.Time `json:"last_poll,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
}

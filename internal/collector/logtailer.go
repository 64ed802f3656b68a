package collector

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ernie/deadside-tracker/internal/domain"
	"github.com/ernie/deadside-tracker/internal/logger"
	"github.com/ernie/deadside-tracker/internal/metrics"
	"github.com/ernie/deadside-tracker/internal/remote"
)

// headProbeBytes is how much of the file head is read to compare against the
// saved rotation marker.
const headProbeBytes = 512

// EventLogSource reads the server's growing event log
type EventLogSource interface {
	StatFile(ctx context.Context, srv domain.GameServer, path string) (remote.FileInfo, error)
	ReadRange(ctx context.Context, srv domain.GameServer, path string, offset, limit int64) ([]byte, error)
}

// EventLogCursorStore persists the event-log side of a cursor
type EventLogCursorStore interface {
	SaveEventLogCursor(ctx context.Context, scope domain.Scope, c domain.Cursor) error
}

// TailResult summarizes one poll of one server's event log
type TailResult struct {
	Lines     int                `json:"lines"`
	Unmatched int                `json:"unmatched"`
	Rotations int                `json:"rotations"`
	Events    []domain.GameEvent `json:"events,omitempty"`
	Cursor    domain.Cursor      `json:"cursor"`
}

// presence tracks who is queued and online on one server
type presence struct {
	queued map[string]string // player id -> name
	online map[string]string
}

func newPresence() *presence {
	return &presence{queued: make(map[string]string), online: make(map[string]string)}
}

// EventLogTailer follows each server's event log from a byte offset
type EventLogTailer struct {
	src      EventLogSource
	store    EventLogCursorStore
	maxRead  int64
	emit     func(domain.Event)
	log      zerolog.Logger
	mu       sync.RWMutex
	presence map[domain.Scope]*presence
}

// NewEventLogTailer creates a tailer. maxRead bounds the bytes read per poll.
func NewEventLogTailer(src EventLogSource, store EventLogCursorStore, maxRead int64, emit func(domain.Event), log zerolog.Logger) *EventLogTailer {
	if emit == nil {
		emit = func(domain.Event) {}
	}
	return &EventLogTailer{
		src:      src,
		store:    store,
		maxRead:  maxRead,
		emit:     emit,
		log:      log.With().Str("component", "eventlog").Logger(),
		presence: make(map[domain.Scope]*presence),
	}
}

// Poll reads whatever was appended since the saved offset, emits recognized
// events and saves the new cursor. Only newline-terminated lines are consumed.
func (t *EventLogTailer) Poll(ctx context.Context, srv domain.GameServer) (*TailResult, error) {
	if err := srv.Scope.Validate(); err != nil {
		return nil, err
	}
	res := &TailResult{Cursor: srv.Cursor}
	if srv.EventLogPath == "" {
		return res, nil
	}
	log := logger.ForScope(t.log, srv.Scope.TenantID, srv.Scope.ServerID)

	fi, err := t.src.StatFile(ctx, srv, srv.EventLogPath)
	if err != nil {
		return res, fmt.Errorf("stat event log: %w", err)
	}

	cur := srv.Cursor
	restarted := false
	switch {
	case fi.Size < cur.EventLogOffset:
		// copytruncate or a fresh, shorter file
		log.Info().Int64("size", fi.Size).Int64("offset", cur.EventLogOffset).Msg("event log truncated")
		restarted = true
	case cur.EventLogOffset > 0 && cur.RotationMarker != "":
		head, err := t.src.ReadRange(ctx, srv, srv.EventLogPath, 0, headProbeBytes)
		if err != nil {
			return res, fmt.Errorf("reading event log head: %w", err)
		}
		if first := firstLine(head); first != "" && first != cur.RotationMarker {
			log.Info().Str("marker", first).Msg("event log replaced")
			restarted = true
		}
	}
	if restarted {
		cur.RestartEventLog("")
		t.resetPresence(srv.Scope)
		res.Rotations++
	}

	if fi.Size > cur.EventLogOffset {
		limit := fi.Size - cur.EventLogOffset
		if t.maxRead > 0 && limit > t.maxRead {
			limit = t.maxRead
		}
		data, err := t.src.ReadRange(ctx, srv, srv.EventLogPath, cur.EventLogOffset, limit)
		if err != nil {
			return res, fmt.Errorf("reading event log: %w", err)
		}
		capped := t.maxRead > 0 && int64(len(data)) >= t.maxRead
		if t.consume(srv.Scope, &cur, data, restarted, res) == 0 && capped {
			// No line ends inside a full window. Skip it; the rest of the
			// line is consumed, and counted once, when its newline arrives.
			log.Warn().Int64("offset", cur.EventLogOffset).Int("bytes", len(data)).Msg("skipping oversized event log line")
			cur.EventLogOffset += int64(len(data))
		}
	}
	if restarted {
		// emitted after the read so the new head is known
		t.emitRotation(srv.Scope, cur)
	}

	if cur != srv.Cursor {
		if err := t.store.SaveEventLogCursor(context.WithoutCancel(ctx), srv.Scope, cur); err != nil {
			return res, fmt.Errorf("saving event log cursor: %w", err)
		}
	}
	res.Cursor = cur
	metrics.LinesProcessed.WithLabelValues("eventlog", "matched").Add(float64(len(res.Events)))
	metrics.LinesProcessed.WithLabelValues("eventlog", "unmatched").Add(float64(res.Unmatched))
	return res, nil
}

// consume walks complete lines in data, advancing the cursor past each one,
// and returns how many it consumed.
func (t *EventLogTailer) consume(scope domain.Scope, cur *domain.Cursor, data []byte, restarted bool, res *TailResult) int {
	n := 0
	for {
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			// partial line, picked up next poll
			return n
		}
		n++
		line := string(bytes.TrimRight(data[:idx], "\r"))
		atHead := cur.EventLogOffset == 0
		cur.EventLogOffset += int64(idx + 1)
		data = data[idx+1:]
		res.Lines++

		if atHead {
			cur.RotationMarker = line
		}
		ev, rotation := feedLine(cur, line)
		// A marker on the first line of a file we already restarted for is
		// the same rotation.
		if rotation && !(atHead && restarted) {
			cur.MarkRotation()
			t.resetPresence(scope)
			res.Rotations++
			t.emitRotation(scope, *cur)
		}
		if ev == nil {
			if !rotation {
				res.Unmatched++
			}
			continue
		}
		t.track(scope, ev)
		res.Events = append(res.Events, *ev)
		t.emit(domain.Event{Type: domain.EventGame, Scope: scope, Timestamp: ev.Timestamp, Data: ev})
	}
}

// feedLine advances the line count for one consumed line. A rotation marker
// resets the count to zero whatever it was before.
func feedLine(cur *domain.Cursor, line string) (*domain.GameEvent, bool) {
	cur.EventLogLine++
	if IsRotationMarker(line) {
		cur.EventLogLine = 0
		return nil, true
	}
	ev, err := ParseEventLine(line)
	if err != nil {
		return nil, false
	}
	return ev, false
}

func (t *EventLogTailer) resetPresence(scope domain.Scope) {
	t.mu.Lock()
	t.presence[scope] = newPresence()
	t.mu.Unlock()
}

func (t *EventLogTailer) emitRotation(scope domain.Scope, cur domain.Cursor) {
	metrics.Rotations.Inc()
	t.emit(domain.Event{
		Type:      domain.EventRotation,
		Scope:     scope,
		Timestamp: time.Now().UTC(),
		Data:      domain.RotationData{Marker: cur.RotationMarker, Rotations: cur.Rotations},
	})
}

func (t *EventLogTailer) track(scope domain.Scope, ev *domain.GameEvent) {
	data, ok := ev.Data.(domain.PlayerPresenceData)
	if !ok {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.presence[scope]
	if !ok {
		p = newPresence()
		t.presence[scope] = p
	}
	switch ev.Type {
	case domain.GameEventPlayerQueue:
		p.queued[data.PlayerID] = data.PlayerName
	case domain.GameEventPlayerJoin:
		name := p.queued[data.PlayerID]
		delete(p.queued, data.PlayerID)
		p.online[data.PlayerID] = name
		data.PlayerName = name
		ev.Data = data
	case domain.GameEventPlayerLeave:
		data.PlayerName = p.online[data.PlayerID]
		delete(p.queued, data.PlayerID)
		delete(p.online, data.PlayerID)
		ev.Data = data
	}
}

// Presence returns the queued and online player names for a server
func (t *EventLogTailer) Presence(scope domain.Scope) (queued, online []string) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.presence[scope]
	if !ok {
		return []string{}, []string{}
	}
	return names(p.queued), names(p.online)
}

// Forget drops in-memory state for a removed or reset server
func (t *EventLogTailer) Forget(scope domain.Scope) {
	t.mu.Lock()
	delete(t.presence, scope)
	t.mu.Unlock()
}

func names(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for id, name := range m {
		if name == "" {
			name = id
		}
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func firstLine(data []byte) string {
	if idx := bytes.IndexByte(data, '\n'); idx >= 0 {
		return string(bytes.TrimRight(data[:idx], "\r"))
	}
	return ""
}

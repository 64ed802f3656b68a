package collector

import (
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ernie/deadside-tracker/internal/domain"
)

const (
	logHeader  = "Log file open, 05/15/25 12:00:00"
	queueLine  = "[2025.05.15-12.00.01:100][ 12]LogNet: Join request: /Game/Maps/world_0/World_0?Name=Alice?SplitscreenCount=1?eosid=|000abc123?platform=PC"
	joinLine   = "[2025.05.15-12.00.05:000][ 13]LogOnline: Warning: Player |000abc123 successfully registered!"
	airdrop    = "[2025.05.15-12.20.00:000][  1]LogSFPS: AirDrop switched to Dropping"
	missionLog = "[2025.05.15-12.10.00:000][  1]LogSFPS: Mission GA_Airport_Mis3 switched to READY"
	restartLog = "[2025.05.15-14.00.00:000][  0]LogInit: Display: Server initialization started"
)

func lines(l ...string) string {
	return strings.Join(l, "\n") + "\n"
}

func newTailer(f *fixture, rec *recorder) *EventLogTailer {
	return NewEventLogTailer(f.gateway, f.store, 1<<20, rec.emit, zerolog.Nop())
}

func TestTailerFollowsAppendsAndSkipsPartialLines(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.writeEventLog(t, lines(logHeader, queueLine, joinLine)+"[2025.05.15-12.20.00:000][  1]LogSFPS: AirDr")

	rec := &recorder{}
	tl := newTailer(f, rec)
	res, err := tl.Poll(ctx, f.server(t))
	if err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if len(res.Events) != 2 {
		t.Fatalf("events = %d, want 2", len(res.Events))
	}
	if res.Cursor.EventLogLine != 2 {
		t.Errorf("line = %d, want 2", res.Cursor.EventLogLine)
	}
	if want := int64(len(lines(logHeader, queueLine, joinLine))); res.Cursor.EventLogOffset != want {
		t.Errorf("offset = %d, want %d", res.Cursor.EventLogOffset, want)
	}
	if res.Cursor.RotationMarker != logHeader {
		t.Errorf("marker = %q, want %q", res.Cursor.RotationMarker, logHeader)
	}
	join := res.Events[1].Data.(domain.PlayerPresenceData)
	if join.PlayerName != "Alice" {
		t.Errorf("join name = %q, want name carried from the queue", join.PlayerName)
	}
	if _, online := tl.Presence(f.scope); len(online) != 1 || online[0] != "Alice" {
		t.Errorf("online = %v, want [Alice]", online)
	}

	f.appendEventLog(t, "op switched to Dropping\n")
	res, err = tl.Poll(ctx, f.server(t))
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Events) != 1 || res.Events[0].Type != domain.GameEventAirdrop {
		t.Fatalf("events = %+v, want one airdrop", res.Events)
	}
	if res.Cursor.EventLogLine != 3 {
		t.Errorf("line = %d, want 3", res.Cursor.EventLogLine)
	}
	if rec.count(domain.EventGame) != 3 {
		t.Errorf("game notifications = %d, want 3", rec.count(domain.EventGame))
	}
}

func TestTailerMarkerResetsLineCount(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.writeEventLog(t, lines(logHeader, queueLine, joinLine, missionLog))

	rec := &recorder{}
	tl := newTailer(f, rec)
	first, err := tl.Poll(ctx, f.server(t))
	if err != nil {
		t.Fatal(err)
	}
	if first.Cursor.EventLogLine != 3 {
		t.Fatalf("line = %d, want 3", first.Cursor.EventLogLine)
	}

	f.appendEventLog(t, lines(restartLog, airdrop))
	res, err := tl.Poll(ctx, f.server(t))
	if err != nil {
		t.Fatal(err)
	}
	if res.Rotations != 1 {
		t.Errorf("rotations = %d, want 1", res.Rotations)
	}
	if res.Cursor.EventLogLine != 1 {
		t.Errorf("line = %d, want 1 after the marker", res.Cursor.EventLogLine)
	}
	if res.Cursor.Rotations != first.Cursor.Rotations+1 {
		t.Errorf("cursor rotations = %d, want %d", res.Cursor.Rotations, first.Cursor.Rotations+1)
	}
	if _, online := tl.Presence(f.scope); len(online) != 0 {
		t.Errorf("online after rotation = %v, want none", online)
	}
	if rec.count(domain.EventRotation) == 0 {
		t.Error("no rotation notification")
	}
	for _, ev := range rec.events {
		if ev.Type == domain.EventRotation && ev.Timestamp.IsZero() {
			t.Error("rotation notification has no timestamp")
		}
	}
}

func TestTailerSkipsLineLongerThanReadWindow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	body := lines(logHeader, strings.Repeat("x", 300), airdrop)
	f.writeEventLog(t, body)

	tl := NewEventLogTailer(f.gateway, f.store, 100, nil, zerolog.Nop())
	found := false
	var last *TailResult
	for i := 0; i < 10 && !found; i++ {
		res, err := tl.Poll(ctx, f.server(t))
		if err != nil {
			t.Fatalf("Poll() error = %v", err)
		}
		last = res
		for _, ev := range res.Events {
			if ev.Type == domain.GameEventAirdrop {
				found = true
			}
		}
	}
	if !found {
		t.Fatalf("airdrop after the oversized line never read, cursor = %+v", last.Cursor)
	}
	if last.Cursor.EventLogOffset != int64(len(body)) {
		t.Errorf("offset = %d, want %d", last.Cursor.EventLogOffset, len(body))
	}
	if last.Cursor.EventLogLine != 2 {
		t.Errorf("line = %d, want 2 with the oversized line counted once", last.Cursor.EventLogLine)
	}
}

func TestTailerDetectsTruncation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.writeEventLog(t, lines(logHeader, queueLine, joinLine, missionLog, airdrop))

	tl := newTailer(f, &recorder{})
	first, err := tl.Poll(ctx, f.server(t))
	if err != nil {
		t.Fatal(err)
	}

	header := "Log file open, 05/16/25 08:00:00"
	f.writeEventLog(t, lines(header, airdrop))
	res, err := tl.Poll(ctx, f.server(t))
	if err != nil {
		t.Fatal(err)
	}
	if res.Rotations != 1 {
		t.Errorf("rotations = %d, want 1", res.Rotations)
	}
	if res.Cursor.Rotations != first.Cursor.Rotations+1 {
		t.Errorf("cursor rotations = %d, want %d", res.Cursor.Rotations, first.Cursor.Rotations+1)
	}
	if res.Cursor.RotationMarker != header {
		t.Errorf("marker = %q, want %q", res.Cursor.RotationMarker, header)
	}
	if res.Cursor.EventLogLine != 1 || len(res.Events) != 1 {
		t.Errorf("line/events = %d/%d, want 1/1", res.Cursor.EventLogLine, len(res.Events))
	}
}

func TestTailerDetectsReplacedFile(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.writeEventLog(t, lines(logHeader, airdrop))

	tl := newTailer(f, &recorder{})
	if _, err := tl.Poll(ctx, f.server(t)); err != nil {
		t.Fatal(err)
	}

	// a new file that is already longer than the old offset
	header := "Log file open, 05/16/25 08:00:00"
	f.writeEventLog(t, lines(header, queueLine, joinLine, missionLog, airdrop))
	res, err := tl.Poll(ctx, f.server(t))
	if err != nil {
		t.Fatal(err)
	}
	if res.Rotations != 1 {
		t.Errorf("rotations = %d, want 1", res.Rotations)
	}
	if len(res.Events) != 4 {
		t.Errorf("events = %d, want 4 read from the start", len(res.Events))
	}
	if res.Cursor.RotationMarker != header {
		t.Errorf("marker = %q, want %q", res.Cursor.RotationMarker, header)
	}
}

func TestTailerResumesFromSavedCursor(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.writeEventLog(t, lines(logHeader, queueLine, joinLine))

	if _, err := newTailer(f, &recorder{}).Poll(ctx, f.server(t)); err != nil {
		t.Fatal(err)
	}
	f.appendEventLog(t, lines(missionLog))

	// a fresh tailer, as after a process restart
	res, err := newTailer(f, &recorder{}).Poll(ctx, f.server(t))
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Events) != 1 || res.Events[0].Type != domain.GameEventMission {
		t.Errorf("events = %+v, want only the appended mission", res.Events)
	}
	if res.Rotations != 0 {
		t.Errorf("rotations = %d, want 0", res.Rotations)
	}
}

func TestFeedLineResetsOnMarker(t *testing.T) {
	cur := domain.Cursor{EventLogLine: 41}
	if _, rotation := feedLine(&cur, restartLog); !rotation {
		t.Fatal("marker not recognized")
	}
	if cur.EventLogLine != 0 {
		t.Errorf("line = %d, want 0", cur.EventLogLine)
	}
	feedLine(&cur, "noise")
	if cur.EventLogLine != 1 {
		t.Errorf("line = %d, want 1", cur.EventLogLine)
	}
}

package collector

import (
	"context"
	"errors"
	"net"
	"os"
	"reflect"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ernie/deadside-tracker/internal/domain"
	"github.com/ernie/deadside-tracker/internal/remote"
)

const (
	olderLog  = "2025.05.14-00.00.00.csv"
	newerLog  = "2025.05.15-00.00.00.csv"
	newestLog = "2025.05.16-00.00.00.csv"
)

func newIngester(f *fixture, rec *recorder) *DeathLogIngester {
	return NewDeathLogIngester(f.gateway, f.store, IngestOptions{
		RecentFiles:   2,
		ProcessedCap:  100,
		ProcessedKeep: 50,
	}, rec.emit, zerolog.Nop())
}

func TestIngestIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.writeDeathLog(t, olderLog, strings.Join([]string{
		"2025.05.14-10.00.00;Alice;a1;Bob;b1;AK47;120",
		"2025.05.14-10.05.00;Bob;b1;Alice;a1;SVD;350",
		"",
	}, "\n"))
	f.writeDeathLog(t, newerLog, "2025.05.15-09.00.00;Alice;a1;Carl;c1;AK47;40\n2025.05.15-09.01")

	rec := &recorder{}
	ing := newIngester(f, rec)

	res, err := ing.Ingest(ctx, f.server(t), ModeSteady)
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if res.Applied != 3 {
		t.Errorf("first pass applied = %d, want 3", res.Applied)
	}
	if res.Cursor.DeathLogFile != newerLog || res.Cursor.DeathLogLine != 1 {
		t.Errorf("cursor = %s:%d, want %s:1", res.Cursor.DeathLogFile, res.Cursor.DeathLogLine, newerLog)
	}

	res, err = ing.Ingest(ctx, f.server(t), ModeSteady)
	if err != nil {
		t.Fatalf("second Ingest() error = %v", err)
	}
	if res.Applied != 0 {
		t.Errorf("second pass applied = %d, want 0", res.Applied)
	}
	if res.Duplicates != 1 {
		t.Errorf("duplicates = %d, want 1", res.Duplicates)
	}

	alice := f.player(t, "a1")
	if alice.Kills != 2 || alice.Deaths != 1 {
		t.Errorf("alice kills/deaths = %d/%d, want 2/1", alice.Kills, alice.Deaths)
	}
	bob := f.player(t, "b1")
	if bob.LongestKillDistance != 350 {
		t.Errorf("bob longest = %v, want 350", bob.LongestKillDistance)
	}
	if rec.count(domain.EventKill) != 3 {
		t.Errorf("kill notifications = %d, want 3", rec.count(domain.EventKill))
	}

	processed, err := f.store.ProcessedFiles(ctx, f.scope)
	if err != nil {
		t.Fatal(err)
	}
	if len(processed) != 1 || processed[0] != olderLog {
		t.Errorf("processed = %v, want [%s]", processed, olderLog)
	}
}

func TestIngestResumesLiveFile(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.writeDeathLog(t, newerLog, "2025.05.15-09.00.00;Alice;a1;Bob;b1;AK47;40\n2025.05.15-09.01")

	ing := newIngester(f, &recorder{})
	if _, err := ing.Ingest(ctx, f.server(t), ModeSteady); err != nil {
		t.Fatal(err)
	}

	// the partial row is completed and another appended
	f.writeDeathLog(t, newerLog, strings.Join([]string{
		"2025.05.15-09.00.00;Alice;a1;Bob;b1;AK47;40",
		"2025.05.15-09.01.00;Alice;a1;Bob;b1;AK47;45",
		"2025.05.15-09.02.00;Bob;b1;Bob;b1;suicide;0",
		"",
	}, "\n"))
	res, err := ing.Ingest(ctx, f.server(t), ModeSteady)
	if err != nil {
		t.Fatal(err)
	}
	if res.Applied != 2 {
		t.Errorf("applied = %d, want 2", res.Applied)
	}

	alice := f.player(t, "a1")
	if alice.Kills != 2 {
		t.Errorf("alice kills = %d, want 2", alice.Kills)
	}
	bob := f.player(t, "b1")
	if bob.Deaths != 3 || bob.Suicides != 1 {
		t.Errorf("bob deaths/suicides = %d/%d, want 3/1", bob.Deaths, bob.Suicides)
	}

	// a newer file turns the old live file into a completed one
	f.writeDeathLog(t, newestLog, "2025.05.16-00.10.00;Carl;c1;Alice;a1;M4;10\n")
	res, err = ing.Ingest(ctx, f.server(t), ModeSteady)
	if err != nil {
		t.Fatal(err)
	}
	if res.Applied != 1 {
		t.Errorf("applied after new file = %d, want 1", res.Applied)
	}
	ok, err := f.store.IsProcessed(ctx, f.scope, newerLog)
	if err != nil || !ok {
		t.Errorf("IsProcessed(%s) = %v, %v; want true", newerLog, ok, err)
	}
	ok, _ = f.store.IsProcessed(ctx, f.scope, newestLog)
	if ok {
		t.Errorf("live file %s marked processed", newestLog)
	}
}

func TestIngestSkipsOlderThanWatermark(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.writeDeathLog(t, newerLog, "2025.05.15-09.00.00;Alice;a1;Bob;b1;AK47;40\n")
	ing := newIngester(f, &recorder{})
	if _, err := ing.Ingest(ctx, f.server(t), ModeSteady); err != nil {
		t.Fatal(err)
	}

	// a late file full of rows older than what was already applied
	f.writeDeathLog(t, newestLog, "2025.05.14-23.00.00;Alice;a1;Bob;b1;AK47;40\n2025.05.15-09.00.00;Alice;a1;Carl;c1;AK47;40\n")
	res, err := ing.Ingest(ctx, f.server(t), ModeSteady)
	if err != nil {
		t.Fatal(err)
	}
	if res.Skipped != 1 || res.Applied != 1 {
		t.Errorf("skipped/applied = %d/%d, want 1/1", res.Skipped, res.Applied)
	}
}

func writeThreeDays(t *testing.T, f *fixture) {
	t.Helper()
	f.writeDeathLog(t, olderLog, strings.Join([]string{
		"2025.05.14-10.00.00;Alice;a1;Bob;b1;AK47;120",
		"2025.05.14-10.05.00;Bob;b1;Alice;a1;SVD;410",
		"",
	}, "\n"))
	f.writeDeathLog(t, newerLog, strings.Join([]string{
		"2025.05.15-10.00.00;Alice;a1;Bob;b1;M4;220",
		"2025.05.15-10.01.00;Carl;c1;Carl;c1;suicide;0",
		"",
	}, "\n"))
	f.writeDeathLog(t, newestLog, "2025.05.16-10.00.00;Alice;a1;Carl;c1;AK47;60\nnot;a;row\n")
}

func TestBackfillReplaysEverythingQuietly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	writeThreeDays(t, f)

	rec := &recorder{}
	ing := NewDeathLogIngester(f.gateway, f.store, IngestOptions{RecentFiles: 1}, rec.emit, zerolog.Nop())

	steady, err := ing.Ingest(ctx, f.server(t), ModeSteady)
	if err != nil {
		t.Fatal(err)
	}
	if steady.Files != 1 {
		t.Errorf("steady files = %d, want 1", steady.Files)
	}
	if len(rec.events) != 1 {
		t.Errorf("steady notifications = %d, want 1", len(rec.events))
	}

	if _, err := f.store.ResetScope(ctx, f.scope); err != nil {
		t.Fatal(err)
	}
	rec.events = nil

	res, err := ing.Ingest(ctx, f.server(t), ModeBackfill)
	if err != nil {
		t.Fatalf("backfill error = %v", err)
	}
	if res.Files != 3 || res.Applied != 5 || res.Malformed != 1 {
		t.Errorf("backfill files/applied/malformed = %d/%d/%d, want 3/5/1", res.Files, res.Applied, res.Malformed)
	}
	if len(rec.events) != 0 {
		t.Errorf("backfill published %d notifications", len(rec.events))
	}

	// a steady pass that sees every file from the start builds the same records
	g := newFixture(t)
	writeThreeDays(t, g)
	if _, err := newFullWindowIngester(g).Ingest(ctx, g.server(t), ModeSteady); err != nil {
		t.Fatal(err)
	}
	if got, want := f.players(t), g.players(t); !reflect.DeepEqual(got, want) {
		t.Errorf("backfill players differ from steady state\n got: %+v\nwant: %+v", got, want)
	}
	if got, want := f.server(t).Cursor, g.server(t).Cursor; !sameDeathLogPosition(got, want) {
		t.Errorf("backfill cursor = %+v, want %+v", got, want)
	}
}

func sameDeathLogPosition(a, b domain.Cursor) bool {
	return a.DeathLogFile == b.DeathLogFile && a.DeathLogLine == b.DeathLogLine &&
		a.DeathLogTimestamp.Equal(b.DeathLogTimestamp)
}

func newFullWindowIngester(f *fixture) *DeathLogIngester {
	return NewDeathLogIngester(f.gateway, f.store, IngestOptions{
		RecentFiles:   3,
		ProcessedCap:  100,
		ProcessedKeep: 50,
	}, nil, zerolog.Nop())
}

func TestIngestRetriesUnreadableFile(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	corrupt := olderLog + ".gz"
	f.writeDeathLog(t, corrupt, "not gzip at all")
	f.writeDeathLog(t, newerLog, "2025.05.15-10.00.00;Alice;a1;Bob;b1;AK47;120\n")
	f.writeDeathLog(t, newestLog, "2025.05.16-10.00.00;Carl;c1;Bob;b1;M4;80\n")
	ing := newFullWindowIngester(f)

	for pass := 1; pass <= 2; pass++ {
		res, err := ing.Ingest(ctx, f.server(t), ModeSteady)
		if err != nil {
			t.Fatalf("pass %d: Ingest() error = %v", pass, err)
		}
		if len(res.Failed) != 1 || res.Failed[0] != corrupt {
			t.Errorf("pass %d: failed = %v, want [%s]", pass, res.Failed, corrupt)
		}
		if ok, _ := f.store.IsProcessed(ctx, f.scope, corrupt); ok {
			t.Errorf("pass %d: unreadable file marked processed", pass)
		}
	}
	if alice := f.player(t, "a1"); alice.Kills != 1 {
		t.Errorf("alice kills = %d, want 1 from the file after the unreadable one", alice.Kills)
	}
	if got := f.server(t).Cursor.DeathLogFile; got != newestLog {
		t.Errorf("cursor file = %s, want %s", got, newestLog)
	}

	// once readable its rows count, though they are older than the watermark
	f.writeGzDeathLog(t, corrupt, "2025.05.14-10.00.00;Alice;a1;Bob;b1;SVD;300\n")
	res, err := ing.Ingest(ctx, f.server(t), ModeSteady)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Failed) != 0 || res.Applied != 1 || res.Skipped != 0 {
		t.Errorf("failed/applied/skipped = %v/%d/%d, want []/1/0", res.Failed, res.Applied, res.Skipped)
	}
	alice := f.player(t, "a1")
	if alice.Kills != 2 || alice.LongestKillDistance != 300 {
		t.Errorf("alice kills/longest = %d/%v, want 2/300", alice.Kills, alice.LongestKillDistance)
	}
	if ok, _ := f.store.IsProcessed(ctx, f.scope, corrupt); !ok {
		t.Errorf("%s not marked processed after it was read", corrupt)
	}
	if got := f.server(t).Cursor.DeathLogFile; got != newestLog {
		t.Errorf("cursor moved back to %s", got)
	}
}

func TestIngestFetchFailureLeavesFileUnprocessed(t *testing.T) {
	connReset := &net.OpError{Op: "read", Net: "tcp", Err: errors.New("connection reset by peer")}
	tests := []struct {
		name      string
		err       error
		wantConn  bool
		wantFiles int
	}{
		{name: "connection lost", err: connReset, wantConn: true, wantFiles: 0},
		{name: "permission denied", err: os.ErrPermission, wantConn: false, wantFiles: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t)
			writeThreeDays(t, f)
			ing := newFullWindowIngester(f)

			restore := f.failOpen(tt.err, olderLog)
			res, err := ing.Ingest(ctx, f.server(t), ModeSteady)
			if got := remote.IsConnectionError(err); got != tt.wantConn {
				t.Fatalf("IsConnectionError(%v) = %v, want %v", err, got, tt.wantConn)
			}
			if res.Files != tt.wantFiles {
				t.Errorf("files = %d, want %d", res.Files, tt.wantFiles)
			}
			if ok, _ := f.store.IsProcessed(ctx, f.scope, olderLog); ok {
				t.Errorf("%s marked processed after a failed fetch", olderLog)
			}
			if tt.wantConn {
				if cur := f.server(t).Cursor; !sameDeathLogPosition(cur, domain.Cursor{}) {
					t.Errorf("cursor = %+v after aborted pass, want zero", cur)
				}
				if players := f.players(t); len(players) != 0 {
					t.Errorf("players = %d after aborted pass, want 0", len(players))
				}
			}

			restore()
			res, err = ing.Ingest(ctx, f.server(t), ModeSteady)
			if err != nil {
				t.Fatal(err)
			}
			if ok, _ := f.store.IsProcessed(ctx, f.scope, olderLog); !ok {
				t.Errorf("%s not processed once readable", olderLog)
			}
			if alice := f.player(t, "a1"); alice.Kills != 3 || alice.Deaths != 1 {
				t.Errorf("alice kills/deaths = %d/%d, want 3/1", alice.Kills, alice.Deaths)
			}
		})
	}
}

func TestIngestResumeMatchesUninterrupted(t *testing.T) {
	ctx := context.Background()

	whole := newFixture(t)
	writeThreeDays(t, whole)
	if _, err := newFullWindowIngester(whole).Ingest(ctx, whole.server(t), ModeSteady); err != nil {
		t.Fatal(err)
	}

	split := newFixture(t)
	writeThreeDays(t, split)
	ing := newFullWindowIngester(split)
	restore := split.failOpen(&net.OpError{Op: "read", Net: "tcp", Err: errors.New("broken pipe")}, newerLog)
	res, err := ing.Ingest(ctx, split.server(t), ModeSteady)
	if !remote.IsConnectionError(err) {
		t.Fatalf("interrupted Ingest() error = %v, want connection error", err)
	}
	if res.Files != 1 || res.Cursor.DeathLogFile != olderLog {
		t.Fatalf("interrupted pass files/cursor = %d/%s, want 1/%s", res.Files, res.Cursor.DeathLogFile, olderLog)
	}
	restore()
	if _, err := ing.Ingest(ctx, split.server(t), ModeSteady); err != nil {
		t.Fatal(err)
	}

	if got, want := split.players(t), whole.players(t); !reflect.DeepEqual(got, want) {
		t.Errorf("resumed players differ\n got: %+v\nwant: %+v", got, want)
	}
	if got, want := split.server(t).Cursor, whole.server(t).Cursor; !sameDeathLogPosition(got, want) {
		t.Errorf("resumed cursor = %+v, want %+v", got, want)
	}
}

func TestIngestStopsBetweenFilesOnCancel(t *testing.T) {
	f := newFixture(t)
	f.writeDeathLog(t, olderLog, "2025.05.14-10.00.00;Alice;a1;Bob;b1;AK47;120\n")
	f.writeDeathLog(t, newerLog, "2025.05.15-10.00.00;Alice;a1;Bob;b1;AK47;120\n")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ing := newIngester(f, &recorder{})
	res, err := ing.Ingest(ctx, f.server(t), ModeBackfill)
	if err == nil && res.Files != 0 {
		t.Errorf("cancelled pass committed %d files", res.Files)
	}
}

func TestIngestRejectsMissingScope(t *testing.T) {
	f := newFixture(t)
	ing := newIngester(f, &recorder{})
	srv := f.server(t)
	srv.Scope.TenantID = ""
	if _, err := ing.Ingest(context.Background(), srv, ModeSteady); !errors.Is(err, domain.ErrMissingScope) {
		t.Errorf("Ingest() error = %v, want ErrMissingScope", err)
	}
}

package collector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ernie/deadside-tracker/internal/domain"
	"github.com/ernie/deadside-tracker/internal/logger"
	"github.com/ernie/deadside-tracker/internal/metrics"
	"github.com/ernie/deadside-tracker/internal/remote"
	"github.com/ernie/deadside-tracker/internal/storage"
)

// Mode selects how the death-log ingester treats history
type Mode int

const (
	// ModeSteady follows the newest files, honours the processed set and
	// the timestamp watermark, and publishes notifications.
	ModeSteady Mode = iota
	// ModeBackfill replays every file from the start with no watermark and
	// no notifications.
	ModeBackfill
)

func (m Mode) String() string {
	if m == ModeBackfill {
		return "backfill"
	}
	return "steady"
}

// DeathLogSource lists and fetches death-log files
type DeathLogSource interface {
	FindDeathLogFiles(ctx context.Context, srv domain.GameServer) ([]remote.FileInfo, error)
	ReadFile(ctx context.Context, srv domain.GameServer, path string) ([]byte, error)
}

// DeathLogStore persists the effects of a processed file
type DeathLogStore interface {
	ApplyDeathLog(ctx context.Context, scope domain.Scope, commit storage.DeathLogCommit) error
	ProcessedFiles(ctx context.Context, scope domain.Scope) ([]string, error)
}

// IngestOptions tunes the ingester
type IngestOptions struct {
	RecentFiles      int
	ProcessedCap     int
	ProcessedKeep    int
	LongshotDistance float64
}

// IngestResult summarizes one ingestion pass for one server
type IngestResult struct {
	Mode       string        `json:"mode"`
	Files      int           `json:"files"`
	Duplicates int           `json:"duplicates"`
	Lines      int           `json:"lines"`
	Applied    int           `json:"applied"`
	Skipped    int           `json:"skipped"`
	Malformed  int           `json:"malformed"`
	Failed     []string      `json:"failed,omitempty"`
	Cursor     domain.Cursor `json:"cursor"`
}

// DeathLogIngester turns death-log files into player stats
type DeathLogIngester struct {
	src   DeathLogSource
	store DeathLogStore
	opts  IngestOptions
	emit  func(domain.Event)
	log   zerolog.Logger
}

// NewDeathLogIngester creates an ingester. emit receives kill and suicide
// notifications in steady mode; it may be nil.
func NewDeathLogIngester(src DeathLogSource, store DeathLogStore, opts IngestOptions, emit func(domain.Event), log zerolog.Logger) *DeathLogIngester {
	if opts.RecentFiles <= 0 {
		opts.RecentFiles = 2
	}
	// An evicted name inside the steady window would be read again.
	if opts.ProcessedKeep > 0 && opts.ProcessedKeep < opts.RecentFiles {
		opts.ProcessedKeep = opts.RecentFiles
	}
	if opts.LongshotDistance <= 0 {
		opts.LongshotDistance = DefaultLongshotDistance
	}
	if emit == nil {
		emit = func(domain.Event) {}
	}
	return &DeathLogIngester{
		src:   src,
		store: store,
		opts:  opts,
		emit:  emit,
		log:   log.With().Str("component", "deathlog").Logger(),
	}
}

// Ingest processes the server's death-log files in ascending name order. The
// cursor and processed set are committed with each file's stats, so an
// aborted pass resumes after the last committed file. Cancelling ctx stops
// the pass between files; a file whose contents were already read is still
// committed.
func (d *DeathLogIngester) Ingest(ctx context.Context, srv domain.GameServer, mode Mode) (*IngestResult, error) {
	if err := srv.Scope.Validate(); err != nil {
		return nil, err
	}
	log := logger.ForScope(d.log, srv.Scope.TenantID, srv.Scope.ServerID).With().Str("mode", mode.String()).Logger()
	res := &IngestResult{Mode: mode.String(), Cursor: srv.Cursor}

	files, err := d.src.FindDeathLogFiles(ctx, srv)
	if err != nil {
		return res, fmt.Errorf("listing death logs: %w", err)
	}
	if len(files) == 0 {
		return res, nil
	}
	newest := files[len(files)-1].Name

	candidates := files
	if mode == ModeSteady {
		candidates, err = d.steadyCandidates(ctx, srv, files, res, log)
		if err != nil {
			return res, err
		}
	}

	cursor := srv.Cursor
	for _, f := range candidates {
		if ctx.Err() != nil {
			log.Debug().Msg("stopping between files")
			break
		}

		data, err := d.src.ReadFile(ctx, srv, f.Path)
		if err != nil {
			if remote.IsConnectionError(err) || ctx.Err() != nil {
				return res, fmt.Errorf("reading %s: %w", f.Name, err)
			}
			metrics.FilesProcessed.WithLabelValues(mode.String(), "failed").Inc()
			res.Failed = append(res.Failed, f.Name)
			// Left out of the processed set, so the next steady tick retries it.
			log.Warn().Err(err).Str("file", f.Name).Msg("death log unreadable")
			continue
		}

		live := f.Name == newest
		start := int64(0)
		var watermark time.Time
		if mode == ModeSteady {
			if f.Name == cursor.DeathLogFile {
				start = cursor.DeathLogLine
			}
			// Rows of a retried file behind the cursor were never applied.
			if f.Name >= cursor.DeathLogFile {
				watermark = cursor.DeathLogTimestamp
			}
		}

		commit, stats := d.buildCommit(f.Name, data, live, start, watermark, cursor, log)
		// Finish the file even if shutdown started while it was being read.
		if err := d.store.ApplyDeathLog(context.WithoutCancel(ctx), srv.Scope, commit); err != nil {
			return res, fmt.Errorf("committing %s: %w", f.Name, err)
		}
		cursor = *commit.Cursor
		res.Cursor = cursor
		res.Files++
		res.Lines += stats.lines
		res.Applied += len(commit.Events)
		res.Skipped += stats.skipped
		res.Malformed += stats.malformed

		result := "completed"
		if live {
			result = "live"
		}
		metrics.FilesProcessed.WithLabelValues(mode.String(), result).Inc()
		metrics.LinesProcessed.WithLabelValues("deathlog", "applied").Add(float64(len(commit.Events)))
		metrics.LinesProcessed.WithLabelValues("deathlog", "skipped").Add(float64(stats.skipped))
		metrics.LinesProcessed.WithLabelValues("deathlog", "malformed").Add(float64(stats.malformed))

		if mode == ModeSteady {
			d.notify(srv.Scope, commit.Events)
		}
		log.Debug().Str("file", f.Name).Int("applied", len(commit.Events)).Int64("line", cursor.DeathLogLine).
			Bool("live", live).Msg("death log committed")
	}

	if res.Applied > 0 || res.Malformed > 0 {
		log.Info().Int("files", res.Files).Int("applied", res.Applied).Int("skipped", res.Skipped).
			Int("malformed", res.Malformed).Msg("death logs ingested")
	}
	return res, nil
}

// steadyCandidates looks at the newest RecentFiles of the listing. Files in
// that window that are already processed count as duplicates; the rest are
// candidates, including older files whose earlier read failed. Unprocessed
// files newer than the cursor that fall outside the window are left for a
// backfill.
func (d *DeathLogIngester) steadyCandidates(ctx context.Context, srv domain.GameServer, files []remote.FileInfo, res *IngestResult, log zerolog.Logger) ([]remote.FileInfo, error) {
	processed, err := d.store.ProcessedFiles(ctx, srv.Scope)
	if err != nil {
		return nil, fmt.Errorf("loading processed files: %w", err)
	}
	done := make(map[string]bool, len(processed))
	for _, name := range processed {
		done[name] = true
	}

	window := files
	behind := 0
	if len(files) > d.opts.RecentFiles {
		window = files[len(files)-d.opts.RecentFiles:]
		for _, f := range files[:len(files)-d.opts.RecentFiles] {
			if !done[f.Name] && f.Name >= srv.Cursor.DeathLogFile {
				behind++
			}
		}
	}
	if behind > 0 {
		log.Warn().Int("behind", behind).Msg("older death logs skipped, run a backfill to include them")
	}

	var out []remote.FileInfo
	for _, f := range window {
		if done[f.Name] {
			res.Duplicates++
			continue
		}
		out = append(out, f)
	}
	metrics.FilesProcessed.WithLabelValues(ModeSteady.String(), "duplicate").Add(float64(res.Duplicates))
	return out, nil
}

type fileStats struct {
	lines     int
	skipped   int
	malformed int
}

// buildCommit parses the lines of one file from start. Rows strictly older
// than a non-zero watermark are skipped.
func (d *DeathLogIngester) buildCommit(name string, data []byte, live bool, start int64, watermark time.Time, cursor domain.Cursor, log zerolog.Logger) (storage.DeathLogCommit, fileStats) {
	var stats fileStats
	lines := splitLines(data, !live)

	var events []domain.DeathEvent
	newest := time.Time{}
	for i := start; i < int64(len(lines)); i++ {
		stats.lines++
		if lines[i] == "" {
			continue
		}
		ev, err := parseDeathLine(lines[i], d.opts.LongshotDistance)
		if err != nil {
			var me *MalformedLineError
			if errors.As(err, &me) {
				me.Line = i + 1
			}
			stats.malformed++
			log.Debug().Err(err).Str("file", name).Msg("skipping death log line")
			continue
		}
		if !watermark.IsZero() && ev.Timestamp.Before(watermark) {
			stats.skipped++
			continue
		}
		ev.Line = i + 1
		events = append(events, ev)
		if ev.Timestamp.After(newest) {
			newest = ev.Timestamp
		}
	}

	next := cursor
	next.AdvanceDeathLog(name, int64(len(lines)), newest)
	commit := storage.DeathLogCommit{
		Events:        events,
		Cursor:        &next,
		ProcessedCap:  d.opts.ProcessedCap,
		ProcessedKeep: d.opts.ProcessedKeep,
	}
	if !live {
		commit.MarkProcessed = name
	}
	return commit, stats
}

func (d *DeathLogIngester) notify(scope domain.Scope, events []domain.DeathEvent) {
	for _, ev := range events {
		var typ string
		switch ev.Classification {
		case domain.DeathKill:
			typ = domain.EventKill
		case domain.DeathSuicide:
			typ = domain.EventSuicide
		default:
			continue
		}
		d.emit(domain.Event{Type: typ, Scope: scope, Timestamp: ev.Timestamp, Data: ev})
	}
}

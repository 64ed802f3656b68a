// Package remote fetches log files from game server hosts. Each call opens
// its own session and closes it before returning.
package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
	"golang.org/x/time/rate"

	"github.com/ernie/deadside-tracker/internal/domain"
	"github.com/ernie/deadside-tracker/internal/metrics"
)

// deathLogName matches rotated death-log files, e.g. 2025.05.15-00.00.00.csv
var deathLogName = regexp.MustCompile(`^\d{4}\.\d{2}\.\d{2}-\d{2}\.\d{2}\.\d{2}\.csv(\.gz)?$`)

// maxWalkDepth bounds the death-log directory walk.
const maxWalkDepth = 6

// FileInfo describes a remote file
type FileInfo struct {
	Path    string    `json:"path"`
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// File is an open remote file
type File interface {
	io.ReadSeeker
	io.Closer
}

// Session is one connection to a host
type Session interface {
	ReadDir(dir string) ([]os.FileInfo, error)
	Stat(path string) (os.FileInfo, error)
	Open(path string) (File, error)
	Join(elem ...string) string
	Close() error
}

// Dialer opens sessions for one transport
type Dialer interface {
	Dial(ctx context.Context, srv domain.GameServer) (Session, error)
}

// Options controls timeouts, retries and per-host rate limits
type Options struct {
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	MaxRetries     uint64
	RetryBaseDelay time.Duration
	HostRate       float64
	HostBurst      int
	KnownHosts     string
}

// Gateway routes file operations to the transport configured per server
type Gateway struct {
	opts    Options
	log     zerolog.Logger
	dialers map[string]Dialer

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New creates a gateway with the sftp and local transports registered
func New(opts Options, log zerolog.Logger) *Gateway {
	log = log.With().Str("component", "remote").Logger()
	g := &Gateway{
		opts:     opts,
		log:      log,
		limiters: make(map[string]*rate.Limiter),
	}
	g.dialers = map[string]Dialer{
		domain.TransportSFTP:  newSFTPDialer(opts, log),
		domain.TransportLocal: LocalDialer{},
	}
	return g
}

// SetDialer replaces the dialer for a transport
func (g *Gateway) SetDialer(transport string, d Dialer) {
	g.dialers[transport] = d
}

func (g *Gateway) limiter(host string) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.limiters[host]
	if !ok {
		limit := rate.Inf
		if g.opts.HostRate > 0 {
			limit = rate.Limit(g.opts.HostRate)
		}
		burst := g.opts.HostBurst
		if burst < 1 {
			burst = 1
		}
		l = rate.NewLimiter(limit, burst)
		g.limiters[host] = l
	}
	return l
}

// withSession opens a session, runs fn, and closes it. Dial failures and
// transient I/O failures are retried with backoff; when retries run out the
// error is returned as a *ConnectionError.
func (g *Gateway) withSession(ctx context.Context, srv domain.GameServer, op string, fn func(Session) error) error {
	dialer, ok := g.dialers[srv.Transport]
	if !ok {
		return fmt.Errorf("unknown transport %q for %s", srv.Transport, srv.Scope)
	}
	host := srv.HostKey()

	base := g.opts.RetryBaseDelay
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	backoff := retry.WithMaxRetries(g.opts.MaxRetries, retry.WithJitterPercent(20, retry.NewExponential(base)))

	attempt := 0
	var lastTransient error
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		if err := g.limiter(host).Wait(ctx); err != nil {
			return err
		}
		sess, err := dialer.Dial(ctx, srv)
		if err != nil {
			lastTransient = err
			g.log.Debug().Err(err).Str("host", host).Int("attempt", attempt).Msg("dial failed")
			return retry.RetryableError(err)
		}
		defer sess.Close()

		if err := fn(sess); err != nil {
			if transient(err) {
				lastTransient = err
				g.log.Debug().Err(err).Str("host", host).Int("attempt", attempt).Msg("session failed")
				return retry.RetryableError(err)
			}
			lastTransient = nil
			return err
		}
		return nil
	})
	if err != nil && lastTransient != nil && err == lastTransient {
		metrics.ConnectionErrors.WithLabelValues(host).Inc()
		return &ConnectionError{Host: host, Op: op, Err: err}
	}
	return err
}

// ListFiles lists the regular files in dir
func (g *Gateway) ListFiles(ctx context.Context, srv domain.GameServer, dir string) ([]FileInfo, error) {
	var files []FileInfo
	err := g.withSession(ctx, srv, "list", func(s Session) error {
		entries, err := s.ReadDir(dir)
		if err != nil {
			return err
		}
		files = files[:0]
		for _, e := range entries {
			if e.Mode().IsRegular() {
				files = append(files, toFileInfo(s.Join(dir, e.Name()), e))
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

// StatFile returns size and modification time for path
func (g *Gateway) StatFile(ctx context.Context, srv domain.GameServer, path string) (FileInfo, error) {
	var fi FileInfo
	err := g.withSession(ctx, srv, "stat", func(s Session) error {
		info, err := s.Stat(path)
		if err != nil {
			return err
		}
		fi = toFileInfo(path, info)
		return nil
	})
	return fi, err
}

// ReadFile returns the whole file, decompressing .gz files
func (g *Gateway) ReadFile(ctx context.Context, srv domain.GameServer, path string) ([]byte, error) {
	var data []byte
	err := g.withSession(ctx, srv, "read", func(s Session) error {
		f, err := s.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()

		var r io.Reader = f
		if strings.HasSuffix(path, ".gz") {
			zr, err := gzip.NewReader(f)
			if err != nil {
				return fmt.Errorf("opening gzip %s: %w", path, err)
			}
			defer zr.Close()
			r = zr
		}
		var buf bytes.Buffer
		if _, err := io.Copy(&buf, r); err != nil {
			return err
		}
		data = buf.Bytes()
		return nil
	})
	return data, err
}

// ReadRange returns up to limit bytes starting at offset. A non-positive
// limit reads to the end of the file.
func (g *Gateway) ReadRange(ctx context.Context, srv domain.GameServer, path string, offset, limit int64) ([]byte, error) {
	var data []byte
	err := g.withSession(ctx, srv, "read", func(s Session) error {
		f, err := s.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()

		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return fmt.Errorf("seeking %s: %w", path, err)
		}
		var r io.Reader = f
		if limit > 0 {
			r = io.LimitReader(f, limit)
		}
		var buf bytes.Buffer
		if _, err := io.Copy(&buf, r); err != nil {
			return err
		}
		data = buf.Bytes()
		return nil
	})
	return data, err
}

// FindDeathLogFiles walks the server's death-log directory and returns every
// death-log file sorted ascending by name, which is chronological.
func (g *Gateway) FindDeathLogFiles(ctx context.Context, srv domain.GameServer) ([]FileInfo, error) {
	var files []FileInfo
	err := g.withSession(ctx, srv, "walk", func(s Session) error {
		files = files[:0]
		return walk(s, srv.DeathLogDir, 0, func(fi FileInfo) {
			if deathLogName.MatchString(fi.Name) {
				files = append(files, fi)
			}
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool {
		if files[i].Name == files[j].Name {
			return files[i].Path < files[j].Path
		}
		return files[i].Name < files[j].Name
	})
	return files, nil
}

// FindRecentDeathLogFiles returns the n newest death-log files, oldest first
func (g *Gateway) FindRecentDeathLogFiles(ctx context.Context, srv domain.GameServer, n int) ([]FileInfo, error) {
	files, err := g.FindDeathLogFiles(ctx, srv)
	if err != nil {
		return nil, err
	}
	if n > 0 && len(files) > n {
		files = files[len(files)-n:]
	}
	return files, nil
}

func walk(s Session, dir string, depth int, visit func(FileInfo)) error {
	entries, err := s.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		p := s.Join(dir, e.Name())
		switch {
		case e.IsDir():
			if depth < maxWalkDepth {
				if err := walk(s, p, depth+1, visit); err != nil {
					return err
				}
			}
		case e.Mode().IsRegular():
			visit(toFileInfo(p, e))
		}
	}
	return nil
}

func toFileInfo(path string, info os.FileInfo) FileInfo {
	return FileInfo{Path: path, Name: info.Name(), Size: info.Size(), ModTime: info.ModTime()}
}

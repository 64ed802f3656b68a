package remote

import (
	"context"
	"os"
	"path/filepath"

	"github.com/ernie/deadside-tracker/internal/domain"
)

// LocalDialer serves files from the local filesystem, for game servers
// running on the same host.
type LocalDialer struct{}

// Dial implements Dialer
func (LocalDialer) Dial(ctx context.Context, _ domain.GameServer) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return localSession{}, nil
}

type localSession struct{}

func (localSession) ReadDir(dir string) ([]os.FileInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	infos := make([]os.FileInfo, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			// removed between listing and stat
			continue
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func (localSession) Stat(path string) (os.FileInfo, error) { return os.Stat(path) }

func (localSession) Open(path string) (File, error) { return os.Open(path) }

func (localSession) Join(elem ...string) string { return filepath.Join(elem...) }

func (localSession) Close() error { return nil }

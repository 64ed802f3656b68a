package remote

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/pkg/sftp"
)

// ErrConnection is matched by every ConnectionError.
var ErrConnection = errors.New("remote connection failed")

// ConnectionError is returned when a host stays unreachable after retries.
// A tick that sees one aborts without touching the server's cursor.
type ConnectionError struct {
	Host string
	Op   string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Host, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

func (e *ConnectionError) Is(target error) bool { return target == ErrConnection }

// IsConnectionError reports whether err came from an unreachable host.
func IsConnectionError(err error) bool {
	return errors.Is(err, ErrConnection)
}

// transient reports whether an error from inside an open session is worth
// retrying on a fresh session.
func transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission) {
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, os.ErrDeadlineExceeded) ||
		errors.Is(err, sftp.ErrSSHFxConnectionLost)
}

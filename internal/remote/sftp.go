package remote

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/ernie/deadside-tracker/internal/domain"
)

type sftpDialer struct {
	opts Options
	log  zerolog.Logger

	once        sync.Once
	hostKeys    ssh.HostKeyCallback
	hostKeysErr error
}

func newSFTPDialer(opts Options, log zerolog.Logger) *sftpDialer {
	return &sftpDialer{opts: opts, log: log}
}

func (d *sftpDialer) hostKeyCallback() (ssh.HostKeyCallback, error) {
	d.once.Do(func() {
		if d.opts.KnownHosts == "" {
			d.log.Warn().Msg("remote.known_hosts not set, host keys are not verified")
			d.hostKeys = ssh.InsecureIgnoreHostKey()
			return
		}
		d.hostKeys, d.hostKeysErr = knownhosts.New(d.opts.KnownHosts)
	})
	return d.hostKeys, d.hostKeysErr
}

func authMethods(srv domain.GameServer) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if srv.KeyFile != "" {
		key, err := os.ReadFile(srv.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("reading key file: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parsing key file: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if srv.Password != "" {
		methods = append(methods, ssh.Password(srv.Password))
	}
	if len(methods) == 0 {
		return nil, fmt.Errorf("no credentials configured for %s", srv.Scope)
	}
	return methods, nil
}

// Dial connects over SSH and starts an SFTP subsystem. The connect timeout
// covers TCP and the SSH handshake; the read timeout is a deadline for the
// rest of the session.
func (d *sftpDialer) Dial(ctx context.Context, srv domain.GameServer) (Session, error) {
	hostKeys, err := d.hostKeyCallback()
	if err != nil {
		return nil, fmt.Errorf("loading known hosts: %w", err)
	}
	auth, err := authMethods(srv)
	if err != nil {
		return nil, err
	}

	port := srv.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(srv.Host, strconv.Itoa(port))

	dialer := net.Dialer{Timeout: d.opts.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if d.opts.ConnectTimeout > 0 {
		conn.SetDeadline(time.Now().Add(d.opts.ConnectTimeout))
	}

	cfg := &ssh.ClientConfig{
		User:            srv.Username,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		Timeout:         d.opts.ConnectTimeout,
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	client := ssh.NewClient(c, chans, reqs)

	if d.opts.ReadTimeout > 0 {
		conn.SetDeadline(time.Now().Add(d.opts.ReadTimeout))
	} else {
		conn.SetDeadline(time.Time{})
	}

	sc, err := sftp.NewClient(client)
	if err != nil {
		client.Close()
		return nil, err
	}
	return &sftpSession{client: sc, ssh: client}, nil
}

type sftpSession struct {
	client *sftp.Client
	ssh    *ssh.Client
}

func (s *sftpSession) ReadDir(dir string) ([]os.FileInfo, error) { return s.client.ReadDir(dir) }

func (s *sftpSession) Stat(path string) (os.FileInfo, error) { return s.client.Stat(path) }

func (s *sftpSession) Open(path string) (File, error) { return s.client.Open(path) }

func (s *sftpSession) Join(elem ...string) string { return s.client.Join(elem...) }

func (s *sftpSession) Close() error {
	s.client.Close()
	return s.ssh.Close()
}

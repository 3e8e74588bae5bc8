package remote

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/warfeedhq/ingest/internal/logging"
	"github.com/warfeedhq/ingest/pkg/types"
)

// SFTPDialer opens SFTP sessions over SSH. One SSH transport is cached per
// endpoint (user@host:port) and shared by all sources on that host; each
// Dial opens a fresh SFTP subsystem channel on it.
type SFTPDialer struct {
	dialTimeout time.Duration
	logger      *logging.Logger

	mu      sync.Mutex
	clients map[string]*ssh.Client
}

// NewSFTPDialer creates a dialer with the given TCP/handshake timeout.
func NewSFTPDialer(dialTimeout time.Duration, logger *logging.Logger) *SFTPDialer {
	if dialTimeout <= 0 {
		dialTimeout = 15 * time.Second
	}
	return &SFTPDialer{
		dialTimeout: dialTimeout,
		logger:      logger.WithComponent("sftp-dialer"),
		clients:     make(map[string]*ssh.Client),
	}
}

// Dial returns a session for the source's endpoint, establishing the SSH
// transport first if no healthy one is cached.
func (d *SFTPDialer) Dial(ctx context.Context, src types.Source) (Session, error) {
	client, err := d.client(ctx, src)
	if err != nil {
		return nil, err
	}

	sc, err := sftp.NewClient(client)
	if err != nil {
		// The transport is likely dead; drop it so the next dial
		// reconnects instead of reusing a broken client.
		d.Invalidate(src)
		return nil, fmt.Errorf("opening sftp channel to %s: %w", src.HostKey(), err)
	}

	return &sftpSession{client: sc}, nil
}

// Invalidate closes and forgets the cached transport for the source's
// endpoint.
func (d *SFTPDialer) Invalidate(src types.Source) {
	key := src.HostKey()
	d.mu.Lock()
	client, ok := d.clients[key]
	delete(d.clients, key)
	d.mu.Unlock()
	if ok {
		client.Close()
		d.logger.Debug().Str("endpoint", key).Msg("cached transport invalidated")
	}
}

// Close tears down every cached transport.
func (d *SFTPDialer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, client := range d.clients {
		client.Close()
		delete(d.clients, key)
	}
	return nil
}

func (d *SFTPDialer) client(ctx context.Context, src types.Source) (*ssh.Client, error) {
	key := src.HostKey()

	d.mu.Lock()
	if client, ok := d.clients[key]; ok {
		d.mu.Unlock()
		return client, nil
	}
	d.mu.Unlock()

	cfg, err := d.clientConfig(src)
	if err != nil {
		return nil, err
	}

	address := net.JoinHostPort(src.Host, fmt.Sprintf("%d", src.Port))
	dialer := net.Dialer{Timeout: d.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", address, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, address, cfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", address, err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)

	d.mu.Lock()
	// Another goroutine may have connected while we handshook. Keep the
	// first one and discard ours.
	if existing, ok := d.clients[key]; ok {
		d.mu.Unlock()
		client.Close()
		return existing, nil
	}
	d.clients[key] = client
	d.mu.Unlock()

	d.logger.Info().Str("endpoint", key).Msg("ssh transport established")
	return client, nil
}

func (d *SFTPDialer) clientConfig(src types.Source) (*ssh.ClientConfig, error) {
	cfg := &ssh.ClientConfig{
		User:            src.Username,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         d.dialTimeout,
	}

	if src.KeyFile != "" {
		key, err := os.ReadFile(src.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("reading key file for %s: %w", src.ID, err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parsing key file for %s: %w", src.ID, err)
		}
		cfg.Auth = append(cfg.Auth, ssh.PublicKeys(signer))
	}
	if src.Password != "" {
		cfg.Auth = append(cfg.Auth, ssh.Password(src.Password))
	}
	if len(cfg.Auth) == 0 {
		return nil, fmt.Errorf("source %s has no authentication method", src.ID)
	}
	return cfg, nil
}

type sftpSession struct {
	client *sftp.Client
}

func (s *sftpSession) Stat(ctx context.Context, path string) (FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return FileInfo{}, err
	}
	info, err := s.client.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return FileInfo{}, fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		return FileInfo{}, fmt.Errorf("stat %s: %w", path, err)
	}
	return FileInfo{Size: info.Size()}, nil
}

func (s *sftpSession) ReadRange(ctx context.Context, path string, offset int64, maxBytes int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := s.client.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return nil, fmt.Errorf("seek %s to %d: %w", path, offset, err)
		}
	}

	buf := make([]byte, maxBytes)
	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, fmt.Errorf("read %s at %d: %w", path, offset, err)
	}
	return buf[:n], nil
}

func (s *sftpSession) Close() error {
	return s.client.Close()
}

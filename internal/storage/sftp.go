package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const defaultSFTPTimeout = 30 * time.Second

// SFTPDestination dials the compliance SFTP endpoint.
type SFTPDestination struct {
	cfg  SFTPConfig
	addr string
}

// NewSFTPDestination validates the auth settings and returns a destination.
// Host keys are checked against KnownHostsFile unless explicitly disabled.
func NewSFTPDestination(cfg SFTPConfig) (*SFTPDestination, error) {
	if cfg.User == "" {
		return nil, fmt.Errorf("sftp user required")
	}
	if cfg.Password == "" && cfg.KeyFile == "" {
		return nil, fmt.Errorf("sftp password or key file required")
	}
	if cfg.KnownHostsFile == "" && !cfg.InsecureIgnoreHostKey {
		return nil, fmt.Errorf("sftp known hosts file required")
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultSFTPTimeout
	}
	return &SFTPDestination{
		cfg:  cfg,
		addr: net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
	}, nil
}

// Name returns user@host:port.
func (d *SFTPDestination) Name() string {
	return "sftp://" + d.cfg.User + "@" + d.addr
}

func (d *SFTPDestination) clientConfig() (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	if d.cfg.KeyFile != "" {
		pem, err := os.ReadFile(d.cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("read key file %s: %w", d.cfg.KeyFile, err)
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, fmt.Errorf("parse key file %s: %w", d.cfg.KeyFile, err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if d.cfg.Password != "" {
		auth = append(auth, ssh.Password(d.cfg.Password))
	}

	hostKey := ssh.InsecureIgnoreHostKey()
	if !d.cfg.InsecureIgnoreHostKey {
		cb, err := knownhosts.New(d.cfg.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("load known hosts %s: %w", d.cfg.KnownHostsFile, err)
		}
		hostKey = cb
	}

	return &ssh.ClientConfig{
		User:            d.cfg.User,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         d.cfg.Timeout,
	}, nil
}

// Dial opens an SSH connection and starts the sftp subsystem on it.
func (d *SFTPDestination) Dial(ctx context.Context) (Session, error) {
	cfg, err := d.clientConfig()
	if err != nil {
		return nil, err
	}

	dialer := net.Dialer{Timeout: d.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", d.addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", d.addr, err)
	}

	// The handshake has no context; bound it with a deadline instead.
	_ = conn.SetDeadline(time.Now().Add(d.cfg.Timeout))
	c, chans, reqs, err := ssh.NewClientConn(conn, d.addr, cfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", d.addr, err)
	}
	_ = conn.SetDeadline(time.Time{})

	sshClient := ssh.NewClient(c, chans, reqs)
	client, err := sftp.NewClient(sshClient)
	if err != nil {
		sshClient.Close()
		return nil, fmt.Errorf("start sftp subsystem on %s: %w", d.addr, err)
	}

	return newSFTPSession(client, sshClient, d.Name()), nil
}

// sftpSession tracks its own working directory; the protocol has none.
type sftpSession struct {
	client *sftp.Client
	conn   io.Closer // underlying ssh client, nil in tests
	name   string

	mu  sync.RWMutex
	dir string
}

func newSFTPSession(client *sftp.Client, conn io.Closer, name string) *sftpSession {
	return &sftpSession{client: client, conn: conn, name: name, dir: "."}
}

func (s *sftpSession) ChangeDir(_ context.Context, dir string) error {
	if dir == "" {
		dir = "."
	}
	target := dir
	if !path.IsAbs(dir) {
		target = path.Join(s.cwd(), dir)
	}

	info, err := s.client.Stat(target)
	if err != nil {
		return fmt.Errorf("stat remote dir %s: %w", target, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("remote path %s is not a directory", target)
	}

	s.mu.Lock()
	s.dir = target
	s.mu.Unlock()
	return nil
}

func (s *sftpSession) cwd() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dir
}

func (s *sftpSession) remotePath(name string) string {
	return path.Join(s.cwd(), name)
}

// Put uploads to "<name>.<uuid>.part" and renames into place, so a reader
// on the far side never sees a partially written file under its final name.
func (s *sftpSession) Put(ctx context.Context, localPath, remoteName string) (ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return ObjectInfo{}, err
	}

	src, err := os.Open(localPath)
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("open %s: %w", localPath, err)
	}
	defer src.Close()

	final := s.remotePath(remoteName)
	temp := fmt.Sprintf("%s.%s.part", final, uuid.New().String())

	dst, err := s.client.Create(temp)
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("create %s: %w", temp, err)
	}

	n, copyErr := copyWithContext(ctx, dst, src)
	closeErr := dst.Close()
	if err := errors.Join(copyErr, closeErr); err != nil {
		_ = s.client.Remove(temp)
		return ObjectInfo{}, fmt.Errorf("write %s: %w", temp, err)
	}

	if err := s.client.PosixRename(temp, final); err != nil {
		// Servers without the posix-rename extension fall back to plain
		// rename, which fails if final already exists.
		if rerr := s.client.Rename(temp, final); rerr != nil {
			_ = s.client.Remove(temp)
			return ObjectInfo{}, fmt.Errorf("rename %s to %s: %w", temp, final, errors.Join(err, rerr))
		}
	}

	return ObjectInfo{Key: final, Size: n, ModTime: time.Now()}, nil
}

func (s *sftpSession) Exists(_ context.Context, remoteName string) (bool, error) {
	_, err := s.client.Stat(s.remotePath(remoteName))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("stat %s: %w", remoteName, err)
}

func (s *sftpSession) Head(_ context.Context, remoteName string) (ObjectInfo, error) {
	target := s.remotePath(remoteName)
	info, err := s.client.Stat(target)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ObjectInfo{}, fmt.Errorf("%w: %s", ErrNotFound, target)
		}
		return ObjectInfo{}, fmt.Errorf("stat %s: %w", target, err)
	}
	return ObjectInfo{Key: target, Size: info.Size(), ModTime: info.ModTime()}, nil
}

func (s *sftpSession) List(_ context.Context) ([]string, error) {
	entries, err := s.client.ReadDir(s.cwd())
	if err != nil {
		return nil, fmt.Errorf("read remote dir %s: %w", s.cwd(), err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

func (s *sftpSession) URI(remoteName string) string {
	return s.name + "/" + strings.TrimPrefix(s.remotePath(remoteName), "/")
}

func (s *sftpSession) Close() error {
	err := s.client.Close()
	if s.conn != nil {
		if cerr := s.conn.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = errors.Join(err, cerr)
		}
	}
	return err
}

// copyWithContext copies in chunks so a cancelled pass stops a long upload
// between chunks.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 256*1024)
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			w, werr := dst.Write(buf[:n])
			total += int64(w)
			if werr != nil {
				return total, werr
			}
		}
		if errors.Is(rerr, io.EOF) {
			return total, nil
		}
		if rerr != nil {
			return total, rerr
		}
	}
}

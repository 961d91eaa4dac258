package sshconn

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/efc-ti/efc-backup/pkg/errdefs"
	"github.com/efc-ti/efc-backup/pkg/log"
)

const (
	// DefaultCommandTimeout is the per-command deadline unless overridden.
	DefaultCommandTimeout = 30 * time.Second

	// KeepaliveInterval is how often application-level keepalives are sent
	// to survive idle NAT/firewall timeouts during long transfers.
	KeepaliveInterval = 30 * time.Second

	dialTimeout = 15 * time.Second
)

// Config describes how to reach one remote host.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string

	// CommandTimeout is the default per-command deadline; zero means
	// DefaultCommandTimeout.
	CommandTimeout time.Duration

	// HostKeyCallback verifies the remote host key. Nil accepts any key
	// (first-enrollment mode).
	HostKeyCallback ssh.HostKeyCallback
}

// Result is the outcome of one remote command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// RunOption tweaks a single Run call.
type RunOption func(*runOptions)

type runOptions struct {
	timeout     time.Duration
	exitMin     int
	exitMax     int
	hasExitSpan bool
}

// WithTimeout overrides the per-command deadline.
func WithTimeout(d time.Duration) RunOption {
	return func(o *runOptions) { o.timeout = d }
}

// WithExitRange accepts exit codes in [min, max] as success. The Windows copy
// tool uses 0-7 to indicate success with various amounts of work.
func WithExitRange(min, max int) RunOption {
	return func(o *runOptions) {
		o.exitMin, o.exitMax, o.hasExitSpan = min, max, true
	}
}

// Session is an authenticated SSH channel with command execution, SFTP
// download, and inactivity keepalive.
type Session struct {
	cfg    Config
	logger zerolog.Logger

	mu     sync.Mutex
	client *ssh.Client
	sftpc  *sftp.Client
	stopKA chan struct{}
	closed bool
}

// New creates an unconnected session.
func New(cfg Config) *Session {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.CommandTimeout == 0 {
		cfg.CommandTimeout = DefaultCommandTimeout
	}
	return &Session{
		cfg:    cfg,
		logger: log.WithComponent("sshconn").With().Str("host", cfg.Host).Logger(),
	}
}

// Connect dials and authenticates. Failure kinds are surfaced distinctly so
// the retry policy can classify them.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return nil
	}
	if s.closed {
		return fmt.Errorf("%w: session closed", errdefs.ErrFatalInternal)
	}

	hostKey := s.cfg.HostKeyCallback
	if hostKey == nil {
		hostKey = ssh.InsecureIgnoreHostKey() //nolint:gosec // first-enrollment mode
	}

	conf := &ssh.ClientConfig{
		User: s.cfg.User,
		Auth: []ssh.AuthMethod{
			ssh.Password(s.cfg.Password),
			ssh.KeyboardInteractive(func(name, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range questions {
					answers[i] = s.cfg.Password
				}
				return answers, nil
			}),
		},
		HostKeyCallback: hostKey,
		Timeout:         dialTimeout,
	}

	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprintf("%d", s.cfg.Port))

	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return classifyDialError(err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, conf)
	if err != nil {
		conn.Close()
		return classifyHandshakeError(err)
	}

	s.client = ssh.NewClient(sshConn, chans, reqs)
	s.stopKA = make(chan struct{})
	go s.keepalive(s.client, s.stopKA)

	s.logger.Debug().Str("user", s.cfg.User).Msg("ssh connected")
	return nil
}

// keepalive sends an application-level keepalive every 30s until stopped.
func (s *Session) keepalive(client *ssh.Client, stop chan struct{}) {
	ticker := time.NewTicker(KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				s.logger.Debug().Err(err).Msg("keepalive failed")
				return
			}
		case <-stop:
			return
		}
	}
}

// Run executes a command and returns stdout, stderr, and the exit code.
// Non-zero exits outside the acceptable range are errors.
func (s *Session) Run(ctx context.Context, cmd string, opts ...RunOption) (Result, error) {
	o := runOptions{timeout: s.cfg.CommandTimeout}
	for _, opt := range opts {
		opt(&o)
	}

	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil {
		return Result{}, fmt.Errorf("%w: not connected", errdefs.ErrTransportUnreachable)
	}

	sess, err := client.NewSession()
	if err != nil {
		return Result{}, fmt.Errorf("%w: failed to open channel: %v", errdefs.ErrTransportUnreachable, err)
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	runCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- sess.Run(cmd) }()

	select {
	case <-runCtx.Done():
		// Interrupt the remote command; closing the channel is the only
		// portable interrupt for Windows sshd.
		_ = sess.Signal(ssh.SIGKILL)
		sess.Close()
		<-done
		if ctx.Err() != nil {
			return Result{}, fmt.Errorf("%w: command interrupted", errdefs.ErrCancelled)
		}
		return Result{}, fmt.Errorf("%w: command timed out after %s: %s",
			errdefs.ErrTransportUnreachable, o.timeout, firstLine(cmd))
	case err = <-done:
	}

	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}

	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitStatus()
		} else {
			return res, fmt.Errorf("%w: command stream failed: %v", errdefs.ErrTransportUnreachable, err)
		}
	}

	if o.hasExitSpan {
		if res.ExitCode < o.exitMin || res.ExitCode > o.exitMax {
			return res, &errdefs.RemoteCommandError{Cmd: firstLine(cmd), ExitCode: res.ExitCode, Stderr: trim(res.Stderr)}
		}
		return res, nil
	}
	if res.ExitCode != 0 {
		return res, &errdefs.RemoteCommandError{Cmd: firstLine(cmd), ExitCode: res.ExitCode, Stderr: trim(res.Stderr)}
	}
	return res, nil
}

// DownloadFile copies a remote file to a local path via SFTP and returns the
// number of bytes written.
func (s *Session) DownloadFile(ctx context.Context, remote, local string) (int64, error) {
	sftpc, err := s.sftpClient()
	if err != nil {
		return 0, err
	}

	src, err := sftpc.Open(remote)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to open remote file %s: %v", errdefs.ErrTransportUnreachable, remote, err)
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(local), 0o750); err != nil {
		return 0, fmt.Errorf("%w: %v", errdefs.ErrLocalIO, err)
	}
	dst, err := os.Create(local)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", errdefs.ErrLocalIO, err)
	}
	defer dst.Close()

	n, err := copyCtx(ctx, dst, src)
	if err != nil {
		os.Remove(local)
		if ctx.Err() != nil {
			return n, fmt.Errorf("%w: download interrupted", errdefs.ErrCancelled)
		}
		return n, fmt.Errorf("%w: download of %s failed: %v", errdefs.ErrTransportUnreachable, remote, err)
	}
	if err := dst.Sync(); err != nil {
		return n, fmt.Errorf("%w: %v", errdefs.ErrLocalIO, err)
	}

	s.logger.Debug().Str("remote", remote).Int64("bytes", n).Msg("downloaded file")
	return n, nil
}

// StatRemote returns the size of a remote file via SFTP.
func (s *Session) StatRemote(remote string) (int64, error) {
	sftpc, err := s.sftpClient()
	if err != nil {
		return 0, err
	}
	fi, err := sftpc.Stat(remote)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to stat %s: %v", errdefs.ErrTransportUnreachable, remote, err)
	}
	return fi.Size(), nil
}

func (s *Session) sftpClient() (*sftp.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil, fmt.Errorf("%w: not connected", errdefs.ErrTransportUnreachable)
	}
	if s.sftpc != nil {
		return s.sftpc, nil
	}
	c, err := sftp.NewClient(s.client)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to start sftp subsystem: %v", errdefs.ErrTransportUnreachable, err)
	}
	s.sftpc = c
	return c, nil
}

// Close releases the SFTP stream, the keepalive loop, and the connection.
// Safe to call multiple times.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	if s.stopKA != nil {
		close(s.stopKA)
		s.stopKA = nil
	}
	if s.sftpc != nil {
		s.sftpc.Close()
		s.sftpc = nil
	}
	if s.client != nil {
		err := s.client.Close()
		s.client = nil
		return err
	}
	return nil
}

// Connected reports whether the session currently holds a live connection.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client != nil && !s.closed
}

// classifyDialError maps TCP-level failures onto the error taxonomy.
func classifyDialError(err error) error {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return fmt.Errorf("%w: dns lookup failed: %v", errdefs.ErrTransportUnreachable, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: connection timed out: %v", errdefs.ErrTransportUnreachable, err)
	}
	return fmt.Errorf("%w: %v", errdefs.ErrTransportUnreachable, err)
}

// classifyHandshakeError maps SSH handshake failures onto the error taxonomy.
// The ssh package does not export typed auth errors, so this matches on the
// stable message prefixes it produces.
func classifyHandshakeError(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "unable to authenticate"),
		strings.Contains(msg, "no supported methods remain"),
		strings.Contains(msg, "password rejected"):
		return fmt.Errorf("%w: %v", errdefs.ErrAuthenticationFailed, err)
	case strings.Contains(msg, "host key mismatch"),
		strings.Contains(msg, "key is unknown"),
		strings.Contains(msg, "knownhosts"):
		return fmt.Errorf("%w: %v", errdefs.ErrHostKeyMismatch, err)
	default:
		return fmt.Errorf("%w: handshake failed: %v", errdefs.ErrTransportUnreachable, err)
	}
}

// copyCtx copies until EOF or context cancellation, checking the context
// between chunks.
func copyCtx(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 256*1024)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, werr := dst.Write(buf[:n])
			written += int64(w)
			if werr != nil {
				return written, werr
			}
		}
		if err == io.EOF {
			return written, nil
		}
		if err != nil {
			return written, err
		}
	}
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[:idx]
	}
	if len(s) > 120 {
		s = s[:120] + "..."
	}
	return s
}

func trim(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 500 {
		s = s[:500] + "..."
	}
	return s
}

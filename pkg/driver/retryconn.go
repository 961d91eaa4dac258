package driver

import (
	"context"

	"github.com/efc-ti/efc-backup/pkg/retry"
	"github.com/efc-ti/efc-backup/pkg/sshconn"
)

// retryingConn decorates a Conn so every session-level operation runs under
// the session retry budget: transient transport failures are retried in place
// with backoff instead of consuming a whole-backup attempt. Fatal errors
// (auth, host key, cancellation) and remote command exits pass through
// untouched.
type retryingConn struct {
	conn   Conn
	policy *retry.Policy
	name   string
}

// NewRetryingConn wraps conn with the session retry budget. name labels the
// retried operations in logs.
func NewRetryingConn(conn Conn, policy *retry.Policy, name string) Conn {
	return &retryingConn{conn: conn, policy: policy, name: name}
}

func (c *retryingConn) Connect(ctx context.Context) error {
	return c.policy.RunSession(ctx, "connect "+c.name, func(ctx context.Context) error {
		return c.conn.Connect(ctx)
	})
}

func (c *retryingConn) Run(ctx context.Context, cmd string, opts ...sshconn.RunOption) (sshconn.Result, error) {
	var res sshconn.Result
	err := c.policy.RunSession(ctx, "run "+c.name, func(ctx context.Context) error {
		var err error
		res, err = c.conn.Run(ctx, cmd, opts...)
		return err
	})
	return res, err
}

func (c *retryingConn) DownloadFile(ctx context.Context, remote, local string) (int64, error) {
	var n int64
	err := c.policy.RunSession(ctx, "download "+c.name, func(ctx context.Context) error {
		var err error
		// Each attempt restarts the download from scratch; sshconn truncates
		// the local file on open.
		n, err = c.conn.DownloadFile(ctx, remote, local)
		return err
	})
	return n, err
}

func (c *retryingConn) DownloadDir(ctx context.Context, remoteRoot, localRoot string) (int, int64, error) {
	var files int
	var bytes int64
	err := c.policy.RunSession(ctx, "download "+c.name, func(ctx context.Context) error {
		var err error
		files, bytes, err = c.conn.DownloadDir(ctx, remoteRoot, localRoot)
		return err
	})
	return files, bytes, err
}

func (c *retryingConn) StatRemote(remote string) (int64, error) {
	return c.conn.StatRemote(remote)
}

func (c *retryingConn) Close() error {
	return c.conn.Close()
}

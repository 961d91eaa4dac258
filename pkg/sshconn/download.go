package sshconn

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/efc-ti/efc-backup/pkg/errdefs"
)

// DownloadDir mirrors a remote directory tree to a local directory via SFTP.
// It returns the number of files and bytes written. Individual file failures
// abort the download; the caller decides whether partial trees are kept.
func (s *Session) DownloadDir(ctx context.Context, remoteRoot, localRoot string) (int, int64, error) {
	sftpc, err := s.sftpClient()
	if err != nil {
		return 0, 0, err
	}

	var files int
	var bytes int64

	walker := sftpc.Walk(remoteRoot)
	for walker.Step() {
		if err := ctx.Err(); err != nil {
			return files, bytes, fmt.Errorf("%w: download interrupted", errdefs.ErrCancelled)
		}
		if err := walker.Err(); err != nil {
			return files, bytes, fmt.Errorf("%w: walk of %s failed: %v",
				errdefs.ErrTransportUnreachable, remoteRoot, err)
		}

		remote := walker.Path()
		rel := strings.TrimPrefix(remote, remoteRoot)
		rel = strings.TrimPrefix(rel, "/")
		rel = strings.TrimPrefix(rel, `\`)
		local := filepath.Join(localRoot, filepath.FromSlash(path.Clean("/"+strings.ReplaceAll(rel, `\`, "/"))))

		if walker.Stat().IsDir() {
			if err := os.MkdirAll(local, 0o750); err != nil {
				return files, bytes, fmt.Errorf("%w: %v", errdefs.ErrLocalIO, err)
			}
			continue
		}

		n, err := s.DownloadFile(ctx, remote, local)
		if err != nil {
			return files, bytes, err
		}
		files++
		bytes += n
	}

	return files, bytes, nil
}

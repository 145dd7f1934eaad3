package ssh

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
)

// newSFTP opens an SFTP session on the current connection.
func (c *Client) newSFTP() (*sftp.Client, error) {
	client, err := c.sshClient()
	if err != nil {
		return nil, err
	}
	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return nil, &TransportError{
			Op:          "sftp-init",
			Err:         fmt.Errorf("failed to create SFTP client: %w", err),
			IsTemporary: true,
		}
	}
	return sftpClient, nil
}

// Download copies remotePath to localPath. The local file is written next to
// its destination and renamed into place, so a failed transfer never leaves
// a partial file behind.
func (c *Client) Download(ctx context.Context, remotePath, localPath string) error {
	start := time.Now()
	log.Debug().Str("host", c.config.Host).Str("remote", remotePath).Str("local", localPath).Msg("downloading file")

	sftpClient, err := c.newSFTP()
	if err != nil {
		return err
	}
	defer sftpClient.Close()

	remoteFile, err := sftpClient.Open(remotePath)
	if err != nil {
		return &TransportError{Op: "download", Err: fmt.Errorf("failed to open remote file: %w", err)}
	}
	defer remoteFile.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return &TransportError{Op: "download", Err: fmt.Errorf("failed to create local directory: %w", err)}
	}

	tmp, err := os.CreateTemp(filepath.Dir(localPath), "."+filepath.Base(localPath)+".part-*")
	if err != nil {
		return &TransportError{Op: "download", Err: fmt.Errorf("failed to create local file: %w", err)}
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	written, err := copyWithContext(ctx, tmp, remoteFile)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return &TransportError{Op: "download", Err: fmt.Errorf("failed to copy file: %w", err), IsTemporary: ctx.Err() == nil}
	}
	if err := os.Rename(tmpName, localPath); err != nil {
		return &TransportError{Op: "download", Err: fmt.Errorf("failed to move file into place: %w", err)}
	}

	log.Info().
		Str("host", c.config.Host).
		Str("remote", remotePath).
		Str("local", localPath).
		Int64("bytes", written).
		Dur("duration", time.Since(start)).
		Msg("file downloaded")
	return nil
}

// Upload copies localPath to remotePath, creating the remote directory and
// keeping the local permission bits.
func (c *Client) Upload(ctx context.Context, localPath, remotePath string) error {
	start := time.Now()

	src, err := os.Open(localPath)
	if err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to open local file: %w", err)}
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to stat local file: %w", err)}
	}

	sftpClient, err := c.newSFTP()
	if err != nil {
		return err
	}
	defer sftpClient.Close()

	if err := sftpClient.MkdirAll(path.Dir(remotePath)); err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to create remote directory: %w", err)}
	}

	dst, err := sftpClient.Create(remotePath)
	if err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to create remote file: %w", err), IsTemporary: true}
	}
	written, err := copyWithContext(ctx, dst, src)
	if closeErr := dst.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to copy file: %w", err), IsTemporary: ctx.Err() == nil}
	}

	if err := sftpClient.Chmod(remotePath, info.Mode().Perm()); err != nil {
		log.Warn().Err(err).Str("host", c.config.Host).Str("remote", remotePath).Msg("failed to set remote file mode")
	}

	log.Info().
		Str("host", c.config.Host).
		Str("local", localPath).
		Str("remote", remotePath).
		Int64("bytes", written).
		Dur("duration", time.Since(start)).
		Msg("file uploaded")
	return nil
}

// copyWithContext copies src to dst, checking ctx between reads.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64

	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, werr
			}
			if nr != nw {
				return written, io.ErrShortWrite
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}

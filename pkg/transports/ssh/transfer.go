package ssh

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"

	"github.com/pkg/sftp"
)

// sftpSession opens an SFTP client on the live connection. Callers must
// close it.
func (c *Client) sftpSession() (*sftp.Client, error) {
	conn, err := c.live()
	if err != nil {
		return nil, err
	}
	sftpClient, err := sftp.NewClient(conn)
	if err != nil {
		return nil, &TransportError{Op: "sftp", Err: fmt.Errorf("new sftp client: %w", err), Temporary: true}
	}
	return sftpClient, nil
}

// Upload writes src to remotePath, creating parent directories and
// applying mode when non-zero.
func (c *Client) Upload(ctx context.Context, src io.Reader, remotePath string, mode fs.FileMode) (int64, error) {
	sftpClient, err := c.sftpSession()
	if err != nil {
		return 0, err
	}
	defer sftpClient.Close()

	if dir := path.Dir(remotePath); dir != "." && dir != "/" {
		if err := sftpClient.MkdirAll(dir); err != nil {
			return 0, &TransportError{Op: "upload", Err: fmt.Errorf("mkdir %s: %w", dir, err)}
		}
	}

	remoteFile, err := sftpClient.Create(remotePath)
	if err != nil {
		return 0, &TransportError{Op: "upload", Err: fmt.Errorf("create %s: %w", remotePath, err), Temporary: true}
	}
	defer remoteFile.Close()

	written, err := copyContext(ctx, remoteFile, src)
	if err != nil {
		return written, &TransportError{Op: "upload", Err: err, Temporary: true}
	}

	if mode != 0 {
		if err := sftpClient.Chmod(remotePath, mode); err != nil {
			return written, &TransportError{Op: "upload", Err: fmt.Errorf("chmod %s: %w", remotePath, err)}
		}
	}

	c.log.Debug().Str("path", remotePath).Int64("bytes", written).Msg("Uploaded file")
	return written, nil
}

// Download copies a remote file into dst.
func (c *Client) Download(ctx context.Context, remotePath string, dst io.Writer) (int64, error) {
	sftpClient, err := c.sftpSession()
	if err != nil {
		return 0, err
	}
	defer sftpClient.Close()

	remoteFile, err := sftpClient.Open(remotePath)
	if err != nil {
		return 0, &TransportError{Op: "download", Err: fmt.Errorf("open %s: %w", remotePath, err)}
	}
	defer remoteFile.Close()

	written, err := copyContext(ctx, dst, remoteFile)
	if err != nil {
		return written, &TransportError{Op: "download", Err: err, Temporary: true}
	}
	return written, nil
}

// Checksum returns the SHA256 hex digest of a remote file. The sftp
// library normalises missing files to fs.ErrNotExist, which Checksum
// passes through for existence probes.
func (c *Client) Checksum(ctx context.Context, remotePath string) (string, error) {
	sftpClient, err := c.sftpSession()
	if err != nil {
		return "", err
	}
	defer sftpClient.Close()

	remoteFile, err := sftpClient.Open(remotePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("checksum %s: %w", remotePath, fs.ErrNotExist)
		}
		return "", &TransportError{Op: "checksum", Err: fmt.Errorf("open %s: %w", remotePath, err)}
	}
	defer remoteFile.Close()

	hash := sha256.New()
	if _, err := copyContext(ctx, hash, remoteFile); err != nil {
		return "", &TransportError{Op: "checksum", Err: err, Temporary: true}
	}
	return fmt.Sprintf("%x", hash.Sum(nil)), nil
}

// Remove deletes a remote file.
func (c *Client) Remove(ctx context.Context, remotePath string) error {
	sftpClient, err := c.sftpSession()
	if err != nil {
		return err
	}
	defer sftpClient.Close()

	if err := sftpClient.Remove(remotePath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", remotePath, fs.ErrNotExist)
		}
		return &TransportError{Op: "remove", Err: fmt.Errorf("remove %s: %w", remotePath, err)}
	}
	c.log.Debug().Str("path", remotePath).Msg("Removed remote file")
	return nil
}

// copyContext copies src to dst, checking for cancellation between
// buffer-sized writes.
func copyContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64
	for {
		select {
		case <-ctx.Done():
			return written, ctx.Err()
		default:
		}

		nr, err := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			if nw > 0 {
				written += int64(nw)
			}
			if werr != nil {
				return written, werr
			}
			if nr != nw {
				return written, io.ErrShortWrite
			}
		}
		if err != nil {
			if err == io.EOF {
				return written, nil
			}
			return written, err
		}
	}
}

// Package ssh is the transport the remote state functions run on. It
// wraps golang.org/x/crypto/ssh for command execution and
// github.com/pkg/sftp for file transfer behind a small Transport
// interface so state functions can be tested against fakes.
package ssh

import (
	"context"
	"io"
	"io/fs"
	"time"
)

// Transport is the remote operation surface consumed by the remote.*
// state functions.
type Transport interface {
	// Connect establishes the SSH connection. Calling Connect on a live
	// connection verifies it instead of redialing.
	Connect(ctx context.Context) error

	// Close tears the connection down. Safe to call when not connected.
	Close() error

	// Run executes a command on the remote host. A non-zero exit status
	// is not an error; it is reported in the result.
	Run(ctx context.Context, cmd string) (*ExecResult, error)

	// Upload writes src to remotePath via SFTP, creating parent
	// directories and applying mode when non-zero.
	Upload(ctx context.Context, src io.Reader, remotePath string, mode fs.FileMode) (int64, error)

	// Download copies a remote file into dst.
	Download(ctx context.Context, remotePath string, dst io.Writer) (int64, error)

	// Checksum returns the SHA256 hex digest of a remote file. A missing
	// file reports an error matching fs.ErrNotExist.
	Checksum(ctx context.Context, remotePath string) (string, error)

	// Remove deletes a remote file. Removing a missing file reports an
	// error matching fs.ErrNotExist.
	Remove(ctx context.Context, remotePath string) error
}

// ExecResult is the outcome of one remote command.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Success reports whether the command exited zero.
func (r *ExecResult) Success() bool {
	return r.ExitCode == 0
}

// TransportError classifies a transport failure.
type TransportError struct {
	// Op is the operation that failed ("connect", "run", "upload", ...).
	Op string

	// Err is the underlying error.
	Err error

	// Temporary marks errors worth retrying on a fresh connection.
	Temporary bool
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

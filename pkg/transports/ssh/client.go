package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// Client implements Transport over a single SSH connection.
type Client struct {
	config *Config
	log    zerolog.Logger

	mu        sync.Mutex
	conn      *ssh.Client
	connected bool
}

// NewClient validates the configuration and returns an unconnected
// client.
func NewClient(config *Config, log zerolog.Logger) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid ssh config: %w", err)
	}
	return &Client{
		config: config,
		log:    log.With().Str("component", "ssh").Str("host", config.Host).Logger(),
	}, nil
}

// Connect establishes the SSH connection. On an existing connection it
// runs a liveness probe and redials only when the probe fails.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected && c.conn != nil {
		if err := c.probe(); err == nil {
			return nil
		}
		c.log.Warn().Msg("Existing connection is dead, reconnecting")
		_ = c.conn.Close()
		c.conn = nil
		c.connected = false
	}

	clientConfig, err := c.config.BuildClientConfig()
	if err != nil {
		return &TransportError{Op: "connect", Err: err}
	}

	address := c.config.Address()
	c.log.Debug().Str("address", address).Msg("Establishing SSH connection")

	// ssh.Dial has no context form; race the dial against ctx.
	connCh := make(chan *ssh.Client, 1)
	errCh := make(chan error, 1)
	go func() {
		conn, dialErr := ssh.Dial("tcp", address, clientConfig)
		if dialErr != nil {
			errCh <- dialErr
			return
		}
		select {
		case connCh <- conn:
		default:
			_ = conn.Close()
		}
	}()

	select {
	case <-ctx.Done():
		return &TransportError{Op: "connect", Err: ctx.Err(), Temporary: true}
	case dialErr := <-errCh:
		return &TransportError{Op: "connect", Err: dialErr, Temporary: true}
	case conn := <-connCh:
		c.conn = conn
		c.connected = true
		c.log.Debug().Str("address", address).Msg("SSH connection established")
		return nil
	}
}

// Close tears the connection down.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected || c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.connected = false
	if err != nil {
		return &TransportError{Op: "close", Err: err}
	}
	return nil
}

// Run executes a command on the remote host. Non-zero exits are
// reported through ExecResult, not as errors.
func (c *Client) Run(ctx context.Context, cmd string) (*ExecResult, error) {
	conn, err := c.live()
	if err != nil {
		return nil, err
	}

	if c.config.CommandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.CommandTimeout)
		defer cancel()
	}

	session, err := conn.NewSession()
	if err != nil {
		return nil, &TransportError{Op: "run", Err: fmt.Errorf("new session: %w", err), Temporary: true}
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		done <- session.Run(cmd)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		time.Sleep(100 * time.Millisecond)
		_ = session.Signal(ssh.SIGKILL)
		runErr = ctx.Err()
	case runErr = <-done:
	}

	result := &ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if runErr != nil {
		var exitErr *ssh.ExitError
		if errors.As(runErr, &exitErr) {
			result.ExitCode = exitErr.ExitStatus()
			return result, nil
		}
		return nil, &TransportError{Op: "run", Err: runErr, Temporary: true}
	}
	return result, nil
}

// live returns the connection, failing when not connected.
func (c *Client) live() (*ssh.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected || c.conn == nil {
		return nil, &TransportError{Op: "session", Err: fmt.Errorf("not connected")}
	}
	return c.conn, nil
}

// probe verifies the connection with a trivial command. Must be called
// with the mutex held.
func (c *Client) probe() error {
	session, err := c.conn.NewSession()
	if err != nil {
		return err
	}
	defer session.Close()
	return session.Run("true")
}

package ssh

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestNewClient_InvalidConfig(t *testing.T) {
	if _, err := NewClient(&Config{}, zerolog.Nop()); err == nil {
		t.Error("Expected an error for an empty config")
	}
}

func TestClient_RunRequiresConnection(t *testing.T) {
	client, err := NewClient(&Config{Host: "example.com", User: "root", Password: "secret"}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	if _, err := client.Run(context.Background(), "true"); err == nil {
		t.Error("Expected an error before Connect")
	}

	var terr *TransportError
	_, err = client.Run(context.Background(), "true")
	if !errors.As(err, &terr) {
		t.Fatalf("Expected a TransportError, got %T", err)
	}
	if terr.Op != "session" {
		t.Errorf("Expected op session, got %s", terr.Op)
	}
}

func TestClient_CloseWithoutConnect(t *testing.T) {
	client, err := NewClient(&Config{Host: "example.com", User: "root", Password: "secret"}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	if err := client.Close(); err != nil {
		t.Errorf("Expected Close on an unconnected client to succeed, got %v", err)
	}
}

func TestClient_ConnectHonorsContext(t *testing.T) {
	// A reserved TEST-NET address; the dial blacks out until the context
	// expires.
	client, err := NewClient(&Config{
		Host:           "192.0.2.1",
		User:           "root",
		Password:       "secret",
		ConnectTimeout: 5 * time.Second,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err = client.Connect(ctx)
	if err == nil {
		t.Fatal("Expected the connect to fail")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Expected the context to cut the dial short, took %v", elapsed)
	}

	var terr *TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("Expected a TransportError, got %T", err)
	}
	if !terr.Temporary {
		t.Error("Expected a temporary error")
	}
}

func TestExecResult_Success(t *testing.T) {
	ok := &ExecResult{ExitCode: 0}
	if !ok.Success() {
		t.Error("Expected exit 0 to be a success")
	}
	failed := &ExecResult{ExitCode: 2}
	if failed.Success() {
		t.Error("Expected exit 2 to be a failure")
	}
}

func TestTransportError_Unwrap(t *testing.T) {
	inner := errors.New("boom")
	err := &TransportError{Op: "run", Err: inner}

	if err.Error() != "run: boom" {
		t.Errorf("Unexpected error string %q", err.Error())
	}
	if !errors.Is(err, inner) {
		t.Error("Expected errors.Is to reach the inner error")
	}
}

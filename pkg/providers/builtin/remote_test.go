package builtin

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/halite-run/halite/pkg/engine"
	sshtransport "github.com/halite-run/halite/pkg/transports/ssh"
)

// fakeTransport is an in-memory Transport the remote states run
// against.
type fakeTransport struct {
	mu sync.Mutex

	files     map[string][]byte
	ran       []string
	exitCodes map[string]int
	stdout    map[string]string

	connected  bool
	closed     bool
	connectErr error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		files:     make(map[string][]byte),
		exitCodes: make(map[string]int),
		stdout:    make(map[string]string),
	}
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) Run(ctx context.Context, cmd string) (*sshtransport.ExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ran = append(f.ran, cmd)
	return &sshtransport.ExecResult{
		Stdout:   f.stdout[cmd],
		ExitCode: f.exitCodes[cmd],
	}, nil
}

func (f *fakeTransport) Upload(ctx context.Context, src io.Reader, remotePath string, mode fs.FileMode) (int64, error) {
	data, err := io.ReadAll(src)
	if err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[remotePath] = data
	return int64(len(data)), nil
}

func (f *fakeTransport) Download(ctx context.Context, remotePath string, dst io.Writer) (int64, error) {
	f.mu.Lock()
	data, ok := f.files[remotePath]
	f.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("download %s: %w", remotePath, fs.ErrNotExist)
	}
	n, err := dst.Write(data)
	return int64(n), err
}

func (f *fakeTransport) Checksum(ctx context.Context, remotePath string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[remotePath]
	if !ok {
		return "", fmt.Errorf("checksum %s: %w", remotePath, fs.ErrNotExist)
	}
	return fmt.Sprintf("%x", sha256.Sum256(data)), nil
}

func (f *fakeTransport) Remove(ctx context.Context, remotePath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.files[remotePath]; !ok {
		return fmt.Errorf("remove %s: %w", remotePath, fs.ErrNotExist)
	}
	delete(f.files, remotePath)
	return nil
}

// remoteDef resolves one remote definition wired to the fake.
func remoteDef(t *testing.T, fake *fakeTransport, ref string) *engine.Definition {
	t.Helper()
	defs := remoteDefs(Config{
		Log:  zerolog.Nop(),
		Dial: func(cfg *sshtransport.Config) (sshtransport.Transport, error) { return fake, nil },
	})
	for _, def := range defs {
		if def.Ref == ref {
			return def
		}
	}
	t.Fatalf("Definition %s not found", ref)
	return nil
}

func remoteCall(name string, kwargs map[string]any) *engine.Call {
	call := callFor(name, kwargs)
	call.Acct = map[string]any{"host": "db-1", "user": "root", "password": "secret"}
	return call
}

func TestRemoteCmdRun_Success(t *testing.T) {
	fake := newFakeTransport()
	fake.stdout["uptime"] = "up 3 days"
	def := remoteDef(t, fake, "remote.cmd.run")

	ret, err := def.Func(context.Background(), remoteCall("host-check", map[string]any{"cmd": "uptime"}))
	if err != nil {
		t.Fatalf("State function failed: %v", err)
	}
	if ret.Result == nil || !*ret.Result {
		t.Fatalf("Expected success, got %v (%v)", ret.Result, ret.Comment)
	}
	if ret.Changes["stdout"] != "up 3 days" {
		t.Errorf("Expected stdout in changes, got %v", ret.Changes)
	}
	if len(fake.ran) != 1 || fake.ran[0] != "uptime" {
		t.Errorf("Expected uptime to run, got %v", fake.ran)
	}
	if !fake.closed {
		t.Error("Expected the transport to be closed")
	}
}

func TestRemoteCmdRun_DefaultsToName(t *testing.T) {
	fake := newFakeTransport()
	def := remoteDef(t, fake, "remote.cmd.run")

	if _, err := def.Func(context.Background(), remoteCall("hostname", nil)); err != nil {
		t.Fatalf("State function failed: %v", err)
	}
	if len(fake.ran) != 1 || fake.ran[0] != "hostname" {
		t.Errorf("Expected the name as the command, got %v", fake.ran)
	}
}

func TestRemoteCmdRun_NonZeroExit(t *testing.T) {
	fake := newFakeTransport()
	fake.exitCodes["false"] = 1
	def := remoteDef(t, fake, "remote.cmd.run")

	ret, err := def.Func(context.Background(), remoteCall("check", map[string]any{"cmd": "false"}))
	if err != nil {
		t.Fatalf("State function failed: %v", err)
	}
	if ret.Result == nil || *ret.Result {
		t.Error("Expected a failed result for exit 1")
	}
	if ret.Changes["exit_code"] != 1 {
		t.Errorf("Expected exit_code 1 in changes, got %v", ret.Changes)
	}
}

func TestRemoteCmdRun_CreatesSkips(t *testing.T) {
	fake := newFakeTransport()
	fake.files["/etc/app.conf"] = []byte("installed")
	def := remoteDef(t, fake, "remote.cmd.run")

	ret, err := def.Func(context.Background(), remoteCall("install", map[string]any{
		"cmd":     "install-app",
		"creates": "/etc/app.conf",
	}))
	if err != nil {
		t.Fatalf("State function failed: %v", err)
	}
	if ret.Result == nil || !*ret.Result {
		t.Error("Expected success when the guard path exists")
	}
	if len(fake.ran) != 0 {
		t.Errorf("Expected no command to run, got %v", fake.ran)
	}
}

func TestRemoteCmdRun_TestMode(t *testing.T) {
	fake := newFakeTransport()
	def := remoteDef(t, fake, "remote.cmd.run")

	call := remoteCall("check", map[string]any{"cmd": "reboot"})
	call.Test = true
	ret, err := def.Func(context.Background(), call)
	if err != nil {
		t.Fatalf("State function failed: %v", err)
	}
	if ret.Result != nil {
		t.Error("Expected an undecided result in test mode")
	}
	if len(fake.ran) != 0 {
		t.Errorf("Expected no command to run in test mode, got %v", fake.ran)
	}
}

func TestRemoteCmdRun_ConnectFailureIsRuntime(t *testing.T) {
	fake := newFakeTransport()
	fake.connectErr = fmt.Errorf("connection refused")
	def := remoteDef(t, fake, "remote.cmd.run")

	if _, err := def.Func(context.Background(), remoteCall("check", nil)); err == nil {
		t.Error("Expected a runtime error when the transport cannot connect")
	}
}

func TestRemoteFileManaged_CreatesFile(t *testing.T) {
	fake := newFakeTransport()
	def := remoteDef(t, fake, "remote.file.managed")

	ret, err := def.Func(context.Background(), remoteCall("/etc/motd", map[string]any{
		"contents": "welcome\n",
		"mode":     "0644",
	}))
	if err != nil {
		t.Fatalf("State function failed: %v", err)
	}
	if ret.Result == nil || !*ret.Result {
		t.Fatalf("Expected success, got %v (%v)", ret.Result, ret.Comment)
	}
	if string(fake.files["/etc/motd"]) != "welcome\n" {
		t.Errorf("Expected the file to be uploaded, got %q", fake.files["/etc/motd"])
	}
	if ret.OldState != nil {
		t.Error("Expected no old state for a new file")
	}
	if ret.NewState["checksum"] == "" {
		t.Error("Expected a checksum in the new state")
	}
}

func TestRemoteFileManaged_Idempotent(t *testing.T) {
	fake := newFakeTransport()
	fake.files["/etc/motd"] = []byte("welcome\n")
	def := remoteDef(t, fake, "remote.file.managed")

	ret, err := def.Func(context.Background(), remoteCall("/etc/motd", map[string]any{
		"contents": "welcome\n",
	}))
	if err != nil {
		t.Fatalf("State function failed: %v", err)
	}
	if ret.Result == nil || !*ret.Result {
		t.Fatal("Expected success")
	}
	if len(ret.Changes) != 0 {
		t.Errorf("Expected no changes for matching content, got %v", ret.Changes)
	}
}

func TestRemoteFileManaged_UpdatesFromSource(t *testing.T) {
	fake := newFakeTransport()
	fake.files["/etc/app.conf"] = []byte("old")
	def := remoteDef(t, fake, "remote.file.managed")

	source := filepath.Join(t.TempDir(), "app.conf")
	if err := os.WriteFile(source, []byte("new config"), 0o644); err != nil {
		t.Fatalf("Failed to write source: %v", err)
	}

	ret, err := def.Func(context.Background(), remoteCall("app-conf", map[string]any{
		"dest":   "/etc/app.conf",
		"source": source,
	}))
	if err != nil {
		t.Fatalf("State function failed: %v", err)
	}
	if ret.Result == nil || !*ret.Result {
		t.Fatalf("Expected success, got %v (%v)", ret.Result, ret.Comment)
	}
	if string(fake.files["/etc/app.conf"]) != "new config" {
		t.Errorf("Expected the content to be replaced, got %q", fake.files["/etc/app.conf"])
	}
	checksumChange, ok := ret.Changes["checksum"].(map[string]any)
	if !ok || checksumChange["old"] == nil {
		t.Errorf("Expected an old checksum in the diff, got %v", ret.Changes)
	}
}

func TestRemoteFileManaged_TestModeReportsDiff(t *testing.T) {
	fake := newFakeTransport()
	def := remoteDef(t, fake, "remote.file.managed")

	call := remoteCall("/etc/motd", map[string]any{"contents": "welcome\n"})
	call.Test = true
	ret, err := def.Func(context.Background(), call)
	if err != nil {
		t.Fatalf("State function failed: %v", err)
	}
	if ret.Result != nil {
		t.Error("Expected an undecided result in test mode")
	}
	if len(ret.Changes) == 0 {
		t.Error("Expected the pending diff in changes")
	}
	if len(fake.files) != 0 {
		t.Error("Expected no upload in test mode")
	}
}

func TestRemoteFileManaged_ContentRules(t *testing.T) {
	fake := newFakeTransport()
	def := remoteDef(t, fake, "remote.file.managed")

	// Neither contents nor source.
	ret, err := def.Func(context.Background(), remoteCall("/etc/motd", nil))
	if err != nil {
		t.Fatalf("State function failed: %v", err)
	}
	if ret.Result == nil || *ret.Result {
		t.Error("Expected a failed result without content")
	}

	// Both at once.
	ret, err = def.Func(context.Background(), remoteCall("/etc/motd", map[string]any{
		"contents": "a",
		"source":   "/tmp/b",
	}))
	if err != nil {
		t.Fatalf("State function failed: %v", err)
	}
	if ret.Result == nil || *ret.Result {
		t.Error("Expected a failed result for contents plus source")
	}
}

func TestRemoteFileAbsent(t *testing.T) {
	fake := newFakeTransport()
	fake.files["/etc/old.conf"] = []byte("stale")
	def := remoteDef(t, fake, "remote.file.absent")

	ret, err := def.Func(context.Background(), remoteCall("/etc/old.conf", nil))
	if err != nil {
		t.Fatalf("State function failed: %v", err)
	}
	if ret.Result == nil || !*ret.Result {
		t.Fatal("Expected success")
	}
	if _, ok := fake.files["/etc/old.conf"]; ok {
		t.Error("Expected the file to be removed")
	}
	if ret.NewState != nil {
		t.Error("Expected a nil new state so the managed entry is dropped")
	}

	// Second pass is a no-op.
	ret, err = def.Func(context.Background(), remoteCall("/etc/old.conf", nil))
	if err != nil {
		t.Fatalf("State function failed: %v", err)
	}
	if ret.Result == nil || !*ret.Result {
		t.Error("Expected success when already absent")
	}
	if len(ret.Changes) != 0 {
		t.Errorf("Expected no changes when already absent, got %v", ret.Changes)
	}
}

func TestParseMode(t *testing.T) {
	mode, err := parseMode("0600")
	if err != nil || mode != fs.FileMode(0o600) {
		t.Errorf("Expected 0600, got %v (%v)", mode, err)
	}

	mode, err = parseMode(nil)
	if err != nil || mode != 0 {
		t.Errorf("Expected zero mode for nil, got %v (%v)", mode, err)
	}

	if _, err := parseMode("rw-r--r--"); err == nil {
		t.Error("Expected an error for a symbolic mode")
	}
}

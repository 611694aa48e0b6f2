package builtin

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/halite-run/halite/pkg/engine"
	sshtransport "github.com/halite-run/halite/pkg/transports/ssh"
)

// The remote.* states manage commands and files on hosts over the SSH
// transport. Connection settings come from the chunk's credential
// profile; host, port and user may be overridden per chunk.

type remoteStates struct {
	log  zerolog.Logger
	dial DialFunc
}

func remoteDefs(cfg Config) []*engine.Definition {
	r := &remoteStates{log: cfg.Log, dial: cfg.Dial}

	connParams := []engine.Param{
		engine.RequiredParam("name"),
		engine.OptionalParam("host", nil),
		engine.OptionalParam("port", nil),
		engine.OptionalParam("user", nil),
	}

	cmdParams := append([]engine.Param{}, connParams...)
	cmdParams = append(cmdParams,
		engine.OptionalParam("cmd", nil),
		engine.OptionalParam("creates", nil),
	)

	managedParams := append([]engine.Param{}, connParams...)
	managedParams = append(managedParams,
		engine.OptionalParam("dest", nil),
		engine.OptionalParam("source", nil),
		engine.OptionalParam("contents", nil),
		engine.OptionalParam("mode", nil),
	)

	absentParams := append([]engine.Param{}, connParams...)
	absentParams = append(absentParams, engine.OptionalParam("dest", nil))

	return []*engine.Definition{
		{
			Ref:     "remote.cmd.run",
			Spec:    &engine.CallSpec{Params: cmdParams},
			Func:    r.cmdRun,
			SkipESM: true,
		},
		{
			Ref:  "remote.file.managed",
			Spec: &engine.CallSpec{Params: managedParams},
			Func: r.fileManaged,
		},
		{
			Ref:  "remote.file.absent",
			Spec: &engine.CallSpec{Params: absentParams},
			Func: r.fileAbsent,
		},
	}
}

// connect builds the transport config from the credential profile with
// per-chunk overrides and opens the connection.
func (r *remoteStates) connect(ctx context.Context, call *engine.Call) (sshtransport.Transport, error) {
	cfg := sshtransport.FromProfile(call.Acct)
	if v, ok := call.String("host"); ok && v != "" {
		cfg.Host = v
	}
	if n, ok := toInt(call.Kwargs["port"]); ok && n > 0 {
		cfg.Port = n
	}
	if v, ok := call.String("user"); ok && v != "" {
		cfg.User = v
	}

	transport, err := r.dial(cfg)
	if err != nil {
		return nil, fmt.Errorf("remote transport: %w", err)
	}
	if err := transport.Connect(ctx); err != nil {
		return nil, err
	}
	return transport, nil
}

// cmdRun executes a command. The command defaults to the declaration
// name; creates names a remote path whose existence short-circuits the
// run.
func (r *remoteStates) cmdRun(ctx context.Context, call *engine.Call) (*engine.StateReturn, error) {
	name, _ := call.String("name")
	cmd, ok := call.String("cmd")
	if !ok || cmd == "" {
		cmd = name
	}
	creates, _ := call.String("creates")

	transport, err := r.connect(ctx, call)
	if err != nil {
		return nil, err
	}
	defer transport.Close()

	if creates != "" {
		_, err := transport.Checksum(ctx, creates)
		switch {
		case err == nil:
			return &engine.StateReturn{
				Result:  engine.TrueResult(),
				Comment: []string{fmt.Sprintf("%s exists, command skipped", creates)},
			}, nil
		case !errors.Is(err, fs.ErrNotExist):
			return nil, err
		}
	}

	if call.Test {
		return &engine.StateReturn{
			Comment: []string{fmt.Sprintf("Would run '%s'", cmd)},
		}, nil
	}

	res, err := transport.Run(ctx, cmd)
	if err != nil {
		return nil, err
	}

	ret := &engine.StateReturn{
		Changes: map[string]any{
			"stdout":    res.Stdout,
			"stderr":    res.Stderr,
			"exit_code": res.ExitCode,
		},
	}
	if res.Success() {
		ret.Result = engine.TrueResult()
		ret.Comment = []string{fmt.Sprintf("Command '%s' run", cmd)}
	} else {
		ret.Result = engine.FalseResult()
		ret.Comment = []string{fmt.Sprintf("Command '%s' exited %d", cmd, res.ExitCode)}
	}
	return ret, nil
}

// fileManaged converges a remote file on the declared content. Content
// comes inline or from a local source file; the comparison is by SHA256
// digest.
func (r *remoteStates) fileManaged(ctx context.Context, call *engine.Call) (*engine.StateReturn, error) {
	name, _ := call.String("name")
	dest, ok := call.String("dest")
	if !ok || dest == "" {
		dest = name
	}

	content, err := localContent(call)
	if err != nil {
		return &engine.StateReturn{
			Result:  engine.FalseResult(),
			Comment: []string{err.Error()},
		}, nil
	}
	sum := fmt.Sprintf("%x", sha256.Sum256(content))

	mode, err := parseMode(call.Kwargs["mode"])
	if err != nil {
		return &engine.StateReturn{
			Result:  engine.FalseResult(),
			Comment: []string{err.Error()},
		}, nil
	}

	transport, err := r.connect(ctx, call)
	if err != nil {
		return nil, err
	}
	defer transport.Close()

	current, err := transport.Checksum(ctx, dest)
	exists := err == nil
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	newState := map[string]any{"name": dest, "checksum": sum}
	if exists && current == sum {
		return &engine.StateReturn{
			Result:   engine.TrueResult(),
			Comment:  []string{fmt.Sprintf("File %s is in the desired state", dest)},
			OldState: map[string]any{"name": dest, "checksum": current},
			NewState: newState,
		}, nil
	}

	changes := map[string]any{"checksum": map[string]any{"new": sum}}
	var oldState map[string]any
	if exists {
		changes["checksum"].(map[string]any)["old"] = current
		oldState = map[string]any{"name": dest, "checksum": current}
	}

	if call.Test {
		verb := "create"
		if exists {
			verb = "update"
		}
		return &engine.StateReturn{
			Comment:  []string{fmt.Sprintf("Would %s file %s", verb, dest)},
			OldState: oldState,
			Changes:  changes,
		}, nil
	}

	if _, err := transport.Upload(ctx, bytes.NewReader(content), dest, mode); err != nil {
		return nil, err
	}

	verb := "created"
	if exists {
		verb = "updated"
	}
	return &engine.StateReturn{
		Result:   engine.TrueResult(),
		Comment:  []string{fmt.Sprintf("File %s %s", dest, verb)},
		OldState: oldState,
		NewState: newState,
		Changes:  changes,
	}, nil
}

// fileAbsent removes a remote file.
func (r *remoteStates) fileAbsent(ctx context.Context, call *engine.Call) (*engine.StateReturn, error) {
	name, _ := call.String("name")
	dest, ok := call.String("dest")
	if !ok || dest == "" {
		dest = name
	}

	transport, err := r.connect(ctx, call)
	if err != nil {
		return nil, err
	}
	defer transport.Close()

	current, err := transport.Checksum(ctx, dest)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &engine.StateReturn{
				Result:  engine.TrueResult(),
				Comment: []string{fmt.Sprintf("File %s is already absent", dest)},
			}, nil
		}
		return nil, err
	}

	if call.Test {
		return &engine.StateReturn{
			Comment:  []string{fmt.Sprintf("Would remove file %s", dest)},
			OldState: map[string]any{"name": dest, "checksum": current},
		}, nil
	}

	if err := transport.Remove(ctx, dest); err != nil {
		return nil, err
	}
	return &engine.StateReturn{
		Result:   engine.TrueResult(),
		Comment:  []string{fmt.Sprintf("File %s removed", dest)},
		OldState: map[string]any{"name": dest, "checksum": current},
		Changes:  map[string]any{"removed": dest},
	}, nil
}

// localContent resolves the declared file content: inline contents or a
// local source path, never both.
func localContent(call *engine.Call) ([]byte, error) {
	contents, hasContents := call.String("contents")
	source, hasSource := call.String("source")
	hasContents = hasContents && contents != ""
	hasSource = hasSource && source != ""

	switch {
	case hasContents && hasSource:
		return nil, fmt.Errorf("contents and source are mutually exclusive")
	case hasContents:
		return []byte(contents), nil
	case hasSource:
		data, err := os.ReadFile(source)
		if err != nil {
			return nil, fmt.Errorf("Source file not found: %s", source)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("one of contents or source is required")
	}
}

// parseMode accepts an octal string ("0644") or an integer file mode.
func parseMode(v any) (fs.FileMode, error) {
	switch t := v.(type) {
	case nil:
		return 0, nil
	case string:
		if t == "" {
			return 0, nil
		}
		n, err := strconv.ParseUint(t, 8, 32)
		if err != nil {
			return 0, fmt.Errorf("invalid mode %q", t)
		}
		return fs.FileMode(n), nil
	}
	if n, ok := toInt(v); ok {
		return fs.FileMode(n), nil
	}
	return 0, fmt.Errorf("invalid mode %v", v)
}

// Package wasmhost runs state plugins compiled to WASM. A plugin is a
// directory holding a manifest and a module; the manifest declares the
// exported state operations and the module implements them behind a
// three-function ABI (halite_alloc, halite_free, halite_call) with JSON
// payloads. Plugins register into the same registry as the builtin
// states, so declarations cannot tell them apart.
package wasmhost

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/halite-run/halite/pkg/engine"
)

// HostConfig bounds the plugin sandbox.
type HostConfig struct {
	Log zerolog.Logger

	// Timeout bounds a single state call into the module.
	Timeout time.Duration

	// MemoryLimitPages caps module memory in 64KB pages.
	MemoryLimitPages uint32
}

const (
	defaultCallTimeout      = 30 * time.Second
	defaultMemoryLimitPages = 256 // 16MB
)

// Plugin is one loaded WASM state plugin.
type Plugin struct {
	manifest *Manifest
	runtime  wazero.Runtime
	module   api.Module
	bridge   *Bridge
	log      zerolog.Logger
	timeout  time.Duration

	// mu serializes calls; a module instance owns one linear memory.
	mu sync.Mutex

	closed bool
}

// NewPlugin instantiates the module and wires the call bridge. The
// module bytes must already be checksum-verified by the caller when the
// manifest demands it.
func NewPlugin(ctx context.Context, manifest *Manifest, wasmModule []byte, cfg *HostConfig) (*Plugin, error) {
	if cfg == nil {
		cfg = &HostConfig{}
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultCallTimeout
	}
	memoryPages := cfg.MemoryLimitPages
	if memoryPages == 0 {
		memoryPages = defaultMemoryLimitPages
	}
	log := cfg.Log.With().Str("component", "wasmhost").Str("plugin", manifest.Key()).Logger()

	runtimeConfig := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(memoryPages).
		WithCloseOnContextDone(true)
	runtime := wazero.NewRuntimeWithConfig(ctx, runtimeConfig)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		_ = runtime.Close(ctx)
		return nil, fmt.Errorf("instantiate WASI: %w", err)
	}

	if err := instantiateHostModule(ctx, runtime, log); err != nil {
		_ = runtime.Close(ctx)
		return nil, err
	}

	module, err := runtime.Instantiate(ctx, wasmModule)
	if err != nil {
		_ = runtime.Close(ctx)
		return nil, fmt.Errorf("instantiate wasm module: %w", err)
	}

	bridge, err := NewBridge(module)
	if err != nil {
		_ = module.Close(ctx)
		_ = runtime.Close(ctx)
		return nil, fmt.Errorf("bridge %s: %w", manifest.Key(), err)
	}

	return &Plugin{
		manifest: manifest,
		runtime:  runtime,
		module:   module,
		bridge:   bridge,
		log:      log,
		timeout:  timeout,
	}, nil
}

// instantiateHostModule exports the "halite" host surface into the
// sandbox. The only function is log(level, ptr, len), which feeds the
// plugin's diagnostics into the host logger.
func instantiateHostModule(ctx context.Context, runtime wazero.Runtime, log zerolog.Logger) error {
	builder := runtime.NewHostModuleBuilder("halite")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, level, ptr, length uint32) {
			msg, ok := mod.Memory().Read(ptr, length)
			if !ok {
				log.Warn().Msg("Plugin log message out of memory bounds")
				return
			}
			switch level {
			case 0:
				log.Debug().Msg(string(msg))
			case 1:
				log.Info().Msg(string(msg))
			case 2:
				log.Warn().Msg(string(msg))
			default:
				log.Error().Msg(string(msg))
			}
		}).
		Export("log")

	if _, err := builder.Instantiate(ctx); err != nil {
		return fmt.Errorf("instantiate host module: %w", err)
	}
	return nil
}

// LoadPlugin reads a manifest's module from disk, verifies it, and
// instantiates the plugin.
func LoadPlugin(ctx context.Context, manifest *Manifest, cfg *HostConfig) (*Plugin, error) {
	wasmModule, err := os.ReadFile(manifest.WasmPath)
	if err != nil {
		return nil, fmt.Errorf("read wasm module: %w", err)
	}
	if err := manifest.VerifyChecksum(wasmModule); err != nil {
		return nil, err
	}
	return NewPlugin(ctx, manifest, wasmModule, cfg)
}

// Manifest returns the plugin manifest.
func (p *Plugin) Manifest() *Manifest {
	return p.manifest
}

// Definitions builds the engine definitions for every declared state,
// each one dispatching into the module through the bridge.
func (p *Plugin) Definitions() []*engine.Definition {
	defs := make([]*engine.Definition, 0, len(p.manifest.States))
	for i := range p.manifest.States {
		decl := &p.manifest.States[i]
		ref := decl.Ref
		defs = append(defs, &engine.Definition{
			Ref:     ref,
			Spec:    decl.Spec(),
			SkipESM: decl.SkipESM,
			Unique:  decl.Unique,
			Require: decl.Require,
			Func: func(ctx context.Context, call *engine.Call) (*engine.StateReturn, error) {
				return p.Call(ctx, ref, call)
			},
		})
	}
	return defs
}

// Call invokes one declared state operation in the module.
func (p *Plugin) Call(ctx context.Context, ref string, call *engine.Call) (*engine.StateReturn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, fmt.Errorf("plugin %s is closed", p.manifest.Key())
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	ret, err := p.bridge.CallState(ctx, ref, call)
	p.log.Debug().
		Str("ref", ref).
		Str("tag", call.Tag).
		Dur("duration", time.Since(start)).
		Err(err).
		Msg("Plugin call finished")
	return ret, err
}

// Close releases the module and runtime.
func (p *Plugin) Close(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	if p.module != nil {
		if err := p.module.Close(ctx); err != nil {
			return fmt.Errorf("close wasm module: %w", err)
		}
	}
	if p.runtime != nil {
		if err := p.runtime.Close(ctx); err != nil {
			return fmt.Errorf("close wasm runtime: %w", err)
		}
	}
	return nil
}

package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/halite-run/halite/pkg/acct"
	"github.com/halite-run/halite/pkg/config"
	"github.com/halite-run/halite/pkg/engine"
	"github.com/halite-run/halite/pkg/esm"
	"github.com/halite-run/halite/pkg/policy"
	"github.com/halite-run/halite/pkg/providers"
	"github.com/halite-run/halite/pkg/providers/builtin"
	"github.com/halite-run/halite/pkg/providers/wasmhost"
	"github.com/halite-run/halite/pkg/sls"
	"github.com/halite-run/halite/pkg/stores"
	"github.com/halite-run/halite/pkg/telemetry"
)

// app bundles the collaborators a command assembles from configuration.
// Commands build only the parts they need; shutdown releases whatever
// was built, in dependency order.
type app struct {
	cfg *config.Config
	tel *telemetry.Telemetry
	log zerolog.Logger

	registry *providers.Registry
	plugins  []*wasmhost.Plugin
	store    stores.Store
	state    *esm.Manager
	gate     *policy.Gate
}

// setup loads the configuration and brings up telemetry. Every command
// starts here.
func setup(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}

	tcfg := cfg.Telemetry.ToTelemetry("halite", appVersion)
	tel, err := telemetry.NewTelemetry(&tcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	if err := tel.StartMetricsServer(); err != nil {
		_ = tel.Shutdown(ctx)
		return nil, fmt.Errorf("failed to start metrics endpoint: %w", err)
	}

	return &app{cfg: cfg, tel: tel, log: tel.Logger.Zerolog()}, nil
}

// shutdown releases everything setup and the builders created. Telemetry
// drains before the store closes so the archive sink can still write.
func (a *app) shutdown() {
	ctx := context.Background()
	if a.gate != nil {
		if err := a.gate.Close(); err != nil {
			a.log.Warn().Err(err).Msg("Failed to close policy gate")
		}
	}
	if len(a.plugins) > 0 {
		if err := wasmhost.CloseAll(ctx, a.plugins); err != nil {
			a.log.Warn().Err(err).Msg("Failed to close plugins")
		}
	}
	if a.state != nil {
		if err := a.state.Close(); err != nil {
			a.log.Warn().Err(err).Msg("Failed to close state backend")
		}
	}
	if a.tel != nil {
		if err := a.tel.Shutdown(ctx); err != nil {
			a.log.Warn().Err(err).Msg("Failed to shut down telemetry")
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn().Err(err).Msg("Failed to close store")
		}
	}
}

// openStore opens the SQLite store on first use.
func (a *app) openStore(ctx context.Context) (stores.Store, error) {
	if a.store != nil {
		return a.store, nil
	}
	if dir := filepath.Dir(a.cfg.Store.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}
	st, err := stores.NewSQLiteStore(stores.Config{Path: a.cfg.Store.Path})
	if err != nil {
		return nil, err
	}
	if err := st.Init(ctx); err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}
	a.store = st
	return st, nil
}

// buildRegistry assembles the state definition registry: builtins first,
// then WASM plugins from the configured directories.
func (a *app) buildRegistry(ctx context.Context) (*providers.Registry, error) {
	if a.registry != nil {
		return a.registry, nil
	}
	reg := providers.New(a.log)
	if err := builtin.Register(reg, builtin.Config{Log: a.log}); err != nil {
		return nil, fmt.Errorf("failed to register builtin states: %w", err)
	}

	loader := wasmhost.NewLoader(a.log, nil)
	plugins, err := loader.Load(ctx, a.cfg.Plugins.Dirs)
	if err != nil {
		return nil, fmt.Errorf("failed to load plugins: %w", err)
	}
	for _, p := range plugins {
		if err := reg.RegisterAll(p.Definitions()); err != nil {
			_ = wasmhost.CloseAll(ctx, plugins)
			return nil, fmt.Errorf("failed to register plugin states: %w", err)
		}
	}
	a.plugins = plugins
	a.registry = reg
	return reg, nil
}

// stateManager opens the configured enforced state backend.
func (a *app) stateManager(ctx context.Context, upgrade bool) (*esm.Manager, error) {
	if a.state != nil {
		return a.state, nil
	}
	backend, err := a.esmBackend(ctx)
	if err != nil {
		return nil, err
	}
	mgr, err := esm.NewManager(esm.Config{Log: a.log, Backend: backend, Upgrade: upgrade})
	if err != nil {
		return nil, err
	}
	a.state = mgr
	return mgr, nil
}

func (a *app) esmBackend(ctx context.Context) (esm.Backend, error) {
	cfg := a.cfg.ESM
	switch cfg.Backend {
	case "local":
		return esm.NewLocalBackend(esm.LocalConfig{
			Log:   a.log,
			Dir:   cfg.Local.Path,
			Scope: cfg.Scope,
		})
	case "store":
		st, err := a.openStore(ctx)
		if err != nil {
			return nil, err
		}
		return esm.NewStoreBackend(esm.StoreConfig{
			Log:   a.log,
			Store: st,
			Scope: cfg.Scope,
		})
	case "postgres":
		return esm.NewPostgresBackend(ctx, esm.PostgresConfig{
			Log:   a.log,
			DSN:   cfg.Postgres.DSN,
			Table: cfg.Postgres.Table,
			Scope: cfg.Scope,
		})
	case "s3":
		return esm.NewS3Backend(esm.S3Config{
			Log:             a.log,
			Endpoint:        cfg.S3.Endpoint,
			Bucket:          cfg.S3.Bucket,
			Prefix:          cfg.S3.Prefix,
			Region:          cfg.S3.Region,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			UseSSL:          cfg.S3.UseSSL,
			Scope:           cfg.Scope,
		})
	default:
		return nil, fmt.Errorf("unknown esm backend %q", cfg.Backend)
	}
}

// gatherer builds the SLS gatherer from the configured roots.
func (a *app) gatherer() *sls.Gatherer {
	return sls.New(sls.Config{
		Log:         a.log,
		Roots:       a.cfg.SLS.Roots,
		Render:      a.cfg.Engine.Render,
		StarTimeout: a.cfg.SLS.StarlarkTimeout.Std(),
	})
}

// applyEngine wires the full engine for state enforcement: registry,
// gatherer, enforced state, policy gate, credentials and event sinks.
func (a *app) applyEngine(ctx context.Context, esmUpgrade bool) (*engine.Engine, error) {
	reg, err := a.buildRegistry(ctx)
	if err != nil {
		return nil, err
	}
	mgr, err := a.stateManager(ctx, esmUpgrade)
	if err != nil {
		return nil, err
	}

	var gate engine.PolicyGate
	if a.cfg.Policy.Enabled {
		g, err := policy.NewGate(policy.Config{
			Log:   a.log,
			Mode:  a.cfg.Policy.Mode,
			Paths: a.cfg.Policy.Paths,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to build policy gate: %w", err)
		}
		if a.cfg.Policy.Watch {
			if err := g.Watch(ctx); err != nil {
				a.log.Warn().Err(err).Msg("Failed to watch policy paths")
			}
		}
		a.gate = g
		gate = g
	}

	var creds engine.CredentialSource
	if a.cfg.Acct.File != "" {
		if _, err := os.Stat(a.cfg.Acct.File); err == nil {
			creds = acct.New(acct.Config{
				Log:    a.log,
				File:   a.cfg.Acct.File,
				KeyEnv: a.cfg.Acct.KeyEnv,
			})
		}
	}

	var events engine.EventSink = a.tel.Events
	if a.cfg.Archive.Enabled {
		st, err := a.openStore(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to open archive store: %w", err)
		}
		events = &archiveSink{next: a.tel.Events, store: st, log: a.log}
	}

	return engine.NewEngine(engine.EngineDeps{
		Log:      a.log,
		Gatherer: a.gatherer(),
		Resolver: reg,
		ESM:      mgr,
		Policy:   gate,
		Events:   events,
		Metrics:  a.tel.Metrics,
		Creds:    creds,
	}), nil
}

// validateEngine wires just the gather and compile side. Validation
// never touches enforced state, credentials or policy watches.
func (a *app) validateEngine(ctx context.Context) (*engine.Engine, error) {
	reg, err := a.buildRegistry(ctx)
	if err != nil {
		return nil, err
	}
	return engine.NewEngine(engine.EngineDeps{
		Log:      a.log,
		Gatherer: a.gatherer(),
		Resolver: reg,
		Events:   a.tel.Events,
		Metrics:  a.tel.Metrics,
	}), nil
}

// archiveSink tees run lifecycle events into the store while forwarding
// everything to the next sink. Writes are synchronous so a finished
// command never races its own history.
type archiveSink struct {
	next  engine.EventSink
	store stores.Store
	log   zerolog.Logger
}

func (s *archiveSink) Publish(ctx context.Context, ev engine.Event) {
	if s.next != nil {
		s.next.Publish(ctx, ev)
	}
	switch ev.Type {
	case engine.EventRunCreated, engine.EventRunStatus, engine.EventRunFinished:
	default:
		return
	}

	rec := &stores.RunEvent{RunName: ev.Run, Type: ev.Type, Timestamp: ev.At}
	if ev.Tag != "" {
		rec.Tag = &ev.Tag
	}
	if len(ev.Data) > 0 {
		if blob, err := json.Marshal(ev.Data); err == nil {
			data := string(blob)
			rec.Data = &data
		}
	}
	if err := s.store.AppendRunEvent(ctx, rec); err != nil {
		s.log.Warn().Err(err).Str("run", ev.Run).Msg("Failed to persist run event")
	}
}

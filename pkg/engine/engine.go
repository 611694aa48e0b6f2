package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Engine ties the run lifecycle together: it gathers state documents,
// compiles them, brackets execution with the enforced state manager and
// drives the runtime plus reconciliation. All entry points are safe for
// concurrent use; each apply works on its own Run.
type Engine struct {
	log      zerolog.Logger
	runs     *RunManager
	compiler *Compiler
	gatherer Gatherer
	resolver Resolver
	esm      StateManager
	policy   PolicyGate
	events   EventSink
	metrics  Metrics
	creds    CredentialSource
}

// EngineDeps carries the collaborators an Engine is assembled from.
// Resolver is required; everything else may be nil and the matching
// feature is skipped.
type EngineDeps struct {
	Log      zerolog.Logger
	Gatherer Gatherer
	Resolver Resolver
	ESM      StateManager
	Policy   PolicyGate
	Events   EventSink
	Metrics  Metrics
	Creds    CredentialSource
}

// NewEngine assembles the lifecycle facade.
func NewEngine(deps EngineDeps) *Engine {
	log := deps.Log.With().Str("component", "engine").Logger()
	return &Engine{
		log:      log,
		runs:     NewRunManager(deps.Log, deps.Events, deps.Metrics),
		compiler: NewCompiler(deps.Log, deps.Resolver),
		gatherer: deps.Gatherer,
		resolver: deps.Resolver,
		esm:      deps.ESM,
		policy:   deps.Policy,
		events:   deps.Events,
		metrics:  deps.Metrics,
		creds:    deps.Creds,
	}
}

// RunOptions shape a single apply or validate invocation.
type RunOptions struct {
	// Name identifies the run. Generated when empty.
	Name string
	// SLSSources name the state documents to gather.
	SLSSources []string
	// ParamSources name the parameter documents to gather.
	ParamSources []string
	// Render selects the render pipe, defaulting to yaml.
	Render string
	// Runtime picks serial or parallel dispatch.
	Runtime string
	// CacheDir, when set, receives a JSON snapshot of the run results.
	CacheDir string
	// Test plans changes without applying them.
	Test bool
	// InvertState swaps present and absent semantics for teardown runs.
	InvertState bool
	// AcctProfile names the credential profile handed to providers.
	AcctProfile string
	// Params are caller supplied parameters, overriding gathered ones.
	Params map[string]any
	// Target restricts execution to chunks whose tag matches the glob.
	Target string
	// Batch caps how many chunks run concurrently. Zero means no cap.
	Batch int
	// HardFail stops dispatching new chunks after the first failure.
	HardFail bool
	// StrictArgs fails chunks carrying undeclared call arguments instead of
	// dropping them with a warning.
	StrictArgs bool
	// Refresh writes enforced state even in test mode.
	Refresh bool
	// MaxReruns bounds the reconciliation loop.
	MaxReruns int
	// MaxRerunsNoChange bounds retries of a failing chunk whose result and
	// changes stopped changing. Zero selects the default.
	MaxRerunsNoChange int
}

func (o *RunOptions) normalize() {
	if o.Name == "" {
		o.Name = "run-" + uuid.NewString()
	}
	if o.Render == "" {
		o.Render = "yaml"
	}
	if o.Runtime == "" {
		o.Runtime = RuntimeParallel
	}
}

// ApplyResult summarizes a finished apply.
type ApplyResult struct {
	Name    string                      `json:"name"`
	Status  Status                      `json:"status"`
	Errors  []string                    `json:"errors,omitempty"`
	Running map[string]*ExecutionRecord `json:"running,omitempty"`
}

// ValidateResult carries the compiled artifacts of a validate pass.
type ValidateResult struct {
	Name   string         `json:"name"`
	Status Status         `json:"status"`
	Errors []string       `json:"errors,omitempty"`
	High   HighData       `json:"high,omitempty"`
	Low    []*Chunk       `json:"low,omitempty"`
	Params map[string]any `json:"params,omitempty"`
	Meta   map[string]any `json:"meta,omitempty"`
}

// Apply gathers, compiles and executes the configured sources, then
// reconciles until every chunk settles or the rerun bound is reached.
func (e *Engine) Apply(ctx context.Context, opts RunOptions) (*ApplyResult, error) {
	return e.applyRun(ctx, opts, nil)
}

// ApplyHigh runs already normalized high data, skipping the gather phase.
func (e *Engine) ApplyHigh(ctx context.Context, high HighData, opts RunOptions) (*ApplyResult, error) {
	if high == nil {
		high = HighData{}
	}
	return e.applyRun(ctx, opts, high)
}

func (e *Engine) applyRun(ctx context.Context, opts RunOptions, high HighData) (*ApplyResult, error) {
	opts.normalize()
	run, err := e.runs.Create(ctx, opts.Name)
	if err != nil {
		return nil, err
	}
	e.populate(run, opts)

	if e.esm != nil {
		managed, err := e.esm.Enter(ctx, run.Name)
		if err != nil {
			_ = e.runs.SetStatus(ctx, run.Name, StatusGathering)
			run.AddError("%s", NewESMError("failed to acquire enforced state", err).WithRun(run.Name).Error())
			_ = e.runs.SetStatus(ctx, run.Name, StatusGatherError)
			return e.result(ctx, run), nil
		}
		run.ManagedState = managed
	}

	e.pipeline(ctx, run, opts, high)

	if e.esm != nil {
		if err := e.esm.Exit(ctx, run.Name, run.ManagedState, true); err != nil {
			e.log.Error().Err(err).Str("run", run.Name).Msg("Failed to release enforced state")
			run.AddError("Failed to release enforced state: %v", err)
		}
	}
	return e.result(ctx, run), nil
}

// pipeline walks the run through its phases, recording errors on the run
// and leaving the matching terminal status behind.
func (e *Engine) pipeline(ctx context.Context, run *Run, opts RunOptions, high HighData) {
	_ = e.runs.SetStatus(ctx, run.Name, StatusGathering)

	if run.AcctProfile != "" && e.creds != nil {
		data, err := e.creds.Profile(ctx, run.AcctProfile)
		if err != nil {
			run.AddError("Failed to resolve credential profile %q: %v", run.AcctProfile, err)
			_ = e.runs.SetStatus(ctx, run.Name, StatusGatherError)
			return
		}
		run.AcctData = data
	}

	if high == nil {
		if !e.gatherHigh(ctx, run) {
			_ = e.runs.SetStatus(ctx, run.Name, StatusGatherError)
			return
		}
	} else {
		run.High = high
	}
	if len(run.High) == 0 {
		_ = e.runs.SetStatus(ctx, run.Name, StatusFinished)
		return
	}

	_ = e.runs.SetStatus(ctx, run.Name, StatusCompiling)
	e.compiler.Compile(run)
	if run.ErrorCount() > 0 {
		_ = e.runs.SetStatus(ctx, run.Name, StatusCompilationError)
		return
	}

	if e.policy != nil {
		violations, err := e.policy.Evaluate(ctx, run.Low)
		if err != nil {
			run.AddError("Policy evaluation failed: %v", err)
			_ = e.runs.SetStatus(ctx, run.Name, StatusCompilationError)
			return
		}
		if len(violations) > 0 {
			for _, v := range violations {
				run.AddError("Policy %s denied %s: %s", v.Rule, v.Tag, v.Message)
			}
			_ = e.runs.SetStatus(ctx, run.Name, StatusCompilationError)
			return
		}
	}

	var targetTags []string
	if opts.Target != "" {
		matched := MatchChunks(run.Low, opts.Target)
		if len(matched) == 0 {
			run.AddError("Target %q did not match any chunk", opts.Target)
			_ = e.runs.SetStatus(ctx, run.Name, StatusCompilationError)
			return
		}
		targetTags = make([]string, 0, len(matched))
		for _, c := range matched {
			targetTags = append(targetTags, Tag(c))
		}
	}

	_ = e.runs.SetStatus(ctx, run.Name, StatusRunning)
	exec := NewExecutor(e.log, e.resolver, e.events, e.metrics, ExecOptions{
		Batch:      opts.Batch,
		Refresh:    opts.Refresh,
		HardFail:   opts.HardFail,
		StrictArgs: opts.StrictArgs,
	})
	var err error
	if len(targetTags) > 0 {
		err = exec.StartPending(ctx, run, targetTags)
	} else {
		err = exec.Start(ctx, run)
	}
	if err != nil {
		run.AddError("Run interrupted: %v", err)
		_ = e.runs.SetStatus(ctx, run.Name, StatusRuntimeError)
		return
	}

	aborted := opts.HardFail && len(run.FailedTags()) > 0
	if !run.Test && !aborted && run.ErrorCount() == 0 {
		rec := NewReconciler(e.log, e.resolver, exec, e.events, e.metrics, opts.MaxReruns)
		if opts.MaxRerunsNoChange > 0 {
			rec.noChange = opts.MaxRerunsNoChange
		}
		res, err := rec.Loop(ctx, run)
		if err != nil {
			run.AddError("Reconciliation interrupted: %v", err)
			_ = e.runs.SetStatus(ctx, run.Name, StatusRuntimeError)
			return
		}
		if res.Reruns > 0 {
			e.log.Info().Str("run", run.Name).
				Int("reruns", res.Reruns).
				Bool("still_pending", res.RequireRerun).
				Msg("Reconciliation finished")
		}
	}

	e.writeRunCache(run)

	if run.ErrorCount() > 0 {
		_ = e.runs.SetStatus(ctx, run.Name, StatusRuntimeError)
		return
	}
	_ = e.runs.SetStatus(ctx, run.Name, StatusFinished)
}

// gatherHigh resolves parameter sources and renders the SLS sources into
// run.High. It reports false when gathering failed.
func (e *Engine) gatherHigh(ctx context.Context, run *Run) bool {
	if e.gatherer == nil {
		run.AddError("No gatherer configured, cannot resolve sources")
		return false
	}
	if len(run.ParamSources) > 0 {
		sourced, err := e.gatherer.GatherParams(ctx, run.ParamSources)
		if err != nil {
			run.AddError("Failed to gather parameters: %v", err)
			return false
		}
		run.Params = mergeParams(sourced, run.Params)
	}
	high, err := e.gatherer.Gather(ctx, run.SLSSources, run.Params)
	if err != nil {
		run.AddError("Failed to gather states: %v", err)
		return false
	}
	run.High = high
	return true
}

// Validate gathers and compiles without touching enforced state, policy
// or providers, returning the compiled artifacts for inspection.
func (e *Engine) Validate(ctx context.Context, opts RunOptions) (*ValidateResult, error) {
	opts.normalize()
	run, err := e.runs.Create(ctx, opts.Name)
	if err != nil {
		return nil, err
	}
	e.populate(run, opts)

	_ = e.runs.SetStatus(ctx, run.Name, StatusGathering)
	if !e.gatherHigh(ctx, run) {
		_ = e.runs.SetStatus(ctx, run.Name, StatusGatherError)
		return e.validateResult(run), nil
	}
	if len(run.High) == 0 {
		_ = e.runs.SetStatus(ctx, run.Name, StatusFinished)
		return e.validateResult(run), nil
	}

	_ = e.runs.SetStatus(ctx, run.Name, StatusCompiling)
	e.compiler.Compile(run)
	if run.ErrorCount() > 0 {
		_ = e.runs.SetStatus(ctx, run.Name, StatusCompilationError)
	} else {
		_ = e.runs.SetStatus(ctx, run.Name, StatusFinished)
	}
	return e.validateResult(run), nil
}

// Batch applies a literal mapping of declarations, as produced by remote
// callers, and returns either the execution records or a classed error.
// The backing run is dropped before returning.
func (e *Engine) Batch(ctx context.Context, states map[string]any, opts RunOptions) (map[string]*ExecutionRecord, error) {
	ref := "sls_source_" + uuid.NewString()
	blob, err := json.Marshal(map[string]any{ref: states})
	if err != nil {
		return nil, NewValidationError(fmt.Sprintf("cannot encode states: %v", err))
	}
	if opts.Name == "" {
		opts.Name = "name_" + uuid.NewString()
	}
	opts.SLSSources = []string{"json://" + string(blob)}

	res, err := e.Apply(ctx, opts)
	if err != nil {
		return nil, err
	}
	e.runs.Drop(res.Name)
	if len(res.Errors) > 0 {
		msg := strings.Join(res.Errors, "; ")
		switch res.Status {
		case StatusGatherError:
			return nil, NewGatherError(msg, nil).WithRun(res.Name)
		case StatusCompilationError:
			return nil, NewCompileError(msg, nil).WithRun(res.Name)
		default:
			return nil, NewRuntimeError(msg, nil).WithRun(res.Name)
		}
	}
	return res.Running, nil
}

// Single applies one state function call. The reference names the function
// as state.fun and kwargs become the call arguments.
func (e *Engine) Single(ctx context.Context, ref, name string, kwargs map[string]any, opts RunOptions) (map[string]*ExecutionRecord, error) {
	if strings.LastIndex(ref, ".") <= 0 {
		return nil, NewValidationError(fmt.Sprintf("invalid state reference %q", ref))
	}
	args := []any{map[string]any{"name": name}}
	keys := make([]string, 0, len(kwargs))
	for k := range kwargs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, map[string]any{k: kwargs[k]})
	}
	states := map[string]any{
		name: map[string]any{ref: args},
	}
	return e.Batch(ctx, states, opts)
}

// Status reports the current state of a run by name.
func (e *Engine) Status(ctx context.Context, name string) *StatusReport {
	return e.runs.Report(ctx, name)
}

// Runs exposes the run registry.
func (e *Engine) Runs() *RunManager {
	return e.runs
}

func (e *Engine) populate(run *Run, opts RunOptions) {
	run.SLSSources = opts.SLSSources
	run.ParamSources = opts.ParamSources
	run.Render = opts.Render
	run.Runtime = opts.Runtime
	run.CacheDir = opts.CacheDir
	run.Test = opts.Test
	run.InvertState = opts.InvertState
	run.AcctProfile = opts.AcctProfile
	run.RunNum = 1
	run.Params = copyParams(opts.Params)
	if run.ManagedState == nil {
		run.ManagedState = map[string]map[string]any{}
	}
}

func (e *Engine) result(ctx context.Context, run *Run) *ApplyResult {
	rep := run.Report()
	res := &ApplyResult{
		Name:    run.Name,
		Status:  rep.Status,
		Errors:  rep.Errors,
		Running: rep.Running,
	}
	e.publishFinished(ctx, run, rep)
	return res
}

func (e *Engine) validateResult(run *Run) *ValidateResult {
	rep := run.Report()
	return &ValidateResult{
		Name:   run.Name,
		Status: rep.Status,
		Errors: rep.Errors,
		High:   run.High,
		Low:    run.Low,
		Params: run.Params,
		Meta:   run.Meta,
	}
}

func (e *Engine) publishFinished(ctx context.Context, run *Run, rep *StatusReport) {
	if e.events == nil {
		return
	}
	e.events.Publish(ctx, Event{
		Type: EventRunFinished,
		Run:  run.Name,
		At:   time.Now().UTC(),
		Data: map[string]any{
			"status":      int(rep.Status),
			"status_name": rep.StatusName,
			"errors":      len(rep.Errors),
		},
	})
}

// writeRunCache snapshots the execution records to
// <cache_dir>/<run>/<run_num>.json. Cache failures are logged, never fatal.
func (e *Engine) writeRunCache(run *Run) {
	if run.CacheDir == "" {
		return
	}
	dir := filepath.Join(run.CacheDir, run.Name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		e.log.Warn().Err(err).Str("run", run.Name).Msg("Failed to create run cache directory")
		return
	}
	blob, err := json.MarshalIndent(run.Snapshot(), "", "  ")
	if err != nil {
		e.log.Warn().Err(err).Str("run", run.Name).Msg("Failed to encode run cache")
		return
	}
	path := filepath.Join(dir, fmt.Sprintf("%d.json", run.RunNum))
	if err := os.WriteFile(path, blob, 0o644); err != nil {
		e.log.Warn().Err(err).Str("run", run.Name).Msg("Failed to write run cache")
		return
	}
	e.log.Debug().Str("run", run.Name).Str("path", path).Msg("Run cache written")
}

func mergeParams(base, override map[string]any) map[string]any {
	if base == nil && override == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}

func copyParams(params map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}

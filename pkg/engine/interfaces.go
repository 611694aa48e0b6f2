package engine

import (
	"context"
	"time"
)

// StateFunc is the signature every state operation implements. The call
// carries the keyword arguments assembled by the call builder along with
// run metadata. A nil StateReturn with a nil error is treated as a runtime
// failure by the executor.
type StateFunc func(ctx context.Context, call *Call) (*StateReturn, error)

// Call is the fully assembled invocation handed to a StateFunc.
type Call struct {
	// Tag is the execution tag of the chunk being run.
	Tag string
	// Run and RunNum identify the owning run.
	Run    string
	RunNum int
	// Test is true when the run is a dry run. State functions must not
	// mutate resources when set.
	Test bool
	// Acct holds the decrypted credential profile for the chunk, or nil.
	Acct map[string]any
	// Kwargs are the keyword arguments built from the chunk.
	Kwargs map[string]any
	// RerunData is the value the previous attempt returned, carried across
	// reconciliation loops so providers can resume long operations.
	RerunData any
}

// String returns a keyword argument coerced to string, with ok=false when
// absent or not a string.
func (c *Call) String(key string) (string, bool) {
	v, ok := c.Kwargs[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Bool returns a boolean keyword argument, defaulting when absent.
func (c *Call) Bool(key string, def bool) bool {
	v, ok := c.Kwargs[key]
	if !ok {
		return def
	}
	b, ok := v.(bool)
	if !ok {
		return def
	}
	return b
}

// Param describes one declared parameter of a state operation.
type Param struct {
	Name     string
	Required bool
	// Boolean marks parameters that must be passed as bool values.
	Boolean bool
	// Default is applied when the chunk does not supply the parameter.
	// HasDefault distinguishes an explicit nil default from no default.
	Default    any
	HasDefault bool
}

// CallSpec declares the calling convention of a state operation.
type CallSpec struct {
	Params []Param
	// CatchAll marks operations that accept arbitrary extra keyword
	// arguments. Without it, unknown keywords are dropped with a warning.
	CatchAll bool
}

// Param looks up a declared parameter by name.
func (s *CallSpec) Param(name string) (*Param, bool) {
	for i := range s.Params {
		if s.Params[i].Name == name {
			return &s.Params[i], true
		}
	}
	return nil, false
}

// RequiredParam declares a parameter the caller must supply.
func RequiredParam(name string) Param {
	return Param{Name: name, Required: true}
}

// OptionalParam declares a parameter with a default value.
func OptionalParam(name string, def any) Param {
	return Param{Name: name, Default: def, HasDefault: true}
}

// BoolParam declares a strictly boolean parameter with a default.
func BoolParam(name string, def bool) Param {
	return Param{Name: name, Boolean: true, Default: def, HasDefault: true}
}

// Definition binds a state operation reference to its calling convention
// and implementation.
type Definition struct {
	// Ref is the "state.fun" reference, e.g. "file.managed".
	Ref  string
	Spec *CallSpec
	Func StateFunc

	// SkipESM excludes results from enforced-state tracking. A provider
	// can still opt a single return back in by setting its ESMTag.
	SkipESM bool

	// Require lists operation references every chunk of this operation
	// transparently requires; the compiler adds the requisites for any
	// matching chunk in the same run.
	Require []string

	// Unique serializes every chunk of this operation, equivalent to
	// declaring the unique keyword on each of them.
	Unique bool

	// ReconcileWait names the wait strategy and its parameters used when
	// reconciliation reruns this operation, nil for the static default.
	ReconcileWait *WaitSpec

	// Pending overrides the default pending predicate for this operation.
	Pending PendingFunc
}

// Resolver maps "state.fun" references to definitions. Implemented by the
// provider registry.
type Resolver interface {
	// Lookup returns the definition for a reference, or an error when the
	// reference is unknown.
	Lookup(ref string) (*Definition, error)
	// Refs lists every registered reference, sorted.
	Refs() []string
}

// Gatherer renders state sources into high data. Implemented by the sls
// package.
type Gatherer interface {
	Gather(ctx context.Context, sources []string, params map[string]any) (HighData, error)

	// GatherParams resolves parameter sources into one merged mapping,
	// later sources overriding earlier ones.
	GatherParams(ctx context.Context, sources []string) (map[string]any, error)
}

// StateManager brokers access to enforced state. Enter acquires the
// exclusive run lock and returns the current managed state; Exit writes
// the state back when commit is true and releases the lock either way.
type StateManager interface {
	Enter(ctx context.Context, run string) (map[string]map[string]any, error)
	Exit(ctx context.Context, run string, state map[string]map[string]any, commit bool) error
}

// CredentialSource resolves credential profiles for chunks that name one.
type CredentialSource interface {
	Profile(ctx context.Context, name string) (map[string]any, error)
}

// Event types published over the run lifecycle.
const (
	EventRunCreated    = "run.created"
	EventRunStatus     = "run.status"
	EventRunFinished   = "run.finished"
	EventChunkStart    = "chunk.start"
	EventChunkResult   = "chunk.result"
	EventChunkBlocked  = "chunk.blocked"
	EventReconcileWait = "reconcile.wait"
)

// Event is a lifecycle notification.
type Event struct {
	Type string         `json:"type"`
	Run  string         `json:"run"`
	Tag  string         `json:"tag,omitempty"`
	At   time.Time      `json:"at"`
	Data map[string]any `json:"data,omitempty"`
}

// EventSink receives lifecycle events. Publish must not block the caller
// for long; sinks are expected to buffer.
type EventSink interface {
	Publish(ctx context.Context, ev Event)
}

// Violation is a policy finding against a compiled chunk.
type Violation struct {
	Tag     string `json:"tag"`
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

// PolicyGate evaluates compiled low data before execution. Any returned
// violation aborts the run before state functions are called.
type PolicyGate interface {
	Evaluate(ctx context.Context, low []*Chunk) ([]Violation, error)
}

// Metrics records engine measurements. Implemented by the telemetry
// package; a nil Metrics is valid and drops everything.
type Metrics interface {
	RunStatus(run string, s Status)
	ChunkDone(state, fun string, success bool, seconds float64)
	RerunScheduled(run string)
}

// PendingOpts carries the reconciliation counters a pending predicate may
// consult.
type PendingOpts struct {
	// RerunsWithoutChange counts consecutive reruns that reproduced the
	// same result and changes for this tag.
	RerunsWithoutChange int
	// MaxRerunsWithoutChange is the ceiling for RerunsWithoutChange. Zero
	// selects the default.
	MaxRerunsWithoutChange int
	// Reruns counts reconciliation passes so far across the whole run.
	Reruns int
	// MaxReruns is the configured rerun ceiling.
	MaxReruns int
}

// PendingFunc decides whether an execution result should be retried by the
// reconciliation loop.
type PendingFunc func(ret *ExecutionRecord, state string, opts PendingOpts) bool

// WaitSpec selects the delay strategy between reconciliation reruns of one
// operation.
type WaitSpec struct {
	// Kind is "static", "exponential", or "random".
	Kind string
	// Seconds is the base wait for the static and exponential strategies.
	Seconds float64
	// Multiplier grows the exponential wait on every rerun.
	Multiplier float64
	// Min and Max bound the random strategy, in seconds.
	Min float64
	Max float64
}

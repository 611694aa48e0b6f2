package engine

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// IOrderBase is the first declaration order value assigned during ingestion.
// Starting high leaves room to order inserted chunks before the first
// declaration without renumbering.
const IOrderBase = 100000

// RequisiteKind identifies one requisite relationship between declarations.
type RequisiteKind string

const (
	// RequisiteRequire gates execution on the target succeeding.
	RequisiteRequire RequisiteKind = "require"

	// RequisiteRequireAny gates execution on at least one target succeeding.
	RequisiteRequireAny RequisiteKind = "require_any"

	// RequisiteArgBind gates like require and additionally binds values from
	// the target's new state into the declaring chunk's arguments.
	RequisiteArgBind RequisiteKind = "arg_bind"

	// RequisiteListen never gates execution; the listener is re-invoked after
	// the main pass when the target recorded changes.
	RequisiteListen RequisiteKind = "listen"
)

// requisiteKeywords are the requisite list keys recognized on a declaration.
var requisiteKeywords = map[string]RequisiteKind{
	"require":     RequisiteRequire,
	"require_any": RequisiteRequireAny,
	"arg_bind":    RequisiteArgBind,
	"listen":      RequisiteListen,
}

// requisiteInKeywords are the inverted requisite keys. They are rewritten
// onto the referenced target during compilation and never reach low data.
var requisiteInKeywords = map[string]RequisiteKind{
	"require_in": RequisiteRequire,
	"listen_in":  RequisiteListen,
}

// runtimeKeywords are declaration keys consumed by the engine itself. They
// are lifted onto the Chunk and never forwarded to provider functions.
var runtimeKeywords = map[string]struct{}{
	"order":               {},
	"name_order":          {},
	"name_prefix":         {},
	"onlyif":              {},
	"unless":              {},
	"ignore_changes":      {},
	"sls_meta":            {},
	"unique":              {},
	"protected":           {},
	"recreate_on_update":  {},
	"recreate_if_deleted": {},
}

// StateInternalKeywords are keys a provider call never receives even when
// the target declares a catch-all parameter: the union of requisite,
// inverted-requisite, and runtime keywords plus the chunk identity keys.
var StateInternalKeywords = func() map[string]struct{} {
	out := map[string]struct{}{
		"state":      {},
		"fun":        {},
		"__id__":     {},
		"__sls__":    {},
		"tag":        {},
		"rerun_data": {},
	}
	for k := range requisiteKeywords {
		out[k] = struct{}{}
	}
	for k := range requisiteInKeywords {
		out[k] = struct{}{}
	}
	for k := range runtimeKeywords {
		out[k] = struct{}{}
	}
	return out
}()

// Variant distinguishes the base form of a chunk from the synthetic
// replacement form used by recreate flows.
type Variant int

const (
	// VariantBase is an ordinary chunk.
	VariantBase Variant = iota

	// VariantForceReplace is a synthetic chunk forcing a create-then-replace
	// path. Its tags carry a "_create_new" suffix on the declaration ID.
	VariantForceReplace
)

// Suffix returns the declaration-ID suffix for the variant.
func (v Variant) Suffix() string {
	if v == VariantForceReplace {
		return "_create_new"
	}
	return ""
}

// ArgBinding maps one attribute path in a requisite target's new state onto
// one argument path of the declaring chunk. Paths use colon-separated keys
// with optional [N] and [*] list indexes.
type ArgBinding struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// Requisite is one symbolic requisite reference as declared in high data.
type Requisite struct {
	// Kind is the requisite relationship.
	Kind RequisiteKind `json:"kind"`

	// State is the referenced resource type, or "sls" for file references.
	State string `json:"state"`

	// Ref is the symbolic target: a declaration ID, a resource name, or an
	// SLS reference, resolved by the compiler via FindName.
	Ref string `json:"ref"`

	// Bind carries the declared bindings for arg_bind requisites.
	Bind []ArgBinding `json:"bind,omitempty"`
}

// Edge is one resolved requisite edge carried by a low-data chunk.
type Edge struct {
	// Kind is the requisite relationship the edge enforces.
	Kind RequisiteKind `json:"kind"`

	// State and Ref are the requisite as it was declared, kept for
	// reporting.
	State string `json:"state"`
	Ref   string `json:"ref"`

	// Tag is the resolved target: an execution tag within the run, or the
	// enforced-state key when ESM is set.
	Tag string `json:"tag"`

	// ESM marks an edge satisfied from managed state because the target is
	// not part of this run's low data. ESM edges never gate admission.
	ESM bool `json:"esm,omitempty"`

	// Bind carries the bindings for arg_bind edges.
	Bind []ArgBinding `json:"bind,omitempty"`
}

// Declaration is one high-data entry: everything declared under a single ID.
type Declaration struct {
	// ID is the declaration ID (the top-level key in the SLS document).
	ID string `json:"__id__"`

	// SLS is the reference of the source file the declaration came from.
	SLS string `json:"__sls__,omitempty"`

	// IOrder is the monotonically assigned ingestion order.
	IOrder int `json:"__iorder__"`

	// States maps resource type to operation to the declared argument list.
	States map[string]map[string][]map[string]any `json:"states"`
}

// HighData is the declaration graph keyed by declaration ID.
type HighData map[string]*Declaration

// Chunk is one concrete unit of work derived from one declaration.
type Chunk struct {
	// State is the resource type, e.g. "cloud.instance".
	State string `json:"state"`

	// ID is the declaration ID the chunk came from.
	ID string `json:"__id__"`

	// Fun is the operation, e.g. "present" or "absent".
	Fun string `json:"fun"`

	// Name is the resource name, possibly expanded from a names list.
	Name string `json:"name"`

	// NamePrefix stabilizes the tag when Name is generated; when the prefix
	// is a substring of Name, tags use the prefix instead of the name.
	NamePrefix string `json:"name_prefix,omitempty"`

	// SLS is the origin file reference.
	SLS string `json:"__sls__,omitempty"`

	// SLSMeta carries per-source metadata attached during gathering.
	SLSMeta map[string]any `json:"sls_meta,omitempty"`

	// Args are the declared keyword arguments forwarded to the provider,
	// excluding requisites and runtime keywords.
	Args map[string]any `json:"args,omitempty"`

	// Requisites are the symbolic requisites as declared.
	Requisites []Requisite `json:"requisites,omitempty"`

	// Edges are the resolved requisite edges produced by the compiler.
	Edges []Edge `json:"edges,omitempty"`

	// Order is the declared order value: an integer, "first", "last", or nil
	// when only ingestion order applies.
	Order any `json:"order,omitempty"`

	// IOrder is the ingestion order inherited from the declaration.
	IOrder int `json:"__iorder__"`

	// NameOrder is the 1-based position within a names expansion, 0 if the
	// chunk did not come from one.
	NameOrder int `json:"name_order,omitempty"`

	// OnlyIf and Unless guard execution with expressions evaluated against
	// the run parameters and chunk arguments.
	OnlyIf []string `json:"onlyif,omitempty"`
	Unless []string `json:"unless,omitempty"`

	// IgnoreChanges lists argument paths nulled out for existing resources.
	IgnoreChanges []string `json:"ignore_changes,omitempty"`

	// Unique serializes chunks sharing a provider function even in the
	// parallel runtime.
	Unique bool `json:"unique,omitempty"`

	// Protected guards the resource: the policy gate denies absent
	// operations on protected chunks.
	Protected bool `json:"protected,omitempty"`

	// Variant distinguishes base chunks from forced-replacement chunks.
	Variant Variant `json:"variant,omitempty"`

	// RecreateOnUpdate requests a full replacement instead of an in-place
	// update when the declared arguments drift from enforced state. The
	// mapping holds flow options, currently create_before_destroy.
	RecreateOnUpdate map[string]any `json:"recreate_on_update,omitempty"`

	// RecreateIfDeleted clears a stale resource_id from enforced state when
	// the provider reports the resource gone, letting reconciliation
	// recreate it.
	RecreateIfDeleted bool `json:"recreate_if_deleted,omitempty"`

	// RecreationFlow marks a chunk participating in a replacement flow;
	// it relaxes the nil-clobber rule for resource_id and disables
	// ignore_changes handling.
	RecreationFlow bool `json:"recreation_flow,omitempty"`

	// HaltExecution short-circuits the chunk with a success record stating
	// the resource will be recreated. Replacement flows set it on the
	// original chunk once the substitute chunks are queued.
	HaltExecution bool `json:"halt_current_execution,omitempty"`

	// RerunData is the value the chunk's previous attempt returned, set
	// when reconciliation schedules the chunk again.
	RerunData any `json:"rerun_data,omitempty"`

	// inverted holds require_in and listen_in declarations, already mapped
	// to their forward kinds. The compiler rewrites them onto their targets
	// and they never reach low data.
	inverted []Requisite
}

// TagID returns the declaration ID as it appears in the chunk's tags,
// including the variant suffix.
func (c *Chunk) TagID() string {
	return c.ID + c.Variant.Suffix()
}

// WithVariant returns a shallow copy of the chunk with the given variant.
func (c *Chunk) WithVariant(v Variant) *Chunk {
	dup := *c
	dup.Variant = v
	return &dup
}

// FuncRef returns the dotted provider reference for the chunk.
func (c *Chunk) FuncRef() string {
	return c.State + "." + c.Fun
}

// StateReturn is the value a provider function returns from one invocation.
type StateReturn struct {
	// Result is true on success, false on failure, nil when the operation
	// could not decide (for example some dry runs).
	Result *bool `json:"result"`

	// Comment is the human-readable outcome, one entry per message.
	Comment []string `json:"comment,omitempty"`

	// OldState and NewState are the resource attributes before and after.
	OldState map[string]any `json:"old_state"`
	NewState map[string]any `json:"new_state"`

	// Changes is the provider-computed diff. Recorded verbatim.
	Changes map[string]any `json:"changes,omitempty"`

	// RerunData is carried across reconciliation attempts; a non-nil value
	// keeps the chunk pending.
	RerunData any `json:"rerun_data,omitempty"`

	// ESMTag overrides the enforced-state key the record is written under.
	// Stateful sub-calls use this to adopt a different identity.
	ESMTag string `json:"esm_tag,omitempty"`

	// ForceSave writes NewState to managed state even on failure.
	ForceSave bool `json:"force_save,omitempty"`
}

// ExecutionRecord is the per-chunk result stored at Run.Running[tag].
type ExecutionRecord struct {
	Tag          string         `json:"tag"`
	Name         string         `json:"name"`
	ID           string         `json:"__id__"`
	Result       *bool          `json:"result"`
	Comment      []string       `json:"comment"`
	OldState     map[string]any `json:"old_state"`
	NewState     map[string]any `json:"new_state"`
	Changes      map[string]any `json:"changes"`
	RerunData    any            `json:"rerun_data"`
	ESMTag       string         `json:"esm_tag"`
	RunNum       int            `json:"__run_num"`
	StartTime    string         `json:"start_time"`
	TotalSeconds float64        `json:"total_seconds"`
	SLSMeta      map[string]any `json:"sls_meta,omitempty"`

	// Blocked marks a chunk that was never executed because a gating
	// requisite failed. Distinct from an executed failure.
	Blocked bool `json:"blocked,omitempty"`

	// RecreationFlow mirrors the chunk flag so reconciliation can keep a
	// replacement pending until its result settles true.
	RecreationFlow bool `json:"recreation_flow,omitempty"`
}

// Terminal reports whether the record can never become pending again:
// a true result with no rerun data.
func (r *ExecutionRecord) Terminal() bool {
	return r.Result != nil && *r.Result && r.RerunData == nil
}

// Failed reports whether the record holds a non-success result.
func (r *ExecutionRecord) Failed() bool {
	return r.Result == nil || !*r.Result
}

// SeqEntry is one candidate chunk in the execution sequence, carrying the
// requisite returns gathered so far and the set of unmet target tags.
type SeqEntry struct {
	Chunk   *Chunk
	Tag     string
	Reqrets []ReqRet
	Unmet   map[string]struct{}
	Errors  []string
}

// ReqRet is the recorded outcome of one resolved requisite target.
type ReqRet struct {
	Kind  RequisiteKind
	State string
	Name  string
	RTag  string
	Ret   *ExecutionRecord
	Chunk *Chunk
	Bind  []ArgBinding
}

// Run is one declarative execution context.
type Run struct {
	// Name uniquely identifies the run in the registry.
	Name string `json:"name"`

	// SLSSources and ParamSources are ordered source locators.
	SLSSources   []string `json:"sls_sources"`
	ParamSources []string `json:"param_sources"`

	// Render names the renderer pipe used for SLS files.
	Render string `json:"render"`

	// Runtime selects the execution mode: "serial" or "parallel".
	Runtime string `json:"runtime"`

	// CacheDir is the root for run caches and local enforced state.
	CacheDir string `json:"cache_dir"`

	// Test runs every chunk in dry-run mode.
	Test bool `json:"test"`

	// InvertState swaps present and absent operations and reverses
	// requisite direction for teardown ordering.
	InvertState bool `json:"invert_state"`

	// AcctProfile and AcctData carry the opaque credential context.
	AcctProfile string         `json:"acct_profile"`
	AcctData    map[string]any `json:"-"`

	// ManagedState is the enforced state mapping, keyed by ESM tag.
	ManagedState map[string]map[string]any `json:"-"`

	// Status is the lifecycle state, see the Status type.
	Status Status `json:"status"`

	// RunNum counts applies executed under this run name.
	RunNum int `json:"run_num"`

	// IOrder is the next ingestion order value to assign.
	IOrder int `json:"iorder"`

	High    HighData                    `json:"high,omitempty"`
	Low     []*Chunk                    `json:"low,omitempty"`
	PostLow []*Chunk                    `json:"post_low,omitempty"`
	AddLow  []*Chunk                    `json:"add_low,omitempty"`
	Running map[string]*ExecutionRecord `json:"running"`
	Errors  []string                    `json:"errors"`
	Meta    map[string]any              `json:"meta,omitempty"`
	Params  map[string]any              `json:"params,omitempty"`

	// Compiler bookkeeping: resolved SLS refs, seen files, rendered blocks,
	// and the ref-to-file mapping.
	Resolved map[string]struct{} `json:"-"`
	Files    map[string]struct{} `json:"-"`
	Blocks   map[string]any      `json:"-"`
	SLSRefs  map[string]string   `json:"-"`

	mu sync.Mutex
}

// NextIOrder returns the current ingestion order value and advances it.
func (r *Run) NextIOrder() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.IOrder
	r.IOrder++
	return n
}

// Record stores an execution record under its tag. Safe for concurrent use
// within one parallel wave.
func (r *Run) Record(rec *ExecutionRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Running[rec.Tag] = rec
}

// Lookup returns the record stored under tag.
func (r *Run) Lookup(tag string) (*ExecutionRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.Running[tag]
	return rec, ok
}

// AddError appends a structural error to the run.
func (r *Run) AddError(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// ErrorCount reports how many structural errors the run has accumulated.
func (r *Run) ErrorCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Errors)
}

// AppendLow queues chunks for merging into the sequence before the next
// wave. Providers use this to synthesize replacement chunks mid-run.
func (r *Run) AppendLow(chunks ...*Chunk) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.AddLow = append(r.AddLow, chunks...)
}

// takeAddLow drains the queued chunks.
func (r *Run) takeAddLow() []*Chunk {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.AddLow
	r.AddLow = nil
	return out
}

// takePostLow drains the chunks deferred to after the main sequence.
func (r *Run) takePostLow() []*Chunk {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.PostLow
	r.PostLow = nil
	return out
}

// extendLow appends mid-run chunks to the compiled low data so later passes
// over the run can still reach them. Tags already present are dropped.
func (r *Run) extendLow(chunks []*Chunk) {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[string]struct{}, len(r.Low))
	for _, c := range r.Low {
		seen[Tag(c)] = struct{}{}
	}
	for _, c := range chunks {
		if _, dup := seen[Tag(c)]; !dup {
			r.Low = append(r.Low, c)
		}
	}
}

// RunningCount returns the number of recorded chunks.
func (r *Run) RunningCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Running)
}

// resetRunning clears recorded results so a reconciliation pass can admit
// chunks again.
func (r *Run) resetRunning() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Running = make(map[string]*ExecutionRecord)
}

// replaceRunning swaps in the merged record map after reconciliation.
func (r *Run) replaceRunning(recs map[string]*ExecutionRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Running = recs
}

// Managed returns the enforced-state entry for the key. Safe to call while
// chunks are executing in parallel; entries are replaced wholesale, never
// mutated in place, so the returned map may be read without the lock.
func (r *Run) Managed(key string) (map[string]any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	data, ok := r.ManagedState[key]
	return data, ok
}

// ManagedByResourceID scans enforced state for the first entry holding the
// given resource identifier. Used when a declaration changed its identity
// but still names the same underlying resource.
func (r *Run) ManagedByResourceID(id any) (map[string]any, string, bool) {
	if !truthy(id) {
		return nil, "", false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	want := fmt.Sprint(id)
	for _, key := range sortedKeys(r.ManagedState) {
		data := r.ManagedState[key]
		rid, ok := data["resource_id"]
		if ok && truthy(rid) && fmt.Sprint(rid) == want {
			return data, key, true
		}
	}
	return nil, "", false
}

// ClearManagedResourceID removes the resource identifier from one enforced
// state entry, leaving the rest of the entry in place.
func (r *Run) ClearManagedResourceID(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if data, ok := r.ManagedState[key]; ok {
		delete(data, "resource_id")
	}
}

// WriteManaged applies the enforced-state write-back rules for one record.
// A record is save-worthy on success, on a forced save, or when a new state
// appears where none existed. Save-worthy records with a non-empty new state
// replace the managed entry; with an empty new state they remove it.
func (r *Run) WriteManaged(rec *ExecutionRecord, ret *StateReturn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ManagedState == nil || rec.ESMTag == "" {
		return
	}
	succeeded := rec.Result != nil && *rec.Result
	created := len(rec.OldState) == 0 && len(rec.NewState) > 0
	if !succeeded && !ret.ForceSave && !created {
		return
	}
	if len(rec.NewState) > 0 {
		r.ManagedState[rec.ESMTag] = rec.NewState
	} else {
		delete(r.ManagedState, rec.ESMTag)
	}
}

// Snapshot returns a copy of the running map for reconciliation merging.
func (r *Run) Snapshot() map[string]*ExecutionRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]*ExecutionRecord, len(r.Running))
	for tag, rec := range r.Running {
		dup := *rec
		out[tag] = &dup
	}
	return out
}

// FailedTags returns the tags of all failed records in stable order.
func (r *Run) FailedTags() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var tags []string
	for tag, rec := range r.Running {
		if rec.Failed() {
			tags = append(tags, tag)
		}
	}
	sort.Strings(tags)
	return tags
}

// newRecord initializes the record shape every chunk starts from. The
// result begins false so an interrupted run never reports untouched chunks
// as succeeded.
func newRecord(c *Chunk, runNum int) *ExecutionRecord {
	return &ExecutionRecord{
		Tag:            Tag(c),
		Name:           c.Name,
		ID:             c.ID,
		Result:         FalseResult(),
		Changes:        map[string]any{},
		ESMTag:         ESMTag(c),
		RunNum:         runNum,
		StartTime:      time.Now().UTC().Format(time.RFC3339Nano),
		SLSMeta:        c.SLSMeta,
		RecreationFlow: c.RecreationFlow,
	}
}

// ParseRequisiteRefs expands one declared requisite value into symbolic
// references. Accepted shapes, matching SLS documents:
//
//	require:
//	  - cloud.instance: web-1
//	  - cloud.instance:
//	      - web-2
//	      - web-3
//	  - sls: networking
//	arg_bind:
//	  - cloud.instance:
//	      - web-1:
//	          - resource_id: subnet_id
func ParseRequisiteRefs(kind RequisiteKind, value any) ([]Requisite, error) {
	entries, ok := asSlice(value)
	if !ok {
		entries = []any{value}
	}
	var out []Requisite
	for _, entry := range entries {
		m, ok := asMap(entry)
		if !ok {
			return nil, fmt.Errorf("requisite %s entries must be mappings, got %T", kind, entry)
		}
		for _, state := range sortedKeys(m) {
			if strings.Contains(state, " ") {
				return nil, fmt.Errorf("requisite %s state %q must not contain spaces", kind, state)
			}
			list, ok := asSlice(m[state])
			if !ok {
				list = []any{m[state]}
			}
			for _, ref := range list {
				switch target := ref.(type) {
				case string:
					out = append(out, Requisite{Kind: kind, State: state, Ref: target})
				default:
					named, ok := asMap(ref)
					if !ok {
						return nil, fmt.Errorf("requisite %s %s target must be a string or mapping, got %T", kind, state, ref)
					}
					for _, name := range sortedKeys(named) {
						bind, err := parseBindings(kind, named[name])
						if err != nil {
							return nil, err
						}
						out = append(out, Requisite{Kind: kind, State: state, Ref: name, Bind: bind})
					}
				}
			}
		}
	}
	return out, nil
}

// parseBindings reads the source-to-target path pairs attached to one
// arg_bind target.
func parseBindings(kind RequisiteKind, value any) ([]ArgBinding, error) {
	entries, ok := asSlice(value)
	if !ok {
		entries = []any{value}
	}
	var out []ArgBinding
	for _, entry := range entries {
		m, ok := asMap(entry)
		if !ok {
			return nil, fmt.Errorf("requisite %s bindings must map source to target paths, got %T", kind, entry)
		}
		for _, src := range sortedKeys(m) {
			dst, ok := m[src].(string)
			if !ok {
				return nil, fmt.Errorf("requisite %s binding target for %q must be a string, got %T", kind, src, m[src])
			}
			out = append(out, ArgBinding{Source: src, Target: dst})
		}
	}
	return out, nil
}

// asMap normalizes the map shapes YAML and JSON decoders produce.
func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			ks, ok := k.(string)
			if !ok {
				return nil, false
			}
			out[ks] = val
		}
		return out, true
	}
	return nil, false
}

// asSlice normalizes slice values from decoders.
func asSlice(v any) ([]any, bool) {
	if s, ok := v.([]any); ok {
		return s, true
	}
	return nil, false
}

// sortedKeys returns map keys in stable order.
func sortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// TrueResult and FalseResult are shared helpers for building StateReturn
// values.
func TrueResult() *bool  { b := true; return &b }
func FalseResult() *bool { b := false; return &b }

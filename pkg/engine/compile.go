package engine

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// argReferenceRegex matches one ${state:name:path} argument binding
// reference inside a string value.
var argReferenceRegex = regexp.MustCompile(`\$\{[^\${}]+\}`)

// Compiler turns high data into ordered low chunks with resolved requisite
// edges. Structural problems are appended to Run.Errors rather than
// returned, so one pass reports every defect in the document.
type Compiler struct {
	log      zerolog.Logger
	resolver Resolver
}

// NewCompiler builds a compiler. resolver may be nil; it is only consulted
// for provider flags such as enforced-state opt-outs.
func NewCompiler(log zerolog.Logger, resolver Resolver) *Compiler {
	return &Compiler{
		log:      log.With().Str("component", "compiler").Logger(),
		resolver: resolver,
	}
}

// Compile builds run.Low from run.High, folding in any chunks already
// queued through AppendLow. It runs once per apply; chunks queued mid-run
// are merged by the runtime between waves without recompiling, so edge
// resolution here must not depend on execution state.
func (c *Compiler) Compile(run *Run) {
	chunks := c.chunkHigh(run)
	c.applyTransparentRequisites(chunks)
	c.invertRequisites(run, chunks)
	c.bindReferences(run, chunks)
	chunks = append(chunks, run.takeAddLow()...)
	chunks = orderChunks(chunks)
	chunks = c.resolveEdges(run, chunks)
	c.detectCycles(run, chunks)
	run.Low = chunks
}

// chunkHigh flattens declarations into one chunk per state, function, and
// expanded name. Declarations are visited in ingestion order so unordered
// chunks execute the way the documents listed them.
func (c *Compiler) chunkHigh(run *Run) []*Chunk {
	var chunks []*Chunk
	for _, decl := range declarationsInOrder(run.High) {
		for _, state := range sortedKeys(decl.States) {
			for _, fun := range sortedKeys(decl.States[state]) {
				chunks = append(chunks, c.chunkState(run, decl, state, fun)...)
			}
		}
	}
	return chunks
}

func (c *Compiler) chunkState(run *Run, decl *Declaration, state, fun string) []*Chunk {
	if run.InvertState {
		switch fun {
		case "present":
			fun = "absent"
		case "absent":
			fun = "present"
		}
	}
	chunk := &Chunk{
		State:  state,
		ID:     decl.ID,
		Fun:    fun,
		Name:   decl.ID,
		SLS:    decl.SLS,
		IOrder: decl.IOrder,
		Args:   map[string]any{},
	}
	var names []any
	for _, arg := range decl.States[state][fun] {
		for _, key := range sortedKeys(arg) {
			if key == "names" {
				entries, ok := asSlice(arg[key])
				if !ok {
					run.AddError("The names list for ID '%s' in SLS '%s' is not formed as a list", decl.ID, decl.SLS)
					continue
				}
				for _, entry := range entries {
					if s, ok := entry.(string); ok && containsName(names, s) {
						continue
					}
					names = append(names, entry)
				}
				continue
			}
			c.applyArgKey(run, decl, chunk, key, arg[key])
		}
	}
	if len(names) == 0 {
		c.warnUnresolvedTag(chunk)
		return []*Chunk{chunk}
	}

	out := make([]*Chunk, 0, len(names))
	for i, entry := range names {
		live := cloneChunk(chunk)
		live.NameOrder = i + 1
		switch v := entry.(type) {
		case string:
			live.Name = v
		default:
			named, ok := asMap(entry)
			if !ok {
				run.AddError("The names entry %v for ID '%s' is not a string or mapping", entry, decl.ID)
				continue
			}
			for _, nm := range sortedKeys(named) {
				live.Name = nm
				overrides, ok := asSlice(named[nm])
				if !ok {
					overrides = []any{named[nm]}
				}
				for _, override := range overrides {
					om, ok := asMap(override)
					if !ok {
						run.AddError("The names override %v for '%s' in ID '%s' is not a mapping", override, nm, decl.ID)
						continue
					}
					for _, key := range sortedKeys(om) {
						c.applyArgKey(run, decl, live, key, om[key])
					}
				}
			}
		}
		c.warnUnresolvedTag(live)
		out = append(out, live)
	}
	return out
}

// applyArgKey routes one declared key onto the chunk: requisites are
// parsed, runtime keywords are lifted, and everything else becomes a
// provider argument.
func (c *Compiler) applyArgKey(run *Run, decl *Declaration, chunk *Chunk, key string, val any) {
	if kind, ok := requisiteKeywords[key]; ok {
		reqs, err := ParseRequisiteRefs(kind, val)
		if err != nil {
			run.AddError("Invalid %s requisite for ID '%s' in SLS '%s': %v", key, decl.ID, decl.SLS, err)
			return
		}
		chunk.Requisites = append(chunk.Requisites, reqs...)
		return
	}
	if kind, ok := requisiteInKeywords[key]; ok {
		reqs, err := ParseRequisiteRefs(kind, val)
		if err != nil {
			run.AddError("Invalid %s requisite for ID '%s' in SLS '%s': %v", key, decl.ID, decl.SLS, err)
			return
		}
		chunk.inverted = append(chunk.inverted, reqs...)
		return
	}
	switch key {
	case "state":
		// State overrides are never passed down.
	case "name":
		if s, ok := val.(string); ok {
			chunk.Name = s
		} else {
			chunk.Name = chunk.ID
		}
	case "name_prefix":
		prefix, ok := val.(string)
		if !ok {
			run.AddError("The name_prefix for ID '%s' must be a string, got %T", decl.ID, val)
			return
		}
		// An explicit name wins; otherwise generate a unique name under
		// the prefix so repeated applies still share one tag.
		if chunk.Name == chunk.ID {
			chunk.Name = prefix + strconv.FormatInt(time.Now().UnixNano(), 10)
		}
		chunk.NamePrefix = prefix
	case "order":
		chunk.Order = val
	case "name_order":
		if n, ok := asInt(val); ok {
			chunk.NameOrder = n
		}
	case "onlyif":
		chunk.OnlyIf = stringList(val)
	case "unless":
		chunk.Unless = stringList(val)
	case "ignore_changes":
		chunk.IgnoreChanges = stringList(val)
	case "unique":
		chunk.Unique = truthy(val)
	case "protected":
		chunk.Protected = truthy(val)
	case "recreate_on_update":
		if m, ok := asMap(val); ok {
			chunk.RecreateOnUpdate = m
		} else {
			run.AddError(
				"recreate_on_update requisite should contain a dict of parameters, not %v", val)
		}
	case "recreate_if_deleted":
		chunk.RecreateIfDeleted = truthy(val)
	case "sls_meta":
		if m, ok := asMap(val); ok {
			chunk.SLSMeta = m
		}
	default:
		chunk.Args[key] = val
	}
}

func (c *Compiler) warnUnresolvedTag(chunk *Chunk) {
	tag := Tag(chunk)
	if HasUnresolvedBinding(tag) {
		c.log.Warn().
			Str("tag", tag).
			Msg("Generated tag includes argument binding syntax and will change once requisites are resolved")
	}
}

// applyTransparentRequisites folds provider-declared ordering metadata into
// the chunks. An operation definition may require other operations or demand
// serialized execution for its own chunks without the documents spelling
// either out.
func (c *Compiler) applyTransparentRequisites(chunks []*Chunk) {
	if c.resolver == nil {
		return
	}
	for _, chunk := range chunks {
		def, err := c.resolver.Lookup(chunk.FuncRef())
		if err != nil || def == nil {
			continue
		}
		if def.Unique {
			chunk.Unique = true
		}
		for _, ref := range def.Require {
			for _, target := range chunks {
				if target.FuncRef() != ref || target == chunk {
					continue
				}
				chunk.Requisites = append(chunk.Requisites, Requisite{
					Kind:  RequisiteRequire,
					State: target.State,
					Ref:   target.ID,
				})
			}
		}
	}
}

// invertRequisites rewrites require_in and listen_in onto their targets as
// forward requisites. An inverted requisite that matches nothing is a
// compile error.
func (c *Compiler) invertRequisites(run *Run, chunks []*Chunk) {
	for _, chunk := range chunks {
		for _, req := range chunk.inverted {
			targets := findChunks(chunks, run.High, req.State, req.Ref)
			if len(targets) == 0 {
				run.AddError(
					"Cannot extend '%s:%s' with %s from ID '%s'. It is not part of the high data.",
					req.State, req.Ref, req.Kind, chunk.ID,
				)
				continue
			}
			forward := Requisite{Kind: req.Kind, State: chunk.State, Ref: chunk.ID}
			for _, target := range targets {
				if target == chunk || hasRequisite(target, forward) {
					continue
				}
				target.Requisites = append(target.Requisites, forward)
			}
		}
		chunk.inverted = nil
	}
}

// bindReferences converts ${state:name:path} references inside argument
// values into arg_bind requisites carrying the source and target paths. The
// name value participates so generated identifiers can embed attributes of
// other resources.
func (c *Compiler) bindReferences(run *Run, chunks []*Chunk) {
	for _, chunk := range chunks {
		bind := func(path string, value any) {
			s, ok := value.(string)
			if !ok {
				return
			}
			for _, ref := range argReferenceRegex.FindAllString(s, -1) {
				parts := strings.Split(ref[2:len(ref)-1], ":")
				if len(parts) < 3 {
					run.AddError(
						"Argument reference %s for ID '%s' is not properly formatted. "+
							"Argument reference format is ${referenced_state:referenced_name:argument_path}.",
						ref, chunk.ID,
					)
					continue
				}
				binding := ArgBinding{Source: strings.Join(parts[2:], ":"), Target: path}
				addBinding(chunk, parts[0], parts[1], binding)
			}
		}
		walkArgPaths("", chunk.Args, bind)
		bind("name", chunk.Name)
	}
}

// addBinding merges one binding into an existing arg_bind requisite for the
// same target, or appends a new requisite. Compile runs repeatedly over the
// same high data, so duplicates must collapse.
func addBinding(chunk *Chunk, state, name string, binding ArgBinding) {
	for i := range chunk.Requisites {
		req := &chunk.Requisites[i]
		if req.Kind != RequisiteArgBind || req.State != state || req.Ref != name {
			continue
		}
		for _, b := range req.Bind {
			if b == binding {
				return
			}
		}
		req.Bind = append(req.Bind, binding)
		return
	}
	chunk.Requisites = append(chunk.Requisites, Requisite{
		Kind:  RequisiteArgBind,
		State: state,
		Ref:   name,
		Bind:  []ArgBinding{binding},
	})
}

// walkArgPaths visits every leaf argument value with its colon-joined path.
// List elements get [N] index suffixes and literal brackets in keys are
// escaped so the binding resolver does not treat them as indexes.
func walkArgPaths(prefix string, value any, visit func(path string, value any)) {
	if m, ok := asMap(value); ok {
		for _, key := range sortedKeys(m) {
			escaped := strings.ReplaceAll(key, "[", `[\`)
			path := escaped
			if prefix != "" {
				path = prefix + ":" + escaped
			}
			walkArgPaths(path, m[key], visit)
		}
		return
	}
	if list, ok := asSlice(value); ok {
		for i, item := range list {
			walkArgPaths(fmt.Sprintf("%s[%d]", prefix, i), item, visit)
		}
		return
	}
	visit(prefix, value)
}

// orderChunks assigns the effective execution order and sorts. Declared
// integer orders come first, "first" pins to zero, "last" and negative
// orders sink past every ingestion-ordered chunk, and chunks without a
// declared order fall back to ingestion order with the names-expansion
// position as a fractional tie-break.
func orderChunks(chunks []*Chunk) []*Chunk {
	cap := 1
	for _, chunk := range chunks {
		if o, ok := asInt(chunk.Order); ok && o > cap-1 && o > 0 {
			cap = o + 100
		}
	}
	type ranked struct {
		chunk *Chunk
		order float64
		key   string
	}
	out := make([]ranked, 0, len(chunks))
	for _, chunk := range chunks {
		r := ranked{chunk: chunk, key: chunk.State + chunk.Name + chunk.Fun}
		if chunk.Order == nil {
			r.order = float64(chunk.IOrder) + float64(chunk.NameOrder)/10000.0
			out = append(out, r)
			continue
		}
		if f, ok := asFloat(chunk.Order); ok {
			r.order = f
		} else {
			switch chunk.Order {
			case "last":
				r.order = float64(cap + 1000000)
			case "first":
				r.order = 0
			default:
				r.order = float64(chunk.IOrder)
			}
		}
		r.order += float64(chunk.NameOrder) / 10000.0
		if r.order < 0 {
			r.order = float64(cap+1000000) + r.order
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].order != out[j].order {
			return out[i].order < out[j].order
		}
		return out[i].key < out[j].key
	})
	sorted := make([]*Chunk, len(out))
	for i, r := range out {
		sorted[i] = r.chunk
	}
	return sorted
}

// resolveEdges turns symbolic requisites into concrete target tags. A
// require or arg_bind reference missing from the run falls back to managed
// state; everything else unresolved is a compile error and the declaration
// is dropped from low data.
func (c *Compiler) resolveEdges(run *Run, chunks []*Chunk) []*Chunk {
	seen := make(map[string]*Chunk, len(chunks))
	for _, chunk := range chunks {
		tag := Tag(chunk)
		if prior, ok := seen[tag]; ok && prior != chunk {
			run.AddError(
				"Duplicate tag '%s': declarations must produce unique state, ID, and name combinations",
				tag,
			)
			continue
		}
		seen[tag] = chunk
	}

	excluded := make(map[string]struct{})
	for _, chunk := range chunks {
		chunk.Edges = chunk.Edges[:0]
		for _, req := range chunk.Requisites {
			targets := findChunks(chunks, run.High, req.State, req.Ref)
			if len(targets) > 0 {
				for _, target := range targets {
					if target == chunk {
						continue
					}
					chunk.Edges = append(chunk.Edges, Edge{
						Kind:  req.Kind,
						State: req.State,
						Ref:   req.Ref,
						Tag:   Tag(target),
						Bind:  req.Bind,
					})
				}
				continue
			}
			if req.Kind != RequisiteRequire && req.Kind != RequisiteArgBind {
				run.AddError("Invalid requisite '%s %s:%s'. Expected 'arg_bind' or 'require'.", req.Kind, req.State, req.Ref)
				excluded[chunk.ID] = struct{}{}
				continue
			}
			if c.skipsManagedState(req.State) {
				run.AddError("Requisite '%s %s:%s' not found in current run. Verify the syntax.", req.Kind, req.State, req.Ref)
				excluded[chunk.ID] = struct{}{}
				continue
			}
			esmTags := matchManagedTags(run, req.State, req.Ref)
			if len(esmTags) == 0 {
				c.log.Debug().
					Str("requisite", string(req.Kind)).
					Str("target", req.State+":"+req.Ref).
					Msg("Requisite not found in current run or managed state")
				run.AddError("Requisite %s %s:%s not found in ESM.", req.Kind, req.State, req.Ref)
				excluded[chunk.ID] = struct{}{}
				continue
			}
			for _, esmTag := range esmTags {
				chunk.Edges = append(chunk.Edges, Edge{
					Kind:  req.Kind,
					State: req.State,
					Ref:   req.Ref,
					Tag:   esmTag,
					ESM:   true,
					Bind:  req.Bind,
				})
			}
		}
	}
	if len(excluded) == 0 {
		return chunks
	}
	kept := chunks[:0]
	for _, chunk := range chunks {
		if _, drop := excluded[chunk.ID]; !drop {
			kept = append(kept, chunk)
		}
	}
	return kept
}

// skipsManagedState reports whether the provider owning state opted out of
// enforced-state tracking, which disqualifies it from the ESM fallback.
func (c *Compiler) skipsManagedState(state string) bool {
	if c.resolver == nil {
		return false
	}
	for _, ref := range c.resolver.Refs() {
		if strings.HasPrefix(ref, state+".") {
			def, err := c.resolver.Lookup(ref)
			return err == nil && def.SkipESM
		}
	}
	return false
}

// matchManagedTags returns the enforced-state keys whose identity matches
// the requisite reference.
func matchManagedTags(run *Run, state, ref string) []string {
	var out []string
	for _, esmTag := range sortedKeys(run.ManagedState) {
		tagState, id, name, ok := ParseESMTag(esmTag)
		if !ok || tagState != state {
			continue
		}
		if globMatch(ref, id) || globMatch(ref, name) {
			out = append(out, esmTag)
		}
	}
	return out
}

// detectCycles walks the resolved edges depth-first and reports every
// requisite cycle as a compile error, mirroring the path in the message.
func (c *Compiler) detectCycles(run *Run, chunks []*Chunk) {
	byTag := make(map[string]*Chunk, len(chunks))
	tags := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		tag := Tag(chunk)
		byTag[tag] = chunk
		tags = append(tags, tag)
	}
	visited := make(map[string]bool)
	inStack := make(map[string]bool)
	var walk func(tag string, path []string) []string
	walk = func(tag string, path []string) []string {
		visited[tag] = true
		inStack[tag] = true
		path = append(path, tag)
		chunk := byTag[tag]
		if chunk != nil {
			for _, edge := range chunk.Edges {
				if edge.ESM {
					continue
				}
				if !visited[edge.Tag] {
					if cycle := walk(edge.Tag, path); cycle != nil {
						return cycle
					}
				} else if inStack[edge.Tag] {
					start := 0
					for i, t := range path {
						if t == edge.Tag {
							start = i
							break
						}
					}
					return append(append([]string{}, path[start:]...), edge.Tag)
				}
			}
		}
		inStack[tag] = false
		return nil
	}
	for _, tag := range tags {
		if visited[tag] {
			continue
		}
		if cycle := walk(tag, nil); cycle != nil {
			run.AddError("Circular requisite dependency detected: %s", strings.Join(cycle, " -> "))
			return
		}
	}
}

// FindName resolves a symbolic requisite reference against high data into
// (declaration ID, resource type) pairs. A reference is first tried as a
// declaration ID, then as an SLS reference, then as a resource name
// embedded in a declaration of the given type.
func FindName(name, state string, high HighData) [][2]string {
	var out [][2]string
	if _, ok := high[name]; ok {
		out = append(out, [2]string{name, state})
		return out
	}
	if state == "sls" {
		for _, decl := range declarationsInOrder(high) {
			if decl.SLS != name {
				continue
			}
			states := sortedKeys(decl.States)
			if len(states) > 0 {
				out = append(out, [2]string{decl.ID, states[0]})
			}
		}
		return out
	}
	for _, decl := range declarationsInOrder(high) {
		funs, ok := decl.States[state]
		if !ok {
			continue
		}
		for _, fun := range sortedKeys(funs) {
			matched := false
			for _, arg := range funs[fun] {
				if len(arg) != 1 {
					continue
				}
				for _, v := range arg {
					if s, ok := v.(string); ok && s == name {
						matched = true
					}
				}
			}
			if matched {
				out = append(out, [2]string{decl.ID, state})
				break
			}
		}
	}
	return out
}

// findChunks unions low-data glob matching with high-data name resolution,
// deduplicated by tag.
func findChunks(chunks []*Chunk, high HighData, state, ref string) []*Chunk {
	out := GetChunks(chunks, state, ref)
	seen := make(map[string]struct{}, len(out))
	for _, chunk := range out {
		seen[Tag(chunk)] = struct{}{}
	}
	for _, pair := range FindName(ref, state, high) {
		for _, chunk := range chunks {
			if chunk.ID != pair[0] || chunk.State != pair[1] {
				continue
			}
			tag := Tag(chunk)
			if _, dup := seen[tag]; dup {
				continue
			}
			seen[tag] = struct{}{}
			out = append(out, chunk)
		}
	}
	return out
}

func containsName(names []any, name string) bool {
	for _, have := range names {
		if s, ok := have.(string); ok && s == name {
			return true
		}
	}
	return false
}

func hasRequisite(chunk *Chunk, req Requisite) bool {
	for _, have := range chunk.Requisites {
		if have.Kind == req.Kind && have.State == req.State && have.Ref == req.Ref {
			return true
		}
	}
	return false
}

// declarationsInOrder returns declarations sorted by ingestion order with
// the ID as a tie-break, giving map-backed high data a stable walk.
func declarationsInOrder(high HighData) []*Declaration {
	out := make([]*Declaration, 0, len(high))
	for _, decl := range high {
		out = append(out, decl)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IOrder != out[j].IOrder {
			return out[i].IOrder < out[j].IOrder
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// cloneChunk deep-copies the fields a names expansion may override.
func cloneChunk(chunk *Chunk) *Chunk {
	dup := *chunk
	dup.Args = make(map[string]any, len(chunk.Args))
	for k, v := range chunk.Args {
		dup.Args[k] = v
	}
	dup.Requisites = append([]Requisite{}, chunk.Requisites...)
	dup.inverted = append([]Requisite{}, chunk.inverted...)
	dup.OnlyIf = append([]string{}, chunk.OnlyIf...)
	dup.Unless = append([]string{}, chunk.Unless...)
	dup.IgnoreChanges = append([]string{}, chunk.IgnoreChanges...)
	return &dup
}

func stringList(v any) []string {
	switch t := v.(type) {
	case string:
		return []string{t}
	case []string:
		return t
	}
	list, ok := asSlice(v)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case uint64:
		return int(t), true
	case float64:
		if t == float64(int(t)) {
			return int(t), true
		}
	}
	return 0, false
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint64:
		return float64(t), true
	case float32:
		return float64(t), true
	case float64:
		return t, true
	}
	return 0, false
}

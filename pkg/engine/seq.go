package engine

import (
	"fmt"
	"sort"
)

// seqOptions tunes one admission pass.
type seqOptions struct {
	// invert reverses requisite direction so dependents are torn down
	// before the declarations they point at.
	invert bool
}

// buildSeq computes the next admission sequence over the working low data.
// Each entry is a chunk with no recorded result yet, together with the
// outcomes of its completed requisites and the target tags it still waits
// on. Requisite targets that are neither in the working set nor in the
// running map are satisfied from managed state when the kind allows it.
func buildSeq(run *Run, low []*Chunk, resolver Resolver, opts seqOptions) []*SeqEntry {
	byTag := make(map[string]*Chunk, len(low))
	for _, c := range low {
		byTag[Tag(c)] = c
	}

	var reversed map[string][]reverseRef
	if opts.invert {
		reversed = reverseEdges(low)
	}

	entries := make([]*SeqEntry, 0, len(low))
	for _, c := range low {
		tag := Tag(c)
		if _, done := run.Lookup(tag); done {
			continue
		}
		entry := &SeqEntry{
			Chunk: c,
			Tag:   tag,
			Unmet: make(map[string]struct{}),
		}
		if opts.invert {
			admitReversed(run, entry, byTag, reversed[tag])
		} else {
			admitForward(run, resolver, entry, byTag)
		}
		entries = append(entries, entry)
	}

	applyUnique(entries)
	return entries
}

// admitForward fills the entry from the chunk's own resolved edges.
func admitForward(run *Run, resolver Resolver, entry *SeqEntry, byTag map[string]*Chunk) {
	for _, edge := range entry.Chunk.Edges {
		if edge.ESM {
			admitFromManaged(run, entry, edge, edge.Tag)
			continue
		}
		if target, ok := byTag[edge.Tag]; ok {
			if rec, done := run.Lookup(edge.Tag); done {
				entry.Reqrets = append(entry.Reqrets, edgeReqRet(edge, target, rec))
			} else {
				entry.Unmet[edge.Tag] = struct{}{}
			}
			continue
		}
		if rec, done := run.Lookup(edge.Tag); done {
			entry.Reqrets = append(entry.Reqrets, edgeReqRet(edge, nil, rec))
			continue
		}
		// The target resolved at compile time but is not part of this
		// execution, which happens when a run is narrowed to a target or
		// to pending tags. Prior state stands in for it when the kind and
		// the provider allow.
		if stateSkipsESM(resolver, edge.State) {
			entry.Errors = append(entry.Errors, fmt.Sprintf(
				"Requisite '%s %s:%s' not found in current run. Verify the syntax.",
				edge.Kind, edge.State, edge.Ref))
			continue
		}
		if edge.Kind != RequisiteRequire && edge.Kind != RequisiteArgBind {
			entry.Errors = append(entry.Errors, fmt.Sprintf(
				"Invalid requisite '%s %s:%s'. Expected 'arg_bind' or 'require'.",
				edge.Kind, edge.State, edge.Ref))
			continue
		}
		admitFromManaged(run, entry, edge, managedKeyFor(run, edge))
	}
}

// managedKeyFor locates the enforced-state key that stands in for an edge
// target outside the working set. The key derived from the resolved tag
// wins; otherwise the declared reference is matched against every key.
func managedKeyFor(run *Run, edge Edge) string {
	if state, id, name, _, ok := ParseTag(edge.Tag); ok {
		key := GenESMTag(state, id, name)
		if _, found := run.ManagedState[key]; found {
			return key
		}
	}
	if keys := matchManagedTags(run, edge.State, edge.Ref); len(keys) > 0 {
		return keys[0]
	}
	return ""
}

// admitFromManaged appends a requisite return synthesized from managed
// state, or records the lookup failure on the entry.
func admitFromManaged(run *Run, entry *SeqEntry, edge Edge, esmTag string) {
	data, ok := run.ManagedState[esmTag]
	if esmTag == "" || !ok {
		entry.Errors = append(entry.Errors, fmt.Sprintf(
			"Requisite %s %s:%s not found in ESM.", edge.Kind, edge.State, edge.Ref))
		return
	}
	state, id, name, _ := ParseESMTag(esmTag)
	rec := &ExecutionRecord{
		Tag:      esmTag,
		Name:     name,
		ID:       id,
		Result:   TrueResult(),
		OldState: data,
		NewState: data,
		ESMTag:   esmTag,
	}
	entry.Reqrets = append(entry.Reqrets, ReqRet{
		Kind:  edge.Kind,
		State: state,
		Name:  edge.Ref,
		RTag:  esmTag,
		Ret:   rec,
		Bind:  edge.Bind,
	})
}

// edgeReqRet builds the requisite return for a target that has already run.
func edgeReqRet(edge Edge, target *Chunk, rec *ExecutionRecord) ReqRet {
	return ReqRet{
		Kind:  edge.Kind,
		State: edge.State,
		Name:  edge.Ref,
		RTag:  edge.Tag,
		Ret:   rec,
		Chunk: target,
		Bind:  edge.Bind,
	}
}

// reverseRef is one inverted dependency: the chunk that declared an edge
// pointing at the map key.
type reverseRef struct {
	tag   string
	state string
	id    string
}

// reverseEdges indexes every gating edge by its target tag so teardown can
// wait for dependents first.
func reverseEdges(low []*Chunk) map[string][]reverseRef {
	out := make(map[string][]reverseRef)
	for _, c := range low {
		tag := Tag(c)
		for _, edge := range c.Edges {
			if edge.ESM {
				continue
			}
			out[edge.Tag] = append(out[edge.Tag], reverseRef{
				tag:   tag,
				state: c.State,
				id:    c.ID,
			})
		}
	}
	return out
}

// admitReversed fills the entry from the edges that point at it. Every
// reversed edge gates as a plain require; argument bindings do not flow
// backwards.
func admitReversed(run *Run, entry *SeqEntry, byTag map[string]*Chunk, refs []reverseRef) {
	for _, ref := range refs {
		if rec, done := run.Lookup(ref.tag); done {
			entry.Reqrets = append(entry.Reqrets, ReqRet{
				Kind:  RequisiteRequire,
				State: ref.state,
				Name:  ref.id,
				RTag:  ref.tag,
				Ret:   rec,
				Chunk: byTag[ref.tag],
			})
			continue
		}
		if _, ok := byTag[ref.tag]; ok {
			entry.Unmet[ref.tag] = struct{}{}
		}
	}
}

// applyUnique serializes chunks that share a provider function marked
// unique. Within each group one chunk is left free and every other member
// gains an unmet dependency on it, so repeated sequence builds drain the
// group one chunk per wave. The free chunk is picked by, in order: no
// unmet requisites, no unmet requisites inside the group, the shortest
// dependency chain.
func applyUnique(entries []*SeqEntry) {
	index := make(map[string]*SeqEntry, len(entries))
	for _, e := range entries {
		index[e.Tag] = e
	}

	groups := make(map[string][]string)
	var order []string
	for _, e := range entries {
		if !e.Chunk.Unique {
			continue
		}
		ref := e.Chunk.FuncRef()
		if _, ok := groups[ref]; !ok {
			order = append(order, ref)
		}
		groups[ref] = append(groups[ref], e.Tag)
	}

	for _, ref := range order {
		tags := groups[ref]
		if len(tags) <= 1 {
			continue
		}
		next := nextUniqueTag(tags, index)
		for _, tag := range tags {
			if tag != next {
				index[tag].Unmet[next] = struct{}{}
			}
		}
	}
}

func nextUniqueTag(tags []string, index map[string]*SeqEntry) string {
	candidates := independentTags(tags, index)
	if len(candidates) == 1 {
		return candidates[0]
	}
	if len(candidates) == 0 {
		candidates = tags
	}
	best := candidates[0]
	bestDepth := dependencyDepth(best, index, make(map[string]struct{}), 0)
	for _, tag := range candidates[1:] {
		if d := dependencyDepth(tag, index, make(map[string]struct{}), 0); d < bestDepth {
			best = tag
			bestDepth = d
		}
	}
	return best
}

// independentTags returns the group members with no unmet requisites, or
// failing that, none of their unmet requisites inside the group.
func independentTags(tags []string, index map[string]*SeqEntry) []string {
	if len(tags) <= 1 {
		return tags
	}
	group := make(map[string]struct{}, len(tags))
	for _, tag := range tags {
		group[tag] = struct{}{}
	}
	var out []string
	for _, tag := range tags {
		unmet := index[tag].Unmet
		if len(unmet) == 0 {
			out = append(out, tag)
			continue
		}
		overlap := false
		for dep := range unmet {
			if _, ok := group[dep]; ok {
				overlap = true
				break
			}
		}
		if !overlap {
			out = append(out, tag)
		}
	}
	return out
}

// dependencyDepth measures the longest unmet chain below a tag. Tags that
// already resolved outside the sequence count as leaves, and tags revisited
// along the current path do too, so a requisite cycle terminates instead of
// recursing without bound.
func dependencyDepth(tag string, index map[string]*SeqEntry, path map[string]struct{}, depth int) int {
	entry, ok := index[tag]
	if !ok || len(entry.Unmet) == 0 {
		return depth
	}
	if _, seen := path[tag]; seen {
		return depth
	}
	path[tag] = struct{}{}
	defer delete(path, tag)
	deps := make([]string, 0, len(entry.Unmet))
	for dep := range entry.Unmet {
		deps = append(deps, dep)
	}
	sort.Strings(deps)
	max := depth
	for _, dep := range deps {
		if d := dependencyDepth(dep, index, path, depth+1); d > max {
			max = d
		}
	}
	return max
}

// seqEqual reports whether two sequences admit the same chunks with the
// same outstanding requisites, which is the stall signal for the runtime
// loop.
func seqEqual(a, b []*SeqEntry) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Tag != b[i].Tag {
			return false
		}
		if len(a[i].Unmet) != len(b[i].Unmet) {
			return false
		}
		for dep := range a[i].Unmet {
			if _, ok := b[i].Unmet[dep]; !ok {
				return false
			}
		}
		if len(a[i].Reqrets) != len(b[i].Reqrets) {
			return false
		}
	}
	return true
}

// seqTags returns the admitted tags in sequence order.
func seqTags(entries []*SeqEntry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Tag)
	}
	return out
}

// seqFuncTags returns the set of admitted tags, used to distinguish a
// stalled sequence from one that swapped in replacement chunks of the
// same length.
func seqFuncTags(entries []*SeqEntry) map[string]struct{} {
	out := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		out[e.Tag] = struct{}{}
	}
	return out
}

// stateSkipsESM reports whether the provider owning state opted out of
// enforced-state tracking.
func stateSkipsESM(resolver Resolver, state string) bool {
	if resolver == nil {
		return false
	}
	for _, ref := range resolver.Refs() {
		if len(ref) > len(state) && ref[:len(state)+1] == state+"." {
			def, err := resolver.Lookup(ref)
			return err == nil && def.SkipESM
		}
	}
	return false
}

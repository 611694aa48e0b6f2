package engine

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// runChunk drives one admitted chunk through requisite checks, argument
// binding, the replace-on-drift flow, and the provider invocation, recording
// the outcome at Running[tag]. It never returns an error: every failure mode
// ends as a record so the run can keep draining the sequence.
func (e *Executor) runChunk(ctx context.Context, run *Run, entry *SeqEntry, seq []*SeqEntry) {
	chunk := entry.Chunk
	tag := entry.Tag
	started := time.Now()

	// The previous attempt's rerun data must be captured before the fresh
	// record replaces it.
	rerunData := chunk.RerunData
	if prev, ok := run.Lookup(tag); ok && prev.RerunData != nil {
		rerunData = prev.RerunData
	}

	rec := newRecord(chunk, run.RunNum)
	rec.Tag = tag
	run.Record(rec)
	e.publish(ctx, Event{
		Type: EventChunkStart,
		Run:  run.Name,
		Tag:  tag,
		At:   time.Now().UTC(),
		Data: map[string]any{"state": chunk.State, "fun": chunk.Fun, "id": chunk.ID},
	})

	finish := func() {
		rec.TotalSeconds = time.Since(started).Seconds()
		run.Record(rec)
		e.resultEvent(ctx, run, rec)
		if e.metrics != nil {
			e.metrics.ChunkDone(chunk.State, chunk.Fun, rec.Result != nil && *rec.Result, rec.TotalSeconds)
		}
	}

	errs := entry.Errors
	if len(errs) == 0 {
		errs = e.checkRequisites(run, entry)
	}
	if len(errs) > 0 {
		rec.Comment = errs
		rec.Blocked = true
		rec.TotalSeconds = time.Since(started).Seconds()
		run.Record(rec)
		e.publish(ctx, Event{
			Type: EventChunkBlocked,
			Run:  run.Name,
			Tag:  tag,
			At:   time.Now().UTC(),
			Data: map[string]any{"errors": errs},
		})
		if e.metrics != nil {
			e.metrics.ChunkDone(chunk.State, chunk.Fun, false, rec.TotalSeconds)
		}
		return
	}

	e.checkRecreation(run, entry, seq)
	rec.RecreationFlow = chunk.RecreationFlow
	if chunk.HaltExecution {
		rec.Result = TrueResult()
		rec.Comment = []string{fmt.Sprintf("The resource %s will be recreated.", chunk.ID)}
		finish()
		return
	}

	ref := chunk.FuncRef()
	def, lookupErr := e.resolver.Lookup(ref)
	if lookupErr != nil || def == nil || def.Func == nil {
		rec.Comment = []string{fmt.Sprintf(
			"Could not find function to enforce %s. Please make sure that the corresponding plugin is loaded.",
			chunk.State)}
		finish()
		return
	}

	enforced := GetEnforcedState(run, chunk)

	skip, why, guardErr := evalGuards(run, chunk, enforced)
	if guardErr != nil {
		rec.Comment = []string{guardErr.Error()}
		finish()
		return
	}
	if skip {
		rec.Result = TrueResult()
		rec.Comment = []string{why}
		finish()
		return
	}

	kwargs, err := BuildCall(e.log, def, chunk, enforced, e.strict)
	var ret *StateReturn
	if err == nil {
		call := &Call{
			Tag:       tag,
			Run:       run.Name,
			RunNum:    run.RunNum,
			Test:      run.Test,
			Acct:      run.AcctData,
			Kwargs:    kwargs,
			RerunData: rerunData,
		}
		ret, err = e.invoke(ctx, def, call)
	}
	if err == nil && ret == nil {
		err = fmt.Errorf("state %s returned no result", ref)
	}
	if err != nil {
		ret = &StateReturn{Result: FalseResult(), Comment: []string{err.Error()}}
	}

	if chunk.RecreateIfDeleted {
		e.recoverDeleted(ctx, run, chunk, ret)
	}

	if ret.ESMTag != "" {
		rec.ESMTag = ret.ESMTag
	}
	rec.Result = ret.Result
	rec.Comment = append(rec.Comment, ret.Comment...)
	rec.OldState = ret.OldState
	rec.NewState = ret.NewState
	if ret.Changes != nil {
		rec.Changes = ret.Changes
	} else {
		before := ret.OldState
		if before == nil {
			before = map[string]any{}
		}
		after := ret.NewState
		if after == nil {
			after = map[string]any{}
		}
		rec.Changes = DeepDiff(before, after)
	}
	rec.RerunData = ret.RerunData

	if (e.refresh || !run.Test) && !def.SkipESM {
		run.WriteManaged(rec, ret)
	}
	finish()
}

// invoke calls one state function, converting a panic into an error so a
// misbehaving provider fails its own chunk instead of the engine.
func (e *Executor) invoke(ctx context.Context, def *Definition, call *Call) (ret *StateReturn, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s: %v", def.Ref, r)
		}
	}()
	return def.Func(ctx, call)
}

// checkRequisites evaluates the gating rules over the requisite returns and
// applies argument bindings from satisfied targets. Only an explicit false
// result fails a gate; an undecided result lets the chunk proceed.
func (e *Executor) checkRequisites(run *Run, entry *SeqEntry) []string {
	var errs []string
	var anyGroup []*ReqRet
	for i := range entry.Reqrets {
		rr := &entry.Reqrets[i]
		failed := rr.Ret != nil && rr.Ret.Result != nil && !*rr.Ret.Result
		switch rr.Kind {
		case RequisiteRequire:
			if failed {
				errs = append(errs, fmt.Sprintf("Requisite require %s:%s failed.", rr.State, rr.Name))
			}
		case RequisiteArgBind:
			if failed {
				errs = append(errs, fmt.Sprintf("Requisite arg_bind %s:%s failed.", rr.State, rr.Name))
				continue
			}
			errs = append(errs, applyBindings(entry.Chunk, rr, run.Test)...)
		case RequisiteRequireAny:
			anyGroup = append(anyGroup, rr)
		case RequisiteListen:
			// listen orders execution but never gates on the outcome
		}
	}
	if len(anyGroup) > 0 {
		ok := false
		refs := make([]string, 0, len(anyGroup))
		for _, rr := range anyGroup {
			refs = append(refs, rr.State+":"+rr.Name)
			if rr.Ret == nil || rr.Ret.Result == nil || *rr.Ret.Result {
				ok = true
			}
		}
		if !ok {
			errs = append(errs, fmt.Sprintf(
				"Requisite require_any failed: none of %s succeeded.", strings.Join(refs, ", ")))
		}
	}
	return errs
}

// checkRecreation applies the replace-on-drift flow. When declared arguments
// have drifted from enforced state, replacement chunks are queued for the
// next wave and the current chunk is either redirected to create a fresh
// resource or halted in favor of the replacements.
func (e *Executor) checkRecreation(run *Run, entry *SeqEntry, seq []*SeqEntry) {
	chunk := entry.Chunk
	if len(chunk.RecreateOnUpdate) == 0 || chunk.RecreationFlow || chunk.Variant == VariantForceReplace {
		return
	}
	enforced := GetEnforcedState(run, chunk)
	if len(enforced) == 0 {
		if data, _, ok := run.ManagedByResourceID(chunk.Args["resource_id"]); ok {
			enforced = data
		}
	}
	if len(enforced) == 0 {
		// Nothing recorded for this identity, so this is a plain creation.
		return
	}
	def, err := e.resolver.Lookup(chunk.FuncRef())
	if err != nil {
		def = nil
	}
	if !isRecreationRequired(def, chunk, enforced) {
		return
	}

	deleteChunk := e.buildDeleteChunk(run, chunk, enforced)
	if truthy(chunk.RecreateOnUpdate["create_before_destroy"]) {
		// The old resource goes away only after the dependents have moved
		// to the replacement, and never when the replacement failed.
		deleteChunk.Requisites = append(deleteChunk.Requisites, Requisite{
			Kind:  RequisiteRequire,
			State: chunk.State,
			Ref:   chunk.ID,
		})
		for _, dep := range dependentsOf(seq, entry.Tag) {
			deleteChunk.Requisites = append(deleteChunk.Requisites, Requisite{
				Kind:  RequisiteRequire,
				State: dep.State,
				Ref:   dep.ID,
			})
		}
		run.AppendLow(deleteChunk)
		if chunk.Args == nil {
			chunk.Args = map[string]any{}
		}
		chunk.Args["resource_id"] = nil
		chunk.RecreationFlow = true
		return
	}

	run.AppendLow(deleteChunk)
	createChunk := cloneChunk(chunk)
	createChunk.Variant = VariantForceReplace
	createChunk.Edges = nil
	createChunk.Args["resource_id"] = nil
	createChunk.RecreateOnUpdate = nil
	createChunk.RecreationFlow = true
	createChunk.IOrder = run.NextIOrder()
	createChunk.Requisites = append(createChunk.Requisites, Requisite{
		Kind:  RequisiteRequire,
		State: deleteChunk.State,
		Ref:   deleteChunk.ID,
	})
	run.AppendLow(createChunk)
	chunk.HaltExecution = true
}

// buildDeleteChunk synthesizes the absent chunk that removes the resource
// being replaced. Arguments follow the absent operation's signature, taken
// from the declaration when present and enforced state otherwise. The name
// is not carried over: the declaration keeps it for the replacement while
// the delete finds the old resource through its identifier.
func (e *Executor) buildDeleteChunk(run *Run, chunk *Chunk, enforced map[string]any) *Chunk {
	id := chunk.ID + "_delete_old"
	del := &Chunk{
		State:          chunk.State,
		ID:             id,
		Fun:            "absent",
		Name:           id,
		SLS:            chunk.SLS,
		SLSMeta:        chunk.SLSMeta,
		Args:           map[string]any{},
		IOrder:         run.NextIOrder(),
		RecreationFlow: true,
	}
	var params []Param
	if absentDef, err := e.resolver.Lookup(chunk.State + ".absent"); err == nil && absentDef != nil && absentDef.Spec != nil {
		params = absentDef.Spec.Params
	}
	if len(params) == 0 {
		params = []Param{{Name: "resource_id"}}
	}
	for _, p := range params {
		if p.Name == "ctx" || p.Name == "name" {
			continue
		}
		if v, ok := chunk.Args[p.Name]; ok && v != nil {
			del.Args[p.Name] = deepCopyValue(v)
			continue
		}
		if v, ok := enforced[p.Name]; ok {
			del.Args[p.Name] = deepCopyValue(v)
		}
	}
	return del
}

// dependentsOf returns the chunks still waiting on the given tag.
func dependentsOf(seq []*SeqEntry, tag string) []*Chunk {
	var out []*Chunk
	for _, entry := range seq {
		if _, waiting := entry.Unmet[tag]; waiting {
			out = append(out, entry.Chunk)
		}
	}
	return out
}

// isRecreationRequired reports whether the declared arguments drift from
// enforced state on any attribute the operation actually manages. The
// declaration is first backfilled from enforced state so omitted and nil
// arguments never count as drift, and exempt paths, undeclared parameters,
// and prefix-generated names are ignored.
func isRecreationRequired(def *Definition, chunk *Chunk, enforced map[string]any) bool {
	desired := DeepCopyMap(chunk.Args)
	if desired == nil {
		desired = map[string]any{}
	}
	desired["name"] = chunk.Name
	fillFromEnforced(desired, enforced)
	diff := DeepDiff(enforced, desired)
	newSide, _ := asMap(diff["new"])
	if len(newSide) == 0 {
		return false
	}
	ignored := map[string]struct{}{}
	for _, path := range chunk.IgnoreChanges {
		if segs, err := parseRefPath(path); err == nil && len(segs) > 0 {
			ignored[segs[0].key] = struct{}{}
		}
	}
	if chunk.NamePrefix != "" && strings.Contains(chunk.Name, chunk.NamePrefix) {
		ignored["name"] = struct{}{}
	}
	for _, key := range sortedKeys(newSide) {
		if _, skip := ignored[key]; skip {
			continue
		}
		if def != nil && def.Spec != nil {
			if _, declared := def.Spec.Param(key); !declared {
				continue
			}
		}
		val := newSide[key]
		if truthy(val) {
			return true
		}
		if _, isBool := val.(bool); isBool {
			return true
		}
	}
	return false
}

// fillFromEnforced copies enforced values into desired for keys the
// declaration leaves out or sets to nil, recursing into nested mappings.
func fillFromEnforced(desired, enforced map[string]any) {
	for k, ev := range enforced {
		dv, ok := desired[k]
		if !ok || dv == nil {
			desired[k] = deepCopyValue(ev)
			continue
		}
		dm, dIsMap := asMap(dv)
		em, eIsMap := asMap(ev)
		if dIsMap && eIsMap {
			fillFromEnforced(dm, em)
		}
	}
}

// recoverDeleted clears a stale resource identifier from enforced state when
// the provider reports the resource gone out of band, so the next
// reconciliation pass recreates it instead of retrying a doomed update.
func (e *Executor) recoverDeleted(ctx context.Context, run *Run, chunk *Chunk, ret *StateReturn) {
	if ret.Result != nil && *ret.Result {
		return
	}
	if ret.RerunData != nil || ret.ForceSave {
		return
	}
	esmTag := ESMTag(chunk)
	entry, ok := run.Managed(esmTag)
	if !ok {
		return
	}
	rid, ok := entry["resource_id"]
	if !ok || !truthy(rid) {
		return
	}
	getDef, err := e.resolver.Lookup(chunk.State + ".get")
	if err != nil || getDef == nil || getDef.Func == nil {
		e.log.Warn().Str("state", chunk.State).Msg("No get function available to verify a missing resource")
		return
	}
	probe := &Call{
		Tag:    Tag(chunk),
		Run:    run.Name,
		RunNum: run.RunNum,
		Test:   run.Test,
		Acct:   run.AcctData,
		Kwargs: map[string]any{"resource_id": rid, "name": chunk.Name},
	}
	out, err := e.invoke(ctx, getDef, probe)
	if err != nil || out == nil || out.Result == nil || !*out.Result {
		e.log.Warn().Str("tag", Tag(chunk)).Msg("Could not verify whether the resource still exists")
		return
	}
	if len(out.NewState) == 0 {
		e.log.Warn().
			Str("tag", Tag(chunk)).
			Msg("Resource is gone from the provider, clearing resource_id so it can be recreated")
		run.ClearManagedResourceID(esmTag)
	}
}

func (e *Executor) resultEvent(ctx context.Context, run *Run, rec *ExecutionRecord) {
	publishChunkResult(ctx, e.events, run.Name, rec)
}

// publishChunkResult emits the settled outcome for one record. Shared by the
// runtime and the reconciliation merge, which re-announces spanned totals.
func publishChunkResult(ctx context.Context, sink EventSink, runName string, rec *ExecutionRecord) {
	if sink == nil {
		return
	}
	var result any
	if rec.Result != nil {
		result = *rec.Result
	}
	sink.Publish(ctx, Event{
		Type: EventChunkResult,
		Run:  runName,
		Tag:  rec.Tag,
		At:   time.Now().UTC(),
		Data: map[string]any{
			"result":        result,
			"comment":       rec.Comment,
			"changes":       rec.Changes,
			"total_seconds": rec.TotalSeconds,
		},
	})
}

func (e *Executor) publish(ctx context.Context, ev Event) {
	if e.events == nil {
		return
	}
	e.events.Publish(ctx, ev)
}

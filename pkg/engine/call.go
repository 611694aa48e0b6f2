package engine

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// truthy reports whether a raw document value is truthy under the loose
// rules declarations rely on: nil, false, zero numbers, empty strings, and
// empty containers are falsy, everything else is truthy.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	}
	if m, ok := asMap(v); ok {
		return len(m) > 0
	}
	if s, ok := asSlice(v); ok {
		return len(s) > 0
	}
	return true
}

// GetEnforcedState returns the managed-state entry backing the chunk. The
// force-replace variant of the identity is consulted before the chunk's
// own, so a finished replacement shadows the state it replaced. Exec-tag
// keys are accepted alongside enforced-state keys for entries written by
// older engines.
func GetEnforcedState(run *Run, chunk *Chunk) map[string]any {
	variant := chunk.WithVariant(VariantForceReplace)
	for _, key := range []string{ESMTag(variant), Tag(variant), ESMTag(chunk), Tag(chunk)} {
		if data, ok := run.Managed(key); ok && len(data) > 0 {
			return data
		}
	}
	return nil
}

// BuildCall assembles the keyword arguments for one provider invocation.
// Parameters seed from enforced state, declared arguments override them,
// and the result is checked against the operation signature. Unknown
// arguments are forwarded only to catch-all operations; otherwise they are
// dropped with a warning, or rejected when strict.
func BuildCall(log zerolog.Logger, def *Definition, chunk *Chunk, enforced map[string]any, strict bool) (map[string]any, error) {
	tag := Tag(chunk)
	kwargs := map[string]any{}

	data := make(map[string]any, len(chunk.Args)+2)
	for k, v := range chunk.Args {
		data[k] = v
	}
	data["name"] = chunk.Name
	if chunk.NamePrefix != "" {
		data["name_prefix"] = chunk.NamePrefix
	}

	// Required parameters with no enforced value wait for the declared
	// arguments to cover them.
	pending := map[string]struct{}{}
	for _, p := range def.Spec.Params {
		if p.Name == "ctx" {
			// ctx is delivered out of band, never through kwargs.
			continue
		}
		if p.Required {
			if v, ok := enforced[p.Name]; ok {
				kwargs[p.Name] = v
			} else {
				if len(enforced) > 0 {
					log.Warn().Msgf(
						"Function %s argument '%s' is required, but is not found in ESM cache for %s",
						def.Ref, p.Name, tag)
				}
				pending[p.Name] = struct{}{}
			}
			continue
		}
		var seed any
		if v, ok := enforced[p.Name]; ok {
			seed = v
		} else if p.HasDefault {
			seed = p.Default
		}
		if p.Boolean {
			check, ok := data[p.Name]
			if !ok {
				check = seed
			}
			if truthy(check) {
				if _, isBool := check.(bool); !isBool {
					return nil, NewValidationError(fmt.Sprintf(
						"%s is expecting a boolean value for '%s' but got '%v'",
						def.Ref, p.Name, check))
				}
			}
		}
		kwargs[p.Name] = seed
	}

	var extras []string
	for _, key := range sortedKeys(data) {
		val := data[key]
		p, declared := def.Spec.Param(key)
		if declared && p.Name == "ctx" {
			continue
		}
		if !declared {
			if _, internal := StateInternalKeywords[key]; internal {
				continue
			}
			if def.Spec.CatchAll {
				kwargs[key] = val
			} else {
				extras = append(extras, key)
			}
			continue
		}
		if _, waiting := pending[key]; waiting {
			kwargs[key] = val
			delete(pending, key)
			continue
		}
		if val != nil || (key == "resource_id" && chunk.RecreationFlow) {
			kwargs[key] = val
		}
	}

	if len(pending) > 0 {
		var missing []string
		for _, p := range def.Spec.Params {
			if _, ok := pending[p.Name]; ok {
				missing = append(missing, p.Name)
			}
		}
		return nil, NewValidationError(fmt.Sprintf(
			"%s is missing required argument(s): %s", def.Ref, strings.Join(missing, ", ")))
	}

	if len(extras) > 0 {
		var msg string
		if len(extras) == 1 {
			msg = fmt.Sprintf("'%s' is an invalid keyword argument for '%s'", extras[0], def.Ref)
		} else {
			msg = fmt.Sprintf("%s are invalid keyword arguments for '%s'", quoteList(extras), def.Ref)
		}
		if strict {
			return nil, NewValidationError(msg)
		}
		log.Warn().Msg(msg)
	}

	isExisting := len(enforced) > 0 || truthy(data["resource_id"])
	if len(chunk.IgnoreChanges) > 0 && isExisting && !chunk.RecreationFlow {
		applyIgnoreChanges(log, def, kwargs, chunk.IgnoreChanges)
	}
	return kwargs, nil
}

// quoteList renders names as 'a', 'b' and 'c' for diagnostics.
func quoteList(items []string) string {
	quoted := make([]string, len(items))
	for i, it := range items {
		quoted[i] = "'" + it + "'"
	}
	if len(quoted) <= 1 {
		return strings.Join(quoted, "")
	}
	return strings.Join(quoted[:len(quoted)-1], ", ") + " and " + quoted[len(quoted)-1]
}

// applyIgnoreChanges blanks drift-exempt attribute paths in the assembled
// kwargs so an existing resource keeps its current values for them. Paths
// that do not start at an optional parameter are skipped; paths that fail
// to resolve are reported and skipped.
func applyIgnoreChanges(log zerolog.Logger, def *Definition, kwargs map[string]any, paths []string) {
	for _, path := range paths {
		if err := nullArgPath(def, kwargs, path); err != nil {
			log.Warn().Msgf("Error when processing ignore_changes parameter path %s: %v", path, err)
		}
	}
}

func nullArgPath(def *Definition, kwargs map[string]any, path string) error {
	segs, err := parseRefPath(path)
	if err != nil {
		return err
	}
	if len(segs) == 0 {
		return nil
	}
	p, declared := def.Spec.Param(segs[0].key)
	if !declared || p.Required || p.Name == "name" {
		return nil
	}
	return nullMapPath(kwargs, segs)
}

func nullMapPath(m map[string]any, segs []pathSeg) error {
	seg := segs[0]
	rest := segs[1:]
	if len(seg.indexes) == 0 && len(rest) == 0 {
		m[seg.key] = nil
		return nil
	}
	child, found := m[seg.key]
	if !found || child == nil {
		return fmt.Errorf("key %q is not present", seg.key)
	}
	if len(seg.indexes) > 0 {
		return nullIndexedPath(child, seg.indexes, rest)
	}
	childMap, ok := asMap(child)
	if !ok {
		return fmt.Errorf("key %q does not hold a mapping", seg.key)
	}
	return nullMapPath(childMap, rest)
}

func nullIndexedPath(cur any, indexes []pathIndex, rest []pathSeg) error {
	idx := indexes[0]
	list, ok := asSlice(cur)
	if !ok {
		return fmt.Errorf("index %s applied to a value that is not a list", idx)
	}
	final := len(indexes) == 1 && len(rest) == 0
	apply := func(i int) error {
		if final {
			list[i] = nil
			return nil
		}
		if len(indexes) > 1 {
			return nullIndexedPath(list[i], indexes[1:], rest)
		}
		childMap, ok := asMap(list[i])
		if !ok {
			return fmt.Errorf("index %s does not hold a mapping", idx)
		}
		return nullMapPath(childMap, rest)
	}
	if idx.star {
		for i := range list {
			if err := apply(i); err != nil {
				return err
			}
		}
		return nil
	}
	if idx.n >= len(list) {
		return fmt.Errorf("index %s is out of range", idx)
	}
	return apply(idx.n)
}

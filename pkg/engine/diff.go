package engine

import "reflect"

// DeepDiff compares two mappings and reports the differing values, removed
// and changed ones under "old", added and changed ones under "new". Nested
// mappings are compared recursively and keep their shape in the result. An
// empty map means no difference.
func DeepDiff(before, after map[string]any) map[string]any {
	oldDiff, newDiff := diffMaps(before, after)
	if len(oldDiff) == 0 && len(newDiff) == 0 {
		return map[string]any{}
	}
	return map[string]any{"old": oldDiff, "new": newDiff}
}

func diffMaps(before, after map[string]any) (map[string]any, map[string]any) {
	oldDiff := map[string]any{}
	newDiff := map[string]any{}
	for k, bv := range before {
		av, ok := after[k]
		if !ok {
			oldDiff[k] = bv
			continue
		}
		bm, bIsMap := asMap(bv)
		am, aIsMap := asMap(av)
		if bIsMap && aIsMap {
			subOld, subNew := diffMaps(bm, am)
			if len(subOld) > 0 || len(subNew) > 0 {
				oldDiff[k] = subOld
				newDiff[k] = subNew
			}
			continue
		}
		if !reflect.DeepEqual(bv, av) {
			oldDiff[k] = bv
			newDiff[k] = av
		}
	}
	for k, av := range after {
		if _, ok := before[k]; !ok {
			newDiff[k] = av
		}
	}
	return oldDiff, newDiff
}

// DeepCopyMap returns a recursive copy of a decoded document mapping.
func DeepCopyMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	if m, ok := asMap(v); ok {
		return DeepCopyMap(m)
	}
	if s, ok := asSlice(v); ok {
		out := make([]any, len(s))
		for i, item := range s {
			out[i] = deepCopyValue(item)
		}
		return out
	}
	return v
}

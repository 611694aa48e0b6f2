package engine

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// indexGroupRegex matches one [N] or [*] index group inside a path segment.
// Literal brackets in map keys are escaped as `[\` by the compiler walk and
// never match.
var indexGroupRegex = regexp.MustCompile(`\[(\d+|\*)\]`)

// pathIndex is one list index inside a path segment, either numeric or the
// every-element wildcard.
type pathIndex struct {
	star bool
	n    int
}

func (i pathIndex) String() string {
	if i.star {
		return "*"
	}
	return strconv.Itoa(i.n)
}

// pathSeg is one colon-separated segment of an attribute path: a map key
// followed by zero or more list indexes.
type pathSeg struct {
	key     string
	indexes []pathIndex
}

// parseRefPath splits a colon-separated attribute path into segments,
// extracting [N] and [*] index groups and unescaping literal brackets.
func parseRefPath(path string) ([]pathSeg, error) {
	if path == "" {
		return nil, nil
	}
	parts := strings.Split(path, ":")
	segs := make([]pathSeg, 0, len(parts))
	for _, part := range parts {
		var seg pathSeg
		for _, m := range indexGroupRegex.FindAllStringSubmatch(part, -1) {
			if m[1] == "*" {
				seg.indexes = append(seg.indexes, pathIndex{star: true})
				continue
			}
			n, err := strconv.Atoi(m[1])
			if err != nil {
				return nil, fmt.Errorf("invalid index %q in argument path", m[1])
			}
			seg.indexes = append(seg.indexes, pathIndex{n: n})
		}
		key := indexGroupRegex.ReplaceAllString(part, "")
		if hasUnescapedBracket(key) {
			return nil, fmt.Errorf("invalid index in argument path segment %q", part)
		}
		seg.key = strings.ReplaceAll(key, `[\`, "[")
		segs = append(segs, seg)
	}
	return segs, nil
}

// hasUnescapedBracket reports an opening bracket that is neither an escaped
// literal nor part of a recognized index group.
func hasUnescapedBracket(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] == '[' && (i+1 >= len(s) || s[i+1] != '\\') {
			return true
		}
	}
	return false
}

// testPlaceholder stands in for an attribute that will only exist after a
// real apply when the run is in test mode.
func testPlaceholder(key string) string {
	return key + "_value_known_after_applying"
}

// parseBoundValue walks an attribute path through a requisite target's new
// state and returns the referenced value. Lists descend element-wise. In
// test mode a missing key resolves to a placeholder instead of an error.
func parseBoundValue(data any, refPath string, test bool) (any, error) {
	segs, err := parseRefPath(refPath)
	if err != nil {
		return nil, err
	}
	value := data
	for _, seg := range segs {
		if seg.key != "" {
			next, done, err := boundKey(value, seg.key, test)
			if err != nil {
				return nil, err
			}
			if done {
				return next, nil
			}
			value = next
		}
		for _, idx := range seg.indexes {
			next, err := boundIndex(value, seg.key, idx)
			if err != nil {
				return nil, err
			}
			value = next
		}
	}
	return value, nil
}

func boundKey(value any, key string, test bool) (next any, done bool, err error) {
	if m, ok := asMap(value); ok {
		v, found := m[key]
		if found {
			return v, false, nil
		}
	} else if list, ok := asSlice(value); ok {
		out := make([]any, 0, len(list))
		for _, item := range list {
			v, done, err := boundKey(item, key, test)
			if err != nil {
				return nil, false, err
			}
			if done {
				return v, true, nil
			}
			out = append(out, v)
		}
		return out, false, nil
	}
	if test {
		return testPlaceholder(key), true, nil
	}
	return nil, false, fmt.Errorf(`Key "%s" is not found as part of the state "new_state".`, key)
}

func boundIndex(value any, key string, idx pathIndex) (any, error) {
	list, ok := asSlice(value)
	if idx.star {
		if !ok {
			return nil, fmt.Errorf(
				`Cannot parse argument value for index "%s", because argument key is not a list.`, idx)
		}
		return list, nil
	}
	if !ok || idx.n >= len(list) {
		return nil, fmt.Errorf(
			`Cannot parse argument value for key "%s" and index "%s", because argument value is not a list or it does not include element with index "%s".`,
			key, idx, idx)
	}
	return list[idx.n], nil
}

// setChunkArgValue writes a resolved binding value into the chunk at the
// target path, creating missing intermediate maps. When the existing value
// is a string embedding the reference, only the reference substring is
// replaced, so declarations like "prefix-${...}-suffix" keep their
// surrounding text.
func setChunkArgValue(chunk *Chunk, targetPath, refText string, value any) error {
	segs, err := parseRefPath(targetPath)
	if err != nil {
		return err
	}
	if len(segs) == 0 {
		return nil
	}
	if len(segs) == 1 && len(segs[0].indexes) == 0 && segs[0].key == "name" {
		merged := mergeBoundValue(chunk.Name, refText, value)
		s, ok := merged.(string)
		if !ok {
			return fmt.Errorf(`Cannot assign a non-string value to "name".`)
		}
		chunk.Name = s
		return nil
	}
	if chunk.Args == nil {
		chunk.Args = map[string]any{}
	}
	return setMapPath(chunk.Args, segs, refText, value)
}

func setMapPath(m map[string]any, segs []pathSeg, refText string, value any) error {
	seg := segs[0]
	rest := segs[1:]
	if len(seg.indexes) == 0 && len(rest) == 0 {
		m[seg.key] = mergeBoundValue(m[seg.key], refText, value)
		return nil
	}
	child, found := m[seg.key]
	if !found || child == nil {
		if len(seg.indexes) > 0 {
			idx := seg.indexes[0]
			return fmt.Errorf(
				`Cannot parse argument value for key "%s" and index "%s", because argument value is not a list or it does not include element with index "%s".`,
				seg.key, idx, idx)
		}
		next := map[string]any{}
		m[seg.key] = next
		return setMapPath(next, rest, refText, value)
	}
	if len(seg.indexes) > 0 {
		return setIndexedPath(child, seg, rest, refText, value)
	}
	childMap, ok := asMap(child)
	if !ok {
		return fmt.Errorf(
			`Cannot set argument value for key "%s", because the existing value is not a dictionary.`, seg.key)
	}
	return setMapPath(childMap, rest, refText, value)
}

func setIndexedPath(cur any, seg pathSeg, rest []pathSeg, refText string, value any) error {
	idx := seg.indexes[0]
	tail := pathSeg{key: seg.key, indexes: seg.indexes[1:]}
	list, ok := asSlice(cur)
	if idx.star {
		if !ok {
			return fmt.Errorf(
				`Cannot parse argument value for index "%s", because argument key is not a list.`, idx)
		}
		for i := range list {
			if err := setListElement(list, i, tail, rest, refText, value); err != nil {
				return err
			}
		}
		return nil
	}
	if !ok || idx.n >= len(list) {
		return fmt.Errorf(
			`Cannot parse argument value for key "%s" and index "%s", because argument value is not a list or it does not include element with index "%s".`,
			seg.key, idx, idx)
	}
	return setListElement(list, idx.n, tail, rest, refText, value)
}

func setListElement(list []any, i int, seg pathSeg, rest []pathSeg, refText string, value any) error {
	if len(seg.indexes) > 0 {
		return setIndexedPath(list[i], seg, rest, refText, value)
	}
	if len(rest) == 0 {
		list[i] = mergeBoundValue(list[i], refText, value)
		return nil
	}
	child, ok := asMap(list[i])
	if !ok {
		if list[i] != nil {
			return fmt.Errorf(
				`Cannot set argument value for key "%s", because the existing value is not a dictionary.`, rest[0].key)
		}
		child = map[string]any{}
		list[i] = child
	}
	return setMapPath(child, rest, refText, value)
}

// mergeBoundValue substitutes the reference inside an existing string value,
// preserving surrounding text. Anything else assigns the resolved value
// outright.
func mergeBoundValue(existing any, refText string, value any) any {
	es, okE := existing.(string)
	vs, okV := value.(string)
	if okE && okV && es != refText && strings.Contains(es, refText) {
		return strings.ReplaceAll(es, refText, vs)
	}
	return value
}

// applyBindings resolves every binding carried by one satisfied requisite
// into the chunk's declared arguments. Returned problems block the chunk.
func applyBindings(chunk *Chunk, rr *ReqRet, test bool) []string {
	if len(rr.Bind) == 0 {
		return nil
	}
	var newState map[string]any
	if rr.Ret != nil {
		newState = rr.Ret.NewState
	}
	if len(newState) == 0 {
		return []string{fmt.Sprintf(
			`"%s:%s" state does not have "new_state" in the state returns.`, rr.State, rr.Name)}
	}
	var errs []string
	for _, b := range rr.Bind {
		refText := "${" + rr.State + ":" + rr.Name + ":" + b.Source + "}"
		value, err := parseBoundValue(newState, b.Source, test)
		if err == nil {
			err = setChunkArgValue(chunk, b.Target, refText, value)
		}
		if err != nil {
			errs = append(errs, fmt.Sprintf(
				`Failed to parse "%s" for state "%s". %v`, refText, chunk.ID, err))
		}
	}
	return errs
}

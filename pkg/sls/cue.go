package sls

import (
	"fmt"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
)

// cueParamsField is the top level field run parameters are injected
// under. Documents reference them as params.<name>; the field never
// reaches the rendered output.
const cueParamsField = "params"

// renderCUE compiles one CUE document, injects the run parameters,
// requires the result to be concrete and decodes the top level fields
// in declaration order.
func renderCUE(body []byte, path, ref string, params map[string]any) (map[string]any, []string, error) {
	if params == nil {
		params = map[string]any{}
	}
	val := cuecontext.New().CompileString(string(body), cue.Filename(path))
	if err := val.Err(); err != nil {
		return nil, nil, fmt.Errorf("cannot compile SLS %s: %s", ref, cueDetails(err))
	}
	val = val.FillPath(cue.ParsePath(cueParamsField), params)
	if err := val.Validate(cue.Concrete(true)); err != nil {
		return nil, nil, fmt.Errorf("cannot resolve SLS %s: %s", ref, cueDetails(err))
	}
	if val.Kind() != cue.StructKind {
		return nil, nil, fmt.Errorf("SLS %s is not formed as a dict", ref)
	}
	iter, err := val.Fields()
	if err != nil {
		return nil, nil, fmt.Errorf("cannot iterate SLS %s: %w", ref, err)
	}
	doc := make(map[string]any)
	var order []string
	for iter.Next() {
		label := iter.Selector().String()
		if label == cueParamsField {
			continue
		}
		var out any
		if err := iter.Value().Decode(&out); err != nil {
			return nil, nil, fmt.Errorf("cannot decode %q in SLS %s: %w", label, ref, err)
		}
		if _, seen := doc[label]; !seen {
			order = append(order, label)
		}
		doc[label] = out
	}
	return doc, order, nil
}

// cueDetails flattens a CUE error list into one line, keeping the first
// source position of each fault.
func cueDetails(err error) string {
	var parts []string
	for _, e := range cueerrors.Errors(err) {
		msg := e.Error()
		if pos := cueerrors.Positions(e); len(pos) > 0 {
			msg = fmt.Sprintf("%s: %s", pos[0], msg)
		}
		parts = append(parts, msg)
	}
	if len(parts) == 0 {
		return err.Error()
	}
	return strings.Join(parts, "; ")
}

package sls

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// defaultStarTimeout bounds a single document render when the
// configuration does not set one.
const defaultStarTimeout = 30 * time.Second

// starEvaluator renders Starlark documents inside a bounded sandbox:
// print is suppressed, there is no filesystem access and every render
// carries a wall clock limit.
type starEvaluator struct {
	timeout time.Duration
}

func newStarEvaluator(timeout time.Duration) *starEvaluator {
	if timeout <= 0 {
		timeout = defaultStarTimeout
	}
	return &starEvaluator{timeout: timeout}
}

// Render executes one document and collects its exported globals as the
// rendered mapping, in name order. Globals with a leading underscore
// stay private to the script. The run parameters are predeclared as the
// params dict.
func (se *starEvaluator) Render(ctx context.Context, body []byte, path string, params map[string]any) (map[string]any, []string, error) {
	evalCtx, cancel := context.WithTimeout(ctx, se.timeout)
	defer cancel()

	if params == nil {
		params = map[string]any{}
	}
	paramsVal, err := toStarlark(params)
	if err != nil {
		return nil, nil, fmt.Errorf("cannot convert params: %w", err)
	}
	predeclared := starlark.StringDict{
		"struct": starlarkstruct.Default,
		"params": paramsVal,
	}
	thread := &starlark.Thread{
		Name:  "sls",
		Print: func(*starlark.Thread, string) {},
	}

	type result struct {
		globals starlark.StringDict
		err     error
	}
	done := make(chan result, 1)
	go func() {
		globals, err := starlark.ExecFile(thread, path, body, predeclared)
		done <- result{globals: globals, err: err}
	}()

	select {
	case <-evalCtx.Done():
		thread.Cancel("timeout")
		return nil, nil, fmt.Errorf("starlark execution timeout after %v", se.timeout)
	case res := <-done:
		if res.err != nil {
			return nil, nil, fmt.Errorf("starlark execution failed: %w", res.err)
		}
		doc := make(map[string]any)
		var order []string
		for _, name := range res.globals.Keys() {
			if strings.HasPrefix(name, "_") {
				continue
			}
			val, err := fromStarlark(res.globals[name])
			if err != nil {
				return nil, nil, fmt.Errorf("cannot convert global %s: %w", name, err)
			}
			doc[name] = val
			order = append(order, name)
		}
		return doc, order, nil
	}
}

// toStarlark converts a Go value into its Starlark counterpart.
func toStarlark(v any) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}
	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []any:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			conv, err := toStarlark(item)
			if err != nil {
				return nil, err
			}
			list[i] = conv
		}
		return starlark.NewList(list), nil
	case map[string]any:
		dict := starlark.NewDict(len(val))
		for _, k := range sortedKeys(val) {
			conv, err := toStarlark(val[k])
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), conv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// fromStarlark converts a Starlark value back into plain Go data.
func fromStarlark(v starlark.Value) (any, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		list := make([]any, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := fromStarlark(val.Index(i))
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case starlark.Tuple:
		list := make([]any, len(val))
		for i, item := range val {
			conv, err := fromStarlark(item)
			if err != nil {
				return nil, err
			}
			list[i] = conv
		}
		return list, nil
	case *starlark.Dict:
		dict := make(map[string]any, val.Len())
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string, got %s", item[0].Type())
			}
			conv, err := fromStarlark(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = conv
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]any)
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			conv, err := fromStarlark(attr)
			if err != nil {
				return nil, err
			}
			dict[name] = conv
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}

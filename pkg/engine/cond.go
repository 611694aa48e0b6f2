package engine

import (
	"fmt"

	"github.com/expr-lang/expr"
)

// condEnv builds the variables visible to onlyif and unless expressions.
func condEnv(run *Run, chunk *Chunk, enforced map[string]any) map[string]any {
	if enforced == nil {
		enforced = map[string]any{}
	}
	params := run.Params
	if params == nil {
		params = map[string]any{}
	}
	return map[string]any{
		"id":     chunk.ID,
		"name":   chunk.Name,
		"args":   chunk.Args,
		"state":  enforced,
		"params": params,
		"test":   run.Test,
	}
}

// evalGuards decides whether the chunk may run. Every onlyif expression must
// be truthy, and the chunk is skipped when every unless expression is
// truthy. A returned comment explains the skip. An expression that cannot
// be evaluated is an error rather than a silent skip, so a typo in a guard
// never lets a destructive operation through.
func evalGuards(run *Run, chunk *Chunk, enforced map[string]any) (skip bool, comment string, err error) {
	if len(chunk.OnlyIf) == 0 && len(chunk.Unless) == 0 {
		return false, "", nil
	}
	env := condEnv(run, chunk, enforced)
	for _, src := range chunk.OnlyIf {
		out, evalErr := expr.Eval(src, env)
		if evalErr != nil {
			return false, "", fmt.Errorf("onlyif condition %q: %w", src, evalErr)
		}
		if !truthy(out) {
			return true, "onlyif condition is false", nil
		}
	}
	if len(chunk.Unless) > 0 {
		all := true
		for _, src := range chunk.Unless {
			out, evalErr := expr.Eval(src, env)
			if evalErr != nil {
				return false, "", fmt.Errorf("unless condition %q: %w", src, evalErr)
			}
			if !truthy(out) {
				all = false
				break
			}
		}
		if all {
			return true, "unless condition is true", nil
		}
	}
	return false, "", nil
}

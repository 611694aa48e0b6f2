package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"

	"github.com/halite-run/halite/pkg/engine"
)

// Gate evaluates compiled low data against Rego policies before the
// engine executes anything. It satisfies the engine's PolicyGate
// contract: returned violations abort the run.
type Gate struct {
	log    zerolog.Logger
	mode   string
	paths  []string
	loader *Loader

	mu       sync.RWMutex
	policies []*compiledPolicy
}

// compiledPolicy pairs a policy with its prepared package query.
type compiledPolicy struct {
	policy Policy
	query  rego.PreparedEvalQuery
}

// Config assembles a Gate.
type Config struct {
	Log zerolog.Logger

	// Mode is ModeEnforcing or ModeAdvisory. Empty means enforcing.
	Mode string

	// Paths lists extra .rego files or directories. The builtin
	// policies always load.
	Paths []string
}

// NewGate compiles the builtin policies plus any configured modules.
func NewGate(cfg Config) (*Gate, error) {
	mode := cfg.Mode
	if mode == "" {
		mode = ModeEnforcing
	}
	if mode != ModeEnforcing && mode != ModeAdvisory {
		return nil, fmt.Errorf("unknown policy mode %q", cfg.Mode)
	}

	log := cfg.Log.With().Str("component", "policy").Logger()
	g := &Gate{
		log:    log,
		mode:   mode,
		paths:  cfg.Paths,
		loader: NewLoader(log),
	}
	if err := g.Reload(context.Background()); err != nil {
		return nil, err
	}
	return g, nil
}

// Reload recompiles the builtin policies and every module under the
// configured paths, then swaps the active set.
func (g *Gate) Reload(ctx context.Context) error {
	policies := BuiltinPolicies()
	if len(g.paths) > 0 {
		loaded, err := g.loader.LoadFromPaths(ctx, g.paths)
		if err != nil {
			return err
		}
		policies = append(policies, loaded...)
	}

	compiled := make([]*compiledPolicy, 0, len(policies))
	for _, p := range policies {
		cp, err := g.compile(ctx, p)
		if err != nil {
			return fmt.Errorf("failed to compile policy %s from %s: %w", p.Name, p.Source, err)
		}
		compiled = append(compiled, cp)
	}

	g.mu.Lock()
	g.policies = compiled
	g.mu.Unlock()

	g.log.Info().
		Int("policies", len(compiled)).
		Str("mode", g.mode).
		Msg("Policies loaded")
	return nil
}

// compile parses the module, derives the package document query and
// prepares it for reuse.
func (g *Gate) compile(ctx context.Context, p Policy) (*compiledPolicy, error) {
	module, err := ast.ParseModule(p.Name, p.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse module: %w", err)
	}

	r := rego.New(
		rego.Module(p.Name, p.Rego),
		rego.Query(module.Package.Path.String()),
	)
	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	g.log.Debug().Str("policy", p.Name).Msg("Policy compiled")
	return &compiledPolicy{policy: p, query: query}, nil
}

// Evaluate runs every policy against every chunk. Each evaluation sees
// input.tag, input.chunk and input.low (the whole compiled list, for
// aggregate rules). Entries of a module's deny set become violations;
// in advisory mode they are logged instead. Entries of the warn set
// are always logged only.
func (g *Gate) Evaluate(ctx context.Context, low []*engine.Chunk) ([]engine.Violation, error) {
	g.mu.RLock()
	policies := g.policies
	g.mu.RUnlock()
	if len(policies) == 0 || len(low) == 0 {
		return nil, nil
	}

	lowDocs := make([]any, len(low))
	for i, c := range low {
		doc, err := chunkDoc(c)
		if err != nil {
			return nil, fmt.Errorf("failed to encode chunk %s: %w", engine.Tag(c), err)
		}
		lowDocs[i] = doc
	}

	var violations []engine.Violation
	seen := map[string]struct{}{}

	for i, c := range low {
		input := map[string]any{
			"tag":   engine.Tag(c),
			"chunk": lowDocs[i],
			"low":   lowDocs,
		}

		for _, cp := range policies {
			doc, err := g.evalPolicy(ctx, cp, input)
			if err != nil {
				if g.mode == ModeAdvisory {
					g.log.Warn().Err(err).
						Str("policy", cp.policy.Name).
						Str("tag", engine.Tag(c)).
						Msg("Policy evaluation failed")
					continue
				}
				return nil, fmt.Errorf("failed to evaluate policy %s: %w", cp.policy.Name, err)
			}

			for _, f := range findings(doc, "deny") {
				v := g.violation(cp.policy, engine.Tag(c), f)
				key := "deny\x00" + v.Rule + "\x00" + v.Tag + "\x00" + v.Message
				if _, dup := seen[key]; dup {
					continue
				}
				seen[key] = struct{}{}

				if g.mode == ModeAdvisory {
					g.log.Warn().
						Str("policy", v.Rule).
						Str("tag", v.Tag).
						Str("message", v.Message).
						Msg("Policy denial degraded to warning")
					continue
				}
				violations = append(violations, v)
			}

			for _, f := range findings(doc, "warn") {
				v := g.violation(cp.policy, engine.Tag(c), f)
				key := "warn\x00" + v.Rule + "\x00" + v.Message
				if _, dup := seen[key]; dup {
					continue
				}
				seen[key] = struct{}{}
				g.log.Warn().
					Str("policy", v.Rule).
					Str("tag", v.Tag).
					Str("message", v.Message).
					Msg("Policy warning")
			}
		}
	}

	return violations, nil
}

// Watch reloads the policy set when a configured path changes.
func (g *Gate) Watch(ctx context.Context) error {
	if len(g.paths) == 0 {
		return nil
	}
	return g.loader.Watch(ctx, g.paths, func() {
		if err := g.Reload(ctx); err != nil {
			g.log.Error().Err(err).Msg("Failed to reload policies, keeping previous set")
		}
	})
}

// Close stops watching.
func (g *Gate) Close() error {
	return g.loader.StopWatching()
}

// evalPolicy runs one prepared query and returns the package document.
func (g *Gate) evalPolicy(ctx context.Context, cp *compiledPolicy, input map[string]any) (map[string]any, error) {
	rs, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, err
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return nil, nil
	}
	doc, _ := rs[0].Expressions[0].Value.(map[string]any)
	return doc, nil
}

// violation builds an engine violation from one deny or warn entry.
// String entries become the message; object entries may carry message,
// tag and rule keys.
func (g *Gate) violation(p Policy, tag string, finding any) engine.Violation {
	v := engine.Violation{Rule: p.Name, Tag: tag}
	switch f := finding.(type) {
	case string:
		v.Message = f
	case map[string]any:
		if msg, ok := f["message"].(string); ok {
			v.Message = msg
		}
		if t, ok := f["tag"].(string); ok {
			v.Tag = t
		}
		if r, ok := f["rule"].(string); ok {
			v.Rule = r
		}
	default:
		v.Message = fmt.Sprintf("%v", finding)
	}
	return v
}

// findings extracts one rule set from a package document.
func findings(doc map[string]any, key string) []any {
	if doc == nil {
		return nil
	}
	set, _ := doc[key].([]any)
	return set
}

// chunkDoc converts a chunk to plain JSON data for policy input.
func chunkDoc(c *engine.Chunk) (map[string]any, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

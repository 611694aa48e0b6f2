package sls

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/halite-run/halite/pkg/engine"
)

// Config shapes a Gatherer.
type Config struct {
	// Log is the parent logger.
	Log zerolog.Logger

	// Roots are the directories searched when a source is a bare
	// reference. Defaults to the working directory.
	Roots []string

	// Render is the default pipe for documents without a shebang or a
	// pipe specific extension. Defaults to yaml.
	Render string

	// StarTimeout bounds a single Starlark document render.
	StarTimeout time.Duration
}

// Gatherer renders state sources into engine high data. It implements
// engine.Gatherer and is safe for concurrent runs.
type Gatherer struct {
	log     zerolog.Logger
	locator *locator
	render  string
	star    *starEvaluator
}

// New builds a Gatherer.
func New(cfg Config) *Gatherer {
	log := cfg.Log.With().Str("component", "sls").Logger()
	render := cfg.Render
	if render == "" {
		render = RenderYAML
	}
	return &Gatherer{
		log:     log,
		locator: newLocator(log, cfg.Roots),
		render:  render,
		star:    newStarEvaluator(cfg.StarTimeout),
	}
}

// document is one rendered source before high data normalization.
type document struct {
	Ref   string
	Path  string
	Data  map[string]any
	Order []string
}

// gatherState accumulates raw declarations across the include tree.
type gatherState struct {
	raw      map[string]any
	order    []string
	resolved map[string]struct{}
}

// Gather renders every source, follows include statements, folds extend
// blocks back in and returns normalized high data.
func (g *Gatherer) Gather(ctx context.Context, sources []string, params map[string]any) (engine.HighData, error) {
	st := &gatherState{
		raw:      map[string]any{},
		resolved: map[string]struct{}{},
	}
	queue := append([]string(nil), sources...)
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		src := queue[0]
		queue = queue[1:]
		docs, err := g.resolve(ctx, src, params)
		if err != nil {
			return nil, engine.NewGatherError(fmt.Sprintf("cannot resolve state source %q", shortSource(src)), err)
		}
		for _, doc := range docs {
			if _, done := st.resolved[doc.Ref]; done {
				g.log.Debug().Str("ref", doc.Ref).Msg("State source already resolved")
				continue
			}
			st.resolved[doc.Ref] = struct{}{}
			if doc.Data == nil {
				g.log.Info().Str("ref", doc.Ref).Msg("State source rendered empty")
				continue
			}
			includes, err := g.ingest(st, doc)
			if err != nil {
				return nil, err
			}
			queue = append(queue, includes...)
		}
	}

	if msgs := engine.ReconcileExtend(st.raw); len(msgs) > 0 {
		return nil, engine.NewGatherError(strings.Join(msgs, "; "), nil)
	}
	high, msgs := engine.NormalizeHigh(st.raw, st.order)
	if len(msgs) > 0 {
		return nil, engine.NewGatherError(strings.Join(msgs, "; "), nil)
	}
	return high, nil
}

// GatherParams renders parameter sources into one deeply merged
// mapping. Later sources override earlier ones; nested mappings merge
// key by key, and a document overrides whatever it includes.
func (g *Gatherer) GatherParams(ctx context.Context, sources []string) (map[string]any, error) {
	merged := map[string]any{}
	resolved := map[string]struct{}{}
	for _, src := range sources {
		if err := g.mergeParamSource(ctx, src, "", merged, resolved); err != nil {
			return nil, err
		}
	}
	return merged, nil
}

func (g *Gatherer) mergeParamSource(ctx context.Context, src, includer string, merged map[string]any, resolved map[string]struct{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if includer != "" {
		src = relativeRef(includer, src)
	}
	docs, err := g.resolve(ctx, src, nil)
	if err != nil {
		return engine.NewGatherError(fmt.Sprintf("cannot resolve param source %q", shortSource(src)), err)
	}
	for _, doc := range docs {
		if _, done := resolved[doc.Ref]; done {
			continue
		}
		resolved[doc.Ref] = struct{}{}
		if doc.Data == nil {
			continue
		}
		includes, err := includeRefs(doc)
		if err != nil {
			return err
		}
		for _, ref := range includes {
			if err := g.mergeParamSource(ctx, ref, doc.Ref, merged, resolved); err != nil {
				return err
			}
		}
		deepMerge(merged, doc.Data)
	}
	return nil
}

// resolve turns one source into its rendered documents.
func (g *Gatherer) resolve(ctx context.Context, src string, params map[string]any) ([]document, error) {
	scheme, rest, hasScheme := strings.Cut(src, "://")
	if hasScheme {
		switch scheme {
		case "json":
			return parseInline(rest)
		case "file":
			return g.loadFile(ctx, rest, refFromPath(rest), params)
		default:
			return nil, fmt.Errorf("unsupported source scheme %q", scheme)
		}
	}
	if looksLikePath(src) {
		return g.loadFile(ctx, src, refFromPath(src), params)
	}
	path, ref, err := g.locator.Locate(src)
	if err != nil {
		return nil, err
	}
	return g.loadFile(ctx, path, ref, params)
}

func (g *Gatherer) loadFile(ctx context.Context, path, ref string, params map[string]any) ([]document, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	data, order, err := g.renderDoc(ctx, content, path, ref, params)
	if err != nil {
		return nil, err
	}
	return []document{{Ref: ref, Path: path, Data: data, Order: order}}, nil
}

// parseInline decodes a json:// payload: an object mapping references
// to complete documents.
func parseInline(blob string) ([]document, error) {
	var payload map[string]map[string]any
	if err := json.Unmarshal([]byte(blob), &payload); err != nil {
		return nil, fmt.Errorf("cannot decode inline payload: %w", err)
	}
	docs := make([]document, 0, len(payload))
	for _, ref := range sortedKeys(payload) {
		data := payload[ref]
		docs = append(docs, document{
			Ref:   ref,
			Path:  "inline",
			Data:  data,
			Order: sortedKeys(data),
		})
	}
	return docs, nil
}

// ingest folds one document into the gather state and returns the
// references its include statement names, already resolved against the
// including document.
func (g *Gatherer) ingest(st *gatherState, doc document) ([]string, error) {
	includes, err := includeRefs(doc)
	if err != nil {
		return nil, err
	}

	if raw, ok := doc.Data["extend"]; ok {
		delete(doc.Data, "extend")
		ext, ok := raw.(map[string]any)
		if !ok {
			return nil, engine.NewGatherError(fmt.Sprintf("Extend declaration in SLS %q is not formed as a dictionary", doc.Ref), nil)
		}
		for _, body := range ext {
			if b, ok := body.(map[string]any); ok {
				if _, has := b["__sls__"]; !has {
					b["__sls__"] = doc.Ref
				}
			}
		}
		st.raw["__extend__"] = append(extendEntries(st.raw), ext)
	}

	var duplicates []string
	for _, id := range doc.Order {
		if id == "include" || id == "extend" || strings.HasPrefix(id, "__") {
			continue
		}
		body, err := normalizeDecl(id, doc.Data[id], doc.Ref)
		if err != nil {
			return nil, err
		}
		if _, exists := st.raw[id]; exists {
			duplicates = append(duplicates, id)
			continue
		}
		st.raw[id] = body
		st.order = append(st.order, id)
	}
	if len(duplicates) > 0 {
		sort.Strings(duplicates)
		return nil, engine.NewGatherError(fmt.Sprintf(
			"Duplicate state declarations found in SLS tree: %s", strings.Join(duplicates, " ")), nil)
	}
	return includes, nil
}

// includeRefs pulls the include statement out of a document and
// resolves each entry against the document's own reference.
func includeRefs(doc document) ([]string, error) {
	raw, ok := doc.Data["include"]
	if !ok {
		return nil, nil
	}
	delete(doc.Data, "include")
	list, ok := raw.([]any)
	if !ok {
		return nil, engine.NewGatherError(fmt.Sprintf("Include declaration in SLS %q is not formed as a list", doc.Ref), nil)
	}
	refs := make([]string, 0, len(list))
	for _, entry := range list {
		ref, ok := entry.(string)
		if !ok {
			return nil, engine.NewGatherError(fmt.Sprintf("Include declaration in SLS %q is not formed as a list of strings", doc.Ref), nil)
		}
		refs = append(refs, relativeRef(doc.Ref, ref))
	}
	return refs, nil
}

// normalizeDecl applies the declaration shorthands: a bare "state.fun"
// string expands to a full block, and every declaration is annotated
// with its origin reference. Two blocks addressing the same resource
// type within one declaration are rejected.
func normalizeDecl(id string, body any, ref string) (map[string]any, error) {
	if s, ok := body.(string); ok && strings.Contains(s, ".") {
		dot := strings.LastIndex(s, ".")
		return map[string]any{
			"__sls__": ref,
			s[:dot]:   []any{s[dot+1:]},
		}, nil
	}
	m, ok := body.(map[string]any)
	if !ok {
		return nil, engine.NewGatherError(fmt.Sprintf("ID %s in SLS %s is not a dictionary", id, ref), nil)
	}
	subs := map[string]struct{}{}
	for _, key := range sortedKeys(m) {
		if strings.HasPrefix(key, "_") {
			continue
		}
		if _, isList := m[key].([]any); !isList {
			continue
		}
		sub := key
		if dot := strings.LastIndex(key, "."); dot > 0 {
			sub = key[:dot]
		}
		if _, seen := subs[sub]; seen {
			return nil, engine.NewGatherError(fmt.Sprintf(
				"ID %q in SLS %q contains multiple state declarations from the same sub: %s", id, ref, sub), nil)
		}
		subs[sub] = struct{}{}
	}
	if _, has := m["__sls__"]; !has {
		m["__sls__"] = ref
	}
	return m, nil
}

func extendEntries(raw map[string]any) []any {
	if list, ok := raw["__extend__"].([]any); ok {
		return list
	}
	return nil
}

// deepMerge folds src into dst. Mappings merge recursively, everything
// else is replaced by the later value.
func deepMerge(dst, src map[string]any) {
	for k, v := range src {
		if sv, ok := v.(map[string]any); ok {
			if dv, ok := dst[k].(map[string]any); ok {
				deepMerge(dv, sv)
				continue
			}
		}
		dst[k] = v
	}
}

// shortSource truncates inline payloads for error messages.
func shortSource(src string) string {
	if len(src) > 64 {
		return src[:61] + "..."
	}
	return src
}

func sortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

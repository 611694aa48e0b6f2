package engine

import (
	"path"
	"strings"
)

// tagDelimiter separates the fields of a chunk tag. The trailing delimiter
// on an ESM tag (no operation suffix) is deliberate: it keeps the two tag
// forms from ever colliding.
const tagDelimiter = "_|-"

// GenTag builds an execution tag from raw fields.
func GenTag(state, id, name, fun string) string {
	return state + tagDelimiter + id + tagDelimiter + name + tagDelimiter + fun
}

// GenESMTag builds an enforced-state tag from raw fields.
func GenESMTag(state, id, name string) string {
	return state + tagDelimiter + id + tagDelimiter + name + tagDelimiter
}

// tagName returns the name field used in the chunk's tags. When the chunk
// declares a name_prefix that is a substring of the name, the prefix is used
// instead, so generated names do not destabilize the tag across runs.
func tagName(c *Chunk) string {
	if c.NamePrefix != "" && strings.Contains(c.Name, c.NamePrefix) {
		return c.NamePrefix
	}
	return c.Name
}

// Tag returns the chunk's execution tag, the key into Run.Running.
func Tag(c *Chunk) string {
	return GenTag(c.State, c.TagID(), tagName(c), c.Fun)
}

// ESMTag returns the chunk's enforced-state tag, the key into managed
// state. It omits the operation so different operations on the same
// resource share one entry.
func ESMTag(c *Chunk) string {
	return GenESMTag(c.State, c.TagID(), tagName(c))
}

// TagToState recovers the resource type from a tag.
func TagToState(tag string) string {
	return strings.SplitN(tag, tagDelimiter, 2)[0]
}

// ParseTag splits a tag into its fields. The fun field is empty for ESM
// tags. Returns false when the tag does not have the expected shape.
func ParseTag(tag string) (state, id, name, fun string, ok bool) {
	parts := strings.Split(tag, tagDelimiter)
	if len(parts) != 4 {
		return "", "", "", "", false
	}
	return parts[0], parts[1], parts[2], parts[3], true
}

// ParseESMTag splits an enforced-state tag into its identity fields,
// rejecting tags that carry an operation suffix.
func ParseESMTag(tag string) (state, id, name string, ok bool) {
	var fun string
	state, id, name, fun, ok = ParseTag(tag)
	if !ok || fun != "" {
		return "", "", "", false
	}
	return state, id, name, true
}

// HasUnresolvedBinding reports whether a tag still contains arg_bind
// placeholder syntax. Such tags are expected to change once requisites
// resolve and must not be treated as stable across compilation.
func HasUnresolvedBinding(tag string) bool {
	return strings.Contains(tag, "${")
}

// GetChunks returns every low chunk of the given resource type whose
// declaration ID or name matches the glob pattern.
func GetChunks(low []*Chunk, state, pattern string) []*Chunk {
	var out []*Chunk
	for _, c := range low {
		if state == "sls" {
			if globMatch(pattern, c.SLS) {
				out = append(out, c)
			}
			continue
		}
		if c.State != state {
			continue
		}
		if globMatch(pattern, c.ID) || globMatch(pattern, c.Name) {
			out = append(out, c)
		}
	}
	return out
}

// MatchChunks returns every low chunk whose execution tag matches the glob
// pattern. Used for targeted subsets.
func MatchChunks(low []*Chunk, pattern string) []*Chunk {
	var out []*Chunk
	for _, c := range low {
		if globMatch(pattern, Tag(c)) {
			out = append(out, c)
		}
	}
	return out
}

// globMatch wraps path.Match, treating a malformed pattern as no match.
func globMatch(pattern, s string) bool {
	if pattern == s {
		return true
	}
	ok, err := path.Match(pattern, s)
	return err == nil && ok
}

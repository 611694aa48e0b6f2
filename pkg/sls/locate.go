package sls

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

// locator translates dotted state references into concrete files under
// the configured roots.
type locator struct {
	log   zerolog.Logger
	roots []string
}

// refExtensions are the suffixes tried when resolving a bare reference,
// in preference order.
var refExtensions = []string{".sls", ".cue", ".star"}

func newLocator(log zerolog.Logger, roots []string) *locator {
	if len(roots) == 0 {
		roots = []string{"."}
	}
	return &locator{log: log, roots: roots}
}

// refCandidate pairs a relative path to try with the canonical ref the
// document gets when the path exists.
type refCandidate struct {
	path string
	ref  string
}

// candidates lists the file locations a reference may live at. A
// reference resolving to a package init document gains an ".init"
// suffix so sibling references inside it resolve naturally.
func candidates(ref string) []refCandidate {
	base := strings.ReplaceAll(ref, ".", "/")
	out := make([]refCandidate, 0, len(refExtensions)+2)
	for _, ext := range refExtensions {
		out = append(out, refCandidate{path: base + ext, ref: ref})
	}
	out = append(out,
		refCandidate{path: base + "/init.sls", ref: ref + ".init"},
		refCandidate{path: base, ref: ref},
	)
	return out
}

// Locate resolves one reference to a file path and its canonical ref.
func (l *locator) Locate(ref string) (string, string, error) {
	for _, root := range l.roots {
		for _, cand := range candidates(ref) {
			path := filepath.Join(root, filepath.FromSlash(cand.path))
			info, err := os.Stat(path)
			if err != nil || info.IsDir() {
				continue
			}
			l.log.Debug().Str("ref", ref).Str("path", path).Msg("Resolved state reference")
			return path, cand.ref, nil
		}
	}
	return "", "", fmt.Errorf("could not find %q under roots %v", ref, l.roots)
}

// refFromPath derives the document reference for an explicitly named
// file: the base name without its render extension.
func refFromPath(path string) string {
	base := filepath.Base(path)
	switch ext := filepath.Ext(base); ext {
	case ".sls", ".cue", ".star", ".yaml", ".yml":
		return strings.TrimSuffix(base, ext)
	}
	return base
}

// looksLikePath reports whether a source names a file directly instead
// of a reference to search for.
func looksLikePath(src string) bool {
	if strings.ContainsRune(src, '/') || strings.ContainsRune(src, os.PathSeparator) {
		return true
	}
	switch filepath.Ext(src) {
	case ".sls", ".cue", ".star", ".yaml", ".yml":
		return true
	}
	if info, err := os.Stat(src); err == nil && !info.IsDir() {
		return true
	}
	return false
}

// relativeRef resolves an include reference against the including
// document. One leading dot names a sibling in the same package, each
// further dot climbs one package up. Absolute references pass through.
func relativeRef(includer, ref string) string {
	if !strings.HasPrefix(ref, ".") {
		return ref
	}
	dots := 0
	for dots < len(ref) && ref[dots] == '.' {
		dots++
	}
	rest := ref[dots:]
	parts := strings.Split(includer, ".")
	keep := len(parts) - dots
	if keep < 0 {
		keep = 0
	}
	prefix := strings.Join(parts[:keep], ".")
	switch {
	case prefix == "":
		return rest
	case rest == "":
		return prefix
	default:
		return prefix + "." + rest
	}
}

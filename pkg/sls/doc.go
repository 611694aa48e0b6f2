// Package sls renders declarative state sources into engine high data.
// It implements engine.Gatherer.
//
// # Sources
//
// A source is either a locator with a scheme or a bare reference:
//
//   - file://<path> loads one document from an explicit path.
//   - json://<payload> carries an inline JSON object mapping references
//     to complete documents, used by programmatic callers.
//   - Anything that looks like a filesystem path loads that file.
//   - A bare dotted reference such as "edge.web" is searched under the
//     configured roots as edge/web.sls, edge/web.cue, edge/web.star and
//     edge/web/init.sls, in that order.
//
// # Render pipes
//
// Each document runs through one render pipe: yaml, cue or star. The
// pipe comes from a leading "#!" line, the file extension, or the
// configured default. CUE documents declare their parameter schema as a
// top level params field; the run parameters are unified into it and
// the result must be concrete. Starlark documents receive a params dict
// and export their globals, skipping names with a leading underscore.
//
// # Statements
//
// The include statement pulls further references into the same gather,
// with leading dots resolving relative to the including document. The
// extend statement collects overrides that are folded back into the
// accumulated declarations once every source is resolved.
package sls

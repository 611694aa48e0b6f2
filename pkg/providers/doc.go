// Package providers implements the state function registry.
//
// The registry maps "state.fun" references to engine definitions and is
// the engine's Resolver. Definitions come from two sources: the builtin
// subpackage registers the compiled-in operations, and the wasmhost
// subpackage contributes operations exported by WASM plugins discovered
// on disk. Both feed the same registry, so the compiler and executor
// never distinguish builtin from plugin states.
package providers

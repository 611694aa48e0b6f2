//go:build !tinygo

package main

// hostLog is a no-op outside the WASM sandbox so the state logic can be
// tested with the standard toolchain.
func hostLog(level uint32, msg string) {}

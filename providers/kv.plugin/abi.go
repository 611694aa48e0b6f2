//go:build tinygo

package main

import "unsafe"

// Buffers handed to the host must stay reachable until halite_free, so
// every allocation is pinned here by its address.
var allocations = map[uintptr][]byte{}

//export halite_alloc
func haliteAlloc(size uint32) uint32 {
	if size == 0 {
		return 0
	}
	buf := make([]byte, size)
	ptr := uintptr(unsafe.Pointer(&buf[0]))
	allocations[ptr] = buf
	return uint32(ptr)
}

//export halite_free
func haliteFree(ptr uint32) {
	delete(allocations, uintptr(ptr))
}

//export halite_call
func haliteCall(ptr, size uint32) uint64 {
	var input []byte
	if size > 0 {
		input = unsafe.Slice((*byte)(unsafe.Pointer(uintptr(ptr))), size)
	}

	output := dispatch(input)
	if len(output) == 0 {
		return 0
	}

	outPtr := haliteAlloc(uint32(len(output)))
	copy(allocations[uintptr(outPtr)], output)
	return uint64(outPtr)<<32 | uint64(uint32(len(output)))
}

//go:wasmimport halite log
func haliteHostLog(level, ptr, size uint32)

// hostLog forwards a diagnostic line to the host logger.
func hostLog(level uint32, msg string) {
	if len(msg) == 0 {
		return
	}
	b := []byte(msg)
	haliteHostLog(level, uint32(uintptr(unsafe.Pointer(&b[0]))), uint32(len(b)))
}

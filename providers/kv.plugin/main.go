// Package main implements the kv state plugin for halite. It manages
// declared key/value pairs and derived digests through the enforced
// state map, and compiles to WASM for sandboxed execution. The host
// talks to it through three exports: halite_alloc, halite_free, and
// halite_call, with JSON envelopes on the wire.
package main

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash/fnv"
)

// stateCall is the request envelope handed to halite_call.
type stateCall struct {
	Ref       string         `json:"ref"`
	Tag       string         `json:"tag"`
	Run       string         `json:"run"`
	RunNum    int            `json:"run_num"`
	Test      bool           `json:"test"`
	Kwargs    map[string]any `json:"kwargs"`
	Acct      map[string]any `json:"acct,omitempty"`
	RerunData any            `json:"rerun_data,omitempty"`
}

// stateReturn is the response envelope. A non-empty Error marks a
// runtime failure and voids the other fields.
type stateReturn struct {
	Error     string         `json:"error,omitempty"`
	Result    *bool          `json:"result"`
	Comment   []string       `json:"comment,omitempty"`
	OldState  map[string]any `json:"old_state,omitempty"`
	NewState  map[string]any `json:"new_state,omitempty"`
	Changes   map[string]any `json:"changes,omitempty"`
	RerunData any            `json:"rerun_data,omitempty"`
	ESMTag    string         `json:"esm_tag,omitempty"`
	ForceSave bool           `json:"force_save,omitempty"`
}

// dispatch routes one call envelope to its state function and encodes
// the response. A panic must not trap the module; it is reported as a
// call error instead.
func dispatch(input []byte) (output []byte) {
	defer func() {
		if r := recover(); r != nil {
			output = encodeReturn(&stateReturn{Error: fmt.Sprintf("plugin panic: %v", r)})
		}
	}()

	var call stateCall
	if err := json.Unmarshal(input, &call); err != nil {
		return encodeReturn(&stateReturn{Error: fmt.Sprintf("parse call envelope: %v", err)})
	}

	var ret *stateReturn
	switch call.Ref {
	case "kv.pair.present":
		ret = pairPresent(&call)
	case "kv.pair.absent":
		ret = pairAbsent(&call)
	case "kv.digest.present":
		ret = digestPresent(&call)
	default:
		ret = &stateReturn{Error: fmt.Sprintf("unknown state function %q", call.Ref)}
	}

	hostLog(0, "handled "+call.Ref+" for "+call.Tag)
	return encodeReturn(ret)
}

func encodeReturn(ret *stateReturn) []byte {
	data, err := json.Marshal(ret)
	if err != nil {
		return []byte(fmt.Sprintf(`{"error":"encode return envelope: %v"}`, err))
	}
	return data
}

// pairPresent records a key/value pair in the enforced state map. The
// pair has no backing resource; the map itself is the store, so later
// declarations can bind arguments from it.
func pairPresent(call *stateCall) *stateReturn {
	key := pairKey(call)
	value, ok := call.Kwargs["value"]
	if !ok || value == nil {
		return &stateReturn{Error: "value is required"}
	}

	ret := &stateReturn{
		NewState: map[string]any{"key": key, "value": value},
		Changes:  map[string]any{key: map[string]any{"new": value}},
	}
	if call.Test {
		ret.Comment = []string{fmt.Sprintf("Would record pair '%s'.", key)}
		return ret
	}
	ret.Result = boolPtr(true)
	ret.Comment = []string{fmt.Sprintf("Recorded pair '%s'.", key)}
	return ret
}

// pairAbsent removes a recorded pair. Returning success without a new
// state deletes the enforced state entry.
func pairAbsent(call *stateCall) *stateReturn {
	key := pairKey(call)
	if call.Test {
		return &stateReturn{
			Comment: []string{fmt.Sprintf("Would remove pair '%s'.", key)},
		}
	}
	return &stateReturn{
		Result:  boolPtr(true),
		Comment: []string{fmt.Sprintf("Removed pair '%s'.", key)},
	}
}

// digestPresent computes a digest of the given value and records it
// alongside the inputs that produced it.
func digestPresent(call *stateCall) *stateReturn {
	key := pairKey(call)
	value, ok := call.Kwargs["value"]
	if !ok || value == nil {
		return &stateReturn{Error: "value is required"}
	}

	algorithm := stringArg(call.Kwargs, "algorithm")
	if algorithm == "" {
		algorithm = "sha256"
	}

	digest, err := computeDigest(algorithm, canonicalValue(value))
	if err != nil {
		return &stateReturn{Error: err.Error()}
	}

	ret := &stateReturn{
		NewState: map[string]any{"value": value, "algorithm": algorithm, "digest": digest},
		Changes:  map[string]any{"digest": map[string]any{"new": digest}},
	}
	if call.Test {
		ret.Comment = []string{fmt.Sprintf("Would record %s digest for '%s'.", algorithm, key)}
		return ret
	}
	ret.Result = boolPtr(true)
	ret.Comment = []string{fmt.Sprintf("Recorded %s digest for '%s'.", algorithm, key)}
	return ret
}

func computeDigest(algorithm string, value []byte) (string, error) {
	switch algorithm {
	case "sha256":
		sum := sha256.Sum256(value)
		return hex.EncodeToString(sum[:]), nil
	case "fnv":
		h := fnv.New64a()
		_, _ = h.Write(value)
		return hex.EncodeToString(h.Sum(nil)), nil
	default:
		return "", fmt.Errorf("unsupported digest algorithm %q", algorithm)
	}
}

// canonicalValue flattens a kwarg value to bytes. Strings digest as-is;
// anything else digests as its compact JSON encoding.
func canonicalValue(value any) []byte {
	if s, ok := value.(string); ok {
		return []byte(s)
	}
	data, err := json.Marshal(value)
	if err != nil {
		return []byte(fmt.Sprintf("%v", value))
	}
	return data
}

// pairKey resolves the pair key, falling back to the declaration name.
func pairKey(call *stateCall) string {
	if key := stringArg(call.Kwargs, "key"); key != "" {
		return key
	}
	return stringArg(call.Kwargs, "name")
}

func stringArg(kwargs map[string]any, key string) string {
	if v, ok := kwargs[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func boolPtr(b bool) *bool {
	return &b
}

// main is required to build a WASI command module. The host calls the
// exported ABI functions after instantiation.
func main() {}

package wasmhost

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tetratelabs/wazero/api"

	"github.com/halite-run/halite/pkg/engine"
)

// Bridge marshals state calls across the WASM boundary. The module
// exports three functions: halite_alloc(size) -> ptr and
// halite_free(ptr) for buffer management, and
// halite_call(ptr, len) -> u64 taking a JSON call envelope and
// returning (ptr << 32) | len of a JSON return envelope allocated by
// the guest.
type Bridge struct {
	module api.Module
	memory api.Memory
	alloc  api.Function
	free   api.Function
	call   api.Function
}

// callEnvelope is the JSON request handed to halite_call.
type callEnvelope struct {
	Ref       string         `json:"ref"`
	Tag       string         `json:"tag"`
	Run       string         `json:"run"`
	RunNum    int            `json:"run_num"`
	Test      bool           `json:"test"`
	Kwargs    map[string]any `json:"kwargs"`
	Acct      map[string]any `json:"acct,omitempty"`
	RerunData any            `json:"rerun_data,omitempty"`
}

// returnEnvelope is the JSON response. A non-empty Error marks a
// runtime failure; otherwise the remaining fields map onto the state
// return.
type returnEnvelope struct {
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

// NewBridge resolves the required exports on the instantiated module.
func NewBridge(module api.Module) (*Bridge, error) {
	b := &Bridge{module: module}

	b.memory = module.Memory()
	if b.memory == nil {
		return nil, fmt.Errorf("wasm module does not export memory")
	}
	for _, export := range []struct {
		name string
		fn   *api.Function
	}{
		{"halite_alloc", &b.alloc},
		{"halite_free", &b.free},
		{"halite_call", &b.call},
	} {
		f := module.ExportedFunction(export.name)
		if f == nil {
			return nil, fmt.Errorf("wasm module does not export %s", export.name)
		}
		*export.fn = f
	}
	return b, nil
}

// CallState invokes one state operation and decodes its return.
func (b *Bridge) CallState(ctx context.Context, ref string, call *engine.Call) (*engine.StateReturn, error) {
	input, err := json.Marshal(&callEnvelope{
		Ref:       ref,
		Tag:       call.Tag,
		Run:       call.Run,
		RunNum:    call.RunNum,
		Test:      call.Test,
		Kwargs:    call.Kwargs,
		Acct:      call.Acct,
		RerunData: call.RerunData,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal call: %w", err)
	}

	output, err := b.invoke(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", ref, err)
	}

	var envelope returnEnvelope
	if err := json.Unmarshal(output, &envelope); err != nil {
		return nil, fmt.Errorf("%s: unmarshal return: %w", ref, err)
	}
	if envelope.Error != "" {
		return nil, fmt.Errorf("%s: %s", ref, envelope.Error)
	}

	return &engine.StateReturn{
		Result:    envelope.Result,
		Comment:   envelope.Comment,
		OldState:  envelope.OldState,
		NewState:  envelope.NewState,
		Changes:   envelope.Changes,
		RerunData: envelope.RerunData,
		ESMTag:    envelope.ESMTag,
		ForceSave: envelope.ForceSave,
	}, nil
}

// invoke writes the input into guest memory, calls halite_call, and
// reads the packed result back out.
func (b *Bridge) invoke(ctx context.Context, input []byte) ([]byte, error) {
	var inputPtr, inputLen uint32
	if len(input) > 0 {
		ptr, err := b.allocate(ctx, uint32(len(input)))
		if err != nil {
			return nil, err
		}
		defer b.deallocate(ctx, ptr)

		inputPtr = ptr
		inputLen = uint32(len(input))
		if !b.memory.Write(inputPtr, input) {
			return nil, fmt.Errorf("write input to wasm memory")
		}
	}

	results, err := b.call.Call(ctx, uint64(inputPtr), uint64(inputLen))
	if err != nil {
		return nil, fmt.Errorf("halite_call: %w", err)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("halite_call returned no results")
	}

	packed := results[0]
	outputPtr := uint32(packed >> 32)
	outputLen := uint32(packed & 0xFFFFFFFF)
	if outputLen == 0 {
		return []byte("{}"), nil
	}

	output, ok := b.memory.Read(outputPtr, outputLen)
	if !ok {
		return nil, fmt.Errorf("read output from wasm memory")
	}
	// Copy before freeing; Read returns a view of guest memory.
	out := make([]byte, len(output))
	copy(out, output)
	b.deallocate(ctx, outputPtr)
	return out, nil
}

func (b *Bridge) allocate(ctx context.Context, size uint32) (uint32, error) {
	results, err := b.alloc.Call(ctx, uint64(size))
	if err != nil {
		return 0, fmt.Errorf("halite_alloc: %w", err)
	}
	if len(results) == 0 || uint32(results[0]) == 0 {
		return 0, fmt.Errorf("halite_alloc returned no memory")
	}
	return uint32(results[0]), nil
}

func (b *Bridge) deallocate(ctx context.Context, ptr uint32) {
	_, _ = b.free.Call(ctx, uint64(ptr))
}

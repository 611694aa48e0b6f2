package builtin

import (
	"context"
	"fmt"
	"time"

	"github.com/halite-run/halite/pkg/engine"
)

// The test.* states have fixed outcomes. They carry no side effects and
// exist so runs, requisites and reconciliation can be exercised end to
// end. All of them except present and absent skip enforced-state
// tracking; present and absent deliberately write and delete managed
// entries.

func testDefs() []*engine.Definition {
	nameOnly := func() *engine.CallSpec {
		return &engine.CallSpec{Params: []engine.Param{engine.RequiredParam("name")}}
	}

	return []*engine.Definition{
		{
			Ref:     "test.succeed_without_changes",
			Spec:    nameOnly(),
			Func:    testSucceedWithoutChanges,
			SkipESM: true,
		},
		{
			Ref:     "test.succeed_with_changes",
			Spec:    nameOnly(),
			Func:    testSucceedWithChanges,
			SkipESM: true,
		},
		{
			Ref:     "test.fail_without_changes",
			Spec:    nameOnly(),
			Func:    testFailWithoutChanges,
			SkipESM: true,
		},
		{
			Ref:     "test.fail_with_changes",
			Spec:    nameOnly(),
			Func:    testFailWithChanges,
			SkipESM: true,
		},
		{
			Ref: "test.pending",
			Spec: &engine.CallSpec{Params: []engine.Param{
				engine.RequiredParam("name"),
				engine.OptionalParam("reruns", 3),
			}},
			Func:          testPending,
			SkipESM:       true,
			ReconcileWait: &engine.WaitSpec{Kind: "static", Seconds: 1},
		},
		{
			Ref: "test.sleep",
			Spec: &engine.CallSpec{Params: []engine.Param{
				engine.RequiredParam("name"),
				engine.OptionalParam("duration", 1),
			}},
			Func:    testSleep,
			SkipESM: true,
		},
		{
			Ref:  "test.present",
			Spec: nameOnly(),
			Func: testPresent,
		},
		{
			Ref:  "test.absent",
			Spec: nameOnly(),
			Func: testAbsent,
		},
	}
}

func testSucceedWithoutChanges(ctx context.Context, call *engine.Call) (*engine.StateReturn, error) {
	return &engine.StateReturn{
		Result:  engine.TrueResult(),
		Comment: []string{"Success!"},
	}, nil
}

func testSucceedWithChanges(ctx context.Context, call *engine.Call) (*engine.StateReturn, error) {
	name, _ := call.String("name")
	return &engine.StateReturn{
		Result:   engine.TrueResult(),
		Comment:  []string{"Success!"},
		NewState: map[string]any{"name": name, "testing": "Testing state"},
		Changes: map[string]any{
			"testing": map[string]any{"old": "Unchanged", "new": "Testing state"},
		},
	}, nil
}

func testFailWithoutChanges(ctx context.Context, call *engine.Call) (*engine.StateReturn, error) {
	return &engine.StateReturn{
		Result:  engine.FalseResult(),
		Comment: []string{"Failure!"},
	}, nil
}

func testFailWithChanges(ctx context.Context, call *engine.Call) (*engine.StateReturn, error) {
	name, _ := call.String("name")
	return &engine.StateReturn{
		Result:   engine.FalseResult(),
		Comment:  []string{"Failure!"},
		NewState: map[string]any{"name": name, "testing": "Testing state"},
		Changes: map[string]any{
			"testing": map[string]any{"old": "Unchanged", "new": "Testing state"},
		},
	}, nil
}

// testPending succeeds but stays pending until it has been called the
// requested number of times, counting attempts through the rerun data
// the reconciliation loop carries back in.
func testPending(ctx context.Context, call *engine.Call) (*engine.StateReturn, error) {
	name, _ := call.String("name")
	want := 3
	if n, ok := toInt(call.Kwargs["reruns"]); ok && n > 0 {
		want = n
	}

	count := 0
	if n, ok := toInt(call.RerunData); ok {
		count = n
	}
	count++

	ret := &engine.StateReturn{
		Result:   engine.TrueResult(),
		NewState: map[string]any{"name": name, "calls": count},
	}
	if count < want {
		ret.Comment = []string{fmt.Sprintf("Attempt %d of %d", count, want)}
		ret.RerunData = count
		return ret, nil
	}
	ret.Comment = []string{fmt.Sprintf("Completed after %d calls", count)}
	return ret, nil
}

func testSleep(ctx context.Context, call *engine.Call) (*engine.StateReturn, error) {
	seconds := 1
	if n, ok := toInt(call.Kwargs["duration"]); ok && n >= 0 {
		seconds = n
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(time.Duration(seconds) * time.Second):
	}

	return &engine.StateReturn{
		Result:  engine.TrueResult(),
		Comment: []string{fmt.Sprintf("Slept %d seconds", seconds)},
	}, nil
}

func testPresent(ctx context.Context, call *engine.Call) (*engine.StateReturn, error) {
	name, _ := call.String("name")

	if call.Test {
		return &engine.StateReturn{
			Comment: []string{fmt.Sprintf("Would create %q", name)},
		}, nil
	}
	return &engine.StateReturn{
		Result:   engine.TrueResult(),
		Comment:  []string{fmt.Sprintf("Created %q", name)},
		NewState: map[string]any{"name": name, "present": true},
		Changes:  map[string]any{"new": map[string]any{"name": name}},
	}, nil
}

func testAbsent(ctx context.Context, call *engine.Call) (*engine.StateReturn, error) {
	name, _ := call.String("name")

	if call.Test {
		return &engine.StateReturn{
			Comment: []string{fmt.Sprintf("Would remove %q", name)},
		}, nil
	}
	// A nil new state on success deletes the managed entry.
	return &engine.StateReturn{
		Result:  engine.TrueResult(),
		Comment: []string{fmt.Sprintf("Removed %q", name)},
	}, nil
}

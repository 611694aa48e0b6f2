package builtin

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/halite-run/halite/pkg/engine"
)

func callFor(name string, kwargs map[string]any) *engine.Call {
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	kwargs["name"] = name
	return &engine.Call{
		Tag:    "test_|-" + name + "_|-" + name + "_|-run",
		Run:    "unit",
		Kwargs: kwargs,
	}
}

func findDef(t *testing.T, ref string) *engine.Definition {
	t.Helper()
	for _, def := range Defs(Config{Log: zerolog.Nop()}) {
		if def.Ref == ref {
			return def
		}
	}
	t.Fatalf("Definition %s not found", ref)
	return nil
}

func TestDefs_CoverAllRefs(t *testing.T) {
	want := []string{
		"test.succeed_without_changes",
		"test.succeed_with_changes",
		"test.fail_without_changes",
		"test.fail_with_changes",
		"test.pending",
		"test.sleep",
		"test.present",
		"test.absent",
		"data.write",
		"remote.cmd.run",
		"remote.file.managed",
		"remote.file.absent",
	}

	defs := Defs(Config{Log: zerolog.Nop()})
	got := make(map[string]bool, len(defs))
	for _, def := range defs {
		if def.Spec == nil || def.Func == nil {
			t.Errorf("Definition %s is missing spec or func", def.Ref)
		}
		got[def.Ref] = true
	}
	for _, ref := range want {
		if !got[ref] {
			t.Errorf("Expected definition %s", ref)
		}
	}
	if len(defs) != len(want) {
		t.Errorf("Expected %d definitions, got %d", len(want), len(defs))
	}
}

func TestTestStates_FixedOutcomes(t *testing.T) {
	cases := []struct {
		ref         string
		wantResult  bool
		wantChanges bool
	}{
		{"test.succeed_without_changes", true, false},
		{"test.succeed_with_changes", true, true},
		{"test.fail_without_changes", false, false},
		{"test.fail_with_changes", false, true},
	}

	for _, tc := range cases {
		t.Run(tc.ref, func(t *testing.T) {
			def := findDef(t, tc.ref)
			ret, err := def.Func(context.Background(), callFor("fixture", nil))
			if err != nil {
				t.Fatalf("State function failed: %v", err)
			}
			if ret.Result == nil || *ret.Result != tc.wantResult {
				t.Errorf("Expected result %v, got %v", tc.wantResult, ret.Result)
			}
			if tc.wantChanges && len(ret.Changes) == 0 {
				t.Error("Expected changes")
			}
			if !tc.wantChanges && len(ret.Changes) != 0 {
				t.Errorf("Expected no changes, got %v", ret.Changes)
			}
			if !def.SkipESM {
				t.Error("Expected the fixture state to skip enforced-state tracking")
			}
		})
	}
}

func TestTestPending_CountsAttempts(t *testing.T) {
	def := findDef(t, "test.pending")

	call := callFor("slow", map[string]any{"reruns": 3})
	ret, err := def.Func(context.Background(), call)
	if err != nil {
		t.Fatalf("State function failed: %v", err)
	}
	if ret.RerunData == nil {
		t.Fatal("Expected rerun data on the first attempt")
	}

	// Second attempt carries the counter back in, as the reconciliation
	// loop does after a JSON round trip.
	call.RerunData = float64(1)
	ret, err = def.Func(context.Background(), call)
	if err != nil {
		t.Fatalf("State function failed: %v", err)
	}
	if ret.RerunData == nil {
		t.Fatal("Expected rerun data on the second attempt")
	}

	call.RerunData = 2
	ret, err = def.Func(context.Background(), call)
	if err != nil {
		t.Fatalf("State function failed: %v", err)
	}
	if ret.RerunData != nil {
		t.Errorf("Expected the third attempt to settle, got rerun data %v", ret.RerunData)
	}
	if ret.NewState["calls"] != 3 {
		t.Errorf("Expected 3 calls recorded, got %v", ret.NewState["calls"])
	}
}

func TestTestPending_DeclaresReconcileWait(t *testing.T) {
	def := findDef(t, "test.pending")
	if def.ReconcileWait == nil || def.ReconcileWait.Kind != "static" {
		t.Errorf("Expected a static reconcile wait, got %+v", def.ReconcileWait)
	}
}

func TestTestSleep_HonorsContext(t *testing.T) {
	def := findDef(t, "test.sleep")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := def.Func(ctx, callFor("nap", map[string]any{"duration": 30}))
	if err == nil {
		t.Fatal("Expected a context error")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Expected the sleep to be cut short, took %v", elapsed)
	}
}

func TestTestPresent_TestMode(t *testing.T) {
	def := findDef(t, "test.present")

	call := callFor("res-1", nil)
	call.Test = true
	ret, err := def.Func(context.Background(), call)
	if err != nil {
		t.Fatalf("State function failed: %v", err)
	}
	if ret.Result != nil {
		t.Errorf("Expected an undecided result in test mode, got %v", *ret.Result)
	}
	if ret.NewState != nil {
		t.Error("Expected no new state in test mode")
	}
}

func TestTestPresentAbsent_TrackState(t *testing.T) {
	present := findDef(t, "test.present")
	absent := findDef(t, "test.absent")

	if present.SkipESM || absent.SkipESM {
		t.Error("Expected present and absent to take part in enforced-state tracking")
	}

	ret, err := present.Func(context.Background(), callFor("res-1", nil))
	if err != nil {
		t.Fatalf("State function failed: %v", err)
	}
	if ret.NewState == nil {
		t.Fatal("Expected a new state from present")
	}

	ret, err = absent.Func(context.Background(), callFor("res-1", nil))
	if err != nil {
		t.Fatalf("State function failed: %v", err)
	}
	if ret.NewState != nil {
		t.Error("Expected a nil new state from absent")
	}
	if ret.Result == nil || !*ret.Result {
		t.Error("Expected absent to succeed")
	}
}

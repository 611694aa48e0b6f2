package engine

import (
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func buildTestCall(t *testing.T, def *Definition, chunk *Chunk, enforced map[string]any) map[string]any {
	t.Helper()
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	kwargs, err := BuildCall(logger, def, chunk, enforced, false)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	return kwargs
}

func TestBuildCall_DeclaredAndDefaults(t *testing.T) {
	def := &Definition{
		Ref: "test.present",
		Spec: &CallSpec{Params: []Param{
			RequiredParam("name"),
			RequiredParam("size"),
			OptionalParam("region", "us-east-1"),
			BoolParam("public", false),
		}},
	}
	chunk := &Chunk{State: "test", ID: "web", Fun: "present", Name: "web",
		Args: map[string]any{"size": "xl"}}

	kwargs := buildTestCall(t, def, chunk, nil)
	if kwargs["name"] != "web" {
		t.Errorf("Expected name web, got %v", kwargs["name"])
	}
	if kwargs["size"] != "xl" {
		t.Errorf("Expected size xl, got %v", kwargs["size"])
	}
	if kwargs["region"] != "us-east-1" {
		t.Errorf("Expected the default region, got %v", kwargs["region"])
	}
	if kwargs["public"] != false {
		t.Errorf("Expected the default public flag, got %v", kwargs["public"])
	}
}

func TestBuildCall_MissingRequired(t *testing.T) {
	def := &Definition{
		Ref: "test.present",
		Spec: &CallSpec{Params: []Param{
			RequiredParam("name"),
			RequiredParam("size"),
			RequiredParam("region"),
		}},
	}
	chunk := &Chunk{State: "test", ID: "web", Fun: "present", Name: "web"}

	logger := zerolog.New(nil).Level(zerolog.Disabled)
	_, err := BuildCall(logger, def, chunk, nil, false)
	if err == nil {
		t.Fatal("Expected an error")
	}
	if !IsValidation(err) {
		t.Errorf("Expected a validation error, got %v", err)
	}
	if !strings.Contains(err.Error(), "test.present is missing required argument(s): size, region") {
		t.Errorf("Unexpected message: %v", err)
	}
}

func TestBuildCall_EnforcedSeedsArguments(t *testing.T) {
	def := &Definition{
		Ref: "test.present",
		Spec: &CallSpec{Params: []Param{
			RequiredParam("name"),
			OptionalParam("size", "m"),
			OptionalParam("resource_id", nil),
		}},
	}
	chunk := &Chunk{State: "test", ID: "web", Fun: "present", Name: "web"}
	enforced := map[string]any{"size": "small", "resource_id": "i-1"}

	kwargs := buildTestCall(t, def, chunk, enforced)
	if kwargs["size"] != "small" {
		t.Errorf("Expected the enforced size over the default, got %v", kwargs["size"])
	}
	if kwargs["resource_id"] != "i-1" {
		t.Errorf("Expected the enforced resource_id, got %v", kwargs["resource_id"])
	}

	// A declared argument overrides the enforced seed.
	chunk.Args = map[string]any{"size": "xl"}
	kwargs = buildTestCall(t, def, chunk, enforced)
	if kwargs["size"] != "xl" {
		t.Errorf("Expected the declared size to win, got %v", kwargs["size"])
	}
}

func TestBuildCall_NilArgumentDoesNotClobber(t *testing.T) {
	def := &Definition{
		Ref: "test.present",
		Spec: &CallSpec{Params: []Param{
			RequiredParam("name"),
			OptionalParam("size", "m"),
			OptionalParam("resource_id", nil),
		}},
	}
	enforced := map[string]any{"size": "current", "resource_id": "i-1"}
	chunk := &Chunk{State: "test", ID: "web", Fun: "present", Name: "web",
		Args: map[string]any{"size": nil}}

	kwargs := buildTestCall(t, def, chunk, enforced)
	if kwargs["size"] != "current" {
		t.Errorf("Expected the enforced value to survive a nil argument, got %v", kwargs["size"])
	}

	// Replacement flows reset resource_id to nil on purpose.
	chunk.Args = map[string]any{"resource_id": nil}
	chunk.RecreationFlow = true
	kwargs = buildTestCall(t, def, chunk, enforced)
	if kwargs["resource_id"] != nil {
		t.Errorf("Expected resource_id cleared for the replacement flow, got %v", kwargs["resource_id"])
	}
}

func TestBuildCall_BooleanTypeCheck(t *testing.T) {
	def := &Definition{
		Ref: "test.present",
		Spec: &CallSpec{Params: []Param{
			RequiredParam("name"),
			BoolParam("public", false),
		}},
	}
	chunk := &Chunk{State: "test", ID: "web", Fun: "present", Name: "web",
		Args: map[string]any{"public": "yes"}}

	logger := zerolog.New(nil).Level(zerolog.Disabled)
	_, err := BuildCall(logger, def, chunk, nil, false)
	if err == nil {
		t.Fatal("Expected an error")
	}
	if !strings.Contains(err.Error(), "test.present is expecting a boolean value for 'public' but got 'yes'") {
		t.Errorf("Unexpected message: %v", err)
	}

	chunk.Args = map[string]any{"public": true}
	kwargs := buildTestCall(t, def, chunk, nil)
	if kwargs["public"] != true {
		t.Errorf("Expected public true, got %v", kwargs["public"])
	}
}

func TestBuildCall_UnknownArguments(t *testing.T) {
	spec := &CallSpec{Params: []Param{RequiredParam("name")}}
	def := &Definition{Ref: "test.present", Spec: spec}
	chunk := &Chunk{State: "test", ID: "web", Fun: "present", Name: "web",
		Args: map[string]any{"bogus": 1, "tag": "internal"}}

	kwargs := buildTestCall(t, def, chunk, nil)
	if _, ok := kwargs["bogus"]; ok {
		t.Error("Expected the unknown argument dropped")
	}
	if _, ok := kwargs["tag"]; ok {
		t.Error("Expected the internal keyword dropped")
	}

	spec.CatchAll = true
	kwargs = buildTestCall(t, def, chunk, nil)
	if kwargs["bogus"] != 1 {
		t.Error("Expected the unknown argument forwarded to a catch-all operation")
	}
	if _, ok := kwargs["tag"]; ok {
		t.Error("Expected the internal keyword dropped even for a catch-all operation")
	}

	spec.CatchAll = false
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	_, err := BuildCall(logger, def, chunk, nil, true)
	if err == nil {
		t.Fatal("Expected an error in strict mode")
	}
	if !IsValidation(err) {
		t.Errorf("Expected a validation error, got %v", err)
	}
	if !strings.Contains(err.Error(), "'bogus' is an invalid keyword argument for 'test.present'") {
		t.Errorf("Unexpected message: %v", err)
	}
}

func TestBuildCall_IgnoreChanges(t *testing.T) {
	def := &Definition{
		Ref: "test.present",
		Spec: &CallSpec{Params: []Param{
			RequiredParam("name"),
			OptionalParam("tags", nil),
		}},
	}
	chunk := &Chunk{State: "test", ID: "web", Fun: "present", Name: "web",
		Args:          map[string]any{"tags": map[string]any{"env": "prod"}},
		IgnoreChanges: []string{"tags"}}

	// The resource exists, so the exempt path is blanked.
	kwargs := buildTestCall(t, def, chunk, map[string]any{"resource_id": "i-1"})
	if v, ok := kwargs["tags"]; !ok || v != nil {
		t.Errorf("Expected tags nulled for an existing resource, got %v", v)
	}

	// A fresh resource keeps the declared value.
	kwargs = buildTestCall(t, def, chunk, nil)
	if m, ok := kwargs["tags"].(map[string]any); !ok || m["env"] != "prod" {
		t.Errorf("Expected the declared tags for a new resource, got %v", kwargs["tags"])
	}
}

func TestGetEnforcedState_Precedence(t *testing.T) {
	chunk := &Chunk{State: "test", ID: "a", Fun: "present", Name: "a"}
	variant := chunk.WithVariant(VariantForceReplace)
	run := &Run{ManagedState: map[string]map[string]any{
		ESMTag(variant): {"resource_id": "new"},
		ESMTag(chunk):   {"resource_id": "old"},
	}}

	got := GetEnforcedState(run, chunk)
	if got["resource_id"] != "new" {
		t.Errorf("Expected the replacement identity to win, got %v", got)
	}

	delete(run.ManagedState, ESMTag(variant))
	got = GetEnforcedState(run, chunk)
	if got["resource_id"] != "old" {
		t.Errorf("Expected the chunk identity, got %v", got)
	}

	// Empty entries never match.
	run.ManagedState[ESMTag(variant)] = map[string]any{}
	got = GetEnforcedState(run, chunk)
	if got["resource_id"] != "old" {
		t.Errorf("Expected the empty replacement entry skipped, got %v", got)
	}

	if got := GetEnforcedState(run, &Chunk{State: "test", ID: "x", Fun: "present", Name: "x"}); got != nil {
		t.Errorf("Expected nil for an unknown identity, got %v", got)
	}
}

func TestTruthy(t *testing.T) {
	for _, v := range []any{true, "x", 1, int64(2), 3.5, []any{1}, map[string]any{"k": 1}} {
		if !truthy(v) {
			t.Errorf("Expected %v (%T) to be truthy", v, v)
		}
	}
	for _, v := range []any{nil, false, "", 0, int64(0), 0.0, []any{}, map[string]any{}} {
		if truthy(v) {
			t.Errorf("Expected %v (%T) to be falsy", v, v)
		}
	}
}

func TestQuoteList(t *testing.T) {
	if got := quoteList([]string{"a"}); got != "'a'" {
		t.Errorf("Expected 'a', got %s", got)
	}
	if got := quoteList([]string{"a", "b", "c"}); got != "'a', 'b' and 'c'" {
		t.Errorf("Unexpected rendering: %s", got)
	}
}

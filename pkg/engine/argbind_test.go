package engine

import (
	"reflect"
	"strings"
	"testing"
)

func TestParseRefPath_Segments(t *testing.T) {
	segs, err := parseRefPath("a:b[0][*]:c")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(segs) != 3 {
		t.Fatalf("Expected 3 segments, got %d", len(segs))
	}
	if segs[0].key != "a" || len(segs[0].indexes) != 0 {
		t.Errorf("Unexpected first segment: %+v", segs[0])
	}
	if segs[1].key != "b" || len(segs[1].indexes) != 2 {
		t.Fatalf("Unexpected second segment: %+v", segs[1])
	}
	if segs[1].indexes[0].n != 0 || segs[1].indexes[0].star {
		t.Errorf("Expected index 0, got %+v", segs[1].indexes[0])
	}
	if !segs[1].indexes[1].star {
		t.Errorf("Expected a wildcard index, got %+v", segs[1].indexes[1])
	}
	if segs[2].key != "c" {
		t.Errorf("Unexpected third segment: %+v", segs[2])
	}
}

func TestParseRefPath_EscapedBracket(t *testing.T) {
	segs, err := parseRefPath(`tag[\env`)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(segs) != 1 || segs[0].key != "tag[env" {
		t.Errorf("Expected the literal bracket unescaped, got %+v", segs)
	}

	if _, err := parseRefPath("a[b]"); err == nil {
		t.Error("Expected an error for a malformed index")
	}
}

func TestParseBoundValue_Walks(t *testing.T) {
	data := map[string]any{
		"name": "net",
		"vpc": map[string]any{
			"subnets": []any{
				map[string]any{"id": "s-1"},
				map[string]any{"id": "s-2"},
			},
		},
	}

	got, err := parseBoundValue(data, "name", false)
	if err != nil || got != "net" {
		t.Errorf("Expected net, got %v (%v)", got, err)
	}

	got, err = parseBoundValue(data, "vpc:subnets[0]:id", false)
	if err != nil || got != "s-1" {
		t.Errorf("Expected s-1, got %v (%v)", got, err)
	}

	got, err = parseBoundValue(data, "vpc:subnets:id", false)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !reflect.DeepEqual(got, []any{"s-1", "s-2"}) {
		t.Errorf("Expected the ids collected element-wise, got %v", got)
	}
}

func TestParseBoundValue_Missing(t *testing.T) {
	data := map[string]any{"vpc": map[string]any{}}

	_, err := parseBoundValue(data, "vpc:missing", false)
	if err == nil {
		t.Fatal("Expected an error")
	}
	want := `Key "missing" is not found as part of the state "new_state".`
	if err.Error() != want {
		t.Errorf("Expected %q, got %q", want, err.Error())
	}

	got, err := parseBoundValue(data, "vpc:missing", true)
	if err != nil {
		t.Fatalf("Unexpected error in test mode: %v", err)
	}
	if got != "missing_value_known_after_applying" {
		t.Errorf("Expected the test placeholder, got %v", got)
	}
}

func TestParseBoundValue_IndexOutOfRange(t *testing.T) {
	data := map[string]any{"subnets": []any{"s-1"}}

	_, err := parseBoundValue(data, "subnets[5]", false)
	if err == nil {
		t.Fatal("Expected an error")
	}
	if !strings.Contains(err.Error(), `does not include element with index "5"`) {
		t.Errorf("Unexpected error: %v", err)
	}
}

func TestSetChunkArgValue_Paths(t *testing.T) {
	chunk := &Chunk{State: "test", ID: "vm", Fun: "present", Name: "vm",
		Args: map[string]any{}}

	if err := setChunkArgValue(chunk, "size", "${x}", "xl"); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if chunk.Args["size"] != "xl" {
		t.Errorf("Expected size set, got %v", chunk.Args)
	}

	if err := setChunkArgValue(chunk, "net:cidr", "${x}", "10.0.0.0/16"); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	net, ok := chunk.Args["net"].(map[string]any)
	if !ok || net["cidr"] != "10.0.0.0/16" {
		t.Errorf("Expected the nested map created, got %v", chunk.Args["net"])
	}

	chunk.Args["rules"] = []any{map[string]any{"port": "${x}"}}
	if err := setChunkArgValue(chunk, "rules[0]:port", "${x}", 443); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	rule := chunk.Args["rules"].([]any)[0].(map[string]any)
	if rule["port"] != 443 {
		t.Errorf("Expected the list element updated, got %v", rule["port"])
	}
}

func TestSetChunkArgValue_Name(t *testing.T) {
	chunk := &Chunk{State: "test", ID: "vm", Fun: "present",
		Name: "${test:a:id}"}
	if err := setChunkArgValue(chunk, "name", "${test:a:id}", "db-1"); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if chunk.Name != "db-1" {
		t.Errorf("Expected the name replaced, got %q", chunk.Name)
	}

	chunk.Name = "edge-${test:a:id}-cache"
	if err := setChunkArgValue(chunk, "name", "${test:a:id}", "fra"); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if chunk.Name != "edge-fra-cache" {
		t.Errorf("Expected the reference substituted in place, got %q", chunk.Name)
	}

	chunk.Name = "${test:a:id}"
	err := setChunkArgValue(chunk, "name", "${test:a:id}", 5)
	if err == nil {
		t.Fatal("Expected an error")
	}
	want := `Cannot assign a non-string value to "name".`
	if err.Error() != want {
		t.Errorf("Expected %q, got %q", want, err.Error())
	}
}

func TestApplyBindings_ResolvesIntoChunk(t *testing.T) {
	chunk := &Chunk{State: "test", ID: "vm", Fun: "present", Name: "vm",
		Args: map[string]any{"subnet_id": "${test:a:resource_id}"}}
	rr := &ReqRet{
		Kind:  RequisiteArgBind,
		State: "test",
		Name:  "a",
		Ret:   &ExecutionRecord{NewState: map[string]any{"resource_id": "s-9"}},
		Bind:  []ArgBinding{{Source: "resource_id", Target: "subnet_id"}},
	}

	errs := applyBindings(chunk, rr, false)
	if len(errs) != 0 {
		t.Fatalf("Unexpected errors: %v", errs)
	}
	if chunk.Args["subnet_id"] != "s-9" {
		t.Errorf("Expected the bound value, got %v", chunk.Args["subnet_id"])
	}
}

func TestApplyBindings_MissingNewState(t *testing.T) {
	chunk := &Chunk{State: "test", ID: "vm", Fun: "present", Name: "vm"}
	rr := &ReqRet{
		Kind:  RequisiteArgBind,
		State: "test",
		Name:  "a",
		Ret:   &ExecutionRecord{},
		Bind:  []ArgBinding{{Source: "resource_id", Target: "subnet_id"}},
	}

	errs := applyBindings(chunk, rr, false)
	if len(errs) != 1 {
		t.Fatalf("Expected 1 error, got %v", errs)
	}
	want := `"test:a" state does not have "new_state" in the state returns.`
	if errs[0] != want {
		t.Errorf("Expected %q, got %q", want, errs[0])
	}
}

func TestApplyBindings_UnresolvableSource(t *testing.T) {
	chunk := &Chunk{State: "test", ID: "vm", Fun: "present", Name: "vm",
		Args: map[string]any{}}
	rr := &ReqRet{
		Kind:  RequisiteArgBind,
		State: "test",
		Name:  "a",
		Ret:   &ExecutionRecord{NewState: map[string]any{"resource_id": "s-9"}},
		Bind:  []ArgBinding{{Source: "missing", Target: "subnet_id"}},
	}

	errs := applyBindings(chunk, rr, false)
	if len(errs) != 1 {
		t.Fatalf("Expected 1 error, got %v", errs)
	}
	if !strings.Contains(errs[0], `Failed to parse "${test:a:missing}" for state "vm".`) {
		t.Errorf("Unexpected error: %q", errs[0])
	}
	if !strings.Contains(errs[0], `Key "missing" is not found`) {
		t.Errorf("Expected the cause included, got %q", errs[0])
	}
}

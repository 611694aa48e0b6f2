package sls

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestGatherer_Gather_CueDocument(t *testing.T) {
	root := writeTree(t, map[string]string{
		"web.cue": `params: host: string
web: "test.present": [{name: params.host}]
`,
	})
	g := testGatherer(root)

	high, err := g.Gather(context.Background(), []string{"web"}, map[string]any{"host": "edge1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	web, ok := high["web"]
	if !ok {
		t.Fatal("expected declaration web")
	}
	args := web.States["test"]["present"]
	if len(args) != 1 || args[0]["name"] != "edge1" {
		t.Errorf("expected params.host substituted, got %v", args)
	}
}

func TestGatherer_Gather_CueMissingParam(t *testing.T) {
	root := writeTree(t, map[string]string{
		"web.cue": `params: host: string
web: "test.present": [{name: params.host}]
`,
	})
	g := testGatherer(root)

	_, err := g.Gather(context.Background(), []string{"web"}, nil)
	if err == nil {
		t.Fatal("expected an error for an unresolved parameter")
	}
	if !strings.Contains(err.Error(), "cannot resolve SLS web") {
		t.Errorf("expected a resolve error, got %v", err)
	}
}

func TestGatherer_Gather_CueSyntaxError(t *testing.T) {
	root := writeTree(t, map[string]string{
		"bad.cue": "web: {\n",
	})
	g := testGatherer(root)

	_, err := g.Gather(context.Background(), []string{"bad"}, nil)
	if err == nil {
		t.Fatal("expected a compile error")
	}
	if !strings.Contains(err.Error(), "cannot compile SLS bad") {
		t.Errorf("expected a compile error, got %v", err)
	}
}

func TestGatherer_Gather_StarDocument(t *testing.T) {
	root := writeTree(t, map[string]string{
		"web.star": `_suffix = "-a"
web = {"test.present": [{"name": params["host"] + _suffix}]}
`,
	})
	g := testGatherer(root)

	high, err := g.Gather(context.Background(), []string{"web"}, map[string]any{"host": "edge1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(high) != 1 {
		t.Fatalf("expected underscore globals skipped, got %d declarations", len(high))
	}
	web, ok := high["web"]
	if !ok {
		t.Fatal("expected declaration web")
	}
	args := web.States["test"]["present"]
	if len(args) != 1 || args[0]["name"] != "edge1-a" {
		t.Errorf("expected computed name, got %v", args)
	}
}

func TestGatherer_Gather_StarFailure(t *testing.T) {
	root := writeTree(t, map[string]string{
		"boom.star": `fail("no good")
`,
	})
	g := testGatherer(root)

	_, err := g.Gather(context.Background(), []string{"boom"}, nil)
	if err == nil {
		t.Fatal("expected an execution error")
	}
	if !strings.Contains(err.Error(), "starlark execution failed") {
		t.Errorf("expected an execution error, got %v", err)
	}
}

func TestGatherer_Gather_ShebangOverride(t *testing.T) {
	root := writeTree(t, map[string]string{
		"doc.sls": `#!star
web = {"test.present": [{"name": "w"}]}
`,
	})
	g := testGatherer(root)

	high, err := g.Gather(context.Background(), []string{"doc"}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	web, ok := high["web"]
	if !ok {
		t.Fatal("expected declaration web")
	}
	if web.States["test"]["present"][0]["name"] != "w" {
		t.Errorf("expected the star pipe applied, got %v", web.States)
	}
}

func TestGatherer_Gather_UnknownPipe(t *testing.T) {
	root := writeTree(t, map[string]string{
		"doc.sls": "#!toml\nkey = 1\n",
	})
	g := testGatherer(root)

	_, err := g.Gather(context.Background(), []string{"doc"}, nil)
	if err == nil {
		t.Fatal("expected an error for an unknown pipe")
	}
	if !strings.Contains(err.Error(), `unknown render pipe "toml"`) {
		t.Errorf("expected unknown pipe error, got %v", err)
	}
}

func TestSplitShebang(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		wantPipe string
		wantBody string
	}{
		{
			name:     "star pipe",
			content:  "#!star\nx = 1\n",
			wantPipe: "star",
			wantBody: "x = 1\n",
		},
		{
			name:     "no shebang",
			content:  "key: value\n",
			wantPipe: "",
			wantBody: "key: value\n",
		},
		{
			name:     "shebang only",
			content:  "#!cue",
			wantPipe: "cue",
			wantBody: "",
		},
		{
			name:     "trailing space trimmed",
			content:  "#!yaml  \nkey: value\n",
			wantPipe: "yaml",
			wantBody: "key: value\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pipe, body := splitShebang([]byte(tt.content))
			if pipe != tt.wantPipe {
				t.Errorf("expected pipe %q, got %q", tt.wantPipe, pipe)
			}
			if string(body) != tt.wantBody {
				t.Errorf("expected body %q, got %q", tt.wantBody, string(body))
			}
		})
	}
}

func TestStarEvaluator_Timeout(t *testing.T) {
	se := newStarEvaluator(time.Nanosecond)
	body := []byte(`total = 0
for i in range(5000000):
    total += i
`)

	_, _, err := se.Render(context.Background(), body, "slow.star", nil)
	if err == nil {
		t.Fatal("expected a timeout error")
	}
	if !strings.Contains(err.Error(), "timeout") {
		t.Errorf("expected a timeout error, got %v", err)
	}
}

func TestStarEvaluator_RoundTrip(t *testing.T) {
	se := newStarEvaluator(0)
	body := []byte(`out = {
    "none": None,
    "flag": True,
    "count": 3,
    "ratio": 1.5,
    "items": [1, "two"],
    "nested": {"k": "v"},
}
`)

	doc, order, err := se.Render(context.Background(), body, "types.star", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(order) != 1 || order[0] != "out" {
		t.Fatalf("expected a single out global, got %v", order)
	}
	out, ok := doc["out"].(map[string]any)
	if !ok {
		t.Fatalf("expected a mapping, got %T", doc["out"])
	}
	if out["none"] != nil {
		t.Errorf("expected None to map to nil, got %v", out["none"])
	}
	if out["flag"] != true {
		t.Errorf("expected True to map to true, got %v", out["flag"])
	}
	if out["count"] != int64(3) {
		t.Errorf("expected 3 as int64, got %T %v", out["count"], out["count"])
	}
	if out["ratio"] != 1.5 {
		t.Errorf("expected 1.5, got %v", out["ratio"])
	}
	items, ok := out["items"].([]any)
	if !ok || len(items) != 2 {
		t.Errorf("expected a two element list, got %v", out["items"])
	}
	nested, ok := out["nested"].(map[string]any)
	if !ok || nested["k"] != "v" {
		t.Errorf("expected nested mapping preserved, got %v", out["nested"])
	}
}

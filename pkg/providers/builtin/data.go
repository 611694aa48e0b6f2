package builtin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/template"

	"github.com/halite-run/halite/pkg/engine"
)

// data.write produces an output file from run parameters, typically
// attribute values bound out of other chunks. With a template the
// parameters feed the render; without one they are written as indented
// JSON. The state is excluded from enforced-state tracking and from
// reconciliation.

func dataDefs() []*engine.Definition {
	return []*engine.Definition{
		{
			Ref: "data.write",
			Spec: &engine.CallSpec{Params: []engine.Param{
				engine.RequiredParam("name"),
				engine.RequiredParam("file_name"),
				engine.OptionalParam("parameters", nil),
				engine.OptionalParam("template", nil),
				engine.OptionalParam("template_file_name", nil),
			}},
			Func:    dataWrite,
			SkipESM: true,
			Pending: func(ret *engine.ExecutionRecord, state string, opts engine.PendingOpts) bool {
				return false
			},
		},
	}
}

func dataWrite(ctx context.Context, call *engine.Call) (*engine.StateReturn, error) {
	fileName, ok := call.String("file_name")
	if !ok || fileName == "" {
		return &engine.StateReturn{
			Result:  engine.FalseResult(),
			Comment: []string{"File name is required (`file_name`)."},
		}, nil
	}

	if call.Test {
		return &engine.StateReturn{
			Result:  engine.TrueResult(),
			Comment: []string{fmt.Sprintf("Would write to file '%s'.", fileName)},
		}, nil
	}

	ret := &engine.StateReturn{Result: engine.TrueResult()}

	if existing, err := os.ReadFile(fileName); err == nil && len(existing) > 0 {
		ret.OldState = map[string]any{fileName: string(existing)}
	}

	parameters, _ := call.Kwargs["parameters"].(map[string]any)

	content, err := renderOutput(call, parameters)
	if err != nil {
		return &engine.StateReturn{
			Result:  engine.FalseResult(),
			Comment: []string{err.Error()},
		}, nil
	}

	if err := os.WriteFile(fileName, []byte(content), 0o644); err != nil {
		return &engine.StateReturn{
			Result:  engine.FalseResult(),
			Comment: []string{fmt.Sprintf("Failed to write file '%s': %v", fileName, err)},
		}, nil
	}

	ret.Comment = []string{fmt.Sprintf("Wrote to file '%s'.", fileName)}
	ret.NewState = map[string]any{fileName: content}
	return ret, nil
}

// renderOutput produces the file content: an inline template, a
// template file, or indented JSON of the parameters.
func renderOutput(call *engine.Call, parameters map[string]any) (string, error) {
	tmplText, _ := call.String("template")
	tmplFile, _ := call.String("template_file_name")

	switch {
	case tmplFile != "":
		raw, err := os.ReadFile(tmplFile)
		if err != nil {
			return "", fmt.Errorf("Template file not found: %s", tmplFile)
		}
		return renderTemplate(string(raw), parameters)
	case tmplText != "":
		return renderTemplate(tmplText, parameters)
	default:
		out, err := json.MarshalIndent(parameters, "", "    ")
		if err != nil {
			return "", fmt.Errorf("Failed to encode parameters: %v", err)
		}
		return string(out), nil
	}
}

func renderTemplate(text string, parameters map[string]any) (string, error) {
	tmpl, err := template.New("output").Parse(text)
	if err != nil {
		return "", fmt.Errorf("Invalid template: %v", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, map[string]any{"parameters": parameters}); err != nil {
		return "", fmt.Errorf("Template render failed: %v", err)
	}
	return buf.String(), nil
}

package sls

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Render pipe names.
const (
	RenderYAML = "yaml"
	RenderCUE  = "cue"
	RenderStar = "star"
)

// renderDoc turns one source file into a raw document mapping plus its
// top level key order. The pipe comes from a leading #! line, the file
// extension, or the configured default, in that precedence.
func (g *Gatherer) renderDoc(ctx context.Context, content []byte, path, ref string, params map[string]any) (map[string]any, []string, error) {
	pipe, body := splitShebang(content)
	if pipe == "" {
		pipe = pipeForExt(filepath.Ext(path), g.render)
	}
	switch pipe {
	case RenderYAML:
		return renderYAML(body, ref)
	case RenderCUE:
		return renderCUE(body, path, ref, params)
	case RenderStar:
		return g.star.Render(ctx, body, path, params)
	default:
		return nil, nil, fmt.Errorf("unknown render pipe %q for %s", pipe, path)
	}
}

func pipeForExt(ext, fallback string) string {
	switch ext {
	case ".cue":
		return RenderCUE
	case ".star":
		return RenderStar
	case ".yaml", ".yml":
		return RenderYAML
	default:
		return fallback
	}
}

// splitShebang returns the pipe named by a leading #! line and the
// content that follows it.
func splitShebang(content []byte) (string, []byte) {
	if !bytes.HasPrefix(content, []byte("#!")) {
		return "", content
	}
	nl := bytes.IndexByte(content, '\n')
	if nl < 0 {
		return strings.TrimSpace(string(content[2:])), []byte{}
	}
	return strings.TrimSpace(string(content[2:nl])), content[nl+1:]
}

// renderYAML decodes one YAML document, preserving the order its top
// level keys were declared in. An empty document yields a nil mapping.
func renderYAML(body []byte, ref string) (map[string]any, []string, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(body, &root); err != nil {
		return nil, nil, err
	}
	if root.Kind == 0 || len(root.Content) == 0 {
		return nil, nil, nil
	}
	node := root.Content[0]
	if node.Kind == yaml.ScalarNode && node.Tag == "!!null" {
		return nil, nil, nil
	}
	if node.Kind != yaml.MappingNode {
		return nil, nil, fmt.Errorf("SLS %s is not formed as a dict", ref)
	}
	doc := make(map[string]any, len(node.Content)/2)
	order := make([]string, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		var val any
		if err := node.Content[i+1].Decode(&val); err != nil {
			return nil, nil, fmt.Errorf("cannot decode %q in SLS %s: %w", key, ref, err)
		}
		if _, seen := doc[key]; !seen {
			order = append(order, key)
		}
		doc[key] = val
	}
	return doc, order, nil
}

package wasmhost

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/halite-run/halite/pkg/engine"
	"github.com/halite-run/halite/pkg/providers"
)

// Manifest describes a WASM state plugin: where its module lives and
// which state operations it exports, with their calling conventions.
// The engine never inspects the module itself; everything it needs to
// compile and gate calls comes from here.
type Manifest struct {
	Metadata Metadata `yaml:"metadata"`

	// Entrypoint is the WASM module path, relative to the manifest
	// unless absolute.
	Entrypoint string `yaml:"entrypoint"`

	// Checksum is the optional SHA256 hex digest of the module. When
	// set, a mismatch rejects the plugin.
	Checksum string `yaml:"checksum,omitempty"`

	// States are the operations the module exports.
	States []StateDecl `yaml:"states"`

	// Path is where the manifest was loaded from.
	Path string `yaml:"-"`

	// WasmPath is the resolved module path.
	WasmPath string `yaml:"-"`

	// Verified records a successful checksum check.
	Verified bool `yaml:"-"`
}

// Metadata identifies the plugin.
type Metadata struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Author      string `yaml:"author,omitempty"`
	License     string `yaml:"license,omitempty"`
	Description string `yaml:"description,omitempty"`
}

// StateDecl declares one exported state operation.
type StateDecl struct {
	// Ref is the "state.fun" reference the operation registers under.
	Ref string `yaml:"ref"`

	// Params declare the calling convention. Optional parameters always
	// carry a default, null unless the declaration says otherwise.
	Params []ParamDecl `yaml:"params"`

	// CatchAll forwards undeclared keyword arguments to the plugin.
	CatchAll bool `yaml:"catch_all,omitempty"`

	// SkipESM excludes results from enforced-state tracking.
	SkipESM bool `yaml:"skip_esm,omitempty"`

	// Unique serializes every chunk of this operation.
	Unique bool `yaml:"unique,omitempty"`

	// Require lists operation references every chunk transparently
	// requires.
	Require []string `yaml:"require,omitempty"`
}

// ParamDecl declares one parameter of a state operation.
type ParamDecl struct {
	Name     string `yaml:"name"`
	Required bool   `yaml:"required,omitempty"`
	Boolean  bool   `yaml:"boolean,omitempty"`
	Default  any    `yaml:"default,omitempty"`
}

// Spec builds the engine calling convention for the declaration.
func (d *StateDecl) Spec() *engine.CallSpec {
	spec := &engine.CallSpec{CatchAll: d.CatchAll}
	for _, p := range d.Params {
		switch {
		case p.Required:
			spec.Params = append(spec.Params, engine.RequiredParam(p.Name))
		case p.Boolean:
			def, _ := p.Default.(bool)
			spec.Params = append(spec.Params, engine.BoolParam(p.Name, def))
		default:
			spec.Params = append(spec.Params, engine.OptionalParam(p.Name, p.Default))
		}
	}
	return spec
}

// LoadManifest reads and validates a plugin manifest, resolving the
// module path.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	m.Path = path

	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid manifest %s: %w", path, err)
	}
	if err := m.resolveWasmPath(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks the manifest structure.
func (m *Manifest) Validate() error {
	if m.Metadata.Name == "" {
		return fmt.Errorf("plugin name is required")
	}
	if m.Metadata.Version == "" {
		return fmt.Errorf("plugin version is required")
	}
	if m.Entrypoint == "" {
		return fmt.Errorf("entrypoint is required")
	}
	if len(m.States) == 0 {
		return fmt.Errorf("at least one state is required")
	}

	seen := make(map[string]bool, len(m.States))
	for i := range m.States {
		decl := &m.States[i]
		if err := providers.ValidateRef(decl.Ref); err != nil {
			return err
		}
		if seen[decl.Ref] {
			return fmt.Errorf("state %s declared twice", decl.Ref)
		}
		seen[decl.Ref] = true

		names := make(map[string]bool, len(decl.Params))
		for _, p := range decl.Params {
			if p.Name == "" {
				return fmt.Errorf("state %s: parameter with empty name", decl.Ref)
			}
			if names[p.Name] {
				return fmt.Errorf("state %s: parameter %s declared twice", decl.Ref, p.Name)
			}
			names[p.Name] = true
			if p.Required && p.Default != nil {
				return fmt.Errorf("state %s: required parameter %s cannot carry a default", decl.Ref, p.Name)
			}
		}
	}
	return nil
}

// resolveWasmPath resolves the entrypoint against the manifest location
// and checks the module exists.
func (m *Manifest) resolveWasmPath() error {
	if filepath.IsAbs(m.Entrypoint) {
		m.WasmPath = m.Entrypoint
	} else {
		m.WasmPath = filepath.Join(filepath.Dir(m.Path), m.Entrypoint)
	}
	if _, err := os.Stat(m.WasmPath); err != nil {
		return fmt.Errorf("wasm module not found at %s: %w", m.WasmPath, err)
	}
	return nil
}

// VerifyChecksum checks the module bytes against the declared digest.
func (m *Manifest) VerifyChecksum(wasmModule []byte) error {
	if m.Checksum == "" {
		return nil
	}
	sum := sha256.Sum256(wasmModule)
	computed := hex.EncodeToString(sum[:])
	if computed != m.Checksum {
		return fmt.Errorf("wasm module checksum mismatch: manifest %s, module %s", m.Checksum, computed)
	}
	m.Verified = true
	return nil
}

// Key is the unique plugin identity, name@version.
func (m *Manifest) Key() string {
	return m.Metadata.Name + "@" + m.Metadata.Version
}

// Refs lists the declared state references.
func (m *Manifest) Refs() []string {
	refs := make([]string, 0, len(m.States))
	for i := range m.States {
		refs = append(refs, m.States[i].Ref)
	}
	return refs
}

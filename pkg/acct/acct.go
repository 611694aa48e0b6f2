// Package acct resolves credential profiles for runs. Profiles live in
// a YAML file keyed by provider and then by profile name, sealed with a
// symmetric key held in the environment. Without a key the file is read
// as plaintext so development setups work without ceremony.
package acct

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// DefaultKeyEnv names the environment variable consulted for the
// encryption key when the configuration names none.
const DefaultKeyEnv = "HALITE_ACCT_KEY"

// Profiles maps provider name to profile name to that profile's
// settings, mirroring the layout of the credentials file.
type Profiles map[string]map[string]map[string]any

// Config assembles a Source.
type Config struct {
	Log zerolog.Logger

	// File is the credentials document, sealed or plaintext YAML.
	File string

	// KeyEnv names the environment variable carrying the base64 key.
	// Empty falls back to DefaultKeyEnv.
	KeyEnv string
}

// Source loads the credentials file on first use and hands profile data
// to runs by profile name.
type Source struct {
	log    zerolog.Logger
	file   string
	keyEnv string

	mu       sync.Mutex
	profiles Profiles
	loaded   bool
}

// New wires a credential source over the given file. The file is not
// touched until a profile is requested.
func New(cfg Config) *Source {
	keyEnv := cfg.KeyEnv
	if keyEnv == "" {
		keyEnv = DefaultKeyEnv
	}
	return &Source{
		log:    cfg.Log.With().Str("component", "acct").Logger(),
		file:   cfg.File,
		keyEnv: keyEnv,
	}
}

// Profile collects the named profile's settings across all providers
// that define it, keyed by provider name. Unknown names are an error.
func (s *Source) Profile(ctx context.Context, name string) (map[string]any, error) {
	profiles, err := s.Load(ctx)
	if err != nil {
		return nil, err
	}

	out := map[string]any{}
	for provider, byName := range profiles {
		if data, ok := byName[name]; ok {
			out[provider] = data
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("unknown credential profile %q in %s", name, s.file)
	}
	return out, nil
}

// Load returns the full profile tree, reading and decrypting the file
// on first call.
func (s *Source) Load(ctx context.Context) (Profiles, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded {
		return s.profiles, nil
	}

	raw, err := os.ReadFile(s.file)
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials file: %w", err)
	}

	plain := raw
	if key := os.Getenv(s.keyEnv); key != "" {
		plain, err = Decrypt(raw, key)
		if err != nil {
			return nil, fmt.Errorf("failed to unseal credentials file %s: %w", s.file, err)
		}
	} else {
		s.log.Warn().
			Str("file", s.file).
			Str("key_env", s.keyEnv).
			Msg("No credentials key in environment, reading plaintext profiles")
	}

	profiles, err := ParseProfiles(plain)
	if err != nil {
		return nil, fmt.Errorf("failed to parse credentials file %s: %w", s.file, err)
	}

	s.profiles = profiles
	s.loaded = true
	return s.profiles, nil
}

// ParseProfiles decodes a plaintext profiles document.
func ParseProfiles(raw []byte) (Profiles, error) {
	var profiles Profiles
	if err := yaml.Unmarshal(raw, &profiles); err != nil {
		return nil, fmt.Errorf("not a provider/profile mapping: %w", err)
	}
	if profiles == nil {
		profiles = Profiles{}
	}
	return profiles, nil
}

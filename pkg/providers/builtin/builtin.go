// Package builtin ships the compiled-in state modules: the test.*
// fixtures used to exercise runs without touching real resources, the
// data.* output states, and the remote.* states that manage files and
// commands on hosts over SSH.
package builtin

import (
	"github.com/rs/zerolog"

	"github.com/halite-run/halite/pkg/engine"
	"github.com/halite-run/halite/pkg/providers"
	sshtransport "github.com/halite-run/halite/pkg/transports/ssh"
)

// DialFunc opens a transport for the remote states. Tests substitute
// fakes here.
type DialFunc func(cfg *sshtransport.Config) (sshtransport.Transport, error)

// Config wires the builtin states.
type Config struct {
	Log zerolog.Logger

	// Dial opens remote transports. Nil selects the SSH client.
	Dial DialFunc
}

// Defs returns every builtin state definition.
func Defs(cfg Config) []*engine.Definition {
	if cfg.Dial == nil {
		log := cfg.Log
		cfg.Dial = func(c *sshtransport.Config) (sshtransport.Transport, error) {
			return sshtransport.NewClient(c, log)
		}
	}

	var defs []*engine.Definition
	defs = append(defs, testDefs()...)
	defs = append(defs, dataDefs()...)
	defs = append(defs, remoteDefs(cfg)...)
	return defs
}

// Register adds every builtin definition to the registry.
func Register(reg *providers.Registry, cfg Config) error {
	return reg.RegisterAll(Defs(cfg))
}

// toInt coerces rerun data and numeric keyword arguments, which arrive
// as int from Go callers and float64 after a JSON round trip.
func toInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	}
	return 0, false
}

// Package policy gates compiled runs with Open Policy Agent rules.
//
// After compilation and before anything executes, the gate evaluates
// every chunk of low data against a set of Rego modules. A module can
// define two rule sets:
//
//   - deny: entries abort the run (or, in advisory mode, are logged as
//     warnings)
//   - warn: entries are logged and never block
//
// # Usage
//
// Creating a gate and evaluating a run's low data:
//
//	gate, err := policy.NewGate(policy.Config{
//	    Log:   logger,
//	    Mode:  policy.ModeEnforcing,
//	    Paths: []string{"/etc/halite/policies"},
//	})
//	if err != nil {
//	    return err
//	}
//	violations, err := gate.Evaluate(ctx, run.Low)
//
// The engine wires the gate in through its policy collaborator; each
// returned violation becomes a run error and the run stops before any
// state function is called.
//
// # Input Shape
//
// Policies are evaluated once per chunk with the input document
//
//	{
//	    "tag":   "cloud.instance_|-web_|-web_|-present",
//	    "chunk": { "state": ..., "fun": ..., "name": ..., "args": ... },
//	    "low":   [ ...every chunk in the run... ]
//	}
//
// input.chunk carries the chunk's JSON form, so per resource rules read
// input.chunk.fun, input.chunk.args and friends. input.low holds the
// whole compiled list for aggregate rules; the gate deduplicates
// findings those produce across chunks.
//
// # Builtin Policies
//
//   - protected-resources: denies absent operations on chunks declared
//     with protected: true
//   - mass-removal: warns when one run removes more than five resources
//
// # Custom Policies
//
// Custom modules are .rego files loaded from the configured paths:
//
//	package custom.policies.naming
//
//	import rego.v1
//
//	deny contains violation if {
//	    not regex.match("^[a-z0-9-]+$", input.chunk.name)
//	    violation := {
//	        "message": sprintf("name %s is not kebab case", [input.chunk.name]),
//	    }
//	}
//
// Deny and warn entries may be plain strings or objects with message,
// tag and rule keys; tag defaults to the chunk under evaluation and
// rule to the policy name.
//
// # Modes
//
// In enforcing mode (the default) deny findings fail the run. Advisory
// mode logs them as warnings instead, which is useful while rolling a
// new policy out. The mode comes from the policy.mode configuration
// key.
//
// # Hot Reload
//
// Gate.Watch installs an fsnotify watcher over the configured paths and
// recompiles the whole set after changes settle. A set that fails to
// compile is dropped and the previous set stays active.
package policy

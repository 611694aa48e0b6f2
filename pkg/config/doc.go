// Package config loads and validates the halite configuration.
//
// # Overview
//
// Configuration is a single YAML document, halite.yaml, describing the
// durable choices of an installation: where caches and managed state
// live, which enforced state backend to use, how the policy gate behaves
// and how telemetry is emitted. Everything a single invocation may want
// to change (sources, target, test mode, parameters) stays on the
// command line; the file only supplies defaults.
//
// # Loading
//
// Load resolves the document in this order:
//
//  1. the explicit path given by the caller (usually --config)
//  2. $HALITE_CONFIG
//  3. halite.yaml in the working directory
//  4. ~/.halite/halite.yaml
//
// A missing file is not an error; the built in defaults apply. Unknown
// fields are rejected so typos do not silently fall back to defaults.
// After decoding, HALITE_* environment variables overlay the file (for
// example HALITE_RUNTIME, HALITE_ESM_BACKEND, HALITE_POSTGRES_DSN), home
// relative paths are expanded, derived defaults are filled in and the
// result is validated.
//
// # Example
//
//	engine:
//	  cache_dir: ~/.halite/cache
//	  runtime: parallel
//	  render: yaml
//	  max_pending_reruns: 600
//
//	esm:
//	  backend: postgres
//	  postgres:
//	    dsn: postgres://halite@db/halite
//
//	policy:
//	  enabled: true
//	  paths: [policies/]
//	  mode: enforcing
//
//	telemetry:
//	  logging:
//	    level: info
//	    format: console
//	  metrics:
//	    enabled: true
//	    listen: :9113
//
// # Validation
//
// Struct tags carry the per-field rules (required, oneof, min, max) and
// Validate adds the cross-field ones: the postgres backend requires a
// DSN, the s3 backend a bucket, policy.watch requires policy.enabled.
// Failures name the field by its document path:
//
//	invalid configuration: engine.runtime must be one of [serial parallel], got "fast"
//
// # Converters
//
// RunDefaults maps the engine section onto engine.RunOptions, ready for
// per invocation flags to overlay. TelemetryConfig.ToTelemetry overlays
// the telemetry section onto the telemetry package defaults, so the file
// only needs to name what it changes.
package config

package policy

// Evaluation modes. Enforcing turns denials into run errors, advisory
// degrades them to logged warnings.
const (
	ModeEnforcing = "enforcing"
	ModeAdvisory  = "advisory"
)

// Policy is one named Rego module.
type Policy struct {
	// Name identifies the policy in violations and logs.
	Name string `json:"name"`

	// Source is the file the module came from, or "builtin".
	Source string `json:"source"`

	// Rego is the module text. Each module may define two rule sets:
	// deny entries block the run, warn entries are logged only.
	Rego string `json:"rego"`

	// Builtin marks policies compiled into the binary.
	Builtin bool `json:"builtin,omitempty"`
}

package engine

import (
	"encoding/json"
	"fmt"
)

// Status represents the lifecycle state of a run. Codes are signed
// integers: zero is the successful terminal state, positive codes are the
// forward phases in order, and negative codes are terminal error states.
type Status int

const (
	// StatusFinished indicates the run completed, including reconciliation.
	StatusFinished Status = 0

	// StatusCreated indicates the run is registered but not yet gathering.
	StatusCreated Status = 1

	// StatusGathering indicates SLS sources are being rendered.
	StatusGathering Status = 2

	// StatusCompiling indicates high data is being compiled to low data.
	StatusCompiling Status = 3

	// StatusRunning indicates chunks are executing.
	StatusRunning Status = 4

	// StatusCompilationError indicates compilation failed.
	StatusCompilationError Status = -1

	// StatusGatherError indicates source gathering failed.
	StatusGatherError Status = -2

	// StatusRuntimeError indicates chunk execution failed structurally.
	StatusRuntimeError Status = -3

	// StatusUndefined is returned for queries against unknown run names.
	StatusUndefined Status = -4
)

// statusNames maps each status to its canonical name.
var statusNames = map[Status]string{
	StatusFinished:         "FINISHED",
	StatusCreated:          "CREATED",
	StatusGathering:        "GATHERING",
	StatusCompiling:        "COMPILING",
	StatusRunning:          "RUNNING",
	StatusCompilationError: "COMPILATION_ERROR",
	StatusGatherError:      "GATHER_ERROR",
	StatusRuntimeError:     "RUNTIME_ERROR",
	StatusUndefined:        "UNDEFINED",
}

// String returns the canonical status name.
func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("STATUS(%d)", int(s))
}

// IsError returns true for the terminal error states.
func (s Status) IsError() bool {
	return s < 0
}

// IsTerminal returns true when the run can no longer change status.
func (s Status) IsTerminal() bool {
	return s <= 0
}

// IsActive returns true while the run is progressing through its phases.
func (s Status) IsActive() bool {
	return s > 0
}

// Validate checks if the status is a known value.
func (s Status) Validate() error {
	if _, ok := statusNames[s]; !ok {
		return fmt.Errorf("invalid run status: %d", int(s))
	}
	return nil
}

// CanTransition reports whether moving from s to next honors the monotonic
// forward contract: phases only advance, and error states are only
// reachable from the phase they describe (or any phase for RUNTIME_ERROR).
func (s Status) CanTransition(next Status) error {
	if err := next.Validate(); err != nil {
		return err
	}
	if s.IsTerminal() {
		return fmt.Errorf("run status %s is terminal, cannot transition to %s", s, next)
	}
	switch next {
	case StatusGatherError:
		if s != StatusGathering {
			return fmt.Errorf("cannot transition from %s to %s", s, next)
		}
	case StatusCompilationError:
		if s != StatusCompiling {
			return fmt.Errorf("cannot transition from %s to %s", s, next)
		}
	case StatusRuntimeError, StatusFinished:
		// Reachable from any active phase.
	case StatusUndefined:
		return fmt.Errorf("cannot transition to %s", next)
	default:
		if next <= s {
			return fmt.Errorf("cannot transition backward from %s to %s", s, next)
		}
	}
	return nil
}

// MarshalJSON serializes the status as its integer code.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(int(s))
}

// UnmarshalJSON deserializes an integer code with validation.
func (s *Status) UnmarshalJSON(data []byte) error {
	var code int
	if err := json.Unmarshal(data, &code); err != nil {
		return err
	}
	*s = Status(code)
	return s.Validate()
}

// StatusReport is the non-raising status query shape. Unknown run names
// produce the zero shape with StatusUndefined.
type StatusReport struct {
	// Test is nil when the run is unknown.
	Test *bool `json:"test"`

	Errors      []string                    `json:"errors"`
	Running     map[string]*ExecutionRecord `json:"running"`
	AcctProfile string                      `json:"acct_profile"`
	Status      Status                      `json:"status"`
	StatusName  string                      `json:"status_name"`
}

// undefinedReport builds the zero-value shape for unknown run names.
func undefinedReport() *StatusReport {
	return &StatusReport{
		Test:        nil,
		Errors:      []string{},
		Running:     map[string]*ExecutionRecord{},
		AcctProfile: "",
		Status:      StatusUndefined,
		StatusName:  StatusUndefined.String(),
	}
}

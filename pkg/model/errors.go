package model

import (
	"fmt"
	"strings"
)

// ValidationError rejects malformed input or a containment violation before any mutation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// NewValidationError is a shorthand used by validators.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// ConfigurationError means the identity cannot be reconciled as configured,
// e.g. it has no IP to scope rules to.
type ConfigurationError struct {
	Identity string
	Reason   string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration: identity %s: %s", e.Identity, e.Reason)
}

// ExternalCommandError is a failed or timed-out packet filter command.
type ExternalCommandError struct {
	Command string
	Args    []string
	Output  string
	Timeout bool
	Err     error
}

func (e *ExternalCommandError) Error() string {
	cmd := strings.TrimSpace(e.Command + " " + strings.Join(e.Args, " "))
	if e.Timeout {
		return fmt.Sprintf("command timed out: %s", cmd)
	}
	out := strings.TrimSpace(e.Output)
	if out == "" {
		return fmt.Sprintf("command failed: %s: %v", cmd, e.Err)
	}
	return fmt.Sprintf("command failed: %s: %v output=%s", cmd, e.Err, out)
}

func (e *ExternalCommandError) Unwrap() error { return e.Err }

// PartialApplyWarning reports forward references that survived the purge
// ceiling, or a purge skipped because FORWARD could not be listed (Err set).
type PartialApplyWarning struct {
	Chain     string
	Remaining int
	Attempts  int
	Err       error
}

func (e *PartialApplyWarning) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("chain %s forward references not purged: %v", e.Chain, e.Err)
	}
	return fmt.Sprintf("chain %s still has %d forward reference(s) after %d purge attempts", e.Chain, e.Remaining, e.Attempts)
}

func (e *PartialApplyWarning) Unwrap() error { return e.Err }

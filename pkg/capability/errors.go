package capability

import (
	"fmt"
	"strings"
)

// ArgumentError reports arguments that are not valid JSON or violate the
// capability's schema.
type ArgumentError struct {
	Capability string
	Reason     string
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("invalid arguments for %s: %s", e.Capability, e.Reason)
}

// ExecutionError wraps a failure raised by the capability's executor.
type ExecutionError struct {
	Capability string
	Err        error
}

func (e *ExecutionError) Error() string {
	return e.Err.Error()
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

func schemaViolations(errs []string) string {
	return strings.Join(errs, "; ")
}

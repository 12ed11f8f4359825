package tools

import "fmt"

// ErrToolUnavailable is returned when a tool call targets a tool that
// is not registered. The model asked for something it was never
// offered, so retrying the same call will not help.
type ErrToolUnavailable struct {
	ToolName string
}

// Error implements the error interface.
func (e *ErrToolUnavailable) Error() string {
	return fmt.Sprintf("tool %q is not available", e.ToolName)
}

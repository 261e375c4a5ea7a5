package phase

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies why a phase run did not succeed.
type ErrorKind string

const (
	PrerequisiteMissing ErrorKind = "PrerequisiteMissing"
	TaskFailed          ErrorKind = "TaskFailed"
	PartialOutput       ErrorKind = "PartialOutput"
	StuckTask           ErrorKind = "StuckTask"
	LedgerWriteError    ErrorKind = "LedgerWriteError"
)

// Error is a structured phase failure. TaskID and TaskError identify the
// delegated task a TaskFailed error originates from.
type Error struct {
	Kind      ErrorKind
	Phase     string
	Missing   []string
	TaskID    int64
	Agent     string
	TaskError string
}

func (e *Error) Error() string {
	switch e.Kind {
	case PrerequisiteMissing:
		return fmt.Sprintf("%s: phase %s requires %s", e.Kind, e.Phase, strings.Join(e.Missing, ", "))
	case TaskFailed:
		return fmt.Sprintf("%s: task %d (%s): %s", e.Kind, e.TaskID, e.Agent, e.TaskError)
	case StuckTask:
		return fmt.Sprintf("%s: task %d (%s) was reaped: %s", e.Kind, e.TaskID, e.Agent, e.TaskError)
	case PartialOutput:
		return fmt.Sprintf("%s: phase %s did not produce %s", e.Kind, e.Phase, strings.Join(e.Missing, ", "))
	default:
		if e.TaskError != "" {
			return fmt.Sprintf("%s: %s", e.Kind, e.TaskError)
		}
		return string(e.Kind)
	}
}

// KindOf returns the ErrorKind carried by err, or "" if err is not a phase error.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

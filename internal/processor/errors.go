package processor

import (
	"errors"
	"fmt"
)

// ErrPersistence marks a decision that was produced but could not be written
// to the decision log.
var ErrPersistence = errors.New("decision persistence failed")

// CompileError reports a malformed rule definition. It only ever affects the
// rule it names.
type CompileError struct {
	RuleID string
	Path   string
	Reason string
	Err    error
}

func (e *CompileError) Error() string {
	msg := fmt.Sprintf("compile rule %q", e.RuleID)
	if e.Path != "" {
		msg += " at " + e.Path
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CompileError) Unwrap() error {
	return e.Err
}

// EvaluationError reports a fault while evaluating one rule; the rule is
// treated as a non-match.
type EvaluationError struct {
	RuleID string
	Cause  any
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("evaluate rule %q: %v", e.RuleID, e.Cause)
}

func (e *EvaluationError) Unwrap() error {
	if err, ok := e.Cause.(error); ok {
		return err
	}
	return nil
}

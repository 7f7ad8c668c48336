package delivery

import (
	"errors"
	"fmt"
)

// Outcome is what a handler reports back to the script runtime.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeFail
	// OutcomeDone marks an action that was deliberately skipped. It is not
	// an error.
	OutcomeDone
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeFail:
		return "fail"
	case OutcomeDone:
		return "done"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result is the outcome of one dispatched action.
type Result struct {
	Outcome Outcome
	Message string // human-readable reason for FAIL and DONE
	// Duplicate is the answer of a DuplicateCheck.
	Duplicate bool
}

func OK() Result {
	return Result{Outcome: OutcomeOK}
}

func Failf(format string, args ...any) Result {
	return Result{Outcome: OutcomeFail, Message: fmt.Sprintf(format, args...)}
}

func Done(msg string) Result {
	return Result{Outcome: OutcomeDone, Message: msg}
}

// Err returns a non-nil error for FAIL results.
func (r Result) Err() error {
	if r.Outcome != OutcomeFail {
		return nil
	}
	if r.Message == "" {
		return errors.New("action failed")
	}
	return errors.New(r.Message)
}

package models

import (
	"time"
)

// OutcomeStatus is the terminal result of one unit
type OutcomeStatus string

const (
	OutcomeSucceeded OutcomeStatus = "succeeded"
	OutcomeFailed    OutcomeStatus = "failed"
	OutcomeSkipped   OutcomeStatus = "skipped"
	OutcomeCancelled OutcomeStatus = "cancelled"
)

// TransferOutcome is produced exactly once per unit and never mutated
type TransferOutcome struct {
	Unit             TransferUnit
	Status           OutcomeStatus
	BytesTransferred int64
	Duration         time.Duration
	Attempts         int
	ErrorKind        ErrorKind
	Error            string
	FinishedAt       time.Time
}

// FailedOutcome builds a failed outcome from err
func FailedOutcome(unit TransferUnit, attempts int, err error) TransferOutcome {
	o := TransferOutcome{
		Unit:       unit,
		Status:     OutcomeFailed,
		Attempts:   attempts,
		ErrorKind:  KindOf(err),
		FinishedAt: time.Now(),
	}
	if err != nil {
		o.Error = err.Error()
	}
	return o
}

// CancelledOutcome builds the outcome of a unit that was never dispatched
func CancelledOutcome(unit TransferUnit) TransferOutcome {
	return TransferOutcome{
		Unit:       unit,
		Status:     OutcomeCancelled,
		ErrorKind:  KindCancelled,
		FinishedAt: time.Now(),
	}
}

// SkippedOutcome builds the outcome of a unit that was deliberately not run
func SkippedOutcome(unit TransferUnit) TransferOutcome {
	return TransferOutcome{
		Unit:       unit,
		Status:     OutcomeSkipped,
		FinishedAt: time.Now(),
	}
}

package app

import "time"

// Operation tracks the CLI command being run. Its ID tags every log line
// written during the run.
type Operation struct {
	ID         string
	Name       string
	Parameters string
	Status     string // "success" or "error"
	StartedAt  time.Time
}

// NewOperation creates an operation started at now.
func NewOperation(name, parameters string, now time.Time) *Operation {
	return &Operation{
		ID:         now.UTC().Format("20060102T150405Z"),
		Name:       name,
		Parameters: parameters,
		Status:     "success",
		StartedAt:  now,
	}
}

// Finish records the outcome of the operation. A nil err keeps the status.
func (op *Operation) Finish(err error) {
	if err != nil {
		op.Status = "error"
	}
}

package domain

import "jobshop/internal/errors"

// Error kinds raised synchronously by entity operations. Compare with errors.Is.
var (
	ErrInvalidStateTransition = errors.Kind("invalid state transition", errors.ErrBusinessRule)
	ErrDuplicateAssignment    = errors.Kind("duplicate assignment", errors.ErrBusinessRule)
	ErrAlreadyPublished       = errors.Kind("schedule already published", errors.ErrBusinessRule)
	ErrScheduleImmutable      = errors.Kind("schedule is immutable", errors.ErrBusinessRule)
	ErrUnqualifiedOperator    = errors.Kind("operator not qualified", errors.ErrBusinessRule)

	ErrInvalidTimeWindow     = errors.Kind("invalid time window", errors.ErrValidation)
	ErrInvalidCompletionTime = errors.Kind("invalid completion time", errors.ErrValidation)
	ErrInvalidSequence       = errors.Kind("invalid task sequence", errors.ErrValidation)
	ErrInvalidPredecessor    = errors.Kind("invalid predecessor", errors.ErrValidation)
	ErrUnknownTask           = errors.Kind("unknown task", errors.ErrValidation)
	ErrMissingReason         = errors.Kind("reason is required", errors.ErrValidation)
	ErrInvalidEntity         = errors.Kind("invalid entity", errors.ErrValidation)
)

// Package errors provides error handling for jobshop.
//
// It re-exports github.com/cockroachdb/errors and adds the scheduling error
// taxonomy. Every error kind raised by the engine is marked with exactly one
// category so callers can branch on the category without knowing the kind:
//
//	if errors.Is(err, errors.ErrBusinessRule) {
//	    // caller usage error, report 409
//	}
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
	Mark         = crdb.Mark
)

// User-facing messages and details
var (
	WithHint    = crdb.WithHint
	WithHintf   = crdb.WithHintf
	WithDetail  = crdb.WithDetail
	WithDetailf = crdb.WithDetailf
)

// Error inspection
var (
	Is            = crdb.Is
	IsAny         = crdb.IsAny
	As            = crdb.As
	UnwrapAll     = crdb.UnwrapAll
	GetAllHints   = crdb.GetAllHints
	GetAllDetails = crdb.GetAllDetails
	FlattenHints  = crdb.FlattenHints
)

// Taxonomy categories. Kinds are built with Kind so that errors.Is matches
// both the kind and its category.
var (
	// ErrValidation marks malformed or out-of-range input.
	ErrValidation = New("validation error")

	// ErrBusinessRule marks illegal state transitions, duplicate assignments
	// and mutations of published schedules.
	ErrBusinessRule = New("business rule violation")

	// ErrConstraint marks problem-formulation defects such as precedence
	// cycles, infeasible windows and uncovered skill requirements.
	ErrConstraint = New("constraint violation")

	// ErrSolver marks internal solver failures.
	ErrSolver = New("solver error")

	// ErrRepository marks failures of the entity repositories.
	ErrRepository = New("repository error")
)

// kindError is a sentinel that also matches its category.
type kindError struct {
	msg      string
	category error
}

func (e *kindError) Error() string { return e.msg }

func (e *kindError) Is(target error) bool { return target == e.category }

// Kind creates a sentinel error kind belonging to category.
func Kind(msg string, category error) error {
	return &kindError{msg: msg, category: category}
}

// Category returns the taxonomy name of err, or "" when err carries none.
func Category(err error) string {
	switch {
	case err == nil:
		return ""
	case Is(err, ErrValidation):
		return "ValidationError"
	case Is(err, ErrBusinessRule):
		return "BusinessRuleViolation"
	case Is(err, ErrConstraint):
		return "ConstraintViolation"
	case Is(err, ErrSolver):
		return "SolverError"
	case Is(err, ErrRepository):
		return "RepositoryError"
	}
	return ""
}

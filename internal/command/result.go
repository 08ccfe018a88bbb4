// Package command exposes the scheduling operations as named commands. Each
// handler runs in its own unit of work and reports a Result instead of an
// error, so transports can relay it as is.
package command

import (
	"jobshop/internal/errors"
)

// Command names.
const (
	ScheduleTask             = "ScheduleTask"
	RescheduleTask           = "RescheduleTask"
	AssignResource           = "AssignResource"
	OptimizeSchedule         = "OptimizeSchedule"
	UpdateTaskStatus         = "UpdateTaskStatus"
	HandleResourceDisruption = "HandleResourceDisruption"
)

// Result is the outcome of one command.
type Result struct {
	Success bool     `json:"success"`
	Message string   `json:"message"`
	Data    any      `json:"data,omitempty"`
	Errors  []string `json:"errors,omitempty"`
	// Category is the error taxonomy name of a failure.
	Category string `json:"category,omitempty"`
}

func succeeded(msg string, data any) Result {
	return Result{Success: true, Message: msg, Data: data}
}

func failed(msg string, err error) Result {
	return Result{
		Message:  msg,
		Errors:   []string{err.Error()},
		Category: errors.Category(err),
	}
}

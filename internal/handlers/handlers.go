// Package handlers holds the worker handlers that run commands off the
// request path.
package handlers

import (
	"context"
	"encoding/json"
	"strings"

	"jobshop/internal/command"
	"jobshop/internal/errors"
	"jobshop/internal/worker"
)

// Dispatcher runs a named command.
type Dispatcher interface {
	Dispatch(ctx context.Context, name string, payload json.RawMessage) command.Result
}

// Outcome turns a command result into the stored job result. Solver errors
// are retried; other categorized failures fail the job for good. A command
// that ran but found no schedule is a finished job whose result says so.
func Outcome(res command.Result) (json.RawMessage, error) {
	b, err := json.Marshal(res)
	if err != nil {
		return nil, worker.Permanent(errors.Wrap(err, "encode command result"))
	}
	if res.Success || res.Category == "" {
		return b, nil
	}
	err = errors.Newf("%s: %s", res.Message, strings.Join(res.Errors, "; "))
	if res.Category == "SolverError" {
		return nil, err
	}
	return nil, worker.Permanent(err)
}

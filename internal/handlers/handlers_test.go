package handlers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobshop/internal/command"
	"jobshop/internal/errors"
	"jobshop/internal/worker"
)

func TestOutcome(t *testing.T) {
	b, err := Outcome(command.Result{Success: true, Message: "schedule optimized"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"success":true,"message":"schedule optimized"}`, string(b))

	b, err = Outcome(command.Result{Message: "no schedule found: Infeasible", Errors: []string{"due date"}})
	require.NoError(t, err)
	assert.Contains(t, string(b), `"success":false`)

	_, err = Outcome(command.Result{Message: "invalid disruption", Errors: []string{"no resources"}, Category: "ValidationError"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, worker.ErrPermanent))
	assert.Contains(t, err.Error(), "invalid disruption: no resources")

	_, err = Outcome(command.Result{Message: "optimization failed", Errors: []string{"model build"}, Category: "SolverError"})
	require.Error(t, err)
	assert.False(t, errors.Is(err, worker.ErrPermanent))
}

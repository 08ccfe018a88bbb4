package main

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"jobshop/internal/domain"
	"jobshop/internal/errors"
	"jobshop/internal/fixture"
	"jobshop/internal/validate"
)

// ErrNoSchedule marks a problem file without a schedule section.
var ErrNoSchedule = errors.Kind("problem file has no schedule", errors.ErrValidation)

var validateCmd = &cobra.Command{
	Use:   "validate <problem.yaml>",
	Short: "Check the schedule of a problem file",
	Long: `Re-checks the schedule section of a problem file against precedence,
calendars, resource conflicts, skills, capacity, due dates and task
readiness.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		vs, err := runValidate(args[0])
		if err != nil {
			return err
		}
		renderViolations(cmd.OutOrStdout(), vs)
		if len(vs) > 0 {
			return errors.Newf("schedule has %d violation(s)", len(vs))
		}
		return nil
	},
}

// runValidate returns every violation of the schedule in the file at path.
func runValidate(path string) ([]validate.Violation, error) {
	p, err := fixture.LoadFile(path)
	if err != nil {
		return nil, err
	}
	if p.Schedule == nil {
		return nil, errors.Wrapf(ErrNoSchedule, "%s", path)
	}
	v := validate.New(p.Calendar, p.Catalog)
	s := p.Schedule

	var vs []validate.Violation
	vs = append(vs, v.Precedence(s)...)
	vs = append(vs, v.Calendar(s)...)
	vs = append(vs, v.ResourceConflicts(s)...)
	vs = append(vs, v.SkillRequirements(s)...)
	vs = append(vs, v.Capacity(s)...)
	for _, job := range sortedJobs(p) {
		_, late := v.DueDateFeasibility(job, s)
		vs = append(vs, late...)
		vs = append(vs, v.TaskReadiness(job)...)
	}
	return vs, nil
}

func renderViolations(w io.Writer, vs []validate.Violation) {
	if len(vs) == 0 {
		fmt.Fprint(w, pterm.Success.Sprintln("schedule is valid"))
		return
	}
	rows := [][]string{{"Check", "Tasks", "Resource", "Message"}}
	for _, v := range vs {
		rows = append(rows, []string{v.Check, strings.Join(v.TaskIDs, ","), v.ResourceID, v.Message})
	}
	renderTable(w, true, rows)
}

func sortedJobs(p *fixture.Problem) []*domain.Job {
	out := make([]*domain.Job, 0, len(p.Catalog.Jobs))
	for _, j := range p.Catalog.Jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out
}

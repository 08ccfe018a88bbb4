package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"jobshop/internal/command"
	"jobshop/internal/config"
	"jobshop/internal/errors"
	"jobshop/internal/fixture"
	"jobshop/internal/optimize"
)

var (
	solvePublish bool
	solveJSON    bool
)

var solveCmd = &cobra.Command{
	Use:   "solve <problem.yaml>",
	Short: "Optimize the jobs of a problem file",
	Long: `Loads machines, operators and jobs from a YAML problem file, runs the
optimizer and prints the planned assignments.

The horizon and solver parameters default to the configuration when the
file leaves them out.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := runSolve(cmd.Context(), cfg, args[0], solvePublish)
		if err != nil {
			return err
		}
		if solveJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		}
		renderSolve(cmd.OutOrStdout(), res)
		if !res.Success {
			return errors.New(res.Message)
		}
		return nil
	},
}

func init() {
	solveCmd.Flags().BoolVar(&solvePublish, "publish", false, "publish the schedule and commit the task placements")
	solveCmd.Flags().BoolVar(&solveJSON, "json", false, "print the command result as JSON")
}

// runSolve seeds a fresh engine from the problem file at path and runs
// OptimizeSchedule on it.
func runSolve(ctx context.Context, c *config.Config, path string, publish bool) (command.Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	p, err := fixture.LoadFile(path)
	if err != nil {
		return command.Result{}, err
	}
	eng, err := newEngine(c, p.Calendar)
	if err != nil {
		return command.Result{}, err
	}
	defer eng.runner.Wait()
	if err := fixture.Seed(ctx, eng.repos, p); err != nil {
		return command.Result{}, err
	}
	req := withDefaults(p.Request, c, time.Now())
	return eng.handlers.OptimizeSchedule(ctx, command.OptimizeScheduleCommand{Request: req, Publish: publish}), nil
}

func renderSolve(w io.Writer, res command.Result) {
	r, ok := res.Data.(*optimize.Result)
	if !ok || r == nil {
		fmt.Fprintln(w, res.Message)
		for _, e := range res.Errors {
			fmt.Fprint(w, pterm.Warning.Sprintln(e))
		}
		return
	}

	fmt.Fprint(w, pterm.DefaultSection.Sprintln("Optimization"))
	summary := [][]string{
		{"Status", string(r.Status)},
		{"Objective", fmt.Sprintf("%.2f", r.ObjectiveValue)},
		{"Makespan", fmt.Sprintf("%.2f h", r.MakespanHours)},
		{"Total delay", fmt.Sprintf("%.2f h", r.TotalDelayHours)},
		{"Elapsed", r.Elapsed.Round(time.Millisecond).String()},
	}
	if r.Schedule != nil {
		summary = append(summary, []string{"Schedule", r.Schedule.ID + " (" + string(r.Schedule.Status) + ")"})
	}
	renderTable(w, false, summary)

	if len(r.Assignments) > 0 {
		rows := [][]string{{"Task", "Job", "Machine", "Operators", "Start", "End", "Delay"}}
		for _, a := range r.Assignments {
			delay := "-"
			if a.DelayMinutes > 0 {
				delay = fmt.Sprintf("%d min", a.DelayMinutes)
			}
			rows = append(rows, []string{
				a.TaskID, a.JobID, a.MachineID, strings.Join(a.OperatorIDs, ","),
				a.Start.Format("Mon 01-02 15:04"), a.End.Format("Mon 01-02 15:04"), delay,
			})
		}
		renderTable(w, true, rows)
	}

	if len(r.Utilization) > 0 {
		ids := make([]string, 0, len(r.Utilization))
		for id := range r.Utilization {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		rows := [][]string{{"Resource", "Utilization"}}
		for _, id := range ids {
			rows = append(rows, []string{id, fmt.Sprintf("%.0f%%", r.Utilization[id]*100)})
		}
		renderTable(w, true, rows)
	}

	for _, v := range r.Violations {
		fmt.Fprint(w, pterm.Warning.Sprintln(v))
	}
	if res.Success {
		fmt.Fprint(w, pterm.Success.Sprintln(res.Message))
	} else {
		fmt.Fprint(w, pterm.Error.Sprintln(res.Message))
	}
}

// stdoutIsTerminal reports whether styled output makes sense.
func stdoutIsTerminal() bool {
	fi, err := os.Stdout.Stat()
	return err == nil && fi.Mode()&os.ModeCharDevice != 0
}

func renderTable(w io.Writer, header bool, rows [][]string) {
	out, err := pterm.DefaultTable.WithHasHeader(header).WithData(rows).Srender()
	if err != nil {
		fmt.Fprintln(w, err)
		return
	}
	fmt.Fprintln(w, out)
}

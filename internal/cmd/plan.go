package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/atelierhq/atelier/internal/errors"
	"github.com/atelierhq/atelier/internal/event"
	"github.com/atelierhq/atelier/internal/plan"
	"github.com/atelierhq/atelier/internal/session"
)

func newPlanCmd() *cobra.Command {
	planCmd := &cobra.Command{
		Use:   "plan",
		Short: "Show and execute the active plan",
		Long: `Show and execute the active plan of the selected space.

A plan is a goal with ordered steps (create, refine or combine). Steps run
one at a time; each waits for its job to finish before the next starts. A
failed step fails the whole plan, and a failed or cancelled plan cannot be
resumed.`,
		RunE: runPlanShow,
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show the active plan",
		RunE:  runPlanShow,
	}
	loadCmd := &cobra.Command{
		Use:   "load <file>",
		Short: "Make a YAML or JSON plan file the active plan",
		Args:  cobra.ExactArgs(1),
		RunE:  runPlanLoad,
	}
	nextCmd := &cobra.Command{
		Use:   "next",
		Short: "Execute the next pending step, then pause",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlanAdvance(cmd, false)
		},
	}
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Execute all pending steps in order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlanAdvance(cmd, true)
		},
	}
	cancelCmd := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel the active plan",
		RunE:  runPlanCancel,
	}
	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Re-render the active plan whenever it changes",
		Long: `Re-render the active plan whenever another atelier process saves the
conversation. Requires the file state backend. Stop with Ctrl-C.`,
		RunE: runPlanWatch,
	}

	planCmd.AddCommand(showCmd, loadCmd, nextCmd, runCmd, cancelCmd, watchCmd)
	return planCmd
}

// activePlan loads the conversation's plan or returns ErrNoPlan.
func activePlan(ctx context.Context, rt *app) (*plan.Plan, error) {
	conv, err := rt.conv.Load(ctx)
	if err != nil {
		return nil, err
	}
	if conv.Plan == nil {
		return nil, fmt.Errorf("%w for space %s", errors.ErrNoPlan, rt.cfg.Space.ID)
	}
	return conv.Plan, nil
}

func runPlanShow(cmd *cobra.Command, args []string) error {
	rt, err := newApp(cmd, true)
	if err != nil {
		return err
	}
	defer rt.Close()

	p, err := activePlan(cmd.Context(), rt)
	if err != nil {
		return err
	}
	newPrinter(cmd.OutOrStdout()).printPlan(p)
	return nil
}

func runPlanLoad(cmd *cobra.Command, args []string) error {
	p, err := plan.LoadFile(args[0])
	if err != nil {
		return err
	}

	rt, err := newApp(cmd, true)
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := rt.conv.SetPlan(cmd.Context(), p); err != nil {
		return err
	}
	rt.logger.WithPlan(p.ID).Info("plan loaded", "file", args[0], "steps", len(p.Steps))
	newPrinter(cmd.OutOrStdout()).printPlan(p)
	return nil
}

func runPlanAdvance(cmd *cobra.Command, all bool) error {
	ctx := cmd.Context()
	out := newPrinter(cmd.OutOrStdout())

	rt, err := newApp(cmd, true)
	if err != nil {
		return err
	}
	defer rt.Close()

	p, err := activePlan(ctx, rt)
	if err != nil {
		return err
	}
	// A closed plan is reported by the executor without dialing.
	if p.Status.Terminal() {
		exec := plan.NewExecutor(p, nil, plan.Options{Logger: rt.logger})
		outcome, err := advance(ctx, exec, all)
		return reportOutcome(out, exec, outcome, err)
	}

	c, err := rt.connect(ctx)
	if err != nil {
		return err
	}
	steps := p.Clone().Steps
	exec := plan.NewExecutor(p, c, plan.Options{
		Store:    rt.conv,
		Bus:      rt.bus,
		Logger:   rt.logger,
		Recorder: rt.metrics,
	})

	subID := rt.bus.Subscribe(event.TypePlanStepChanged, func(ev event.Event) {
		s, ok := ev.(event.PlanStepChangedEvent)
		if !ok || s.StepIndex < 0 || s.StepIndex >= len(steps) {
			return
		}
		step := steps[s.StepIndex]
		switch plan.StepStatus(s.Status) {
		case plan.StepInProgress:
			out.Printf("Step %d/%d: %s %s\n", s.StepIndex+1, len(steps), step.Action, out.muted(step.Description))
		case plan.StepCompleted:
			out.Printf("  %s\n", out.ok("done"))
		case plan.StepFailed:
			out.Printf("  %s %s\n", out.fail("failed:"), s.Error)
		}
	})
	defer rt.bus.Unsubscribe(subID)

	outcome, err := advance(ctx, exec, all)
	return reportOutcome(out, exec, outcome, err)
}

func advance(ctx context.Context, exec *plan.Executor, all bool) (plan.Outcome, error) {
	if all {
		return exec.AdvanceAll(ctx)
	}
	return exec.AdvanceOne(ctx)
}

func reportOutcome(out *printer, exec *plan.Executor, outcome plan.Outcome, err error) error {
	if err != nil {
		var stepErr *errors.StepExecutionError
		if errors.As(err, &stepErr) {
			out.Println()
			out.printPlan(exec.Plan())
		}
		return err
	}
	if outcome.Message != "" {
		out.Println(out.muted(outcome.Message))
		return nil
	}
	out.Println()
	out.printPlan(exec.Plan())
	return nil
}

func runPlanCancel(cmd *cobra.Command, args []string) error {
	rt, err := newApp(cmd, true)
	if err != nil {
		return err
	}
	defer rt.Close()

	p, err := activePlan(cmd.Context(), rt)
	if err != nil {
		return err
	}
	exec := plan.NewExecutor(p, nil, plan.Options{Store: rt.conv, Bus: rt.bus, Logger: rt.logger})
	if err := exec.Cancel(cmd.Context()); err != nil {
		return err
	}
	out := newPrinter(cmd.OutOrStdout())
	out.Printf("Plan %s %s\n", p.ID, out.status(string(plan.StatusCancelled)))
	return nil
}

func runPlanWatch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := newPrinter(cmd.OutOrStdout())

	rt, err := newApp(cmd, true)
	if err != nil {
		return err
	}
	defer rt.Close()

	path := rt.conv.WatchPath()
	if path == "" {
		return fmt.Errorf("%w: plan watch needs the %q state backend", errors.ErrInvalidInput, "file")
	}

	render := func() {
		p, err := activePlan(ctx, rt)
		if err != nil {
			out.Println(out.muted(err.Error()))
			return
		}
		out.printPlan(p)
		out.Println()
	}
	render()
	return session.Watch(ctx, path, session.DefaultDebounce, rt.logger, render)
}

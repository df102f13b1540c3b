package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/atelierhq/atelier/internal/errors"
	"github.com/atelierhq/atelier/internal/plan"
	"github.com/atelierhq/atelier/internal/protocol"
)

// Chat roles recorded in the transcript and sent as history.
const (
	roleUser      = "user"
	roleAssistant = "assistant"
)

func newChatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat <message>",
		Short: "Send a message to the assistant",
		Long: `Send a message to the assistant of the selected space.

Recent turns of the conversation are sent along as history. If the
assistant proposes a plan it becomes the space's active plan; execute it
with 'atelier plan next' or 'atelier plan run'. Approvals the assistant
asks for are listed and, when they match approvals.auto_approve, approved.`,
		Args: cobra.MinimumNArgs(1),
		RunE: runChat,
	}
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := newPrinter(cmd.OutOrStdout())
	message := strings.Join(args, " ")

	rt, err := newApp(cmd, true)
	if err != nil {
		return err
	}
	defer rt.Close()

	conv, err := rt.conv.Load(ctx)
	if err != nil {
		return err
	}
	history := conv.History(rt.cfg.Chat.HistoryTurns)

	c, err := rt.connect(ctx)
	if err != nil {
		return err
	}
	approvals, err := rt.approvals(ctx, c)
	if err != nil {
		return err
	}
	defer approvals.Stop()

	resp, err := c.Chat(ctx, protocol.ChatRequest{Message: message, History: history})
	if err != nil {
		return fmt.Errorf("chat failed: %w", err)
	}

	var created plan.Artifacts
	if resp.Artifacts != nil {
		created = plan.Artifacts{Assets: resp.Artifacts.Assets, Variants: resp.Artifacts.Variants, Jobs: resp.Artifacts.Jobs}
	}
	if err := rt.conv.AppendTurns(ctx, created,
		protocol.ChatTurn{Role: roleUser, Content: message},
		protocol.ChatTurn{Role: roleAssistant, Content: resp.Message},
	); err != nil {
		return fmt.Errorf("failed to save conversation: %w", err)
	}

	out.Println(resp.Message)
	out.printArtifacts(resp.Artifacts)

	if resp.Plan != nil {
		if err := adoptProposal(cmd, rt, out, *resp.Plan); err != nil {
			return err
		}
	}

	for _, a := range resp.PendingApprovals {
		approvals.Apply(a)
	}
	if pending := approvals.Pending(); len(pending) > 0 {
		out.Println()
		out.Println(out.heading("Waiting for approval:"))
		for _, a := range pending {
			out.printApproval(a)
		}
		approved, err := approvals.AutoApprove(ctx)
		for _, a := range approved {
			out.Printf("Auto-approved %s (%s): %s\n", a.ID, a.Tool, out.status(a.Status))
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// adoptProposal stores a proposed plan as the space's active plan. An
// unfinished plan is never replaced.
func adoptProposal(cmd *cobra.Command, rt *app, out *printer, proposal protocol.PlanProposal) error {
	p, err := plan.FromProposal(proposal)
	if err != nil {
		rt.logger.Warn("ignoring invalid plan proposal", "error", err)
		out.Printf("%s %v\n", out.fail("The assistant proposed an invalid plan:"), err)
		return nil
	}
	if err := rt.conv.SetPlan(cmd.Context(), p); err != nil {
		if errors.Is(err, errors.ErrInvalidInput) {
			out.Printf("%s %v\n", out.fail("Proposed plan not adopted:"), err)
			return nil
		}
		return fmt.Errorf("failed to save plan: %w", err)
	}
	rt.logger.WithPlan(p.ID).Info("plan proposed", "goal", p.Goal, "steps", len(p.Steps))
	out.Println()
	out.printPlan(p)
	return nil
}

package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/atelierhq/atelier/internal/approval"
	"github.com/atelierhq/atelier/internal/protocol"
)

func newApprovalsCmd() *cobra.Command {
	approvalsCmd := &cobra.Command{
		Use:     "approvals",
		Aliases: []string{"approval"},
		Short:   "List and resolve approvals",
		Long: `List and resolve the approvals the assistant is waiting for.

Approvals are shared by everyone in the space; another operator may
resolve one first, in which case the service reports it as no longer
pending.`,
		RunE: runApprovalsList,
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List pending approvals",
		RunE:  runApprovalsList,
	}
	listCmd.Flags().Bool("auto", false, "approve pending approvals matching approvals.auto_approve")

	approveCmd := &cobra.Command{
		Use:   "approve <approval-id>",
		Short: "Approve a pending approval",
		Args:  cobra.ExactArgs(1),
		RunE:  runApprove,
	}

	rejectCmd := &cobra.Command{
		Use:   "reject <approval-id>",
		Short: "Reject a pending approval",
		Args:  cobra.ExactArgs(1),
		RunE:  runReject,
	}
	rejectCmd.Flags().String("reason", "", "reason shown to the assistant")

	approvalsCmd.AddCommand(listCmd, approveCmd, rejectCmd)
	return approvalsCmd
}

func runApprovalsList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := newPrinter(cmd.OutOrStdout())
	auto, _ := cmd.Flags().GetBool("auto")

	rt, err := newApp(cmd, true)
	if err != nil {
		return err
	}
	defer rt.Close()

	c, err := rt.connect(ctx)
	if err != nil {
		return err
	}
	m, err := rt.approvals(ctx, c)
	if err != nil {
		return err
	}
	defer m.Stop()

	if _, err := m.List(ctx); err != nil {
		return err
	}
	open := m.Open()
	if len(open) == 0 {
		out.Println("No pending approvals")
		return nil
	}
	out.Println(out.heading("Approvals:"))
	for _, a := range open {
		out.printApproval(a)
	}

	if !auto {
		return nil
	}
	approved, err := m.AutoApprove(ctx)
	for _, a := range approved {
		out.Printf("Auto-approved %s (%s): %s\n", a.ID, a.Tool, out.status(a.Status))
	}
	return err
}

func runApprove(cmd *cobra.Command, args []string) error {
	return resolveApproval(cmd, func(ctx context.Context, m *approval.Manager) (protocol.Approval, error) {
		return m.Approve(ctx, args[0])
	})
}

func runReject(cmd *cobra.Command, args []string) error {
	reason, _ := cmd.Flags().GetString("reason")
	return resolveApproval(cmd, func(ctx context.Context, m *approval.Manager) (protocol.Approval, error) {
		return m.Reject(ctx, args[0], reason)
	})
}

// resolveApproval sends one approve or reject and prints the approval as
// the service reports it afterwards.
func resolveApproval(cmd *cobra.Command, call func(context.Context, *approval.Manager) (protocol.Approval, error)) error {
	ctx := cmd.Context()

	rt, err := newApp(cmd, true)
	if err != nil {
		return err
	}
	defer rt.Close()

	c, err := rt.connect(ctx)
	if err != nil {
		return err
	}
	m, err := rt.approvals(ctx, c)
	if err != nil {
		return err
	}
	defer m.Stop()

	a, err := call(ctx, m)
	if err != nil {
		return err
	}
	newPrinter(cmd.OutOrStdout()).printApproval(a)
	return nil
}

package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/atelierhq/atelier/internal/session"
)

func newSpacesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "spaces",
		Short: "List spaces with saved conversations",
		RunE:  runSpaces,
	}
	cmd.Flags().String("forget", "", "delete the saved conversation of a space")
	return cmd
}

func runSpaces(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := newPrinter(cmd.OutOrStdout())

	rt, err := newApp(cmd, false)
	if err != nil {
		return err
	}
	defer rt.Close()

	if forget, _ := cmd.Flags().GetString("forget"); forget != "" {
		conv := session.NewConversationStore(rt.store, rt.lockDir(), forget)
		if err := conv.Delete(ctx); err != nil {
			return fmt.Errorf("failed to delete conversation: %w", err)
		}
		out.Printf("Forgot space %s\n", forget)
		return nil
	}

	infos, err := session.ListConversations(ctx, rt.store)
	if err != nil {
		return err
	}
	if len(infos) == 0 {
		out.Println("No saved conversations")
		return nil
	}

	for _, info := range infos {
		marker := "  "
		if info.SpaceID == rt.cfg.Space.ID {
			marker = "* "
		}
		if info.Corrupted {
			out.Printf("%s%s  %s\n", marker, info.SpaceID, out.fail("(unreadable)"))
			continue
		}
		out.Printf("%s%s  %d messages, %d assets, %d open approvals  %s\n",
			marker, info.SpaceID, info.Messages, info.Assets, info.OpenApprovals,
			out.muted(info.UpdatedAt.Local().Format("2006-01-02 15:04")))
		if info.PlanGoal != "" {
			out.Printf("    plan: %s [%s]\n", info.PlanGoal, out.status(info.PlanStatus))
		}
	}
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the atelier version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "atelier %s (%s, %s/%s)\n", Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}

package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/atelierhq/atelier/internal/correlate"
	"github.com/atelierhq/atelier/internal/event"
	"github.com/atelierhq/atelier/internal/plan"
	"github.com/atelierhq/atelier/internal/protocol"
)

func newGenerateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate <prompt>",
		Short: "Generate a new asset",
		Long: `Generate a new asset and wait for its first variant.

The command returns once the service reports the variant as completed or
failed, or when timeouts.generate expires.`,
		Args: cobra.MinimumNArgs(1),
		RunE: runGenerate,
	}
	cmd.Flags().String("name", "", "asset name (required)")
	cmd.Flags().String("type", "", "asset type, e.g. character or prop")
	cmd.Flags().String("aspect-ratio", "", "aspect ratio, e.g. 16:9")
	cmd.Flags().String("parent", "", "parent asset ID")
	cmd.Flags().StringSlice("ref", nil, "reference asset IDs (repeatable)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func runGenerate(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	name, _ := flags.GetString("name")
	assetType, _ := flags.GetString("type")
	aspect, _ := flags.GetString("aspect-ratio")
	parent, _ := flags.GetString("parent")
	refs, _ := flags.GetStringSlice("ref")

	req := protocol.GenerateRequest{
		Name:              name,
		AssetType:         assetType,
		Prompt:            strings.Join(args, " "),
		ParentAssetID:     parent,
		ReferenceAssetIDs: refs,
		AspectRatio:       aspect,
	}
	return runJob(cmd, func(rt *app, onStarted func(protocol.JobStarted)) (correlate.JobResult, error) {
		return rt.client.Generate(cmd.Context(), req, onStarted)
	})
}

func newRefineCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "refine <asset-id> <prompt>",
		Short: "Create a new variant of an existing asset",
		Args:  cobra.MinimumNArgs(2),
		RunE:  runRefine,
	}
	cmd.Flags().String("source-variant", "", "variant to refine (default: the asset's active variant)")
	cmd.Flags().StringSlice("ref", nil, "reference asset IDs (repeatable)")
	return cmd
}

func runRefine(cmd *cobra.Command, args []string) error {
	source, _ := cmd.Flags().GetString("source-variant")
	refs, _ := cmd.Flags().GetStringSlice("ref")

	req := protocol.RefineRequest{
		AssetID:           args[0],
		Prompt:            strings.Join(args[1:], " "),
		SourceVariantID:   source,
		ReferenceAssetIDs: refs,
	}
	return runJob(cmd, func(rt *app, onStarted func(protocol.JobStarted)) (correlate.JobResult, error) {
		return rt.client.Refine(cmd.Context(), req, onStarted)
	})
}

// runJob connects, starts a job through start and reports its progress
// until it settles. A completed variant is recorded in the conversation.
func runJob(cmd *cobra.Command, start func(*app, func(protocol.JobStarted)) (correlate.JobResult, error)) error {
	ctx := cmd.Context()
	out := newPrinter(cmd.OutOrStdout())

	rt, err := newApp(cmd, true)
	if err != nil {
		return err
	}
	defer rt.Close()

	if _, err := rt.connect(ctx); err != nil {
		return err
	}

	var jobID string
	onStarted := func(s protocol.JobStarted) {
		jobID = s.JobID
		label := s.AssetName
		if label == "" {
			label = s.AssetID
		}
		out.Printf("Job %s started for %s\n", s.JobID, label)
	}
	subID := rt.bus.Subscribe(event.TypeJobProgress, func(ev event.Event) {
		p, ok := ev.(event.JobProgressEvent)
		if !ok || p.JobID != jobID {
			return
		}
		if p.Progress > 0 {
			out.Printf("  %s %.0f%%\n", p.Status, p.Progress*100)
		} else {
			out.Printf("  %s\n", p.Status)
		}
	})
	defer rt.bus.Unsubscribe(subID)

	res, err := start(rt, onStarted)
	if err != nil {
		return err
	}

	// A failed job can still have created its asset.
	created := plan.Artifacts{Assets: []string{res.AssetID}, Variants: []string{res.VariantID}, Jobs: []string{res.JobID}}
	if err := rt.conv.AppendTurns(ctx, created); err != nil {
		return fmt.Errorf("failed to save conversation: %w", err)
	}

	name := res.AssetName
	if name == "" {
		name = res.AssetID
	}
	if !res.Success {
		out.Printf("%s %s\n", out.fail("Failed:"), res.Error)
		return fmt.Errorf("job %s for %s failed: %s", res.JobID, name, res.Error)
	}
	out.Printf("%s variant %s of %s\n", out.ok("Completed:"), res.VariantID, name)
	return nil
}

func newDescribeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "describe <asset-id>",
		Short: "Describe a variant of an asset",
		Args:  cobra.ExactArgs(1),
		RunE:  runDescribe,
	}
	cmd.Flags().String("variant", "", "variant ID (default: the asset's active variant)")
	cmd.Flags().String("focus", "", "aspect to focus on, e.g. style or composition")
	cmd.Flags().String("question", "", "a specific question about the variant")
	return cmd
}

func runDescribe(cmd *cobra.Command, args []string) error {
	variant, _ := cmd.Flags().GetString("variant")
	focus, _ := cmd.Flags().GetString("focus")
	question, _ := cmd.Flags().GetString("question")

	rt, err := newApp(cmd, true)
	if err != nil {
		return err
	}
	defer rt.Close()

	c, err := rt.connect(cmd.Context())
	if err != nil {
		return err
	}
	desc, err := c.Describe(cmd.Context(), protocol.DescribeRequest{
		AssetID:   args[0],
		VariantID: variant,
		Focus:     focus,
		Question:  question,
	})
	if err != nil {
		return fmt.Errorf("describe failed: %w", err)
	}
	newPrinter(cmd.OutOrStdout()).Println(desc)
	return nil
}

func newCompareCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compare <variant-id> <variant-id>...",
		Short: "Compare two or more variants",
		Args:  cobra.MinimumNArgs(2),
		RunE:  runCompare,
	}
	cmd.Flags().String("focus", "", "aspect to focus on")
	return cmd
}

func runCompare(cmd *cobra.Command, args []string) error {
	focus, _ := cmd.Flags().GetString("focus")

	rt, err := newApp(cmd, true)
	if err != nil {
		return err
	}
	defer rt.Close()

	c, err := rt.connect(cmd.Context())
	if err != nil {
		return err
	}
	comparison, err := c.Compare(cmd.Context(), protocol.CompareRequest{VariantIDs: args, Focus: focus})
	if err != nil {
		return fmt.Errorf("compare failed: %w", err)
	}
	newPrinter(cmd.OutOrStdout()).Println(comparison)
	return nil
}

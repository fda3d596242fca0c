package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/dealflow-cli/internal/model"
	"github.com/sells-group/dealflow-cli/internal/reconcile"
)

var updatesCmd = &cobra.Command{
	Use:   "updates",
	Short: "Review candidate deal updates",
	Long:  "Commands for listing, approving, and rejecting the field updates proposed by extraction.",
}

func printResult(res *reconcile.Result) error {
	if outputFormat != "table" {
		return writeValue(os.Stdout, outputFormat, res)
	}
	u := res.Update
	fmt.Printf("%s %s: %s -> %s\n", u.ApprovalStatus, u.FieldName, optText(u.OldValue), u.NewValue)
	for k, v := range res.Applied {
		fmt.Printf("Deal %s: %s = %s\n", truncateID(u.DealID), k, displayValue(v))
	}
	if res.Transcript != "" {
		fmt.Printf("Transcript %s is now %s\n", truncateID(u.TranscriptID), res.Transcript)
	}
	return nil
}

func printBatch(r *reconcile.BatchReport) error {
	if outputFormat != "table" {
		return writeValue(os.Stdout, outputFormat, r)
	}
	formatBatchReport(os.Stdout, r)
	return nil
}

// -- updates list --

var updatesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending updates for a deal, or every update of a transcript",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		dealID, _ := cmd.Flags().GetString("deal")
		transcriptID, _ := cmd.Flags().GetString("transcript")
		if (dealID == "") == (transcriptID == "") {
			return eris.New("updates list: exactly one of --deal or --transcript is required")
		}

		env, err := initApp(ctx, "store")
		if err != nil {
			return err
		}
		defer env.Close()

		var ups []model.CandidateUpdate
		if dealID != "" {
			ups, err = env.Store.ListPendingUpdates(ctx, dealID)
		} else {
			ups, err = env.Store.ListTranscriptUpdates(ctx, transcriptID)
		}
		if err != nil {
			return eris.Wrap(err, "updates list")
		}

		if outputFormat != "table" {
			return writeValue(os.Stdout, outputFormat, ups)
		}
		if len(ups) == 0 {
			fmt.Fprintln(os.Stderr, "No updates found.")
			return nil
		}
		formatUpdatesList(os.Stdout, ups)
		return nil
	},
}

// -- updates approve --

var updatesApproveCmd = &cobra.Command{
	Use:   "approve <update-id>",
	Short: "Approve one update and write its value to the deal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		field, _ := cmd.Flags().GetString("expect-field")
		value, _ := cmd.Flags().GetString("expect-value")
		var expect *reconcile.Expect
		if cmd.Flags().Changed("expect-field") || cmd.Flags().Changed("expect-value") {
			expect = &reconcile.Expect{FieldName: field, NewValue: value}
		}

		env, err := initApp(ctx, "store")
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Reconcile.ApproveOne(ctx, args[0], expect)
		if model.IsAlreadyResolved(err) {
			fmt.Fprintln(os.Stderr, err.Error())
			return nil
		}
		if err != nil {
			return err
		}
		return printResult(res)
	},
}

// -- updates reject --

var updatesRejectCmd = &cobra.Command{
	Use:   "reject <update-id>",
	Short: "Reject one update",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initApp(ctx, "store")
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Reconcile.RejectOne(ctx, args[0])
		if model.IsAlreadyResolved(err) {
			fmt.Fprintln(os.Stderr, err.Error())
			return nil
		}
		if err != nil {
			return err
		}
		return printResult(res)
	},
}

// -- updates approve-all / reject-all --

var updatesApproveAllCmd = &cobra.Command{
	Use:   "approve-all <deal-id>",
	Short: "Approve every pending update of a deal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initApp(ctx, "store")
		if err != nil {
			return err
		}
		defer env.Close()

		report, err := env.Reconcile.ApproveAll(ctx, args[0])
		if err != nil {
			return err
		}
		return printBatch(report)
	},
}

var updatesRejectAllCmd = &cobra.Command{
	Use:   "reject-all <deal-id>",
	Short: "Reject every pending update of a deal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initApp(ctx, "store")
		if err != nil {
			return err
		}
		defer env.Close()

		report, err := env.Reconcile.RejectAll(ctx, args[0])
		if err != nil {
			return err
		}
		return printBatch(report)
	},
}

// -- updates resolve --

var updatesResolveCmd = &cobra.Command{
	Use:   "resolve <update-id>...",
	Short: "Approve or reject a list of updates",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		outcome, _ := cmd.Flags().GetString("outcome")
		status := model.ApprovalStatus(outcome)
		if !status.Terminal() {
			return &model.ValidationError{Field: "outcome", Message: "must be approved or rejected"}
		}

		env, err := initApp(ctx, "store")
		if err != nil {
			return err
		}
		defer env.Close()

		report, err := env.Reconcile.ResolveBatch(ctx, args, status)
		if err != nil {
			return err
		}
		return printBatch(report)
	},
}

func init() {
	updatesListCmd.Flags().String("deal", "", "list pending updates of this deal")
	updatesListCmd.Flags().String("transcript", "", "list every update of this transcript")

	updatesApproveCmd.Flags().String("expect-field", "", "fail if the update no longer targets this field")
	updatesApproveCmd.Flags().String("expect-value", "", "fail if the update no longer proposes this value")

	updatesResolveCmd.Flags().String("outcome", "approved", "approved or rejected")

	updatesCmd.AddCommand(updatesListCmd, updatesApproveCmd, updatesRejectCmd, updatesApproveAllCmd, updatesRejectAllCmd, updatesResolveCmd)
	rootCmd.AddCommand(updatesCmd)
}

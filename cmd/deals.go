package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/dealflow-cli/internal/dealimport"
	"github.com/sells-group/dealflow-cli/internal/model"
)

var dealsCmd = &cobra.Command{
	Use:   "deals",
	Short: "Manage deal records",
	Long:  "Commands for creating, listing, editing, and importing deal records.",
}

// parseAssignments turns key=value arguments into raw field text. An empty
// value clears the field.
func parseAssignments(args []string) (map[string]string, error) {
	raw := make(map[string]string, len(args))
	for _, a := range args {
		k, v, ok := strings.Cut(a, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, &model.ValidationError{Field: a, Message: "expected key=value"}
		}
		raw[k] = strings.TrimSpace(v)
	}
	return raw, nil
}

// -- deals create --

var dealsCreateCmd = &cobra.Command{
	Use:   "create key=value...",
	Short: "Create a deal from field assignments",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		raw, err := parseAssignments(args)
		if err != nil {
			return err
		}
		values, err := model.ParseFieldValues(model.DealFields, raw)
		if err != nil {
			return err
		}

		env, err := initApp(ctx, "store")
		if err != nil {
			return err
		}
		defer env.Close()

		d, err := env.Store.CreateDeal(ctx, values)
		if err != nil {
			return eris.Wrap(err, "deals create")
		}
		if outputFormat == "table" {
			formatDeal(os.Stdout, d, model.DealFields)
			return nil
		}
		return writeValue(os.Stdout, outputFormat, d)
	},
}

// -- deals list --

var dealsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List deals",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initApp(ctx, "store")
		if err != nil {
			return err
		}
		defer env.Close()

		status, _ := cmd.Flags().GetString("status")
		sector, _ := cmd.Flags().GetString("sector")
		limit, _ := cmd.Flags().GetInt("limit")

		deals, err := env.Store.ListDeals(ctx, model.DealFilter{Status: status, Sector: sector, Limit: limit})
		if err != nil {
			return eris.Wrap(err, "deals list")
		}

		if outputFormat != "table" {
			return writeValue(os.Stdout, outputFormat, deals)
		}
		if len(deals) == 0 {
			fmt.Fprintln(os.Stderr, "No deals found.")
			return nil
		}
		formatDealsList(os.Stdout, deals)
		return nil
	},
}

// -- deals show --

var dealsShowCmd = &cobra.Command{
	Use:   "show <deal-id>",
	Short: "Show every field of a deal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initApp(ctx, "store")
		if err != nil {
			return err
		}
		defer env.Close()

		d, err := env.Store.GetDeal(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "deals show")
		}
		if outputFormat == "table" {
			formatDeal(os.Stdout, d, model.DealFields)
			return nil
		}
		return writeValue(os.Stdout, outputFormat, d)
	},
}

// -- deals set --

var dealsSetCmd = &cobra.Command{
	Use:   "set <deal-id> key=value...",
	Short: "Edit deal fields directly",
	Long:  "Writes field values to a deal without going through review. An empty value clears the field.",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		raw, err := parseAssignments(args[1:])
		if err != nil {
			return err
		}
		values, err := model.ParseFieldValues(model.DealFields, raw)
		if err != nil {
			return err
		}

		env, err := initApp(ctx, "store")
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Store.UpdateDealFields(ctx, args[0], values); err != nil {
			return eris.Wrap(err, "deals set")
		}
		d, err := env.Store.GetDeal(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "deals set")
		}
		if outputFormat == "table" {
			formatDeal(os.Stdout, d, model.DealFields)
			return nil
		}
		return writeValue(os.Stdout, outputFormat, d)
	},
}

// -- deals import --

var dealsImportCmd = &cobra.Command{
	Use:   "import <file.xlsx|file.csv>",
	Short: "Upsert deals from a spreadsheet",
	Long:  "Reads a header row of field keys or labels and upserts one deal per row. Rows with an id column update that deal; other rows create new deals.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initApp(ctx, "store")
		if err != nil {
			return err
		}
		defer env.Close()

		sheet, _ := cmd.Flags().GetString("sheet")
		sheetIndex, _ := cmd.Flags().GetInt("sheet-index")
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		report, err := dealimport.Import(ctx, env.Store, args[0], dealimport.Options{
			ReadOptions: dealimport.ReadOptions{SheetName: sheet, SheetIndex: sheetIndex},
			BatchSize:   cfg.Import.BatchSize,
			DryRun:      dryRun,
		})
		if err != nil {
			return err
		}

		if outputFormat != "table" {
			return writeValue(os.Stdout, outputFormat, report)
		}
		fmt.Printf("Fields:    %s\n", strings.Join(report.Fields, ", "))
		fmt.Printf("Rows:      %s\n", numberPrinter.Sprintf("%d", report.Rows))
		fmt.Printf("Accepted:  %s\n", numberPrinter.Sprintf("%d", report.Accepted))
		fmt.Printf("Upserted:  %s\n", numberPrinter.Sprintf("%d", report.Upserted))
		fmt.Printf("Skipped:   %d\n", len(report.Skipped))
		for _, s := range report.Skipped {
			fmt.Printf("  row %d: %s\n", s.Row, s.Error)
		}
		return nil
	},
}

func init() {
	dealsListCmd.Flags().String("status", "", "filter by deal status")
	dealsListCmd.Flags().String("sector", "", "filter by sector")
	dealsListCmd.Flags().Int("limit", 100, "max deals to show")

	dealsImportCmd.Flags().String("sheet", "", "worksheet name (xlsx only)")
	dealsImportCmd.Flags().Int("sheet-index", 0, "worksheet index when --sheet is not set (xlsx only)")
	dealsImportCmd.Flags().Bool("dry-run", false, "validate rows without writing")

	dealsCmd.AddCommand(dealsCreateCmd, dealsListCmd, dealsShowCmd, dealsSetCmd, dealsImportCmd)
	rootCmd.AddCommand(dealsCmd)
}

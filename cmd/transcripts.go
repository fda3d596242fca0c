package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/dealflow-cli/internal/intake"
	"github.com/sells-group/dealflow-cli/internal/model"
	"github.com/sells-group/dealflow-cli/internal/notes"
	"github.com/sells-group/dealflow-cli/internal/store"
	"github.com/sells-group/dealflow-cli/pkg/notion"
)

var transcriptsCmd = &cobra.Command{
	Use:     "transcripts",
	Aliases: []string{"tr"},
	Short:   "Submit and extract call transcripts",
	Long:    "Commands for submitting call transcripts, running extraction, and importing call notes from Notion.",
}

// readTranscript reads the transcript body from path, or stdin when path is
// empty or "-".
func readTranscript(path string, stdin io.Reader) (string, error) {
	var (
		b   []byte
		err error
	)
	if path == "" || path == "-" {
		b, err = io.ReadAll(stdin)
	} else {
		b, err = os.ReadFile(path)
	}
	if err != nil {
		return "", eris.Wrap(err, "read transcript")
	}
	return string(b), nil
}

func parseCallDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return model.ParseDate("call_date", s)
}

func printOutcome(out *intake.Outcome) error {
	if outputFormat != "table" {
		return writeValue(os.Stdout, outputFormat, out)
	}
	fmt.Printf("Transcript: %s (%s)\n", out.Transcript.ID, out.Transcript.Status)
	if out.Extraction.Summary != "" {
		fmt.Printf("Summary:    %s\n", out.Extraction.Summary)
	}
	fmt.Printf("Tokens:     %s in / %s out\n",
		numberPrinter.Sprintf("%d", out.Usage.InputTokens),
		numberPrinter.Sprintf("%d", out.Usage.OutputTokens))
	if len(out.Updates) == 0 {
		fmt.Println("No updates proposed.")
		return nil
	}
	fmt.Println()
	formatUpdatesList(os.Stdout, out.Updates)
	return nil
}

// -- transcripts submit --

var transcriptsSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Store a transcript for a deal and extract it",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		dealID, _ := cmd.Flags().GetString("deal")
		file, _ := cmd.Flags().GetString("file")
		title, _ := cmd.Flags().GetString("title")
		callDate, _ := cmd.Flags().GetString("call-date")

		text, err := readTranscript(file, cmd.InOrStdin())
		if err != nil {
			return err
		}
		date, err := parseCallDate(callDate)
		if err != nil {
			return err
		}

		env, err := initApp(ctx, "extract")
		if err != nil {
			return err
		}
		defer env.Close()

		out, t, err := env.Intake.Submit(ctx, intake.SubmitRequest{
			DealID:   dealID,
			Text:     text,
			Title:    title,
			CallDate: date,
		})
		if err != nil {
			if t != nil {
				fmt.Fprintf(os.Stderr, "Transcript %s saved as %s; rerun with: dealflow transcripts extract %s\n", t.ID, t.Status, t.ID)
			}
			return err
		}
		return printOutcome(out)
	},
}

// -- transcripts extract --

var transcriptsExtractCmd = &cobra.Command{
	Use:   "extract <transcript-id>",
	Short: "Extract a pending transcript",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initApp(ctx, "extract")
		if err != nil {
			return err
		}
		defer env.Close()

		dealID, _ := cmd.Flags().GetString("deal")
		if dealID == "" {
			t, err := env.Store.GetTranscript(ctx, args[0])
			if err != nil {
				return eris.Wrap(err, "transcripts extract")
			}
			dealID = t.DealID
		}

		out, err := env.Intake.Extract(ctx, intake.ExtractRequest{DealID: dealID, TranscriptID: args[0]})
		if err != nil {
			var ite *model.InvalidTransitionError
			if errors.As(err, &ite) {
				fmt.Fprintf(os.Stderr, "Transcript %s is no longer pending.\n", args[0])
			}
			return err
		}
		return printOutcome(out)
	},
}

// -- transcripts list --

var transcriptsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List transcripts",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initApp(ctx, "store")
		if err != nil {
			return err
		}
		defer env.Close()

		dealID, _ := cmd.Flags().GetString("deal")
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		filter := store.TranscriptFilter{DealID: dealID, Status: model.TranscriptStatus(status), Limit: limit}
		if filter.Status != "" && !filter.Status.Valid() {
			return &model.ValidationError{Field: "status", Message: "must be pending, extracted, approved or rejected"}
		}

		ts, err := env.Store.ListTranscripts(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "transcripts list")
		}
		if outputFormat != "table" {
			return writeValue(os.Stdout, outputFormat, ts)
		}
		if len(ts) == 0 {
			fmt.Fprintln(os.Stderr, "No transcripts found.")
			return nil
		}
		formatTranscriptsList(os.Stdout, ts)
		return nil
	},
}

// -- transcripts show --

var transcriptsShowCmd = &cobra.Command{
	Use:   "show <transcript-id>",
	Short: "Show a transcript and the updates extracted from it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initApp(ctx, "store")
		if err != nil {
			return err
		}
		defer env.Close()

		t, err := env.Store.GetTranscript(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "transcripts show")
		}
		ups, err := env.Store.ListTranscriptUpdates(ctx, t.ID)
		if err != nil {
			return eris.Wrap(err, "transcripts show")
		}

		if outputFormat != "table" {
			return writeValue(os.Stdout, outputFormat, map[string]any{"transcript": t, "updates": ups})
		}
		fmt.Printf("ID:        %s\n", t.ID)
		fmt.Printf("Deal:      %s\n", t.DealID)
		fmt.Printf("Title:     %s\n", t.Title)
		fmt.Printf("Call date: %s\n", t.CallDate.Format(model.DateLayout))
		fmt.Printf("Status:    %s\n", t.Status)
		fmt.Printf("Text:      %s\n", truncate(t.Text, 200))
		if len(ups) > 0 {
			fmt.Println()
			formatUpdatesList(os.Stdout, ups)
		}
		return nil
	},
}

// -- transcripts import-notion --

var transcriptsImportNotionCmd = &cobra.Command{
	Use:   "import-notion",
	Short: "Import Ready call notes from Notion and extract them",
	Long:  "Queries the call-notes database for pages with Status=Ready, submits each as a transcript, and marks the page Extracted or Failed.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initApp(ctx, "notion")
		if err != nil {
			return err
		}
		defer env.Close()

		limit, _ := cmd.Flags().GetInt("limit")
		concurrency, _ := cmd.Flags().GetInt("concurrency")
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		if concurrency <= 0 {
			concurrency = cfg.Notion.Concurrency
		}

		nc := notion.NewClient(cfg.Notion.Token, notion.WithRateLimit(cfg.Notion.RateLimit))
		im := notes.NewImporter(nc, env.Intake, env.Breakers.Get("notion"), env.Metrics).
			WithRetry(cfg.Retry.Policy())

		sum, err := im.Run(ctx, notes.Options{
			DatabaseID:  cfg.Notion.NotesDB,
			Limit:       limit,
			Concurrency: concurrency,
			DryRun:      dryRun,
		})
		if err != nil {
			return err
		}

		zap.L().Info("notion import complete",
			zap.Int("found", sum.Found),
			zap.Int64("extracted", sum.Extracted),
			zap.Int64("failed", sum.Failed),
		)
		if outputFormat != "table" {
			return writeValue(os.Stdout, outputFormat, sum)
		}
		fmt.Printf("Found %d, extracted %d, failed %d\n", sum.Found, sum.Extracted, sum.Failed)
		for _, r := range sum.Results {
			if r.Error != "" {
				fmt.Printf("  %s (%s): %s\n", r.PageID, truncate(r.Title, 40), r.Error)
			}
		}
		return nil
	},
}

func init() {
	transcriptsSubmitCmd.Flags().String("deal", "", "deal id (required)")
	transcriptsSubmitCmd.Flags().String("file", "", "transcript file (default stdin)")
	transcriptsSubmitCmd.Flags().String("title", "", "call title")
	transcriptsSubmitCmd.Flags().String("call-date", "", "call date (YYYY-MM-DD)")
	_ = transcriptsSubmitCmd.MarkFlagRequired("deal")

	transcriptsExtractCmd.Flags().String("deal", "", "deal id (default: the transcript's deal)")

	transcriptsListCmd.Flags().String("deal", "", "filter by deal id")
	transcriptsListCmd.Flags().String("status", "", "filter by extraction status")
	transcriptsListCmd.Flags().Int("limit", 100, "max transcripts to show")

	transcriptsImportNotionCmd.Flags().Int("limit", 0, "max pages to import (0 = all)")
	transcriptsImportNotionCmd.Flags().Int("concurrency", 0, "pages extracted in parallel (default from config)")
	transcriptsImportNotionCmd.Flags().Bool("dry-run", false, "parse pages without extracting or updating Notion")

	transcriptsCmd.AddCommand(transcriptsSubmitCmd, transcriptsExtractCmd, transcriptsListCmd, transcriptsShowCmd, transcriptsImportNotionCmd)
	rootCmd.AddCommand(transcriptsCmd)
}

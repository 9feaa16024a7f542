package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/bkyoung/llmflow/internal/domain"
	"github.com/bkyoung/llmflow/internal/stats"
	"github.com/bkyoung/llmflow/internal/store"
	"github.com/bkyoung/llmflow/internal/usecase/dispatch"
)

// ErrVersionRequested indicates the user requested the CLI version and no
// further work should be done.
var ErrVersionRequested = errors.New("version requested")

// Runner defines the dependency required to run the processing commands.
type Runner interface {
	ProcessSingle(ctx context.Context, text, template string, opts dispatch.SingleOptions) (domain.Outcome, error)
	ProcessBatch(ctx context.Context, texts []string, template string, opts dispatch.BatchOptions) (dispatch.BatchResult, error)
	StatsManager() *stats.Manager
}

// Arguments encapsulates IO writers injected from the host process.
type Arguments struct {
	OutWriter io.Writer
	ErrWriter io.Writer
}

// Dependencies captures the collaborators for the CLI.
type Dependencies struct {
	Runner  Runner
	Store   store.Store // Optional: persists batch runs and outcomes
	Models  domain.ModelTable
	Model   string
	Args    Arguments
	Version string
}

// NewRootCommand constructs the root Cobra command.
func NewRootCommand(deps Dependencies) *cobra.Command {
	versionString := deps.Version
	if versionString == "" {
		versionString = "v0.0.0"
	}

	root := &cobra.Command{
		Use:   "llmflow",
		Short: "Adaptive API orchestration engine",
	}
	root.SilenceUsage = true
	root.SilenceErrors = true

	outWriter := deps.Args.OutWriter
	if outWriter == nil {
		outWriter = os.Stdout
	}
	errWriter := deps.Args.ErrWriter
	if errWriter == nil {
		errWriter = os.Stderr
	}
	root.SetOut(outWriter)
	root.SetErr(errWriter)

	root.AddCommand(runCommand(deps))
	root.AddCommand(batchCommand(deps))
	root.AddCommand(modelsCommand(deps))
	root.AddCommand(statsCommand(deps))

	var showVersion bool
	root.PersistentFlags().BoolVarP(&showVersion, "version", "v", false, "Show version and exit")
	versionHandler := func(cmd *cobra.Command, args []string) error {
		if showVersion {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), versionString)
			return ErrVersionRequested
		}
		return nil
	}
	root.PersistentPreRunE = versionHandler
	root.RunE = func(cmd *cobra.Command, args []string) error {
		if err := versionHandler(cmd, args); err != nil {
			return err
		}
		return cmd.Help()
	}

	return root
}

func runCommand(deps Dependencies) *cobra.Command {
	var (
		template   string
		customID   string
		schemaFile string
	)

	cmd := &cobra.Command{
		Use:   "run [text]",
		Short: "Process a single prompt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, err := loadSchema(schemaFile)
			if err != nil {
				return err
			}

			outcome, err := deps.Runner.ProcessSingle(cmd.Context(), args[0], template, dispatch.SingleOptions{
				JSONSchema: schema,
				CustomID:   customID,
			})
			if err != nil {
				return err
			}

			if err := printJSON(cmd.OutOrStdout(), outcome); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), deps.Runner.StatsManager().Summary(""))
			return nil
		},
	}

	cmd.Flags().StringVarP(&template, "template", "t", "", "Prompt template with {text} placeholder")
	cmd.Flags().StringVar(&customID, "id", "", "Caller-chosen request id")
	cmd.Flags().StringVar(&schemaFile, "schema", "", "Path to a JSON schema file enabling JSON mode")
	return cmd
}

func batchCommand(deps Dependencies) *cobra.Command {
	var (
		file       string
		template   string
		batchID    string
		schemaFile string
	)

	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Process a file of prompts, one per line",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return errors.New("--file is required")
			}
			texts, err := readLines(file)
			if err != nil {
				return err
			}
			schema, err := loadSchema(schemaFile)
			if err != nil {
				return err
			}

			result, err := deps.Runner.ProcessBatch(cmd.Context(), texts, template, dispatch.BatchOptions{
				JSONSchema: schema,
				BatchID:    batchID,
			})
			if err != nil {
				return err
			}

			for _, outcome := range result.Results {
				if err := printJSON(cmd.OutOrStdout(), outcome); err != nil {
					return err
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), deps.Runner.StatsManager().Summary(result.BatchID))

			if deps.Store != nil {
				if err := persistBatch(cmd.Context(), deps, result); err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "warning: failed to persist batch: %v\n", err)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "File of prompts, one per line")
	cmd.Flags().StringVarP(&template, "template", "t", "", "Prompt template with {text} placeholder")
	cmd.Flags().StringVar(&batchID, "batch-id", "", "Batch id prefix")
	cmd.Flags().StringVar(&schemaFile, "schema", "", "Path to a JSON schema file enabling JSON mode")
	return cmd
}

func modelsCommand(deps Dependencies) *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List configured models and prices",
		RunE: func(cmd *cobra.Command, args []string) error {
			names := make([]string, 0, len(deps.Models))
			for name := range deps.Models {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				m := deps.Models[name]
				marker := " "
				if name == deps.Model {
					marker = "*"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %-40s in $%.4f/1k  out $%.4f/1k  cache $%.4f/1k  json_schema=%t\n",
					marker, name, m.Input, m.Output, m.Cache, m.JSONSchema)
			}
			return nil
		},
	}
}

func statsCommand(deps Dependencies) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "List persisted batch runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			if deps.Store == nil {
				return errors.New("store is not enabled; set store.enabled in config")
			}
			batches, err := deps.Store.ListBatches(cmd.Context(), limit)
			if err != nil {
				return err
			}
			for _, b := range batches {
				fmt.Fprintf(cmd.OutOrStdout(), "%-40s %s  %d req (%d ok, %d failed)  %d tok  $%.4f\n",
					b.BatchID, domain.FormatReportTime(b.StartedAt),
					b.TotalRequests, b.Successful, b.Failed, b.TotalTokens, b.TotalCost)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum batches to list")
	return cmd
}

func persistBatch(ctx context.Context, deps Dependencies, result dispatch.BatchResult) error {
	c := result.BatchStats
	if c == nil {
		return nil
	}
	ended := c.StartTime
	if c.EndTime != nil {
		ended = *c.EndTime
	}

	batch := store.BatchRecord{
		BatchID:        result.BatchID,
		Model:          deps.Model,
		StartedAt:      c.StartTime,
		EndedAt:        ended,
		TotalRequests:  c.TotalRequests,
		Successful:     c.SuccessfulRequests,
		Failed:         c.FailedRequests,
		TotalTokens:    c.TotalTokens,
		TotalCost:      c.TotalCost,
		PeakTPM:        c.PeakTPM,
		ConcurrentPeak: c.ConcurrentPeak,
		RetryCount:     c.RetryCount,
	}
	if err := deps.Store.SaveBatch(ctx, batch); err != nil {
		return err
	}

	records := make([]store.OutcomeRecord, 0, len(result.Results))
	for _, o := range result.Results {
		errType := ""
		if o.ErrorDetails != nil {
			errType = o.ErrorDetails.Type
		}
		records = append(records, store.OutcomeRecord{
			ID:              o.ID,
			BatchID:         result.BatchID,
			StartTimestamp:  o.StartTimestamp,
			Success:         o.Success,
			InputTokens:     o.InputTokens,
			OutputTokens:    o.OutputTokens,
			CachedTokens:    o.CachedTokens,
			TotalTokens:     o.TotalTokens,
			Cost:            o.Cost,
			Error:           o.Error,
			ErrorType:       errType,
			APIResponseTime: o.APIResponseTime,
			Attempts:        o.Attempts,
		})
	}
	return deps.Store.SaveOutcomes(ctx, records)
}

func loadSchema(path string) (json.RawMessage, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema %s: %w", path, err)
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("schema %s is not valid JSON", path)
	}
	return json.RawMessage(data), nil
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines, scanner.Err()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	return enc.Encode(v)
}

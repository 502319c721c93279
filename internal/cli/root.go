// Package cli implements lecturectl, the admin command line.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/feichai0017/lecture-processor/internal/service/document"
	"github.com/feichai0017/lecture-processor/internal/service/search"
)

// Env is what the commands operate on.
type Env struct {
	Documents document.DocumentProcessor
	// Search is nil when no AI service is configured
	Search  search.Searcher
	Migrate func(ctx context.Context) error
	Cleanup func(ctx context.Context, before time.Time) error
	Close   func() error
}

// Loader builds the Env lazily so --help never touches a database.
type Loader func(ctx context.Context) (*Env, error)

func NewRootCmd(load Loader) *cobra.Command {
	root := &cobra.Command{
		Use:           "lecturectl",
		Short:         "Administer the lecture processing pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newMigrateCmd(load),
		newReprocessCmd(load),
		newStatusCmd(load),
		newSearchCmd(load),
		newCleanupCmd(load),
	)
	return root
}

// withEnv loads the Env, runs fn and closes the Env.
func withEnv(cmd *cobra.Command, load Loader, fn func(ctx context.Context, env *Env) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	env, err := load(ctx)
	if err != nil {
		return err
	}
	runErr := fn(ctx, env)
	if env.Close != nil {
		if err := env.Close(); err != nil && runErr == nil {
			runErr = err
		}
	}
	return runErr
}

func newMigrateCmd(load Loader) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the documents table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd, load, func(ctx context.Context, env *Env) error {
				if env.Migrate == nil {
					return errors.New("no database configured")
				}
				if err := env.Migrate(ctx); err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				cmd.Println("Schema up to date.")
				return nil
			})
		},
	}
}

func newReprocessCmd(load Loader) *cobra.Command {
	return &cobra.Command{
		Use:   "reprocess",
		Short: "Re-enqueue processing lost after registration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd, load, func(ctx context.Context, env *Env) error {
				n, err := env.Documents.ReprocessPending(ctx)
				cmd.Printf("Re-enqueued %d task(s).\n", n)
				return err
			})
		},
	}
}

func newStatusCmd(load Loader) *cobra.Command {
	return &cobra.Command{
		Use:   "status [record-id]",
		Short: "Show the processing status of a record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd, load, func(ctx context.Context, env *Env) error {
				status, err := env.Documents.GetProcessingStatus(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, status)
			})
		},
	}
}

func newSearchCmd(load Loader) *cobra.Command {
	var (
		ids    []string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Ask a question over ingested documents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd, load, func(ctx context.Context, env *Env) error {
				if env.Search == nil {
					return errors.New("search service not configured")
				}
				res, err := env.Search.SearchDocuments(ctx, args[0], ids)
				if err != nil {
					return fmt.Errorf("search failed: %w", err)
				}
				if asJSON {
					return printJSON(cmd, res)
				}
				if len(res.Answers) == 0 {
					cmd.Println("No answer.")
				}
				for _, a := range res.Answers {
					cmd.Println(a.Text)
				}
				for _, d := range res.Diagnostics {
					if d.Error != "" {
						cmd.Printf("warning: %s: %s\n", d.ExternalID, d.Error)
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&ids, "ids", nil, "external file ids to search (comma separated)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "output the result as JSON")
	_ = cmd.MarkFlagRequired("ids")
	return cmd
}

func newCleanupCmd(load Loader) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete stored objects older than a threshold",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return errors.New("--older-than must be positive")
			}
			return withEnv(cmd, load, func(ctx context.Context, env *Env) error {
				if env.Cleanup == nil {
					return errors.New("no storage configured")
				}
				before := time.Now().Add(-olderThan)
				if err := env.Cleanup(ctx, before); err != nil {
					return err
				}
				cmd.Printf("Removed objects older than %s.\n", before.UTC().Format(time.RFC3339))
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "age threshold")
	return cmd
}

func printJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	cmd.Println(strings.TrimSpace(string(data)))
	return nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/feichai0017/lecture-processor/internal/app"
	"github.com/feichai0017/lecture-processor/internal/cli"
	"github.com/feichai0017/lecture-processor/internal/repository"
	"github.com/feichai0017/lecture-processor/pkg/logger"
)

func main() {
	log, err := logger.NewLogger(
		logger.WithLevel("warn"),
		logger.WithEncoding("console"),
		logger.WithOutputPaths([]string{"stderr"}),
	)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	root := cli.NewRootCmd(func(ctx context.Context) (*cli.Env, error) {
		settings, err := app.LoadSettings()
		if err != nil {
			return nil, err
		}
		a, err := app.New(ctx, settings, app.Overrides{}, log)
		if err != nil {
			return nil, err
		}
		env := &cli.Env{
			Documents: a.Documents,
			Search:    a.Search,
			Cleanup: func(ctx context.Context, before time.Time) error {
				return a.Storage.CleanupBefore(ctx, before)
			},
			Close: a.Close,
		}
		if a.DB != nil {
			env.Migrate = func(ctx context.Context) error {
				return repository.NewGormRepository(a.DB, log).AutoMigrate(ctx)
			}
		}
		return env, nil
	})

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		if errors.Is(err, context.DeadlineExceeded) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"abcsmc/internal/storage"
	"abcsmc/pkg/abcsmc"
)

var version = "0.1.0"

type rootOptions struct {
	storeKind string
	dsn       string
	logLevel  string
	logFormat string
	logger    *slog.Logger
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "abcsmcctl",
		Short:         "Resumable ABC-SMC inference with a persistent history store",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := newLogger(cmd.ErrOrStderr(), opts.logLevel, opts.logFormat)
			if err != nil {
				return err
			}
			opts.logger = logger
			return nil
		},
	}
	root.PersistentFlags().StringVar(&opts.storeKind, "store", storage.DefaultStoreKind(), "store backend: memory|sqlite|postgres")
	root.PersistentFlags().StringVar(&opts.dsn, "dsn", "abcsmc.db", "sqlite database path or postgres connection string")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&opts.logFormat, "log-format", "text", "log format (text, json)")

	root.AddCommand(
		newInitCmd(opts),
		newNewCmd(opts),
		newRunCmd(opts),
		newResumeCmd(opts),
		newRunsCmd(opts),
		newPopulationsCmd(opts),
		newModelsCmd(opts),
		newParticlesCmd(opts),
		newExportCmd(opts),
		newScenariosCmd(opts),
		newVersionCmd(),
	)
	return root
}

func newLogger(w io.Writer, levelName, format string) (*slog.Logger, error) {
	var level slog.Level
	switch strings.ToLower(levelName) {
	case "debug":
		level = slog.LevelDebug
	case "", "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("unsupported log level: %s", levelName)
	}

	var handler slog.Handler
	switch format {
	case "", "text":
		handler = tint.NewHandler(w, &tint.Options{
			Level:      level,
			TimeFormat: time.TimeOnly,
		})
	case "json":
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	default:
		return nil, fmt.Errorf("unsupported log format: %s", format)
	}
	return slog.New(handler), nil
}

func (o *rootOptions) openClient(ctx context.Context) (*abcsmc.Client, error) {
	client, err := abcsmc.New(abcsmc.Options{
		StoreKind: o.storeKind,
		DSN:       o.dsn,
		Logger:    o.logger,
	})
	if err != nil {
		return nil, err
	}
	if err := client.Init(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

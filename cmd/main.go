// Command vecagent serves a single vector index over HTTP.
//
// Usage:
//
//	vecagent [--config path] [--dir path]
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"vecagent/internal/agent"
	"vecagent/internal/config"
	"vecagent/internal/health"
	"vecagent/internal/kvs"
	"vecagent/internal/server"
	"vecagent/pkg/logger"
)

const closeTimeout = time.Minute

var rootCmd = &cobra.Command{
	Use:   "vecagent",
	Short: "Single node vector search agent",
	Long: `Serve one vector index over HTTP and websocket streams.

Configuration is read from a YAML file when --config is given; otherwise
every setting takes its default, rooted at --dir.`,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().StringP("config", "c", "", "path to the YAML config file")
	rootCmd.Flags().String("dir", ".", "data directory when no config file is given")
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, fmt.Errorf("failed to read 'config' flag: %w", err)
	}
	if path != "" {
		return config.FromFile(path)
	}
	dir, err := cmd.Flags().GetString("dir")
	if err != nil {
		return nil, fmt.Errorf("failed to read 'dir' flag: %w", err)
	}
	return config.NewConfig(dir)
}

func run(cmd *cobra.Command, _ []string) error {
	conf, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := logger.InitLogger(conf.Log.Level, conf.Log.File); err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := kvs.Open(kvs.Options{
		Dir:      conf.KVS.Path,
		InMemory: conf.Index.EnableInMemoryMode,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Error("Failed to close kvs", "error", err)
		}
	}()

	a, err := agent.New(conf, db)
	if err != nil {
		return err
	}
	if err := a.Open(ctx); err != nil {
		return fmt.Errorf("failed to open agent: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.Start(gctx)
		return nil
	})
	g.Go(func() error {
		return server.New(a, conf.Stream.Concurrency).Run(gctx, conf.Server.String())
	})
	g.Go(func() error {
		return health.New(conf.Health).Run(gctx)
	})
	runErr := g.Wait()
	logger.Info("Shutting down", "count", a.Len(), "uncommitted", a.IndexInfo().Uncommitted)

	closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := a.Close(closeCtx); err != nil {
		logger.Error("Failed to close agent", "error", err)
		runErr = errors.Join(runErr, err)
	}
	return runErr
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

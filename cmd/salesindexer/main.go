package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"cloud.google.com/go/profiler"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/SplitFi/go-salesindexer/env"
	"github.com/SplitFi/go-salesindexer/indexer"
	"github.com/SplitFi/go-salesindexer/service/logger"
	sentryutil "github.com/SplitFi/go-salesindexer/service/sentry"
)

var rootCmd = &cobra.Command{
	Use:           "salesindexer",
	Short:         "Index NFT marketplace sales and roll them up into volume statistics",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		indexer.SetDefaults()
		env.ValidateEnv()
		if level, err := logrus.ParseLevel(env.GetString("LOG_LEVEL")); err == nil {
			logger.SetLevel(level)
		}
		if !env.IsLocal() {
			logger.InitWithGCPDefaults()
		}
		sentryutil.InitSentry()
		// workers are short lived children of a primary that is already profiled
		if cmd.Name() != workerCmd.Name() {
			startProfiler(cmd.Name())
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		name := env.GetString("RUN_CRON_NAME")
		if name == "" {
			return cmd.Help()
		}
		sub, _, err := cmd.Find([]string{name})
		if err != nil || sub == cmd || sub.RunE == nil {
			return fmt.Errorf("RUN_CRON_NAME %q is not a subcommand", name)
		}
		logger.For(cmd.Context()).Infof("running %s from RUN_CRON_NAME", name)
		sub.SetContext(cmd.Context())
		return sub.RunE(sub, nil)
	},
}

func init() {
	rootCmd.AddCommand(adapterCmd, aggregateCmd, workerCmd, serveCmd, migrateKeysCmd, collectionsCmd)
}

func startProfiler(service string) {
	if env.IsLocal() {
		return
	}
	cfg := profiler.Config{
		Service:        "salesindexer-" + service,
		ServiceVersion: "1.0.0",
		MutexProfiling: true,
	}
	if err := profiler.Start(cfg); err != nil {
		logger.For(nil).Warnf("failed to start cloud profiler due to error: %s", err)
	}
}

func main() {
	defer sentryutil.RecoverAndRaise(nil)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		logger.For(ctx).WithError(err).Error("salesindexer failed")
		stop()
		os.Exit(1)
	}
}

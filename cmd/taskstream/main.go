// Command taskstream serves streaming generation requests over HTTP and
// manages running tasks.
//
// Configuration is read from the file given with --config and from the
// environment; see package config for the variables.
//
// # Example
//
//	OPENAI_API_KEY=sk-... REDIS_URL=localhost:6379 taskstream serve
//	taskstream stop 8d2c... --user end-user-1
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"goa.design/clue/log"
)

var configPath string

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "taskstream",
		Short:        "Run and control streaming generation tasks",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML configuration file")
	root.AddCommand(newServeCmd(), newStopCmd())
	return root
}

// logContext returns ctx set up for clue logging.
func logContext(ctx context.Context, format string, debug bool) context.Context {
	f := log.FormatJSON
	if format == "terminal" {
		f = log.FormatTerminal
	}
	ctx = log.Context(ctx, log.WithFormat(f))
	if debug {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}
	return ctx
}

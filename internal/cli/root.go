// Package cli implements the changestream-tail command.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	ConfigPath string

	// NewLogger overrides logger construction (for testing).
	NewLogger func(verbose bool) (*zap.Logger, error)
}

// NewRootCommand creates the root command for the changestream-tail CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "changestream-tail",
		Short: "Tail MongoDB change streams",
		Long: `Tail a MongoDB change stream and print each event as a line of
extended JSON. Streams resume transparently after transient failures and,
with a checkpoint, across restarts.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging, including every command sent")
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to a YAML config file")

	cmd.AddCommand(NewWatchCommand(opts))
	cmd.AddCommand(NewCheckpointsCommand(opts))

	return cmd
}

// logger builds the command's logger: development output with --verbose,
// production JSON otherwise.
func (o *RootOptions) logger() (*zap.Logger, error) {
	if o.NewLogger != nil {
		return o.NewLogger(o.Verbose)
	}
	var (
		l   *zap.Logger
		err error
	)
	if o.Verbose {
		l, err = zap.NewDevelopment()
	} else {
		l, err = zap.NewProduction()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return l, nil
}

// config loads the config file if one was given.
func (o *RootOptions) config() (*Config, error) {
	if o.ConfigPath == "" {
		return DefaultConfig(), nil
	}
	return LoadConfig(o.ConfigPath)
}

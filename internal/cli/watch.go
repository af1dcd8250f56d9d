package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	changestream "github.com/durable-streams/changestream-go"
	"github.com/durable-streams/changestream-go/checkpoint"
	"github.com/durable-streams/changestream-go/mongodeploy"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"
)

// Deployment is a changestream.Deployment the command has to close.
type Deployment interface {
	changestream.Deployment
	Close(ctx context.Context) error
}

// WatchOptions holds flags for the watch command.
type WatchOptions struct {
	*RootOptions
	MaxEvents int

	// Connect overrides how the deployment is created (for testing).
	// If nil, mongodeploy.Connect is used.
	Connect func(ctx context.Context, uri string, logger *zap.Logger) (Deployment, error)

	flags Config
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	return newWatchCommand(&WatchOptions{RootOptions: rootOpts})
}

func newWatchCommand(opts *WatchOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch [database[.collection]]",
		Short: "Print change events as extended JSON lines",
		Long: `Print the change events of a collection, a database or, with no
namespace, the whole deployment. Each event is written to stdout as one line
of relaxed extended JSON (canonical with --canonical).

Example:
  changestream-tail watch shop.orders --full-document updateLookup
  changestream-tail watch shop --pipeline '[{"$match": {"operationType": "delete"}}]'
  changestream-tail watch -c tail.yaml --checkpoint-dir ./state --checkpoint-key orders`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.config()
			if err != nil {
				return err
			}
			opts.applyFlags(cmd, cfg)
			if len(args) == 1 {
				cfg.Namespace = args[0]
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			parent := cmd.Context()
			if parent == nil {
				parent = context.Background()
			}
			ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runWatch(ctx, opts, cfg, cmd.OutOrStdout())
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.flags.URI, "uri", "", "MongoDB connection string")
	f.StringVar(&opts.flags.Pipeline, "pipeline", "", "extended JSON array of stages appended after $changeStream")
	f.StringVar(&opts.flags.FullDocument, "full-document", "", "default, updateLookup, whenAvailable or required")
	f.Int32Var(&opts.flags.BatchSize, "batch-size", 0, "events per batch (0 = server default)")
	f.DurationVar(&opts.flags.MaxAwait, "max-await", 0, "how long the server waits for new events per batch")
	f.StringVar(&opts.flags.ResumeAfter, "resume-after", "", "resume token, as extended JSON")
	f.StringVar(&opts.flags.StartAfter, "start-after", "", "start token, as extended JSON")
	f.BoolVar(&opts.flags.Canonical, "canonical", false, "print canonical instead of relaxed extended JSON")
	f.StringVar(&opts.flags.Checkpoint.Dir, "checkpoint-dir", "", "directory of the checkpoint database")
	f.StringVar(&opts.flags.Checkpoint.Key, "checkpoint-key", "", "name the resume token is saved under")
	f.IntVarP(&opts.MaxEvents, "max-events", "n", 0, "stop after this many events (0 = no limit)")

	return cmd
}

// applyFlags copies the flags set on the command line over cfg.
func (o *WatchOptions) applyFlags(cmd *cobra.Command, cfg *Config) {
	changed := cmd.Flags().Changed
	if changed("uri") {
		cfg.URI = o.flags.URI
	}
	if changed("pipeline") {
		cfg.Pipeline = o.flags.Pipeline
	}
	if changed("full-document") {
		cfg.FullDocument = o.flags.FullDocument
	}
	if changed("batch-size") {
		cfg.BatchSize = o.flags.BatchSize
	}
	if changed("max-await") {
		cfg.MaxAwait = o.flags.MaxAwait
	}
	if changed("resume-after") {
		cfg.ResumeAfter = o.flags.ResumeAfter
	}
	if changed("start-after") {
		cfg.StartAfter = o.flags.StartAfter
	}
	if changed("canonical") {
		cfg.Canonical = o.flags.Canonical
	}
	if changed("checkpoint-dir") {
		cfg.Checkpoint.Dir = o.flags.Checkpoint.Dir
	}
	if changed("checkpoint-key") {
		cfg.Checkpoint.Key = o.flags.Checkpoint.Key
	}
}

func runWatch(ctx context.Context, opts *WatchOptions, cfg *Config, w io.Writer) error {
	logger, err := opts.logger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	connect := opts.Connect
	if connect == nil {
		connect = dialMongo
	}
	d, err := connect(ctx, cfg.URI, logger)
	if err != nil {
		return err
	}
	defer d.Close(context.Background())

	clientOpts := []changestream.ClientOption{changestream.WithLogger(logger)}
	if opts.Verbose {
		clientOpts = append(clientOpts, changestream.WithMonitor(changestream.NewLogMonitor(logger)))
	}
	client := changestream.NewClient(d, clientOpts...)

	pipeline, err := cfg.ParsePipeline()
	if err != nil {
		return err
	}
	watchOpts, err := cfg.WatchOptions()
	if err != nil {
		return err
	}
	if cfg.Checkpoint.Dir != "" {
		store, err := checkpoint.NewBboltStore(cfg.Checkpoint.Dir)
		if err != nil {
			return fmt.Errorf("failed to open checkpoint store: %w", err)
		}
		defer store.Close()
		watchOpts = append(watchOpts, changestream.WithCheckpoint(store, cfg.Checkpoint.Key))
	}

	cs, err := openStream(client, cfg, pipeline, watchOpts)
	if err != nil {
		return err
	}
	defer cs.Close(context.Background())

	logger.Info("watching change stream", zap.Stringer("scope", cs.Scope()))
	n, err := tail(ctx, cs, w, cfg.Canonical, opts.MaxEvents)
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		err = nil
	}
	logger.Info("stopped watching",
		zap.Int("events", n),
		zap.Stringer("position", cs.ResumePosition()),
		zap.Error(err))
	return err
}

func dialMongo(ctx context.Context, uri string, logger *zap.Logger) (Deployment, error) {
	return mongodeploy.Connect(ctx, uri, mongodeploy.WithLogger(logger))
}

// openStream watches the scope named by cfg.Namespace.
func openStream(client *changestream.Client, cfg *Config, pipeline []bson.D, opts []changestream.WatchOption) (*changestream.ChangeStream, error) {
	db, coll := cfg.SplitNamespace()
	switch {
	case db == "":
		return client.Watch(pipeline, opts...)
	case coll == "":
		return client.Database(db).Watch(pipeline, opts...)
	default:
		return client.Database(db).Collection(coll).Watch(pipeline, opts...)
	}
}

// tail writes events to w, one extended JSON document per line, until the
// stream ends, fails or limit events were written.
func tail(ctx context.Context, cs *changestream.ChangeStream, w io.Writer, canonical bool, limit int) (int, error) {
	n := 0
	for event, err := range cs.Events(ctx) {
		if err != nil {
			return n, err
		}
		line, err := bson.MarshalExtJSON(event.Raw, canonical, false)
		if err != nil {
			return n, fmt.Errorf("failed to encode event: %w", err)
		}
		if _, err := fmt.Fprintf(w, "%s\n", line); err != nil {
			return n, err
		}
		n++
		if limit > 0 && n >= limit {
			break
		}
	}
	return n, nil
}

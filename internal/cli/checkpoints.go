package cli

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/durable-streams/changestream-go/checkpoint"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/bson"
)

// CheckpointsOptions holds flags for the checkpoints commands.
type CheckpointsOptions struct {
	*RootOptions
	Dir string
}

// NewCheckpointsCommand creates the checkpoints command group.
func NewCheckpointsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CheckpointsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "checkpoints",
		Short: "Inspect saved resume tokens",
	}
	cmd.PersistentFlags().StringVar(&opts.Dir, "dir", "", "directory of the checkpoint database")

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List saved resume tokens",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withStore(func(store *checkpoint.BboltStore) error {
				records, err := store.Records(context.Background())
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "KEY\tUPDATED\tTOKEN")
				for _, r := range records {
					token, err := bson.MarshalExtJSON(r.Token, false, false)
					if err != nil {
						return fmt.Errorf("failed to encode token %q: %w", r.Key, err)
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\n", r.Key, r.UpdatedAt.UTC().Format(time.RFC3339), token)
				}
				return tw.Flush()
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <key>",
		Short: "Forget a saved resume token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withStore(func(store *checkpoint.BboltStore) error {
				return store.Delete(context.Background(), args[0])
			})
		},
	})

	return cmd
}

func (o *CheckpointsOptions) withStore(fn func(*checkpoint.BboltStore) error) error {
	dir := o.Dir
	if dir == "" {
		cfg, err := o.config()
		if err != nil {
			return err
		}
		dir = cfg.Checkpoint.Dir
	}
	if dir == "" {
		return fmt.Errorf("no checkpoint directory: use --dir or checkpoint.dir in the config file")
	}

	store, err := checkpoint.NewBboltStore(dir)
	if err != nil {
		return fmt.Errorf("failed to open checkpoint store: %w", err)
	}
	defer store.Close()
	return fn(store)
}

package cli

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/chatsync/backend/internal/config"
	"github.com/kimhsiao/chatsync/backend/internal/logging"
	"github.com/kimhsiao/chatsync/backend/internal/models"
	"github.com/kimhsiao/chatsync/backend/internal/server"
	"github.com/kimhsiao/chatsync/backend/internal/storage"
	"github.com/kimhsiao/chatsync/backend/internal/sync/queue"
)

// openQueue loads the persisted queue snapshot without processing it.
func openQueue(ctx context.Context, cfg *config.Config) (*queue.Queue, storage.Store, error) {
	store, err := storage.Open(cfg.Storage.Driver, cfg.Storage.Path)
	if err != nil {
		return nil, nil, err
	}
	q := queue.New(queue.WithStore(store), queue.WithReadyCheck(func() bool { return false }))
	if _, err := q.Load(ctx); err != nil {
		store.Close()
		return nil, nil, err
	}
	return q, store, nil
}

// StatusReport summarizes the persisted queue.
type StatusReport struct {
	Driver string      `json:"driver"`
	Path   string      `json:"path,omitempty"`
	Stats  queue.Stats `json:"stats"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Summarize the persisted offline queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := rootOpts.Config
			q, store, err := openQueue(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close()
			defer q.Close()

			report := StatusReport{Driver: cfg.Storage.Driver, Path: cfg.Storage.Path, Stats: q.Stats()}
			return newPrinter(rootOpts, cmd).print(report, func(w io.Writer) {
				fmt.Fprintf(w, "storage:  %s %s\n", report.Driver, report.Path)
				fmt.Fprintf(w, "pending:  %d\n", report.Stats.Total)
				for _, p := range models.Priorities {
					if n := report.Stats.ByPriority[p]; n > 0 {
						fmt.Fprintf(w, "  %-8s %d\n", p, n)
					}
				}
				if report.Stats.Total > 0 {
					fmt.Fprintf(w, "oldest:   %s\n", report.Stats.OldestAge.Round(time.Second))
				}
			})
		},
	}
}

// NewQueueCommand creates the queue command group.
func NewQueueCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect or clear the persisted offline queue",
	}
	cmd.AddCommand(newQueueListCommand(rootOpts))
	cmd.AddCommand(newQueueClearCommand(rootOpts))
	return cmd
}

func newQueueListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List queued operations in processing order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q, store, err := openQueue(cmd.Context(), rootOpts.Config)
			if err != nil {
				return err
			}
			defer store.Close()
			defer q.Close()

			items := q.Items()
			views := make([]server.ItemView, 0, len(items))
			for _, it := range items {
				views = append(views, server.NewItemView(it))
			}
			return newPrinter(rootOpts, cmd).print(views, func(w io.Writer) {
				if len(views) == 0 {
					fmt.Fprintln(w, "queue is empty")
					return
				}
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tPRIORITY\tOPERATION\tENTITY\tRETRIES\tERROR")
				for _, v := range views {
					entity := v.EntityID
					if entity == "" {
						entity = v.TempID
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s %s\t%d\t%s\n",
						v.ID, v.Priority, v.Operation, v.EntityType, entity, v.Retries, v.Error)
				}
				tw.Flush()
			})
		},
	}
}

func newQueueClearCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Drop every queued operation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := rootOpts.Config
			store, err := storage.Open(cfg.Storage.Driver, cfg.Storage.Path)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.Delete(cmd.Context(), queue.DefaultStorageKey); err != nil {
				return fmt.Errorf("clear queue: %w", err)
			}
			logging.Info("Offline queue cleared", map[string]interface{}{"driver": cfg.Storage.Driver})
			return newPrinter(rootOpts, cmd).print(map[string]bool{"cleared": true}, func(w io.Writer) {
				fmt.Fprintln(w, "queue cleared")
			})
		},
	}
}

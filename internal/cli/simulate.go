package cli

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/chatsync/backend/internal/clock"
	"github.com/kimhsiao/chatsync/backend/internal/models"
	"github.com/kimhsiao/chatsync/backend/internal/storage"
	"github.com/kimhsiao/chatsync/backend/internal/sync/coordinator"
	"github.com/kimhsiao/chatsync/backend/internal/sync/remote"
)

// SimulateOptions holds flags for the simulate command.
type SimulateOptions struct {
	Messages int
	Timeout  time.Duration
}

// SimulationReport is the outcome of a scripted offline session.
type SimulationReport struct {
	Queued            int           `json:"queued"`
	Succeeded         int           `json:"succeeded"`
	Failed            int           `json:"failed"`
	ConflictsDetected int           `json:"conflictsDetected"`
	ConflictsResolved int           `json:"conflictsResolved"`
	Chats             int           `json:"chats"`
	Messages          int           `json:"messages"`
	Writes            int           `json:"writes"`
	Elapsed           time.Duration `json:"elapsedNs"`
	Timeline          []string      `json:"timeline"`
}

// NewSimulateCommand creates the simulate command.
func NewSimulateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SimulateOptions{}

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Replay a scripted offline session against an in-memory backend",
		Long: `Go offline, create a chat, send messages into it, rename a chat that
changed on the server and edit the profile, then come back online and wait
for the queue to drain. The persisted queue is not touched.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := runSimulation(cmd.Context(), rootOpts, opts)
			if err != nil {
				return err
			}
			return newPrinter(rootOpts, cmd).print(report, func(w io.Writer) {
				for _, line := range report.Timeline {
					fmt.Fprintln(w, line)
				}
				fmt.Fprintf(w, "\nqueue drained in %s: %d queued, %d synced, %d failed, %d conflicts resolved\n",
					report.Elapsed.Round(time.Millisecond), report.Queued, report.Succeeded, report.Failed, report.ConflictsResolved)
				fmt.Fprintf(w, "backend: %d chats, %d messages, %d writes\n", report.Chats, report.Messages, report.Writes)
			})
		},
	}

	cmd.Flags().IntVar(&opts.Messages, "messages", 2, "messages to send while offline")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 20*time.Second, "how long to wait for the queue to drain")

	return cmd
}

func runSimulation(ctx context.Context, rootOpts *RootOptions, opts *SimulateOptions) (*SimulationReport, error) {
	cfg := *rootOpts.Config
	cfg.Storage.Driver = storage.DriverMemory
	cfg.Network.ProbeURL = ""

	start := time.Now()
	backend := remote.NewMemory()
	serverNewer := clock.UnixMilli(start.Add(time.Hour))
	backend.Seed(models.EntityChat, "chat-shared", models.Record{
		"title":     "Renamed on another device",
		"version":   3,
		"updatedAt": serverNewer,
	})
	backend.Seed(models.EntityUser, "user-1", models.Record{
		"displayName": "Ada",
		"version":     1,
		"updatedAt":   clock.UnixMilli(start.Add(-time.Hour)),
	})

	e, err := newEngine(&cfg, backend)
	if err != nil {
		return nil, err
	}
	defer e.Close()

	report := &SimulationReport{}
	var mu sync.Mutex
	e.coord.Subscribe(func(ev coordinator.Event) {
		if ev.Type == coordinator.EventStatusChanged {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		switch ev.Type {
		case coordinator.EventOperationQueued:
			report.Queued++
		case coordinator.EventOperationSucceeded:
			report.Succeeded++
		case coordinator.EventOperationFailed:
			report.Failed++
		case coordinator.EventConflictDetected:
			report.ConflictsDetected++
		case coordinator.EventConflictResolved:
			report.ConflictsResolved++
		}
		line := fmt.Sprintf("%7s  %-20s", time.Since(start).Round(time.Millisecond), ev.Type)
		if ev.EntityType != "" {
			line += fmt.Sprintf(" %s %s", ev.EntityType, firstNonEmpty(ev.EntityID, ev.TempID))
		}
		if ev.Winner != "" {
			line += " winner=" + ev.Winner
		}
		if ev.Error != "" {
			line += " error=" + ev.Error
		}
		report.Timeline = append(report.Timeline, line)
	})

	if _, err := e.coord.Start(ctx); err != nil {
		return nil, err
	}
	e.monitor.SetOnline(false)

	chat, err := e.coord.CreateChat(ctx, "Offline trip", "default")
	if err != nil {
		return nil, err
	}
	for i := 1; i <= opts.Messages; i++ {
		if _, err := e.coord.SendMessage(ctx, chat.TempID, fmt.Sprintf("message %d", i)); err != nil {
			return nil, err
		}
	}
	if _, err := e.coord.RenameChat(ctx, "chat-shared", "Renamed offline", coordinator.WithBaseVersion(2)); err != nil {
		return nil, err
	}
	name := "Ada L."
	if _, err := e.coord.UpdateProfile(ctx, "user-1", models.UpdateUser{DisplayName: &name}, coordinator.WithBaseVersion(1)); err != nil {
		return nil, err
	}

	e.monitor.SetOnline(true)

	if err := waitDrained(ctx, e.coord, opts.Timeout); err != nil {
		return nil, err
	}

	mu.Lock()
	defer mu.Unlock()
	report.Elapsed = time.Since(start)
	report.Chats = len(backend.List(models.EntityChat))
	report.Messages = len(backend.List(models.EntityMessage))
	report.Writes = backend.Writes()
	return report, nil
}

// waitDrained polls until nothing is queued or optimistic.
func waitDrained(ctx context.Context, coord *coordinator.Coordinator, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if coord.Queue().Len() == 0 && coord.Ledger().Len() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			st := coord.Status()
			return fmt.Errorf("queue not drained after %s: %d pending, %d failed", timeout, st.Queue.Total, st.FailedItems)
		case <-ticker.C:
		}
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

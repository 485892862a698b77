package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fatih/color"
	"github.com/hyperengineering/fieldsync/internal/backup"
	"github.com/hyperengineering/fieldsync/internal/types"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Summarise the local queue and cache",
	Long:  "Show how many mutations are waiting, which are dead-lettered, and how much reference data is cached.",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	addLocalFlags(statusCmd)
}

// statusReport is the --json form of the status command.
type statusReport struct {
	Driver     string                 `json:"driver"`
	Path       string                 `json:"path"`
	Stats      types.StoreStats       `json:"stats"`
	Dead       []types.QueuedMutation `json:"dead"`
	ExportPath string                 `json:"export_path"`
	ExportedAt *time.Time             `json:"exported_at,omitempty"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, db, err := openLocalStore(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	stats, err := db.Stats(ctx)
	if err != nil {
		return fmt.Errorf("read stats: %w", err)
	}
	dead, err := db.ListMutations(ctx, types.StatusDead)
	if err != nil {
		return fmt.Errorf("list dead mutations: %w", err)
	}
	if dead == nil {
		dead = []types.QueuedMutation{}
	}

	report := statusReport{
		Driver:     cfg.Database.Driver,
		Path:       cfg.Database.Path,
		Stats:      *stats,
		Dead:       dead,
		ExportPath: filepath.Join(cfg.Backup.Dir, backup.FileName),
	}
	if info, err := os.Stat(report.ExportPath); err == nil {
		mod := info.ModTime().UTC()
		report.ExportedAt = &mod
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), report)
	}
	printStatus(cmd.OutOrStdout(), report)
	return nil
}

func printStatus(out io.Writer, r statusReport) {
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	yellow := color.New(color.FgYellow)
	cyan := color.New(color.FgCyan)

	fmt.Fprintf(out, "Store: %s (%s)\n", r.Path, r.Driver)

	fmt.Fprintln(out, "\nQueue:")
	switch {
	case r.Stats.Mutations == 0:
		green.Fprintln(out, "  nothing to sync, queue is empty")
	case r.Stats.PendingMutations > 0:
		yellow.Fprintf(out, "  %d waiting to sync\n", r.Stats.PendingMutations)
	}
	if r.Stats.DeadMutations > 0 {
		red.Fprintf(out, "  %d dead-lettered\n", r.Stats.DeadMutations)
		cyan.Fprintln(out, "  (use \"fieldsync queue requeue <id>\" to retry or \"fieldsync queue delete <id>\" to discard)")
		fmt.Fprintln(out)
		for _, m := range r.Dead {
			label := m.Endpoint
			if m.Description != "" {
				label = m.Description
			}
			red.Fprintf(out, "        %s  %s", m.ID, label)
			if m.LastError != "" {
				fmt.Fprintf(out, "  (%s)", truncate(m.LastError, 60))
			}
			fmt.Fprintln(out)
		}
	}

	fmt.Fprintln(out, "\nReference cache:")
	if r.Stats.CacheTotal() == 0 {
		yellow.Fprintln(out, "  empty")
		cyan.Fprintln(out, "  (use \"fieldsync cache preload <expediente-id>\" while online)")
	} else {
		fmt.Fprintf(out, "  %d assignments, %d points\n", r.Stats.Assignments, r.Stats.Points)
	}

	fmt.Fprintln(out, "\nLast export:")
	if r.ExportedAt == nil {
		fmt.Fprintln(out, "  never")
	} else {
		fmt.Fprintf(out, "  %s (%s ago)\n", r.ExportPath, formatAge(time.Since(*r.ExportedAt)))
	}
}

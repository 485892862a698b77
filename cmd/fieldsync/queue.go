package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hyperengineering/fieldsync/internal/backup"
	"github.com/hyperengineering/fieldsync/internal/queue"
	"github.com/hyperengineering/fieldsync/internal/store"
	"github.com/hyperengineering/fieldsync/internal/types"
	"github.com/spf13/cobra"
)

var (
	queueStatuses []string
	queueForce    bool
	exportUpload  bool
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and manage the mutation queue",
	Long: "List, flush, and repair queued mutations in the local store without running the server. " +
		"Stop the agent first when using the bolt driver, which allows only one process at a time.",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued mutations in enqueue order",
	Args:  cobra.NoArgs,
	RunE:  runQueueList,
}

var queueCountCmd = &cobra.Command{
	Use:   "count",
	Short: "Count queued mutations",
	Args:  cobra.NoArgs,
	RunE:  runQueueCount,
}

var queueShowCmd = &cobra.Command{
	Use:   "show <mutation-id>",
	Short: "Show one queued mutation with its form fields",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueShow,
}

var queueDeleteCmd = &cobra.Command{
	Use:   "delete <mutation-id>",
	Short: "Discard a queued mutation without replaying it",
	Long:  "Permanently discard a queued mutation. Requires --force or interactive confirmation.",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueDelete,
}

var queueRequeueCmd = &cobra.Command{
	Use:   "requeue <mutation-id>",
	Short: "Return a dead-lettered mutation to the replay cycle",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueRequeue,
}

var queueFlushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Replay pending mutations against the upstream now",
	Args:  cobra.NoArgs,
	RunE:  runQueueFlush,
}

var queueExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write the queue to the export file",
	Args:  cobra.NoArgs,
	RunE:  runQueueExport,
}

func init() {
	addLocalFlags(queueCmd)

	queueListCmd.Flags().StringSliceVar(&queueStatuses, "status", nil,
		"Filter by status (PENDING, PROCESSING, DEAD); repeatable or comma-separated")
	queueCountCmd.Flags().StringSliceVar(&queueStatuses, "status", nil,
		"Filter by status (PENDING, PROCESSING, DEAD); repeatable or comma-separated")
	queueDeleteCmd.Flags().BoolVar(&queueForce, "force", false,
		"Skip confirmation prompt")
	queueExportCmd.Flags().BoolVar(&exportUpload, "upload", false,
		"Upload the export to the configured bucket")

	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueCountCmd)
	queueCmd.AddCommand(queueShowCmd)
	queueCmd.AddCommand(queueDeleteCmd)
	queueCmd.AddCommand(queueRequeueCmd)
	queueCmd.AddCommand(queueFlushCmd)
	queueCmd.AddCommand(queueExportCmd)
}

// parseStatusFlag normalises --status values.
func parseStatusFlag(values []string) ([]types.MutationStatus, error) {
	var statuses []types.MutationStatus
	for _, v := range values {
		s := types.MutationStatus(strings.ToUpper(strings.TrimSpace(v)))
		if s == "" {
			continue
		}
		if !s.Valid() {
			return nil, fmt.Errorf("unknown status %q", v)
		}
		statuses = append(statuses, s)
	}
	return statuses, nil
}

func runQueueList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	statuses, err := parseStatusFlag(queueStatuses)
	if err != nil {
		return err
	}

	_, db, err := openLocalStore(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	mutations, err := db.ListMutations(ctx, statuses...)
	if err != nil {
		return fmt.Errorf("list mutations: %w", err)
	}

	if jsonOutput {
		if mutations == nil {
			mutations = []types.QueuedMutation{}
		}
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"mutations": mutations,
			"count":     len(mutations),
		})
	}

	if len(mutations) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "Queue is empty.")
		return nil
	}

	now := time.Now()
	w := newTabWriter(cmd.OutOrStdout())
	fmt.Fprintln(w, "ID\tSTATUS\tATTEMPTS\tAGE\tENDPOINT\tDESCRIPTION\tLAST ERROR")
	for _, m := range mutations {
		desc := m.Description
		if desc == "" {
			desc = "-"
		}
		lastErr := m.LastError
		if lastErr == "" {
			lastErr = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
			m.ID,
			m.Status,
			m.Attempts,
			formatAge(now.Sub(m.CreatedAt)),
			m.Endpoint,
			truncate(desc, 40),
			truncate(lastErr, 60),
		)
	}
	w.Flush()

	return nil
}

func runQueueCount(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	statuses, err := parseStatusFlag(queueStatuses)
	if err != nil {
		return err
	}

	_, db, err := openLocalStore(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	n, err := db.CountMutations(ctx, statuses...)
	if err != nil {
		return fmt.Errorf("count mutations: %w", err)
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{"count": n})
	}
	fmt.Fprintln(cmd.OutOrStdout(), n)
	return nil
}

func runQueueShow(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	_, db, err := openLocalStore(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	m, err := db.GetMutation(ctx, args[0])
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("mutation %q not found", args[0])
	}
	if err != nil {
		return fmt.Errorf("get mutation: %w", err)
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), m)
	}

	out := cmd.OutOrStdout()
	w := newTabWriter(out)
	fmt.Fprintf(w, "ID:\t%s\n", m.ID)
	fmt.Fprintf(w, "Status:\t%s\n", m.Status)
	fmt.Fprintf(w, "Endpoint:\t%s\n", m.Endpoint)
	fmt.Fprintf(w, "Created:\t%s\n", m.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	fmt.Fprintf(w, "Schema version:\t%d\n", m.SchemaVersion)
	fmt.Fprintf(w, "Attempts:\t%d\n", m.Attempts)
	if m.Description != "" {
		fmt.Fprintf(w, "Description:\t%s\n", m.Description)
	}
	if m.LastAttemptAt != nil {
		fmt.Fprintf(w, "Last attempt:\t%s\n", m.LastAttemptAt.Local().Format("2006-01-02 15:04:05"))
	}
	if m.LastStatusCode != 0 {
		fmt.Fprintf(w, "Last status:\t%d\n", m.LastStatusCode)
	}
	if m.LastError != "" {
		fmt.Fprintf(w, "Last error:\t%s\n", m.LastError)
	}
	w.Flush()

	fmt.Fprintln(out, "\nFields:")
	fw := newTabWriter(out)
	for _, f := range m.Fields {
		fmt.Fprintf(fw, "  %s\t%s\n", f.Name, f.Value)
	}
	fw.Flush()
	return nil
}

func runQueueDelete(cmd *cobra.Command, args []string) error {
	id := args[0]
	ctx := context.Background()

	_, db, err := openLocalStore(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	if !queueForce {
		warning := fmt.Sprintf("This will permanently discard mutation %q. It will never reach the upstream.", id)
		if !confirm(cmd, warning, id) {
			return nil
		}
	}

	qm := queue.NewManager(db, nil, queue.DefaultConfig())
	defer qm.Close()
	if err := qm.Delete(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("mutation %q not found", id)
		}
		return err
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"id":      id,
			"deleted": true,
		})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted mutation %q\n", id)
	return nil
}

func runQueueRequeue(cmd *cobra.Command, args []string) error {
	id := args[0]
	ctx := context.Background()

	_, db, err := openLocalStore(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	qm := queue.NewManager(db, nil, queue.DefaultConfig())
	defer qm.Close()
	if err := qm.Requeue(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("no dead-lettered mutation %q", id)
		}
		return err
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"id":     id,
			"status": types.StatusPending,
		})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Requeued mutation %q\n", id)
	return nil
}

func runQueueFlush(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, db, err := openLocalStore(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	if cfg.Upstream.BaseURL == "" {
		return errors.New("upstream.base_url (FIELDSYNC_UPSTREAM_URL) is required to flush")
	}

	poster := queue.NewHTTPPoster(cfg.Upstream.BaseURL, cfg.Upstream.Token,
		time.Duration(cfg.Upstream.RequestTimeout))
	qm := queue.NewManager(db, poster, queueConfig(cfg))
	defer qm.Close()

	result, err := qm.Flush(ctx)
	if err != nil {
		return fmt.Errorf("flush: %w", err)
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), result)
	}

	w := newTabWriter(cmd.OutOrStdout())
	fmt.Fprintf(w, "Attempted:\t%d\n", result.Attempted)
	fmt.Fprintf(w, "Succeeded:\t%d\n", result.Succeeded)
	fmt.Fprintf(w, "Retrying:\t%d\n", result.Retrying)
	fmt.Fprintf(w, "Dead-lettered:\t%d\n", result.DeadLettered)
	fmt.Fprintf(w, "Skipped:\t%d\n", result.Skipped)
	fmt.Fprintf(w, "Duration:\t%s\n", result.Duration.Round(time.Millisecond))
	w.Flush()
	return nil
}

func runQueueExport(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, db, err := openLocalStore(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	var bucket backup.Bucket
	if exportUpload {
		if cfg.Backup.Storage.Bucket == "" {
			return errors.New("backup.storage.bucket (FIELDSYNC_BACKUP_BUCKET) is required to upload")
		}
		bucket, err = backup.OpenBucket(cfg.Backup.Storage)
		if err != nil {
			return err
		}
	}
	exporter := backup.NewExporter(db, bucket, time.Duration(cfg.Backup.Storage.URLExpiry), cfg.Backup.Dir, cfg.Backup.DeviceID)

	export, err := exporter.Write(ctx)
	if err != nil {
		return fmt.Errorf("export queue: %w", err)
	}
	if exportUpload {
		if err := exporter.Upload(ctx); err != nil {
			return fmt.Errorf("upload export: %w", err)
		}
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"path":        exporter.Path(),
			"device_id":   export.DeviceID,
			"exported_at": export.ExportedAt,
			"mutations":   len(export.Mutations),
			"uploaded":    exportUpload,
		})
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Exported %d mutations to %s\n", len(export.Mutations), exporter.Path())
	if exportUpload {
		fmt.Fprintf(cmd.OutOrStdout(), "Uploaded export for device %q\n", export.DeviceID)
	}
	return nil
}

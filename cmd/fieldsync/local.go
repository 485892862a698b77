package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/hyperengineering/fieldsync/internal/config"
	"github.com/hyperengineering/fieldsync/internal/store"
	"github.com/spf13/cobra"
)

// Flags shared by the commands that work on the local store directly.
var (
	localDBPath  string
	localDriver  string
	jsonOutput   bool
	logVerbosity string
)

// addLocalFlags registers the local store flags on a command group.
func addLocalFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&localDBPath, "db", "",
		"Database path (overrides config and FIELDSYNC_DB_PATH)")
	cmd.PersistentFlags().StringVar(&localDriver, "driver", "",
		"Database driver: sqlite or bolt (overrides config and FIELDSYNC_DB_DRIVER)")
	cmd.PersistentFlags().BoolVar(&jsonOutput, "json", false,
		"Output in JSON format")
	cmd.PersistentFlags().StringVar(&logVerbosity, "log-level", "warn",
		"Log level for command output on stderr")
}

// resetLocalFlags restores the shared flag variables to their defaults.
func resetLocalFlags() {
	localDBPath = ""
	localDriver = ""
	jsonOutput = false
	logVerbosity = "warn"
}

// loadLocalConfig loads configuration without requiring secrets and applies
// the --db and --driver overrides.
func loadLocalConfig() (*config.Config, error) {
	cfg, err := config.LoadLocal()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if localDBPath != "" {
		cfg.Database.Path = localDBPath
	}
	if localDriver != "" {
		cfg.Database.Driver = localDriver
	}
	return cfg, nil
}

// openLocalStore opens the configured local store. Component logs go to the
// command's stderr so they never mix with table or JSON output.
func openLocalStore(cmd *cobra.Command) (*config.Config, store.Store, error) {
	cfg, err := loadLocalConfig()
	if err != nil {
		return nil, nil, err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{
		Level: parseLogLevel(logVerbosity),
	})))

	db, err := store.Open(cfg.Database.Driver, cfg.Database.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	return cfg, db, nil
}

// confirm prints warning and asks the user to type word. It reports whether
// the input matched.
func confirm(cmd *cobra.Command, warning, word string) bool {
	errOut := cmd.ErrOrStderr()
	fmt.Fprintf(errOut, "WARNING: %s\n", warning)
	fmt.Fprintf(errOut, "Type %q to confirm: ", word)

	input, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && input == "" {
		fmt.Fprintln(errOut, "Aborted. No confirmation received.")
		return false
	}
	if strings.TrimSpace(input) != word {
		fmt.Fprintln(errOut, "Aborted. Input did not match.")
		return false
	}
	return true
}

// printJSON marshals v to JSON and writes to the given writer.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// newTabWriter returns a configured tabwriter for aligned columns.
func newTabWriter(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

// formatAge returns a short human-readable age such as "3m" or "2d".
func formatAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

// truncate shortens s to at most n runes, marking the cut with "...".
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}

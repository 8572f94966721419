package main

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Chichichkin/LogIngestionAgent/internal/config"
	"github.com/Chichichkin/LogIngestionAgent/internal/logging/store"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queued logs per group",
	Long: `Show the logs waiting in the local store, per group.

In flight counts logs that belong to a batch not yet acknowledged, held counts
crash reports waiting for confirmation.`,
	RunE: showStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func showStatus(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	st, err := openStore(cfg, logger, nil, false)
	if err != nil {
		return err
	}
	defer st.Close()

	stats, err := st.Groups(cmd.Context())
	if err != nil {
		return err
	}
	return printStatus(cmd.OutOrStdout(), cfg, st, stats)
}

func printStatus(out io.Writer, cfg *config.Config, st *store.Store, stats map[string]store.GroupStats) error {
	names := make([]string, 0, len(cfg.Groups)+len(stats))
	seen := make(map[string]bool)
	for name := range cfg.Groups {
		names = append(names, name)
		seen[name] = true
	}
	for name := range stats {
		if !seen[name] {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "GROUP\tQUEUED\tIN FLIGHT\tHELD\tCAPACITY")
	for _, name := range names {
		s := stats[name]
		capacity := "unbounded"
		if c := st.Capacity(name); c > 0 {
			capacity = fmt.Sprint(c)
		}
		if _, ok := cfg.Groups[name]; !ok {
			name += " (unconfigured)"
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%s\n", name, s.Total, s.InFlight, s.Held, capacity)
	}
	return w.Flush()
}

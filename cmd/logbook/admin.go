package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Delete entries past the retention interval or size limit now",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer store.Close()

		res, err := store.Sweep(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "expired %d, evicted %d in %s\n",
			res.Expired, res.Evicted, res.Duration.Round(time.Millisecond))
		return nil
	},
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List recorded sessions, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer store.Close()

		sessions, err := store.Sessions(cmd.Context())
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SESSION\tSTARTED")
		for _, s := range sessions {
			fmt.Fprintf(w, "%s\t%s\n", s.ID, s.StartedAt.Local().Format(time.RFC3339))
		}
		return w.Flush()
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print store statistics as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer store.Close()

		stats, err := store.Stats(cmd.Context())
		if err != nil {
			return err
		}
		report := store.MigrationReport()
		out := struct {
			Stats     any    `json:"stats"`
			Schema    int    `json:"schema"`
			Migration string `json:"migration"`
			Session   string `json:"session"`
		}{stats, report.To, report.Decision().String(), store.Session()}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	},
}

var clearYes bool

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every stored entry",
	Long:  `Deletes every entry. The session ledger is kept. Requires --yes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !clearYes {
			return errors.New("refusing to clear without --yes")
		}
		store, err := openStore(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer store.Close()

		n, err := store.Clear(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %d entries\n", n)
		return nil
	},
}

func init() {
	clearCmd.Flags().BoolVar(&clearYes, "yes", false, "Confirm deletion")
}

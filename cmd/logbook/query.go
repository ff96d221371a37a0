package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mchurichi/logbook/pkg/query"
	"github.com/mchurichi/logbook/pkg/session"
	"github.com/mchurichi/logbook/pkg/storage"
)

// criteriaFlags are the filter flags shared by query and watch.
type criteriaFlags struct {
	search      string
	levels      []string
	labels      []string
	hosts       []string
	kinds       []string
	status      string
	onlyErrors  bool
	from        string
	before      string
	limit       int
	allSessions bool
}

func (f *criteriaFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVarP(&f.search, "search", "q", "", `Search term, e.g. 'level:error AND "timeout"'`)
	fs.StringSliceVar(&f.levels, "level", nil, "Only these levels")
	fs.StringSliceVar(&f.labels, "label", nil, "Only these labels")
	fs.StringSliceVar(&f.hosts, "host", nil, "Only these hosts; * matches any run of characters")
	fs.StringSliceVar(&f.kinds, "kind", nil, "log | network")
	fs.StringVar(&f.status, "status", "any", "any | success | failure | redirect | in-flight")
	fs.BoolVar(&f.onlyErrors, "only-errors", false, "Only failed requests and error logs")
	fs.StringVar(&f.from, "from", "", "Start time: RFC3339 or a duration before now, e.g. 15m")
	fs.StringVar(&f.before, "before", "", "End time (exclusive): RFC3339 or a duration before now")
	fs.IntVar(&f.limit, "limit", 0, "Max entries, 0 for the page size, -1 for all")
	fs.BoolVar(&f.allSessions, "all-sessions", false, "Include every recorded session")
}

func (f *criteriaFlags) criteria(now time.Time) (query.Criteria, error) {
	c := query.Criteria{
		SearchTerm:   f.search,
		Labels:       f.labels,
		Hosts:        f.hosts,
		IsOnlyErrors: f.onlyErrors,
		Limit:        f.limit,
	}
	for _, name := range f.levels {
		l, err := storage.ParseLevel(name)
		if err != nil {
			return c, err
		}
		c.Levels = append(c.Levels, l)
	}
	for _, name := range f.kinds {
		var k storage.Kind
		if err := k.UnmarshalText([]byte(strings.ToLower(name))); err != nil {
			return c, err
		}
		c.Kinds = append(c.Kinds, k)
	}
	status, err := storage.ParseStatusFilter(f.status)
	if err != nil {
		return c, err
	}
	c.Status = status

	if c.From, err = parseTime(f.from, now); err != nil {
		return c, err
	}
	if c.Before, err = parseTime(f.before, now); err != nil {
		return c, err
	}
	return c, nil
}

// parseTime accepts RFC3339 or a duration counted back from now.
func parseTime(s string, now time.Time) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: use RFC3339 or a duration", s)
	}
	return now.Add(-d), nil
}

func (f *criteriaFlags) scope() *session.Scope {
	if !f.allSessions {
		return nil
	}
	s := session.AllSessions
	return &s
}

func writeEntries(w io.Writer, entries []*storage.Entry) error {
	enc := json.NewEncoder(w)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return err
		}
	}
	return nil
}

var queryFlags criteriaFlags

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Print stored entries matching a filter, newest first",
	Long: `Prints matching entries as JSON lines. Every recorded session is
searched unless [session] scope in the config file is set to "current".
--all-sessions overrides that setting.

Examples:
  logbook query --only-errors --from 1h
  logbook query -q 'host:*.example.com AND status:[500 TO 599]' --all-sessions`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := queryFlags.criteria(time.Now())
		if err != nil {
			return err
		}
		store, err := openStore(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer store.Close()
		if s := queryFlags.scope(); s != nil {
			store.SetScope(*s)
		}

		entries, err := store.Execute(cmd.Context(), c)
		if err != nil {
			return err
		}
		return writeEntries(cmd.OutOrStdout(), entries)
	},
}

var watchFlags criteriaFlags

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Ingest stdin and print matching entries as they arrive",
	Long: `Stores lines read from stdin like ingest, and keeps a live query over the
current session open. New or updated entries that match the filter are
printed as JSON lines.

Example:
  ./server 2>&1 | logbook watch --only-errors`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := watchFlags.criteria(time.Now())
		if err != nil {
			return err
		}
		store, err := openStore(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer store.Close()
		if s := watchFlags.scope(); s != nil {
			store.SetScope(*s)
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		lq := store.Subscribe(c)
		defer store.Unsubscribe(lq)

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			_, err := runIngest(gctx, store, cmd.InOrStdin(), formatFlag())
			return err
		})
		g.Go(func() error {
			return printLive(gctx, lq, cmd.OutOrStdout())
		})
		return g.Wait()
	},
}

// printLive prints entries from successive snapshots that were not printed
// before, or that changed since. It returns when ctx is done.
func printLive(ctx context.Context, lq *query.LiveQuery, w io.Writer) error {
	printed := make(map[string]bool)
	for {
		snap, err := lq.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if snap.Err != nil {
			logger.Warn("live query failed", zap.Error(snap.Err))
			continue
		}

		var fresh []*storage.Entry
		// Snapshots are newest first; print in arrival order.
		for i := len(snap.Entries) - 1; i >= 0; i-- {
			e := snap.Entries[i]
			completed := e.Network != nil && e.Network.IsCompleted
			if done, seen := printed[e.ID]; seen && done == completed {
				continue
			}
			printed[e.ID] = completed
			fresh = append(fresh, e)
		}
		if err := writeEntries(w, fresh); err != nil {
			return err
		}
	}
}

var distinctCmd = &cobra.Command{
	Use:       "distinct <field>",
	Short:     "List the distinct values of an indexed field",
	Long:      `Lists every value the field takes across all stored entries. Fields: level, label, host, method, session, kind.`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"level", "label", "host", "method", "session", "kind"},
	RunE: func(cmd *cobra.Command, args []string) error {
		field, err := storage.ParseField(args[0])
		if err != nil {
			return err
		}
		store, err := openStore(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer store.Close()

		res := <-store.FetchDistinct(cmd.Context(), field)
		if res.Err != nil {
			return res.Err
		}
		for _, v := range res.Values {
			fmt.Fprintln(cmd.OutOrStdout(), v)
		}
		return nil
	},
}

func init() {
	queryFlags.register(queryCmd)
	watchFlags.register(watchCmd)
}

package main

import (
	"bufio"
	"context"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mchurichi/logbook/pkg/logstore"
	"github.com/mchurichi/logbook/pkg/parser"
)

var ingestFormat string

var ingestCmd = &cobra.Command{
	Use:   "ingest [file...]",
	Short: "Store log lines read from stdin or files",
	Long: `Reads one entry per line and stores it under a new session. Lines are
JSON objects or logfmt; anything else is stored as an info message. Lines
carrying a url field become network requests.

Example:
  kubectl logs my-pod -f | logbook ingest`,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer store.Close()

		var inputs []io.Reader
		if len(args) == 0 {
			inputs = append(inputs, cmd.InOrStdin())
		}
		for _, name := range args {
			f, err := os.Open(name)
			if err != nil {
				return err
			}
			defer f.Close()
			inputs = append(inputs, f)
		}

		_, err = runIngest(cmd.Context(), store, io.MultiReader(inputs...), formatFlag())
		return err
	},
}

func init() {
	ingestCmd.Flags().StringVar(&ingestFormat, "format", "", "auto | json | logfmt (overrides config)")
	watchCmd.Flags().StringVar(&ingestFormat, "format", "", "auto | json | logfmt (overrides config)")
}

func formatFlag() string {
	if ingestFormat != "" {
		return ingestFormat
	}
	return cfg.Parsing.Format
}

// runIngest stores every line of r while the retention sweeper runs. It
// returns once r is exhausted or ctx is done.
func runIngest(ctx context.Context, store *logstore.Store, r io.Reader, format string) (int, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := readLines(ctx, r)
	count := 0

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return store.Run(gctx)
	})
	g.Go(func() error {
		defer cancel()

		detector := parser.NewDetector()
		for {
			var line string
			var ok bool
			select {
			case <-gctx.Done():
				return nil
			case line, ok = <-lines:
			}
			if !ok {
				return nil
			}
			if line == "" {
				continue
			}

			// Parse log entry
			entry, err := detector.ParseWithFormat(line, format)
			if err != nil {
				logger.Warn("failed to parse line", zap.Error(err))
				continue
			}
			if store.Append(gctx, entry) == "" {
				continue
			}

			count++
			if count%1000 == 0 {
				logger.Info("ingesting", zap.Int("entries", count))
			}
		}
	})
	if err := g.Wait(); err != nil {
		return count, err
	}

	logger.Info("ingest complete",
		zap.Int("entries", count),
		zap.Int64("dropped", store.Dropped()),
		zap.String("session", store.Session()))
	return count, nil
}

// readLines streams lines from r until end of input or until ctx is done.
// Read errors are logged.
func readLines(ctx context.Context, r io.Reader) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case out <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			logger.Warn("error reading input", zap.Error(err))
		}
	}()
	return out
}

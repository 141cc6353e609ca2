package main

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"

	"github.com/dratasich/flightrelay/events"
	"github.com/dratasich/flightrelay/sink"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// newTailCmd creates the "flightrelay tail" subcommand, which prints the
// last records of the telemetry sink.
func newTailCmd(a *app) *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Print the most recent telemetry records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if n <= 0 {
				return fmt.Errorf("-n must be positive, got %d", n)
			}
			mode, err := sink.ParseMode(a.cfg.Telemetry.Mode)
			if err != nil {
				return err
			}
			return tail(cmd, mode, a.cfg.Telemetry.SinkPath, n)
		},
	}
	cmd.Flags().IntVarP(&n, "lines", "n", 10, "number of records to print")
	return cmd
}

func tail(cmd *cobra.Command, mode sink.Mode, path string, n int) error {
	out := cmd.OutOrStdout()
	switch mode {
	case sink.ModeSQLite:
		db, err := sink.OpenSQLite(path)
		if err != nil {
			return err
		}
		defer db.Close()
		records, err := db.Recent(cmd.Context(), n)
		if err != nil {
			return err
		}
		return printRecords(out, records)
	case sink.ModeCSV:
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		header, rows, err := sink.ReadCSV(f)
		if err != nil {
			return err
		}
		if header == nil {
			return nil
		}
		if len(rows) > n {
			rows = rows[len(rows)-n:]
		}
		w := csv.NewWriter(out)
		if err := w.Write(header); err != nil {
			return err
		}
		if err := w.WriteAll(rows); err != nil {
			return err
		}
		return nil
	default:
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		records, bad, err := sink.ReadStream(f)
		if err != nil {
			return err
		}
		for _, e := range bad {
			log.Warn().Msgf("Skipping unreadable record: %s", e)
		}
		if len(records) > n {
			records = records[len(records)-n:]
		}
		return printRecords(out, records)
	}
}

func printRecords(out io.Writer, records []events.TelemetryRecord) error {
	for _, rec := range records {
		if _, err := fmt.Fprintln(out, rec.String()); err != nil {
			return err
		}
	}
	return nil
}

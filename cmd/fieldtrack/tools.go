package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/spf13/cobra"

	"nuha.dev/fieldtrack/internal/position/simfeed"
	"nuha.dev/fieldtrack/internal/report"
	"nuha.dev/fieldtrack/internal/store/impl/pgstore"
	"nuha.dev/fieldtrack/internal/telemetry"
	"nuha.dev/fieldtrack/internal/util"
)

func newDistanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "distance LAT1 LON1 LAT2 LON2",
		Short: "Print the great-circle distance between two points in km",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			var v [4]float64
			for i, a := range args {
				f, err := strconv.ParseFloat(a, 64)
				if err != nil {
					return fmt.Errorf("argument %d: %w", i+1, err)
				}
				v[i] = f
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "%.2f km\n", telemetry.DistanceKm(v[0], v[1], v[2], v[3]))
			return err
		},
	}
}

func newExportCmd(opts *rootOptions) *cobra.Command {
	var format, out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Locate the configured subjects with the simulator once and write an export",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := opts.load()
			if err != nil {
				return err
			}
			if format != "csv" && format != "xlsx" {
				return fmt.Errorf("unknown format %q", format)
			}
			sim := simfeed.New(&simfeed.Config{
				Seed:         c.Sim.Seed,
				OriginLat:    c.Sim.OriginLat,
				OriginLon:    c.Sim.OriginLon,
				SpreadMeters: c.Sim.SpreadMeters,
			})
			tr := telemetry.NewTracker(nil, sim, nil, &telemetry.Config{HighAccuracy: c.Tracker.HighAccuracy})
			for _, s := range c.StartSubjects() {
				if _, err := tr.GetCurrentLocation(cmd.Context(), s.Id, s.Name); err != nil {
					return err
				}
			}

			var w io.Writer = cmd.OutOrStdout()
			if out != "-" {
				if out == "" {
					out = report.ExportFilename(format, time.Now())
				}
				f, err := os.Create(out)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			if format == "xlsx" {
				return report.WriteWorkbook(w, tr.GetAllLocations())
			}
			_, err = io.WriteString(w, tr.ExportCsv()+"\n")
			return err
		},
	}
	cmd.Flags().StringVar(&format, "format", "csv", "csv or xlsx")
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file, - for stdout (default field_telemetry_<date>.<format>)")
	return cmd
}

func newHashKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hashkey [KEY]",
		Short: "Print the bcrypt hash of an API key for http.api_key_hash",
		Long:  "Print the bcrypt hash of KEY. Without KEY a random key is generated and printed on the line before its hash.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			var key string
			if len(args) == 1 {
				key = args[0]
			} else {
				key = util.GenRandomString(24)
				if _, err := fmt.Fprintln(out, key); err != nil {
					return err
				}
			}
			_, err := fmt.Fprintln(out, util.CryptPwd(key))
			return err
		},
	}
}

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the history and event tables in postgres.url",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := opts.load()
			if err != nil {
				return err
			}
			if c.Postgres.Url == "" {
				return fmt.Errorf("postgres.url is not set")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			pool, err := pgxpool.Connect(ctx, c.Postgres.Url)
			if err != nil {
				return err
			}
			defer pool.Close()
			if err := pgstore.Migrate(ctx, pool); err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), "migrated")
			return err
		},
	}
}

package main

import (
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/malbeclabs/sofia/migrations"
	"github.com/malbeclabs/sofia/pkg/country/seed"
	"github.com/malbeclabs/sofia/pkg/coverage"
	"github.com/malbeclabs/sofia/pkg/health"
	"github.com/malbeclabs/sofia/pkg/mapper"
	"github.com/malbeclabs/sofia/pkg/org"
	"github.com/malbeclabs/sofia/pkg/pg"
	"github.com/malbeclabs/sofia/pkg/pipeline"
	"github.com/malbeclabs/sofia/pkg/runs"
	"github.com/malbeclabs/sofia/pkg/views"
)

func newTable(w io.Writer, header []string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_CENTER)
	table.SetAutoFormatHeaders(false)
	table.SetBorder(true)
	table.SetHeader(header)
	return table
}

func printRuns(w io.Writer, rs []runs.Run) {
	table := newTable(w, []string{"ID", "Collector", "Status", "Inserted", "Failed", "Code", "Started"})
	for _, r := range rs {
		table.Append([]string{
			strconv.FormatInt(r.ID, 10),
			r.CollectorName,
			string(r.Status),
			strconv.FormatInt(r.RowsInserted, 10),
			strconv.FormatInt(r.RowsFailed, 10),
			r.ErrorCode,
			r.StartedAt.Format(time.RFC3339),
		})
	}
	table.Render()
}

func printCoverage(w io.Writer, report coverage.Report) {
	table := newTable(w, []string{"Country", "Scope", "Score", "Low"})
	for _, c := range report.Countries {
		low := ""
		if c.Low {
			low = "yes"
		}
		table.Append([]string{c.CountryCode, c.Scope, fmt.Sprintf("%.0f", c.Score), low})
	}
	table.Render()
}

func printMapped(w io.Writer, reports []mapper.Report) {
	table := newTable(w, []string{"Target", "Source", "Rows", "Mapped", "Top Unmapped"})
	for _, r := range reports {
		top := ""
		for i, u := range r.Unmapped {
			if i == 3 {
				break
			}
			if i > 0 {
				top += ", "
			}
			top += fmt.Sprintf("%s (%d)", u.Text, u.Count)
		}
		table.Append([]string{r.Target, strconv.Itoa(r.Source), strconv.FormatInt(r.Rows, 10), strconv.FormatInt(r.Mapped, 10), top})
	}
	table.Render()
}

func printViews(w io.Writer, res views.Result) {
	switch {
	case res.Coalesced:
		fmt.Fprintln(w, "refresh coalesced into the running pass")
		return
	case res.Skipped:
		fmt.Fprintln(w, "refresh skipped: another process holds the lock")
		return
	}
	table := newTable(w, []string{"View", "Mode", "Duration"})
	for _, r := range res.Refreshed {
		table.Append([]string{r.View, string(r.Mode), r.Duration.Round(time.Millisecond).String()})
	}
	table.Render()
}

func failedRunsError(failed []runs.Run) error {
	if len(failed) == 0 {
		return nil
	}
	return fmt.Errorf("%d runs did not finish ok", len(failed))
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply schema migrations, validate the core tables and seed countries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := pg.RunMigrations(cmd.Context(), a.log, a.db, migrations.FS); err != nil {
				return err
			}
			if err := health.ValidateSchema(cmd.Context(), a.db, health.CoreTables); err != nil {
				return err
			}
			n, err := seed.Apply(cmd.Context(), a.db)
			if err != nil {
				return err
			}
			a.log.Info("migrate: countries seeded", "rows", n)
			return nil
		},
	}
}

func newCollectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "collect",
		Short: "Run every enabled adapter and the downstream pipeline",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCollect(cmd, nil)
		},
	}
	cmd.PersistentFlags().Int("parallel", 1, "number of adapters to run concurrently")
	cmd.PersistentFlags().Bool("stage-only", false, "only land rows in staging")

	for _, name := range pipeline.DefaultRegistry().Names() {
		cmd.AddCommand(&cobra.Command{
			Use:   name,
			Short: fmt.Sprintf("Run the %s adapter and the downstream pipeline", name),
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runCollect(cmd, []string{name})
			},
		})
	}
	return cmd
}

func runCollect(cmd *cobra.Command, names []string) error {
	parallel, err := cmd.Flags().GetInt("parallel")
	if err != nil {
		return fmt.Errorf("failed to get parallel flag: %w", err)
	}
	stageOnly, err := cmd.Flags().GetBool("stage-only")
	if err != nil {
		return fmt.Errorf("failed to get stage-only flag: %w", err)
	}

	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	p, err := a.pipeline(cmd.Context(), parallel)
	if err != nil {
		return err
	}

	if stageOnly {
		if err := p.Sweep(cmd.Context()); err != nil {
			return err
		}
		collected, err := p.Collect(cmd.Context(), names)
		if err != nil {
			return err
		}
		printRuns(os.Stdout, collected)
		report := pipeline.Report{Collected: collected}
		return failedRunsError(report.Failed())
	}

	report, err := p.Run(cmd.Context(), names)
	if report != nil {
		printRuns(os.Stdout, slices.Concat(report.Collected, report.Normalized))
		printCoverage(os.Stdout, report.Coverage)
		printMapped(os.Stdout, report.Mapped)
		printViews(os.Stdout, report.Views)
	}
	if err != nil {
		return err
	}
	return failedRunsError(report.Failed())
}

func newNormalizeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "normalize",
		Short: "Load staging rows into security_observations and rescore coverage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sources, err := cmd.Flags().GetStringSlice("source")
			if err != nil {
				return fmt.Errorf("failed to get source flag: %w", err)
			}

			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			p, err := a.pipeline(cmd.Context(), 1)
			if err != nil {
				return err
			}
			names, err := p.Names(sources)
			if err != nil {
				return err
			}
			normalized, _, err := p.Normalize(cmd.Context(), names)
			printRuns(os.Stdout, normalized)
			if err != nil {
				return err
			}

			scorer, err := a.scorer()
			if err != nil {
				return err
			}
			cov, err := scorer.Run(cmd.Context())
			if err != nil {
				return err
			}
			printCoverage(os.Stdout, cov)
			report := pipeline.Report{Normalized: normalized}
			return failedRunsError(report.Failed())
		},
	}
	cmd.Flags().StringSlice("source", nil, "sources to normalize (default: every enabled source)")
	return cmd
}

func newRefreshViewsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "refresh-views",
		Short: "Refresh the materialized views in dependency order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			window, err := cmd.Flags().GetInt("geo-window-days")
			if err != nil {
				return fmt.Errorf("failed to get geo-window-days flag: %w", err)
			}

			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			if window > 0 {
				if err := views.SetGeoPointsWindow(cmd.Context(), a.db, window); err != nil {
					return err
				}
			}
			r, err := a.refresher()
			if err != nil {
				return err
			}
			res, err := r.Request(cmd.Context())
			if err != nil {
				return err
			}
			printViews(os.Stdout, res)
			return nil
		},
	}
	cmd.Flags().Int("geo-window-days", 0, "set the security geo points window before refreshing")
	return cmd
}

func newMapSignalsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "map-signals",
		Short: "Rebuild the country maps for industry signals and cyber events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := cmd.Flags().GetString("target")
			if err != nil {
				return fmt.Errorf("failed to get target flag: %w", err)
			}
			sourceID, err := cmd.Flags().GetInt("source-id")
			if err != nil {
				return fmt.Errorf("failed to get source-id flag: %w", err)
			}

			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			store, resolver, err := a.countries()
			if err != nil {
				return err
			}
			m, err := a.mapper(store, resolver)
			if err != nil {
				return err
			}

			if target == "" {
				reports, err := m.RebuildAll(cmd.Context())
				if err != nil {
					return err
				}
				printMapped(os.Stdout, reports)
				return nil
			}

			var t *mapper.Target
			for _, candidate := range mapper.Targets() {
				if candidate.Name == target {
					t = &candidate
				}
			}
			if t == nil {
				return fmt.Errorf("unknown target %q", target)
			}
			if sourceID == 0 {
				return fmt.Errorf("--source-id is required with --target")
			}
			report, err := m.Rebuild(cmd.Context(), *t, sourceID)
			if err != nil {
				return err
			}
			printMapped(os.Stdout, []mapper.Report{report})
			return nil
		},
	}
	cmd.Flags().String("target", "", "rebuild one target (industry_signals, cybersecurity_events)")
	cmd.Flags().Int("source-id", 0, "source id to rebuild, with --target")
	return cmd
}

func newLinkOrgsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "link-orgs",
		Short: "Resolve free-text organization names to organizations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			r, err := a.orgs()
			if err != nil {
				return err
			}
			table := newTable(os.Stdout, []string{"Table", "Column", "Linked"})
			for _, t := range org.LinkTargets {
				n, err := r.Link(cmd.Context(), t)
				if err != nil {
					return err
				}
				table.Append([]string{t.Table, t.NameColumn, strconv.FormatInt(n, 10)})
			}
			table.Render()
			return nil
		},
	}
}

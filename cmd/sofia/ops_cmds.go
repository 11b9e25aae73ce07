package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/malbeclabs/sofia/pkg/api"
	"github.com/malbeclabs/sofia/pkg/chexport"
	"github.com/malbeclabs/sofia/pkg/health"
	"github.com/malbeclabs/sofia/pkg/metrics"
	"github.com/malbeclabs/sofia/pkg/outbox"
	"github.com/malbeclabs/sofia/pkg/views"
)

func viewNames() []string {
	var names []string
	for _, v := range views.DefaultViews() {
		names = append(names, v.Name)
	}
	return names
}

func newAuditWeeksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "audit-weeks",
		Short: "Report weekly date columns holding values that are not Monday-aligned",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := health.AuditWeeks(cmd.Context(), a.db, health.AuditSchemas)
			if err != nil {
				return err
			}
			report.Render(os.Stdout)
			if code := report.ExitCode(); code != health.ExitOK {
				return &exitError{code: code, msg: fmt.Sprintf("%d week columns are misaligned", len(report.Misaligned))}
			}
			return nil
		},
	}
}

func newCoverageReportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "coverage-report",
		Short: "Print row counts, confidence buckets and freshness per view",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := health.CoverageReport(cmd.Context(), a.db, viewNames())
			if err != nil {
				return err
			}
			health.RenderCoverage(os.Stdout, report)
			return nil
		},
	}
}

func newSweepRunsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep-runs",
		Short: "Mark collector runs left running past the adapter timeout as timed out",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			store, err := a.runStore()
			if err != nil {
				return err
			}
			n, err := health.SweepStaleRuns(cmd.Context(), store, a.clock, a.cfg.AdapterTimeout)
			if err != nil {
				return err
			}
			fmt.Printf("swept %d stale runs\n", n)
			return nil
		},
	}
}

func newRunsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent collector runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			collector, err := cmd.Flags().GetString("collector")
			if err != nil {
				return fmt.Errorf("failed to get collector flag: %w", err)
			}
			limit, err := cmd.Flags().GetInt("limit")
			if err != nil {
				return fmt.Errorf("failed to get limit flag: %w", err)
			}

			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			store, err := a.runStore()
			if err != nil {
				return err
			}
			recent, err := store.Recent(cmd.Context(), collector, limit)
			if err != nil {
				return err
			}
			printRuns(os.Stdout, recent)
			return nil
		},
	}
	cmd.Flags().String("collector", "", "filter by collector name")
	cmd.Flags().Int("limit", 20, "maximum number of runs")
	return cmd
}

func newRelayNotificationsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relay-notifications",
		Short: "Publish pending outbox notifications to Kafka",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			authIAM, err := cmd.Flags().GetBool("kafka-auth-iam")
			if err != nil {
				return fmt.Errorf("failed to get kafka-auth-iam flag: %w", err)
			}

			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			if len(a.cfg.Kafka.Brokers) == 0 {
				return fmt.Errorf("KAFKA_BROKERS is required")
			}
			producer, err := outbox.NewKafkaProducer(cmd.Context(), outbox.KafkaConfig{
				Brokers: a.cfg.Kafka.Brokers,
				Topic:   a.cfg.Kafka.Topic,
				AuthIAM: authIAM,
			})
			if err != nil {
				return err
			}
			defer producer.Close()

			if err := producer.EnsureTopic(cmd.Context()); err != nil {
				return err
			}
			relay, err := outbox.NewRelay(outbox.RelayConfig{
				Logger:    a.log,
				DB:        a.db,
				Producer:  producer,
				Topic:     a.cfg.Kafka.Topic,
				BatchSize: a.cfg.BatchSize,
			})
			if err != nil {
				return err
			}
			stats, err := relay.RelayAll(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("published %d notifications, %d failed\n", stats.Published, stats.Failed)
			if stats.Failed > 0 {
				return fmt.Errorf("%d notifications failed to publish", stats.Failed)
			}
			return nil
		},
	}
	cmd.Flags().Bool("kafka-auth-iam", false, "authenticate to Kafka with AWS IAM")
	return cmd
}

func newExportClickHouseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export-clickhouse",
		Short: "Copy recent security observations into ClickHouse",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			since, err := cmd.Flags().GetDuration("since")
			if err != nil {
				return fmt.Errorf("failed to get since flag: %w", err)
			}
			insecure, err := cmd.Flags().GetBool("clickhouse-insecure")
			if err != nil {
				return fmt.Errorf("failed to get clickhouse-insecure flag: %w", err)
			}

			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			ch := a.cfg.ClickHouse
			exp, err := chexport.New(
				chexport.WithLogger(a.log),
				chexport.WithAddr(ch.Addr),
				chexport.WithDB(ch.Database),
				chexport.WithUser(ch.Username),
				chexport.WithPassword(ch.Password),
				chexport.WithTLSDisabled(insecure),
				chexport.WithBatchSize(a.cfg.BatchSize),
			)
			if err != nil {
				return err
			}
			defer exp.Close()

			n, err := exp.Export(cmd.Context(), a.db, a.clock.Now().Add(-since))
			if err != nil {
				return err
			}
			fmt.Printf("exported %s observations\n", strconv.FormatInt(n, 10))
			return nil
		},
	}
	cmd.Flags().Duration("since", 7*24*time.Hour, "export observations collected within this window")
	cmd.Flags().Bool("clickhouse-insecure", false, "connect to ClickHouse without TLS")
	return cmd
}

func newServeAPICmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve-api",
		Short: "Serve the read-only HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			listen, err := cmd.Flags().GetString("listen")
			if err != nil {
				return fmt.Errorf("failed to get listen flag: %w", err)
			}

			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			store, err := a.runStore()
			if err != nil {
				return err
			}
			if listen == "" {
				listen = a.cfg.APIListenAddr
			}
			metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
			srv, err := api.New(api.Config{
				Logger:     a.log,
				DB:         a.db,
				Runs:       store,
				Views:      viewNames(),
				ListenAddr: listen,
			})
			if err != nil {
				return err
			}
			return srv.Run(cmd.Context())
		},
	}
	cmd.Flags().String("listen", "", "listen address (defaults to API_LISTEN_ADDR)")
	return cmd
}

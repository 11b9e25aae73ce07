package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/malbeclabs/sofia/pkg/health"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// exitError carries a process exit code other than 1.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err == nil {
		return
	}
	var ee *exitError
	if errors.As(err, &ee) {
		fmt.Fprintln(os.Stderr, ee.msg)
		os.Exit(ee.code)
	}
	fmt.Fprintln(os.Stderr, "Error:", err)
	os.Exit(health.ExitError)
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "sofia",
		Short:         "SOFIA data intelligence pipeline",
		Version:       fmt.Sprintf("%s (commit %s, built %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().Bool("verbose", false, "enable debug logging")
	root.PersistentFlags().String("metrics-addr", "", "address to serve prometheus metrics on (env: SOFIA_METRICS_ADDR)")
	root.PersistentFlags().String("sources-file", "", "per-source YAML configuration (env: SOFIA_SOURCES_FILE)")

	root.AddCommand(
		newMigrateCmd(),
		newCollectCmd(),
		newNormalizeCmd(),
		newRefreshViewsCmd(),
		newMapSignalsCmd(),
		newLinkOrgsCmd(),
		newAuditWeeksCmd(),
		newCoverageReportCmd(),
		newSweepRunsCmd(),
		newRunsCmd(),
		newRelayNotificationsCmd(),
		newExportClickHouseCmd(),
		newServeAPICmd(),
	)
	return root
}

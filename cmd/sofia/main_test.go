package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/sofia/pkg/coverage"
	"github.com/malbeclabs/sofia/pkg/mapper"
	"github.com/malbeclabs/sofia/pkg/pipeline"
	"github.com/malbeclabs/sofia/pkg/runs"
	"github.com/malbeclabs/sofia/pkg/views"
)

func TestSofia_CLI_RootCommands(t *testing.T) {
	t.Parallel()

	root := newRootCmd()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{
		"migrate", "collect", "normalize", "refresh-views", "map-signals", "link-orgs",
		"audit-weeks", "coverage-report", "sweep-runs", "runs", "relay-notifications",
		"export-clickhouse", "serve-api",
	} {
		require.Contains(t, names, want)
	}
}

func TestSofia_CLI_CollectFlags(t *testing.T) {
	t.Parallel()

	cmd := newCollectCmd()
	require.NoError(t, cmd.ParseFlags([]string{"--parallel", "4", "--stage-only"}))
	parallel, err := cmd.Flags().GetInt("parallel")
	require.NoError(t, err)
	require.Equal(t, 4, parallel)
	stageOnly, err := cmd.Flags().GetBool("stage-only")
	require.NoError(t, err)
	require.True(t, stageOnly)
}

func TestSofia_CLI_CollectHasOneCommandPerAdapter(t *testing.T) {
	t.Parallel()

	cmd := newCollectCmd()
	var names []string
	for _, c := range cmd.Commands() {
		names = append(names, c.Name())
	}
	require.ElementsMatch(t, pipeline.DefaultRegistry().Names(), names)

	child, _, err := cmd.Find([]string{"gdelt"})
	require.NoError(t, err)
	require.Equal(t, "gdelt", child.Name())
	require.Error(t, child.Args(child, []string{"extra"}))
}

func TestSofia_CLI_PrintRuns(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	printRuns(&buf, []runs.Run{
		{ID: 7, CollectorName: "gdelt", Status: runs.StatusOK, RowsInserted: 12, StartedAt: time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)},
		{ID: 8, CollectorName: "acled_events", Status: runs.StatusFailed, ErrorCode: "AUTH_MISSING"},
	})
	out := buf.String()
	require.Contains(t, out, "gdelt")
	require.Contains(t, out, "2024-03-04T00:00:00Z")
	require.Contains(t, out, "AUTH_MISSING")
}

func TestSofia_CLI_PrintCoverageAndMapped(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	printCoverage(&buf, coverage.Report{Countries: []coverage.CountryCoverage{
		{CountryCode: "BR", Scope: "security", Score: 42, Low: true},
	}})
	printMapped(&buf, []mapper.Report{{
		Target: "industry_signals", Source: 3, Rows: 10, Mapped: 8,
		Unmapped: []mapper.Unmapped{{Text: "Atlantis", Count: 2}},
	}})
	out := buf.String()
	require.Contains(t, out, "BR")
	require.Contains(t, out, "yes")
	require.Contains(t, out, "Atlantis (2)")
}

func TestSofia_CLI_PrintViews(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	printViews(&buf, views.Result{Skipped: true})
	require.Contains(t, buf.String(), "skipped")

	buf.Reset()
	printViews(&buf, views.Result{Refreshed: []views.Refreshed{{View: "mv_security_geo_points", Mode: views.ModeConcurrent, Duration: time.Second}}})
	require.Contains(t, buf.String(), "concurrent")
}

func TestSofia_CLI_FailedRunsError(t *testing.T) {
	t.Parallel()

	require.NoError(t, failedRunsError(nil))
	require.EqualError(t, failedRunsError([]runs.Run{{ID: 1}, {ID: 2}}), "2 runs did not finish ok")
}

func TestSofia_CLI_ViewNames(t *testing.T) {
	t.Parallel()

	names := viewNames()
	require.Len(t, names, len(views.DefaultViews()))
}

package chexport_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/clickhouse"

	"github.com/malbeclabs/sofia/pkg/chexport"
	"github.com/malbeclabs/sofia/pkg/logger"
	"github.com/malbeclabs/sofia/pkg/pg/pgtesting"
)

const (
	chDB       = "sofia"
	chUser     = "sofia"
	chPassword = "sofia"
)

func TestSofia_Chexport_Export_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping clickhouse container test in short mode")
	}
	ctx := t.Context()

	db := pgtesting.NewDefaultDB(t)
	_, err := db.ExecContext(ctx, `
INSERT INTO sofia.security_observations
  (source, source_id, signal_type, coverage_scope, country_code, severity_raw, severity_norm, confidence_score, event_time_start)
VALUES
  ('gdelt', '2024-05-30:BR', 'acute', 'global_comparable', 'BR', 10, 40, 60, '2024-05-30'),
  ('gdelt', '2024-05-31:BR', 'acute', 'global_comparable', 'BR', 20, 60, 60, '2024-05-31')`)
	require.NoError(t, err)

	ctr, err := clickhouse.Run(ctx,
		"clickhouse/clickhouse-server:23.3.8.21-alpine",
		clickhouse.WithUsername(chUser),
		clickhouse.WithPassword(chPassword),
		clickhouse.WithDatabase(chDB),
	)
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err)

	addr, err := ctr.ConnectionHost(ctx)
	require.NoError(t, err)

	exp, err := chexport.New(
		chexport.WithAddr(addr),
		chexport.WithDB(chDB),
		chexport.WithUser(chUser),
		chexport.WithPassword(chPassword),
		chexport.WithTLSDisabled(true),
		chexport.WithLogger(logger.Discard()),
		chexport.WithBatchSize(1),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = exp.Close() })

	n, err := exp.Export(ctx, db, time.Time{})
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	// Re-exporting replaces rows instead of duplicating them.
	_, err = exp.Export(ctx, db, time.Time{})
	require.NoError(t, err)

	count, err := exp.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(2), count)
}

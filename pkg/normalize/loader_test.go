package normalize_test

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/sofia/pkg/country"
	"github.com/malbeclabs/sofia/pkg/country/seed"
	"github.com/malbeclabs/sofia/pkg/logger"
	"github.com/malbeclabs/sofia/pkg/normalize"
)

func newLoader(t *testing.T) (*normalize.Loader, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	table, err := seed.Table()
	require.NoError(t, err)
	resolver, err := country.NewResolver(country.ResolverConfig{Logger: logger.Discard(), Tables: country.StaticTables{T: table}})
	require.NoError(t, err)
	store, err := country.NewStore(country.StoreConfig{Logger: logger.Discard(), DB: db})
	require.NoError(t, err)

	l, err := normalize.NewLoader(normalize.LoaderConfig{Logger: logger.Discard(), DB: db, Resolver: resolver, Countries: store})
	require.NoError(t, err)
	return l, mock
}

func eventObs(id, country string) normalize.Observation {
	day := time.Date(2024, 2, 14, 0, 0, 0, 0, time.UTC)
	return normalize.Observation{
		Source: "acled_events", SourceID: id, SignalType: normalize.SignalAcute, CoverageScope: normalize.ScopeGlobal,
		CountryName: country, SeverityRaw: 1, SeverityNorm: 10, Confidence: 90,
		EventTimeStart: day, EventTimeEnd: day,
	}
}

func TestSofia_Normalize_LoaderConfig(t *testing.T) {
	t.Parallel()

	_, err := normalize.NewLoader(normalize.LoaderConfig{})
	require.ErrorContains(t, err, "logger is required")
}

func TestSofia_Normalize_Load(t *testing.T) {
	t.Parallel()

	t.Run("empty source is a warning", func(t *testing.T) {
		t.Parallel()
		l, mock := newLoader(t)
		_, err := l.Load(context.Background(), "gdelt", nil)
		require.Equal(t, normalize.ErrSourceEmpty, normalize.CodeOf(err))
		require.True(t, normalize.IsWarning(err))
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("upserts in order then resolves", func(t *testing.T) {
		t.Parallel()
		l, mock := newLoader(t)

		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "sofia"."security_observations" AS "o" ("source", "source_id"`)).
			WithArgs(
				"acled_events", "A1", "acute", "global_comparable", "Qqzzx", nil, nil, nil, nil, 1.0, 10.0, nil, nil, 90.0, 0.0, 0.0,
				time.Date(2024, 2, 14, 0, 0, 0, 0, time.UTC), time.Date(2024, 2, 14, 0, 0, 0, 0, time.UTC), "{}",
				"acled_events", "B2", "acute", "global_comparable", "Brasil", nil, nil, nil, nil, 1.0, 10.0, nil, nil, 90.0, 0.0, 0.0,
				time.Date(2024, 2, 14, 0, 0, 0, 0, time.UTC), time.Date(2024, 2, 14, 0, 0, 0, 0, time.UTC), "{}",
			).
			WillReturnResult(sqlmock.NewResult(0, 2))
		mock.ExpectCommit()

		mock.ExpectQuery(regexp.QuoteMeta(`SELECT country_name, raw->>'country_iso3', COUNT(*)`)).
			WithArgs("acled_events").
			WillReturnRows(sqlmock.NewRows([]string{"country_name", "iso3", "count"}).
				AddRow("Brasil", nil, 1).
				AddRow("Qqzzx", nil, 3))
		mock.ExpectExec(regexp.QuoteMeta(`UPDATE sofia.security_observations`)).
			WithArgs("BR", "acled_events", "Brasil", nil).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "sofia"."unresolved_countries"`)).
			WithArgs("acled_events", "Qqzzx", int64(3)).
			WillReturnResult(sqlmock.NewResult(0, 1))

		res, err := l.Load(context.Background(), "acled_events", []normalize.Observation{eventObs("B2", "Brasil"), eventObs("A1", "Qqzzx")})
		require.NoError(t, err)
		require.Equal(t, normalize.LoadResult{Source: "acled_events", Read: 2, Changed: 2, Resolved: 1, Unresolved: 3}, res)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unchanged rows are not counted", func(t *testing.T) {
		t.Parallel()
		l, mock := newLoader(t)

		mock.ExpectBegin()
		mock.ExpectExec(`INSERT INTO "sofia"."security_observations"`).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectCommit()
		mock.ExpectQuery(`SELECT country_name`).WillReturnRows(sqlmock.NewRows([]string{"country_name", "iso3", "count"}))

		res, err := l.Load(context.Background(), "acled_events", []normalize.Observation{eventObs("A1", "Chile")})
		require.NoError(t, err)
		require.Zero(t, res.Changed)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("foreign key violation fails fast", func(t *testing.T) {
		t.Parallel()
		l, mock := newLoader(t)

		mock.ExpectBegin()
		mock.ExpectExec(`INSERT INTO "sofia"."security_observations"`).WillReturnError(&pgconn.PgError{Code: "23503", Message: "violates foreign key constraint"})
		mock.ExpectRollback()

		_, err := l.Load(context.Background(), "acled_events", []normalize.Observation{eventObs("A1", "Chile")})
		require.Equal(t, normalize.ErrFKViolation, normalize.CodeOf(err))
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("check violation fails fast", func(t *testing.T) {
		t.Parallel()
		l, mock := newLoader(t)

		mock.ExpectBegin()
		mock.ExpectExec(`INSERT INTO "sofia"."security_observations"`).WillReturnError(&pgconn.PgError{Code: "23514"})
		mock.ExpectRollback()

		_, err := l.Load(context.Background(), "acled_events", []normalize.Observation{eventObs("A1", "Chile")})
		require.Equal(t, normalize.ErrConstraintViolation, normalize.CodeOf(err))
	})

	t.Run("rejects duplicate and foreign observations", func(t *testing.T) {
		t.Parallel()
		l, _ := newLoader(t)

		_, err := l.Load(context.Background(), "acled_events", []normalize.Observation{eventObs("A1", "Chile"), eventObs("A1", "Peru")})
		require.Equal(t, normalize.ErrConstraintViolation, normalize.CodeOf(err))

		_, err = l.Load(context.Background(), "gdelt", []normalize.Observation{eventObs("A1", "Chile")})
		require.ErrorContains(t, err, "belongs to acled_events")
	})
}

package mapper_test

import (
	"context"
	"net"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/sofia/pkg/country"
	"github.com/malbeclabs/sofia/pkg/logger"
	"github.com/malbeclabs/sofia/pkg/mapper"
)

type fakeGeoIP map[string]string

func (f fakeGeoIP) CountryCode(ip net.IP) (string, bool) {
	code, ok := f[ip.String()]
	return code, ok
}

func newMapper(t *testing.T, batchSize int) (*mapper.Mapper, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	table, err := country.NewTable(
		[]country.Country{
			{Code: "BR", ISO3: "BRA", NameEN: "Brazil", NamePT: "Brasil"},
			{Code: "CL", ISO3: "CHL", NameEN: "Chile", NamePT: "Chile"},
			{Code: "DE", ISO3: "DEU", NameEN: "Germany", NamePT: "Alemanha"},
		},
		[]country.Alias{
			{ID: 1, Norm: "br", Code: "BR"}, {ID: 2, Norm: "brazil", Code: "BR"},
			{ID: 3, Norm: "cl", Code: "CL"}, {ID: 4, Norm: "chile", Code: "CL"},
			{ID: 5, Norm: "de", Code: "DE"}, {ID: 6, Norm: "germany", Code: "DE"},
		},
	)
	require.NoError(t, err)
	resolver, err := country.NewResolver(country.ResolverConfig{
		Logger: logger.Discard(),
		Tables: country.StaticTables{T: table},
		GeoIP:  fakeGeoIP{"192.0.2.10": "DE"},
	})
	require.NoError(t, err)

	m, err := mapper.New(mapper.Config{
		Logger:      logger.Discard(),
		DB:          db,
		Resolver:    resolver,
		BatchSize:   batchSize,
		Concurrency: 2,
	})
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m, mock
}

var signalColumns = []string{"id", "title", "description", "url", "metadata", "source_ip"}

func TestSofia_Mapper_Config(t *testing.T) {
	t.Parallel()

	_, err := mapper.New(mapper.Config{})
	require.ErrorContains(t, err, "logger is required")
	_, err = mapper.New(mapper.Config{Logger: logger.Discard()})
	require.ErrorContains(t, err, "db is required")
}

func TestSofia_Mapper_Rebuild(t *testing.T) {
	t.Parallel()

	t.Run("structured fields then stripped title, misses produce no row", func(t *testing.T) {
		t.Parallel()
		m, mock := newMapper(t, 2)

		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM sofia.signal_country_map WHERE source_id = $1`)).
			WithArgs(int64(20)).WillReturnResult(sqlmock.NewResult(0, 7))
		mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, title, description, url, metadata, NULL::text FROM sofia.industry_signals`)).
			WithArgs(int64(20), int64(0), int64(2)).
			WillReturnRows(sqlmock.NewRows(signalColumns).
				AddRow(int64(1), "Quarterly results", nil, nil, []byte(`{"jurisdiction":"BR","country":"Brasil"}`), nil).
				AddRow(int64(2), "<b>Protests in</b> <i>Chile</i>", "Germany is mentioned later", nil, []byte(`{}`), nil))
		mock.ExpectQuery(regexp.QuoteMeta(`FROM sofia.industry_signals`)).
			WithArgs(int64(20), int64(2), int64(2)).
			WillReturnRows(sqlmock.NewRows(signalColumns).
				AddRow(int64(3), "Nothing useful", "", nil, []byte(`{"country":"Qqzzx"}`), nil))
		mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "sofia"."signal_country_map" ("source_row_id", "source_id", "country_code", "match_method", "confidence_hint", "matched_text")`)).
			WithArgs(
				int64(1), int64(20), "BR", "metadata_jurisdiction", country.ConfidenceMetadataCode, "BR",
				int64(2), int64(20), "CL", "alias_exact", country.ConfidenceTitleAligned, "chile",
			).
			WillReturnResult(sqlmock.NewResult(0, 2))
		mock.ExpectCommit()

		report, err := m.Rebuild(context.Background(), mapper.IndustrySignals, 20)
		require.NoError(t, err)
		require.Equal(t, int64(3), report.Rows)
		require.Equal(t, int64(2), report.Mapped)
		require.Equal(t, []mapper.Unmapped{{Text: "Qqzzx", Count: 1}}, report.Unmapped)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("cyber events fall back to geoip", func(t *testing.T) {
		t.Parallel()
		m, mock := newMapper(t, 10)

		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM sofia.cyber_event_country_map`)).
			WithArgs(int64(21)).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(regexp.QuoteMeta(`host(source_ip) FROM sofia.cybersecurity_events`)).
			WithArgs(int64(21), int64(0), int64(10)).
			WillReturnRows(sqlmock.NewRows(signalColumns).
				AddRow(int64(9), "Ransomware campaign", nil, nil, []byte(`{}`), "192.0.2.10"))
		mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "sofia"."cyber_event_country_map"`)).
			WithArgs(int64(9), int64(21), "DE", "ip_geolocation", country.ConfidenceIPGeolocation, "192.0.2.10").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		report, err := m.Rebuild(context.Background(), mapper.CyberEvents, 21)
		require.NoError(t, err)
		require.Equal(t, int64(1), report.Mapped)
		require.Empty(t, report.Unmapped)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("write failure rolls back the delete", func(t *testing.T) {
		t.Parallel()
		m, mock := newMapper(t, 10)

		mock.ExpectBegin()
		mock.ExpectExec(`DELETE FROM sofia.signal_country_map`).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery(`FROM sofia.industry_signals`).
			WillReturnRows(sqlmock.NewRows(signalColumns).
				AddRow(int64(1), "Chile", nil, nil, []byte(`{}`), nil))
		mock.ExpectExec(`INSERT INTO`).WillReturnError(context.DeadlineExceeded)
		mock.ExpectRollback()

		_, err := m.Rebuild(context.Background(), mapper.IndustrySignals, 20)
		require.Error(t, err)
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestSofia_Mapper_RebuildAll(t *testing.T) {
	t.Parallel()

	m, mock := newMapper(t, 10)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT DISTINCT source_id FROM sofia.industry_signals`)).
		WillReturnRows(sqlmock.NewRows([]string{"source_id"}))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT DISTINCT source_id FROM sofia.cybersecurity_events`)).
		WillReturnRows(sqlmock.NewRows([]string{"source_id"}))

	reports, err := m.RebuildAll(context.Background())
	require.NoError(t, err)
	require.Empty(t, reports)
	require.NoError(t, mock.ExpectationsWereMet())
}

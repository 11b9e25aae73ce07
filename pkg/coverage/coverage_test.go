package coverage_test

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jonboulle/clockwork"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/sofia/pkg/coverage"
	"github.com/malbeclabs/sofia/pkg/logger"
)

var today = time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC)

func TestSofia_Coverage_GlobalScore(t *testing.T) {
	t.Parallel()

	w := coverage.DefaultGlobalWeights()
	tests := []struct {
		name string
		in   coverage.GlobalInputs
		want float64
	}{
		{
			name: "well covered country",
			in:   coverage.GlobalInputs{HasACLED: true, HasWorldBank: true, HasGDELT: true, LastEvent: today.AddDate(0, 0, -10)},
			want: 100,
		},
		{
			name: "only gdelt and stale",
			in:   coverage.GlobalInputs{HasGDELT: true, LastEvent: today.AddDate(0, 0, -45)},
			want: 20,
		},
		{
			name: "window boundary is inclusive",
			in:   coverage.GlobalInputs{HasWorldBank: true, LastEvent: today.AddDate(0, 0, -30)},
			want: 40,
		},
		{
			name: "no events",
			in:   coverage.GlobalInputs{HasACLED: true},
			want: 40,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, w.Score(tt.in, today, coverage.DefaultGlobalRecentDays))
		})
	}
}

func TestSofia_Coverage_LocalScore(t *testing.T) {
	t.Parallel()

	w := coverage.DefaultLocalWeights()
	require.Equal(t, 100.0, w.Score(coverage.LocalInputs{
		HasGovernment: true, DistinctSources: 2, SubCountry: true, LastUpdate: today.AddDate(0, 0, -60),
	}, today, coverage.DefaultLocalRecentDays))
	require.Equal(t, 70.0, w.Score(coverage.LocalInputs{
		HasGovernment: true, DistinctSources: 1, SubCountry: true, LastUpdate: today.AddDate(0, 0, -60),
	}, today, coverage.DefaultLocalRecentDays))
	require.Equal(t, 0.0, w.Score(coverage.LocalInputs{LastUpdate: today.AddDate(0, 0, -91)}, today, coverage.DefaultLocalRecentDays))
}

func TestSofia_Coverage_Weights(t *testing.T) {
	t.Parallel()

	require.NoError(t, coverage.DefaultGlobalWeights().Validate())
	require.ErrorContains(t, coverage.GlobalWeights{ACLED: 60, WorldBank: 60}.Validate(), "more than 100")
	require.ErrorContains(t, coverage.LocalWeights{Government: -1}.Validate(), "negative")

	_, err := coverage.NewScorer(coverage.Config{})
	require.ErrorContains(t, err, "logger is required")
}

func TestSofia_Coverage_MonotonicProperty(t *testing.T) {
	t.Parallel()

	params := gopter.DefaultTestParametersWithSeed(11)
	params.MinSuccessfulTests = 300
	properties := gopter.NewProperties(params)

	inputs := gopter.CombineGens(gen.Bool(), gen.Bool(), gen.Bool(), gen.IntRange(-1, 120)).Map(func(v []any) coverage.GlobalInputs {
		in := coverage.GlobalInputs{HasACLED: v[0].(bool), HasWorldBank: v[1].(bool), HasGDELT: v[2].(bool)}
		if age := v[3].(int); age >= 0 {
			in.LastEvent = today.AddDate(0, 0, -age)
		}
		return in
	})

	w := coverage.DefaultGlobalWeights()
	properties.Property("adding a source never lowers the global score", prop.ForAll(
		func(base, added coverage.GlobalInputs) bool {
			before := w.Score(base, today, coverage.DefaultGlobalRecentDays)
			after := w.Score(base.Merge(added), today, coverage.DefaultGlobalRecentDays)
			return after >= before && after >= 0 && after <= 100
		},
		inputs, inputs,
	))
	properties.TestingRun(t)
}

func TestSofia_Coverage_Run(t *testing.T) {
	t.Parallel()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s, err := coverage.NewScorer(coverage.Config{
		Logger: logger.Discard(),
		DB:     db,
		Clock:  clockwork.NewFakeClockAt(today.Add(15 * time.Hour)),
	})
	require.NoError(t, err)

	mock.ExpectQuery(regexp.QuoteMeta(`bool_or(source IN ($1, $2))`)).
		WithArgs("acled_aggregated", "acled_events", "worldbank", "gdelt", "global_comparable").
		WillReturnRows(sqlmock.NewRows([]string{"country_code", "acled", "worldbank", "gdelt", "last"}).
			AddRow("BR", true, true, true, today.AddDate(0, 0, -10)).
			AddRow("ZW", false, false, true, today.AddDate(0, 0, -45)))
	mock.ExpectQuery(regexp.QuoteMeta(`bool_or(s.is_government)`)).
		WithArgs("local_only").
		WillReturnRows(sqlmock.NewRows([]string{"country_code", "gov", "sources", "sub", "last"}).
			AddRow("BR", true, int64(1), true, today.AddDate(0, -1, 0)))

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE sofia.security_observations SET coverage_score_global = $1`)).
		WithArgs(100.0, "BR", "global_comparable").WillReturnResult(sqlmock.NewResult(0, 12))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE sofia.security_observations SET coverage_score_global = $1`)).
		WithArgs(20.0, "ZW", "global_comparable").WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE sofia.security_observations SET coverage_score_local = $1`)).
		WithArgs(70.0, "BR", "local_only").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	report, err := s.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(15), report.Updated)
	require.Equal(t, []coverage.CountryCoverage{
		{CountryCode: "BR", Scope: "global_comparable", Score: 100},
		{CountryCode: "ZW", Scope: "global_comparable", Score: 20, Low: true},
		{CountryCode: "BR", Scope: "local_only", Score: 70},
	}, report.Countries)
	require.Equal(t, []coverage.CountryCoverage{{CountryCode: "ZW", Scope: "global_comparable", Score: 20, Low: true}}, report.LowCoverage())
	require.NoError(t, mock.ExpectationsWereMet())
}

package views_test

import (
	"context"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/sofia/pkg/logger"
	"github.com/malbeclabs/sofia/pkg/views"
)

func TestSofia_Views_DefaultGraph(t *testing.T) {
	t.Parallel()

	g, err := views.NewGraph(views.DefaultViews())
	require.NoError(t, err)

	var names []string
	for _, v := range g.Order() {
		names = append(names, v.Name)
	}
	require.Equal(t, []string{
		"mv_skill_demand_by_country",
		"mv_skill_supply_by_country",
		"mv_capital_analytics",
		"mv_industry_momentum_by_country",
		"mv_ngo_coverage_by_country",
		"mv_security_geo_points",
		"mv_women_intelligence_by_country",
		"mv_security_country_combined",
		"mv_skill_gap_country_summary",
	}, names)

	pos := make(map[string]int)
	for i, n := range names {
		pos[n] = i
	}
	for _, v := range g.Order() {
		for _, dep := range v.DependsOn {
			require.Less(t, pos[dep], pos[v.Name], "%s before %s", dep, v.Name)
		}
	}
}

func TestSofia_Views_GraphValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		views []views.View
		err   string
	}{
		{
			name:  "unknown dependency",
			views: []views.View{{Name: "a", Level: views.LevelComposite, DependsOn: []string{"missing"}}},
			err:   "unknown view missing",
		},
		{
			name: "same level dependency",
			views: []views.View{
				{Name: "a", Level: views.LevelDomain},
				{Name: "b", Level: views.LevelDomain, DependsOn: []string{"a"}},
			},
			err: "not on a lower level",
		},
		{
			name: "upward dependency",
			views: []views.View{
				{Name: "a", Level: views.LevelBase, DependsOn: []string{"b"}},
				{Name: "b", Level: views.LevelComposite},
			},
			err: "not on a lower level",
		},
		{
			name:  "duplicate",
			views: []views.View{{Name: "a"}, {Name: "a"}},
			err:   "duplicate view a",
		},
		{
			name:  "invalid level",
			views: []views.View{{Name: "a", Level: views.Level(7)}},
			err:   "invalid level",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := views.NewGraph(tt.views)
			require.ErrorContains(t, err, tt.err)
		})
	}
}

var testViews = []views.View{
	{Name: "mv_a", Level: views.LevelBase, UniqueIndex: "mv_a_key"},
	{Name: "mv_b", Level: views.LevelComposite, DependsOn: []string{"mv_a"}},
}

func newRefresher(t *testing.T) (*views.Refresher, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	r, err := views.NewRefresher(views.Config{Logger: logger.Discard(), DB: db, Views: testViews})
	require.NoError(t, err)
	return r, mock
}

var (
	lockQuery       = regexp.QuoteMeta(`SELECT pg_try_advisory_lock(hashtext($1))`)
	unlockQuery     = regexp.QuoteMeta(`SELECT pg_advisory_unlock(hashtext($1))`)
	refreshAConcurr = regexp.QuoteMeta(`REFRESH MATERIALIZED VIEW CONCURRENTLY "sofia"."mv_a"`)
	refreshABlock   = `^` + regexp.QuoteMeta(`REFRESH MATERIALIZED VIEW "sofia"."mv_a"`) + `$`
	refreshBBlock   = `^` + regexp.QuoteMeta(`REFRESH MATERIALIZED VIEW "sofia"."mv_b"`) + `$`
)

func expectPass(mock sqlmock.Sqlmock, delay time.Duration) {
	mock.ExpectQuery(lockQuery).WithArgs("sofia.views").WillReturnRows(sqlmock.NewRows([]string{"ok"}).AddRow(true))
	mock.ExpectExec(refreshAConcurr).WillDelayFor(delay).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(refreshBBlock).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(unlockQuery).WithArgs("sofia.views").WillReturnResult(sqlmock.NewResult(0, 0))
}

func TestSofia_Views_Refresher(t *testing.T) {
	t.Parallel()

	t.Run("config", func(t *testing.T) {
		t.Parallel()
		_, err := views.NewRefresher(views.Config{})
		require.ErrorContains(t, err, "logger is required")
	})

	t.Run("refreshes in level order", func(t *testing.T) {
		t.Parallel()
		r, mock := newRefresher(t)
		expectPass(mock, 0)

		res, err := r.Request(context.Background())
		require.NoError(t, err)
		require.Equal(t, 1, res.Passes)
		require.False(t, res.Coalesced)
		require.Len(t, res.Refreshed, 2)
		require.Equal(t, views.ModeConcurrent, res.Refreshed[0].Mode)
		require.Equal(t, views.ModeBlocking, res.Refreshed[1].Mode)
		require.Equal(t, views.StateIdle, r.State())
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("falls back to blocking refresh", func(t *testing.T) {
		t.Parallel()
		r, mock := newRefresher(t)
		mock.ExpectQuery(lockQuery).WillReturnRows(sqlmock.NewRows([]string{"ok"}).AddRow(true))
		mock.ExpectExec(refreshAConcurr).WillReturnError(&pgconn.PgError{Code: "55000", Message: "cannot refresh materialized view concurrently"})
		mock.ExpectExec(refreshABlock).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec(refreshBBlock).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec(unlockQuery).WillReturnResult(sqlmock.NewResult(0, 0))

		res, err := r.Request(context.Background())
		require.NoError(t, err)
		require.Equal(t, views.ModeBlocking, res.Refreshed[0].Mode)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("failure releases the lock", func(t *testing.T) {
		t.Parallel()
		r, mock := newRefresher(t)
		mock.ExpectQuery(lockQuery).WillReturnRows(sqlmock.NewRows([]string{"ok"}).AddRow(true))
		mock.ExpectExec(refreshAConcurr).WillReturnError(&pgconn.PgError{Code: "42P01", Message: "relation does not exist"})
		mock.ExpectExec(unlockQuery).WillReturnResult(sqlmock.NewResult(0, 0))

		_, err := r.Request(context.Background())
		require.ErrorContains(t, err, "failed to refresh mv_a")
		require.Equal(t, views.StateIdle, r.State())
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("skips when another process holds the lock", func(t *testing.T) {
		t.Parallel()
		r, mock := newRefresher(t)
		mock.ExpectQuery(lockQuery).WillReturnRows(sqlmock.NewRows([]string{"ok"}).AddRow(false))

		res, err := r.Request(context.Background())
		require.NoError(t, err)
		require.True(t, res.Skipped)
		require.Zero(t, res.Passes)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("requests during a pass coalesce into one extra pass", func(t *testing.T) {
		t.Parallel()
		r, mock := newRefresher(t)
		expectPass(mock, 300*time.Millisecond)
		expectPass(mock, 0)

		var (
			wg    sync.WaitGroup
			first views.Result
			err   error
		)
		wg.Add(1)
		go func() {
			defer wg.Done()
			first, err = r.Request(context.Background())
		}()

		require.Eventually(t, func() bool { return r.State() != views.StateIdle }, 2*time.Second, 5*time.Millisecond)
		for range 3 {
			res, err := r.Request(context.Background())
			require.NoError(t, err)
			require.True(t, res.Coalesced)
		}

		wg.Wait()
		require.NoError(t, err)
		require.Equal(t, 2, first.Passes)
		require.Len(t, first.Refreshed, 4)
		require.Equal(t, views.StateIdle, r.State())
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("a failed pass still runs the coalesced pass", func(t *testing.T) {
		t.Parallel()
		r, mock := newRefresher(t)
		mock.ExpectQuery(lockQuery).WithArgs("sofia.views").WillReturnRows(sqlmock.NewRows([]string{"ok"}).AddRow(true))
		mock.ExpectExec(refreshAConcurr).WillDelayFor(300 * time.Millisecond).
			WillReturnError(&pgconn.PgError{Code: "40P01", Message: "deadlock detected"})
		mock.ExpectExec(unlockQuery).WithArgs("sofia.views").WillReturnResult(sqlmock.NewResult(0, 0))
		expectPass(mock, 0)

		var (
			wg    sync.WaitGroup
			first views.Result
			err   error
		)
		wg.Add(1)
		go func() {
			defer wg.Done()
			first, err = r.Request(context.Background())
		}()

		require.Eventually(t, func() bool { return r.State() != views.StateIdle }, 2*time.Second, 5*time.Millisecond)
		res, reqErr := r.Request(context.Background())
		require.NoError(t, reqErr)
		require.True(t, res.Coalesced)

		wg.Wait()
		require.ErrorContains(t, err, "failed to refresh mv_a")
		require.Equal(t, 1, first.Passes)
		require.Len(t, first.Refreshed, 2)
		require.Equal(t, views.StateIdle, r.State())
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestSofia_Views_SetGeoPointsWindow(t *testing.T) {
	t.Parallel()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO sofia.view_settings (key, value)`)).
		WithArgs("geo_points_window_days", "14").WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, views.SetGeoPointsWindow(context.Background(), db, 14))
	require.Error(t, views.SetGeoPointsWindow(context.Background(), db, 0))
	require.NoError(t, mock.ExpectationsWereMet())
}

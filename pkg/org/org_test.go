package org_test

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/sofia/pkg/logger"
	"github.com/malbeclabs/sofia/pkg/org"
)

func TestSofia_Org_NormalizeName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want string
	}{
		{"Acme, Inc.", "acme"},
		{"ACME   Holdings Ltd", "acme holdings"},
		{"Petróleo Brasileiro S.A.", "petroleo brasileiro"},
		{"Siemens AG", "siemens"},
		{"Hewlett-Packard Co", "hewlett packard"},
		{"Foo Corp Ltd", "foo"},
		{"Co", "co"},
		{"  ", ""},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, org.NormalizeName(tt.in), tt.in)
	}
}

func TestSofia_Org_InferType(t *testing.T) {
	t.Parallel()

	tests := map[string]org.Type{
		"universidade de sao paulo":   org.TypeUniversity,
		"stanford university":         org.TypeUniversity,
		"hospital israelita einstein": org.TypeHospital,
		"escola politecnica":          org.TypeSchool,
		"broad lab":                   org.TypeLaboratory,
		"laboratorio fleury":          org.TypeLaboratory,
		"cern research centre":        org.TypeResearchCenter,
		"nubank":                      org.TypeCompany,
		"labor partners":              org.TypeCompany,
	}
	for name, want := range tests {
		require.Equal(t, want, org.InferType(name), name)
	}
}

func TestSofia_Org_Similarity(t *testing.T) {
	t.Parallel()

	require.Equal(t, 100.0, org.Similarity("acme", "acme"))
	require.Equal(t, 90.0, org.Similarity("acme", "acme holdings"))
	require.InDelta(t, 100*5/6.0, org.Similarity("nubank", "nubnk"), 1e-9)
	require.InDelta(t, 100*(1-3/9.0), org.Similarity("banco do", "banco xyz"), 1e-9)
	require.Less(t, org.Similarity("itau", "magalu"), org.AcceptScore)
	require.Zero(t, org.Similarity("", "acme"))
}

func TestSofia_Org_BestMatch(t *testing.T) {
	t.Parallel()

	t.Run("tie goes to the longer name", func(t *testing.T) {
		t.Parallel()
		c, score, ok := org.BestMatch("acme", []org.Candidate{
			{ID: 1, Name: "acme labs"},
			{ID: 2, Name: "acme holdings"},
		})
		require.True(t, ok)
		require.Equal(t, 90.0, score)
		require.Equal(t, int64(2), c.ID)
	})

	t.Run("below threshold is no match", func(t *testing.T) {
		t.Parallel()
		_, _, ok := org.BestMatch("petrobras", []org.Candidate{{ID: 1, Name: "vale"}})
		require.False(t, ok)
	})
}

func newResolver(t *testing.T) (*org.Resolver, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	r, err := org.NewResolver(org.Config{Logger: logger.Discard(), DB: db})
	require.NoError(t, err)
	t.Cleanup(r.Close)
	return r, mock
}

func TestSofia_Org_Resolve(t *testing.T) {
	t.Parallel()

	exactQuery := regexp.QuoteMeta(`SELECT id FROM sofia.organizations WHERE normalized_name = $1`)
	indexQuery := regexp.QuoteMeta(`SELECT id, normalized_name FROM sofia.organizations ORDER BY id`)
	insertQuery := regexp.QuoteMeta(`INSERT INTO sofia.organizations (normalized_name, display_name, type, country_code)`)

	t.Run("exact then cached", func(t *testing.T) {
		t.Parallel()
		r, mock := newResolver(t)
		mock.ExpectQuery(exactQuery).WithArgs("nubank").WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))

		res, err := r.Resolve(context.Background(), "Nubank S.A.", "BR")
		require.NoError(t, err)
		require.Equal(t, org.Result{ID: 7, NormalizedName: "nubank", Outcome: org.OutcomeExact, Score: 100}, res)

		res, err = r.Resolve(context.Background(), "NUBANK", "")
		require.NoError(t, err)
		require.Equal(t, int64(7), res.ID)
		require.Equal(t, org.OutcomeCache, res.Outcome)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("fuzzy match against the index", func(t *testing.T) {
		t.Parallel()
		r, mock := newResolver(t)
		mock.ExpectQuery(exactQuery).WithArgs("acme").WillReturnRows(sqlmock.NewRows([]string{"id"}))
		mock.ExpectQuery(indexQuery).WillReturnRows(sqlmock.NewRows([]string{"id", "normalized_name"}).
			AddRow(int64(1), "acme holdings").
			AddRow(int64(2), "vale"))

		res, err := r.Resolve(context.Background(), "ACME Inc", "")
		require.NoError(t, err)
		require.Equal(t, org.Result{ID: 1, NormalizedName: "acme holdings", Outcome: org.OutcomeFuzzy, Score: 90}, res)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("creates with inferred type and joins the index", func(t *testing.T) {
		t.Parallel()
		r, mock := newResolver(t)
		mock.ExpectQuery(exactQuery).WithArgs("universidade de sao paulo").WillReturnRows(sqlmock.NewRows([]string{"id"}))
		mock.ExpectQuery(indexQuery).WillReturnRows(sqlmock.NewRows([]string{"id", "normalized_name"}))
		mock.ExpectQuery(insertQuery).
			WithArgs("universidade de sao paulo", "Universidade de São Paulo", "university", "BR").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(42)))

		res, err := r.Resolve(context.Background(), "Universidade de São Paulo", "BR")
		require.NoError(t, err)
		require.Equal(t, org.OutcomeCreated, res.Outcome)
		require.Equal(t, int64(42), res.ID)

		mock.ExpectQuery(exactQuery).WithArgs("universidade sao paulo").WillReturnRows(sqlmock.NewRows([]string{"id"}))
		res, err = r.Resolve(context.Background(), "Universidade São Paulo", "")
		require.NoError(t, err)
		require.Equal(t, org.OutcomeFuzzy, res.Outcome)
		require.Equal(t, int64(42), res.ID)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("empty name", func(t *testing.T) {
		t.Parallel()
		r, _ := newResolver(t)
		_, err := r.Resolve(context.Background(), " ,. ", "")
		require.ErrorIs(t, err, org.ErrEmptyName)
	})
}

func TestSofia_Org_Link(t *testing.T) {
	t.Parallel()

	r, mock := newResolver(t)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT company, COALESCE(min(country_code), '') FROM sofia.funding_rounds WHERE organization_id IS NULL`)).
		WillReturnRows(sqlmock.NewRows([]string{"company", "country_code"}).
			AddRow("...", "").
			AddRow("Nubank", "BR"))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id FROM sofia.organizations WHERE normalized_name = $1`)).
		WithArgs("nubank").WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE sofia.funding_rounds SET organization_id = $1 WHERE organization_id IS NULL AND company = $2`)).
		WithArgs(int64(7), "Nubank").WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := r.Link(context.Background(), org.LinkTargets[1])
	require.NoError(t, err)
	require.Equal(t, int64(3), n)
	require.NoError(t, mock.ExpectationsWereMet())
}

package acled_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/sofia/pkg/config"
	"github.com/malbeclabs/sofia/pkg/filecache"
	"github.com/malbeclabs/sofia/pkg/logger"
	"github.com/malbeclabs/sofia/pkg/source"
	"github.com/malbeclabs/sofia/pkg/source/acled"
	"github.com/malbeclabs/sofia/pkg/source/sourcetest"
	"github.com/malbeclabs/sofia/pkg/staging"
)

const aggregatedCSV = `WEEK,REGION,COUNTRY,ADMIN1,EVENT_TYPE,SUB_EVENT_TYPE,EVENTS,FATALITIES,POPULATION_EXPOSURE,DISORDER_TYPE,CENTROID_LATITUDE,CENTROID_LONGITUDE
06-January-2024,South America,Brazil,Sao Paulo,Protests,Peaceful protest,12,0,1500000,Demonstrations,-23.5,-46.6
2024-01-13,South America,Brazil,Rio de Janeiro,Violence against civilians,Attack,4,3,,Political violence,-22.9,-43.2
2024-01-13,South America,Brazil,Bahia,Riots,Mob violence,not-a-number,0,,Demonstrations,,
`

func newCache(t *testing.T, clock clockwork.Clock) *filecache.Cache {
	t.Helper()
	backend, err := filecache.NewDirBackend(t.TempDir())
	require.NoError(t, err)
	c, err := filecache.New(filecache.Config{Logger: logger.Discard(), Backend: backend, Clock: clock})
	require.NoError(t, err)
	return c
}

func TestSofia_ACLED_ParseDate(t *testing.T) {
	t.Parallel()

	want := time.Date(2024, 1, 6, 0, 0, 0, 0, time.UTC)
	for _, s := range []string{"2024-01-06", "06-January-2024", "6 January 2024", "1/6/2024"} {
		got, err := acled.ParseDate(s)
		require.NoError(t, err, s)
		require.Equal(t, want, got, s)
	}
	_, err := acled.ParseDate("last tuesday")
	require.Error(t, err)
}

func TestSofia_ACLED_Aggregated(t *testing.T) {
	t.Parallel()

	var downloads atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		downloads.Add(1)
		_, _ = w.Write([]byte(aggregatedCSV))
	}))
	t.Cleanup(srv.Close)

	clock := clockwork.NewFakeClockAt(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))
	deps := sourcetest.Deps(t, config.SourceConfig{Files: []string{srv.URL + "/south-america.csv"}}, clock)
	deps.Cache = newCache(t, clock)

	a, err := acled.NewAggregated(deps)
	require.NoError(t, err)
	require.Equal(t, "acled_aggregated", a.Name())
	require.Equal(t, 1, a.SourceID())
	require.Equal(t, staging.ACLEDWeekly, a.StagingTable())
	require.Equal(t, config.DefaultAdapterTimeout, a.Timeout())

	sink := &sourcetest.Sink{}
	require.NoError(t, a.Collect(context.Background(), sink))
	require.Len(t, sink.Rows, 2)
	require.Equal(t, []string{"parse"}, sink.Failures)

	first := sink.Rows[0]
	// ACLED weeks start on Saturday; staging keeps the Monday.
	require.Equal(t, "2024-01-01", first.Payload["week"])
	require.Equal(t, "2024-01-06", first.Payload["source_week"])
	require.Equal(t, 12, first.Payload["events"])
	require.Equal(t, 1500000, first.Payload["population_exposure"])
	require.Equal(t, -23.5, first.Payload["centroid_latitude"])
	require.Equal(t, []string{"2024-01-01", "Brazil", "Sao Paulo", "", "Protests", "Peaceful protest"}, first.NaturalKey)
	require.Equal(t, "2024-01-08", sink.Rows[1].Payload["week"])

	// Within max age the cached copy is reused and, being unchanged, skipped.
	again := &sourcetest.Sink{}
	require.NoError(t, a.Collect(context.Background(), again))
	require.Equal(t, int32(1), downloads.Load())

	clock.Advance(25 * time.Hour)
	require.NoError(t, a.Collect(context.Background(), again))
	require.Equal(t, int32(2), downloads.Load())
	require.Empty(t, again.Rows)
}

func TestSofia_ACLED_AggregatedErrors(t *testing.T) {
	t.Parallel()

	a, err := acled.NewAggregated(sourcetest.Deps(t, config.SourceConfig{}, nil))
	require.NoError(t, err)
	err = a.Collect(context.Background(), &sourcetest.Sink{})
	require.Equal(t, source.ErrDependencyMissing, source.CodeOf(err))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("WEEK,COUNTRY,EVENTS\n2024-01-01,Chile,3\n"))
	}))
	t.Cleanup(srv.Close)

	a, err = acled.NewAggregated(sourcetest.Deps(t, config.SourceConfig{Files: []string{srv.URL}}, nil))
	require.NoError(t, err)
	err = a.Collect(context.Background(), &sourcetest.Sink{})
	require.Equal(t, source.ErrSchemaMismatch, source.CodeOf(err))
	require.ErrorContains(t, err, "event_type")

	_, err = acled.NewAggregated(sourcetest.Deps(t, config.SourceConfig{Params: map[string]string{"max_age_hours": "x"}}, nil))
	require.Error(t, err)
}

func TestSofia_ACLED_Events(t *testing.T) {
	t.Parallel()

	var pages atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		if r.PostForm.Get("password") != "s3cret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"access_token":"tok","token_type":"Bearer"}`))
	})
	mux.HandleFunc("/api/acled/read", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		require.Equal(t, "2024-02-01|2024-03-02", r.URL.Query().Get("event_date"))
		pages.Add(1)
		switch r.URL.Query().Get("page") {
		case "1":
			_, _ = w.Write([]byte(`{"status":200,"success":true,"count":2,"data":[
				{"event_id_cnty":"BRA1","event_date":"2024-02-14","event_type":"Riots","sub_event_type":"Mob violence","country":"Brazil","iso":"76","admin1":"Bahia","location":"Salvador","latitude":"-12.97","longitude":"-38.5","fatalities":"2"},
				{"event_id_cnty":"CHL9","event_date":"2024-02-15","event_type":"Protests","country":"Chile","iso":152,"latitude":"","longitude":null,"fatalities":0}
			]}`))
		default:
			_, _ = w.Write([]byte(`{"status":200,"success":true,"count":1,"data":[{"event_id_cnty":"","event_date":"2024-02-16"}]}`))
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	clock := clockwork.NewFakeClockAt(time.Date(2024, 3, 2, 10, 0, 0, 0, time.UTC))
	deps := sourcetest.Deps(t, config.SourceConfig{Endpoint: srv.URL, Params: map[string]string{"page_size": "2"}}, clock)

	t.Run("missing credentials", func(t *testing.T) {
		a, err := acled.NewEvents(deps)
		require.NoError(t, err)
		err = a.Collect(context.Background(), &sourcetest.Sink{})
		require.Equal(t, source.ErrAuthMissing, source.CodeOf(err))
	})

	t.Run("rejected credentials", func(t *testing.T) {
		d := deps
		d.Credentials = config.Credentials{ACLEDEmail: "a@example.org", ACLEDPassword: "wrong"}
		a, err := acled.NewEvents(d)
		require.NoError(t, err)
		err = a.Collect(context.Background(), &sourcetest.Sink{})
		require.Equal(t, source.ErrAuthMissing, source.CodeOf(err))
	})

	t.Run("pages until short page", func(t *testing.T) {
		d := deps
		d.Credentials = config.Credentials{ACLEDEmail: "a@example.org", ACLEDPassword: "s3cret"}
		a, err := acled.NewEvents(d)
		require.NoError(t, err)
		require.Equal(t, staging.ACLEDEvents, a.StagingTable())

		sink := &sourcetest.Sink{}
		require.NoError(t, a.Collect(context.Background(), sink))
		require.Equal(t, int32(2), pages.Load())
		require.Len(t, sink.Rows, 2)
		require.Len(t, sink.Failures, 1)

		bra := sink.Rows[0]
		require.Equal(t, []string{"BRA1"}, bra.NaturalKey)
		require.Equal(t, "2024-02-12", bra.Payload["week"])
		require.Equal(t, 76, bra.Payload["iso"])
		require.Equal(t, 2, bra.Payload["fatalities"])
		require.Equal(t, -12.97, bra.Payload["latitude"])

		chl := sink.Rows[1]
		require.Equal(t, 152, chl.Payload["iso"])
		require.NotContains(t, chl.Payload, "latitude")
		require.NotContains(t, chl.Payload, "longitude")
		require.Equal(t, 0, chl.Payload["fatalities"])
	})
}

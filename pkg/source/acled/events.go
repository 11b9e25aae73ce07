package acled

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/sofia/pkg/source"
	"github.com/malbeclabs/sofia/pkg/staging"
)

const (
	EventsName     = "acled_events"
	EventsSourceID = 2

	DefaultAPIBase    = "https://acleddata.com"
	defaultPageSize   = 5000
	defaultWindowDays = 30
	maxPages          = 1000
)

type Events struct {
	log        *slog.Logger
	http       *source.HTTPClient
	clock      clockwork.Clock
	base       string
	email      string
	password   string
	pageSize   int
	windowDays int
	timeout    time.Duration
}

func NewEvents(d source.Deps) (source.Adapter, error) {
	pageSize := defaultPageSize
	if v := d.Source.Param("page_size", ""); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid page_size %q", v)
		}
		pageSize = n
	}
	window := d.Source.WindowDays
	if window <= 0 {
		window = defaultWindowDays
	}
	base := d.Source.Endpoint
	if base == "" {
		base = DefaultAPIBase
	}
	return &Events{
		log:        d.Logger,
		http:       d.HTTP,
		clock:      d.Clock,
		base:       base,
		email:      d.Credentials.ACLEDEmail,
		password:   d.Credentials.ACLEDPassword,
		pageSize:   pageSize,
		windowDays: window,
		timeout:    d.Timeout(),
	}, nil
}

func (e *Events) Name() string           { return EventsName }
func (e *Events) SourceID() int          { return EventsSourceID }
func (e *Events) StagingTable() string   { return staging.ACLEDEvents }
func (e *Events) Timeout() time.Duration { return e.timeout }

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

type readResponse struct {
	Status  int               `json:"status"`
	Success bool              `json:"success"`
	Count   int               `json:"count"`
	Data    []json.RawMessage `json:"data"`
}

// apiNumber accepts a JSON number, a quoted number, an empty string or null.
type apiNumber string

func (n *apiNumber) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "null" {
		s = ""
	}
	*n = apiNumber(strings.TrimSpace(s))
	return nil
}

// apiEvent mirrors the read endpoint. Numeric fields arrive as strings.
type apiEvent struct {
	EventIDCnty  string    `json:"event_id_cnty"`
	EventDate    string    `json:"event_date"`
	DisorderType string    `json:"disorder_type"`
	EventType    string    `json:"event_type"`
	SubEventType string    `json:"sub_event_type"`
	Country      string    `json:"country"`
	ISO          apiNumber `json:"iso"`
	Region       string    `json:"region"`
	Admin1       string    `json:"admin1"`
	Admin2       string    `json:"admin2"`
	Location     string    `json:"location"`
	Latitude     apiNumber `json:"latitude"`
	Longitude    apiNumber `json:"longitude"`
	Fatalities   apiNumber `json:"fatalities"`
	Source       string    `json:"source"`
}

func (e *Events) Collect(ctx context.Context, sink source.Sink) error {
	if e.email == "" || e.password == "" {
		return source.Errorf(source.ErrAuthMissing, "ACLED_EMAIL and ACLED_PASSWORD are required")
	}
	token, err := e.token(ctx)
	if err != nil {
		return err
	}

	end := e.clock.Now().UTC()
	start := end.AddDate(0, 0, -e.windowDays)
	header := http.Header{"Authorization": {"Bearer " + token}}

	total := 0
	for page := 1; page <= maxPages; page++ {
		q := url.Values{}
		q.Set("_format", "json")
		q.Set("limit", strconv.Itoa(e.pageSize))
		q.Set("page", strconv.Itoa(page))
		q.Set("event_date", start.Format(time.DateOnly)+"|"+end.Format(time.DateOnly))
		q.Set("event_date_where", "BETWEEN")

		body, err := e.http.Get(ctx, e.base+"/api/acled/read?"+q.Encode(), header)
		if err != nil {
			return fmt.Errorf("failed to read page %d: %w", page, err)
		}
		var resp readResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return source.Errorf(source.ErrSchemaMismatch, "failed to decode page %d: %v", page, err)
		}
		if !resp.Success && resp.Status != 0 && resp.Status != http.StatusOK {
			return source.Errorf(source.ErrUnknown, "read returned status %d", resp.Status)
		}
		for _, raw := range resp.Data {
			row, err := eventRow(raw)
			if err != nil {
				e.log.Debug("acled: skipping event", "error", err)
				sink.RowFailed("parse")
				continue
			}
			if err := sink.Write(ctx, row); err != nil {
				return err
			}
		}
		total += len(resp.Data)
		e.log.Debug("acled: read page", "page", page, "rows", len(resp.Data))
		if len(resp.Data) < e.pageSize {
			break
		}
	}
	e.log.Info("acled: collected events", "rows", total, "from", start.Format(time.DateOnly), "to", end.Format(time.DateOnly))
	return nil
}

func (e *Events) token(ctx context.Context) (string, error) {
	body, err := e.http.PostForm(ctx, e.base+"/oauth/token", url.Values{
		"username":   {e.email},
		"password":   {e.password},
		"grant_type": {"password"},
		"client_id":  {"acled"},
	})
	if err != nil {
		if source.CodeOf(err) == source.ErrUnknown {
			return "", source.Errorf(source.ErrAuthMissing, "token request rejected: %v", err)
		}
		return "", err
	}
	var tok tokenResponse
	if err := json.Unmarshal(body, &tok); err != nil || tok.AccessToken == "" {
		return "", source.Errorf(source.ErrAuthMissing, "token response has no access token")
	}
	return tok.AccessToken, nil
}

func eventRow(raw json.RawMessage) (source.RawRow, error) {
	var ev apiEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return source.RawRow{}, err
	}
	if ev.EventIDCnty == "" {
		return source.RawRow{}, fmt.Errorf("event without id")
	}
	date, err := ParseDate(ev.EventDate)
	if err != nil {
		return source.RawRow{}, err
	}
	fatalities, err := atoi(string(ev.Fatalities))
	if err != nil {
		return source.RawRow{}, fmt.Errorf("fatalities: %w", err)
	}
	payload := map[string]any{
		"event_id_cnty":  ev.EventIDCnty,
		"event_date":     date.Format(time.DateOnly),
		"week":           staging.WeekOf(date).Format(time.DateOnly),
		"disorder_type":  ev.DisorderType,
		"event_type":     ev.EventType,
		"sub_event_type": ev.SubEventType,
		"country":        ev.Country,
		"region":         ev.Region,
		"admin1":         ev.Admin1,
		"admin2":         ev.Admin2,
		"location":       ev.Location,
		"fatalities":     fatalities,
		"source":         ev.Source,
	}
	if iso, err := strconv.Atoi(string(ev.ISO)); err == nil {
		payload["iso"] = iso
	}
	if lat, err := strconv.ParseFloat(string(ev.Latitude), 64); err == nil {
		payload["latitude"] = lat
	}
	if lon, err := strconv.ParseFloat(string(ev.Longitude), 64); err == nil {
		payload["longitude"] = lon
	}
	return source.RawRow{NaturalKey: []string{ev.EventIDCnty}, Payload: payload}, nil
}

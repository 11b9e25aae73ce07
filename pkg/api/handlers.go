package api

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/malbeclabs/sofia/pkg/coverage"
	"github.com/malbeclabs/sofia/pkg/normalize"
	"github.com/malbeclabs/sofia/pkg/pg"
	"github.com/malbeclabs/sofia/pkg/runs"
)

var countryCodeRe = regexp.MustCompile(`^[A-Z]{2}$`)

type PaginatedResponse[T any] struct {
	Items  []T `json:"items"`
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("api: failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, msg string, err error) {
	if err != nil {
		s.log.Error("api: request failed", "path", r.URL.Path, "status", status, "error", err)
	}
	s.writeJSON(w, status, ErrorResponse{Error: msg})
}

// pagination reads limit and offset, clamping limit to maxLimit.
func pagination(r *http.Request) (limit, offset int, ok bool) {
	limit, offset = defaultLimit, 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return 0, 0, false
		}
		limit = min(n, maxLimit)
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return 0, 0, false
		}
		offset = n
	}
	return limit, offset, true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.DB.PingContext(r.Context()); err != nil {
		s.writeError(w, r, http.StatusServiceUnavailable, "database unavailable", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type Observation struct {
	Source              string     `json:"source"`
	SourceID            string     `json:"source_id"`
	SignalType          string     `json:"signal_type"`
	CoverageScope       string     `json:"coverage_scope"`
	Admin1              string     `json:"admin1,omitempty"`
	City                string     `json:"city,omitempty"`
	Latitude            *float64   `json:"latitude,omitempty"`
	Longitude           *float64   `json:"longitude,omitempty"`
	SeverityRaw         float64    `json:"severity_raw"`
	SeverityNorm        float64    `json:"severity_norm"`
	ConfidenceScore     float64    `json:"confidence_score"`
	CoverageScoreGlobal float64    `json:"coverage_score_global"`
	CoverageScoreLocal  float64    `json:"coverage_score_local"`
	EventTimeStart      *time.Time `json:"event_time_start,omitempty"`
	EventTimeEnd        *time.Time `json:"event_time_end,omitempty"`
}

const countryObservations = `
SELECT source, source_id, signal_type, coverage_scope, COALESCE(admin1, ''), COALESCE(city, ''),
       latitude, longitude, severity_raw, severity_norm, confidence_score,
       coverage_score_global, coverage_score_local, event_time_start, event_time_end
FROM sofia.security_observations
WHERE country_code = $1 AND ($2 = '' OR coverage_scope = $2)
ORDER BY event_time_start DESC NULLS LAST, source, source_id
LIMIT $3 OFFSET $4`

func (s *Server) handleCountrySecurity(w http.ResponseWriter, r *http.Request) {
	code := strings.ToUpper(chi.URLParam(r, "code"))
	if !countryCodeRe.MatchString(code) {
		s.writeError(w, r, http.StatusBadRequest, "country code must be two letters", nil)
		return
	}
	scope := r.URL.Query().Get("scope")
	if scope != "" && scope != normalize.ScopeGlobal && scope != normalize.ScopeLocal {
		s.writeError(w, r, http.StatusBadRequest, "scope must be global_comparable or local_only", nil)
		return
	}
	limit, offset, ok := pagination(r)
	if !ok {
		s.writeError(w, r, http.StatusBadRequest, "invalid limit or offset", nil)
		return
	}

	ctx := r.Context()
	var total int
	if err := s.cfg.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sofia.security_observations WHERE country_code = $1 AND ($2 = '' OR coverage_scope = $2)`,
		code, scope).Scan(&total); err != nil {
		s.writeError(w, r, http.StatusInternalServerError, "failed to count observations", err)
		return
	}

	rows, err := s.cfg.DB.QueryContext(ctx, countryObservations, code, scope, limit, offset)
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, "failed to query observations", err)
		return
	}
	defer rows.Close()

	items := []Observation{}
	for rows.Next() {
		var (
			o          Observation
			lat, lon   sql.NullFloat64
			start, end sql.NullTime
		)
		if err := rows.Scan(&o.Source, &o.SourceID, &o.SignalType, &o.CoverageScope, &o.Admin1, &o.City,
			&lat, &lon, &o.SeverityRaw, &o.SeverityNorm, &o.ConfidenceScore,
			&o.CoverageScoreGlobal, &o.CoverageScoreLocal, &start, &end); err != nil {
			s.writeError(w, r, http.StatusInternalServerError, "failed to read observations", err)
			return
		}
		if lat.Valid {
			o.Latitude = &lat.Float64
		}
		if lon.Valid {
			o.Longitude = &lon.Float64
		}
		if start.Valid {
			o.EventTimeStart = &start.Time
		}
		if end.Valid {
			o.EventTimeEnd = &end.Time
		}
		items = append(items, o)
	}
	if err := rows.Err(); err != nil {
		s.writeError(w, r, http.StatusInternalServerError, "failed to read observations", err)
		return
	}
	s.writeJSON(w, http.StatusOK, PaginatedResponse[Observation]{Items: items, Total: total, Limit: limit, Offset: offset})
}

func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if !s.views[name] {
		s.writeError(w, r, http.StatusNotFound, "unknown view", nil)
		return
	}
	limit, offset, ok := pagination(r)
	if !ok {
		s.writeError(w, r, http.StatusBadRequest, "invalid limit or offset", nil)
		return
	}

	ctx := r.Context()
	ident := pg.Ident(pg.Schema + "." + name)
	var total int
	if err := s.cfg.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+ident).Scan(&total); err != nil {
		s.writeError(w, r, http.StatusInternalServerError, "failed to count view rows", err)
		return
	}
	rows, err := s.cfg.DB.QueryContext(ctx,
		"SELECT row_to_json(v)::text FROM "+ident+" v ORDER BY 1 LIMIT $1 OFFSET $2", limit, offset)
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, "failed to query view", err)
		return
	}
	defer rows.Close()

	items := []json.RawMessage{}
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			s.writeError(w, r, http.StatusInternalServerError, "failed to read view", err)
			return
		}
		items = append(items, json.RawMessage(raw))
	}
	if err := rows.Err(); err != nil {
		s.writeError(w, r, http.StatusInternalServerError, "failed to read view", err)
		return
	}
	s.writeJSON(w, http.StatusOK, PaginatedResponse[json.RawMessage]{Items: items, Total: total, Limit: limit, Offset: offset})
}

type Run struct {
	ID            int64      `json:"id"`
	CollectorName string     `json:"collector_name"`
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	Status        string     `json:"status"`
	RowsInserted  int64      `json:"rows_inserted"`
	RowsFailed    int64      `json:"rows_failed"`
	ErrorCode     string     `json:"error_code,omitempty"`
	Error         string     `json:"error,omitempty"`
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit, _, ok := pagination(r)
	if !ok {
		s.writeError(w, r, http.StatusBadRequest, "invalid limit", nil)
		return
	}
	recent, err := s.cfg.Runs.Recent(r.Context(), r.URL.Query().Get("collector"), limit)
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, "failed to list runs", err)
		return
	}
	items := make([]Run, 0, len(recent))
	for _, run := range recent {
		items = append(items, toRun(run))
	}
	s.writeJSON(w, http.StatusOK, map[string][]Run{"items": items})
}

func toRun(r runs.Run) Run {
	return Run{
		ID:            r.ID,
		CollectorName: r.CollectorName,
		StartedAt:     r.StartedAt,
		FinishedAt:    r.FinishedAt,
		Status:        string(r.Status),
		RowsInserted:  r.RowsInserted,
		RowsFailed:    r.RowsFailed,
		ErrorCode:     r.ErrorCode,
		Error:         r.Error,
	}
}

type CountryCoverage struct {
	CountryCode string  `json:"country_code"`
	Scope       string  `json:"coverage_scope"`
	Score       float64 `json:"score"`
	Low         bool    `json:"low_coverage"`
}

const coverageByCountry = `
SELECT country_code, coverage_scope,
       max(CASE WHEN coverage_scope = 'local_only' THEN coverage_score_local ELSE coverage_score_global END)
FROM sofia.security_observations
WHERE country_code IS NOT NULL
GROUP BY country_code, coverage_scope
ORDER BY country_code, coverage_scope`

func (s *Server) handleCoverage(w http.ResponseWriter, r *http.Request) {
	rows, err := s.cfg.DB.QueryContext(r.Context(), coverageByCountry)
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, "failed to query coverage", err)
		return
	}
	defer rows.Close()

	items := []CountryCoverage{}
	for rows.Next() {
		var c CountryCoverage
		if err := rows.Scan(&c.CountryCode, &c.Scope, &c.Score); err != nil {
			s.writeError(w, r, http.StatusInternalServerError, "failed to read coverage", err)
			return
		}
		c.Low = c.Score < coverage.LowCoverage
		items = append(items, c)
	}
	if err := rows.Err(); err != nil {
		s.writeError(w, r, http.StatusInternalServerError, "failed to read coverage", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string][]CountryCoverage{"items": items})
}

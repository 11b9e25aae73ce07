package coverage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/sofia/pkg/metrics"
	"github.com/malbeclabs/sofia/pkg/normalize"
	"github.com/malbeclabs/sofia/pkg/pg"
	"github.com/malbeclabs/sofia/pkg/source/acled"
	"github.com/malbeclabs/sofia/pkg/source/gdelt"
	"github.com/malbeclabs/sofia/pkg/source/worldbank"
)

// Weights holds both weight sets; zero values are replaced by the defaults.
type Weights struct {
	Global GlobalWeights `yaml:"global"`
	Local  LocalWeights  `yaml:"local"`
}

type Config struct {
	Logger  *slog.Logger
	DB      pg.DB
	Clock   clockwork.Clock
	Weights Weights

	GlobalRecentDays int
	LocalRecentDays  int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.DB == nil {
		return errors.New("db is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Weights.Global == (GlobalWeights{}) {
		cfg.Weights.Global = DefaultGlobalWeights()
	}
	if cfg.Weights.Local == (LocalWeights{}) {
		cfg.Weights.Local = DefaultLocalWeights()
	}
	if err := cfg.Weights.Global.Validate(); err != nil {
		return err
	}
	if err := cfg.Weights.Local.Validate(); err != nil {
		return err
	}
	if cfg.GlobalRecentDays <= 0 {
		cfg.GlobalRecentDays = DefaultGlobalRecentDays
	}
	if cfg.LocalRecentDays <= 0 {
		cfg.LocalRecentDays = DefaultLocalRecentDays
	}
	return nil
}

// CountryCoverage is one row of the coverage report.
type CountryCoverage struct {
	CountryCode string
	Scope       string
	Score       float64
	Low         bool
}

type Report struct {
	Countries []CountryCoverage
	Updated   int64
}

// LowCoverage returns the countries scoring under LowCoverage.
func (r Report) LowCoverage() []CountryCoverage {
	var out []CountryCoverage
	for _, c := range r.Countries {
		if c.Low {
			out = append(out, c)
		}
	}
	return out
}

type Scorer struct {
	log *slog.Logger
	cfg Config
}

func NewScorer(cfg Config) (*Scorer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	return &Scorer{log: cfg.Logger, cfg: cfg}, nil
}

const globalInputsQuery = `
SELECT country_code,
       bool_or(source IN ($1, $2)),
       bool_or(source = $3),
       bool_or(source = $4),
       max(event_time_start)
FROM sofia.security_observations
WHERE country_code IS NOT NULL AND coverage_scope = $5
GROUP BY country_code
ORDER BY country_code`

const localInputsQuery = `
SELECT o.country_code,
       bool_or(s.is_government),
       COUNT(DISTINCT o.source),
       bool_or(o.admin1 IS NOT NULL OR o.city IS NOT NULL),
       max(COALESCE(o.event_time_end, o.event_time_start))
FROM sofia.security_observations o
JOIN sofia.sources s ON s.name = o.source
WHERE o.country_code IS NOT NULL AND o.coverage_scope = $1
GROUP BY o.country_code
ORDER BY o.country_code`

// Run recomputes coverage for every resolved country and writes the scores
// back onto the observations of that country and scope.
func (s *Scorer) Run(ctx context.Context) (Report, error) {
	today := s.cfg.Clock.Now().UTC().Truncate(24 * time.Hour)

	global, err := s.globalInputs(ctx)
	if err != nil {
		return Report{}, err
	}
	local, err := s.localInputs(ctx)
	if err != nil {
		return Report{}, err
	}

	var report Report
	for _, code := range sortedKeys(global) {
		score := s.cfg.Weights.Global.Score(global[code], today, s.cfg.GlobalRecentDays)
		report.Countries = append(report.Countries, CountryCoverage{
			CountryCode: code, Scope: normalize.ScopeGlobal, Score: score, Low: score < LowCoverage,
		})
	}
	for _, code := range sortedKeys(local) {
		score := s.cfg.Weights.Local.Score(local[code], today, s.cfg.LocalRecentDays)
		report.Countries = append(report.Countries, CountryCoverage{
			CountryCode: code, Scope: normalize.ScopeLocal, Score: score, Low: score < LowCoverage,
		})
	}

	err = pg.RetryOnTimeout(ctx, s.log, "coverage write-back", func(ctx context.Context) error {
		return pg.InTx(ctx, s.cfg.DB, func(tx *sql.Tx) error {
			report.Updated = 0
			for _, c := range report.Countries {
				n, err := writeBack(ctx, tx, c)
				if err != nil {
					return err
				}
				report.Updated += n
			}
			return nil
		})
	})
	if err != nil {
		return Report{}, fmt.Errorf("failed to write coverage scores: %w", err)
	}

	for _, c := range report.Countries {
		metrics.CoverageScore.WithLabelValues(c.CountryCode, c.Scope).Set(c.Score)
	}
	s.log.Info("coverage: scored countries", "countries", len(report.Countries),
		"low_coverage", len(report.LowCoverage()), "rows_updated", report.Updated)
	return report, nil
}

func writeBack(ctx context.Context, tx *sql.Tx, c CountryCoverage) (int64, error) {
	column := "coverage_score_global"
	if c.Scope == normalize.ScopeLocal {
		column = "coverage_score_local"
	}
	res, err := tx.ExecContext(ctx, fmt.Sprintf(
		`UPDATE sofia.security_observations SET %[1]s = $1 WHERE country_code = $2 AND coverage_scope = $3 AND %[1]s IS DISTINCT FROM $1`,
		column), c.Score, c.CountryCode, c.Scope)
	if err != nil {
		return 0, fmt.Errorf("failed to update %s for %s: %w", column, c.CountryCode, err)
	}
	return res.RowsAffected()
}

func (s *Scorer) globalInputs(ctx context.Context) (map[string]GlobalInputs, error) {
	rows, err := s.cfg.DB.QueryContext(ctx, globalInputsQuery,
		acled.AggregatedName, acled.EventsName, worldbank.Name, gdelt.Name, normalize.ScopeGlobal)
	if err != nil {
		return nil, fmt.Errorf("failed to query global coverage inputs: %w", err)
	}
	defer rows.Close()

	out := make(map[string]GlobalInputs)
	for rows.Next() {
		var (
			code string
			in   GlobalInputs
			last sql.NullTime
		)
		if err := rows.Scan(&code, &in.HasACLED, &in.HasWorldBank, &in.HasGDELT, &last); err != nil {
			return nil, fmt.Errorf("failed to scan global coverage inputs: %w", err)
		}
		if last.Valid {
			in.LastEvent = last.Time
		}
		out[code] = in
	}
	return out, rows.Err()
}

func (s *Scorer) localInputs(ctx context.Context) (map[string]LocalInputs, error) {
	rows, err := s.cfg.DB.QueryContext(ctx, localInputsQuery, normalize.ScopeLocal)
	if err != nil {
		return nil, fmt.Errorf("failed to query local coverage inputs: %w", err)
	}
	defer rows.Close()

	out := make(map[string]LocalInputs)
	for rows.Next() {
		var (
			code string
			in   LocalInputs
			last sql.NullTime
		)
		if err := rows.Scan(&code, &in.HasGovernment, &in.DistinctSources, &in.SubCountry, &last); err != nil {
			return nil, fmt.Errorf("failed to scan local coverage inputs: %w", err)
		}
		if last.Valid {
			in.LastUpdate = last.Time
		}
		out[code] = in
	}
	return out, rows.Err()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

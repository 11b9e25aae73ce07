// Package coverage scores how well each country is observed, per coverage
// scope, and writes the score back onto the country's observations.
package coverage

import (
	"fmt"
	"time"
)

const (
	DefaultGlobalRecentDays = 30
	DefaultLocalRecentDays  = 90

	// LowCoverage is the score under which composite risk carries a
	// low-coverage warning.
	LowCoverage = 50
)

type GlobalWeights struct {
	ACLED     float64 `yaml:"acled"`
	WorldBank float64 `yaml:"worldbank"`
	GDELT     float64 `yaml:"gdelt"`
	Recent    float64 `yaml:"recent"`
}

type LocalWeights struct {
	Government  float64 `yaml:"government"`
	MultiSource float64 `yaml:"multi_source"`
	SubCountry  float64 `yaml:"sub_country"`
	Recent      float64 `yaml:"recent"`
}

func DefaultGlobalWeights() GlobalWeights {
	return GlobalWeights{ACLED: 40, WorldBank: 30, GDELT: 20, Recent: 10}
}

func DefaultLocalWeights() LocalWeights {
	return LocalWeights{Government: 40, MultiSource: 30, SubCountry: 20, Recent: 10}
}

func validateWeights(name string, ws ...float64) error {
	var sum float64
	for _, w := range ws {
		if w < 0 {
			return fmt.Errorf("%s weights must not be negative", name)
		}
		sum += w
	}
	if sum > 100 {
		return fmt.Errorf("%s weights sum to %.1f, more than 100", name, sum)
	}
	return nil
}

func (w GlobalWeights) Validate() error {
	return validateWeights("global", w.ACLED, w.WorldBank, w.GDELT, w.Recent)
}

func (w LocalWeights) Validate() error {
	return validateWeights("local", w.Government, w.MultiSource, w.SubCountry, w.Recent)
}

// GlobalInputs are the facts behind one country's global score.
type GlobalInputs struct {
	HasACLED     bool
	HasWorldBank bool
	HasGDELT     bool
	LastEvent    time.Time
}

// Merge combines the inputs of two source sets for the same country.
func (in GlobalInputs) Merge(o GlobalInputs) GlobalInputs {
	out := GlobalInputs{
		HasACLED:     in.HasACLED || o.HasACLED,
		HasWorldBank: in.HasWorldBank || o.HasWorldBank,
		HasGDELT:     in.HasGDELT || o.HasGDELT,
		LastEvent:    in.LastEvent,
	}
	if o.LastEvent.After(out.LastEvent) {
		out.LastEvent = o.LastEvent
	}
	return out
}

type LocalInputs struct {
	HasGovernment   bool
	DistinctSources int
	SubCountry      bool
	LastUpdate      time.Time
}

func recent(last, today time.Time, days int) bool {
	if last.IsZero() {
		return false
	}
	return !last.Before(today.AddDate(0, 0, -days))
}

func (w GlobalWeights) Score(in GlobalInputs, today time.Time, recentDays int) float64 {
	var s float64
	if in.HasACLED {
		s += w.ACLED
	}
	if in.HasWorldBank {
		s += w.WorldBank
	}
	if in.HasGDELT {
		s += w.GDELT
	}
	if recent(in.LastEvent, today, recentDays) {
		s += w.Recent
	}
	return s
}

func (w LocalWeights) Score(in LocalInputs, today time.Time, recentDays int) float64 {
	var s float64
	if in.HasGovernment {
		s += w.Government
	}
	if in.DistinctSources >= 2 {
		s += w.MultiSource
	}
	if in.SubCountry {
		s += w.SubCountry
	}
	if recent(in.LastUpdate, today, recentDays) {
		s += w.Recent
	}
	return s
}

// Package views refreshes the materialized views in dependency order.
package views

import (
	"errors"
	"fmt"
	"sort"
)

type Level int

const (
	LevelBase Level = iota
	LevelDomain
	LevelComposite
)

var levels = []Level{LevelBase, LevelDomain, LevelComposite}

func (l Level) String() string {
	switch l {
	case LevelBase:
		return "base"
	case LevelDomain:
		return "domain"
	case LevelComposite:
		return "composite"
	}
	return fmt.Sprintf("level(%d)", int(l))
}

type View struct {
	Name      string
	Level     Level
	DependsOn []string
	// UniqueIndex names the index that allows a concurrent refresh. Empty
	// means the view is always refreshed blocking.
	UniqueIndex string
}

// DefaultViews are the views created by the migrations.
func DefaultViews() []View {
	return []View{
		{Name: "mv_skill_demand_by_country", Level: LevelBase, UniqueIndex: "mv_skill_demand_by_country_key"},
		{Name: "mv_skill_supply_by_country", Level: LevelBase, UniqueIndex: "mv_skill_supply_by_country_key"},
		{Name: "mv_security_geo_points", Level: LevelDomain, UniqueIndex: "mv_security_geo_points_key"},
		{Name: "mv_capital_analytics", Level: LevelDomain, UniqueIndex: "mv_capital_analytics_key"},
		{Name: "mv_women_intelligence_by_country", Level: LevelDomain, UniqueIndex: "mv_women_intelligence_by_country_key"},
		{Name: "mv_ngo_coverage_by_country", Level: LevelDomain, UniqueIndex: "mv_ngo_coverage_by_country_key"},
		{Name: "mv_industry_momentum_by_country", Level: LevelDomain, UniqueIndex: "mv_industry_momentum_by_country_key"},
		{
			Name:        "mv_skill_gap_country_summary",
			Level:       LevelComposite,
			DependsOn:   []string{"mv_skill_demand_by_country", "mv_skill_supply_by_country"},
			UniqueIndex: "mv_skill_gap_country_summary_key",
		},
		{
			Name:        "mv_security_country_combined",
			Level:       LevelComposite,
			DependsOn:   []string{"mv_security_geo_points"},
			UniqueIndex: "mv_security_country_combined_key",
		},
	}
}

// Graph is a validated view set, grouped by level.
type Graph struct {
	byLevel map[Level][]View
	byName  map[string]View
}

// NewGraph checks that names are unique, dependencies exist and every
// dependency sits on a strictly lower level, which makes level order a
// topological order.
func NewGraph(views []View) (*Graph, error) {
	g := &Graph{byLevel: make(map[Level][]View), byName: make(map[string]View, len(views))}
	for _, v := range views {
		if v.Name == "" {
			return nil, errors.New("view name is required")
		}
		if v.Level < LevelBase || v.Level > LevelComposite {
			return nil, fmt.Errorf("view %s has invalid level %d", v.Name, int(v.Level))
		}
		if _, dup := g.byName[v.Name]; dup {
			return nil, fmt.Errorf("duplicate view %s", v.Name)
		}
		g.byName[v.Name] = v
	}
	for _, v := range views {
		for _, dep := range v.DependsOn {
			d, ok := g.byName[dep]
			if !ok {
				return nil, fmt.Errorf("view %s depends on unknown view %s", v.Name, dep)
			}
			if d.Level >= v.Level {
				return nil, fmt.Errorf("view %s (%s) depends on %s (%s) which is not on a lower level", v.Name, v.Level, dep, d.Level)
			}
		}
		g.byLevel[v.Level] = append(g.byLevel[v.Level], v)
	}
	for l := range g.byLevel {
		sort.Slice(g.byLevel[l], func(i, j int) bool { return g.byLevel[l][i].Name < g.byLevel[l][j].Name })
	}
	return g, nil
}

func (g *Graph) Level(l Level) []View { return g.byLevel[l] }

func (g *Graph) View(name string) (View, bool) {
	v, ok := g.byName[name]
	return v, ok
}

// Order returns every view in refresh order.
func (g *Graph) Order() []View {
	var out []View
	for _, l := range levels {
		out = append(out, g.byLevel[l]...)
	}
	return out
}

package pipeline

import (
	"fmt"

	"github.com/malbeclabs/sofia/pkg/config"
	"github.com/malbeclabs/sofia/pkg/normalize"
	"github.com/malbeclabs/sofia/pkg/pg"
	"github.com/malbeclabs/sofia/pkg/source"
	"github.com/malbeclabs/sofia/pkg/source/acled"
	"github.com/malbeclabs/sofia/pkg/source/gdelt"
	"github.com/malbeclabs/sofia/pkg/source/registry"
	"github.com/malbeclabs/sofia/pkg/source/worldbank"
)

// DefaultRegistry registers every built-in adapter.
func DefaultRegistry() *source.Registry {
	r := source.NewRegistry()
	r.Register(acled.AggregatedName, acled.NewAggregated)
	r.Register(acled.EventsName, acled.NewEvents)
	r.Register(gdelt.Name, gdelt.New)
	r.Register(worldbank.Name, worldbank.New)
	r.Register(registry.BrazilName, registry.NewBrazil)
	return r
}

// NormalizerFor builds the normalizer reading the named adapter's staging
// table.
func NormalizerFor(name string, loader *normalize.Loader, db pg.Querier, sources config.Sources, gdeltWindowDays int) (normalize.Normalizer, error) {
	switch name {
	case acled.AggregatedName:
		return normalize.NewACLEDAggregated(loader, db), nil
	case acled.EventsName:
		return normalize.NewACLEDEvents(loader, db), nil
	case gdelt.Name:
		return normalize.NewGDELT(loader, db, gdeltWindowDays), nil
	case worldbank.Name:
		return normalize.NewWorldBank(loader, db), nil
	case registry.BrazilName:
		return normalize.NewRegistry(loader, db, name, sources.Get(name).Param("country", "Brazil")), nil
	}
	return nil, fmt.Errorf("no normalizer for %q", name)
}

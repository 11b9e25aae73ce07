package country

import (
	"fmt"
	"regexp"
	"sort"
)

// MinSubstringAliasLen is the shortest alias used for substring matching.
// Shorter aliases only match when they equal the whole normalized text.
const MinSubstringAliasLen = 4

var aliasNormRegex = regexp.MustCompile(`^[a-z0-9]+$`)

type Country struct {
	Code   string
	ISO3   string
	NameEN string
	NamePT string
	Region string
}

type Alias struct {
	// ID is the insertion order in country_aliases and breaks ties between
	// equally long aliases.
	ID   int64
	Norm string
	Code string
}

// Table is an immutable in-memory index of countries and their aliases.
type Table struct {
	countries map[string]Country
	exact     map[string]Alias
	// byPrefix indexes substring-eligible aliases by their first
	// MinSubstringAliasLen bytes, longest first then lowest ID.
	byPrefix map[string][]Alias
}

// NewTable validates and indexes countries and aliases. Every alias must be
// well-formed and point to a known country, no alias may map to two
// countries, and every country needs at least one alias.
func NewTable(countries []Country, aliases []Alias) (*Table, error) {
	t := &Table{
		countries: make(map[string]Country, len(countries)),
		exact:     make(map[string]Alias, len(aliases)),
		byPrefix:  make(map[string][]Alias),
	}
	for _, c := range countries {
		if len(c.Code) != 2 {
			return nil, fmt.Errorf("invalid country code %q", c.Code)
		}
		t.countries[c.Code] = c
	}

	sorted := make([]Alias, len(aliases))
	copy(sorted, aliases)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	for _, a := range sorted {
		if len(a.Norm) < 2 || !aliasNormRegex.MatchString(a.Norm) {
			return nil, fmt.Errorf("invalid alias %q", a.Norm)
		}
		if _, ok := t.countries[a.Code]; !ok {
			return nil, fmt.Errorf("alias %q references unknown country %q", a.Norm, a.Code)
		}
		if prev, ok := t.exact[a.Norm]; ok {
			if prev.Code != a.Code {
				return nil, fmt.Errorf("alias %q maps to both %s and %s", a.Norm, prev.Code, a.Code)
			}
			continue
		}
		t.exact[a.Norm] = a
		if len(a.Norm) >= MinSubstringAliasLen {
			key := a.Norm[:MinSubstringAliasLen]
			t.byPrefix[key] = append(t.byPrefix[key], a)
		}
	}

	covered := make(map[string]bool, len(t.countries))
	for _, a := range t.exact {
		covered[a.Code] = true
	}
	for code := range t.countries {
		if !covered[code] {
			return nil, fmt.Errorf("country %s has no alias", code)
		}
	}

	for key, list := range t.byPrefix {
		sort.SliceStable(list, func(i, j int) bool {
			if len(list[i].Norm) != len(list[j].Norm) {
				return len(list[i].Norm) > len(list[j].Norm)
			}
			return list[i].ID < list[j].ID
		})
		t.byPrefix[key] = list
	}
	return t, nil
}

func (t *Table) Country(code string) (Country, bool) {
	c, ok := t.countries[code]
	return c, ok
}

func (t *Table) Len() int { return len(t.countries) }

func (t *Table) Aliases() int { return len(t.exact) }

// Lookup returns the country for an exact alias match of the normalized s.
func (t *Table) Lookup(s string) (Country, bool) {
	a, ok := t.exact[Normalize(s)]
	if !ok {
		return Country{}, false
	}
	return t.countries[a.Code], true
}

type aliasHit struct {
	alias      Alias
	start, end int
	exact      bool
	aligned    bool
}

// findAlias returns the best alias in text: the whole text as an alias
// first, then the longest substring alias, ties going to the lowest ID.
func (t *Table) findAlias(n normalized) (aliasHit, bool) {
	if n.norm == "" {
		return aliasHit{}, false
	}
	if a, ok := t.exact[n.norm]; ok {
		return aliasHit{alias: a, start: 0, end: len(n.norm), exact: true, aligned: true}, true
	}

	var best aliasHit
	found := false
	for i := 0; i+MinSubstringAliasLen <= len(n.norm); i++ {
		for _, a := range t.byPrefix[n.norm[i:i+MinSubstringAliasLen]] {
			if len(n.norm)-i < len(a.Norm) || n.norm[i:i+len(a.Norm)] != a.Norm {
				continue
			}
			end := i + len(a.Norm)
			switch {
			case !found,
				len(a.Norm) > len(best.alias.Norm),
				len(a.Norm) == len(best.alias.Norm) && a.ID < best.alias.ID:
				best = aliasHit{alias: a, start: i, end: end, aligned: n.aligned(i, end)}
				found = true
			case a.ID == best.alias.ID && !best.aligned && n.aligned(i, end):
				best = aliasHit{alias: a, start: i, end: end, aligned: true}
			}
			// Candidates are sorted longest first; shorter ones at this
			// offset cannot beat the one just seen.
			break
		}
	}
	return best, found
}

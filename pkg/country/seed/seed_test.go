package seed_test

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/sofia/pkg/country"
	"github.com/malbeclabs/sofia/pkg/country/seed"
)

func TestSofia_Seed_Load(t *testing.T) {
	t.Parallel()

	d, err := seed.Load()
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(d.Countries), 249)

	aliasRe := regexp.MustCompile(`^[a-z0-9]+$`)
	byNorm := make(map[string]string, len(d.Aliases))
	for i, a := range d.Aliases {
		require.Equal(t, int64(i+1), a.ID)
		require.Regexp(t, aliasRe, a.Norm)
		require.GreaterOrEqual(t, len(a.Norm), 2)
		_, dup := byNorm[a.Norm]
		require.False(t, dup, "duplicate alias %q", a.Norm)
		byNorm[a.Norm] = a.Code
	}

	for _, c := range d.Countries {
		require.Equal(t, c.Code, byNorm[country.Normalize(c.NameEN)], "english name of %s", c.Code)
		require.Equal(t, c.Code, byNorm[country.Normalize(c.NamePT)], "portuguese name of %s", c.Code)
		require.Equal(t, c.Code, byNorm[country.Normalize(c.ISO3)], "iso3 of %s", c.Code)
	}

	require.Equal(t, "BR", byNorm["brasil"])
	require.Equal(t, "BR", byNorm["brazil"])
	require.Equal(t, "GB", byNorm["uk"])
	require.Equal(t, "CD", byNorm["democraticrepublicofcongo"])
	require.Equal(t, "CI", byNorm["cotedivoire"])
}

func TestSofia_Seed_Table(t *testing.T) {
	t.Parallel()

	table, err := seed.Table()
	require.NoError(t, err)

	c, ok := table.Lookup("Alemanha")
	require.True(t, ok)
	require.Equal(t, "DE", c.Code)
	require.Equal(t, "Germany", c.NameEN)
}

package country

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"regexp"
	"strings"

	"github.com/malbeclabs/sofia/pkg/metrics"
)

type Method string

const (
	MethodMetadataJurisdiction Method = "metadata_jurisdiction"
	MethodMetadataCountryCode  Method = "metadata_country_code"
	MethodMetadataCountry      Method = "metadata_country"
	MethodURLTLD               Method = "url_tld"
	MethodAliasExact           Method = "alias_exact"
	MethodAliasPartial         Method = "alias_partial"
	MethodIPGeolocation        Method = "ip_geolocation"
)

const (
	ConfidenceISOLiteral      = 0.90
	ConfidenceMetadataCode    = 0.90
	ConfidenceMetadataCountry = 0.85
	ConfidenceURLTLD          = 0.80
	ConfidenceTitleAligned    = 0.80
	ConfidenceTitlePartial    = 0.75
	ConfidenceDescription     = 0.65
	ConfidenceIPGeolocation   = 0.60
	maxMatchedTextRunes       = 100
	metadataJurisdictionKey   = "jurisdiction"
	metadataCountryCodeKey    = "country_code"
	metadataCountryKey        = "country"
)

var (
	isoLiteralRegex = regexp.MustCompile(`^\s*([A-Za-z]{2})\s*$`)

	// Metadata fields that may carry a URL or bare host.
	urlFields = []string{"url", "link", "source_url", "website", "domain"}

	// ccTLDs that are mostly registered as generic vanity domains.
	vanityTLDs = map[string]bool{
		"ai": true, "cc": true, "co": true, "fm": true, "gg": true, "io": true,
		"me": true, "tv": true, "ws": true, "ly": true, "to": true, "sh": true,
	}

	tldAliases = map[string]string{"uk": "GB"}
)

// Input is everything a row offers for country resolution.
type Input struct {
	// Text is a free-text country reference, such as a staging country column.
	Text        string
	Metadata    map[string]any
	URL         string
	Title       string
	Description string
	IP          net.IP
}

type Match struct {
	Code        string
	Method      Method
	Confidence  float64
	MatchedText string
	// DisplayName is the canonical English name of Code.
	DisplayName string
}

// Resolve applies the resolution priority over t and returns the first hit.
// It never fabricates a code: ok is false when nothing matches.
func (t *Table) Resolve(in Input) (Match, bool) {
	if m := isoLiteralRegex.FindStringSubmatch(in.Text); m != nil {
		if c, ok := t.countries[strings.ToUpper(m[1])]; ok {
			return t.match(c.Code, MethodAliasExact, ConfidenceISOLiteral, in.Text), true
		}
	}

	for _, f := range []struct {
		key    string
		method Method
	}{
		{metadataJurisdictionKey, MethodMetadataJurisdiction},
		{metadataCountryCodeKey, MethodMetadataCountryCode},
	} {
		v := strings.TrimSpace(metadataString(in.Metadata, f.key))
		if len(v) != 2 {
			continue
		}
		if c, ok := t.countries[strings.ToUpper(v)]; ok {
			return t.match(c.Code, f.method, ConfidenceMetadataCode, v), true
		}
	}

	if v := metadataString(in.Metadata, metadataCountryKey); v != "" {
		if a, ok := t.exact[Normalize(v)]; ok {
			return t.match(a.Code, MethodMetadataCountry, ConfidenceMetadataCountry, v), true
		}
	}

	candidates := make([]string, 0, len(urlFields)+1)
	if in.URL != "" {
		candidates = append(candidates, in.URL)
	}
	for _, key := range urlFields {
		if v := metadataString(in.Metadata, key); v != "" {
			candidates = append(candidates, v)
		}
	}
	for _, raw := range candidates {
		host, tld := hostTLD(raw)
		if tld == "" || vanityTLDs[tld] {
			continue
		}
		code := strings.ToUpper(tld)
		if mapped, ok := tldAliases[tld]; ok {
			code = mapped
		}
		if _, ok := t.countries[code]; ok {
			return t.match(code, MethodURLTLD, ConfidenceURLTLD, host), true
		}
	}

	for _, text := range []string{in.Text, in.Title} {
		n := tokenize(text)
		hit, ok := t.findAlias(n)
		if !ok {
			continue
		}
		if hit.aligned {
			return t.match(hit.alias.Code, MethodAliasExact, ConfidenceTitleAligned, n.span(hit.start, hit.end)), true
		}
		return t.match(hit.alias.Code, MethodAliasPartial, ConfidenceTitlePartial, n.span(hit.start, hit.end)), true
	}

	if n := tokenize(in.Description); n.norm != "" {
		if hit, ok := t.findAlias(n); ok {
			return t.match(hit.alias.Code, MethodAliasPartial, ConfidenceDescription, n.span(hit.start, hit.end)), true
		}
	}

	return Match{}, false
}

func (t *Table) match(code string, method Method, confidence float64, matched string) Match {
	return Match{
		Code:        code,
		Method:      method,
		Confidence:  confidence,
		MatchedText: truncateRunes(matched, maxMatchedTextRunes),
		DisplayName: t.countries[code].NameEN,
	}
}

func metadataString(md map[string]any, key string) string {
	if md == nil {
		return ""
	}
	switch v := md[key].(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	}
	return ""
}

// hostTLD extracts the host and its last label from a URL or bare host.
func hostTLD(raw string) (string, string) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ""
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", ""
	}
	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if host == "" || net.ParseIP(host) != nil {
		return "", ""
	}
	i := strings.LastIndexByte(host, '.')
	if i < 0 {
		return "", ""
	}
	tld := host[i+1:]
	if len(tld) != 2 {
		return host, ""
	}
	return host, tld
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// TableSource provides the current alias table.
type TableSource interface {
	Table(ctx context.Context) (*Table, error)
}

// IPLocator maps an IP address to an ISO-2 code.
type IPLocator interface {
	CountryCode(ip net.IP) (string, bool)
}

type ResolverConfig struct {
	Logger *slog.Logger
	Tables TableSource
	// GeoIP is optional; when set it resolves rows that only carry an IP.
	GeoIP IPLocator
}

func (cfg *ResolverConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Tables == nil {
		return errors.New("table source is required")
	}
	return nil
}

// Resolver resolves inputs against the current alias table, falling back to
// GeoIP when configured.
type Resolver struct {
	log *slog.Logger
	cfg ResolverConfig
}

func NewResolver(cfg ResolverConfig) (*Resolver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Resolver{log: cfg.Logger, cfg: cfg}, nil
}

// Snapshot returns a resolve function bound to one table load, for batch
// callers that resolve many rows against a consistent alias set.
func (r *Resolver) Snapshot(ctx context.Context) (func(Input) (Match, bool), error) {
	t, err := r.cfg.Tables.Table(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load alias table: %w", err)
	}
	return func(in Input) (Match, bool) {
		return r.resolve(t, in)
	}, nil
}

func (r *Resolver) Resolve(ctx context.Context, in Input) (Match, bool, error) {
	t, err := r.cfg.Tables.Table(ctx)
	if err != nil {
		return Match{}, false, fmt.Errorf("failed to load alias table: %w", err)
	}
	m, ok := r.resolve(t, in)
	return m, ok, nil
}

func (r *Resolver) resolve(t *Table, in Input) (Match, bool) {
	m, ok := r.lookup(t, in)
	if ok {
		metrics.CountryResolutionsTotal.WithLabelValues(string(m.Method)).Inc()
	} else {
		metrics.CountryResolutionsTotal.WithLabelValues("none").Inc()
	}
	return m, ok
}

func (r *Resolver) lookup(t *Table, in Input) (Match, bool) {
	if m, ok := t.Resolve(in); ok {
		return m, true
	}
	if in.IP == nil || r.cfg.GeoIP == nil {
		return Match{}, false
	}
	code, ok := r.cfg.GeoIP.CountryCode(in.IP)
	if !ok {
		return Match{}, false
	}
	if _, ok := t.Country(code); !ok {
		r.log.Debug("country: geoip returned unknown code", "ip", in.IP.String(), "code", code)
		return Match{}, false
	}
	return t.match(code, MethodIPGeolocation, ConfidenceIPGeolocation, in.IP.String()), true
}

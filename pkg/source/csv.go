package source

import (
	"bytes"
	"context"
	"encoding/csv"
	"strings"
	"time"

	"github.com/malbeclabs/sofia/pkg/filecache"
)

// CSVHeader maps lowercased column names to their index.
type CSVHeader map[string]int

func NewCSVHeader(rec []string) CSVHeader {
	h := make(CSVHeader, len(rec))
	for i, name := range rec {
		name = strings.TrimPrefix(name, "\ufeff")
		h[strings.ToLower(strings.TrimSpace(name))] = i
	}
	return h
}

// Require fails with SCHEMA_MISMATCH when any column is absent.
func (h CSVHeader) Require(cols ...string) error {
	var missing []string
	for _, c := range cols {
		if _, ok := h[c]; !ok {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		return Errorf(ErrSchemaMismatch, "missing columns %s", strings.Join(missing, ", "))
	}
	return nil
}

func (h CSVHeader) Get(rec []string, col string) string {
	i, ok := h[col]
	if !ok || i >= len(rec) {
		return ""
	}
	return strings.TrimSpace(rec[i])
}

// NewCSVReader sniffs the delimiter from the first line; semicolons win
// over commas when both appear.
func NewCSVReader(data []byte) *csv.Reader {
	first := data
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		first = data[:i]
	}
	r := csv.NewReader(bytes.NewReader(data))
	if bytes.Count(first, []byte{';'}) > bytes.Count(first, []byte{','}) {
		r.Comma = ';'
	}
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.ReuseRecord = true
	return r
}

// Download fetches url through the file cache when one is configured.
func Download(ctx context.Context, cache *filecache.Cache, client *HTTPClient, url string, maxAge time.Duration) ([]byte, filecache.Entry, error) {
	get := func(ctx context.Context) ([]byte, error) { return client.Get(ctx, url, nil) }
	if cache == nil {
		data, err := get(ctx)
		if err != nil {
			return nil, filecache.Entry{}, err
		}
		return data, filecache.Entry{URL: url, Digest: filecache.Digest(data), Size: int64(len(data)), Changed: true}, nil
	}
	return cache.Fetch(ctx, url, maxAge, get)
}

// Package filecache keeps downloaded source files addressed by the SHA-256
// of their content, with an index from URL to the last digest seen.
package filecache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
)

// ErrNotFound is returned by backends for missing keys.
var ErrNotFound = errors.New("filecache: not found")

// Backend is a flat key/value object store.
type Backend interface {
	Read(ctx context.Context, key string) ([]byte, error)
	Write(ctx context.Context, key string, data []byte) error
	Exists(ctx context.Context, key string) (bool, error)
}

type Entry struct {
	URL       string    `json:"url"`
	Digest    string    `json:"digest"`
	Size      int64     `json:"size"`
	FetchedAt time.Time `json:"fetched_at"`
	// Changed is true when the digest differs from the previous fetch of URL.
	Changed bool `json:"-"`
}

type Config struct {
	Logger  *slog.Logger
	Backend Backend
	Clock   clockwork.Clock
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Backend == nil {
		return errors.New("backend is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

type Cache struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Cache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Cache{log: cfg.Logger, cfg: cfg}, nil
}

// Open picks a backend from a location: s3://bucket/prefix for S3, a
// directory path otherwise.
func Open(ctx context.Context, log *slog.Logger, location string) (*Cache, error) {
	var backend Backend
	if strings.HasPrefix(location, "s3://") {
		b, err := NewS3Backend(ctx, location)
		if err != nil {
			return nil, err
		}
		backend = b
	} else {
		b, err := NewDirBackend(location)
		if err != nil {
			return nil, err
		}
		backend = b
	}
	return New(Config{Logger: log, Backend: backend})
}

func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func objectKey(digest string) string {
	return "objects/" + digest[:2] + "/" + digest
}

func indexKey(url string) string {
	return "index/" + Digest([]byte(url)) + ".json"
}

// Put stores data under its digest and records it as the latest content of
// url.
func (c *Cache) Put(ctx context.Context, url string, data []byte) (Entry, error) {
	digest := Digest(data)
	entry := Entry{URL: url, Digest: digest, Size: int64(len(data)), FetchedAt: c.cfg.Clock.Now().UTC()}

	prev, found, err := c.Last(ctx, url)
	if err != nil {
		return Entry{}, err
	}
	entry.Changed = !found || prev.Digest != digest

	exists, err := c.cfg.Backend.Exists(ctx, objectKey(digest))
	if err != nil {
		return Entry{}, fmt.Errorf("failed to check cache object: %w", err)
	}
	if !exists {
		if err := c.cfg.Backend.Write(ctx, objectKey(digest), data); err != nil {
			return Entry{}, fmt.Errorf("failed to write cache object: %w", err)
		}
	}

	raw, err := json.Marshal(entry)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to encode cache index: %w", err)
	}
	if err := c.cfg.Backend.Write(ctx, indexKey(url), raw); err != nil {
		return Entry{}, fmt.Errorf("failed to write cache index: %w", err)
	}

	c.log.Debug("filecache: stored", "url", url, "digest", digest, "size", entry.Size, "changed", entry.Changed)
	return entry, nil
}

// Last returns the most recent entry recorded for url.
func (c *Cache) Last(ctx context.Context, url string) (Entry, bool, error) {
	raw, err := c.cfg.Backend.Read(ctx, indexKey(url))
	if errors.Is(err, ErrNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("failed to read cache index: %w", err)
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return Entry{}, false, fmt.Errorf("failed to decode cache index: %w", err)
	}
	return e, true, nil
}

func (c *Cache) Get(ctx context.Context, digest string) ([]byte, error) {
	if len(digest) != sha256.Size*2 {
		return nil, fmt.Errorf("invalid digest %q", digest)
	}
	data, err := c.cfg.Backend.Read(ctx, objectKey(digest))
	if err != nil {
		return nil, err
	}
	if Digest(data) != digest {
		return nil, fmt.Errorf("cache object %s is corrupt", digest)
	}
	return data, nil
}

// Fetch returns the content of url through the cache. download is called
// only when maxAge is zero or the last entry is older than maxAge.
func (c *Cache) Fetch(ctx context.Context, url string, maxAge time.Duration, download func(ctx context.Context) ([]byte, error)) ([]byte, Entry, error) {
	if maxAge > 0 {
		prev, found, err := c.Last(ctx, url)
		if err != nil {
			return nil, Entry{}, err
		}
		if found && c.cfg.Clock.Since(prev.FetchedAt) < maxAge {
			data, err := c.Get(ctx, prev.Digest)
			if err == nil {
				return data, prev, nil
			}
			c.log.Warn("filecache: cached object unreadable, downloading again", "url", url, "error", err)
		}
	}

	data, err := download(ctx)
	if err != nil {
		return nil, Entry{}, err
	}
	entry, err := c.Put(ctx, url, data)
	if err != nil {
		return nil, Entry{}, err
	}
	return data, entry, nil
}

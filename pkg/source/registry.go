package source

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/sofia/pkg/config"
	"github.com/malbeclabs/sofia/pkg/filecache"
)

// Deps is what a factory gets to build one adapter.
type Deps struct {
	Logger      *slog.Logger
	Source      config.SourceConfig
	Credentials config.Credentials
	HTTP        *HTTPClient
	Cache       *filecache.Cache
	Clock       clockwork.Clock
	// DefaultTimeout applies when the source section sets none.
	DefaultTimeout time.Duration
}

func (d *Deps) Validate() error {
	if d.Logger == nil {
		return errors.New("logger is required")
	}
	if d.HTTP == nil {
		return errors.New("http client is required")
	}
	if d.Clock == nil {
		d.Clock = clockwork.NewRealClock()
	}
	if d.DefaultTimeout <= 0 {
		d.DefaultTimeout = config.DefaultAdapterTimeout
	}
	return nil
}

// Timeout resolves the adapter budget from the source section.
func (d Deps) Timeout() time.Duration {
	return d.Source.Timeout(d.DefaultTimeout)
}

type Factory func(deps Deps) (Adapter, error)

// Registry maps adapter names to factories.
type Registry struct {
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

func (r *Registry) Register(name string, f Factory) {
	if _, dup := r.factories[name]; dup {
		panic(fmt.Sprintf("source: adapter %q registered twice", name))
	}
	r.factories[name] = f
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Build constructs the named adapter. Unknown names are DEPENDENCY_MISSING.
func (r *Registry) Build(name string, deps Deps) (Adapter, error) {
	f, ok := r.factories[name]
	if !ok {
		return nil, Errorf(ErrDependencyMissing, "unknown adapter %q", name)
	}
	deps.Source.Name = name
	if err := deps.Validate(); err != nil {
		return nil, fmt.Errorf("invalid deps for %s: %w", name, err)
	}
	a, err := f(deps)
	if err != nil {
		return nil, fmt.Errorf("failed to build adapter %s: %w", name, err)
	}
	return a, nil
}

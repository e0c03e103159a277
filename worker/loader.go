package worker

import (
	"errors"
	"fmt"
	"plugin"
	"sync"
)

type Kind string

const (
	KindCluster Kind = "cluster"
	KindService Kind = "service"
)

var ErrNoFactory = errors.New("no worker factory")

// Registry holds factories compiled into the binary, keyed by worker or
// service name.
type Registry struct {
	mut       *sync.Mutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{
		mut:       &sync.Mutex{},
		factories: make(map[string]Factory),
	}
}

func (r *Registry) Register(name string, f Factory) {
	r.mut.Lock()
	defer r.mut.Unlock()
	r.factories[name] = f
}

func (r *Registry) Lookup(name string) (Factory, bool) {
	r.mut.Lock()
	defer r.mut.Unlock()
	f, ok := r.factories[name]
	return f, ok
}

type symbolLookup func(name string) (any, error)

// Loader resolves the factory for an assignment. The registry is consulted
// first, then the Go plugin at path.
type Loader struct {
	registry *Registry
	open     func(path string) (symbolLookup, error)
}

func NewLoader(registry *Registry) *Loader {
	if registry == nil {
		registry = NewRegistry()
	}
	return &Loader{
		registry: registry,
		open:     openPlugin,
	}
}

func openPlugin(path string) (symbolLookup, error) {
	p, err := plugin.Open(path)
	if err != nil {
		return nil, err
	}
	return func(name string) (any, error) {
		return p.Lookup(name)
	}, nil
}

func (l *Loader) Resolve(kind Kind, name, path string) (Factory, error) {
	if f, ok := l.registry.Lookup(name); ok {
		return f, nil
	}
	if path == "" {
		return nil, fmt.Errorf("%w registered for %s %q", ErrNoFactory, kind, name)
	}
	lookup, err := l.open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	for _, sym := range symbols(kind) {
		s, err := lookup(sym)
		if err != nil {
			continue
		}
		f, ok := asFactory(s)
		if !ok {
			return nil, fmt.Errorf("symbol %s in %s has type %T", sym, path, s)
		}
		return f, nil
	}
	return nil, fmt.Errorf("%w exported by %s", ErrNoFactory, path)
}

func symbols(kind Kind) []string {
	if kind == KindService {
		return []string{"ServiceWorker", "Default", "New"}
	}
	return []string{"BotWorker", "Default", "New"}
}

// asFactory accepts both exported variables (looked up as pointers) and
// exported functions.
func asFactory(s any) (Factory, bool) {
	switch f := s.(type) {
	case Factory:
		return f, f != nil
	case *Factory:
		return *f, *f != nil
	case func(*Setup) (any, error):
		return f, f != nil
	case *func(*Setup) (any, error):
		return *f, *f != nil
	}
	return nil, false
}

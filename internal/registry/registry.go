// Package registry owns the process-wide caches of driver factories and live
// pod manager connections.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"git.cscs.ch/openchami/chamicore-valence/internal/apierr"
	"git.cscs.ch/openchami/chamicore-valence/internal/driver"
	"git.cscs.ch/openchami/chamicore-valence/internal/driver/expether"
	"git.cscs.ch/openchami/chamicore-valence/internal/driver/redfish"
	"git.cscs.ch/openchami/chamicore-valence/internal/model"
	"git.cscs.ch/openchami/chamicore-valence/internal/store"
)

// Builtins maps every driver kind to its factory.
func Builtins() map[driver.Kind]driver.Factory {
	return map[driver.Kind]driver.Factory{
		driver.KindRedfish:  redfish.New,
		driver.KindExpEther: expether.New,
	}
}

// Config controls which drivers can be loaded and how instances are built.
type Config struct {
	// Enabled restricts loadable kinds. Empty enables every factory.
	Enabled         []driver.Kind
	HTTP            driver.HTTPConfig
	RollbackTimeout time.Duration
	// Factories overrides Builtins.
	Factories map[driver.Kind]driver.Factory
}

// Registry caches driver factories per kind and driver instances per pod
// manager id. Concurrent misses for the same key build one value.
type Registry struct {
	store     store.Store
	cfg       Config
	available map[driver.Kind]driver.Factory
	logger    zerolog.Logger

	factories   sync.Map // driver.Kind -> driver.Factory
	connections sync.Map // pod manager id -> driver.Driver
	group       singleflight.Group

	// genMu orders Invalidate against cache stores. A build only caches its
	// connection if no eviction happened since it started.
	genMu       sync.Mutex
	generations map[string]uint64

	discoveries atomic.Int64
}

// New validates the enabled driver list and returns an empty registry.
func New(st store.Store, cfg Config, logger zerolog.Logger) (*Registry, error) {
	factories := cfg.Factories
	if factories == nil {
		factories = Builtins()
	}

	available := make(map[driver.Kind]driver.Factory, len(factories))
	if len(cfg.Enabled) == 0 {
		for kind, factory := range factories {
			available[kind] = factory
		}
	}
	for _, kind := range cfg.Enabled {
		factory, ok := factories[kind]
		if !ok {
			return nil, apierr.DriverNotFound(string(kind))
		}
		available[kind] = factory
	}

	return &Registry{
		store:       st,
		cfg:         cfg,
		available:   available,
		generations: make(map[string]uint64),
		logger:      logger.With().Str("component", "registry").Logger(),
	}, nil
}

// LoadDriver returns the factory for a driver name, resolving it once per kind.
func (r *Registry) LoadDriver(name string) (driver.Factory, error) {
	kind, err := driver.ParseKind(name)
	if err != nil {
		return nil, err
	}
	if cached, ok := r.factories.Load(kind); ok {
		return cached.(driver.Factory), nil
	}

	value, err, _ := r.group.Do("driver:"+string(kind), func() (any, error) {
		if cached, ok := r.factories.Load(kind); ok {
			return cached, nil
		}
		r.discoveries.Add(1)
		factory, ok := r.available[kind]
		if !ok {
			return nil, apierr.DriverNotFound(name)
		}
		r.factories.Store(kind, factory)
		r.logger.Debug().Str("driver", string(kind)).Msg("driver loaded")
		return factory, nil
	})
	if err != nil {
		return nil, err
	}
	return value.(driver.Factory), nil
}

// Discoveries reports how many factory lookups missed the cache.
func (r *Registry) Discoveries() int64 {
	return r.discoveries.Load()
}

// GetConnection returns the cached driver for a pod manager, building it from
// the stored record on first use.
func (r *Registry) GetConnection(ctx context.Context, podmID string) (driver.Driver, error) {
	if cached, ok := r.connections.Load(podmID); ok {
		return cached.(driver.Driver), nil
	}

	value, err, _ := r.group.Do("conn:"+podmID, func() (any, error) {
		if cached, ok := r.connections.Load(podmID); ok {
			return cached, nil
		}
		r.genMu.Lock()
		generation := r.generations[podmID]
		r.genMu.Unlock()

		podm, err := r.store.GetPodManager(ctx, podmID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, apierr.NotFound("pod manager %s not found", podmID).WithCause(err)
			}
			return nil, fmt.Errorf("loading pod manager %s: %w", podmID, err)
		}
		conn, err := r.Dial(podm)
		if err != nil {
			return nil, err
		}
		r.genMu.Lock()
		defer r.genMu.Unlock()
		if r.generations[podmID] != generation {
			r.logger.Debug().Str("podm_id", podmID).Msg("pod manager changed while connecting, connection not cached")
			return conn, nil
		}
		r.connections.Store(podmID, conn)
		r.logger.Debug().Str("podm_id", podmID).Str("driver", podm.Driver).Msg("pod manager connection cached")
		return conn, nil
	})
	if err != nil {
		return nil, err
	}
	return value.(driver.Driver), nil
}

// Dial builds an uncached driver instance for a pod manager record.
func (r *Registry) Dial(podm model.PodManager) (driver.Driver, error) {
	factory, err := r.LoadDriver(podm.Driver)
	if err != nil {
		return nil, err
	}
	conn, err := factory(driver.Params{
		PodManager:      podm,
		HTTP:            r.cfg.HTTP,
		RollbackTimeout: r.cfg.RollbackTimeout,
		Store:           r.store,
		Logger:          r.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("building %s driver for pod manager %s: %w", podm.Driver, podm.UUID, err)
	}
	return conn, nil
}

// Invalidate evicts a pod manager's cached connection. A connection still
// being built when Invalidate runs is returned to its callers but not cached.
func (r *Registry) Invalidate(podmID string) {
	r.genMu.Lock()
	defer r.genMu.Unlock()
	r.generations[podmID]++
	r.group.Forget("conn:" + podmID)
	if _, loaded := r.connections.LoadAndDelete(podmID); loaded {
		r.logger.Debug().Str("podm_id", podmID).Msg("pod manager connection evicted")
	}
}

// Connections returns the number of cached connections.
func (r *Registry) Connections() int {
	count := 0
	r.connections.Range(func(any, any) bool {
		count++
		return true
	})
	return count
}

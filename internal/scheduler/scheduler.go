// Package scheduler picks the pod manager that serves a composition request:
// list candidates, filter, weigh, then break ties at random.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/rs/zerolog"

	"git.cscs.ch/openchami/chamicore-valence/internal/driver"
	"git.cscs.ch/openchami/chamicore-valence/internal/model"
	"git.cscs.ch/openchami/chamicore-valence/internal/store"
)

var (
	// ErrNoHostAvailable means no pod manager is registered.
	ErrNoHostAvailable = errors.New("no pod manager available")
	// ErrNoHostSatisfiesRequest means every registered pod manager was filtered out.
	ErrNoHostSatisfiesRequest = errors.New("no pod manager satisfies the request")
)

// Request carries the hard constraints of a composition.
type Request struct {
	// Driver pins the request to one driver kind when set.
	Driver       string
	Requirements driver.Requirements
}

// Filter drops candidates that cannot serve a request.
type Filter interface {
	Name() string
	Passes(ctx context.Context, podm model.PodManager, req Request) (bool, error)
}

// Weigher scores surviving candidates; higher is better.
type Weigher interface {
	Name() string
	Weigh(ctx context.Context, podm model.PodManager, req Request) (float64, error)
}

// Lister is the datastore surface the scheduler reads.
type Lister interface {
	ListPodManagers(ctx context.Context) ([]model.PodManager, error)
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithFilters replaces the filter chain.
func WithFilters(filters ...Filter) Option {
	return func(s *Scheduler) { s.filters = filters }
}

// WithWeighers replaces the weigher set.
func WithWeighers(weighers ...Weigher) Option {
	return func(s *Scheduler) { s.weighers = weighers }
}

// WithRand replaces the tie-break source. pick returns a value in [0, n).
func WithRand(pick func(n int) int) Option {
	return func(s *Scheduler) { s.pick = pick }
}

// Scheduler selects pod managers.
type Scheduler struct {
	lister   Lister
	filters  []Filter
	weighers []Weigher
	pick     func(n int) int
	logger   zerolog.Logger
}

// New builds a scheduler with the default online and driver filters and the
// free-device weigher.
func New(st store.Store, logger zerolog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		lister:   st,
		filters:  []Filter{OnlineFilter{}, DriverFilter{}},
		weighers: []Weigher{FreeDeviceWeigher{Store: st}},
		pick:     rand.IntN,
		logger:   logger.With().Str("component", "scheduler").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Schedule returns the chosen pod manager.
func (s *Scheduler) Schedule(ctx context.Context, req Request) (model.PodManager, error) {
	podms, err := s.lister.ListPodManagers(ctx)
	if err != nil {
		return model.PodManager{}, fmt.Errorf("listing pod managers: %w", err)
	}
	if len(podms) == 0 {
		return model.PodManager{}, ErrNoHostAvailable
	}

	survivors := make([]model.PodManager, 0, len(podms))
	for _, podm := range podms {
		passed, err := s.passes(ctx, podm, req)
		if err != nil {
			return model.PodManager{}, err
		}
		if passed {
			survivors = append(survivors, podm)
		}
	}
	if len(survivors) == 0 {
		return model.PodManager{}, ErrNoHostSatisfiesRequest
	}

	best := make([]model.PodManager, 0, len(survivors))
	bestWeight := 0.0
	for i, podm := range survivors {
		weight, err := s.weigh(ctx, podm, req)
		if err != nil {
			return model.PodManager{}, err
		}
		switch {
		case i == 0 || weight > bestWeight:
			bestWeight = weight
			best = append(best[:0], podm)
		case weight == bestWeight:
			best = append(best, podm)
		}
	}

	chosen := best[s.pick(len(best))]
	s.logger.Debug().
		Str("podm_id", chosen.UUID).
		Int("candidates", len(podms)).
		Int("survivors", len(survivors)).
		Int("tied", len(best)).
		Float64("weight", bestWeight).
		Msg("pod manager scheduled")
	return chosen, nil
}

func (s *Scheduler) passes(ctx context.Context, podm model.PodManager, req Request) (bool, error) {
	for _, filter := range s.filters {
		ok, err := filter.Passes(ctx, podm, req)
		if err != nil {
			return false, fmt.Errorf("filter %s on pod manager %s: %w", filter.Name(), podm.UUID, err)
		}
		if !ok {
			s.logger.Debug().Str("podm_id", podm.UUID).Str("filter", filter.Name()).Msg("pod manager filtered out")
			return false, nil
		}
	}
	return true, nil
}

func (s *Scheduler) weigh(ctx context.Context, podm model.PodManager, req Request) (float64, error) {
	total := 0.0
	for _, weigher := range s.weighers {
		weight, err := weigher.Weigh(ctx, podm, req)
		if err != nil {
			return 0, fmt.Errorf("weigher %s on pod manager %s: %w", weigher.Name(), podm.UUID, err)
		}
		total += weight
	}
	return total, nil
}

// OnlineFilter keeps pod managers whose last known status is Online.
type OnlineFilter struct{}

// Name implements Filter.
func (OnlineFilter) Name() string { return "online" }

// Passes implements Filter.
func (OnlineFilter) Passes(_ context.Context, podm model.PodManager, _ Request) (bool, error) {
	return podm.Status == model.PodManagerOnline, nil
}

// DriverFilter keeps pod managers whose driver can express the request:
// pooled device requirements need expether, hardware requirements need redfish.
type DriverFilter struct{}

// Name implements Filter.
func (DriverFilter) Name() string { return "driver" }

// Passes implements Filter.
func (DriverFilter) Passes(_ context.Context, podm model.PodManager, req Request) (bool, error) {
	kind := strings.ToLower(strings.TrimSpace(podm.Driver))
	if req.Driver != "" && !strings.EqualFold(strings.TrimSpace(req.Driver), kind) {
		return false, nil
	}
	r := req.Requirements
	if r.PCIDevice != nil && len(r.PCIDevice.Type) > 0 && kind != model.DriverExpEther {
		return false, nil
	}
	if (r.Memory != nil || r.Processor != nil || r.LocalDrive != nil || r.Network != nil) && kind != model.DriverRedfishV1 {
		return false, nil
	}
	return true, nil
}

// UniformWeigher gives every candidate the same score.
type UniformWeigher struct{}

// Name implements Weigher.
func (UniformWeigher) Name() string { return "uniform" }

// Weigh implements Weigher.
func (UniformWeigher) Weigh(context.Context, model.PodManager, Request) (float64, error) {
	return 1, nil
}

// FreeDeviceWeigher prefers pod managers with more free devices of the
// requested types. Requests without device types score zero everywhere.
type FreeDeviceWeigher struct {
	Store store.Store
}

// Name implements Weigher.
func (FreeDeviceWeigher) Name() string { return "free_devices" }

// Weigh implements Weigher.
func (w FreeDeviceWeigher) Weigh(ctx context.Context, podm model.PodManager, req Request) (float64, error) {
	types := req.Requirements.DeviceTypes()
	if len(types) == 0 || w.Store == nil {
		return 0, nil
	}
	total := 0
	seen := make(map[string]bool, len(types))
	for _, kind := range types {
		kind = strings.ToUpper(strings.TrimSpace(kind))
		if seen[kind] {
			continue
		}
		seen[kind] = true
		devices, err := w.Store.ListDevices(ctx, store.Filter{
			"podm_id": podm.UUID,
			"type":    kind,
			"state":   model.DeviceStateFree,
		})
		if err != nil {
			return 0, err
		}
		total += len(devices)
	}
	return float64(total), nil
}

// Package podmanager registers pod managers, tracks their reachability and
// exposes their hardware inventory.
package podmanager

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"git.cscs.ch/openchami/chamicore-valence/internal/apierr"
	"git.cscs.ch/openchami/chamicore-valence/internal/driver"
	"git.cscs.ch/openchami/chamicore-valence/internal/events"
	"git.cscs.ch/openchami/chamicore-valence/internal/model"
	"git.cscs.ch/openchami/chamicore-valence/internal/store"
)

const (
	defaultProbeTimeout = 10 * time.Second
	statusConcurrency   = 4
)

// Connector resolves and builds pod manager drivers.
type Connector interface {
	LoadDriver(name string) (driver.Factory, error)
	GetConnection(ctx context.Context, podmID string) (driver.Driver, error)
	Dial(podm model.PodManager) (driver.Driver, error)
	Invalidate(podmID string)
}

// Forgetter drops per-pod-manager state kept outside the datastore.
type Forgetter interface {
	Forget(podmID string)
}

// Config contains service settings.
type Config struct {
	// ProbeTimeout bounds the status probe made at registration.
	ProbeTimeout time.Duration
}

// CreateRequest registers a pod manager.
type CreateRequest struct {
	Name           string             `json:"name" yaml:"name" validate:"required,max=255"`
	URL            string             `json:"url" yaml:"url" validate:"required,url,max=2048"`
	Driver         string             `json:"driver" yaml:"driver" validate:"required"`
	Authentication []model.AuthMethod `json:"authentication" yaml:"authentication" validate:"omitempty,dive"`
}

// UpdateRequest changes the mutable fields of a pod manager.
type UpdateRequest struct {
	Name           *string            `json:"name,omitempty" validate:"omitempty,min=1,max=255"`
	Authentication []model.AuthMethod `json:"authentication,omitempty" validate:"omitempty,dive"`
}

// View is a redacted pod manager merged with its live description.
type View struct {
	model.PodManager
	Info *driver.PodmInfo `json:"info,omitempty"`
}

// Service manages pod manager registrations.
type Service struct {
	store        store.Store
	conns        Connector
	forget       []Forgetter
	publisher    events.Publisher
	validate     *validator.Validate
	probeTimeout time.Duration
	logger       zerolog.Logger
}

// New creates a pod manager service. Forgetters are told about removed pod managers.
func New(st store.Store, conns Connector, publisher events.Publisher, cfg Config, logger zerolog.Logger, forget ...Forgetter) *Service {
	probeTimeout := cfg.ProbeTimeout
	if probeTimeout <= 0 {
		probeTimeout = defaultProbeTimeout
	}
	return &Service{
		store:        st,
		conns:        conns,
		forget:       forget,
		publisher:    publisher,
		validate:     validator.New(validator.WithRequiredStructEnabled()),
		probeTimeout: probeTimeout,
		logger:       logger.With().Str("component", "podmanager").Logger(),
	}
}

// Create validates and registers a pod manager, probing its status once.
func (s *Service) Create(ctx context.Context, req CreateRequest) (model.PodManager, error) {
	if err := s.validate.Struct(req); err != nil {
		return model.PodManager{}, validationError(err)
	}
	if _, err := s.conns.LoadDriver(req.Driver); err != nil {
		return model.PodManager{}, err
	}

	podm := model.PodManager{
		Name:           strings.TrimSpace(req.Name),
		URL:            strings.TrimRight(strings.TrimSpace(req.URL), "/"),
		Driver:         strings.ToLower(strings.TrimSpace(req.Driver)),
		Authentication: req.Authentication,
		Status:         model.PodManagerUnknown,
	}
	conn, err := s.conns.Dial(podm)
	if err != nil {
		return model.PodManager{}, err
	}
	probeCtx, cancel := context.WithTimeout(ctx, s.probeTimeout)
	podm.Status = conn.GetStatus(probeCtx)
	cancel()

	created, err := s.store.CreatePodManager(ctx, podm)
	if err != nil {
		return model.PodManager{}, storeError(err, podm.Name)
	}
	s.logger.Info().
		Str("podm_id", created.UUID).
		Str("name", created.Name).
		Str("driver", created.Driver).
		Str("status", created.Status).
		Msg("pod manager registered")
	events.Emit(ctx, s.publisher, s.logger, events.TypePodManagerRegistered, created.UUID, created.Redacted())
	return created.Redacted(), nil
}

// Get returns a pod manager with its live description. An unreachable pod
// manager is still returned, without Info.
func (s *Service) Get(ctx context.Context, id string) (View, error) {
	podm, err := s.store.GetPodManager(ctx, id)
	if err != nil {
		return View{}, storeError(err, id)
	}
	view := View{PodManager: podm.Redacted()}

	conn, err := s.conns.GetConnection(ctx, id)
	if err != nil {
		s.logger.Warn().Err(err).Str("podm_id", id).Msg("pod manager connection unavailable")
		return view, nil
	}
	info, err := conn.GetPodmInfo(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Str("podm_id", id).Msg("reading pod manager info")
		return view, nil
	}
	view.Info = &info
	return view, nil
}

// List returns every registered pod manager, redacted.
func (s *Service) List(ctx context.Context) ([]model.PodManager, error) {
	podms, err := s.store.ListPodManagers(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing pod managers: %w", err)
	}
	items := make([]model.PodManager, 0, len(podms))
	for _, podm := range podms {
		items = append(items, podm.Redacted())
	}
	return items, nil
}

// Update changes name or authentication and drops the cached connection.
func (s *Service) Update(ctx context.Context, id string, req UpdateRequest) (model.PodManager, error) {
	if err := s.validate.Struct(req); err != nil {
		return model.PodManager{}, validationError(err)
	}
	podm, err := s.store.GetPodManager(ctx, id)
	if err != nil {
		return model.PodManager{}, storeError(err, id)
	}
	if req.Name != nil {
		podm.Name = strings.TrimSpace(*req.Name)
	}
	if req.Authentication != nil {
		podm.Authentication = req.Authentication
	}

	updated, err := s.store.UpdatePodManager(ctx, podm)
	if err != nil {
		return model.PodManager{}, storeError(err, id)
	}
	s.conns.Invalidate(id)
	return updated.Redacted(), nil
}

// Delete removes a pod manager with its nodes, devices and intents. Nodes are
// not decomposed on the fabric.
func (s *Service) Delete(ctx context.Context, id string) (store.CascadeCounts, error) {
	counts, err := s.store.DeletePodManager(ctx, id)
	if err != nil {
		return store.CascadeCounts{}, storeError(err, id)
	}
	s.conns.Invalidate(id)
	for _, f := range s.forget {
		f.Forget(id)
	}

	s.logger.Info().
		Str("podm_id", id).
		Int("nodes", counts.Nodes).
		Int("devices", counts.Devices).
		Int("intents", counts.Intents).
		Msg("pod manager removed")
	events.Emit(ctx, s.publisher, s.logger, events.TypePodManagerRemoved, id, counts)
	return counts, nil
}

// SyncStatus probes every pod manager and records status changes.
func (s *Service) SyncStatus(ctx context.Context) error {
	podms, err := s.store.ListPodManagers(ctx)
	if err != nil {
		return fmt.Errorf("listing pod managers: %w", err)
	}

	errs := make([]error, len(podms))
	var g errgroup.Group
	g.SetLimit(statusConcurrency)
	for i, podm := range podms {
		g.Go(func() error {
			errs[i] = s.refreshStatus(ctx, podm)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func (s *Service) refreshStatus(ctx context.Context, podm model.PodManager) error {
	status := model.PodManagerUnknown
	conn, err := s.conns.GetConnection(ctx, podm.UUID)
	if err != nil {
		s.logger.Warn().Err(err).Str("podm_id", podm.UUID).Msg("pod manager connection unavailable")
	} else {
		status = conn.GetStatus(ctx)
	}
	if status == podm.Status {
		return nil
	}

	current, err := s.store.GetPodManager(ctx, podm.UUID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("reloading pod manager %s: %w", podm.UUID, err)
	}
	previous := current.Status
	current.Status = status
	if _, err := s.store.UpdatePodManager(ctx, current); err != nil {
		return fmt.Errorf("recording status of pod manager %s: %w", podm.UUID, err)
	}

	s.logger.Info().
		Str("podm_id", podm.UUID).
		Str("from", previous).
		Str("to", status).
		Msg("pod manager status changed")
	events.Emit(ctx, s.publisher, s.logger, events.TypePodManagerStatus, podm.UUID, map[string]string{"from": previous, "to": status})
	return nil
}

// Systems lists the computer systems of a pod manager.
func (s *Service) Systems(ctx context.Context, id string, filters map[string]string) ([]driver.SystemSummary, error) {
	conn, err := s.connection(ctx, id)
	if err != nil {
		return nil, err
	}
	return conn.SystemsList(ctx, filters)
}

// System returns one computer system of a pod manager.
func (s *Service) System(ctx context.Context, id, systemID string) (driver.SystemDetail, error) {
	conn, err := s.connection(ctx, id)
	if err != nil {
		return driver.SystemDetail{}, err
	}
	return conn.GetSystemByID(ctx, systemID)
}

// Racks lists the racks of a pod manager.
func (s *Service) Racks(ctx context.Context, id string) ([]driver.Rack, error) {
	conn, err := s.connection(ctx, id)
	if err != nil {
		return nil, err
	}
	return conn.ListRacks(ctx)
}

// Rack returns one rack of a pod manager.
func (s *Service) Rack(ctx context.Context, id, rackID string) (driver.Rack, error) {
	conn, err := s.connection(ctx, id)
	if err != nil {
		return driver.Rack{}, err
	}
	return conn.ShowRack(ctx, rackID)
}

func (s *Service) connection(ctx context.Context, id string) (driver.Driver, error) {
	if _, err := s.store.GetPodManager(ctx, id); err != nil {
		return nil, storeError(err, id)
	}
	return s.conns.GetConnection(ctx, id)
}

func validationError(err error) error {
	var invalid validator.ValidationErrors
	if errors.As(err, &invalid) && len(invalid) > 0 {
		first := invalid[0]
		return apierr.BadRequest("field %s failed %s validation", first.Namespace(), first.Tag())
	}
	return apierr.BadRequest("%v", err)
}

func storeError(err error, id string) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return apierr.NotFound("pod manager %s not found", id).WithCause(err)
	case errors.Is(err, store.ErrConflict):
		return apierr.ResourceExists("pod manager name or url already registered").WithCause(err)
	default:
		return err
	}
}

// Package reconcile keeps the local device inventory consistent with what
// each pod manager reports, and fronts pooled device attach/detach.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"git.cscs.ch/openchami/chamicore-valence/internal/apierr"
	"git.cscs.ch/openchami/chamicore-valence/internal/driver"
	"git.cscs.ch/openchami/chamicore-valence/internal/events"
	"git.cscs.ch/openchami/chamicore-valence/internal/metrics"
	"git.cscs.ch/openchami/chamicore-valence/internal/model"
	"git.cscs.ch/openchami/chamicore-valence/internal/store"
	"git.cscs.ch/openchami/chamicore-valence/internal/telemetry"
)

const defaultConcurrency = 4

// Per-pod-manager pass outcomes.
const (
	StatusSuccess = "SUCCESS"
	StatusFailed  = "FAILED"
)

// Connector resolves the driver instance of a pod manager.
type Connector interface {
	GetConnection(ctx context.Context, podmID string) (driver.Driver, error)
}

// Config contains reconciler settings.
type Config struct {
	// Concurrency bounds how many pod managers are reconciled at once.
	Concurrency int
}

// Counts records the datastore mutations of one pass.
type Counts struct {
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
	Deleted  int `json:"deleted"`
	// Conflicts counts devices changed by another writer during the pass;
	// they are left for the next pass.
	Conflicts int `json:"conflicts,omitempty"`
}

// Total returns the number of mutations.
func (c Counts) Total() int {
	return c.Inserted + c.Updated + c.Deleted
}

// Result is the outcome of reconciling one pod manager.
type Result struct {
	PodmID string `json:"podm_id"`
	Status string `json:"status"`
	Counts Counts `json:"counts"`
	Error  string `json:"error,omitempty"`
}

// Status captures current and last-run reconciliation state of one pod manager.
type Status struct {
	PodmID         string     `json:"podm_id"`
	InProgress     bool       `json:"in_progress"`
	LastAttemptAt  *time.Time `json:"last_attempt_at,omitempty"`
	LastSyncAt     *time.Time `json:"last_sync_at,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
	LastCounts     Counts     `json:"last_counts"`
	SweptIntents   int        `json:"swept_intents"`
	SuccessfulRuns int64      `json:"successful_runs"`
	FailedRuns     int64      `json:"failed_runs"`
}

// Reconciler diffs live fabric inventory against the datastore.
type Reconciler struct {
	store       store.Store
	conns       Connector
	publisher   events.Publisher
	concurrency int
	logger      zerolog.Logger
	now         func() time.Time

	group singleflight.Group

	stateMu sync.RWMutex
	status  map[string]*Status
}

// New creates a reconciler.
func New(st store.Store, conns Connector, publisher events.Publisher, cfg Config, logger zerolog.Logger) *Reconciler {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	return &Reconciler{
		store:       st,
		conns:       conns,
		publisher:   publisher,
		concurrency: concurrency,
		logger:      logger.With().Str("component", "reconcile").Logger(),
		now:         time.Now,
		status:      make(map[string]*Status),
	}
}

// SynchronizeDevices reconciles one pod manager, or every registered pod
// manager when podmID is empty. A failing pod manager is reported in its
// Result and does not stop the others.
func (r *Reconciler) SynchronizeDevices(ctx context.Context, podmID string) ([]Result, error) {
	var targets []model.PodManager
	if podmID = strings.TrimSpace(podmID); podmID != "" {
		podm, err := r.store.GetPodManager(ctx, podmID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, apierr.NotFound("pod manager %s not found", podmID).WithCause(err)
			}
			return nil, fmt.Errorf("loading pod manager %s: %w", podmID, err)
		}
		targets = append(targets, podm)
	} else {
		podms, err := r.store.ListPodManagers(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing pod managers: %w", err)
		}
		targets = podms
	}

	results := make([]Result, len(targets))
	var g errgroup.Group
	g.SetLimit(r.concurrency)
	for i, podm := range targets {
		g.Go(func() error {
			results[i] = r.syncOne(ctx, podm.UUID)
			return nil
		})
	}
	_ = g.Wait()
	return results, nil
}

// syncOne collapses concurrent passes for the same pod manager into one.
func (r *Reconciler) syncOne(ctx context.Context, podmID string) Result {
	value, _, _ := r.group.Do(podmID, func() (any, error) {
		return r.runPass(ctx, podmID), nil
	})
	return value.(Result)
}

func (r *Reconciler) runPass(ctx context.Context, podmID string) (result Result) {
	ctx, span := telemetry.Start(ctx, "reconcile.sync", "podm_id", podmID)
	var passErr error
	defer func() { telemetry.End(span, passErr) }()

	logger := r.logger.With().Str("podm_id", podmID).Logger()
	startedAt := r.now().UTC()
	r.updateStatus(podmID, func(st *Status) {
		st.InProgress = true
		st.LastAttemptAt = &startedAt
	})
	defer r.updateStatus(podmID, func(st *Status) { st.InProgress = false })

	counts, err := r.UpdateDeviceInfo(ctx, podmID)
	if err != nil {
		passErr = err
		r.markFailure(podmID, err)
		logger.Error().Err(err).Msg("device reconciliation failed")
		return Result{PodmID: podmID, Status: StatusFailed, Counts: counts, Error: apierr.From(err).Detail}
	}

	swept, err := r.sweepIntents(ctx, podmID, startedAt)
	if err != nil {
		logger.Warn().Err(err).Msg("sweeping device intents")
	}

	completedAt := r.now().UTC()
	r.updateStatus(podmID, func(st *Status) {
		st.LastSyncAt = &completedAt
		st.LastError = ""
		st.LastCounts = counts
		st.SweptIntents = swept
		st.SuccessfulRuns++
	})
	metrics.ReconcileRunsTotal.WithLabelValues("success").Inc()

	if counts.Total() > 0 {
		logger.Info().
			Int("inserted", counts.Inserted).
			Int("updated", counts.Updated).
			Int("deleted", counts.Deleted).
			Msg("device inventory reconciled")
		events.Emit(ctx, r.publisher, r.logger, events.TypeDevicesReconciled, podmID, Result{PodmID: podmID, Status: StatusSuccess, Counts: counts})
	}
	return Result{PodmID: podmID, Status: StatusSuccess, Counts: counts}
}

// UpdateDeviceInfo applies the three-way diff between the live device list
// of a pod manager and its local records, keyed by resource uri.
func (r *Reconciler) UpdateDeviceInfo(ctx context.Context, podmID string) (Counts, error) {
	var counts Counts

	conn, err := r.conns.GetConnection(ctx, podmID)
	if err != nil {
		return counts, err
	}
	// Local records are read first so that a device written after this
	// snapshot fails the version check instead of being overwritten with an
	// older fabric view.
	local, err := r.store.ListDevices(ctx, store.Filter{"podm_id": podmID})
	if err != nil {
		return counts, fmt.Errorf("listing local devices: %w", err)
	}
	live, err := conn.GetAllDevices(ctx)
	if err != nil {
		return counts, err
	}

	byURI := make(map[string]model.Device, len(local))
	stale := make([]model.Device, 0)
	for _, device := range local {
		if _, dup := byURI[device.ResourceURI]; dup {
			stale = append(stale, device)
			continue
		}
		byURI[device.ResourceURI] = device
	}

	seen := make(map[string]struct{}, len(live))
	for _, record := range live {
		uri := strings.TrimSpace(record.ResourceURI)
		if uri == "" {
			continue
		}
		if _, dup := seen[uri]; dup {
			continue
		}
		seen[uri] = struct{}{}

		existing, ok := byURI[uri]
		if !ok {
			if _, err := r.store.CreateDevice(ctx, fromRecord(podmID, record)); err != nil {
				return counts, fmt.Errorf("inserting device %s: %w", uri, err)
			}
			counts.Inserted++
			metrics.ReconcileMutationsTotal.WithLabelValues("insert").Inc()
			continue
		}

		groupID, nodeID, state := model.DeviceAttachment(record.PooledGroupID, record.NodeID)
		if existing.PooledGroupID == groupID && existing.NodeID == nodeID && existing.State == state {
			continue
		}
		existing.PooledGroupID, existing.NodeID, existing.State = groupID, nodeID, state
		if _, err := r.store.UpdateDevice(ctx, existing); err != nil {
			if errors.Is(err, store.ErrVersionConflict) {
				r.logger.Info().Str("podm_id", podmID).Str("device_id", existing.UUID).Msg("device changed during reconciliation, deferring to next pass")
				counts.Conflicts++
				continue
			}
			return counts, fmt.Errorf("updating device %s: %w", uri, err)
		}
		counts.Updated++
		metrics.ReconcileMutationsTotal.WithLabelValues("update").Inc()
	}

	for _, device := range local {
		if _, ok := seen[device.ResourceURI]; ok {
			continue
		}
		stale = append(stale, device)
	}
	for _, device := range stale {
		if err := r.store.DeleteDevice(ctx, device.UUID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return counts, fmt.Errorf("deleting device %s: %w", device.ResourceURI, err)
		}
		counts.Deleted++
		metrics.ReconcileMutationsTotal.WithLabelValues("delete").Inc()
	}
	return counts, nil
}

// sweepIntents clears intents older than a successful pass: the pass has
// already brought their devices in line with the fabric.
func (r *Reconciler) sweepIntents(ctx context.Context, podmID string, before time.Time) (int, error) {
	intents, err := r.store.ListIntents(ctx, podmID)
	if err != nil {
		return 0, fmt.Errorf("listing intents: %w", err)
	}
	swept := 0
	for _, intent := range intents {
		if intent.CreatedAt.After(before) {
			continue
		}
		if err := r.store.DeleteIntent(ctx, intent.DeviceID); err != nil {
			return swept, fmt.Errorf("deleting intent for device %s: %w", intent.DeviceID, err)
		}
		r.logger.Info().
			Str("podm_id", podmID).
			Str("device_id", intent.DeviceID).
			Str("operation", intent.Operation).
			Msg("pending device intent resolved by reconciliation")
		swept++
	}
	return swept, nil
}

func fromRecord(podmID string, record driver.DeviceRecord) model.Device {
	groupID, nodeID, state := model.DeviceAttachment(record.PooledGroupID, record.NodeID)
	return model.Device{
		PodmID:        podmID,
		Type:          record.Type,
		State:         state,
		NodeID:        nodeID,
		PooledGroupID: groupID,
		ResourceURI:   strings.TrimSpace(record.ResourceURI),
		Properties:    record.Properties,
		Extra:         record.Extra,
	}
}

// Status returns the last-run snapshot of one pod manager.
func (r *Reconciler) Status(podmID string) (Status, bool) {
	r.stateMu.RLock()
	defer r.stateMu.RUnlock()

	st, ok := r.status[podmID]
	if !ok {
		return Status{}, false
	}
	return cloneStatus(st), true
}

// Statuses returns every known snapshot ordered by pod manager id.
func (r *Reconciler) Statuses() []Status {
	r.stateMu.RLock()
	defer r.stateMu.RUnlock()

	items := make([]Status, 0, len(r.status))
	for _, st := range r.status {
		items = append(items, cloneStatus(st))
	}
	sort.Slice(items, func(i, j int) bool { return items[i].PodmID < items[j].PodmID })
	return items
}

// Forget drops the snapshot of a removed pod manager.
func (r *Reconciler) Forget(podmID string) {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	delete(r.status, podmID)
}

func (r *Reconciler) markFailure(podmID string, err error) {
	metrics.ReconcileRunsTotal.WithLabelValues("failed").Inc()
	r.updateStatus(podmID, func(st *Status) {
		st.LastError = err.Error()
		st.FailedRuns++
	})
}

func (r *Reconciler) updateStatus(podmID string, update func(*Status)) {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()

	st, ok := r.status[podmID]
	if !ok {
		st = &Status{PodmID: podmID}
		r.status[podmID] = st
	}
	update(st)
}

func cloneStatus(st *Status) Status {
	out := *st
	out.LastAttemptAt = cloneTimePtr(st.LastAttemptAt)
	out.LastSyncAt = cloneTimePtr(st.LastSyncAt)
	return out
}

func cloneTimePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	copied := *t
	return &copied
}

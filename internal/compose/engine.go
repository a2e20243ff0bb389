// Package compose turns composition requests into composed nodes: it picks a
// pod manager, drives the fabric through its driver and persists the result.
package compose

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"git.cscs.ch/openchami/chamicore-valence/internal/apierr"
	"git.cscs.ch/openchami/chamicore-valence/internal/driver"
	"git.cscs.ch/openchami/chamicore-valence/internal/events"
	"git.cscs.ch/openchami/chamicore-valence/internal/metrics"
	"git.cscs.ch/openchami/chamicore-valence/internal/model"
	"git.cscs.ch/openchami/chamicore-valence/internal/scheduler"
	"git.cscs.ch/openchami/chamicore-valence/internal/store"
	"git.cscs.ch/openchami/chamicore-valence/internal/telemetry"
	"git.cscs.ch/openchami/chamicore-valence/internal/worker"
)

const (
	defaultRollbackTimeout = 30 * time.Second
	composeJobName         = "compose"
)

// Connector resolves live driver connections.
type Connector interface {
	GetConnection(ctx context.Context, podmID string) (driver.Driver, error)
}

// Scheduler picks a pod manager for requests that do not name one.
type Scheduler interface {
	Schedule(ctx context.Context, req scheduler.Request) (model.PodManager, error)
}

// Submitter runs background jobs.
type Submitter interface {
	Submit(name string, job worker.Job) error
}

// ComposeRequest is a composition request. PodmID and Driver are optional
// placement constraints.
type ComposeRequest struct {
	driver.ComposeRequest
	PodmID string `json:"podm_id,omitempty" validate:"omitempty,max=64"`
	Driver string `json:"driver,omitempty" validate:"omitempty,oneof=redfishv1 expether"`
}

// Node is a stored composed node, optionally merged with its live fabric view.
type Node struct {
	model.ComposedNode
	Details *driver.NodeDetail `json:"details,omitempty"`
}

// Config tunes the engine.
type Config struct {
	// RollbackTimeout bounds compensating calls made after a local write fails.
	RollbackTimeout time.Duration
}

// Engine coordinates composition and node lifecycle.
type Engine struct {
	store     store.Store
	conns     Connector
	scheduler Scheduler
	pool      Submitter
	publisher events.Publisher
	validate  *validator.Validate
	cfg       Config
	logger    zerolog.Logger
}

// New creates an engine. pool may be nil when asynchronous composition is not used.
func New(st store.Store, conns Connector, sched Scheduler, pool Submitter, publisher events.Publisher, cfg Config, logger zerolog.Logger) *Engine {
	if cfg.RollbackTimeout <= 0 {
		cfg.RollbackTimeout = defaultRollbackTimeout
	}
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &Engine{
		store:     st,
		conns:     conns,
		scheduler: sched,
		pool:      pool,
		publisher: publisher,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		cfg:       cfg,
		logger:    logger.With().Str("component", "compose").Logger(),
	}
}

// Compose builds a node synchronously.
func (e *Engine) Compose(ctx context.Context, req ComposeRequest) (node Node, err error) {
	ctx, span := telemetry.Start(ctx, "compose.node", "name", req.Name, "podm_id", req.PodmID)
	defer func() { telemetry.End(span, err) }()

	if err := e.validateRequest(req); err != nil {
		return Node{}, err
	}

	podm, err := e.placement(ctx, req)
	if err != nil {
		return Node{}, err
	}
	logger := e.logger.With().Str("podm_id", podm.UUID).Str("name", req.Name).Logger()

	conn, err := e.conns.GetConnection(ctx, podm.UUID)
	if err != nil {
		return Node{}, err
	}

	detail, err := conn.ComposeNode(ctx, req.ComposeRequest)
	if err != nil {
		metrics.CompositionsTotal.WithLabelValues(podm.Driver, "failed").Inc()
		logger.Warn().Err(err).Msg("composition failed")
		return Node{}, err
	}

	record := model.ComposedNode{
		UUID:             uuid.NewString(),
		Index:            detail.Index,
		Name:             req.Name,
		Description:      req.Description,
		ComputerSystemID: detail.ComputerSystemID,
		VolumeIDs:        detail.VolumeIDs,
		PodmID:           podm.UUID,
	}
	created, err := e.store.CreateComposedNode(ctx, record)
	if err != nil {
		metrics.CompositionsTotal.WithLabelValues(podm.Driver, "failed").Inc()
		e.releaseUnrecorded(ctx, conn, detail.Index, logger)
		return Node{}, fmt.Errorf("recording composed node %s: %w", detail.Index, err)
	}

	metrics.CompositionsTotal.WithLabelValues(podm.Driver, "success").Inc()
	logger.Info().Str("node_id", created.UUID).Str("index", created.Index).Msg("node composed")
	events.Emit(ctx, e.publisher, logger, events.TypeNodeComposed, created.UUID, created)
	return Node{ComposedNode: created, Details: &detail}, nil
}

// releaseUnrecorded decomposes a node the fabric built but the datastore could
// not record, so no untracked node stays behind.
func (e *Engine) releaseUnrecorded(ctx context.Context, conn driver.Driver, index string, logger zerolog.Logger) {
	rbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.RollbackTimeout)
	defer cancel()
	if _, err := conn.DeleteComposedNode(rbCtx, index); err != nil {
		logger.Error().Err(err).Str("index", index).Msg("composed node could not be recorded or released, orphan may exist")
	}
}

func (e *Engine) placement(ctx context.Context, req ComposeRequest) (model.PodManager, error) {
	if req.PodmID != "" {
		podm, err := e.store.GetPodManager(ctx, req.PodmID)
		if err != nil {
			return model.PodManager{}, storeError(err, "pod manager", req.PodmID)
		}
		return podm, nil
	}
	if e.scheduler == nil {
		return model.PodManager{}, apierr.BadRequest("podm_id is required")
	}

	podm, err := e.scheduler.Schedule(ctx, scheduler.Request{Driver: req.Driver, Requirements: req.Requirements})
	switch {
	case errors.Is(err, scheduler.ErrNoHostAvailable):
		return model.PodManager{}, apierr.NoValidHost("NoHostAvailable", "no pod manager is registered").WithCause(err)
	case errors.Is(err, scheduler.ErrNoHostSatisfiesRequest):
		return model.PodManager{}, apierr.NoValidHost("NoHostSatisfiesRequest", "no registered pod manager satisfies the request").WithCause(err)
	case err != nil:
		return model.PodManager{}, err
	}
	return podm, nil
}

func (e *Engine) validateRequest(req ComposeRequest) error {
	if err := e.validate.Struct(req); err != nil {
		return validationError(err)
	}
	for _, kind := range req.Requirements.DeviceTypes() {
		if strings.TrimSpace(kind) == "" {
			return apierr.BadRequest("pci_device types must not be empty")
		}
	}
	return nil
}

// ComposeAsync records a task and composes on the worker pool. A full pool
// fails the task immediately and reports ServiceUnavailable.
func (e *Engine) ComposeAsync(ctx context.Context, req ComposeRequest) (model.Task, error) {
	if err := e.validateRequest(req); err != nil {
		return model.Task{}, err
	}
	if e.pool == nil {
		return model.Task{}, apierr.ServiceUnavailable("asynchronous composition is not enabled")
	}

	body, err := json.Marshal(req)
	if err != nil {
		return model.Task{}, apierr.BadRequest("encoding request: %v", err)
	}
	task, err := e.store.CreateTask(ctx, model.Task{Status: model.TaskCreated, RequestBody: body})
	if err != nil {
		return model.Task{}, fmt.Errorf("creating task: %w", err)
	}

	taskID := task.UUID
	submitErr := e.pool.Submit(composeJobName, func(jobCtx context.Context) {
		e.runTask(jobCtx, taskID, req)
	})
	if submitErr != nil {
		reason := "worker pool is full, retry later"
		if errors.Is(submitErr, worker.ErrPoolClosed) {
			reason = "service is shutting down"
		}
		failed, err := e.advanceTask(ctx, taskID, model.TaskFailed, func(t *model.Task) { t.FailureReason = reason })
		if err != nil {
			e.logger.Error().Err(err).Str("task_id", taskID).Msg("marking rejected task failed")
		} else {
			task = failed
		}
		return task, apierr.ServiceUnavailable("composition task %s rejected: %s", taskID, reason).WithCause(submitErr)
	}
	return task, nil
}

func (e *Engine) runTask(ctx context.Context, taskID string, req ComposeRequest) {
	logger := e.logger.With().Str("task_id", taskID).Logger()
	if _, err := e.advanceTask(ctx, taskID, model.TaskInProgress, nil); err != nil {
		logger.Error().Err(err).Msg("starting composition task")
		return
	}

	node, composeErr := e.Compose(ctx, req)
	if composeErr != nil {
		reason := apierr.From(composeErr).Detail
		if _, err := e.advanceTask(ctx, taskID, model.TaskFailed, func(t *model.Task) { t.FailureReason = reason }); err != nil {
			logger.Error().Err(err).Msg("marking composition task failed")
		}
		return
	}
	if _, err := e.advanceTask(ctx, taskID, model.TaskComplete, func(t *model.Task) { t.NodeID = node.UUID }); err != nil {
		logger.Error().Err(err).Msg("marking composition task complete")
	}
}

func (e *Engine) advanceTask(ctx context.Context, taskID, status string, mutate func(*model.Task)) (model.Task, error) {
	ctx = context.WithoutCancel(ctx)
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return model.Task{}, fmt.Errorf("loading task %s: %w", taskID, err)
	}
	if !model.CanTransition(task.Status, status) {
		return model.Task{}, fmt.Errorf("task %s cannot move from %q to %q", taskID, task.Status, status)
	}
	task.Status = status
	if mutate != nil {
		mutate(&task)
	}
	return e.store.UpdateTask(ctx, task)
}

// GetTask returns one task.
func (e *Engine) GetTask(ctx context.Context, id string) (model.Task, error) {
	task, err := e.store.GetTask(ctx, id)
	if err != nil {
		return model.Task{}, storeError(err, "task", id)
	}
	return task, nil
}

// ListTasks returns every task, newest first.
func (e *Engine) ListTasks(ctx context.Context) ([]model.Task, error) {
	return e.store.ListTasks(ctx)
}

// DeleteTask removes a finished task.
func (e *Engine) DeleteTask(ctx context.Context, id string) error {
	task, err := e.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if !task.IsTerminal() {
		return apierr.Conflict("task %s is %s and cannot be deleted yet", id, task.Status)
	}
	if err := e.store.DeleteTask(ctx, id); err != nil {
		return storeError(err, "task", id)
	}
	return nil
}

func validationError(err error) error {
	var invalid validator.ValidationErrors
	if !errors.As(err, &invalid) {
		return apierr.BadRequest("invalid request: %v", err)
	}
	problems := make([]string, 0, len(invalid))
	for _, fieldErr := range invalid {
		if fieldErr.Param() != "" {
			problems = append(problems, fmt.Sprintf("%s must satisfy %s=%s", fieldErr.Field(), fieldErr.Tag(), fieldErr.Param()))
			continue
		}
		problems = append(problems, fmt.Sprintf("%s is %s", fieldErr.Field(), fieldErr.Tag()))
	}
	return apierr.BadRequest("invalid request: %s", strings.Join(problems, "; "))
}

func storeError(err error, kind, id string) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return apierr.NotFound("%s %s not found", kind, id).WithCause(err)
	case errors.Is(err, store.ErrConflict):
		return apierr.ResourceExists("%s %s already exists", kind, id).WithCause(err)
	case errors.Is(err, store.ErrVersionConflict):
		return apierr.Conflict("%s %s was modified concurrently", kind, id).WithCause(err)
	default:
		return err
	}
}

package workflow

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/songzhibin97/gkit/generator"

	"github.com/songzhibin97/activity-flow/events"
	"github.com/songzhibin97/activity-flow/rules"
	"github.com/songzhibin97/activity-flow/storage"
	"github.com/songzhibin97/activity-flow/types"
)

// EventInstanceStarted is published by the engine when it starts an instance.
const EventInstanceStarted = "instance_started"

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithEngineLogger sets the logger shared by the engine, its event bus and
// the instances it starts.
func WithEngineLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithEngineEvaluator sets the evaluator handed to every instance.
func WithEngineEvaluator(evaluator rules.Evaluator) EngineOption {
	return func(e *Engine) {
		if evaluator != nil {
			e.evaluator = evaluator
		}
	}
}

// WithBusOptions configures the engine event bus.
func WithBusOptions(opts ...events.EventBusOption) EngineOption {
	return func(e *Engine) {
		e.busOptions = append(e.busOptions, opts...)
	}
}

type liveInstance struct {
	*Instance
	createdAt  int64
	snapshotMu sync.Mutex // orders PortableForm+SaveInstance per instance
}

// finished reports an empty frontier with nothing left to reactivate.
func (l *liveInstance) finished() bool {
	return l.IsCompleted() && len(l.FailedActivities()) == 0
}

// Engine hosts definitions and instances on top of a Storage. Every
// definition is stored in portable form under its name and every instance is
// snapshotted after each call that changed it; anything not cached is
// rebuilt from storage on first use.
type Engine struct {
	definitions map[string]*Definition
	instances   map[uint64]*liveInstance
	registry    *Registry
	evaluator   rules.Evaluator
	storage     storage.Storage
	eventBus    *events.EventBus
	busOptions  []events.EventBusOption
	generate    generator.Generator
	logger      *slog.Logger
	mu          sync.RWMutex
}

// NewEngine creates an Engine. A nil store defaults to an in-memory store and
// a nil registry to one holding only the built-in activity types.
func NewEngine(generate generator.Generator, store storage.Storage, registry *Registry, opts ...EngineOption) (*Engine, error) {
	if generate == nil {
		return nil, errors.New("generator is required")
	}
	if store == nil {
		store = storage.NewMemoryStorage()
	}
	if registry == nil {
		registry = NewRegistry()
	}

	e := &Engine{
		definitions: make(map[string]*Definition),
		instances:   make(map[uint64]*liveInstance),
		registry:    registry,
		evaluator:   rules.NewExprEvaluator(),
		storage:     store,
		generate:    generate,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	busOptions := append([]events.EventBusOption{events.WithLogger(e.logger)}, e.busOptions...)
	e.eventBus = events.NewEventBus(busOptions...)
	return e, nil
}

// Registry returns the type registry used to read stored snapshots.
func (e *Engine) Registry() *Registry { return e.registry }

// SubscribeEvent subscribes handler to events of eventType raised by any
// hosted instance.
func (e *Engine) SubscribeEvent(eventType string, handler events.EventHandler) (unsubscribe func()) {
	return e.eventBus.Subscribe(eventType, handler)
}

// RegisterDefinition validates def, caches it and stores its portable form.
func (e *Engine) RegisterDefinition(ctx context.Context, def *Definition) error {
	if def == nil {
		return errors.WithMessage(ErrInvalidDefinition, "nil definition")
	}
	if def.Name == "" {
		return errors.WithMessage(ErrInvalidDefinition, "definition name is required")
	}
	text, err := def.PortableForm()
	if err != nil {
		return err
	}
	rec := types.DefinitionRecord{
		Name:      def.Name,
		Body:      text,
		UpdatedAt: time.Now().UnixMilli(),
	}
	if err := e.storage.SaveDefinition(ctx, rec); err != nil {
		return errors.WithMessage(err, "failed to save definition")
	}

	e.mu.Lock()
	e.definitions[def.Name] = def
	e.mu.Unlock()
	return nil
}

// GetDefinition returns the definition registered under name, checking the
// cache first and then storage.
func (e *Engine) GetDefinition(ctx context.Context, name string) (*Definition, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	e.mu.RLock()
	def, ok := e.definitions[name]
	e.mu.RUnlock()
	if ok {
		return def, nil
	}

	rec, err := e.storage.GetDefinition(ctx, name)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, classify(ErrDefinitionNotFound, err, "")
	} else if err != nil {
		return nil, errors.WithMessage(err, "failed to get definition")
	}
	def, err = ParseDefinition(rec.Body, e.registry)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if cached, ok := e.definitions[name]; ok {
		return cached, nil
	}
	e.definitions[name] = def
	return def, nil
}

// StartInstance creates an instance of the named definition, positioned at
// its start activity, and stores the first snapshot.
func (e *Engine) StartInstance(ctx context.Context, name string) (*Instance, error) {
	def, err := e.GetDefinition(ctx, name)
	if err != nil {
		return nil, err
	}
	id, err := e.generate.NextID()
	if err != nil {
		return nil, errors.WithMessage(err, "failed to generate ID")
	}
	inst, err := def.NewInstance(e.instanceOptions(id)...)
	if err != nil {
		return nil, err
	}

	live := &liveInstance{Instance: inst, createdAt: time.Now().UnixMilli()}
	if err := e.snapshot(ctx, live); err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.instances[id] = live
	e.mu.Unlock()

	e.publish(ctx, events.Event{
		Type:       EventInstanceStarted,
		InstanceID: id,
		Activity:   def.StartActivity.ID(),
		Current:    activityIDs(inst.CurrentActivities()),
		Data:       map[string]interface{}{"definition": def.Name},
	})
	e.logger.Info("instance started",
		slog.Uint64("instance_id", id),
		slog.String("definition", def.Name))
	return inst, nil
}

// GetInstance returns the instance with id, checking the cache first and
// then restoring it from storage.
func (e *Engine) GetInstance(ctx context.Context, id uint64) (*Instance, error) {
	live, err := e.getInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	return live.Instance, nil
}

func (e *Engine) getInstance(ctx context.Context, id uint64) (*liveInstance, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	e.mu.RLock()
	live, ok := e.instances[id]
	e.mu.RUnlock()
	if ok {
		return live, nil
	}

	rec, err := e.storage.GetInstance(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, classify(ErrInstanceNotFound, err, "")
	} else if err != nil {
		return nil, errors.WithMessage(err, "failed to get instance")
	}
	def, err := e.GetDefinition(ctx, rec.Definition)
	if err != nil {
		return nil, err
	}
	inst, err := RestoreInstance(rec.Body, def, e.registry, e.instanceOptions(id)...)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if cached, ok := e.instances[id]; ok {
		return cached, nil
	}
	live = &liveInstance{Instance: inst, createdAt: rec.CreatedAt}
	e.instances[id] = live
	return live, nil
}

// Complete finishes activityID on instance id and stores the resulting
// snapshot. A failed activity is snapshotted too, so the failure survives a
// restart.
func (e *Engine) Complete(ctx context.Context, id uint64, activityID string, args ...interface{}) (Result, error) {
	live, err := e.getInstance(ctx, id)
	if err != nil {
		return Result{}, err
	}
	act, ok := live.Definition().Activity(activityID)
	if !ok {
		return Result{}, errors.WithMessagef(ErrActivityNotFound, "activity %q in %q", activityID, live.Definition().Name)
	}

	result, err := live.Complete(ctx, act, args...)
	if errors.Is(err, ErrActivityNotActive) || (err != nil && cancelled(ctx, err)) {
		return result, err
	}
	if saveErr := e.snapshot(context.WithoutCancel(ctx), live); saveErr != nil {
		if err != nil {
			return result, err
		}
		return result, saveErr
	}
	return result, err
}

// Reactivate puts a failed activity of instance id back onto its frontier
// and stores the snapshot.
func (e *Engine) Reactivate(ctx context.Context, id uint64, activityID string) error {
	live, err := e.getInstance(ctx, id)
	if err != nil {
		return err
	}
	act, ok := live.Definition().Activity(activityID)
	if !ok {
		return errors.WithMessagef(ErrActivityNotFound, "activity %q in %q", activityID, live.Definition().Name)
	}
	if err := live.Reactivate(act); err != nil {
		return err
	}
	return e.snapshot(ctx, live)
}

// ClearCompleted removes completed instances from storage and the cache.
func (e *Engine) ClearCompleted(ctx context.Context) error {
	if err := e.storage.ClearCompleted(ctx); err != nil {
		return errors.WithMessage(err, "failed to clear completed instances")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, live := range e.instances {
		if live.finished() {
			delete(e.instances, id)
		}
	}
	return nil
}

// Stop drains pending events and stops the event bus.
func (e *Engine) Stop(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		e.eventBus.Stop()
		return nil
	}
}

func (e *Engine) instanceOptions(id uint64) []InstanceOption {
	return []InstanceOption{
		WithID(id),
		WithEvaluator(e.evaluator),
		WithEventBus(e.eventBus),
		WithLogger(e.logger),
	}
}

func (e *Engine) snapshot(ctx context.Context, live *liveInstance) error {
	live.snapshotMu.Lock()
	defer live.snapshotMu.Unlock()

	text, err := live.PortableForm()
	if err == nil {
		err = e.storage.SaveInstance(ctx, types.InstanceRecord{
			ID:         live.ID(),
			Definition: live.Definition().Name,
			Completed:  live.finished(),
			Body:       text,
			CreatedAt:  live.createdAt,
			UpdatedAt:  time.Now().UnixMilli(),
		})
	}
	if err != nil {
		snapshotErrors.WithLabelValues(live.Definition().Name).Inc()
		e.logger.Error("snapshot instance failed",
			slog.Uint64("instance_id", live.ID()),
			slog.Any("error", err))
		return errors.WithMessage(err, "failed to save instance")
	}
	return nil
}

func (e *Engine) publish(ctx context.Context, event events.Event) {
	if err := e.eventBus.Publish(context.WithoutCancel(ctx), event); err != nil && !errors.Is(err, events.ErrNoHandler) {
		e.logger.Warn("publish event failed",
			slog.String("event", event.Type),
			slog.Uint64("instance_id", event.InstanceID),
			slog.Any("error", err))
	}
}

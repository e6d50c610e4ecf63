package workflow

import (
	"context"
	"log/slog"
	"sync"

	"github.com/pkg/errors"

	"github.com/songzhibin97/activity-flow/events"
	"github.com/songzhibin97/activity-flow/rules"
	"github.com/songzhibin97/activity-flow/types"
)

// Event types published on the event bus.
const (
	EventCurrentActivitiesChanged = "current_activities_changed"
	EventActivityFailed           = "activity_failed"
	EventInstanceCompleted        = "instance_completed"
)

// ChangeEvent describes the frontier after one Complete or Reactivate call.
type ChangeEvent struct {
	InstanceID uint64
	Activity   Activity
	Current    []Activity
	Failed     bool // Activity failed and left the frontier without advancing
	Completed  bool // this call emptied the frontier with nothing left running
}

// InstanceOption configures an Instance.
type InstanceOption func(*Instance)

// WithID sets the instance id carried in events and the portable form.
func WithID(id uint64) InstanceOption {
	return func(i *Instance) { i.id = id }
}

// WithEvaluator sets the evaluator for conditional transitions.
func WithEvaluator(evaluator rules.Evaluator) InstanceOption {
	return func(i *Instance) {
		if evaluator != nil {
			i.evaluator = evaluator
		}
	}
}

// WithEventBus forwards change notifications to bus.
func WithEventBus(bus *events.EventBus) InstanceOption {
	return func(i *Instance) { i.bus = bus }
}

// WithLogger sets the instance logger.
func WithLogger(logger *slog.Logger) InstanceOption {
	return func(i *Instance) {
		if logger != nil {
			i.logger = logger
		}
	}
}

// Instance is the live execution state of a Definition.
//
// Complete may be called concurrently for different active activities; the
// frontier and join bookkeeping are guarded by one mutex. Activity work runs
// outside that mutex.
type Instance struct {
	id         uint64
	definition *Definition
	data       *DataProvider
	evaluator  rules.Evaluator
	bus        *events.EventBus
	logger     *slog.Logger

	mu       sync.Mutex
	frontier []Activity
	failed   []Activity
	arrivals map[string][]string // join id -> sources already arrived
	running  int                 // claimed activities whose call has not settled

	handlersMu sync.RWMutex
	handlers   []func(ChangeEvent)
}

func newInstance(d *Definition, opts ...InstanceOption) *Instance {
	i := &Instance{
		definition: d,
		data:       NewDataProvider(),
		evaluator:  rules.NewExprEvaluator(),
		logger:     slog.Default(),
		arrivals:   make(map[string][]string),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// ID returns the instance id, zero unless set with WithID.
func (i *Instance) ID() uint64 { return i.id }

// Definition returns the definition the instance runs.
func (i *Instance) Definition() *Definition { return i.definition }

// Data returns the per-activity data provider.
func (i *Instance) Data() *DataProvider { return i.data }

// CurrentActivities returns a snapshot of the frontier in insertion order.
func (i *Instance) CurrentActivities() []Activity {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]Activity(nil), i.frontier...)
}

// FailedActivities returns the activities that failed and await Reactivate.
func (i *Instance) FailedActivities() []Activity {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]Activity(nil), i.failed...)
}

// IsCompleted reports whether the frontier is empty and no Complete call is
// still running an activity.
func (i *Instance) IsCompleted() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.frontier) == 0 && i.running == 0
}

// OnCurrentActivitiesChanged registers fn to run after every call that
// changed the frontier. fn runs on the calling goroutine.
func (i *Instance) OnCurrentActivitiesChanged(fn func(ChangeEvent)) {
	i.handlersMu.Lock()
	defer i.handlersMu.Unlock()
	i.handlers = append(i.handlers, fn)
}

// Complete finishes activity with args and advances the frontier.
//
// The activity must be active, otherwise ErrActivityNotActive is returned and
// nothing changes. If ctx is cancelled while the activity runs, the activity
// stays active. If the activity returns an error or a result that is not
// Completed, it leaves the frontier, is recorded as failed and nothing
// downstream is activated.
func (i *Instance) Complete(ctx context.Context, activity Activity, args ...interface{}) (Result, error) {
	act, pos, err := i.claim(activity)
	if err != nil {
		return Result{}, err
	}

	result, err := i.invoke(ctx, act, args)
	if err != nil && cancelled(ctx, err) {
		i.release(act, pos)
		activityCompletions.WithLabelValues(i.definition.Name, "cancelled").Inc()
		return result, err
	}
	var state settled
	if err == nil && result.Completed {
		state, err = i.advance(act, result, args)
	}
	if err != nil || !result.Completed {
		state = i.markFailed(act)
		activityCompletions.WithLabelValues(i.definition.Name, "failed").Inc()
		i.logger.Warn("activity failed",
			slog.Uint64("instance_id", i.id),
			slog.String("activity", act.ID()),
			slog.Any("error", err))
		i.notify(ctx, act, state, true)
		if err != nil {
			return result, errors.WithMessagef(err, "complete activity %q", act.ID())
		}
		return result, nil
	}

	activityCompletions.WithLabelValues(i.definition.Name, "completed").Inc()
	i.notify(ctx, act, state, false)
	return result, nil
}

// Reactivate puts a failed activity back onto the frontier.
func (i *Instance) Reactivate(activity Activity) error {
	i.mu.Lock()
	idx := indexOf(i.failed, activity.ID())
	if idx < 0 {
		i.mu.Unlock()
		return errors.WithMessagef(ErrActivityNotFailed, "activity %q", activity.ID())
	}
	act := i.failed[idx]
	i.failed = append(i.failed[:idx:idx], i.failed[idx+1:]...)
	i.frontier = appendUnique(i.frontier, act)
	state := i.settledLocked()
	i.mu.Unlock()

	i.notify(context.Background(), act, state, false)
	return nil
}

func (i *Instance) claim(activity Activity) (Activity, int, error) {
	if activity == nil {
		return nil, 0, errors.WithMessage(ErrActivityNotActive, "nil activity")
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	pos := indexOf(i.frontier, activity.ID())
	if pos < 0 {
		return nil, 0, errors.WithMessagef(ErrActivityNotActive, "activity %q", activity.ID())
	}
	act := i.frontier[pos]
	i.frontier = append(i.frontier[:pos:pos], i.frontier[pos+1:]...)
	i.running++
	return act, pos, nil
}

// release undoes claim, restoring act at its former position where possible.
func (i *Instance) release(act Activity, pos int) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.running--
	if indexOf(i.frontier, act.ID()) >= 0 {
		return
	}
	if pos > len(i.frontier) {
		pos = len(i.frontier)
	}
	frontier := make([]Activity, 0, len(i.frontier)+1)
	frontier = append(frontier, i.frontier[:pos]...)
	frontier = append(frontier, act)
	i.frontier = append(frontier, i.frontier[pos:]...)
}

func (i *Instance) markFailed(act Activity) settled {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.running--
	i.failed = appendUnique(i.failed, act)
	return i.settledLocked()
}

// settled is the frontier as committed by one call.
type settled struct {
	current   []Activity
	completed bool
}

func (i *Instance) settledLocked() settled {
	return settled{
		current:   append([]Activity(nil), i.frontier...),
		completed: len(i.frontier) == 0 && i.running == 0,
	}
}

func (i *Instance) invoke(ctx context.Context, act Activity, args []interface{}) (result Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			result, err = Result{}, errors.WithMessagef(ErrActivityPanicked, "activity %q: %v", act.ID(), r)
		}
	}()
	return act.Complete(ctx, i.data, args...)
}

func cancelled(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// advancement is the frontier and join state being rewritten by one call.
type advancement struct {
	frontier []Activity
	arrivals map[string][]string
	env      map[string]interface{}
}

// advance follows the outbound transitions of act. The new state is built on
// a copy and committed only when every transition has been resolved.
func (i *Instance) advance(act Activity, result Result, args []interface{}) (settled, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	adv := &advancement{
		frontier: append([]Activity(nil), i.frontier...),
		arrivals: make(map[string][]string, len(i.arrivals)),
		env: map[string]interface{}{
			"activity": act.ID(),
			"result":   result.Value,
			"args":     args,
		},
	}
	for join, sources := range i.arrivals {
		adv.arrivals[join] = append([]string(nil), sources...)
	}

	for _, t := range i.definition.OutboundTransitions(act) {
		if err := i.follow(adv, t); err != nil {
			return settled{}, err
		}
	}

	i.frontier, i.arrivals = adv.frontier, adv.arrivals
	i.running--
	i.logger.Debug("activity completed",
		slog.Uint64("instance_id", i.id),
		slog.String("activity", act.ID()),
		slog.Any("current", activityIDs(i.frontier)))
	return i.settledLocked(), nil
}

func (i *Instance) follow(adv *advancement, t types.Transition) error {
	ok, err := i.evaluator.Evaluate(t.Condition, adv.env)
	if err != nil {
		return errors.WithMessagef(ErrConditionFailed, "transition %q -> %q: %v", t.From, t.To, err)
	}
	if !ok {
		return nil
	}

	target, _ := i.definition.Activity(t.To)
	switch KindOf(target) {
	case KindFork:
		for _, next := range i.definition.OutboundTransitions(target) {
			if err := i.follow(adv, next); err != nil {
				return err
			}
		}
	case KindJoin:
		arrived := adv.arrivals[target.ID()]
		if !containsString(arrived, t.From) {
			arrived = append(arrived, t.From)
		}
		if len(arrived) < len(i.definition.InboundTransitions(target)) {
			adv.arrivals[target.ID()] = arrived
			return nil
		}
		delete(adv.arrivals, target.ID())
		for _, next := range i.definition.OutboundTransitions(target) {
			if err := i.follow(adv, next); err != nil {
				return err
			}
		}
	default:
		adv.frontier = appendUnique(adv.frontier, target)
	}
	return nil
}

// notify reports state, the frontier committed by the call that finished act.
func (i *Instance) notify(ctx context.Context, act Activity, state settled, failed bool) {
	ev := ChangeEvent{
		InstanceID: i.id,
		Activity:   act,
		Current:    state.current,
		Failed:     failed,
		Completed:  state.completed && !failed,
	}
	i.handlersMu.RLock()
	handlers := append([]func(ChangeEvent){}, i.handlers...)
	i.handlersMu.RUnlock()
	for _, h := range handlers {
		h(ev)
	}

	if ev.Completed {
		instancesCompleted.WithLabelValues(i.definition.Name).Inc()
	}
	if i.bus == nil {
		return
	}
	i.publish(ctx, EventCurrentActivitiesChanged, act, ev.Current)
	if failed {
		i.publish(ctx, EventActivityFailed, act, ev.Current)
	} else if ev.Completed {
		i.publish(ctx, EventInstanceCompleted, act, ev.Current)
	}
}

func (i *Instance) publish(ctx context.Context, eventType string, act Activity, current []Activity) {
	err := i.bus.Publish(context.WithoutCancel(ctx), events.Event{
		Type:       eventType,
		InstanceID: i.id,
		Activity:   act.ID(),
		Current:    activityIDs(current),
		Data:       map[string]interface{}{"definition": i.definition.Name},
	})
	if err != nil && !errors.Is(err, events.ErrNoHandler) {
		i.logger.Warn("publish event failed",
			slog.String("event", eventType),
			slog.Uint64("instance_id", i.id),
			slog.Any("error", err))
	}
}

func indexOf(list []Activity, id string) int {
	for idx, a := range list {
		if a.ID() == id {
			return idx
		}
	}
	return -1
}

func appendUnique(list []Activity, a Activity) []Activity {
	if indexOf(list, a.ID()) >= 0 {
		return list
	}
	return append(list, a)
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func activityIDs(list []Activity) []string {
	ids := make([]string, len(list))
	for idx, a := range list {
		ids[idx] = a.ID()
	}
	return ids
}

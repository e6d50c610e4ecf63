package workflow

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/activity-flow/types"
)

var errBoom = errors.New("boom")

// note is the data object written by writeNote.
type note struct {
	Text string `json:"text"`
}

// counter has a non-zero default.
type counter struct {
	Step  int `json:"step"`
	Total int `json:"total"`
}

func (c *counter) SetDefaults() { c.Step = 1 }

// writeNote stores its configured text in its note.
type writeNote struct {
	BaseActivity
	Text string `json:"text"`
}

func newWriteNote(id, text string) *writeNote {
	return &writeNote{BaseActivity: BaseActivity{ActivityID: id}, Text: text}
}

func (a *writeNote) Complete(_ context.Context, data *DataProvider, _ ...interface{}) (Result, error) {
	Resolve[note](data, a).Text = a.Text
	return Done(), nil
}

// flaky fails while Fail is set.
type flaky struct {
	BaseActivity
	Fail bool `json:"fail"`
}

func (a *flaky) Complete(_ context.Context, _ *DataProvider, _ ...interface{}) (Result, error) {
	if a.Fail {
		return Result{}, errBoom
	}
	return Done(), nil
}

// decide completes with its first argument as the result value.
type decide struct {
	BaseActivity
}

func (a *decide) Complete(_ context.Context, _ *DataProvider, args ...interface{}) (Result, error) {
	var v interface{}
	if len(args) > 0 {
		v = args[0]
	}
	return Result{Completed: true, Value: v}, nil
}

// incomplete reports that it did not finish.
type incomplete struct {
	BaseActivity
}

func (a *incomplete) Complete(context.Context, *DataProvider, ...interface{}) (Result, error) {
	return Result{}, nil
}

type panicky struct {
	BaseActivity
}

func (a *panicky) Complete(context.Context, *DataProvider, ...interface{}) (Result, error) {
	panic("kaboom")
}

// gated blocks until released or cancelled, announcing on started when it
// begins.
type gated struct {
	BaseActivity
	started chan struct{}
	release chan struct{}
}

func newGated(id string) *gated {
	return &gated{
		BaseActivity: BaseActivity{ActivityID: id},
		started:      make(chan struct{}, 8),
		release:      make(chan struct{}),
	}
}

func (a *gated) Complete(ctx context.Context, _ *DataProvider, _ ...interface{}) (Result, error) {
	a.started <- struct{}{}
	select {
	case <-a.release:
		return Done(), nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func edge(from, to string) types.Transition {
	return types.Transition{From: from, To: to}
}

func mustDefinition(t *testing.T, name string, start Activity, activities []Activity, transitions ...types.Transition) *Definition {
	t.Helper()
	d, err := NewDefinition(name, start, activities, transitions)
	require.NoError(t, err)
	return d
}

// chain builds 1 -> 2 -> 3.
func chain(t *testing.T) (*Definition, []Activity) {
	acts := []Activity{NewActivity("1"), NewActivity("2"), NewActivity("3")}
	return mustDefinition(t, "chain", acts[0], acts, edge("1", "2"), edge("2", "3")), acts
}

// forkJoin builds Fork(1) -> {2, 3} -> Join(4).
func forkJoin(t *testing.T) (*Definition, []Activity) {
	acts := []Activity{NewFork("1"), NewActivity("2"), NewActivity("3"), NewJoin("4")}
	return mustDefinition(t, "fork-join", acts[0], acts,
		edge("1", "2"), edge("1", "3"), edge("2", "4"), edge("3", "4")), acts
}

func ids(list []Activity) []string {
	return activityIDs(list)
}

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	require.NoError(t, RegisterActivity[writeNote](r))
	require.NoError(t, RegisterActivity[flaky](r))
	require.NoError(t, RegisterActivity[decide](r))
	require.NoError(t, RegisterData[note](r))
	require.NoError(t, RegisterData[counter](r))
	return r
}

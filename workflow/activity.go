package workflow

import "context"

// Result is the outcome of completing an activity. Only Completed drives the
// instance; Value is exposed to transition conditions as "result".
type Result struct {
	Completed bool
	Value     interface{}
}

// Done is the successful result without a value.
func Done() Result { return Result{Completed: true} }

// Activity is a node of a workflow graph.
//
// Complete performs the unit of work. args are caller-supplied positional
// values whose shape is agreed by convention. An activity reads and writes
// its own data through Resolve(data, self).
type Activity interface {
	ID() string
	Complete(ctx context.Context, data *DataProvider, args ...interface{}) (Result, error)
}

// BaseActivity is the plain activity. Caller-defined activities embed it and
// override Complete.
type BaseActivity struct {
	ActivityID string `json:"id"`
}

// NewActivity returns a plain activity.
func NewActivity(id string) *BaseActivity {
	return &BaseActivity{ActivityID: id}
}

// ID implements Activity.
func (a *BaseActivity) ID() string { return a.ActivityID }

// Complete succeeds unless ctx is already done.
func (a *BaseActivity) Complete(ctx context.Context, _ *DataProvider, _ ...interface{}) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	return Done(), nil
}

// Fork expands the frontier to all of its outbound targets. Reaching a fork
// is reaching its children; it never sits in the frontier unless it is the
// start activity.
type Fork struct {
	BaseActivity
}

// NewFork returns a fork activity.
func NewFork(id string) *Fork {
	return &Fork{BaseActivity{ActivityID: id}}
}

func (*Fork) forkMarker() {}

// Join waits until every inbound transition has delivered an arrival, then
// continues along its own outbound transitions.
type Join struct {
	BaseActivity
}

// NewJoin returns a join activity.
func NewJoin(id string) *Join {
	return &Join{BaseActivity{ActivityID: id}}
}

func (*Join) joinMarker() {}

// Kind classifies activities for frontier advancement.
type Kind int

const (
	KindActivity Kind = iota
	KindFork
	KindJoin
)

func (k Kind) String() string {
	switch k {
	case KindFork:
		return "fork"
	case KindJoin:
		return "join"
	default:
		return "activity"
	}
}

type forker interface{ forkMarker() }

type joiner interface{ joinMarker() }

// KindOf reports the kind of a. Types embedding Fork or Join keep that kind.
func KindOf(a Activity) Kind {
	switch a.(type) {
	case forker:
		return KindFork
	case joiner:
		return KindJoin
	default:
		return KindActivity
	}
}

package workflow

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/songzhibin97/activity-flow/types"
)

// Definition is a workflow graph. It is authored once, validated, and then
// shared read-only by any number of instances.
type Definition struct {
	Name          string
	Activities    []Activity
	Transitions   []types.Transition
	StartActivity Activity

	once  sync.Once
	err   error
	byID  map[string]Activity
	edges []types.Transition
}

// NewDefinition builds and validates a definition.
func NewDefinition(name string, start Activity, activities []Activity, transitions []types.Transition) (*Definition, error) {
	d := &Definition{
		Name:          name,
		Activities:    activities,
		Transitions:   transitions,
		StartActivity: start,
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

// Validate checks the graph and freezes its index. The result of the first
// call is remembered; later edits to the exported fields are not observed.
func (d *Definition) Validate() error {
	d.once.Do(func() {
		d.byID, d.err = d.index()
		if d.err == nil {
			d.edges = append([]types.Transition(nil), d.Transitions...)
		}
	})
	return d.err
}

func (d *Definition) index() (map[string]Activity, error) {
	byID := make(map[string]Activity, len(d.Activities))
	for i, a := range d.Activities {
		if a == nil {
			return nil, errors.WithMessagef(ErrInvalidDefinition, "activity #%d is nil", i)
		}
		if a.ID() == "" {
			return nil, errors.WithMessagef(ErrInvalidDefinition, "activity #%d has an empty id", i)
		}
		if _, dup := byID[a.ID()]; dup {
			return nil, errors.WithMessagef(ErrInvalidDefinition, "duplicate activity id %q", a.ID())
		}
		byID[a.ID()] = a
	}

	if d.StartActivity == nil {
		return nil, errors.WithMessage(ErrInvalidDefinition, "no start activity")
	}
	if _, ok := byID[d.StartActivity.ID()]; !ok {
		return nil, errors.WithMessagef(ErrInvalidDefinition, "start activity %q is not part of the definition", d.StartActivity.ID())
	}

	edges := make(map[[2]string]struct{}, len(d.Transitions))
	inbound := make(map[string]int)
	for i, t := range d.Transitions {
		if _, ok := byID[t.From]; !ok {
			return nil, errors.WithMessagef(ErrInvalidDefinition, "transition #%d: unknown source activity %q", i, t.From)
		}
		if _, ok := byID[t.To]; !ok {
			return nil, errors.WithMessagef(ErrInvalidDefinition, "transition #%d: unknown target activity %q", i, t.To)
		}
		edge := [2]string{t.From, t.To}
		if _, dup := edges[edge]; dup {
			return nil, errors.WithMessagef(ErrInvalidDefinition, "duplicate transition %q -> %q", t.From, t.To)
		}
		edges[edge] = struct{}{}
		inbound[t.To]++
	}

	for _, a := range d.Activities {
		if KindOf(a) == KindJoin && inbound[a.ID()] == 0 && a.ID() != d.StartActivity.ID() {
			return nil, errors.WithMessagef(ErrInvalidDefinition, "join %q has no inbound transitions", a.ID())
		}
	}
	if err := d.checkPseudoCycles(byID); err != nil {
		return nil, err
	}
	return byID, nil
}

// checkPseudoCycles rejects cycles made only of forks and joins. Advancement
// resolves those activities within one call and would never settle.
func (d *Definition) checkPseudoCycles(byID map[string]Activity) error {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int)
	var visit func(id string) error
	visit = func(id string) error {
		state[id] = visiting
		for _, t := range d.Transitions {
			if t.From != id || KindOf(byID[t.To]) == KindActivity {
				continue
			}
			switch state[t.To] {
			case visiting:
				return errors.WithMessagef(ErrInvalidDefinition, "fork/join cycle through %q", t.To)
			case unvisited:
				if err := visit(t.To); err != nil {
					return err
				}
			}
		}
		state[id] = done
		return nil
	}
	for _, a := range d.Activities {
		if KindOf(a) != KindActivity && state[a.ID()] == unvisited {
			if err := visit(a.ID()); err != nil {
				return err
			}
		}
	}
	return nil
}

// Activity looks an activity up by id.
func (d *Definition) Activity(id string) (Activity, bool) {
	if d.Validate() != nil {
		return nil, false
	}
	a, ok := d.byID[id]
	return a, ok
}

func (d *Definition) graph() []types.Transition {
	if d.Validate() == nil {
		return d.edges
	}
	return d.Transitions
}

// OutboundTransitions returns the transitions leaving a, in declaration order.
func (d *Definition) OutboundTransitions(a Activity) []types.Transition {
	var out []types.Transition
	for _, t := range d.graph() {
		if t.From == a.ID() {
			out = append(out, t)
		}
	}
	return out
}

// InboundTransitions returns the transitions entering a, in declaration order.
func (d *Definition) InboundTransitions(a Activity) []types.Transition {
	var in []types.Transition
	for _, t := range d.graph() {
		if t.To == a.ID() {
			in = append(in, t)
		}
	}
	return in
}

// NewInstance validates d and returns an instance positioned at the start activity.
func (d *Definition) NewInstance(opts ...InstanceOption) (*Instance, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	inst := newInstance(d, opts...)
	inst.frontier = []Activity{d.byID[d.StartActivity.ID()]}
	return inst, nil
}

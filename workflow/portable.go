package workflow

import (
	"bytes"
	"encoding/json"
	"io"
	"reflect"
	"sort"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"

	"github.com/songzhibin97/activity-flow/types"
)

var validate = validator.New()

// PortableForm encodes d as indented JSON. Each activity is tagged with its
// type key; encoding the same graph twice yields identical text.
func (d *Definition) PortableForm() (string, error) {
	if err := d.Validate(); err != nil {
		return "", err
	}
	doc := types.DefinitionDocument{
		Name:        d.Name,
		Start:       d.StartActivity.ID(),
		Activities:  make([]types.ActivityDocument, 0, len(d.Activities)),
		Transitions: append([]types.Transition{}, d.edges...),
	}
	for _, a := range d.Activities {
		body, err := json.Marshal(a)
		if err != nil {
			return "", errors.Wrapf(err, "encode activity %q", a.ID())
		}
		doc.Activities = append(doc.Activities, types.ActivityDocument{
			Type: keyOf(reflect.TypeOf(a)),
			Body: body,
		})
	}
	return encode(doc)
}

// ParseDefinition decodes text produced by PortableForm. Activity types are
// resolved through registry. Every failure matches ErrMalformedDefinition.
func ParseDefinition(text string, registry *Registry) (*Definition, error) {
	if registry == nil {
		registry = NewRegistry()
	}
	var doc types.DefinitionDocument
	if err := decode([]byte(text), &doc); err != nil {
		return nil, classify(ErrMalformedDefinition, err, "")
	}

	activities := make([]Activity, 0, len(doc.Activities))
	byID := make(map[string]Activity, len(doc.Activities))
	for idx, ad := range doc.Activities {
		a, err := registry.newActivity(ad.Type)
		if err != nil {
			return nil, classify(ErrMalformedDefinition, err, "activity #%d", idx)
		}
		if err := strictUnmarshal(ad.Body, a); err != nil {
			return nil, classify(ErrMalformedDefinition, err, "activity #%d", idx)
		}
		activities = append(activities, a)
		byID[a.ID()] = a
	}

	start, ok := byID[doc.Start]
	if !ok {
		return nil, errors.WithMessagef(ErrMalformedDefinition, "start activity %q is not defined", doc.Start)
	}
	d, err := NewDefinition(doc.Name, start, activities, doc.Transitions)
	if err != nil {
		return nil, classify(ErrMalformedDefinition, err, "")
	}
	return d, nil
}

// PortableForm encodes the instance state: frontier, failed activities, join
// arrivals and every resolved data object, read under one lock so that no
// completion commits in between. Data objects of activities still running are
// captured as they stand.
func (i *Instance) PortableForm() (string, error) {
	i.mu.Lock()
	data, err := i.data.entriesDocument()
	if err != nil {
		i.mu.Unlock()
		return "", err
	}
	doc := types.InstanceDocument{
		ID:         i.id,
		Definition: i.definition.Name,
		Current:    activityIDs(i.frontier),
		Failed:     activityIDs(i.failed),
		Data:       data,
	}
	for join, sources := range i.arrivals {
		doc.Arrivals = append(doc.Arrivals, types.JoinArrivals{
			Join:    join,
			Sources: append([]string(nil), sources...),
		})
	}
	i.mu.Unlock()

	sort.Slice(doc.Arrivals, func(a, b int) bool { return doc.Arrivals[a].Join < doc.Arrivals[b].Join })
	return encode(doc)
}

// RestoreInstance rebuilds an instance of definition from text produced by
// PortableForm. Data types are resolved through registry. Every failure
// matches ErrMalformedInstance.
func RestoreInstance(text string, definition *Definition, registry *Registry, opts ...InstanceOption) (*Instance, error) {
	if err := definition.Validate(); err != nil {
		return nil, err
	}
	if registry == nil {
		registry = NewRegistry()
	}
	var doc types.InstanceDocument
	if err := decode([]byte(text), &doc); err != nil {
		return nil, classify(ErrMalformedInstance, err, "")
	}
	if doc.Definition != "" && doc.Definition != definition.Name {
		return nil, errors.WithMessagef(ErrMalformedInstance, "instance of %q restored against %q", doc.Definition, definition.Name)
	}

	opts = append(append([]InstanceOption(nil), opts...), WithID(doc.ID))
	inst := newInstance(definition, opts...)
	var err error
	if inst.frontier, err = lookupAll(definition, doc.Current); err != nil {
		return nil, errors.WithMessagef(ErrMalformedInstance, "current: %v", err)
	}
	if inst.failed, err = lookupAll(definition, doc.Failed); err != nil {
		return nil, errors.WithMessagef(ErrMalformedInstance, "failed: %v", err)
	}
	for _, ja := range doc.Arrivals {
		if err := checkArrivals(definition, ja); err != nil {
			return nil, classify(ErrMalformedInstance, err, "")
		}
		inst.arrivals[ja.Join] = append([]string(nil), ja.Sources...)
	}
	if err := inst.data.load(doc.Data, registry); err != nil {
		return nil, classify(ErrMalformedInstance, err, "")
	}
	return inst, nil
}

func lookupAll(d *Definition, ids []string) ([]Activity, error) {
	out := make([]Activity, 0, len(ids))
	for _, id := range ids {
		a, ok := d.Activity(id)
		if !ok {
			return nil, errors.Errorf("unknown activity %q", id)
		}
		if indexOf(out, id) >= 0 {
			return nil, errors.Errorf("activity %q listed twice", id)
		}
		out = append(out, a)
	}
	return out, nil
}

func checkArrivals(d *Definition, ja types.JoinArrivals) error {
	join, ok := d.Activity(ja.Join)
	if !ok || KindOf(join) != KindJoin {
		return errors.Errorf("arrivals recorded for %q, which is not a join", ja.Join)
	}
	inbound := d.InboundTransitions(join)
	if len(ja.Sources) >= len(inbound) {
		return errors.Errorf("join %q has every arrival recorded but did not fire", ja.Join)
	}
	seen := make(map[string]bool, len(ja.Sources))
	for _, src := range ja.Sources {
		found := false
		for _, t := range inbound {
			if t.From == src {
				found = true
				break
			}
		}
		if !found || seen[src] {
			return errors.Errorf("join %q: unexpected arrival from %q", ja.Join, src)
		}
		seen[src] = true
	}
	return nil
}

func encode(doc interface{}) (string, error) {
	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", errors.Wrap(err, "encode portable form")
	}
	return string(out), nil
}

func decode(text []byte, doc interface{}) error {
	if err := strictUnmarshal(text, doc); err != nil {
		return errors.WithMessage(err, "decode portable form")
	}
	if err := validate.Struct(doc); err != nil {
		return errors.Wrap(err, "validate portable form")
	}
	return nil
}

// strictUnmarshal decodes exactly one JSON value, rejecting unknown fields
// and anything but whitespace after it.
func strictUnmarshal(data []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if _, err := dec.Token(); err != io.EOF {
		return errors.New("unexpected data after JSON value")
	}
	return nil
}

package workflow

import (
	"encoding/json"
	"reflect"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/songzhibin97/activity-flow/types"
)

// Defaulter is implemented by data types that need non-zero initial values.
type Defaulter interface {
	SetDefaults()
}

type dataKey struct {
	activity string
	typ      reflect.Type
}

// DataProvider holds the per-activity data objects of one instance.
type DataProvider struct {
	mu      sync.Mutex
	entries map[dataKey]interface{}
}

// NewDataProvider returns an empty provider.
func NewDataProvider() *DataProvider {
	return &DataProvider{entries: make(map[dataKey]interface{})}
}

// Resolve returns the T stored for activity, creating it on first use.
// The same activity and type always yield the same pointer.
func Resolve[T any](p *DataProvider, activity Activity) *T {
	return p.resolve(activity.ID(), reflect.TypeOf((*T)(nil)).Elem()).(*T)
}

func (p *DataProvider) resolve(activityID string, t reflect.Type) interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := dataKey{activity: activityID, typ: t}
	if v, ok := p.entries[key]; ok {
		return v
	}
	v := reflect.New(t).Interface()
	if d, ok := v.(Defaulter); ok {
		d.SetDefaults()
	}
	p.entries[key] = v
	return v
}

// Len returns the number of resolved data objects.
func (p *DataProvider) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// entriesDocument encodes every entry, ordered by activity id then type key.
func (p *DataProvider) entriesDocument() ([]types.DataEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]types.DataEntry, 0, len(p.entries))
	for k, v := range p.entries {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, errors.Wrapf(err, "encode data %s for activity %q", keyOf(k.typ), k.activity)
		}
		out = append(out, types.DataEntry{Activity: k.activity, Type: keyOf(k.typ), Value: raw})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Activity != out[j].Activity {
			return out[i].Activity < out[j].Activity
		}
		return out[i].Type < out[j].Type
	})
	return out, nil
}

// load decodes entries typed through registry into p.
func (p *DataProvider) load(entries []types.DataEntry, registry *Registry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range entries {
		t, err := registry.dataType(e.Type)
		if err != nil {
			return err
		}
		key := dataKey{activity: e.Activity, typ: t}
		if _, dup := p.entries[key]; dup {
			return errors.Errorf("duplicate data %s for activity %q", e.Type, e.Activity)
		}
		v := reflect.New(t).Interface()
		if err := json.Unmarshal(e.Value, v); err != nil {
			return errors.Wrapf(err, "decode data %s for activity %q", e.Type, e.Activity)
		}
		p.entries[key] = v
	}
	return nil
}

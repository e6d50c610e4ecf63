package workflow

import (
	"reflect"
	"sync"

	"github.com/pkg/errors"
)

// TypeKeyer lets a type choose its portable type key. Without it the key is
// the package path and type name.
type TypeKeyer interface {
	TypeKey() string
}

var builtinKeys = map[reflect.Type]string{
	reflect.TypeOf(BaseActivity{}): "activity",
	reflect.TypeOf(Fork{}):         "fork",
	reflect.TypeOf(Join{}):         "join",
}

func baseType(t reflect.Type) reflect.Type {
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t
}

// keyOf returns the portable type key of t.
func keyOf(t reflect.Type) string {
	t = baseType(t)
	if k, ok := reflect.New(t).Interface().(TypeKeyer); ok {
		return k.TypeKey()
	}
	if k, ok := builtinKeys[t]; ok {
		return k
	}
	if t.Name() == "" {
		return t.String()
	}
	return t.PkgPath() + "." + t.Name()
}

// Registry is the closed set of concrete activity and data types a portable
// form may reference. Restoring never instantiates a type absent from it.
type Registry struct {
	mu         sync.RWMutex
	activities map[string]reflect.Type
	data       map[string]reflect.Type
}

// NewRegistry returns a registry holding the plain, fork and join activities.
func NewRegistry() *Registry {
	r := &Registry{
		activities: make(map[string]reflect.Type),
		data:       make(map[string]reflect.Type),
	}
	for t, k := range builtinKeys {
		r.activities[k] = t
	}
	return r
}

func register(m map[string]reflect.Type, t reflect.Type) error {
	key := keyOf(t)
	if key == "" {
		return errors.Errorf("type %s has an empty type key", t)
	}
	if prev, ok := m[key]; ok && prev != t {
		return errors.Errorf("type key %q already registered for %s", key, prev)
	}
	m[key] = t
	return nil
}

// RegisterActivity adds the activity type *T to r.
func RegisterActivity[T any, PT interface {
	*T
	Activity
}](r *Registry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return register(r.activities, reflect.TypeOf((*T)(nil)).Elem())
}

// RegisterData adds the data type T, as resolved with Resolve[T], to r.
// Activity configuration fields do not need registering; they decode into
// their declared Go types.
func RegisterData[T any](r *Registry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return register(r.data, reflect.TypeOf((*T)(nil)).Elem())
}

func (r *Registry) newActivity(key string) (Activity, error) {
	r.mu.RLock()
	t, ok := r.activities[key]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.WithMessagef(ErrUnknownType, "activity type %q", key)
	}
	return reflect.New(t).Interface().(Activity), nil
}

func (r *Registry) dataType(key string) (reflect.Type, error) {
	r.mu.RLock()
	t, ok := r.data[key]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.WithMessagef(ErrUnknownType, "data type %q", key)
	}
	return t, nil
}

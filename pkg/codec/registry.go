package codec

import (
	"fmt"
	"reflect"
	"slices"
	"sync"
	"time"
)

// Registry maps stable type names to Go types. Only registered types can be
// decoded, which keeps the set of types a stored payload can instantiate
// under the control of the application.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]reflect.Type
	byType map[reflect.Type]string
}

// NewRegistry returns a registry that already knows the predeclared scalar
// types, []byte, []any, map[string]any, time.Time and time.Duration.
func NewRegistry() *Registry {
	r := &Registry{
		byName: make(map[string]reflect.Type),
		byType: make(map[reflect.Type]string),
	}
	builtins := []struct {
		name string
		typ  reflect.Type
	}{
		{"bool", reflect.TypeFor[bool]()},
		{"int", reflect.TypeFor[int]()},
		{"int8", reflect.TypeFor[int8]()},
		{"int16", reflect.TypeFor[int16]()},
		{"int32", reflect.TypeFor[int32]()},
		{"int64", reflect.TypeFor[int64]()},
		{"uint", reflect.TypeFor[uint]()},
		{"uint8", reflect.TypeFor[uint8]()},
		{"uint16", reflect.TypeFor[uint16]()},
		{"uint32", reflect.TypeFor[uint32]()},
		{"uint64", reflect.TypeFor[uint64]()},
		{"float32", reflect.TypeFor[float32]()},
		{"float64", reflect.TypeFor[float64]()},
		{"string", reflect.TypeFor[string]()},
		{"[]byte", reflect.TypeFor[[]byte]()},
		{"[]any", reflect.TypeFor[[]any]()},
		{"map[string]any", reflect.TypeFor[map[string]any]()},
		{"time.Time", reflect.TypeFor[time.Time]()},
		{"time.Duration", reflect.TypeFor[time.Duration]()},
	}
	for _, b := range builtins {
		r.byName[b.name] = b.typ
		r.byType[b.typ] = b.name
	}
	return r
}

// Register binds name to the dynamic type of sample. A typed nil pointer
// such as (*Order)(nil) registers the pointer type.
func (r *Registry) Register(name string, sample any) error {
	if sample == nil {
		return fmt.Errorf("codec: cannot register untyped nil as %q", name)
	}
	return r.RegisterType(name, reflect.TypeOf(sample))
}

// MustRegister is like Register but panics on error. Meant for init blocks.
func (r *Registry) MustRegister(name string, sample any) {
	if err := r.Register(name, sample); err != nil {
		panic(err)
	}
}

// RegisterType binds name to t. Re-registering the same pair is a no-op;
// reusing either side with a different partner is an error.
func (r *Registry) RegisterType(name string, t reflect.Type) error {
	if name == "" {
		return fmt.Errorf("codec: empty type name")
	}
	if t == nil || t.Kind() == reflect.Interface {
		return fmt.Errorf("codec: %q must name a concrete type", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byName[name]; ok {
		if existing == t {
			return nil
		}
		return fmt.Errorf("codec: name %q already bound to %s", name, existing)
	}
	if existing, ok := r.byType[t]; ok {
		return fmt.Errorf("codec: type %s already registered as %q", t, existing)
	}
	r.byName[name] = t
	r.byType[t] = name
	return nil
}

// RegisterType registers T under name.
func RegisterType[T any](r *Registry, name string) error {
	return r.RegisterType(name, reflect.TypeFor[T]())
}

// Name returns the registered name of t.
func (r *Registry) Name(t reflect.Type) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.byType[t]
	return name, ok
}

// Type resolves a registered name.
func (r *Registry) Type(name string) (reflect.Type, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byName[name]
	return t, ok
}

// Names returns every registered name in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byName))
	for n := range r.byName {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

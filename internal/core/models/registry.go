package models

import (
	"bytes"
	"errors"
	"fmt"
	"reflect"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/vmihailenco/msgpack/v5"
)

var (
	ErrUnknownComponent   = errors.New("component type not registered")
	ErrDuplicateComponent = errors.New("component already registered")
)

// ComponentInfo describes one registered component type.
type ComponentInfo struct {
	Kind ComponentKind
	Name string
	Mode SyncMode
	Type reflect.Type

	decode   func([]byte) (any, error)
	lerp     func(from, to any, t float32) any
	diverged func(predicted, confirmed any) bool
}

// Option customises a registration.
type Option[T any] func(*ComponentInfo)

// WithLerp makes the component interpolable.
func WithLerp[T any](fn func(from, to T, t float32) T) Option[T] {
	return func(info *ComponentInfo) {
		info.lerp = func(from, to any, t float32) any {
			return fn(from.(T), to.(T), t)
		}
	}
}

// WithDiverged overrides the predicted/confirmed comparison used to trigger rollback.
func WithDiverged[T any](fn func(predicted, confirmed T) bool) Option[T] {
	return func(info *ComponentInfo) {
		info.diverged = func(predicted, confirmed any) bool {
			return fn(predicted.(T), confirmed.(T))
		}
	}
}

// Registry assigns network kinds to component types. Both peers must register
// the same types in the same order.
type Registry struct {
	byKind []*ComponentInfo
	byType map[reflect.Type]*ComponentInfo
	byName map[string]*ComponentInfo
}

func NewRegistry() *Registry {
	return &Registry{
		byType: make(map[reflect.Type]*ComponentInfo),
		byName: make(map[string]*ComponentInfo),
	}
}

// Register adds T under name. Components are stored and replicated by value.
func Register[T any](r *Registry, name string, mode SyncMode, opts ...Option[T]) (ComponentKind, error) {
	typ := reflect.TypeFor[T]()
	if _, ok := r.byType[typ]; ok {
		return 0, fmt.Errorf("%w: %s", ErrDuplicateComponent, typ)
	}
	if _, ok := r.byName[name]; ok {
		return 0, fmt.Errorf("%w: %s", ErrDuplicateComponent, name)
	}

	info := &ComponentInfo{
		Kind: ComponentKind(len(r.byKind)),
		Name: name,
		Mode: mode,
		Type: typ,
		decode: func(data []byte) (any, error) {
			var v T
			if err := msgpack.Unmarshal(data, &v); err != nil {
				return nil, err
			}
			return v, nil
		},
	}
	for _, opt := range opts {
		opt(info)
	}

	r.byKind = append(r.byKind, info)
	r.byType[typ] = info
	r.byName[name] = info
	return info.Kind, nil
}

// MustRegister is Register for protocol setup code.
func MustRegister[T any](r *Registry, name string, mode SyncMode, opts ...Option[T]) ComponentKind {
	kind, err := Register(r, name, mode, opts...)
	if err != nil {
		panic(err)
	}
	return kind
}

func (r *Registry) Info(kind ComponentKind) (*ComponentInfo, bool) {
	if int(kind) >= len(r.byKind) {
		return nil, false
	}
	return r.byKind[kind], true
}

// InfoOf finds the registration for a component value.
func (r *Registry) InfoOf(v any) (*ComponentInfo, bool) {
	if v == nil {
		return nil, false
	}
	info, ok := r.byType[reflect.TypeOf(v)]
	return info, ok
}

// InfoFor finds the registration for a Go type.
func (r *Registry) InfoFor(typ reflect.Type) (*ComponentInfo, bool) {
	info, ok := r.byType[typ]
	return info, ok
}

func (r *Registry) Lookup(name string) (*ComponentInfo, bool) {
	info, ok := r.byName[name]
	return info, ok
}

func (r *Registry) Len() int { return len(r.byKind) }

// ApplyModes overrides sync modes by component name, as read from configuration.
func (r *Registry) ApplyModes(modes map[string]string) error {
	names := make([]string, 0, len(modes))
	for name := range modes {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		info, ok := r.byName[name]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownComponent, name)
		}
		mode, err := ParseSyncMode(modes[name])
		if err != nil {
			return err
		}
		info.Mode = mode
	}
	return nil
}

// Encode serializes a registered component.
func (r *Registry) Encode(v any) (ComponentKind, []byte, error) {
	info, ok := r.InfoOf(v)
	if !ok {
		return 0, nil, fmt.Errorf("%w: %T", ErrUnknownComponent, v)
	}
	data, err := encodeCanonical(v)
	if err != nil {
		return 0, nil, fmt.Errorf("encode %s: %w", info.Name, err)
	}
	return info.Kind, data, nil
}

// Decode rebuilds a component value of the given kind.
func (r *Registry) Decode(kind ComponentKind, data []byte) (any, error) {
	info, ok := r.Info(kind)
	if !ok {
		return nil, fmt.Errorf("%w: kind %d", ErrUnknownComponent, kind)
	}
	v, err := info.decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", info.Name, err)
	}
	return v, nil
}

// Interpolable reports whether a Lerp function was registered.
func (info *ComponentInfo) Interpolable() bool { return info.lerp != nil }

// Lerp blends from→to by t. Components without a registered function step:
// they hold from until t reaches 1.
func (info *ComponentInfo) Lerp(from, to any, t float32) any {
	if info.lerp != nil {
		return info.lerp(from, to, t)
	}
	if t >= 1 {
		return to
	}
	return from
}

// Diverged reports whether a predicted value disagrees with the confirmed one.
// Without a registered policy the canonical encodings are compared by hash.
func (info *ComponentInfo) Diverged(predicted, confirmed any) bool {
	if info.diverged != nil {
		return info.diverged(predicted, confirmed)
	}
	return Fingerprint(predicted) != Fingerprint(confirmed)
}

// Fingerprint hashes the canonical encoding of a value. Unencodable values hash to 0.
func Fingerprint(v any) uint64 {
	data, err := encodeCanonical(v)
	if err != nil {
		return 0
	}
	return xxhash.Sum64(data)
}

func encodeCanonical(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

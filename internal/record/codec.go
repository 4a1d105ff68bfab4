// Package record encodes entities into the line-delimited log record format
// and back.
//
// A record is a single line:
//
//	{"key":"<k>","$type":"<type-tag>","val":<json-value>}\n
//
// The envelope is written from precomputed fragments. Only the value is
// delegated to a per-type Codec looked up in a Table, which is built once from
// a Registry when a store opens.
package record

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
)

var (
	// ErrMalformed is returned when a line is not a well-formed record.
	ErrMalformed = errors.New("record: malformed record")

	// ErrDuplicateType is returned when a type name or Go type is registered twice.
	ErrDuplicateType = errors.New("record: type already registered")

	// ErrFrozen is returned when registering into a registry that has been frozen.
	ErrFrozen = errors.New("record: registry is frozen")
)

// Codec serializes values of a single Go type.
type Codec interface {
	// Append appends the JSON encoding of v to dst.
	Append(dst []byte, v any) ([]byte, error)

	// Decode parses a JSON value produced by Append.
	Decode(data []byte) (any, error)
}

// JSON returns a Codec that uses encoding/json for values of prototype's type.
// Decode returns the same shape as the prototype: a pointer prototype yields
// pointers.
func JSON(prototype any) Codec {
	return jsonCodec{typ: reflect.TypeOf(prototype)}
}

type jsonCodec struct {
	typ reflect.Type
}

func (c jsonCodec) Append(dst []byte, v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return dst, err
	}
	return append(dst, b...), nil
}

func (c jsonCodec) Decode(data []byte) (any, error) {
	if c.typ == nil {
		var v any
		err := json.Unmarshal(data, &v)
		return v, err
	}
	if c.typ.Kind() == reflect.Pointer {
		p := reflect.New(c.typ.Elem())
		if err := json.Unmarshal(data, p.Interface()); err != nil {
			return nil, err
		}
		return p.Interface(), nil
	}
	p := reflect.New(c.typ)
	if err := json.Unmarshal(data, p.Interface()); err != nil {
		return nil, err
	}
	return p.Elem().Interface(), nil
}

// Raw is a value whose type tag has no registered codec. Its bytes are kept
// verbatim so that a rewrite reproduces the record unchanged.
type Raw struct {
	Type string
	Data json.RawMessage
}

type binding struct {
	name  string
	codec Codec
}

// Registry collects type registrations before a store opens.
type Registry struct {
	byName map[string]binding
	byType map[reflect.Type]binding
	frozen bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]binding),
		byType: make(map[reflect.Type]binding),
	}
}

// Register binds name to the dynamic type of prototype. A nil codec selects
// the JSON codec.
func (r *Registry) Register(name string, prototype any, codec Codec) error {
	if r.frozen {
		return ErrFrozen
	}
	if name == "" || prototype == nil {
		return fmt.Errorf("record: register %q: name and prototype are required", name)
	}
	typ := reflect.TypeOf(prototype)
	if _, ok := r.byName[name]; ok {
		return fmt.Errorf("%w: name %q", ErrDuplicateType, name)
	}
	if _, ok := r.byType[typ]; ok {
		return fmt.Errorf("%w: type %s", ErrDuplicateType, typ)
	}
	if codec == nil {
		codec = JSON(prototype)
	}
	b := binding{name: name, codec: codec}
	r.byName[name] = b
	r.byType[typ] = b
	return nil
}

// Freeze resolves the registrations into an immutable Table. The registry
// accepts no further registrations afterwards.
func (r *Registry) Freeze() *Table {
	r.frozen = true
	t := &Table{
		byName: make(map[string]binding, len(r.byName)),
		byType: make(map[reflect.Type]binding, len(r.byType)),
	}
	for k, v := range r.byName {
		t.byName[k] = v
	}
	for k, v := range r.byType {
		t.byType[k] = v
	}
	return t
}

// Table is the frozen, read-only view of a Registry. It is safe for
// concurrent use.
type Table struct {
	byName map[string]binding
	byType map[reflect.Type]binding
}

// Names returns the registered type names.
func (t *Table) Names() []string {
	names := make([]string, 0, len(t.byName))
	for n := range t.byName {
		names = append(names, n)
	}
	return names
}

// lookup returns the tag and codec for v. Unregistered types fall back to
// their Go type name and the JSON codec; such records load back as Raw.
func (t *Table) lookup(v any) (string, Codec) {
	typ := reflect.TypeOf(v)
	if b, ok := t.byType[typ]; ok {
		return b.name, b.codec
	}
	return typ.String(), jsonCodec{typ: typ}
}

// Resolve returns the codec registered under name.
func (t *Table) Resolve(name string) (Codec, bool) {
	b, ok := t.byName[name]
	return b.codec, ok
}

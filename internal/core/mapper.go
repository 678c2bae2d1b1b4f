package core

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Mapper transforms one record into another, or drops it.
//
// Returning (nil, nil) skips the row: it still counts toward the run
// total but lands in neither success nor failed. Returning an error marks
// the row failed without stopping the run.
//
// A mapper must be pure: no I/O, no shared mutable state, no dependence
// on call order. The parallel coordinator relies on this to apply the
// same mapper independently in every worker.
type Mapper interface {
	Map(rec Record) (Record, error)
}

// MapperFunc adapts a plain function to the Mapper interface.
type MapperFunc func(Record) (Record, error)

func (f MapperFunc) Map(rec Record) (Record, error) { return f(rec) }

// MapperRegistry holds named mappers. Workers in separate processes
// resolve mappers by name against their own registry, so any mapper used
// in a parallel run must be registered at startup in every binary.
type MapperRegistry struct {
	mu      sync.RWMutex
	mappers map[string]Mapper
}

// NewMapperRegistry creates an empty registry.
func NewMapperRegistry() *MapperRegistry {
	return &MapperRegistry{mappers: make(map[string]Mapper)}
}

// Register adds a named mapper.
// Panics if the name is already taken.
func (r *MapperRegistry) Register(name string, m Mapper) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.mappers[name]; exists {
		panic(fmt.Sprintf("mapper already registered: %s", name))
	}
	r.mappers[name] = m
}

// Get returns a mapper by name.
// Returns false if not found.
func (r *MapperRegistry) Get(name string) (Mapper, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.mappers[name]
	return m, ok
}

// Names returns all registered mapper names, sorted.
func (r *MapperRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.mappers))
	for n := range r.mappers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// MapperSpec names a mapper in a form that survives serialization: either
// a registered mapper by name, or an inline declarative transform. The
// zero value means no mapping.
type MapperSpec struct {
	Name      string     `json:"name,omitempty" yaml:"name,omitempty"`
	Transform *Transform `json:"transform,omitempty" yaml:"transform,omitempty"`
}

// IsZero reports whether the spec names nothing.
func (ms MapperSpec) IsZero() bool {
	return ms.Name == "" && ms.Transform == nil
}

// Resolve returns the mapper the spec names. A nil registry is fine when
// only Transform is used.
func (ms MapperSpec) Resolve(reg *MapperRegistry) (Mapper, error) {
	switch {
	case ms.Name != "" && ms.Transform != nil:
		return nil, fmt.Errorf("mapper spec names both %q and an inline transform", ms.Name)
	case ms.Name != "":
		if reg == nil {
			return nil, fmt.Errorf("mapper %q: no registry available", ms.Name)
		}
		m, ok := reg.Get(ms.Name)
		if !ok {
			return nil, fmt.Errorf("mapper %q is not registered", ms.Name)
		}
		return m, nil
	case ms.Transform != nil:
		if err := ms.Transform.Validate(); err != nil {
			return nil, err
		}
		return ms.Transform, nil
	default:
		return nil, nil
	}
}

// Transform is a declarative mapper: an ordered list of operations applied
// to each record. Unlike a Go function it serializes cleanly, so it can
// cross the process boundary to isolated workers.
type Transform struct {
	Ops []TransformOp `json:"ops" yaml:"ops"`
}

// TransformOp is a single step of a Transform.
type TransformOp struct {
	// Op selects the operation: rename, drop, keep, set, default, cast,
	// trim, lower, upper, prefix, suffix, skip_when.
	Op string `json:"op" yaml:"op"`

	// Field is the column the operation applies to.
	Field string `json:"field,omitempty" yaml:"field,omitempty"`

	// To is the target column name for rename.
	To string `json:"to,omitempty" yaml:"to,omitempty"`

	// Value carries the operation's argument: the literal for set,
	// default, prefix, suffix, and skip_when; the target type for cast
	// (string, int, float, bool, date, auto).
	Value string `json:"value,omitempty" yaml:"value,omitempty"`

	// Fields lists columns for keep and drop.
	Fields []string `json:"fields,omitempty" yaml:"fields,omitempty"`
}

// Validate checks every operation before the transform touches data.
func (t *Transform) Validate() error {
	for i, op := range t.Ops {
		switch op.Op {
		case "rename":
			if op.Field == "" || op.To == "" {
				return fmt.Errorf("transform op %d: rename needs field and to", i)
			}
		case "drop", "keep":
			if op.Field == "" && len(op.Fields) == 0 {
				return fmt.Errorf("transform op %d: %s needs field or fields", i, op.Op)
			}
		case "set", "default", "prefix", "suffix", "skip_when":
			if op.Field == "" {
				return fmt.Errorf("transform op %d: %s needs field", i, op.Op)
			}
		case "cast":
			if op.Field == "" {
				return fmt.Errorf("transform op %d: cast needs field", i)
			}
			switch op.Value {
			case "string", "int", "float", "bool", "date", "auto":
			default:
				return fmt.Errorf("transform op %d: unknown cast type %q", i, op.Value)
			}
		case "trim", "lower", "upper":
			if op.Field == "" {
				return fmt.Errorf("transform op %d: %s needs field", i, op.Op)
			}
		default:
			return fmt.Errorf("transform op %d: unknown op %q", i, op.Op)
		}
	}
	return nil
}

// Map applies the operations in order. Implements Mapper.
func (t *Transform) Map(rec Record) (Record, error) {
	out := rec.Clone()
	for _, op := range t.Ops {
		var err error
		out, err = op.apply(out)
		if err != nil {
			return nil, err
		}
		if out == nil {
			return nil, nil
		}
	}
	return out, nil
}

// targets returns the columns an op addresses.
func (op TransformOp) targets() []string {
	if len(op.Fields) > 0 {
		return op.Fields
	}
	if op.Field != "" {
		return []string{op.Field}
	}
	return nil
}

func (op TransformOp) apply(rec Record) (Record, error) {
	switch op.Op {
	case "rename":
		if v, ok := rec[op.Field]; ok {
			delete(rec, op.Field)
			rec[op.To] = v
		}

	case "drop":
		for _, f := range op.targets() {
			delete(rec, f)
		}

	case "keep":
		keep := make(map[string]struct{})
		for _, f := range op.targets() {
			keep[f] = struct{}{}
		}
		for k := range rec {
			if _, ok := keep[k]; !ok {
				delete(rec, k)
			}
		}

	case "set":
		rec[op.Field] = op.Value

	case "default":
		if v, ok := rec[op.Field]; !ok || v == nil || FormatValue(v) == "" {
			rec[op.Field] = op.Value
		}

	case "cast":
		v, err := castValue(rec[op.Field], op.Value)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", op.Field, err)
		}
		rec[op.Field] = v

	case "trim":
		if s, ok := rec[op.Field].(string); ok {
			rec[op.Field] = strings.TrimSpace(s)
		}

	case "lower":
		if s, ok := rec[op.Field].(string); ok {
			rec[op.Field] = strings.ToLower(s)
		}

	case "upper":
		if s, ok := rec[op.Field].(string); ok {
			rec[op.Field] = strings.ToUpper(s)
		}

	case "prefix":
		rec[op.Field] = op.Value + FormatValue(rec[op.Field])

	case "suffix":
		rec[op.Field] = FormatValue(rec[op.Field]) + op.Value

	case "skip_when":
		if FormatValue(rec[op.Field]) == op.Value {
			return nil, nil
		}
	}
	return rec, nil
}

// castValue converts a scalar to the named type. nil stays nil for every
// type, so casts never conjure values out of missing cells.
func castValue(v any, typ string) (any, error) {
	if v == nil {
		return nil, nil
	}
	s := FormatValue(v)

	switch typ {
	case "string":
		return s, nil
	case "int":
		n, ok := ParseNumber(s)
		if !ok {
			return nil, fmt.Errorf("cannot cast %q to int", s)
		}
		switch x := n.(type) {
		case int64:
			return x, nil
		case float64:
			return int64(x), nil
		}
		return nil, fmt.Errorf("cannot cast %q to int", s)
	case "float":
		n, ok := ParseNumber(s)
		if !ok {
			return nil, fmt.Errorf("cannot cast %q to float", s)
		}
		if x, isInt := n.(int64); isInt {
			return float64(x), nil
		}
		return n, nil
	case "bool":
		b, ok := ParseBool(s)
		if !ok {
			return nil, fmt.Errorf("cannot cast %q to bool", s)
		}
		return b, nil
	case "date":
		t, ok := ParseDate(s)
		if !ok {
			return nil, fmt.Errorf("cannot cast %q to date", s)
		}
		return t, nil
	case "auto":
		return ParseValue(s), nil
	default:
		return nil, fmt.Errorf("unknown cast type %q", typ)
	}
}

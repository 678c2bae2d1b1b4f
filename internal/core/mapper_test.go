package core

import (
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestMapperRegistry(t *testing.T) {
	reg := NewMapperRegistry()
	noop := MapperFunc(func(rec Record) (Record, error) { return rec, nil })

	reg.Register("b", noop)
	reg.Register("a", noop)

	if _, ok := reg.Get("a"); !ok {
		t.Error("registered mapper not found")
	}
	if _, ok := reg.Get("missing"); ok {
		t.Error("unregistered mapper found")
	}
	if got := reg.Names(); !equalStrings(got, []string{"a", "b"}) {
		t.Errorf("Names = %v, want sorted [a b]", got)
	}
}

func TestMapperRegistryDuplicatePanics(t *testing.T) {
	reg := NewMapperRegistry()
	noop := MapperFunc(func(rec Record) (Record, error) { return rec, nil })
	reg.Register("dup", noop)

	defer func() {
		if recover() == nil {
			t.Error("second Register did not panic")
		}
	}()
	reg.Register("dup", noop)
}

func TestMapperSpecResolve(t *testing.T) {
	reg := NewMapperRegistry()
	noop := MapperFunc(func(rec Record) (Record, error) { return rec, nil })
	reg.Register("known", noop)

	t.Run("zero spec resolves to no mapper", func(t *testing.T) {
		m, err := MapperSpec{}.Resolve(reg)
		if err != nil || m != nil {
			t.Errorf("got %v, %v, want nil, nil", m, err)
		}
	})

	t.Run("name and transform together", func(t *testing.T) {
		spec := MapperSpec{Name: "known", Transform: &Transform{}}
		if _, err := spec.Resolve(reg); err == nil || !strings.Contains(err.Error(), "both") {
			t.Errorf("err = %v, want both-named error", err)
		}
	})

	t.Run("name without registry", func(t *testing.T) {
		if _, err := (MapperSpec{Name: "known"}).Resolve(nil); err == nil ||
			!strings.Contains(err.Error(), "no registry available") {
			t.Errorf("err = %v, want no registry", err)
		}
	})

	t.Run("unregistered name", func(t *testing.T) {
		if _, err := (MapperSpec{Name: "ghost"}).Resolve(reg); err == nil ||
			!strings.Contains(err.Error(), "is not registered") {
			t.Errorf("err = %v, want not registered", err)
		}
	})

	t.Run("registered name", func(t *testing.T) {
		m, err := MapperSpec{Name: "known"}.Resolve(reg)
		if err != nil || m == nil {
			t.Errorf("got %v, %v, want the registered mapper", m, err)
		}
	})

	t.Run("invalid transform is rejected", func(t *testing.T) {
		spec := MapperSpec{Transform: &Transform{Ops: []TransformOp{{Op: "rename", Field: "a"}}}}
		if _, err := spec.Resolve(nil); err == nil || !strings.Contains(err.Error(), "rename needs field and to") {
			t.Errorf("err = %v, want validate error", err)
		}
	})

	t.Run("valid transform resolves to itself", func(t *testing.T) {
		tr := &Transform{Ops: []TransformOp{{Op: "trim", Field: "a"}}}
		m, err := MapperSpec{Transform: tr}.Resolve(nil)
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if m != Mapper(tr) {
			t.Errorf("got %v, want the transform itself", m)
		}
	})
}

func TestTransformValidateErrors(t *testing.T) {
	tests := []struct {
		name string
		op   TransformOp
		want string
	}{
		{"rename without to", TransformOp{Op: "rename", Field: "a"}, "rename needs field and to"},
		{"drop without fields", TransformOp{Op: "drop"}, "drop needs field or fields"},
		{"set without field", TransformOp{Op: "set", Value: "x"}, "set needs field"},
		{"cast without field", TransformOp{Op: "cast", Value: "int"}, "cast needs field"},
		{"cast with bad type", TransformOp{Op: "cast", Field: "a", Value: "decimal"}, `unknown cast type "decimal"`},
		{"trim without field", TransformOp{Op: "trim"}, "trim needs field"},
		{"unknown op", TransformOp{Op: "explode", Field: "a"}, `unknown op "explode"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := Transform{Ops: []TransformOp{tt.op}}
			if err := tr.Validate(); err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestTransformOps(t *testing.T) {
	tests := []struct {
		name string
		ops  []TransformOp
		in   Record
		want Record
	}{
		{
			"rename moves the value",
			[]TransformOp{{Op: "rename", Field: "Name", To: "name"}},
			Record{"Name": "Alice"},
			Record{"name": "Alice"},
		},
		{
			"rename of a missing column is a no-op",
			[]TransformOp{{Op: "rename", Field: "ghost", To: "name"}},
			Record{"id": "1"},
			Record{"id": "1"},
		},
		{
			"drop removes listed columns",
			[]TransformOp{{Op: "drop", Fields: []string{"a", "b"}}},
			Record{"a": "1", "b": "2", "c": "3"},
			Record{"c": "3"},
		},
		{
			"keep removes everything else",
			[]TransformOp{{Op: "keep", Fields: []string{"id", "email"}}},
			Record{"id": "1", "email": "a@b.co", "junk": "x"},
			Record{"id": "1", "email": "a@b.co"},
		},
		{
			"set overwrites",
			[]TransformOp{{Op: "set", Field: "source", Value: "csv"}},
			Record{"source": "old"},
			Record{"source": "csv"},
		},
		{
			"default fills blanks only",
			[]TransformOp{
				{Op: "default", Field: "status", Value: "active"},
				{Op: "default", Field: "tier", Value: "free"},
			},
			Record{"status": "", "tier": "pro"},
			Record{"status": "active", "tier": "pro"},
		},
		{
			"cast int truncates fractions",
			[]TransformOp{{Op: "cast", Field: "qty", Value: "int"}},
			Record{"qty": "42.9"},
			Record{"qty": int64(42)},
		},
		{
			"cast float widens integers",
			[]TransformOp{{Op: "cast", Field: "amount", Value: "float"}},
			Record{"amount": "7"},
			Record{"amount": float64(7)},
		},
		{
			"cast bool reads spreadsheet spellings",
			[]TransformOp{{Op: "cast", Field: "active", Value: "bool"}},
			Record{"active": "Yes"},
			Record{"active": true},
		},
		{
			"cast date",
			[]TransformOp{{Op: "cast", Field: "joined", Value: "date"}},
			Record{"joined": "2024-01-15"},
			Record{"joined": time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)},
		},
		{
			"cast auto picks a type",
			[]TransformOp{{Op: "cast", Field: "n", Value: "auto"}},
			Record{"n": "1200"},
			Record{"n": int64(1200)},
		},
		{
			"cast leaves nil alone",
			[]TransformOp{{Op: "cast", Field: "qty", Value: "int"}},
			Record{"qty": nil},
			Record{"qty": nil},
		},
		{
			"trim lower upper touch strings only",
			[]TransformOp{
				{Op: "trim", Field: "a"},
				{Op: "lower", Field: "b"},
				{Op: "upper", Field: "c"},
				{Op: "trim", Field: "n"},
			},
			Record{"a": "  x  ", "b": "LOUD", "c": "quiet", "n": int64(5)},
			Record{"a": "x", "b": "loud", "c": "QUIET", "n": int64(5)},
		},
		{
			"prefix and suffix",
			[]TransformOp{
				{Op: "prefix", Field: "sku", Value: "US-"},
				{Op: "suffix", Field: "sku", Value: "-v2"},
			},
			Record{"sku": "100"},
			Record{"sku": "US-100-v2"},
		},
		{
			"skip_when passes non-matching rows through",
			[]TransformOp{{Op: "skip_when", Field: "status", Value: "void"}},
			Record{"status": "ok"},
			Record{"status": "ok"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := Transform{Ops: tt.ops}
			got, err := tr.Map(tt.in)
			if err != nil {
				t.Fatalf("Map: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Map = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestTransformSkipWhenDropsRow(t *testing.T) {
	tr := Transform{Ops: []TransformOp{{Op: "skip_when", Field: "status", Value: "void"}}}
	got, err := tr.Map(Record{"status": "void"})
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if got != nil {
		t.Errorf("Map = %v, want nil for a skipped row", got)
	}
}

func TestTransformCastErrorNamesField(t *testing.T) {
	tr := Transform{Ops: []TransformOp{{Op: "cast", Field: "qty", Value: "int"}}}
	_, err := tr.Map(Record{"qty": "plenty"})
	if err == nil || !strings.Contains(err.Error(), `field "qty"`) ||
		!strings.Contains(err.Error(), "cannot cast") {
		t.Errorf("err = %v, want a cast error naming the field", err)
	}
}

func TestTransformDoesNotMutateInput(t *testing.T) {
	tr := Transform{Ops: []TransformOp{
		{Op: "rename", Field: "Name", To: "name"},
		{Op: "drop", Field: "junk"},
	}}
	in := Record{"Name": "Alice", "junk": "x"}

	if _, err := tr.Map(in); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if !reflect.DeepEqual(in, Record{"Name": "Alice", "junk": "x"}) {
		t.Errorf("input record was mutated: %#v", in)
	}
}

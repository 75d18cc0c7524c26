// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implements the dense typed buffers ("tensors") moved around
// by the execution engine: a Tensor holds a shape and a flat slice of the
// corresponding Go type.
//
// A Tensor can be invalidated (released): reading an invalidated tensor is a
// programming error and panics. The engine relies on this to catch
// use-after-release of value slots.
package tensors

import (
	"fmt"
	"reflect"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"

	"github.com/gomlx/seqexec/types/shapes"
)

// Tensor holds a shape and a reference to the flat data.
//
// The flat data is always a slice of the Go type corresponding to the shape's
// DType (see dtypes.DType.GoType), of length shape.Size().
type Tensor struct {
	shape shapes.Shape
	valid bool

	// flat is always a slice of the underlying data type (shape.DType).
	flat any
}

// New creates a Tensor with a newly allocated, zero-initialized flat slice.
func New(shape shapes.Shape) *Tensor {
	if !shape.Ok() {
		exceptions.Panicf("tensors.New: invalid shape %s", shape)
	}
	return &Tensor{
		shape: shape.Clone(),
		valid: true,
		flat:  reflect.MakeSlice(reflect.SliceOf(shape.DType.GoType()), shape.Size(), shape.Size()).Interface(),
	}
}

// FromFlat creates a Tensor wrapping the given flat slice -- no copy is made.
// The flat slice element type must match the shape's DType and its length the
// shape's size.
func FromFlat(flat any, shape shapes.Shape) (*Tensor, error) {
	flatV := reflect.ValueOf(flat)
	if flatV.Kind() != reflect.Slice {
		return nil, errors.Errorf("tensors.FromFlat: flat must be a slice, got %T", flat)
	}
	gotDType := dtypes.FromGoType(flatV.Type().Elem())
	if gotDType != shape.DType {
		return nil, errors.Errorf("tensors.FromFlat: flat data type %s does not match shape DType (shape=%s)",
			gotDType, shape)
	}
	if flatV.Len() != shape.Size() {
		return nil, errors.Errorf("tensors.FromFlat: flat has %d elements, shape %s requires %d",
			flatV.Len(), shape, shape.Size())
	}
	return &Tensor{shape: shape.Clone(), valid: true, flat: flat}, nil
}

// FromFlatData creates a Tensor with the given dimensions wrapping the flat
// slice -- no copy is made. It panics if the length doesn't match the dimensions.
func FromFlatData[T dtypes.Supported](flat []T, dimensions ...int) *Tensor {
	shape := shapes.Make(dtypes.FromGenericsType[T](), dimensions...)
	t, err := FromFlat(flat, shape)
	if err != nil {
		panic(err)
	}
	return t
}

// FromScalar creates a scalar Tensor holding the given value.
func FromScalar[T dtypes.Supported](value T) *Tensor {
	return &Tensor{
		shape: shapes.Shape{DType: dtypes.FromGenericsType[T]()},
		valid: true,
		flat:  []T{value},
	}
}

// Shape of the tensor.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType of the tensor elements.
func (t *Tensor) DType() dtypes.DType { return t.shape.DType }

// Size is the number of elements, the product of the dimensions.
func (t *Tensor) Size() int { return t.shape.Size() }

// Memory is the size in bytes of the tensor storage.
func (t *Tensor) Memory() uintptr { return t.shape.Memory() }

// IsValid reports whether the tensor still holds its storage. It returns false
// after the tensor was released (Finalize or Detach).
func (t *Tensor) IsValid() bool { return t != nil && t.valid && t.flat != nil }

// AssertValid panics if the tensor has been released: accessing a released
// tensor is a programming error, not a recoverable condition.
func (t *Tensor) AssertValid() {
	if !t.IsValid() {
		exceptions.Panicf("tensors.Tensor(%p): access after the tensor was released", t)
	}
}

// Flat returns the flat data slice. It panics if the tensor was released.
func (t *Tensor) Flat() any {
	t.AssertValid()
	return t.flat
}

// Data returns the flat data of the tensor as a slice of the requested type.
// It panics if the tensor was released or if the type doesn't match the DType.
func Data[T dtypes.Supported](t *Tensor) []T {
	t.AssertValid()
	flat, ok := t.flat.([]T)
	if !ok {
		exceptions.Panicf("tensors.Data[%s]: tensor holds %s", dtypes.FromGenericsType[T](), t.shape.DType)
	}
	return flat
}

// Clone returns a deep copy of the tensor with freshly allocated storage.
func (t *Tensor) Clone() *Tensor {
	t.AssertValid()
	newT := New(t.shape)
	copyFlat(newT.flat, t.flat)
	return newT
}

// CopyFrom copies the contents of other into t. Shapes must be equal.
func (t *Tensor) CopyFrom(other *Tensor) error {
	t.AssertValid()
	other.AssertValid()
	if !t.shape.Equal(other.shape) {
		return errors.Errorf("Tensor.CopyFrom: shapes don't match, %s != %s", t.shape, other.shape)
	}
	copyFlat(t.flat, other.flat)
	return nil
}

// Detach invalidates the tensor and returns its flat slice, transferring
// storage ownership to the caller. Used by allocators that pool storage.
func (t *Tensor) Detach() any {
	t.AssertValid()
	flat := t.flat
	t.flat = nil
	t.valid = false
	return flat
}

// Finalize invalidates the tensor and drops the reference to its storage.
// A finalized tensor should never be used again.
func (t *Tensor) Finalize() {
	t.flat = nil
	t.valid = false
}

// String pretty-prints shape and, for small tensors, the values.
func (t *Tensor) String() string {
	if !t.IsValid() {
		return fmt.Sprintf("Tensor(%s, released)", t.shape)
	}
	const maxElementsToPrint = 16
	if t.Size() <= maxElementsToPrint {
		return fmt.Sprintf("Tensor(%s): %v", t.shape, t.flat)
	}
	return fmt.Sprintf("Tensor(%s): %d elements", t.shape, t.Size())
}

// copyFlat assumes both flat slices are of the same underlying type.
func copyFlat(flatDst, flatSrc any) {
	reflect.Copy(reflect.ValueOf(flatDst), reflect.ValueOf(flatSrc))
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package engine

import (
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"

	"github.com/gomlx/seqexec/types/shapes"
	"github.com/gomlx/seqexec/types/tensors"
	"github.com/gomlx/seqexec/types/xsync"
)

// Allocator provides and reclaims tensor storage for execution frames.
//
// Implementations must be safe for concurrent use: frames of independent runs
// share the session's allocator.
type Allocator interface {
	// Allocate returns a tensor of the given shape. Contents are undefined:
	// kernels overwrite every element of their outputs.
	Allocate(shape shapes.Shape) (*tensors.Tensor, error)

	// Free reclaims the tensor storage. The tensor is invalidated: any
	// later access panics.
	Free(t *tensors.Tensor)
}

type poolKey struct {
	dtype  dtypes.DType
	length int
}

// PooledAllocator recycles flat storage through per-(dtype, size) sync.Pools,
// so repeated runs with the same shapes mostly stop allocating.
type PooledAllocator struct {
	pools xsync.SyncMap[poolKey, *sync.Pool]

	numAllocs      atomic.Int64
	bytesAllocated atomic.Int64
}

// Compile-time check.
var _ Allocator = (*PooledAllocator)(nil)

// NewPooledAllocator returns an empty allocator ready for use.
func NewPooledAllocator() *PooledAllocator {
	return &PooledAllocator{}
}

// pool for the given dtype/length.
func (a *PooledAllocator) pool(dtype dtypes.DType, length int) *sync.Pool {
	key := poolKey{dtype: dtype, length: length}
	pool, ok := a.pools.Load(key)
	if !ok {
		pool, _ = a.pools.LoadOrStore(key, &sync.Pool{
			New: func() interface{} {
				return reflect.MakeSlice(reflect.SliceOf(dtype.GoType()), length, length).Interface()
			},
		})
	}
	return pool
}

// Allocate returns a tensor of the given shape backed by pooled storage.
func (a *PooledAllocator) Allocate(shape shapes.Shape) (*tensors.Tensor, error) {
	if !shape.Ok() {
		return nil, errors.Errorf("PooledAllocator.Allocate: invalid shape %s", shape)
	}
	flat := a.pool(shape.DType, shape.Size()).Get()
	t, err := tensors.FromFlat(flat, shape)
	if err != nil {
		return nil, errors.WithMessagef(err, "PooledAllocator.Allocate(%s)", shape)
	}
	a.numAllocs.Add(1)
	a.bytesAllocated.Add(int64(shape.Memory()))
	return t, nil
}

// Free returns the tensor storage to the pool. After this any reference to
// the tensor should be dropped.
func (a *PooledAllocator) Free(t *tensors.Tensor) {
	if t == nil || !t.IsValid() {
		return
	}
	shape := t.Shape()
	flat := t.Detach()
	a.pool(shape.DType, shape.Size()).Put(flat)
}

// NumAllocs returns the total number of Allocate calls served.
func (a *PooledAllocator) NumAllocs() int64 { return a.numAllocs.Load() }

// BytesAllocated returns the cumulative bytes handed out by Allocate --
// pooled reuse is counted every time.
func (a *PooledAllocator) BytesAllocated() int64 { return a.bytesAllocated.Load() }

// Copyright 2024 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package chaintable

import (
	"math/bits"
	"unsafe"
)

// Option configures a Table while it is being created.
type Option interface {
	apply(t *Table)
}

type hashOption struct {
	hash HashFunc
}

func (op hashOption) apply(t *Table) {
	t.hash = op.hash
}

// WithHash is an option to specify the hash function to use for a Table. The
// default is Hash.
func WithHash(hash HashFunc) Option {
	return hashOption{hash}
}

// Allocator specifies an interface for obtaining and releasing the memory
// used by a Table for its bucket array and its entry slabs. The default
// allocator utilizes Go's builtin make() and allows the GC to reclaim memory.
//
// If the allocator is manually managing memory then Table.Close must be
// called in order to ensure Free is called for every block.
type Allocator interface {
	// Alloc returns a zero-filled block of exactly size bytes whose start is
	// at least 8-byte aligned, or an error if the memory is not available.
	Alloc(size int) ([]byte, error)

	// Free releases a block that is guaranteed to have been returned by
	// Alloc and not yet freed.
	Free(b []byte) error
}

type defaultAllocator struct{}

func (defaultAllocator) Alloc(size int) ([]byte, error) {
	// Allocate words rather than bytes to guarantee alignment for the
	// handle and Entry views taken over the block.
	words := make([]uint64, (size+7)/8)
	return unsafeConvertSlice[byte](words)[:size], nil
}

func (defaultAllocator) Free(b []byte) error {
	return nil
}

type allocatorOption struct {
	allocator Allocator
}

func (op allocatorOption) apply(t *Table) {
	t.allocator = op.allocator
}

// WithAllocator is an option to specify the Allocator to use for a Table.
func WithAllocator(allocator Allocator) Option {
	return allocatorOption{allocator}
}

const defaultSlabSize = 512

type slabSizeOption struct {
	n int
}

func (op slabSizeOption) apply(t *Table) {
	n := op.n
	if n < 1 {
		n = 1
	}
	t.slabShift = uint(bits.Len(uint(n - 1)))
}

// WithSlabSize is an option to specify how many entries are obtained from
// the allocator at once when the entry arena is exhausted. n is rounded up
// to a power of two.
func WithSlabSize(n int) Option {
	return slabSizeOption{n}
}

func unsafeConvertSlice[Dest any, Src any](s []Src) []Dest {
	var d Dest
	var src Src
	n := uintptr(len(s)) * unsafe.Sizeof(src) / unsafe.Sizeof(d)
	return unsafe.Slice((*Dest)(unsafe.Pointer(unsafe.SliceData(s))), n)
}

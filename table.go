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

// package chaintable is a fixed-capacity hash table from uint64 keys to
// uint64 values that resolves collisions by separate chaining.
//
// # Layout
//
// A Table has a bucket array of 2^N heads where 2^N is the smallest power of
// two that is >= the size requested at construction. The bucket for a key is
// hash(key) & (2^N-1). The table never grows: a table sized too small simply
// has longer chains.
//
// Chains are singly-linked lists of Entry nodes. Entries do not live on the
// Go heap as individual objects. They are carved out of fixed-size slabs
// obtained from the table's Allocator and are addressed by handles: a handle
// is a 1-based index into the slabs and the zero handle terminates a chain.
// Neither the bucket array nor the slabs contain Go pointers, so both can be
// placed in memory the GC does not manage (see MmapAllocator). Slabs never
// move, so a *Entry returned by Lookup stays valid until that key is erased or
// the table is closed.
//
// New entries are pushed onto the head of their chain. Erase unlinks the
// entry from its chain before releasing it onto the table's free list, where
// the next insert of a new key picks it up again.
//
// # Invariants
//
// Building with -tags invariants verifies after every mutation that each
// entry reachable from bucket b hashes to b, that keys are unique, that no
// released entry is reachable from a bucket, and that every entry ever
// carved from a slab is either live or free.
package chaintable

import (
	"errors"
	"fmt"
	"math"
	"math/bits"
	"strings"
	"unsafe"
)

const debug = false

var (
	// ErrInvalidSize is returned by New when the requested size is zero or
	// has no power of two >= it in the uint64 range.
	ErrInvalidSize = errors.New("chaintable: invalid size")
	// ErrAllocation is returned by New, and raised as a panic by Insert,
	// when the Allocator cannot provide memory.
	ErrAllocation = errors.New("chaintable: allocation failed")
)

// handle is a 1-based index into a table's entry slabs. The zero handle is
// null.
type handle uint64

// Entry is a chain node holding a key and its value.
type Entry struct {
	key   uint64
	value uint64
	next  handle
}

// Key returns the entry's key.
func (e *Entry) Key() uint64 {
	return e.key
}

// Value returns the entry's value.
func (e *Entry) Value() uint64 {
	return e.value
}

const (
	entrySize  = unsafe.Sizeof(Entry{})
	handleSize = unsafe.Sizeof(handle(0))
)

// Table is a fixed-capacity, open-chained hash table mapping uint64 keys to
// uint64 values with Insert, Lookup, and Erase operations.
//
// A Table is NOT goroutine-safe.
type Table struct {
	hash      HashFunc
	allocator Allocator
	// buckets is capacity in length and views bucketMem.
	buckets   []handle
	bucketMem []byte
	// The number of buckets (always 2^N) and capacity-1.
	capacity uint64
	mask     uint64
	// slabs[i] views slabMem[i]. Each slab holds 1<<slabShift entries.
	slabs     [][]Entry
	slabMem   [][]byte
	slabShift uint
	// top is the number of entries ever carved from the slabs. Handles in
	// (0, top] refer to an entry that is either live or on the free list.
	top handle
	// free is the head of the list of released entries, linked through
	// Entry.next.
	free      handle
	freeCount int
	// The number of entries reachable from the buckets.
	used int
}

// New constructs a table whose bucket count is the smallest power of two that
// is >= size. The bucket array is obtained zero-filled from the configured
// Allocator. An error wrapping ErrInvalidSize is returned for a zero size or
// one above 1<<63, and an error wrapping ErrAllocation if the bucket array
// cannot be allocated.
func New(size uint64, options ...Option) (*Table, error) {
	if size == 0 || size > 1<<63 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}

	t := &Table{
		hash:      Hash,
		allocator: defaultAllocator{},
		slabShift: uint(bits.Len(defaultSlabSize - 1)),
	}
	for _, op := range options {
		op.apply(t)
	}

	t.capacity = uint64(1) << bits.Len64(size-1)
	t.mask = t.capacity - 1
	if t.capacity > math.MaxInt/uint64(handleSize) {
		return nil, fmt.Errorf("%w: %d buckets", ErrAllocation, t.capacity)
	}

	mem, err := t.allocator.Alloc(int(t.capacity * uint64(handleSize)))
	if err != nil {
		return nil, fmt.Errorf("%w: %d buckets: %w", ErrAllocation, t.capacity, err)
	}
	t.bucketMem = mem
	t.buckets = unsafeConvertSlice[handle](mem)[:t.capacity]

	if debug {
		fmt.Printf("new(%d): capacity=%d mask=%#x\n", size, t.capacity, t.mask)
	}
	t.checkInvariants()
	return t, nil
}

// Close releases every entry and the bucket array back to the configured
// allocator. It is unnecessary to close a table using the default allocator.
// It is invalid to use a Table after it has been closed, though Close itself
// is idempotent. The first error returned by the allocator is returned after
// every block has been offered back.
func (t *Table) Close() error {
	if t.allocator == nil {
		return nil
	}

	for b, head := range t.buckets {
		for h := head; h != 0; {
			e := t.entry(h)
			next := e.next
			t.release(h, e)
			h = next
		}
		t.buckets[b] = 0
	}
	t.used = 0
	if invariants && t.freeCount != int(t.top) {
		panic(fmt.Sprintf("invariant failed: released %d of %d entries on close", t.freeCount, t.top))
	}

	var firstErr error
	for _, mem := range t.slabMem {
		if err := t.allocator.Free(mem); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := t.allocator.Free(t.bucketMem); err != nil && firstErr == nil {
		firstErr = err
	}

	t.slabs = nil
	t.slabMem = nil
	t.buckets = nil
	t.bucketMem = nil
	t.top = 0
	t.free = 0
	t.freeCount = 0
	t.allocator = nil
	return firstErr
}

// Insert maps key to value. It returns true if the key was not present and a
// new entry was linked in, and false if an existing entry's value was
// overwritten. Insert panics with an error wrapping ErrAllocation if a new
// entry slab is needed and the allocator fails; the table is unchanged in
// that case.
func (t *Table) Insert(key, value uint64) bool {
	if e := t.Lookup(key); e != nil {
		if debug {
			fmt.Printf("insert(updating): key=%d value=%d->%d\n", key, e.value, value)
		}
		e.value = value
		t.checkInvariants()
		return false
	}

	b := t.bucket(key)
	h, e := t.allocEntry()
	// The entry is complete before it becomes the new head.
	e.key = key
	e.value = value
	e.next = t.buckets[b]
	t.buckets[b] = h
	t.used++
	if debug {
		fmt.Printf("insert(new): key=%d bucket=%d handle=%d\n", key, b, h)
	}
	t.checkInvariants()
	return true
}

// Lookup returns the entry for key, or nil if the key is not present. The
// returned entry is owned by the table.
func (t *Table) Lookup(key uint64) *Entry {
	for h := t.buckets[t.bucket(key)]; h != 0; {
		e := t.entry(h)
		if e.key == key {
			return e
		}
		h = e.next
	}
	return nil
}

// Get retrieves the value for key, returning ok=false if the key is not
// present.
func (t *Table) Get(key uint64) (value uint64, ok bool) {
	if e := t.Lookup(key); e != nil {
		return e.value, true
	}
	return 0, false
}

// Erase removes the entry for key. It returns false, leaving the table
// untouched, if the key is not present.
func (t *Table) Erase(key uint64) bool {
	b := t.bucket(key)
	head := t.buckets[b]
	if head == 0 {
		return false
	}

	e := t.entry(head)
	if e.key == key {
		t.buckets[b] = e.next
		t.release(head, e)
		t.used--
		if debug {
			fmt.Printf("erase(head): key=%d bucket=%d\n", key, b)
		}
		t.checkInvariants()
		return true
	}

	prev, lead := e, e.next
	for lead != 0 {
		l := t.entry(lead)
		if l.key == key {
			// Unlink before release: release reuses l.next for the free list.
			prev.next = l.next
			t.release(lead, l)
			t.used--
			if debug {
				fmt.Printf("erase(chained): key=%d bucket=%d\n", key, b)
			}
			t.checkInvariants()
			return true
		}
		prev, lead = l, l.next
	}
	return false
}

// Len returns the number of entries in the table.
func (t *Table) Len() int {
	return t.used
}

// Capacity returns the number of buckets.
func (t *Table) Capacity() uint64 {
	return t.capacity
}

// Mask returns the mask applied to a hash value to select a bucket.
func (t *Table) Mask() uint64 {
	return t.mask
}

// Stats describes the shape of a table's chains.
type Stats struct {
	// Len is the number of live entries.
	Len int
	// Capacity is the number of buckets.
	Capacity uint64
	// UsedBuckets is the number of buckets with a non-empty chain.
	UsedBuckets int
	// MaxChain is the length of the longest chain.
	MaxChain int
	// Slabs is the number of entry slabs obtained from the allocator.
	Slabs int
	// Free is the number of released entries awaiting reuse.
	Free int
}

// Stats walks every chain and summarizes the table.
func (t *Table) Stats() Stats {
	s := Stats{
		Len:      t.used,
		Capacity: t.capacity,
		Slabs:    len(t.slabs),
		Free:     t.freeCount,
	}
	for _, head := range t.buckets {
		if head == 0 {
			continue
		}
		s.UsedBuckets++
		var n int
		for h := head; h != 0; h = t.entry(h).next {
			n++
		}
		s.MaxChain = max(s.MaxChain, n)
	}
	return s
}

// bucket returns the bucket index for key. The hash is always masked.
func (t *Table) bucket(key uint64) uint64 {
	return t.hash(key) & t.mask
}

func (t *Table) entry(h handle) *Entry {
	i := uint64(h - 1)
	return &t.slabs[i>>t.slabShift][i&(1<<t.slabShift-1)]
}

// allocEntry returns an unlinked, zeroed entry, preferring the free list and
// carving a new slab from the allocator when the arena is exhausted.
func (t *Table) allocEntry() (handle, *Entry) {
	if h := t.free; h != 0 {
		e := t.entry(h)
		t.free = e.next
		t.freeCount--
		e.next = 0
		return h, e
	}

	slabSize := uint64(1) << t.slabShift
	if uint64(t.top) == uint64(len(t.slabs))*slabSize {
		mem, err := t.allocator.Alloc(int(slabSize * uint64(entrySize)))
		if err != nil {
			panic(fmt.Errorf("%w: slab of %d entries: %w", ErrAllocation, slabSize, err))
		}
		t.slabs = append(t.slabs, unsafeConvertSlice[Entry](mem)[:slabSize])
		t.slabMem = append(t.slabMem, mem)
	}
	t.top++
	return t.top, t.entry(t.top)
}

// release clears an entry that is no longer linked into any chain and pushes
// it onto the free list.
func (t *Table) release(h handle, e *Entry) {
	*e = Entry{next: t.free}
	t.free = h
	t.freeCount++
}

func (t *Table) checkInvariants() {
	if invariants {
		if t.capacity == 0 || t.capacity&(t.capacity-1) != 0 {
			panic(fmt.Sprintf("invariant failed: capacity %d is not a power of two", t.capacity))
		}
		if t.mask != t.capacity-1 {
			panic(fmt.Sprintf("invariant failed: mask %#x for capacity %d", t.mask, t.capacity))
		}
		if uint64(len(t.buckets)) != t.capacity {
			panic(fmt.Sprintf("invariant failed: %d buckets for capacity %d", len(t.buckets), t.capacity))
		}

		released := make(map[handle]struct{}, t.freeCount)
		for h := t.free; h != 0; h = t.entry(h).next {
			if h > t.top {
				panic(fmt.Sprintf("invariant failed: free list references handle %d beyond %d", h, t.top))
			}
			if _, ok := released[h]; ok {
				panic(fmt.Sprintf("invariant failed: handle %d released twice", h))
			}
			released[h] = struct{}{}
		}
		if len(released) != t.freeCount {
			panic(fmt.Sprintf("invariant failed: found %d free entries, but free count is %d", len(released), t.freeCount))
		}

		keys := make(map[uint64]uint64, t.used)
		var used int
		for b, head := range t.buckets {
			for h := head; h != 0; {
				if h > t.top {
					panic(fmt.Sprintf("invariant failed: bucket %d references handle %d beyond %d\n%s", b, h, t.top, t.debugString()))
				}
				if _, ok := released[h]; ok {
					panic(fmt.Sprintf("invariant failed: bucket %d references released handle %d\n%s", b, h, t.debugString()))
				}
				e := t.entry(h)
				if hb := t.bucket(e.key); hb != uint64(b) {
					panic(fmt.Sprintf("invariant failed: key %d in bucket %d hashes to bucket %d\n%s", e.key, b, hb, t.debugString()))
				}
				if ob, ok := keys[e.key]; ok {
					panic(fmt.Sprintf("invariant failed: key %d in buckets %d and %d\n%s", e.key, ob, b, t.debugString()))
				}
				keys[e.key] = uint64(b)
				if used++; used > int(t.top) {
					panic(fmt.Sprintf("invariant failed: cycle in bucket %d", b))
				}
				h = e.next
			}
		}
		if used != t.used {
			panic(fmt.Sprintf("invariant failed: found %d entries, but used count is %d\n%s", used, t.used, t.debugString()))
		}
		if used+t.freeCount != int(t.top) {
			panic(fmt.Sprintf("invariant failed: %d live + %d free entries, but %d were allocated", used, t.freeCount, t.top))
		}
	}
}

func (t *Table) debugString() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "capacity=%d  mask=%#x  used=%d  free=%d  slabs=%d\n",
		t.capacity, t.mask, t.used, t.freeCount, len(t.slabs))
	for b, head := range t.buckets {
		if head == 0 {
			continue
		}
		fmt.Fprintf(&buf, "  %4d:", b)
		for h, n := head, 0; h != 0 && n <= int(t.top); n++ {
			if h > t.top {
				fmt.Fprintf(&buf, " [dangling %d]", h)
				break
			}
			e := t.entry(h)
			fmt.Fprintf(&buf, " %d=%d", e.key, e.value)
			h = e.next
		}
		buf.WriteString("\n")
	}
	return buf.String()
}

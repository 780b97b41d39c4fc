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
	"fmt"
	"io"
	"strconv"
	"testing"

	"github.com/aclements/go-perfevent/perfbench"
	"github.com/alphadose/haxmap"
	"github.com/cockroachdb/swiss"
	"github.com/cornelk/hashmap"
)

func BenchmarkHash(b *testing.B) {
	for _, c := range []struct {
		name string
		hash HashFunc
	}{
		{"murmur", Hash},
		{"xxhash", XXHash},
	} {
		b.Run("hash="+c.name, func(b *testing.B) {
			cs := perfbench.Open(b)
			cs.Reset()
			var sum uint64
			for i := 0; i < b.N; i++ {
				sum += c.hash(uint64(i))
			}
			b.StopTimer()
			fmt.Fprint(io.Discard, sum)
		})
	}
}

func BenchmarkGetHit(b *testing.B) {
	b.Run("impl=runtimeMap", benchSizes(benchmarkRuntimeMapGetHit))
	b.Run("impl=swissMap", benchSizes(benchmarkSwissMapGetHit))
	b.Run("impl=haxMap", benchSizes(benchmarkHaxMapGetHit))
	b.Run("impl=hashMap", benchSizes(benchmarkHashMapGetHit))
	b.Run("impl=chainTable", benchSizes(withOptions(benchmarkChainTableGetHit)))
}

func BenchmarkGetMiss(b *testing.B) {
	b.Run("impl=runtimeMap", benchSizes(benchmarkRuntimeMapGetMiss))
	b.Run("impl=swissMap", benchSizes(benchmarkSwissMapGetMiss))
	b.Run("impl=chainTable", benchSizes(withOptions(benchmarkChainTableGetMiss)))
}

func BenchmarkInsertErase(b *testing.B) {
	b.Run("impl=runtimeMap", benchSizes(benchmarkRuntimeMapPutDelete))
	b.Run("impl=swissMap", benchSizes(benchmarkSwissMapPutDelete))
	b.Run("impl=chainTable", benchSizes(withOptions(benchmarkChainTableInsertErase)))
	b.Run("impl=chainTableMmap", benchSizes(withOptions(benchmarkChainTableInsertErase,
		WithAllocator(MmapAllocator{}))))
}

func benchSizes(f func(b *testing.B, n int)) func(*testing.B) {
	var cases = []int{
		6, 12, 18, 24, 30,
		64,
		128,
		256,
		512,
		1024,
		2048,
		4096,
		8192,
		1 << 16,
	}

	return func(b *testing.B) {
		for _, n := range cases {
			b.Run("len="+strconv.Itoa(n), func(b *testing.B) { f(b, n) })
		}
	}
}

func withOptions(
	f func(b *testing.B, n int, options ...Option), options ...Option,
) func(b *testing.B, n int) {
	return func(b *testing.B, n int) { f(b, n, options...) }
}

func genKeys(start, end int) []uint64 {
	keys := make([]uint64, end-start)
	for i := range keys {
		keys[i] = uint64(start + i)
	}
	return keys
}

func benchmarkRuntimeMapGetHit(b *testing.B, n int) {
	m := make(map[uint64]uint64, n)
	keys := genKeys(0, n)
	for _, k := range keys {
		m[k] = k
	}
	cs := perfbench.Open(b)
	b.ResetTimer()
	cs.Reset()
	for i := 0; i < b.N; i++ {
		_ = m[keys[i%n]]
	}
}

func benchmarkSwissMapGetHit(b *testing.B, n int) {
	m := swiss.New[uint64, uint64](n)
	keys := genKeys(0, n)
	for _, k := range keys {
		m.Put(k, k)
	}
	cs := perfbench.Open(b)
	b.ResetTimer()
	cs.Reset()
	var ok bool
	for i := 0; i < b.N; i++ {
		_, ok = m.Get(keys[i%n])
	}
	b.StopTimer()
	fmt.Fprint(io.Discard, ok)
}

func benchmarkHaxMapGetHit(b *testing.B, n int) {
	m := haxmap.New[uint64, uint64](uintptr(n))
	keys := genKeys(0, n)
	for _, k := range keys {
		m.Set(k, k)
	}
	cs := perfbench.Open(b)
	b.ResetTimer()
	cs.Reset()
	var ok bool
	for i := 0; i < b.N; i++ {
		_, ok = m.Get(keys[i%n])
	}
	b.StopTimer()
	fmt.Fprint(io.Discard, ok)
}

func benchmarkHashMapGetHit(b *testing.B, n int) {
	m := hashmap.New[uint64, uint64]()
	keys := genKeys(0, n)
	for _, k := range keys {
		m.Set(k, k)
	}
	cs := perfbench.Open(b)
	b.ResetTimer()
	cs.Reset()
	var ok bool
	for i := 0; i < b.N; i++ {
		_, ok = m.Get(keys[i%n])
	}
	b.StopTimer()
	fmt.Fprint(io.Discard, ok)
}

func benchmarkChainTableGetHit(b *testing.B, n int, options ...Option) {
	t := newBenchTable(b, n, options...)
	keys := genKeys(0, n)
	for _, k := range keys {
		t.Insert(k, k)
	}
	cs := perfbench.Open(b)
	b.ResetTimer()
	cs.Reset()
	var ok bool
	for i := 0; i < b.N; i++ {
		_, ok = t.Get(keys[i%n])
	}
	b.StopTimer()
	fmt.Fprint(io.Discard, ok)
}

func benchmarkRuntimeMapGetMiss(b *testing.B, n int) {
	m := make(map[uint64]uint64, n)
	keys := genKeys(0, n)
	miss := genKeys(n, 2*n)
	for _, k := range keys {
		m[k] = k
	}
	cs := perfbench.Open(b)
	b.ResetTimer()
	cs.Reset()
	for i := 0; i < b.N; i++ {
		_ = m[miss[i%n]]
	}
}

func benchmarkSwissMapGetMiss(b *testing.B, n int) {
	m := swiss.New[uint64, uint64](n)
	keys := genKeys(0, n)
	miss := genKeys(n, 2*n)
	for _, k := range keys {
		m.Put(k, k)
	}
	cs := perfbench.Open(b)
	b.ResetTimer()
	cs.Reset()
	var ok bool
	for i := 0; i < b.N; i++ {
		_, ok = m.Get(miss[i%n])
	}
	b.StopTimer()
	fmt.Fprint(io.Discard, ok)
}

func benchmarkChainTableGetMiss(b *testing.B, n int, options ...Option) {
	t := newBenchTable(b, n, options...)
	keys := genKeys(0, n)
	miss := genKeys(n, 2*n)
	for _, k := range keys {
		t.Insert(k, k)
	}
	cs := perfbench.Open(b)
	b.ResetTimer()
	cs.Reset()
	var e *Entry
	for i := 0; i < b.N; i++ {
		e = t.Lookup(miss[i%n])
	}
	b.StopTimer()
	fmt.Fprint(io.Discard, e)
}

func benchmarkRuntimeMapPutDelete(b *testing.B, n int) {
	m := make(map[uint64]uint64, n)
	keys := genKeys(0, n)
	for _, k := range keys {
		m[k] = k
	}
	cs := perfbench.Open(b)
	b.ResetTimer()
	cs.Reset()
	for i := 0; i < b.N; i++ {
		j := i % n
		delete(m, keys[j])
		m[keys[j]] = keys[j]
	}
}

func benchmarkSwissMapPutDelete(b *testing.B, n int) {
	m := swiss.New[uint64, uint64](n)
	keys := genKeys(0, n)
	for _, k := range keys {
		m.Put(k, k)
	}
	cs := perfbench.Open(b)
	b.ResetTimer()
	cs.Reset()
	for i := 0; i < b.N; i++ {
		j := i % n
		m.Delete(keys[j])
		m.Put(keys[j], keys[j])
	}
}

func benchmarkChainTableInsertErase(b *testing.B, n int, options ...Option) {
	t := newBenchTable(b, n, options...)
	keys := genKeys(0, n)
	for _, k := range keys {
		t.Insert(k, k)
	}
	cs := perfbench.Open(b)
	b.ResetTimer()
	cs.Reset()
	for i := 0; i < b.N; i++ {
		j := i % n
		t.Erase(keys[j])
		t.Insert(keys[j], keys[j])
	}
}

func newBenchTable(b *testing.B, n int, options ...Option) *Table {
	t, err := New(uint64(n), options...)
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() {
		if err := t.Close(); err != nil {
			b.Fatal(err)
		}
	})
	return t
}

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

// chaintable-check runs an insert/update/lookup/erase acceptance sequence
// against tables of several sizes and reports the shape of each table.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/cockroachdb/chaintable"
	"github.com/sugawarayuuta/sonnet"
)

var (
	sizesFlag = flag.String("sizes", "10,99,837,48329,384933", "comma-separated table sizes")
	allocFlag = flag.String("alloc", "heap", "allocator: heap or mmap")
	hashFlag  = flag.String("hash", "murmur", "hash function: murmur or xxhash")
	jsonFlag  = flag.Bool("json", false, "write the report as JSON")
)

func main() {
	flag.Parse()

	sizes, err := parseSizes(*sizesFlag)
	if err != nil {
		log.Fatalf("bad -sizes: %v", err)
	}
	var options []chaintable.Option
	switch *allocFlag {
	case "heap":
	case "mmap":
		options = append(options, chaintable.WithAllocator(chaintable.MmapAllocator{}))
	default:
		log.Fatalf("unknown -alloc %q", *allocFlag)
	}
	switch *hashFlag {
	case "murmur":
	case "xxhash":
		options = append(options, chaintable.WithHash(chaintable.XXHash))
	default:
		log.Fatalf("unknown -hash %q", *hashFlag)
	}

	if err := run(os.Stdout, sizes, *jsonFlag, options...); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func parseSizes(s string) ([]uint64, error) {
	var sizes []uint64
	for _, f := range strings.Split(s, ",") {
		n, err := strconv.ParseUint(strings.TrimSpace(f), 10, 64)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, errors.New("sizes must be positive")
		}
		sizes = append(sizes, n)
	}
	return sizes, nil
}

// result is the report for one table size. Stats are taken after the insert
// and update passes, while every key is present.
type result struct {
	Size        uint64 `json:"size"`
	Capacity    uint64 `json:"capacity"`
	Mask        uint64 `json:"mask"`
	UsedBuckets int    `json:"used_buckets"`
	MaxChain    int    `json:"max_chain"`
	Slabs       int    `json:"slabs"`
	Remaining   int    `json:"remaining"`
}

func run(w io.Writer, sizes []uint64, asJSON bool, options ...chaintable.Option) error {
	results := make([]result, 0, len(sizes))
	for _, size := range sizes {
		r, err := check(size, options...)
		if err != nil {
			return fmt.Errorf("size %d: %w", size, err)
		}
		results = append(results, r)
	}

	if asJSON {
		buf, err := sonnet.Marshal(results)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(w, "%s\n", buf)
		return err
	}
	for _, r := range results {
		if _, err := fmt.Fprintf(w, "size=%d capacity=%d mask=%#x used-buckets=%d max-chain=%d slabs=%d remaining=%d\n",
			r.Size, r.Capacity, r.Mask, r.UsedBuckets, r.MaxChain, r.Slabs, r.Remaining); err != nil {
			return err
		}
	}
	return nil
}

func check(size uint64, options ...chaintable.Option) (_ result, err error) {
	t, err := chaintable.New(size, options...)
	if err != nil {
		return result{}, err
	}
	defer func() {
		if cerr := t.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	r := result{Size: size, Capacity: t.Capacity(), Mask: t.Mask()}
	if r.Capacity < size || r.Capacity&r.Mask != 0 || r.Mask != r.Capacity-1 {
		return r, fmt.Errorf("capacity %d mask %#x", r.Capacity, r.Mask)
	}

	for i := uint64(0); i < size; i++ {
		if !t.Insert(i, 42) {
			return r, fmt.Errorf("insert %d: key already present", i)
		}
	}
	for i := uint64(0); i < size; i++ {
		if t.Insert(i, i) {
			return r, fmt.Errorf("update %d: key missing", i)
		}
	}
	for i := uint64(0); i < size; i++ {
		if e := t.Lookup(i); e == nil || e.Value() != i {
			return r, fmt.Errorf("lookup %d: %v", i, describe(e))
		}
	}
	s := t.Stats()
	r.UsedBuckets, r.MaxChain, r.Slabs = s.UsedBuckets, s.MaxChain, s.Slabs

	for i := uint64(0); i < size/2; i += 3 {
		if !t.Erase(i) {
			return r, fmt.Errorf("erase %d: key missing", i)
		}
	}
	for i := uint64(0); i < size/2; i += 3 {
		if t.Erase(i) {
			return r, fmt.Errorf("erase %d twice: key still present", i)
		}
	}
	for i := uint64(0); i < size/2; i++ {
		e := t.Lookup(i)
		if i%3 == 0 && e != nil {
			return r, fmt.Errorf("lookup %d after erase: %v", i, describe(e))
		}
		if i%3 != 0 && (e == nil || e.Value() != i) {
			return r, fmt.Errorf("lookup %d: %v", i, describe(e))
		}
	}
	for i := uint64(0); i < size/2; i++ {
		if t.Erase(i) != (i%3 != 0) {
			return r, fmt.Errorf("erase %d: unexpected result", i)
		}
	}
	for i := uint64(0); i < size/2; i++ {
		if e := t.Lookup(i); e != nil {
			return r, fmt.Errorf("lookup %d after erase: %v", i, describe(e))
		}
	}

	r.Remaining = t.Len()
	if want := int(size - size/2); r.Remaining != want {
		return r, fmt.Errorf("%d entries remain, expected %d", r.Remaining, want)
	}
	return r, nil
}

func describe(e *chaintable.Entry) string {
	if e == nil {
		return "not found"
	}
	return fmt.Sprintf("found %d=%d", e.Key(), e.Value())
}

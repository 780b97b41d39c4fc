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
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

const (
	murmurM    = 0xc6a4a7935bd1e995
	murmurR    = 47
	murmurSeed = 0x8445d61a4e774912
)

// HashFunc maps a key to a 64-bit digest. The table uses the low bits of the
// digest to select a bucket.
type HashFunc func(key uint64) uint64

// Hash is MurmurHash64A applied to the 8-byte key. Each step of the mix is a
// bijection on uint64, so distinct keys never produce the same digest; only
// the bucket mask can make them collide.
func Hash(k uint64) uint64 {
	// m is a variable so the seed product wraps instead of overflowing as a
	// constant expression.
	m := uint64(murmurM)
	h := uint64(murmurSeed) ^ (8 * m)
	k *= m
	k ^= k >> murmurR
	k *= m
	h ^= k
	h *= m
	h ^= h >> murmurR
	h *= m
	h ^= h >> murmurR
	return h
}

// XXHash hashes the little-endian encoding of k with xxHash64.
func XXHash(k uint64) uint64 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], k)
	return xxhash.Sum64(buf[:])
}

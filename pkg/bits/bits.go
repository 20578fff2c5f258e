// Copyright 2024 The gVisor Authors.
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

// Package bits includes helpers for bit and alignment arithmetic on bus and
// physical addresses.
package bits

// IsOn64 returns true if *all* bits set in 'bits' are set in 'mask'.
func IsOn64(mask, bits uint64) bool {
	return mask&bits == bits
}

// MaskOf64 returns a uint64 with only bit i set.
func MaskOf64(i int) uint64 {
	return uint64(1) << uint64(i)
}

// IsPowerOfTwo64 returns true if v is a power of 2.
func IsPowerOfTwo64(v uint64) bool {
	if v == 0 {
		return false
	}
	return v&(v-1) == 0
}

// AlignUp64 rounds a value up to an alignment. align must be a power of 2.
func AlignUp64(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

// AlignDown64 rounds a value down to an alignment. align must be a power of 2.
func AlignDown64(v, align uint64) uint64 {
	return v &^ (align - 1)
}

// AlignUp rounds an index up to an alignment. align must be a power of 2.
func AlignUp(v, align int) int {
	return (v + align - 1) &^ (align - 1)
}

// PageOffset returns the offset of addr within its page.
func PageOffset(addr uint64, shift uint) uint64 {
	return addr & (MaskOf64(int(shift)) - 1)
}

// PageCount returns the number of pages of size 1<<shift touched by the byte
// range [addr, addr+length).
func PageCount(addr, length uint64, shift uint) uint64 {
	size := MaskOf64(int(shift))
	return (PageOffset(addr, shift) + length + size - 1) >> shift
}

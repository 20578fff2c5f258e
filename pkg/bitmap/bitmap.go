// Copyright 2021 The gVisor Authors.
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

// Package bitmap provides the implementation of bitmap.
package bitmap

import (
	"fmt"
	"math"
	"math/bits"
)

// MaxBitEntryLimit defines the upper limit on how many bit entries are supported by this Bitmap
// implementation.
const MaxBitEntryLimit uint32 = math.MaxInt32

// Bitmap implements an efficient bitmap.
type Bitmap struct {
	// numOnes is the number of ones in the bitmap.
	numOnes uint32

	// bitBlock holds the bits. The type of bitBlock is uint64 which means
	// each number in bitBlock contains 64 entries.
	bitBlock []uint64
}

// New create a new empty Bitmap.
func New(size uint32) Bitmap {
	b := Bitmap{}
	bSize := (size + 63) / 64
	b.bitBlock = make([]uint64, bSize)
	return b
}

// IsEmpty verifies whether the Bitmap is empty.
func (b *Bitmap) IsEmpty() bool {
	return b.numOnes == 0
}

// Size returns the total number of bits in the bitmap.
func (b *Bitmap) Size() int {
	return len(b.bitBlock) * 64
}

// FirstZero returns the first unset bit from the range [start, ).
func (b *Bitmap) FirstZero(start uint32) (bit uint32, err error) {
	i, nbit := int(start/64), start%64
	n := len(b.bitBlock)
	if i >= n {
		return MaxBitEntryLimit, fmt.Errorf("given start of range exceeds bitmap size")
	}
	w := b.bitBlock[i] | ((1 << nbit) - 1)
	for {
		if w != ^uint64(0) {
			r := bits.TrailingZeros64(^w)
			return uint32(r + i*64), nil
		}
		i++
		if i == n {
			break
		}
		w = b.bitBlock[i]
	}
	return MaxBitEntryLimit, fmt.Errorf("bitmap has no unset bits")
}

// FirstOne returns the first set bit from the range [start, )
func (b *Bitmap) FirstOne(start uint32) (bit uint32, err error) {
	i, nbit := int(start/64), start%64
	n := len(b.bitBlock)
	if i >= n {
		return MaxBitEntryLimit, fmt.Errorf("given start of range exceeds bitmap size")
	}
	w := b.bitBlock[i] & (math.MaxUint64 << nbit)
	for {
		if w != uint64(0) {
			r := bits.TrailingZeros64(w)
			return uint32(r + i*64), nil
		}
		i++
		if i == n {
			break
		}
		w = b.bitBlock[i]
	}
	return MaxBitEntryLimit, fmt.Errorf("bitmap has no set bits")
}

// AllSet returns whether every bit in [begin, end) is set.
func (b *Bitmap) AllSet(begin, end uint32) bool {
	if begin >= end {
		return true
	}
	z, err := b.FirstZero(begin)
	return err != nil || z >= end
}

// AllClear returns whether every bit in [begin, end) is unset.
func (b *Bitmap) AllClear(begin, end uint32) bool {
	if begin >= end {
		return true
	}
	o, err := b.FirstOne(begin)
	return err != nil || o >= end
}

// rangeMask returns the mask of bits in block blk that fall within
// [begin, end).
func rangeMask(blk, begin, end uint32) uint64 {
	lo, hi := blk*64, blk*64+64
	if begin > lo {
		lo = begin
	}
	if end < hi {
		hi = end
	}
	if lo >= hi {
		return 0
	}
	n := hi - lo
	if n == 64 {
		return ^uint64(0)
	}
	return ((uint64(1) << n) - 1) << (lo % 64)
}

// SetRange sets bits within range (begin and end). begin is inclusive and end is exclusive.
func (b *Bitmap) SetRange(begin, end uint32) {
	if begin >= end {
		return
	}
	if x, y := int((end-1)/64), len(b.bitBlock); x >= y {
		b.bitBlock = append(b.bitBlock, make([]uint64, x-y+1)...)
	}
	for i := begin / 64; i <= (end-1)/64; i++ {
		m := rangeMask(i, begin, end)
		old := b.bitBlock[i]
		b.bitBlock[i] = old | m
		b.numOnes += uint32(bits.OnesCount64(m &^ old))
	}
}

// ClearRange clear bits within range (begin and end). begin is inclusive and end is exclusive.
func (b *Bitmap) ClearRange(begin, end uint32) {
	if begin >= end {
		return
	}
	last := (end - 1) / 64
	if int(last) >= len(b.bitBlock) {
		last = uint32(len(b.bitBlock) - 1)
	}
	for i := begin / 64; i <= last; i++ {
		m := rangeMask(i, begin, end)
		old := b.bitBlock[i]
		b.bitBlock[i] = old &^ m
		b.numOnes -= uint32(bits.OnesCount64(m & old))
	}
}

// ToSlice transform the Bitmap into slice. For example, a bitmap of [0, 1, 0, 1]
// will return the slice [1, 3].
func (b *Bitmap) ToSlice() []uint32 {
	bitmapSlice := make([]uint32, 0, b.numOnes)
	// base is the start number of a bitBlock
	base := 0
	for i := 0; i < len(b.bitBlock); i++ {
		bitBlock := b.bitBlock[i]
		// Iterate through all the numbers held by this bit block.
		for bitBlock != 0 {
			// Extract the lowest set 1 bit.
			j := bitBlock & -bitBlock
			// Interpret the bit as the in32 number it represents and add it to result.
			bitmapSlice = append(bitmapSlice, uint32((base + int(bits.OnesCount64(j-1)))))
			bitBlock ^= j
		}
		base += 64
	}
	return bitmapSlice
}

// GetNumOnes return the the number of ones in the Bitmap.
func (b *Bitmap) GetNumOnes() uint32 {
	return b.numOnes
}

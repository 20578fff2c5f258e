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

package iova

import (
	"fmt"
	"sync/atomic"
)

// Entry is one slot of a translation table. A zero Entry is free.
//
// A valid entry encodes a physical page frame number shifted left by one,
// with the low bit set:
//
//	63                             1   0
//	+-------------------------------+---+
//	|              PFN              | V |
//	+-------------------------------+---+
type Entry uint64

const (
	// entryValid marks a slot holding a live translation.
	entryValid Entry = 1 << 0

	// entryPFNShift is the position of the page frame number.
	entryPFNShift = 1

	// Reserved is written into slots that are allocated but not yet
	// programmed with a translation. It is non-zero, so the slot reads as
	// occupied, and it is not valid, so hardware never translates through
	// it.
	Reserved Entry = 0xface
)

// MakeEntry returns the entry for the page containing phys, for pages of
// size 1<<shift.
func MakeEntry(phys uint64, shift uint) Entry {
	return Entry((phys>>shift)<<entryPFNShift) | entryValid
}

// Valid returns true if the entry holds a translation.
func (e Entry) Valid() bool {
	return e&entryValid != 0
}

// Free returns true if the slot is unallocated.
func (e Entry) Free() bool {
	return e == 0
}

// PFN returns the page frame number encoded by a valid entry.
func (e Entry) PFN() uint64 {
	return uint64(e) >> entryPFNShift
}

// Phys returns the physical address of the page encoded by a valid entry.
func (e Entry) Phys(shift uint) uint64 {
	return e.PFN() << shift
}

// String implements fmt.Stringer.
func (e Entry) String() string {
	switch {
	case e.Free():
		return "free"
	case e == Reserved:
		return "reserved"
	case e.Valid():
		return fmt.Sprintf("pfn=%#x", e.PFN())
	default:
		return fmt.Sprintf("invalid(%#x)", uint64(e))
	}
}

// load atomically reads the entry.
//
//go:nosplit
func (e *Entry) load() Entry {
	return Entry(atomic.LoadUint64((*uint64)(e)))
}

// store atomically writes the entry.
//
//go:nosplit
func (e *Entry) store(v Entry) {
	atomic.StoreUint64((*uint64)(e), uint64(v))
}

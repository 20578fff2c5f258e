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

	"github.com/iovakit/iovakit/pkg/bits"
	"github.com/iovakit/iovakit/pkg/log"
)

// Allocate reserves n consecutive entries, aligned to the arena alignment,
// and returns the index of the first one. The entries hold Reserved until
// the caller programs them.
//
// If no run is free between the hint and the end of the table, the whole
// window is flushed and the table is scanned once more from index 0. If that
// also fails, Allocate returns ErrNoSpace.
//
// Precondition: n >= 1.
func (a *Arena) Allocate(n int) (int, error) {
	return a.AllocateAligned(n, 1)
}

// AllocateAligned is like Allocate, but the start index is also aligned to
// align entries, which must be a power of two.
func (a *Arena) AllocateAligned(n, align int) (int, error) {
	if n < 1 {
		panic(fmt.Sprintf("iova: %s: allocation of %d entries", a, n))
	}
	if align < 1 || !bits.IsPowerOfTwo64(uint64(align)) {
		panic(fmt.Sprintf("iova: %s: allocation alignment %d is not a power of two", a, align))
	}
	if align < a.align {
		align = a.align
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	start, err := a.allocLocked(n, align)
	if err != nil {
		a.allocFailures.Add(1)
		a.warn.Warningf("iova: %s: no room for %d entries (%d/%d in use)", a, n, a.used.GetNumOnes(), len(a.ptes))
		return 0, err
	}
	a.allocs.Add(1)
	return start, nil
}

// allocLocked finds and claims a run of n entries.
//
// +checklocks:a.mu
func (a *Arena) allocLocked(n, align int) (int, error) {
	if n > len(a.ptes) {
		return 0, ErrNoSpace
	}
	p, ok := a.findLocked(n, align, a.next)
	if !ok {
		// Reached the end. Entries freed behind the hint may still be
		// cached by the hardware, so flush the whole window before any of
		// them can be handed out again, then restart from the beginning.
		a.flushAllLocked()
		if p, ok = a.findLocked(n, align, 0); !ok {
			return 0, ErrNoSpace
		}
	}

	if !a.used.AllClear(uint32(p), uint32(p+n)) {
		panic(fmt.Sprintf("iova: %s: scan returned entries [%d, %d) that are in use", a, p, p+n))
	}
	a.used.SetRange(uint32(p), uint32(p+n))
	for i := p; i < p+n; i++ {
		a.ptes[i].store(Reserved)
	}
	a.next = p + n
	return p, nil
}

// findLocked returns the first aligned index at or after from that starts n
// free entries.
//
// +checklocks:a.mu
func (a *Arena) findLocked(n, align, from int) (int, bool) {
	p := bits.AlignUp(from, align)
	for p+n <= len(a.ptes) {
		o, err := a.used.FirstOne(uint32(p))
		if err != nil || int(o) >= p+n {
			return p, true
		}
		// Slot o is taken; no run starting at or before it can fit.
		p = bits.AlignUp(int(o)+1, align)
	}
	return 0, false
}

// flushAllLocked invalidates the translation cache for the whole window.
//
// +checklocks:a.mu
func (a *Arena) flushAllLocked() {
	a.exhaustionFlushes.Add(1)
	if log.IsLogging(log.Debug) {
		log.Debugf("iova: %s: wrapped at entry %d, flushing window", a, a.next)
	}
	a.flusher.FlushRange(a.id, a.base, a.End())
}

// checkRangeLocked panics unless [start, start+n) lies within the table and
// is fully allocated.
//
// +checklocks:a.mu
func (a *Arena) checkRangeLocked(op string, start, n int) {
	if n < 1 || start < 0 || start > len(a.ptes)-n {
		panic(fmt.Sprintf("iova: %s: %s of entries [%d, %d) outside table of %d", a, op, start, start+n, len(a.ptes)))
	}
	if !a.used.AllSet(uint32(start), uint32(start+n)) {
		panic(fmt.Sprintf("iova: %s: %s of entries [%d, %d) that are not allocated", a, op, start, start+n))
	}
}

// freeLocked returns [start, start+n) to the free pool.
//
// +checklocks:a.mu
func (a *Arena) freeLocked(op string, start, n int) {
	a.checkRangeLocked(op, start, n)
	for i := start; i < start+n; i++ {
		a.ptes[i].store(0)
	}
	a.used.ClearRange(uint32(start), uint32(start+n))
	a.frees.Add(1)
}

// Free returns [start, start+n) to the arena. It never flushes the
// translation cache: stale cached entries behind the hint are flushed when
// the allocation scan wraps.
//
// Freeing entries that are not allocated is a caller bug and panics, since
// continuing would let a device write through a translation it no longer
// owns.
func (a *Arena) Free(start, n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.freeLocked("free", start, n)
}

// Release frees [start, start+n) like Free, and flushes exactly those bus
// addresses if they start at or beyond the allocation hint. Such entries may
// be reused before the next wrap-around flush, and the hardware may already
// have cached them. Entries entirely behind the hint need no flush.
//
// Release returns whether a flush was issued. The flush completes before
// any other allocation can observe the freed entries.
func (a *Arena) Release(start, n int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.freeLocked("release", start, n)
	if start < a.next {
		return false
	}
	a.rangeFlushes.Add(1)
	a.flusher.FlushRange(a.id, a.BusAddr(start), a.BusAddr(start+n)-1)
	return true
}

// Program fills npages entries starting at index start with consecutive
// pages beginning at the page containing phys.
//
// The caller must own [start, start+npages) through a prior allocation.
func (a *Arena) Program(start int, phys uint64, npages int) {
	if start < 0 || npages < 0 || start > len(a.ptes)-npages {
		panic(fmt.Sprintf("iova: %s: program of entries [%d, %d) outside table of %d", a, start, start+npages, len(a.ptes)))
	}
	page := bits.AlignDown64(phys, a.PageSize())
	for i := start; i < start+npages; i++ {
		if a.ptes[i].load().Free() {
			panic(fmt.Sprintf("iova: %s: program of unallocated entry %d", a, i))
		}
		a.ptes[i].store(MakeEntry(page, a.pageShift))
		page += a.PageSize()
	}
}

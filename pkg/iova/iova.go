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

// Package iova implements the bus address arena: a fixed table of
// translation entries covering one contiguous window of bus address space.
//
// An Arena hands out runs of entries. Callers program the entries they own
// with physical pages, and the device sees the run as a contiguous range of
// bus addresses starting at BusAddr(start).
//
// Freed entries may linger in the hardware translation cache (TLB). The
// arena does not flush on every free. Instead it allocates forward from a
// hint and flushes the whole window when the scan wraps around; Release
// flushes only when the freed entries are at or beyond the hint, where they
// may be handed out again before the next wrap.
package iova

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/iovakit/iovakit/pkg/bitmap"
	"github.com/iovakit/iovakit/pkg/bits"
	"github.com/iovakit/iovakit/pkg/log"
)

// DefaultPageShift is the page shift used when Options.PageShift is zero.
const DefaultPageShift = 12

var (
	// ErrNoSpace indicates that the arena has no free run of the requested
	// size, even after flushing the translation cache and rescanning.
	ErrNoSpace = errors.New("no free translation entries")

	// ErrBadConfig indicates invalid arena options.
	ErrBadConfig = errors.New("invalid arena configuration")

	// ErrBusy indicates that a slot was not in the state required by a
	// bind or unreserve operation.
	ErrBusy = errors.New("translation entries busy")

	// ErrNotReserved indicates that an unbind targeted unallocated slots.
	ErrNotReserved = errors.New("translation entries not reserved")

	// ErrRange indicates an entry range outside the table.
	ErrRange = errors.New("entry range out of bounds")
)

// Options configures a new Arena.
type Options struct {
	// Name is used in logs and metrics.
	Name string

	// ID is passed to the Flusher to identify this window.
	ID WindowID

	// Base is the bus address covered by entry 0. It must be page aligned.
	Base uint64

	// Size is the number of bytes of bus address space covered by the
	// table. It must be a power of two and at least one page.
	Size uint64

	// PageShift is log2 of the page size. Zero means DefaultPageShift.
	PageShift uint

	// Align is the minimum alignment, in entries, of every allocation's
	// start index. It must be a power of two. Zero means 1.
	Align int

	// VirtMerge is set when the hardware looks up entries purely by bus
	// address, so fragments that are not physically adjacent may share one
	// run of entries as long as they meet on page boundaries.
	VirtMerge bool

	// Flusher invalidates the hardware translation cache. Nil means the
	// hardware has no cache to flush.
	Flusher Flusher
}

// Arena is a table-backed bus address allocator covering one window.
type Arena struct {
	name      string
	id        WindowID
	base      uint64
	size      uint64
	pageShift uint
	align     int
	virtMerge bool
	flusher   Flusher

	// ptes is the translation table. Its length never changes. Slots are
	// accessed atomically since the hardware may walk the table while
	// owners program their slots.
	ptes []Entry

	// warn reports exhaustion without flooding the log.
	warn log.Logger

	mu sync.Mutex

	// used tracks which slots are allocated. It mirrors ptes[i] != 0 and
	// is what the allocation scan walks.
	//
	// +checklocks:mu
	used bitmap.Bitmap

	// next is the index where the next search starts.
	//
	// +checklocks:mu
	next int

	allocs            atomic.Uint64
	frees             atomic.Uint64
	allocFailures     atomic.Uint64
	exhaustionFlushes atomic.Uint64
	rangeFlushes      atomic.Uint64
}

// New creates an arena with a fresh, empty table.
func New(opts Options) (*Arena, error) {
	shift := opts.PageShift
	if shift == 0 {
		shift = DefaultPageShift
	}
	if shift >= 64 {
		return nil, fmt.Errorf("%w: page shift %d", ErrBadConfig, shift)
	}
	pageSize := uint64(1) << shift
	if opts.Size < pageSize || !bits.IsPowerOfTwo64(opts.Size) {
		return nil, fmt.Errorf("%w: size %#x is not a power-of-two multiple of the page size %#x", ErrBadConfig, opts.Size, pageSize)
	}
	if bits.PageOffset(opts.Base, shift) != 0 {
		return nil, fmt.Errorf("%w: base %#x is not page aligned", ErrBadConfig, opts.Base)
	}
	if opts.Base+opts.Size-1 < opts.Base {
		return nil, fmt.Errorf("%w: window [%#x, +%#x) overflows the bus address space", ErrBadConfig, opts.Base, opts.Size)
	}
	nent := opts.Size >> shift
	if nent > uint64(bitmap.MaxBitEntryLimit) {
		return nil, fmt.Errorf("%w: %d entries exceeds the table limit", ErrBadConfig, nent)
	}
	align := opts.Align
	if align == 0 {
		align = 1
	}
	if align < 0 || !bits.IsPowerOfTwo64(uint64(align)) || uint64(align) > nent {
		return nil, fmt.Errorf("%w: alignment %d", ErrBadConfig, opts.Align)
	}
	flusher := opts.Flusher
	if flusher == nil {
		flusher = noFlush{}
	}
	name := opts.Name
	if name == "" {
		name = fmt.Sprintf("window%d", opts.ID)
	}

	a := &Arena{
		name:      name,
		id:        opts.ID,
		base:      opts.Base,
		size:      opts.Size,
		pageShift: shift,
		align:     align,
		virtMerge: opts.VirtMerge,
		flusher:   flusher,
		ptes:      make([]Entry, nent),
		used:      bitmap.New(uint32(nent)),
		warn:      log.BasicRateLimitedLogger(10 * time.Second),
	}
	log.Debugf("iova: arena %q: bus [%#x, %#x], %d entries, align %d, virt merge %t", a.name, a.base, a.End(), nent, align, a.virtMerge)
	return a, nil
}

// Name returns the arena name.
func (a *Arena) Name() string { return a.name }

// ID returns the window ID passed to the Flusher.
func (a *Arena) ID() WindowID { return a.id }

// Base returns the bus address of entry 0.
func (a *Arena) Base() uint64 { return a.base }

// Size returns the number of bytes of bus address space covered.
func (a *Arena) Size() uint64 { return a.size }

// End returns the last bus address covered by the arena (inclusive).
func (a *Arena) End() uint64 { return a.base + a.size - 1 }

// PageShift returns log2 of the page size.
func (a *Arena) PageShift() uint { return a.pageShift }

// PageSize returns the number of bytes covered by one entry.
func (a *Arena) PageSize() uint64 { return uint64(1) << a.pageShift }

// Len returns the number of entries in the table.
func (a *Arena) Len() int { return len(a.ptes) }

// Align returns the minimum allocation alignment in entries.
func (a *Arena) Align() int { return a.align }

// VirtMerge returns whether fragments may be merged on page boundaries.
func (a *Arena) VirtMerge() bool { return a.virtMerge }

// Contains returns whether bus falls inside the window.
func (a *Arena) Contains(bus uint64) bool {
	return bus >= a.base && bus-a.base < a.size
}

// Index returns the table index translating bus.
func (a *Arena) Index(bus uint64) (int, bool) {
	if !a.Contains(bus) {
		return 0, false
	}
	return int((bus - a.base) >> a.pageShift), true
}

// BusAddr returns the bus address of the first byte covered by entry i.
func (a *Arena) BusAddr(i int) uint64 {
	return a.base + uint64(i)<<a.pageShift
}

// Lookup returns the current contents of entry i.
func (a *Arena) Lookup(i int) Entry {
	return a.ptes[i].load()
}

// Used returns the number of allocated entries.
func (a *Arena) Used() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return int(a.used.GetNumOnes())
}

// Idle returns true if no entries are allocated.
func (a *Arena) Idle() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.used.IsEmpty()
}

// Occupancy returns a snapshot of which entries are allocated.
func (a *Arena) Occupancy() []bool {
	occ := make([]bool, len(a.ptes))
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, i := range a.used.ToSlice() {
		occ[i] = true
	}
	return occ
}

// String implements fmt.Stringer.
func (a *Arena) String() string {
	return fmt.Sprintf("%s[%#x-%#x]", a.name, a.base, a.End())
}

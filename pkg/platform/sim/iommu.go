// Copyright 2025 The gVisor Authors.
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

package sim

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/btree"

	"github.com/iovakit/iovakit/pkg/dma"
	"github.com/iovakit/iovakit/pkg/iova"
	"github.com/iovakit/iovakit/pkg/log"
)

// DefaultTLBEntries is the per-window translation cache capacity used when
// none is given.
const DefaultTLBEntries = 64

// ErrFault is returned for a bus address with no valid translation.
var ErrFault = errors.New("IOMMU translation fault")

type windowKind int

const (
	directWindow windowKind = iota
	dacWindow
	arenaWindow
)

// window is one range of bus addresses known to the IOMMU.
type window struct {
	kind  windowKind
	base  uint64
	end   uint64
	arena *iova.Arena

	// tlb caches entries of arena by index, guarded by IOMMU.mu. Entries
	// stay cached until flushed, even if the table changes underneath.
	tlb map[int]iova.Entry
}

func lessWindow(a, b *window) bool {
	return a.base < b.base
}

// TLBStats counts translation cache activity.
type TLBStats struct {
	Hits    uint64
	Misses  uint64
	Flushes uint64
}

// IOMMU translates bus addresses through the windows of a dma.Config. It
// implements iova.Flusher and must be given to the arenas it serves.
type IOMMU struct {
	tlbEntries int

	mu sync.Mutex

	// windows is indexed by base address.
	//
	// +checklocks:mu
	windows *btree.BTreeG[*window]

	// byID maps arena window IDs to their windows.
	//
	// +checklocks:mu
	byID map[iova.WindowID]*window

	hits    atomic.Uint64
	misses  atomic.Uint64
	flushes atomic.Uint64
}

// NewIOMMU returns an IOMMU with no windows. tlbEntries bounds the cache of
// each translated window; zero means DefaultTLBEntries.
func NewIOMMU(tlbEntries int) *IOMMU {
	if tlbEntries <= 0 {
		tlbEntries = DefaultTLBEntries
	}
	return &IOMMU{
		tlbEntries: tlbEntries,
		windows:    btree.NewG[*window](2, lessWindow),
		byID:       make(map[iova.WindowID]*window),
	}
}

// Attach installs the windows of cfg.
func (m *IOMMU) Attach(cfg *dma.Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cfg.Direct.Enabled() {
		if err := m.addLocked(&window{kind: directWindow, base: cfg.Direct.Base, end: cfg.Direct.End()}); err != nil {
			return err
		}
	}
	if cfg.DAC.Enabled() {
		if err := m.addLocked(&window{kind: dacWindow, base: cfg.DAC.Offset, end: ^uint64(0)}); err != nil {
			return err
		}
	}
	for _, a := range cfg.Arenas {
		if _, ok := m.byID[a.ID()]; ok {
			return fmt.Errorf("duplicate window ID %d for %v", a.ID(), a)
		}
		w := &window{kind: arenaWindow, base: a.Base(), end: a.End(), arena: a, tlb: make(map[int]iova.Entry)}
		if err := m.addLocked(w); err != nil {
			return err
		}
		m.byID[a.ID()] = w
	}
	return nil
}

// +checklocks:m.mu
func (m *IOMMU) addLocked(w *window) error {
	if o := m.findLocked(w.end); o != nil && o.end >= w.base {
		return fmt.Errorf("window [%#x, %#x] overlaps [%#x, %#x]", w.base, w.end, o.base, o.end)
	}
	if _, ok := m.windows.ReplaceOrInsert(w); ok {
		return fmt.Errorf("duplicate window at %#x", w.base)
	}
	return nil
}

// findLocked returns the window containing bus, or the closest window below
// it.
//
// +checklocks:m.mu
func (m *IOMMU) findLocked(bus uint64) *window {
	var found *window
	m.windows.DescendLessOrEqual(&window{base: bus}, func(w *window) bool {
		found = w
		return false
	})
	return found
}

// Translate returns the physical address a device access to bus reaches.
func (m *IOMMU) Translate(bus uint64) (uint64, error) {
	phys, _, err := m.translate(bus)
	return phys, err
}

// translate also returns the number of bytes from bus to the end of its
// translation page.
func (m *IOMMU) translate(bus uint64) (uint64, uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w := m.findLocked(bus)
	if w == nil || bus > w.end {
		return 0, 0, fmt.Errorf("%w: %#x is in no window", ErrFault, bus)
	}
	switch w.kind {
	case directWindow:
		return bus - w.base, w.end - bus + 1, nil
	case dacWindow:
		return bus - w.base, ^uint64(0) - bus, nil
	}

	a := w.arena
	i, _ := a.Index(bus)
	e, ok := w.tlb[i]
	if ok {
		m.hits.Add(1)
	} else {
		m.misses.Add(1)
		e = a.Lookup(i)
		if !e.Valid() {
			return 0, 0, fmt.Errorf("%w: %#x hits %v entry %d (%v)", ErrFault, bus, a.Name(), i, e)
		}
		if len(w.tlb) >= m.tlbEntries {
			for k := range w.tlb {
				delete(w.tlb, k)
				break
			}
		}
		w.tlb[i] = e
	}
	off := bus & (a.PageSize() - 1)
	return e.Phys(a.PageShift()) + off, a.PageSize() - off, nil
}

// FlushRange implements iova.Flusher.FlushRange.
func (m *IOMMU) FlushRange(id iova.WindowID, start, end uint64) {
	m.flushes.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.byID[id]
	if !ok {
		// Not attached yet.
		return
	}
	first, _ := w.arena.Index(max(start, w.base))
	last, _ := w.arena.Index(min(end, w.end))
	for i := range w.tlb {
		if i >= first && i <= last {
			delete(w.tlb, i)
		}
	}
	if log.IsLogging(log.Debug) {
		log.Debugf("sim: flushed %s entries [%d, %d]", w.arena.Name(), first, last)
	}
}

// Cached returns the number of translations cached for window id.
func (m *IOMMU) Cached(id iova.WindowID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.byID[id]; ok {
		return len(w.tlb)
	}
	return 0
}

// Stats returns the translation cache counters.
func (m *IOMMU) Stats() TLBStats {
	return TLBStats{
		Hits:    m.hits.Load(),
		Misses:  m.misses.Load(),
		Flushes: m.flushes.Load(),
	}
}

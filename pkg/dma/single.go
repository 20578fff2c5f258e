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

package dma

import (
	"fmt"

	"github.com/iovakit/iovakit/pkg/bits"
	"github.com/iovakit/iovakit/pkg/iova"
	"github.com/iovakit/iovakit/pkg/log"
)

// MapSingle maps the physically contiguous buffer [phys, phys+length) for
// dev and returns the bus address of its first byte.
//
// The direct window is used when it covers the buffer and the device can
// reach it, then the DAC window. Otherwise entries are allocated from the
// device's arena and programmed with the buffer's pages.
func (c *Config) MapSingle(dev *Device, phys, length uint64) (uint64, error) {
	if length == 0 {
		return 0, ErrInvalidLength
	}
	if phys+length < phys {
		return 0, fmt.Errorf("%w: [%#x, +%#x) wraps the address space", ErrInvalidLength, phys, length)
	}
	mask := dev.mask()
	if bus, ok := c.direct(mask, phys, length); ok {
		return bus, nil
	}
	if bus, ok := c.dac(mask, phys, length); ok {
		return bus, nil
	}
	a := c.ArenaFor(dev)
	if a == nil {
		return 0, fmt.Errorf("%w: %v cannot reach [%#x, %#x)", ErrNoTranslation, dev, phys, phys+length)
	}
	return mapArena(a, dev, phys, length)
}

// mapArena allocates and programs entries of a for [phys, phys+length).
func mapArena(a *iova.Arena, dev *Device, phys, length uint64) (uint64, error) {
	shift := a.PageShift()
	npages := int(bits.PageCount(phys, length, shift))
	start, err := a.AllocateAligned(npages, dev.align())
	if err != nil {
		return 0, fmt.Errorf("mapping %d pages at %#x for %v: %w", npages, phys, dev, err)
	}
	a.Program(start, phys, npages)
	return a.BusAddr(start) + bits.PageOffset(phys, shift), nil
}

// UnmapSingle releases a mapping returned by MapSingle. Window mappings
// need no work. Arena entries are released and, if the arena might hand
// them out again before its next wrap, flushed from the translation cache
// before UnmapSingle returns.
func (c *Config) UnmapSingle(dev *Device, bus, length uint64) {
	if length == 0 {
		return
	}
	c.unmap(dev, bus, length)
}

func (c *Config) unmap(dev *Device, bus, length uint64) {
	if c.Direct.Contains(bus) {
		return
	}
	a := c.arenaOf(bus)
	if a == nil {
		if c.DAC.Contains(bus) {
			return
		}
		log.Warningf("dma: %v: bogus unmap of %#x, length %#x: address is in no window", dev, bus, length)
		return
	}
	start, _ := a.Index(bus)
	npages := int(bits.PageCount(bus, length, a.PageShift()))
	if a.Release(start, npages) && log.IsLogging(log.Debug) {
		log.Debugf("dma: %v: flushed %s entries [%d, %d)", dev, a.Name(), start, start+npages)
	}
}

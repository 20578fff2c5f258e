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
	"github.com/iovakit/iovakit/pkg/cleanup"
	"github.com/iovakit/iovakit/pkg/iova"
	"github.com/iovakit/iovakit/pkg/log"
)

// Fragment is one element of a scatter-gather list.
//
// Phys and Length describe the host buffer and are set by the caller.
// DMAAddr and DMALength are set by MapSG: the i'th mapped segment is
// written to the i'th Fragment of the list, which need not be the
// Fragment it started from.
type Fragment struct {
	Phys   uint64
	Length uint64

	DMAAddr   uint64
	DMALength uint64
}

type mergeTag uint8

const (
	// tagLeader starts a new segment.
	tagLeader mergeTag = iota

	// tagPhysContig follows the previous fragment in physical memory.
	tagPhysContig

	// tagVirtContig does not follow the previous fragment, but both meet
	// on page boundaries, so the segment can continue in the next entry.
	tagVirtContig
)

// sgPlan holds the classification of a scatter-gather list. length and
// virt are meaningful at leaders only.
type sgPlan struct {
	tags   []mergeTag
	length []uint64
	virt   []bool
}

func newSGPlan(n int) *sgPlan {
	return &sgPlan{
		tags:   make([]mergeTag, n),
		length: make([]uint64, n),
		virt:   make([]bool, n),
	}
}

// classify tags sg[from:], starting a segment at from.
func (p *sgPlan) classify(sg []Fragment, from int, maxSeg uint64, virtOK bool, shift uint) {
	leader := from
	p.lead(leader, sg[leader].Length)
	next := sg[leader].Phys + sg[leader].Length
	for i := from + 1; i < len(sg); i++ {
		addr, n := sg[i].Phys, sg[i].Length
		switch {
		case maxSeg != 0 && p.length[leader]+n > maxSeg:
			leader = i
			p.lead(leader, n)
		case addr == next:
			p.tags[i] = tagPhysContig
			p.length[leader] += n
		case virtOK && bits.PageOffset(next|addr, shift) == 0:
			p.tags[i] = tagVirtContig
			p.virt[leader] = true
			p.length[leader] += n
		default:
			leader = i
			p.lead(leader, n)
		}
		next = addr + n
	}
}

func (p *sgPlan) lead(i int, n uint64) {
	p.tags[i] = tagLeader
	p.length[i] = n
	p.virt[i] = false
}

// MapSG maps a scatter-gather list for dev and returns the number of
// segments produced.
//
// Fragments that follow each other in physical memory are merged into one
// segment. If the device's arena looks entries up by bus address alone,
// fragments that meet on page boundaries are merged too and share one run
// of entries. Segment i is written to sg[i].DMAAddr and sg[i].DMALength;
// if fewer segments than fragments result, sg[count].DMALength is set to
// zero.
//
// On error nothing stays mapped.
func (c *Config) MapSG(dev *Device, sg []Fragment) (int, error) {
	if len(sg) == 0 {
		return 0, ErrInvalidLength
	}
	// Segment lengths are sums of fragment lengths, so bounding the total
	// keeps them from overflowing.
	var total uint64
	for i := range sg {
		switch n := sg[i].Length; {
		case n == 0:
			return 0, fmt.Errorf("%w: fragment %d is empty", ErrInvalidLength, i)
		case sg[i].Phys+n < sg[i].Phys:
			return 0, fmt.Errorf("%w: fragment %d [%#x, +%#x) wraps the address space", ErrInvalidLength, i, sg[i].Phys, n)
		case total+n < total:
			return 0, fmt.Errorf("%w: fragment lengths overflow at fragment %d", ErrInvalidLength, i)
		default:
			total += n
		}
	}
	if len(sg) == 1 {
		bus, err := c.MapSingle(dev, sg[0].Phys, sg[0].Length)
		if err != nil {
			return 0, err
		}
		sg[0].DMAAddr = bus
		sg[0].DMALength = sg[0].Length
		return 1, nil
	}

	a := c.ArenaFor(dev)
	shift := uint(iova.DefaultPageShift)
	virtOK := false
	if a != nil {
		shift = a.PageShift()
		virtOK = a.VirtMerge()
	}
	p := newSGPlan(len(sg))
	p.classify(sg, 0, dev.maxSegment(), virtOK, shift)

	out := 0
	cu := cleanup.Make(func() {})
	defer cu.Clean()
	for i := range sg {
		if p.tags[i] != tagLeader {
			continue
		}
		if err := c.fill(dev, a, p, sg, i, out); err != nil {
			log.Debugf("dma: %v: scatter-gather segment %d failed, unmapping %d segments: %v", dev, out, out, err)
			return 0, err
		}
		bus, length := sg[out].DMAAddr, sg[out].DMALength
		cu.Add(func() { c.unmap(dev, bus, length) })
		out++
	}
	cu.Release()

	if out < len(sg) {
		sg[out].DMALength = 0
	}
	return out, nil
}

// fill maps the segment led by sg[lead] and writes the result to sg[out].
func (c *Config) fill(dev *Device, a *iova.Arena, p *sgPlan, sg []Fragment, lead, out int) error {
	phys, size := sg[lead].Phys, p.length[lead]
	if !p.virt[lead] {
		mask := dev.mask()
		if bus, ok := c.direct(mask, phys, size); ok {
			sg[out].DMAAddr, sg[out].DMALength = bus, size
			return nil
		}
		if bus, ok := c.dac(mask, phys, size); ok {
			sg[out].DMAAddr, sg[out].DMALength = bus, size
			return nil
		}
	}
	if a == nil {
		return fmt.Errorf("%w: %v cannot reach [%#x, %#x)", ErrNoTranslation, dev, phys, phys+size)
	}

	shift := a.PageShift()
	npages := int(bits.PageCount(phys, size, shift))
	start, err := a.AllocateAligned(npages, dev.align())
	if err != nil {
		if !p.virt[lead] {
			return fmt.Errorf("mapping %d pages at %#x for %v: %w", npages, phys, dev, err)
		}
		// Split the rest of the list into physically contiguous segments,
		// which need fewer entries each and may fit a window.
		p.classify(sg, lead, dev.maxSegment(), false, shift)
		return c.fill(dev, a, p, sg, lead, out)
	}

	// Program each physically contiguous run into the next entries.
	e, i := start, lead
	for {
		runPhys, runLen := sg[i].Phys, sg[i].Length
		for i+1 < len(sg) && p.tags[i+1] == tagPhysContig {
			i++
			runLen += sg[i].Length
		}
		n := int(bits.PageCount(runPhys, runLen, shift))
		a.Program(e, runPhys, n)
		e += n
		i++
		if i >= len(sg) || p.tags[i] != tagVirtContig {
			break
		}
	}

	sg[out].DMAAddr = a.BusAddr(start) + bits.PageOffset(phys, shift)
	sg[out].DMALength = size
	return nil
}

// UnmapSG releases the segments mapped by MapSG, stopping at the first
// Fragment with a zero DMALength.
func (c *Config) UnmapSG(dev *Device, sg []Fragment) {
	for i := range sg {
		if sg[i].DMALength == 0 {
			break
		}
		c.unmap(dev, sg[i].DMAAddr, sg[i].DMALength)
	}
}

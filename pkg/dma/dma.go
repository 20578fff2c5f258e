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

// Package dma maps host physical buffers to bus addresses a device can use.
//
// A Config describes the translation resources of one bus: an optional
// identity-mapped direct window, an optional dual-address-cycle window for
// devices with 64-bit masks, and zero or more IOVA arenas. Mapping prefers
// the windows, which cost nothing, and falls back to allocating arena
// entries.
package dma

import (
	"errors"
	"fmt"

	"github.com/iovakit/iovakit/pkg/bits"
	"github.com/iovakit/iovakit/pkg/iova"
)

// DefaultMask is the DMA mask of a Device that does not set one.
const DefaultMask = 0xffffffff

var (
	// ErrNoTranslation indicates that no window and no arena can reach the
	// buffer for the device. It is a static misconfiguration.
	ErrNoTranslation = errors.New("no translation available for device")

	// ErrInvalidLength indicates an empty buffer or fragment list.
	ErrInvalidLength = errors.New("invalid mapping length")

	// ErrNoSpace is returned when an arena is exhausted. The caller may
	// retry later or use a bounce buffer.
	ErrNoSpace = iova.ErrNoSpace
)

// DirectWindow is a bus address range wired one to one to physical memory:
// bus address Base+p reaches physical address p for p < Size.
type DirectWindow struct {
	Base uint64
	Size uint64
}

// Enabled returns true if the window is configured.
func (w DirectWindow) Enabled() bool {
	return w.Size != 0
}

// End returns the last bus address of the window.
func (w DirectWindow) End() uint64 {
	return w.Base + w.Size - 1
}

// Contains returns true if bus lies inside the window.
func (w DirectWindow) Contains(bus uint64) bool {
	return w.Enabled() && bus >= w.Base && bus-w.Base < w.Size
}

// DACWindow is a 64-bit window that maps bus address Offset+p to physical
// address p. Only devices whose mask includes every bit of Offset can use
// it.
type DACWindow struct {
	Offset uint64
}

// Enabled returns true if the window is configured.
func (w DACWindow) Enabled() bool {
	return w.Offset != 0
}

// usable returns true if a device with the given mask can address the
// window.
func (w DACWindow) usable(mask uint64) bool {
	return w.Enabled() && bits.IsOn64(mask, w.Offset)
}

// Contains returns true if bus lies inside the window.
func (w DACWindow) Contains(bus uint64) bool {
	return w.Enabled() && bus >= w.Offset
}

// Config is the translation configuration of one bus. It is built once at
// platform setup and is read-only afterwards; the arenas carry all mutable
// state.
type Config struct {
	Direct DirectWindow
	DAC    DACWindow

	// Arenas are tried in order. A device uses the first arena that lies
	// entirely below its mask, so narrow windows for legacy devices go
	// after the general ones.
	Arenas []*iova.Arena
}

// Device describes the DMA constraints of a bus master.
type Device struct {
	Name string

	// Mask is the highest bus address the device can drive. Zero means
	// DefaultMask.
	Mask uint64

	// MaxSegment bounds the length of one merged scatter-gather segment.
	// Zero means unlimited.
	MaxSegment uint64

	// Align is the entry alignment the device needs for its mappings. Zero
	// means none beyond the arena's own.
	Align int
}

func (d *Device) mask() uint64 {
	if d == nil || d.Mask == 0 {
		return DefaultMask
	}
	return d.Mask
}

func (d *Device) maxSegment() uint64 {
	if d == nil {
		return 0
	}
	return d.MaxSegment
}

func (d *Device) align() int {
	if d == nil || d.Align < 1 {
		return 1
	}
	return d.Align
}

// String implements fmt.Stringer.
func (d *Device) String() string {
	if d == nil || d.Name == "" {
		return fmt.Sprintf("device(mask=%#x)", d.mask())
	}
	return d.Name
}

// ArenaFor returns the arena used for dev, or nil if no arena lies below
// the device mask.
func (c *Config) ArenaFor(dev *Device) *iova.Arena {
	mask := dev.mask()
	for _, a := range c.Arenas {
		if a.End() <= mask {
			return a
		}
	}
	return nil
}

// arenaOf returns the arena whose window contains bus.
func (c *Config) arenaOf(bus uint64) *iova.Arena {
	for _, a := range c.Arenas {
		if a.Contains(bus) {
			return a
		}
	}
	return nil
}

// direct returns the direct window address of [phys, phys+length), if the
// window covers it and the device can reach it.
func (c *Config) direct(mask, phys, length uint64) (uint64, bool) {
	end := phys + length
	if !c.Direct.Enabled() || end < phys || end > c.Direct.Size {
		return 0, false
	}
	if c.Direct.Base+end-1 > mask {
		return 0, false
	}
	return c.Direct.Base + phys, true
}

// dac returns the DAC window address of [phys, phys+length), if the device
// can use the window.
func (c *Config) dac(mask, phys, length uint64) (uint64, bool) {
	if !c.DAC.usable(mask) {
		return 0, false
	}
	bus := c.DAC.Offset + phys
	if bus < phys || bus+length-1 < bus || bus+length-1 > mask {
		return 0, false
	}
	return bus, true
}

// MaxAddressable returns the highest bus address this configuration can
// hand to a device with the given mask, or 0 if no window or arena lies
// below the mask.
func (c *Config) MaxAddressable(mask uint64) uint64 {
	var top uint64
	if c.Direct.Enabled() && c.Direct.End() <= mask {
		top = c.Direct.End()
	}
	for _, a := range c.Arenas {
		if a.End() <= mask && a.End() > top {
			top = a.End()
		}
	}
	if c.DAC.usable(mask) {
		top = mask
	}
	return top
}

// Supported returns true if a device with the given mask can map buffers
// through this configuration.
func (c *Config) Supported(mask uint64) bool {
	return c.MaxAddressable(mask) != 0
}

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
	"bytes"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/iovakit/iovakit/pkg/iova"
	"github.com/iovakit/iovakit/pkg/log"
)

const (
	arenaBase = 0x10000000
	pageSize  = 0x1000
)

type countingFlusher struct {
	mu    sync.Mutex
	count int
}

func (f *countingFlusher) FlushRange(iova.WindowID, uint64, uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count++
}

func (f *countingFlusher) get() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count
}

func newArena(t *testing.T, base uint64, entries int, virtMerge bool) (*iova.Arena, *countingFlusher) {
	t.Helper()
	f := &countingFlusher{}
	a, err := iova.New(iova.Options{
		Name:      "sg",
		Base:      base,
		Size:      uint64(entries) * pageSize,
		VirtMerge: virtMerge,
		Flusher:   f,
	})
	if err != nil {
		t.Fatalf("iova.New: %v", err)
	}
	return a, f
}

func occupancy(a *iova.Arena) string {
	var sb strings.Builder
	for _, used := range a.Occupancy() {
		if used {
			sb.WriteByte('x')
		} else {
			sb.WriteByte('.')
		}
	}
	return sb.String()
}

func TestExampleScenario(t *testing.T) {
	a, f := newArena(t, arenaBase, 4, false)
	c := &Config{Arenas: []*iova.Arena{a}}
	dev := &Device{Name: "nic"}

	first, err := c.MapSingle(dev, 0x1000, 8192)
	if err != nil {
		t.Fatalf("MapSingle(0x1000, 8192): %v", err)
	}
	if first != arenaBase {
		t.Errorf("first mapping: got %#x, want %#x", first, uint64(arenaBase))
	}
	for i, want := range []uint64{0x1000, 0x2000} {
		if got := a.Lookup(i).Phys(a.PageShift()); got != want {
			t.Errorf("entry %d: got phys %#x, want %#x", i, got, want)
		}
	}

	second, err := c.MapSingle(dev, 0x9000, 4096)
	if err != nil {
		t.Fatalf("MapSingle(0x9000, 4096): %v", err)
	}
	if want := uint64(arenaBase + 2*pageSize); second != want {
		t.Errorf("second mapping: got %#x, want %#x", second, want)
	}
	if got, want := occupancy(a), "xxx."; got != want {
		t.Errorf("occupancy after maps: got %q, want %q", got, want)
	}

	c.UnmapSingle(dev, first, 8192)
	if got, want := occupancy(a), "..x."; got != want {
		t.Errorf("occupancy after unmap: got %q, want %q", got, want)
	}
	if got := f.get(); got != 0 {
		t.Errorf("unmap behind the hint flushed %d times", got)
	}

	// Three free entries exist but no three in a row.
	if _, err := c.MapSingle(dev, 0x20000, 3*pageSize); !errors.Is(err, ErrNoSpace) {
		t.Fatalf("MapSingle of 3 pages: got %v, want ErrNoSpace", err)
	}
	if got, want := occupancy(a), "..x."; got != want {
		t.Errorf("occupancy after failed map: got %q, want %q", got, want)
	}
	if got := f.get(); got != 1 {
		t.Errorf("flushes after failed map: got %d, want 1", got)
	}

	// Two pages fit once the scan wraps.
	third, err := c.MapSingle(dev, 0x20800, pageSize)
	if err != nil {
		t.Fatalf("MapSingle(0x20800, 4096): %v", err)
	}
	if want := uint64(arenaBase + 0x800); third != want {
		t.Errorf("third mapping: got %#x, want %#x", third, want)
	}
	if got, want := occupancy(a), "xxx."; got != want {
		t.Errorf("final occupancy: got %q, want %q", got, want)
	}
}

func TestRoundTrip(t *testing.T) {
	for _, tc := range []struct {
		name   string
		phys   uint64
		length uint64
	}{
		{"one byte", 0x1234, 1},
		{"one page", 0x5000, pageSize},
		{"straddles a page", 0x5ff0, 0x20},
		{"unaligned multi page", 0x7801, 3 * pageSize},
		{"whole table", 0x100000, 16 * pageSize},
	} {
		t.Run(tc.name, func(t *testing.T) {
			a, _ := newArena(t, arenaBase, 16, false)
			c := &Config{Arenas: []*iova.Arena{a}}
			prefix, err := c.MapSingle(nil, 0x80000, pageSize)
			if err != nil {
				t.Fatalf("MapSingle: %v", err)
			}
			before := a.Occupancy()
			if tc.length == 16*pageSize {
				c.UnmapSingle(nil, prefix, pageSize)
				before = a.Occupancy()
			}

			bus, err := c.MapSingle(nil, tc.phys, tc.length)
			if err != nil {
				t.Fatalf("MapSingle(%#x, %#x): %v", tc.phys, tc.length, err)
			}
			if got, want := bus&(pageSize-1), tc.phys&(pageSize-1); got != want {
				t.Errorf("page offset: got %#x, want %#x", got, want)
			}
			c.UnmapSingle(nil, bus, tc.length)
			if diff := cmp.Diff(before, a.Occupancy()); diff != "" {
				t.Errorf("occupancy mismatch (-before +after):\n%s", diff)
			}
		})
	}
}

func TestDirectMapPrecedence(t *testing.T) {
	a, _ := newArena(t, arenaBase, 16, false)
	c := &Config{
		Direct: DirectWindow{Base: 0x40000000, Size: 0x10000000},
		Arenas: []*iova.Arena{a},
	}

	bus, err := c.MapSingle(nil, 0x1000, 0x2000)
	if err != nil {
		t.Fatalf("MapSingle: %v", err)
	}
	if bus != 0x40001000 {
		t.Errorf("MapSingle: got %#x, want 0x40001000", bus)
	}
	c.UnmapSingle(nil, bus, 0x2000)
	if got := a.Stats().Allocs; got != 0 {
		t.Errorf("direct mapping allocated %d times", got)
	}

	for _, tc := range []struct {
		name   string
		dev    *Device
		phys   uint64
		length uint64
	}{
		{"beyond the window", nil, 0x10000000, pageSize},
		{"straddles the window end", nil, 0x0ffff000, 2 * pageSize},
		{"window above the mask", &Device{Mask: 0x3fffffff}, 0x1000, pageSize},
	} {
		t.Run(tc.name, func(t *testing.T) {
			before := a.Stats().Allocs
			bus, err := c.MapSingle(tc.dev, tc.phys, tc.length)
			if err != nil {
				t.Fatalf("MapSingle: %v", err)
			}
			if !a.Contains(bus) {
				t.Errorf("MapSingle: got %#x, want an address in %v", bus, a)
			}
			if got := a.Stats().Allocs - before; got != 1 {
				t.Errorf("allocations: got %d, want 1", got)
			}
			c.UnmapSingle(tc.dev, bus, tc.length)
			if got := a.Used(); got != 0 {
				t.Errorf("Used after unmap: got %d, want 0", got)
			}
		})
	}
}

func TestDACWindow(t *testing.T) {
	a, _ := newArena(t, arenaBase, 16, false)
	c := &Config{
		DAC:    DACWindow{Offset: 1 << 40},
		Arenas: []*iova.Arena{a},
	}

	wide := &Device{Name: "wide", Mask: ^uint64(0)}
	bus, err := c.MapSingle(wide, 0x123456000, pageSize)
	if err != nil {
		t.Fatalf("MapSingle: %v", err)
	}
	if want := uint64(1<<40 + 0x123456000); bus != want {
		t.Errorf("MapSingle: got %#x, want %#x", bus, want)
	}
	c.UnmapSingle(wide, bus, pageSize)

	narrow := &Device{Name: "narrow"}
	bus, err = c.MapSingle(narrow, 0x123456000, pageSize)
	if err != nil {
		t.Fatalf("MapSingle: %v", err)
	}
	if !a.Contains(bus) {
		t.Errorf("32-bit device got %#x outside the arena", bus)
	}
	c.UnmapSingle(narrow, bus, pageSize)
	if got := a.Stats(); got.Allocs != 1 || got.Used != 0 {
		t.Errorf("arena stats: got %+v, want one allocation and nothing in use", got)
	}
}

func TestNoTranslation(t *testing.T) {
	high, _ := newArena(t, 1<<32, 16, false)
	for _, tc := range []struct {
		name string
		c    *Config
	}{
		{"empty", &Config{}},
		{"arena above the mask", &Config{Arenas: []*iova.Arena{high}}},
		{"direct window too small", &Config{Direct: DirectWindow{Size: 0x1000}}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := tc.c.MapSingle(nil, 0x10000, pageSize); !errors.Is(err, ErrNoTranslation) {
				t.Errorf("MapSingle: got %v, want ErrNoTranslation", err)
			}
		})
	}
}

func TestInvalidLength(t *testing.T) {
	a, _ := newArena(t, arenaBase, 16, false)
	c := &Config{Arenas: []*iova.Arena{a}}

	for _, tc := range []struct {
		name string
		sg   []Fragment
	}{
		{"nil list", nil},
		{"zero length", []Fragment{{Phys: 0x1000}}},
		{"empty fragment", []Fragment{{Phys: 0x1000, Length: 0x10}, {Phys: 0x2000}}},
		{"wraps to zero pages", []Fragment{{Phys: 0x1000, Length: ^uint64(0)}}},
		{"wraps", []Fragment{{Phys: 0x1000, Length: ^uint64(0) - 0x1000}}},
		{"ends at top", []Fragment{{Phys: ^uint64(0) - 0xfff, Length: 0x1000}}},
		{"wrapping fragment", []Fragment{{Phys: 0x1000, Length: 0x10}, {Phys: 0x3000, Length: ^uint64(0) - 0x2000}}},
		{"lengths overflow", []Fragment{{Phys: 0, Length: 1 << 63}, {Phys: 0, Length: 1 << 63}}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if len(tc.sg) == 1 {
				if _, err := c.MapSingle(nil, tc.sg[0].Phys, tc.sg[0].Length); !errors.Is(err, ErrInvalidLength) {
					t.Errorf("MapSingle: got %v, want ErrInvalidLength", err)
				}
			}
			if _, err := c.MapSG(nil, tc.sg); !errors.Is(err, ErrInvalidLength) {
				t.Errorf("MapSG: got %v, want ErrInvalidLength", err)
			}
			if got := a.Used(); got != 0 {
				t.Errorf("Used() = %d, want 0", got)
			}
		})
	}
}

func TestArenaSelection(t *testing.T) {
	general, _ := newArena(t, 0x80000000, 16, false)
	legacy, _ := newArena(t, 0x800000, 16, false)
	c := &Config{Arenas: []*iova.Arena{general, legacy}}

	for _, tc := range []struct {
		name string
		dev  *Device
		want *iova.Arena
	}{
		{"default mask", nil, general},
		{"wide", &Device{Mask: ^uint64(0)}, general},
		{"24-bit", &Device{Mask: 0xffffff}, legacy},
		{"16-bit", &Device{Mask: 0xffff}, nil},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if got := c.ArenaFor(tc.dev); got != tc.want {
				t.Errorf("ArenaFor: got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestMaxAddressable(t *testing.T) {
	general, _ := newArena(t, 0x80000000, 16, false)
	legacy, _ := newArena(t, 0x800000, 16, false)
	c := &Config{
		Direct: DirectWindow{Base: 0x40000000, Size: 0x40000000},
		Arenas: []*iova.Arena{general, legacy},
	}
	for _, tc := range []struct {
		mask uint64
		want uint64
	}{
		{^uint64(0), 0x8000ffff},
		{0xffffffff, 0x8000ffff},
		{0x7fffffff, 0x7fffffff},
		{0x3fffffff, 0x80ffff},
		{0xffffff, 0x80ffff},
		{0xfffff, 0},
	} {
		if got := c.MaxAddressable(tc.mask); got != tc.want {
			t.Errorf("MaxAddressable(%#x): got %#x, want %#x", tc.mask, got, tc.want)
		}
		if got, want := c.Supported(tc.mask), tc.want != 0; got != want {
			t.Errorf("Supported(%#x): got %t, want %t", tc.mask, got, want)
		}
	}

	dac := &Config{DAC: DACWindow{Offset: 1 << 40}}
	if !dac.Supported(^uint64(0)) {
		t.Errorf("DAC window not supported for a 64-bit mask")
	}
	if dac.Supported(0xffffffff) {
		t.Errorf("DAC window supported for a 32-bit mask")
	}
}

func TestUnmapReleaseFlush(t *testing.T) {
	a, f := newArena(t, arenaBase, 4, false)
	c := &Config{Arenas: []*iova.Arena{a}}

	first, err := c.MapSingle(nil, 0x1000, 2*pageSize)
	if err != nil {
		t.Fatalf("MapSingle: %v", err)
	}
	second, err := c.MapSingle(nil, 0x8000, 2*pageSize)
	if err != nil {
		t.Fatalf("MapSingle: %v", err)
	}
	c.UnmapSingle(nil, first, 2*pageSize)
	// Wraps and takes entry 0, leaving the hint behind the second mapping.
	if _, err := c.MapSingle(nil, 0x3000, pageSize); err != nil {
		t.Fatalf("MapSingle: %v", err)
	}
	flushes := f.get()
	c.UnmapSingle(nil, second, 2*pageSize)
	if got := f.get() - flushes; got != 1 {
		t.Errorf("unmap ahead of the hint: got %d flushes, want 1", got)
	}
}

func TestUnmapBogusAddress(t *testing.T) {
	var buf bytes.Buffer
	old := log.Log()
	log.SetTarget(&log.Writer{Next: &buf})
	defer log.SetTarget(old.Emitter)

	a, _ := newArena(t, arenaBase, 4, false)
	c := &Config{
		Direct: DirectWindow{Base: 0x40000000, Size: 0x1000000},
		Arenas: []*iova.Arena{a},
	}
	c.UnmapSingle(&Device{Name: "nic"}, 0x20000000, pageSize)
	if !strings.Contains(buf.String(), "bogus unmap of 0x20000000") {
		t.Errorf("missing warning, log: %q", buf.String())
	}
	if got := a.Stats().Frees; got != 0 {
		t.Errorf("bogus unmap freed %d ranges", got)
	}
}

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
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/iovakit/iovakit/pkg/dma"
	"github.com/iovakit/iovakit/pkg/platform"
)

const (
	memSize   = 1 << 20
	arenaBase = 0x10000000
	pageSize  = 0x1000
)

type testBus struct {
	mem   *Memory
	iommu *IOMMU
	cfg   *dma.Config
}

func newTestBus(t *testing.T, pc platform.Config, tlbEntries int) *testBus {
	t.Helper()
	mem, err := NewMemory(memSize)
	if err != nil {
		t.Fatalf("NewMemory: %v", err)
	}
	t.Cleanup(func() { mem.Close() })
	iommu := NewIOMMU(tlbEntries)
	cfg, err := pc.Build(iommu)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := iommu.Attach(cfg); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	return &testBus{mem: mem, iommu: iommu, cfg: cfg}
}

func smallArena(entries uint64, virtMerge bool) platform.Config {
	return platform.Config{
		Arenas: []platform.Arena{{Name: "sg", Base: arenaBase, Size: entries * pageSize, VirtMerge: virtMerge}},
	}
}

func TestMemory(t *testing.T) {
	mem, err := NewMemory(4 * pageSize)
	if err != nil {
		t.Fatalf("NewMemory: %v", err)
	}
	if got := mem.Size(); got != 4*pageSize {
		t.Errorf("Size: got %#x, want %#x", got, 4*pageSize)
	}
	want := []byte("translation table")
	if _, err := mem.WriteAt(want, pageSize-4); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	got := make([]byte, len(want))
	if _, err := mem.ReadAt(got, pageSize-4); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("ReadAt: got %q, want %q", got, want)
	}
	if _, err := mem.ReadAt(got, 4*pageSize-2); err == nil {
		t.Errorf("ReadAt past the end succeeded")
	}
	if err := mem.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := mem.WriteAt(want, 0); err == nil {
		t.Errorf("WriteAt after Close succeeded")
	}
}

func TestTranslateWindows(t *testing.T) {
	pc := smallArena(4, false)
	pc.DirectMap = platform.Window{Base: 0x40000000, Size: memSize}
	pc.DAC = platform.DAC{Offset: 1 << 40}
	b := newTestBus(t, pc, 0)

	for _, tc := range []struct {
		name string
		bus  uint64
		want uint64
		err  error
	}{
		{"direct", 0x40001234, 0x1234, nil},
		{"dac", 1<<40 + 0x5000, 0x5000, nil},
		{"hole", 0x20000000, 0, ErrFault},
		{"free entry", arenaBase + pageSize, 0, ErrFault},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, err := b.iommu.Translate(tc.bus)
			if got != tc.want || !errors.Is(err, tc.err) {
				t.Errorf("Translate(%#x): got (%#x, %v), want (%#x, %v)", tc.bus, got, err, tc.want, tc.err)
			}
		})
	}
}

func TestDeviceWrite(t *testing.T) {
	b := newTestBus(t, smallArena(8, false), 0)
	dev := NewDevice(dma.Device{Name: "nic"}, b.iommu, b.mem)

	// Crosses a page boundary, so two entries and two translations.
	const phys = 0x7ff0
	data := []byte("0123456789abcdefghijklmnopqrstuv")
	bus, err := b.cfg.MapSingle(&dev.Device, phys, uint64(len(data)))
	if err != nil {
		t.Fatalf("MapSingle: %v", err)
	}
	if err := dev.Write(bus, data); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got := make([]byte, len(data))
	if _, err := b.mem.ReadAt(got, phys); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("memory: got %q, want %q", got, data)
	}

	back := make([]byte, len(data))
	if err := dev.Read(bus, back); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(back, data) {
		t.Errorf("Read: got %q, want %q", back, data)
	}
	if got := b.iommu.Stats(); got.Misses != 2 || got.Hits != 2 {
		t.Errorf("TLB stats: got %+v, want 2 misses and 2 hits", got)
	}
	b.cfg.UnmapSingle(&dev.Device, bus, uint64(len(data)))
}

func TestStaleTranslationUntilWrap(t *testing.T) {
	b := newTestBus(t, smallArena(4, false), 0)
	dev := NewDevice(dma.Device{Name: "disk"}, b.iommu, b.mem)
	a := b.cfg.Arenas[0]

	first, err := b.cfg.MapSingle(&dev.Device, 0x1000, pageSize)
	if err != nil {
		t.Fatalf("MapSingle: %v", err)
	}
	if got, err := b.iommu.Translate(first); err != nil || got != 0x1000 {
		t.Fatalf("Translate: got (%#x, %v), want 0x1000", got, err)
	}
	b.cfg.UnmapSingle(&dev.Device, first, pageSize)

	// The entry is free but the translation is still cached. This is safe
	// because the allocator will not hand the entry out before the scan
	// wraps.
	if got, err := b.iommu.Translate(first); err != nil || got != 0x1000 {
		t.Errorf("Translate after unmap: got (%#x, %v), want the cached 0x1000", got, err)
	}
	if got := b.iommu.Stats().Flushes; got != 0 {
		t.Errorf("unmap behind the hint flushed %d times", got)
	}

	var rest []uint64
	for i := 1; i < a.Len(); i++ {
		bus, err := b.cfg.MapSingle(&dev.Device, uint64(0x10000+i*pageSize), pageSize)
		if err != nil {
			t.Fatalf("MapSingle: %v", err)
		}
		rest = append(rest, bus)
	}

	// The next mapping wraps, which flushes before entry 0 is reused.
	reused, err := b.cfg.MapSingle(&dev.Device, 0x9000, pageSize)
	if err != nil {
		t.Fatalf("MapSingle: %v", err)
	}
	if reused != first {
		t.Fatalf("MapSingle after wrap: got %#x, want reused %#x", reused, first)
	}
	if got := b.iommu.Stats().Flushes; got != 1 {
		t.Errorf("flushes after wrap: got %d, want 1", got)
	}
	if got, err := b.iommu.Translate(reused); err != nil || got != 0x9000 {
		t.Errorf("Translate after reuse: got (%#x, %v), want 0x9000", got, err)
	}

	for _, bus := range rest {
		b.cfg.UnmapSingle(&dev.Device, bus, pageSize)
	}
	b.cfg.UnmapSingle(&dev.Device, reused, pageSize)
	if got := a.Used(); got != 0 {
		t.Errorf("Used: got %d, want 0", got)
	}
}

func TestReleaseAheadOfHintFlushes(t *testing.T) {
	b := newTestBus(t, smallArena(4, false), 0)
	dev := NewDevice(dma.Device{Name: "disk"}, b.iommu, b.mem)
	a := b.cfg.Arenas[0]

	var buses []uint64
	for i := 0; i < 2; i++ {
		bus, err := b.cfg.MapSingle(&dev.Device, uint64(0x20000+i*2*pageSize), 2*pageSize)
		if err != nil {
			t.Fatalf("MapSingle: %v", err)
		}
		buses = append(buses, bus)
		if _, err := b.iommu.Translate(bus); err != nil {
			t.Fatalf("Translate: %v", err)
		}
	}
	b.cfg.UnmapSingle(&dev.Device, buses[0], 2*pageSize)
	// Wraps and leaves the hint at entry 1, behind the second mapping.
	if _, err := b.cfg.MapSingle(&dev.Device, 0x30000, pageSize); err != nil {
		t.Fatalf("MapSingle: %v", err)
	}
	if got := b.iommu.Cached(a.ID()); got != 0 {
		t.Errorf("cached translations after wrap: got %d, want 0", got)
	}
	if _, err := b.iommu.Translate(buses[1]); err != nil {
		t.Fatalf("Translate: %v", err)
	}

	b.cfg.UnmapSingle(&dev.Device, buses[1], 2*pageSize)
	if _, err := b.iommu.Translate(buses[1]); !errors.Is(err, ErrFault) {
		t.Errorf("Translate after unmap ahead of the hint: got %v, want ErrFault", err)
	}
}

func TestTLBCapacity(t *testing.T) {
	b := newTestBus(t, smallArena(8, false), 2)
	a := b.cfg.Arenas[0]
	start, err := a.Allocate(3)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	a.Program(start, 0x4000, 3)
	for i := 0; i < 3; i++ {
		if _, err := b.iommu.Translate(a.BusAddr(start + i)); err != nil {
			t.Fatalf("Translate: %v", err)
		}
	}
	if got := b.iommu.Cached(a.ID()); got != 2 {
		t.Errorf("Cached: got %d, want 2", got)
	}
}

func TestDeviceScatterGather(t *testing.T) {
	b := newTestBus(t, smallArena(16, true), 0)
	dev := NewDevice(dma.Device{Name: "nic"}, b.iommu, b.mem)
	sg := []dma.Fragment{
		{Phys: 0x10c00, Length: 0x400},
		{Phys: 0x30000, Length: 0x1000},
		{Phys: 0x31000, Length: 0x200},
	}
	count, err := b.cfg.MapSG(&dev.Device, sg)
	if err != nil {
		t.Fatalf("MapSG: %v", err)
	}
	if count != 1 {
		t.Fatalf("MapSG: got %d segments, want 1", count)
	}

	data := bytes.Repeat([]byte("iova"), 0x1600/4)
	n, err := dev.WriteSG(sg, data)
	if err != nil {
		t.Fatalf("WriteSG: %v", err)
	}
	if n != len(data) {
		t.Fatalf("WriteSG: wrote %d bytes, want %d", n, len(data))
	}

	var got []byte
	for _, f := range sg {
		buf := make([]byte, f.Length)
		if _, err := b.mem.ReadAt(buf, int64(f.Phys)); err != nil {
			t.Fatalf("ReadAt: %v", err)
		}
		got = append(got, buf...)
	}
	if diff := cmp.Diff(data, got); diff != "" {
		t.Errorf("fragment contents mismatch (-want +got):\n%s", diff)
	}
	b.cfg.UnmapSG(&dev.Device, sg)
}

func TestAttachOverlap(t *testing.T) {
	b := newTestBus(t, smallArena(4, false), 0)
	pc := smallArena(4, false)
	pc.Arenas[0].Name = "again"
	cfg, err := pc.Build(b.iommu)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := b.iommu.Attach(cfg); err == nil {
		t.Errorf("Attach of an overlapping window succeeded")
	}
}

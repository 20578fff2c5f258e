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
	"fmt"

	"github.com/iovakit/iovakit/pkg/dma"
)

// Device is a bus master that moves data through an IOMMU.
type Device struct {
	dma.Device

	iommu *IOMMU
	mem   *Memory
}

// NewDevice returns a device with the given constraints attached to iommu
// and mem.
func NewDevice(d dma.Device, iommu *IOMMU, mem *Memory) *Device {
	return &Device{Device: d, iommu: iommu, mem: mem}
}

// Read copies len(p) bytes starting at bus address bus into p.
func (d *Device) Read(bus uint64, p []byte) error {
	return d.access(bus, p, d.mem.ReadAt)
}

// Write copies p to bus address bus.
func (d *Device) Write(bus uint64, p []byte) error {
	return d.access(bus, p, d.mem.WriteAt)
}

func (d *Device) access(bus uint64, p []byte, op func([]byte, int64) (int, error)) error {
	for len(p) > 0 {
		if bus > d.mask() {
			return fmt.Errorf("%s: bus address %#x above mask %#x", d.Name, bus, d.mask())
		}
		phys, n, err := d.iommu.translate(bus)
		if err != nil {
			return fmt.Errorf("%s: %w", d.Name, err)
		}
		if n > uint64(len(p)) {
			n = uint64(len(p))
		}
		if _, err := op(p[:n], int64(phys)); err != nil {
			return fmt.Errorf("%s: DMA at bus %#x: %w", d.Name, bus, err)
		}
		p = p[n:]
		bus += n
	}
	return nil
}

func (d *Device) mask() uint64 {
	if d.Mask == 0 {
		return dma.DefaultMask
	}
	return d.Mask
}

// ReadSG reads the mapped segments of sg into p, in order, until p is full
// or the list ends.
func (d *Device) ReadSG(sg []dma.Fragment, p []byte) (int, error) {
	return d.accessSG(sg, p, d.Read)
}

// WriteSG writes p across the mapped segments of sg.
func (d *Device) WriteSG(sg []dma.Fragment, p []byte) (int, error) {
	return d.accessSG(sg, p, d.Write)
}

func (d *Device) accessSG(sg []dma.Fragment, p []byte, op func(uint64, []byte) error) (int, error) {
	done := 0
	for i := range sg {
		if sg[i].DMALength == 0 || done == len(p) {
			break
		}
		n := min(uint64(len(p)-done), sg[i].DMALength)
		if err := op(sg[i].DMAAddr, p[done:done+int(n)]); err != nil {
			return done, err
		}
		done += int(n)
	}
	return done, nil
}

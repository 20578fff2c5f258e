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

// Package sim models the hardware behind a bus: physical memory, an IOMMU
// with a translation cache, and devices that perform DMA through it.
//
// The IOMMU caches translations until it is told to flush them, so a
// mapping that is reused without a flush is observable as a device access
// landing on the old page.
package sim

import (
	"fmt"
	"io"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/iovakit/iovakit/pkg/memutil"
)

// Memory is simulated physical memory starting at physical address 0.
type Memory struct {
	fd int

	// mu guards data against Close.
	mu sync.RWMutex

	// +checklocks:mu
	data []byte
}

// NewMemory allocates size bytes of physical memory.
func NewMemory(size uint64) (*Memory, error) {
	fd, err := memutil.CreateMemFD("iova-sim-memory", int64(size))
	if err != nil {
		return nil, err
	}
	data, err := memutil.MapSlice(fd, 0, int(size))
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("mapping %d bytes of physical memory: %w", size, err)
	}
	return &Memory{fd: fd, data: data}, nil
}

// Size returns the number of bytes of physical memory.
func (m *Memory) Size() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return uint64(len(m.data))
}

func (m *Memory) check(n int, off int64) error {
	if m.data == nil {
		return fmt.Errorf("physical memory closed")
	}
	if off < 0 || off > int64(len(m.data)) || int64(n) > int64(len(m.data))-off {
		return fmt.Errorf("physical access [%#x, %#x) beyond memory of %#x bytes: %w", off, off+int64(n), len(m.data), io.ErrUnexpectedEOF)
	}
	return nil
}

// ReadAt implements io.ReaderAt at physical address off.
func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(len(p), off); err != nil {
		return 0, err
	}
	return copy(p, m.data[off:]), nil
}

// WriteAt implements io.WriterAt at physical address off.
func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(len(p), off); err != nil {
		return 0, err
	}
	return copy(m.data[off:], p), nil
}

// Close releases the memory.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		return nil
	}
	err := memutil.UnmapSlice(m.data)
	m.data = nil
	unix.Close(m.fd)
	return err
}

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

import "fmt"

// The operations below support aperture-style users that reserve a range of
// bus addresses up front and bind and unbind pages within it over time, such
// as a graphics address remapping table.

// Reserve reserves n entries for later binding. The entries hold Reserved
// and are translated by nothing until Bind.
func (a *Arena) Reserve(n, align int) (int, error) {
	return a.AllocateAligned(n, align)
}

// Bind programs one entry per page in pages, starting at index start. Every
// target entry must currently hold Reserved; otherwise Bind changes nothing
// and returns ErrBusy.
func (a *Arena) Bind(start int, pages []uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.checkGARTRangeLocked(start, len(pages)); err != nil {
		return err
	}
	for i := range pages {
		if e := a.ptes[start+i].load(); e != Reserved {
			return fmt.Errorf("%w: entry %d is %v", ErrBusy, start+i, e)
		}
	}
	for i, p := range pages {
		a.ptes[start+i].store(MakeEntry(p, a.pageShift))
	}
	return nil
}

// Unbind returns n bound entries starting at start to Reserved. The caller is
// responsible for flushing the translation cache before reusing the bus
// addresses.
func (a *Arena) Unbind(start, n int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.checkGARTRangeLocked(start, n); err != nil {
		return err
	}
	if !a.used.AllSet(uint32(start), uint32(start+n)) {
		return fmt.Errorf("%w: [%d, %d)", ErrNotReserved, start, start+n)
	}
	for i := start; i < start+n; i++ {
		a.ptes[i].store(Reserved)
	}
	return nil
}

// Unreserve frees n reserved entries starting at start. Every entry must have
// been unbound; otherwise nothing is freed and ErrBusy is returned.
func (a *Arena) Unreserve(start, n int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.checkGARTRangeLocked(start, n); err != nil {
		return err
	}
	for i := start; i < start+n; i++ {
		if e := a.ptes[i].load(); e != Reserved {
			return fmt.Errorf("%w: entry %d is %v", ErrBusy, i, e)
		}
	}
	a.freeLocked("unreserve", start, n)
	return nil
}

// +checklocks:a.mu
func (a *Arena) checkGARTRangeLocked(start, n int) error {
	if n < 1 || start < 0 || start > len(a.ptes)-n {
		return fmt.Errorf("%w: [%d, %d) in table of %d", ErrRange, start, start+n, len(a.ptes))
	}
	return nil
}

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

// Stats is a snapshot of arena counters.
type Stats struct {
	// Allocs counts successful allocations.
	Allocs uint64

	// Frees counts frees, including releases and unreserves.
	Frees uint64

	// AllocFailures counts allocations that returned ErrNoSpace.
	AllocFailures uint64

	// ExhaustionFlushes counts whole-window flushes issued when the
	// allocation scan wrapped around.
	ExhaustionFlushes uint64

	// RangeFlushes counts flushes issued by Release.
	RangeFlushes uint64

	// Used is the number of allocated entries.
	Used int

	// Total is the number of entries in the table.
	Total int
}

// Stats returns a snapshot of the arena counters.
func (a *Arena) Stats() Stats {
	return Stats{
		Allocs:            a.allocs.Load(),
		Frees:             a.frees.Load(),
		AllocFailures:     a.allocFailures.Load(),
		ExhaustionFlushes: a.exhaustionFlushes.Load(),
		RangeFlushes:      a.rangeFlushes.Load(),
		Used:              a.Used(),
		Total:             len(a.ptes),
	}
}

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

// WindowID identifies a translation window to the platform.
type WindowID int

// Flusher invalidates the hardware translation cache for a window.
//
// FlushRange must be synchronous: once it returns, no in-flight or future
// hardware lookup observes entries in [start, end] as they were before the
// most recent free. end is inclusive.
type Flusher interface {
	FlushRange(id WindowID, start, end uint64)
}

// FlushFunc adapts a function to the Flusher interface.
type FlushFunc func(id WindowID, start, end uint64)

// FlushRange implements Flusher.FlushRange.
func (f FlushFunc) FlushRange(id WindowID, start, end uint64) {
	f(id, start, end)
}

// noFlush is used for arenas whose hardware has no translation cache.
type noFlush struct{}

// FlushRange implements Flusher.FlushRange.
func (noFlush) FlushRange(WindowID, uint64, uint64) {}

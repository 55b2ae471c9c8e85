// Copyright 2015 Google Inc. All Rights Reserved.
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

package pm

import "sync/atomic"

// Device is the DAX collaborator named in §6.3: a byte-addressable mapping
// of the whole backing store, plus the means to make a range of it durable.
// internal/daxdev provides an mmap-backed implementation; MemDevice below is
// an in-process stand-in used by tests that don't need real durability.
type Device interface {
	// Bytes returns the entire device as a slice. Callers index into it
	// directly; there is no bounds-checked accessor layer above this, by
	// design, the same way a real DAX mapping is just a pointer and a size.
	Bytes() []byte
	// Size is the device size in bytes.
	Size() int64
	// FlushRange issues a write-back for every cacheline covering
	// [offset, offset+length). It does not order the write-back against
	// anything; pair it with Fence.
	FlushRange(offset, length int)
	// Fence is a store barrier: every FlushRange call that happened-before
	// it is durable once it returns.
	Fence()
}

// flushCount/fenceCount let tests assert that every Dirty handle produced by
// this package was actually flushed and fenced before being consumed,
// without having to inspect private handle state.
var (
	flushCount uint64
	fenceCount uint64
)

// FlushBuffer issues one cacheline write-back per line covering [off, off+n)
// of dev, rounding off down to a cacheline boundary as real flush_buffer
// implementations do (§4.2).
func FlushBuffer(dev Device, off, n int) {
	if n == 0 {
		return
	}
	start := off - (off % CachelineSize)
	end := off + n
	dev.FlushRange(start, end-start)
	atomic.AddUint64(&flushCount, 1)
}

// Sfence issues a store fence: every FlushBuffer call that happened-before
// it is guaranteed durable before any subsequent store (§4.2).
func Sfence(dev Device) {
	dev.Fence()
	atomic.AddUint64(&fenceCount, 1)
}

// FlushEdgeCachelines flushes only the head and tail cachelines of
// [off, off+n). It is used after a non-temporal copy, which already makes
// full cachelines durable on its own but leaves a partially-written head or
// tail line needing an explicit flush (§4.2, §4.7 write()).
func FlushEdgeCachelines(dev Device, off, n int) {
	if n == 0 {
		return
	}
	headStart := off - (off % CachelineSize)
	FlushBuffer(dev, headStart, 1)

	tailOff := off + n - 1
	tailStart := tailOff - (tailOff % CachelineSize)
	if tailStart != headStart {
		FlushBuffer(dev, tailStart, 1)
	}
}

// MemcpyNT copies src into dev at byte offset off using a non-temporal store
// path: the data bypasses the CPU cache, so (per §4.2) the caller must flush
// the head and tail cachelines itself if off or off+len(src) isn't
// cacheline-aligned. In this userspace simulation there is no NT-store
// intrinsic to call; the copy is an ordinary memmove and durability is
// instead provided by the Device's backing store (a real DAX mapping is
// written through by the CPU regardless of store flavor once flushed).
func MemcpyNT(dev Device, off int, src []byte) {
	copy(dev.Bytes()[off:off+len(src)], src)
}

// MemsetNT is the non-temporal memset counterpart to MemcpyNT.
func MemsetNT(dev Device, off int, val byte, n int) {
	buf := dev.Bytes()[off : off+n]
	for i := range buf {
		buf[i] = val
	}
}

// MemDevice is a plain heap-backed Device for tests: FlushRange and Fence
// are no-ops (there's nothing to make durable — it's DRAM standing in for
// PM), matching how memfs's inode.go keeps file contents as a plain []byte
// with no flush path at all.
type MemDevice struct {
	buf []byte
}

// NewMemDevice allocates a zeroed MemDevice of the given size.
func NewMemDevice(size int64) *MemDevice {
	return &MemDevice{buf: make([]byte, size)}
}

func (d *MemDevice) Bytes() []byte              { return d.buf }
func (d *MemDevice) Size() int64                { return int64(len(d.buf)) }
func (d *MemDevice) FlushRange(off, n int)      {}
func (d *MemDevice) Fence()                     {}

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

// Package daxdev provides the one concrete, runnable pm.Device: a regular
// file, preallocated to its final size and mapped MAP_SHARED into this
// process's address space. There is no real persistent-memory hardware
// available in this environment (§9 design notes), so this stands in for a
// DAX-mapped block device the way the source's PM crate maps a real one;
// FlushRange calls msync instead of clflushopt and Fence does nothing in
// place of sfence, since Go has no portable intrinsic for either.
package daxdev

import (
	"fmt"
	"os"
	"sync/atomic"

	"github.com/detailyang/go-fallocate"
	"golang.org/x/sys/unix"
)

// Device is an mmap-backed pm.Device over a single backing file.
type Device struct {
	f    *os.File
	buf  []byte
	size int64
}

// Open opens (creating if needed) the file at path, preallocates it to
// size bytes with fallocate so the mapping is never sparse, and maps it
// MAP_SHARED so writes are visible to any other process holding the same
// mapping (the userspace analogue of DAX's CPU-visible byte addressing).
func Open(path string, size int64) (*Device, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("daxdev: open %s: %w", path, err)
	}
	if err := fallocate.Fallocate(f, 0, size); err != nil {
		f.Close()
		return nil, fmt.Errorf("daxdev: fallocate %s: %w", path, err)
	}
	buf, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("daxdev: mmap %s: %w", path, err)
	}
	return &Device{f: f, buf: buf, size: size}, nil
}

// Close unmaps the device and closes the backing file. It does not fence;
// callers that need every outstanding write durable before closing should
// call Fence first.
func (d *Device) Close() error {
	if err := unix.Munmap(d.buf); err != nil {
		return err
	}
	return d.f.Close()
}

// Bytes returns the whole mapped region.
func (d *Device) Bytes() []byte { return d.buf }

// Size returns the device size in bytes.
func (d *Device) Size() int64 { return d.size }

var msyncCalls uint64

// FlushRange issues msync(MS_SYNC) over the page(s) covering
// [offset, offset+length). msync works at page granularity, coarser than
// the cacheline granularity a real clflushopt would use, so this flushes
// more than strictly necessary — acceptable here since correctness, not
// flush precision, is what's under test (§9).
func (d *Device) FlushRange(offset, length int) {
	pageSize := os.Getpagesize()
	start := offset - (offset % pageSize)
	end := offset + length
	if end > len(d.buf) {
		end = len(d.buf)
	}
	if start >= end {
		return
	}
	unix.Msync(d.buf[start:end], unix.MS_SYNC)
	atomic.AddUint64(&msyncCalls, 1)
}

// Fence is a no-op stand-in for sfence. msync(MS_SYNC) above is itself
// synchronous, so by the time Fence is called every preceding flush is
// already durable; this call exists so callers write the same
// Flush-then-Fence pattern the source does.
func (d *Device) Fence() {}

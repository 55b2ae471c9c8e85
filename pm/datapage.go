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

import "github.com/hayleyfs/hayleyfs/hfserr"

// DataPageHandle is a typed wrapper over one file-data page: its descriptor
// (owning inode, byte offset of the page's first byte within the file) and the raw page
// bytes holding file contents. Unlike dir pages, whose content is an array
// of fixed dentry slots mutated one at a time, a data page's content is
// opaque bytes mutated by write() in whatever span the caller asks for
// (§4.7).
type DataPageHandle[P Persist, O Op] struct {
	dev     Device
	pageNum PageNum
	descOff int
	pageOff int
	guard   dropGuard
}

func (h DataPageHandle[P, O]) descriptor() rawDescriptor {
	return wrapDescriptor(h.dev.Bytes()[h.descOff : h.descOff+DescriptorSize])
}

// PageNum returns the page index this handle describes.
func (h DataPageHandle[P, O]) PageNum() PageNum { return h.pageNum }

// Ino returns the owning regular-file inode's number.
func (h DataPageHandle[P, O]) Ino() InodeNum { return h.descriptor().Ino() }

// FileOffset returns the byte offset within its file of this page's first
// byte (a multiple of PageSize), as recorded in the descriptor.
func (h DataPageHandle[P, O]) FileOffset() uint64 { return h.descriptor().Offset() }

// ReadAt copies up to len(dst) bytes starting at byte offset within, into
// dst. It is valid on any handle state; reads never need typestate
// protection, only writes do.
func (h DataPageHandle[P, O]) ReadAt(dst []byte, within int) int {
	n := copy(dst, h.dev.Bytes()[h.pageOff+within:h.pageOff+PageSize])
	return n
}

// AllocDataPage claims a free page-descriptor slot, returning a handle in
// (Dirty, Alloc).
func AllocDataPage(dev Device, g Geometry, pageNum PageNum) DataPageHandle[Dirty, Alloc] {
	return DataPageHandle[Dirty, Alloc]{
		dev: dev, pageNum: pageNum,
		descOff: descriptorOffset(g, pageNum),
		pageOff: pageContentOffset(g, pageNum),
		guard:   newDropGuard("data page allocated but never reached Clean"),
	}
}

// InitDataPage writes the descriptor's owning inode and logical file
// offset and tags it PageData. The page content is left untouched here;
// callers only ever reach this for the next dense page in the file, never
// to fill a gap (§4.7).
func InitDataPage(h DataPageHandle[Dirty, Alloc], owner InodeNum, fileOffset uint64) DataPageHandle[Dirty, Init] {
	d := h.descriptor()
	d.setIno(owner)
	d.setOffset(fileOffset)
	d.setPageType(PageData)
	return DataPageHandle[Dirty, Init]{dev: h.dev, pageNum: h.pageNum, descOff: h.descOff, pageOff: h.pageOff, guard: h.guard}
}

// FlushDataPage flushes the descriptor slot.
func FlushDataPage[O Op](h DataPageHandle[Dirty, O]) DataPageHandle[InFlight, O] {
	FlushBuffer(h.dev, h.descOff, DescriptorSize)
	return DataPageHandle[InFlight, O]{dev: h.dev, pageNum: h.pageNum, descOff: h.descOff, pageOff: h.pageOff, guard: h.guard}
}

// FenceDataPage transitions an InFlight handle to Clean, keeping its
// op-state; MakeWriteable below is how a freshly fenced Init page becomes
// Writeable, the only op-state Write accepts.
func FenceDataPage[O Op](h DataPageHandle[InFlight, O]) DataPageHandle[Clean, O] {
	Sfence(h.dev)
	return DataPageHandle[Clean, O]{dev: h.dev, pageNum: h.pageNum, descOff: h.descOff, pageOff: h.pageOff, guard: h.guard}
}

// MakeWriteable lifts a Clean, newly initialized data page into the
// Writeable op-state so Write can be called on it.
func MakeWriteable(h DataPageHandle[Clean, Init]) DataPageHandle[Clean, Writeable] {
	return DataPageHandle[Clean, Writeable]{dev: h.dev, pageNum: h.pageNum, descOff: h.descOff, pageOff: h.pageOff, guard: h.guard}
}

// ReuseWriteable re-enters the Writeable state on an already Clean,
// already-initialized existing page (the Start state from a lookup),
// for a write() that lands inside a page it didn't just allocate.
func ReuseWriteable(h DataPageHandle[Clean, Start]) DataPageHandle[Clean, Writeable] {
	return DataPageHandle[Clean, Writeable]{dev: h.dev, pageNum: h.pageNum, descOff: h.descOff, pageOff: h.pageOff, guard: h.guard}
}

// Write copies src into the page content at byte offset within using a
// non-temporal store, transitioning Writeable to Written. The caller must
// not cross a page boundary; write() in the root package splits a
// multi-page request into one Write call per page (§4.7).
func Write(h DataPageHandle[Clean, Writeable], within int, src []byte) (DataPageHandle[Dirty, Written], error) {
	if within < 0 || within+len(src) > PageSize {
		return DataPageHandle[Dirty, Written]{}, hfserr.Invalid
	}
	h.guard.clear()
	MemcpyNT(h.dev, h.pageOff+within, src)
	return DataPageHandle[Dirty, Written]{dev: h.dev, pageNum: h.pageNum, descOff: h.descOff, pageOff: h.pageOff, guard: newDropGuard("data page written but never reached Clean")}, nil
}

// FlushWritten flushes only the head and tail cachelines touched by a
// non-temporal write, rather than the whole descriptor, since the NT store
// itself already makes interior cachelines durable (§4.2).
func FlushWritten(h DataPageHandle[Dirty, Written], within, n int) DataPageHandle[InFlight, Written] {
	FlushEdgeCachelines(h.dev, h.pageOff+within, n)
	return DataPageHandle[InFlight, Written]{dev: h.dev, pageNum: h.pageNum, descOff: h.descOff, pageOff: h.pageOff, guard: h.guard}
}

// ToUnmapDataPage marks a Clean, initialized data page as selected for
// truncation.
func ToUnmapDataPage[O Initialized](h DataPageHandle[Clean, O]) DataPageHandle[Dirty, ToUnmap] {
	h.guard.clear()
	return DataPageHandle[Dirty, ToUnmap]{dev: h.dev, pageNum: h.pageNum, descOff: h.descOff, pageOff: h.pageOff, guard: newDropGuard("data page marked for unmap but never reached Clean")}
}

// ClearDataPage clears the descriptor's backpointer and offset.
func ClearDataPage(h DataPageHandle[Clean, ToUnmap]) DataPageHandle[Dirty, ClearIno] {
	h.guard.clear()
	d := h.descriptor()
	d.setIno(0)
	d.setOffset(0)
	d.setPageType(PageNone)
	return DataPageHandle[Dirty, ClearIno]{dev: h.dev, pageNum: h.pageNum, descOff: h.descOff, pageOff: h.pageOff, guard: newDropGuard("data page descriptor cleared but never reached Clean")}
}

// DeallocDataPage marks a cleared page descriptor as fully deallocated.
func DeallocDataPage(h DataPageHandle[Clean, ClearIno]) (DataPageHandle[Clean, Dealloc], error) {
	if !h.descriptor().IsFree() {
		return DataPageHandle[Clean, Dealloc]{}, hfserr.Invalid
	}
	h.guard.clear()
	return DataPageHandle[Clean, Dealloc]{dev: h.dev, pageNum: h.pageNum, descOff: h.descOff, pageOff: h.pageOff}, nil
}

// CompleteDataPage marks a Clean data page handle as safe to drop without
// ending the page's own lifetime on PM.
func CompleteDataPage[O Op](h DataPageHandle[Clean, O]) {
	h.guard.clear()
}

// WrapDataPageForRecovery wraps a descriptor slot already known to describe
// a data page, without re-validating its type tag.
func WrapDataPageForRecovery(dev Device, g Geometry, pageNum PageNum) DataPageHandle[Clean, Start] {
	return DataPageHandle[Clean, Start]{dev: dev, pageNum: pageNum, descOff: descriptorOffset(g, pageNum), pageOff: pageContentOffset(g, pageNum)}
}

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

// DirPageHandle is a typed wrapper over one directory page: its page
// descriptor (ino backpointer, page type) plus the page of dentry slots it
// describes. Descriptor slot i always describes data/dir page i, so the two
// regions share one offset computation (§6.2's "one descriptor per page").
type DirPageHandle[P Persist, O Op] struct {
	dev      Device
	pageNum  PageNum
	descOff  int
	pageOff  int
	guard    dropGuard
}

func descriptorOffset(g Geometry, pageNum PageNum) int {
	return int(g.DescTableStart)*PageSize + int(pageNum)*DescriptorSize
}

func pageContentOffset(g Geometry, pageNum PageNum) int {
	return int(g.DataStart+pageNum) * PageSize
}

func (h DirPageHandle[P, O]) descriptor() rawDescriptor {
	return wrapDescriptor(h.dev.Bytes()[h.descOff : h.descOff+DescriptorSize])
}

// PageNum returns the page index this handle describes.
func (h DirPageHandle[P, O]) PageNum() PageNum { return h.pageNum }

// Ino returns the owning directory inode's number, as recorded in the page
// descriptor's backpointer.
func (h DirPageHandle[P, O]) Ino() InodeNum { return h.descriptor().Ino() }

// Dentry returns a handle to dentry slot i within this page (0-based), for
// reading or for beginning a mutation chain.
func (h DirPageHandle[P, O]) Dentry(i int) DentryHandle[Clean, Start] {
	off := h.pageOff + i*DentrySize
	return DentryHandle[Clean, Start]{dev: h.dev, off: off}
}

// NumDentrySlots is the number of dentry slots a directory page holds.
func (h DirPageHandle[P, O]) NumDentrySlots() int { return DentriesPerPage }

// AllocDirPage claims a free page-descriptor slot (already known free by the
// caller, typically via the page allocator) and returns a handle in
// (Dirty, Alloc). Neither the descriptor nor the page content has been
// touched yet.
func AllocDirPage(dev Device, g Geometry, pageNum PageNum) DirPageHandle[Dirty, Alloc] {
	return DirPageHandle[Dirty, Alloc]{
		dev: dev, pageNum: pageNum,
		descOff: descriptorOffset(g, pageNum),
		pageOff: pageContentOffset(g, pageNum),
		guard:   newDropGuard("dir page allocated but never reached Clean"),
	}
}

// InitDirPage zeroes the page's dentry slots and writes the descriptor's
// ino backpointer and PageDir type tag (§4.6 mkdir step 1).
func InitDirPage(h DirPageHandle[Dirty, Alloc], owner InodeNum) DirPageHandle[Dirty, Init] {
	MemsetNT(h.dev, h.pageOff, 0, PageSize)
	d := h.descriptor()
	d.setIno(owner)
	d.setOffset(0)
	d.setPageType(PageDir)
	return DirPageHandle[Dirty, Init]{dev: h.dev, pageNum: h.pageNum, descOff: h.descOff, pageOff: h.pageOff, guard: h.guard}
}

// FlushDirPage flushes the descriptor slot (the page content is flushed
// separately, dentry-by-dentry, by dentry.go, since dentries are written
// individually rather than as a whole page after the initial zeroing).
func FlushDirPage[O Op](h DirPageHandle[Dirty, O]) DirPageHandle[InFlight, O] {
	FlushBuffer(h.dev, h.descOff, DescriptorSize)
	return DirPageHandle[InFlight, O]{dev: h.dev, pageNum: h.pageNum, descOff: h.descOff, pageOff: h.pageOff, guard: h.guard}
}

// FenceDirPage transitions an InFlight handle to Clean.
func FenceDirPage[O Op](h DirPageHandle[InFlight, O]) DirPageHandle[Clean, O] {
	Sfence(h.dev)
	return DirPageHandle[Clean, O]{dev: h.dev, pageNum: h.pageNum, descOff: h.descOff, pageOff: h.pageOff, guard: h.guard}
}

// ToUnmapDirPage marks a Clean, initialized dir page as selected for
// removal (rmdir reclaiming the last page of an otherwise-empty directory).
func ToUnmapDirPage[O Initialized](h DirPageHandle[Clean, O]) DirPageHandle[Dirty, ToUnmap] {
	h.guard.clear()
	return DirPageHandle[Dirty, ToUnmap]{dev: h.dev, pageNum: h.pageNum, descOff: h.descOff, pageOff: h.pageOff, guard: newDropGuard("dir page marked for unmap but never reached Clean")}
}

// ClearDirPage clears the descriptor's backpointer, transitioning to
// ClearIno. The page content itself need not be re-zeroed; InitDirPage will
// zero it again on reuse.
func ClearDirPage(h DirPageHandle[Clean, ToUnmap]) DirPageHandle[Dirty, ClearIno] {
	h.guard.clear()
	d := h.descriptor()
	d.setIno(0)
	d.setPageType(PageNone)
	return DirPageHandle[Dirty, ClearIno]{dev: h.dev, pageNum: h.pageNum, descOff: h.descOff, pageOff: h.pageOff, guard: newDropGuard("dir page descriptor cleared but never reached Clean")}
}

// DeallocDirPage marks a Clean, cleared page descriptor as fully
// deallocated and safe to return to the volatile free-page pool.
func DeallocDirPage(h DirPageHandle[Clean, ClearIno]) (DirPageHandle[Clean, Dealloc], error) {
	if !h.descriptor().IsFree() {
		return DirPageHandle[Clean, Dealloc]{}, hfserr.Invalid
	}
	h.guard.clear()
	return DirPageHandle[Clean, Dealloc]{dev: h.dev, pageNum: h.pageNum, descOff: h.descOff, pageOff: h.pageOff}, nil
}

// CompleteDirPage marks a Clean dir page handle as safe to drop: the page
// itself remains live PM state, this only retires the local handle value so
// the drop-guard finalizer doesn't fire on it.
func CompleteDirPage[O Op](h DirPageHandle[Clean, O]) {
	h.guard.clear()
}

// WrapDirPageForRecovery wraps a descriptor slot already known (by the
// recovery scan) to describe a directory page, without re-validating its
// type tag.
func WrapDirPageForRecovery(dev Device, g Geometry, pageNum PageNum) DirPageHandle[Clean, Start] {
	return DirPageHandle[Clean, Start]{dev: dev, pageNum: pageNum, descOff: descriptorOffset(g, pageNum), pageOff: pageContentOffset(g, pageNum)}
}

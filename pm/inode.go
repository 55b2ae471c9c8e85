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

// InodeHandle is a typed wrapper around one inode slot in the inode table.
// It carries the slot's persistence state (Dirty/InFlight/Clean) and
// operation state (Start/Alloc/Init/IncLink/IncSize/Complete/...) as phantom
// type parameters; the only way to mutate the underlying bytes is to call
// one of the functions below, each defined for exactly one (Persist, Op)
// pair (§4.1).
type InodeHandle[P Persist, O Op] struct {
	dev   Device
	ino   InodeNum
	off   int // byte offset of this slot within dev
	guard dropGuard
}

// Ino returns the inode number this handle refers to.
func (h InodeHandle[P, O]) Ino() InodeNum { return h.ino }

func inodeOffset(g Geometry, ino InodeNum) int {
	return int(g.InoTableStart)*PageSize + int(ino)*InodeSlotSize
}

func (h InodeHandle[P, O]) raw() rawInode {
	return wrapInode(h.dev.Bytes()[h.off : h.off+InodeSlotSize])
}

// GetInitInodeByIno wraps an already-Clean, already-initialized inode slot
// for reading or for starting a new mutation chain (the Start state doubles
// as both, matching InodeWrapper<Clean, Start> in the source). It fails if
// the slot is not initialized.
func GetInitInodeByIno(dev Device, g Geometry, ino InodeNum) (InodeHandle[Clean, Start], error) {
	if ino == 0 || ino >= g.NumInodes {
		return InodeHandle[Clean, Start]{}, hfserr.Invalid
	}
	h := InodeHandle[Clean, Start]{dev: dev, ino: ino, off: inodeOffset(g, ino)}
	if !h.raw().IsInitialized() {
		return InodeHandle[Clean, Start]{}, hfserr.NoEntry
	}
	return h, nil
}

// WrapForRecovery wraps a slot without checking initialization, for use by
// the recovery scan which must inspect every slot including uninitialized
// and orphaned ones.
func WrapForRecovery(dev Device, g Geometry, ino InodeNum) InodeHandle[Clean, Start] {
	return InodeHandle[Clean, Start]{dev: dev, ino: ino, off: inodeOffset(g, ino)}
}

// IsInitialized reports whether the wrapped slot currently has ino != 0 and
// link_count != 0 (§3.1).
func (h InodeHandle[P, O]) IsInitialized() bool { return h.raw().IsInitialized() }

// LinkCount, Mode, Size, and Type read the corresponding inode fields. They
// are valid on any handle, including Start handles used purely for reading.
func (h InodeHandle[P, O]) LinkCount() uint16 { return h.raw().LinkCount() }
func (h InodeHandle[P, O]) Mode() uint16      { return h.raw().Mode() }
func (h InodeHandle[P, O]) Size() uint64      { return h.raw().Size() }
func (h InodeHandle[P, O]) Type() InodeType   { return h.raw().Type() }
func (h InodeHandle[P, O]) Atime() uint64     { return h.raw().Atime() }
func (h InodeHandle[P, O]) Mtime() uint64     { return h.raw().Mtime() }
func (h InodeHandle[P, O]) Ctime() uint64     { return h.raw().Ctime() }

// InodeInit is the full set of fields written when an inode slot transitions
// from Alloc to Init (§4.6 mkdir step 2, create).
type InodeInit struct {
	Mode                  uint16
	Type                  InodeType
	LinkCount             uint16
	Atime, Mtime, Ctime   uint64
}

// AllocInode claims an already-allocator-issued ino and returns a handle in
// (Dirty, Alloc) — the slot bytes are not yet touched.
func AllocInode(dev Device, g Geometry, ino InodeNum) InodeHandle[Dirty, Alloc] {
	return InodeHandle[Dirty, Alloc]{
		dev: dev, ino: ino, off: inodeOffset(g, ino),
		guard: newDropGuard("inode allocated but never reached Clean"),
	}
}

// InitInode writes the inode's fields (mode, link count, type, timestamps)
// and sets ino last so that IsInitialized only becomes true once every other
// field is already in place, matching the "ino != 0 ∧ link_count != 0"
// initialization predicate in §3.1.
func InitInode(h InodeHandle[Dirty, Alloc], fields InodeInit) InodeHandle[Dirty, Init] {
	r := h.raw()
	r.setMode(fields.Mode)
	r.setType(fields.Type)
	r.setAtime(fields.Atime)
	r.setMtime(fields.Mtime)
	r.setCtime(fields.Ctime)
	r.setSize(0)
	r.setLinkCount(fields.LinkCount)
	r.setIno(h.ino)
	return InodeHandle[Dirty, Init]{dev: h.dev, ino: h.ino, off: h.off, guard: h.guard}
}

// FlushInode transitions any Dirty inode handle to InFlight by issuing a
// cacheline write-back over the whole slot.
func FlushInode[O Op](h InodeHandle[Dirty, O]) InodeHandle[InFlight, O] {
	FlushBuffer(h.dev, h.off, InodeSlotSize)
	return InodeHandle[InFlight, O]{dev: h.dev, ino: h.ino, off: h.off, guard: h.guard}
}

// FenceInode transitions any InFlight inode handle to Clean with a store
// fence. Callers that need to fence several handles as one group should use
// Sfence directly and FenceInodeUnsafe (documented below) for all but the
// last of them.
func FenceInode[O Op](h InodeHandle[InFlight, O]) InodeHandle[Clean, O] {
	Sfence(h.dev)
	return InodeHandle[Clean, O]{dev: h.dev, ino: h.ino, off: h.off, guard: h.guard}
}

// FenceInodeUnsafe transitions to Clean without issuing a fence. It must
// only be used immediately before or after a separate Sfence call covering
// this handle's writes — the same "batched fence" escape hatch the source
// reserves for its group-fence macros (§4.1).
func FenceInodeUnsafe[O Op](h InodeHandle[InFlight, O]) InodeHandle[Clean, O] {
	return InodeHandle[Clean, O]{dev: h.dev, ino: h.ino, off: h.off, guard: h.guard}
}

// IncLink increments the link count of an already-Clean inode in any
// Initialized op-state (Start or Init), producing a Dirty handle in the
// IncLink state. Used by link(2) and mkdir's parent link_count bump.
func IncLink[O Initialized](h InodeHandle[Clean, O]) InodeHandle[Dirty, IncLink] {
	h.guard.clear()
	r := h.raw()
	r.setLinkCount(r.LinkCount() + 1)
	return InodeHandle[Dirty, IncLink]{dev: h.dev, ino: h.ino, off: h.off, guard: newDropGuard("inode link count incremented but never reached Clean")}
}

// DecLink decrements the link count of a Clean, initialized inode. Used by
// unlink(2) and rmdir's parent link_count decrement.
func DecLink[O Initialized](h InodeHandle[Clean, O]) InodeHandle[Dirty, IncLink] {
	h.guard.clear()
	r := h.raw()
	r.setLinkCount(r.LinkCount() - 1)
	return InodeHandle[Dirty, IncLink]{dev: h.dev, ino: h.ino, off: h.off, guard: newDropGuard("inode link count decremented but never reached Clean")}
}

// SetLinkCountZero forces an inode's link count straight to zero,
// transitioning to IncLink like the single-step IncLink/DecLink functions.
// rmdir uses this rather than two DecLink calls to drop both a directory's
// self-reference and its parent dentry's link at once, since IncLink's
// op-state does not itself satisfy Initialized and so cannot be
// decremented a second time without an intervening Clean, Initialized
// re-wrap (§4.6 rmdir).
func SetLinkCountZero[O Initialized](h InodeHandle[Clean, O]) InodeHandle[Dirty, IncLink] {
	h.guard.clear()
	h.raw().setLinkCount(0)
	return InodeHandle[Dirty, IncLink]{dev: h.dev, ino: h.ino, off: h.off, guard: newDropGuard("inode link count zeroed but never reached Clean")}
}

// SetSize updates the inode's size field, transitioning to IncSize. Used by
// write() when a write extends the file and by truncate().
func SetSize[O Initialized](h InodeHandle[Clean, O], size uint64) InodeHandle[Dirty, IncSize] {
	h.guard.clear()
	h.raw().setSize(size)
	return InodeHandle[Dirty, IncSize]{dev: h.dev, ino: h.ino, off: h.off, guard: newDropGuard("inode size updated but never reached Clean")}
}

// ClearInodeSlot zeroes a Clean inode slot whose link count has already
// reached zero, transitioning to ClearIno. This is the terminal mutation of
// unlink/rmdir once the last link is gone (§4.6).
func ClearInodeSlot(h InodeHandle[Clean, IncLink]) (InodeHandle[Dirty, ClearIno], error) {
	if h.raw().LinkCount() != 0 {
		return InodeHandle[Dirty, ClearIno]{}, hfserr.Invalid
	}
	h.guard.clear()
	r := h.raw()
	r.setIno(0)
	r.setMode(0)
	r.setSize(0)
	r.setType(TypeNone)
	return InodeHandle[Dirty, ClearIno]{dev: h.dev, ino: h.ino, off: h.off, guard: newDropGuard("inode slot cleared but never reached Clean")}, nil
}

// CompleteInode marks a Clean handle as the terminal, safe-to-drop state of a
// successful operation.
func CompleteInode[O Op](h InodeHandle[Clean, O]) InodeHandle[Clean, Complete] {
	h.guard.clear()
	return InodeHandle[Clean, Complete]{dev: h.dev, ino: h.ino, off: h.off}
}

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

// DentryHandle is a typed wrapper over one dentry slot within a directory
// page. DirPageHandle.Dentry hands these out by slot index; this package
// knows nothing about which directory page a dentry lives in beyond its
// raw byte offset.
type DentryHandle[P Persist, O Op] struct {
	dev Device
	off int
	guard dropGuard
}

func (h DentryHandle[P, O]) raw() rawDentry {
	return wrapDentry(h.dev.Bytes()[h.off : h.off+DentrySize])
}

// IsFree reports whether this slot currently holds no entry.
func (h DentryHandle[P, O]) IsFree() bool { return h.raw().IsFree() }

// Ino, Name, and RenamePtr read the slot's fields. Valid in any state.
func (h DentryHandle[P, O]) Ino() InodeNum     { return h.raw().Ino() }
func (h DentryHandle[P, O]) Name() string      { return h.raw().Name() }
func (h DentryHandle[P, O]) RenamePtr() uint64 { return h.raw().RenamePtr() }

// AllocDentry claims a free dentry slot, returning a (Dirty, Alloc) handle.
// The caller (the volatile per-directory dentry-slot index) is responsible
// for having established that the slot was actually free.
func AllocDentry(h DentryHandle[Clean, Start]) DentryHandle[Dirty, Alloc] {
	return DentryHandle[Dirty, Alloc]{dev: h.dev, off: h.off, guard: newDropGuard("dentry allocated but never reached Clean")}
}

// InitDentry writes the name and target ino of a new directory entry,
// setting ino last (as InitInode does) so a nonzero ino never appears
// without its name; a crash in between leaves a named slot with ino 0,
// which recovery clears (§4.6 link/create/mkdir).
func InitDentry(h DentryHandle[Dirty, Alloc], name string, ino InodeNum) (DentryHandle[Dirty, Init], error) {
	r := h.raw()
	if !r.setName(name) {
		h.guard.clear()
		return DentryHandle[Dirty, Init]{}, hfserr.NameTooLong
	}
	r.setRenamePtr(0)
	r.setIno(ino)
	return DentryHandle[Dirty, Init]{dev: h.dev, off: h.off, guard: h.guard}, nil
}

// InitDentryForRename writes the destination slot of a rename (§4.6 rename
// step 1): the new name and a rename_ptr back to the source dentry's own
// byte offset, with ino left at 0 so a crash before the commit step (step
// 2) leaves no name yet pointing at a live inode. Unlike InitDentry, the
// rename_ptr is the caller's to supply rather than always zero.
func InitDentryForRename(h DentryHandle[Dirty, Alloc], name string, srcOffset uint64) (DentryHandle[Dirty, Init], error) {
	r := h.raw()
	if !r.setName(name) {
		h.guard.clear()
		return DentryHandle[Dirty, Init]{}, hfserr.NameTooLong
	}
	r.setRenamePtr(srcOffset)
	r.setIno(0)
	return DentryHandle[Dirty, Init]{dev: h.dev, off: h.off, guard: h.guard}, nil
}

// CommitRenameIno sets the already-prepared destination dentry's ino to the
// value being moved in — the commit point of a rename (§4.6 rename step 2):
// once this is durable, recovery always prefers the destination over the
// source no matter what happens next (§4.8, §8 E6).
func CommitRenameIno(h DentryHandle[Clean, Init], ino InodeNum) DentryHandle[Dirty, Init] {
	h.raw().setIno(ino)
	return DentryHandle[Dirty, Init]{dev: h.dev, off: h.off, guard: h.guard}
}

// FlushDentry transitions a Dirty handle in any op-state to InFlight.
func FlushDentry[O Op](h DentryHandle[Dirty, O]) DentryHandle[InFlight, O] {
	FlushBuffer(h.dev, h.off, DentrySize)
	return DentryHandle[InFlight, O]{dev: h.dev, off: h.off, guard: h.guard}
}

// FenceDentry transitions an InFlight handle to Clean.
func FenceDentry[O Op](h DentryHandle[InFlight, O]) DentryHandle[Clean, O] {
	Sfence(h.dev)
	return DentryHandle[Clean, O]{dev: h.dev, off: h.off, guard: h.guard}
}

// SetRenamePtr points an already-live dentry's rename_ptr field at another
// dentry's slot offset. h.guard is cleared first so this never leaks an
// armed finalizer out from under whatever mutation produced h — the new
// guard below is the only one tracking this slot from here on.
func SetRenamePtr[O Initialized](h DentryHandle[Clean, O], destOff uint64) DentryHandle[Dirty, Init] {
	h.guard.clear()
	h.raw().setRenamePtr(destOff)
	return DentryHandle[Dirty, Init]{dev: h.dev, off: h.off, guard: newDropGuard("dentry rename_ptr set but never reached Clean")}
}

// ClearRenamePtr resets rename_ptr to 0 once a rename has committed or been
// rolled back. Generic over any Initialized op-state so recovery can call it
// on a Start handle recovered straight off PM, not just one freshly produced
// within the same operation. Clears h.guard first for the same reason
// SetRenamePtr does.
func ClearRenamePtr[O Initialized](h DentryHandle[Clean, O]) DentryHandle[Dirty, Init] {
	h.guard.clear()
	h.raw().setRenamePtr(0)
	return DentryHandle[Dirty, Init]{dev: h.dev, off: h.off, guard: newDropGuard("dentry rename_ptr cleared but never reached Clean")}
}

// ClearDentry zeroes a live dentry slot's ino, transitioning to ClearIno.
// Used by unlink/rmdir/rename to remove a name.
func ClearDentry[O Initialized](h DentryHandle[Clean, O]) DentryHandle[Dirty, ClearIno] {
	h.guard.clear()
	r := h.raw()
	r.setIno(0)
	r.setRenamePtr(0)
	return DentryHandle[Dirty, ClearIno]{dev: h.dev, off: h.off, guard: newDropGuard("dentry cleared but never reached Clean")}
}

// DeallocDentry marks a Clean, cleared dentry slot as deallocated, zeroing
// its name bytes so IsFree holds for the next allocation.
func DeallocDentry(h DentryHandle[Clean, ClearIno]) (DentryHandle[Clean, Dealloc], error) {
	r := h.raw()
	if r.Ino() != 0 {
		return DentryHandle[Clean, Dealloc]{}, hfserr.Invalid
	}
	r.setName("")
	h.guard.clear()
	return DentryHandle[Clean, Dealloc]{dev: h.dev, off: h.off}, nil
}

// CompleteDentry marks a Clean dentry handle as the terminal, safe-to-drop
// state of a successful operation, for a slot that stays live on PM (a
// dentry that was written, not one being deallocated — DeallocDentry already
// clears the guard for that path).
func CompleteDentry[O Op](h DentryHandle[Clean, O]) DentryHandle[Clean, Complete] {
	h.guard.clear()
	return DentryHandle[Clean, Complete]{dev: h.dev, off: h.off}
}

// WrapDentryForRecovery wraps an arbitrary dentry slot for the recovery
// scan, given the byte offset of its containing directory page plus the
// slot index within it.
func WrapDentryForRecovery(dev Device, pageByteOffset int, slot int) DentryHandle[Clean, Start] {
	return DentryHandle[Clean, Start]{dev: dev, off: pageByteOffset + slot*DentrySize}
}

// Offset returns this dentry's absolute byte offset on the device, the
// value stored in a rename destination's rename_ptr field (pointing back at
// the source it is replacing).
func (h DentryHandle[P, O]) Offset() uint64 { return uint64(h.off) }

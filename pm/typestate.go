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

import (
	"runtime"
	"sync/atomic"
)

// Persist is the phantom persistence-state tag carried by every PM handle:
// Dirty (modified in the CPU cache, not flushed), InFlight (write-back
// issued, not fenced), or Clean (durable and visible to every CPU). Only
// Dirty handles can be flushed, and only InFlight handles can be fenced —
// there is no operation that goes straight from Dirty to Clean (§4.1).
type Persist interface {
	persistState()
}

// Dirty PM state: modified in the CPU cache, not yet flushed.
type Dirty struct{}

// InFlight PM state: a write-back has been issued but not yet fenced.
type InFlight struct{}

// Clean PM state: durable and visible to every CPU.
type Clean struct{}

func (Dirty) persistState()    {}
func (InFlight) persistState() {}
func (Clean) persistState()    {}

// Op is the phantom operation-state tag. Each concrete Op type names one
// point in one object's lifecycle (§4.1); mutation functions in inode.go,
// dirpage.go, datapage.go, and dentry.go are each defined for exactly one
// (Persist, Op) pair (encoded as a free function rather than a method, since
// Go methods cannot specialize on a concrete instantiation of their
// receiver's type parameters the way Rust impl blocks can).
type Op interface {
	opState()
}

type (
	// Start is the state of a handle freshly wrapped around an already
	// Clean, already-initialized PM object (or the root of a read path).
	Start struct{}
	// Free is the state of a deallocated, zeroed slot.
	Free struct{}
	// Alloc is the state right after a page/ino/dentry slot has been
	// claimed from an allocator but before its owner fields are set.
	Alloc struct{}
	// Init is the state of a newly-initialized inode or page descriptor.
	Init struct{}
	// Writeable is the state of a data page whose backpointer is set and
	// which is ready to receive a write.
	Writeable struct{}
	// Written is the state right after a non-temporal copy into a data
	// page, before its edge cachelines are flushed.
	Written struct{}
	// IncLink is the state right after an inode's link_count has been
	// incremented.
	IncLink struct{}
	// IncSize is the state right after an inode's size field has grown.
	IncSize struct{}
	// ClearIno is the state right after a dentry or page descriptor's ino
	// backpointer has been cleared, before the rest of the slot is zeroed.
	ClearIno struct{}
	// ToUnmap marks a data page selected for truncation, before its
	// backpointer is cleared.
	ToUnmap struct{}
	// Dealloc is the state right after a slot has been fully zeroed, before
	// it is returned to the volatile allocator.
	Dealloc struct{}
	// Complete is the terminal state of a successful operation.
	Complete struct{}
)

func (Start) opState()     {}
func (Free) opState()      {}
func (Alloc) opState()     {}
func (Init) opState()      {}
func (Writeable) opState() {}
func (Written) opState()   {}
func (IncLink) opState()   {}
func (IncSize) opState()   {}
func (ClearIno) opState()  {}
func (ToUnmap) opState()   {}
func (Dealloc) opState()   {}
func (Complete) opState()  {}

// Initialized is implemented by the op-states from which a handle is known
// to refer to a fully initialized PM object: Start (already-initialized,
// wrapped for reading) and Init (just initialized by this operation).
type Initialized interface {
	Op
	initialized()
}

func (Start) initialized() {}
func (Init) initialized()  {}

// AddLink is implemented by the op-states after which it is legal to point
// a dentry at an inode: Alloc (freshly allocated, link count about to be
// set) and IncLink (link count just incremented for an existing inode, as
// in link(2)).
type AddLink interface {
	Op
	addLink()
}

func (Alloc) addLink()   {}
func (IncLink) addLink() {}

// CanWrite is implemented by the op-states from which a data page may
// receive a write: Writeable (existing page) and Init (never actually used
// for data pages today, kept for symmetry with the source's trait).
type CanWrite interface {
	Op
	canWrite()
}

func (Writeable) canWrite() {}
func (Init) canWrite()      {}

// dropGuard is the runtime stand-in for the source's DropType::Panic: a PM
// handle in any state other than Start, Clean+Free, or Clean+Complete marks
// itself undroppable by arming a finalizer that panics if the handle is
// garbage collected before being cleared. Go has no deterministic
// destructors, so unlike the typestate system itself (which makes it a
// compile error to skip a flush or fence), this is only a best-effort
// safety net — exactly the fallback the design notes call out for
// languages without an affine type discipline (§9).
type dropGuard struct {
	cleared *int32
}

func newDropGuard(msg string) dropGuard {
	cleared := new(int32)
	runtime.SetFinalizer(cleared, func(c *int32) {
		if atomic.LoadInt32(c) == 0 {
			panic("hayleyfs/pm: " + msg)
		}
	})
	return dropGuard{cleared: cleared}
}

// clear marks the guarded handle as having reached a safe-to-drop state.
func (g dropGuard) clear() {
	if g.cleared != nil {
		atomic.StoreInt32(g.cleared, 1)
	}
}

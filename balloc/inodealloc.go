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

package balloc

import (
	"sync"

	"github.com/hayleyfs/hayleyfs/hfserr"
	"github.com/hayleyfs/hayleyfs/pm"
)

// InodeAllocator hands out inode numbers. The default mode is a monotonic
// counter, same as the source's everyday path: inode numbers are never
// reused within the life of a mount, which sidesteps an entire class of
// stale-reference bugs at the cost of bounding total file creations by the
// inode table's slot count.
type InodeAllocator struct {
	mu   sync.Mutex
	next pm.InodeNum
	max  pm.InodeNum

	reclaim bool
	free    []pm.InodeNum // only used when reclaim is true
}

// NewInodeAllocator builds a monotonic allocator whose first issued ino is
// start (typically 2, since 1 is RootIno) and which refuses to allocate
// past max (the inode table's slot count).
func NewInodeAllocator(start, max pm.InodeNum) *InodeAllocator {
	return &InodeAllocator{next: start, max: max}
}

// NewReclaimingInodeAllocator builds the supplemented variant (see
// SPEC_FULL.md's "reclaiming inode allocator") that reuses inode numbers
// freed by unlink/rmdir once their link count has dropped to zero and the
// slot has been cleared, instead of only ever counting upward. free is an
// initial set of already-cleared, reusable slots. Neither Format nor Recover
// builds this variant; a mount always uses NewInodeAllocator.
func NewReclaimingInodeAllocator(start, max pm.InodeNum, free []pm.InodeNum) *InodeAllocator {
	return &InodeAllocator{next: start, max: max, reclaim: true, free: append([]pm.InodeNum(nil), free...)}
}

// Alloc returns an unused inode number, or hfserr.NoSpace if the inode
// table is full (and, in reclaiming mode, no cleared slot is available
// either).
func (a *InodeAllocator) Alloc() (pm.InodeNum, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.reclaim && len(a.free) > 0 {
		n := len(a.free) - 1
		v := a.free[n]
		a.free = a.free[:n]
		return v, nil
	}
	if a.next >= a.max {
		return 0, hfserr.NoSpace
	}
	v := a.next
	a.next++
	return v, nil
}

// Dealloc returns ino to the free list. It is a no-op unless the allocator
// was built with NewReclaimingInodeAllocator; the default monotonic
// allocator never reuses numbers, so there is nothing to record.
func (a *InodeAllocator) Dealloc(ino pm.InodeNum) {
	if !a.reclaim {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.free = append(a.free, ino)
}

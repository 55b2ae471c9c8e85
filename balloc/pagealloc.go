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

// Package balloc implements the volatile page and inode allocators (§4.3,
// §4.4): structures that track which PM slots are free, entirely in DRAM,
// rebuilt from a device scan on every mount (§4.8).
package balloc

import (
	"sync"

	"github.com/hayleyfs/hayleyfs/hfserr"
	"github.com/hayleyfs/hayleyfs/pm"
)

// PageAllocator hands out free page-descriptor-table slots. It keeps one
// free-list pool per CPU to avoid cross-core contention on the common path;
// when a CPU's own pool runs dry it steals from whichever other pool
// currently holds the most free pages, matching PerCpuPageAllocator's
// fallback in the source.
type PageAllocator struct {
	pools []pagePool
}

type pagePool struct {
	mu    sync.Mutex
	pages []pm.PageNum
}

// NewPageAllocator builds a PageAllocator with the given CPU count and
// seeds its pools by round-robin distributing the given free page numbers
// across them, the same even spread new_from_range / new_from_alloc_vec
// produce.
func NewPageAllocator(numCPUs int, free []pm.PageNum) *PageAllocator {
	if numCPUs < 1 {
		numCPUs = 1
	}
	a := &PageAllocator{pools: make([]pagePool, numCPUs)}
	for i, p := range free {
		pool := &a.pools[i%numCPUs]
		pool.pages = append(pool.pages, p)
	}
	return a
}

// NewFromRange builds a PageAllocator whose free set is every page number
// in [start, start+count), mirroring new_from_range's use at mkfs time to
// seed the allocator with the whole unused data region.
func NewFromRange(numCPUs int, start pm.PageNum, count uint64) *PageAllocator {
	free := make([]pm.PageNum, count)
	for i := range free {
		free[i] = start + pm.PageNum(i)
	}
	return NewPageAllocator(numCPUs, free)
}

// Alloc removes and returns one free page number from cpu's own pool,
// falling back to stealing from the most-populated other pool if cpu's
// pool is empty. It returns hfserr.NoSpace only if every pool is empty.
func (a *PageAllocator) Alloc(cpu int) (pm.PageNum, error) {
	cpu = cpu % len(a.pools)
	if p, ok := a.pools[cpu].tryPop(); ok {
		return p, nil
	}

	// The local pool is empty. Scan the other pools' sizes without holding
	// any lock across the scan — the source releases its own per-cpu lock
	// before looking at remote pools and only reacquires the one pool it
	// ultimately steals from, to avoid holding two per-cpu locks at once.
	for {
		victim := -1
		best := 0
		for i := range a.pools {
			if i == cpu {
				continue
			}
			if n := a.pools[i].len(); n > best {
				best = n
				victim = i
			}
		}
		if victim == -1 {
			return 0, hfserr.NoSpace
		}
		if p, ok := a.pools[victim].tryPop(); ok {
			return p, nil
		}
		// Lost the race to another thief; rescan, still taking at most one
		// pool lock at a time.
	}
}

// Dealloc returns a page number to cpu's own pool.
func (a *PageAllocator) Dealloc(cpu int, p pm.PageNum) {
	cpu = cpu % len(a.pools)
	a.pools[cpu].push(p)
}

// Free returns the total number of free pages across every pool, used by
// statfs-style queries and by tests.
func (a *PageAllocator) Free() int {
	total := 0
	for i := range a.pools {
		total += a.pools[i].len()
	}
	return total
}

func (p *pagePool) tryPop() (pm.PageNum, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pages) == 0 {
		return 0, false
	}
	n := len(p.pages) - 1
	v := p.pages[n]
	p.pages = p.pages[:n]
	return v, true
}

func (p *pagePool) push(v pm.PageNum) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pages = append(p.pages, v)
}

func (p *pagePool) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pages)
}

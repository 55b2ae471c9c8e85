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

// Package volatile holds the DRAM-only indexes layered on top of the PM
// state in package pm (§4.5): per-directory page and dentry lists, a dense
// per-file data-page index, and the global ino-to-info registry. None of
// this is ever itself persisted; every field here is rebuilt by the
// recovery scan in package mount on every mount (§4.8).
package volatile

import (
	"sync"

	"github.com/hayleyfs/hayleyfs/hfserr"
	"github.com/hayleyfs/hayleyfs/pm"
)

// DentryInfo is the volatile shadow of one live directory entry: its name
// (kept here too so directory lookup doesn't have to touch PM on the
// common path) and where on PM it lives.
type DentryInfo struct {
	Name    string
	Ino     pm.InodeNum
	PageNum pm.PageNum
	Slot    int
}

// DirPageInfo is the volatile shadow of one directory page: which PM page
// it is and how many of its dentry slots are currently occupied, so the
// directory-operation path can pick a page with a free slot without
// scanning PM.
type DirPageInfo struct {
	PageNum   pm.PageNum
	UsedSlots int
}

// DirInode is the per-directory-inode volatile index: the list of pages
// that make up the directory and a name-to-dentry map for O(1) lookup,
// matching volatile.rs's DirectoryInfo.
type DirInode struct {
	mu      sync.RWMutex
	pages   []DirPageInfo
	entries map[string]*DentryInfo
}

// NewDirInode builds an empty per-directory index, as for a freshly created
// directory with no pages yet.
func NewDirInode() *DirInode {
	return &DirInode{entries: make(map[string]*DentryInfo)}
}

// Lookup returns the dentry for name, or hfserr.NoEntry if it isn't present.
func (d *DirInode) Lookup(name string) (DentryInfo, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.entries[name]
	if !ok {
		return DentryInfo{}, hfserr.NoEntry
	}
	return *e, nil
}

// AddEntry records a newly created dentry, returning hfserr.Exists if the
// name is already taken. Callers must have already written and fenced the
// dentry's PM slot; this only updates the DRAM shadow.
func (d *DirInode) AddEntry(info DentryInfo) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.entries[info.Name]; ok {
		return hfserr.Exists
	}
	d.entries[info.Name] = &info
	for i := range d.pages {
		if d.pages[i].PageNum == info.PageNum {
			d.pages[i].UsedSlots++
			return nil
		}
	}
	d.pages = append(d.pages, DirPageInfo{PageNum: info.PageNum, UsedSlots: 1})
	return nil
}



// RemoveEntry deletes name from the index.
func (d *DirInode) RemoveEntry(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[name]
	if !ok {
		return hfserr.NoEntry
	}
	delete(d.entries, name)
	for i := range d.pages {
		if d.pages[i].PageNum == e.PageNum {
			d.pages[i].UsedSlots--
			break
		}
	}
	return nil
}

// RenameEntry atomically moves oldName out of the index and indexes
// newEntry (typically the same name, or a different one, pointing at
// wherever the rename's destination dentry actually landed on PM) in its
// place, used after a rename's PM-level commit has already happened (§4.6
// rename). newEntry's Name need not equal oldName.
func (d *DirInode) RenameEntry(oldName string, newEntry DentryInfo) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[oldName]
	if !ok {
		return hfserr.NoEntry
	}
	delete(d.entries, oldName)
	for i := range d.pages {
		if d.pages[i].PageNum == e.PageNum {
			d.pages[i].UsedSlots--
			break
		}
	}
	d.entries[newEntry.Name] = &newEntry
	for i := range d.pages {
		if d.pages[i].PageNum == newEntry.PageNum {
			d.pages[i].UsedSlots++
			return nil
		}
	}
	d.pages = append(d.pages, DirPageInfo{PageNum: newEntry.PageNum, UsedSlots: 1})
	return nil
}

// PageWithFreeSlot returns the page number of a directory page known to
// have at least one free dentry slot, and whether one was found.
func (d *DirInode) PageWithFreeSlot(slotsPerPage int) (pm.PageNum, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, p := range d.pages {
		if p.UsedSlots < slotsPerPage {
			return p.PageNum, true
		}
	}
	return 0, false
}

// IsEmpty reports whether the directory has no live entries besides "."
// and "..", the precondition rmdir checks before allowing removal (§4.6):
// every directory always carries those two self/parent entries, so
// emptiness is "nothing else", not "nothing at all".
func (d *DirInode) IsEmpty() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for name := range d.entries {
		if name != "." && name != ".." {
			return false
		}
	}
	return true
}

// Pages returns a snapshot of the directory's page list, for rmdir's page
// reclamation pass and for fsck-style consistency checks.
func (d *DirInode) Pages() []DirPageInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]DirPageInfo(nil), d.pages...)
}

// EnsurePage records pageNum as one of the directory's pages even if it
// currently holds no live entries, so a page that is fully empty (every
// slot free, or every slot's entry stripped by recovery) is still reachable
// for reclamation instead of being silently dropped. AddEntry already
// appends a page the first time it sees an entry on it; EnsurePage is what
// lets the recovery scan (mount/recovery.go) register a directory's pages
// before it knows whether any of their slots are actually live.
func (d *DirInode) EnsurePage(pageNum pm.PageNum) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.pages {
		if d.pages[i].PageNum == pageNum {
			return
		}
	}
	d.pages = append(d.pages, DirPageInfo{PageNum: pageNum, UsedSlots: 0})
}

// Entries returns a snapshot of every live dentry in the directory, used by
// recovery's reachability scan (mount/recovery.go) to walk the tree from
// the root down without touching PM a second time.
func (d *DirInode) Entries() []DentryInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]DentryInfo, 0, len(d.entries))
	for _, e := range d.entries {
		out = append(out, *e)
	}
	return out
}

// RegInode is the per-regular-file volatile index: a dense, offset-indexed
// list of the file's data pages, matching volatile.rs's PageInfo-per-file
// layout so that read/write can map a byte offset to a page number in O(1)
// instead of walking the page-descriptor table. The index has no hole
// representation: §4.5 requires insert_page to reject anything but the
// next consecutive offset, so pages is always a contiguous prefix
// [0, len(pages)) with no gaps (§3.2 invariant 3, §8 property 4).
type RegInode struct {
	mu    sync.RWMutex
	pages []pm.PageNum
}

// NewRegInode builds an empty per-file page index.
func NewRegInode() *RegInode { return &RegInode{} }

// PageAt returns the page number holding the given logical page index, and
// whether that page has been allocated.
func (r *RegInode) PageAt(logicalPage uint64) (pm.PageNum, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if logicalPage >= uint64(len(r.pages)) {
		return 0, false
	}
	return r.pages[logicalPage], true
}

// InsertPage appends page as the file's next logical page, returning
// hfserr.Invalid if logicalPage isn't exactly the current length — the
// density check §4.5 specifies for insert_page, which is what makes
// sparse files impossible to construct through this index.
func (r *RegInode) InsertPage(logicalPage uint64, page pm.PageNum) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if logicalPage != uint64(len(r.pages)) {
		return hfserr.Invalid
	}
	r.pages = append(r.pages, page)
	return nil
}

// Truncate drops every page index at or beyond logicalPage, returning the
// dropped page numbers in descending (newest-first) order so the caller
// deallocates the highest-offset page first, as §4.7 truncate specifies.
func (r *RegInode) Truncate(logicalPage uint64) []pm.PageNum {
	r.mu.Lock()
	defer r.mu.Unlock()
	if logicalPage >= uint64(len(r.pages)) {
		return nil
	}
	dropped := append([]pm.PageNum(nil), r.pages[logicalPage:]...)
	r.pages = r.pages[:logicalPage]
	for i, j := 0, len(dropped)-1; i < j; i, j = i+1, j-1 {
		dropped[i], dropped[j] = dropped[j], dropped[i]
	}
	return dropped
}

// NumPages returns the current length of the page index.
func (r *RegInode) NumPages() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return uint64(len(r.pages))
}

// InodeInfo is the tagged union volatile.rs keeps per live inode: exactly
// one of Dir or Reg is populated, selected by the inode's on-PM type tag.
type InodeInfo struct {
	Dir *DirInode
	Reg *RegInode
}

// Registry is the single global ino -> InodeInfo map (volatile.rs's
// top-level table), built fresh by the recovery scan on every mount and
// kept in sync by every subsequent operation.
type Registry struct {
	mu      sync.RWMutex
	entries map[pm.InodeNum]InodeInfo
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[pm.InodeNum]InodeInfo)}
}

// Get returns the info for ino, or hfserr.NoEntry if it isn't registered.
func (r *Registry) Get(ino pm.InodeNum) (InodeInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.entries[ino]
	if !ok {
		return InodeInfo{}, hfserr.NoEntry
	}
	return info, nil
}

// Put registers info for ino, overwriting any previous entry. Used both by
// normal create/mkdir operations and by the recovery scan rebuilding state
// at mount time.
func (r *Registry) Put(ino pm.InodeNum, info InodeInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[ino] = info
}

// Remove drops ino's entry, called once its on-PM slot has been cleared and
// deallocated.
func (r *Registry) Remove(ino pm.InodeNum) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, ino)
}

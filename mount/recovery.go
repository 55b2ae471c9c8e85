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

package mount

import (
	"fmt"
	"sort"

	"github.com/jacobsa/timeutil"

	"github.com/hayleyfs/hayleyfs/balloc"
	"github.com/hayleyfs/hayleyfs/internal/mountopts"
	"github.com/hayleyfs/hayleyfs/pm"
	"github.com/hayleyfs/hayleyfs/volatile"
)

// recoveryState is the scratch state threaded through the three recovery
// passes; it's a struct rather than a pile of parameters purely to keep
// recoverPage's and resolveRename's signatures readable.
type recoveryState struct {
	dev  pm.Device
	geo  pm.Geometry
	reg  *volatile.Registry
	dirs map[pm.InodeNum]*volatile.DirInode
	regs map[pm.InodeNum]*volatile.RegInode

	pendingRenames []pendingRename
	freePages      []pm.PageNum

	// dataPages collects every live data-page descriptor found by pass 2,
	// keyed by owning inode. The page-descriptor table scan runs in
	// physical page-index order, which has no relation to a file's
	// logical offset order, so pages can't be fed straight into a
	// RegInode's dense, append-only index as they're found — they have to
	// be grouped, sorted by offset, and verified dense first (§4.8).
	dataPages map[pm.InodeNum][]dataPageEntry
}

type dataPageEntry struct {
	offset uint64
	page   pm.PageNum
}

type pendingRename struct {
	destPageNum pm.PageNum
	destSlot    int
}

// Recover rebuilds every volatile structure by scanning the inode table and
// page-descriptor table, following the page-descriptor-based design (the
// design this implementation follows, rather than the superseded bitmap
// scheme some of the early prototype files sketch). It never trusts
// anything about the device except what it reads from the super block and
// the two PM tables themselves.
//
// The scan runs three passes:
//  1. Read every inode slot, registering each initialized one.
//  2. Read every page descriptor, attaching pages to their owning inode's
//     volatile index and collecting any dentry with a nonzero rename_ptr
//     for later resolution — that rename_ptr lives on the destination
//     dentry, naming the source, so it can't be resolved until the source's
//     own page (which may come later in the scan) has been read too.
//  3. Resolve every pending rename, reconcile each regular inode's on-PM
//     size against what its recovered page vector actually backs, then seed
//     the page allocator's free pool with whatever pages neither pass 1 nor
//     pass 2 claimed, and the inode allocator's starting point with the
//     highest ino seen.
func Recover(dev pm.Device, opts mountopts.Options, clock timeutil.Clock) (*SbInfo, error) {
	numInodes, maxPages := pm.ReadSuperBlock(dev)
	if numInodes == 0 || maxPages == 0 {
		return nil, fmt.Errorf("mount: device has no valid super block (mount with init to format it)")
	}
	geo := pm.NewGeometry(numInodes, maxPages)

	reg := volatile.NewRegistry()
	st := &recoveryState{
		dev:       dev,
		geo:       geo,
		reg:       reg,
		dirs:      make(map[pm.InodeNum]*volatile.DirInode),
		regs:      make(map[pm.InodeNum]*volatile.RegInode),
		freePages: make([]pm.PageNum, 0, maxPages),
		dataPages: make(map[pm.InodeNum][]dataPageEntry),
	}

	var highestIno pm.InodeNum
	for ino := pm.InodeNum(1); ino < numInodes; ino++ {
		h := pm.WrapForRecovery(dev, geo, ino)
		if !h.IsInitialized() {
			continue
		}
		if ino > highestIno {
			highestIno = ino
		}
		switch h.Type() {
		case pm.TypeDir:
			d := volatile.NewDirInode()
			st.dirs[ino] = d
			reg.Put(ino, volatile.InodeInfo{Dir: d})
		case pm.TypeReg:
			r := volatile.NewRegInode()
			st.regs[ino] = r
			reg.Put(ino, volatile.InodeInfo{Reg: r})
		}
	}

	for p := pm.PageNum(0); p < maxPages; p++ {
		st.recoverPage(p)
	}

	for _, pr := range st.pendingRenames {
		st.resolveRename(pr)
	}
	st.resolveDataPages()
	st.reconcileRegSizes()
	st.reclaimOrphans()
	st.reconcileDirLinkCounts()

	pages := balloc.NewPageAllocator(opts.CPUs, st.freePages)
	inodes := balloc.NewInodeAllocator(highestIno+1, numInodes)

	return &SbInfo{Device: dev, Geo: geo, Pages: pages, Inodes: inodes, Reg: reg}, nil
}

func (st *recoveryState) recoverPage(p pm.PageNum) {
	switch pm.PageTypeAt(st.dev, st.geo, p) {
	case pm.PageNone:
		st.freePages = append(st.freePages, p)

	case pm.PageDir:
		dh := pm.WrapDirPageForRecovery(st.dev, st.geo, p)
		dir, ok := st.dirs[dh.Ino()]
		if !ok {
			// Orphan descriptor: its owning inode no longer exists. Return
			// it to the free pool rather than leaving it attached to
			// nothing (§4.8).
			st.freePages = append(st.freePages, p)
			return
		}
		// Register the page even if every slot below turns out free or
		// stale, so it's still reachable for reclamation (e.g. the second
		// page rmdir/unlink would otherwise need to free but that nothing
		// ever indexed).
		dir.EnsurePage(p)
		for i := 0; i < dh.NumDentrySlots(); i++ {
			d := dh.Dentry(i)
			if d.IsFree() {
				continue
			}
			if d.RenamePtr() != 0 {
				// This slot is a rename's destination (only the destination
				// ever carries a rename_ptr); defer it rather than indexing
				// it now, whether or not its ino was already committed.
				st.pendingRenames = append(st.pendingRenames, pendingRename{destPageNum: p, destSlot: i})
				continue
			}
			if d.Ino() == 0 {
				// A name was written and flushed but the slot's ino was
				// never set before the crash (§4.6 mkdir/create/link step
				// ordering writes name, then ino, last; §8 E5): this slot
				// never became a legitimate live entry, so it is wiped
				// back to free rather than indexed with a dangling ino.
				st.clearStaleDentry(p, i)
				continue
			}
			dir.AddEntry(volatile.DentryInfo{Name: d.Name(), Ino: d.Ino(), PageNum: p, Slot: i})
		}

	case pm.PageData:
		dh := pm.WrapDataPageForRecovery(st.dev, st.geo, p)
		if _, ok := st.regs[dh.Ino()]; !ok {
			st.freePages = append(st.freePages, p)
			return
		}
		st.dataPages[dh.Ino()] = append(st.dataPages[dh.Ino()], dataPageEntry{offset: dh.FileOffset(), page: p})
	}
}

// resolveDataPages sorts each regular inode's collected data-page
// descriptors by logical offset and feeds them into its RegInode in
// order, verifying density along the way (§4.8): the page-descriptor
// table scan that populated st.dataPages runs in physical page-index
// order, which carries no guarantee about a file's logical layout.
// A non-dense group — gaps or duplicate offsets — means the device image
// violates the invariant recovery is supposed to be able to rely on; the
// affected inode's pages are dropped to the free pool rather than fed
// into an index that can't represent them, and the inode is left with
// whatever prefix recovered cleanly.
func (st *recoveryState) resolveDataPages() {
	for ino, entries := range st.dataPages {
		sort.Slice(entries, func(i, j int) bool { return entries[i].offset < entries[j].offset })
		r := st.regs[ino]
		for i, e := range entries {
			if e.offset != uint64(i)*pm.PageSize {
				for _, rest := range entries[i:] {
					st.freePages = append(st.freePages, rest.page)
				}
				break
			}
			if err := r.InsertPage(e.offset/pm.PageSize, e.page); err != nil {
				st.freePages = append(st.freePages, e.page)
			}
		}
	}
}

// reconcileRegSizes restores §8 property 4 for any regular inode whose
// on-PM size was left describing something other than what its recovered,
// density-verified page vector actually backs: file_ops.go's Write only
// updates size once, after every page in a multi-page write has already
// been fenced individually (§4.7), so a crash after N pages are durable but
// before that final SetSize leaves size lagging behind what the
// page-descriptor table proves exists. A size whose last byte falls inside
// the last recovered page is left as it is; any other size is set to the
// end of the last recovered page. Mirrors the
// reconcileDirLinkCounts/fixDirLinkCount pattern below for directories.
func (st *recoveryState) reconcileRegSizes() {
	for ino, r := range st.regs {
		want := r.NumPages() * pm.PageSize
		h, err := pm.GetInitInodeByIno(st.dev, st.geo, ino)
		if err != nil || (h.Size()+pm.PageSize-1)/pm.PageSize == r.NumPages() {
			continue
		}
		pm.CompleteInode(pm.FenceInode(pm.FlushInode(pm.SetSize(h, want))))
	}
}

// resolveRename decides the outcome of one rename interrupted mid-flight,
// identified by a nonzero rename_ptr on a destination dentry (§4.6, §4.8, §8
// E6) — rename_ptr lives on the new dentry and names the old one's absolute
// byte offset, so the decision is keyed on the destination, not the source.
//
// If the destination's ino was already committed (step 2) before the crash,
// the rename is rolled forward: recovery finishes the interrupted final
// step itself — removing the source from its directory's volatile index and
// clearing its PM slot for real, since a live rename_ptr left on PM would
// violate §8 property 6 (no dentry carries a rename_ptr once recovery
// completes) — then clears the destination's now-unneeded rename_ptr and
// indexes it in its own directory.
//
// If the destination's ino is still 0, step 2 never happened, so the whole
// rename is rolled back: the source was already indexed normally by the
// regular scan above (its own rename_ptr is always zero throughout a
// rename), and the half-written destination slot is simply discarded.
func (st *recoveryState) resolveRename(pr pendingRename) {
	destPage := pm.WrapDirPageForRecovery(st.dev, st.geo, pr.destPageNum)
	dest := destPage.Dentry(pr.destSlot)
	srcOffset := dest.RenamePtr()

	if dest.Ino() == 0 {
		st.clearStaleDentry(pr.destPageNum, pr.destSlot)
		return
	}

	// rename_ptr counts from the device base; page numbers count from
	// DataStart.
	srcPageNum := pm.PageNum(srcOffset/pm.PageSize) - st.geo.DataStart
	srcSlot := int((srcOffset % pm.PageSize) / pm.DentrySize)
	src := pm.WrapDirPageForRecovery(st.dev, st.geo, srcPageNum).Dentry(srcSlot)

	srcDirIno := pm.WrapDirPageForRecovery(st.dev, st.geo, srcPageNum).Ino()
	if srcDir, ok := st.dirs[srcDirIno]; ok {
		srcDir.RemoveEntry(src.Name())
	}
	st.clearStaleDentry(srcPageNum, srcSlot)

	cleared := pm.FenceDentry(pm.FlushDentry(pm.ClearRenamePtr(dest)))
	name, ino := dest.Name(), dest.Ino()
	pm.CompleteDentry(cleared)

	if destDir, ok := st.dirs[destPage.Ino()]; ok {
		destDir.AddEntry(volatile.DentryInfo{Name: name, Ino: ino, PageNum: pr.destPageNum, Slot: pr.destSlot})
	}
}

// clearStaleDentry wipes a dentry slot whose name was written and flushed
// but whose ino never got set before a crash, restoring the §6.2 "free iff
// all three fields are zero" invariant for a slot that was never actually
// live (§8 E5).
func (st *recoveryState) clearStaleDentry(pageNum pm.PageNum, slot int) {
	h := pm.WrapDirPageForRecovery(st.dev, st.geo, pageNum).Dentry(slot)
	cleared := pm.FenceDentry(pm.FlushDentry(pm.ClearDentry(h)))
	_, _ = pm.DeallocDentry(cleared)
}

// reclaimOrphans drops any initialized inode that survived pass 2 with no
// live dentry anywhere pointing to it — the other half of §8 E5: a crash
// between initializing a new mkdir/create target and linking it into its
// parent leaves the target itself fully initialized (inode slot, and for a
// directory its own "." / ".." page) but unreachable. Reachability is
// computed by walking the directory tree from the root using only entries
// that survived the stale-dentry cleanup above; anything not reached is an
// orphan and is freed exactly like an ordinary unlink/rmdir would free it.
func (st *recoveryState) reclaimOrphans() {
	visited := map[pm.InodeNum]bool{pm.RootIno: true}
	queue := []pm.InodeNum{pm.RootIno}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		dir, ok := st.dirs[cur]
		if !ok {
			continue
		}
		for _, e := range dir.Entries() {
			if e.Name == "." || e.Name == ".." || visited[e.Ino] {
				continue
			}
			visited[e.Ino] = true
			if _, isDir := st.dirs[e.Ino]; isDir {
				queue = append(queue, e.Ino)
			}
		}
	}

	var orphanDirs, orphanRegs []pm.InodeNum
	for ino := range st.dirs {
		if !visited[ino] {
			orphanDirs = append(orphanDirs, ino)
		}
	}
	for ino := range st.regs {
		if !visited[ino] {
			orphanRegs = append(orphanRegs, ino)
		}
	}
	for _, ino := range orphanDirs {
		st.reclaimOrphanDir(ino)
	}
	for _, ino := range orphanRegs {
		st.reclaimOrphanReg(ino)
	}
}

func (st *recoveryState) reclaimOrphanDir(ino pm.InodeNum) {
	dir := st.dirs[ino]
	delete(st.dirs, ino)
	for _, pi := range dir.Pages() {
		h := pm.WrapDirPageForRecovery(st.dev, st.geo, pi.PageNum)
		toUnmap := pm.ToUnmapDirPage(h)
		cleared := pm.FenceDirPage(pm.FlushDirPage(pm.ClearDirPage(pm.FenceDirPage(pm.FlushDirPage(toUnmap)))))
		if clean, err := pm.DeallocDirPage(cleared); err == nil {
			pm.CompleteDirPage(clean)
		}
		st.freePages = append(st.freePages, pi.PageNum)
	}
	st.clearOrphanInode(ino)
}

func (st *recoveryState) reclaimOrphanReg(ino pm.InodeNum) {
	reg := st.regs[ino]
	delete(st.regs, ino)
	for _, pn := range reg.Truncate(0) {
		h := pm.WrapDataPageForRecovery(st.dev, st.geo, pn)
		toUnmap := pm.ToUnmapDataPage(h)
		cleared := pm.FenceDataPage(pm.FlushDataPage(pm.ClearDataPage(pm.FenceDataPage(pm.FlushDataPage(toUnmap)))))
		if clean, err := pm.DeallocDataPage(cleared); err == nil {
			pm.CompleteDataPage(clean)
		}
		st.freePages = append(st.freePages, pn)
	}
	st.clearOrphanInode(ino)
}

// clearOrphanInode forces an orphan's link count to zero and clears its
// inode slot, mirroring the terminal step of unlink/rmdir once the last
// reference is gone (§4.6) — except here there never was a last reference
// to drop, only an initialized slot nothing names.
func (st *recoveryState) clearOrphanInode(ino pm.InodeNum) {
	st.reg.Remove(ino)
	h, err := pm.GetInitInodeByIno(st.dev, st.geo, ino)
	if err != nil {
		return
	}
	zeroed := pm.FenceInode(pm.FlushInode(pm.SetLinkCountZero(h)))
	cleared, err := pm.ClearInodeSlot(zeroed)
	if err != nil {
		return
	}
	pm.CompleteInode(pm.FenceInode(pm.FlushInode(cleared)))
}

// reconcileDirLinkCounts restores §3.2 invariant 5 (a directory inode's
// link_count equals 2 + the number of live subdirectories naming it as
// their ".." parent) for any directory whose on-PM link_count was left
// off by a crash — the mkdir ordering in §4.6 bumps the parent's link
// count (step 4) before the child's dentry is linked in (step 6), so a
// crash between those two steps leaves the parent one link ahead of what
// reclaimOrphans above just determined the child never actually earned.
func (st *recoveryState) reconcileDirLinkCounts() {
	childCount := make(map[pm.InodeNum]int, len(st.dirs))
	for ino, dir := range st.dirs {
		if ino == pm.RootIno {
			continue
		}
		if parent, err := dir.Lookup(".."); err == nil {
			childCount[parent.Ino]++
		}
	}
	for ino := range st.dirs {
		want := uint16(2 + childCount[ino])
		st.fixDirLinkCount(ino, want)
	}
}

// fixDirLinkCount nudges ino's on-PM link count toward want one IncLink or
// DecLink transition at a time, re-reading the slot each step since neither
// primitive is defined on its own output state (§4.1's typestate only
// allows one transition per handle).
func (st *recoveryState) fixDirLinkCount(ino pm.InodeNum, want uint16) {
	for {
		h, err := pm.GetInitInodeByIno(st.dev, st.geo, ino)
		if err != nil || h.LinkCount() == want {
			return
		}
		if h.LinkCount() < want {
			pm.CompleteInode(pm.FenceInode(pm.FlushInode(pm.IncLink(h))))
		} else {
			pm.CompleteInode(pm.FenceInode(pm.FlushInode(pm.DecLink(h))))
		}
	}
}

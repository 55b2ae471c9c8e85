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

package hayleyfs

import (
	"context"

	"github.com/jacobsa/reqtrace"

	"github.com/hayleyfs/hayleyfs/pm"
	"github.com/hayleyfs/hayleyfs/volatile"
)

// allocDirPage claims a fresh page from the volatile allocator, initializes
// its descriptor as an empty directory page owned by ino, and fences it
// durable (§4.6 mkdir step 2's page half), returning the page number for
// the caller to write dentries into.
func (fs *FileSystem) allocDirPage(ino pm.InodeNum) (pm.PageNum, error) {
	fs.mu.Lock()
	pageNum, err := fs.pages.Alloc(fs.cpuHint())
	fs.mu.Unlock()
	if err != nil {
		return 0, err
	}
	alloc := pm.AllocDirPage(fs.dev, fs.geo, pageNum)
	init := pm.InitDirPage(alloc, ino)
	clean := pm.FenceDirPage(pm.FlushDirPage(init))
	pm.CompleteDirPage(clean)
	return pageNum, nil
}

// findFreeDentry returns a writable handle to a free dentry slot in dir,
// allocating a new directory page if every existing page is full. It does
// not touch dir's volatile page list; the caller's AddEntry records
// whatever page ends up hosting the new entry.
func (fs *FileSystem) findFreeDentry(dirIno pm.InodeNum, dir *volatile.DirInode) (pm.DentryHandle[pm.Clean, pm.Start], pm.PageNum, int, error) {
	if pageNum, ok := dir.PageWithFreeSlot(pm.DentriesPerPage); ok {
		h := pm.WrapDirPageForRecovery(fs.dev, fs.geo, pageNum)
		for i := 0; i < h.NumDentrySlots(); i++ {
			d := h.Dentry(i)
			if d.IsFree() {
				return d, pageNum, i, nil
			}
		}
	}

	pageNum, err := fs.allocDirPage(dirIno)
	if err != nil {
		return pm.DentryHandle[pm.Clean, pm.Start]{}, 0, 0, err
	}

	h := pm.WrapDirPageForRecovery(fs.dev, fs.geo, pageNum)
	return h.Dentry(0), pageNum, 0, nil
}

// writeDentry allocates, initializes, flushes, and fences a new dentry
// naming ino, in that order so a crash mid-operation never leaves a named
// entry pointing at an uninitialized inode (§4.6).
func writeDentry(h pm.DentryHandle[pm.Clean, pm.Start], name string, ino pm.InodeNum) error {
	alloc := pm.AllocDentry(h)
	init, err := pm.InitDentry(alloc, name, ino)
	if err != nil {
		return err
	}
	pm.CompleteDentry(pm.FenceDentry(pm.FlushDentry(init)))
	return nil
}

// createInode allocates an inode number and PM slot, initializes it, and
// fences it durable, returning the Clean handle for the caller to link a
// dentry to.
func (fs *FileSystem) createInode(mode uint16, typ pm.InodeType, linkCount uint16) (pm.InodeHandle[pm.Clean, pm.Init], error) {
	fs.mu.Lock()
	ino, err := fs.inodes.Alloc()
	fs.mu.Unlock()
	if err != nil {
		return pm.InodeHandle[pm.Clean, pm.Init]{}, err
	}

	now := uint64(fs.clock.Now().UnixNano())
	alloc := pm.AllocInode(fs.dev, fs.geo, ino)
	init := pm.InitInode(alloc, pm.InodeInit{
		Mode: mode, Type: typ, LinkCount: linkCount,
		Atime: now, Mtime: now, Ctime: now,
	})
	clean := pm.FenceInode(pm.FlushInode(init))
	return clean, nil
}

// MkDir creates a new, empty subdirectory named name within parent.
func (fs *FileSystem) MkDir(ctx context.Context, parent pm.InodeNum, name string, mode uint16) (attrs Attrs, err error) {
	if reqtrace.Enabled() {
		var reportErr func(*error)
		ctx, reportErr = reqtrace.Trace(ctx, "hayleyfs.MkDir")
		defer func() { reportErr(&err) }()
	}

	parentDir, err := fs.dirInfo(parent)
	if err != nil {
		return Attrs{}, errf("mkdir", err)
	}
	if _, lookErr := parentDir.Lookup(name); lookErr == nil {
		return Attrs{}, errf("mkdir", EEXIST)
	}

	child, err := fs.createInode(mode, pm.TypeDir, 2) // "." plus the parent's entry
	if err != nil {
		return Attrs{}, errf("mkdir", err)
	}
	childIno := child.Ino()

	// §4.6 mkdir step 3: the child's own directory page, with "." and
	// ".." written into it, must be Clean before any outside name can
	// reference childIno.
	childPage, err := fs.allocDirPage(childIno)
	if err != nil {
		return Attrs{}, errf("mkdir", err)
	}
	childPageHandle := pm.WrapDirPageForRecovery(fs.dev, fs.geo, childPage)
	if err := writeDentry(childPageHandle.Dentry(0), ".", childIno); err != nil {
		return Attrs{}, errf("mkdir", err)
	}
	if err := writeDentry(childPageHandle.Dentry(1), "..", parent); err != nil {
		return Attrs{}, errf("mkdir", err)
	}
	childDir := volatile.NewDirInode()
	childDir.AddEntry(volatile.DentryInfo{Name: ".", Ino: childIno, PageNum: childPage, Slot: 0})
	childDir.AddEntry(volatile.DentryInfo{Name: "..", Ino: parent, PageNum: childPage, Slot: 1})

	// findFreeDentry writes nothing into the slot it returns (it may
	// allocate and initialize a fresh parent page). §4.6 mkdir step 4
	// bumps the parent's link_count before the new dentry's ino is set, so
	// a crash in between leaves a reachable parent whose link count is one
	// too high (recovery corrects it) and an orphaned child — never a
	// dangling name pointing at an uninitialized or nonexistent inode.
	dentry, pageNum, slot, err := fs.findFreeDentry(parent, parentDir)
	if err != nil {
		return Attrs{}, errf("mkdir", err)
	}

	parentIno, err := pm.GetInitInodeByIno(fs.dev, fs.geo, parent)
	if err == nil {
		pm.CompleteInode(pm.FenceInode(pm.FlushInode(pm.IncLink(parentIno))))
	}

	if err := writeDentry(dentry, name, childIno); err != nil {
		return Attrs{}, errf("mkdir", err)
	}

	if err := parentDir.AddEntry(volatile.DentryInfo{Name: name, Ino: childIno, PageNum: pageNum, Slot: slot}); err != nil {
		return Attrs{}, errf("mkdir", err)
	}
	fs.mu.Lock()
	fs.reg.Put(childIno, volatile.InodeInfo{Dir: childDir})
	fs.mu.Unlock()

	pm.CompleteInode(child)
	return fs.GetAttr(childIno)
}

// Create creates a new, empty regular file named name within parent.
func (fs *FileSystem) Create(ctx context.Context, parent pm.InodeNum, name string, mode uint16) (attrs Attrs, err error) {
	parentDir, err := fs.dirInfo(parent)
	if err != nil {
		return Attrs{}, errf("create", err)
	}
	if _, lookErr := parentDir.Lookup(name); lookErr == nil {
		return Attrs{}, errf("create", EEXIST)
	}

	child, err := fs.createInode(mode, pm.TypeReg, 1)
	if err != nil {
		return Attrs{}, errf("create", err)
	}
	childIno := child.Ino()

	dentry, pageNum, slot, err := fs.findFreeDentry(parent, parentDir)
	if err != nil {
		return Attrs{}, errf("create", err)
	}
	if err := writeDentry(dentry, name, childIno); err != nil {
		return Attrs{}, errf("create", err)
	}

	if err := parentDir.AddEntry(volatile.DentryInfo{Name: name, Ino: childIno, PageNum: pageNum, Slot: slot}); err != nil {
		return Attrs{}, errf("create", err)
	}
	fs.mu.Lock()
	fs.reg.Put(childIno, volatile.InodeInfo{Reg: volatile.NewRegInode()})
	fs.mu.Unlock()

	pm.CompleteInode(child)
	return fs.GetAttr(childIno)
}

// Link creates a new hard link named name within parent, pointing at the
// already-existing, non-directory inode ino (§4.6; directories may never be
// hard-linked).
func (fs *FileSystem) Link(ctx context.Context, parent pm.InodeNum, name string, ino pm.InodeNum) (attrs Attrs, err error) {
	parentDir, err := fs.dirInfo(parent)
	if err != nil {
		return Attrs{}, errf("link", err)
	}
	if _, lookErr := parentDir.Lookup(name); lookErr == nil {
		return Attrs{}, errf("link", EEXIST)
	}
	target, err := pm.GetInitInodeByIno(fs.dev, fs.geo, ino)
	if err != nil {
		return Attrs{}, errf("link", err)
	}
	if target.Type() == pm.TypeDir {
		return Attrs{}, errf("link", EPERM)
	}

	pm.CompleteInode(pm.FenceInode(pm.FlushInode(pm.IncLink(target))))

	dentry, pageNum, slot, err := fs.findFreeDentry(parent, parentDir)
	if err != nil {
		return Attrs{}, errf("link", err)
	}
	if err := writeDentry(dentry, name, ino); err != nil {
		return Attrs{}, errf("link", err)
	}
	if err := parentDir.AddEntry(volatile.DentryInfo{Name: name, Ino: ino, PageNum: pageNum, Slot: slot}); err != nil {
		return Attrs{}, errf("link", err)
	}
	return fs.GetAttr(ino)
}

// removeDentryAt clears and deallocates the dentry at (pageNum, slot).
func removeDentryAt(dev pm.Device, geo pm.Geometry, pageNum pm.PageNum, slot int) error {
	h := pm.WrapDirPageForRecovery(dev, geo, pageNum)
	d := h.Dentry(slot)
	cleared := pm.FenceDentry(pm.FlushDentry(pm.ClearDentry(d)))
	_, err := pm.DeallocDentry(cleared)
	return err
}

// Unlink removes the entry named name from parent. If that entry's inode's
// link count drops to zero, its PM slot and every data page it owns are
// reclaimed at once (§4.6, §4.7); open references are not tracked.
func (fs *FileSystem) Unlink(ctx context.Context, parent pm.InodeNum, name string) (err error) {
	parentDir, err := fs.dirInfo(parent)
	if err != nil {
		return errf("unlink", err)
	}
	e, err := parentDir.Lookup(name)
	if err != nil {
		return errf("unlink", err)
	}
	target, err := pm.GetInitInodeByIno(fs.dev, fs.geo, e.Ino)
	if err != nil {
		return errf("unlink", err)
	}
	if target.Type() == pm.TypeDir {
		return errf("unlink", EISDIR)
	}

	if err := removeDentryAt(fs.dev, fs.geo, e.PageNum, e.Slot); err != nil {
		return errf("unlink", err)
	}
	if err := parentDir.RemoveEntry(name); err != nil {
		return errf("unlink", err)
	}

	decremented := pm.FenceInode(pm.FlushInode(pm.DecLink(target)))
	if decremented.LinkCount() == 0 {
		return fs.reclaimInode(e.Ino, decremented)
	}
	pm.CompleteInode(decremented)
	return nil
}

// reclaimInode frees every data page owned by ino and clears its inode
// slot, the terminal step once an inode's link count has reached zero.
// zeroed is the very handle whose DecLink/SetLinkCountZero transition just
// brought the link count to zero — it cannot be re-looked-up afterward,
// since GetInitInodeByIno requires a nonzero link count (§3.1).
func (fs *FileSystem) reclaimInode(ino pm.InodeNum, zeroed pm.InodeHandle[pm.Clean, pm.IncLink]) error {
	if reg, err := fs.regInfo(ino); err == nil {
		for _, pageNum := range reg.Truncate(0) {
			if err := fs.freeDataPage(pageNum); err != nil {
				return err
			}
		}
	}
	fs.mu.Lock()
	fs.reg.Remove(ino)
	fs.mu.Unlock()

	cleared, err := pm.ClearInodeSlot(zeroed)
	if err != nil {
		return err
	}
	pm.CompleteInode(pm.FenceInode(pm.FlushInode(cleared)))

	fs.mu.Lock()
	fs.inodes.Dealloc(ino)
	fs.mu.Unlock()
	return nil
}

// RmDir removes the empty subdirectory named name from parent.
func (fs *FileSystem) RmDir(ctx context.Context, parent pm.InodeNum, name string) (err error) {
	parentDir, err := fs.dirInfo(parent)
	if err != nil {
		return errf("rmdir", err)
	}
	e, err := parentDir.Lookup(name)
	if err != nil {
		return errf("rmdir", err)
	}
	childDir, err := fs.dirInfo(e.Ino)
	if err != nil {
		return errf("rmdir", err)
	}
	if !childDir.IsEmpty() {
		return errf("rmdir", ENOTEMPTY)
	}

	if err := removeDentryAt(fs.dev, fs.geo, e.PageNum, e.Slot); err != nil {
		return errf("rmdir", err)
	}
	if err := parentDir.RemoveEntry(name); err != nil {
		return errf("rmdir", err)
	}

	for _, page := range childDir.Pages() {
		if err := fs.freeDirPage(page.PageNum); err != nil {
			return errf("rmdir", err)
		}
	}

	parentIno, err := pm.GetInitInodeByIno(fs.dev, fs.geo, parent)
	if err == nil {
		pm.CompleteInode(pm.FenceInode(pm.FlushInode(pm.DecLink(parentIno))))
	}

	childIno, err := pm.GetInitInodeByIno(fs.dev, fs.geo, e.Ino)
	if err != nil {
		return errf("rmdir", err)
	}
	zeroed := pm.FenceInode(pm.FlushInode(pm.SetLinkCountZero(childIno)))
	return fs.reclaimInode(e.Ino, zeroed)
}

func (fs *FileSystem) freeDirPage(pageNum pm.PageNum) error {
	h := pm.WrapDirPageForRecovery(fs.dev, fs.geo, pageNum)
	toUnmap := pm.ToUnmapDirPage(h)
	cleared := pm.FenceDirPage(pm.FlushDirPage(pm.ClearDirPage(pm.FenceDirPage(pm.FlushDirPage(toUnmap)))))
	if _, err := pm.DeallocDirPage(cleared); err != nil {
		return err
	}
	fs.mu.Lock()
	fs.pages.Dealloc(fs.cpuHint(), pageNum)
	fs.mu.Unlock()
	return nil
}

func (fs *FileSystem) freeDataPage(pageNum pm.PageNum) error {
	h := pm.WrapDataPageForRecovery(fs.dev, fs.geo, pageNum)
	toUnmap := pm.ToUnmapDataPage(h)
	cleared := pm.FenceDataPage(pm.FlushDataPage(pm.ClearDataPage(pm.FenceDataPage(pm.FlushDataPage(toUnmap)))))
	if _, err := pm.DeallocDataPage(cleared); err != nil {
		return err
	}
	fs.mu.Lock()
	fs.pages.Dealloc(fs.cpuHint(), pageNum)
	fs.mu.Unlock()
	return nil
}

// Rename moves the entry named oldName in oldParent to newName in
// newParent, using the rename_ptr crash-consistency protocol (§4.6): the
// destination dentry is prepared with a rename_ptr back at the source
// before its ino is committed, so recovery can always tell which of the two
// names should survive a crash mid-rename (§4.8) by looking at the
// destination rather than the source.
func (fs *FileSystem) Rename(ctx context.Context, oldParent pm.InodeNum, oldName string, newParent pm.InodeNum, newName string) (err error) {
	oldDir, err := fs.dirInfo(oldParent)
	if err != nil {
		return errf("rename", err)
	}
	newDir, err := fs.dirInfo(newParent)
	if err != nil {
		return errf("rename", err)
	}
	e, err := oldDir.Lookup(oldName)
	if err != nil {
		return errf("rename", err)
	}

	srcPage := pm.WrapDirPageForRecovery(fs.dev, fs.geo, e.PageNum)
	srcDentry := srcPage.Dentry(e.Slot)

	destSlot, destPage, destSlotIdx, err := fs.findFreeDentry(newParent, newDir)
	if err != nil {
		return errf("rename", err)
	}

	// Step 1: prepare the destination with the new name and a rename_ptr
	// back at the source, ino left at 0.
	prepared, err := pm.InitDentryForRename(pm.AllocDentry(destSlot), newName, srcDentry.Offset())
	if err != nil {
		return errf("rename", err)
	}
	preppedClean := pm.FenceDentry(pm.FlushDentry(prepared))

	// Step 2: the commit point. Once this fences, recovery always treats
	// the destination as authoritative over the source.
	committed := pm.FenceDentry(pm.FlushDentry(pm.CommitRenameIno(preppedClean, e.Ino)))

	// Step 3: clear the source, then the destination's now-unneeded
	// rename_ptr, each its own flush+fence group.
	if err := removeDentryAt(fs.dev, fs.geo, e.PageNum, e.Slot); err != nil {
		return errf("rename", err)
	}
	pm.CompleteDentry(pm.FenceDentry(pm.FlushDentry(pm.ClearRenamePtr(committed))))

	if err := oldDir.RemoveEntry(oldName); err != nil {
		return errf("rename", err)
	}
	if oldParent == newParent {
		return oldDir.AddEntry(volatile.DentryInfo{Name: newName, Ino: e.Ino, PageNum: destPage, Slot: destSlotIdx})
	}
	return newDir.AddEntry(volatile.DentryInfo{Name: newName, Ino: e.Ino, PageNum: destPage, Slot: destSlotIdx})
}

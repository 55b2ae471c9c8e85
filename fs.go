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

// Package hayleyfs is the VFS adapter named in §6.3: the entry points a
// host (a real kernel module, a FUSE loop, or a test harness) calls to
// perform one POSIX-shaped operation against a mounted device. Everything
// below this package works in terms of pm's typestate handles, balloc's
// allocators, and volatile's DRAM indexes; this package is where those
// three are wired together into directory and file operations with the
// right crash-consistency order (§4.6, §4.7).
package hayleyfs

import (
	"fmt"

	"github.com/jacobsa/syncutil"
	"github.com/jacobsa/timeutil"

	"github.com/hayleyfs/hayleyfs/balloc"
	"github.com/hayleyfs/hayleyfs/pm"
	"github.com/hayleyfs/hayleyfs/volatile"
)

// FileSystem is one mounted HayleyFS instance: the PM device plus the
// volatile allocators and indexes rebuilt on top of it at mount time.
type FileSystem struct {
	dev pm.Device
	geo pm.Geometry

	clock timeutil.Clock

	// When acquiring this lock, the caller must hold no per-directory or
	// per-file lock; it only ever guards the allocators and the registry,
	// never PM bytes directly (those are protected by the typestate
	// discipline itself plus the per-inode locks volatile hands out).
	mu syncutil.InvariantMutex

	pages  *balloc.PageAllocator // GUARDED_BY(mu)
	inodes *balloc.InodeAllocator // GUARDED_BY(mu)
	reg    *volatile.Registry     // GUARDED_BY(mu)
}

// Attrs is the attribute set a lookup or getattr call returns, the
// HayleyFS-specific analogue of fuse.InodeAttributes.
type Attrs struct {
	Ino       pm.InodeNum
	Mode      uint16
	Type      pm.InodeType
	Size      uint64
	LinkCount uint16
	Atime     uint64
	Mtime     uint64
	Ctime     uint64
}

// New wires a FileSystem on top of an already-mounted device: geo is the
// device's layout, pages/inodes/reg are the volatile structures built by
// the recovery scan in package mount. Operations in this package never
// build these themselves; that keeps the "rebuild DRAM state from PM" logic
// in exactly one place (§4.8).
func New(dev pm.Device, geo pm.Geometry, clock timeutil.Clock, pages *balloc.PageAllocator, inodes *balloc.InodeAllocator, reg *volatile.Registry) *FileSystem {
	fs := &FileSystem{
		dev: dev, geo: geo, clock: clock,
		pages: pages, inodes: inodes, reg: reg,
	}
	fs.mu = syncutil.NewInvariantMutex(fs.checkInvariants)
	return fs
}

func (fs *FileSystem) checkInvariants() {
	if fs.pages == nil || fs.inodes == nil || fs.reg == nil {
		panic("hayleyfs: FileSystem constructed without volatile state")
	}
}

// attrsOf reads an inode's attributes directly from PM. It takes no lock of
// its own; callers already hold whatever lock protects the inode they're
// reading (the per-directory lock for a directory inode's own metadata, or
// nothing at all for a lookup of an inode the caller isn't mutating).
func attrsOf(h pm.InodeHandle[pm.Clean, pm.Start]) Attrs {
	return Attrs{
		Ino:       h.Ino(),
		Mode:      h.Mode(),
		Type:      h.Type(),
		Size:      h.Size(),
		LinkCount: h.LinkCount(),
		Atime:     h.Atime(),
		Mtime:     h.Mtime(),
		Ctime:     h.Ctime(),
	}
}

// GetAttr returns the attributes of ino.
func (fs *FileSystem) GetAttr(ino pm.InodeNum) (Attrs, error) {
	h, err := pm.GetInitInodeByIno(fs.dev, fs.geo, ino)
	if err != nil {
		return Attrs{}, err
	}
	return attrsOf(h), nil
}

// dirInfo returns the volatile per-directory index for ino, failing with
// ENOTDIR if ino does not name a directory.
func (fs *FileSystem) dirInfo(ino pm.InodeNum) (*volatile.DirInode, error) {
	info, err := fs.reg.Get(ino)
	if err != nil {
		return nil, err
	}
	if info.Dir == nil {
		return nil, ENOTDIR
	}
	return info.Dir, nil
}

// regInfo returns the volatile per-file page index for ino, failing with
// EISDIR if ino does not name a regular file.
func (fs *FileSystem) regInfo(ino pm.InodeNum) (*volatile.RegInode, error) {
	info, err := fs.reg.Get(ino)
	if err != nil {
		return nil, err
	}
	if info.Reg == nil {
		return nil, EISDIR
	}
	return info.Reg, nil
}

// Lookup resolves name within the directory parent.
func (fs *FileSystem) Lookup(parent pm.InodeNum, name string) (Attrs, error) {
	dir, err := fs.dirInfo(parent)
	if err != nil {
		return Attrs{}, err
	}
	e, err := dir.Lookup(name)
	if err != nil {
		return Attrs{}, err
	}
	return fs.GetAttr(e.Ino)
}

// DirEntry is one entry returned by ReadDir.
type DirEntry struct {
	Name string
	Ino  pm.InodeNum
}

// ReadDir lists every live entry of the directory ino.
func (fs *FileSystem) ReadDir(ino pm.InodeNum) ([]DirEntry, error) {
	dir, err := fs.dirInfo(ino)
	if err != nil {
		return nil, err
	}
	var out []DirEntry
	for _, page := range dir.Pages() {
		h := pm.WrapDirPageForRecovery(fs.dev, fs.geo, page.PageNum)
		for i := 0; i < h.NumDentrySlots(); i++ {
			d := h.Dentry(i)
			if !d.IsFree() {
				out = append(out, DirEntry{Name: d.Name(), Ino: d.Ino()})
			}
		}
	}
	return out, nil
}

func (fs *FileSystem) cpuHint() int {
	// A real kernel module would use the calling CPU; this simulation has
	// no such notion, so every call contends the same pool. Good enough
	// for correctness; see DESIGN.md for why that's an acceptable gap.
	return 0
}

func errf(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("hayleyfs: %s: %w", op, err)
}

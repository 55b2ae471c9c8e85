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

// Package mount is the fill_super/put_super analogue (§4.8): given an
// opened device, it either formats it fresh (mkfs) or rebuilds every
// volatile structure in package volatile and package balloc by scanning
// the inode table and page-descriptor table, producing a ready-to-use
// hayleyfs.FileSystem. SbInfo here plays the role of the source's SbInfo:
// an aggregate of the device, its geometry, and its volatile state,
// constructed once per mount.
package mount

import (
	"fmt"

	"github.com/jacobsa/timeutil"

	"github.com/hayleyfs/hayleyfs"
	"github.com/hayleyfs/hayleyfs/balloc"
	"github.com/hayleyfs/hayleyfs/internal/mountopts"
	"github.com/hayleyfs/hayleyfs/pm"
	"github.com/hayleyfs/hayleyfs/volatile"
)

// SbInfo aggregates everything a mounted device needs: its geometry, its
// volatile allocators, and its ino registry. It exists mainly as the
// bundle Format and Mount hand off to hayleyfs.New.
type SbInfo struct {
	Device pm.Device
	Geo    pm.Geometry
	Pages  *balloc.PageAllocator
	Inodes *balloc.InodeAllocator
	Reg    *volatile.Registry
}

// Format writes a fresh super block, zeroes the inode table and
// page-descriptor table, and creates the root directory inode and its
// (empty) first dentry page. It is the mkfs half of "init" mount option
// handling (§6.1).
func Format(dev pm.Device, opts mountopts.Options, clock timeutil.Clock) (*SbInfo, error) {
	geo := pm.NewGeometry(opts.NumInodes, opts.MaxPages)
	needed := geo.DevicePages(opts.MaxPages)
	if dev.Size() < int64(needed)*pm.PageSize {
		return nil, fmt.Errorf("mount: device too small for requested geometry: need %d pages, have %d", needed, dev.Size()/pm.PageSize)
	}

	zero := dev.Bytes()
	for i := range zero {
		zero[i] = 0
	}
	pm.FlushBuffer(dev, 0, len(zero))
	pm.Sfence(dev)
	pm.InitSuperBlock(dev, dev.Size(), opts.NumInodes, opts.MaxPages)

	pages := balloc.NewFromRange(opts.CPUs, 0, opts.MaxPages)
	inodes := balloc.NewInodeAllocator(pm.RootIno+1, opts.NumInodes)
	reg := volatile.NewRegistry()

	now := uint64(clock.Now().UnixNano())
	rootAlloc := pm.AllocInode(dev, geo, pm.RootIno)
	rootInit := pm.InitInode(rootAlloc, pm.InodeInit{
		Mode: 0755, Type: pm.TypeDir, LinkCount: 2,
		Atime: now, Mtime: now, Ctime: now,
	})
	rootClean := pm.FenceInode(pm.FlushInode(rootInit))
	pm.CompleteInode(rootClean)

	rootPageNum, err := pages.Alloc(0)
	if err != nil {
		return nil, fmt.Errorf("mount: allocating root directory page: %w", err)
	}
	rootPageAlloc := pm.AllocDirPage(dev, geo, rootPageNum)
	rootPageInit := pm.InitDirPage(rootPageAlloc, pm.RootIno)
	rootPageClean := pm.FenceDirPage(pm.FlushDirPage(rootPageInit))
	pm.CompleteDirPage(rootPageClean)

	rootDir := volatile.NewDirInode()
	reg.Put(pm.RootIno, volatile.InodeInfo{Dir: rootDir})
	h := pm.WrapDirPageForRecovery(dev, geo, rootPageNum)
	for slot, entry := range []struct {
		name string
		ino  pm.InodeNum
	}{
		{".", pm.RootIno},
		{"..", pm.RootIno}, // root is its own parent
	} {
		alloc := pm.AllocDentry(h.Dentry(slot))
		init, err := pm.InitDentry(alloc, entry.name, entry.ino)
		if err != nil {
			return nil, fmt.Errorf("mount: writing root directory entries: %w", err)
		}
		pm.CompleteDentry(pm.FenceDentry(pm.FlushDentry(init)))
		if err := rootDir.AddEntry(volatile.DentryInfo{Name: entry.name, Ino: entry.ino, PageNum: rootPageNum, Slot: slot}); err != nil {
			return nil, fmt.Errorf("mount: indexing root directory entries: %w", err)
		}
	}

	return &SbInfo{Device: dev, Geo: geo, Pages: pages, Inodes: inodes, Reg: reg}, nil
}

// Mount opens (or, with opts.Init, formats) dev and returns a ready
// hayleyfs.FileSystem. The device itself is opened by the caller (e.g.
// internal/daxdev.Open or pm.NewMemDevice for tests); this only handles
// what goes on top of an already-mapped Device.
func Mount(dev pm.Device, opts mountopts.Options, clock timeutil.Clock) (*hayleyfs.FileSystem, error) {
	var sbi *SbInfo
	var err error
	if opts.Init {
		sbi, err = Format(dev, opts, clock)
	} else {
		sbi, err = Recover(dev, opts, clock)
	}
	if err != nil {
		return nil, err
	}
	return hayleyfs.New(sbi.Device, sbi.Geo, clock, sbi.Pages, sbi.Inodes, sbi.Reg), nil
}

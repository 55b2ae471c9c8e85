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

// Package pm holds everything that ever touches persistent memory directly:
// the fixed on-media layout (§6.2), the flush/fence/non-temporal-copy
// primitives (§4.2), and the typestate handles (§4.1) that are the only
// legal way to mutate a PM object. Nothing outside this package is allowed
// to poke at raw PM bytes.
package pm

import "encoding/binary"

// InodeNum is an inode number. 0 is never valid; it marks "no inode".
type InodeNum = uint64

// PageNum is the index of a page-descriptor slot / data-or-dir page,
// measured in pages from the device base.
type PageNum = uint64

// PageType tags what a page-descriptor slot currently describes.
type PageType uint8

const (
	// PageNone marks a free descriptor slot.
	PageNone PageType = 0
	// PageDir marks a directory-page descriptor.
	PageDir PageType = 1
	// PageData marks a data-page descriptor.
	PageData PageType = 2
)

// Fixed sizes from §6.2. CachelineSize is the granularity flush_buffer
// operates at; HAYLEYFS_PAGESIZE matches the host's base page size.
const (
	CachelineSize   = 64
	PageSize        = 4096
	InodeSlotSize   = 64
	SuperBlockSize  = 64
	DescriptorSize  = 32
	MaxFilenameLen  = 64
	DentrySize      = 8 + MaxFilenameLen + 8 // ino + name + rename_ptr
	RootIno         = 1
	DentriesPerPage = PageSize / DentrySize
)

// Geometry is the computed, configuration-dependent layout of a device: how
// many pages the inode table and page-descriptor table occupy, given the
// configured inode and page-table capacities. §6.2's table gives the layout
// for the original's toy NUM_INODES=64/MAX_PAGES=64 parameters (inode table
// at page 1, descriptor table at page 3); this computes the general case so
// the file system isn't pinned to those sizes (see DESIGN.md).
type Geometry struct {
	NumInodes uint64 // capacity of the inode table, including the unused slot 0
	MaxPages  uint64 // capacity of the page-descriptor table

	InoTableStart  PageNum
	InoTablePages  uint64
	DescTableStart PageNum
	DescTablePages uint64
	DataStart      PageNum
}

// NewGeometry computes a Geometry for the given capacities.
func NewGeometry(numInodes, maxPages uint64) Geometry {
	g := Geometry{
		NumInodes:     numInodes,
		MaxPages:      maxPages,
		InoTableStart: 1,
	}
	g.InoTablePages = ceilDiv(numInodes*InodeSlotSize, PageSize)
	g.DescTableStart = g.InoTableStart + g.InoTablePages
	g.DescTablePages = ceilDiv(maxPages*DescriptorSize, PageSize)
	g.DataStart = g.DescTableStart + g.DescTablePages
	return g
}

func ceilDiv(n, d uint64) uint64 {
	return (n + d - 1) / d
}

// DevicePages returns how many pages of the given byte size would be needed
// to hold the header regions plus numDataPages data/dir pages.
func (g Geometry) DevicePages(numDataPages uint64) uint64 {
	return g.DataStart + numDataPages
}

// PageTypeAt reads the page-descriptor slot for page p and returns its type
// tag, without committing to either the dir-page or data-page wrapper. The
// recovery scan uses this to decide which wrapper to build.
func PageTypeAt(dev Device, g Geometry, p PageNum) PageType {
	off := descriptorOffset(g, p)
	return wrapDescriptor(dev.Bytes()[off : off+DescriptorSize]).PageType()
}

// byte-level accessors. Each is a thin view over a slice of raw PM bytes;
// callers are responsible for getting the slice bounds right (typestate
// handles in inode.go/dirpage.go/datapage.go/dentry.go do that).

// InodeType tags the kind of inode an inode slot holds.
type InodeType uint8

const (
	TypeNone InodeType = iota
	TypeDir
	TypeReg
)

// rawInode is the decoded view of a 64-byte inode slot (§6.2).
type rawInode struct {
	buf []byte
}

func wrapInode(buf []byte) rawInode { return rawInode{buf: buf[:InodeSlotSize:InodeSlotSize]} }

func (r rawInode) Ino() InodeNum       { return binary.LittleEndian.Uint64(r.buf[0:8]) }
func (r rawInode) LinkCount() uint16   { return binary.LittleEndian.Uint16(r.buf[8:10]) }
func (r rawInode) Mode() uint16        { return binary.LittleEndian.Uint16(r.buf[10:12]) }
func (r rawInode) Size() uint64        { return binary.LittleEndian.Uint64(r.buf[12:20]) }
func (r rawInode) Atime() uint64       { return binary.LittleEndian.Uint64(r.buf[20:28]) }
func (r rawInode) Mtime() uint64       { return binary.LittleEndian.Uint64(r.buf[28:36]) }
func (r rawInode) Ctime() uint64       { return binary.LittleEndian.Uint64(r.buf[36:44]) }
func (r rawInode) Type() InodeType     { return InodeType(r.buf[44]) }
func (r rawInode) IsInitialized() bool { return r.Ino() != 0 && r.LinkCount() != 0 }

func (r rawInode) setIno(v InodeNum)     { binary.LittleEndian.PutUint64(r.buf[0:8], v) }
func (r rawInode) setLinkCount(v uint16) { binary.LittleEndian.PutUint16(r.buf[8:10], v) }
func (r rawInode) setMode(v uint16)      { binary.LittleEndian.PutUint16(r.buf[10:12], v) }
func (r rawInode) setSize(v uint64)      { binary.LittleEndian.PutUint64(r.buf[12:20], v) }
func (r rawInode) setAtime(v uint64)     { binary.LittleEndian.PutUint64(r.buf[20:28], v) }
func (r rawInode) setMtime(v uint64)     { binary.LittleEndian.PutUint64(r.buf[28:36], v) }
func (r rawInode) setCtime(v uint64)     { binary.LittleEndian.PutUint64(r.buf[36:44], v) }
func (r rawInode) setType(v InodeType)   { r.buf[44] = byte(v) }

// rawDescriptor is the decoded view of a 32-byte page-descriptor slot.
type rawDescriptor struct {
	buf []byte
}

func wrapDescriptor(buf []byte) rawDescriptor {
	return rawDescriptor{buf: buf[:DescriptorSize:DescriptorSize]}
}

func (r rawDescriptor) PageType() PageType { return PageType(r.buf[0]) }
func (r rawDescriptor) Ino() InodeNum      { return binary.LittleEndian.Uint64(r.buf[8:16]) }
func (r rawDescriptor) Offset() uint64     { return binary.LittleEndian.Uint64(r.buf[16:24]) }
func (r rawDescriptor) IsFree() bool       { return r.PageType() == PageNone && r.Ino() == 0 && r.Offset() == 0 }

func (r rawDescriptor) setPageType(v PageType) { r.buf[0] = byte(v) }
func (r rawDescriptor) setIno(v InodeNum)      { binary.LittleEndian.PutUint64(r.buf[8:16], v) }
func (r rawDescriptor) setOffset(v uint64)     { binary.LittleEndian.PutUint64(r.buf[16:24], v) }

// rawDentry is the decoded view of a dentry slot (§6.2): ino, a
// null-terminated bounded name, and a rename_ptr used only during rename.
type rawDentry struct {
	buf []byte
}

func wrapDentry(buf []byte) rawDentry { return rawDentry{buf: buf[:DentrySize:DentrySize]} }

func (r rawDentry) Ino() InodeNum    { return binary.LittleEndian.Uint64(r.buf[0:8]) }
func (r rawDentry) RawName() []byte  { return r.buf[8 : 8+MaxFilenameLen] }
func (r rawDentry) RenamePtr() uint64 { return binary.LittleEndian.Uint64(r.buf[8+MaxFilenameLen:]) }

func (r rawDentry) Name() string {
	name := r.RawName()
	for i, b := range name {
		if b == 0 {
			return string(name[:i])
		}
	}
	return string(name)
}

func (r rawDentry) IsFree() bool {
	if r.Ino() != 0 || r.RenamePtr() != 0 {
		return false
	}
	for _, b := range r.RawName() {
		if b != 0 {
			return false
		}
	}
	return true
}

func (r rawDentry) setIno(v InodeNum)      { binary.LittleEndian.PutUint64(r.buf[0:8], v) }
func (r rawDentry) setRenamePtr(v uint64)  { binary.LittleEndian.PutUint64(r.buf[8+MaxFilenameLen:], v) }

func (r rawDentry) setName(name string) bool {
	if len(name)+1 > MaxFilenameLen {
		return false
	}
	raw := r.RawName()
	for i := range raw {
		raw[i] = 0
	}
	copy(raw, name)
	return true
}

// rawSuperBlock is the decoded view of the 64-byte super block.
type rawSuperBlock struct {
	buf []byte
}

func wrapSuperBlock(buf []byte) rawSuperBlock {
	return rawSuperBlock{buf: buf[:SuperBlockSize:SuperBlockSize]}
}

func (r rawSuperBlock) Size() int64      { return int64(binary.LittleEndian.Uint64(r.buf[0:8])) }
func (r rawSuperBlock) NumInodes() uint64 { return binary.LittleEndian.Uint64(r.buf[8:16]) }
func (r rawSuperBlock) MaxPages() uint64   { return binary.LittleEndian.Uint64(r.buf[16:24]) }

func (r rawSuperBlock) setSize(v int64)        { binary.LittleEndian.PutUint64(r.buf[0:8], uint64(v)) }
func (r rawSuperBlock) setNumInodes(v uint64)  { binary.LittleEndian.PutUint64(r.buf[8:16], v) }
func (r rawSuperBlock) setMaxPages(v uint64)   { binary.LittleEndian.PutUint64(r.buf[16:24], v) }

// InitSuperBlock writes size, numInodes, and maxPages into the super block
// region (page 0) of dev and makes them durable. It assumes the device has
// already been zeroed.
func InitSuperBlock(dev Device, size int64, numInodes, maxPages uint64) {
	sb := wrapSuperBlock(dev.Bytes()[0:SuperBlockSize])
	sb.setSize(size)
	sb.setNumInodes(numInodes)
	sb.setMaxPages(maxPages)
	FlushBuffer(dev, 0, SuperBlockSize)
	Sfence(dev)
}

// ReadSuperBlock reads back the geometry parameters written by
// InitSuperBlock, for use by the recovery path when no mount option
// supplies them.
func ReadSuperBlock(dev Device) (numInodes, maxPages uint64) {
	sb := wrapSuperBlock(dev.Bytes()[0:SuperBlockSize])
	return sb.NumInodes(), sb.MaxPages()
}

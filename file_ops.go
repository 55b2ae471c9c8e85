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

	"github.com/hayleyfs/hayleyfs/pm"
	"github.com/hayleyfs/hayleyfs/volatile"
)

// pageWriteable returns a Writeable handle on the data page holding
// logicalPage of ino, allocating and registering a new page if none exists
// yet. The caller must already have established that logicalPage is either
// already indexed or is exactly the next dense page (§4.5) — pageWriteable
// itself doesn't support sparse page creation, only appending or reusing.
func (fs *FileSystem) pageWriteable(ino pm.InodeNum, reg *volatile.RegInode, logicalPage uint64) (pm.DataPageHandle[pm.Clean, pm.Writeable], error) {
	if pageNum, ok := reg.PageAt(logicalPage); ok {
		h := pm.WrapDataPageForRecovery(fs.dev, fs.geo, pageNum)
		return pm.ReuseWriteable(h), nil
	}

	fs.mu.Lock()
	pageNum, err := fs.pages.Alloc(fs.cpuHint())
	fs.mu.Unlock()
	if err != nil {
		return pm.DataPageHandle[pm.Clean, pm.Writeable]{}, err
	}

	alloc := pm.AllocDataPage(fs.dev, fs.geo, pageNum)
	init := pm.InitDataPage(alloc, ino, logicalPage*pm.PageSize)
	clean := pm.FenceDataPage(pm.FlushDataPage(init))
	if err := reg.InsertPage(logicalPage, pageNum); err != nil {
		return pm.DataPageHandle[pm.Clean, pm.Writeable]{}, err
	}
	return pm.MakeWriteable(clean), nil
}

// Write writes data at byte offset off within ino's contents, splitting the
// request into one pm.Write call per page it spans (§4.7) and growing the
// inode's size field if the write extends past the current end of file.
// HayleyFS supports no sparse files (§9 open questions): a write starting
// past the current end of file fails with Invalid rather than creating a
// hole.
func (fs *FileSystem) Write(ctx context.Context, ino pm.InodeNum, off int64, data []byte) (n int, err error) {
	reg, err := fs.regInfo(ino)
	if err != nil {
		return 0, errf("write", err)
	}
	inode, err := pm.GetInitInodeByIno(fs.dev, fs.geo, ino)
	if err != nil {
		return 0, errf("write", err)
	}
	if off < 0 {
		return 0, errf("write", EINVAL)
	}
	if uint64(off) > inode.Size() {
		return 0, errf("write", EINVAL)
	}

	remaining := data
	cur := uint64(off)
	for len(remaining) > 0 {
		logicalPage := cur / pm.PageSize
		within := int(cur % pm.PageSize)
		chunkLen := pm.PageSize - within
		if chunkLen > len(remaining) {
			chunkLen = len(remaining)
		}
		chunk := remaining[:chunkLen]

		page, err := fs.pageWriteable(ino, reg, logicalPage)
		if err != nil {
			return n, errf("write", err)
		}
		written, err := pm.Write(page, within, chunk)
		if err != nil {
			return n, errf("write", err)
		}
		clean := pm.FenceDataPage(pm.FlushWritten(written, within, chunkLen))
		pm.CompleteDataPage(clean)

		n += chunkLen
		cur += uint64(chunkLen)
		remaining = remaining[chunkLen:]
	}

	if n > 0 {
		newSize := uint64(off) + uint64(n)
		inode, err := pm.GetInitInodeByIno(fs.dev, fs.geo, ino)
		if err == nil && newSize > inode.Size() {
			pm.CompleteInode(pm.FenceInode(pm.FlushInode(pm.SetSize(inode, newSize))))
		}
	}
	return n, nil
}

// Read copies up to len(dst) bytes of ino's contents starting at byte
// offset off into dst, returning the number of bytes actually read. No
// sparse files means every offset below size has a backing data page
// (§3.2 invariant 3, §8 property 4); a missing page there is a corrupted
// index, not a hole, and is reported as Invalid rather than silently
// zero-filled.
func (fs *FileSystem) Read(ctx context.Context, ino pm.InodeNum, off int64, dst []byte) (n int, err error) {
	reg, err := fs.regInfo(ino)
	if err != nil {
		return 0, errf("read", err)
	}
	inode, err := pm.GetInitInodeByIno(fs.dev, fs.geo, ino)
	if err != nil {
		return 0, errf("read", err)
	}
	if off < 0 {
		return 0, errf("read", EINVAL)
	}
	size := inode.Size()
	if uint64(off) >= size {
		return 0, nil
	}
	if remaining := size - uint64(off); uint64(len(dst)) > remaining {
		dst = dst[:remaining]
	}

	cur := uint64(off)
	for n < len(dst) {
		logicalPage := cur / pm.PageSize
		within := int(cur % pm.PageSize)
		wantLen := len(dst) - n
		if wantLen > pm.PageSize-within {
			wantLen = pm.PageSize - within
		}

		pageNum, ok := reg.PageAt(logicalPage)
		if !ok {
			return n, errf("read", EINVAL)
		}
		h := pm.WrapDataPageForRecovery(fs.dev, fs.geo, pageNum)
		h.ReadAt(dst[n:n+wantLen], within)

		n += wantLen
		cur += uint64(wantLen)
	}
	return n, nil
}

// Truncate changes ino's size to newSize, freeing any data pages that fall
// entirely beyond the new end of file (§4.7). Growing the file is only
// legal up to the end of its last already-allocated page — no sparse
// files means there is no way to grow past that without a write, so a
// truncate that would require fabricating an unwritten page fails with
// Invalid.
func (fs *FileSystem) Truncate(ctx context.Context, ino pm.InodeNum, newSize uint64) (err error) {
	reg, err := fs.regInfo(ino)
	if err != nil {
		return errf("truncate", err)
	}
	inode, err := pm.GetInitInodeByIno(fs.dev, fs.geo, ino)
	if err != nil {
		return errf("truncate", err)
	}

	if newSize > inode.Size() {
		backed := reg.NumPages() * pm.PageSize
		if newSize > backed {
			return errf("truncate", EINVAL)
		}
	}

	if newSize < inode.Size() {
		firstDroppedPage := (newSize + pm.PageSize - 1) / pm.PageSize
		for _, pageNum := range reg.Truncate(firstDroppedPage) {
			if err := fs.freeDataPage(pageNum); err != nil {
				return errf("truncate", err)
			}
		}
	}

	pm.CompleteInode(pm.FenceInode(pm.FlushInode(pm.SetSize(inode, newSize))))
	return nil
}

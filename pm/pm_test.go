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
	"strings"
	"testing"

	. "github.com/jacobsa/ogletest"

	"github.com/hayleyfs/hayleyfs/hfserr"
)

func TestPM(t *testing.T) { RunTests(t) }

////////////////////////////////////////////////////////////////////////
// Boilerplate
////////////////////////////////////////////////////////////////////////

type PMTest struct {
	dev *MemDevice
	geo Geometry
}

func init() { RegisterTestSuite(&PMTest{}) }

func (t *PMTest) SetUp(ti *TestInfo) {
	t.geo = NewGeometry(64, 64)
	t.dev = NewMemDevice(int64(t.geo.DevicePages(64)) * PageSize)
}

////////////////////////////////////////////////////////////////////////
// Super block
////////////////////////////////////////////////////////////////////////

func (t *PMTest) SuperBlockRoundTrips() {
	InitSuperBlock(t.dev, t.dev.Size(), 64, 64)
	numInodes, maxPages := ReadSuperBlock(t.dev)
	ExpectEq(uint64(64), numInodes)
	ExpectEq(uint64(64), maxPages)
}

////////////////////////////////////////////////////////////////////////
// Inode
////////////////////////////////////////////////////////////////////////

func (t *PMTest) InodeAllocInitFlushFence() {
	alloc := AllocInode(t.dev, t.geo, 5)
	init := InitInode(alloc, InodeInit{Mode: 0644, Type: TypeReg, LinkCount: 1, Atime: 1, Mtime: 1, Ctime: 1})
	clean := FenceInode(FlushInode(init))

	ExpectEq(InodeNum(5), clean.Ino())
	ExpectEq(uint16(1), clean.LinkCount())
	ExpectTrue(clean.IsInitialized())

	CompleteInode(clean)
}

func (t *PMTest) InodeLinkCountRoundTrip() {
	alloc := AllocInode(t.dev, t.geo, 7)
	init := InitInode(alloc, InodeInit{Mode: 0644, Type: TypeReg, LinkCount: 1, Atime: 1, Mtime: 1, Ctime: 1})
	clean := FenceInode(FlushInode(init))
	CompleteInode(clean)

	h, err := GetInitInodeByIno(t.dev, t.geo, 7)
	AssertEq(nil, err)

	bumped := FenceInode(FlushInode(IncLink(h)))
	ExpectEq(uint16(2), bumped.LinkCount())

	h2, err := GetInitInodeByIno(t.dev, t.geo, 7)
	AssertEq(nil, err)
	zeroed := FenceInode(FlushInode(SetLinkCountZero(h2)))
	ExpectEq(uint16(0), zeroed.LinkCount())
	_, err = ClearInodeSlot(zeroed)
	AssertEq(nil, err)

	_, err = GetInitInodeByIno(t.dev, t.geo, 7)
	ExpectNe(nil, err)
}

////////////////////////////////////////////////////////////////////////
// Dentry + dir page
////////////////////////////////////////////////////////////////////////

func (t *PMTest) DirPageDentryRoundTrip() {
	dp := FenceDirPage(FlushDirPage(InitDirPage(AllocDirPage(t.dev, t.geo, 10), 1)))
	ExpectEq(PageNum(10), dp.PageNum())
	ExpectEq(InodeNum(1), dp.Ino())

	slot := dp.Dentry(3)
	ExpectTrue(slot.IsFree())

	initd, err := InitDentry(AllocDentry(slot), "hello.txt", 42)
	AssertEq(nil, err)
	clean := FenceDentry(FlushDentry(initd))

	ExpectEq("hello.txt", clean.Name())
	ExpectEq(InodeNum(42), clean.Ino())
	ExpectFalse(clean.IsFree())

	CompleteDentry(clean)
	CompleteDirPage(dp)
}

func (t *PMTest) InitDentryRejectsTooLongNameWithoutLeakingGuard() {
	dp := FenceDirPage(FlushDirPage(InitDirPage(AllocDirPage(t.dev, t.geo, 12), 1)))
	slot := dp.Dentry(0)

	tooLong := strings.Repeat("a", MaxFilenameLen)
	_, err := InitDentry(AllocDentry(slot), tooLong, 42)
	ExpectEq(hfserr.NameTooLong, err)

	// AllocDentry armed a dropGuard; InitDentry's error path must clear it
	// before discarding the handle, or this GC panics instead of letting
	// the slot be reused below.
	runtime.GC()

	ExpectTrue(slot.IsFree())
	reused, err := InitDentry(AllocDentry(slot), "ok", 42)
	AssertEq(nil, err)
	CompleteDentry(FenceDentry(FlushDentry(reused)))
	CompleteDirPage(dp)
}

func (t *PMTest) DentryRenamePointerRoundTrip() {
	dp := FenceDirPage(FlushDirPage(InitDirPage(AllocDirPage(t.dev, t.geo, 11), 1)))
	slot := dp.Dentry(0)
	initd, err := InitDentry(AllocDentry(slot), "a", 9)
	AssertEq(nil, err)
	clean := FenceDentry(FlushDentry(initd))
	ExpectEq(uint64(0), clean.RenamePtr())

	withPtr := FenceDentry(FlushDentry(SetRenamePtr(clean, 4096)))
	ExpectEq(uint64(4096), withPtr.RenamePtr())

	cleared := FenceDentry(FlushDentry(ClearRenamePtr(withPtr)))
	ExpectEq(uint64(0), cleared.RenamePtr())

	CompleteDentry(cleared)
	CompleteDirPage(dp)
}

////////////////////////////////////////////////////////////////////////
// Data page
////////////////////////////////////////////////////////////////////////

func (t *PMTest) DataPageWriteRoundTrip() {
	alloc := AllocDataPage(t.dev, t.geo, 20)
	init := InitDataPage(alloc, 3, 0)
	clean := FenceDataPage(FlushDataPage(init))

	writeable := MakeWriteable(clean)
	payload := []byte("hello, pm")
	written, err := Write(writeable, 0, payload)
	AssertEq(nil, err)
	flushed := FlushWritten(written, 0, len(payload))
	final := FenceDataPage(flushed)

	got := make([]byte, len(payload))
	final.ReadAt(got, 0)
	ExpectEq(string(payload), string(got))

	CompleteDataPage(final)
}

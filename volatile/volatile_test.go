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

package volatile

import (
	"testing"

	. "github.com/jacobsa/ogletest"

	"github.com/hayleyfs/hayleyfs/hfserr"
)

func TestVolatile(t *testing.T) { RunTests(t) }

////////////////////////////////////////////////////////////////////////
// DirInode
////////////////////////////////////////////////////////////////////////

type DirInodeTest struct {
	d *DirInode
}

func init() { RegisterTestSuite(&DirInodeTest{}) }

func (t *DirInodeTest) SetUp(ti *TestInfo) {
	t.d = NewDirInode()
}

func (t *DirInodeTest) LookupMissingNameFails() {
	_, err := t.d.Lookup("nope")
	ExpectEq(hfserr.NoEntry, err)
}

func (t *DirInodeTest) AddAndLookup() {
	AssertEq(nil, t.d.AddEntry(DentryInfo{Name: "a", Ino: 5, PageNum: 1, Slot: 0}))
	e, err := t.d.Lookup("a")
	AssertEq(nil, err)
	ExpectEq(uint64(5), e.Ino)
	ExpectFalse(t.d.IsEmpty())
}

func (t *DirInodeTest) AddDuplicateNameFails() {
	AssertEq(nil, t.d.AddEntry(DentryInfo{Name: "a", Ino: 5, PageNum: 1, Slot: 0}))
	err := t.d.AddEntry(DentryInfo{Name: "a", Ino: 6, PageNum: 1, Slot: 1})
	ExpectEq(hfserr.Exists, err)
}

func (t *DirInodeTest) RemoveEntry() {
	AssertEq(nil, t.d.AddEntry(DentryInfo{Name: "a", Ino: 5, PageNum: 1, Slot: 0}))
	AssertEq(nil, t.d.RemoveEntry("a"))
	ExpectTrue(t.d.IsEmpty())
	_, err := t.d.Lookup("a")
	ExpectEq(hfserr.NoEntry, err)
}

func (t *DirInodeTest) RemoveMissingNameFails() {
	err := t.d.RemoveEntry("ghost")
	ExpectEq(hfserr.NoEntry, err)
}

func (t *DirInodeTest) RenameEntryMovesName() {
	AssertEq(nil, t.d.AddEntry(DentryInfo{Name: "old", Ino: 5, PageNum: 1, Slot: 0}))
	AssertEq(nil, t.d.RenameEntry("old", DentryInfo{Name: "new", Ino: 5, PageNum: 1, Slot: 0}))

	_, err := t.d.Lookup("old")
	ExpectEq(hfserr.NoEntry, err)

	e, err := t.d.Lookup("new")
	AssertEq(nil, err)
	ExpectEq(uint64(5), e.Ino)
}

func (t *DirInodeTest) PageWithFreeSlotTracksUsage() {
	_, ok := t.d.PageWithFreeSlot(2)
	ExpectFalse(ok)

	AssertEq(nil, t.d.AddEntry(DentryInfo{Name: "a", Ino: 1, PageNum: 9, Slot: 0}))
	p, ok := t.d.PageWithFreeSlot(2)
	AssertTrue(ok)
	ExpectEq(uint64(9), p)

	AssertEq(nil, t.d.AddEntry(DentryInfo{Name: "b", Ino: 2, PageNum: 9, Slot: 1}))
	_, ok = t.d.PageWithFreeSlot(2)
	ExpectFalse(ok)
}

////////////////////////////////////////////////////////////////////////
// RegInode
////////////////////////////////////////////////////////////////////////

type RegInodeTest struct {
	r *RegInode
}

func init() { RegisterTestSuite(&RegInodeTest{}) }

func (t *RegInodeTest) SetUp(ti *TestInfo) {
	t.r = NewRegInode()
}

func (t *RegInodeTest) PageAtOnEmptyIndexIsMissing() {
	_, ok := t.r.PageAt(0)
	ExpectFalse(ok)
	ExpectEq(uint64(0), t.r.NumPages())
}

func (t *RegInodeTest) InsertPageRejectsNonDenseOffset() {
	// The index is empty, so only logical page 0 may be inserted next
	// (§4.5): anything else would open a gap.
	err := t.r.InsertPage(2, 42)
	ExpectEq(hfserr.Invalid, err)
	ExpectEq(uint64(0), t.r.NumPages())
}

func (t *RegInodeTest) InsertAndGetPage() {
	AssertEq(nil, t.r.InsertPage(0, 10))
	AssertEq(nil, t.r.InsertPage(1, 11))
	ExpectEq(uint64(2), t.r.NumPages())

	p, ok := t.r.PageAt(1)
	AssertTrue(ok)
	ExpectEq(uint64(11), p)
}

func (t *RegInodeTest) InsertPageZero() {
	// Page number 0 is a legitimate allocation, distinguishable from "no
	// page at this index" because PageAt's second return value carries
	// presence rather than relying on a sentinel.
	AssertEq(nil, t.r.InsertPage(0, 0))
	p, ok := t.r.PageAt(0)
	AssertTrue(ok)
	ExpectEq(uint64(0), p)
}

func (t *RegInodeTest) TruncateDropsTrailingPages() {
	AssertEq(nil, t.r.InsertPage(0, 10))
	AssertEq(nil, t.r.InsertPage(1, 11))
	AssertEq(nil, t.r.InsertPage(2, 12))

	dropped := t.r.Truncate(1)
	AssertEq(2, len(dropped))
	ExpectEq(uint64(12), dropped[0])
	ExpectEq(uint64(11), dropped[1])
	ExpectEq(uint64(1), t.r.NumPages())
}

////////////////////////////////////////////////////////////////////////
// Registry
////////////////////////////////////////////////////////////////////////

type RegistryTest struct {
	r *Registry
}

func init() { RegisterTestSuite(&RegistryTest{}) }

func (t *RegistryTest) SetUp(ti *TestInfo) {
	t.r = NewRegistry()
}

func (t *RegistryTest) GetMissingFails() {
	_, err := t.r.Get(1)
	ExpectEq(hfserr.NoEntry, err)
}

func (t *RegistryTest) PutAndGet() {
	dir := NewDirInode()
	t.r.Put(1, InodeInfo{Dir: dir})
	info, err := t.r.Get(1)
	AssertEq(nil, err)
	ExpectEq(dir, info.Dir)
}

func (t *RegistryTest) Remove() {
	t.r.Put(1, InodeInfo{Dir: NewDirInode()})
	t.r.Remove(1)
	_, err := t.r.Get(1)
	ExpectEq(hfserr.NoEntry, err)
}

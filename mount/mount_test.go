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
	"context"
	"errors"
	"testing"

	"github.com/jacobsa/timeutil"

	. "github.com/jacobsa/oglematchers"
	. "github.com/jacobsa/ogletest"

	"github.com/hayleyfs/hayleyfs"
	"github.com/hayleyfs/hayleyfs/hfserr"
	"github.com/hayleyfs/hayleyfs/internal/mountopts"
	"github.com/hayleyfs/hayleyfs/pm"
)

func TestMount(t *testing.T) { RunTests(t) }

const testDeviceSize = 8 << 20 // 8 MiB, plenty for these small trees

func newFormattedFS(numInodes, maxPages uint64) (pm.Device, *hayleyfs.FileSystem) {
	dev := pm.NewMemDevice(testDeviceSize)
	opts := mountopts.Options{Init: true, NumInodes: numInodes, MaxPages: maxPages, CPUs: 1}
	clock := new(timeutil.SimulatedClock)
	sbi, err := Format(dev, opts, clock)
	if err != nil {
		panic(err)
	}
	return dev, hayleyfs.New(sbi.Device, sbi.Geo, clock, sbi.Pages, sbi.Inodes, sbi.Reg)
}

////////////////////////////////////////////////////////////////////////
// Format / Mount
////////////////////////////////////////////////////////////////////////

type FormatTest struct{}

func init() { RegisterTestSuite(&FormatTest{}) }

func (t *FormatTest) CreatesAReadableEmptyRoot() {
	_, fs := newFormattedFS(32, 32)
	entries, err := fs.ReadDir(pm.RootIno)
	AssertEq(nil, err)
	AssertEq(2, len(entries))
	byName := make(map[string]pm.InodeNum, len(entries))
	for _, e := range entries {
		byName[e.Name] = e.Ino
	}
	ExpectEq(pm.RootIno, byName["."])
	ExpectEq(pm.RootIno, byName[".."])
}

func (t *FormatTest) RejectsATooSmallDevice() {
	dev := pm.NewMemDevice(pm.PageSize) // nowhere near enough for 1000 pages
	opts := mountopts.Options{Init: true, NumInodes: 32, MaxPages: 1000, CPUs: 1}
	_, err := Format(dev, opts, new(timeutil.SimulatedClock))
	ExpectNe(nil, err)
}

////////////////////////////////////////////////////////////////////////
// Directory and file operations, end to end through a formatted device
////////////////////////////////////////////////////////////////////////

type OperationsTest struct {
	ctx context.Context
	dev pm.Device
	fs  *hayleyfs.FileSystem
}

func init() { RegisterTestSuite(&OperationsTest{}) }

func (t *OperationsTest) SetUp(ti *TestInfo) {
	t.ctx = context.Background()
	t.dev, t.fs = newFormattedFS(32, 32)
}

func (t *OperationsTest) MkDirThenLookup() {
	attrs, err := t.fs.MkDir(t.ctx, pm.RootIno, "sub", 0755)
	AssertEq(nil, err)
	ExpectEq(pm.TypeDir, attrs.Type)

	got, err := t.fs.Lookup(pm.RootIno, "sub")
	AssertEq(nil, err)
	ExpectEq(attrs.Ino, got.Ino)

	root, err := t.fs.GetAttr(pm.RootIno)
	AssertEq(nil, err)
	ExpectEq(uint16(3), root.LinkCount) // ".", "..", and "sub"'s back-link
}

func (t *OperationsTest) MkDirRejectsDuplicateName() {
	_, err := t.fs.MkDir(t.ctx, pm.RootIno, "dup", 0755)
	AssertEq(nil, err)
	_, err = t.fs.MkDir(t.ctx, pm.RootIno, "dup", 0755)
	ExpectThat(err, Error(HasSubstr("file exists")))
}

func (t *OperationsTest) CreateWriteReadRoundTrip() {
	attrs, err := t.fs.Create(t.ctx, pm.RootIno, "f", 0644)
	AssertEq(nil, err)

	payload := []byte("the quick brown fox jumps over the lazy dog")
	n, err := t.fs.Write(t.ctx, attrs.Ino, 0, payload)
	AssertEq(nil, err)
	ExpectEq(len(payload), n)

	got := make([]byte, len(payload))
	n, err = t.fs.Read(t.ctx, attrs.Ino, 0, got)
	AssertEq(nil, err)
	ExpectEq(len(payload), n)
	ExpectEq(string(payload), string(got))

	refreshed, err := t.fs.GetAttr(attrs.Ino)
	AssertEq(nil, err)
	ExpectEq(uint64(len(payload)), refreshed.Size)
}

func (t *OperationsTest) WriteSpanningMultiplePages() {
	attrs, err := t.fs.Create(t.ctx, pm.RootIno, "big", 0644)
	AssertEq(nil, err)

	payload := make([]byte, int(pm.PageSize)*2+17)
	for i := range payload {
		payload[i] = byte(i)
	}
	n, err := t.fs.Write(t.ctx, attrs.Ino, 0, payload)
	AssertEq(nil, err)
	ExpectEq(len(payload), n)

	got := make([]byte, len(payload))
	n, err = t.fs.Read(t.ctx, attrs.Ino, 0, got)
	AssertEq(nil, err)
	ExpectEq(len(payload), n)
	ExpectTrue(bytesEqual(payload, got))
}

func (t *OperationsTest) WriteBeyondEndOfFileIsRejected() {
	// HayleyFS supports no sparse files: a write starting past the current
	// end of file must fail rather than silently punching a hole.
	attrs, err := t.fs.Create(t.ctx, pm.RootIno, "sparse", 0644)
	AssertEq(nil, err)

	_, err = t.fs.Write(t.ctx, attrs.Ino, int64(pm.PageSize), []byte("second page"))
	ExpectTrue(errors.Is(err, hfserr.Invalid))
}

func (t *OperationsTest) TruncateFreesTrailingPages() {
	attrs, err := t.fs.Create(t.ctx, pm.RootIno, "f", 0644)
	AssertEq(nil, err)
	_, err = t.fs.Write(t.ctx, attrs.Ino, 0, make([]byte, int(pm.PageSize)*2))
	AssertEq(nil, err)

	AssertEq(nil, t.fs.Truncate(t.ctx, attrs.Ino, 10))

	refreshed, err := t.fs.GetAttr(attrs.Ino)
	AssertEq(nil, err)
	ExpectEq(uint64(10), refreshed.Size)
}

func (t *OperationsTest) LinkAndUnlink() {
	attrs, err := t.fs.Create(t.ctx, pm.RootIno, "f", 0644)
	AssertEq(nil, err)

	_, err = t.fs.Link(t.ctx, pm.RootIno, "g", attrs.Ino)
	AssertEq(nil, err)

	linked, err := t.fs.GetAttr(attrs.Ino)
	AssertEq(nil, err)
	ExpectEq(uint16(2), linked.LinkCount)

	AssertEq(nil, t.fs.Unlink(t.ctx, pm.RootIno, "f"))
	stillLinked, err := t.fs.GetAttr(attrs.Ino)
	AssertEq(nil, err)
	ExpectEq(uint16(1), stillLinked.LinkCount)

	AssertEq(nil, t.fs.Unlink(t.ctx, pm.RootIno, "g"))
	_, err = t.fs.GetAttr(attrs.Ino)
	ExpectThat(err, Error(HasSubstr("no such file or directory")))
}

func (t *OperationsTest) LinkRejectsDirectories() {
	attrs, err := t.fs.MkDir(t.ctx, pm.RootIno, "d", 0755)
	AssertEq(nil, err)
	_, err = t.fs.Link(t.ctx, pm.RootIno, "d2", attrs.Ino)
	ExpectThat(err, Error(HasSubstr("operation not permitted")))
}

func (t *OperationsTest) RmDirRequiresEmpty() {
	attrs, err := t.fs.MkDir(t.ctx, pm.RootIno, "d", 0755)
	AssertEq(nil, err)
	_, err = t.fs.Create(t.ctx, attrs.Ino, "f", 0644)
	AssertEq(nil, err)

	err = t.fs.RmDir(t.ctx, pm.RootIno, "d")
	ExpectThat(err, Error(HasSubstr("directory not empty")))

	AssertEq(nil, t.fs.Unlink(t.ctx, attrs.Ino, "f"))
	AssertEq(nil, t.fs.RmDir(t.ctx, pm.RootIno, "d"))

	_, err = t.fs.Lookup(pm.RootIno, "d")
	ExpectThat(err, Error(HasSubstr("no such file or directory")))
}

func (t *OperationsTest) RenameWithinSameDirectory() {
	attrs, err := t.fs.Create(t.ctx, pm.RootIno, "old", 0644)
	AssertEq(nil, err)

	AssertEq(nil, t.fs.Rename(t.ctx, pm.RootIno, "old", pm.RootIno, "new"))

	_, err = t.fs.Lookup(pm.RootIno, "old")
	ExpectNe(nil, err)

	got, err := t.fs.Lookup(pm.RootIno, "new")
	AssertEq(nil, err)
	ExpectEq(attrs.Ino, got.Ino)
}

func (t *OperationsTest) RenameAcrossDirectories() {
	dir, err := t.fs.MkDir(t.ctx, pm.RootIno, "d", 0755)
	AssertEq(nil, err)
	file, err := t.fs.Create(t.ctx, pm.RootIno, "f", 0644)
	AssertEq(nil, err)

	AssertEq(nil, t.fs.Rename(t.ctx, pm.RootIno, "f", dir.Ino, "moved"))

	_, err = t.fs.Lookup(pm.RootIno, "f")
	ExpectNe(nil, err)

	got, err := t.fs.Lookup(dir.Ino, "moved")
	AssertEq(nil, err)
	ExpectEq(file.Ino, got.Ino)
}

////////////////////////////////////////////////////////////////////////
// Recovery
////////////////////////////////////////////////////////////////////////

type RecoveryTest struct{}

func init() { RegisterTestSuite(&RecoveryTest{}) }

func (t *RecoveryTest) RebuildsTreeAfterRemount() {
	dev, fs := newFormattedFS(32, 32)

	dirAttrs, err := fs.MkDir(context.Background(), pm.RootIno, "d", 0755)
	AssertEq(nil, err)
	fileAttrs, err := fs.Create(context.Background(), dirAttrs.Ino, "f", 0644)
	AssertEq(nil, err)
	payload := []byte("persisted across remount")
	_, err = fs.Write(context.Background(), fileAttrs.Ino, 0, payload)
	AssertEq(nil, err)

	// Simulate an unmount/remount cycle: nothing survives but the bytes on
	// dev, so every volatile structure must come back from Recover alone.
	opts := mountopts.Options{CPUs: 1}
	remounted, err := Mount(dev, opts, new(timeutil.SimulatedClock))
	AssertEq(nil, err)

	entries, err := remounted.ReadDir(pm.RootIno)
	AssertEq(nil, err)
	var sawD bool
	for _, e := range entries {
		if e.Name == "d" {
			sawD = true
			ExpectEq(dirAttrs.Ino, e.Ino)
		}
	}
	ExpectTrue(sawD)

	got := make([]byte, len(payload))
	n, err := remounted.Read(context.Background(), fileAttrs.Ino, 0, got)
	AssertEq(nil, err)
	ExpectEq(len(payload), n)
	ExpectEq(string(payload), string(got))
}

// The next three tests hand-construct an on-PM state a crash could leave
// behind mid-operation, bypassing FileSystem entirely (it only ever
// produces complete operations), then check what Recover does with it.

func (t *RecoveryTest) OrphanedMkdirTargetIsReclaimed() {
	dev, _ := newFormattedFS(32, 32)
	geo := pm.NewGeometry(32, 32)
	const now = uint64(1)
	const childIno = pm.InodeNum(5)
	const childPageNum = pm.PageNum(5)

	// mkdir steps 1-3: the child directory inode and its own "." / ".."
	// page are fully initialized, exactly as real mkdir leaves them before
	// ever touching the parent.
	childClean := pm.FenceInode(pm.FlushInode(pm.InitInode(pm.AllocInode(dev, geo, childIno), pm.InodeInit{
		Mode: 0755, Type: pm.TypeDir, LinkCount: 2, Atime: now, Mtime: now, Ctime: now,
	})))
	pm.CompleteInode(childClean)

	childPageClean := pm.FenceDirPage(pm.FlushDirPage(pm.InitDirPage(pm.AllocDirPage(dev, geo, childPageNum), childIno)))
	ch := pm.WrapDirPageForRecovery(dev, geo, childPageNum)
	dot, err := pm.InitDentry(pm.AllocDentry(ch.Dentry(0)), ".", childIno)
	AssertEq(nil, err)
	pm.CompleteDentry(pm.FenceDentry(pm.FlushDentry(dot)))
	dotdot, err := pm.InitDentry(pm.AllocDentry(ch.Dentry(1)), "..", pm.RootIno)
	AssertEq(nil, err)
	pm.CompleteDentry(pm.FenceDentry(pm.FlushDentry(dotdot)))
	pm.CompleteDirPage(childPageClean)

	// mkdir step 4: bump the parent's link count for the new
	// subdirectory's ".." back-reference.
	parent, err := pm.GetInitInodeByIno(dev, geo, pm.RootIno)
	AssertEq(nil, err)
	pm.CompleteInode(pm.FenceInode(pm.FlushInode(pm.IncLink(parent))))
	// Crash here: the new dentry naming childIno was never written into
	// root's own page.

	remounted, err := Mount(dev, mountopts.Options{CPUs: 1}, new(timeutil.SimulatedClock))
	AssertEq(nil, err)

	root, err := remounted.GetAttr(pm.RootIno)
	AssertEq(nil, err)
	ExpectEq(uint16(2), root.LinkCount) // the stray IncLink is undone

	_, err = remounted.GetAttr(childIno)
	ExpectThat(err, Error(HasSubstr("no such file or directory"))) // the orphaned inode and its page were reclaimed

	entries, err := remounted.ReadDir(pm.RootIno)
	AssertEq(nil, err)
	ExpectEq(2, len(entries)) // just ".", ".." - no dangling name
}

func (t *RecoveryTest) RenameCrashAfterDestinationCommitIsRolledForward() {
	dev, _ := newFormattedFS(32, 32)
	geo := pm.NewGeometry(32, 32)
	const now = uint64(1)
	const fileIno = pm.InodeNum(5)

	fileClean := pm.FenceInode(pm.FlushInode(pm.InitInode(pm.AllocInode(dev, geo, fileIno), pm.InodeInit{
		Mode: 0644, Type: pm.TypeReg, LinkCount: 1, Atime: now, Mtime: now, Ctime: now,
	})))
	pm.CompleteInode(fileClean)

	// A second page for root, the way findFreeDentry adds one once the
	// first is full — avoids assuming which physical page number Format
	// happened to give root's original page.
	const extraPageNum = pm.PageNum(20)
	extraClean := pm.FenceDirPage(pm.FlushDirPage(pm.InitDirPage(pm.AllocDirPage(dev, geo, extraPageNum), pm.RootIno)))
	root := pm.WrapDirPageForRecovery(dev, geo, extraPageNum)

	oldInit, err := pm.InitDentry(pm.AllocDentry(root.Dentry(0)), "a", fileIno)
	AssertEq(nil, err)
	oldClean := pm.FenceDentry(pm.FlushDentry(oldInit))

	// §4.6 rename steps 1-2: prepare the destination with a rename_ptr
	// back at the source, then commit its ino.
	newSlot := root.Dentry(1)
	prepped, err := pm.InitDentryForRename(pm.AllocDentry(newSlot), "b", oldClean.Offset())
	AssertEq(nil, err)
	preppedClean := pm.FenceDentry(pm.FlushDentry(prepped))
	pm.FenceDentry(pm.FlushDentry(pm.CommitRenameIno(preppedClean, fileIno)))
	pm.CompleteDirPage(extraClean)
	// Crash here: the destination ("b") has committed but the source
	// ("a") was never cleared — rename_ptr is still live on "b"'s slot.

	remounted, err := Mount(dev, mountopts.Options{CPUs: 1}, new(timeutil.SimulatedClock))
	AssertEq(nil, err)

	_, err = remounted.Lookup(pm.RootIno, "a")
	ExpectThat(err, Error(HasSubstr("no such file or directory")))
	got, err := remounted.Lookup(pm.RootIno, "b")
	AssertEq(nil, err)
	ExpectEq(pm.InodeNum(fileIno), got.Ino)

	ExpectTrue(root.Dentry(0).IsFree())
	ExpectEq(uint64(0), root.Dentry(1).RenamePtr())
}

func (t *RecoveryTest) RenameCrashBeforeDestinationCommitIsRolledBack() {
	dev, _ := newFormattedFS(32, 32)
	geo := pm.NewGeometry(32, 32)
	const now = uint64(1)
	const fileIno = pm.InodeNum(5)

	fileClean := pm.FenceInode(pm.FlushInode(pm.InitInode(pm.AllocInode(dev, geo, fileIno), pm.InodeInit{
		Mode: 0644, Type: pm.TypeReg, LinkCount: 1, Atime: now, Mtime: now, Ctime: now,
	})))
	pm.CompleteInode(fileClean)

	const extraPageNum = pm.PageNum(20)
	extraClean := pm.FenceDirPage(pm.FlushDirPage(pm.InitDirPage(pm.AllocDirPage(dev, geo, extraPageNum), pm.RootIno)))
	root := pm.WrapDirPageForRecovery(dev, geo, extraPageNum)

	oldInit, err := pm.InitDentry(pm.AllocDentry(root.Dentry(0)), "a", fileIno)
	AssertEq(nil, err)
	oldClean := pm.FenceDentry(pm.FlushDentry(oldInit))

	// §4.6 rename step 1 only: the destination slot is prepared (name and
	// rename_ptr written) but never committed — its ino stays 0.
	newSlot := root.Dentry(1)
	prepped, err := pm.InitDentryForRename(pm.AllocDentry(newSlot), "b", oldClean.Offset())
	AssertEq(nil, err)
	pm.CompleteDentry(pm.FenceDentry(pm.FlushDentry(prepped)))
	pm.CompleteDirPage(extraClean)
	// Crash here: the commit step (ino = fileIno) never happened.

	remounted, err := Mount(dev, mountopts.Options{CPUs: 1}, new(timeutil.SimulatedClock))
	AssertEq(nil, err)

	got, err := remounted.Lookup(pm.RootIno, "a")
	AssertEq(nil, err)
	ExpectEq(pm.InodeNum(fileIno), got.Ino)

	entries, err := remounted.ReadDir(pm.RootIno)
	AssertEq(nil, err)
	ExpectEq(3, len(entries)) // ".", "..", "a" - "b" never existed

	ExpectEq(uint64(0), root.Dentry(1).RenamePtr())
	ExpectTrue(root.Dentry(1).IsFree())
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

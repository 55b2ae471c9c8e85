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

package balloc

import (
	"testing"

	. "github.com/jacobsa/ogletest"

	"github.com/hayleyfs/hayleyfs/hfserr"
	"github.com/hayleyfs/hayleyfs/pm"
)

func TestBalloc(t *testing.T) { RunTests(t) }

////////////////////////////////////////////////////////////////////////
// PageAllocator
////////////////////////////////////////////////////////////////////////

type PageAllocatorTest struct{}

func init() { RegisterTestSuite(&PageAllocatorTest{}) }

func (t *PageAllocatorTest) AllocFromOwnPool() {
	a := NewFromRange(4, 100, 16)
	ExpectEq(16, a.Free())

	p, err := a.Alloc(0)
	AssertEq(nil, err)
	ExpectTrue(p >= 100 && p < 116)
	ExpectEq(15, a.Free())
}

func (t *PageAllocatorTest) DeallocReturnsToOwnPool() {
	a := NewFromRange(2, 0, 2)
	p, err := a.Alloc(0)
	AssertEq(nil, err)
	a.Dealloc(0, p)
	ExpectEq(2, a.Free())
}

func (t *PageAllocatorTest) StealsFromMostPopulatedRemotePool() {
	// CPU 0's pool starts empty; every page lands on CPU 1.
	a := NewPageAllocator(2, nil)
	for _, p := range []pm.PageNum{1, 2, 3} {
		a.Dealloc(1, p)
	}
	p, err := a.Alloc(0)
	AssertEq(nil, err)
	ExpectTrue(p == 1 || p == 2 || p == 3)
	ExpectEq(2, a.Free())
}

func (t *PageAllocatorTest) ExhaustionReturnsNoSpace() {
	a := NewFromRange(1, 0, 1)
	_, err := a.Alloc(0)
	AssertEq(nil, err)
	_, err = a.Alloc(0)
	ExpectEq(hfserr.NoSpace, err)
}

////////////////////////////////////////////////////////////////////////
// InodeAllocator
////////////////////////////////////////////////////////////////////////

type InodeAllocatorTest struct{}

func init() { RegisterTestSuite(&InodeAllocatorTest{}) }

func (t *InodeAllocatorTest) MonotonicNeverReusesNumbers() {
	a := NewInodeAllocator(2, 5)
	first, err := a.Alloc()
	AssertEq(nil, err)
	ExpectEq(pm.InodeNum(2), first)

	a.Dealloc(first) // no-op: monotonic mode never reclaims

	second, err := a.Alloc()
	AssertEq(nil, err)
	ExpectEq(pm.InodeNum(3), second)

	_, err = a.Alloc()
	AssertEq(nil, err)
	_, err = a.Alloc()
	ExpectEq(hfserr.NoSpace, err)
}

func (t *InodeAllocatorTest) ReclaimingAllocatorReusesFreedNumbers() {
	a := NewReclaimingInodeAllocator(2, 4, nil)
	first, err := a.Alloc()
	AssertEq(nil, err)
	ExpectEq(pm.InodeNum(2), first)

	a.Dealloc(first)

	reused, err := a.Alloc()
	AssertEq(nil, err)
	ExpectEq(first, reused)
}

//
// Copyright 2019-2023 Nestybox, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package slabCache

import (
	"errors"
	"math/rand"
	"testing"

	intf "github.com/nestybox/sysbox-kmem/intf"
	"github.com/nestybox/sysbox-kmem/lib/buddyAlloc"
	"github.com/nestybox/sysbox-kmem/lib/physMem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testStart    uint64 = 0x30100000
	testPageSize uint32 = 4096
)

func setup(t *testing.T, numPages, maxOrder int) (*buddyAlloc.Buddy, *physMem.Memory) {
	t.Helper()

	end := testStart + uint64(numPages)*uint64(testPageSize)

	mem, err := physMem.New(testStart, end, physMem.Heap)
	require.NoError(t, err)
	t.Cleanup(func() { mem.Close() })

	buddy, err := buddyAlloc.New(testStart, end, testPageSize, maxOrder)
	require.NoError(t, err)

	return buddy, mem
}

func checkFreeList(t *testing.T, c *Cache) []uint64 {
	t.Helper()

	objs, err := c.freeObjects()
	require.NoError(t, err)
	require.Equal(t, int(c.ObjNum()), len(objs), "free list length != free object count")

	for _, obj := range objs {
		inside := false
		for _, g := range c.Groups() {
			start := g.Addr()
			end := start + uint64(testPageSize)<<c.Order()
			if obj >= start && obj+uint64(c.ObjSize()) <= end {
				inside = true
				break
			}
		}
		require.True(t, inside, "free object %#x outside the cache's groups", obj)
	}

	return objs
}

func TestFindOrder(t *testing.T) {
	var tests = []struct {
		objSize      uint32
		wastePercent uint32
		wantOrder    int
		wantErr      error
	}{
		{32, 10, 0, nil},
		{48, 10, 0, nil},
		{608, 10, 1, nil},
		{1184, 10, 2, nil},
		{1824, 10, 3, nil},
		{3648, 10, 4, nil},
		{4096, 10, 0, nil},
		{4097, 10, 4, nil},
		{20000, 10, 4, nil},
		{100000, 10, 0, intf.ErrInvalidConfig},
		{1824, 50, 0, nil},
		{1824, 1, 3, nil},
		{1324, 1, 0, intf.ErrInvalidConfig},
	}

	for _, test := range tests {
		got, err := findOrder(uint64(testPageSize), test.objSize, test.wastePercent)
		if test.wantErr != nil {
			assert.ErrorIs(t, err, test.wantErr, "findOrder(%v, %v)", test.objSize, test.wastePercent)
			continue
		}
		if assert.NoError(t, err, "findOrder(%v, %v)", test.objSize, test.wastePercent) {
			assert.Equal(t, test.wantOrder, got, "findOrder(%v, %v)", test.objSize, test.wastePercent)
		}
	}
}

func TestNewInvalid(t *testing.T) {
	buddy, mem := setup(t, 16, 5)

	_, err := New(buddy, mem, 4, 0, DefaultWastePercent)
	assert.ErrorIs(t, err, intf.ErrInvalidConfig)

	_, err = New(buddy, mem, 64, 0, 0)
	assert.ErrorIs(t, err, intf.ErrInvalidConfig)

	_, err = New(buddy, mem, 64, 0, 100)
	assert.ErrorIs(t, err, intf.ErrInvalidConfig)

	_, err = New(buddy, mem, 1<<20, 0, DefaultWastePercent)
	assert.ErrorIs(t, err, intf.ErrInvalidConfig)

	// memory region that doesn't cover the page map
	small, err := physMem.New(testStart, testStart+uint64(testPageSize), physMem.Heap)
	require.NoError(t, err)
	defer small.Close()

	_, err = New(buddy, small, 64, 0, DefaultWastePercent)
	assert.ErrorIs(t, err, intf.ErrInvalidConfig)

	// none of the failed creations consumed pages
	assert.Equal(t, 0, buddy.BusyPages())
}

func TestCarving(t *testing.T) {
	buddy, mem := setup(t, 16, 5)

	c, err := New(buddy, mem, 48, 0, DefaultWastePercent)
	require.NoError(t, err)

	assert.Equal(t, uint32(48), c.ObjSize())
	assert.Equal(t, 0, c.Order())
	assert.Equal(t, uint32(85), c.ObjNum())
	require.Len(t, c.Groups(), 1)
	assert.Equal(t, c.Head(), c.Tail())
	assert.Equal(t, 1, buddy.BusyPages())

	objs := checkFreeList(t, c)
	head := c.Head().Addr()
	for i, obj := range objs {
		assert.Equal(t, head+uint64(i)*48, obj)
	}

	seen := make(map[uint64]bool)
	for i := 0; i < 85; i++ {
		obj, err := c.Alloc()
		require.NoError(t, err)
		require.False(t, seen[obj], "Alloc() returned duplicate object %#x", obj)
		seen[obj] = true

		assert.True(t, obj >= head && obj+48 <= head+uint64(testPageSize))
	}

	// no new group requested so far
	assert.Len(t, c.Groups(), 1)
	assert.Equal(t, uint32(0), c.ObjNum())
	assert.Equal(t, 1, buddy.BusyPages())

	// the 86th object comes from a new group
	obj, err := c.Alloc()
	require.NoError(t, err)
	require.Len(t, c.Groups(), 2)
	assert.Equal(t, c.Tail().Addr(), obj)
	assert.Equal(t, uint32(84), c.ObjNum())
	assert.Equal(t, 2, buddy.BusyPages())

	checkFreeList(t, c)
	require.NoError(t, buddy.Check())
}

func TestGroupFlags(t *testing.T) {
	buddy, mem := setup(t, 16, 5)

	c, err := New(buddy, mem, 1824, 0, DefaultWastePercent)
	require.NoError(t, err)
	require.Equal(t, 3, c.Order())

	head := c.Head()
	for i := 0; i < 8; i++ {
		pg, err := buddy.Pages().Page(head.Index() + i)
		require.NoError(t, err)
		assert.NotZero(t, pg.Flags()&buddyAlloc.PageInCache, "page %v", i)
	}

	require.NoError(t, c.Destroy())

	for i := 0; i < 8; i++ {
		pg, err := buddy.Pages().Page(head.Index() + i)
		require.NoError(t, err)
		assert.Zero(t, pg.Flags()&buddyAlloc.PageInCache, "page %v", i)
		assert.Nil(t, pg.Owner())
	}
}

func TestLIFOReuse(t *testing.T) {
	buddy, mem := setup(t, 16, 5)

	c, err := New(buddy, mem, 64, 0, DefaultWastePercent)
	require.NoError(t, err)

	a, err := c.Alloc()
	require.NoError(t, err)
	b, err := c.Alloc()
	require.NoError(t, err)

	c.Free(a)
	c.Free(b)

	got, err := c.Alloc()
	require.NoError(t, err)
	assert.Equal(t, b, got)

	got, err = c.Alloc()
	require.NoError(t, err)
	assert.Equal(t, a, got)

	checkFreeList(t, c)
}

func TestOwner(t *testing.T) {
	buddy, mem := setup(t, 16, 5)

	c, err := New(buddy, mem, 2048, 0, DefaultWastePercent)
	require.NoError(t, err)

	obj, err := c.Alloc()
	require.NoError(t, err)

	pg, err := buddy.Pages().AddrToPage(obj)
	require.NoError(t, err)
	assert.Equal(t, intf.ObjCache(c), pg.Owner())
}

func TestExhausted(t *testing.T) {

	// a single page
	buddy, mem := setup(t, 1, 1)

	c, err := New(buddy, mem, 2048, 0, DefaultWastePercent)
	require.NoError(t, err)
	require.Equal(t, uint32(2), c.ObjNum())

	_, err = c.Alloc()
	require.NoError(t, err)
	_, err = c.Alloc()
	require.NoError(t, err)

	_, err = c.Alloc()
	assert.True(t, errors.Is(err, intf.ErrExhausted), "got %v", err)
	assert.Equal(t, uint32(0), c.ObjNum())
	assert.Len(t, c.Groups(), 1)

	_, err = New(buddy, mem, 64, 0, DefaultWastePercent)
	assert.ErrorIs(t, err, intf.ErrExhausted)
}

func TestDestroy(t *testing.T) {
	buddy, mem := setup(t, 64, 5)

	c, err := New(buddy, mem, 1184, 0, DefaultWastePercent)
	require.NoError(t, err)
	require.Equal(t, 2, c.Order())

	// 13 objects per group; grow to 3 groups
	for i := 0; i < 30; i++ {
		_, err := c.Alloc()
		require.NoError(t, err)
	}
	require.Len(t, c.Groups(), 3)
	for _, g := range c.Groups() {
		assert.Equal(t, 2, g.Order())
	}
	assert.Equal(t, 12, buddy.BusyPages())

	require.NoError(t, c.Destroy())

	assert.Equal(t, 0, buddy.BusyPages())
	assert.Equal(t, buddy.TotalPages(), buddy.FreePages())
	assert.Nil(t, c.Head())
	assert.Nil(t, c.Tail())
	require.NoError(t, buddy.Check())
}

func TestAllocFree(t *testing.T) {
	buddy, mem := setup(t, 64, 5)

	c, err := New(buddy, mem, 96, 0, DefaultWastePercent)
	require.NoError(t, err)

	rnd := rand.New(rand.NewSource(7))
	live := make(map[uint64]bool)
	var order []uint64

	for i := 0; i < 3000; i++ {
		if len(order) > 0 && rnd.Intn(3) == 0 {
			j := rnd.Intn(len(order))
			obj := order[j]
			order[j] = order[len(order)-1]
			order = order[:len(order)-1]
			delete(live, obj)
			c.Free(obj)
			continue
		}

		obj, err := c.Alloc()
		require.NoError(t, err)
		require.False(t, live[obj], "object %#x handed out twice", obj)
		live[obj] = true
		order = append(order, obj)
	}

	objs := checkFreeList(t, c)
	for _, obj := range objs {
		assert.False(t, live[obj], "live object %#x in free list", obj)
	}

	total := uint32(len(c.Groups())) * (testPageSize / 96)
	assert.Equal(t, total, c.ObjNum()+uint32(len(live)))
}

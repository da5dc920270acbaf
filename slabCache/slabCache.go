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

// sysbox-kmem: slab object cache
//
// A Cache hands out fixed-size objects carved from page groups obtained from
// the buddy allocator. All groups owned by a cache have the same order, chosen
// at creation time so that the space left over after carving a group into
// objects stays below a waste bound. Free objects are kept in a singly linked
// list threaded through the objects themselves.
//
// Memory is only returned to the buddy allocator when the cache is destroyed.

package slabCache

import (
	"fmt"

	intf "github.com/nestybox/sysbox-kmem/intf"
	"github.com/nestybox/sysbox-kmem/lib/buddyAlloc"
	"github.com/nestybox/sysbox-kmem/lib/physMem"
	"github.com/sirupsen/logrus"
)

const (
	cacheMaxOrder       = 5  // largest group a cache carves objects from is 2^5 pages
	DefaultWastePercent = 10 // max % of a group that may be left over after carving
)

// Cache is an object cache; implements the intf.ObjCache interface
type Cache struct {
	buddy   *buddyAlloc.Buddy
	mem     span
	objSize uint32
	objNum  uint32 // # of free objects
	order   int    // order of every group owned by the cache
	flags   uint32
	groups  []*buddyAlloc.Page // owned groups, oldest first
	nfBlock uint64             // first free object
	log     logrus.FieldLogger
}

var _ intf.ObjCache = (*Cache)(nil)

// findOrder returns the smallest group order whose leftover space, after being
// carved into objects of the given size, is below wastePercent of the group.
func findOrder(pageSize uint64, objSize, wastePercent uint32) (int, error) {
	size := uint64(objSize)

	for order := 0; order <= cacheMaxOrder; order++ {
		region := pageSize << order
		if size > region {
			continue
		}
		waste := region % size
		if waste*100 < region*uint64(wastePercent) {
			return order, nil
		}
	}

	return 0, fmt.Errorf("no group order up to %v wastes less than %v%% with %v-byte objects: %w",
		cacheMaxOrder, wastePercent, objSize, intf.ErrInvalidConfig)
}

// New creates a cache of objects of the given size, backed by page groups from
// the given buddy allocator over the memory region mem. The cache is created
// with one group.
func New(b *buddyAlloc.Buddy, mem *physMem.Memory, objSize, flags, wastePercent uint32) (*Cache, error) {

	if objSize < wordSize {
		return nil, fmt.Errorf("object size must be at least %v bytes; got %v: %w",
			wordSize, objSize, intf.ErrInvalidConfig)
	}

	if wastePercent == 0 || wastePercent >= 100 {
		return nil, fmt.Errorf("waste percent must be between (1, 99); got %v: %w",
			wastePercent, intf.ErrInvalidConfig)
	}

	pm := b.Pages()
	if !mem.Contains(pm.Start(), pm.End()-pm.Start()) {
		return nil, fmt.Errorf("page map [%#x, %#x) not within memory region [%#x, %#x): %w",
			pm.Start(), pm.End(), mem.Start(), mem.End(), intf.ErrInvalidConfig)
	}

	order, err := findOrder(b.PageSize(), objSize, wastePercent)
	if err != nil {
		return nil, err
	}

	c := &Cache{
		buddy:   b,
		mem:     span{mem},
		objSize: objSize,
		order:   order,
		flags:   flags,
		nfBlock: objEnd,
		log:     logrus.StandardLogger(),
	}

	if err := c.grow(); err != nil {
		return nil, err
	}

	c.log.WithFields(logrus.Fields{
		"objSize": objSize,
		"order":   order,
		"objects": c.objNum,
	}).Debug("slab cache created")

	return c, nil
}

// SetLogger sets the logger used for diagnostics.
func (c *Cache) SetLogger(log logrus.FieldLogger) {
	c.log = log
}

// grow obtains a new group from the buddy allocator and adds its objects to
// the free list; the cache must have no free objects.
func (c *Cache) grow() error {

	pg, err := c.buddy.Alloc(c.order)
	if err != nil {
		return fmt.Errorf("failed to grow %v-byte object cache: %w", c.objSize, err)
	}

	base := c.buddy.Pages().PageToAddr(pg)
	region := c.buddy.PageSize() << c.order

	n, err := c.mem.lineObjects(base, uint64(c.objSize), region/uint64(c.objSize))
	if err != nil {
		c.buddy.Free(pg, c.order)
		return fmt.Errorf("failed to carve objects at %#x: %v", base, err)
	}

	c.markGroup(pg, true)
	c.groups = append(c.groups, pg)
	c.nfBlock = base
	c.objNum += n

	return nil
}

// markGroup sets (or clears) the in-cache flag on every page of the group.
func (c *Cache) markGroup(header *buddyAlloc.Page, inCache bool) {
	pm := c.buddy.Pages()

	for i := 0; i < 1<<c.order; i++ {
		pg, err := pm.Page(header.Index() + i)
		if err != nil {
			return
		}
		if inCache {
			pg.SetFlags(buddyAlloc.PageInCache)
		} else {
			pg.ClearFlags(buddyAlloc.PageInCache)
			pg.SetOwner(nil)
		}
	}
}

// Implements intf.ObjCache.Alloc
func (c *Cache) Alloc() (uint64, error) {

	if c.objNum == 0 {
		if err := c.grow(); err != nil {
			return 0, err
		}
	}

	obj := c.nfBlock

	next, err := c.mem.loadNext(obj)
	if err != nil {
		return 0, fmt.Errorf("corrupted free list in %v-byte object cache: %v", c.objSize, err)
	}

	pg, err := c.buddy.Pages().AddrToPage(obj)
	if err != nil {
		return 0, fmt.Errorf("corrupted free list in %v-byte object cache: %v", c.objSize, err)
	}

	c.nfBlock = next
	c.objNum--
	pg.SetOwner(c)

	return obj, nil
}

// Implements intf.ObjCache.Free
//
// The object is not validated: it must have been obtained from this cache.
func (c *Cache) Free(obj uint64) {
	if err := c.mem.storeNext(obj, c.nfBlock); err != nil {
		c.log.WithField("addr", fmt.Sprintf("%#x", obj)).Errorf("dropping object: %v", err)
		return
	}
	c.nfBlock = obj
	c.objNum++
}

// Destroy returns all groups owned by the cache to the buddy allocator. The
// cache must not be used afterwards.
func (c *Cache) Destroy() error {
	var firstErr error

	for _, pg := range c.groups {
		c.markGroup(pg, false)
		if err := c.buddy.Free(pg, c.order); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	c.groups = nil
	c.objNum = 0
	c.nfBlock = objEnd

	return firstErr
}

// Implements intf.ObjCache.ObjSize
func (c *Cache) ObjSize() uint32 {
	return c.objSize
}

// ObjNum returns the number of free objects in the cache.
func (c *Cache) ObjNum() uint32 {
	return c.objNum
}

// Order returns the order of the groups owned by the cache.
func (c *Cache) Order() int {
	return c.order
}

func (c *Cache) Flags() uint32 {
	return c.flags
}

// Head returns the first group owned by the cache (nil if none).
func (c *Cache) Head() *buddyAlloc.Page {
	if len(c.groups) == 0 {
		return nil
	}
	return c.groups[0]
}

// Tail returns the most recently added group (nil if none).
func (c *Cache) Tail() *buddyAlloc.Page {
	if len(c.groups) == 0 {
		return nil
	}
	return c.groups[len(c.groups)-1]
}

// Groups returns the groups owned by the cache, oldest first.
func (c *Cache) Groups() []*buddyAlloc.Page {
	groups := make([]*buddyAlloc.Page, len(c.groups))
	copy(groups, c.groups)
	return groups
}

// freeObjects walks the free list; the walk is bounded by the number of free
// objects the cache accounts for (plus one, to detect overruns).
func (c *Cache) freeObjects() ([]uint64, error) {
	var objs []uint64

	for obj := c.nfBlock; obj != objEnd; {
		if len(objs) > int(c.objNum) {
			return objs, fmt.Errorf("free list longer than %v objects", c.objNum)
		}
		objs = append(objs, obj)

		next, err := c.mem.loadNext(obj)
		if err != nil {
			return objs, err
		}
		obj = next
	}

	return objs, nil
}

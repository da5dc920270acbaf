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

package buddyAlloc

import (
	intf "github.com/nestybox/sysbox-kmem/intf"
)

// PageFlags hold the status bits of a page
type PageFlags uint32

// Page flags
const (
	PageAvailable PageFlags = 0x00
	PageDirty     PageFlags = 0x01 // part of an allocated group
	PageProtect   PageFlags = 0x02
	PageBuddyBusy PageFlags = 0x04 // group header is allocated
	PageInCache   PageFlags = 0x08 // group is owned by an object cache
)

// noOrder is the order of pages that are not a group header
const noOrder = -1

// Page is the descriptor of one page in the managed region. Descriptors live in
// a single arena (see PageMap) and are addressed by their index in it.
type Page struct {
	vaddr   uint64
	idx     int
	flags   PageFlags
	order   int
	counter uint32        // # of times the page has been allocated
	owner   intf.ObjCache // weak back-reference; never owns the cache
	list    listNode      // free list linkage (headers only)
}

// Addr returns the starting address of the page.
func (pg *Page) Addr() uint64 {
	return pg.vaddr
}

// Index returns the position of the page within the page map.
func (pg *Page) Index() int {
	return pg.idx
}

// Order returns the page's group order, or -1 if the page is not a group header.
func (pg *Page) Order() int {
	return pg.order
}

// IsHeader reports whether the page heads a buddy group.
func (pg *Page) IsHeader() bool {
	return pg.order != noOrder
}

func (pg *Page) Flags() PageFlags {
	return pg.flags
}

func (pg *Page) Counter() uint32 {
	return pg.counter
}

// Busy reports whether the page heads an allocated group.
func (pg *Page) Busy() bool {
	return pg.flags&PageBuddyBusy != 0
}

// Owner returns the object cache the page was last handed out from (if any).
func (pg *Page) Owner() intf.ObjCache {
	return pg.owner
}

// SetOwner records the object cache that handed out memory within the page.
func (pg *Page) SetOwner(c intf.ObjCache) {
	pg.owner = c
}

// SetFlags sets the given flag bits; the buddy-busy bit is reserved to the
// buddy allocator and is ignored.
func (pg *Page) SetFlags(f PageFlags) {
	pg.flags |= f &^ PageBuddyBusy
}

// ClearFlags clears the given flag bits (except the buddy-busy bit).
func (pg *Page) ClearFlags(f PageFlags) {
	pg.flags &^= f &^ PageBuddyBusy
}

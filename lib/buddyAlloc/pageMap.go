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
	"fmt"

	intf "github.com/nestybox/sysbox-kmem/intf"
)

// PageMap is the page registry: one descriptor per page of the managed region,
// plus address <-> descriptor translation.
type PageMap struct {
	start     uint64 // first page address (page aligned)
	pageSize  uint64
	pageShift uint
	pages     []Page
}

// newPageMap partitions [start, end) into pages and forms the initial buddy
// groups.
//
// Groups are made as large as possible: the pages are split into groups of
// order (maxOrder - 1), and the remainder that is not big enough to fill such
// a group is treated as order-0 singletons.
func newPageMap(start, end uint64, pageSize uint32, maxOrder int) (*PageMap, error) {

	psize := uint64(pageSize)
	alignedStart := (start + psize - 1) &^ (psize - 1)

	if alignedStart < start || end <= alignedStart || end-alignedStart < psize {
		return nil, fmt.Errorf("memory region [%#x, %#x) holds no %v-byte page: %w",
			start, end, pageSize, intf.ErrInvalidConfig)
	}

	numPages := (end - alignedStart) / psize

	pm := &PageMap{
		start:     alignedStart,
		pageSize:  psize,
		pageShift: log2(psize),
		pages:     make([]Page, numPages),
	}

	maxGroupPages := 1 << (maxOrder - 1)
	fullPages := len(pm.pages) &^ (maxGroupPages - 1)

	for i := range pm.pages {
		pg := &pm.pages[i]
		pg.vaddr = alignedStart + uint64(i)*psize
		pg.idx = i
		pg.flags = PageAvailable
		pg.list = listNode{i, i}

		if i < fullPages {
			if i&(maxGroupPages-1) == 0 {
				pg.order = maxOrder - 1
			} else {
				pg.order = noOrder
			}
		} else {
			pg.order = 0
		}
	}

	return pm, nil
}

// AddrToPage returns the descriptor of the page containing addr.
func (pm *PageMap) AddrToPage(addr uint64) (*Page, error) {
	if addr < pm.start {
		return nil, fmt.Errorf("address %#x below managed region: %w", addr, intf.ErrOutOfRange)
	}

	i := (addr - pm.start) >> pm.pageShift
	if i >= uint64(len(pm.pages)) {
		return nil, fmt.Errorf("address %#x beyond managed region: %w", addr, intf.ErrOutOfRange)
	}

	return &pm.pages[i], nil
}

// PageToAddr returns the starting address of the given page.
func (pm *PageMap) PageToAddr(pg *Page) uint64 {
	return pg.vaddr
}

// Page returns the descriptor at the given index.
func (pm *PageMap) Page(idx int) (*Page, error) {
	if idx < 0 || idx >= len(pm.pages) {
		return nil, fmt.Errorf("page index %d: %w", idx, intf.ErrOutOfRange)
	}
	return &pm.pages[idx], nil
}

// owns reports whether pg is a descriptor of this page map.
func (pm *PageMap) owns(pg *Page) bool {
	return pg != nil && pg.idx >= 0 && pg.idx < len(pm.pages) && &pm.pages[pg.idx] == pg
}

// Len returns the number of pages in the region.
func (pm *PageMap) Len() int {
	return len(pm.pages)
}

func (pm *PageMap) PageSize() uint64 {
	return pm.pageSize
}

// Start returns the address of the first page.
func (pm *PageMap) Start() uint64 {
	return pm.start
}

// End returns the first address past the last page.
func (pm *PageMap) End() uint64 {
	return pm.start + uint64(len(pm.pages))*pm.pageSize
}

// Implementation of the kernel's buddy page allocator.
//
// The Buddy class manages a contiguous region of fixed-size pages and allows a
// user to allocate and free groups of 2^order contiguous pages.
//
// A Buddy object is created with New(), allocations are performed with Alloc(), and
// freeing is performed with Free().
//
// Every page of the region has a descriptor (see Page) in the page map. A group of
// pages is represented by its header, the lowest-addressed page of the group; the
// header carries the group's order, while the rest of the pages carry order -1. Free
// groups are kept in one list per order, each holding the headers of the free groups
// of that order.
//
// Allocations are done in O(maxOrder): a free group of the requested order (or larger)
// is taken from its list and, if larger, halved until it matches the requested order,
// with the upper halves going back to the lists of the lower orders. Freeing is also
// done in O(maxOrder): the group is merged with its buddy (the group of the same order
// whose index differs only in bit 'order') for as long as the buddy is free.
//
// The allocator takes no locks: callers must serialize access to it (in the kernel,
// by running allocator code with interrupts disabled).

package buddyAlloc

import (
	"fmt"

	mapset "github.com/deckarep/golang-set"
	intf "github.com/nestybox/sysbox-kmem/intf"
	"github.com/sirupsen/logrus"
)

// Buddy allocator limits
const (
	minPageLimit  = 64      // min page size
	maxPageLimit  = 1 << 30 // max page size
	maxOrderLimit = 24      // largest group is 2^(maxOrderLimit-1) pages
)

// Buddy represents an instance of a buddy page allocator
type Buddy struct {
	pages    *PageMap
	free     freeLists
	maxOrder int
	log      logrus.FieldLogger
}

// New creates a buddy allocator over the region [start, end), using pages of the given
// size and groups of up to 2^(maxOrder-1) pages.
func New(start, end uint64, pageSize uint32, maxOrder int) (*Buddy, error) {

	if pageSize < minPageLimit || pageSize > maxPageLimit {
		return nil, fmt.Errorf("pageSize must be between (%v, %v); got %v: %w",
			minPageLimit, maxPageLimit, pageSize, intf.ErrInvalidConfig)
	}

	if !isPowerOfTwo(uint64(pageSize)) {
		return nil, fmt.Errorf("pageSize must be a power of 2; got %v: %w", pageSize, intf.ErrInvalidConfig)
	}

	if maxOrder < 1 || maxOrder > maxOrderLimit {
		return nil, fmt.Errorf("maxOrder must be between (1, %v); got %v: %w",
			maxOrderLimit, maxOrder, intf.ErrInvalidConfig)
	}

	pm, err := newPageMap(start, end, pageSize, maxOrder)
	if err != nil {
		return nil, err
	}

	b := &Buddy{
		pages:    pm,
		free:     newFreeLists(pm.pages, maxOrder),
		maxOrder: maxOrder,
		log:      logrus.StandardLogger(),
	}

	for i := range pm.pages {
		if pg := &pm.pages[i]; pg.order != noOrder {
			b.free.add(pg.order, i)
		}
	}

	return b, nil
}

// SetLogger sets the logger used for diagnostics.
func (b *Buddy) SetLogger(log logrus.FieldLogger) {
	b.log = log
}

// Alloc allocates a group of 2^order pages and returns its header page.
func (b *Buddy) Alloc(order int) (*Page, error) {
	var i int

	if order < 0 || order >= b.maxOrder {
		return nil, fmt.Errorf("no groups of order %d (max order is %d): %w",
			order, b.maxOrder-1, intf.ErrExhausted)
	}

	// search for a free group in the list for the order, then in higher order lists
	for i = order; i < b.maxOrder; i++ {
		if !b.free.empty(i) {
			break
		}
	}

	if i == b.maxOrder {
		return nil, fmt.Errorf("no free group of order >= %d: %w", order, intf.ErrExhausted)
	}

	idx := b.free.remove(i)

	// iteratively halve the group until it has the requested order; the lower half
	// is kept, the upper half becomes a free group of the lower order
	for i--; i >= order; i-- {
		upper := idx + groupPages(i)
		b.pages.pages[upper].order = i
		b.free.add(i, upper)
	}

	pg := &b.pages.pages[idx]
	pg.order = order
	pg.flags |= PageBuddyBusy

	for j := idx; j < idx+groupPages(order); j++ {
		b.pages.pages[j].flags |= PageDirty
		b.pages.pages[j].counter++
	}

	return pg, nil
}

// Free returns the group of 2^order pages headed by pg.
//
// Freeing a group that is not allocated is diagnosed (logged) and otherwise
// ignored; the returned error is intf.ErrDoubleFree in that case.
func (b *Buddy) Free(pg *Page, order int) error {

	if !b.pages.owns(pg) {
		return fmt.Errorf("page not in page map: %w", intf.ErrOutOfRange)
	}

	if order < 0 || order >= b.maxOrder {
		return fmt.Errorf("invalid order %d: %w", order, intf.ErrOutOfRange)
	}

	if !pg.Busy() {
		b.log.WithFields(logrus.Fields{
			"page":  pg.idx,
			"addr":  fmt.Sprintf("%#x", pg.vaddr),
			"order": order,
		}).Warn("releasing a page group that was not allocated")
		return fmt.Errorf("page %#x: %w", pg.vaddr, intf.ErrDoubleFree)
	}

	if pg.order != order {
		return fmt.Errorf("page %#x heads a group of order %d, not %d: %w",
			pg.vaddr, pg.order, order, intf.ErrOutOfRange)
	}

	idx := pg.idx
	for j := idx; j < idx+groupPages(order); j++ {
		b.pages.pages[j].flags &^= PageDirty
	}
	pg.flags &^= PageBuddyBusy

	// merge with the buddy group for as long as it's free and of the same order
	for ; order < b.maxOrder-1; order++ {
		bi := buddyOf(idx, order)
		if bi >= len(b.pages.pages) {
			break
		}

		buddy := &b.pages.pages[bi]
		if buddy.Busy() || buddy.order != order || !b.free.linked(bi) {
			break
		}

		b.free.removeAt(order, bi)

		lo, hi := idx, bi
		if bi < idx {
			lo, hi = bi, idx
		}
		b.pages.pages[hi].order = noOrder
		b.pages.pages[lo].order = order + 1
		idx = lo
	}

	b.pages.pages[idx].order = order
	b.free.push(order, idx)

	return nil
}

// AllocAddr allocates a group of 2^order pages and returns its starting address.
func (b *Buddy) AllocAddr(order int) (uint64, error) {
	pg, err := b.Alloc(order)
	if err != nil {
		return 0, err
	}
	return b.pages.PageToAddr(pg), nil
}

// FreeAddr returns the group of 2^order pages starting at addr.
func (b *Buddy) FreeAddr(addr uint64, order int) error {
	pg, err := b.pages.AddrToPage(addr)
	if err != nil {
		return err
	}
	return b.Free(pg, order)
}

// Pages returns the allocator's page map.
func (b *Buddy) Pages() *PageMap {
	return b.pages
}

func (b *Buddy) MaxOrder() int {
	return b.maxOrder
}

func (b *Buddy) PageSize() uint64 {
	return b.pages.pageSize
}

// TotalPages returns the number of pages managed by the allocator.
func (b *Buddy) TotalPages() int {
	return len(b.pages.pages)
}

// FreeGroups returns the headers of the free groups of the given order, in list order.
func (b *Buddy) FreeGroups(order int) []*Page {
	if order < 0 || order >= b.maxOrder {
		return nil
	}

	groups := make([]*Page, 0, b.free.len(order))
	b.free.walk(order, func(idx int) bool {
		groups = append(groups, &b.pages.pages[idx])
		return true
	})
	return groups
}

// FreeCount returns the number of free groups of the given order.
func (b *Buddy) FreeCount(order int) int {
	if order < 0 || order >= b.maxOrder {
		return 0
	}
	return b.free.len(order)
}

// FreePages returns the number of pages in free groups.
func (b *Buddy) FreePages() int {
	n := 0
	for o := 0; o < b.maxOrder; o++ {
		n += b.free.len(o) * groupPages(o)
	}
	return n
}

// BusyPages returns the number of pages in allocated groups.
func (b *Buddy) BusyPages() int {
	n := 0
	for i := range b.pages.pages {
		if pg := &b.pages.pages[i]; pg.Busy() {
			n += groupPages(pg.order)
		}
	}
	return n
}

// Check verifies the allocator's invariants: every free list links only free group
// headers of the list's order, with consistent back links and no duplicates, and
// free plus busy pages account for every page in the region.
func (b *Buddy) Check() error {
	seen := mapset.NewSet()
	freePages := 0

	for o := 0; o < b.maxOrder; o++ {
		var err error
		count := 0
		prev := headIdx(o)

		b.free.walk(o, func(idx int) bool {
			pg := &b.pages.pages[idx]

			switch {
			case !seen.Add(idx):
				err = fmt.Errorf("page %d linked more than once (order %d list)", idx, o)
			case pg.list.prev != prev:
				err = fmt.Errorf("page %d has broken back link in order %d list", idx, o)
			case pg.order != o:
				err = fmt.Errorf("page %d of order %d in order %d list", idx, pg.order, o)
			case pg.Busy():
				err = fmt.Errorf("busy page %d in order %d list", idx, o)
			case idx&(groupPages(o)-1) != 0 || idx+groupPages(o) > len(b.pages.pages):
				err = fmt.Errorf("misplaced group at page %d in order %d list", idx, o)
			}
			if err != nil {
				return false
			}

			prev = idx
			count++
			freePages += groupPages(o)
			return true
		})

		if err != nil {
			return err
		}
		if count != b.free.len(o) {
			return fmt.Errorf("order %d list has %d entries, expected %d", o, count, b.free.len(o))
		}
		if b.free.node(headIdx(o)).prev != prev {
			return fmt.Errorf("order %d list has broken tail link", o)
		}
	}

	busyPages := b.BusyPages()
	if freePages+busyPages != len(b.pages.pages) {
		return fmt.Errorf("page leak: %d free + %d busy != %d total",
			freePages, busyPages, len(b.pages.pages))
	}

	return nil
}

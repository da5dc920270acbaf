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

// listNode links a page into a circular doubly linked free list. Links are
// indices into the page map; list heads are encoded as negative indices (the
// head of the list for order o is -(o+1)).
type listNode struct {
	prev, next int
}

func headIdx(order int) int {
	return -(order + 1)
}

// freeLists holds one circular list of free group headers per order.
type freeLists struct {
	pages []Page
	heads []listNode
	lens  []int
}

func newFreeLists(pages []Page, maxOrder int) freeLists {
	l := freeLists{
		pages: pages,
		heads: make([]listNode, maxOrder),
		lens:  make([]int, maxOrder),
	}
	for o := range l.heads {
		h := headIdx(o)
		l.heads[o] = listNode{h, h}
	}
	return l
}

func (l *freeLists) node(i int) *listNode {
	if i < 0 {
		return &l.heads[-i-1]
	}
	return &l.pages[i].list
}

// insert idx between prev and next
func (l *freeLists) insert(idx, prev, next int) {
	l.node(next).prev = idx
	n := l.node(idx)
	n.next = next
	n.prev = prev
	l.node(prev).next = idx
}

// add page to end of list
func (l *freeLists) add(order, idx int) {
	h := headIdx(order)
	l.insert(idx, l.node(h).prev, h)
	l.lens[order]++
}

// push page to front of list
func (l *freeLists) push(order, idx int) {
	h := headIdx(order)
	l.insert(idx, h, l.node(h).next)
	l.lens[order]++
}

// remove page from front of list; returns -1 if the list is empty
func (l *freeLists) remove(order int) int {
	if l.empty(order) {
		return -1
	}
	idx := l.node(headIdx(order)).next
	l.removeAt(order, idx)
	return idx
}

// remove the given page from the list
func (l *freeLists) removeAt(order, idx int) {
	n := l.node(idx)
	l.node(n.prev).next = n.next
	l.node(n.next).prev = n.prev
	n.prev, n.next = idx, idx
	l.lens[order]--
}

// linked reports whether the page is currently in some free list
func (l *freeLists) linked(idx int) bool {
	return l.pages[idx].list.next != idx
}

func (l *freeLists) empty(order int) bool {
	h := headIdx(order)
	return l.node(h).next == h
}

func (l *freeLists) len(order int) int {
	return l.lens[order]
}

// walk calls fn for each page in the list, front to back, until fn returns
// false. The walk is bounded by the number of pages so that a corrupted
// (cyclic) list cannot loop forever.
func (l *freeLists) walk(order int, fn func(idx int) bool) {
	h := headIdx(order)
	steps := 0
	for i := l.node(h).next; i != h && steps <= len(l.pages); i = l.node(i).next {
		if !fn(i) {
			return
		}
		steps++
	}
}

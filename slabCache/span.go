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
	"encoding/binary"

	"github.com/nestybox/sysbox-kmem/lib/physMem"
)

// wordSize is the size of the link stored in a free object.
const wordSize = 8

// objEnd terminates the free object list; it's never a valid region address.
const objEnd = ^uint64(0)

// span is the raw byte view of the managed region used by the cache. It's the
// only place where object memory is interpreted: the first word of each free
// object holds the address of the next free object.
type span struct {
	mem *physMem.Memory
}

func (s span) loadNext(obj uint64) (uint64, error) {
	b, err := s.mem.Bytes(obj, wordSize)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (s span) storeNext(obj, next uint64) error {
	b, err := s.mem.Bytes(obj, wordSize)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(b, next)
	return nil
}

// lineObjects threads a free list through the n objects of the given size
// starting at base; returns the number of objects linked.
func (s span) lineObjects(base uint64, size, n uint64) (uint32, error) {
	for i := uint64(0); i < n; i++ {
		obj := base + i*size
		next := obj + size
		if i == n-1 {
			next = objEnd
		}
		if err := s.storeNext(obj, next); err != nil {
			return 0, err
		}
	}
	return uint32(n), nil
}

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

// Package physMem provides the flat memory region the kernel allocator manages.
//
// On the target the region is a physical range that platform bring-up has
// already mapped; here it is backed either by a Go byte slice or by an
// anonymous memory mapping. Addresses handed out by the allocator are region
// addresses (i.e., they start at the region's base address, not at 0); Bytes()
// translates them to the backing storage.

package physMem

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// Backing selects how the region's bytes are provided.
type Backing int

const (
	Heap   Backing = iota // backed by a Go byte slice
	Mapped                // backed by an anonymous private mapping (heap on non-unix hosts)
)

func (b Backing) String() string {
	switch b {
	case Heap:
		return "heap"
	case Mapped:
		return "mmap"
	default:
		return fmt.Sprintf("backing(%d)", int(b))
	}
}

// Memory represents the managed region [start, end).
type Memory struct {
	start   uint64
	buf     []byte
	backing Backing
	release func() error
}

// New sets up the region [start, end) with the given backing.
func New(start, end uint64, backing Backing) (*Memory, error) {

	if end <= start {
		return nil, fmt.Errorf("invalid memory region [%#x, %#x)", start, end)
	}

	size := end - start
	if size > uint64(^uint(0)>>1) {
		return nil, fmt.Errorf("memory region too large (%d bytes)", size)
	}

	m := &Memory{
		start:   start,
		backing: backing,
	}

	switch backing {
	case Heap:
		m.buf = make([]byte, size)
		m.release = func() error { return nil }
	case Mapped:
		buf, release, err := mapAnon(int(size))
		if err != nil {
			return nil, fmt.Errorf("failed to map %d bytes: %v", size, err)
		}
		m.buf = buf
		m.release = release
	default:
		return nil, fmt.Errorf("unknown memory backing %v", backing)
	}

	logrus.Debugf("physMem: region [%#x, %#x) backed by %v", start, end, backing)

	return m, nil
}

// Start returns the region's base address.
func (m *Memory) Start() uint64 {
	return m.start
}

// End returns the first address past the region.
func (m *Memory) End() uint64 {
	return m.start + uint64(len(m.buf))
}

// Size returns the region's size in bytes.
func (m *Memory) Size() uint64 {
	return uint64(len(m.buf))
}

func (m *Memory) Backing() Backing {
	return m.backing
}

// Contains reports whether [addr, addr+n) lies within the region.
func (m *Memory) Contains(addr, n uint64) bool {
	if addr < m.start {
		return false
	}
	off := addr - m.start
	return off <= uint64(len(m.buf)) && n <= uint64(len(m.buf))-off
}

// Bytes returns the backing storage for [addr, addr+n).
func (m *Memory) Bytes(addr, n uint64) ([]byte, error) {
	if m.buf == nil {
		return nil, fmt.Errorf("memory region released")
	}
	if !m.Contains(addr, n) {
		return nil, fmt.Errorf("range [%#x, %#x) outside region [%#x, %#x)", addr, addr+n, m.start, m.End())
	}
	off := addr - m.start
	return m.buf[off : off+n : off+n], nil
}

// Close releases the backing storage; the region must not be used afterwards.
func (m *Memory) Close() error {
	if m.buf == nil {
		return nil
	}
	err := m.release()
	m.buf = nil
	return err
}

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

package kmalloc

import (
	"sync"
	"testing"

	intf "github.com/nestybox/sysbox-kmem/intf"
	"github.com/nestybox/sysbox-kmem/lib/physMem"
	"github.com/sirupsen/logrus"
	logrusTest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAllocator(t *testing.T, cfg Config, opts ...Option) *Allocator {
	t.Helper()

	logger, _ := logrusTest.NewNullLogger()
	opts = append([]Option{WithLogger(logger)}, opts...)

	a, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	return a
}

// smallConfig has 8 size classes of up to 256 bytes (all carved from single
// pages) over a region of the given number of pages.
func smallConfig(numPages int) Config {
	cfg := DefaultConfig()
	cfg.End = cfg.Start + uint64(numPages)*uint64(cfg.PageSize)
	cfg.MaxOrder = 4
	cfg.MaxSize = 256
	return cfg
}

func freeObjects(t *testing.T, a *Allocator) []uint32 {
	t.Helper()

	counts := make([]uint32, a.NumClasses())
	for i := range counts {
		c, err := a.Cache(i)
		require.NoError(t, err)
		counts[i] = c.ObjNum()
	}
	return counts
}

func TestNewDefault(t *testing.T) {
	a := newTestAllocator(t, DefaultConfig())

	require.Equal(t, 128, a.NumClasses())

	for i := 0; i < a.NumClasses(); i++ {
		c, err := a.Cache(i)
		require.NoError(t, err)
		assert.Equal(t, uint32(i+1)*32, c.ObjSize())
		assert.Len(t, c.Groups(), 1)
	}

	buddy := a.Buddy()
	assert.Equal(t, 1552, buddy.TotalPages())
	assert.Equal(t, 430, buddy.BusyPages())
	assert.NoError(t, a.Check())

	_, err := a.Cache(128)
	assert.ErrorIs(t, err, intf.ErrOutOfRange)
}

func TestNewInvalid(t *testing.T) {
	var tests = []struct {
		name   string
		modify func(*Config)
	}{
		{"zero granularity", func(c *Config) { c.Granularity = 0 }},
		{"max size below granularity", func(c *Config) { c.MaxSize = 16 }},
		{"bad page size", func(c *Config) { c.PageSize = 1000 }},
		{"bad max order", func(c *Config) { c.MaxOrder = 0 }},
		{"empty region", func(c *Config) { c.End = c.Start }},
		{"zero waste bound", func(c *Config) { c.WastePercent = 0 }},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cfg := DefaultConfig()
			test.modify(&cfg)

			_, err := New(cfg)
			assert.ErrorIs(t, err, intf.ErrInvalidConfig)
		})
	}
}

func TestNewExhausted(t *testing.T) {

	// 8 classes need 8 pages
	_, err := New(smallConfig(7))
	assert.ErrorIs(t, err, intf.ErrExhausted)

	a := newTestAllocator(t, smallConfig(8))
	assert.Equal(t, 8, a.Buddy().BusyPages())
}

func TestClassOf(t *testing.T) {
	a := newTestAllocator(t, DefaultConfig())

	var tests = []struct {
		size        uint32
		wantClass   int
		wantObjSize uint32
		wantErr     error
	}{
		{0, 0, 32, nil},
		{1, 0, 32, nil},
		{31, 0, 32, nil},
		{32, 1, 64, nil},
		{63, 1, 64, nil},
		{64, 2, 96, nil},
		{127, 3, 128, nil},
		{128, 4, 160, nil},
		{512, 16, 544, nil},
		{4063, 126, 4064, nil},
		{4064, 127, 4096, nil},
		{4095, 127, 4096, nil},
		{4096, 0, 0, intf.ErrOutOfRange},
		{4097, 0, 0, intf.ErrOutOfRange},
		{1 << 31, 0, 0, intf.ErrOutOfRange},
	}

	for _, test := range tests {
		got, err := a.ClassOf(test.size)
		if test.wantErr != nil {
			assert.ErrorIs(t, err, test.wantErr, "ClassOf(%v)", test.size)
			continue
		}
		require.NoError(t, err, "ClassOf(%v)", test.size)
		assert.Equal(t, test.wantClass, got, "ClassOf(%v)", test.size)

		c, err := a.Cache(got)
		require.NoError(t, err)
		assert.Equal(t, test.wantObjSize, c.ObjSize(), "ClassOf(%v)", test.size)
		assert.GreaterOrEqual(t, c.ObjSize(), test.size)
	}
}

func TestAllocOutOfRange(t *testing.T) {
	a := newTestAllocator(t, DefaultConfig())

	before := freeObjects(t, a)
	busy := a.Buddy().BusyPages()

	for _, size := range []uint32{4096, 8192, ^uint32(0)} {
		_, err := a.Alloc(size)
		assert.ErrorIs(t, err, intf.ErrOutOfRange, "Alloc(%v)", size)
	}

	assert.Equal(t, before, freeObjects(t, a))
	assert.Equal(t, busy, a.Buddy().BusyPages())
}

func TestLIFOReuse(t *testing.T) {
	a := newTestAllocator(t, DefaultConfig())

	p1, err := a.Alloc(64)
	require.NoError(t, err)
	require.NoError(t, a.Free(p1))

	p2, err := a.Alloc(64)
	require.NoError(t, err)
	assert.Equal(t, p1, p2)
}

func TestBootSelfTest(t *testing.T) {
	a := newTestAllocator(t, DefaultConfig())

	p1, err := a.Alloc(127)
	require.NoError(t, err)
	p2, err := a.Alloc(124)
	require.NoError(t, err)
	assert.Equal(t, p1+128, p2)

	require.NoError(t, a.Free(p1))
	require.NoError(t, a.Free(p2))

	// same size class; the last freed object comes back first
	p3, err := a.Alloc(119)
	require.NoError(t, err)
	assert.Equal(t, p2, p3)

	p4, err := a.Alloc(512)
	require.NoError(t, err)

	c, err := a.Cache(16)
	require.NoError(t, err)
	assert.Equal(t, c.Head().Addr(), p4)
}

func TestFreeRouting(t *testing.T) {
	a := newTestAllocator(t, DefaultConfig())

	before := freeObjects(t, a)

	sizes := []uint32{0, 17, 100, 600, 1200, 2000, 3000, 4095}
	addrs := make([]uint64, 0, len(sizes))

	for _, size := range sizes {
		addr, err := a.Alloc(size)
		require.NoError(t, err)
		addrs = append(addrs, addr)

		idx, err := a.ClassOf(size)
		require.NoError(t, err)
		c, err := a.Cache(idx)
		require.NoError(t, err)

		pg, err := a.Buddy().Pages().AddrToPage(addr)
		require.NoError(t, err)
		assert.Equal(t, intf.ObjCache(c), pg.Owner(), "owner of %#x (size %v)", addr, size)
	}

	assert.NotEqual(t, before, freeObjects(t, a))

	for _, addr := range addrs {
		require.NoError(t, a.Free(addr))
	}

	assert.Equal(t, before, freeObjects(t, a))
	assert.NoError(t, a.Check())
}

func TestFreeInvalid(t *testing.T) {
	a := newTestAllocator(t, DefaultConfig())

	before := freeObjects(t, a)

	for _, addr := range []uint64{0, DefaultMemStart - 1, DefaultMemEnd, DefaultMemEnd + 4096} {
		assert.ErrorIs(t, a.Free(addr), intf.ErrOutOfRange, "Free(%#x)", addr)
	}

	// a page that no cache has handed out memory from
	buddy := a.Buddy()
	pg, err := buddy.Pages().Page(buddy.TotalPages() - 1)
	require.NoError(t, err)
	assert.ErrorIs(t, a.Free(pg.Addr()), intf.ErrOutOfRange)

	assert.Equal(t, before, freeObjects(t, a))
}

func TestAllocMemory(t *testing.T) {
	for _, backing := range []physMem.Backing{physMem.Heap, physMem.Mapped} {
		t.Run(backing.String(), func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Backing = backing
			a := newTestAllocator(t, cfg)

			var addrs []uint64
			for i := 0; i < 64; i++ {
				addr, err := a.Alloc(200)
				require.NoError(t, err)

				b, err := a.Bytes(addr, 200)
				require.NoError(t, err)
				for j := range b {
					b[j] = byte(i)
				}
				addrs = append(addrs, addr)
			}

			// no allocation overwrote another
			for i, addr := range addrs {
				b, err := a.Bytes(addr, 200)
				require.NoError(t, err)
				for j := range b {
					require.Equal(t, byte(i), b[j], "object %v byte %v", i, j)
				}
			}

			for _, addr := range addrs {
				require.NoError(t, a.Free(addr))
			}
			assert.NoError(t, a.Check())
		})
	}
}

func TestAllocExhausted(t *testing.T) {
	a := newTestAllocator(t, smallConfig(8))

	// the 256-byte class holds 16 objects in its only page
	for i := 0; i < 16; i++ {
		_, err := a.Alloc(255)
		require.NoError(t, err)
	}

	_, err := a.Alloc(255)
	assert.ErrorIs(t, err, intf.ErrExhausted)

	// other classes still have room
	_, err = a.Alloc(10)
	assert.NoError(t, err)
}

func TestGrowth(t *testing.T) {
	a := newTestAllocator(t, DefaultConfig())

	c, err := a.Cache(1)
	require.NoError(t, err)

	busy := a.Buddy().BusyPages()

	// 64-byte objects; 64 per page
	for i := 0; i < 65; i++ {
		_, err := a.Alloc(40)
		require.NoError(t, err)
	}

	assert.Len(t, c.Groups(), 2)
	assert.Equal(t, uint32(63), c.ObjNum())
	assert.Equal(t, busy+1, a.Buddy().BusyPages())
	assert.NoError(t, a.Check())
}

type countingGuard struct {
	sync.Mutex
	locks int
}

func (g *countingGuard) Lock() {
	g.Mutex.Lock()
	g.locks++
}

func TestGuard(t *testing.T) {
	guard := &countingGuard{}
	a := newTestAllocator(t, DefaultConfig(), WithGuard(guard))

	addr, err := a.Alloc(100)
	require.NoError(t, err)
	require.NoError(t, a.Free(addr))

	assert.Equal(t, 2, guard.locks)
}

func TestConcurrent(t *testing.T) {
	a := newTestAllocator(t, DefaultConfig())

	var wg sync.WaitGroup
	results := make([][]uint64, 8)

	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				addr, err := a.Alloc(uint32(w * 64))
				if err != nil {
					t.Errorf("Alloc() failed: %v", err)
					return
				}
				results[w] = append(results[w], addr)
			}
		}(w)
	}
	wg.Wait()

	seen := make(map[uint64]bool)
	for _, addrs := range results {
		for _, addr := range addrs {
			require.False(t, seen[addr], "address %#x handed out twice", addr)
			seen[addr] = true
		}
	}
	assert.NoError(t, a.Check())
}

func TestClose(t *testing.T) {
	a, err := New(DefaultConfig(), WithLogger(logrus.New()))
	require.NoError(t, err)

	buddy := a.Buddy()
	_, err = a.Alloc(100)
	require.NoError(t, err)

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())

	assert.Equal(t, 0, buddy.BusyPages())

	_, err = a.Alloc(100)
	assert.Error(t, err)
	assert.Error(t, a.Free(DefaultMemStart))
}

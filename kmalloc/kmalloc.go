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

// sysbox-kmem: kernel dynamic memory allocator (kmalloc / kfree)
//
// The Allocator is the context built once at boot over the memory region
// handed over by platform bring-up. It owns the buddy page allocator and a
// fixed ladder of slab caches, one per size class: class i holds objects of
// (i+1) * granularity bytes. Requests are mapped to a class by truncating
// division (size / granularity), which always yields objects larger than the
// request. Frees are routed to the owning cache through the page descriptors.
//
// Alloc() and Free() run inside the allocator's guard, which stands in for the
// kernel's interrupt-disabled critical section.

package kmalloc

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	intf "github.com/nestybox/sysbox-kmem/intf"
	"github.com/nestybox/sysbox-kmem/lib/buddyAlloc"
	"github.com/nestybox/sysbox-kmem/lib/physMem"
	"github.com/nestybox/sysbox-kmem/slabCache"
	"github.com/sirupsen/logrus"
)

// Boot defaults
const (
	DefaultMemStart     uint64 = 0x300f0000
	DefaultMemEnd       uint64 = 0x30700000
	DefaultPageSize     uint32 = 4096
	DefaultMaxOrder            = 9  // groups of up to 2^8 pages
	DefaultGranularity  uint32 = 32 // smallest size class
	DefaultMaxSize      uint32 = 4096
	DefaultWastePercent uint32 = slabCache.DefaultWastePercent
)

// Config describes the managed region and the size class ladder.
type Config struct {
	Start        uint64
	End          uint64
	PageSize     uint32
	MaxOrder     int
	Granularity  uint32
	MaxSize      uint32
	WastePercent uint32
	Backing      physMem.Backing
}

// DefaultConfig returns the boot configuration of the kernel.
func DefaultConfig() Config {
	return Config{
		Start:        DefaultMemStart,
		End:          DefaultMemEnd,
		PageSize:     DefaultPageSize,
		MaxOrder:     DefaultMaxOrder,
		Granularity:  DefaultGranularity,
		MaxSize:      DefaultMaxSize,
		WastePercent: DefaultWastePercent,
		Backing:      physMem.Heap,
	}
}

// NumClasses returns the number of size classes for the config.
func (cfg Config) NumClasses() int {
	if cfg.Granularity == 0 {
		return 0
	}
	return int(cfg.MaxSize / cfg.Granularity)
}

// Allocator is the kernel allocator context; implements the intf.Kmalloc interface
type Allocator struct {
	id     uuid.UUID
	cfg    Config
	mem    *physMem.Memory
	buddy  *buddyAlloc.Buddy
	caches []*slabCache.Cache
	guard  sync.Locker
	log    logrus.FieldLogger
	closed bool
}

var _ intf.Kmalloc = (*Allocator)(nil)

// Option customizes an Allocator at creation time.
type Option func(*Allocator)

// WithGuard replaces the lock guarding Alloc() and Free().
func WithGuard(guard sync.Locker) Option {
	return func(a *Allocator) {
		a.guard = guard
	}
}

// WithLogger sets the logger used by the allocator and its components.
func WithLogger(log logrus.FieldLogger) Option {
	return func(a *Allocator) {
		a.log = log
	}
}

// New sets up the memory region, the buddy allocator and the size class caches.
// Failure to create any cache aborts the setup.
func New(cfg Config, opts ...Option) (*Allocator, error) {

	if cfg.Granularity == 0 || cfg.MaxSize < cfg.Granularity {
		return nil, fmt.Errorf("invalid size classes (granularity %v, max size %v): %w",
			cfg.Granularity, cfg.MaxSize, intf.ErrInvalidConfig)
	}

	a := &Allocator{
		id:    uuid.New(),
		cfg:   cfg,
		guard: &sync.Mutex{},
		log:   logrus.StandardLogger(),
	}

	for _, opt := range opts {
		opt(a)
	}

	a.log = a.log.WithField("allocator", a.id.String())

	mem, err := physMem.New(cfg.Start, cfg.End, cfg.Backing)
	if err != nil {
		return nil, fmt.Errorf("failed to set up memory region: %v: %w", err, intf.ErrInvalidConfig)
	}

	buddy, err := buddyAlloc.New(cfg.Start, cfg.End, cfg.PageSize, cfg.MaxOrder)
	if err != nil {
		mem.Close()
		return nil, fmt.Errorf("failed to set up page allocator: %w", err)
	}
	buddy.SetLogger(a.log)

	a.mem = mem
	a.buddy = buddy

	numClasses := cfg.NumClasses()
	a.caches = make([]*slabCache.Cache, 0, numClasses)

	for i := 0; i < numClasses; i++ {
		objSize := uint32(i+1) * cfg.Granularity

		c, err := slabCache.New(buddy, mem, objSize, 0, cfg.WastePercent)
		if err != nil {
			a.release()
			return nil, fmt.Errorf("failed to create %v-byte cache: %w", objSize, err)
		}
		c.SetLogger(a.log)

		a.caches = append(a.caches, c)
	}

	a.log.WithFields(logrus.Fields{
		"start":     fmt.Sprintf("%#x", buddy.Pages().Start()),
		"end":       fmt.Sprintf("%#x", buddy.Pages().End()),
		"pages":     buddy.TotalPages(),
		"classes":   numClasses,
		"usedPages": buddy.BusyPages(),
	}).Info("kmalloc initialized")

	return a, nil
}

// release destroys the caches and releases the memory region.
func (a *Allocator) release() error {
	var firstErr error

	for _, c := range a.caches {
		if err := c.Destroy(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	a.caches = nil

	if err := a.mem.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	return firstErr
}

// ClassOf returns the index of the size class serving requests of the given size.
func (a *Allocator) ClassOf(size uint32) (int, error) {
	idx := size / a.cfg.Granularity

	if idx >= uint32(len(a.caches)) {
		return 0, fmt.Errorf("size %v beyond largest size class (%v bytes): %w",
			size, a.cfg.MaxSize, intf.ErrOutOfRange)
	}

	return int(idx), nil
}

// Implements intf.Kmalloc.Alloc
func (a *Allocator) Alloc(size uint32) (uint64, error) {

	a.guard.Lock()
	defer a.guard.Unlock()

	if a.closed {
		return 0, fmt.Errorf("allocator closed")
	}

	idx, err := a.ClassOf(size)
	if err != nil {
		return 0, err
	}

	return a.caches[idx].Alloc()
}

// Implements intf.Kmalloc.Free
//
// Only the address range is checked; passing an address not returned by
// Alloc() corrupts the allocator.
func (a *Allocator) Free(addr uint64) error {

	a.guard.Lock()
	defer a.guard.Unlock()

	if a.closed {
		return fmt.Errorf("allocator closed")
	}

	pg, err := a.buddy.Pages().AddrToPage(addr)
	if err != nil {
		return err
	}

	cache := pg.Owner()
	if cache == nil {
		return fmt.Errorf("address %#x not in an object cache: %w", addr, intf.ErrOutOfRange)
	}

	cache.Free(addr)
	return nil
}

// Bytes returns the memory behind [addr, addr+n).
func (a *Allocator) Bytes(addr, n uint64) ([]byte, error) {
	return a.mem.Bytes(addr, n)
}

// Close destroys all caches and releases the memory region.
func (a *Allocator) Close() error {

	a.guard.Lock()
	defer a.guard.Unlock()

	if a.closed {
		return nil
	}
	a.closed = true

	return a.release()
}

// ID returns the allocator's instance id.
func (a *Allocator) ID() uuid.UUID {
	return a.id
}

func (a *Allocator) Config() Config {
	return a.cfg
}

// Buddy returns the page allocator underlying the caches.
func (a *Allocator) Buddy() *buddyAlloc.Buddy {
	return a.buddy
}

// NumClasses returns the number of size classes.
func (a *Allocator) NumClasses() int {
	return len(a.caches)
}

// Cache returns the cache of the given size class.
func (a *Allocator) Cache(idx int) (*slabCache.Cache, error) {
	if idx < 0 || idx >= len(a.caches) {
		return nil, fmt.Errorf("size class %v: %w", idx, intf.ErrOutOfRange)
	}
	return a.caches[idx], nil
}

// Check verifies the page allocator's invariants; must not race with Alloc()
// and Free().
func (a *Allocator) Check() error {
	a.guard.Lock()
	defer a.guard.Unlock()

	return a.buddy.Check()
}

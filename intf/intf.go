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

//
// sysbox-kmem interfaces
//

package intf

// The ObjCache interface defines the interface exposed by the entity that
// carves fixed-size objects out of page groups (i.e., a slab cache). Page
// descriptors keep a reference to the ObjCache owning them so that frees can be
// routed back without a search.
type ObjCache interface {

	// Allocates one object; possible errors are nil or "exhausted" (when no
	// more page groups can be obtained).
	Alloc() (uint64, error)

	// Free returns an object to the cache; the given address must be obtained
	// from a previous successful call to Alloc() on the same cache (this is not
	// checked).
	Free(addr uint64)

	// Size of the objects handed out by the cache, in bytes.
	ObjSize() uint32
}

// The Kmalloc interface defines the interface exposed to the rest of the
// kernel (filesystem, process creation, binary loading) for dynamic memory.
type Kmalloc interface {

	// Allocates at least 'size' bytes; possible errors are nil, "out-of-range"
	// (size beyond the largest size class) or "exhausted".
	Alloc(size uint32) (uint64, error)

	// Free releases memory previously returned by Alloc(); possible errors are
	// nil or "out-of-range" (address outside the managed region).
	Free(addr uint64) error
}

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

package intf

import "errors"

// Error taxonomy shared by all allocator layers. Callers should compare with
// errors.Is(), as components wrap these with context.
var (
	// ErrExhausted indicates no free page group of the required order exists.
	ErrExhausted = errors.New("exhausted")

	// ErrInvalidConfig indicates a geometry (region, page size, order, object
	// size or waste bound) the allocator cannot work with.
	ErrInvalidConfig = errors.New("invalid-config")

	// ErrDoubleFree indicates a page group was freed while not allocated.
	ErrDoubleFree = errors.New("double-free")

	// ErrOutOfRange indicates a size class index beyond the table, or an
	// address outside the managed region.
	ErrOutOfRange = errors.New("out-of-range")
)

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

func isPowerOfTwo(num uint64) bool {
	return num != 0 && num&(num-1) == 0
}

// log2 returns the base-2 logarithm of num, which must be a power of two.
func log2(num uint64) uint {
	var count uint

	for num > 1 {
		num >>= 1
		count += 1
	}

	return count
}

// groupPages returns the number of pages in a group of the given order.
func groupPages(order int) int {
	return 1 << order
}

// buddyOf returns the index of the buddy of the group at idx.
func buddyOf(idx, order int) int {
	return idx ^ groupPages(order)
}

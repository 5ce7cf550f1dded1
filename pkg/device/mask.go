// Copyright The GPU USM Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package device

import (
	"fmt"
	"math/bits"
	"strconv"
	"strings"
)

type (
	// DeviceMask represents a set of root device indices as a bit mask.
	DeviceMask uint64
	// ContextMask represents a set of engine context indices of a root
	// device as a bit mask.
	ContextMask uint64
)

const (
	// MaxIndex is the maximum index that can be stored in a mask.
	MaxIndex = 63
)

const (
	// ForeachDone stops iteration.
	ForeachDone = false
	// ForeachMore continues iteration.
	ForeachMore = true
)

// NewDeviceMask returns a DeviceMask with the given root device indices.
func NewDeviceMask(ids ...ID) DeviceMask {
	return DeviceMask(0).Set(ids...)
}

// Set returns a DeviceMask with both the original and the given indices added.
func (m DeviceMask) Set(ids ...ID) DeviceMask {
	return DeviceMask(set(uint64(m), ids))
}

// Clear returns a DeviceMask with the given indices removed.
func (m DeviceMask) Clear(ids ...ID) DeviceMask {
	return DeviceMask(clearBits(uint64(m), ids))
}

// Contains returns true if all the given indices are present in the mask.
func (m DeviceMask) Contains(ids ...ID) bool {
	return contains(uint64(m), ids)
}

// Size returns the number of indices in the mask.
func (m DeviceMask) Size() int {
	return bits.OnesCount64(uint64(m))
}

// Slice returns the indices in the mask in increasing order.
func (m DeviceMask) Slice() []ID {
	return slice(uint64(m))
}

// Foreach calls fn for each index in the mask until fn returns ForeachDone.
func (m DeviceMask) Foreach(fn func(ID) bool) {
	foreach(uint64(m), fn)
}

// String returns a string representation of the mask.
func (m DeviceMask) String() string {
	return "devices{" + rangeString(uint64(m)) + "}"
}

// NewContextMask returns a ContextMask with the given engine context indices.
func NewContextMask(ids ...int) ContextMask {
	return ContextMask(0).Set(ids...)
}

// Set returns a ContextMask with both the original and the given indices added.
func (m ContextMask) Set(ids ...int) ContextMask {
	return ContextMask(set(uint64(m), ids))
}

// Clear returns a ContextMask with the given indices removed.
func (m ContextMask) Clear(ids ...int) ContextMask {
	return ContextMask(clearBits(uint64(m), ids))
}

// Contains returns true if all the given indices are present in the mask.
func (m ContextMask) Contains(ids ...int) bool {
	return contains(uint64(m), ids)
}

// ContainsAny returns true if any of the indices of o is present in the mask.
func (m ContextMask) ContainsAny(o ContextMask) bool {
	return m&o != 0
}

// And returns a ContextMask with the indices present in both masks.
func (m ContextMask) And(o ContextMask) ContextMask {
	return m & o
}

// AndNot returns a ContextMask with the indices present in m but not in o.
func (m ContextMask) AndNot(o ContextMask) ContextMask {
	return m &^ o
}

// Size returns the number of indices in the mask.
func (m ContextMask) Size() int {
	return bits.OnesCount64(uint64(m))
}

// Slice returns the indices in the mask in increasing order.
func (m ContextMask) Slice() []int {
	return slice(uint64(m))
}

// Foreach calls fn for each index in the mask until fn returns ForeachDone.
func (m ContextMask) Foreach(fn func(int) bool) {
	foreach(uint64(m), fn)
}

// String returns a string representation of the mask.
func (m ContextMask) String() string {
	return "contexts{" + rangeString(uint64(m)) + "}"
}

func set(m uint64, ids []int) uint64 {
	for _, id := range ids {
		if id < 0 || id > MaxIndex {
			panic(fmt.Errorf("%w: mask index %d out of range", ErrInvalidIndex, id))
		}
		m |= 1 << id
	}
	return m
}

func clearBits(m uint64, ids []int) uint64 {
	for _, id := range ids {
		m &^= 1 << id
	}
	return m
}

func contains(m uint64, ids []int) bool {
	for _, id := range ids {
		if m&(1<<id) == 0 {
			return false
		}
	}
	return true
}

func foreach(m uint64, fn func(int) bool) {
	for m != 0 {
		id := bits.TrailingZeros64(m)
		if fn(id) == ForeachDone {
			return
		}
		m &^= 1 << id
	}
}

func slice(m uint64) []int {
	ids := make([]int, 0, bits.OnesCount64(m))
	foreach(m, func(id int) bool {
		ids = append(ids, id)
		return ForeachMore
	})
	return ids
}

// rangeString returns a compact list-of-ranges representation of a mask.
func rangeString(m uint64) string {
	var (
		b         = strings.Builder{}
		sep       = ""
		beg       = -1
		end       = -1
		dumpRange = func() {
			switch {
			case beg < 0:
			case beg == end:
				b.WriteString(sep)
				b.WriteString(strconv.Itoa(beg))
				sep = ","
			default:
				b.WriteString(sep)
				b.WriteString(strconv.Itoa(beg))
				b.WriteString("-")
				b.WriteString(strconv.Itoa(end))
				sep = ","
			}
		}
	)

	foreach(m, func(id int) bool {
		if beg >= 0 && id == end+1 {
			end = id
			return ForeachMore
		}
		dumpRange()
		beg, end = id, id
		return ForeachMore
	})

	dumpRange()

	return b.String()
}

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

// Package vaspace implements the process-wide GPU virtual address space.
// The same GPU virtual address is used for an allocation in the address
// spaces of all engine contexts of all devices.
package vaspace

import (
	"fmt"
	"sync"

	"github.com/google/btree"

	logger "github.com/intel/gpu-usm/pkg/log"
	"github.com/intel/gpu-usm/pkg/utils"
)

var (
	ErrNoSpace      = fmt.Errorf("vaspace: address space exhausted")
	ErrInUse        = fmt.Errorf("vaspace: address range in use")
	ErrNotAllocated = fmt.Errorf("vaspace: address not allocated")
	ErrInvalidRange = fmt.Errorf("vaspace: invalid address range")
)

const (
	// MinAlignment is the smallest alignment of any allocated range.
	MinAlignment = uint64(64 * 1024)
	// Limit48Bit is the end of the 48-bit addressable range.
	Limit48Bit = uint64(1) << 48
)

var log = logger.Get("vaspace")

// span is a free range of addresses.
type span struct {
	start uint64
	end   uint64
}

// Heap is a range of GPU virtual addresses to allocate from.
type Heap struct {
	name      string
	base      uint64
	limit     uint64
	free      *btree.BTreeG[span]
	allocated map[uint64]uint64
	used      uint64
}

func newHeap(name string, base, limit uint64) *Heap {
	h := &Heap{
		name:      name,
		base:      base,
		limit:     limit,
		free:      btree.NewG(8, func(a, b span) bool { return a.start < b.start }),
		allocated: map[uint64]uint64{},
	}
	h.free.ReplaceOrInsert(span{start: base, end: limit})
	return h
}

func (h *Heap) contains(addr, size uint64) bool {
	return h.base <= addr && addr+size <= h.limit && addr+size > addr
}

func (h *Heap) allocate(size, align uint64) (uint64, bool) {
	var (
		found bool
		from  span
		addr  uint64
	)

	h.free.Ascend(func(s span) bool {
		start := utils.AlignUp(s.start, align)
		if start >= s.end || s.end-start < size {
			return true
		}
		found, from, addr = true, s, start
		return false
	})

	if !found {
		return 0, false
	}

	h.carve(from, addr, size)
	return addr, true
}

// carve removes [addr, addr+size) from the free span s.
func (h *Heap) carve(s span, addr, size uint64) {
	h.free.Delete(s)
	if s.start < addr {
		h.free.ReplaceOrInsert(span{start: s.start, end: addr})
	}
	if addr+size < s.end {
		h.free.ReplaceOrInsert(span{start: addr + size, end: s.end})
	}
	h.allocated[addr] = size
	h.used += size
}

func (h *Heap) claim(addr, size uint64) bool {
	var (
		found bool
		from  span
	)

	h.free.DescendLessOrEqual(span{start: addr}, func(s span) bool {
		found = addr+size <= s.end
		from = s
		return false
	})

	if !found {
		return false
	}

	h.carve(from, addr, size)
	return true
}

func (h *Heap) release(addr uint64) (uint64, bool) {
	size, ok := h.allocated[addr]
	if !ok {
		return 0, false
	}
	delete(h.allocated, addr)
	h.used -= size

	var (
		s     = span{start: addr, end: addr + size}
		prev  span
		found bool
	)
	h.free.DescendLessOrEqual(span{start: addr}, func(p span) bool {
		prev, found = p, p.end == s.start
		return false
	})
	if found {
		h.free.Delete(prev)
		s.start = prev.start
	}
	if next, ok := h.free.Get(span{start: s.end}); ok {
		h.free.Delete(next)
		s.end = next.end
	}
	h.free.ReplaceOrInsert(s)

	return size, true
}

// Space is the process-wide GPU virtual address space. It consists of a
// standard heap in the 48-bit addressable range and an optional extended
// heap above it.
type Space struct {
	sync.Mutex
	standard *Heap
	extended *Heap
}

// New creates an address space with a standard heap of [base, limit) and,
// if extendedLimit is above the 48-bit range, an extended heap up to it.
func New(base, limit, extendedLimit uint64) (*Space, error) {
	if base >= limit || limit > Limit48Bit {
		return nil, fmt.Errorf("%w: standard heap 0x%x-0x%x", ErrInvalidRange, base, limit)
	}

	s := &Space{
		standard: newHeap("standard", utils.AlignUp(base, MinAlignment), limit),
	}
	if extendedLimit > Limit48Bit {
		s.extended = newHeap("extended", Limit48Bit, extendedLimit)
	}

	return s, nil
}

// Allocate allocates a range of size bytes with the given alignment. Ranges
// are allocated from the extended heap when one exists, unless need48Bit
// is set.
func (s *Space) Allocate(size, align uint64, need48Bit bool) (uint64, error) {
	if size == 0 {
		return 0, fmt.Errorf("%w: zero size", ErrInvalidRange)
	}
	if align < MinAlignment {
		align = MinAlignment
	}
	size = utils.AlignUp(size, MinAlignment)

	s.Lock()
	defer s.Unlock()

	heaps := []*Heap{s.standard}
	if s.extended != nil && !need48Bit {
		heaps = []*Heap{s.extended, s.standard}
	}

	for _, h := range heaps {
		if addr, ok := h.allocate(size, align); ok {
			log.Debug("allocated 0x%x-0x%x (%s) from %s heap", addr, addr+size,
				utils.HumanReadableSize(size), h.name)
			return addr, nil
		}
	}

	return 0, fmt.Errorf("%w: no room for %d bytes", ErrNoSpace, size)
}

// AllocateAt allocates the range of size bytes at the given address.
func (s *Space) AllocateAt(addr, size uint64) error {
	size = utils.AlignUp(size, MinAlignment)
	if addr%MinAlignment != 0 {
		return fmt.Errorf("%w: unaligned address 0x%x", ErrInvalidRange, addr)
	}

	s.Lock()
	defer s.Unlock()

	h := s.heapOf(addr, size)
	if h == nil {
		return fmt.Errorf("%w: 0x%x-0x%x", ErrInvalidRange, addr, addr+size)
	}
	if !h.claim(addr, size) {
		return fmt.Errorf("%w: 0x%x-0x%x", ErrInUse, addr, addr+size)
	}

	log.Debug("claimed 0x%x-0x%x from %s heap", addr, addr+size, h.name)
	return nil
}

// Free releases the range allocated at addr.
func (s *Space) Free(addr uint64) error {
	s.Lock()
	defer s.Unlock()

	h := s.heapOf(addr, 1)
	if h == nil {
		return fmt.Errorf("%w: 0x%x", ErrNotAllocated, addr)
	}
	size, ok := h.release(addr)
	if !ok {
		return fmt.Errorf("%w: 0x%x", ErrNotAllocated, addr)
	}

	log.Debug("released 0x%x-0x%x to %s heap", addr, addr+size, h.name)
	return nil
}

// IsAllocated checks if a range is allocated at addr.
func (s *Space) IsAllocated(addr uint64) bool {
	s.Lock()
	defer s.Unlock()

	h := s.heapOf(addr, 1)
	if h == nil {
		return false
	}
	_, ok := h.allocated[addr]
	return ok
}

// Used returns the number of allocated bytes.
func (s *Space) Used() uint64 {
	s.Lock()
	defer s.Unlock()

	used := s.standard.used
	if s.extended != nil {
		used += s.extended.used
	}
	return used
}

func (s *Space) heapOf(addr, size uint64) *Heap {
	if s.standard.contains(addr, size) {
		return s.standard
	}
	if s.extended != nil && s.extended.contains(addr, size) {
		return s.extended
	}
	return nil
}

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

// Package alloc implements unified memory allocations, their per root
// device backings and the table of live allocations.
package alloc

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	idset "github.com/intel/goresctrl/pkg/utils"

	"github.com/intel/gpu-usm/pkg/device"
	logger "github.com/intel/gpu-usm/pkg/log"
	"github.com/intel/gpu-usm/pkg/status"
	"github.com/intel/gpu-usm/pkg/utils"
)

var log = logger.Get("alloc")

// Kind is the memory kind of an allocation.
type Kind int

const (
	HostUnified Kind = iota
	DeviceUnified
	SharedUnified
	ReservedDevice
)

var kindNames = map[Kind]string{
	HostUnified:    "host",
	DeviceUnified:  "device",
	SharedUnified:  "shared",
	ReservedDevice: "reserved-device",
}

// String returns the name of the memory kind.
func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("%%!(alloc:Bad-Kind %d)", int(k))
}

// Flags are the allocation flags.
type Flags uint32

const (
	LocallyUncached Flags = 1 << iota
	CompressedHint
	Uncompressed
	Resource48Bit
	InitialPlacementGPU
	InitialPlacementCPU
)

var flagNames = []struct {
	flag Flags
	name string
}{
	{LocallyUncached, "locally-uncached"},
	{CompressedHint, "compressed"},
	{Uncompressed, "uncompressed"},
	{Resource48Bit, "48-bit"},
	{InitialPlacementGPU, "placement-gpu"},
	{InitialPlacementCPU, "placement-cpu"},
}

// Has checks if all the given flags are set.
func (f Flags) Has(flags Flags) bool {
	return f&flags == flags
}

// String returns a string representation of the flags.
func (f Flags) String() string {
	var names []string
	for _, n := range flagNames {
		if f&n.flag != 0 {
			names = append(names, n.name)
		}
	}
	return "{" + strings.Join(names, ",") + "}"
}

// Config describes an allocation to create.
type Config struct {
	ID        uint64
	Address   uint64
	Size      uint64
	Alignment uint64
	Kind      Kind
	Device    *device.Device
	PageSize  uint64
	Flags     Flags
}

// Allocation is a logical unified memory allocation. It has at most one
// backing per root device it has been realized on.
type Allocation struct {
	mu         sync.Mutex
	id         uint64
	address    uint64
	size       uint64
	alignment  uint64
	kind       Kind
	dev        *device.Device
	pageSize   uint64
	flags      Flags
	backings   map[device.ID]*Backing
	imported   bool
	mappedPeer bool
	freeing    bool
}

// New creates an allocation.
func New(cfg Config) *Allocation {
	return &Allocation{
		id:        cfg.ID,
		address:   cfg.Address,
		size:      cfg.Size,
		alignment: cfg.Alignment,
		kind:      cfg.Kind,
		dev:       cfg.Device,
		pageSize:  cfg.PageSize,
		flags:     cfg.Flags,
		backings:  map[device.ID]*Backing{},
	}
}

// ID returns the unique ID of the allocation.
func (a *Allocation) ID() uint64 {
	return a.id
}

// Address returns the pointer of the allocation.
func (a *Allocation) Address() uint64 {
	return a.address
}

// Size returns the reserved size of the allocation.
func (a *Allocation) Size() uint64 {
	return a.size
}

// Alignment returns the requested alignment of the allocation.
func (a *Allocation) Alignment() uint64 {
	return a.alignment
}

// Kind returns the memory kind of the allocation.
func (a *Allocation) Kind() Kind {
	return a.kind
}

// Device returns the owning device of the allocation, nil for host
// allocations and shared allocations without a device.
func (a *Allocation) Device() *device.Device {
	return a.dev
}

// PageSize returns the page size class of the allocation.
func (a *Allocation) PageSize() uint64 {
	return a.pageSize
}

// Flags returns the flags of the allocation.
func (a *Allocation) Flags() Flags {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.flags
}

// SetFlags sets the given flags.
func (a *Allocation) SetFlags(flags Flags) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.flags |= flags
}

// Contains checks if ptr falls inside the allocation.
func (a *Allocation) Contains(ptr uint64) bool {
	return a.address <= ptr && ptr < a.address+a.size
}

// SetBacking attaches the backing of a root device. Only one backing per
// root device is allowed.
func (a *Allocation) SetBacking(b *Backing) error {
	root := b.Device().Index()

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.backings[root]; ok {
		return fmt.Errorf("%w: allocation #%d already has a backing on root device #%d",
			status.ErrInvalidArgument, a.id, root)
	}
	a.backings[root] = b

	b.mu.Lock()
	b.allocated = a
	b.mu.Unlock()

	return nil
}

// Backing returns the backing of a root device.
func (a *Allocation) Backing(root device.ID) (*Backing, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.backings[root]
	return b, ok
}

// Backings returns all backings sorted by root device index.
func (a *Allocation) Backings() []*Backing {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sortedBackings()
}

func (a *Allocation) sortedBackings() []*Backing {
	ids := idset.NewIDSet()
	for id := range a.backings {
		ids.Add(id)
	}
	backings := make([]*Backing, 0, len(a.backings))
	for _, id := range ids.SortedMembers() {
		backings = append(backings, a.backings[id])
	}
	return backings
}

// DefaultBacking returns the backing of the owning device, or the backing
// of the lowest root device index for allocations without one.
func (a *Allocation) DefaultBacking() *Backing {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.dev != nil {
		if b, ok := a.backings[a.dev.Index()]; ok {
			return b
		}
	}
	if backings := a.sortedBackings(); len(backings) > 0 {
		return backings[0]
	}
	return nil
}

// TakeBackings detaches and returns all backings of the allocation.
func (a *Allocation) TakeBackings() []*Backing {
	a.mu.Lock()
	defer a.mu.Unlock()
	backings := a.sortedBackings()
	a.backings = map[device.ID]*Backing{}
	return backings
}

// DeviceMask returns the root devices the allocation is realized on.
func (a *Allocation) DeviceMask() device.DeviceMask {
	a.mu.Lock()
	defer a.mu.Unlock()
	var m device.DeviceMask
	for id := range a.backings {
		m = m.Set(id)
	}
	return m
}

// SetImportedFromExternal marks the allocation imported from an external handle.
func (a *Allocation) SetImportedFromExternal() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.imported = true
}

// ImportedFromExternal returns true if the allocation was imported.
func (a *Allocation) ImportedFromExternal() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.imported
}

// SetMappedPeer marks the allocation aliased on a peer device.
func (a *Allocation) SetMappedPeer() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.mappedPeer = true
}

// MappedPeer returns true if the allocation has been aliased on a peer device.
func (a *Allocation) MappedPeer() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mappedPeer
}

// MarkFreeing marks the allocation being freed. It returns false if the
// allocation was already marked.
func (a *Allocation) MarkFreeing() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.freeing {
		return false
	}
	a.freeing = true
	return true
}

// IsFreeing returns true once the allocation is being freed. Such an
// allocation must not be aliased or exported anymore.
func (a *Allocation) IsFreeing() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.freeing
}

// String returns a string representation of the allocation.
func (a *Allocation) String() string {
	owner := "no device"
	if a.dev != nil {
		owner = a.dev.Name()
	}
	return fmt.Sprintf("allocation #%d{%s, 0x%x, %s, %s, %s %s}",
		a.id, a.kind, a.address, utils.HumanReadableSize(a.size), owner,
		a.Flags(), a.DeviceMask())
}

// Dump logs the allocation with its backings if debugging is enabled.
func (a *Allocation) Dump(prefix string) {
	if !details.DebugEnabled() {
		return
	}
	details.Debug("%s%s", prefix, a)
	for _, b := range a.Backings() {
		details.Debug("%s  %s", prefix, b)
		for _, o := range b.Objects() {
			details.Debug("%s    %s", prefix, o)
		}
	}
}

// SortByAddress sorts allocations by address.
func SortByAddress(allocs []*Allocation) {
	sort.Slice(allocs, func(i, j int) bool {
		return allocs[i].address < allocs[j].address
	})
}

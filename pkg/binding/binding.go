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

// Package binding turns buffer objects into GPU virtual address bindings
// of engine contexts. It creates, imports and exports backings, keeps
// track of their residency, evicts unused backings under memory pressure
// and defers the release of backings still in use by the GPU.
package binding

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/intel/gpu-usm/pkg/alloc"
	"github.com/intel/gpu-usm/pkg/bo"
	"github.com/intel/gpu-usm/pkg/device"
	"github.com/intel/gpu-usm/pkg/kmd"
	logger "github.com/intel/gpu-usm/pkg/log"
	"github.com/intel/gpu-usm/pkg/status"
	"github.com/intel/gpu-usm/pkg/utils"
	"github.com/intel/gpu-usm/pkg/vaspace"
)

var (
	log     = logger.Get("binding")
	details = logger.Get("binding-details")
)

const (
	// PageSize is the granularity of buffer objects and bindings.
	PageSize = vaspace.MinAlignment
	// NoPATOverride disables overriding PAT indices.
	NoPATOverride = -1
)

// Manager manages the backings and GPU bindings of all root devices.
type Manager struct {
	mu           sync.Mutex
	space        *vaspace.Space
	vaRefs       map[uint64]int
	tracked      map[*alloc.Backing]struct{}
	deferred     []*alloc.Backing
	hmu          sync.Mutex
	handles      map[device.ID]map[kmd.Handle]*bo.SharedHandle
	patOverride  int
	deferredFree bool
	evictTimeout time.Duration
	capture      bool
	immediate    bool
	limiter      *rate.Limiter
	stats        Stats
}

// Stats are the counters of a Manager.
type Stats struct {
	Created          uint64
	Imported         uint64
	Released         uint64
	Binds            uint64
	Unbinds          uint64
	Evicted          uint64
	EvictionFailures uint64
}

// Option is an option for a Manager.
type Option func(*Manager)

// WithPATOverride overrides the PAT index of all bindings, unless idx is
// NoPATOverride.
func WithPATOverride(idx int) Option {
	return func(m *Manager) {
		m.patOverride = idx
	}
}

// WithDeferredFree enables or disables deferring the release of busy backings.
func WithDeferredFree(enabled bool) Option {
	return func(m *Manager) {
		m.deferredFree = enabled
	}
}

// WithEvictionTimeout limits how long eviction waits for engine contexts.
func WithEvictionTimeout(d time.Duration) Option {
	return func(m *Manager) {
		m.evictTimeout = d
	}
}

// WithCapture marks all bindings for capture in GPU error dumps.
func WithCapture(enabled bool) Option {
	return func(m *Manager) {
		m.capture = enabled
	}
}

// WithImmediateBinding makes all binds complete before returning.
func WithImmediateBinding(enabled bool) Option {
	return func(m *Manager) {
		m.immediate = enabled
	}
}

// WithFailureLogRate limits the rate of logged eviction failures.
func WithFailureLogRate(limit rate.Limit, burst int) Option {
	return func(m *Manager) {
		m.limiter = rate.NewLimiter(limit, burst)
	}
}

// NewManager creates a binding manager allocating GPU virtual addresses
// from the given address space.
func NewManager(space *vaspace.Space, options ...Option) *Manager {
	m := &Manager{
		space:        space,
		vaRefs:       map[uint64]int{},
		tracked:      map[*alloc.Backing]struct{}{},
		handles:      map[device.ID]map[kmd.Handle]*bo.SharedHandle{},
		patOverride:  NoPATOverride,
		deferredFree: true,
		limiter:      rate.NewLimiter(rate.Every(time.Second), 5),
	}

	for _, o := range options {
		o(m)
	}

	return m
}

// Space returns the GPU virtual address space of the manager.
func (m *Manager) Space() *vaspace.Space {
	return m.space
}

// Properties describe a backing to create.
type Properties struct {
	// Device is the root device or sub-device to create the backing for.
	Device *device.Device
	// Size of the backing in bytes.
	Size uint64
	// Alignment of the GPU virtual address.
	Alignment uint64
	// Address is the address of the backing, 0 to allocate a new one. The
	// address of another backing is shared with it.
	Address uint64
	// Need48Bit restricts the address to the 48-bit addressable range.
	Need48Bit bool
	// Regions are the preferred memory regions of the backing.
	Regions []kmd.Region
	// Topology is the tile layout of the backing.
	Topology alloc.Topology
	// CacheRegion and CachePolicy select the PAT index of bindings.
	CacheRegion bo.CacheRegion
	CachePolicy bo.CachePolicy
	// Compressed marks the backing compressed.
	Compressed bool
	// Immediate requests immediate binding.
	Immediate bool
	// Capture marks the backing for capture in GPU error dumps.
	Capture bool
}

// CreateBacking creates the backing of a root device.
func (m *Manager) CreateBacking(p Properties) (*alloc.Backing, error) {
	if p.Device == nil || p.Size == 0 {
		return nil, fmt.Errorf("%w: backing without device or size", status.ErrInvalidArgument)
	}
	if len(p.Regions) == 0 {
		p.Regions = []kmd.Region{kmd.SystemRegion}
	}

	root := p.Device.Root()
	size := utils.AlignUp(p.Size, PageSize)

	address, owned, err := m.acquireVA(p.Address, size, p.Alignment, p.Need48Bit)
	if err != nil {
		return nil, err
	}

	var objects []*bo.BufferObject
	fail := func(err error) (*alloc.Backing, error) {
		for _, o := range objects {
			if rerr := o.Shared().Release(); rerr != nil {
				log.Warn("failed to release %s: %v", o, rerr)
			}
		}
		if owned {
			m.releaseVA(address)
		}
		return nil, fmt.Errorf("failed to create %s backing of %d bytes on %s: %w",
			p.Topology, size, p.Device.Name(), err)
	}

	for _, chunk := range layout(p, address, size) {
		o, err := m.createObject(root, chunk.address, bo.Attributes{
			Size:        chunk.size,
			Region:      chunk.regions[0],
			CacheRegion: p.CacheRegion,
			CachePolicy: p.CachePolicy,
			Immediate:   p.Immediate,
			Capture:     p.Capture,
		}, chunk.regions, p.CachePolicy == bo.CachePolicyWriteCombined)
		if err != nil {
			return fail(err)
		}
		objects = append(objects, o)
	}

	b := alloc.NewBacking(root, address, size, p.Topology, objects)
	b.SetOwnsAddress(owned)
	b.SetCompressed(p.Compressed)

	m.mu.Lock()
	m.stats.Created++
	m.mu.Unlock()

	log.Debug("created %s", b)
	if details.DebugEnabled() {
		for _, o := range objects {
			details.Debug("  %s", o)
		}
	}

	return b, nil
}

// CreateObject creates a buffer object without a GPU virtual address.
func (m *Manager) CreateObject(p Properties) (*bo.BufferObject, error) {
	if p.Device == nil || p.Size == 0 {
		return nil, fmt.Errorf("%w: object without device or size", status.ErrInvalidArgument)
	}
	if len(p.Regions) == 0 {
		p.Regions = []kmd.Region{kmd.SystemRegion}
	}

	o, err := m.createObject(p.Device.Root(), 0, bo.Attributes{
		Size:        p.Size,
		Region:      p.Regions[0],
		CacheRegion: p.CacheRegion,
		CachePolicy: p.CachePolicy,
	}, p.Regions, false)
	if err != nil {
		return nil, fmt.Errorf("failed to create object of %d bytes on %s: %w",
			p.Size, p.Device.Name(), err)
	}

	m.mu.Lock()
	m.stats.Created++
	m.mu.Unlock()

	return o, nil
}

// DestroyObject drops the reference of a buffer object to its kernel object.
func (m *Manager) DestroyObject(o *bo.BufferObject) error {
	return o.Shared().Release()
}

// MapObject creates a backing of a root device for size bytes of a buffer
// object at offset, bound at the given address. The address is owned by
// the caller.
func (m *Manager) MapObject(dev *device.Device, o *bo.BufferObject, address, offset, size uint64) (*alloc.Backing, error) {
	if size == 0 || offset+size > o.Size() {
		return nil, fmt.Errorf("%w: 0x%x+%d bytes of %s", status.ErrInvalidArgument, offset, size, o)
	}
	if dev.Index() != o.RootDevice() {
		return nil, fmt.Errorf("%w: %s is not on %s", status.ErrInvalidArgument, o, dev.Name())
	}
	if !o.Shared().Acquire() {
		return nil, fmt.Errorf("%w: %s", bo.ErrClosed, o)
	}

	attrs := o.Attributes()
	attrs.Offset = offset
	attrs.Size = size
	view := bo.New(o.Shared(), o.Driver(), o.RootDevice(), address, attrs)

	b := alloc.NewBacking(dev, address, size, alloc.Single, []*bo.BufferObject{view})
	log.Debug("mapped 0x%x+%d bytes of %s as %s", offset, size, o, b)

	return b, nil
}

type chunk struct {
	address uint64
	size    uint64
	regions []kmd.Region
}

// layout splits a backing into per buffer object chunks.
func layout(p Properties, address, size uint64) []chunk {
	tiles := p.Device.Tiles()
	if p.Topology == alloc.Single || len(tiles) < 2 {
		return []chunk{{address: address, size: size, regions: p.Regions}}
	}

	var chunks []chunk
	switch p.Topology {
	case alloc.TileInstanced:
		for _, t := range tiles {
			chunks = append(chunks, chunk{
				address: address,
				size:    size,
				regions: tileRegions(p.Regions, t),
			})
		}
	case alloc.Colored:
		per := utils.AlignUp(size/uint64(len(tiles)), PageSize)
		for i, offset := 0, uint64(0); offset < size; i, offset = i+1, offset+per {
			n := per
			if offset+n > size {
				n = size - offset
			}
			chunks = append(chunks, chunk{
				address: address + offset,
				size:    n,
				regions: tileRegions(p.Regions, tiles[i]),
			})
		}
	}
	return chunks
}

// tileRegions replaces local memory regions with the local memory of a tile.
func tileRegions(regions []kmd.Region, tile int) []kmd.Region {
	var (
		result []kmd.Region
		local  bool
	)
	for _, r := range regions {
		if r.Class == kmd.MemoryDevice {
			if !local {
				result = append(result, kmd.LocalRegion(tile))
				local = true
			}
			continue
		}
		result = append(result, r)
	}
	return result
}

func (m *Manager) createObject(root *device.Device, address uint64, attrs bo.Attributes, regions []kmd.Region, wc bool) (*bo.BufferObject, error) {
	drv := root.Driver()
	h, err := drv.CreateObject(kmd.ObjectSpec{
		Size:          attrs.Size,
		Regions:       regions,
		WriteCombined: wc,
	})
	if err != nil {
		return nil, err
	}

	shared := m.shareHandle(root.Index(), drv, h)
	return bo.New(shared, drv, root.Index(), address, attrs), nil
}

// shareHandle returns the shared handle of a kernel handle of a root
// device, taking a strong reference to an existing one. Importing an
// object already open on a device file returns its existing handle.
func (m *Manager) shareHandle(root device.ID, drv kmd.Driver, h kmd.Handle) *bo.SharedHandle {
	m.hmu.Lock()
	defer m.hmu.Unlock()

	handles, ok := m.handles[root]
	if !ok {
		handles = map[kmd.Handle]*bo.SharedHandle{}
		m.handles[root] = handles
	}

	if s, ok := handles[h]; ok && s.Acquire() {
		return s
	}

	var s *bo.SharedHandle
	s = bo.NewSharedHandle(h, drv.DestroyObject, func() {
		m.hmu.Lock()
		defer m.hmu.Unlock()
		if handles[h] == s {
			delete(handles, h)
		}
	})
	handles[h] = s

	return s
}

// OpenHandles returns the number of kernel handles open on a root device.
func (m *Manager) OpenHandles(root device.ID) int {
	m.hmu.Lock()
	defer m.hmu.Unlock()

	cnt := 0
	for _, s := range m.handles[root] {
		if !s.IsClosed() {
			cnt++
		}
	}
	return cnt
}

func (m *Manager) acquireVA(address, size, align uint64, need48Bit bool) (uint64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if address != 0 {
		if n, ok := m.vaRefs[address]; ok {
			m.vaRefs[address] = n + 1
			return address, true, nil
		}
		return address, false, nil
	}

	address, err := m.space.Allocate(size, align, need48Bit)
	if err != nil {
		return 0, false, fmt.Errorf("%w: %v", status.ErrOutOfDeviceMemory, err)
	}
	m.vaRefs[address] = 1

	return address, true, nil
}

func (m *Manager) releaseVA(address uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.vaRefs[address]
	if !ok {
		log.Warn("release of untracked address 0x%x", address)
		return
	}
	if n > 1 {
		m.vaRefs[address] = n - 1
		return
	}

	delete(m.vaRefs, address)
	if err := m.space.Free(address); err != nil {
		log.Error("failed to release address 0x%x: %v", address, err)
	}
}

// Stats returns the counters of the manager.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

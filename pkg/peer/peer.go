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

// Package peer caches the aliases of allocations on peer devices.
package peer

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/intel/gpu-usm/pkg/alloc"
	"github.com/intel/gpu-usm/pkg/binding"
	"github.com/intel/gpu-usm/pkg/device"
	"github.com/intel/gpu-usm/pkg/instrumentation/tracing"
	logger "github.com/intel/gpu-usm/pkg/log"
	"github.com/intel/gpu-usm/pkg/status"
)

var log = logger.Get("peer")

// Alias is the backing of an allocation imported on a peer device.
type Alias struct {
	// Pointer is the address of the aliased allocation.
	Pointer uint64
	// Backing is the imported backing on the peer device.
	Backing *alloc.Backing
	// Reserved is set for aliases of mapped reservation ranges.
	Reserved bool
}

// Cache caches the aliases of a single device or sub-device.
type Cache struct {
	mu      sync.Mutex
	dev     *device.Device
	aliases map[uint64]*Alias
	binding *binding.Manager
	table   *alloc.Table
}

func newCache(dev *device.Device, b *binding.Manager, table *alloc.Table) *Cache {
	return &Cache{
		dev:     dev,
		aliases: map[uint64]*Alias{},
		binding: b,
		table:   table,
	}
}

// Device returns the device of the cache.
func (c *Cache) Device() *device.Device {
	return c.dev
}

// Len returns the number of cached aliases.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.aliases)
}

// Lookup returns the cached alias of the allocation at ptr.
func (c *Cache) Lookup(ptr uint64) (*Alias, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.aliases[ptr]
	return a, ok
}

// GetAlias returns the backing and GPU address of the allocation containing
// ptr on the device of the cache, importing the allocation there on first
// use. Unless zero, fixedVA is the address to import at.
func (c *Cache) GetAlias(ctx context.Context, ptr, fixedVA uint64) (_ *alloc.Backing, _ uint64, retErr error) {
	a, ok := c.table.Find(ptr)
	if !ok {
		return nil, 0, fmt.Errorf("%w: no allocation at 0x%x", status.ErrInvalidArgument, ptr)
	}
	offset := ptr - a.Address()

	if a.IsFreeing() {
		return nil, 0, freeingError(a)
	}
	if b, ok := a.Backing(c.dev.Root().Index()); ok {
		return b, b.Address() + offset, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// FreeAliases takes the lock after the allocation is marked.
	if a.IsFreeing() {
		return nil, 0, freeingError(a)
	}

	if alias, ok := c.aliases[a.Address()]; ok {
		return alias.Backing, alias.Backing.Address() + offset, nil
	}

	ctx, span := tracing.StartSpan(ctx, "GetPeerAlias",
		tracing.WithAttributes(
			tracing.Attribute("device", c.dev.Name()),
			tracing.Attribute("address", a.Address()),
		),
	)
	defer func() {
		span.End(tracing.WithStatus(retErr))
	}()

	src := a.DefaultBacking()
	if src == nil {
		return nil, 0, fmt.Errorf("%w: %s has no backing", status.ErrInvalidArgument, a)
	}

	reserved := a.Kind() == alloc.ReservedDevice
	if reserved && fixedVA != 0 {
		log.Debug("ignoring fixed address 0x%x for reserved %s", fixedVA, a)
		fixedVA = 0
	}

	fds, err := c.binding.ExportFDs(ctx, src)
	if err != nil {
		return nil, 0, err
	}
	defer func() {
		if err := c.binding.CloseFDs(src.Device(), fds); err != nil {
			log.Warn("failed to close exported fds of %s: %v", src, err)
		}
	}()

	objects := src.Objects()
	sizes := make([]uint64, 0, len(objects))
	for _, o := range objects {
		sizes = append(sizes, o.Size())
	}

	b, err := c.binding.ImportBacking(binding.ImportRequest{
		Device:    c.dev,
		FDs:       fds,
		Sizes:     sizes,
		Topology:  src.Topology(),
		Address:   fixedVA,
		Need48Bit: a.Flags().Has(alloc.Resource48Bit),
	})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to alias %s on %s: %w", a, c.dev.Name(), err)
	}

	c.aliases[a.Address()] = &Alias{
		Pointer:  a.Address(),
		Backing:  b,
		Reserved: reserved,
	}
	a.SetMappedPeer()

	log.Debug("aliased %s on %s as %s", a, c.dev.Name(), b)
	return b, b.Address() + offset, nil
}

func freeingError(a *alloc.Allocation) error {
	return fmt.Errorf("%w: %s is being freed", status.ErrInvalidArgument, a)
}

// FreeAliases removes and releases the alias of the allocation at ptr.
func (c *Cache) FreeAliases(ctx context.Context, ptr uint64, blocking bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	alias, ok := c.aliases[ptr]
	if !ok {
		return nil
	}
	delete(c.aliases, ptr)

	log.Debug("freeing alias of 0x%x on %s", ptr, c.dev.Name())
	return c.binding.Release(ctx, alias.Backing, blocking)
}

// Set is the collection of the alias caches of every device and
// sub-device of a context.
type Set struct {
	caches []*Cache
	byDev  map[*device.Device]*Cache
}

// NewSet creates alias caches for the given devices and their sub-devices.
func NewSet(b *binding.Manager, table *alloc.Table, devices ...*device.Device) *Set {
	s := &Set{
		byDev: map[*device.Device]*Cache{},
	}
	var add func(*device.Device)
	add = func(dev *device.Device) {
		if _, ok := s.byDev[dev]; ok {
			return
		}
		c := newCache(dev, b, table)
		s.caches = append(s.caches, c)
		s.byDev[dev] = c
		for _, sub := range dev.SubDevices() {
			add(sub)
		}
	}
	for _, dev := range devices {
		add(dev)
	}
	return s
}

// Cache returns the alias cache of a device.
func (s *Set) Cache(dev *device.Device) (*Cache, bool) {
	c, ok := s.byDev[dev]
	return c, ok
}

// Caches returns every alias cache of the set.
func (s *Set) Caches() []*Cache {
	return s.caches
}

// GetAlias returns the alias of the allocation containing ptr on a consumer
// device.
func (s *Set) GetAlias(ctx context.Context, consumer *device.Device, ptr, fixedVA uint64) (*alloc.Backing, uint64, error) {
	c, ok := s.byDev[consumer]
	if !ok {
		return nil, 0, fmt.Errorf("%w: %s is not part of the context", status.ErrDeviceLost, consumer.Name())
	}
	return c.GetAlias(ctx, ptr, fixedVA)
}

// FreeAll removes and releases the aliases of the allocation at ptr on
// every device.
func (s *Set) FreeAll(ctx context.Context, ptr uint64, blocking bool) error {
	var errs *multierror.Error
	for _, c := range s.caches {
		errs = multierror.Append(errs, c.FreeAliases(ctx, ptr, blocking))
	}
	return errs.ErrorOrNil()
}

// Len returns the total number of cached aliases.
func (s *Set) Len() int {
	cnt := 0
	for _, c := range s.caches {
		cnt += c.Len()
	}
	return cnt
}

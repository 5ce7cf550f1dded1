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

// Package bo implements buffer objects, the per root device wrappers of
// kernel memory objects.
package bo

import (
	"fmt"
	"sync"

	"github.com/intel/gpu-usm/pkg/device"
	"github.com/intel/gpu-usm/pkg/kmd"
	logger "github.com/intel/gpu-usm/pkg/log"
)

var (
	ErrRefcount = fmt.Errorf("bo: invalid reference count")
	ErrClosed   = fmt.Errorf("bo: handle closed")
)

var log = logger.Get("bo")

// CacheRegion is a hardware cache region selector.
type CacheRegion int

const (
	CacheRegionDefault CacheRegion = iota
	CacheRegion1
	CacheRegion2
)

// CachePolicy is a CPU/GPU cache policy of a buffer object.
type CachePolicy int

const (
	CachePolicyWriteBack CachePolicy = iota
	CachePolicyWriteCombined
	CachePolicyUncached
	CachePolicyWriteThrough
)

var (
	cacheRegionNames = map[CacheRegion]string{
		CacheRegionDefault: "default",
		CacheRegion1:       "region1",
		CacheRegion2:       "region2",
	}
	cachePolicyNames = map[CachePolicy]string{
		CachePolicyWriteBack:     "WB",
		CachePolicyWriteCombined: "WC",
		CachePolicyUncached:      "UC",
		CachePolicyWriteThrough:  "WT",
	}
)

// String returns the name of the cache region.
func (r CacheRegion) String() string {
	if s, ok := cacheRegionNames[r]; ok {
		return s
	}
	return fmt.Sprintf("%%!(bo:Bad-CacheRegion %d)", int(r))
}

// String returns the name of the cache policy.
func (p CachePolicy) String() string {
	if s, ok := cachePolicyNames[p]; ok {
		return s
	}
	return fmt.Sprintf("%%!(bo:Bad-CachePolicy %d)", int(p))
}

// Attributes are the creation time attributes of a buffer object.
type Attributes struct {
	Size        uint64
	Offset      uint64
	Region      kmd.Region
	CacheRegion CacheRegion
	CachePolicy CachePolicy
	// Immediate requests binding to complete before the bind call returns.
	Immediate bool
	// Capture marks the object for capture in GPU error dumps.
	Capture bool
}

// BufferObject is a kernel memory object of one root device.
type BufferObject struct {
	mu       sync.Mutex
	shared   *SharedHandle
	drv      kmd.Driver
	root     device.ID
	attrs    Attributes
	address  uint64
	patIndex uint32
	bound    device.ContextMask
	exportFD int
	imported bool
}

// New creates a buffer object for a shared handle of a root device, to be
// bound at the given GPU virtual address.
func New(shared *SharedHandle, drv kmd.Driver, root device.ID, address uint64, attrs Attributes) *BufferObject {
	return &BufferObject{
		shared:   shared,
		drv:      drv,
		root:     root,
		attrs:    attrs,
		address:  address,
		exportFD: -1,
	}
}

// SetImported marks the buffer object imported from a prime file descriptor.
func (b *BufferObject) SetImported() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.imported = true
}

// IsImported returns true if the buffer object was imported.
func (b *BufferObject) IsImported() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.imported
}

// Shared returns the shared handle of the buffer object.
func (b *BufferObject) Shared() *SharedHandle {
	return b.shared
}

// Handle returns the kernel handle of the buffer object.
func (b *BufferObject) Handle() (kmd.Handle, error) {
	h, ok := b.shared.Handle()
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrClosed, h)
	}
	return h, nil
}

// Driver returns the kernel driver of the buffer object.
func (b *BufferObject) Driver() kmd.Driver {
	return b.drv
}

// RootDevice returns the index of the root device of the buffer object.
func (b *BufferObject) RootDevice() device.ID {
	return b.root
}

// Size returns the size of the buffer object.
func (b *BufferObject) Size() uint64 {
	return b.attrs.Size
}

// Offset returns the offset of the buffer object in its kernel object.
func (b *BufferObject) Offset() uint64 {
	return b.attrs.Offset
}

// Attributes returns the creation attributes of the buffer object.
func (b *BufferObject) Attributes() Attributes {
	return b.attrs
}

// ReservedAddress returns the GPU virtual address reserved for binding.
func (b *BufferObject) ReservedAddress() uint64 {
	return b.address
}

// Address returns the GPU virtual address of the buffer object. It is only
// defined while the object is bound to at least one engine context.
func (b *BufferObject) Address() (uint64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.address, b.bound != 0
}

// PATIndex returns the PAT index used for the last bind.
func (b *BufferObject) PATIndex() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.patIndex
}

// IsBound checks if the object is bound to the given engine context.
func (b *BufferObject) IsBound(engine int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bound.Contains(engine)
}

// BoundContexts returns the mask of engine contexts the object is bound to.
func (b *BufferObject) BoundContexts() device.ContextMask {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bound
}

// MarkBound records a successful bind to an engine context.
func (b *BufferObject) MarkBound(engine int, patIndex uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bound = b.bound.Set(engine)
	b.patIndex = patIndex
}

// MarkUnbound records an unbind from an engine context, leaving the bindings
// of other engine contexts intact.
func (b *BufferObject) MarkUnbound(engine int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bound = b.bound.Clear(engine)
}

// ExportedFD returns the cached prime file descriptor of the object.
func (b *BufferObject) ExportedFD() (int, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.exportFD, b.exportFD >= 0
}

// SetExportedFD caches the prime file descriptor of the object.
func (b *BufferObject) SetExportedFD(fd int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.exportFD = fd
}

// ForgetExportedFD clears and returns the cached prime file descriptor.
func (b *BufferObject) ForgetExportedFD() (int, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fd := b.exportFD
	b.exportFD = -1
	return fd, fd >= 0
}

// String returns a string representation of the buffer object.
func (b *BufferObject) String() string {
	h, _ := b.shared.Handle()
	return fmt.Sprintf("bo{handle %d, root device #%d, %d bytes @0x%x in %s, %s/%s, %s}",
		h, b.root, b.attrs.Size, b.address, b.attrs.Region,
		b.attrs.CacheRegion, b.attrs.CachePolicy, b.BoundContexts())
}

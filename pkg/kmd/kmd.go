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

package kmd

import (
	"fmt"
	"sort"
	"sync"
	"time"
	"unsafe"
)

// Handle is a per-file kernel memory object handle.
type Handle uint32

// MemoryClass is the class of a memory region.
type MemoryClass int

const (
	// MemorySystem is host memory accessible to the device.
	MemorySystem MemoryClass = iota
	// MemoryDevice is device local memory of a tile.
	MemoryDevice
)

// Region identifies a memory region: system memory or the local memory of a tile.
type Region struct {
	Class MemoryClass
	Tile  int
}

var (
	// SystemRegion is the system memory region.
	SystemRegion = Region{Class: MemorySystem}
)

// LocalRegion returns the local memory region of the given tile.
func LocalRegion(tile int) Region {
	return Region{Class: MemoryDevice, Tile: tile}
}

// String returns a string representation of the region.
func (r Region) String() string {
	if r.Class == MemorySystem {
		return "system"
	}
	return fmt.Sprintf("local%d", r.Tile)
}

// ObjectSpec describes a memory object to create.
type ObjectSpec struct {
	// Size of the object in bytes.
	Size uint64
	// Regions the object may be placed in, in order of preference.
	Regions []Region
	// WriteCombined requests write-combined CPU caching.
	WriteCombined bool
}

// BindRequest describes a GPU virtual address binding of a memory object.
type BindRequest struct {
	VM        uint32
	Context   uint32
	Handle    Handle
	Address   uint64
	Offset    uint64
	Size      uint64
	PATIndex  uint32
	Immediate bool
	Capture   bool
	ReadOnly  bool
}

// Infinite is a fence wait timeout which never expires.
const Infinite = time.Duration(-1)

// Driver is the capability interface of a GPU kernel-mode driver backend.
type Driver interface {
	// Name returns the name of the kernel driver.
	Name() string
	// CreateObject creates a new shareable memory object.
	CreateObject(spec ObjectSpec) (Handle, error)
	// DestroyObject closes a memory object handle.
	DestroyObject(h Handle) error
	// ExportFD exports a memory object as a prime file descriptor.
	ExportFD(h Handle) (int, error)
	// ImportFD imports a prime file descriptor as a memory object handle.
	ImportFD(fd int) (Handle, error)
	// CloseFD closes a prime file descriptor.
	CloseFD(fd int) error
	// CreateVM creates a GPU virtual address space.
	CreateVM() (uint32, error)
	// DestroyVM destroys a GPU virtual address space.
	DestroyVM(vm uint32) error
	// CreateContext creates an engine context on a tile, using the given VM.
	CreateContext(vm uint32, tile int) (uint32, error)
	// DestroyContext destroys an engine context.
	DestroyContext(ctx uint32) error
	// Bind binds a memory object to a GPU virtual address range.
	Bind(req *BindRequest) error
	// Unbind removes a GPU virtual address range binding.
	Unbind(vm, ctx uint32, address, size uint64) error
	// WaitUserFence waits for the fence at addr to reach at least value.
	// A zero timeout polls, Infinite blocks until signaled.
	WaitUserFence(ctx uint32, addr, value uint64, timeout time.Duration) error
	// ContextHung checks if the engine context has been banned after a hang.
	ContextHung(ctx uint32) (bool, error)
	// Close closes the driver and the underlying device file.
	Close() error
}

// Ioctler is the transport of a Driver to a DRM device file.
type Ioctler interface {
	// Ioctl issues the given ioctl request, returning the errno on failure.
	Ioctl(req uintptr, arg unsafe.Pointer) error
	// CloseFD closes a file descriptor created by the device.
	CloseFD(fd int) error
	// Close closes the device file.
	Close() error
}

// Backend creates a Driver for a given device file.
type Backend func(Ioctler) (Driver, error)

var (
	backendsLock sync.RWMutex
	backends     = map[string]Backend{}
)

// Register registers a driver backend for the given kernel driver name.
func Register(name string, backend Backend) {
	backendsLock.Lock()
	defer backendsLock.Unlock()

	if _, ok := backends[name]; ok {
		log.Panic("backend %q already registered", name)
	}

	backends[name] = backend
	log.Debug("registered backend %q", name)
}

// Backends returns the names of registered backends.
func Backends() []string {
	backendsLock.RLock()
	defer backendsLock.RUnlock()

	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}

// New creates a Driver of the named backend for the given device file.
func New(name string, dev Ioctler) (Driver, error) {
	backendsLock.RLock()
	backend, ok := backends[name]
	backendsLock.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, name)
	}

	return backend(dev)
}

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
	"time"

	"github.com/hashicorp/go-multierror"
	idset "github.com/intel/goresctrl/pkg/utils"

	"github.com/intel/gpu-usm/pkg/kmd"
	logger "github.com/intel/gpu-usm/pkg/log"
	"github.com/intel/gpu-usm/pkg/utils"
)

type (
	// ID is the index of a root device.
	ID = idset.ID
)

const (
	// TagAreaBase is the GPU virtual address of the task count tags of
	// engine contexts. The process-wide address heap stays below it.
	TagAreaBase = uint64(0xffff00000000)
	// TagSize is the size of the tag area of one engine context.
	TagSize = uint64(4096)
	// MaxTileCount is the maximum number of tiles of a root device.
	MaxTileCount = 4
)

var log = logger.Get("device")

// Properties describe the capabilities of a device.
type Properties struct {
	// Name of the device.
	Name string
	// MaxMemAllocSize is the maximum size of a single allocation.
	MaxMemAllocSize uint64
	// GlobalMemSize is the total addressable memory of the device.
	GlobalMemSize uint64
	// SubDevices is the number of tiles, 0 or 1 for single tile devices.
	SubDevices int
	// ImplicitScaling is true if allocations are spread over all tiles.
	ImplicitScaling bool
	// LocalMemory is true if the device has local memory.
	LocalMemory bool
	// CompressionDevice is true if device allocations can be compressed.
	CompressionDevice bool
	// CompressionShared is true if shared allocations can be compressed.
	CompressionShared bool
	// MinCompressionSize is the smallest compressible allocation size.
	MinCompressionSize uint64
	// EnginesPerTile is the number of engine contexts per tile, at least 1.
	EnginesPerTile int
}

// Device is a root device or a sub-device (tile) of a root device.
type Device struct {
	props      Properties
	drv        kmd.Driver
	index      ID
	tile       int
	root       *Device
	subDevices []*Device
	engines    []*Engine
	closed     bool
}

// Option is an option for device creation.
type Option func(*options)

type options struct {
	pollInterval time.Duration
}

// WithPollInterval sets the fence polling interval of engine contexts.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		o.pollInterval = d
	}
}

// New creates a root device with the given index, kernel driver and
// properties. It creates sub-devices for each tile and an engine context,
// with its own VM, for each engine of each tile.
func New(index ID, drv kmd.Driver, props Properties, opts ...Option) (*Device, error) {
	o := &options{pollInterval: time.Millisecond}
	for _, opt := range opts {
		opt(o)
	}

	if index < 0 || index > MaxIndex {
		return nil, fmt.Errorf("%w: root device index %d", ErrInvalidIndex, index)
	}
	if props.SubDevices < 0 || props.SubDevices > MaxTileCount {
		return nil, fmt.Errorf("%w: %d sub-devices", ErrInvalidProperties, props.SubDevices)
	}
	if props.EnginesPerTile <= 0 {
		props.EnginesPerTile = 1
	}
	if props.MaxMemAllocSize == 0 || props.GlobalMemSize == 0 {
		return nil, fmt.Errorf("%w: missing memory sizes", ErrInvalidProperties)
	}

	d := &Device{
		props: props,
		drv:   drv,
		index: index,
		tile:  -1,
	}

	tiles := props.TileCount()
	if tiles*props.EnginesPerTile > MaxIndex+1 {
		return nil, fmt.Errorf("%w: too many engines", ErrInvalidProperties)
	}

	for t := 0; t < tiles; t++ {
		var owner = d
		if props.SubDevices > 1 {
			sub := &Device{
				props: props.subDeviceProperties(t),
				drv:   drv,
				index: index,
				tile:  t,
				root:  d,
			}
			d.subDevices = append(d.subDevices, sub)
			owner = sub
		}

		for i := 0; i < props.EnginesPerTile; i++ {
			e, err := newEngine(owner, t, len(d.engines), o.pollInterval)
			if err != nil {
				d.Close()
				return nil, err
			}
			d.engines = append(d.engines, e)
			if owner != d {
				owner.engines = append(owner.engines, e)
			}
		}
	}

	log.Info("created %s", d)
	if log.DebugEnabled() {
		for _, e := range d.engines {
			log.Debug("  %s", e)
		}
	}

	return d, nil
}

// TileCount returns the number of tiles of a device with these properties.
func (p Properties) TileCount() int {
	if p.SubDevices > 1 {
		return p.SubDevices
	}
	return 1
}

func (p Properties) subDeviceProperties(tile int) Properties {
	sub := p
	sub.Name = fmt.Sprintf("%s.%d", p.Name, tile)
	sub.SubDevices = 0
	sub.ImplicitScaling = false
	sub.GlobalMemSize = p.GlobalMemSize / uint64(p.SubDevices)
	if sub.MaxMemAllocSize > sub.GlobalMemSize {
		sub.MaxMemAllocSize = sub.GlobalMemSize
	}
	return sub
}

// Index returns the root device index of the device.
func (d *Device) Index() ID {
	return d.index
}

// Tile returns the tile of a sub-device, or -1 for a root device.
func (d *Device) Tile() int {
	return d.tile
}

// IsSubDevice returns true if the device is a sub-device.
func (d *Device) IsSubDevice() bool {
	return d.root != nil
}

// Root returns the root device of the device.
func (d *Device) Root() *Device {
	if d.root != nil {
		return d.root
	}
	return d
}

// SubDevices returns the sub-devices of a root device.
func (d *Device) SubDevices() []*Device {
	return d.subDevices
}

// Engines returns the engine contexts of the device. For a root device
// these include the engine contexts of all its sub-devices.
func (d *Device) Engines() []*Engine {
	return d.engines
}

// Driver returns the kernel driver of the device.
func (d *Device) Driver() kmd.Driver {
	return d.drv
}

// Properties returns the properties of the device.
func (d *Device) Properties() Properties {
	return d.props
}

// Name returns the name of the device.
func (d *Device) Name() string {
	return d.props.Name
}

// Mask returns the DeviceMask of the root device.
func (d *Device) Mask() DeviceMask {
	return NewDeviceMask(d.index)
}

// ContextMask returns the mask of all engine contexts of the device.
func (d *Device) ContextMask() ContextMask {
	var m ContextMask
	for _, e := range d.engines {
		m = m.Set(e.index)
	}
	return m
}

// Tiles returns the tiles covered by the device.
func (d *Device) Tiles() []int {
	if d.tile >= 0 {
		return []int{d.tile}
	}
	tiles := make([]int, 0, d.props.TileCount())
	for t := 0; t < d.props.TileCount(); t++ {
		tiles = append(tiles, t)
	}
	return tiles
}

// LocalRegions returns the local memory regions of the device.
func (d *Device) LocalRegions() []kmd.Region {
	if !d.props.LocalMemory {
		return nil
	}
	var regions []kmd.Region
	for _, t := range d.Tiles() {
		regions = append(regions, kmd.LocalRegion(t))
	}
	return regions
}

// Contains checks if other is this device or one of its sub-devices.
func (d *Device) Contains(other *Device) bool {
	return other == d || other.root == d
}

// String returns a string representation of the device.
func (d *Device) String() string {
	if d.root != nil {
		return fmt.Sprintf("sub-device %s (tile %d of root device #%d)", d.props.Name, d.tile, d.index)
	}
	return fmt.Sprintf("root device #%d %s (%s, %d tile(s), %s local memory, %d engine(s))",
		d.index, d.props.Name, d.drv.Name(), d.props.TileCount(),
		utils.HumanReadableSize(d.props.GlobalMemSize), len(d.engines))
}

// Close destroys the engine contexts of a root device.
func (d *Device) Close() error {
	if d.root != nil || d.closed {
		return nil
	}
	d.closed = true

	var errs *multierror.Error
	for _, e := range d.engines {
		errs = multierror.Append(errs, e.destroy())
	}
	return errs.ErrorOrNil()
}

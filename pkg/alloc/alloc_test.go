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

package alloc_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	. "github.com/intel/gpu-usm/pkg/alloc"
	"github.com/intel/gpu-usm/pkg/bo"
	"github.com/intel/gpu-usm/pkg/device"
	"github.com/intel/gpu-usm/pkg/kmd"
	_ "github.com/intel/gpu-usm/pkg/kmd/i915"
	"github.com/intel/gpu-usm/pkg/kmd/simkmd"
	"github.com/intel/gpu-usm/pkg/status"
)

const (
	_64K = 64 * 1024
	_1G  = 1024 * 1024 * 1024
)

func newDevice(t *testing.T, index device.ID, tiles int) *device.Device {
	k := simkmd.NewKernel(simkmd.NewSystem(0), simkmd.Config{
		Driver:      "i915",
		LocalMemory: []uint64{_1G, _1G},
	})
	drv, err := kmd.New("i915", k)
	require.NoError(t, err)
	dev, err := device.New(index, drv, device.Properties{
		Name:            "gpu",
		MaxMemAllocSize: _1G,
		GlobalMemSize:   2 * _1G,
		SubDevices:      tiles,
		LocalMemory:     true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { dev.Close() })
	return dev
}

func newBacking(dev *device.Device, address, size uint64, topology Topology, count int) *Backing {
	var objects []*bo.BufferObject
	for i := 0; i < count; i++ {
		objects = append(objects, bo.New(bo.NewSharedHandle(kmd.Handle(i+1), nil, nil),
			dev.Driver(), dev.Index(), address, bo.Attributes{Size: size}))
	}
	return NewBacking(dev, address, size, topology, objects)
}

func TestSetBacking(t *testing.T) {
	devA := newDevice(t, 0, 0)
	devB := newDevice(t, 1, 0)

	a := New(Config{
		ID:      1,
		Address: 0x100000,
		Size:    _64K,
		Kind:    HostUnified,
	})

	require.NoError(t, a.SetBacking(newBacking(devB, 0x100000, _64K, Single, 1)))
	require.NoError(t, a.SetBacking(newBacking(devA, 0x100000, _64K, Single, 1)))

	err := a.SetBacking(newBacking(devA, 0x100000, _64K, Single, 1))
	require.ErrorIs(t, err, status.ErrInvalidArgument)

	require.Equal(t, device.NewDeviceMask(0, 1), a.DeviceMask())
	require.Equal(t, devA, a.DefaultBacking().Device(), "lowest root device is the default")
	b, ok := a.Backing(1)
	require.True(t, ok)
	require.Equal(t, a, b.Allocation())

	backings := a.TakeBackings()
	require.Len(t, backings, 2)
	require.Equal(t, device.ID(0), backings[0].Device().Index())
	require.Nil(t, a.DefaultBacking())
}

func TestBackingResidency(t *testing.T) {
	dev := newDevice(t, 0, 2)
	b := newBacking(dev, 0x200000, 2*_64K, TileInstanced, 2)

	for _, e := range dev.Engines() {
		objects := b.ObjectsFor(e)
		require.Len(t, objects, 1)
		require.Equal(t, b.Objects()[e.Tile()], objects[0])
	}

	b.SetResident(0, 5, false)
	b.SetResident(1, 3, true)
	b.SetResident(0, 2, false)
	require.Equal(t, Residency{Resident: true, LastUsed: 5}, b.Residency(0))
	require.Equal(t, Residency{Resident: true, LastUsed: 3, Pinned: true}, b.Residency(1))
	require.Equal(t, device.NewContextMask(0, 1), b.ResidentContexts())
	require.Equal(t, device.NewContextMask(1), b.PinnedContexts())

	b.SetEvicted(true)
	b.ClearResident(1)
	require.Equal(t, device.NewContextMask(0), b.ResidentContexts())
	require.Equal(t, device.ContextMask(0), b.PinnedContexts())
	require.True(t, b.IsEvicted())
	b.SetResident(1, 7, false)
	require.False(t, b.IsEvicted(), "residency clears the evicted marker")

	require.True(t, b.MarkReleased())
	require.False(t, b.MarkReleased())
}

func TestTable(t *testing.T) {
	tbl := NewTable()

	a := New(Config{ID: tbl.NextID(), Address: 0x10000, Size: _64K, Kind: DeviceUnified})
	b := New(Config{ID: tbl.NextID(), Address: 0x20000, Size: 2 * _64K, Kind: SharedUnified})
	require.NotEqual(t, a.ID(), b.ID())

	require.NoError(t, tbl.Insert(a))
	require.NoError(t, tbl.Insert(b))
	require.ErrorIs(t, tbl.Insert(New(Config{Address: 0x28000, Size: _64K})), status.ErrInvalidArgument)

	type testCase struct {
		name  string
		ptr   uint64
		alloc *Allocation
	}
	for _, tc := range []*testCase{
		{
			name: "below",
			ptr:  0xffff,
		},
		{
			name:  "base of first",
			ptr:   0x10000,
			alloc: a,
		},
		{
			name:  "interior of second",
			ptr:   0x2ffff,
			alloc: b,
		},
		{
			name: "past the end",
			ptr:  0x40000,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			found, ok := tbl.Find(tc.ptr)
			require.Equal(t, tc.alloc != nil, ok)
			require.Equal(t, tc.alloc, found)
		})
	}

	_, ok := tbl.Get(0x10001)
	require.False(t, ok, "Get needs the exact base")

	_, err := tbl.Remove(0x10001)
	require.ErrorIs(t, err, status.ErrInvalidArgument)
	removed, err := tbl.Remove(0x10000)
	require.NoError(t, err)
	require.Equal(t, a, removed)
	require.Equal(t, []*Allocation{b}, tbl.Allocations())
}

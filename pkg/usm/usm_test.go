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

package usm_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/intel/gpu-usm/pkg/abi/drm"
	"github.com/intel/gpu-usm/pkg/alloc"
	"github.com/intel/gpu-usm/pkg/binding"
	"github.com/intel/gpu-usm/pkg/device"
	"github.com/intel/gpu-usm/pkg/ipc"
	"github.com/intel/gpu-usm/pkg/kmd"
	_ "github.com/intel/gpu-usm/pkg/kmd/i915"
	"github.com/intel/gpu-usm/pkg/kmd/simkmd"
	_ "github.com/intel/gpu-usm/pkg/kmd/xe"
	"github.com/intel/gpu-usm/pkg/peer"
	"github.com/intel/gpu-usm/pkg/status"
	. "github.com/intel/gpu-usm/pkg/usm"
	"github.com/intel/gpu-usm/pkg/vaspace"
)

const (
	_4K  = 4 * 1024
	_64K = 64 * 1024
	_1M  = 1024 * 1024
	_1G  = 1024 * 1024 * 1024
)

type testDevice struct {
	*device.Device
	k *simkmd.Kernel
}

type deviceConfig struct {
	driver      string
	tiles       int
	local       uint64
	props       device.Properties
	implicitScl bool
}

func newDevice(t *testing.T, sys *simkmd.System, index device.ID, cfg deviceConfig) *testDevice {
	if cfg.driver == "" {
		cfg.driver = "i915"
	}
	if cfg.local == 0 {
		cfg.local = 4 * _1G
	}
	local := []uint64{cfg.local}
	if cfg.tiles > 1 {
		local = make([]uint64, cfg.tiles)
		for i := range local {
			local[i] = cfg.local
		}
	}

	k := simkmd.NewKernel(sys, simkmd.Config{
		Driver:      cfg.driver,
		LocalMemory: local,
	})
	drv, err := kmd.New(cfg.driver, k)
	require.NoError(t, err)

	props := cfg.props
	props.Name = cfg.driver
	props.SubDevices = cfg.tiles
	props.LocalMemory = true
	props.ImplicitScaling = cfg.implicitScl
	if props.MaxMemAllocSize == 0 {
		props.MaxMemAllocSize = _1G
	}
	if props.GlobalMemSize == 0 {
		props.GlobalMemSize = 2 * _1G
	}

	dev, err := device.New(index, drv, props, device.WithPollInterval(100*time.Microsecond))
	require.NoError(t, err)
	t.Cleanup(func() { dev.Close() })
	return &testDevice{Device: dev, k: k}
}

type fixture struct {
	sys     *simkmd.System
	binding *binding.Manager
	table   *alloc.Table
	peers   *peer.Set
	ipc     *ipc.Registry
	svc     *Service
	devs    []*testDevice
}

func setup(t *testing.T, configs []deviceConfig, options ...Option) *fixture {
	space, err := vaspace.New(0x100000000, vaspace.Limit48Bit-_1G, 0)
	require.NoError(t, err)

	f := &fixture{
		sys:     simkmd.NewSystem(0),
		binding: binding.NewManager(space, binding.WithDeferredFree(true)),
		table:   alloc.NewTable(),
	}

	var roots []*device.Device
	for i, cfg := range configs {
		dev := newDevice(t, f.sys, device.ID(i), cfg)
		f.devs = append(f.devs, dev)
		roots = append(roots, dev.Device)
	}

	f.peers = peer.NewSet(f.binding, f.table, roots...)
	f.ipc = ipc.NewRegistry(f.binding, f.table)
	f.svc, err = NewService(roots, f.binding, f.table, f.peers, f.ipc, options...)
	require.NoError(t, err)

	return f
}

func TestParseDescriptors(t *testing.T) {
	type testCase struct {
		name        string
		descriptors []Descriptor
		expected    Options
		fail        bool
	}
	for _, tc := range []*testCase{
		{
			name: "no descriptors",
		},
		{
			name:        "flags",
			descriptors: []Descriptor{RelaxedAllocLimits{}, RayTracingHint{}, ExportMemory{}, SubAllocationQuery{}},
			expected: Options{
				RelaxedAllocLimits: true,
				RayTracing:         true,
				ExportMemory:       true,
				SubAllocations:     true,
			},
		},
		{
			name:        "payloads",
			descriptors: []Descriptor{ImportFD{FD: 7}, CompressionHint{Compressed: true}, PowerSavingHint{Level: 2}},
			expected: Options{
				ImportFD:    &ImportFD{FD: 7},
				Compression: &CompressionHint{Compressed: true},
				PowerSaving: &PowerSavingHint{Level: 2},
			},
		},
		{
			name:        "duplicate",
			descriptors: []Descriptor{RayTracingHint{}, ExportMemory{}, RayTracingHint{}},
			fail:        true,
		},
		{
			name:        "two imports",
			descriptors: []Descriptor{ImportFD{FD: 7}, ImportWin32{Handle: 1}},
			fail:        true,
		},
		{
			name:        "nil descriptor",
			descriptors: []Descriptor{nil},
			fail:        true,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			opts, err := ParseDescriptors(tc.descriptors)
			if tc.fail {
				require.ErrorIs(t, err, status.ErrInvalidArgument)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.expected, opts)
		})
	}
}

func TestAllocateValidation(t *testing.T) {
	f := setup(t, []deviceConfig{
		{},
		{tiles: 2},
	})
	other := newDevice(t, f.sys, 5, deviceConfig{})
	ctx := context.Background()

	devA, devB := f.devs[0].Device, f.devs[1].Device

	type testCase struct {
		name    string
		request AllocRequest
		err     error
	}
	for _, tc := range []*testCase{
		{
			name:    "zero size",
			request: AllocRequest{Kind: alloc.DeviceUnified, Device: devA},
			err:     status.ErrUnsupportedSize,
		},
		{
			name:    "bad alignment",
			request: AllocRequest{Kind: alloc.DeviceUnified, Device: devA, Size: _4K, Alignment: 3 * _4K},
			err:     status.ErrInvalidArgument,
		},
		{
			name:    "device allocation without device",
			request: AllocRequest{Kind: alloc.DeviceUnified, Size: _4K},
			err:     status.ErrInvalidArgument,
		},
		{
			name:    "host allocation with device",
			request: AllocRequest{Kind: alloc.HostUnified, Device: devA, Size: _4K},
			err:     status.ErrInvalidArgument,
		},
		{
			name:    "reserved kind",
			request: AllocRequest{Kind: alloc.ReservedDevice, Device: devA, Size: _4K},
			err:     status.ErrInvalidArgument,
		},
		{
			name:    "device outside the context",
			request: AllocRequest{Kind: alloc.DeviceUnified, Device: other.Device, Size: _4K},
			err:     status.ErrDeviceLost,
		},
		{
			name:    "above maximum allocation size",
			request: AllocRequest{Kind: alloc.DeviceUnified, Device: devA, Size: _1G + _64K},
			err:     status.ErrUnsupportedSize,
		},
		{
			name:    "host above maximum allocation size",
			request: AllocRequest{Kind: alloc.HostUnified, Size: _1G + _64K},
			err:     status.ErrUnsupportedSize,
		},
		{
			name: "relaxed limits",
			request: AllocRequest{Kind: alloc.DeviceUnified, Device: devA, Size: _1G + _64K,
				Descriptors: []Descriptor{RelaxedAllocLimits{}}},
		},
		{
			name: "relaxed limits above the memory of a sub-device",
			request: AllocRequest{Kind: alloc.DeviceUnified, Device: devB, Size: _1G + _64K,
				Descriptors: []Descriptor{RelaxedAllocLimits{}}},
			err: status.ErrUnsupportedSize,
		},
		{
			name: "windows handle import",
			request: AllocRequest{Kind: alloc.DeviceUnified, Device: devA, Size: _4K,
				Descriptors: []Descriptor{ImportWin32{Handle: 1}}},
			err: status.ErrUnsupportedFeature,
		},
		{
			name: "duplicate descriptors",
			request: AllocRequest{Kind: alloc.DeviceUnified, Device: devA, Size: _4K,
				Descriptors: []Descriptor{ExportMemory{}, ExportMemory{}}},
			err: status.ErrInvalidArgument,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			a, err := f.svc.Allocate(ctx, tc.request)
			if tc.err != nil {
				require.ErrorIs(t, err, tc.err)
				require.Nil(t, a)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, a)
			require.NoError(t, f.svc.Free(ctx, a.Address(), true))
		})
	}

	require.Equal(t, 0, f.table.Len())
	require.Equal(t, uint64(0), f.binding.Space().Used())
}

func TestAllocateKinds(t *testing.T) {
	f := setup(t, []deviceConfig{{}, {driver: "xe"}})
	ctx := context.Background()
	devA, devB := f.devs[0], f.devs[1]

	host, err := f.svc.AllocHost(ctx, _4K, 0, 0)
	require.NoError(t, err)
	require.Equal(t, alloc.HostUnified, host.Kind())
	require.Nil(t, host.Device())
	require.Len(t, host.Backings(), 2, "host memory is realized on every device")
	for _, b := range host.Backings() {
		require.Equal(t, host.Address(), b.Address())
	}

	dev, err := f.svc.AllocDevice(ctx, devB.Device, _4K, _1M, 0)
	require.NoError(t, err)
	require.Equal(t, alloc.DeviceUnified, dev.Kind())
	require.Same(t, devB.Device, dev.Device())
	require.Len(t, dev.Backings(), 1)
	require.Zero(t, dev.Address()%_1M, "allocation is aligned")
	require.Equal(t, uint64(_64K), devB.k.LocalUsed(0))

	shared, err := f.svc.AllocShared(ctx, nil, _4K, 0, 0)
	require.NoError(t, err)
	require.Len(t, shared.Backings(), 2)

	placed, err := f.svc.AllocShared(ctx, devA.Device, _4K, 0, alloc.InitialPlacementGPU)
	require.NoError(t, err)
	require.Len(t, placed.Backings(), 1)
	require.Equal(t, uint64(_64K), devA.k.LocalUsed(0), "placed in device memory")

	rt, err := f.svc.AllocDevice(ctx, devA.Device, _4K, 0, 0, RayTracingHint{})
	require.NoError(t, err)
	require.True(t, rt.Flags().Has(alloc.Resource48Bit))

	base, size, err := f.svc.GetAddressRange(dev.Address() + 100)
	require.NoError(t, err)
	require.Equal(t, dev.Address(), base)
	require.Equal(t, uint64(_4K), size)

	_, _, err = f.svc.GetAddressRange(0x10)
	require.ErrorIs(t, err, status.ErrInvalidArgument)

	require.Len(t, f.svc.Allocations(), 5)
	require.NoError(t, f.svc.Close(ctx))
	require.Equal(t, 0, f.table.Len())
	require.Equal(t, 0, devA.k.Objects())
	require.Equal(t, 0, devB.k.Objects())
	require.Equal(t, uint64(0), f.binding.Space().Used())
}

func TestAllocationPadding(t *testing.T) {
	f := setup(t, []deviceConfig{{}}, WithAllocationPadding(_64K))
	ctx := context.Background()

	a, err := f.svc.AllocDevice(ctx, f.devs[0].Device, _4K, 0, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(_4K+_64K), a.Size())

	p, err := f.svc.GetAllocProperties(a.Address())
	require.NoError(t, err)
	require.Equal(t, uint64(_4K+_64K), p.Size)
}

func TestCompression(t *testing.T) {
	props := device.Properties{
		CompressionDevice:  true,
		MinCompressionSize: _64K,
	}

	type testCase struct {
		name        string
		mode        CompressionMode
		kind        alloc.Kind
		size        uint64
		flags       alloc.Flags
		descriptors []Descriptor
		expected    bool
	}
	for _, tc := range []*testCase{
		{name: "suitable", kind: alloc.DeviceUnified, size: _1M, expected: true},
		{name: "too small", kind: alloc.DeviceUnified, size: _4K},
		{name: "marked uncompressed", kind: alloc.DeviceUnified, size: _1M, flags: alloc.Uncompressed},
		{
			name: "hinted uncompressed", kind: alloc.DeviceUnified, size: _1M,
			descriptors: []Descriptor{CompressionHint{Compressed: false}},
		},
		{name: "unsupported memory type", kind: alloc.SharedUnified, size: _1M},
		{name: "forced", mode: CompressionForce, kind: alloc.SharedUnified, size: _4K, expected: true},
		{name: "disabled", mode: CompressionDisable, kind: alloc.DeviceUnified, size: _1M},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := setup(t, []deviceConfig{{props: props}}, WithCompression(tc.mode))
			a, err := f.svc.Allocate(context.Background(), AllocRequest{
				Kind:        tc.kind,
				Device:      f.devs[0].Device,
				Size:        tc.size,
				Flags:       tc.flags,
				Descriptors: tc.descriptors,
			})
			require.NoError(t, err)
			require.Equal(t, tc.expected, a.DefaultBacking().IsCompressed())
		})
	}
}

func TestOOMRetry(t *testing.T) {
	const capacity = 4 * _64K

	f := setup(t, []deviceConfig{{local: capacity}})
	ctx := context.Background()
	dev := f.devs[0]
	e := dev.Engines()[0]
	creates := func() int { return dev.k.Calls(drm.IoctlI915GemCreateExt) }

	busy, err := f.svc.AllocDevice(ctx, dev.Device, capacity, 0, 0)
	require.NoError(t, err)
	tc := e.Submit()
	require.NoError(t, f.binding.MakeResidentForSubmission(e, tc, busy.DefaultBacking()))

	require.NoError(t, f.svc.Free(ctx, busy.Address(), false))
	require.Equal(t, 1, f.binding.DeferredCount(), "busy memory is released later")
	require.Equal(t, uint64(capacity), dev.k.LocalUsed(0))

	dev.k.Signal(e.TagAddress(), tc)

	before := creates()
	a, err := f.svc.AllocDevice(ctx, dev.Device, capacity, 0, 0)
	require.NoError(t, err, "deferred releases are drained and the allocation retried")
	require.Equal(t, before+2, creates())
	require.Equal(t, 0, f.binding.DeferredCount())

	before = creates()
	_, err = f.svc.AllocDevice(ctx, dev.Device, _64K, 0, 0)
	require.ErrorIs(t, err, status.ErrOutOfDeviceMemory)
	require.Equal(t, before+1, creates(), "no retry without deferred releases")

	require.NoError(t, f.svc.Free(ctx, a.Address(), true))
}

func TestFreeUnknown(t *testing.T) {
	f := setup(t, []deviceConfig{{}})
	ctx := context.Background()

	a, err := f.svc.AllocDevice(ctx, f.devs[0].Device, _4K, 0, 0)
	require.NoError(t, err)

	require.ErrorIs(t, f.svc.Free(ctx, 0x1234, true), status.ErrInvalidArgument)
	require.ErrorIs(t, f.svc.Free(ctx, a.Address()+_4K, true), status.ErrInvalidArgument)
	require.Equal(t, 1, f.table.Len(), "failed free leaves the table intact")

	require.NoError(t, f.svc.Free(ctx, a.Address(), true))
	require.ErrorIs(t, f.svc.Free(ctx, a.Address(), true), status.ErrInvalidArgument)
}

func TestFreeCascade(t *testing.T) {
	f := setup(t, []deviceConfig{{}, {tiles: 2}})
	ctx := context.Background()
	devA, devB := f.devs[0], f.devs[1]

	a, err := f.svc.AllocDevice(ctx, devA.Device, _4K, 0, 0)
	require.NoError(t, err)

	for _, dev := range append([]*device.Device{devB.Device}, devB.SubDevices()...) {
		_, _, err := f.peers.GetAlias(ctx, dev, a.Address(), 0)
		require.NoError(t, err)
	}
	require.Equal(t, 3, f.peers.Len())

	h, err := f.ipc.Export(a)
	require.NoError(t, err)
	_, err = f.ipc.Export(a)
	require.NoError(t, err)

	require.NoError(t, f.svc.Free(ctx, a.Address(), true))
	require.Equal(t, 0, f.peers.Len(), "aliases are freed on every device")
	_, ok := f.ipc.Refcount(h.Value)
	require.False(t, ok, "exported handles are removed regardless of references")
	require.Equal(t, 0, devA.k.Objects())
	require.Equal(t, 0, devB.k.Objects())
	require.Equal(t, 0, f.sys.OpenFDs())

	_, _, err = f.peers.GetAlias(ctx, devB.Device, a.Address(), 0)
	require.ErrorIs(t, err, status.ErrInvalidArgument)
}

func TestConcurrentFree(t *testing.T) {
	type testCase struct {
		name string
		race func(f *fixture, ctx context.Context, a *alloc.Allocation, consumer *device.Device)
	}
	for _, tc := range []*testCase{
		{
			name: "aliasing",
			race: func(f *fixture, ctx context.Context, a *alloc.Allocation, consumer *device.Device) {
				_, _, _ = f.peers.GetAlias(ctx, consumer, a.Address(), 0)
			},
		},
		{
			name: "exporting",
			race: func(f *fixture, ctx context.Context, a *alloc.Allocation, consumer *device.Device) {
				_, _ = f.ipc.Export(a)
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := setup(t, []deviceConfig{{}, {}})
			ctx := context.Background()
			devA, devB := f.devs[0], f.devs[1]

			for i := 0; i < 200; i++ {
				a, err := f.svc.AllocDevice(ctx, devA.Device, _4K, 0, 0)
				require.NoError(t, err)

				var (
					wg   sync.WaitGroup
					stop = make(chan struct{})
				)
				wg.Add(1)
				go func() {
					defer wg.Done()
					for {
						select {
						case <-stop:
							return
						default:
						}
						tc.race(f, ctx, a, devB.Device)
					}
				}()

				if i%2 == 1 {
					time.Sleep(10 * time.Microsecond)
				}
				require.NoError(t, f.svc.Free(ctx, a.Address(), true))
				close(stop)
				wg.Wait()

				require.Equal(t, 0, f.peers.Len(), "no alias outlives a freed allocation")
				require.Equal(t, 0, f.ipc.Len(), "no handle outlives a freed allocation")
				require.Equal(t, 0, f.sys.OpenFDs())
				require.Equal(t, 0, devA.k.Objects())
				require.Equal(t, 0, devB.k.Objects())
			}
		})
	}
}

func TestExportImplicitScaling(t *testing.T) {
	f := setup(t, []deviceConfig{{tiles: 2, implicitScl: true}, {}})
	ctx := context.Background()
	devA, devB := f.devs[0], f.devs[1]

	a, err := f.svc.AllocDevice(ctx, devA.Device, _1M, 0, 0)
	require.NoError(t, err)
	require.Len(t, a.DefaultBacking().Objects(), 2)

	_, err = f.ipc.Export(a)
	require.ErrorIs(t, err, status.ErrInvalidArgument)
	require.Equal(t, 0, f.ipc.Len())

	handles, err := f.ipc.ExportMulti(a)
	require.NoError(t, err)
	require.Len(t, handles, 2)
	var size uint64
	for _, h := range handles {
		size += h.Size
	}
	require.Equal(t, a.Size(), size)

	imported, err := f.ipc.ImportMulti(ctx, devB.Device, handles)
	require.NoError(t, err)
	require.Equal(t, a.Size(), imported.Size())
	require.Equal(t, 2, devB.k.Objects())

	require.NoError(t, f.svc.Free(ctx, imported.Address(), true))
	require.NoError(t, f.svc.Free(ctx, a.Address(), true))
	require.Equal(t, 0, f.ipc.Len())
	require.Equal(t, 0, f.sys.OpenFDs())
	require.Equal(t, 0, devA.k.Objects())
	require.Equal(t, 0, devB.k.Objects())
}

func TestImportDescriptor(t *testing.T) {
	f := setup(t, []deviceConfig{{}, {}})
	ctx := context.Background()
	devA, devB := f.devs[0], f.devs[1]

	src, err := f.svc.AllocDevice(ctx, devA.Device, _64K, 0, 0, ExportMemory{})
	require.NoError(t, err)

	p, err := f.svc.GetAllocProperties(src.Address())
	require.NoError(t, err)
	require.GreaterOrEqual(t, p.ExportFD, 0)

	allocs := f.table.Len()
	attached, err := f.svc.AllocDevice(ctx, devB.Device, _64K, 0, 0, ImportFD{FD: p.ExportFD})
	require.NoError(t, err)
	require.True(t, attached.ImportedFromExternal())
	require.Equal(t, allocs+1, f.table.Len())

	plain, err := f.svc.AllocDevice(ctx, devA.Device, _64K, 0, 0)
	require.NoError(t, err)
	p, err = f.svc.GetAllocProperties(plain.Address())
	require.NoError(t, err)
	require.Equal(t, -1, p.ExportFD)
	require.Equal(t, alloc.DeviceUnified, p.Kind)
	require.Equal(t, plain.ID(), p.ID)

	require.NoError(t, f.svc.Close(ctx))
	require.Equal(t, 0, f.sys.OpenFDs())
	require.Equal(t, 0, devA.k.Objects())
	require.Equal(t, 0, devB.k.Objects())
}

func TestResolve(t *testing.T) {
	f := setup(t, []deviceConfig{{}, {}})
	other := newDevice(t, f.sys, 5, deviceConfig{})
	ctx := context.Background()
	devA, devB := f.devs[0], f.devs[1]

	a, err := f.svc.AllocDevice(ctx, devA.Device, 2*_64K, 0, 0)
	require.NoError(t, err)

	b, addr, dev, err := f.svc.Resolve(ctx, a.Address()+_64K, devA.Device)
	require.NoError(t, err)
	require.Same(t, a.DefaultBacking(), b)
	require.Equal(t, a.Address()+_64K, addr)
	require.Same(t, devA.Device, dev)

	alias, addr, _, err := f.svc.Resolve(ctx, a.Address()+_64K, devB.Device)
	require.NoError(t, err)
	require.True(t, alias.IsImported())
	require.Equal(t, alias.Address()+_64K, addr)

	require.True(t, f.svc.IsAccessible(a.Address(), devA.Device))
	require.True(t, f.svc.IsAccessible(a.Address(), devB.Device))
	require.False(t, f.svc.IsAccessible(a.Address(), other.Device))
	require.False(t, f.svc.IsAccessible(0x10, devA.Device))

	_, _, _, err = f.svc.Resolve(ctx, a.Address(), other.Device)
	require.ErrorIs(t, err, status.ErrDeviceLost)
	_, _, _, err = f.svc.Resolve(ctx, 0x10, devA.Device)
	require.ErrorIs(t, err, status.ErrInvalidArgument)
}

func TestKernelHeap(t *testing.T) {
	f := setup(t, []deviceConfig{{tiles: 2}})
	ctx := context.Background()
	dev := f.devs[0]

	heap, err := f.svc.AllocateKernelHeap(ctx, dev.Device, _64K)
	require.NoError(t, err)

	b := heap.DefaultBacking()
	require.Equal(t, alloc.TileInstanced, b.Topology())
	require.Len(t, b.Objects(), 2)
	require.True(t, f.binding.IsResident(b, dev.Device))
	require.Equal(t, dev.ContextMask(), b.PinnedContexts())
	for _, e := range dev.Engines() {
		require.True(t, dev.k.IsBound(e.VM(), heap.Address()))
	}

	evicted, err := f.binding.EvictUnused(ctx, false)
	require.NoError(t, err)
	require.Zero(t, evicted, "kernel heaps are never evicted")

	require.NoError(t, f.svc.Free(ctx, heap.Address(), true))
	require.Equal(t, 0, dev.k.Objects())
}

func TestReleaseDeferred(t *testing.T) {
	f := setup(t, []deviceConfig{{}})
	ctx := context.Background()
	dev := f.devs[0]
	e := dev.Engines()[0]

	a, err := f.svc.AllocDevice(ctx, dev.Device, _4K, 0, 0)
	require.NoError(t, err)
	tc := e.Submit()
	require.NoError(t, f.binding.MakeResidentForSubmission(e, tc, a.DefaultBacking()))
	require.NoError(t, f.svc.Free(ctx, a.Address(), false))

	require.Equal(t, 0, f.svc.ReleaseDeferred())
	dev.k.Signal(e.TagAddress(), tc)
	require.Equal(t, 1, f.svc.ReleaseDeferred())
	require.Equal(t, 0, dev.k.Objects())
}

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

package simkmd_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/intel/gpu-usm/pkg/abi/drm"
	"github.com/intel/gpu-usm/pkg/kmd"
	_ "github.com/intel/gpu-usm/pkg/kmd/i915"
	. "github.com/intel/gpu-usm/pkg/kmd/simkmd"
	_ "github.com/intel/gpu-usm/pkg/kmd/xe"
	"github.com/intel/gpu-usm/pkg/status"
)

const (
	_64K = 64 * 1024
	_1M  = 1024 * 1024
)

func newDriver(t *testing.T, sys *System, name string, local ...uint64) (kmd.Driver, *Kernel) {
	k := NewKernel(sys, Config{Driver: name, LocalMemory: local})
	probed, err := kmd.Probe(k)
	require.NoError(t, err)
	require.Equal(t, name, probed)
	drv, err := kmd.New(probed, k)
	require.NoError(t, err)
	require.Equal(t, name, drv.Name())
	return drv, k
}

func TestBackends(t *testing.T) {
	require.Equal(t, []string{"i915", "xe"}, kmd.Backends())
	_, err := kmd.New("nouveau", nil)
	require.ErrorIs(t, err, kmd.ErrUnknownBackend)
}

func TestObjectLifecycle(t *testing.T) {
	for _, name := range []string{"i915", "xe"} {
		t.Run(name, func(t *testing.T) {
			sys := NewSystem(0)
			drv, k := newDriver(t, sys, name, 4*_1M)

			h, err := drv.CreateObject(kmd.ObjectSpec{
				Size:    _1M,
				Regions: []kmd.Region{kmd.LocalRegion(0)},
			})
			require.NoError(t, err)
			require.Equal(t, uint64(_1M), k.LocalUsed(0))

			fd, err := drv.ExportFD(h)
			require.NoError(t, err)
			require.Equal(t, 1, sys.OpenFDs())

			require.NoError(t, drv.DestroyObject(h))
			require.Equal(t, uint64(_1M), k.LocalUsed(0), "exported fd keeps the object alive")

			h2, err := drv.ImportFD(fd)
			require.NoError(t, err)
			h3, err := drv.ImportFD(fd)
			require.NoError(t, err)
			require.Equal(t, h2, h3, "importing the same object twice returns the same handle")

			require.NoError(t, drv.CloseFD(fd))
			require.NoError(t, drv.DestroyObject(h2))
			require.Equal(t, uint64(0), k.LocalUsed(0))
			require.Equal(t, 0, k.Objects())
		})
	}
}

func TestCapacity(t *testing.T) {
	sys := NewSystem(_1M)
	drv, _ := newDriver(t, sys, "xe", _1M)

	_, err := drv.CreateObject(kmd.ObjectSpec{Size: _1M, Regions: []kmd.Region{kmd.LocalRegion(0)}})
	require.NoError(t, err)

	h, err := drv.CreateObject(kmd.ObjectSpec{
		Size:    _1M,
		Regions: []kmd.Region{kmd.LocalRegion(0), kmd.SystemRegion},
	})
	require.NoError(t, err, "falls back to system memory")
	require.Equal(t, uint64(_1M), sys.SystemUsed())

	_, err = drv.CreateObject(kmd.ObjectSpec{Size: _64K, Regions: []kmd.Region{kmd.SystemRegion}})
	require.ErrorIs(t, err, status.ErrOutOfDeviceMemory)
	require.ErrorIs(t, err, unix.ENOSPC)

	require.NoError(t, drv.DestroyObject(h))
	require.Equal(t, uint64(0), sys.SystemUsed())
}

func TestBindUnbind(t *testing.T) {
	for _, name := range []string{"i915", "xe"} {
		t.Run(name, func(t *testing.T) {
			drv, k := newDriver(t, NewSystem(0), name, 4*_1M)

			vm, err := drv.CreateVM()
			require.NoError(t, err)
			ctx, err := drv.CreateContext(vm, 0)
			require.NoError(t, err)

			h, err := drv.CreateObject(kmd.ObjectSpec{Size: _1M, Regions: []kmd.Region{kmd.LocalRegion(0)}})
			require.NoError(t, err)

			req := &kmd.BindRequest{VM: vm, Context: ctx, Handle: h, Address: 0x100000, Size: _1M, PATIndex: 3}
			require.NoError(t, drv.Bind(req))
			require.True(t, k.IsBound(vm, 0x100000))
			pat, ok := k.PATIndex(vm, 0x100000)
			require.True(t, ok)
			require.Equal(t, uint32(3), pat)

			err = drv.Bind(req)
			require.ErrorIs(t, err, status.ErrInvalidArgument, "overlapping bind")

			require.NoError(t, drv.Unbind(vm, ctx, 0x100000, _1M))
			require.False(t, k.IsBound(vm, 0x100000))
			require.Equal(t, uint64(0), k.BoundBytes())

			require.NoError(t, drv.DestroyContext(ctx))
			require.NoError(t, drv.DestroyVM(vm))
		})
	}
}

func TestFences(t *testing.T) {
	for _, name := range []string{"i915", "xe"} {
		t.Run(name, func(t *testing.T) {
			drv, k := newDriver(t, NewSystem(0), name, _1M)

			vm, err := drv.CreateVM()
			require.NoError(t, err)
			ctx, err := drv.CreateContext(vm, 0)
			require.NoError(t, err)

			const tag = 0xfff0000
			err = drv.WaitUserFence(ctx, tag, 1, 0)
			require.True(t, kmd.IsTimeout(err))

			go func() {
				time.Sleep(10 * time.Millisecond)
				k.Signal(tag, 2)
			}()
			require.NoError(t, drv.WaitUserFence(ctx, tag, 2, kmd.Infinite))
			require.NoError(t, drv.WaitUserFence(ctx, tag, 1, 0))

			hung, err := drv.ContextHung(ctx)
			require.NoError(t, err)
			require.False(t, hung)

			k.InjectHang(ctx)
			err = drv.WaitUserFence(ctx, tag, 3, time.Second)
			require.ErrorIs(t, err, status.ErrGPUHang)

			hung, err = drv.ContextHung(ctx)
			require.NoError(t, err)
			require.True(t, hung)
		})
	}
}

func TestFailureInjection(t *testing.T) {
	drv, k := newDriver(t, NewSystem(0), "i915", _1M)

	k.FailNext(drm.IoctlI915GemVMCreate, unix.ENODEV)
	_, err := drv.CreateVM()
	require.ErrorIs(t, err, status.ErrDeviceLost)

	var ioctlErr *kmd.IoctlError
	require.True(t, errors.As(err, &ioctlErr))
	require.Equal(t, "GEM_VM_CREATE", ioctlErr.Op)
	require.Equal(t, 1, k.Calls(drm.IoctlI915GemVMCreate))

	_, err = drv.CreateVM()
	require.NoError(t, err)
	require.Equal(t, 2, k.Calls(drm.IoctlI915GemVMCreate))
}

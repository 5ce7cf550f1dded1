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

package device_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	. "github.com/intel/gpu-usm/pkg/device"
	"github.com/intel/gpu-usm/pkg/kmd"
	_ "github.com/intel/gpu-usm/pkg/kmd/i915"
	"github.com/intel/gpu-usm/pkg/kmd/simkmd"
	_ "github.com/intel/gpu-usm/pkg/kmd/xe"
	"github.com/intel/gpu-usm/pkg/status"
)

const (
	_1G = 1024 * 1024 * 1024
)

func newDevice(t *testing.T, driver string, props Properties) (*Device, *simkmd.Kernel) {
	k := simkmd.NewKernel(simkmd.NewSystem(0), simkmd.Config{
		Driver:      driver,
		LocalMemory: []uint64{_1G, _1G},
	})
	drv, err := kmd.New(driver, k)
	require.NoError(t, err)
	dev, err := New(0, drv, props, WithPollInterval(time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(func() { dev.Close() })
	return dev, k
}

func TestMaskString(t *testing.T) {
	type testCase struct {
		name   string
		mask   ContextMask
		result string
	}
	for _, tc := range []*testCase{
		{
			name:   "empty mask",
			mask:   0,
			result: "contexts{}",
		},
		{
			name:   "single context mask",
			mask:   NewContextMask(0),
			result: "contexts{0}",
		},
		{
			name:   "mask without ranges",
			mask:   NewContextMask(0, 2, 4, 11),
			result: "contexts{0,2,4,11}",
		},
		{
			name:   "multiple ranges mask",
			mask:   NewContextMask(0, 1, 2, 5, 6, 9, 63),
			result: "contexts{0-2,5-6,9,63}",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.result, tc.mask.String())
		})
	}

	m := NewDeviceMask(1, 3)
	require.Equal(t, "devices{1,3}", m.String())
	require.True(t, m.Contains(1, 3))
	require.False(t, m.Contains(0))
	require.Equal(t, []ID{3}, m.Clear(1).Slice())
}

func TestDeviceTopology(t *testing.T) {
	dev, _ := newDevice(t, "xe", Properties{
		Name:            "gpu",
		MaxMemAllocSize: _1G,
		GlobalMemSize:   2 * _1G,
		SubDevices:      2,
		LocalMemory:     true,
		EnginesPerTile:  2,
	})

	require.False(t, dev.IsSubDevice())
	require.Equal(t, -1, dev.Tile())
	require.Len(t, dev.SubDevices(), 2)
	require.Len(t, dev.Engines(), 4)
	require.Equal(t, NewContextMask(0, 1, 2, 3), dev.ContextMask())
	require.Equal(t, []int{0, 1}, dev.Tiles())
	require.Equal(t, []kmd.Region{kmd.LocalRegion(0), kmd.LocalRegion(1)}, dev.LocalRegions())

	sub := dev.SubDevices()[1]
	require.True(t, sub.IsSubDevice())
	require.Equal(t, dev, sub.Root())
	require.True(t, dev.Contains(sub))
	require.False(t, sub.Contains(dev))
	require.Equal(t, NewContextMask(2, 3), sub.ContextMask())
	require.Equal(t, uint64(_1G), sub.Properties().GlobalMemSize)
	require.Equal(t, []kmd.Region{kmd.LocalRegion(1)}, sub.LocalRegions())

	for _, e := range sub.Engines() {
		require.Equal(t, 1, e.Tile())
		require.Equal(t, sub, e.Device())
	}
	require.NotEqual(t, dev.Engines()[0].VM(), dev.Engines()[1].VM())
}

func TestInvalidProperties(t *testing.T) {
	k := simkmd.NewKernel(simkmd.NewSystem(0), simkmd.Config{Driver: "i915"})
	drv, err := kmd.New("i915", k)
	require.NoError(t, err)

	_, err = New(0, drv, Properties{Name: "gpu"})
	require.ErrorIs(t, err, ErrInvalidProperties)
	_, err = New(64, drv, Properties{Name: "gpu", MaxMemAllocSize: 1, GlobalMemSize: 1})
	require.ErrorIs(t, err, ErrInvalidIndex)
}

func TestTaskCounts(t *testing.T) {
	for _, driver := range []string{"i915", "xe"} {
		t.Run(driver, func(t *testing.T) {
			dev, k := newDevice(t, driver, Properties{
				Name:            "gpu",
				MaxMemAllocSize: _1G,
				GlobalMemSize:   _1G,
			})
			e := dev.Engines()[0]

			require.True(t, e.IsIdle())
			tc := e.Submit()
			require.Equal(t, uint64(1), tc)
			require.False(t, e.IsCompleted(tc))

			k.Signal(e.TagAddress(), tc)
			require.True(t, e.IsCompleted(tc))
			require.True(t, e.IsIdle())

			tc = e.Submit()
			go func() {
				time.Sleep(5 * time.Millisecond)
				k.Signal(e.TagAddress(), tc)
			}()
			require.NoError(t, e.WaitForTaskCount(context.Background(), tc))

			tc = e.Submit()
			ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
			defer cancel()
			err := e.WaitForTaskCount(ctx, tc)
			require.ErrorIs(t, err, context.DeadlineExceeded)

			require.False(t, e.IsHung())
			k.InjectHang(e.ID())
			require.True(t, e.IsHung())
			err = e.WaitIdle(context.Background())
			require.ErrorIs(t, err, status.ErrGPUHang)
		})
	}
}

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

package driver_test

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	cfgapi "github.com/intel/gpu-usm/pkg/apis/config/v1alpha1"
	"github.com/intel/gpu-usm/pkg/device"
	. "github.com/intel/gpu-usm/pkg/driver"
	"github.com/intel/gpu-usm/pkg/healthz"
	"github.com/intel/gpu-usm/pkg/kmd"
	_ "github.com/intel/gpu-usm/pkg/kmd/i915"
	"github.com/intel/gpu-usm/pkg/kmd/simkmd"
	_ "github.com/intel/gpu-usm/pkg/kmd/xe"
	"github.com/intel/gpu-usm/pkg/reservation"
	"github.com/intel/gpu-usm/pkg/status"
)

const (
	_4K = 4 * 1024
	_1G = 1024 * 1024 * 1024
)

type testSystem struct {
	sys     *simkmd.System
	kernels []*simkmd.Kernel
	specs   []DeviceSpec
}

func newSystem(t *testing.T, drivers ...string) *testSystem {
	s := &testSystem{sys: simkmd.NewSystem(0)}
	for _, name := range drivers {
		k := simkmd.NewKernel(s.sys, simkmd.Config{
			Driver:      name,
			LocalMemory: []uint64{4 * _1G},
		})
		drv, err := kmd.New(name, k)
		require.NoError(t, err)

		s.kernels = append(s.kernels, k)
		s.specs = append(s.specs, DeviceSpec{
			Driver: drv,
			Properties: device.Properties{
				Name:            name,
				LocalMemory:     true,
				MaxMemAllocSize: _1G,
				GlobalMemSize:   4 * _1G,
			},
		})
	}
	return s
}

func testConfig() *cfgapi.Config {
	cfg := cfgapi.Default()
	cfg.Runtime.FencePollInterval = metav1.Duration{Duration: 100 * time.Microsecond}
	return cfg
}

func TestNew(t *testing.T) {
	s := newSystem(t, "i915", "xe")

	_, err := New(testConfig(), nil)
	require.ErrorIs(t, err, status.ErrInvalidArgument)

	cfg := testConfig()
	cfg.Runtime.Compression = "sometimes"
	_, err = New(cfg, s.specs)
	require.ErrorIs(t, err, status.ErrInvalidArgument)

	d, err := New(testConfig(), s.specs)
	require.NoError(t, err)
	require.Len(t, d.Devices(), 2)
	require.Len(t, d.USM().Devices(), 2)
	require.Len(t, d.Peers().Caches(), 2)
	require.Equal(t, "", d.MetricsAddress())

	require.NoError(t, d.Close(context.Background()))
	require.NoError(t, d.Close(context.Background()))
	require.Equal(t, 0, s.sys.OpenFDs())
}

func TestAllocationLifecycle(t *testing.T) {
	s := newSystem(t, "i915", "i915")
	ctx := context.Background()

	d, err := New(testConfig(), s.specs)
	require.NoError(t, err)
	defer d.Close(ctx)

	devA, devB := d.Devices()[0], d.Devices()[1]

	a, err := d.USM().AllocDevice(ctx, devA, _4K, 0, 0)
	require.NoError(t, err)
	require.NoError(t, d.Binding().MakeResident(ctx, devA, a.DefaultBacking()))
	require.True(t, d.Binding().IsResident(a.DefaultBacking(), devA))

	h, err := d.IPC().Export(a)
	require.NoError(t, err)
	h2, err := d.IPC().Export(a)
	require.NoError(t, err)
	require.Equal(t, h.Value, h2.Value)
	refs, ok := d.IPC().Refcount(h.Value)
	require.True(t, ok)
	require.Equal(t, 2, refs)

	require.NoError(t, d.IPC().Put(h.Value))
	refs, ok = d.IPC().Refcount(h.Value)
	require.True(t, ok)
	require.Equal(t, 1, refs)

	require.True(t, d.USM().IsAccessible(a.Address(), devB))
	_, address, owner, err := d.USM().Resolve(ctx, a.Address()+16, devB)
	require.NoError(t, err)
	require.Equal(t, devB, owner)
	require.NotZero(t, address)
	require.Equal(t, 1, d.Peers().Len())

	require.NoError(t, d.USM().Free(ctx, a.Address(), true))
	require.Equal(t, 0, d.Peers().Len())
	require.Equal(t, 0, d.IPC().Len())
	require.Equal(t, 0, s.kernels[0].Objects())
	require.Equal(t, 0, s.kernels[1].Objects())

	_, err = d.USM().GetAllocProperties(a.Address())
	require.ErrorIs(t, err, status.ErrInvalidArgument)
}

func TestReservations(t *testing.T) {
	s := newSystem(t, "xe")
	ctx := context.Background()

	d, err := New(testConfig(), s.specs)
	require.NoError(t, err)

	size := d.Reservations().QueryPageSize(_4K)

	base, err := d.Reservations().ReserveVirtualRange(0, size)
	require.NoError(t, err)
	h, err := d.Reservations().CreatePhysicalObject(d.Devices()[0], size)
	require.NoError(t, err)
	require.NoError(t, d.Reservations().MapPhysicalToVirtual(ctx, base, size, h, 0, reservation.AccessReadWrite))
	require.Len(t, d.USM().Allocations(), 1)

	require.NoError(t, d.Close(ctx))
	require.Equal(t, 0, s.kernels[0].Objects())
}

func TestMetrics(t *testing.T) {
	s := newSystem(t, "i915")
	ctx := context.Background()

	cfg := testConfig()
	cfg.Instrumentation.PrometheusExport = true
	cfg.Instrumentation.HTTPEndpoint = "127.0.0.1:0"

	d, err := New(cfg, s.specs)
	require.NoError(t, err)
	defer d.Close(ctx)

	_, err = d.USM().AllocDevice(ctx, d.Devices()[0], _4K, 0, 0)
	require.NoError(t, err)

	address := d.MetricsAddress()
	require.NotEqual(t, "", address)

	body := scrape(t, address)
	require.Contains(t, body, `gpu_usm_allocations{kind="device"} 1`)
	require.Contains(t, body, "gpu_usm_backings_total")

	rpl, err := http.Get("http://" + address + "/healthz")
	require.NoError(t, err)
	rpl.Body.Close()
	require.Equal(t, http.StatusOK, rpl.StatusCode)

	cfg = testConfig()
	require.NoError(t, d.Reconfigure(cfg))
	require.Equal(t, "", d.MetricsAddress())
	require.Equal(t, cfg, d.Config())
}

func TestHealth(t *testing.T) {
	s := newSystem(t, "i915", "xe")
	ctx := context.Background()

	d, err := New(testConfig(), s.specs)
	require.NoError(t, err)
	defer d.Close(ctx)

	state, _ := d.Health().Check()
	require.Equal(t, healthz.Healthy, state)

	e := d.Devices()[1].Engines()[0]
	s.kernels[1].InjectHang(e.ID())

	state, details := d.Health().Check()
	require.Equal(t, healthz.NonFunctional, state)
	require.Len(t, details, 1)
	require.ErrorIs(t, details["gpu1"], status.ErrGPUHang)
}

func scrape(t *testing.T, address string) string {
	rpl, err := http.Get("http://" + address + "/metrics")
	require.NoError(t, err)
	defer rpl.Body.Close()
	require.Equal(t, http.StatusOK, rpl.StatusCode)

	data, err := io.ReadAll(rpl.Body)
	require.NoError(t, err)
	return string(data)
}

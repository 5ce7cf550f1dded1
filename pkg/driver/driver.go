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

// Package driver puts together the unified memory runtime of a set of
// devices. A Driver owns every registry of the runtime, nothing is kept
// in package globals.
package driver

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/intel/gpu-usm/pkg/alloc"
	cfgapi "github.com/intel/gpu-usm/pkg/apis/config/v1alpha1"
	"github.com/intel/gpu-usm/pkg/binding"
	"github.com/intel/gpu-usm/pkg/device"
	"github.com/intel/gpu-usm/pkg/healthz"
	"github.com/intel/gpu-usm/pkg/instrumentation"
	"github.com/intel/gpu-usm/pkg/ipc"
	"github.com/intel/gpu-usm/pkg/kmd"
	logger "github.com/intel/gpu-usm/pkg/log"
	"github.com/intel/gpu-usm/pkg/metrics"
	"github.com/intel/gpu-usm/pkg/peer"
	"github.com/intel/gpu-usm/pkg/reservation"
	"github.com/intel/gpu-usm/pkg/status"
	"github.com/intel/gpu-usm/pkg/usm"
	"github.com/intel/gpu-usm/pkg/vaspace"
)

var log = logger.Get("driver")

const (
	// HeapBase is the lowest GPU virtual address handed out.
	HeapBase = uint64(0x100000000)
)

// DeviceSpec describes a root device to open.
type DeviceSpec struct {
	// Path is the DRM device file to open if Driver is nil.
	Path string
	// Driver is an already opened kernel driver.
	Driver kmd.Driver
	// Properties of the device.
	Properties device.Properties
}

// Driver is the unified memory runtime of a set of root devices.
type Driver struct {
	sync.Mutex
	cfg             *cfgapi.Config
	devices         []*device.Device
	space           *vaspace.Space
	binding         *binding.Manager
	table           *alloc.Table
	peers           *peer.Set
	ipc             *ipc.Registry
	reservations    *reservation.Manager
	usm             *usm.Service
	registry        *metrics.Registry
	health          *healthz.Checker
	instrumentation *instrumentation.Service
	closed          bool
}

// Option is an option for a Driver.
type Option func(*Driver)

// WithMetricsRegistry registers the collectors of the driver in the given
// registry instead of a private one.
func WithMetricsRegistry(r *metrics.Registry) Option {
	return func(d *Driver) {
		d.registry = r
	}
}

// New opens the given devices and creates a runtime for them with the
// given configuration. A nil configuration uses the defaults.
func New(cfg *cfgapi.Config, specs []DeviceSpec, options ...Option) (_ *Driver, retErr error) {
	if cfg == nil {
		cfg = cfgapi.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", status.ErrInvalidArgument, err)
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("%w: no devices", status.ErrInvalidArgument)
	}

	d := &Driver{cfg: cfg}
	for _, o := range options {
		o(d)
	}
	if d.registry == nil {
		d.registry = metrics.NewRegistry()
	}

	defer func() {
		if retErr != nil {
			d.closeDevices()
		}
	}()

	if err := logger.Configure(&cfg.Log); err != nil {
		return nil, err
	}

	for i, spec := range specs {
		dev, err := d.openDevice(device.ID(i), spec)
		if err != nil {
			return nil, err
		}
		d.devices = append(d.devices, dev)
	}

	space, err := vaspace.New(HeapBase, device.TagAreaBase, 0)
	if err != nil {
		return nil, err
	}
	d.space = space

	d.binding = binding.NewManager(space,
		binding.WithDeferredFree(cfg.Runtime.DeferredFree),
		binding.WithEvictionTimeout(cfg.Runtime.EvictionTimeout.Duration),
		binding.WithPATOverride(cfg.Debug.PATIndex),
		binding.WithCapture(cfg.Debug.Capture),
		binding.WithImmediateBinding(cfg.Debug.ImmediateBinding),
	)
	d.table = alloc.NewTable()
	d.peers = peer.NewSet(d.binding, d.table, d.devices...)
	d.ipc = ipc.NewRegistry(d.binding, d.table)
	d.reservations = reservation.NewManager(d.binding, d.table)

	d.usm, err = usm.NewService(d.devices, d.binding, d.table, d.peers, d.ipc,
		usm.WithCompression(compressionMode(cfg.Runtime.Compression)),
		usm.WithAllocationPadding(cfg.Debug.AllocationPadding),
	)
	if err != nil {
		return nil, err
	}

	if err := d.registerMetrics(); err != nil {
		return nil, err
	}

	d.health = healthz.NewChecker()
	for _, dev := range d.devices {
		if err := d.health.Register(fmt.Sprintf("gpu%d", dev.Index()), deviceHealth(dev)); err != nil {
			return nil, err
		}
	}

	d.instrumentation = instrumentation.NewService(d.registry,
		instrumentation.WithHealthChecker(d.health))
	if err := d.instrumentation.Start(cfg.Instrumentation); err != nil {
		return nil, err
	}

	log.Info("created driver for %d device(s)", len(d.devices))
	return d, nil
}

func (d *Driver) openDevice(index device.ID, spec DeviceSpec) (*device.Device, error) {
	drv := spec.Driver
	if drv == nil {
		var err error
		if drv, err = kmd.Open(spec.Path); err != nil {
			return nil, fmt.Errorf("failed to open device %s: %w", spec.Path, err)
		}
	}

	var options []device.Option
	if poll := d.cfg.Runtime.FencePollInterval.Duration; poll > 0 {
		options = append(options, device.WithPollInterval(poll))
	}

	dev, err := device.New(index, drv, spec.Properties, options...)
	if err != nil {
		return nil, err
	}

	log.Info("opened %s (%s)", dev.Name(), drv.Name())
	return dev, nil
}

func (d *Driver) registerMetrics() error {
	if err := d.registry.Register("binding", d.binding.Collector(), metrics.WithGroup("usm")); err != nil {
		return err
	}
	return d.registry.Register("allocations", d.usm.Collector(), metrics.WithGroup("usm"))
}

// deviceHealth reports a device non-functional once any of its engines hangs.
func deviceHealth(dev *device.Device) healthz.CheckFn {
	return func() (healthz.Status, error) {
		devices := append([]*device.Device{dev}, dev.SubDevices()...)
		for _, d := range devices {
			for _, e := range d.Engines() {
				if e.IsHung() {
					return healthz.NonFunctional, fmt.Errorf("%w: %s", status.ErrGPUHang, e)
				}
			}
		}
		return healthz.Healthy, nil
	}
}

func compressionMode(c cfgapi.Compression) usm.CompressionMode {
	switch c {
	case cfgapi.CompressionForce:
		return usm.CompressionForce
	case cfgapi.CompressionDisable:
		return usm.CompressionDisable
	}
	return usm.CompressionAuto
}

// Config returns the configuration of the driver.
func (d *Driver) Config() *cfgapi.Config {
	d.Lock()
	defer d.Unlock()
	return d.cfg
}

// Reconfigure updates the logging and instrumentation configuration.
// Other settings take effect only for new drivers.
func (d *Driver) Reconfigure(cfg *cfgapi.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %v", status.ErrInvalidArgument, err)
	}

	d.Lock()
	defer d.Unlock()

	if err := logger.Configure(&cfg.Log); err != nil {
		return err
	}
	if err := d.instrumentation.Reconfigure(cfg.Instrumentation); err != nil {
		return err
	}

	d.cfg = cfg
	return nil
}

// Devices returns the root devices of the driver.
func (d *Driver) Devices() []*device.Device {
	return d.devices
}

// USM returns the allocation service.
func (d *Driver) USM() *usm.Service {
	return d.usm
}

// IPC returns the IPC handle registry.
func (d *Driver) IPC() *ipc.Registry {
	return d.ipc
}

// Peers returns the peer alias caches.
func (d *Driver) Peers() *peer.Set {
	return d.peers
}

// Reservations returns the virtual address reservation manager.
func (d *Driver) Reservations() *reservation.Manager {
	return d.reservations
}

// Binding returns the binding manager.
func (d *Driver) Binding() *binding.Manager {
	return d.binding
}

// Health returns the health checks of the driver.
func (d *Driver) Health() *healthz.Checker {
	return d.health
}

// Metrics returns the metrics registry of the driver.
func (d *Driver) Metrics() *metrics.Registry {
	return d.registry
}

// MetricsAddress returns the address metrics are served at, if any.
func (d *Driver) MetricsAddress() string {
	return d.instrumentation.Address()
}

// Close frees every reservation and allocation and closes the devices.
func (d *Driver) Close(ctx context.Context) error {
	d.Lock()
	if d.closed {
		d.Unlock()
		return nil
	}
	d.closed = true
	d.Unlock()

	var errs *multierror.Error

	errs = multierror.Append(errs, d.reservations.Close(ctx))
	errs = multierror.Append(errs, d.usm.Close(ctx))
	errs = multierror.Append(errs, d.binding.DrainDeferred(ctx))

	d.instrumentation.Stop()
	errs = multierror.Append(errs, d.closeDevices())

	log.Info("closed driver")
	return errs.ErrorOrNil()
}

func (d *Driver) closeDevices() error {
	var errs *multierror.Error
	for _, dev := range d.devices {
		errs = multierror.Append(errs, dev.Close())
	}
	d.devices = nil
	return errs.ErrorOrNil()
}

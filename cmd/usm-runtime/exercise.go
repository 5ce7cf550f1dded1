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

package main

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/intel/gpu-usm/pkg/alloc"
	"github.com/intel/gpu-usm/pkg/driver"
	"github.com/intel/gpu-usm/pkg/reservation"
	"github.com/intel/gpu-usm/pkg/usm"
)

const (
	exerciseSize = 4096
)

// exercise allocates every kind of memory once, shares the device
// allocation over IPC and with a peer device, maps a reservation and
// frees everything again.
func exercise(ctx context.Context, d *driver.Driver) (retErr error) {
	var (
		svc    = d.USM()
		devA   = d.Devices()[0]
		ptrs   []uint64
		errs   *multierror.Error
		report = func(a *alloc.Allocation) {
			p, err := svc.GetAllocProperties(a.Address())
			if err != nil {
				errs = multierror.Append(errs, err)
				return
			}
			log.Infof("allocated %s memory at 0x%x, size %d, page size %d",
				p.Kind, p.Base, p.Size, p.PageSize)
		}
	)

	defer func() {
		for _, ptr := range ptrs {
			errs = multierror.Append(errs, svc.Free(ctx, ptr, true))
		}
		if retErr == nil {
			retErr = errs.ErrorOrNil()
		}
	}()

	host, err := svc.AllocHost(ctx, exerciseSize, 0, 0)
	if err != nil {
		return err
	}
	ptrs = append(ptrs, host.Address())
	report(host)

	shared, err := svc.AllocShared(ctx, devA, exerciseSize, 0, 0)
	if err != nil {
		return err
	}
	ptrs = append(ptrs, shared.Address())
	report(shared)

	dev, err := svc.AllocDevice(ctx, devA, exerciseSize, 0, 0, usm.ExportMemory{})
	if err != nil {
		return err
	}
	ptrs = append(ptrs, dev.Address())
	report(dev)

	if err := d.Binding().MakeResident(ctx, devA, dev.DefaultBacking()); err != nil {
		return err
	}

	handles, err := d.IPC().ExportMulti(dev)
	if err != nil {
		return err
	}
	if _, err := d.IPC().ExportMulti(dev); err != nil {
		return err
	}
	for _, h := range handles {
		if err := d.IPC().Put(h.Value); err != nil {
			return err
		}
		refs, _ := d.IPC().Refcount(h.Value)
		log.Infof("exported %s, %d reference(s) left", h, refs)
	}

	for _, peer := range d.Devices()[1:] {
		_, addr, _, err := svc.Resolve(ctx, dev.Address(), peer)
		if err != nil {
			return fmt.Errorf("failed to access 0x%x from %s: %w", dev.Address(), peer.Name(), err)
		}
		log.Infof("device memory 0x%x is at 0x%x on %s", dev.Address(), addr, peer.Name())
	}

	return reserve(ctx, d)
}

func reserve(ctx context.Context, d *driver.Driver) error {
	var (
		m    = d.Reservations()
		size = m.QueryPageSize(exerciseSize)
	)

	base, err := m.ReserveVirtualRange(0, size)
	if err != nil {
		return err
	}

	h, err := m.CreatePhysicalObject(d.Devices()[0], size)
	if err != nil {
		m.FreeVirtualRange(ctx, base, size)
		return err
	}

	if err := m.MapPhysicalToVirtual(ctx, base, size, h, 0, reservation.AccessReadWrite); err != nil {
		m.DestroyPhysicalObject(h)
		m.FreeVirtualRange(ctx, base, size)
		return err
	}
	log.Infof("mapped physical object %d at reserved range 0x%x, size %d", h, base, size)

	var errs *multierror.Error
	errs = multierror.Append(errs, m.UnmapPhysicalFromVirtual(ctx, base, size))
	errs = multierror.Append(errs, m.DestroyPhysicalObject(h))
	errs = multierror.Append(errs, m.FreeVirtualRange(ctx, base, size))
	return errs.ErrorOrNil()
}

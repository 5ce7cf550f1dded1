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

package binding

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/intel/gpu-usm/pkg/alloc"
	"github.com/intel/gpu-usm/pkg/bo"
	"github.com/intel/gpu-usm/pkg/device"
	"github.com/intel/gpu-usm/pkg/status"
	"github.com/intel/gpu-usm/pkg/utils"
)

// ImportRequest describes a backing to import from prime file descriptors.
type ImportRequest struct {
	// Device is the root device or sub-device to import on.
	Device *device.Device
	// FDs are the prime file descriptors, one per buffer object.
	FDs []int
	// Sizes are the sizes of the buffer objects.
	Sizes []uint64
	// Topology is the tile layout of the buffer objects.
	Topology alloc.Topology
	// Address is a fixed address owned by the caller, 0 to allocate one.
	Address uint64
	// Need48Bit restricts an allocated address to the 48-bit range.
	Need48Bit bool
}

// ImportBacking imports a backing from prime file descriptors. Importing
// a kernel object already open on the root device shares its handle.
// The file descriptors stay owned by the caller.
func (m *Manager) ImportBacking(r ImportRequest) (*alloc.Backing, error) {
	if r.Device == nil || len(r.FDs) == 0 || len(r.FDs) != len(r.Sizes) {
		return nil, fmt.Errorf("%w: invalid import of %d fd(s), %d size(s)",
			status.ErrInvalidArgument, len(r.FDs), len(r.Sizes))
	}
	if r.Topology == alloc.Single && len(r.FDs) > 1 {
		r.Topology = alloc.Colored
	}

	var size uint64
	for _, s := range r.Sizes {
		if s == 0 {
			return nil, fmt.Errorf("%w: zero sized import", status.ErrInvalidArgument)
		}
		if r.Topology == alloc.TileInstanced {
			if s > size {
				size = s
			}
			continue
		}
		size += utils.AlignUp(s, PageSize)
	}

	root := r.Device.Root()
	drv := root.Driver()

	address, owned := r.Address, false
	if address == 0 {
		var err error
		address, owned, err = m.acquireVA(0, size, 0, r.Need48Bit)
		if err != nil {
			return nil, err
		}
	}

	var objects []*bo.BufferObject
	offset := uint64(0)
	for i, fd := range r.FDs {
		h, err := drv.ImportFD(fd)
		if err != nil {
			for _, o := range objects {
				if rerr := o.Shared().Release(); rerr != nil {
					log.Warn("failed to release %s: %v", o, rerr)
				}
			}
			if owned {
				m.releaseVA(address)
			}
			return nil, fmt.Errorf("failed to import fd %d on %s: %w", fd, r.Device.Name(), err)
		}

		o := bo.New(m.shareHandle(root.Index(), drv, h), drv, root.Index(), address+offset,
			bo.Attributes{Size: r.Sizes[i]})
		o.SetImported()
		objects = append(objects, o)

		if r.Topology == alloc.Colored {
			offset += utils.AlignUp(r.Sizes[i], PageSize)
		}
	}

	b := alloc.NewBacking(root, address, size, r.Topology, objects)
	b.SetOwnsAddress(owned)
	b.SetImported()

	m.mu.Lock()
	m.stats.Imported++
	m.mu.Unlock()

	log.Debug("imported %s", b)
	return b, nil
}

// ExportFD returns the prime file descriptor of a buffer object, exporting
// it if necessary. The descriptor is cached until ReleaseExportedFD.
func (m *Manager) ExportFD(o *bo.BufferObject) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if fd, ok := o.ExportedFD(); ok {
		return fd, nil
	}

	h, err := o.Handle()
	if err != nil {
		return -1, fmt.Errorf("%w: %v", status.ErrInvalidArgument, err)
	}
	fd, err := o.Driver().ExportFD(h)
	if err != nil {
		return -1, fmt.Errorf("failed to export %s: %w", o, err)
	}
	o.SetExportedFD(fd)

	return fd, nil
}

// ReleaseExportedFD closes the cached prime file descriptor of a buffer object.
func (m *Manager) ReleaseExportedFD(o *bo.BufferObject) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	fd, ok := o.ForgetExportedFD()
	if !ok {
		return nil
	}
	return o.Driver().CloseFD(fd)
}

// ExportFDs exports a new prime file descriptor for every buffer object of
// a backing, concurrently. The caller owns the descriptors and closes them
// with CloseFDs.
func (m *Manager) ExportFDs(ctx context.Context, b *alloc.Backing) ([]int, error) {
	objects := b.Objects()
	fds := make([]int, len(objects))
	for i := range fds {
		fds[i] = -1
	}

	g, _ := errgroup.WithContext(ctx)
	for i, o := range objects {
		i, o := i, o
		g.Go(func() error {
			h, err := o.Handle()
			if err != nil {
				return fmt.Errorf("%w: %v", status.ErrInvalidArgument, err)
			}
			fd, err := o.Driver().ExportFD(h)
			if err != nil {
				return fmt.Errorf("failed to export %s: %w", o, err)
			}
			fds[i] = fd
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		if cerr := m.CloseFDs(b.Device(), fds); cerr != nil {
			log.Warn("failed to close exported fds: %v", cerr)
		}
		return nil, err
	}

	return fds, nil
}

// CloseFDs closes prime file descriptors exported on a root device.
// Negative descriptors are ignored.
func (m *Manager) CloseFDs(dev *device.Device, fds []int) error {
	drv := dev.Root().Driver()
	var errs *multierror.Error
	for _, fd := range fds {
		if fd >= 0 {
			errs = multierror.Append(errs, drv.CloseFD(fd))
		}
	}
	return errs.ErrorOrNil()
}

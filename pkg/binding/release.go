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
	"errors"

	"github.com/hashicorp/go-multierror"

	"github.com/intel/gpu-usm/pkg/alloc"
	"github.com/intel/gpu-usm/pkg/status"
)

// Release releases a backing. A blocking release waits for the engine
// contexts using the backing first. A non-blocking release of a backing
// still in use puts it on the deferred free list.
func (m *Manager) Release(ctx context.Context, b *alloc.Backing, blocking bool) error {
	if !b.MarkReleased() {
		log.Debug("%s already released", b)
		return nil
	}

	if !blocking && m.deferredFree {
		if m.isBusy(b) {
			m.mu.Lock()
			m.deferred = append(m.deferred, b)
			m.mu.Unlock()
			log.Debug("deferred release of busy %s", b)
			return nil
		}
		return m.destroy(b)
	}

	if err := m.waitIdle(ctx, b); err != nil {
		if !errors.Is(err, status.ErrGPUHang) {
			m.mu.Lock()
			m.deferred = append(m.deferred, b)
			m.mu.Unlock()
			return err
		}
		log.Warn("releasing %s after GPU hang", b)
	}

	return m.destroy(b)
}

// DeferredCount returns the number of backings on the deferred free list.
func (m *Manager) DeferredCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.deferred)
}

// DrainDeferred waits for and releases all backings on the deferred free
// list. Backings which could not be waited for stay on the list.
func (m *Manager) DrainDeferred(ctx context.Context) error {
	m.mu.Lock()
	deferred := m.deferred
	m.deferred = nil
	m.mu.Unlock()

	if len(deferred) == 0 {
		return nil
	}

	log.Info("draining %d deferred release(s)", len(deferred))

	var (
		errs    *multierror.Error
		requeue []*alloc.Backing
	)
	for _, b := range deferred {
		if err := m.waitIdle(ctx, b); err != nil && !errors.Is(err, status.ErrGPUHang) {
			errs = multierror.Append(errs, err)
			requeue = append(requeue, b)
			continue
		}
		errs = multierror.Append(errs, m.destroy(b))
	}

	if len(requeue) > 0 {
		m.mu.Lock()
		m.deferred = append(m.deferred, requeue...)
		m.mu.Unlock()
	}

	return errs.ErrorOrNil()
}

// ReleaseCompleted releases the backings on the deferred free list which
// are no longer in use, without blocking. It returns the number of
// released backings.
func (m *Manager) ReleaseCompleted() int {
	m.mu.Lock()
	deferred := m.deferred
	m.deferred = nil
	m.mu.Unlock()

	var (
		released int
		requeue  []*alloc.Backing
	)
	for _, b := range deferred {
		if m.isBusy(b) {
			requeue = append(requeue, b)
			continue
		}
		if err := m.destroy(b); err != nil {
			log.Error("failed to release deferred %s: %v", b, err)
		}
		released++
	}

	if len(requeue) > 0 {
		m.mu.Lock()
		m.deferred = append(m.deferred, requeue...)
		m.mu.Unlock()
	}

	return released
}

// isBusy checks if any engine context still has work using the backing.
func (m *Manager) isBusy(b *alloc.Backing) bool {
	engines := b.Device().Engines()
	for idx, tc := range b.LastUsed() {
		if idx < len(engines) && !engines[idx].IsCompleted(tc) {
			return true
		}
	}
	return false
}

// waitIdle waits for every engine context using the backing.
func (m *Manager) waitIdle(ctx context.Context, b *alloc.Backing) error {
	engines := b.Device().Engines()
	var errs *multierror.Error
	for idx, tc := range b.LastUsed() {
		if idx >= len(engines) {
			continue
		}
		if err := engines[idx].WaitForTaskCount(ctx, tc); err != nil {
			errs = multierror.Append(errs, err)
			if ctx.Err() != nil {
				break
			}
		}
	}
	return errs.ErrorOrNil()
}

// destroy unbinds a backing from every engine context, closes its cached
// prime file descriptors, drops its references to its kernel objects and
// releases its address.
func (m *Manager) destroy(b *alloc.Backing) error {
	var errs *multierror.Error

	m.mu.Lock()
	for _, e := range b.Device().Engines() {
		errs = multierror.Append(errs, m.unbindLocked(b, e))
		b.ClearResident(e.Index())
	}
	delete(m.tracked, b)
	m.stats.Released++
	m.mu.Unlock()

	for _, o := range b.Objects() {
		if fd, ok := o.ForgetExportedFD(); ok {
			errs = multierror.Append(errs, o.Driver().CloseFD(fd))
		}
		errs = multierror.Append(errs, o.Shared().Release())
	}

	if b.OwnsAddress() {
		m.releaseVA(b.Address())
	}

	log.Debug("released %s", b)
	return errs.ErrorOrNil()
}

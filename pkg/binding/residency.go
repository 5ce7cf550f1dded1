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
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/intel/gpu-usm/pkg/alloc"
	"github.com/intel/gpu-usm/pkg/device"
	"github.com/intel/gpu-usm/pkg/instrumentation/tracing"
	"github.com/intel/gpu-usm/pkg/status"
)

// MakeResident makes backings always resident in every engine context of
// a device, binding them if necessary. If binding runs out of memory it
// evicts unused backings and fails with an out of memory error.
func (m *Manager) MakeResident(ctx context.Context, dev *device.Device, backings ...*alloc.Backing) (retErr error) {
	ctx, span := tracing.StartSpan(ctx, "MakeResident",
		tracing.WithAttributes(
			tracing.Attribute("device", dev.Name()),
			tracing.Attribute("backings", int64(len(backings))),
		),
	)
	defer func() {
		span.End(tracing.WithStatus(retErr))
	}()

	err := m.makeResident(dev.Engines(), 0, true, backings)
	if err == nil {
		return nil
	}

	if status.IsOutOfMemory(err) {
		log.Warn("out of memory making %d backing(s) resident on %s, evicting unused backings",
			len(backings), dev.Name())
		if _, evictErr := m.EvictUnused(ctx, false); evictErr != nil {
			log.Warn("failed to evict unused backings: %v", evictErr)
		}
	}

	return err
}

// MakeResidentForSubmission makes backings resident in an engine context
// for work submitted with the given task count. Such residency is not
// pinned, the backings are evicted once the work completes and memory
// is needed.
func (m *Manager) MakeResidentForSubmission(e *device.Engine, taskCount uint64, backings ...*alloc.Backing) error {
	return m.makeResident([]*device.Engine{e}, taskCount, false, backings)
}

func (m *Manager) makeResident(engines []*device.Engine, taskCount uint64, pin bool, backings []*alloc.Backing) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, b := range backings {
		for _, e := range engines {
			if err := m.bindLocked(b, e); err != nil {
				return err
			}
			b.SetResident(e.Index(), taskCount, pin)
		}
		m.tracked[b] = struct{}{}
	}

	return nil
}

// IsResident checks if a backing is resident in every engine context of
// the device.
func (m *Manager) IsResident(b *alloc.Backing, dev *device.Device) bool {
	if b.Device() != dev.Root() {
		return false
	}
	mask := dev.ContextMask()
	return b.ResidentContexts().And(mask) == mask
}

type candidate struct {
	backing *alloc.Backing
	used    map[int]uint64
}

// EvictUnused evicts backings which are not pinned and whose work has
// completed in every engine context using them. If wait is true it waits
// for the work to complete first. A GPU hang detected while waiting is
// reported as status.ErrGPUHang. Failures to evict individual backings
// do not stop evicting others.
func (m *Manager) EvictUnused(ctx context.Context, wait bool) (evicted int, retErr error) {
	ctx, span := tracing.StartSpan(ctx, "EvictUnused",
		tracing.WithAttributes(tracing.Attribute("wait", wait)),
	)
	defer func() {
		span.SetAttributes(tracing.Attribute("evicted", int64(evicted)))
		span.End(tracing.WithStatus(retErr))
	}()

	if wait && m.evictTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.evictTimeout)
		defer cancel()
	}

	var candidates []candidate
	m.mu.Lock()
	for b := range m.tracked {
		if b.PinnedContexts() != 0 || b.ResidentContexts() == 0 {
			continue
		}
		candidates = append(candidates, candidate{backing: b, used: b.LastUsed()})
	}
	m.mu.Unlock()

	var errs *multierror.Error
	for _, c := range candidates {
		idle, err := m.isIdle(ctx, c, wait)
		if err != nil {
			errs = multierror.Append(errs, err)
			if ctx.Err() != nil {
				break
			}
		}
		if !idle {
			continue
		}

		ok, err := m.evictIfUnchanged(c)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		if ok {
			evicted++
		}
	}

	if evicted > 0 {
		log.Info("evicted %d unused backing(s)", evicted)
	}

	return evicted, errs.ErrorOrNil()
}

// isIdle checks if all engine contexts are done with a candidate.
func (m *Manager) isIdle(ctx context.Context, c candidate, wait bool) (bool, error) {
	engines := c.backing.Device().Engines()
	for idx, tc := range c.used {
		if idx >= len(engines) {
			continue
		}
		e := engines[idx]

		if !wait {
			if !e.IsCompleted(tc) {
				return false, nil
			}
			continue
		}

		if err := e.WaitForTaskCount(ctx, tc); err != nil {
			if errors.Is(err, status.ErrGPUHang) {
				return false, fmt.Errorf("evicting %s: %w", c.backing, err)
			}
			return false, err
		}
	}
	return true, nil
}

// evictIfUnchanged evicts a candidate unless it has been used or pinned
// since it was picked.
func (m *Manager) evictIfUnchanged(c candidate) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b := c.backing
	if _, ok := m.tracked[b]; !ok || b.IsReleased() || b.PinnedContexts() != 0 {
		return false, nil
	}
	used := b.LastUsed()
	for idx, tc := range used {
		if c.used[idx] != tc {
			return false, nil
		}
	}

	var errs *multierror.Error
	for _, e := range b.Device().Engines() {
		if !b.ResidentContexts().Contains(e.Index()) {
			continue
		}
		if err := m.unbindLocked(b, e); err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		b.ClearResident(e.Index())
	}
	if err := errs.ErrorOrNil(); err != nil {
		m.evictionFailed(b, err)
		return false, err
	}

	b.SetEvicted(true)
	delete(m.tracked, b)
	m.stats.Evicted++
	details.Debug("evicted %s", b)

	return true, nil
}

// Evict unbinds a backing from every engine context of a device and
// removes its always resident marker, even from contexts it fails to
// unbind from. The backing is marked evicted once it is not resident
// anywhere. It has to be made resident again before it is used.
func (m *Manager) Evict(dev *device.Device, b *alloc.Backing) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b.Device() != dev.Root() {
		return fmt.Errorf("%w: %s is not on %s", status.ErrInvalidArgument, b, dev.Name())
	}

	var errs *multierror.Error
	for _, e := range dev.Engines() {
		b.Unpin(e.Index())
		if err := m.unbindLocked(b, e); err != nil {
			m.evictionFailed(b, err)
			errs = multierror.Append(errs, err)
			continue
		}
		b.ClearResident(e.Index())
	}

	if b.ResidentContexts() == 0 {
		b.SetEvicted(true)
		delete(m.tracked, b)
		m.stats.Evicted++
	}

	return errs.ErrorOrNil()
}

// evictionFailed counts and logs, with a rate limit, a failed eviction.
// Called with the manager lock held.
func (m *Manager) evictionFailed(b *alloc.Backing, err error) {
	m.stats.EvictionFailures++
	if m.limiter.Allow() {
		log.Error("failed to evict %s: %v", b, err)
	}
}

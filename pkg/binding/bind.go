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
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/intel/gpu-usm/pkg/alloc"
	"github.com/intel/gpu-usm/pkg/bo"
	"github.com/intel/gpu-usm/pkg/device"
	"github.com/intel/gpu-usm/pkg/kmd"
	"github.com/intel/gpu-usm/pkg/status"
)

// PAT indices of cache policies per cache region.
var patTable = map[bo.CacheRegion]map[bo.CachePolicy]uint32{
	bo.CacheRegionDefault: {
		bo.CachePolicyWriteBack:     0,
		bo.CachePolicyWriteCombined: 1,
		bo.CachePolicyUncached:      2,
		bo.CachePolicyWriteThrough:  3,
	},
	bo.CacheRegion1: {
		bo.CachePolicyWriteBack:    4,
		bo.CachePolicyWriteThrough: 5,
	},
	bo.CacheRegion2: {
		bo.CachePolicyWriteBack:    6,
		bo.CachePolicyWriteThrough: 7,
	},
}

// PATIndex returns the PAT index of a cache region and policy. Policies
// without an index in a cache region fall back to the default region.
func PATIndex(region bo.CacheRegion, policy bo.CachePolicy) (uint32, error) {
	if idx, ok := patTable[region][policy]; ok {
		return idx, nil
	}
	if idx, ok := patTable[bo.CacheRegionDefault][policy]; ok {
		log.Debug("no PAT index for %s in cache region %s, using default region", policy, region)
		return idx, nil
	}
	return 0, fmt.Errorf("%w: no PAT index for cache policy %s", status.ErrUnsupportedFeature, policy)
}

func (m *Manager) patIndex(o *bo.BufferObject) (uint32, error) {
	if m.patOverride != NoPATOverride {
		return uint32(m.patOverride), nil
	}
	attrs := o.Attributes()
	return PATIndex(attrs.CacheRegion, attrs.CachePolicy)
}

// Bind binds a backing to an engine context of its root device. A tile
// instanced backing binds the instance of the engine's tile, other
// backings bind all of their buffer objects. Bind failures are not retried.
func (m *Manager) Bind(b *alloc.Backing, e *device.Engine) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bindLocked(b, e)
}

// BindObject binds a single buffer object to an engine context.
func (m *Manager) BindObject(o *bo.BufferObject, e *device.Engine) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bindObjectLocked(o, e)
}

// Unbind unbinds a backing from an engine context. Unbinding a backing
// which is not bound is a no-op.
func (m *Manager) Unbind(b *alloc.Backing, e *device.Engine) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	err := m.unbindLocked(b, e)
	b.ClearResident(e.Index())
	return err
}

// UnbindObject unbinds a single buffer object from an engine context.
// Unbinding an object which is not bound is a no-op.
func (m *Manager) UnbindObject(o *bo.BufferObject, e *device.Engine) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unbindObjectLocked(o, e)
}

func (m *Manager) bindLocked(b *alloc.Backing, e *device.Engine) error {
	if err := checkEngine(b, e); err != nil {
		return err
	}
	if b.IsReleased() {
		return fmt.Errorf("%w: binding released %s", status.ErrInvalidArgument, b)
	}

	for _, o := range b.ObjectsFor(e) {
		if err := m.bindObjectLocked(o, e); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) bindObjectLocked(o *bo.BufferObject, e *device.Engine) error {
	if o.IsBound(e.Index()) {
		return nil
	}

	h, err := o.Handle()
	if err != nil {
		return fmt.Errorf("%w: %v", status.ErrBinding, err)
	}
	pat, err := m.patIndex(o)
	if err != nil {
		return fmt.Errorf("%w: %v", status.ErrBinding, err)
	}

	attrs := o.Attributes()
	err = o.Driver().Bind(&kmd.BindRequest{
		VM:        e.VM(),
		Context:   e.ID(),
		Handle:    h,
		Address:   o.ReservedAddress(),
		Offset:    attrs.Offset,
		Size:      attrs.Size,
		PATIndex:  pat,
		Immediate: attrs.Immediate || m.immediate,
		Capture:   attrs.Capture || m.capture,
	})
	if err != nil {
		if status.IsOutOfMemory(err) {
			return fmt.Errorf("failed to bind %s to %s: %w", o, e, err)
		}
		return fmt.Errorf("%w: failed to bind %s to %s: %v", status.ErrBinding, o, e, err)
	}

	o.MarkBound(e.Index(), pat)
	m.stats.Binds++
	details.Debug("bound %s to %s with PAT index %d", o, e, pat)

	return nil
}

func (m *Manager) unbindLocked(b *alloc.Backing, e *device.Engine) error {
	if err := checkEngine(b, e); err != nil {
		return err
	}

	var errs *multierror.Error
	for _, o := range b.ObjectsFor(e) {
		errs = multierror.Append(errs, m.unbindObjectLocked(o, e))
	}
	return errs.ErrorOrNil()
}

func (m *Manager) unbindObjectLocked(o *bo.BufferObject, e *device.Engine) error {
	if !o.IsBound(e.Index()) {
		return nil
	}

	attrs := o.Attributes()
	if err := o.Driver().Unbind(e.VM(), e.ID(), o.ReservedAddress(), attrs.Size); err != nil {
		return fmt.Errorf("%w: failed to unbind %s from %s: %v", status.ErrBinding, o, e, err)
	}

	o.MarkUnbound(e.Index())
	m.stats.Unbinds++
	details.Debug("unbound %s from %s", o, e)

	return nil
}

func checkEngine(b *alloc.Backing, e *device.Engine) error {
	if e.Device().Root() != b.Device() {
		return fmt.Errorf("%w: %s is not on the root device of %s", status.ErrInvalidArgument, e, b)
	}
	return nil
}

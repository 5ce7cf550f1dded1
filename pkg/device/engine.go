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

package device

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/hashicorp/go-multierror"

	"github.com/intel/gpu-usm/pkg/kmd"
	"github.com/intel/gpu-usm/pkg/status"
)

// Engine is an engine context of a device. Each engine context has its own
// GPU virtual address space and a monotonic task count. Submitted work is
// complete once the task count tag of the engine reaches its task count.
type Engine struct {
	dev       *Device
	tile      int
	index     int
	id        uint32
	vm        uint32
	tag       uint64
	poll      time.Duration
	submitted atomic.Uint64
	completed atomic.Uint64
}

func newEngine(dev *Device, tile, index int, poll time.Duration) (*Engine, error) {
	drv := dev.drv

	vm, err := drv.CreateVM()
	if err != nil {
		return nil, fmt.Errorf("failed to create VM for engine #%d: %w", index, err)
	}

	id, err := drv.CreateContext(vm, tile)
	if err != nil {
		drv.DestroyVM(vm)
		return nil, fmt.Errorf("failed to create engine context #%d: %w", index, err)
	}

	return &Engine{
		dev:   dev,
		tile:  tile,
		index: index,
		id:    id,
		vm:    vm,
		tag:   TagAreaBase + uint64(dev.index)<<24 + uint64(index)*TagSize,
		poll:  poll,
	}, nil
}

func (e *Engine) destroy() error {
	return multierror.Append(
		e.dev.drv.DestroyContext(e.id),
		e.dev.drv.DestroyVM(e.vm),
	).ErrorOrNil()
}

// Device returns the device, or sub-device, of the engine context.
func (e *Engine) Device() *Device {
	return e.dev
}

// Tile returns the tile of the engine context.
func (e *Engine) Tile() int {
	return e.tile
}

// Index returns the index of the engine context within its root device.
func (e *Engine) Index() int {
	return e.index
}

// ID returns the kernel ID of the engine context.
func (e *Engine) ID() uint32 {
	return e.id
}

// VM returns the kernel ID of the address space of the engine context.
func (e *Engine) VM() uint32 {
	return e.vm
}

// TagAddress returns the GPU address of the task count tag.
func (e *Engine) TagAddress() uint64 {
	return e.tag
}

// Mask returns the ContextMask of the engine context.
func (e *Engine) Mask() ContextMask {
	return NewContextMask(e.index)
}

// Submit records the submission of new work and returns its task count.
func (e *Engine) Submit() uint64 {
	return e.submitted.Add(1)
}

// TaskCount returns the task count of the last submitted work.
func (e *Engine) TaskCount() uint64 {
	return e.submitted.Load()
}

// IsCompleted checks without blocking if work up to taskCount is complete.
func (e *Engine) IsCompleted(taskCount uint64) bool {
	if taskCount <= e.completed.Load() {
		return true
	}
	if err := e.dev.drv.WaitUserFence(e.id, e.tag, taskCount, 0); err != nil {
		return false
	}
	e.markCompleted(taskCount)
	return true
}

// IsIdle checks without blocking if all submitted work is complete.
func (e *Engine) IsIdle() bool {
	return e.IsCompleted(e.TaskCount())
}

// WaitForTaskCount blocks until work up to taskCount is complete. A hung
// engine context is reported as status.ErrGPUHang. Cancelling ctx stops
// waiting but does not affect the submitted work.
func (e *Engine) WaitForTaskCount(ctx context.Context, taskCount uint64) error {
	if taskCount <= e.completed.Load() {
		return nil
	}

	poll := func() error {
		err := e.dev.drv.WaitUserFence(e.id, e.tag, taskCount, 0)
		switch {
		case err == nil:
			return nil
		case kmd.IsTimeout(err):
			return err
		default:
			return backoff.Permanent(err)
		}
	}

	b := backoff.WithContext(backoff.NewConstantBackOff(e.poll), ctx)
	if err := backoff.Retry(poll, b); err != nil {
		if errors.Is(err, status.ErrGPUHang) {
			log.Error("%s: GPU hang detected waiting for task count %d", e, taskCount)
			return fmt.Errorf("%w: %s", status.ErrGPUHang, e)
		}
		if ctx.Err() != nil {
			return fmt.Errorf("waiting for task count %d on %s: %w", taskCount, e, ctx.Err())
		}
		// a constant backoff only stops when the deadline of ctx is near
		if kmd.IsTimeout(err) {
			return fmt.Errorf("waiting for task count %d on %s: %w", taskCount, e, context.DeadlineExceeded)
		}
		return err
	}

	e.markCompleted(taskCount)
	return nil
}

// WaitIdle blocks until all submitted work is complete.
func (e *Engine) WaitIdle(ctx context.Context) error {
	return e.WaitForTaskCount(ctx, e.TaskCount())
}

// IsHung checks if the engine context has been banned after a GPU hang.
func (e *Engine) IsHung() bool {
	hung, err := e.dev.drv.ContextHung(e.id)
	if err != nil {
		log.Warn("%s: failed to query hang status: %v", e, err)
		return false
	}
	return hung
}

func (e *Engine) markCompleted(taskCount uint64) {
	for {
		cur := e.completed.Load()
		if cur >= taskCount || e.completed.CompareAndSwap(cur, taskCount) {
			return
		}
	}
}

// String returns a string representation of the engine context.
func (e *Engine) String() string {
	return fmt.Sprintf("engine #%d (tile %d, context %d, VM %d) of root device #%d",
		e.index, e.tile, e.id, e.vm, e.dev.index)
}

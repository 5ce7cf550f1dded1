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

package usm

import (
	"fmt"

	"github.com/intel/gpu-usm/pkg/status"
)

// Tag identifies the type of an allocation descriptor.
type Tag int

const (
	TagImportFD Tag = iota
	TagImportWin32
	TagExportMemory
	TagRelaxedAllocLimits
	TagRayTracingHint
	TagCompressionHint
	TagPowerSavingHint
	TagSubAllocationQuery
)

var tagNames = map[Tag]string{
	TagImportFD:           "import-fd",
	TagImportWin32:        "import-win32",
	TagExportMemory:       "export-memory",
	TagRelaxedAllocLimits: "relaxed-alloc-limits",
	TagRayTracingHint:     "ray-tracing-hint",
	TagCompressionHint:    "compression-hint",
	TagPowerSavingHint:    "power-saving-hint",
	TagSubAllocationQuery: "sub-allocation-query",
}

func (t Tag) String() string {
	if s, ok := tagNames[t]; ok {
		return s
	}
	return fmt.Sprintf("%%!(usm:Bad-Tag %d)", int(t))
}

// Descriptor is an optional extension of an allocation request. The set
// of descriptors is closed, every one of them is declared in this package.
type Descriptor interface {
	Tag() Tag
	isDescriptor()
}

// ImportFD attaches memory exported as a file descriptor instead of
// allocating new memory.
type ImportFD struct {
	FD int
}

// ImportWin32 attaches memory exported as a Windows handle.
type ImportWin32 struct {
	Handle uintptr
	Name   string
}

// ExportMemory requests the allocation to be exportable to other APIs.
type ExportMemory struct{}

// RelaxedAllocLimits lifts the maximum allocation size limit.
type RelaxedAllocLimits struct{}

// RayTracingHint marks memory used by ray tracing, which needs 48-bit
// addresses.
type RayTracingHint struct{}

// CompressionHint requests or rejects compression.
type CompressionHint struct {
	Compressed bool
}

// PowerSavingHint is a hint about the power saving preference.
type PowerSavingHint struct {
	Level int
}

// SubAllocationQuery requests the tile-local parts of the allocation.
type SubAllocationQuery struct{}

func (ImportFD) Tag() Tag           { return TagImportFD }
func (ImportWin32) Tag() Tag        { return TagImportWin32 }
func (ExportMemory) Tag() Tag       { return TagExportMemory }
func (RelaxedAllocLimits) Tag() Tag { return TagRelaxedAllocLimits }
func (RayTracingHint) Tag() Tag     { return TagRayTracingHint }
func (CompressionHint) Tag() Tag    { return TagCompressionHint }
func (PowerSavingHint) Tag() Tag    { return TagPowerSavingHint }
func (SubAllocationQuery) Tag() Tag { return TagSubAllocationQuery }

func (ImportFD) isDescriptor()           {}
func (ImportWin32) isDescriptor()        {}
func (ExportMemory) isDescriptor()       {}
func (RelaxedAllocLimits) isDescriptor() {}
func (RayTracingHint) isDescriptor()     {}
func (CompressionHint) isDescriptor()    {}
func (PowerSavingHint) isDescriptor()    {}
func (SubAllocationQuery) isDescriptor() {}

// Options are the parsed descriptors of an allocation request.
type Options struct {
	ImportFD           *ImportFD
	ImportWin32        *ImportWin32
	ExportMemory       bool
	RelaxedAllocLimits bool
	RayTracing         bool
	Compression        *CompressionHint
	PowerSaving        *PowerSavingHint
	SubAllocations     bool
}

// ParseDescriptors parses a descriptor chain. Every descriptor type can
// be given at most once.
func ParseDescriptors(descriptors []Descriptor) (Options, error) {
	var (
		o    Options
		seen = map[Tag]bool{}
	)

	for _, d := range descriptors {
		if d == nil {
			return Options{}, fmt.Errorf("%w: nil descriptor", status.ErrInvalidArgument)
		}
		tag := d.Tag()
		if seen[tag] {
			return Options{}, fmt.Errorf("%w: duplicate %s descriptor", status.ErrInvalidArgument, tag)
		}
		seen[tag] = true

		switch d := d.(type) {
		case ImportFD:
			o.ImportFD = &d
		case ImportWin32:
			o.ImportWin32 = &d
		case ExportMemory:
			o.ExportMemory = true
		case RelaxedAllocLimits:
			o.RelaxedAllocLimits = true
		case RayTracingHint:
			o.RayTracing = true
		case CompressionHint:
			o.Compression = &d
		case PowerSavingHint:
			o.PowerSaving = &d
		case SubAllocationQuery:
			o.SubAllocations = true
		default:
			return Options{}, fmt.Errorf("%w: unknown %s descriptor", status.ErrInvalidArgument, tag)
		}
	}

	if o.ImportFD != nil && o.ImportWin32 != nil {
		return Options{}, fmt.Errorf("%w: both %s and %s descriptors",
			status.ErrInvalidArgument, TagImportFD, TagImportWin32)
	}

	return o, nil
}

// IsImport checks if the options attach to existing memory.
func (o Options) IsImport() bool {
	return o.ImportFD != nil || o.ImportWin32 != nil
}

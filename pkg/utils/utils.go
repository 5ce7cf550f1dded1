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

package utils

import (
	"fmt"
	"math"
	"math/bits"
	"strconv"
	"strings"
)

// ParseEnabled parses a boolean-like on/off string.
func ParseEnabled(value string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "on", "enable", "enabled", "true", "1", "yes":
		return true, nil
	case "off", "disable", "disabled", "false", "0", "no":
		return false, nil
	}
	return false, fmt.Errorf("invalid enabled/disabled value %q", value)
}

// IsPowerOfTwo returns true if v is a non-zero power of two.
func IsPowerOfTwo(v uint64) bool {
	return v != 0 && v&(v-1) == 0
}

// PrevPowerOfTwo returns the largest power of two not larger than v, or 0 for 0.
func PrevPowerOfTwo(v uint64) uint64 {
	if v == 0 {
		return 0
	}
	return 1 << (63 - bits.LeadingZeros64(v))
}

// AlignUp rounds v up to a multiple of the power-of-two alignment a.
func AlignUp(v, a uint64) uint64 {
	if a == 0 {
		return v
	}
	return (v + a - 1) &^ (a - 1)
}

// HumanReadableSize returns the given size as a human-readable string.
func HumanReadableSize(size uint64) string {
	if size >= 1024 {
		units := []string{"k", "M", "G", "T"}

		for i, d := 0, uint64(1024); i < len(units); i, d = i+1, d<<10 {
			if val := size / d; 1 <= val && val < 1024 {
				if fval := float64(size) / float64(d); math.Floor(fval) != fval {
					return strings.TrimRight(fmt.Sprintf("%.3f", fval), "0") + units[i]
				}
				return fmt.Sprintf("%d%s", val, units[i])
			}
		}
	}

	return strconv.FormatUint(size, 10)
}

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

package klogcontrol

import (
	"strconv"
)

// Config represents the runtime configurable subset of klog flags.
// Field names follow the klog flag names they control.
//
//nolint:revive,stylecheck
type Config struct {
	// Add the file directory to the header of the log messages.
	// +optional
	Add_dir_header *bool `json:"add_dir_header,omitempty"`
	// Log to standard error as well as files.
	// +optional
	Alsologtostderr *bool `json:"alsologtostderr,omitempty"`
	// If non-empty, write log files in this directory.
	// +optional
	Log_dir *string `json:"log_dir,omitempty"`
	// If non-empty, use this log file.
	// +optional
	Log_file *string `json:"log_file,omitempty"`
	// Log to standard error instead of files.
	// +optional
	Logtostderr *bool `json:"logtostderr,omitempty"`
	// If true, avoid header prefixes in the log messages.
	// +optional
	Skip_headers *bool `json:"skip_headers,omitempty"`
	// Logs at or above this threshold go to stderr.
	// +optional
	Stderrthreshold *string `json:"stderrthreshold,omitempty"`
	// Number for the log level verbosity.
	// +optional
	V *int `json:"v,omitempty"`
}

// Values returns the configured klog flags by flag name. Unset fields
// are omitted.
func (c *Config) Values() map[string]string {
	values := map[string]string{}
	if c == nil {
		return values
	}

	setBool(values, "add_dir_header", c.Add_dir_header)
	setBool(values, "alsologtostderr", c.Alsologtostderr)
	setString(values, "log_dir", c.Log_dir)
	setString(values, "log_file", c.Log_file)
	setBool(values, "logtostderr", c.Logtostderr)
	setBool(values, "skip_headers", c.Skip_headers)
	setString(values, "stderrthreshold", c.Stderrthreshold)
	if c.V != nil {
		values["v"] = strconv.Itoa(*c.V)
	}

	return values
}

func setBool(values map[string]string, name string, v *bool) {
	if v != nil {
		values[name] = strconv.FormatBool(*v)
	}
}

func setString(values map[string]string, name string, v *string) {
	if v != nil {
		values[name] = *v
	}
}

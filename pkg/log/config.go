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

package log

import (
	"os"
	"sort"
	"strings"

	"github.com/hashicorp/go-multierror"

	cfgapi "github.com/intel/gpu-usm/pkg/apis/config/v1alpha1/log"
	"github.com/intel/gpu-usm/pkg/log/klogcontrol"
	"github.com/intel/gpu-usm/pkg/utils"
)

const (
	// DefaultLevel is the default logging severity level.
	DefaultLevel = LevelInfo
	// DebugEnvVar seeds debugging of logger sources, for instance
	// USM_LOGGER_DEBUG=binding,ipc or USM_LOGGER_DEBUG=all,off:vaspace.
	DebugEnvVar = "USM_LOGGER_DEBUG"
	// LogSourceEnvVar turns on prefixing messages with their source.
	LogSourceEnvVar = "USM_LOGGER_LOG_SOURCE"
)

// srcmap maps logger sources, or the glob "*", to their debug state.
type srcmap map[string]bool

// parseSources parses a comma-separated list of sources. A source can be
// prefixed with a state ("on:", "off:") which then applies to subsequent
// sources until the next prefix. "all" is an alias of "*".
func parseSources(value string) (srcmap, error) {
	var (
		m     = srcmap{}
		state = true
		errs  *multierror.Error
	)

	for _, entry := range strings.Split(value, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		src := entry
		if prefix, rest, ok := strings.Cut(entry, ":"); ok {
			enabled, err := utils.ParseEnabled(prefix)
			if err != nil {
				errs = multierror.Append(errs, loggerError("invalid state %q in %q", prefix, entry))
				continue
			}
			state, src = enabled, strings.TrimSpace(rest)
		}

		switch {
		case src == "":
			errs = multierror.Append(errs, loggerError("missing source in %q", entry))
			continue
		case strings.Contains(src, ":"):
			errs = multierror.Append(errs, loggerError("invalid source %q", entry))
			continue
		case src == "all":
			src = "*"
		}

		m[src] = state
	}

	return m, errs.ErrorOrNil()
}

// merge updates m with the settings of o, o taking precedence.
func (m srcmap) merge(o srcmap) {
	for src, state := range o {
		m[src] = state
	}
}

// String returns the srcmap in the format parseSources accepts.
func (m srcmap) String() string {
	var on, off []string
	for src, state := range m {
		if state {
			on = append(on, src)
		} else {
			off = append(off, src)
		}
	}
	sort.Strings(on)
	sort.Strings(off)

	var parts []string
	if len(on) > 0 {
		parts = append(parts, "on:"+strings.Join(on, ","))
	}
	if len(off) > 0 {
		parts = append(parts, "off:"+strings.Join(off, ","))
	}
	return strings.Join(parts, ",")
}

// Configure updates the logging configuration. Debug settings which fail
// to parse are reported and the valid ones still take effect.
func Configure(cfg *cfgapi.Config) error {
	deflog.Debug("logger configuration update %+v", cfg)

	var errs *multierror.Error

	debug := srcmap{}
	for _, value := range cfg.Debug {
		m, err := parseSources(value)
		if err != nil {
			errs = multierror.Append(errs, err)
		}
		debug.merge(m)
	}

	prefix := cfg.LogSource
	if k := cfg.Klog; isSet(k.Logtostderr) && isSet(k.Skip_headers) {
		prefix = true
	}

	log.Lock()
	log.setDbgMap(debug)
	log.setPrefix(prefix)
	log.Unlock()

	if err := klogcontrol.Get().Configure(&cfg.Klog); err != nil {
		errs = multierror.Append(errs, err)
	}

	return errs.ErrorOrNil()
}

func isSet(b *bool) bool {
	return b != nil && *b
}

// seed returns the initial configuration derived from the environment.
func seed(lookup func(string) (string, bool)) *cfgapi.Config {
	cfg := &cfgapi.Config{}
	if value, ok := lookup(LogSourceEnvVar); ok && value != "" {
		cfg.LogSource = true
	}
	if value, ok := lookup(DebugEnvVar); ok {
		cfg.Debug = []string{value}
	}
	return cfg
}

func init() {
	cfg := seed(os.LookupEnv)
	if err := Configure(cfg); err != nil {
		Default().Error("invalid logging configuration from the environment: %v", err)
	}
	if len(cfg.Debug) > 0 {
		Default().Info("seeded debug flags from $%s: %s", DebugEnvVar, cfg.Debug[0])
	}
}

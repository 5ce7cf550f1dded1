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
	"context"
	"log/slog"
	"strings"
)

type slogger struct {
	l Logger
}

var _ slog.Handler = &slogger{}

// SetSlogLogger sets up the default logger for the slog package.
func SetSlogLogger(source string) {
	var l Logger

	if source == "" {
		l = Default()
	} else {
		l = Get(source)
	}

	slog.SetDefault(slog.New(l.SlogHandler()))
}

func (l logger) SlogHandler() slog.Handler {
	return &slogger{l: l}
}

func (s *slogger) Enabled(_ context.Context, level slog.Level) bool {
	switch {
	case level < slog.LevelInfo:
		return s.l.DebugEnabled()
	case level < slog.LevelWarn:
		return log.enabled(s.l.Source(), LevelInfo)
	case level < slog.LevelError:
		return log.enabled(s.l.Source(), LevelWarn)
	}
	return true
}

func (s *slogger) Handle(_ context.Context, r slog.Record) error {
	msg := strings.TrimPrefix(r.Message, r.Level.String()+" ")
	r.Attrs(func(a slog.Attr) bool {
		msg += " " + a.String()
		return true
	})

	switch {
	case r.Level < slog.LevelInfo:
		s.l.Debug("%s", msg)
	case r.Level < slog.LevelWarn:
		s.l.Info("%s", msg)
	case r.Level < slog.LevelError:
		s.l.Warn("%s", msg)
	default:
		s.l.Error("%s", msg)
	}
	return nil
}

func (s *slogger) WithAttrs(_ []slog.Attr) slog.Handler {
	return s
}

func (s *slogger) WithGroup(_ string) slog.Handler {
	return s
}

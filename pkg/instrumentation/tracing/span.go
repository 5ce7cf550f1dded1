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

package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// SpanStartOption is applied to a Span in StartSpan.
type SpanStartOption func(*[]trace.SpanStartOption)

// SpanEndOption is applied to a Span in Span.End.
type SpanEndOption func(*Span)

// WithAttributes sets initial attributes of a Span.
func WithAttributes(attrs ...KeyValue) SpanStartOption {
	return func(o *[]trace.SpanStartOption) {
		*o = append(*o, trace.WithAttributes(attrs...))
	}
}

// WithStatus sets the status of a Span from an error.
func WithStatus(err error) SpanEndOption {
	return func(s *Span) {
		s.SetStatus(err)
	}
}

// Span is a wrapped OpenTelemetry Span. Spans started while tracing is
// disabled are no-ops.
type Span struct {
	otel trace.Span
}

// StartSpan starts a new Span, which must be ended with Span.End.
func StartSpan(ctx context.Context, name string, opts ...SpanStartOption) (context.Context, *Span) {
	tracer := trc.getTracer()
	if tracer == nil {
		return ctx, &Span{}
	}

	var options []trace.SpanStartOption
	for _, o := range opts {
		o(&options)
	}

	ctx, span := tracer.Start(ctx, name, options...)
	return ctx, &Span{otel: span}
}

// SetStatus records an error, or success for a nil error, in the Span.
func (s *Span) SetStatus(err error) {
	if s.isNop() {
		return
	}
	if err != nil {
		s.otel.RecordError(err)
		s.otel.SetStatus(codes.Error, err.Error())
		return
	}
	s.otel.SetStatus(codes.Ok, "")
}

// SetAttributes sets attributes of the Span.
func (s *Span) SetAttributes(attrs ...KeyValue) {
	if s.isNop() {
		return
	}
	s.otel.SetAttributes(attrs...)
}

// End ends the Span.
func (s *Span) End(opts ...SpanEndOption) {
	if s.isNop() {
		return
	}
	for _, o := range opts {
		o(s)
	}
	s.otel.End()
}

func (s *Span) isNop() bool {
	return s == nil || s.otel == nil
}

// Attribute returns an attribute with the given key and value. Sizes and
// addresses are recorded as hex strings.
func Attribute(key string, value interface{}) KeyValue {
	switch v := value.(type) {
	case nil:
		return attribute.String(key, "<nil>")
	case string:
		return attribute.String(key, v)
	case []string:
		return attribute.StringSlice(key, v)
	case bool:
		return attribute.Bool(key, v)
	case int:
		return attribute.Int(key, v)
	case int64:
		return attribute.Int64(key, v)
	case uint64:
		return attribute.String(key, fmt.Sprintf("0x%x", v))
	case float64:
		return attribute.Float64(key, v)
	case fmt.Stringer:
		return attribute.String(key, v.String())
	}
	return attribute.String(key, fmt.Sprintf("%v", value))
}

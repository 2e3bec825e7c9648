// Copyright The NRI Plugins Authors. All Rights Reserved.
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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// KeyValue is an alias for the opentelemetry KeyValue attribute.
type KeyValue = attribute.KeyValue

// Span is a traced operation. A nil Span and the Span of disabled tracing
// accept every call and do nothing.
type Span struct {
	span trace.Span
}

const (
	// instrumentation scope of our tracer
	tracerName = "github.com/containers/vmcore"
)

// StartSpan starts a new Span as a child of any Span in ctx. The Span
// must be ended with End().
func StartSpan(ctx context.Context, name string, attrs ...KeyValue) (context.Context, *Span) {
	if !Enabled() {
		return ctx, &Span{}
	}

	tp := otel.GetTracerProvider()
	if parent := trace.SpanFromContext(ctx); parent.SpanContext().IsValid() {
		tp = parent.TracerProvider()
	}

	ctx, span := tp.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
	return ctx, &Span{span: span}
}

// SpanFromContext returns the current Span from the context.
func SpanFromContext(ctx context.Context) *Span {
	return &Span{span: trace.SpanFromContext(ctx)}
}

// Event records a named event with the given attributes in the Span.
func (s *Span) Event(name string, attrs ...KeyValue) {
	if s.isNil() {
		return
	}
	s.span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetAttributes sets attributes of the Span.
func (s *Span) SetAttributes(attrs ...KeyValue) {
	if s.isNil() {
		return
	}
	s.span.SetAttributes(attrs...)
}

// End ends the Span, recording err as its status.
func (s *Span) End(err error) {
	if s.isNil() {
		return
	}

	if err != nil {
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
	} else {
		s.span.SetStatus(codes.Ok, "")
	}

	s.span.End()
}

func (s *Span) isNil() bool {
	return s == nil || s.span == nil
}

// Attribute returns an attribute with the given key and value. Unsigned
// values are recorded in hex, as they usually are addresses or ids.
func Attribute(key string, value any) KeyValue {
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
		return attribute.String(key, fmt.Sprintf("%#x", v))
	case uint:
		return attribute.String(key, fmt.Sprintf("%#x", v))
	case []int64:
		return attribute.Int64Slice(key, v)
	case float64:
		return attribute.Float64(key, v)
	case fmt.Stringer:
		return attribute.String(key, v.String())
	}

	return attribute.String(key, fmt.Sprintf("%v", value))
}

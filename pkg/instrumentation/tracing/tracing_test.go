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
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

type stringer struct{}

func (stringer) String() string { return "stringer" }

func TestDisabledTracing(t *testing.T) {
	require.NoError(t, Start(WithServiceName("test"), WithCollectorEndpoint("")))
	require.False(t, Enabled())

	ctx, span := StartSpan(context.Background(), "noop", Attribute("key", "value"))
	require.NotNil(t, ctx)
	require.NotNil(t, span)

	span.SetAttributes(Attribute("n", 1))
	span.Event("fault", Attribute("addr", uint64(0x1000)))
	span.End(errors.New("failure"))

	var nilSpan *Span
	nilSpan.Event("ignored")
	nilSpan.End(nil)

	require.NoError(t, Start(WithCollectorEndpoint("otlp-http"), WithSamplingRatio(0)))
	require.False(t, Enabled())
	Stop()
}

func TestSamplingRatio(t *testing.T) {
	for _, ratio := range []float64{-0.1, 1.1} {
		require.Error(t, Start(WithSamplingRatio(ratio)), "ratio %f", ratio)
	}
}

func TestSampler(t *testing.T) {
	s := &sampler{}
	p := sdktrace.SamplingParameters{
		ParentContext: context.Background(),
		TraceID:       trace.TraceID{0x01},
		Name:          "vm.PageOut",
	}

	require.Equal(t, sdktrace.Drop, s.ShouldSample(p).Decision)
	require.Equal(t, "vmcore{off}", s.Description())

	s.setRatio(1.0)
	require.Equal(t, sdktrace.RecordAndSample, s.ShouldSample(p).Decision)
	require.Contains(t, s.Description(), "ParentBased")

	s.setRatio(0)
	require.Equal(t, sdktrace.Drop, s.ShouldSample(p).Decision)

	require.Equal(t, uint64(1), s.sampled.Load())
	require.Equal(t, uint64(2), s.dropped.Load())
}

func TestUnsupportedEndpoint(t *testing.T) {
	_, err := newExporter("ftp://collector:21")
	require.Error(t, err)
}

func TestAttribute(t *testing.T) {
	for _, tc := range []struct {
		value    interface{}
		expected attribute.Value
	}{
		{nil, attribute.StringValue("<nil>")},
		{"text", attribute.StringValue("text")},
		{true, attribute.BoolValue(true)},
		{7, attribute.IntValue(7)},
		{int64(8), attribute.Int64Value(8)},
		{uint64(0x1000), attribute.StringValue("0x1000")},
		{uint(255), attribute.StringValue("0xff")},
		{1.5, attribute.Float64Value(1.5)},
		{[]string{"a", "b"}, attribute.StringSliceValue([]string{"a", "b"})},
		{stringer{}, attribute.StringValue("stringer")},
		{struct{ A int }{1}, attribute.StringValue(fmt.Sprintf("%v", struct{ A int }{1}))},
	} {
		kv := Attribute("key", tc.value)
		require.Equal(t, attribute.Key("key"), kv.Key)
		require.Equal(t, tc.expected, kv.Value, "value %v", tc.value)
	}
}

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
	"sync/atomic"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// sampler lets us swap the sampling policy of a running tracer provider.
// Without a policy every span is dropped.
type sampler struct {
	policy  atomic.Pointer[sdktrace.Sampler]
	sampled atomic.Uint64
	dropped atomic.Uint64
}

var _ sdktrace.Sampler = (*sampler)(nil)

func (s *sampler) ShouldSample(p sdktrace.SamplingParameters) sdktrace.SamplingResult {
	policy := s.policy.Load()
	if policy == nil {
		s.dropped.Add(1)
		return sdktrace.SamplingResult{Decision: sdktrace.Drop}
	}

	r := (*policy).ShouldSample(p)
	if r.Decision == sdktrace.Drop {
		s.dropped.Add(1)
	} else {
		s.sampled.Add(1)
	}

	return r
}

func (s *sampler) Description() string {
	if policy := s.policy.Load(); policy != nil {
		return "vmcore{" + (*policy).Description() + "}"
	}
	return "vmcore{off}"
}

// setRatio samples the given ratio of root spans. Child spans follow
// the decision of their parent. A zero ratio turns sampling off.
func (s *sampler) setRatio(ratio float64) {
	if ratio <= 0 {
		s.policy.Store(nil)
		return
	}
	policy := sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
	s.policy.Store(&policy)
}

// Stats returns the number of sampled and dropped spans.
func Stats() (sampled, dropped uint64) {
	return trc.sampler.sampled.Load(), trc.sampler.dropped.Load()
}

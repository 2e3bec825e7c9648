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

package blockalloc_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/containers/vmcore/pkg/blockalloc"
	kerrors "github.com/containers/vmcore/pkg/kernel/errors"
)

func newRegistry(t *testing.T, opts ...blockalloc.Option) *blockalloc.Registry {
	r, err := blockalloc.NewRegistry(opts...)
	require.NoError(t, err)
	return r
}

func TestAllocatorReferenceCounting(t *testing.T) {
	r := newRegistry(t)

	var allocators []*blockalloc.Allocator
	for i := 0; i < 5; i++ {
		a, err := r.GetAllocator(128)
		require.NoError(t, err)
		allocators = append(allocators, a)
	}
	for _, a := range allocators[1:] {
		require.Same(t, allocators[0], a)
	}

	other, err := r.GetAllocator(256)
	require.NoError(t, err)
	require.NotSame(t, allocators[0], other)
	require.Len(t, r.Stats(), 2)

	for _, a := range allocators {
		require.NoError(t, r.PutAllocator(a))
	}
	require.Equal(t, []blockalloc.Stats{{Size: 256, Refs: 1}}, r.Stats())

	require.ErrorIs(t, r.PutAllocator(allocators[0]), blockalloc.ErrUnknownAllocator)
	require.NoError(t, r.PutAllocator(other))
	require.Empty(t, r.Stats())

	_, err = r.GetAllocator(0)
	require.ErrorIs(t, err, kerrors.ErrInvalidArgument)
}

func TestBufferConservation(t *testing.T) {
	r := newRegistry(t)
	a, err := r.GetAllocator(64)
	require.NoError(t, err)

	require.NoError(t, a.RequestBuffers())
	require.NoError(t, a.RequestBuffers())
	require.Equal(t, 2*blockalloc.DefaultBatchSize, a.Available())

	var bufs [][]byte
	for {
		buf, err := a.TryGetBuffer()
		if err != nil {
			require.ErrorIs(t, err, blockalloc.ErrNoBuffers)
			break
		}
		require.Len(t, buf, 64)
		bufs = append(bufs, buf)
	}
	require.Len(t, bufs, 2*blockalloc.DefaultBatchSize)
	require.Equal(t, 0, a.Available())

	for _, buf := range bufs {
		require.NoError(t, a.PutBuffer(buf))
	}
	require.Equal(t, len(bufs), a.Available())

	require.ErrorIs(t, a.PutBuffer(nil), blockalloc.ErrInvalidBuffer)
	require.ErrorIs(t, a.PutBuffer(make([]byte, 63)), kerrors.ErrInvalidArgument)
	require.Equal(t, len(bufs), a.Available())
}

func TestRequestBuffersRollsBack(t *testing.T) {
	calls := 0
	r := newRegistry(t,
		blockalloc.WithBatchSize(3),
		blockalloc.WithBufferAllocator(func(size int) ([]byte, error) {
			if calls++; calls == 5 {
				return nil, errors.New("heap exhausted")
			}
			return make([]byte, size), nil
		}),
	)
	a, err := r.GetAllocator(32)
	require.NoError(t, err)

	require.NoError(t, a.RequestBuffers())
	require.ErrorIs(t, a.RequestBuffers(), kerrors.ErrNoMemory)
	require.Equal(t, 3, a.Available())
}

func TestRequestBuffersShortBlock(t *testing.T) {
	r := newRegistry(t,
		blockalloc.WithBatchSize(2),
		blockalloc.WithBufferAllocator(func(size int) ([]byte, error) {
			return make([]byte, size/2), nil
		}),
	)
	a, err := r.GetAllocator(64)
	require.NoError(t, err)

	err = a.RequestBuffers()
	require.ErrorIs(t, err, kerrors.ErrNoMemory)
	require.Contains(t, err.Error(), "got 32 bytes instead of 64")
	require.NotContains(t, err.Error(), "<nil>")
	require.Equal(t, 0, a.Available())
}

func TestGetBufferWaits(t *testing.T) {
	r := newRegistry(t)
	a, err := r.GetAllocator(16)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = a.GetBuffer(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	got := make(chan []byte)
	go func() {
		buf, err := a.GetBuffer(context.Background())
		if err == nil {
			got <- buf
		}
		close(got)
	}()

	require.NoError(t, a.PutBuffer(make([]byte, 16)))
	select {
	case buf := <-got:
		require.Len(t, buf, 16)
	case <-time.After(5 * time.Second):
		t.Fatal("GetBuffer was not woken up")
	}
}

func TestReleaseBuffers(t *testing.T) {
	r := newRegistry(t, blockalloc.WithBatchSize(4))
	a, err := r.GetAllocator(8)
	require.NoError(t, err)

	require.Equal(t, 0, a.ReleaseBuffers())

	require.NoError(t, a.RequestBuffers())
	require.NoError(t, a.RequestBuffers())
	buf, err := a.TryGetBuffer()
	require.NoError(t, err)
	require.Equal(t, 7, a.Available())

	require.Equal(t, 4, a.ReleaseBuffers())
	require.Equal(t, 3, a.Available())

	// a partial batch is released, and the allocator stays usable
	require.Equal(t, 3, a.ReleaseBuffers())
	require.Equal(t, 0, a.Available())
	require.NoError(t, a.PutBuffer(buf))
	_, err = a.TryGetBuffer()
	require.NoError(t, err)
}

func TestConcurrentGetPut(t *testing.T) {
	r := newRegistry(t)
	a, err := r.GetAllocator(256)
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		require.NoError(t, a.RequestBuffers())
	}
	total := a.Available()

	g, ctx := errgroup.WithContext(context.Background())
	for w := 0; w < 8; w++ {
		g.Go(func() error {
			for i := 0; i < 200; i++ {
				buf, err := a.GetBuffer(ctx)
				if err != nil {
					return err
				}
				buf[0]++
				if err := a.PutBuffer(buf); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.Equal(t, total, a.Available())
}

func TestTrimAndMetrics(t *testing.T) {
	r := newRegistry(t, blockalloc.WithBatchSize(2))
	a, err := r.GetAllocator(512)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, a.RequestBuffers())
	}

	require.Equal(t, 2, r.Trim())
	require.Equal(t, 4, a.Available())
	require.Equal(t, 0, r.Trim())

	expected := `
# HELP free Number of free blocks queued in a block allocator.
# TYPE free gauge
free{size="512"} 4
`
	require.NoError(t, testutil.CollectAndCompare(r, strings.NewReader(expected), "free"))
}

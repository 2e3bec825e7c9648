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

package pages_test

import (
	"os"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"

	kerrors "github.com/containers/vmcore/pkg/kernel/errors"
	"github.com/containers/vmcore/pkg/pages"
)

func testSources(t *testing.T) map[string]pages.Source {
	sources := map[string]pages.Source{}

	heap, err := pages.NewHeapSource(4096)
	require.NoError(t, err)
	sources["heap"] = heap

	if runtime.GOOS == "linux" {
		src, err := pages.NewSource("mmap", 4*os.Getpagesize())
		require.NoError(t, err)
		sources["mmap"] = src
	}

	return sources
}

func TestAlignedRuns(t *testing.T) {
	for name, src := range testSources(t) {
		t.Run(name, func(t *testing.T) {
			var runs []pages.Run
			for _, count := range []int{1, 2, 4, 8} {
				run, err := src.AllocatePages(count, pages.Aligned)
				require.NoError(t, err)
				size := uintptr(count * src.PageSize())
				require.Len(t, run.Mem, int(size))
				require.Zero(t, run.Addr()%size, "run of %d pages aligned", count)
				run.Mem[0], run.Mem[len(run.Mem)-1] = 1, 2
				runs = append(runs, run)
			}

			_, err := src.AllocatePages(3, pages.Aligned)
			require.ErrorIs(t, err, kerrors.ErrInvalidArgument)
			_, err = src.AllocatePages(0, 0)
			require.ErrorIs(t, err, kerrors.ErrInvalidArgument)

			for _, run := range runs {
				require.NoError(t, src.FreePages(run))
			}
			require.ErrorIs(t, src.FreePages(runs[0]), pages.ErrInvalidArgument)
		})
	}
}

func TestInvalidSources(t *testing.T) {
	_, err := pages.NewHeapSource(1000)
	require.Error(t, err)
	_, err = pages.NewSource("tape", 4096)
	require.Error(t, err)
}

func TestFrameAllocator(t *testing.T) {
	src, err := pages.NewHeapSource(1024)
	require.NoError(t, err)

	f, err := pages.NewFrameAllocator(src, 64)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, f.Close())
	}()

	require.Equal(t, 64, f.TotalFrames())
	require.Equal(t, 64, f.FreeFrames())

	pfn, err := f.AllocateFrames(4)
	require.NoError(t, err)
	require.Equal(t, pages.PFN(0), pfn)
	require.Equal(t, 60, f.FreeFrames())

	frame := f.Frame(pfn + 1)
	require.Len(t, frame, 1024)
	frame[0] = 0xaa

	addr := f.Addr(pfn + 1)
	back, err := f.PFN(addr + 17)
	require.NoError(t, err)
	require.Equal(t, pfn+1, back)
	_, err = f.PFN(pages.PhysAddr(64 * 1024))
	require.Error(t, err)

	f.Ref(pfn + 1)
	require.Equal(t, 2, f.RefCount(pfn+1))
	f.Release(pfn, 4)
	require.Equal(t, 63, f.FreeFrames())
	require.Equal(t, 1, f.RefCount(pfn+1))
	require.True(t, f.Unref(pfn+1))
	require.Equal(t, 64, f.FreeFrames())
	require.NoError(t, f.Validate())

	require.Panics(t, func() { f.Unref(pfn + 1) })

	again, err := f.AllocateFrames(2)
	require.NoError(t, err)
	require.Zero(t, f.Frame(again + 1)[0], "frames are zeroed")

	_, err = f.AllocateFrames(63)
	require.ErrorIs(t, err, kerrors.ErrNoMemory)
	f.Release(again, 2)
}

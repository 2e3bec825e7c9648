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

package vm

import (
	"testing"

	"github.com/stretchr/testify/require"

	kerrors "github.com/containers/vmcore/pkg/kernel/errors"
	"github.com/containers/vmcore/pkg/pages"
)

func TestSwapSlotAllocation(t *testing.T) {
	src, err := pages.NewHeapSource(4096)
	require.NoError(t, err)
	fa, err := pages.NewFrameAllocator(src, 16)
	require.NoError(t, err)
	defer fa.Close()

	v, err := New(fa)
	require.NoError(t, err)
	defer v.Close()

	_, err = v.allocSwapSlots(1)
	require.ErrorIs(t, err, kerrors.ErrNoMemory)

	require.NoError(t, v.AddSwapSpace("swap0", 20))
	require.NoError(t, v.AddSwapSpace("swap1", 20))

	_, err = v.allocSwapSlots(maxSwapRun + 1)
	require.ErrorIs(t, err, kerrors.ErrInvalidArgument)

	// the first area is used until less than a tenth of it is free
	for i := 0; i < 19; i++ {
		slot, err := v.allocSwapSlots(1)
		require.NoError(t, err)
		require.Less(t, slot, SwapSlot(20))
	}
	slot, err := v.allocSwapSlots(1)
	require.NoError(t, err)
	require.Equal(t, SwapSlot(20), slot)

	allocated := 20
	for {
		if _, err := v.allocSwapSlots(1); err != nil {
			require.ErrorIs(t, err, kerrors.ErrNoMemory)
			break
		}
		allocated++
	}
	require.Equal(t, 40, allocated)
	require.Equal(t, SwapStats{Areas: 2, Total: 40, Free: 0}, v.SwapStats())

	v.freeSwapSlots(SwapSlot(25), 1)
	slot, err = v.allocSwapSlots(1)
	require.NoError(t, err)
	require.Equal(t, SwapSlot(25), slot)
}

func TestSwapData(t *testing.T) {
	src, err := pages.NewHeapSource(4096)
	require.NoError(t, err)
	fa, err := pages.NewFrameAllocator(src, 16)
	require.NoError(t, err)
	defer fa.Close()

	v, err := New(fa)
	require.NoError(t, err)
	defer v.Close()

	require.NoError(t, v.AddSwapSpace("swap0", 4))
	require.NoError(t, v.AddSwapSpace("swap1", 4))

	page := make([]byte, 4096)
	for i := range page {
		page[i] = byte(i)
	}
	v.swapOut(SwapSlot(6), page)

	buf := make([]byte, 4096)
	require.NoError(t, v.swapIn(SwapSlot(6), buf))
	require.Equal(t, page, buf)

	require.NoError(t, v.swapIn(SwapSlot(5), buf))
	require.Equal(t, make([]byte, 4096), buf)
}

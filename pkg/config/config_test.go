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

package config_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	cfgapi "github.com/containers/vmcore/pkg/apis/config/v1alpha1"
	"github.com/containers/vmcore/pkg/config"
)

func TestParseOverridesDefaults(t *testing.T) {
	cfg, err := config.Parse([]byte(`
apiVersion: config.vmcore.io/v1alpha1
kind: KernelConfig
memory:
  physicalMemory: 16Mi
  backend: heap
slab:
  strategy: hashed
daemon:
  quantum: 250ms
swap:
  - name: swap0
    size: 1Mi
`))
	require.NoError(t, err)
	require.Equal(t, int64(16<<20), cfg.Memory.PhysicalMemory.Value())
	require.Equal(t, 4096, cfg.PageSize())
	require.Equal(t, 4096, cfg.PhysicalPages())
	require.Equal(t, cfgapi.BackendHeap, cfg.Memory.Backend)
	require.Equal(t, cfgapi.StrategyHashed, cfg.Slab.Strategy)
	require.Equal(t, cfgapi.DefaultMinimumSlabItems, cfg.Slab.MinimumItems)
	require.Equal(t, 250*time.Millisecond, cfg.Daemon.Quantum.Duration)
	require.Len(t, cfg.Swap, 1)
	require.Equal(t, int64(1<<20), cfg.Swap[0].Size.Value())
}

func TestParseRejectsInvalid(t *testing.T) {
	for name, data := range map[string]string{
		"unknown field":    "memory:\n  bogus: 1\n",
		"bad page size":    "memory:\n  pageSize: 3000\n",
		"bad backend":      "memory:\n  backend: floppy\n",
		"bad strategy":     "slab:\n  strategy: scattered\n",
		"zero batch":       "blocks:\n  batchSize: -1\n",
		"wrong kind":       "kind: Pod\n",
		"duplicate swap":   "swap:\n- name: a\n  size: 1Mi\n- name: a\n  size: 1Mi\n",
		"unaligned kernel": "kernel:\n  base: 1000\n",
		"bad log level":    "log:\n  level: loud\n",
		"negative period":  "instrumentation:\n  reportPeriod: -5s\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := config.Parse([]byte(data))
			require.Error(t, err)
		})
	}
}

func TestLoadAndPrint(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	buf := &bytes.Buffer{}
	require.NoError(t, config.Print(buf, cfg))

	path := filepath.Join(t.TempDir(), "vmcore.yaml")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

	loaded, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg.PageSize(), loaded.PageSize())
	require.Equal(t, cfg.PhysicalPages(), loaded.PhysicalPages())
	require.Equal(t, cfg.MaxEmptySlabs(), loaded.MaxEmptySlabs())

	_, err = config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

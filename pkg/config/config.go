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

package config

import (
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
	"sigs.k8s.io/yaml"

	cfgapi "github.com/containers/vmcore/pkg/apis/config/v1alpha1"
	logger "github.com/containers/vmcore/pkg/log"
)

var (
	log = logger.Get("config")
)

// Load reads, parses and validates the configuration file at path.
// An empty path yields the default configuration.
func Load(path string) (*cfgapi.Config, error) {
	if path == "" {
		log.Info("no configuration file given, using defaults")
		return cfgapi.Default(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read configuration file %q", path)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid configuration file %q", path)
	}

	log.Info("loaded configuration from %q", path)

	return cfg, nil
}

// Parse parses configuration data on top of the defaults and validates it.
func Parse(data []byte) (*cfgapi.Config, error) {
	cfg := cfgapi.Default()
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse configuration")
	}

	if cfg.APIVersion != "" && cfg.APIVersion != cfgapi.APIVersion {
		return nil, fmt.Errorf("%w: unsupported apiVersion %q",
			cfgapi.ErrInvalidConfig, cfg.APIVersion)
	}
	if cfg.Kind != "" && cfg.Kind != cfgapi.Kind {
		return nil, fmt.Errorf("%w: unsupported kind %q", cfgapi.ErrInvalidConfig, cfg.Kind)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Print dumps the given configuration as YAML.
func Print(w io.Writer, cfg *cfgapi.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, "failed to marshal configuration")
	}
	_, err = w.Write(data)
	return err
}

// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/stacklok/authcore/pkg/logger"
)

// clientFile is the on-disk layout of an external client file.
type clientFile struct {
	Clients []Client `yaml:"clients"`
}

// LoadClientFile reads additional clients from a YAML file. A missing file is
// not an error and yields no clients.
func LoadClientFile(path string) ([]Client, error) {
	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path) // #nosec G304 - path comes from operator configuration
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logger.Debugw("external client file not present", "path", path)
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read client file %s: %w", path, err)
	}

	var f clientFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse client file %s: %w", path, err)
	}

	logger.Infow("loaded external clients", "path", path, "count", len(f.Clients))
	return f.Clients, nil
}

// Copyright 2024 The Aklite Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package appengine

import (
	"fmt"

	"gopkg.in/yaml.v2"
)

// ComposeService is one service entry in a compose-app's docker-compose.yml.
// Ports is typed []int so a malformed "host:container" string mapping
// fails to parse rather than silently passing validation.
type ComposeService struct {
	Image  string            `yaml:"image"`
	Ports  []int             `yaml:"ports"`
	Labels map[string]string `yaml:"labels"`
}

// ComposeFile is the subset of docker-compose.yml this engine cares about.
type ComposeFile struct {
	Version  string                     `yaml:"version"`
	Services map[string]ComposeService  `yaml:"services"`
}

// ParseCompose parses and validates data as a compose-app manifest: the
// file must parse, and every service must name an image.
func ParseCompose(data []byte) (ComposeFile, error) {
	var cf ComposeFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return ComposeFile{}, fmt.Errorf("appengine: parse compose file: %w", err)
	}
	if len(cf.Services) == 0 {
		return ComposeFile{}, fmt.Errorf("appengine: compose file declares no services")
	}
	for name, svc := range cf.Services {
		if svc.Image == "" {
			return ComposeFile{}, fmt.Errorf("appengine: service %q declares no image", name)
		}
	}
	return cf, nil
}

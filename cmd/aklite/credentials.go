// Copyright 2024 The Aklite Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// dockerConfigCredentials is a concrete capability.CredentialProvider that
// reads the standard docker "auths" map (~/.docker/config.json), the same
// credential store the docker CLI and skopeo itself consult, so a single
// login covers both appengine's registry.Client and the subprocesses
// dockerRuntime shells out to.
type dockerConfigCredentials struct {
	path string
}

func newDockerConfigCredentials() *dockerConfigCredentials {
	home, _ := os.UserHomeDir()
	return &dockerConfigCredentials{path: filepath.Join(home, ".docker", "config.json")}
}

type dockerConfigFile struct {
	Auths map[string]struct {
		Auth string `json:"auth"`
	} `json:"auths"`
}

func (d *dockerConfigCredentials) BasicAuth(registryHost string) (user, pass string, err error) {
	data, err := os.ReadFile(d.path)
	if os.IsNotExist(err) {
		return "", "", nil // no credential store configured; anonymous pull.
	}
	if err != nil {
		return "", "", fmt.Errorf("aklite: read %s: %w", d.path, err)
	}

	var cfg dockerConfigFile
	if err := json.Unmarshal(data, &cfg); err != nil {
		return "", "", fmt.Errorf("aklite: parse %s: %w", d.path, err)
	}

	entry, ok := cfg.Auths[registryHost]
	if !ok {
		return "", "", nil
	}
	decoded, err := base64.StdEncoding.DecodeString(entry.Auth)
	if err != nil {
		return "", "", fmt.Errorf("aklite: decode auth for %s: %w", registryHost, err)
	}
	user, pass, ok = strings.Cut(string(decoded), ":")
	if !ok {
		return "", "", fmt.Errorf("aklite: malformed auth entry for %s", registryHost)
	}
	return user, pass, nil
}

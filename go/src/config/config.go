// Copyright 2024 The Aklite Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package config holds the embedder-supplied Config struct: an enumerated
// set of recognized options instead of loose string-to-string maps. The
// core only ever consumes a *Config; it never reads an environment
// variable or flag itself, except for DOCKER_HOST.
package config

import "os"

// Config is every option the core reads.
type Config struct {
	// ComposeApps is the shortlist of app names to manage; empty means
	// "every app a matching Target names."
	ComposeApps []string

	// ComposeAppsRoot is where appengine stores per-app state
	// (<ComposeAppsRoot>/apps/<name>/<digest>/...).
	ComposeAppsRoot string
	// ResetAppsRoot names an app store directory for embedders that want
	// a clean-slate app store. No code in this module reads it, so the
	// core never wipes it.
	ResetAppsRoot string
	// ImagesDataRoot is the shared content-addressed blob directory
	// (<ImagesDataRoot>/blobs/sha256/<hex>).
	ImagesDataRoot string

	DockerComposeBin string
	ComposectlBin    string

	// DockerHost overrides DOCKER_HOST; if empty, DockerHostOrDefault
	// falls back to the environment variable, then the compiled-in
	// default.
	DockerHost string

	// StorageWatermarkPercent is the reserved-space watermark cmd/aklite
	// passes to the pre-flight storage check (installfsm.Machine's
	// ReservedPercent). ReservedSpacePercent and ReservedSpaceDeltaPercent
	// are not read by any code in this module.
	StorageWatermarkPercent   int
	ReservedSpacePercent      int
	ReservedSpaceDeltaPercent int

	// CreateContainersBeforeReboot is not read by any code in this
	// module: appengine's Install always creates (but does not start) an
	// app's containers, whatever this is set to.
	CreateContainersBeforeReboot bool

	// Tags is this device's tag set, used for Target qualification.
	Tags []string

	// CallbackProgram names a program for lifecycle notifications. No
	// code in this module reads it, so no program is ever invoked.
	CallbackProgram string

	// ForceUpdate bypasses the Planner's "already installed" and
	// "downgrade" short-circuits for a single cycle.
	ForceUpdate bool
	// FullStatusCheck makes the finalize subcommand, after a successful
	// Finalize, ask the runtime whether each current app is running and
	// log a warning for any that is not; it does not change the outcome.
	FullStatusCheck bool
}

const defaultDockerHost = "unix:///var/run/docker.sock"

// DockerHostOrDefault returns c.DockerHost if set, else the DOCKER_HOST
// environment variable, else the compiled-in default. This is the one
// place the core reads the environment directly.
func (c *Config) DockerHostOrDefault() string {
	if c.DockerHost != "" {
		return c.DockerHost
	}
	if v := os.Getenv("DOCKER_HOST"); v != "" {
		return v
	}
	return defaultDockerHost
}

// ManagesApp reports whether name is in the configured shortlist; an
// empty ComposeApps list means every app is managed.
func (c *Config) ManagesApp(name string) bool {
	if len(c.ComposeApps) == 0 {
		return true
	}
	for _, a := range c.ComposeApps {
		if a == name {
			return true
		}
	}
	return false
}

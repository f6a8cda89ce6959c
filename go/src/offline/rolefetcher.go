// Copyright 2024 The Aklite Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package offline implements the Offline Source Adapter (C8): directory-
// backed implementations of tufmeta.RoleFetcher, the app registry protocol,
// and capability.CommitStore, so the same core (tufmeta, installfsm,
// appengine) that drives a networked update can drive one from a single
// pre-staged bundle directory instead.
//
// A bundle directory has the layout:
//
//	tuf/<role>.json            unversioned role pointer
//	tuf/<version>.<role>.json  versioned role snapshot (root rotation)
//	blobs/sha256/<hex>         content-addressed app manifests and layers
//	ostree_repo/<hex>          rootfs commit markers
//	ostree_repo/.state.json    booted/pending/rollback commit pointers
package offline

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/edgefleetio/aklite-core/go/src/tufmeta"
)

// RoleFetcher reads TUF role metadata from a bundle directory's tuf/
// subdirectory in place of a network round trip.
type RoleFetcher struct {
	dir string
}

// NewRoleFetcher returns a RoleFetcher rooted at bundleDir/tuf.
func NewRoleFetcher(bundleDir string) *RoleFetcher {
	return &RoleFetcher{dir: filepath.Join(bundleDir, "tuf")}
}

// FetchRole implements tufmeta.RoleFetcher.
func (f *RoleFetcher) FetchRole(name string, version *int) ([]byte, error) {
	fname := name + ".json"
	if version != nil {
		fname = strconv.Itoa(*version) + "." + fname
	}
	data, err := os.ReadFile(filepath.Join(f.dir, fname))
	if os.IsNotExist(err) {
		return nil, tufmeta.ErrRoleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("offline: read role %s: %w", name, err)
	}
	return data, nil
}

// Copyright 2024 The Aklite Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package tufmeta

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/edgefleetio/aklite-core/tools/lib/atomicfile"
)

// roleNames is the fixed set of top-level roles this client persists.
var roleNames = []string{"root", "timestamp", "snapshot", "targets"}

// LocalStore persists the last-trusted bytes of each role as
// "<role>.json" in a directory, written via atomicfile so a crash mid-write
// never corrupts the previously trusted copy.
type LocalStore struct {
	dir string
}

// NewLocalStore opens (creating if absent) dir as a LocalStore.
func NewLocalStore(dir string) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("tufmeta: mkdir %s: %w", dir, err)
	}
	return &LocalStore{dir: dir}, nil
}

func (s *LocalStore) path(role string) string {
	return filepath.Join(s.dir, role+".json")
}

// Get returns the persisted bytes for role, or ok=false if none trusted yet.
func (s *LocalStore) Get(role string) (data []byte, ok bool, err error) {
	data, err = os.ReadFile(s.path(role))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("tufmeta: read %s: %w", role, err)
	}
	return data, true, nil
}

// Set atomically persists data as the new trusted copy of role.
func (s *LocalStore) Set(role string, data []byte) error {
	if err := atomicfile.WriteBytes(s.path(role), 0644, data); err != nil {
		return fmt.Errorf("tufmeta: persist %s: %w", role, err)
	}
	return nil
}

// All returns every persisted role's bytes, keyed by role name.
func (s *LocalStore) All() (map[string][]byte, error) {
	out := map[string][]byte{}
	for _, role := range roleNames {
		data, ok, err := s.Get(role)
		if err != nil {
			return nil, err
		}
		if ok {
			out[role] = data
		}
	}
	return out, nil
}

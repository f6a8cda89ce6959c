// Copyright 2024 The Aklite Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package appengine

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/edgefleetio/aklite-core/tools/lib/atomicfile"
)

// State is one app's on-disk lifecycle state.
type State int

const (
	StateUnknown State = iota
	StateDownloaded
	StateVerified
	StatePulled
	StateInstalled
	StateStarted
)

func (s State) String() string {
	switch s {
	case StateUnknown:
		return "unknown"
	case StateDownloaded:
		return "downloaded"
	case StateVerified:
		return "verified"
	case StatePulled:
		return "pulled"
	case StateInstalled:
		return "installed"
	case StateStarted:
		return "started"
	default:
		return "unknown"
	}
}

// metaDir returns the .meta subdirectory for an app directory.
func metaDir(appDir string) string { return filepath.Join(appDir, ".meta") }

// readMeta returns the persisted (uri, state) pair for appDir. Absent files
// read back as ("", StateUnknown) rather than erroring, since a never-
// fetched app has no meta directory at all.
func readMeta(appDir string) (uri string, state State, err error) {
	m := metaDir(appDir)
	uriBytes, err := os.ReadFile(filepath.Join(m, ".version"))
	if err != nil {
		if os.IsNotExist(err) {
			return "", StateUnknown, nil
		}
		return "", StateUnknown, fmt.Errorf("appengine: read .version: %w", err)
	}
	stateBytes, err := os.ReadFile(filepath.Join(m, ".state"))
	if err != nil {
		if os.IsNotExist(err) {
			return string(uriBytes), StateUnknown, nil
		}
		return "", StateUnknown, fmt.Errorf("appengine: read .state: %w", err)
	}
	n, err := strconv.Atoi(string(stateBytes))
	if err != nil {
		return "", StateUnknown, fmt.Errorf("appengine: malformed .state: %w", err)
	}
	return string(uriBytes), State(n), nil
}

// writeMeta persists uri and state, each via write-temp-then-rename.
func writeMeta(appDir, uri string, state State) error {
	m := metaDir(appDir)
	if err := os.MkdirAll(m, 0755); err != nil {
		return fmt.Errorf("appengine: mkdir %s: %w", m, err)
	}
	if err := atomicfile.WriteBytes(filepath.Join(m, ".version"), 0644, []byte(uri)); err != nil {
		return err
	}
	return atomicfile.WriteBytes(filepath.Join(m, ".state"), 0644, []byte(strconv.Itoa(int(state))))
}

// currentState returns the state to treat app as being in: if the
// persisted .version no longer matches uri, the on-disk directory belongs
// to a different app version and its recorded state is irrelevant: the
// caller starts over from unknown.
func currentState(appDir, uri string) (State, error) {
	gotURI, state, err := readMeta(appDir)
	if err != nil {
		return StateUnknown, err
	}
	if gotURI != uri {
		return StateUnknown, nil
	}
	return state, nil
}

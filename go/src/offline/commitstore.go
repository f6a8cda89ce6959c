// Copyright 2024 The Aklite Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package offline

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/edgefleetio/aklite-core/tools/lib/atomicfile"
)

// commitState is CommitStore's persisted booted/pending/rollback pointers,
// the offline equivalent of the bootloader's own record — it has to
// survive the adapter being recreated across a simulated reboot.
type commitState struct {
	Booted   string `json:"booted"`
	Pending  string `json:"pending"`
	Rollback string `json:"rollback"`
}

// CommitStore is a directory-backed capability.CommitStore: commits are
// pre-staged files under repoDir (the bundle's ostree_repo), and booted/
// pending/rollback pointers persist in repoDir/.state.json, written via
// atomicfile so a crash mid-write never loses the last-known-good pointer.
type CommitStore struct {
	mu      sync.Mutex
	repoDir string
}

func statePath(repoDir string) string { return filepath.Join(repoDir, ".state.json") }

// NewCommitStore opens (creating if absent) repoDir as a CommitStore. If no
// state file exists yet, initialBootedHash seeds it — the offline
// equivalent of a freshly flashed device's booted commit.
func NewCommitStore(repoDir, initialBootedHash string) (*CommitStore, error) {
	if err := os.MkdirAll(repoDir, 0755); err != nil {
		return nil, fmt.Errorf("offline: mkdir %s: %w", repoDir, err)
	}
	s := &CommitStore{repoDir: repoDir}
	if _, err := os.Stat(statePath(repoDir)); os.IsNotExist(err) {
		if err := s.writeState(commitState{Booted: initialBootedHash}); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, fmt.Errorf("offline: stat state file: %w", err)
	}
	return s, nil
}

func (s *CommitStore) readState() (commitState, error) {
	data, err := os.ReadFile(statePath(s.repoDir))
	if err != nil {
		return commitState{}, fmt.Errorf("offline: read state: %w", err)
	}
	var st commitState
	if err := json.Unmarshal(data, &st); err != nil {
		return commitState{}, fmt.Errorf("offline: parse state: %w", err)
	}
	return st, nil
}

func (s *CommitStore) writeState(st commitState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("offline: marshal state: %w", err)
	}
	if err := atomicfile.WriteBytes(statePath(s.repoDir), 0644, data); err != nil {
		return fmt.Errorf("offline: persist state: %w", err)
	}
	return nil
}

func (s *CommitStore) commitPath(hash string) string {
	return filepath.Join(s.repoDir, hash)
}

// HasCommit reports whether hash's content is staged in repoDir.
func (s *CommitStore) HasCommit(hash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := os.Stat(s.commitPath(hash))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("offline: stat commit %s: %w", hash, err)
	}
	return true, nil
}

// PullCommit is a no-op if hash is already staged in repoDir. Otherwise it
// copies the commit content from source/<hash> (a second bundle, e.g. a
// USB stick staged alongside this one) into repoDir, reporting the single
// whole-file transfer as one progress callback since offline content is
// never chunked.
func (s *CommitStore) PullCommit(ctx context.Context, hash, source string, progress func(receivedBytes, totalBytes int64)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.commitPath(hash)); err == nil {
		if progress != nil {
			progress(1, 1)
		}
		return nil
	}

	if source == "" {
		return fmt.Errorf("offline: commit %s not staged in bundle and no fallback source given", hash)
	}
	srcPath := filepath.Join(source, hash)
	in, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("offline: commit %s not found at %s: %w", hash, srcPath, err)
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return fmt.Errorf("offline: stat %s: %w", srcPath, err)
	}

	err = atomicfile.Write(s.commitPath(hash), 0644, func(f *os.File) error {
		_, werr := io.Copy(f, in)
		return werr
	})
	if err != nil {
		return fmt.Errorf("offline: stage commit %s: %w", hash, err)
	}
	if progress != nil {
		progress(info.Size(), info.Size())
	}
	return nil
}

// Deploy records hash as the pending deployment, to take effect on the
// next simulated reboot (see Reboot).
func (s *CommitStore) Deploy(hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := os.Stat(s.commitPath(hash)); err != nil {
		return fmt.Errorf("offline: deploy of unstaged commit %s", hash)
	}
	st, err := s.readState()
	if err != nil {
		return err
	}
	st.Pending = hash
	return s.writeState(st)
}

// ListDeployments returns the booted commit and, if one is pending, that
// commit too.
func (s *CommitStore) ListDeployments() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.readState()
	if err != nil {
		return nil, err
	}
	out := []string{st.Booted}
	if st.Pending != "" {
		out = append(out, st.Pending)
	}
	return out, nil
}

func (s *CommitStore) CurrentBootedHash() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.readState()
	if err != nil {
		return "", err
	}
	return st.Booted, nil
}

func (s *CommitStore) PendingHash() (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.readState()
	if err != nil {
		return "", false, err
	}
	return st.Pending, st.Pending != "", nil
}

func (s *CommitStore) RollbackHash() (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.readState()
	if err != nil {
		return "", false, err
	}
	return st.Rollback, st.Rollback != "", nil
}

// SetMinFreeSpace is a no-op: an offline bundle's storage budget is fixed
// at staging time, not adjusted at runtime.
func (s *CommitStore) SetMinFreeSpace(percent int) error { return nil }

// Reboot simulates the bootloader bringing up the pending deployment: it
// moves the prior booted commit to Rollback and promotes Pending to
// Booted. Nothing in the core calls this; it exists for the offline demo
// driver (cmd/aklite's "simulate-reboot" subcommand) and tests that need
// to cross the reboot boundary explicitly.
func (s *CommitStore) Reboot() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.readState()
	if err != nil {
		return err
	}
	if st.Pending == "" {
		return nil
	}
	st.Rollback = st.Booted
	st.Booted = st.Pending
	st.Pending = ""
	return s.writeState(st)
}

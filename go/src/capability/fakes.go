// Copyright 2024 The Aklite Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package capability

import (
	"context"
	"fmt"
	"sync"
)

// FakeCommitStore is a hand-written fake of CommitStore, in the style of
// cmd/dev_finder's fakeMDNS: exported fields the test arranges directly,
// plus the interface methods.
type FakeCommitStore struct {
	mu sync.Mutex

	Commits  map[string]bool
	Booted   string
	Pending  string
	Rollback string

	PullErr   error
	DeployErr error
}

func NewFakeCommitStore(booted string) *FakeCommitStore {
	return &FakeCommitStore{Commits: map[string]bool{booted: true}, Booted: booted}
}

func (f *FakeCommitStore) HasCommit(hash string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Commits[hash], nil
}

func (f *FakeCommitStore) PullCommit(ctx context.Context, hash, source string, progress func(int64, int64)) error {
	if f.PullErr != nil {
		return f.PullErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Commits == nil {
		f.Commits = map[string]bool{}
	}
	f.Commits[hash] = true
	if progress != nil {
		progress(1, 1)
	}
	return nil
}

func (f *FakeCommitStore) Deploy(hash string) error {
	if f.DeployErr != nil {
		return f.DeployErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.Commits[hash] {
		return fmt.Errorf("fake commit store: deploy of unknown commit %s", hash)
	}
	f.Pending = hash
	return nil
}

func (f *FakeCommitStore) ListDeployments() ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []string{f.Booted}
	if f.Pending != "" {
		out = append(out, f.Pending)
	}
	return out, nil
}

func (f *FakeCommitStore) CurrentBootedHash() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Booted, nil
}

func (f *FakeCommitStore) PendingHash() (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Pending, f.Pending != "", nil
}

func (f *FakeCommitStore) RollbackHash() (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Rollback, f.Rollback != "", nil
}

func (f *FakeCommitStore) SetMinFreeSpace(percent int) error { return nil }

// RebootInto simulates a reboot: the pending deployment is consumed and
// the device comes up on hash — pass the pending hash for a successful
// boot, or the old booted hash for a bootloader fallback.
func (f *FakeCommitStore) RebootInto(hash string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Pending != "" && f.Pending != hash {
		f.Rollback = f.Pending
	}
	f.Pending = ""
	f.Booted = hash
}

// FakeRuntime is a hand-written fake of Runtime.
type FakeRuntime struct {
	mu sync.Mutex

	Containers  map[string]ContainerInfo
	StartErr    map[string]error
	LoadedPaths []string
}

func NewFakeRuntime() *FakeRuntime {
	return &FakeRuntime{Containers: map[string]ContainerInfo{}, StartErr: map[string]error{}}
}

func (f *FakeRuntime) ListContainers(ctx context.Context) ([]ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ContainerInfo, 0, len(f.Containers))
	for _, c := range f.Containers {
		out = append(out, c)
	}
	return out, nil
}

func (f *FakeRuntime) PruneImages(ctx context.Context) error    { return nil }
func (f *FakeRuntime) PruneContainers(ctx context.Context) error { return nil }

func (f *FakeRuntime) LoadImage(ctx context.Context, ociLayoutDir string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.LoadedPaths = append(f.LoadedPaths, ociLayoutDir)
	return nil
}

// SetRunning marks appName as running. A non-nil err is stored in StartErr
// instead and the app is not marked running; nothing in the fake reads
// StartErr.
func (f *FakeRuntime) SetRunning(appName string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err != nil {
		f.StartErr[appName] = err
		return
	}
	f.Containers[appName] = ContainerInfo{AppName: appName, State: "running"}
}

// FakeBootFlags is a hand-written fake of BootFlags backed by a map.
type FakeBootFlags struct {
	mu     sync.Mutex
	values map[string]string
}

func NewFakeBootFlags() *FakeBootFlags {
	return &FakeBootFlags{values: map[string]string{}}
}

func (f *FakeBootFlags) Get(name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.values[name], nil
}

func (f *FakeBootFlags) Set(name, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[name] = value
	return nil
}

// FakeCredentialProvider always returns a fixed user/pass pair.
type FakeCredentialProvider struct {
	User, Pass string
}

func (f FakeCredentialProvider) BasicAuth(registryHost string) (string, string, error) {
	return f.User, f.Pass, nil
}

// FakeReportSink records every payload sent to it.
type FakeReportSink struct {
	mu       sync.Mutex
	Payloads [][]byte
	SendErr  error
}

func (f *FakeReportSink) Send(ctx context.Context, payload []byte) error {
	if f.SendErr != nil {
		return f.SendErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Payloads = append(f.Payloads, payload)
	return nil
}

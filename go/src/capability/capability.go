// Copyright 2024 The Aklite Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package capability holds the interfaces for every external collaborator
// the core consumes: CommitStore, Runtime, BootFlags, CredentialProvider,
// ReportSink, and the cooperative-cancellation FlowControl token. These
// are plain capability records (interfaces of function pointers, in
// Go terms) passed into the core at construction, not types the core
// switches on.
package capability

import (
	"context"
	"errors"
)

// ErrRuntimeNeedsRestart is returned by Runtime methods when the container
// runtime daemon itself must restart before any further container
// lifecycle call can succeed (e.g. after a daemon upgrade).
var ErrRuntimeNeedsRestart = errors.New("capability: container runtime needs restart")

// CommitStore is the rootfs commit store capability (C3's external half).
type CommitStore interface {
	HasCommit(hash string) (bool, error)
	PullCommit(ctx context.Context, hash, source string, progress func(receivedBytes, totalBytes int64)) error
	Deploy(hash string) error
	ListDeployments() ([]string, error)
	CurrentBootedHash() (string, error)
	PendingHash() (string, bool, error)
	RollbackHash() (string, bool, error)
	SetMinFreeSpace(percent int) error
}

// ContainerInfo is the subset of a Runtime-reported container that the
// core needs to decide whether an app is running.
type ContainerInfo struct {
	AppName string
	Image   string
	State   string // "running", "exited", ...
}

// Runtime is the container runtime capability (C4's external half).
type Runtime interface {
	ListContainers(ctx context.Context) ([]ContainerInfo, error)
	PruneImages(ctx context.Context) error
	PruneContainers(ctx context.Context) error
	LoadImage(ctx context.Context, ociLayoutDir string) error
}

// BootFlags is the bootloader-variable capability.
type BootFlags interface {
	Get(name string) (string, error)
	Set(name, value string) error
}

// CredentialProvider supplies the basic-auth credential used to exchange
// for a bearer token; it is never asked to do the HTTP
// round trip itself.
type CredentialProvider interface {
	BasicAuth(registryHost string) (user, pass string, err error)
}

// ReportSink is the best-effort telemetry transport events are flushed to.
type ReportSink interface {
	Send(ctx context.Context, payload []byte) error
}

// FlowControl is the cooperative cancellation token passed into
// long-running loops (blob downloads, commit pulls, per-app fetch
// iterations). There is no forced cancellation; callers poll Done between
// chunks/items.
type FlowControl interface {
	// Done returns true once cancellation has been requested.
	Done() bool
}

// AlwaysContinue is a FlowControl that never requests cancellation.
type AlwaysContinue struct{}

func (AlwaysContinue) Done() bool { return false }

// ContextFlowControl adapts a context.Context to FlowControl.
type ContextFlowControl struct{ Ctx context.Context }

func (c ContextFlowControl) Done() bool {
	select {
	case <-c.Ctx.Done():
		return true
	default:
		return false
	}
}

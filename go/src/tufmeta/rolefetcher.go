// Copyright 2024 The Aklite Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package tufmeta implements the TUF Client (C1): iterative root rotation,
// timestamp/snapshot/targets refresh and validation, persistence of
// trusted metadata, and hardware-id/tag-filtered Target listing. It is
// source-agnostic: the same code drives both the network (HTTPFetcher)
// and the offline directory adapter (go/src/offline).
package tufmeta

import "errors"

// ErrRoleNotFound is the source-agnostic "404" RoleFetcher contract:
// both the HTTPS fetcher and the offline directory adapter return it when
// asked for a role/version that does not exist.
var ErrRoleNotFound = errors.New("tufmeta: role not found")

// RoleFetcher is the single capability the TUF client needs from its
// transport: fetch the named role's metadata bytes, optionally at a
// specific version. version == nil fetches the unversioned pointer
// ("<role>.json"); otherwise the versioned form ("<version>.<role>.json").
type RoleFetcher interface {
	FetchRole(name string, version *int) ([]byte, error)
}

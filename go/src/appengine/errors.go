// Copyright 2024 The Aklite Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package appengine

import "fmt"

// ErrInsufficientSpace mirrors storage.ErrInsufficientSpace's shape for
// the in-flight case: raised during a pull when the underlying store
// reports it, carrying Required so the caller can cache
// the figure and short-circuit future attempts.
type ErrInsufficientSpace struct {
	App      string
	Required int64
}

func (e *ErrInsufficientSpace) Error() string {
	return fmt.Sprintf("appengine: insufficient space fetching %s: required %d bytes", e.App, e.Required)
}

// ErrVerificationFailed marks a permanent content-digest mismatch; the
// partially written object has already been removed.
type ErrVerificationFailed struct {
	App    string
	Object string
	Err    error
}

func (e *ErrVerificationFailed) Error() string {
	return fmt.Sprintf("appengine: %s: verification failed for %s: %v", e.App, e.Object, e.Err)
}
func (e *ErrVerificationFailed) Unwrap() error { return e.Err }

// ErrComposeInvalid marks a malformed or non-conforming compose manifest.
type ErrComposeInvalid struct {
	App    string
	Reason string
}

func (e *ErrComposeInvalid) Error() string {
	return fmt.Sprintf("appengine: %s: invalid compose manifest: %s", e.App, e.Reason)
}

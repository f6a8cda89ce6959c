// Copyright 2024 The Aklite Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package installfsm

import "fmt"

// ErrTargetNotFound wraps a planner refusal (unknown candidate, or a
// rollback target the Planner could not resolve) into a state-machine-level
// error; no device state is touched before this is returned.
type ErrTargetNotFound struct{ Reason string }

func (e *ErrTargetNotFound) Error() string { return fmt.Sprintf("installfsm: target not found: %s", e.Reason) }

// ErrNoPendingInstallation is returned by Finalize when there is nothing to
// finalize.
type ErrNoPendingInstallation struct{}

func (e *ErrNoPendingInstallation) Error() string { return "installfsm: no pending installation" }

// ErrDownloadFailed marks a transient fetch/pull failure exhausted its
// retries.
type ErrDownloadFailed struct {
	Reason string
	Err    error
}

func (e *ErrDownloadFailed) Error() string {
	return fmt.Sprintf("installfsm: download failed (%s): %v", e.Reason, e.Err)
}
func (e *ErrDownloadFailed) Unwrap() error { return e.Err }

// ErrInstallFailed marks a fatal commit-deploy or app-install failure.
// Install returns it before any reboot boundary, while the prior current
// Target is still booted; Finalize also returns it when a rollback step
// (redeploying the prior commit or restarting its apps) fails.
type ErrInstallFailed struct {
	Reason string
	Err    error
}

func (e *ErrInstallFailed) Error() string {
	return fmt.Sprintf("installfsm: install failed (%s): %v", e.Reason, e.Err)
}
func (e *ErrInstallFailed) Unwrap() error { return e.Err }

// Copyright 2024 The Aklite Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package installfsm implements the Install State Machine (C7): the
// two-phase install/reboot/finalize workflow, persisted PendingInstall and
// BootFwRecord, and the rollback-on-failure logic, orchestrating the Commit
// Store and App Engine capabilities under a planner.Plan decision.
package installfsm

// PostInstallStatus is the state machine's success-path result, handed to
// the embedding caller to decide what to do next (reboot, restart the
// container runtime, or nothing).
type PostInstallStatus int

const (
	Ok PostInstallStatus = iota
	NeedReboot
	NeedRebootForBootFw
	NeedDockerRestart
	AlreadyInstalled
	DowngradeAttempt
	RollbackOk
	RollbackNeedReboot
	RollbackToUnknown
	RollbackFailed
)

func (s PostInstallStatus) String() string {
	switch s {
	case Ok:
		return "Ok"
	case NeedReboot:
		return "NeedReboot"
	case NeedRebootForBootFw:
		return "NeedRebootForBootFw"
	case NeedDockerRestart:
		return "NeedDockerRestart"
	case AlreadyInstalled:
		return "AlreadyInstalled"
	case DowngradeAttempt:
		return "DowngradeAttempt"
	case RollbackOk:
		return "RollbackOk"
	case RollbackNeedReboot:
		return "RollbackNeedReboot"
	case RollbackToUnknown:
		return "RollbackToUnknown"
	case RollbackFailed:
		return "RollbackFailed"
	default:
		return "Unknown"
	}
}

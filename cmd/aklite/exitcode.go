// Copyright 2024 The Aklite Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package main

import "github.com/edgefleetio/aklite-core/go/src/installfsm"

// Exit codes for the embedding CLI: a stable numeric taxonomy
// so wrapper scripts can distinguish outcomes without parsing log text.
const (
	exitOk                              = 0
	exitOkNeedsRebootForBootFw          = 5
	exitTufMetaPullFailure              = 10
	exitTufTargetNotFound               = 20
	exitInstallationInProgress          = 30
	exitNoPendingInstallation           = 40
	exitDownloadFailure                 = 50
	exitDownloadFailureNoSpace          = 60
	exitDownloadFailureVerification     = 70
	exitInstallAppPullFailure           = 80
	exitInstallNeedsRebootForBootFw     = 90
	exitInstallNeedsReboot              = 100
	exitInstallRollbackOk               = 110
	exitInstallRollbackNeedsReboot      = 120
	exitInstallRollbackFailed           = 130
)

// postInstallExitCode maps a successful Machine.Install/Finalize outcome to
// its exit code.
func postInstallExitCode(status installfsm.PostInstallStatus) int {
	switch status {
	case installfsm.Ok, installfsm.AlreadyInstalled, installfsm.DowngradeAttempt:
		return exitOk
	case installfsm.NeedReboot, installfsm.NeedDockerRestart:
		return exitInstallNeedsReboot
	case installfsm.NeedRebootForBootFw:
		return exitInstallNeedsRebootForBootFw
	case installfsm.RollbackOk:
		return exitInstallRollbackOk
	case installfsm.RollbackNeedReboot:
		return exitInstallRollbackNeedsReboot
	case installfsm.RollbackToUnknown, installfsm.RollbackFailed:
		return exitInstallRollbackFailed
	default:
		return exitOk
	}
}

// Copyright 2024 The Aklite Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package installfsm

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/edgefleetio/aklite-core/go/src/capability"
	"github.com/edgefleetio/aklite-core/go/src/planner"
	"github.com/edgefleetio/aklite-core/go/src/report"
	"github.com/edgefleetio/aklite-core/go/src/storage"
	"github.com/edgefleetio/aklite-core/go/src/store"
	"github.com/edgefleetio/aklite-core/go/src/target"
	"github.com/edgefleetio/aklite-core/tools/lib/golog"
	"github.com/edgefleetio/aklite-core/tools/lib/retry"
)

// AppEngine is the subset of appengine.Engine the state machine drives. It
// is an interface, not the concrete type, so a fake can stand in for tests
// that are not exercising the OCI/compose machinery itself.
type AppEngine interface {
	Fetch(ctx context.Context, app target.App, flow capability.FlowControl) error
	Verify(app target.App) error
	Install(ctx context.Context, app target.App) error
	Run(ctx context.Context, app target.App) error
}

// Machine is the Install State Machine (C7). It owns no lock itself — the
// caller acquires tools/lib/lockset's update lock before calling Install or
// Finalize.
type Machine struct {
	Store     *store.Store
	Commits   capability.CommitStore
	Apps      AppEngine
	BootFlags capability.BootFlags
	Reports   *report.Queue // nil disables event reporting

	// CommitSourceURL is passed through to CommitStore.PullCommit as the
	// pull source; its shape is owned entirely by the CommitStore capability.
	CommitSourceURL string

	// Flow is handed to Apps.Fetch for each app, which polls it while
	// fetching; nil never cancels.
	Flow capability.FlowControl

	// Stat/RootPath/ReservedPercent parameterize the pre-flight storage
	// check (storage.NewUsage). A nil Stat disables pre-flight entirely.
	Stat            storage.StatFunc
	RootPath        string
	ReservedPercent int

	// EstimateRequiredBytes optionally estimates the bytes a Target's
	// install will require, for the pre-flight check. Returning ok=false
	// skips pre-flight and relies on in-stream failure.
	EstimateRequiredBytes func(tgt target.Target) (bytes int64, ok bool)
}

// CurrentTarget reconstructs the Planner's "current" input from the
// persisted log, falling back to the synthetic initial Target
// on a device's first cycle.
func (m *Machine) CurrentTarget() (target.Target, error) {
	recs, err := m.Store.AllVersionRecords()
	if err != nil {
		return target.Target{}, err
	}
	for _, r := range recs {
		if r.Mode == store.ModeCurrent {
			return targetFromRecord(r), nil
		}
	}
	booted, err := m.Commits.CurrentBootedHash()
	if err != nil {
		return target.Target{}, fmt.Errorf("installfsm: current booted hash: %w", err)
	}
	return target.NewInitial(shaFromHashString(booted)), nil
}

// shaFromHashString decodes a commit store hash string (lowercase hex, per
// the boundary convention) into the fixed-size digest Target uses
// internally. A malformed hash (wrong length, non-hex) yields the zero
// digest rather than erroring: this only feeds the synthetic initial
// Target's identity, which is never matched against a TUF-signed sha256.
func shaFromHashString(s string) [32]byte {
	var sha [32]byte
	if b, err := hex.DecodeString(s); err == nil && len(b) == 32 {
		copy(sha[:], b)
	}
	return sha
}

func (m *Machine) pushEvent(corr string, kind report.Kind, tgt target.Target, success bool) {
	if m.Reports == nil {
		return
	}
	m.Reports.Push(report.Event{
		Kind:          kind,
		CorrelationID: corr,
		TargetName:    tgt.Name(),
		Version:       tgt.Version().String(),
		Success:       success,
	})
}

// Install executes plan, the Planner's (C6) decision, implementing
// the Idle -> Downloading -> {Installed-AwaitingReboot,
// Installed-BootFwNeedsReboot, Rollback-Needed} transitions.
func (m *Machine) Install(ctx context.Context, plan planner.Plan) (PostInstallStatus, error) {
	switch plan.Kind {
	case planner.TufTargetNotFound, planner.RollbackTargetNotFound, planner.BadRollbackTarget, planner.BadCheckinStatus:
		return 0, &ErrTargetNotFound{Reason: plan.Reason}
	case planner.NoUpdate:
		if !plan.HasTarget {
			return DowngradeAttempt, nil
		}
		return AlreadyInstalled, nil
	case planner.TargetAlreadyInstalled:
		return AlreadyInstalled, nil
	}

	return m.installTarget(ctx, plan.Target)
}

func (m *Machine) installTarget(ctx context.Context, tgt target.Target) (PostInstallStatus, error) {
	bootfwRec, err := m.Store.GetBootFwRecord()
	if err != nil {
		return 0, err
	}
	if bootfwRec.BootupgradeAvailable > 0 {
		// Decision: refuse all work, apps-only included, until the prior
		// boot-fw update is reboot-confirmed.
		return NeedRebootForBootFw, nil
	}

	if cached, ok, err := m.Store.GetDownloadFailureCache(); err == nil && ok && cached.Digest == tgt.Sha256Hex() {
		if insufficient, cerr := m.checkSpace(cached.RequiredBytes); cerr == nil && insufficient != nil {
			return 0, insufficient
		}
	}

	currentBooted, err := m.Commits.CurrentBootedHash()
	if err != nil {
		return 0, fmt.Errorf("installfsm: current booted hash: %w", err)
	}
	rootfsChanged := tgt.Sha256Hex() != currentBooted

	corr := report.NewCorrelationID()
	golog.Infof(ctx, "installing %s (version %s, rootfs changed: %v)", tgt.Name(), tgt.Version(), rootfsChanged)
	m.pushEvent(corr, report.DownloadStarted, tgt, true)

	if required, ok := m.estimate(tgt); ok {
		if insufficient, err := m.checkSpace(required); err != nil {
			return 0, err
		} else if insufficient != nil {
			m.Store.PutDownloadFailureCache(store.DownloadFailureRecord{
				Digest: tgt.Sha256Hex(), RequiredBytes: insufficient.Required, AvailableAtFailure: insufficient.Available,
			})
			m.pushEvent(corr, report.DownloadCompleted, tgt, false)
			return 0, insufficient
		}
	}

	if rootfsChanged {
		has, err := m.Commits.HasCommit(tgt.Sha256Hex())
		if err != nil {
			return 0, err
		}
		if !has {
			golog.Infof(ctx, "pulling commit %s", tgt.Sha256Hex())
			err := retry.Do(ctx, retry.NewExponentialBackoff(500*time.Millisecond, 3), func() error {
				return m.Commits.PullCommit(ctx, tgt.Sha256Hex(), m.CommitSourceURL, nil)
			})
			if err != nil {
				m.pushEvent(corr, report.DownloadCompleted, tgt, false)
				return 0, &ErrDownloadFailed{Reason: "commit pull", Err: err}
			}
		}
	}

	flow := m.Flow
	if flow == nil {
		flow = capability.AlwaysContinue{}
	}
	for _, app := range tgt.Apps() {
		if err := m.Apps.Fetch(ctx, app, flow); err != nil {
			m.pushEvent(corr, report.DownloadCompleted, tgt, false)
			return 0, &ErrDownloadFailed{Reason: "app " + app.Name + " fetch", Err: err}
		}
		if err := m.Apps.Verify(app); err != nil {
			m.pushEvent(corr, report.DownloadCompleted, tgt, false)
			return 0, err
		}
	}

	m.pushEvent(corr, report.DownloadCompleted, tgt, true)
	m.Store.ClearDownloadFailureCache()
	m.pushEvent(corr, report.InstallStarted, tgt, true)

	if rootfsChanged {
		golog.Infof(ctx, "deploying commit %s", tgt.Sha256Hex())
		if err := m.Commits.Deploy(tgt.Sha256Hex()); err != nil {
			return 0, &ErrInstallFailed{Reason: "commit deploy", Err: err}
		}
	}

	bootfwChanged := tgt.BootfwVersion() != nil && bootfwRec.BootfwVersion != *tgt.BootfwVersion()
	if bootfwChanged {
		if err := m.Store.PutBootFwRecord(store.BootFwRecord{BootfwVersion: *tgt.BootfwVersion(), BootupgradeAvailable: 1}); err != nil {
			return 0, err
		}
	}

	appRefs := refsFromApps(tgt.Apps())
	rec := store.VersionRecord{TargetName: tgt.Name(), Version: tgt.Version().String(), Sha256Hex: tgt.Sha256Hex(), Mode: store.ModePending, Apps: appRefs, InstalledAt: time.Now()}
	if err := m.Store.PutVersionRecord(rec); err != nil {
		return 0, err
	}

	if rootfsChanged || bootfwChanged {
		mode := "all"
		if !rootfsChanged {
			mode = "apps_only"
		}
		if err := m.Store.PutPendingInstall(store.PendingInstall{TargetName: tgt.Name(), CorrelationID: corr, Mode: mode, Apps: appRefs, CreatedAt: time.Now()}); err != nil {
			return 0, err
		}
		m.pushEvent(corr, report.InstallApplied, tgt, true)
		golog.Infof(ctx, "%s deployed, awaiting reboot", tgt.Name())
		if bootfwChanged {
			return NeedRebootForBootFw, nil
		}
		return NeedReboot, nil
	}

	// Apps-only, no reboot boundary: install and start immediately.
	if err := m.startApps(ctx, tgt.Apps()); err != nil {
		if errors.Is(err, capability.ErrRuntimeNeedsRestart) {
			if perr := m.Store.PutPendingInstall(store.PendingInstall{TargetName: tgt.Name(), CorrelationID: corr, Mode: "apps_only", Apps: appRefs, CreatedAt: time.Now()}); perr != nil {
				return 0, perr
			}
			return NeedDockerRestart, nil
		}
		return m.rollback(ctx, store.PendingInstall{TargetName: tgt.Name(), CorrelationID: corr, Mode: "apps_only", Apps: appRefs}, "app start failed: "+err.Error())
	}

	if err := m.promoteCurrent(rec); err != nil {
		return 0, err
	}
	m.pushEvent(corr, report.InstallCompleted, tgt, true)
	golog.Infof(ctx, "%s is now current", tgt.Name())
	return Ok, nil
}

func (m *Machine) estimate(tgt target.Target) (int64, bool) {
	if m.EstimateRequiredBytes == nil {
		return 0, false
	}
	return m.EstimateRequiredBytes(tgt)
}

// checkSpace returns a non-nil *storage.ErrInsufficientSpace if a pre-flight
// check was possible and failed; it returns (nil, nil) when pre-flight is
// disabled (no Stat configured) so callers fall back to in-stream failure.
func (m *Machine) checkSpace(required int64) (*storage.ErrInsufficientSpace, error) {
	if m.Stat == nil {
		return nil, nil
	}
	usage, err := storage.NewUsage(m.Stat, m.RootPath, storage.ClampWatermark(m.ReservedPercent))
	if err != nil {
		return nil, err
	}
	usage = usage.WithRequired(required)
	if err := usage.Check(); err != nil {
		var insufficient *storage.ErrInsufficientSpace
		if errors.As(err, &insufficient) {
			return insufficient, nil
		}
		return nil, err
	}
	return nil, nil
}

func (m *Machine) startApps(ctx context.Context, apps []target.App) error {
	for _, app := range apps {
		if err := m.Apps.Install(ctx, app); err != nil {
			return err
		}
		if err := m.Apps.Run(ctx, app); err != nil {
			return err
		}
	}
	return nil
}

func (m *Machine) promoteCurrent(rec store.VersionRecord) error {
	rec.Mode = store.ModeCurrent
	if err := m.Store.SetCurrent(rec); err != nil {
		return err
	}
	appNames := make([]string, len(rec.Apps))
	for i, a := range rec.Apps {
		appNames[i] = a.Name
	}
	return m.Store.WriteCurrentTargetFile(store.CurrentTargetFields{
		TargetName:    rec.TargetName,
		CustomVersion: rec.Version,
		ContainersSha: rec.Sha256Hex,
	})
}

// Finalize implements the post-reboot transitions:
// Installed-AwaitingReboot -> Finalized on success, or -> Rollback-Needed on
// a booted-hash mismatch or an app start failure.
func (m *Machine) Finalize(ctx context.Context) (PostInstallStatus, error) {
	pending, ok, err := m.Store.GetPendingInstall()
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, &ErrNoPendingInstallation{}
	}

	pendingRec, ok2, err := m.Store.GetVersionRecord(pending.TargetName)
	if err != nil {
		return 0, err
	}
	if !ok2 {
		return 0, fmt.Errorf("installfsm: pending record missing for %q", pending.TargetName)
	}

	bootedHash, err := m.Commits.CurrentBootedHash()
	if err != nil {
		return 0, err
	}
	if bootedHash != pendingRec.Sha256Hex {
		golog.Warnf(ctx, "booted %s but %s was pending; the bootloader fell back", bootedHash, pendingRec.Sha256Hex)
		return m.rollback(ctx, pending, "booted hash does not match the pending install")
	}
	golog.Infof(ctx, "finalizing %s after reboot", pending.TargetName)

	apps := make([]target.App, len(pending.Apps))
	for i, a := range pending.Apps {
		apps[i] = target.App{Name: a.Name, URI: a.URI}
	}
	if err := m.startApps(ctx, apps); err != nil {
		return m.rollback(ctx, pending, "app start failed after reboot: "+err.Error())
	}

	if err := m.promoteCurrent(pendingRec); err != nil {
		return 0, err
	}
	if err := m.Store.ClearPendingInstall(); err != nil {
		return 0, err
	}
	m.confirmBootFw()
	m.pushEvent(pending.CorrelationID, report.InstallCompleted, targetFromRecord(pendingRec), true)

	if rec, err := m.Store.GetBootFwRecord(); err == nil && rec.BootupgradeAvailable > 0 {
		return NeedRebootForBootFw, nil
	}
	return Ok, nil
}

// confirmBootFw clears a pending boot-fw confirmation once the bootloader
// itself reports the upgrade counter has reached zero.
func (m *Machine) confirmBootFw() {
	rec, err := m.Store.GetBootFwRecord()
	if err != nil || rec.BootupgradeAvailable == 0 || m.BootFlags == nil {
		return
	}
	val, err := m.BootFlags.Get("bootupgrade_available")
	if err != nil || val != "0" {
		return
	}
	m.Store.PutBootFwRecord(store.BootFwRecord{BootfwVersion: rec.BootfwVersion, BootupgradeAvailable: 0})
}

// rollback implements Rollback-Needed -> Rollback-Commit -> {Completed,
// Failed}: it marks the failing Target bad, redeploys the most recent
// non-bad prior current Target, and reinstalls its apps.
func (m *Machine) rollback(ctx context.Context, pending store.PendingInstall, reason string) (PostInstallStatus, error) {
	golog.Warnf(ctx, "rolling back %s: %s", pending.TargetName, reason)
	if err := m.Store.MarkBad(pending.TargetName); err != nil {
		return RollbackFailed, err
	}

	recs, err := m.Store.AllVersionRecords()
	if err != nil {
		return RollbackFailed, err
	}
	var prior *store.VersionRecord
	for i := range recs {
		r := recs[i]
		if r.TargetName == pending.TargetName || r.Mode == store.ModeBad {
			continue
		}
		if prior == nil || r.InstalledAt.After(prior.InstalledAt) {
			prior = &recs[i]
		}
	}
	if prior == nil {
		return RollbackToUnknown, fmt.Errorf("installfsm: rollback (%s): no prior installed target found", reason)
	}

	bootedHash, err := m.Commits.CurrentBootedHash()
	if err != nil {
		return RollbackFailed, err
	}
	needsReboot := bootedHash != prior.Sha256Hex
	if needsReboot {
		golog.Infof(ctx, "redeploying prior commit %s for %s", prior.Sha256Hex, prior.TargetName)
		if err := m.Commits.Deploy(prior.Sha256Hex); err != nil {
			return RollbackFailed, &ErrInstallFailed{Reason: "rollback deploy", Err: err}
		}
	}

	if needsReboot {
		// The prior commit was just redeployed but is not yet booted; a
		// second reboot is required before apps for it can be started and
		// it can be promoted to current. Finalize() picks this back up.
		if err := m.Store.PutPendingInstall(store.PendingInstall{TargetName: prior.TargetName, CorrelationID: pending.CorrelationID, Mode: "all", Apps: prior.Apps, CreatedAt: time.Now()}); err != nil {
			return RollbackFailed, err
		}
		return RollbackNeedReboot, nil
	}

	apps := make([]target.App, len(prior.Apps))
	for i, a := range prior.Apps {
		apps[i] = target.App{Name: a.Name, URI: a.URI}
	}
	if err := m.startApps(ctx, apps); err != nil {
		return RollbackFailed, &ErrInstallFailed{Reason: "rollback app start", Err: err}
	}

	if err := m.promoteCurrent(*prior); err != nil {
		return RollbackFailed, err
	}
	if err := m.Store.ClearPendingInstall(); err != nil {
		return RollbackFailed, err
	}
	golog.Infof(ctx, "rolled back to %s", prior.TargetName)
	return RollbackOk, nil
}

// Copyright 2024 The Aklite Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"strings"

	"github.com/google/subcommands"

	"github.com/edgefleetio/aklite-core/go/src/capability"
	"github.com/edgefleetio/aklite-core/go/src/installfsm"
	"github.com/edgefleetio/aklite-core/go/src/planner"
	"github.com/edgefleetio/aklite-core/go/src/storage"
	"github.com/edgefleetio/aklite-core/go/src/store"
	"github.com/edgefleetio/aklite-core/go/src/target"
	"github.com/edgefleetio/aklite-core/tools/lib/golog"
)

// updateCmd drives one full cycle: pull TUF metadata, plan, and install —
// the single-cycle entry point a supervisor loop invokes repeatedly.
type updateCmd struct {
	coreFlags
	requestedVersion string
	shortlist        string
	allowBadTarget   bool
	forceAppsSync    bool
	autoDowngrade    bool
}

func (*updateCmd) Name() string     { return "update" }
func (*updateCmd) Synopsis() string { return "pull TUF metadata and install the planned Target" }
func (*updateCmd) Usage() string {
	return "update [-version V] [-apps a,b,c] [flags]:\n" +
		"  Bring the device to the Target the Planner selects for the current metadata.\n"
}

func (c *updateCmd) SetFlags(f *flag.FlagSet) {
	c.coreFlags.SetFlags(f)
	f.StringVar(&c.requestedVersion, "version", "", "pin to the Target with this name instead of the newest qualifying one")
	f.StringVar(&c.shortlist, "apps", "", "comma-separated app shortlist; empty means every app in the Target")
	f.BoolVar(&c.allowBadTarget, "allow-bad-target", false, "permit installing a Target previously marked bad")
	f.BoolVar(&c.forceAppsSync, "force-apps-sync", false, "reinstall apps even when the rootfs Target is unchanged")
	f.BoolVar(&c.autoDowngrade, "auto-downgrade", false, "permit installing a Target older than current")
}

func (c *updateCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	log := golog.New("aklite")
	ctx = golog.WithContext(ctx, log)

	w, err := c.build()
	if err != nil {
		log.Errorf("%v", err)
		return subcommands.ExitStatus(exitTufMetaPullFailure)
	}
	defer w.close()

	if err := w.Locks.AcquireUpdate(); err != nil {
		log.Errorf("acquire update lock: %v", err)
		return subcommands.ExitStatus(exitInstallationInProgress)
	}
	defer w.Locks.ReleaseAll()

	w.Machine.Flow = capability.ContextFlowControl{Ctx: ctx}
	noteDeviceInfo(w, log, c.hardwareID, c.deviceTags())

	if !w.Client.HasRoot() {
		if err := w.Client.ImportRoot(w.Fetcher, 1); err != nil {
			log.Errorf("import root: %v", err)
			return subcommands.ExitStatus(exitTufMetaPullFailure)
		}
	}
	if err := w.Client.UpdateMeta(w.Fetcher); err != nil {
		log.Errorf("update metadata: %v", err)
		return subcommands.ExitStatus(exitTufMetaPullFailure)
	}

	targets, err := w.Client.Targets(c.hardwareID, c.deviceTags())
	if err != nil {
		log.Errorf("list targets: %v", err)
		return subcommands.ExitStatus(exitTufMetaPullFailure)
	}

	current, err := w.Machine.CurrentTarget()
	if err != nil {
		log.Errorf("current target: %v", err)
		return subcommands.ExitStatus(exitTufMetaPullFailure)
	}

	hist, err := installfsm.NewHistory(w.Store)
	if err != nil {
		log.Errorf("load install history: %v", err)
		return subcommands.ExitStatus(exitTufMetaPullFailure)
	}

	pending, err := pendingTarget(w)
	if err != nil {
		log.Errorf("load pending install: %v", err)
		return subcommands.ExitStatus(exitTufMetaPullFailure)
	}

	candidate := selectCandidate(targets, c.requestedVersion)
	var requestedVersion *string
	if c.requestedVersion != "" {
		requestedVersion = &c.requestedVersion
	}

	var shortlist []string
	if c.shortlist != "" {
		shortlist = strings.Split(c.shortlist, ",")
	}

	// -force-update collapses to both planner escape hatches: resync apps
	// even if nothing looks stale, and allow going backwards in version.
	flags := planner.Flags{
		AllowBadTarget: c.allowBadTarget,
		ForceAppsSync:  c.forceAppsSync || c.cfg.ForceUpdate,
		OfflineMode:    c.bundleDir != "",
		AutoDowngrade:  c.autoDowngrade || c.cfg.ForceUpdate,
	}

	running := &engineRunningChecker{ctx: ctx, engine: w.Machine.Apps, target: current}

	plan := planner.Decide(current, pending, candidate, requestedVersion, shortlist, flags, hist, running)
	log.Infof("plan: %s (%s)", plan.Kind, plan.Reason)

	status, err := w.Machine.Install(ctx, plan)
	if err == nil && status == installfsm.Ok && plan.HasTarget {
		// Apps-only cycles finish here; reclaim anything the new target no
		// longer references. Reboot-bound cycles prune after finalize.
		if perr := w.Apps.Prune(ctx, plan.Target.AppNames()); perr != nil {
			log.Warnf("prune: %v", perr)
		}
	}
	w.flushReports(ctx, c.reportURL)
	if err != nil {
		return subcommands.ExitStatus(exitCodeForInstallError(err))
	}
	return subcommands.ExitStatus(postInstallExitCode(status))
}

// noteDeviceInfo compares this cycle's hardware-id/tag set against the
// memoized one and records the new memo. A drift means previously listed
// Targets may no longer qualify, which is worth a line in the log; the
// metadata itself is refreshed every cycle regardless.
func noteDeviceInfo(w *wiring, log *golog.Logger, hardwareID string, tags []string) {
	h := sha256.Sum256([]byte(hardwareID + "\x00" + strings.Join(tags, ",")))
	hash := hex.EncodeToString(h[:])
	if memo, ok, err := w.Store.GetDeviceInfoMemo(); err == nil && ok && memo.Hash != hash {
		log.Warnf("hardware-id/tag set changed since the last cycle (was %s/%v)", memo.HardwareID, memo.Tags)
	}
	w.Store.PutDeviceInfoMemo(store.DeviceInfoMemo{HardwareID: hardwareID, Tags: tags, Hash: hash})
}

// selectCandidate picks the Target the Planner should consider: the one
// matching requestedVersion if set, else the highest-versioned qualifying
// Target (Targets() already filtered by hardware-id/tags).
func selectCandidate(targets []target.Target, requestedVersion string) *target.Target {
	if len(targets) == 0 {
		return nil
	}
	if requestedVersion != "" {
		for i := range targets {
			if targets[i].Name() == requestedVersion {
				return &targets[i]
			}
		}
		return nil
	}
	best := targets[0]
	for _, t := range targets[1:] {
		if best.Version().Less(t.Version()) {
			best = t
		}
	}
	return &best
}

// pendingTarget reconstructs the Planner's "pending" input from the
// persisted PendingInstall record and its matching VersionRecord, the same
// pairing Machine.Finalize uses. Returns nil if there is no pending install.
func pendingTarget(w *wiring) (*target.Target, error) {
	p, ok, err := w.Store.GetPendingInstall()
	if err != nil || !ok {
		return nil, err
	}
	rec, ok, err := w.Store.GetVersionRecord(p.TargetName)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("aklite: pending record missing for %q", p.TargetName)
	}
	t := targetFromVersionRecord(rec, p.Apps)
	return &t, nil
}

// engineRunningChecker adapts installfsm.AppEngine.IsRunning's per-call
// error into the Planner's simpler RunningChecker, treating an unreadable
// state as not-running: syncDiff only uses this to avoid needless restarts,
// never to skip a required install.
type engineRunningChecker struct {
	ctx    context.Context
	engine installfsm.AppEngine
	target target.Target
}

func (r *engineRunningChecker) IsRunning(appName string) bool {
	app, ok := r.target.App(appName)
	if !ok {
		return false
	}
	running, err := isRunningOn(r.engine, r.ctx, app)
	return err == nil && running
}

// isRunningOn narrows installfsm.AppEngine down to the optional
// IsRunning(ctx, app) capability appengine.Engine provides; fakes that
// don't implement it are treated as never-running.
func isRunningOn(e installfsm.AppEngine, ctx context.Context, app target.App) (bool, error) {
	type runner interface {
		IsRunning(ctx context.Context, app target.App) (bool, error)
	}
	r, ok := e.(runner)
	if !ok {
		return false, nil
	}
	return r.IsRunning(ctx, app)
}

func exitCodeForInstallError(err error) int {
	var notFound *installfsm.ErrTargetNotFound
	if errors.As(err, &notFound) {
		return exitTufTargetNotFound
	}
	var noPending *installfsm.ErrNoPendingInstallation
	if errors.As(err, &noPending) {
		return exitNoPendingInstallation
	}
	var dl *installfsm.ErrDownloadFailed
	if errors.As(err, &dl) {
		var space *storage.ErrInsufficientSpace
		if errors.As(dl.Err, &space) {
			return exitDownloadFailureNoSpace
		}
		if isVerificationError(dl.Err) {
			return exitDownloadFailureVerification
		}
		return exitDownloadFailure
	}
	var install *installfsm.ErrInstallFailed
	if errors.As(err, &install) {
		return exitInstallAppPullFailure
	}
	return exitDownloadFailure
}

func isVerificationError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "verif")
}

// Copyright 2024 The Aklite Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package installfsm

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/edgefleetio/aklite-core/go/src/capability"
	"github.com/edgefleetio/aklite-core/go/src/planner"
	"github.com/edgefleetio/aklite-core/go/src/storage"
	"github.com/edgefleetio/aklite-core/go/src/store"
	"github.com/edgefleetio/aklite-core/go/src/target"
)

// fakeAppEngine counts calls and lets a test inject per-app failures, in
// the arrange-fields-directly fake style capability's fakes use.
type fakeAppEngine struct {
	fetched   []string
	installed []string
	started   []string

	fetchErr map[string]error
	runErr   map[string]error
}

func newFakeAppEngine() *fakeAppEngine {
	return &fakeAppEngine{fetchErr: map[string]error{}, runErr: map[string]error{}}
}

func (f *fakeAppEngine) Fetch(ctx context.Context, app target.App, flow capability.FlowControl) error {
	if err := f.fetchErr[app.Name]; err != nil {
		return err
	}
	f.fetched = append(f.fetched, app.Name)
	return nil
}

func (f *fakeAppEngine) Verify(app target.App) error { return nil }

func (f *fakeAppEngine) Install(ctx context.Context, app target.App) error {
	f.installed = append(f.installed, app.Name)
	return nil
}

func (f *fakeAppEngine) Run(ctx context.Context, app target.App) error {
	if err := f.runErr[app.Name]; err != nil {
		return err
	}
	f.started = append(f.started, app.Name)
	return nil
}

func sha32(b byte) [32]byte {
	var s [32]byte
	for i := range s {
		s[i] = b
	}
	return s
}

func shaHex(b byte) string {
	s := sha32(b)
	return hex.EncodeToString(s[:])
}

func mkTarget(name, version string, sha byte, apps ...target.App) target.Target {
	return target.New(name, version, sha32(sha), apps, []string{"rpi4"}, nil, nil, false)
}

func newPlan(tgt target.Target) planner.Plan {
	return planner.Plan{Kind: planner.UpdateNewVersion, Target: tgt, HasTarget: true}
}

// newMachine builds a Machine over a temp-dir store, a fake commit store
// booted into sha 0xaa, and a fake app engine.
func newMachine(t *testing.T) (*Machine, *capability.FakeCommitStore, *fakeAppEngine) {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "sql.db"), filepath.Join(dir, "current-target"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })

	commits := capability.NewFakeCommitStore(shaHex(0xaa))
	apps := newFakeAppEngine()
	m := &Machine{Store: s, Commits: commits, Apps: apps}
	return m, commits, apps
}

func TestInstallRootfsAndAppNeedsReboot(t *testing.T) {
	m, commits, apps := newMachine(t)
	tgt := mkTarget("t2", "2", 0xbb, target.App{Name: "app-01", URI: "reg/f/app-01@sha256:" + shaHex(0xcc)})

	status, err := m.Install(context.Background(), newPlan(tgt))
	if err != nil {
		t.Fatal(err)
	}
	if status != NeedReboot {
		t.Fatalf("status = %v, want NeedReboot", status)
	}
	if got, want := commits.Pending, shaHex(0xbb); got != want {
		t.Errorf("pending deployment = %q, want %q", got, want)
	}
	if len(apps.fetched) != 1 || apps.fetched[0] != "app-01" {
		t.Errorf("fetched apps = %v, want [app-01]", apps.fetched)
	}
	if len(apps.started) != 0 {
		t.Errorf("no app may start before the reboot boundary, got %v", apps.started)
	}
	if _, ok, err := m.Store.GetPendingInstall(); err != nil || !ok {
		t.Fatalf("pending install not persisted (ok=%v err=%v)", ok, err)
	}

	// Reboot into the new commit, then finalize.
	commits.RebootInto(shaHex(0xbb))
	status, err = m.Finalize(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if status != Ok {
		t.Fatalf("finalize status = %v, want Ok", status)
	}
	if len(apps.started) != 1 || apps.started[0] != "app-01" {
		t.Errorf("started apps after finalize = %v, want [app-01]", apps.started)
	}
	if _, ok, _ := m.Store.GetPendingInstall(); ok {
		t.Error("pending install should be cleared after finalize")
	}
	rec, ok, err := m.Store.GetVersionRecord("t2")
	if err != nil || !ok {
		t.Fatalf("version record missing (ok=%v err=%v)", ok, err)
	}
	if rec.Mode != store.ModeCurrent {
		t.Errorf("t2 mode = %q, want current", rec.Mode)
	}
}

func TestInstallAppsOnlyNoReboot(t *testing.T) {
	m, commits, apps := newMachine(t)
	// Same rootfs sha as the booted commit: apps-only update.
	tgt := mkTarget("t3", "3", 0xaa, target.App{Name: "app-01", URI: "reg/f/app-01@sha256:" + shaHex(0xdd)})

	status, err := m.Install(context.Background(), newPlan(tgt))
	if err != nil {
		t.Fatal(err)
	}
	if status != Ok {
		t.Fatalf("status = %v, want Ok", status)
	}
	if commits.Pending != "" {
		t.Errorf("apps-only update must not deploy, pending = %q", commits.Pending)
	}
	if len(apps.started) != 1 {
		t.Errorf("started apps = %v, want one", apps.started)
	}
	if _, ok, _ := m.Store.GetPendingInstall(); ok {
		t.Error("apps-only update must not leave a pending install")
	}
	rec, ok, _ := m.Store.GetVersionRecord("t3")
	if !ok || rec.Mode != store.ModeCurrent {
		t.Errorf("t3 record = %+v ok=%v, want mode current", rec, ok)
	}
}

func TestInstallNoAppsIsRootfsOnly(t *testing.T) {
	m, _, apps := newMachine(t)
	tgt := mkTarget("t2", "2", 0xbb)

	status, err := m.Install(context.Background(), newPlan(tgt))
	if err != nil {
		t.Fatal(err)
	}
	if status != NeedReboot {
		t.Fatalf("status = %v, want NeedReboot", status)
	}
	if len(apps.fetched)+len(apps.installed)+len(apps.started) != 0 {
		t.Errorf("zero container-engine calls expected, got fetch=%v install=%v start=%v", apps.fetched, apps.installed, apps.started)
	}
}

func TestFinalizeBootloaderRollback(t *testing.T) {
	m, commits, apps := newMachine(t)

	// A previously current target matching the still-booted commit.
	prior := store.VersionRecord{TargetName: "t1", Version: "1", Sha256Hex: shaHex(0xaa), Apps: []store.AppRef{{Name: "app-00", URI: "reg/f/app-00@sha256:" + shaHex(0x11)}}}
	if err := m.Store.SetCurrent(prior); err != nil {
		t.Fatal(err)
	}

	tgt := mkTarget("t2", "2", 0xbb)
	if _, err := m.Install(context.Background(), newPlan(tgt)); err != nil {
		t.Fatal(err)
	}

	// The bootloader fell back: after reboot the device is still on 0xaa.
	commits.RebootInto(shaHex(0xaa))
	status, err := m.Finalize(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if status != RollbackOk {
		t.Fatalf("status = %v, want RollbackOk", status)
	}
	if rec, ok, _ := m.Store.GetVersionRecord("t2"); !ok || rec.Mode != store.ModeBad {
		t.Errorf("t2 should be marked bad, got %+v ok=%v", rec, ok)
	}
	if rec, ok, _ := m.Store.GetVersionRecord("t1"); !ok || rec.Mode != store.ModeCurrent {
		t.Errorf("t1 should be current again, got %+v ok=%v", rec, ok)
	}
	if len(apps.started) != 1 || apps.started[0] != "app-00" {
		t.Errorf("prior target's apps should be restarted, got %v", apps.started)
	}
	if _, ok, _ := m.Store.GetPendingInstall(); ok {
		t.Error("pending install should be cleared after rollback commit")
	}
	if commits.Pending == shaHex(0xbb) {
		t.Error("failed commit must not remain the pending deployment")
	}
}

func TestFinalizeAppStartFailureRollsBackWithReboot(t *testing.T) {
	m, commits, apps := newMachine(t)

	prior := store.VersionRecord{TargetName: "t1", Version: "1", Sha256Hex: shaHex(0xaa)}
	if err := m.Store.SetCurrent(prior); err != nil {
		t.Fatal(err)
	}

	failing := target.App{Name: "app-01", URI: "reg/f/app-01@sha256:" + shaHex(0xcc)}
	tgt := mkTarget("t2", "2", 0xbb, failing)
	if _, err := m.Install(context.Background(), newPlan(tgt)); err != nil {
		t.Fatal(err)
	}

	commits.RebootInto(shaHex(0xbb))
	apps.runErr["app-01"] = errors.New("compose up failed")

	status, err := m.Finalize(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if status != RollbackNeedReboot {
		t.Fatalf("status = %v, want RollbackNeedReboot", status)
	}
	if got, want := commits.Pending, shaHex(0xaa); got != want {
		t.Errorf("rollback should redeploy the prior commit, pending = %q want %q", got, want)
	}
	p, ok, err := m.Store.GetPendingInstall()
	if err != nil || !ok {
		t.Fatalf("rollback reboot should leave a pending install (ok=%v err=%v)", ok, err)
	}
	if p.TargetName != "t1" {
		t.Errorf("pending install now points at %q, want t1", p.TargetName)
	}

	// Second reboot lands on the prior commit; finalize completes the
	// rollback.
	commits.RebootInto(shaHex(0xaa))
	status, err = m.Finalize(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if status != Ok {
		t.Fatalf("second finalize status = %v, want Ok", status)
	}
	if rec, ok, _ := m.Store.GetVersionRecord("t1"); !ok || rec.Mode != store.ModeCurrent {
		t.Errorf("t1 should be current after the rollback completes, got %+v ok=%v", rec, ok)
	}
}

func TestInstallRefusedWhileBootFwUnconfirmed(t *testing.T) {
	m, commits, apps := newMachine(t)
	if err := m.Store.PutBootFwRecord(store.BootFwRecord{BootfwVersion: 7, BootupgradeAvailable: 1}); err != nil {
		t.Fatal(err)
	}

	tgt := mkTarget("t3", "3", 0xaa, target.App{Name: "app-01", URI: "reg/f/app-01@sha256:" + shaHex(0xdd)})
	status, err := m.Install(context.Background(), newPlan(tgt))
	if err != nil {
		t.Fatal(err)
	}
	if status != NeedRebootForBootFw {
		t.Fatalf("status = %v, want NeedRebootForBootFw", status)
	}
	if len(apps.fetched) != 0 || commits.Pending != "" {
		t.Errorf("no work may happen before boot-fw confirmation (fetched=%v pending=%q)", apps.fetched, commits.Pending)
	}
}

func TestInsufficientSpaceIsCached(t *testing.T) {
	m, commits, apps := newMachine(t)

	statCalls := 0
	m.Stat = func(path string) (int64, int64, error) {
		statCalls++
		return 1 << 20, 1024, nil // 1 MiB volume, 1 KiB free
	}
	m.RootPath = "/var/sota"
	m.ReservedPercent = 5
	m.EstimateRequiredBytes = func(tgt target.Target) (int64, bool) { return 1 << 20, true }

	tgt := mkTarget("t2", "2", 0xee)
	_, err := m.Install(context.Background(), newPlan(tgt))
	var space *storage.ErrInsufficientSpace
	if !errors.As(err, &space) {
		t.Fatalf("err = %v, want ErrInsufficientSpace", err)
	}
	if space.Required != 1<<20 {
		t.Errorf("required = %d, want %d", space.Required, 1<<20)
	}

	// Without any free-space change, the retry must short-circuit on the
	// cached figure before doing any content work.
	_, err = m.Install(context.Background(), newPlan(tgt))
	if !errors.As(err, &space) {
		t.Fatalf("second err = %v, want ErrInsufficientSpace", err)
	}
	if len(apps.fetched) != 0 || commits.Pending != "" {
		t.Error("no content fetch may happen while space is insufficient")
	}
}

func TestFinalizeWithoutPendingInstall(t *testing.T) {
	m, _, _ := newMachine(t)
	_, err := m.Finalize(context.Background())
	var noPending *ErrNoPendingInstallation
	if !errors.As(err, &noPending) {
		t.Fatalf("err = %v, want ErrNoPendingInstallation", err)
	}
}

func TestInstallPlanShortCircuits(t *testing.T) {
	m, _, _ := newMachine(t)

	tests := []struct {
		plan planner.Plan
		want PostInstallStatus
	}{
		{planner.Plan{Kind: planner.NoUpdate}, DowngradeAttempt},
		{planner.Plan{Kind: planner.NoUpdate, Target: mkTarget("t1", "1", 0xaa), HasTarget: true}, AlreadyInstalled},
		{planner.Plan{Kind: planner.TargetAlreadyInstalled, Target: mkTarget("t1", "1", 0xaa), HasTarget: true}, AlreadyInstalled},
	}
	for _, tc := range tests {
		got, err := m.Install(context.Background(), tc.plan)
		if err != nil {
			t.Fatalf("Install(%v): %v", tc.plan.Kind, err)
		}
		if got != tc.want {
			t.Errorf("Install(%v) = %v, want %v", tc.plan.Kind, got, tc.want)
		}
	}

	_, err := m.Install(context.Background(), planner.Plan{Kind: planner.TufTargetNotFound, Reason: "no such target"})
	var notFound *ErrTargetNotFound
	if !errors.As(err, &notFound) {
		t.Fatalf("err = %v, want ErrTargetNotFound", err)
	}
}

func TestDownloadFailureSurfacesAfterRetries(t *testing.T) {
	m, commits, _ := newMachine(t)
	commits.PullErr = fmt.Errorf("transport reset")

	tgt := mkTarget("t2", "2", 0xbb)
	_, err := m.Install(context.Background(), newPlan(tgt))
	var dl *ErrDownloadFailed
	if !errors.As(err, &dl) {
		t.Fatalf("err = %v, want ErrDownloadFailed", err)
	}
	if _, ok, _ := m.Store.GetPendingInstall(); ok {
		t.Error("a failed download must not leave a pending install")
	}
}

func TestHistoryExcludesBadFromPriorCurrent(t *testing.T) {
	m, _, _ := newMachine(t)

	if err := m.Store.SetCurrent(store.VersionRecord{TargetName: "t1", Version: "1", Sha256Hex: shaHex(0x11)}); err != nil {
		t.Fatal(err)
	}
	if err := m.Store.SetCurrent(store.VersionRecord{TargetName: "t2", Version: "2", Sha256Hex: shaHex(0x22)}); err != nil {
		t.Fatal(err)
	}
	// t1 was demoted to none by t2's promotion; mark it bad.
	if err := m.Store.MarkBad("t1"); err != nil {
		t.Fatal(err)
	}

	hist, err := NewHistory(m.Store)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := hist.PriorCurrent(); ok {
		t.Error("a bad-marked entry must not be offered as a rollback target")
	}
	if !hist.IsBad("t1") || hist.IsBad("t2") {
		t.Error("IsBad should report t1 bad and t2 good")
	}
}

// Copyright 2024 The Aklite Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package planner

import (
	"testing"

	"github.com/edgefleetio/aklite-core/go/src/target"
)

type fakeHistory struct {
	bad    map[string]bool
	priors []target.Target
}

func (f fakeHistory) IsBad(name string) bool { return f.bad[name] }
func (f fakeHistory) PriorCurrent() ([]target.Target, bool) {
	return f.priors, len(f.priors) > 0
}

type fakeRunning map[string]bool

func (f fakeRunning) IsRunning(name string) bool { return f[name] }

func mkTarget(name, version string, apps ...target.App) target.Target {
	return target.New(name, version, [32]byte{}, apps, []string{"rpi4"}, nil, nil, false)
}

func TestPlanDowngradeRefused(t *testing.T) {
	current := mkTarget("t3", "3")
	candidate := mkTarget("t2", "2")
	p := Decide(current, nil, &candidate, nil, nil, Flags{}, fakeHistory{}, nil)
	if p.Kind != NoUpdate {
		t.Fatalf("Kind = %v, want NoUpdate", p.Kind)
	}
}

func TestPlanDowngradeAllowedWhenRequested(t *testing.T) {
	current := mkTarget("t3", "3")
	candidate := mkTarget("t2", "2")
	requested := "2"
	p := Decide(current, nil, &candidate, &requested, nil, Flags{}, fakeHistory{}, nil)
	if p.Kind != UpdateNewVersion {
		t.Fatalf("Kind = %v, want UpdateNewVersion", p.Kind)
	}
}

func TestPlanNewVersion(t *testing.T) {
	current := mkTarget("t1", "1")
	candidate := mkTarget("t2", "2")
	p := Decide(current, nil, &candidate, nil, nil, Flags{}, fakeHistory{}, nil)
	if p.Kind != UpdateNewVersion || p.Target.Name() != "t2" {
		t.Fatalf("got Kind=%v Target=%v", p.Kind, p.Target.Name())
	}
}

func TestPlanCandidateUnknown(t *testing.T) {
	current := mkTarget("t1", "1")
	p := Decide(current, nil, nil, nil, nil, Flags{}, fakeHistory{}, nil)
	if p.Kind != TufTargetNotFound {
		t.Fatalf("Kind = %v, want TufTargetNotFound", p.Kind)
	}
}

func TestPlanRollbackOnBadCurrent(t *testing.T) {
	prior := mkTarget("t1", "1")
	current := mkTarget("t2", "2")
	candidate := mkTarget("t2", "2")
	hist := fakeHistory{bad: map[string]bool{"t2": true}, priors: []target.Target{prior}}
	p := Decide(current, nil, &candidate, nil, nil, Flags{}, hist, nil)
	if p.Kind != UpdateRollback || p.Target.Name() != "t1" {
		t.Fatalf("got Kind=%v Target=%v", p.Kind, p.Target.Name())
	}
}

func TestPlanRollbackTargetNotFound(t *testing.T) {
	current := mkTarget("t2", "2")
	candidate := mkTarget("t2", "2")
	hist := fakeHistory{bad: map[string]bool{"t2": true}}
	p := Decide(current, nil, &candidate, nil, nil, Flags{}, hist, nil)
	if p.Kind != RollbackTargetNotFound {
		t.Fatalf("Kind = %v, want RollbackTargetNotFound", p.Kind)
	}
}

func TestPlanBadRollbackTarget(t *testing.T) {
	prior := mkTarget("t1", "1")
	current := mkTarget("t2", "2")
	candidate := mkTarget("t2", "2")
	hist := fakeHistory{bad: map[string]bool{"t2": true, "t1": true}, priors: []target.Target{prior}}
	p := Decide(current, nil, &candidate, nil, nil, Flags{}, hist, nil)
	if p.Kind != BadRollbackTarget {
		t.Fatalf("Kind = %v, want BadRollbackTarget", p.Kind)
	}
}

func TestPlanBadCandidateFallsThroughToSync(t *testing.T) {
	app := target.App{Name: "app-01", URI: "reg/f/app@sha256:aaaa"}
	current := mkTarget("t1", "1", app)
	candidate := mkTarget("t2", "2", app)
	hist := fakeHistory{bad: map[string]bool{"t2": true}}
	running := fakeRunning{}
	p := Decide(current, nil, &candidate, nil, []string{"app-01"}, Flags{}, hist, running)
	if p.Kind != UpdateSyncApps {
		t.Fatalf("Kind = %v, want UpdateSyncApps", p.Kind)
	}
}

func TestPlanSyncAppsWhenNotRunning(t *testing.T) {
	app := target.App{Name: "app-01", URI: "reg/f/app@sha256:aaaa"}
	current := mkTarget("t1", "1", app)
	candidate := mkTarget("t1", "1", app)
	running := fakeRunning{}
	p := Decide(current, nil, &candidate, nil, []string{"app-01"}, Flags{}, fakeHistory{}, running)
	if p.Kind != UpdateSyncApps {
		t.Fatalf("Kind = %v, want UpdateSyncApps", p.Kind)
	}
}

func TestPlanNoUpdateWhenAllRunning(t *testing.T) {
	app := target.App{Name: "app-01", URI: "reg/f/app@sha256:aaaa"}
	current := mkTarget("t1", "1", app)
	candidate := mkTarget("t1", "1", app)
	running := fakeRunning{"app-01": true}
	p := Decide(current, nil, &candidate, nil, []string{"app-01"}, Flags{}, fakeHistory{}, running)
	if p.Kind != NoUpdate {
		t.Fatalf("Kind = %v, want NoUpdate", p.Kind)
	}
}

func TestPlanOfflineNoUpdateBecomesAlreadyInstalled(t *testing.T) {
	current := mkTarget("t1", "1")
	candidate := mkTarget("t1", "1")
	running := fakeRunning{}
	p := Decide(current, nil, &candidate, nil, nil, Flags{OfflineMode: true}, fakeHistory{}, running)
	if p.Kind != TargetAlreadyInstalled {
		t.Fatalf("Kind = %v, want TargetAlreadyInstalled", p.Kind)
	}
}

func TestPlanForceAppsSync(t *testing.T) {
	current := mkTarget("t1", "1")
	candidate := mkTarget("t1", "1")
	p := Decide(current, nil, &candidate, nil, nil, Flags{ForceAppsSync: true}, fakeHistory{}, fakeRunning{})
	if p.Kind != UpdateSyncApps {
		t.Fatalf("Kind = %v, want UpdateSyncApps", p.Kind)
	}
}

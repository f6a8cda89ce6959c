// Copyright 2024 The Aklite Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package planner implements the Update Planner (C6): a pure function over
// (current, pending, candidate) that decides what, if anything, should be
// installed next. It performs no I/O; the only external fact it needs —
// whether an app is already running — is handed to it by the caller.
package planner

import (
	"fmt"
	"sort"

	"github.com/edgefleetio/aklite-core/go/src/target"
)

// Kind enumerates the possible plan outcomes.
type Kind int

const (
	NoUpdate Kind = iota
	UpdateNewVersion
	UpdateSyncApps
	UpdateRollback
	BadRollbackTarget
	RollbackTargetNotFound
	TargetAlreadyInstalled
	TufTargetNotFound
	BadCheckinStatus
)

func (k Kind) String() string {
	switch k {
	case NoUpdate:
		return "NoUpdate"
	case UpdateNewVersion:
		return "UpdateNewVersion"
	case UpdateSyncApps:
		return "UpdateSyncApps"
	case UpdateRollback:
		return "UpdateRollback"
	case BadRollbackTarget:
		return "BadRollbackTarget"
	case RollbackTargetNotFound:
		return "RollbackTargetNotFound"
	case TargetAlreadyInstalled:
		return "TargetAlreadyInstalled"
	case TufTargetNotFound:
		return "TufTargetNotFound"
	case BadCheckinStatus:
		return "BadCheckinStatus"
	default:
		return "Unknown"
	}
}

// Plan is the Planner's sole output.
type Plan struct {
	Kind      Kind
	Target    target.Target
	HasTarget bool
	Reason    string
}

// Flags gathers the per-cycle booleans the Planner's rules consult.
type Flags struct {
	AllowBadTarget bool
	ForceAppsSync  bool
	OfflineMode    bool
	AutoDowngrade  bool
}

// History abstracts the subset of InstalledVersionLog the Planner needs:
// whether a Target name is marked bad, and the most recent Target that was
// ever "current" before the one presently marked current, in installation
// order (most recent first).
type History interface {
	IsBad(name string) bool
	PriorCurrent() ([]target.Target, bool)
}

// RunningChecker reports whether an app (by name) is currently running, so
// rule 6's sync-diff can be computed without the Planner touching the App
// Engine itself.
type RunningChecker interface {
	IsRunning(appName string) bool
}

// Decide implements the seven ordered rules.
func Decide(current target.Target, pending *target.Target, candidate *target.Target, requestedVersion *string, shortlist []string, flags Flags, hist History, running RunningChecker) Plan {
	_ = pending // pending is consulted by the install state machine, not by rule selection itself.

	// Rule 1: unknown candidate.
	if candidate == nil {
		return Plan{Kind: TufTargetNotFound, Reason: "candidate target not found in TUF metadata"}
	}

	// Rule 2: downgrade refusal.
	if !flags.AutoDowngrade && requestedVersion == nil && candidate.Version().Less(current.Version()) {
		return Plan{Kind: NoUpdate, Reason: "candidate version is older than current and auto_downgrade is disabled"}
	}

	// Rule 3: current itself is marked bad and candidate re-selects it.
	if hist.IsBad(current.Name()) && candidate.Name() == current.Name() {
		priors, ok := hist.PriorCurrent()
		if !ok || len(priors) == 0 {
			return Plan{Kind: RollbackTargetNotFound, Reason: "no prior installed target found to roll back to"}
		}
		effective := priors[0]
		if hist.IsBad(effective.Name()) {
			return Plan{Kind: BadRollbackTarget, Target: effective, HasTarget: true, Reason: "most recent prior target is itself marked bad"}
		}
		return Plan{Kind: UpdateRollback, Target: effective, HasTarget: true, Reason: fmt.Sprintf("current target %q is marked bad; rolling back to %q", current.Name(), effective.Name())}
	}

	effectiveCandidate := candidate

	// Rule 4: candidate itself is bad and not allowed.
	if hist.IsBad(candidate.Name()) && !flags.AllowBadTarget {
		c := current
		effectiveCandidate = &c
	}

	// Rule 5: new named target.
	if effectiveCandidate.Name() != current.Name() {
		return Plan{Kind: UpdateNewVersion, Target: *effectiveCandidate, HasTarget: true, Reason: fmt.Sprintf("selecting target %q over current %q", effectiveCandidate.Name(), current.Name())}
	}

	// Rule 6: apps-only sync.
	toUpdate := syncDiff(current, shortlist, running)
	if len(toUpdate) > 0 || flags.ForceAppsSync {
		shortlisted := current.Shortlist(shortlist)
		reason := "shortlisted apps differ from what is running"
		if flags.ForceAppsSync {
			reason = "apps sync forced by caller"
		}
		return Plan{Kind: UpdateSyncApps, Target: shortlisted, HasTarget: true, Reason: reason}
	}

	// Rule 7: nothing to do.
	if flags.OfflineMode {
		return Plan{Kind: TargetAlreadyInstalled, Target: current, HasTarget: true, Reason: "offline bundle target matches current installation"}
	}
	return Plan{Kind: NoUpdate, Target: current, HasTarget: true, Reason: "current target already satisfies the candidate"}
}

// syncDiff returns the shortlisted app names in current.apps that are not
// currently running, sorted for determinism.
func syncDiff(current target.Target, shortlist []string, running RunningChecker) []string {
	shortlisted := current.Shortlist(shortlist)
	var diff []string
	for _, name := range shortlisted.AppNames() {
		if running == nil || !running.IsRunning(name) {
			diff = append(diff, name)
		}
	}
	sort.Strings(diff)
	return diff
}

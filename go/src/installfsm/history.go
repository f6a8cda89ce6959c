// Copyright 2024 The Aklite Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package installfsm

import (
	"encoding/hex"
	"sort"

	"github.com/edgefleetio/aklite-core/go/src/planner"
	"github.com/edgefleetio/aklite-core/go/src/store"
	"github.com/edgefleetio/aklite-core/go/src/target"
)

// history implements planner.History over the persisted InstalledVersionLog.
type history struct {
	records []store.VersionRecord
}

// NewHistory snapshots s's InstalledVersionLog into a planner.History.
func NewHistory(s *store.Store) (planner.History, error) {
	recs, err := s.AllVersionRecords()
	if err != nil {
		return nil, err
	}
	return &history{records: recs}, nil
}

func (h *history) IsBad(name string) bool {
	for _, r := range h.records {
		if r.TargetName == name {
			return r.Mode == store.ModeBad
		}
	}
	return false
}

// PriorCurrent returns every demoted-from-current entry (mode "none"),
// excluding bad-marked entries per the decision recorded in DESIGN.md, most
// recent first.
func (h *history) PriorCurrent() ([]target.Target, bool) {
	var candidates []store.VersionRecord
	for _, r := range h.records {
		if r.Mode == store.ModeNone {
			candidates = append(candidates, r)
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].InstalledAt.After(candidates[j].InstalledAt) })
	if len(candidates) == 0 {
		return nil, false
	}
	out := make([]target.Target, len(candidates))
	for i, r := range candidates {
		out[i] = targetFromRecord(r)
	}
	return out, true
}

// targetFromRecord reconstructs enough of a Target to drive install/start
// calls from a persisted VersionRecord. Hardware-id/tag filtering is not
// reconstructed: a record only exists because it was already selected as
// applicable on a prior cycle.
func targetFromRecord(r store.VersionRecord) target.Target {
	var sha [32]byte
	if b, err := hex.DecodeString(r.Sha256Hex); err == nil && len(b) == 32 {
		copy(sha[:], b)
	}
	apps := make([]target.App, len(r.Apps))
	for i, a := range r.Apps {
		apps[i] = target.App{Name: a.Name, URI: a.URI}
	}
	return target.New(r.TargetName, r.Version, sha, apps, nil, nil, nil, false)
}

func refsFromApps(apps []target.App) []store.AppRef {
	out := make([]store.AppRef, len(apps))
	for i, a := range apps {
		out[i] = store.AppRef{Name: a.Name, URI: a.URI}
	}
	return out
}

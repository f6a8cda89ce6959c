// Copyright 2024 The Aklite Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package target defines the canonical in-memory Target: a named, signed
// (rootfs commit, set-of-apps) tuple qualified by hardware-ids and tags,
// plus its version ordering and shortlist intersection. Targets are
// immutable once constructed; every accessor returns copies.
package target

import (
	"encoding/hex"
	"sort"
)

// App is one container application referenced by a Target: a name plus a
// pinned content-addressed URI of the form
// <registry-host>/<factory>/<app>@sha256:<hex>.
type App struct {
	Name string
	URI  string
}

// Target is a single update candidate. The zero value is an empty,
// unnamed Target; construct real ones with New or NewInitial.
type Target struct {
	name        string
	version     Version
	sha         [32]byte
	apps        []App
	hardwareIDs []string
	tags        []string
	bootfw      *int
	initial     bool
}

// New constructs an immutable Target. All slices are copied; bootfw may be
// nil when the Target does not pin a boot-firmware version.
func New(name, version string, sha [32]byte, apps []App, hardwareIDs, tags []string, bootfw *int, initial bool) Target {
	t := Target{
		name:        name,
		version:     ParseVersion(version),
		sha:         sha,
		apps:        append([]App(nil), apps...),
		hardwareIDs: append([]string(nil), hardwareIDs...),
		tags:        append([]string(nil), tags...),
		initial:     initial,
	}
	if bootfw != nil {
		v := *bootfw
		t.bootfw = &v
	}
	return t
}

// NewInitial synthesizes the Target representing "whatever is currently
// booted" on a device whose installed-versions log is empty. It carries no
// apps, no hardware-id/tag qualification, and a version that sorts before
// every real one, so any published Target is selected over it.
func NewInitial(sha [32]byte) Target {
	return Target{name: "initial-target", version: ParseVersion(""), sha: sha, initial: true}
}

func (t Target) Name() string     { return t.name }
func (t Target) Version() Version { return t.version }
func (t Target) IsInitial() bool  { return t.initial }

// Sha256 returns the raw 32-byte rootfs commit digest.
func (t Target) Sha256() [32]byte { return t.sha }

// Sha256Hex returns the digest in the lowercase-hex form used at every
// storage and wire boundary.
func (t Target) Sha256Hex() string { return hex.EncodeToString(t.sha[:]) }

// Apps returns a copy of the Target's app list, in its original order.
func (t Target) Apps() []App { return append([]App(nil), t.apps...) }

// App returns the named app, if the Target carries it.
func (t Target) App(name string) (App, bool) {
	for _, a := range t.apps {
		if a.Name == name {
			return a, true
		}
	}
	return App{}, false
}

// AppNames returns the Target's app names, sorted.
func (t Target) AppNames() []string {
	names := make([]string, len(t.apps))
	for i, a := range t.apps {
		names[i] = a.Name
	}
	sort.Strings(names)
	return names
}

// HardwareIDs returns a copy of the hardware-id set.
func (t Target) HardwareIDs() []string { return append([]string(nil), t.hardwareIDs...) }

// Tags returns a copy of the tag set.
func (t Target) Tags() []string { return append([]string(nil), t.tags...) }

// BootfwVersion returns the boot-firmware version this Target expects, or
// nil when it does not pin one.
func (t Target) BootfwVersion() *int {
	if t.bootfw == nil {
		return nil
	}
	v := *t.bootfw
	return &v
}

// AppliesTo reports whether this Target qualifies for a device: the
// device's hardware-id must be a member of the Target's hardware-id set,
// and the device's tag set must intersect the Target's (an empty device
// tag set, or a Target with no tags, accepts all).
func (t Target) AppliesTo(hardwareID string, deviceTags []string) bool {
	found := false
	for _, h := range t.hardwareIDs {
		if h == hardwareID {
			found = true
			break
		}
	}
	if !found {
		return false
	}
	if len(deviceTags) == 0 || len(t.tags) == 0 {
		return true
	}
	for _, dt := range deviceTags {
		for _, tt := range t.tags {
			if dt == tt {
				return true
			}
		}
	}
	return false
}

// Shortlist returns a copy of t restricted to the named apps. An empty
// shortlist means "everything" and returns t unchanged.
func (t Target) Shortlist(names []string) Target {
	if len(names) == 0 {
		return t
	}
	keep := make(map[string]bool, len(names))
	for _, n := range names {
		keep[n] = true
	}
	out := t
	out.apps = nil
	for _, a := range t.apps {
		if keep[a.Name] {
			out.apps = append(out.apps, a)
		}
	}
	return out
}

// SameIdentity reports whether two Targets that share a name agree on the
// content they point at: the rootfs digest and the full app mapping. TUF
// metadata in which the same name resolves to different content across
// refreshes is rejected.
func SameIdentity(a, b Target) bool {
	if a.sha != b.sha || len(a.apps) != len(b.apps) {
		return false
	}
	byName := make(map[string]string, len(a.apps))
	for _, app := range a.apps {
		byName[app.Name] = app.URI
	}
	for _, app := range b.apps {
		uri, ok := byName[app.Name]
		if !ok || uri != app.URI {
			return false
		}
	}
	return true
}

// Copyright 2024 The Aklite Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package target

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestVersionOrdering(t *testing.T) {
	tests := []struct {
		a, b string
		less bool
	}{
		{"0", "1", true},
		{"", "0", true},
		{"1", "0", false},
		{"2", "10", true},
		{"10", "2", false},
		{"007", "7", false}, // leading zeros tolerated; equal
		{"7", "007", false},
		{"abc", "2", true}, // non-numeric sorts before numeric
		{"2", "abc", false},
		{"1.2", "1.10", true},
		{"1.a", "1.2", true},
		{"1", "1.1", true},
	}
	for _, tc := range tests {
		if got := ParseVersion(tc.a).Less(ParseVersion(tc.b)); got != tc.less {
			t.Errorf("Less(%q, %q) = %v, want %v", tc.a, tc.b, got, tc.less)
		}
	}
}

func TestVersionNum(t *testing.T) {
	tests := []struct {
		raw  string
		want int64
	}{
		{"0", 0},
		{"42", 42},
		{"007", 7},
		{"", -1},
		{"abc", -1},
		{"1.2", -1},
		{"-3", -1},
	}
	for _, tc := range tests {
		if got := ParseVersion(tc.raw).Num(); got != tc.want {
			t.Errorf("Num(%q) = %d, want %d", tc.raw, got, tc.want)
		}
	}
}

func TestNonNumericVersionNeverLatest(t *testing.T) {
	versions := []string{"abc", "3", "1", "zzz"}
	best := ParseVersion(versions[0])
	for _, v := range versions[1:] {
		if best.Less(ParseVersion(v)) {
			best = ParseVersion(v)
		}
	}
	if best.String() != "3" {
		t.Errorf("latest = %q, want 3", best.String())
	}
}

func TestAppliesTo(t *testing.T) {
	tgt := New("t1", "1", [32]byte{}, nil, []string{"rpi4", "imx8"}, []string{"main", "devel"}, nil, false)

	tests := []struct {
		hwid string
		tags []string
		want bool
	}{
		{"rpi4", nil, true},              // empty device tag set accepts all
		{"rpi4", []string{"main"}, true},
		{"rpi4", []string{"other"}, false},
		{"x86", []string{"main"}, false},
		{"imx8", []string{"qa", "devel"}, true},
	}
	for _, tc := range tests {
		if got := tgt.AppliesTo(tc.hwid, tc.tags); got != tc.want {
			t.Errorf("AppliesTo(%q, %v) = %v, want %v", tc.hwid, tc.tags, got, tc.want)
		}
	}
}

func TestAppliesToUntaggedTarget(t *testing.T) {
	tgt := New("t1", "1", [32]byte{}, nil, []string{"rpi4"}, nil, nil, false)
	if !tgt.AppliesTo("rpi4", []string{"main"}) {
		t.Error("a Target with no tags should accept any device tag set")
	}
}

func TestShortlist(t *testing.T) {
	apps := []App{
		{Name: "app-01", URI: "reg/f/app-01@sha256:aa"},
		{Name: "app-02", URI: "reg/f/app-02@sha256:bb"},
		{Name: "app-03", URI: "reg/f/app-03@sha256:cc"},
	}
	tgt := New("t1", "1", [32]byte{}, apps, []string{"rpi4"}, nil, nil, false)

	got := tgt.Shortlist([]string{"app-03", "app-01"}).AppNames()
	if diff := cmp.Diff([]string{"app-01", "app-03"}, got); diff != "" {
		t.Errorf("shortlisted app names mismatch (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff(tgt.AppNames(), tgt.Shortlist(nil).AppNames()); diff != "" {
		t.Errorf("empty shortlist should keep every app (-want +got):\n%s", diff)
	}

	if got := tgt.Shortlist([]string{"absent"}).AppNames(); len(got) != 0 {
		t.Errorf("shortlist of unknown names should be empty, got %v", got)
	}
}

func TestSameIdentity(t *testing.T) {
	sha := [32]byte{1, 2, 3}
	apps := []App{{Name: "a", URI: "reg/f/a@sha256:aa"}}

	base := New("t1", "1", sha, apps, nil, nil, nil, false)
	same := New("t1", "1", sha, []App{{Name: "a", URI: "reg/f/a@sha256:aa"}}, nil, nil, nil, false)
	otherSha := New("t1", "1", [32]byte{9}, apps, nil, nil, nil, false)
	otherApp := New("t1", "1", sha, []App{{Name: "a", URI: "reg/f/a@sha256:bb"}}, nil, nil, nil, false)
	extraApp := New("t1", "1", sha, append(apps, App{Name: "b", URI: "reg/f/b@sha256:cc"}), nil, nil, nil, false)

	if !SameIdentity(base, same) {
		t.Error("identical sha and apps should have the same identity")
	}
	for name, other := range map[string]Target{"sha": otherSha, "app uri": otherApp, "extra app": extraApp} {
		if SameIdentity(base, other) {
			t.Errorf("differing %s should break identity", name)
		}
	}
}

func TestTargetImmutability(t *testing.T) {
	apps := []App{{Name: "a", URI: "u"}}
	hwids := []string{"rpi4"}
	tgt := New("t1", "1", [32]byte{}, apps, hwids, nil, nil, false)

	apps[0].Name = "mutated"
	hwids[0] = "mutated"
	tgt.Apps()[0].Name = "mutated-again"

	if got := tgt.Apps()[0].Name; got != "a" {
		t.Errorf("app name = %q, want %q", got, "a")
	}
	if got := tgt.HardwareIDs()[0]; got != "rpi4" {
		t.Errorf("hardware id = %q, want %q", got, "rpi4")
	}
}

func TestNewInitial(t *testing.T) {
	sha := [32]byte{0xaa}
	tgt := NewInitial(sha)
	if !tgt.IsInitial() {
		t.Error("IsInitial() = false")
	}
	if len(tgt.Apps()) != 0 {
		t.Errorf("initial target should carry no apps, got %v", tgt.Apps())
	}
	// Any published version must order after the synthetic initial one.
	if !tgt.Version().Less(ParseVersion("0")) {
		t.Error("initial target version should sort before version 0")
	}
}

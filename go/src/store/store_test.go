// Copyright 2024 The Aklite Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package store

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "sql.db"), filepath.Join(dir, "current-target"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSetCurrentDemotesPriorCurrent(t *testing.T) {
	s := openTestStore(t)

	if err := s.SetCurrent(VersionRecord{TargetName: "t1"}); err != nil {
		t.Fatalf("SetCurrent t1: %v", err)
	}
	if err := s.SetCurrent(VersionRecord{TargetName: "t2"}); err != nil {
		t.Fatalf("SetCurrent t2: %v", err)
	}

	t1, ok, err := s.GetVersionRecord("t1")
	if err != nil || !ok {
		t.Fatalf("GetVersionRecord t1: ok=%v err=%v", ok, err)
	}
	if t1.Mode != ModeNone {
		t.Errorf("t1.Mode = %v, want ModeNone", t1.Mode)
	}

	t2, ok, err := s.GetVersionRecord("t2")
	if err != nil || !ok {
		t.Fatalf("GetVersionRecord t2: ok=%v err=%v", ok, err)
	}
	if t2.Mode != ModeCurrent {
		t.Errorf("t2.Mode = %v, want ModeCurrent", t2.Mode)
	}
}

func TestPendingInstallRoundTrip(t *testing.T) {
	s := openTestStore(t)

	p := PendingInstall{TargetName: "t2", CorrelationID: "abc-123", Mode: "all"}
	if err := s.PutPendingInstall(p); err != nil {
		t.Fatalf("PutPendingInstall: %v", err)
	}

	got, ok, err := s.GetPendingInstall()
	if err != nil || !ok {
		t.Fatalf("GetPendingInstall: ok=%v err=%v", ok, err)
	}
	if got.TargetName != p.TargetName || got.CorrelationID != p.CorrelationID || got.Mode != p.Mode {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, p)
	}

	if err := s.ClearPendingInstall(); err != nil {
		t.Fatalf("ClearPendingInstall: %v", err)
	}
	if _, ok, err := s.GetPendingInstall(); err != nil || ok {
		t.Errorf("expected no pending install after clear, ok=%v err=%v", ok, err)
	}
}

func TestMarkBad(t *testing.T) {
	s := openTestStore(t)
	if err := s.PutVersionRecord(VersionRecord{TargetName: "t1", Mode: ModeCurrent}); err != nil {
		t.Fatalf("PutVersionRecord: %v", err)
	}
	if err := s.MarkBad("t1"); err != nil {
		t.Fatalf("MarkBad: %v", err)
	}
	rec, ok, err := s.GetVersionRecord("t1")
	if err != nil || !ok {
		t.Fatalf("GetVersionRecord: ok=%v err=%v", ok, err)
	}
	if rec.Mode != ModeBad {
		t.Errorf("Mode = %v, want ModeBad", rec.Mode)
	}
}

func TestWriteCurrentTargetFile(t *testing.T) {
	s := openTestStore(t)
	if err := s.WriteCurrentTargetFile(CurrentTargetFields{TargetName: "t2", CustomVersion: "2"}); err != nil {
		t.Fatalf("WriteCurrentTargetFile: %v", err)
	}
	data, err := os.ReadFile(s.currentTargetPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(data), `TARGET_NAME="t2"`) {
		t.Errorf("current-target file missing TARGET_NAME: %q", data)
	}
}

// Copyright 2024 The Aklite Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package storage

import "testing"

func fakeStat(size, free int64) StatFunc {
	return func(path string) (int64, int64, error) { return size, free, nil }
}

func TestUsageWatermark(t *testing.T) {
	u, err := NewUsage(fakeStat(1000, 500), "/data", 5)
	if err != nil {
		t.Fatalf("NewUsage: %v", err)
	}
	if u.Reserved != 50 {
		t.Errorf("Reserved = %d, want 50 (ceil(1000*5/100))", u.Reserved)
	}
	if u.Available != 450 {
		t.Errorf("Available = %d, want 450", u.Available)
	}
}

func TestUsageAvailableNeverNegative(t *testing.T) {
	u, err := NewUsage(fakeStat(1000, 10), "/data", 5)
	if err != nil {
		t.Fatalf("NewUsage: %v", err)
	}
	u2, err := NewUsage(fakeStat(1000, 0), "/data", 50)
	if err != nil {
		t.Fatalf("NewUsage: %v", err)
	}
	if u.Available < 0 || u2.Available < 0 {
		t.Errorf("Available must never be negative: got %d and %d", u.Available, u2.Available)
	}
}

func TestCheckInsufficientSpaceBoundary(t *testing.T) {
	u, err := NewUsage(fakeStat(1024, 1024), "/data", 0)
	if err != nil {
		t.Fatalf("NewUsage: %v", err)
	}
	// available == 1024; required == available + 1 must fail by exactly 1 byte.
	over := u.WithRequired(u.Available + 1)
	err = over.Check()
	insufficient, ok := err.(*ErrInsufficientSpace)
	if !ok {
		t.Fatalf("expected *ErrInsufficientSpace, got %T (%v)", err, err)
	}
	if insufficient.Required != u.Available+1 {
		t.Errorf("Required = %d, want %d", insufficient.Required, u.Available+1)
	}

	okUsage := u.WithRequired(u.Available)
	if err := okUsage.Check(); err != nil {
		t.Errorf("required == available must not fail: %v", err)
	}
}

func TestEstimateCommitBytesFallsBackWithoutDelta(t *testing.T) {
	if _, ok := EstimateCommitBytes(nil); ok {
		t.Errorf("expected no pre-flight estimate without a delta manifest")
	}
	required, ok := EstimateCommitBytes([]DeltaChunk{{Size: 100}, {Size: 250}})
	if !ok || required != 350 {
		t.Errorf("EstimateCommitBytes = (%d, %v), want (350, true)", required, ok)
	}
}

func TestEstimateAppBytesAppliesFactor(t *testing.T) {
	layers := [][]ImageLayer{
		{{Size: 100}, {Size: 50}},
		{{Size: 200}},
	}
	if got := EstimateAppBytes(layers, 2); got != 700 {
		t.Errorf("EstimateAppBytes = %d, want 700", got)
	}
	if got := EstimateAppBytes(layers, 0); got != 700 {
		t.Errorf("EstimateAppBytes with default factor = %d, want 700", got)
	}
}

func TestClampWatermark(t *testing.T) {
	if got := ClampWatermark(0); got != DefaultReservedStorageSpacePercentage {
		t.Errorf("ClampWatermark(0) = %d, want default", got)
	}
	if got := ClampWatermark(100); got != DefaultReservedStorageSpacePercentage {
		t.Errorf("ClampWatermark(100) = %d, want default", got)
	}
	if got := ClampWatermark(10); got != 10 {
		t.Errorf("ClampWatermark(10) = %d, want 10", got)
	}
}

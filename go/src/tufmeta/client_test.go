// Copyright 2024 The Aklite Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package tufmeta

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/theupdateframework/go-tuf/data"
)

func mustCustom(t *testing.T, c targetCustom) *json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(c)
	if err != nil {
		t.Fatalf("marshal custom: %v", err)
	}
	rm := json.RawMessage(raw)
	return &rm
}

func TestTargetsFiltersByHardwareAndParsesCustom(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	c, err := NewClient(store)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	sha := "bb" + strings.Repeat("b", 62)
	rpi := targetCustom{
		Version:     "2",
		Sha256:      sha,
		HardwareIDs: []string{"rpi4"},
		Apps:        map[string]string{"app-01": "reg/f/app@sha256:cccc"},
	}
	other := targetCustom{
		Version:     "2",
		Sha256:      sha,
		HardwareIDs: []string{"qemu-x86-64"},
	}

	c.targets = &data.Targets{
		Expires: time.Now().Add(time.Hour),
		Targets: data.TargetFiles{
			"rpi-target":   data.TargetFileMeta{Custom: mustCustom(t, rpi)},
			"other-target": data.TargetFileMeta{Custom: mustCustom(t, other)},
		},
	}

	got, err := c.Targets("rpi4", nil)
	if err != nil {
		t.Fatalf("Targets: %v", err)
	}
	if len(got) != 1 || got[0].Name() != "rpi-target" {
		t.Fatalf("got %+v, want exactly rpi-target", got)
	}
	if app, ok := got[0].App("app-01"); !ok || app.URI != "reg/f/app@sha256:cccc" {
		t.Errorf("app-01 missing or wrong uri: %+v ok=%v", app, ok)
	}
}

func TestCheckMetaExpired(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	c, err := NewClient(store)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	c.root = &data.Root{Expires: time.Now().Add(-time.Hour)}

	err = c.CheckMeta()
	if _, ok := err.(*ErrExpiredMetadata); !ok {
		t.Fatalf("CheckMeta() = %v (%T), want *ErrExpiredMetadata", err, err)
	}
}

func TestCheckMetaValid(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	c, err := NewClient(store)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	future := time.Now().Add(24 * time.Hour)
	c.root = &data.Root{Expires: future}
	c.timestamp = &timestampSigned{Expires: future}
	c.snapshot = &snapshotSigned{Expires: future}
	c.targets = &data.Targets{Expires: future}

	if err := c.CheckMeta(); err != nil {
		t.Errorf("CheckMeta: %v", err)
	}
}

func TestParseSha256HexRejectsWrongLength(t *testing.T) {
	if _, err := parseSha256Hex("abcd"); err == nil {
		t.Errorf("expected error for short hex string")
	}
}


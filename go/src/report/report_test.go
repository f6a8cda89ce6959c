// Copyright 2024 The Aklite Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package report

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/edgefleetio/aklite-core/go/src/capability"
)

var errSinkUnavailable = errors.New("report test: sink unavailable")

func openTestQueue(t *testing.T) *Queue {
	t.Helper()
	q, err := Open(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q
}

func TestPushPreservesOrderPerCorrelationID(t *testing.T) {
	q := openTestQueue(t)
	corr := NewCorrelationID()
	want := []Kind{DownloadStarted, DownloadCompleted, InstallStarted, InstallApplied, InstallCompleted}
	for _, k := range want {
		if err := q.Push(Event{Kind: k, CorrelationID: corr, TargetName: "v2", Success: true}); err != nil {
			t.Fatalf("Push(%s): %v", k, err)
		}
	}

	pending, err := q.Pending()
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(pending) != len(want) {
		t.Fatalf("got %d pending events, want %d", len(pending), len(want))
	}
	for i, ev := range pending {
		if ev.Kind != want[i] {
			t.Errorf("event %d = %s, want %s", i, ev.Kind, want[i])
		}
	}
}

func TestFlushDeliversAndDrains(t *testing.T) {
	q := openTestQueue(t)
	if err := q.Push(Event{Kind: DownloadStarted, CorrelationID: "c1"}); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if err := q.Push(Event{Kind: DownloadCompleted, CorrelationID: "c1", Success: true}); err != nil {
		t.Fatalf("Push: %v", err)
	}

	sink := &capability.FakeReportSink{}
	if err := q.Flush(context.Background(), sink); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	pending, err := q.Pending()
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected queue to be drained, got %d pending", len(pending))
	}
	if len(sink.Payloads) != 2 {
		t.Fatalf("expected 2 delivered payloads, got %d", len(sink.Payloads))
	}
	var first Event
	if err := json.Unmarshal(sink.Payloads[0], &first); err != nil {
		t.Fatalf("unmarshal delivered payload: %v", err)
	}
	if first.Kind != DownloadStarted {
		t.Errorf("first delivered event = %s, want %s", first.Kind, DownloadStarted)
	}
}

func TestFlushStopsAtFirstFailureLeavingOrderIntact(t *testing.T) {
	q := openTestQueue(t)
	for _, k := range []Kind{DownloadStarted, DownloadCompleted, InstallStarted} {
		if err := q.Push(Event{Kind: k, CorrelationID: "c1"}); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}

	sink := &capability.FakeReportSink{SendErr: errSinkUnavailable}
	if err := q.Flush(context.Background(), sink); err != nil {
		t.Fatalf("Flush should be best-effort and never surface a sink error: %v", err)
	}

	pending, err := q.Pending()
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("expected all 3 events to remain queued after a failed flush, got %d", len(pending))
	}
	if pending[0].Kind != DownloadStarted {
		t.Errorf("pending[0] = %s, want %s", pending[0].Kind, DownloadStarted)
	}
}

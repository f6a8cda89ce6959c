// Copyright 2024 The Aklite Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package report implements the Event Reporter (C9): a persisted, ordered
// queue of lifecycle events, flushed best-effort to a capability.ReportSink.
// Events for a given correlation ID are always delivered in the order they
// were queued, and survive a reboot between queueing and delivery.
package report

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
	"github.com/google/uuid"

	"github.com/edgefleetio/aklite-core/go/src/capability"
)

// Kind enumerates the lifecycle events, in the order
// a single correlation ID must observe them.
type Kind string

const (
	DownloadStarted   Kind = "DownloadStarted"
	DownloadCompleted Kind = "DownloadCompleted"
	InstallStarted    Kind = "InstallStarted"
	InstallApplied    Kind = "InstallApplied"
	InstallCompleted  Kind = "InstallCompleted"
)

// Event is one queued lifecycle record.
type Event struct {
	Kind          Kind      `json:"kind"`
	CorrelationID string    `json:"correlation_id"`
	TargetName    string    `json:"target_name"`
	Version       string    `json:"version"`
	Success       bool      `json:"success"` // meaningful for DownloadCompleted/InstallCompleted
	Details       string    `json:"details"`
	QueuedAt      time.Time `json:"queued_at"`
}

// NewCorrelationID mints a fresh correlation ID for one update cycle.
func NewCorrelationID() string { return uuid.NewString() }

var bucketEvents = []byte("events")

// Queue is the persisted, ordered event queue. Events are appended under a
// monotonically increasing key so Flush always drains them in queue order.
type Queue struct {
	db *bolt.DB
}

// Open opens (creating if absent) the event queue database at dbPath.
func Open(dbPath string) (*Queue, error) {
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("report: open %s: %w", dbPath, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEvents)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("report: create bucket: %w", err)
	}
	return &Queue{db: db}, nil
}

func (q *Queue) Close() error { return q.db.Close() }

// Push persists ev at the tail of the queue, stamping QueuedAt if the
// caller did not.
func (q *Queue) Push(ev Event) error {
	if ev.QueuedAt.IsZero() {
		ev.QueuedAt = time.Now()
	}
	return q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		return b.Put(seqKey(seq), data)
	})
}

// Pending returns every queued event, oldest first.
func (q *Queue) Pending() ([]Event, error) {
	var out []Event
	err := q.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEvents).ForEach(func(k, v []byte) error {
			var ev Event
			if err := json.Unmarshal(v, &ev); err != nil {
				return err
			}
			out = append(out, ev)
			return nil
		})
	})
	return out, err
}

// Flush attempts to deliver every pending event to sink, in queue order,
// stopping at (and leaving queued) the first delivery failure so ordering
// for later events is never violated by a partial flush.
func (q *Queue) Flush(ctx context.Context, sink capability.ReportSink) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if err := sink.Send(ctx, v); err != nil {
				return nil // best-effort: leave this and later events queued for next flush.
			}
			if err := c.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
}

func seqKey(seq uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	return buf
}

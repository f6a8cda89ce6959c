// Copyright 2024 The Aklite Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package store holds the on-disk persisted state the core itself owns:
// the InstalledVersionLog, PendingInstall, BootFwRecord, and a device-info
// memo, backed by a single bbolt database file, plus the newline KEY="VALUE"
// current-target text file alongside it.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/edgefleetio/aklite-core/tools/lib/atomicfile"
)

var (
	bucketVersions       = []byte("installed_versions")
	bucketPending        = []byte("pending_install")
	bucketBootFw         = []byte("bootfw_record")
	bucketDevice         = []byte("device_info")
	bucketDownloadFailure = []byte("download_failure")
)

const pendingKey = "current"
const bootfwKey = "current"
const deviceKey = "current"
const downloadFailureKey = "current"

// Mode is a Target's status in the InstalledVersionLog.
type Mode string

const (
	ModeCurrent Mode = "current"
	ModePending Mode = "pending"
	ModeNone    Mode = "none"
	ModeBad     Mode = "bad"
)

// AppRef is a minimal (name, uri) app reference, enough for the install
// state machine to reconstruct which apps belong to a Target without
// persisting the full Target Model (hardware-ids/tags are irrelevant once
// a Target has already been selected for install).
type AppRef struct {
	Name string `json:"name"`
	URI  string `json:"uri"`
}

// VersionRecord is one InstalledVersionLog entry.
type VersionRecord struct {
	TargetName  string    `json:"target_name"`
	Version     string    `json:"version"`
	Sha256Hex   string    `json:"sha256_hex"`
	Mode        Mode      `json:"mode"`
	Apps        []AppRef  `json:"apps"`
	InstalledAt time.Time `json:"installed_at"`
}

// PendingInstall is persisted after a successful commit-store deploy and
// cleared after finalize or rollback-commit.
type PendingInstall struct {
	TargetName    string    `json:"target_name"`
	CorrelationID string    `json:"correlation_id"`
	Mode          string    `json:"mode"` // "all" | "apps_only"
	Apps          []AppRef  `json:"apps"`
	CreatedAt     time.Time `json:"created_at"`
}

// DownloadFailureRecord caches the last "insufficient space" failure for a
// given content digest, so a caller retrying the same target without any
// change in free space short-circuits without touching the network.
type DownloadFailureRecord struct {
	Digest             string `json:"digest"`
	RequiredBytes      int64  `json:"required_bytes"`
	AvailableAtFailure int64  `json:"available_at_failure"`
}

// BootFwRecord tracks boot-firmware confirmation state.
type BootFwRecord struct {
	BootfwVersion       int `json:"bootfw_version"`
	BootupgradeAvailable int `json:"bootupgrade_available"` // 0, 1, 2
}

// DeviceInfoMemo caches the hardware-id/tag set used on the last cycle, so
// the next cycle can log a drift. tufmeta does not read it; how metadata
// is fetched does not depend on it.
type DeviceInfoMemo struct {
	HardwareID string   `json:"hardware_id"`
	Tags       []string `json:"tags"`
	Hash       string   `json:"hash"`
}

// Store wraps a bbolt database plus the sibling current-target text file.
type Store struct {
	db               *bolt.DB
	currentTargetPath string
}

// Open opens (creating if absent) the bbolt database at dbPath, and
// remembers currentTargetPath for WriteCurrentTargetFile.
func Open(dbPath, currentTargetPath string) (*Store, error) {
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dbPath, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketVersions, bucketPending, bucketBootFw, bucketDevice, bucketDownloadFailure} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create buckets: %w", err)
	}
	return &Store{db: db, currentTargetPath: currentTargetPath}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// PutVersionRecord appends/overwrites the record for name. Callers are
// responsible for keeping at most one pending and at most one current
// entry by clearing the old holder's mode first.
func (s *Store) PutVersionRecord(rec VersionRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketVersions).Put([]byte(rec.TargetName), data)
	})
}

// GetVersionRecord returns the record for name, or ok=false if absent.
func (s *Store) GetVersionRecord(name string) (rec VersionRecord, ok bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketVersions).Get([]byte(name))
		if data == nil {
			return nil
		}
		ok = true
		return json.Unmarshal(data, &rec)
	})
	return rec, ok, err
}

// AllVersionRecords returns every InstalledVersionLog entry.
func (s *Store) AllVersionRecords() ([]VersionRecord, error) {
	var out []VersionRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketVersions).ForEach(func(k, v []byte) error {
			var rec VersionRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}

// SetCurrent marks name's record as current and demotes any other
// current-marked record to none, atomically within one bbolt transaction.
func (s *Store) SetCurrent(rec VersionRecord) error {
	rec.Mode = ModeCurrent
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketVersions)
		if err := b.ForEach(func(k, v []byte) error {
			var existing VersionRecord
			if err := json.Unmarshal(v, &existing); err != nil {
				return err
			}
			if existing.Mode == ModeCurrent && existing.TargetName != rec.TargetName {
				existing.Mode = ModeNone
				data, err := json.Marshal(existing)
				if err != nil {
					return err
				}
				return b.Put(k, data)
			}
			return nil
		}); err != nil {
			return err
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(rec.TargetName), data)
	})
}

// MarkBad sets name's mode to bad, leaving all other fields untouched.
func (s *Store) MarkBad(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketVersions)
		data := b.Get([]byte(name))
		if data == nil {
			return fmt.Errorf("store: mark bad: no record for %q", name)
		}
		var rec VersionRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		rec.Mode = ModeBad
		out, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(name), out)
	})
}

// PutPendingInstall persists p, replacing any existing record.
func (s *Store) PutPendingInstall(p PendingInstall) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(p)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketPending).Put([]byte(pendingKey), data)
	})
}

// GetPendingInstall returns the current PendingInstall, if any.
func (s *Store) GetPendingInstall() (p PendingInstall, ok bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketPending).Get([]byte(pendingKey))
		if data == nil {
			return nil
		}
		ok = true
		return json.Unmarshal(data, &p)
	})
	return p, ok, err
}

// ClearPendingInstall removes the persisted PendingInstall, if any.
func (s *Store) ClearPendingInstall() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPending).Delete([]byte(pendingKey))
	})
}

// PutBootFwRecord persists b.
func (s *Store) PutBootFwRecord(b BootFwRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(b)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketBootFw).Put([]byte(bootfwKey), data)
	})
}

// GetBootFwRecord returns the persisted BootFwRecord, defaulting to the
// zero value (no pending boot-fw work) if none was ever written.
func (s *Store) GetBootFwRecord() (BootFwRecord, error) {
	var rec BootFwRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketBootFw).Get([]byte(bootfwKey))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &rec)
	})
	return rec, err
}

// PutDeviceInfoMemo persists m.
func (s *Store) PutDeviceInfoMemo(m DeviceInfoMemo) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(m)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketDevice).Put([]byte(deviceKey), data)
	})
}

// GetDeviceInfoMemo returns the persisted memo, if any.
func (s *Store) GetDeviceInfoMemo() (m DeviceInfoMemo, ok bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketDevice).Get([]byte(deviceKey))
		if data == nil {
			return nil
		}
		ok = true
		return json.Unmarshal(data, &m)
	})
	return m, ok, err
}

// PutDownloadFailureCache persists rec, replacing any existing cache entry.
func (s *Store) PutDownloadFailureCache(rec DownloadFailureRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketDownloadFailure).Put([]byte(downloadFailureKey), data)
	})
}

// GetDownloadFailureCache returns the cached record, if any.
func (s *Store) GetDownloadFailureCache() (rec DownloadFailureRecord, ok bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketDownloadFailure).Get([]byte(downloadFailureKey))
		if data == nil {
			return nil
		}
		ok = true
		return json.Unmarshal(data, &rec)
	})
	return rec, ok, err
}

// ClearDownloadFailureCache removes the cached record, if any.
func (s *Store) ClearDownloadFailureCache() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDownloadFailure).Delete([]byte(downloadFailureKey))
	})
}

// CurrentTargetFields is the set of KEY="VALUE" pairs written
// in <storage>/current-target.
type CurrentTargetFields struct {
	TargetName                string
	CustomVersion             string
	LmpManifestSha            string
	MetaSubscriberOverridesSha string
	ContainersSha             string
}

// WriteCurrentTargetFile atomically (re)writes the current-target file.
func (s *Store) WriteCurrentTargetFile(f CurrentTargetFields) error {
	return atomicfile.Write(s.currentTargetPath, 0644, func(out *os.File) error {
		lines := []string{
			fmt.Sprintf("TARGET_NAME=%q", f.TargetName),
			fmt.Sprintf("CUSTOM_VERSION=%q", f.CustomVersion),
			fmt.Sprintf("LMP_MANIFEST_SHA=%q", f.LmpManifestSha),
			fmt.Sprintf("META_SUBSCRIBER_OVERRIDES_SHA=%q", f.MetaSubscriberOverridesSha),
			fmt.Sprintf("CONTAINERS_SHA=%q", f.ContainersSha),
		}
		for _, line := range lines {
			if _, err := fmt.Fprintln(out, line); err != nil {
				return err
			}
		}
		return nil
	})
}

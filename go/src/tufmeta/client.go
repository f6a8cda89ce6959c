// Copyright 2024 The Aklite Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package tufmeta

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/theupdateframework/go-tuf/data"
	"github.com/theupdateframework/go-tuf/verify"

	"github.com/edgefleetio/aklite-core/go/src/target"
)

// Error kinds for the TUF layer.
type ErrMetadataInvalid struct{ Reason string }

func (e *ErrMetadataInvalid) Error() string { return "tufmeta: metadata invalid: " + e.Reason }

type ErrMetadataFetchFailed struct{ Role string; Err error }

func (e *ErrMetadataFetchFailed) Error() string {
	return fmt.Sprintf("tufmeta: fetch %s failed: %v", e.Role, e.Err)
}
func (e *ErrMetadataFetchFailed) Unwrap() error { return e.Err }

type ErrExpiredMetadata struct{ Role string; Expired time.Time }

func (e *ErrExpiredMetadata) Error() string {
	return fmt.Sprintf("tufmeta: %s expired at %s", e.Role, e.Expired)
}

// maxRootRotations bounds the "fetch N+1 until 404" loop so a misbehaving
// or malicious source cannot force unbounded work.
const maxRootRotations = 1000

// metaPointer is the subset of the timestamp/snapshot wire format this
// client cross-checks: the declared version/length/hash of the next role
// down the chain (timestamp → snapshot → targets).
type metaPointer struct {
	Version int64             `json:"version"`
	Length  int64             `json:"length"`
	Hashes  map[string]string `json:"hashes"`
}

type timestampSigned struct {
	Type    string                 `json:"_type"`
	Version int64                  `json:"version"`
	Expires time.Time              `json:"expires"`
	Meta    map[string]metaPointer `json:"meta"`
}

type snapshotSigned struct {
	Type    string                 `json:"_type"`
	Version int64                  `json:"version"`
	Expires time.Time              `json:"expires"`
	Meta    map[string]metaPointer `json:"meta"`
}

// Client is the TUF Client (C1). It is source-agnostic: the same Client
// drives both an HTTPS-backed RoleFetcher and the offline directory
// adapter's RoleFetcher implementation.
type Client struct {
	local *LocalStore

	root      *data.Root
	timestamp *timestampSigned
	snapshot  *snapshotSigned
	targets   *data.Targets

	// knownIdentities remembers, per target name, the sha256/apps identity
	// last observed in a validated targets document, so a later document
	// cannot silently redefine a name's meaning.
	knownIdentities map[string]target.Target
}

// NewClient loads the previously trusted root and targets metadata from
// local, if present; persisted timestamp and snapshot are not loaded.
func NewClient(local *LocalStore) (*Client, error) {
	c := &Client{local: local}
	if raw, ok, err := local.Get("root"); err != nil {
		return nil, err
	} else if ok {
		signed, root, err := unmarshalRoot(raw)
		if err != nil {
			return nil, fmt.Errorf("tufmeta: persisted root is corrupt: %w", err)
		}
		_ = signed
		c.root = root
	}
	if raw, ok, err := local.Get("targets"); err == nil && ok {
		var t data.Targets
		if err := json.Unmarshal(extractSigned(raw), &t); err == nil {
			c.targets = &t
		}
	}
	return c, nil
}

// HasRoot reports whether trusted root metadata has been loaded, either
// from the local store at construction or via a prior ImportRoot call.
func (c *Client) HasRoot() bool { return c.root != nil }

// ImportRoot is the one-time bootstrap that seeds trusted root metadata
// from a local directory when the persistent store has none.
func (c *Client) ImportRoot(fetcher RoleFetcher, version int) error {
	v := version
	raw, err := fetcher.FetchRole("root", &v)
	if err != nil {
		return &ErrMetadataFetchFailed{Role: "root", Err: err}
	}
	_, root, err := unmarshalRoot(raw)
	if err != nil {
		return &ErrMetadataInvalid{Reason: err.Error()}
	}
	if err := c.local.Set("root", raw); err != nil {
		return err
	}
	c.root = root
	return nil
}

// UpdateMeta refreshes the trusted metadata set: it iteratively rotates
// root N, N+1, ... until not-found, then fetches timestamp, snapshot, and
// targets, validating
// signatures at every step. On any validation failure the previously
// trusted metadata (already in c.root/c.timestamp/c.snapshot/c.targets) is
// left untouched and ErrMetadataInvalid is returned.
func (c *Client) UpdateMeta(fetcher RoleFetcher) error {
	if c.root == nil {
		return &ErrMetadataInvalid{Reason: "no trusted root; call ImportRoot first"}
	}

	newRoot, err := c.rotateRoot(fetcher)
	if err != nil {
		return err
	}

	tsRaw, err := fetcher.FetchRole("timestamp", nil)
	if err != nil {
		return &ErrMetadataFetchFailed{Role: "timestamp", Err: err}
	}
	ts, err := verifyAndParse(newRoot, "timestamp", tsRaw, func(b []byte) (interface{}, error) {
		var v timestampSigned
		return &v, json.Unmarshal(b, &v)
	})
	if err != nil {
		return err
	}
	timestamp := ts.(*timestampSigned)

	snapPtr, ok := timestamp.Meta["snapshot.json"]
	if !ok {
		return &ErrMetadataInvalid{Reason: "timestamp missing snapshot.json pointer"}
	}
	snapVersion := int(snapPtr.Version)
	snapRaw, err := fetcher.FetchRole("snapshot", &snapVersion)
	if err != nil {
		return &ErrMetadataFetchFailed{Role: "snapshot", Err: err}
	}
	if err := checkLength(snapRaw, snapPtr.Length, "snapshot"); err != nil {
		return err
	}
	sn, err := verifyAndParse(newRoot, "snapshot", snapRaw, func(b []byte) (interface{}, error) {
		var v snapshotSigned
		return &v, json.Unmarshal(b, &v)
	})
	if err != nil {
		return err
	}
	snapshot := sn.(*snapshotSigned)

	tgtPtr, ok := snapshot.Meta["targets.json"]
	if !ok {
		return &ErrMetadataInvalid{Reason: "snapshot missing targets.json pointer"}
	}
	tgtVersion := int(tgtPtr.Version)
	tgtRaw, err := fetcher.FetchRole("targets", &tgtVersion)
	if err != nil {
		return &ErrMetadataFetchFailed{Role: "targets", Err: err}
	}
	if err := checkLength(tgtRaw, tgtPtr.Length, "targets"); err != nil {
		return err
	}
	tg, err := verifyAndParse(newRoot, "targets", tgtRaw, func(b []byte) (interface{}, error) {
		var v data.Targets
		return &v, json.Unmarshal(b, &v)
	})
	if err != nil {
		return err
	}
	targets := tg.(*data.Targets)

	if err := c.local.Set("timestamp", tsRaw); err != nil {
		return err
	}
	if err := c.local.Set("snapshot", snapRaw); err != nil {
		return err
	}
	if err := c.local.Set("targets", tgtRaw); err != nil {
		return err
	}

	c.root = newRoot
	c.timestamp = timestamp
	c.snapshot = snapshot
	c.targets = targets
	return nil
}

// rotateRoot fetches root N+1, N+2, ... until not-found, cross-validating
// each new root against the previous one's key set before trusting it, so
// a rotation from N to N+2 is only trusted via N+1.
func (c *Client) rotateRoot(fetcher RoleFetcher) (*data.Root, error) {
	current := c.root
	rotated := 0
	for {
		if rotated >= maxRootRotations {
			return nil, &ErrMetadataInvalid{Reason: "root rotation exceeded safety bound"}
		}
		nextVersion := int(current.Version) + 1
		raw, err := fetcher.FetchRole("root", &nextVersion)
		if err == ErrRoleNotFound {
			break
		}
		if err != nil {
			return nil, &ErrMetadataFetchFailed{Role: "root", Err: err}
		}

		signed, candidate, err := unmarshalRoot(raw)
		if err != nil {
			return nil, &ErrMetadataInvalid{Reason: err.Error()}
		}
		if candidate.Version != int64(nextVersion) {
			return nil, &ErrMetadataInvalid{Reason: "root version does not match requested version"}
		}

		// The new root must be signed by a threshold of the *old* root's keys...
		if err := verifyWithRoot(current, "root", signed); err != nil {
			return nil, &ErrMetadataInvalid{Reason: "new root not signed by previous root threshold: " + err.Error()}
		}
		// ...and must also be self-consistent (signed by its own declared keys).
		if err := verifyWithRoot(candidate, "root", signed); err != nil {
			return nil, &ErrMetadataInvalid{Reason: "new root not self-signed: " + err.Error()}
		}

		if err := c.local.Set("root", raw); err != nil {
			return nil, err
		}
		current = candidate
		rotated++
	}
	return current, nil
}

// checkLength cross-checks a child role's fetched length against the
// parent role's declared metadata pointer.
func checkLength(raw []byte, want int64, role string) error {
	if want != 0 && int64(len(raw)) != want {
		return &ErrMetadataInvalid{Reason: fmt.Sprintf("%s length mismatch: declared %d, got %d", role, want, len(raw))}
	}
	return nil
}

// verifyAndParse verifies raw's signatures against root's role threshold,
// then parses the embedded "signed" document with parse.
func verifyAndParse(root *data.Root, role string, raw []byte, parse func([]byte) (interface{}, error)) (interface{}, error) {
	var signed data.Signed
	if err := json.Unmarshal(raw, &signed); err != nil {
		return nil, &ErrMetadataInvalid{Reason: fmt.Sprintf("%s: not a signed envelope: %v", role, err)}
	}
	if err := verifyWithRoot(root, role, &signed); err != nil {
		return nil, &ErrMetadataInvalid{Reason: fmt.Sprintf("%s: signature verification failed: %v", role, err)}
	}
	v, err := parse(signed.Signed)
	if err != nil {
		return nil, &ErrMetadataInvalid{Reason: fmt.Sprintf("%s: malformed signed body: %v", role, err)}
	}
	return v, nil
}

// verifyWithRoot checks signed's signatures against the keys/threshold
// root declares for role, via go-tuf's verify.DB.
func verifyWithRoot(root *data.Root, role string, signed *data.Signed) error {
	db := verify.NewDB()
	for id, key := range root.Keys {
		if err := db.AddKey(id, key); err != nil {
			return fmt.Errorf("add key %s: %w", id, err)
		}
	}
	roleSpec, ok := root.Roles[role]
	if !ok {
		return fmt.Errorf("root declares no %q role", role)
	}
	if err := db.AddRole(role, roleSpec); err != nil {
		return fmt.Errorf("add role %s: %w", role, err)
	}
	return db.Verify(signed, role, 0)
}

func unmarshalRoot(raw []byte) (*data.Signed, *data.Root, error) {
	var signed data.Signed
	if err := json.Unmarshal(raw, &signed); err != nil {
		return nil, nil, fmt.Errorf("not a signed envelope: %w", err)
	}
	var root data.Root
	if err := json.Unmarshal(signed.Signed, &root); err != nil {
		return nil, nil, fmt.Errorf("malformed root body: %w", err)
	}
	return &signed, &root, nil
}

func extractSigned(raw []byte) []byte {
	var signed data.Signed
	if err := json.Unmarshal(raw, &signed); err != nil {
		return raw
	}
	return signed.Signed
}

// CheckMeta validates the already-persisted metadata against the clock.
func (c *Client) CheckMeta() error {
	now := time.Now()
	if c.root != nil && now.After(c.root.Expires) {
		return &ErrExpiredMetadata{Role: "root", Expired: c.root.Expires}
	}
	if c.timestamp != nil && now.After(c.timestamp.Expires) {
		return &ErrExpiredMetadata{Role: "timestamp", Expired: c.timestamp.Expires}
	}
	if c.snapshot != nil && now.After(c.snapshot.Expires) {
		return &ErrExpiredMetadata{Role: "snapshot", Expired: c.snapshot.Expires}
	}
	if c.targets != nil && now.After(c.targets.Expires) {
		return &ErrExpiredMetadata{Role: "targets", Expired: c.targets.Expires}
	}
	return nil
}

// targetCustom is the custom.* JSON schema a Target's TargetFileMeta
// carries: version string, rootfs sha256, hwid/tag sets, app map, and an
// optional expected boot-firmware version.
type targetCustom struct {
	Version       string            `json:"version"`
	Sha256        string            `json:"sha256"`
	HardwareIDs   []string          `json:"hardware_ids"`
	Tags          []string          `json:"tags"`
	Apps          map[string]string `json:"apps"`
	BootfwVersion *int              `json:"bootfw_version"`
}

// Targets returns the ordered list of Targets from the latest validated
// targets document, filtered to hardwareID and deviceTags.
func (c *Client) Targets(hardwareID string, deviceTags []string) ([]target.Target, error) {
	if c.targets == nil {
		return nil, &ErrMetadataInvalid{Reason: "no validated targets document"}
	}

	names := make([]string, 0, len(c.targets.Targets))
	for name := range c.targets.Targets {
		names = append(names, name)
	}
	sort.Strings(names)

	if c.knownIdentities == nil {
		c.knownIdentities = map[string]target.Target{}
	}

	var out []target.Target
	for _, name := range names {
		meta := c.targets.Targets[name]
		if meta.Custom == nil {
			continue
		}
		var custom targetCustom
		if err := json.Unmarshal(*meta.Custom, &custom); err != nil {
			continue
		}
		sha, err := parseSha256Hex(custom.Sha256)
		if err != nil {
			continue
		}
		apps := make([]target.App, 0, len(custom.Apps))
		appNames := make([]string, 0, len(custom.Apps))
		for n := range custom.Apps {
			appNames = append(appNames, n)
		}
		sort.Strings(appNames)
		for _, n := range appNames {
			apps = append(apps, target.App{Name: n, URI: custom.Apps[n]})
		}

		t := target.New(name, custom.Version, sha, apps, custom.HardwareIDs, custom.Tags, custom.BootfwVersion, false)

		if known, ok := c.knownIdentities[name]; ok && !target.SameIdentity(known, t) {
			return nil, &ErrMetadataInvalid{Reason: fmt.Sprintf("target %q changed sha256/apps identity across metadata updates", name)}
		}
		c.knownIdentities[name] = t

		if t.AppliesTo(hardwareID, deviceTags) {
			out = append(out, t)
		}
	}
	return out, nil
}

func parseSha256Hex(hexStr string) ([32]byte, error) {
	var out [32]byte
	decoded, err := hex.DecodeString(hexStr)
	if err != nil {
		return out, fmt.Errorf("tufmeta: sha256: %w", err)
	}
	if len(decoded) != 32 {
		return out, fmt.Errorf("tufmeta: sha256 must decode to 32 bytes, got %d", len(decoded))
	}
	copy(out[:], decoded)
	return out, nil
}

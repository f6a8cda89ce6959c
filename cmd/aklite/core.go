// Copyright 2024 The Aklite Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/edgefleetio/aklite-core/go/src/appengine"
	"github.com/edgefleetio/aklite-core/go/src/capability"
	"github.com/edgefleetio/aklite-core/go/src/config"
	"github.com/edgefleetio/aklite-core/go/src/installfsm"
	"github.com/edgefleetio/aklite-core/go/src/offline"
	"github.com/edgefleetio/aklite-core/go/src/report"
	"github.com/edgefleetio/aklite-core/go/src/storage"
	"github.com/edgefleetio/aklite-core/go/src/store"
	"github.com/edgefleetio/aklite-core/go/src/target"
	"github.com/edgefleetio/aklite-core/go/src/tufmeta"
	"github.com/edgefleetio/aklite-core/tools/lib/lockset"
)

// coreFlags holds every flag shared across the update/finalize/status/
// list-targets subcommands, embedded by each subcommand struct.
type coreFlags struct {
	storageRoot  string
	hardwareID   string
	tags         string
	repoServer   string
	bundleDir    string // non-empty selects the offline adapter over repoServer
	composeBin   string
	reportURL    string
	cfg          config.Config
}

func (c *coreFlags) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.storageRoot, "storage-root", "/var/sota", "directory the core persists state under")
	f.StringVar(&c.hardwareID, "hardware-id", "", "this device's hardware-id, for Target qualification")
	f.StringVar(&c.tags, "tags", "", "comma-separated device tag set")
	f.StringVar(&c.repoServer, "repo-server", "", "TUF repo base URL (e.g. https://tuf.example.com/repo)")
	f.StringVar(&c.bundleDir, "offline-bundle", "", "path to a pre-staged offline bundle; overrides -repo-server")
	f.StringVar(&c.composeBin, "compose-bin", "docker-compose", "compose binary invoked for app lifecycle calls")
	f.StringVar(&c.reportURL, "report-url", "", "event collector URL; empty disables reporting")
	f.StringVar(&c.cfg.DockerHost, "docker-host", "", "overrides DOCKER_HOST (defaults to the environment, then the compiled-in default)")
	f.IntVar(&c.cfg.StorageWatermarkPercent, "storage-watermark", storage.DefaultReservedStorageSpacePercentage, "percent of the storage volume to keep reserved")
	f.BoolVar(&c.cfg.ForceUpdate, "force-update", false, "bypass the already-installed/downgrade short-circuits for this cycle")
	f.BoolVar(&c.cfg.FullStatusCheck, "full-status-check", false, "re-verify every app's running state against the runtime during finalize")
}

func (c *coreFlags) deviceTags() []string {
	if c.tags == "" {
		return nil
	}
	return strings.Split(c.tags, ",")
}

// wiring is every long-lived handle an update cycle needs, assembled by
// build and released by close.
type wiring struct {
	Store   *store.Store
	Reports *report.Queue // nil if -report-url is unset
	Locks   *lockset.Set
	Machine *installfsm.Machine
	Apps    *appengine.Engine
	Client  *tufmeta.Client
	Fetcher tufmeta.RoleFetcher
}

// flushReports best-effort delivers any queued lifecycle events to the
// configured collector; delivery failures leave the events queued for a
// later cycle.
func (w *wiring) flushReports(ctx context.Context, reportURL string) {
	if w.Reports == nil || reportURL == "" {
		return
	}
	w.Reports.Flush(ctx, newHTTPReportSink(reportURL))
}

// targetFromVersionRecord rebuilds a Target from a persisted VersionRecord,
// substituting apps for the record's own app list when non-nil (the
// PendingInstall record may carry a shortlisted subset).
func targetFromVersionRecord(rec store.VersionRecord, apps []store.AppRef) target.Target {
	var sha [32]byte
	if b, err := hex.DecodeString(rec.Sha256Hex); err == nil && len(b) == 32 {
		copy(sha[:], b)
	}
	if apps == nil {
		apps = rec.Apps
	}
	tapps := make([]target.App, len(apps))
	for i, a := range apps {
		tapps[i] = target.App{Name: a.Name, URI: a.URI}
	}
	return target.New(rec.TargetName, rec.Version, sha, tapps, nil, nil, nil, false)
}

func (w *wiring) close() {
	if w.Reports != nil {
		w.Reports.Close()
	}
	w.Store.Close()
}

// build wires every component the state machine needs: persisted store,
// event queue, TUF client (network or offline), commit store, app engine,
// and the install lock set. It does not acquire any lock itself — callers
// that mutate state (update, finalize) must call w.Locks.AcquireUpdate()
// before touching w.Machine.
func (c *coreFlags) build() (*wiring, error) {
	dbPath := filepath.Join(c.storageRoot, "sql.db")
	currentTargetPath := filepath.Join(c.storageRoot, "current-target")
	s, err := store.Open(dbPath, currentTargetPath)
	if err != nil {
		return nil, fmt.Errorf("aklite: open store: %w", err)
	}

	var reports *report.Queue
	if c.reportURL != "" {
		reports, err = report.Open(filepath.Join(c.storageRoot, "events.db"))
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("aklite: open report queue: %w", err)
		}
	}

	creds := newDockerConfigCredentials()
	runtime := newDockerRuntime(c.cfg.DockerHostOrDefault())
	apps := appengine.New(
		filepath.Join(c.storageRoot, "apps"),
		filepath.Join(c.storageRoot, "blobs", "sha256"),
		c.composeBin,
		runtime,
		creds,
	)

	var commits capability.CommitStore
	var fetcher tufmeta.RoleFetcher
	if c.bundleDir != "" {
		cs, err := offline.NewCommitStore(filepath.Join(c.bundleDir, "ostree_repo"), "")
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("aklite: open offline commit store: %w", err)
		}
		commits = cs
		fetcher = offline.NewRoleFetcher(c.bundleDir)
	} else {
		if c.repoServer == "" {
			s.Close()
			return nil, fmt.Errorf("aklite: one of -repo-server or -offline-bundle is required")
		}
		fetcher = tufmeta.NewHTTPFetcher(c.repoServer)
		// A real deployment supplies a CommitStore backed by the platform's
		// ostree integration; that adapter is an external collaborator
		// this wiring shim does not implement standalone.
		s.Close()
		return nil, fmt.Errorf("aklite: networked rootfs commit store is supplied by the embedding platform, not this CLI; pass -offline-bundle to exercise the core end to end")
	}

	local, err := tufmeta.NewLocalStore(filepath.Join(c.storageRoot, "tuf"))
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("aklite: open tuf local store: %w", err)
	}
	client, err := tufmeta.NewClient(local)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("aklite: open tuf client: %w", err)
	}

	locks := lockset.NewSet(c.storageRoot)

	machine := &installfsm.Machine{
		Store:           s,
		Commits:         commits,
		Apps:            apps,
		BootFlags:       fwEnvBootFlags{},
		Reports:         reports,
		Stat:            storage.StatVolume,
		RootPath:        c.storageRoot,
		ReservedPercent: c.cfg.StorageWatermarkPercent,
	}

	return &wiring{Store: s, Reports: reports, Locks: locks, Machine: machine, Apps: apps, Client: client, Fetcher: fetcher}, nil
}

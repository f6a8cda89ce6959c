// Copyright 2024 The Aklite Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package appengine implements the App Engine (C4): content-addressed
// fetch, integrity verification, install-into-runtime, start/stop/remove,
// and pruning of compose-style container applications, plus the per-app
// on-disk state file.
//
// On disk, the engine owns:
//
//	<apps-store>/apps/<name>/<digest>/{uri, manifest.json, docker-compose.yml,
//	    images/<host>/<repo>/<digest>/{index.json, ...}, .meta/{.version, .state}}
//	<apps-store>/blobs/sha256/<hex>
package appengine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"time"

	digest "github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/edgefleetio/aklite-core/go/src/capability"
	"github.com/edgefleetio/aklite-core/go/src/registry"
	"github.com/edgefleetio/aklite-core/go/src/target"
	"github.com/edgefleetio/aklite-core/tools/lib/atomicfile"
	"github.com/edgefleetio/aklite-core/tools/lib/golog"
	"github.com/edgefleetio/aklite-core/tools/lib/retry"
)

// composeAppAnnotation is the manifest annotation required on
// an app's manifest blob ("annotated compose-app: v1").
const composeAppAnnotation = "compose-app"
const composeAppVersion = "v1"

// Engine is the App Engine (C4).
type Engine struct {
	appsRoot   string
	blobsRoot  string
	composeBin string
	runtime    capability.Runtime
	creds      capability.CredentialProvider
	httpScheme string // overridable for tests / plain-HTTP on-prem registries

	clientsMu sync.Mutex
	clients   map[string]*registry.Client

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New constructs an Engine rooted at appsRoot/blobsRoot, invoking composeBin
// (e.g. "docker-compose" or "composectl") for container lifecycle calls.
func New(appsRoot, blobsRoot, composeBin string, rt capability.Runtime, creds capability.CredentialProvider) *Engine {
	return &Engine{
		appsRoot:   appsRoot,
		blobsRoot:  blobsRoot,
		composeBin: composeBin,
		runtime:    rt,
		creds:      creds,
		httpScheme: "https",
		clients:    map[string]*registry.Client{},
		locks:      map[string]*sync.Mutex{},
	}
}

// UseInsecureHTTP switches every registry client this Engine creates to
// plain HTTP, for tests and on-prem registries without TLS termination.
func (e *Engine) UseInsecureHTTP() { e.httpScheme = "http" }

func (e *Engine) clientFor(host string) *registry.Client {
	e.clientsMu.Lock()
	defer e.clientsMu.Unlock()
	if c, ok := e.clients[host]; ok {
		return c
	}
	c := registry.NewWithScheme(host, e.httpScheme, e.creds)
	e.clients[host] = c
	return c
}

func (e *Engine) lockFor(appName string) *sync.Mutex {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()
	l, ok := e.locks[appName]
	if !ok {
		l = &sync.Mutex{}
		e.locks[appName] = l
	}
	return l
}

// appDir returns this app's content-addressed directory and parsed URI.
func (e *Engine) appDir(app target.App) (dir string, parsed ParsedURI, err error) {
	parsed, err = ParseURI(app.URI)
	if err != nil {
		return "", ParsedURI{}, err
	}
	return filepath.Join(e.appsRoot, app.Name, parsed.Digest.Encoded()), parsed, nil
}

// Transport errors are retried up to 3 times, starting at 500ms.
func retryBackoff() retry.Backoff { return retry.NewExponentialBackoff(500*time.Millisecond, 3) }

// Fetch implements the per-app fetch algorithm: idempotent and
// resumable — if the on-disk store already contains every referenced
// object bit-identically, no network I/O occurs.
func (e *Engine) Fetch(ctx context.Context, app target.App, flow capability.FlowControl) error {
	appDir, parsed, err := e.appDir(app)
	if err != nil {
		return err
	}

	if state, err := currentState(appDir, app.URI); err == nil && state >= StateDownloaded {
		if _, statErr := os.Stat(filepath.Join(appDir, "manifest.json")); statErr == nil {
			golog.Debugf(ctx, "%s already fetched at %s", app.Name, parsed.Digest)
			return nil // already fetched bit-identically; no network I/O.
		}
	}

	golog.Infof(ctx, "fetching %s from %s", app.Name, parsed.Host)

	if err := os.MkdirAll(appDir, 0755); err != nil {
		return fmt.Errorf("appengine: mkdir %s: %w", appDir, err)
	}

	client := e.clientFor(parsed.Host)

	var manifestBytes []byte
	err = retry.Do(ctx, retryBackoff(), func() error {
		b, _, ferr := client.GetManifest(ctx, parsed.Repo, parsed.Digest)
		if _, ok := ferr.(*registry.ErrVerificationFailed); ok {
			return retry.Permanent(&ErrVerificationFailed{App: app.Name, Object: "manifest", Err: ferr})
		}
		manifestBytes = b
		return ferr
	})
	if err != nil {
		return err
	}

	var manifest ocispec.Manifest
	if err := json.Unmarshal(manifestBytes, &manifest); err != nil {
		return fmt.Errorf("appengine: %s: malformed manifest: %w", app.Name, err)
	}
	if manifest.Annotations[composeAppAnnotation] != composeAppVersion {
		return &ErrComposeInvalid{App: app.Name, Reason: fmt.Sprintf("manifest missing %s=%s annotation", composeAppAnnotation, composeAppVersion)}
	}
	if len(manifest.Layers) != 1 {
		return &ErrComposeInvalid{App: app.Name, Reason: "manifest must reference exactly one archive layer"}
	}

	if err := atomicfile.WriteBytes(filepath.Join(appDir, "manifest.json"), 0644, manifestBytes); err != nil {
		return err
	}

	archiveDigest := digest.Digest(manifest.Layers[0].Digest)
	var archivePath string
	err = retry.Do(ctx, retryBackoff(), func() error {
		p, derr := client.DownloadBlob(ctx, parsed.Repo, archiveDigest, e.blobsRoot, flow)
		if _, ok := derr.(*registry.ErrVerificationFailed); ok {
			return retry.Permanent(&ErrVerificationFailed{App: app.Name, Object: "archive", Err: derr})
		}
		archivePath = p
		return derr
	})
	if err != nil {
		return err
	}

	if err := extractTarGz(archivePath, appDir); err != nil {
		return fmt.Errorf("appengine: %s: extract archive: %w", app.Name, err)
	}

	composeBytes, err := os.ReadFile(filepath.Join(appDir, "docker-compose.yml"))
	if err != nil {
		return fmt.Errorf("appengine: %s: archive did not contain docker-compose.yml: %w", app.Name, err)
	}
	cf, err := ParseCompose(composeBytes)
	if err != nil {
		return err
	}

	names := make([]string, 0, len(cf.Services))
	for name := range cf.Services {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if flow != nil && flow.Done() {
			return fmt.Errorf("appengine: %s: fetch cancelled", app.Name)
		}
		if err := e.fetchImage(ctx, appDir, app.Name, cf.Services[name].Image, flow); err != nil {
			return err
		}
	}

	// The uri file is the publish marker: its presence with the right
	// content means every object above landed intact.
	if err := atomicfile.WriteBytes(filepath.Join(appDir, "uri"), 0644, []byte(app.URI)); err != nil {
		return err
	}
	return writeMeta(appDir, app.URI, StateDownloaded)
}

// fetchImage fetches one service's image index/manifest/config/layers into
// the shared blob store, keyed under appDir/images/<host>/<repo>/<digest>.
func (e *Engine) fetchImage(ctx context.Context, appDir, appName, imageURI string, flow capability.FlowControl) error {
	parsed, err := ParseURI(imageURI)
	if err != nil {
		return fmt.Errorf("appengine: %s: image uri: %w", appName, err)
	}

	imageDir := filepath.Join(appDir, "images", parsed.Host, filepath.FromSlash(parsed.Repo), parsed.Digest.Encoded())
	if _, err := os.Stat(filepath.Join(imageDir, "index.json")); err == nil {
		return nil // already fetched in a prior cycle.
	}
	golog.Infof(ctx, "fetching image %s for %s", imageURI, appName)
	if err := os.MkdirAll(imageDir, 0755); err != nil {
		return fmt.Errorf("appengine: mkdir %s: %w", imageDir, err)
	}

	client := e.clientFor(parsed.Host)

	var indexBytes []byte
	err = retry.Do(ctx, retryBackoff(), func() error {
		b, _, ferr := client.GetManifest(ctx, parsed.Repo, parsed.Digest)
		if _, ok := ferr.(*registry.ErrVerificationFailed); ok {
			return retry.Permanent(&ErrVerificationFailed{App: appName, Object: "image manifest", Err: ferr})
		}
		indexBytes = b
		return ferr
	})
	if err != nil {
		return err
	}
	if err := atomicfile.WriteBytes(filepath.Join(imageDir, "index.json"), 0644, indexBytes); err != nil {
		return err
	}

	var manifest ocispec.Manifest
	if err := json.Unmarshal(indexBytes, &manifest); err != nil {
		return fmt.Errorf("appengine: %s: malformed image manifest: %w", appName, err)
	}

	descs := append([]ocispec.Descriptor{manifest.Config}, manifest.Layers...)
	for _, d := range descs {
		if flow != nil && flow.Done() {
			return fmt.Errorf("appengine: %s: fetch cancelled", appName)
		}
		dgst := digest.Digest(d.Digest)
		err := retry.Do(ctx, retryBackoff(), func() error {
			_, derr := client.DownloadBlob(ctx, parsed.Repo, dgst, e.blobsRoot, flow)
			if _, ok := derr.(*registry.ErrVerificationFailed); ok {
				return retry.Permanent(&ErrVerificationFailed{App: appName, Object: dgst.String(), Err: derr})
			}
			return derr
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Verify re-runs compose-manifest validation against the already-fetched
// on-disk app.
func (e *Engine) Verify(app target.App) error {
	appDir, _, err := e.appDir(app)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(filepath.Join(appDir, "docker-compose.yml"))
	if err != nil {
		return fmt.Errorf("appengine: %s: verify: %w", app.Name, err)
	}
	if _, err := ParseCompose(data); err != nil {
		return err
	}
	return writeMeta(appDir, app.URI, StateVerified)
}

// IsFetched reports whether app's content is present and attributed to
// app.URI.
func (e *Engine) IsFetched(app target.App) bool {
	appDir, _, err := e.appDir(app)
	if err != nil {
		return false
	}
	state, err := currentState(appDir, app.URI)
	return err == nil && state >= StateDownloaded
}

// IsRunning reports whether app has at least one running container,
// cross-checked against the runtime capability.
func (e *Engine) IsRunning(ctx context.Context, app target.App) (bool, error) {
	containers, err := e.runtime.ListContainers(ctx)
	if err != nil {
		return false, fmt.Errorf("appengine: list containers: %w", err)
	}
	for _, c := range containers {
		if c.AppName == app.Name && c.State == "running" {
			return true, nil
		}
	}
	return false, nil
}

// composeFilePath is the path to an already-fetched app's compose file.
func (e *Engine) composeFilePath(app target.App) (string, error) {
	appDir, _, err := e.appDir(app)
	if err != nil {
		return "", err
	}
	return filepath.Join(appDir, "docker-compose.yml"), nil
}

func (e *Engine) runCompose(ctx context.Context, app target.App, args ...string) error {
	composeFile, err := e.composeFilePath(app)
	if err != nil {
		return err
	}
	full := append([]string{"-f", composeFile, "-p", app.Name}, args...)
	cmd := exec.CommandContext(ctx, e.composeBin, full...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("appengine: %s: %s %v: %w: %s", app.Name, e.composeBin, args, err, out)
	}
	return nil
}

// Install materializes app's images into the container runtime and
// creates its containers, but does not start them. It runs under a
// per-app advisory lock. It first lists the runtime's containers and
// fails if that listing fails; the listing does not affect what is
// loaded: every image directory fetched for the app is loaded.
func (e *Engine) Install(ctx context.Context, app target.App) error {
	lock := e.lockFor(app.Name)
	lock.Lock()
	defer lock.Unlock()

	appDir, _, err := e.appDir(app)
	if err != nil {
		return err
	}

	if _, err := e.runtime.ListContainers(ctx); err != nil {
		return fmt.Errorf("appengine: %s: reload runtime state: %w", app.Name, err)
	}

	imagesRoot := filepath.Join(appDir, "images")
	imageDirs, err := findImageDirs(imagesRoot)
	if err != nil {
		return fmt.Errorf("appengine: %s: enumerate images: %w", app.Name, err)
	}
	golog.Infof(ctx, "installing %s (%d images)", app.Name, len(imageDirs))
	for _, dir := range imageDirs {
		if err := e.runtime.LoadImage(ctx, dir); err != nil {
			return fmt.Errorf("appengine: %s: load image %s: %w", app.Name, dir, err)
		}
	}
	if err := writeMeta(appDir, app.URI, StatePulled); err != nil {
		return err
	}

	if err := e.runCompose(ctx, app, "create"); err != nil {
		return err
	}
	return writeMeta(appDir, app.URI, StateInstalled)
}

// Run starts app's containers ("up -d --remove-orphans").
func (e *Engine) Run(ctx context.Context, app target.App) error {
	golog.Infof(ctx, "starting %s", app.Name)
	if err := e.runCompose(ctx, app, "up", "-d", "--remove-orphans"); err != nil {
		return err
	}
	appDir, _, err := e.appDir(app)
	if err != nil {
		return err
	}
	return writeMeta(appDir, app.URI, StateStarted)
}

// Stop idempotently tears down app's running containers without removing
// them.
func (e *Engine) Stop(ctx context.Context, app target.App) error {
	appDir, _, err := e.appDir(app)
	if err != nil {
		return err
	}
	if _, statErr := os.Stat(appDir); os.IsNotExist(statErr) {
		return nil // already removed; idempotent no-op.
	}
	if err := e.runCompose(ctx, app, "stop"); err != nil {
		return err
	}
	return writeMeta(appDir, app.URI, StateInstalled)
}

// Remove idempotently tears down and deletes app's containers.
// Content-addressed blobs are left for Prune to reclaim.
func (e *Engine) Remove(ctx context.Context, app target.App) error {
	appDir, _, err := e.appDir(app)
	if err != nil {
		return err
	}
	if _, statErr := os.Stat(appDir); os.IsNotExist(statErr) {
		return nil
	}
	if err := e.runCompose(ctx, app, "down", "--remove-orphans"); err != nil {
		return err
	}
	return os.RemoveAll(metaDir(appDir))
}

// findImageDirs walks root for OCI-layout image directories (those
// containing an index.json written by fetchImage).
func findImageDirs(root string) ([]string, error) {
	var out []string
	if _, err := os.Stat(root); os.IsNotExist(err) {
		return out, nil
	}
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && info.Name() == "index.json" {
			out = append(out, filepath.Dir(path))
		}
		return nil
	})
	sort.Strings(out)
	return out, err
}

// Copyright 2024 The Aklite Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package appengine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/edgefleetio/aklite-core/tools/lib/golog"
)

// Prune removes every app directory not named in shortlist, then deletes
// blobs unreferenced by any shortlisted app's transitive image layers. It
// must never run concurrent with a fetch; callers serialize this
// themselves (the install state machine only prunes after a successful
// install+start or rollback commit).
func (e *Engine) Prune(ctx context.Context, shortlist []string) error {
	keep := make(map[string]bool, len(shortlist))
	for _, n := range shortlist {
		keep[n] = true
	}

	entries, err := os.ReadDir(e.appsRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("appengine: prune: read %s: %w", e.appsRoot, err)
	}

	for _, ent := range entries {
		if !ent.IsDir() || keep[ent.Name()] {
			continue
		}
		appDir := filepath.Join(e.appsRoot, ent.Name())
		golog.Infof(ctx, "pruning app %s", ent.Name())
		if composeFile := findComposeFile(appDir); composeFile != "" {
			cmd := exec.CommandContext(ctx, e.composeBin, "-f", composeFile, "-p", ent.Name(), "down", "--remove-orphans")
			cmd.CombinedOutput() // best-effort: the app directory is being deleted regardless.
		}
		if err := os.RemoveAll(appDir); err != nil {
			return fmt.Errorf("appengine: prune: remove %s: %w", appDir, err)
		}
	}

	referenced, err := e.referencedDigests(keep)
	if err != nil {
		return err
	}
	if err := e.pruneBlobs(referenced); err != nil {
		return err
	}

	if err := e.runtime.PruneContainers(ctx); err != nil {
		return fmt.Errorf("appengine: prune containers: %w", err)
	}
	if err := e.runtime.PruneImages(ctx); err != nil {
		return fmt.Errorf("appengine: prune images: %w", err)
	}
	return nil
}

// findComposeFile returns appDir's docker-compose.yml path, or "" if the
// app was never fetched that far.
func findComposeFile(appDir string) string {
	// appDir here is apps/<name>/; the compose file lives one level down,
	// under apps/<name>/<digest>/docker-compose.yml.
	entries, err := os.ReadDir(appDir)
	if err != nil {
		return ""
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		p := filepath.Join(appDir, e.Name(), "docker-compose.yml")
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// referencedDigests collects every blob digest transitively reachable from
// the currently-fetched, shortlisted apps: each app's archive layer (from
// manifest.json) and each service image's config + layers (from each
// images/.../index.json).
func (e *Engine) referencedDigests(keep map[string]bool) (map[string]bool, error) {
	referenced := map[string]bool{}

	entries, err := os.ReadDir(e.appsRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return referenced, nil
		}
		return nil, fmt.Errorf("appengine: enumerate apps: %w", err)
	}

	for _, ent := range entries {
		if !ent.IsDir() || !keep[ent.Name()] {
			continue
		}
		appNameDir := filepath.Join(e.appsRoot, ent.Name())
		digestDirs, err := os.ReadDir(appNameDir)
		if err != nil {
			continue
		}
		for _, dd := range digestDirs {
			if !dd.IsDir() {
				continue
			}
			appDigestDir := filepath.Join(appNameDir, dd.Name())
			addManifestDigests(filepath.Join(appDigestDir, "manifest.json"), referenced)

			imageDirs, err := findImageDirs(filepath.Join(appDigestDir, "images"))
			if err != nil {
				continue
			}
			for _, imgDir := range imageDirs {
				addManifestDigests(filepath.Join(imgDir, "index.json"), referenced)
			}
		}
	}
	return referenced, nil
}

// addManifestDigests reads the OCI manifest at path and records its
// layer/config digests into referenced.
func addManifestDigests(path string, referenced map[string]bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var m ocispec.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return
	}
	if m.Config.Digest != "" {
		referenced[m.Config.Digest.Encoded()] = true
	}
	for _, l := range m.Layers {
		referenced[l.Digest.Encoded()] = true
	}
}

// pruneBlobs deletes every file under blobsRoot whose hex name is not in
// referenced.
func (e *Engine) pruneBlobs(referenced map[string]bool) error {
	entries, err := os.ReadDir(e.blobsRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("appengine: prune blobs: read %s: %w", e.blobsRoot, err)
	}
	for _, ent := range entries {
		if ent.IsDir() || referenced[ent.Name()] {
			continue
		}
		if err := os.Remove(filepath.Join(e.blobsRoot, ent.Name())); err != nil {
			return fmt.Errorf("appengine: prune blobs: remove %s: %w", ent.Name(), err)
		}
	}
	return nil
}

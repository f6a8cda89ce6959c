// Copyright 2024 The Aklite Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/edgefleetio/aklite-core/go/src/capability"
)

// dockerRuntime is a concrete capability.Runtime backed by the docker CLI
// and skopeo: explicit argv, no shell, JSON stdout parsed directly.
type dockerRuntime struct {
	dockerHost string
}

func newDockerRuntime(dockerHost string) *dockerRuntime {
	return &dockerRuntime{dockerHost: dockerHost}
}

func (r *dockerRuntime) env() []string {
	return []string{"DOCKER_HOST=" + r.dockerHost}
}

type dockerPsEntry struct {
	Names  string `json:"Names"`
	State  string `json:"State"`
	Image  string `json:"Image"`
	Labels string `json:"Labels"`
}

// ListContainers shells out to "docker ps -a --format json" and derives
// each container's owning app name from its "com.docker.compose.project"
// label, the project name appengine.Engine passes via "-p" at create time.
func (r *dockerRuntime) ListContainers(ctx context.Context) ([]capability.ContainerInfo, error) {
	cmd := exec.CommandContext(ctx, "docker", "ps", "-a", "--format", "{{json .}}")
	cmd.Env = append(cmd.Env, r.env()...)
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("aklite: docker ps: %w", err)
	}

	var infos []capability.ContainerInfo
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line == "" {
			continue
		}
		var e dockerPsEntry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			continue
		}
		infos = append(infos, capability.ContainerInfo{
			AppName: appNameFromLabels(e.Labels),
			Image:   e.Image,
			State:   strings.ToLower(e.State),
		})
	}
	return infos, nil
}

// appNameFromLabels pulls "com.docker.compose.project=<name>" out of
// docker ps's comma-separated Labels column.
func appNameFromLabels(labels string) string {
	for _, kv := range strings.Split(labels, ",") {
		if name, ok := strings.CutPrefix(kv, "com.docker.compose.project="); ok {
			return name
		}
	}
	return ""
}

func (r *dockerRuntime) PruneContainers(ctx context.Context) error {
	return r.run(ctx, "container", "prune", "-f")
}

func (r *dockerRuntime) PruneImages(ctx context.Context) error {
	return r.run(ctx, "image", "prune", "-f")
}

// LoadImage imports an OCI-layout directory (as fetchImage lays one out
// under images/<host>/<repo>/<digest>) into the docker daemon via skopeo,
// because "docker load"
// only accepts a tarball produced by "docker save", not a bare OCI layout.
func (r *dockerRuntime) LoadImage(ctx context.Context, ociLayoutDir string) error {
	dest := fmt.Sprintf("docker-daemon:%s:latest", imageNameFromLayoutPath(ociLayoutDir))
	cmd := exec.CommandContext(ctx, "skopeo", "copy", "oci:"+ociLayoutDir, dest)
	cmd.Env = append(cmd.Env, r.env()...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("aklite: skopeo copy %s: %w: %s", ociLayoutDir, err, out)
	}
	return nil
}

func (r *dockerRuntime) run(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, "docker", args...)
	cmd.Env = append(cmd.Env, r.env()...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("aklite: docker %v: %w: %s", args, err, out)
	}
	return nil
}

// imageNameFromLayoutPath derives a docker-daemon-safe image reference from
// the trailing "<repo>/<digest>" path segments fetchImage lays an OCI
// layout directory out under.
func imageNameFromLayoutPath(dir string) string {
	parts := strings.Split(strings.Trim(dir, "/"), "/")
	if len(parts) < 2 {
		return "aklite-app"
	}
	return strings.ReplaceAll(parts[len(parts)-2], "/", "_") + "-" + parts[len(parts)-1]
}

// Copyright 2024 The Aklite Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package offline

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	digest "github.com/opencontainers/go-digest"
)

// Registry serves the subset of the OCI distribution protocol
// registry.Client speaks (GET manifest, GET blob) out of a bundle
// directory's blobs/sha256 subdirectory, so go/src/appengine can fetch
// apps from a pre-staged bundle through the exact same registry.Client
// code path it uses over the network — no network I/O leaves the host.
//
// It ignores the repository name entirely: content is addressed by
// digest only.
type Registry struct {
	blobsDir string
	srv      *http.Server
	ln       net.Listener
}

// NewRegistry stages a Registry over bundleDir/blobs. Start must be called
// before any app fetch targets it.
func NewRegistry(bundleDir string) *Registry {
	return &Registry{blobsDir: filepath.Join(bundleDir, "blobs", "sha256")}
}

// Start binds a loopback TCP listener and begins serving. The returned
// host:port is what ParseURI-style app URIs must reference to be served
// from here; nothing in this package rewrites app URIs to point at it.
func (r *Registry) Start() (addr string, err error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", fmt.Errorf("offline: listen: %w", err)
	}
	r.ln = ln
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/", r.handle)
	r.srv = &http.Server{Handler: mux}
	go r.srv.Serve(ln)
	return ln.Addr().String(), nil
}

// Close stops the server.
func (r *Registry) Close() error {
	if r.srv == nil {
		return nil
	}
	return r.srv.Close()
}

// handle serves both /v2/<repo>/manifests/<dgst> and
// /v2/<repo>/blobs/<dgst>: both forms resolve to the same content-addressed
// file, so one handler covers both.
func (r *Registry) handle(w http.ResponseWriter, req *http.Request) {
	dgst, err := digestFromPath(req.URL.Path)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	data, err := os.ReadFile(filepath.Join(r.blobsDir, dgst.Encoded()))
	if os.IsNotExist(err) {
		http.NotFound(w, req)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.oci.image.manifest.v1+json")
	w.Write(data)
}

// digestFromPath pulls the trailing "sha256:<hex>" segment off a
// /v2/<repo>/{manifests,blobs}/<dgst> request path.
func digestFromPath(path string) (digest.Digest, error) {
	i := strings.LastIndex(path, "/")
	if i < 0 {
		return "", fmt.Errorf("offline: malformed request path %q", path)
	}
	raw := path[i+1:]
	dgst, err := digest.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("offline: malformed digest %q: %w", raw, err)
	}
	return dgst, nil
}

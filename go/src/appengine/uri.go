// Copyright 2024 The Aklite Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package appengine

import (
	"fmt"
	"strings"

	digest "github.com/opencontainers/go-digest"
)

// ParsedURI is an app or image URI of the form
// "<registry-host>/<factory>/<app>@sha256:<hex>", split into its registry
// host, repository path, and digest.
type ParsedURI struct {
	Host   string
	Repo   string
	Digest digest.Digest
}

// ParseURI parses uri. Both app URIs and the per-service image URIs found
// inside a compose file share this exact shape.
func ParseURI(uri string) (ParsedURI, error) {
	at := strings.LastIndex(uri, "@")
	if at < 0 {
		return ParsedURI{}, fmt.Errorf("appengine: uri %q has no @digest suffix", uri)
	}
	pathPart, digestPart := uri[:at], uri[at+1:]

	dgst, err := digest.Parse(digestPart)
	if err != nil {
		return ParsedURI{}, fmt.Errorf("appengine: uri %q: %w", uri, err)
	}

	slash := strings.Index(pathPart, "/")
	if slash < 0 {
		return ParsedURI{}, fmt.Errorf("appengine: uri %q missing registry host", uri)
	}

	return ParsedURI{Host: pathPart[:slash], Repo: pathPart[slash+1:], Digest: dgst}, nil
}

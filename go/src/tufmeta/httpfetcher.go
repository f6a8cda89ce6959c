// Copyright 2024 The Aklite Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package tufmeta

import (
	"fmt"
	"io"
	"net/http"

	retryablehttp "github.com/hashicorp/go-retryablehttp"
)

// HTTPFetcher implements RoleFetcher over plain HTTP(S): a GET of
// "<repo_server>/<version>.<role>.json" or "<repo_server>/<role>.json",
// with the same retry policy registry.Client uses for OCI GETs.
type HTTPFetcher struct {
	repoServer string // e.g. "https://tuf.example.com/repo"
	http       *retryablehttp.Client
}

// NewHTTPFetcher returns an HTTPFetcher rooted at repoServer (no trailing
// slash expected, but tolerated).
func NewHTTPFetcher(repoServer string) *HTTPFetcher {
	c := retryablehttp.NewClient()
	c.Logger = nil
	c.RetryMax = 3
	return &HTTPFetcher{repoServer: trimTrailingSlash(repoServer), http: c}
}

func trimTrailingSlash(s string) string {
	if len(s) > 0 && s[len(s)-1] == '/' {
		return s[:len(s)-1]
	}
	return s
}

// FetchRole implements RoleFetcher.
func (f *HTTPFetcher) FetchRole(name string, version *int) ([]byte, error) {
	fname := name + ".json"
	if version != nil {
		fname = fmt.Sprintf("%d.%s", *version, fname)
	}
	url := f.repoServer + "/" + fname

	resp, err := f.http.Get(url)
	if err != nil {
		return nil, fmt.Errorf("tufmeta: GET %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrRoleNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tufmeta: GET %s returned %s", url, resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("tufmeta: read %s: %w", url, err)
	}
	return body, nil
}

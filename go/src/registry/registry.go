// Copyright 2024 The Aklite Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package registry speaks the OCI distribution protocol the way C5
// requires: bearer-token acquisition, manifest GET with digest check, and
// blob download with streaming SHA-256 check. Transport retries are
// delegated to hashicorp/go-retryablehttp; content digests are verified
// with opencontainers/go-digest.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/hashicorp/go-retryablehttp"
	digest "github.com/opencontainers/go-digest"

	"github.com/edgefleetio/aklite-core/go/src/capability"
	"github.com/edgefleetio/aklite-core/tools/lib/atomicfile"
)

// ErrUnsupportedAuthScheme is returned when a registry advertises anything
// other than bearer auth.
type ErrUnsupportedAuthScheme struct{ Scheme string }

func (e *ErrUnsupportedAuthScheme) Error() string {
	return fmt.Sprintf("registry: unsupported auth scheme %q", e.Scheme)
}

// ErrVerificationFailed marks a permanent content-digest mismatch.
type ErrVerificationFailed struct {
	Want, Got digest.Digest
}

func (e *ErrVerificationFailed) Error() string {
	return fmt.Sprintf("registry: digest mismatch: want %s, got %s", e.Want, e.Got)
}

// Client is a minimal OCI distribution client over one registry host.
type Client struct {
	host   string
	scheme string
	http   *retryablehttp.Client
	creds  capability.CredentialProvider
}

// New constructs a Client for host ("registry.example.com[:port]"), using
// creds to satisfy any bearer-auth challenge.
func New(host string, creds capability.CredentialProvider) *Client {
	return NewWithScheme(host, "https", creds)
}

// NewWithScheme is New with an explicit URL scheme, for registries served
// over plain HTTP (common for on-prem/offline-staged registries at the
// edge) and for tests driven against httptest servers.
func NewWithScheme(host, scheme string, creds capability.CredentialProvider) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.Logger = nil
	return &Client{host: host, scheme: scheme, http: rc, creds: creds}
}

var bearerChallenge = regexp.MustCompile(`(\w+)="([^"]*)"`)

// bearerAuth performs the 401 -> WWW-Authenticate -> token exchange flow.
// Tokens are never cached across update cycles: each call to
// GetManifest/DownloadBlob that hits a 401 re-runs this exchange.
func (c *Client) bearerAuth(ctx context.Context, www string) (string, error) {
	scheme, params, ok := parseChallenge(www)
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return "", &ErrUnsupportedAuthScheme{Scheme: scheme}
	}

	realm := params["realm"]
	service := params["service"]
	scope := params["scope"]
	if realm == "" {
		return "", fmt.Errorf("registry: bearer challenge missing realm")
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, realm, nil)
	if err != nil {
		return "", fmt.Errorf("registry: build auth request: %w", err)
	}
	q := req.URL.Query()
	if service != "" {
		q.Set("service", service)
	}
	if scope != "" {
		q.Set("scope", scope)
	}
	req.URL.RawQuery = q.Encode()

	if c.creds != nil {
		user, pass, err := c.creds.BasicAuth(c.host)
		if err != nil {
			return "", fmt.Errorf("registry: fetch credentials: %w", err)
		}
		if user != "" {
			req.SetBasicAuth(user, pass)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("registry: token exchange: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("registry: token exchange returned %s", resp.Status)
	}

	var payload struct {
		Token       string `json:"token"`
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("registry: decode token response: %w", err)
	}
	if payload.Token != "" {
		return payload.Token, nil
	}
	return payload.AccessToken, nil
}

// parseChallenge splits a WWW-Authenticate header into its scheme and
// key=value parameters, e.g. `bearer realm="R",service="S",scope="..."`.
func parseChallenge(header string) (scheme string, params map[string]string, ok bool) {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 {
		return "", nil, false
	}
	scheme = parts[0]
	params = map[string]string{}
	for _, m := range bearerChallenge.FindAllStringSubmatch(parts[1], -1) {
		params[m[1]] = m[2]
	}
	return scheme, params, true
}

// authedDo issues req with no auth first; on a 401 it runs bearerAuth and
// retries once with the bearer token attached.
func (c *Client) authedDo(ctx context.Context, req *retryablehttp.Request) (*http.Response, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	www := resp.Header.Get("WWW-Authenticate")
	resp.Body.Close()

	token, err := c.bearerAuth(ctx, www)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return c.http.Do(req)
}

// GetManifest fetches /v2/<repo>/manifests/<dgst> and verifies the
// response body hashes to dgst and matches its declared Content-Length.
func (c *Client) GetManifest(ctx context.Context, repo string, dgst digest.Digest) ([]byte, string, error) {
	url := fmt.Sprintf("%s://%s/v2/%s/manifests/%s", c.scheme, c.host, repo, dgst)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("registry: build manifest request: %w", err)
	}
	req.Header.Set("Accept", strings.Join([]string{
		"application/vnd.oci.image.manifest.v1+json",
		"application/vnd.oci.image.index.v1+json",
		"application/vnd.docker.distribution.manifest.v2+json",
	}, ", "))

	resp, err := c.authedDo(ctx, req)
	if err != nil {
		return nil, "", fmt.Errorf("registry: GET manifest %s: %w", dgst, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("registry: GET manifest %s returned %s", dgst, resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("registry: read manifest %s: %w", dgst, err)
	}
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		if n, err := strconv.Atoi(cl); err == nil && n != len(body) {
			return nil, "", fmt.Errorf("registry: manifest %s size mismatch: header %d, got %d", dgst, n, len(body))
		}
	}
	if got := dgst.Algorithm().FromBytes(body); got != dgst {
		return nil, "", &ErrVerificationFailed{Want: dgst, Got: got}
	}

	return body, resp.Header.Get("Content-Type"), nil
}

// DownloadBlob streams /v2/<repo>/blobs/<dgst> into destDir/<hex>, hashing
// as it writes. Any in-transit read exceeding the declared size aborts the
// transfer. On a digest mismatch the partial file is removed and
// ErrVerificationFailed is returned.
func (c *Client) DownloadBlob(ctx context.Context, repo string, dgst digest.Digest, destDir string, flow capability.FlowControl) (string, error) {
	url := fmt.Sprintf("%s://%s/v2/%s/blobs/%s", c.scheme, c.host, repo, dgst)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("registry: build blob request: %w", err)
	}

	resp, err := c.authedDo(ctx, req)
	if err != nil {
		return "", fmt.Errorf("registry: GET blob %s: %w", dgst, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("registry: GET blob %s returned %s", dgst, resp.Status)
	}

	declared := resp.ContentLength

	if err := os.MkdirAll(destDir, 0755); err != nil {
		return "", fmt.Errorf("registry: mkdir %s: %w", destDir, err)
	}
	destPath := filepath.Join(destDir, dgst.Encoded())

	verifier := dgst.Verifier()
	var written int64
	err = atomicfile.Write(destPath, 0644, func(f *os.File) error {
		reader := io.TeeReader(resp.Body, verifier)
		buf := make([]byte, 32*1024)
		for {
			if flow != nil && flow.Done() {
				return fmt.Errorf("registry: blob %s download cancelled", dgst)
			}
			n, rerr := reader.Read(buf)
			if n > 0 {
				written += int64(n)
				if declared >= 0 && written > declared {
					return fmt.Errorf("registry: blob %s exceeded declared size %d", dgst, declared)
				}
				if _, werr := f.Write(buf[:n]); werr != nil {
					return werr
				}
			}
			if rerr == io.EOF {
				break
			}
			if rerr != nil {
				return rerr
			}
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("registry: download blob %s: %w", dgst, err)
	}
	if !verifier.Verified() {
		os.Remove(destPath)
		return "", &ErrVerificationFailed{Want: dgst, Got: ""}
	}

	return destPath, nil
}

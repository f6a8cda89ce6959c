// Copyright 2024 The Aklite Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package tufmeta

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPFetcherUnversionedAndVersioned(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/repo/targets.json":
			w.Write([]byte(`{"v":"latest"}`))
		case "/repo/3.root.json":
			w.Write([]byte(`{"v":3}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	f := NewHTTPFetcher(srv.URL + "/repo/")

	got, err := f.FetchRole("targets", nil)
	if err != nil || string(got) != `{"v":"latest"}` {
		t.Fatalf("FetchRole(targets, nil) = %q, %v", got, err)
	}

	v := 3
	got, err = f.FetchRole("root", &v)
	if err != nil || string(got) != `{"v":3}` {
		t.Fatalf("FetchRole(root, 3) = %q, %v", got, err)
	}

	if _, err := f.FetchRole("snapshot", nil); err != ErrRoleNotFound {
		t.Fatalf("FetchRole(snapshot, nil) err = %v, want ErrRoleNotFound", err)
	}
}

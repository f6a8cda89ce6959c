// Copyright 2024 The Aklite Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
)

// httpReportSink is a concrete capability.ReportSink that POSTs each queued
// event as a JSON body to a configured collector URL. An empty url disables
// reporting: Flush is simply never called.
type httpReportSink struct {
	url    string
	client *http.Client
}

func newHTTPReportSink(url string) *httpReportSink {
	return &httpReportSink{url: url, client: &http.Client{}}
}

func (s *httpReportSink) Send(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("aklite: build report request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("aklite: post report: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("aklite: report collector returned %s", resp.Status)
	}
	return nil
}

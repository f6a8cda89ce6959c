// Copyright 2024 The Aklite Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package appengine

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// extractTarGz extracts the gzipped tar archive at srcPath into destDir.
func extractTarGz(srcPath, destDir string) error {
	f, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("appengine: open %s: %w", srcPath, err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("appengine: gzip %s: %w", srcPath, err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("appengine: tar %s: %w", srcPath, err)
		}

		target, err := sanitizeArchivePath(destDir, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(hdr.Mode&0777))
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return err
			}
			if err := out.Close(); err != nil {
				return err
			}
		default:
			// Symlinks and device entries have no place in a compose-app
			// archive; skip anything else rather than reject the whole app.
		}
	}
}

// sanitizeArchivePath rejects path traversal out of destDir ("zip slip").
func sanitizeArchivePath(destDir, name string) (string, error) {
	cleaned := filepath.Clean("/" + name)[1:]
	if cleaned == "" || strings.HasPrefix(cleaned, "..") {
		return "", fmt.Errorf("appengine: archive entry %q escapes extraction root", name)
	}
	return filepath.Join(destDir, cleaned), nil
}

// Copyright 2024 The Aklite Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package storage

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

func init() {
	StatVolume = statfsVolume
}

// statfsVolume reports total size and free bytes for path. As root, "free"
// is the filesystem's total free block count (Bfree); as a non-root user
// it is the blocks available to an unprivileged writer (Bavail).
func statfsVolume(path string) (size, free int64, err error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, 0, fmt.Errorf("statfs %s: %w", path, err)
	}

	blockSize := int64(st.Bsize)
	totalBytes := int64(st.Blocks) * blockSize

	var freeBlocks uint64
	if os.Geteuid() == 0 {
		freeBlocks = st.Bfree
	} else {
		freeBlocks = st.Bavail
	}

	return totalBytes, int64(freeBlocks) * blockSize, nil
}

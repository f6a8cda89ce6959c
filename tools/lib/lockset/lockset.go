// Copyright 2024 The Aklite Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package lockset holds the process-wide advisory file locks (update lock,
// download lock) as an explicit set of handles owned by the embedder and
// released deterministically on every exit path.
package lockset

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// ErrHeld is returned by TryLock when another process already holds the
// lock; the core maps this to AnotherInstanceRunning.
var ErrHeld = fmt.Errorf("lockset: lock is held by another process")

// Lock is a single OS-level exclusive advisory lock on a well-known path.
type Lock struct {
	path string
	f    *os.File
}

// New returns a Lock bound to path. Nothing is created or locked yet;
// TryLock creates the file if absent and acquires the lock.
func New(path string) *Lock {
	return &Lock{path: path}
}

// TryLock attempts to acquire the lock without blocking. Returns ErrHeld if
// another process holds it.
func (l *Lock) TryLock() error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("lockset: open %s: %w", l.path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if err == unix.EWOULDBLOCK {
			return ErrHeld
		}
		return fmt.Errorf("lockset: flock %s: %w", l.path, err)
	}
	l.f = f
	return nil
}

// Unlock releases the lock and closes the underlying file handle. Safe to
// call on a Lock that was never successfully acquired.
func (l *Lock) Unlock() error {
	if l.f == nil {
		return nil
	}
	err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	cerr := l.f.Close()
	l.f = nil
	if err != nil {
		return fmt.Errorf("lockset: unlock %s: %w", l.path, err)
	}
	return cerr
}

// Set is the named collection of locks an update cycle needs: the update
// lock (at most one concurrent update cycle) and the download lock. No
// code in this module acquires the download lock; ReleaseAll releases it
// only if it is held. Read-only inspection operations take neither.
type Set struct {
	Update   *Lock
	Download *Lock
}

// NewSet builds the standard two-lock set rooted at dir.
func NewSet(dir string) *Set {
	return &Set{
		Update:   New(dir + "/aklite.lock"),
		Download: New(dir + "/aklite-download.lock"),
	}
}

// AcquireUpdate acquires the update lock, returning ErrHeld if another
// instance is already running a cycle.
func (s *Set) AcquireUpdate() error {
	return s.Update.TryLock()
}

// ReleaseAll releases every lock in the set, best-effort, and returns the
// first error encountered, if any.
func (s *Set) ReleaseAll() error {
	var first error
	if err := s.Update.Unlock(); err != nil && first == nil {
		first = err
	}
	if err := s.Download.Unlock(); err != nil && first == nil {
		first = err
	}
	return first
}

// Copyright 2024 The Aklite Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package retry provides the small backoff/retry helper the rest of the
// module shares: a Backoff interface plus Do, layered over
// github.com/cenkalti/backoff/v4 rather than hand-rolling the wait math
// again.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Backoff produces successive wait durations for a retry loop. Returning
// backoff.Stop signals that no further attempts should be made.
type Backoff interface {
	NextBackOff() time.Duration
	Reset()
}

// NewConstantBackoff returns a Backoff that always waits interval between
// attempts, with no retry limit of its own (bound attempts with
// WithMaxRetries or a context deadline).
func NewConstantBackoff(interval time.Duration) Backoff {
	return backoff.NewConstantBackOff(interval)
}

// NewExponentialBackoff returns a Backoff starting at initialInterval and
// doubling, capped so that no more than maxAttempts total tries are made by
// Do.
func NewExponentialBackoff(initialInterval time.Duration, maxAttempts int) Backoff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initialInterval
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	return &countingBackoff{inner: b, remaining: maxAttempts - 1}
}

type countingBackoff struct {
	inner     backoff.BackOff
	remaining int
}

func (c *countingBackoff) NextBackOff() time.Duration {
	if c.remaining <= 0 {
		return backoff.Stop
	}
	c.remaining--
	return c.inner.NextBackOff()
}

func (c *countingBackoff) Reset() { c.inner.Reset() }

// Do retries f until it returns a nil error, b is exhausted, or ctx is
// done. A permanent error (wrapped with Permanent) is never retried.
func Do(ctx context.Context, b Backoff, f func() error) error {
	for {
		err := f()
		if err == nil {
			return nil
		}
		if pe, ok := err.(*permanentError); ok {
			return pe.err
		}
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as non-retryable; Do returns it immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

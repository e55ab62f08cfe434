// Copyright © 2026 Serpent OS Developers
// SPDX-License-Identifier: Zlib

// Package clock abstracts time for testability. Production code
// injects Real(); tests inject Fake() and advance time explicitly.
//
// Token expiry is pure arithmetic over claimed timestamps, so the
// only operations the identity core needs are Now and After. Any
// function that would otherwise call time.Now directly should take a
// Clock parameter or live on a struct carrying one.
package clock

import "time"

// Clock is the minimal time source used throughout the module.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time once
	// duration d has elapsed. Equivalent to time.After. If d <= 0
	// the channel receives immediately.
	After(d time.Duration) <-chan time.Time
}

// Real returns a Clock backed by the standard time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

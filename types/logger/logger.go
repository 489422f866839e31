// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package logger defines a type for writing to logs. It's just a
// convenience type so that we don't have to pass verbose func(...)
// types around.
package logger

import (
	"container/list"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Logf is the basic logger type: a printf-like func.
// Like log.Printf, the format need not end in a newline.
// Logf functions must be safe for concurrent use.
//
// Functions that wrap logger functions must pass through the original
// format and args, possibly augmented.
// Replacing the format and args (e.g. with fmt.Sprintf and %s)
// disrupts rate limiting, which is keyed by format string.
type Logf func(format string, args ...any)

// WithPrefix wraps f, prefixing each format with the provided prefix.
func WithPrefix(f Logf, prefix string) Logf {
	return func(format string, args ...any) {
		f(prefix+format, args...)
	}
}

// Discard is a Logf that throws away the logs given to it.
func Discard(string, ...any) {}

// TestLogger returns a Logf that writes to t.Logf. It is safe to call
// after the test has finished; such lines are dropped.
func TestLogger(t interface {
	Helper()
	Logf(string, ...any)
	Cleanup(func())
}) Logf {
	var (
		mu   sync.Mutex
		done bool
	)
	t.Cleanup(func() {
		mu.Lock()
		defer mu.Unlock()
		done = true
	})
	return func(format string, args ...any) {
		mu.Lock()
		defer mu.Unlock()
		if done {
			return
		}
		t.Helper()
		t.Logf(format, args...)
	}
}

// formatLimit is the rate-limiting state of one format string.
type formatLimit struct {
	lim     *rate.Limiter
	blocked bool          // whether the "rate limited" notice has been logged
	ele     *list.Element // position in the LRU; Value is the format
}

// RateLimitedFn returns a rate-limiting Logf wrapping logf.
// Each distinct format string may log at most once every f on average,
// in bursts of up to burst lines. At most maxCache format strings are
// tracked; the least recently used ones are forgotten.
//
// The first suppressed line of a format is replaced by a single notice so
// that the reader knows lines are missing.
func RateLimitedFn(logf Logf, f time.Duration, burst int, maxCache int) Logf {
	return rateLimitedFnWithClock(logf, f, burst, maxCache, time.Now)
}

func rateLimitedFnWithClock(logf Logf, f time.Duration, burst int, maxCache int, timeNow func() time.Time) Logf {
	r := rate.Every(f)
	var (
		mu    sync.Mutex
		byFmt = make(map[string]*formatLimit)
		lru   = list.New() // front is most recently used
	)

	type verdict int
	const (
		allow verdict = iota
		notice
		block
	)

	judge := func(format string) verdict {
		mu.Lock()
		defer mu.Unlock()
		fl, ok := byFmt[format]
		if ok {
			lru.MoveToFront(fl.ele)
		} else {
			fl = &formatLimit{
				lim: rate.NewLimiter(r, burst),
				ele: lru.PushFront(format),
			}
			byFmt[format] = fl
			for lru.Len() > maxCache {
				oldest := lru.Back()
				delete(byFmt, oldest.Value.(string))
				lru.Remove(oldest)
			}
		}
		if fl.lim.AllowN(timeNow(), 1) {
			fl.blocked = false
			return allow
		}
		if !fl.blocked {
			fl.blocked = true
			return notice
		}
		return block
	}

	return func(format string, args ...any) {
		switch judge(format) {
		case allow:
			logf(format, args...)
		case notice:
			logf("[RATE LIMITED] format string %q (example: %q)", format, strings.TrimSpace(fmt.Sprintf(format, args...)))
		}
	}
}

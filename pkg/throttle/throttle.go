// Copyright © 2026 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

// Package throttle limits how often functions sharing a token are run.
package throttle

import (
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
)

// cleanupInterval is how often expired execution times are purged.
const cleanupInterval = time.Minute

type entry struct {
	fn      func()
	discard func() // Called instead of fn if fn never runs
	timer   *time.Timer
	gen     uint64 // Incremented every time the timer is rescheduled
}

// Throttler runs a function either immediately, or postpones it
// when a function with the same token ran too recently.
// Only the most recently throttled function for a token is kept.
type Throttler struct {
	log *logrus.Logger

	lock    sync.Mutex // Protects entries
	entries map[string]*entry

	// executions holds the last execution time of each token.
	// Items expire once their throttle window has passed.
	executions *cache.Cache
}

// New creates a Throttler. If log is nil, the standard logger is used.
func New(log *logrus.Logger) *Throttler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Throttler{
		log:        log,
		entries:    make(map[string]*entry),
		executions: cache.New(cache.NoExpiration, cleanupInterval),
	}
}

// Throttle runs fn now if nothing with the same token ran within the last d,
// and returns true. Otherwise fn replaces any pending function for token,
// which runs once d has passed since the first postponed call.
//
// If postpone is true, fn is always deferred, and the timer restarts
// on every call, so fn runs d after the last call for token.
//
// Every function handed to Throttle either runs, or has its discard called:
// when a later call replaces it, when a call running immediately cancels it,
// or when the Throttler is stopped. discard may be nil.
func (t *Throttler) Throttle(token string, d time.Duration, fn, discard func(), postpone bool) bool {
	if d <= 0 {
		fn()
		return true
	}

	t.lock.Lock()
	if !postpone {
		if _, recent := t.executions.Get(token); !recent {
			t.executions.Set(token, time.Now(), d)
			var displaced func()
			if e := t.entries[token]; e != nil {
				e.timer.Stop()
				delete(t.entries, token)
				displaced = e.discard
			}
			t.lock.Unlock()

			t.log.WithFields(logrus.Fields{
				"token":  token,
				"window": d,
			}).Debug("Running throttled function immediately")
			if displaced != nil {
				displaced()
			}
			fn()
			return true
		}
	}

	fields := logrus.Fields{
		"token":    token,
		"window":   d,
		"postpone": postpone,
	}
	var displaced func()
	e := t.entries[token]
	switch {
	case e == nil:
		e = &entry{fn: fn, discard: discard}
		t.schedule(token, e, d)
		t.entries[token] = e
		t.log.WithFields(fields).Debug("Setting throttle")

	case postpone:
		displaced = e.discard
		e.fn, e.discard = fn, discard
		e.timer.Stop()
		t.schedule(token, e, d)
		t.log.WithFields(fields).Debug("Postponing throttle")

	default:
		displaced = e.discard
		e.fn, e.discard = fn, discard
		t.log.WithFields(fields).Debug("Replacing throttled function")
	}
	t.lock.Unlock()

	if displaced != nil {
		displaced()
	}
	return false
}

// schedule must be called with t.lock held.
func (t *Throttler) schedule(token string, e *entry, d time.Duration) {
	e.gen++
	gen := e.gen
	e.timer = time.AfterFunc(d, func() { t.execute(token, e, gen, d) })
}

func (t *Throttler) execute(token string, e *entry, gen uint64, d time.Duration) {
	t.lock.Lock()
	if t.entries[token] != e || e.gen != gen {
		// Replaced, rescheduled or stopped since this timer was set.
		t.lock.Unlock()
		return
	}
	delete(t.entries, token)
	t.executions.Set(token, time.Now(), d)
	fn := e.fn
	t.lock.Unlock()

	t.log.WithField("token", token).Debug("Invoking throttled function")
	fn()
}

// Pending reports whether a function is waiting to run for token.
func (t *Throttler) Pending(token string) bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	_, ok := t.entries[token]
	return ok
}

// Stop cancels every pending function, calling its discard.
func (t *Throttler) Stop() {
	t.lock.Lock()
	var discards []func()
	for token, e := range t.entries {
		e.timer.Stop()
		delete(t.entries, token)
		if e.discard != nil {
			discards = append(discards, e.discard)
		}
	}
	t.lock.Unlock()

	for _, discard := range discards {
		discard()
	}
}

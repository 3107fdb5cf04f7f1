// Copyright © 2026 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package queue

import (
	"context"
	"time"

	"github.com/n0ot/ajaxchan/pkg/channel"
)

// Default timeouts, used when neither the Item nor the Scheduler sets one.
const (
	DefaultRequestTimeout    = 60 * time.Second
	DefaultProcessingTimeout = 60 * time.Second

	// MaxTimeout caps each of an item's timeouts.
	MaxTimeout = 24 * time.Hour
)

// A Precondition is checked right before an item runs.
// If any precondition returns false, the item is skipped.
type Precondition func(*Item) bool

// Item is a request waiting for, or occupying, its channel.
type Item struct {
	// ID identifies the item in logs and callbacks.
	// If empty, the scheduler assigns a random UUID.
	ID string

	// Channel decides how this item is admitted.
	// If zero, the scheduler's default channel is used.
	Channel channel.Channel

	// Token identifies related items, for RemovePrevious and Throttle.
	Token string

	// RemovePrevious removes pending items with the same token from the channel
	// before this one is added. Requires Token.
	RemovePrevious bool

	// Throttle limits adding items with the same token to at most one per Throttle.
	// Requires Token.
	Throttle time.Duration

	// ThrottlePostpone restarts the throttle timer every time an item with the same token is added,
	// so only the last item in a burst is added. Requires Throttle.
	ThrottlePostpone bool

	// RequestTimeout and ProcessingTimeout together bound how long the item may occupy its channel.
	// Once both have passed, the item is skipped, and the next pending item runs.
	RequestTimeout    time.Duration
	ProcessingTimeout time.Duration

	Preconditions []Precondition

	// Run performs the request. ctx is cancelled when the item times out.
	Run func(ctx context.Context) error

	// OnSuccess is called after Run returns nil.
	OnSuccess func(*Item)
	// OnError is called when Run fails, times out, or a precondition rejects the item.
	OnError func(*Item, error)
	// OnDrop is called when the item is discarded without running.
	OnDrop func(*Item)
}

func (item *Item) timeout(s *Scheduler) time.Duration {
	req, proc := item.RequestTimeout, item.ProcessingTimeout
	if req <= 0 {
		req = s.requestTimeout
	}
	if proc <= 0 {
		proc = s.processingTimeout
	}
	return min(req, MaxTimeout) + min(proc, MaxTimeout)
}

func (item *Item) checkPreconditions(s *Scheduler) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			s.log.WithFields(item.fields()).Errorf("Error evaluating precondition: %v", r)
			ok = false
		}
	}()

	for _, precondition := range item.Preconditions {
		if precondition != nil && !precondition(item) {
			return false
		}
	}
	return true
}

func (item *Item) success() {
	if item.OnSuccess != nil {
		item.OnSuccess(item)
	}
}

func (item *Item) fail(err error) {
	if item.OnError != nil {
		item.OnError(item, err)
	}
}

func (item *Item) drop() {
	if item.OnDrop != nil {
		item.OnDrop(item)
	}
}

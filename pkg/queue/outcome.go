// Copyright © 2026 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package queue

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/n0ot/ajaxchan/pkg/channel"
)

var (
	// ErrClosed is returned when adding to a closed scheduler.
	ErrClosed = errors.New("scheduler closed")
	// ErrInvalidItem is returned when an item cannot be scheduled.
	ErrInvalidItem = errors.New("invalid item")
	// ErrTimeout is passed to OnError when an item occupies its channel for too long.
	ErrTimeout = errors.New("timeout exceeded")
	// ErrPrecondition is passed to OnError when a precondition rejects an item.
	ErrPrecondition = errors.New("precondition failed")
)

// Outcome describes what happened to an item.
type Outcome int

// Outcomes returned by Scheduler.Add, and reported to Observers.
const (
	// Started means the item is running.
	Started Outcome = iota
	// Queued means the item waits behind another on its channel.
	Queued
	// Dropped means the item was discarded without running.
	Dropped
	// Throttled means the item was deferred by its throttle.
	Throttled
	// Skipped means a precondition rejected the item.
	Skipped
	// Completed means the item ran successfully.
	Completed
	// Failed means the item ran, and returned an error.
	Failed
	// TimedOut means the item was skipped after exceeding its timeout.
	TimedOut
)

var outcomeNames = [...]string{
	Started:   "started",
	Queued:    "queued",
	Dropped:   "dropped",
	Throttled: "throttled",
	Skipped:   "skipped",
	Completed: "completed",
	Failed:    "failed",
	TimedOut:  "timed_out",
}

func (o Outcome) String() string {
	if o >= 0 && int(o) < len(outcomeNames) {
		return outcomeNames[o]
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// MarshalText encodes the outcome's name.
func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// An Observer is told about every outcome on every channel.
// Observe must not block.
type Observer interface {
	Observe(c channel.Channel, o Outcome)
}

// ObserverFunc is an adapter to use an ordinary function as an Observer.
type ObserverFunc func(channel.Channel, Outcome)

// Observe calls f(c, o).
func (f ObserverFunc) Observe(c channel.Channel, o Outcome) {
	f(c, o)
}

// ChannelStats counts outcomes for a single channel.
type ChannelStats struct {
	Channel   string `json:"channel"`
	Submitted int    `json:"submitted"`
	Started   int    `json:"started"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
	TimedOut  int    `json:"timed_out"`
	Dropped   int    `json:"dropped"`
	Skipped   int    `json:"skipped"`
	Throttled int    `json:"throttled"`
	Pending   int    `json:"pending"`
	Busy      bool   `json:"busy"`
}

func (st *ChannelStats) count(o Outcome) {
	switch o {
	case Started:
		st.Started++
	case Dropped:
		st.Dropped++
	case Throttled:
		st.Throttled++
	case Skipped:
		st.Skipped++
	case Completed:
		st.Completed++
	case Failed:
		st.Failed++
	case TimedOut:
		st.TimedOut++
	}
}

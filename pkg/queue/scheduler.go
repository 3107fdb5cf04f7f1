// Copyright © 2026 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

// Package queue admits requests onto their channels.
//
// Every distinct channel has a lane, which is either idle or busy running one item.
// On a queue channel, items arriving while the lane is busy wait in arrival order.
// On a drop channel, they are discarded.
package queue

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go4org/hashtriemap"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/n0ot/ajaxchan/pkg/channel"
	"github.com/n0ot/ajaxchan/pkg/throttle"
)

// DefaultChannel is used for items that don't name a channel.
var DefaultChannel = channel.MustNew("0", channel.Queue)

type taskState int

const (
	taskPending taskState = iota
	taskRunning
	taskSkipped
	taskDropped
	taskDone
)

type task struct {
	item  *Item
	state taskState
}

type lane struct {
	channel channel.Channel

	lock    sync.Mutex // Protects everything below
	current *task      // nil while idle
	pending []*task
	stats   ChannelStats
}

// Scheduler admits items onto their channels.
// A Scheduler is safe for concurrent use.
type Scheduler struct {
	log               *logrus.Logger
	requestTimeout    time.Duration
	processingTimeout time.Duration
	defaultChannel    channel.Channel
	observer          Observer
	throttler         *throttle.Throttler

	// Lanes are looked up without locking; each lane has its own lock.
	lanes hashtriemap.HashTrieMap[string, *lane]

	ctx     context.Context // Parent of every running item's context
	cancel  context.CancelFunc
	closed  atomic.Bool
	running sync.WaitGroup
}

// An Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the scheduler's logger.
func WithLogger(log *logrus.Logger) Option {
	return func(s *Scheduler) {
		if log != nil {
			s.log = log
		}
	}
}

// WithDefaultTimeouts sets the timeouts used by items that don't set their own.
func WithDefaultTimeouts(request, processing time.Duration) Option {
	return func(s *Scheduler) {
		if request > 0 {
			s.requestTimeout = request
		}
		if processing > 0 {
			s.processingTimeout = processing
		}
	}
}

// WithDefaultChannel sets the channel used by items that don't name one.
func WithDefaultChannel(c channel.Channel) Option {
	return func(s *Scheduler) {
		if !c.IsZero() {
			s.defaultChannel = c
		}
	}
}

// WithObserver reports every outcome to o.
func WithObserver(o Observer) Option {
	return func(s *Scheduler) {
		s.observer = o
	}
}

// New creates a Scheduler.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		log:               logrus.StandardLogger(),
		requestTimeout:    DefaultRequestTimeout,
		processingTimeout: DefaultProcessingTimeout,
		defaultChannel:    DefaultChannel,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.throttler = throttle.New(s.log)
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Add submits an item to its channel.
//
// On a queue channel, the item starts right away if the channel is idle,
// and is queued otherwise. On a drop channel, the item starts right away if the channel is idle,
// and is dropped otherwise. Throttled items are added later by the throttler.
func (s *Scheduler) Add(item *Item) (Outcome, error) {
	if item == nil || item.Run == nil {
		return Dropped, errors.Wrap(ErrInvalidItem, "item must have a Run function")
	}
	if s.closed.Load() {
		return Dropped, ErrClosed
	}
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.Channel.IsZero() {
		item.Channel = s.defaultChannel
	}

	switch {
	case item.ThrottlePostpone && item.Throttle <= 0:
		s.log.WithFields(item.fields()).Warn("Item has throttle postpone set but no throttle specified - ignored")
	case item.Throttle > 0 && item.Token == "":
		s.log.WithFields(item.fields()).Warn("Item has throttle set but no token specified - ignored")
	case item.Throttle > 0:
		return s.throttle(item), nil
	}

	return s.add(item), nil
}

// throttle hands item to the throttler.
// The throttler either adds the item, or discards it once a newer item with the same token replaces it.
func (s *Scheduler) throttle(item *Item) Outcome {
	immediate := make(chan Outcome, 1)
	ran := s.throttler.Throttle(item.Token, item.Throttle,
		func() { immediate <- s.add(item) },
		func() { s.dropped(s.lane(item.Channel), "discarded by the throttler", item) },
		item.ThrottlePostpone)
	if ran {
		return <-immediate
	}

	l := s.lane(item.Channel)
	l.lock.Lock()
	l.stats.Throttled++
	l.lock.Unlock()
	s.log.WithFields(item.fields()).Debug("Item throttled")
	s.observe(l.channel, Throttled)
	return Throttled
}

func (s *Scheduler) add(item *Item) Outcome {
	l := s.lane(item.Channel)
	t := &task{item: item}

	l.lock.Lock()
	if s.closed.Load() {
		l.lock.Unlock()
		s.dropped(l, "scheduler closed", item)
		return Dropped
	}
	l.stats.Submitted++

	var removed []*Item
	if item.RemovePrevious {
		if item.Token == "" {
			s.log.WithFields(item.fields()).Warn("Item has remove previous set but no token specified - ignored")
		} else {
			removed = l.removeByToken(item.Token)
		}
	}

	if item.Channel.Type() == channel.Drop && (l.current != nil || len(l.pending) > 0) {
		t.state = taskDropped
		l.lock.Unlock()
		s.dropped(l, "removed by a newer item", removed...)
		s.dropped(l, "channel busy", item)
		return Dropped
	}

	l.pending = append(l.pending, t)
	l.lock.Unlock()
	s.dropped(l, "removed by a newer item", removed...)

	s.dispatch(l)

	l.lock.Lock()
	state := t.state
	l.lock.Unlock()
	switch state {
	case taskPending:
		s.log.WithFields(item.fields()).Debug("Item queued")
		s.observe(l.channel, Queued)
		return Queued
	case taskSkipped:
		return Skipped
	case taskDropped:
		return Dropped
	}
	return Started
}

// removeByToken must be called with l.lock held.
func (l *lane) removeByToken(token string) []*Item {
	var removed []*Item
	kept := l.pending[:0]
	for _, t := range l.pending {
		if t.item.Token == token {
			t.state = taskDropped
			removed = append(removed, t.item)
			continue
		}
		kept = append(kept, t)
	}
	for i := len(kept); i < len(l.pending); i++ {
		l.pending[i] = nil
	}
	l.pending = kept
	return removed
}

// dispatch starts the next pending item on l, if l is idle.
// Items rejected by their preconditions are skipped.
func (s *Scheduler) dispatch(l *lane) {
	for {
		l.lock.Lock()
		if l.current != nil || len(l.pending) == 0 || s.closed.Load() {
			l.lock.Unlock()
			return
		}
		t := l.pending[0]
		l.pending[0] = nil
		l.pending = l.pending[1:]
		t.state = taskRunning
		l.current = t
		// Counted while the lane is locked, so Close cannot start waiting before this item is accounted for.
		s.running.Add(1)
		l.lock.Unlock()

		if !t.item.checkPreconditions(s) {
			l.lock.Lock()
			t.state = taskSkipped
			l.current = nil
			l.stats.Skipped++
			l.lock.Unlock()
			s.running.Done()

			s.log.WithFields(t.item.fields()).Debug("Precondition rejected item; skipping")
			s.observe(l.channel, Skipped)
			t.item.fail(ErrPrecondition)
			continue
		}

		s.run(l, t)
		return
	}
}

func (s *Scheduler) run(l *lane, t *task) {
	item := t.item
	timeout := item.timeout(s)

	l.lock.Lock()
	l.stats.Started++
	l.lock.Unlock()
	s.log.WithFields(item.fields()).WithField("timeout", timeout).Debug("Item started")
	s.observe(l.channel, Started)

	ctx, cancel := context.WithTimeout(s.ctx, timeout)
	result := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				result <- errors.Errorf("panic running item: %v", r)
			}
		}()
		result <- item.Run(ctx)
	}()

	go func() {
		defer s.running.Done()
		err, timedOut := await(ctx, result)
		cancel()
		s.finish(l, t, err, timedOut)
	}()
}

// await waits for an item's result, or for ctx to end.
// A result that is already waiting wins over an expired ctx.
func await(ctx context.Context, result <-chan error) (err error, timedOut bool) {
	select {
	case err = <-result:
		return err, false
	case <-ctx.Done():
	}
	select {
	case err = <-result:
		return err, false
	default:
	}
	err = ctx.Err()
	return err, err == context.DeadlineExceeded
}

// finish releases l, and starts the next pending item.
// A result arriving after the item was skipped for timing out is discarded.
func (s *Scheduler) finish(l *lane, t *task, err error, timedOut bool) {
	item := t.item
	outcome := Completed
	switch {
	case timedOut:
		outcome = TimedOut
		err = ErrTimeout
	case err != nil:
		outcome = Failed
	}

	l.lock.Lock()
	t.state = taskDone
	l.current = nil
	l.stats.count(outcome)
	l.lock.Unlock()

	s.observe(l.channel, outcome)

	fields := item.fields()
	switch outcome {
	case TimedOut:
		s.log.WithFields(fields).Error("Timeout exceeded, skipping item")
		item.fail(err)
	case Failed:
		s.log.WithFields(fields).WithField("error", err).Info("Item failed")
		item.fail(err)
	default:
		s.log.WithFields(fields).Debug("Item completed")
		item.success()
	}

	s.dispatch(l)
}

// dropped counts and reports items that will never run. It must be called without l.lock held.
func (s *Scheduler) dropped(l *lane, reason string, items ...*Item) {
	if len(items) == 0 {
		return
	}
	l.lock.Lock()
	l.stats.Dropped += len(items)
	l.lock.Unlock()

	for _, item := range items {
		s.log.WithFields(item.fields()).WithField("reason", reason).Debug("Item dropped")
		s.observe(l.channel, Dropped)
		item.drop()
	}
}

func (s *Scheduler) observe(c channel.Channel, o Outcome) {
	if s.observer != nil {
		s.observer.Observe(c, o)
	}
}

func (s *Scheduler) lane(c channel.Channel) *lane {
	key := c.ChannelName()
	if l, ok := s.lanes.Load(key); ok {
		return l
	}
	l, _ := s.lanes.LoadOrStore(key, &lane{
		channel: c,
		stats:   ChannelStats{Channel: key},
	})
	return l
}

// Stats returns counters for every channel this scheduler has seen, sorted by channel.
func (s *Scheduler) Stats() []ChannelStats {
	var stats []ChannelStats
	s.lanes.Range(func(_ string, l *lane) bool {
		l.lock.Lock()
		st := l.stats
		st.Pending = len(l.pending)
		st.Busy = l.current != nil
		l.lock.Unlock()
		stats = append(stats, st)
		return true
	})
	sort.Slice(stats, func(i, j int) bool { return stats[i].Channel < stats[j].Channel })
	return stats
}

// Close stops accepting items, drops every pending and throttled item, and waits for running items.
// If ctx expires first, running items are cancelled, and ctx's error is returned.
// Close is idempotent.
func (s *Scheduler) Close(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	// Discards every throttled item.
	s.throttler.Stop()

	s.lanes.Range(func(_ string, l *lane) bool {
		l.lock.Lock()
		var items []*Item
		for _, t := range l.pending {
			t.state = taskDropped
			items = append(items, t.item)
		}
		l.pending = nil
		l.lock.Unlock()
		s.dropped(l, "scheduler closed", items...)
		return true
	})

	done := make(chan struct{})
	go func() {
		s.running.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		return errors.Wrap(ctx.Err(), "wait for running items")
	}
}

func (item *Item) fields() logrus.Fields {
	return logrus.Fields{
		"id":      item.ID,
		"channel": item.Channel.String(),
		"token":   item.Token,
	}
}

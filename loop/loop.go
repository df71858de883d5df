// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

// Package loop provides a single goroutine scheduling domain. Every function
// posted to a Loop, and every timer armed on it, runs on the same goroutine
// one at a time, so state touched only from loop callbacks needs no locking.
package loop

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/logging"
)

// ErrClosed is returned by Do when the loop has been closed.
var ErrClosed = errors.New("loop: closed")

// Timer is a handle to a scheduled callback.
type Timer interface {
	// Stop cancels the timer. Once Stop returns on the scheduling domain the
	// callback is guaranteed not to run again. Stop is idempotent.
	Stop()
}

// Scheduler is a scheduling domain. Implementations run every callback
// non-reentrantly on one logical execution context.
type Scheduler interface {
	// Post queues f to run on the scheduling domain. It never blocks.
	Post(f func())

	// AfterFunc runs f once on the scheduling domain after d.
	AfterFunc(d time.Duration, f func()) Timer

	// EveryFunc runs f on the scheduling domain every d until stopped.
	EveryFunc(d time.Duration, f func()) Timer
}

// Config configures a Loop.
type Config struct {
	// Clock is the time source for timers. Defaults to the wall clock.
	Clock clock.Clock

	LoggerFactory logging.LoggerFactory
}

// Loop is a Scheduler backed by a single goroutine.
type Loop struct {
	clock clock.Clock
	log   logging.LeveledLogger

	mu     sync.Mutex
	queue  []func()
	closed bool

	wake chan struct{}
	done chan struct{}
}

var _ Scheduler = (*Loop)(nil)

// New creates a Loop and starts its goroutine.
func New(config Config) *Loop {
	if config.Clock == nil {
		config.Clock = clock.New()
	}
	if config.LoggerFactory == nil {
		config.LoggerFactory = logging.NewDefaultLoggerFactory()
	}

	l := &Loop{
		clock: config.Clock,
		log:   config.LoggerFactory.NewLogger("loop"),
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}

	go l.run()

	return l
}

var (
	defaultLoop     *Loop
	defaultLoopOnce sync.Once
)

// Default returns the process wide loop, starting it on first use. It is
// never closed.
func Default() *Loop {
	defaultLoopOnce.Do(func() {
		defaultLoop = New(Config{})
	})

	return defaultLoop
}

// Clock returns the time source of the loop.
func (l *Loop) Clock() clock.Clock {
	return l.clock
}

// Post queues f. Functions posted after Close are dropped.
func (l *Loop) Post(f func()) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		l.log.Tracef("dropping callback posted to closed loop")

		return
	}
	l.queue = append(l.queue, f)

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Do runs f on the loop and waits for it to return.
func (l *Loop) Do(ctx context.Context, f func()) error {
	finished := make(chan struct{})
	l.Post(func() {
		defer close(finished)
		f()
	})

	select {
	case <-finished:
		return nil
	case <-l.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AfterFunc runs f once on the loop after d.
func (l *Loop) AfterFunc(d time.Duration, f func()) Timer {
	t := &timer{loop: l, fn: f}
	t.arm(d)

	return t
}

// EveryFunc runs f on the loop every d. The schedule is anchored to the
// time the timer was armed, so slow callbacks do not cause drift.
func (l *Loop) EveryFunc(d time.Duration, f func()) Timer {
	t := &timer{loop: l, fn: f, period: d, next: l.clock.Now().Add(d)}
	t.arm(d)

	return t
}

// Close stops the loop goroutine. Queued callbacks that have not started are
// discarded.
func (l *Loop) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()

		return nil
	}
	l.closed = true
	l.queue = nil
	close(l.wake)
	l.mu.Unlock()

	<-l.done

	return nil
}

func (l *Loop) run() {
	defer close(l.done)

	for range l.wake {
		for {
			l.mu.Lock()
			if l.closed || len(l.queue) == 0 {
				l.mu.Unlock()

				break
			}
			f := l.queue[0]
			l.queue[0] = nil
			l.queue = l.queue[1:]
			l.mu.Unlock()

			f()
		}
	}
}

type timer struct {
	loop   *Loop
	fn     func()
	period time.Duration
	next   time.Time

	stopped atomic.Bool

	mu    sync.Mutex
	clock *clock.Timer
}

func (t *timer) arm(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped.Load() {
		return
	}
	t.clock = t.loop.clock.AfterFunc(d, func() {
		t.loop.Post(t.fire)
	})
}

func (t *timer) fire() {
	if t.stopped.Load() {
		return
	}

	if t.period <= 0 {
		t.stopped.Store(true)
	} else {
		t.next = t.next.Add(t.period)
		delay := t.next.Sub(t.loop.clock.Now())
		if delay < 0 {
			delay = 0
		}
		t.arm(delay)
	}

	t.fn()
}

func (t *timer) Stop() {
	t.stopped.Store(true)

	t.mu.Lock()
	if t.clock != nil {
		t.clock.Stop()
	}
	t.mu.Unlock()
}

/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package resiliency

import (
	"context"
	"sync"
	"time"
)

// DebounceLastAction calls an action after the specified delay, but only if no new calls arrive in the meantime.
// If new calls arrive, the action will be delayed further, but no more than maxDelay.
// Run() does not wait for the action; the latest argument wins.
type DebounceLastAction[T any] struct {
	delay     time.Duration
	maxDelay  time.Duration
	timer     *time.Timer
	threshold time.Time
	pending   bool
	arg       T
	m         *sync.Mutex
	action    func(T)
}

func NewDebounceLastAction[T any](action func(T), delay, maxDelay time.Duration) *DebounceLastAction[T] {
	if maxDelay < delay {
		maxDelay = delay
	}

	return &DebounceLastAction[T]{
		delay:    delay,
		maxDelay: maxDelay,
		action:   action,
		m:        &sync.Mutex{},
	}
}

func (dl *DebounceLastAction[T]) Run(ctx context.Context, arg T) {
	dl.m.Lock()
	defer dl.m.Unlock()

	dl.arg = arg
	if !dl.pending {
		dl.pending = true
		dl.timer = time.NewTimer(dl.delay)
		dl.threshold = time.Now().Add(dl.maxDelay)
		go dl.waitAndRun(ctx, dl.timer)
	} else if time.Now().Add(dl.delay).Before(dl.threshold) {
		dl.timer.Reset(dl.delay)
	}
}

func (dl *DebounceLastAction[T]) waitAndRun(ctx context.Context, timer *time.Timer) {
	select {
	case <-timer.C:
		if arg, ok := dl.finishRun(); ok {
			dl.action(arg)
		}
	case <-ctx.Done():
		_, _ = dl.finishRun()
	}
}

func (dl *DebounceLastAction[T]) finishRun() (T, bool) {
	dl.m.Lock()
	defer dl.m.Unlock()
	dl.timer.Stop()
	arg := dl.arg
	wasPending := dl.pending
	dl.pending = false
	dl.arg = *new(T)
	return arg, wasPending
}

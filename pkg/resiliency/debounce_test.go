/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package resiliency

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"
)

func testLog() logr.Logger {
	return logr.Discard()
}

func TestDebounceLastActionRunsOnceWithLatestArgument(t *testing.T) {
	t.Parallel()

	const debounceDelay = 100 * time.Millisecond

	calls := atomic.Int32{}
	lastArg := atomic.Int32{}
	done := make(chan struct{}, 1)
	deb := NewDebounceLastAction(func(v int32) {
		calls.Add(1)
		lastArg.Store(v)
		done <- struct{}{}
	}, debounceDelay, time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for i := int32(1); i <= 5; i++ {
		deb.Run(ctx, i)
	}

	select {
	case <-done:
	case <-ctx.Done():
		require.Fail(t, "debounced action was not called")
	}

	// Give a stray second invocation a chance to show up.
	time.Sleep(2 * debounceDelay)
	require.EqualValues(t, 1, calls.Load())
	require.EqualValues(t, 5, lastArg.Load())
}

func TestDebounceLastActionSkippedWhenContextCancelled(t *testing.T) {
	t.Parallel()

	calls := atomic.Int32{}
	deb := NewDebounceLastAction(func(_ struct{}) { calls.Add(1) }, 200*time.Millisecond, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	deb.Run(ctx, struct{}{})
	cancel()

	time.Sleep(400 * time.Millisecond)
	require.EqualValues(t, 0, calls.Load())
}

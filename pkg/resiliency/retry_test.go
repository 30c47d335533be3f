/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package resiliency

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRetryGetSucceedsAfterTransientFailures(t *testing.T) {
	t.Parallel()

	attempts := atomic.Int32{}
	val, err := RetryGetWithTimeout(context.Background(), 5*time.Second, func() (string, error) {
		if attempts.Add(1) < 3 {
			return "", errors.New("not yet")
		}
		return "ok", nil
	})

	require.NoError(t, err)
	require.Equal(t, "ok", val)
	require.EqualValues(t, 3, attempts.Load())
}

func TestRetryGetWithTimeoutReportsLastError(t *testing.T) {
	t.Parallel()

	attemptErr := errors.New("connection refused")
	_, err := RetryGetWithTimeout(context.Background(), 200*time.Millisecond, func() (int, error) {
		return 0, attemptErr
	})

	require.Error(t, err)
	require.ErrorIs(t, err, attemptErr)
}

func TestRetryGetStopsOnPermanentError(t *testing.T) {
	t.Parallel()

	attempts := atomic.Int32{}
	stopErr := errors.New("unsupported")
	_, err := RetryGet(context.Background(), func() (int, error) {
		attempts.Add(1)
		return 0, Permanent(stopErr)
	})

	require.ErrorIs(t, err, stopErr)
	require.EqualValues(t, 1, attempts.Load())
}

func TestRetryExponentialWithTimeout(t *testing.T) {
	t.Parallel()

	attempts := atomic.Int32{}
	err := RetryExponentialWithTimeout(context.Background(), 5*time.Second, func() error {
		if attempts.Add(1) < 2 {
			return errors.New("access denied")
		}
		return nil
	})
	require.NoError(t, err)
	require.EqualValues(t, 2, attempts.Load())
}

func TestSafeCallConvertsPanic(t *testing.T) {
	t.Parallel()

	err := SafeCall(testLog(), func() error {
		panic("boom")
	})
	require.ErrorContains(t, err, "boom")
}

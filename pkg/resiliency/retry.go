/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package resiliency

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	defaultInitialRetryInterval = 50 * time.Millisecond
	defaultMaxRetryInterval     = 1 * time.Second
)

// Try calling factory function with exponential back-off until the context is cancelled.
func RetryGet[T any](ctx context.Context, factory func() (T, error)) (T, error) {
	return retryGet(ctx, newBackOff(0), factory)
}

// Try calling factory function with exponential back-off until the timeout elapses
// or the context is cancelled, whichever comes first.
func RetryGetWithTimeout[T any](ctx context.Context, timeout time.Duration, factory func() (T, error)) (T, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return retryGet(timeoutCtx, newBackOff(timeout), factory)
}

// Try calling action with exponential back-off until it succeeds, the timeout elapses,
// or the context is cancelled.
func RetryExponentialWithTimeout(ctx context.Context, timeout time.Duration, action func() error) error {
	_, err := RetryGetWithTimeout(ctx, timeout, func() (struct{}, error) {
		return struct{}{}, action()
	})
	return err
}

// Marks an error as non-retryable.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

func newBackOff(maxElapsed time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = defaultInitialRetryInterval
	b.MaxInterval = defaultMaxRetryInterval
	b.MaxElapsedTime = maxElapsed
	return b
}

func retryGet[T any](ctx context.Context, b backoff.BackOff, factory func() (T, error)) (T, error) {
	var lastAttemptErr error

	retval, err := backoff.RetryNotifyWithData(
		factory,
		backoff.WithContext(b, ctx),
		func(err error, _ time.Duration) {
			lastAttemptErr = err
		},
	)

	switch {
	case err != nil && lastAttemptErr != nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)):
		// Inform the caller about the timeout AND the last attempt error.
		return *new(T), errors.Join(lastAttemptErr, err)
	case err != nil:
		return *new(T), err
	default:
		return retval, nil
	}
}

/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package dap

import (
	"errors"
)

var (
	// ErrInvalidContentLength is returned when a frame header carries a Content-Length value
	// that is not a non-negative integer within MaxContentLength.
	ErrInvalidContentLength = errors.New("invalid Content-Length header value")

	// ErrUnsupportedDescriptor is returned when an adapter descriptor does not match any known variant.
	ErrUnsupportedDescriptor = errors.New("unsupported debug adapter descriptor")

	// ErrStreamDisposed is returned when reading from or writing to a disposed stream connection.
	ErrStreamDisposed = errors.New("stream connection has been disposed")

	// ErrSessionAlreadyStarted is returned when Start() is called on a session that is not in the Created state.
	ErrSessionAlreadyStarted = errors.New("debug session has already been started")

	// ErrSessionStopped is returned when a session was stopped before it could become active.
	ErrSessionStopped = errors.New("debug session has been stopped")

	// ErrSessionNotFound is returned when a session id is not present in the registry.
	ErrSessionNotFound = errors.New("debug session not found")

	// ErrSessionAlreadyBound is returned when a second channel is opened for a session that already has one.
	ErrSessionAlreadyBound = errors.New("debug session is already bound to a channel")

	// ErrInvalidChannelPath is returned when a channel path does not have the form "<namespace>/<session id>".
	ErrInvalidChannelPath = errors.New("invalid debug adapter channel path")

	// ErrAdapterConnectionTimeout is returned when the adapter endpoint could not be reached within the timeout.
	ErrAdapterConnectionTimeout = errors.New("debug adapter connection timeout")

	// ErrMultiplexerShutDown is returned when a channel is opened after the multiplexer has been shut down.
	ErrMultiplexerShutDown = errors.New("channel multiplexer has been shut down")
)

// IsSessionError returns true if the error indicates a session lookup or lifecycle failure.
func IsSessionError(err error) bool {
	return errors.Is(err, ErrSessionNotFound) ||
		errors.Is(err, ErrSessionAlreadyStarted) ||
		errors.Is(err, ErrSessionAlreadyBound) ||
		errors.Is(err, ErrSessionStopped)
}

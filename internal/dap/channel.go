/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package dap

// Channel is an addressable duplex pipe between a session and the UI.
// Each Send and each successful Receive carries exactly one message body.
// Implementations must be safe for concurrent use.
type Channel interface {
	// Send delivers a message body to the UI.
	Send(body string) error

	// Receive blocks until the UI sends a message body or the channel is closed.
	// After the channel is closed, Receive returns an error.
	Receive() (string, error)

	// Close closes the channel. Calling Close more than once is a no-op.
	Close() error

	// Done returns a channel that is closed when the channel has been closed by either side.
	Done() <-chan struct{}
}

/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

// Package channel carries many logical, ordered sub-channels over a single WebSocket connection.
// Either side may open a sub-channel by path; the other side decides whether to accept it.
package channel

import (
	"errors"
)

type FrameKind string

const (
	// Sent by the side that opens a sub-channel. Carries the sub-channel id and path.
	FrameKindOpen FrameKind = "open"

	// Acknowledges an open frame. Data may follow (or even precede) it.
	FrameKindReady FrameKind = "ready"

	// Carries one message for the sub-channel.
	FrameKindData FrameKind = "data"

	// Closes the sub-channel. Either side may send it, at most once per sub-channel.
	FrameKindClose FrameKind = "close"
)

// Frame is the unit of transmission over the WebSocket. Every frame is a single JSON text message.
type Frame struct {
	Kind    FrameKind `json:"kind"`
	ID      string    `json:"id"`
	Path    string    `json:"path,omitempty"`
	Content string    `json:"content,omitempty"`
	Reason  string    `json:"reason,omitempty"`
}

var (
	ErrConnectionClosed = errors.New("the channel connection is closed")
	ErrSubChannelClosed = errors.New("the sub-channel is closed")
	ErrOpenRejected     = errors.New("the peer rejected the sub-channel")
)

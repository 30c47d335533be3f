/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package channel

import (
	"context"
	"sync"

	"github.com/smallnest/chanx"
)

// SubChannel is one logical, in-order message channel riding on a Conn.
// Incoming messages are queued without bound, so a slow reader never stalls the connection read loop.
type SubChannel struct {
	id      string
	path    string
	conn    *Conn
	inbound *chanx.UnboundedChan[string]
	cancel  context.CancelFunc

	done      chan struct{}
	closeOnce sync.Once
	lock      sync.Mutex
	reason    string
}

func newSubChannel(conn *Conn, id, path string) *SubChannel {
	ctx, cancel := context.WithCancel(context.Background())
	return &SubChannel{
		id:      id,
		path:    path,
		conn:    conn,
		inbound: chanx.NewUnboundedChan[string](ctx, 8),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

func (s *SubChannel) ID() string {
	return s.id
}

func (s *SubChannel) Path() string {
	return s.path
}

// Send delivers a message to the peer.
func (s *SubChannel) Send(body string) error {
	select {
	case <-s.done:
		return ErrSubChannelClosed
	default:
	}
	return s.conn.writeFrame(Frame{Kind: FrameKindData, ID: s.id, Content: body})
}

// Receive blocks until the next message from the peer arrives, or the sub-channel is closed.
func (s *SubChannel) Receive() (string, error) {
	select {
	case body, ok := <-s.inbound.Out:
		if !ok {
			return "", ErrSubChannelClosed
		}
		return body, nil
	case <-s.done:
		return "", ErrSubChannelClosed
	}
}

// Close closes the sub-channel and tells the peer about it. Safe to call multiple times.
func (s *SubChannel) Close() error {
	s.close(true, "")
	return nil
}

func (s *SubChannel) Done() <-chan struct{} {
	return s.done
}

// Reason returns the explanation the peer gave when it closed the sub-channel, if any.
func (s *SubChannel) Reason() string {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.reason
}

func (s *SubChannel) deliver(body string) {
	select {
	case s.inbound.In <- body:
	case <-s.done:
	}
}

func (s *SubChannel) close(notifyPeer bool, reason string) {
	s.closeOnce.Do(func() {
		s.lock.Lock()
		s.reason = reason
		s.lock.Unlock()

		close(s.done)
		s.cancel()
		s.conn.removeSubChannel(s)

		if notifyPeer {
			// The connection may be gone already, in which case the peer knows.
			_ = s.conn.writeFrame(Frame{Kind: FrameKindClose, ID: s.id, Reason: reason})
		}
	})
}

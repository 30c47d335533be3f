/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package extensionhost

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/smallnest/chanx"

	"github.com/microsoft/dapmux/internal/dap"
	"github.com/microsoft/dapmux/pkg/resiliency"
)

var (
	ErrNoHostProxy      = errors.New("the relay is not connected to a host")
	ErrRPCChannelClosed = errors.New("the RPC channel is closed")
)

// HostProxy is the part of the main host that the extension host calls into.
// The transport behind it is opaque to the relay.
type HostProxy interface {
	// $registerDebuggerContributions
	RegisterDebuggerContributions(ctx context.Context, extensionFolder string, contributions []DebuggerContribution) error

	// $unregisterDebuggerContributions
	UnregisterDebuggerContributions(ctx context.Context, debugTypes []string) error

	// $createConnection: the host prepares to exchange messages for the session.
	CreateConnection(ctx context.Context, sessionID string) error

	// $sendMessage: delivers one message body from the debug adapter to the host.
	SendMessage(ctx context.Context, sessionID string, body string) error

	// $deleteConnection: the session is gone.
	DeleteConnection(ctx context.Context, sessionID string) error
}

// RPCChannel is a session channel whose other end is the main host, reached through a HostProxy.
// Messages sent by the host arrive through Relay.AcceptMessage.
type RPCChannel struct {
	sessionID   string
	proxy       HostProxy
	lifetimeCtx context.Context
	inbound     *chanx.UnboundedChan[string]
	cancel      context.CancelFunc
	onClose     func()

	done      chan struct{}
	closeOnce sync.Once
}

func newRPCChannel(lifetimeCtx context.Context, sessionID string, proxy HostProxy, onClose func()) *RPCChannel {
	queueCtx, cancel := context.WithCancel(context.Background())
	return &RPCChannel{
		sessionID:   sessionID,
		proxy:       proxy,
		lifetimeCtx: lifetimeCtx,
		inbound:     chanx.NewUnboundedChan[string](queueCtx, 8),
		cancel:      cancel,
		onClose:     onClose,
		done:        make(chan struct{}),
	}
}

func (c *RPCChannel) Send(body string) error {
	select {
	case <-c.done:
		return ErrRPCChannelClosed
	default:
	}
	return c.proxy.SendMessage(c.lifetimeCtx, c.sessionID, body)
}

func (c *RPCChannel) Receive() (string, error) {
	select {
	case body, ok := <-c.inbound.Out:
		if !ok {
			return "", ErrRPCChannelClosed
		}
		return body, nil
	case <-c.done:
		return "", ErrRPCChannelClosed
	}
}

// Close closes the channel and tells the host the connection is gone.
func (c *RPCChannel) Close() error {
	var deleteErr error
	c.close(func() {
		deleteErr = c.proxy.DeleteConnection(context.WithoutCancel(c.lifetimeCtx), c.sessionID)
	})
	return deleteErr
}

func (c *RPCChannel) Done() <-chan struct{} {
	return c.done
}

func (c *RPCChannel) accept(body string) error {
	select {
	case <-c.done:
		return ErrRPCChannelClosed
	case c.inbound.In <- body:
		return nil
	}
}

func (c *RPCChannel) close(notify func()) {
	c.closeOnce.Do(func() {
		close(c.done)
		c.cancel()
		if notify != nil {
			notify()
		}
		if c.onClose != nil {
			c.onClose()
		}
	})
}

var _ dap.Channel = (*RPCChannel)(nil)

// StartSessionOverRPC starts a registered session with the main host as the other end.
// The session's messages travel as $sendMessage calls, and the host's messages come back through AcceptMessage.
func (r *Relay) StartSessionOverRPC(ctx context.Context, sessionID string) error {
	if r.proxy == nil {
		return ErrNoHostProxy
	}

	session, found := r.sessions.Find(sessionID)
	if !found {
		return fmt.Errorf("%w: '%s'", dap.ErrSessionNotFound, sessionID)
	}

	r.lock.Lock()
	if _, exists := r.rpcChannels[sessionID]; exists {
		r.lock.Unlock()
		return fmt.Errorf("%w: '%s'", dap.ErrSessionAlreadyBound, sessionID)
	}
	ch := newRPCChannel(ctx, sessionID, r.proxy, func() { r.removeRPCChannel(sessionID) })
	r.rpcChannels[sessionID] = ch
	r.lock.Unlock()

	if connErr := r.proxy.CreateConnection(ctx, sessionID); connErr != nil {
		ch.close(nil)
		return fmt.Errorf("host could not create a connection for debug session '%s': %w", sessionID, connErr)
	}

	go func() {
		defer func() {
			_ = resiliency.MakePanicError(recover(), r.log)
		}()
		select {
		case <-ch.Done():
			_ = session.Stop()
		case <-session.Done():
			if closeErr := ch.Close(); closeErr != nil {
				r.log.V(1).Info("Host did not acknowledge connection deletion", "session", sessionID, "error", closeErr.Error())
			}
		}
	}()

	if startErr := session.Start(ctx, ch); startErr != nil {
		// The session reported the failure in-band and terminated, which closes the channel.
		return startErr
	}
	return nil
}

// AcceptMessage delivers a message from the host to the session's debug adapter.
func (r *Relay) AcceptMessage(sessionID string, body string) error {
	r.lock.Lock()
	ch, found := r.rpcChannels[sessionID]
	r.lock.Unlock()
	if !found {
		return fmt.Errorf("%w: '%s'", dap.ErrSessionNotFound, sessionID)
	}
	return ch.accept(body)
}

// CloseConnection is called when the host deleted the connection for the session. The session is stopped.
func (r *Relay) CloseConnection(sessionID string) {
	r.lock.Lock()
	ch, found := r.rpcChannels[sessionID]
	r.lock.Unlock()
	if found {
		ch.close(nil)
	}
}

func (r *Relay) removeRPCChannel(sessionID string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	delete(r.rpcChannels, sessionID)
}

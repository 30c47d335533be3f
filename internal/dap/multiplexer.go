/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package dap

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/go-logr/logr"
)

// DefaultNamespace is the channel path prefix under which sessions are exposed.
const DefaultNamespace = "debug-adapter"

type MultiplexerConfig struct {
	Registry *Registry

	// Channel path prefix. Defaults to DefaultNamespace.
	Namespace string

	Logger logr.Logger
}

// Multiplexer binds channels opened at "<namespace>/<session id>" to sessions.
// At most one channel is bound to a session. Closing the channel stops the session,
// and a terminated session closes its channel.
type Multiplexer struct {
	registry  *Registry
	namespace string
	log       logr.Logger

	lock     sync.Mutex
	bindings map[string]Channel
	shutDown bool
	wg       sync.WaitGroup
}

func NewMultiplexer(config MultiplexerConfig) *Multiplexer {
	log := config.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	namespace := strings.Trim(config.Namespace, "/")
	if namespace == "" {
		namespace = DefaultNamespace
	}

	return &Multiplexer{
		registry:  config.Registry,
		namespace: namespace,
		log:       log.WithName("channel-multiplexer"),
		bindings:  make(map[string]Channel),
	}
}

func (m *Multiplexer) Namespace() string {
	return m.namespace
}

// ChannelPath returns the path at which the session with given id is exposed.
func (m *Multiplexer) ChannelPath(sessionID string) string {
	return m.namespace + "/" + sessionID
}

// ParseChannelPath extracts the session id from a channel path.
func (m *Multiplexer) ParseChannelPath(path string) (string, error) {
	prefix := m.namespace + "/"
	trimmed := strings.TrimPrefix(path, "/")
	if !strings.HasPrefix(trimmed, prefix) {
		return "", fmt.Errorf("%w: '%s' is not under '%s'", ErrInvalidChannelPath, path, m.namespace)
	}

	id := strings.TrimPrefix(trimmed, prefix)
	if id == "" || strings.Contains(id, "/") {
		return "", fmt.Errorf("%w: '%s'", ErrInvalidChannelPath, path)
	}
	return id, nil
}

// OpenChannel handles a channel the UI opened at the given path.
// If the path does not name a registered session, or the session already has a channel,
// the channel is closed and an error is returned; this is an expected outcome of stale UI state.
// Otherwise the channel is bound to the session and the session is started in the background.
// The context bounds the lifetime of the adapter the session launches.
func (m *Multiplexer) OpenChannel(ctx context.Context, path string, channel Channel) error {
	id, parseErr := m.ParseChannelPath(path)
	if parseErr != nil {
		_ = channel.Close()
		return parseErr
	}

	// Lookup and bind decision happen under one lock.
	m.lock.Lock()
	if m.shutDown {
		m.lock.Unlock()
		_ = channel.Close()
		return ErrMultiplexerShutDown
	}

	session, found := m.registry.Find(id)
	if !found {
		m.lock.Unlock()
		_ = channel.Close()
		m.log.V(1).Info("Channel opened for unknown debug session, closing it", "path", path)
		return fmt.Errorf("%w: '%s'", ErrSessionNotFound, id)
	}

	if _, bound := m.bindings[id]; bound || session.State() != SessionStateCreated {
		m.lock.Unlock()
		_ = channel.Close()
		m.log.V(1).Info("Debug session already has a channel, rejecting the new one", "path", path)
		return fmt.Errorf("%w: '%s'", ErrSessionAlreadyBound, id)
	}

	m.bindings[id] = channel
	m.wg.Add(1)
	m.lock.Unlock()

	go m.runBinding(ctx, session, channel)
	return nil
}

func (m *Multiplexer) runBinding(ctx context.Context, session *Session, channel Channel) {
	defer m.wg.Done()
	defer m.unbind(session.ID(), channel)

	go func() {
		if startErr := session.Start(ctx, channel); startErr != nil {
			// Launch failures have already been reported to the UI through the channel.
			m.log.V(1).Info("Debug session did not start", "session", session.ID(), "error", startErr.Error())
		}
	}()

	select {
	case <-channel.Done():
		m.log.V(1).Info("Channel closed, stopping debug session", "session", session.ID())
		if stopErr := session.Stop(); stopErr != nil {
			m.log.Error(stopErr, "Debug session did not stop cleanly", "session", session.ID())
		}
	case <-session.Done():
		m.log.V(1).Info("Debug session ended, closing its channel", "session", session.ID())
		_ = channel.Close()
	}
}

func (m *Multiplexer) unbind(id string, channel Channel) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.bindings[id] == channel {
		delete(m.bindings, id)
	}
}

// BoundSessions returns the ids of sessions that currently have a channel.
func (m *Multiplexer) BoundSessions() []string {
	m.lock.Lock()
	defer m.lock.Unlock()
	ids := make([]string, 0, len(m.bindings))
	for id := range m.bindings {
		ids = append(ids, id)
	}
	return ids
}

// Shutdown closes every bound channel, stops the sessions and waits for the bindings to wind down.
// Channels opened after Shutdown are rejected.
func (m *Multiplexer) Shutdown() {
	m.lock.Lock()
	m.shutDown = true
	channels := make([]Channel, 0, len(m.bindings))
	for _, ch := range m.bindings {
		channels = append(channels, ch)
	}
	m.lock.Unlock()

	for _, ch := range channels {
		_ = ch.Close()
	}

	m.wg.Wait()
	m.log.V(1).Info("Channel multiplexer shut down", "closedChannels", len(channels))
}

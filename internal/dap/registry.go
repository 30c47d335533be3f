/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package dap

import (
	"sort"
	"sync"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
)

type RegistryConfig struct {
	// Launcher used by every session created through the registry.
	Launcher AdapterLauncher

	Logger logr.Logger
}

// Registry holds the sessions of this process, keyed by session id.
// Sessions are removed automatically when they terminate.
type Registry struct {
	launcher AdapterLauncher
	lock     sync.Mutex
	sessions map[string]*Session
	log      logr.Logger
}

func NewRegistry(config RegistryConfig) *Registry {
	log := config.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	return &Registry{
		launcher: config.Launcher,
		sessions: make(map[string]*Session),
		log:      log.WithName("session-registry"),
	}
}

// Create registers a new session for the descriptor. The session is not started;
// that happens when a channel is opened for it.
func (r *Registry) Create(descriptor AdapterDescriptor, opts ...SessionOption) (*Session, error) {
	if validationErr := ValidateDescriptor(descriptor); validationErr != nil {
		return nil, validationErr
	}

	sessionOpts := append([]SessionOption{WithSessionLogger(r.log.WithName("session"))}, opts...)

	// Id generation and insertion happen under the same lock, so a concurrent Create
	// can never observe a half-registered session.
	r.lock.Lock()
	id := uuid.NewString()
	for r.sessions[id] != nil {
		id = uuid.NewString()
	}
	session := NewSession(id, descriptor, r.launcher, sessionOpts...)
	r.sessions[id] = session
	r.lock.Unlock()

	session.OnTerminated(func(s *Session) { r.Remove(s.ID()) })

	r.log.V(1).Info("Debug session created", "session", id, "descriptor", descriptor.Kind(), "debugType", session.DebugType())
	return session, nil
}

// Find returns the session with the given id, if there is one.
func (r *Registry) Find(id string) (*Session, bool) {
	r.lock.Lock()
	defer r.lock.Unlock()
	session, found := r.sessions[id]
	return session, found
}

// Remove drops the session from the registry. It does not stop the session.
// Removing an unknown (or already removed) session is a no-op.
func (r *Registry) Remove(id string) {
	r.lock.Lock()
	_, found := r.sessions[id]
	delete(r.sessions, id)
	r.lock.Unlock()

	if found {
		r.log.V(1).Info("Debug session removed", "session", id)
	}
}

// Sessions returns a snapshot of the registered sessions, ordered by id.
func (r *Registry) Sessions() []*Session {
	r.lock.Lock()
	retval := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		retval = append(retval, s)
	}
	r.lock.Unlock()

	sort.Slice(retval, func(i, j int) bool { return retval[i].ID() < retval[j].ID() })
	return retval
}

func (r *Registry) Len() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return len(r.sessions)
}

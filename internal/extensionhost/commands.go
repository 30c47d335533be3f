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

	"github.com/go-logr/logr"

	"github.com/microsoft/dapmux/pkg/resiliency"
)

var (
	ErrCommandNotFound          = errors.New("command not found")
	ErrCommandAlreadyRegistered = errors.New("command is already registered")
)

type CommandHandler func(ctx context.Context, args ...any) (any, error)

type commandRegistration struct {
	id      uint64
	handler CommandHandler
}

// CommandRegistry holds named commands that extensions expose, for example to compute an adapter executable.
type CommandRegistry struct {
	lock     sync.Mutex
	handlers map[string]commandRegistration
	nextID   uint64
	log      logr.Logger
}

func NewCommandRegistry(log logr.Logger) *CommandRegistry {
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	return &CommandRegistry{
		handlers: make(map[string]commandRegistration),
		log:      log.WithName("commands"),
	}
}

// Register adds a command. The returned function removes it again,
// unless the command has been registered anew in the meantime.
func (cr *CommandRegistry) Register(id string, handler CommandHandler) (func(), error) {
	cr.lock.Lock()
	defer cr.lock.Unlock()

	if _, exists := cr.handlers[id]; exists {
		return nil, fmt.Errorf("%w: '%s'", ErrCommandAlreadyRegistered, id)
	}
	cr.nextID++
	registrationID := cr.nextID
	cr.handlers[id] = commandRegistration{id: registrationID, handler: handler}

	var once sync.Once
	return func() {
		once.Do(func() {
			cr.lock.Lock()
			defer cr.lock.Unlock()
			if current, exists := cr.handlers[id]; exists && current.id == registrationID {
				delete(cr.handlers, id)
			}
		})
	}, nil
}

// Execute runs the command. A panicking command is reported as an error.
func (cr *CommandRegistry) Execute(ctx context.Context, id string, args ...any) (any, error) {
	cr.lock.Lock()
	registration, found := cr.handlers[id]
	cr.lock.Unlock()
	if !found {
		return nil, fmt.Errorf("%w: '%s'", ErrCommandNotFound, id)
	}

	var result any
	execErr := resiliency.SafeCall(cr.log, func() error {
		var handlerErr error
		result, handlerErr = registration.handler(ctx, args...)
		return handlerErr
	})
	if execErr != nil {
		return nil, fmt.Errorf("command '%s' failed: %w", id, execErr)
	}
	return result, nil
}

/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package dap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/go-dap"

	"github.com/microsoft/dapmux/pkg/process"
	"github.com/microsoft/dapmux/pkg/resiliency"
)

const (
	readBufferSize = 32 * 1024

	// How long to wait for an adapter process to report its exit code after its output stream ended.
	exitCodeWaitTimeout = 2 * time.Second

	// How long Stop() waits for the shutdown requests to be written before disposing the stream anyway.
	shutdownRequestTimeout = 2 * time.Second
)

// SessionState is a step of the session lifecycle. States only ever move forward.
type SessionState int32

const (
	SessionStateCreated SessionState = iota
	SessionStateStarting
	SessionStateActive
	SessionStateStopping
	SessionStateTerminated
)

func (s SessionState) String() string {
	switch s {
	case SessionStateCreated:
		return "Created"
	case SessionStateStarting:
		return "Starting"
	case SessionStateActive:
		return "Active"
	case SessionStateStopping:
		return "Stopping"
	case SessionStateTerminated:
		return "Terminated"
	default:
		return fmt.Sprintf("SessionState(%d)", int32(s))
	}
}

// SessionObserver receives session lifecycle notifications. Observers must not block;
// a panicking observer is logged and does not affect other observers or the session.
type SessionObserver interface {
	OnWillStartSession()
	// A message from the UI is about to be written to the adapter.
	OnWillReceiveMessage(body string)
	// A message from the adapter has been decoded and is about to be sent to the UI.
	OnDidSendMessage(body string)
	OnError(err error)
	// The adapter went away. exitCode is process.UnknownExitCode if it is not known.
	OnExit(exitCode int32)
	OnWillStopSession()
}

type SessionOption func(*Session)

func WithObserver(observer SessionObserver) SessionOption {
	return func(s *Session) {
		if observer != nil {
			s.observers = append(s.observers, observer)
		}
	}
}

// WithDebugType records the debug type ("go", "python", ...) the session was created for.
func WithDebugType(debugType string) SessionOption {
	return func(s *Session) {
		s.debugType = debugType
	}
}

func WithSessionLogger(log logr.Logger) SessionOption {
	return func(s *Session) {
		s.log = log
	}
}

// Session is one debugging conversation: one adapter stream bound to one channel.
type Session struct {
	id         string
	descriptor AdapterDescriptor
	launcher   AdapterLauncher
	debugType  string
	observers  []SessionObserver
	log        logr.Logger

	lock      sync.Mutex
	state     SessionState
	conn      StreamConnection
	channel   Channel
	callbacks []func(*Session)
	cause     error
	done      chan struct{}

	// Serializes writes to the adapter input, and orders them against the shutdown requests.
	// Disposal of the stream never waits for it.
	writeMu sync.Mutex
	seq     atomic.Int64
}

func NewSession(id string, descriptor AdapterDescriptor, launcher AdapterLauncher, opts ...SessionOption) *Session {
	s := &Session{
		id:         id,
		descriptor: descriptor,
		launcher:   launcher,
		log:        logr.Discard(),
		state:      SessionStateCreated,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.WithValues("session", id)
	return s
}

func (s *Session) ID() string                    { return s.id }
func (s *Session) DebugType() string             { return s.debugType }
func (s *Session) Descriptor() AdapterDescriptor { return s.descriptor }

// Done returns a channel that is closed when the session reaches the Terminated state.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) State() SessionState {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.state
}

// Err returns the reason the session terminated, or nil if it was stopped normally (or is still running).
func (s *Session) Err() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.cause
}

// OnTerminated registers a callback invoked once the session is terminated.
// If the session is already terminated, the callback is invoked immediately.
func (s *Session) OnTerminated(callback func(*Session)) {
	s.lock.Lock()
	if s.state != SessionStateTerminated {
		s.callbacks = append(s.callbacks, callback)
		s.lock.Unlock()
		return
	}
	s.lock.Unlock()
	s.invokeCallback(callback)
}

// Start binds the channel, launches the adapter and starts forwarding messages.
// A session can be started only once. If the adapter cannot be launched, the UI is told about it
// through the channel, the session terminates, and the launch error is returned.
func (s *Session) Start(ctx context.Context, channel Channel) error {
	if channel == nil {
		return fmt.Errorf("cannot start debug session %s without a channel", s.id)
	}

	s.lock.Lock()
	if s.state != SessionStateCreated {
		state := s.state
		s.lock.Unlock()
		return fmt.Errorf("%w: session %s is %s", ErrSessionAlreadyStarted, s.id, state)
	}
	s.state = SessionStateStarting
	s.channel = channel
	s.lock.Unlock()

	s.notify(func(o SessionObserver) { o.OnWillStartSession() })

	conn, launchErr := s.launcher.Launch(ctx, s.descriptor)
	if launchErr != nil {
		s.failStart(channel, launchErr)
		return launchErr
	}

	s.lock.Lock()
	if s.state != SessionStateStarting {
		s.lock.Unlock()
		_ = conn.Dispose()
		return fmt.Errorf("%w: session %s was stopped while starting", ErrSessionStopped, s.id)
	}
	s.conn = conn
	s.state = SessionStateActive
	s.lock.Unlock()

	s.log.V(1).Info("Debug session is active", "descriptor", s.descriptor.Kind())

	go s.pumpAdapterOutput(conn, channel)
	go s.pumpChannelInput(conn, channel)
	return nil
}

// Stop ends the session. The adapter is sent a disconnect request and a terminate request
// (no response is awaited), then the stream connection is disposed.
// Stopping an already stopped session is a no-op.
func (s *Session) Stop() error {
	s.lock.Lock()
	switch s.state {
	case SessionStateStopping, SessionStateTerminated:
		s.lock.Unlock()
		<-s.done
		return nil
	}
	s.state = SessionStateStopping
	conn := s.conn
	s.lock.Unlock()

	s.log.V(1).Info("Stopping debug session")
	s.notify(func(o SessionObserver) { o.OnWillStopSession() })

	var disposeErr error
	if conn != nil {
		s.sendShutdownRequests(conn)
		disposeErr = conn.Dispose()
		if disposeErr != nil {
			s.log.Error(disposeErr, "Debug adapter stream was not disposed cleanly")
		}
	}

	s.terminate(nil)
	return disposeErr
}

func (s *Session) failStart(channel Channel, launchErr error) {
	s.lock.Lock()
	if s.state != SessionStateStarting {
		s.lock.Unlock()
		return
	}
	s.state = SessionStateStopping
	s.lock.Unlock()

	s.log.Error(launchErr, "Could not start debug adapter")
	s.notify(func(o SessionObserver) { o.OnError(launchErr) })
	s.sendEvent(channel, newOutputEvent(s.nextSeq(), "stderr", fmt.Sprintf("Failed to start debug adapter: %s\n", launchErr.Error())))
	s.notify(func(o SessionObserver) { o.OnExit(process.UnknownExitCode) })
	s.sendEvent(channel, newExitedEvent(s.nextSeq(), 1))
	s.terminate(launchErr)
}

func (s *Session) pumpAdapterOutput(conn StreamConnection, channel Channel) {
	defer func() {
		if panicErr := resiliency.MakePanicError(recover(), s.log); panicErr != nil {
			s.onAdapterStreamEnded(conn, channel, panicErr)
		}
	}()

	decoder := NewFrameDecoder()
	buf := make([]byte, readBufferSize)
	forward := func(body string) { s.forwardToChannel(channel, body) }

	for {
		n, readErr := conn.Output().Read(buf)
		if n > 0 {
			decoder.Feed(buf[:n])
			if drainErr := decoder.Drain(forward); drainErr != nil {
				s.onAdapterStreamEnded(conn, channel, fmt.Errorf("debug adapter sent a malformed message: %w", drainErr))
				return
			}
		}

		if readErr != nil {
			if errors.Is(readErr, io.EOF) || errors.Is(readErr, ErrStreamDisposed) {
				readErr = nil
			}
			s.onAdapterStreamEnded(conn, channel, readErr)
			return
		}
	}
}

func (s *Session) pumpChannelInput(conn StreamConnection, channel Channel) {
	for {
		body, receiveErr := channel.Receive()
		if receiveErr != nil {
			s.log.V(1).Info("Debug session channel stopped delivering messages", "reason", receiveErr.Error())
			return
		}

		if !s.writeToAdapter(conn, body) {
			return
		}
	}
}

func (s *Session) forwardToChannel(channel Channel, body string) {
	if s.State() != SessionStateActive {
		s.log.V(1).Info("Dropping debug adapter message received while the session is shutting down")
		return
	}

	s.notify(func(o SessionObserver) { o.OnDidSendMessage(body) })
	if sendErr := channel.Send(body); sendErr != nil {
		s.log.V(1).Info("Could not deliver debug adapter message to the channel", "error", sendErr.Error())
	}
}

// Returns false once the session no longer accepts messages for the adapter.
func (s *Session) writeToAdapter(conn StreamConnection, body string) bool {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.State() != SessionStateActive {
		s.log.V(1).Info("Dropping message for debug adapter, session is shutting down")
		return false
	}

	s.notify(func(o SessionObserver) { o.OnWillReceiveMessage(body) })
	if _, writeErr := conn.Input().Write(EncodeFrame(body)); writeErr != nil {
		// A dead adapter is detected (and reported) by the output pump.
		s.log.V(1).Info("Could not write message to debug adapter", "error", writeErr.Error())
	}
	return true
}

// Writes the disconnect and terminate requests. An adapter that does not read its input
// may block the writes indefinitely, so this gives up after shutdownRequestTimeout;
// disposing the stream then unblocks the pending write.
func (s *Session) sendShutdownRequests(conn StreamConnection) {
	written := make(chan struct{})
	go func() {
		defer close(written)
		s.writeMu.Lock()
		defer s.writeMu.Unlock()

		for _, req := range []dap.Message{newDisconnectRequest(s.nextSeq()), newTerminateRequest(s.nextSeq())} {
			body, marshalErr := marshalMessage(req)
			if marshalErr != nil {
				s.log.Error(marshalErr, "Could not create shutdown request")
				continue
			}
			if _, writeErr := conn.Input().Write(EncodeFrame(body)); writeErr != nil {
				s.log.V(1).Info("Could not send shutdown request to debug adapter", "error", writeErr.Error())
				return
			}
		}
	}()

	timer := time.NewTimer(shutdownRequestTimeout)
	defer timer.Stop()
	select {
	case <-written:
	case <-timer.C:
		s.log.V(1).Info("Debug adapter is not accepting input, disposing the connection without waiting for shutdown requests")
	}
}

// Handles the adapter going away without Stop() having been called: the UI is told
// (an "output" event if something failed, then an "exited" event), and the session terminates.
func (s *Session) onAdapterStreamEnded(conn StreamConnection, channel Channel, streamErr error) {
	s.lock.Lock()
	if s.state != SessionStateActive {
		s.lock.Unlock()
		return
	}
	s.state = SessionStateStopping
	s.lock.Unlock()

	var disposeErr error
	if streamErr != nil {
		s.log.Error(streamErr, "Debug adapter connection failed")
		s.notify(func(o SessionObserver) { o.OnError(streamErr) })
		s.sendEvent(channel, newOutputEvent(s.nextSeq(), "stderr", fmt.Sprintf("Debug adapter connection failed: %s\n", streamErr.Error())))
		// The adapter may still be running; make it go away before asking for its exit code.
		disposeErr = conn.Dispose()
	}

	exitCode := awaitExitCode(conn)
	s.log.V(1).Info("Debug adapter went away", "exitCode", exitCode)
	s.notify(func(o SessionObserver) { o.OnExit(exitCode) })

	reportedCode := int(exitCode)
	if exitCode == process.UnknownExitCode {
		reportedCode = 0
		if streamErr != nil {
			reportedCode = 1
		}
	}
	s.sendEvent(channel, newExitedEvent(s.nextSeq(), reportedCode))

	if streamErr == nil {
		disposeErr = conn.Dispose()
	}
	if disposeErr != nil {
		s.log.V(1).Info("Debug adapter stream was not disposed cleanly", "error", disposeErr.Error())
	}

	s.terminate(streamErr)
}

func awaitExitCode(conn StreamConnection) int32 {
	provider, isProcess := conn.(ExitCodeProvider)
	if !isProcess {
		return process.UnknownExitCode
	}

	timer := time.NewTimer(exitCodeWaitTimeout)
	defer timer.Stop()
	select {
	case <-conn.Done():
	case <-timer.C:
	}

	if exitCode, known := provider.ExitCode(); known {
		return exitCode
	}
	return process.UnknownExitCode
}

func (s *Session) sendEvent(channel Channel, event dap.Message) {
	body, marshalErr := marshalMessage(event)
	if marshalErr != nil {
		s.log.Error(marshalErr, "Could not create debug session event")
		return
	}
	if sendErr := channel.Send(body); sendErr != nil {
		s.log.V(1).Info("Could not deliver debug session event", "error", sendErr.Error())
	}
}

func (s *Session) terminate(cause error) {
	s.lock.Lock()
	if s.state == SessionStateTerminated {
		s.lock.Unlock()
		return
	}
	s.state = SessionStateTerminated
	s.cause = cause
	callbacks := s.callbacks
	s.callbacks = nil
	s.lock.Unlock()

	close(s.done)
	s.log.V(1).Info("Debug session terminated")

	for _, cb := range callbacks {
		s.invokeCallback(cb)
	}
}

func (s *Session) invokeCallback(callback func(*Session)) {
	defer func() {
		_ = resiliency.MakePanicError(recover(), s.log)
	}()
	callback(s)
}

func (s *Session) notify(fn func(SessionObserver)) {
	for _, o := range s.observers {
		func() {
			defer func() {
				_ = resiliency.MakePanicError(recover(), s.log)
			}()
			fn(o)
		}()
	}
}

func (s *Session) nextSeq() int {
	return int(s.seq.Add(1))
}

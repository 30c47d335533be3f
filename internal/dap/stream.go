/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package dap

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
)

// StreamConnection is a byte stream to a running debug adapter, whatever its transport.
type StreamConnection interface {
	// Input is the stream written to the adapter.
	Input() io.Writer

	// Output is the stream read from the adapter.
	Output() io.Reader

	// Dispose releases the connection (closing sockets, stopping processes).
	// After Dispose, Output delivers no data and returns ErrStreamDisposed.
	// Calling Dispose more than once is a no-op.
	Dispose() error

	// Done returns a channel that is closed when the adapter end has gone away,
	// or the connection has been disposed.
	Done() <-chan struct{}
}

// ExitCodeProvider is implemented by stream connections backed by an adapter process.
type ExitCodeProvider interface {
	// ExitCode returns the process exit code, and false if the process has not exited
	// or its exit code could not be determined.
	ExitCode() (int32, bool)
}

// disposeGuard keeps the "no data after dispose" contract for a connection's output stream
// and makes disposal idempotent.
type disposeGuard struct {
	disposed  atomic.Bool
	once      sync.Once
	disposeFn func() error
	err       error
}

func (g *disposeGuard) dispose() error {
	g.once.Do(func() {
		g.disposed.Store(true)
		if g.disposeFn != nil {
			g.err = g.disposeFn()
		}
	})
	return g.err
}

func (g *disposeGuard) isDisposed() bool {
	return g.disposed.Load()
}

type guardedReader struct {
	r     io.Reader
	guard *disposeGuard
}

func (gr *guardedReader) Read(p []byte) (int, error) {
	if gr.guard.isDisposed() {
		return 0, ErrStreamDisposed
	}

	n, err := gr.r.Read(p)
	if gr.guard.isDisposed() {
		// Data that raced with disposal is dropped.
		return 0, ErrStreamDisposed
	}
	return n, err
}

type guardedWriter struct {
	w     io.Writer
	guard *disposeGuard
}

func (gw *guardedWriter) Write(p []byte) (int, error) {
	if gw.guard.isDisposed() {
		return 0, ErrStreamDisposed
	}
	return gw.w.Write(p)
}

// socketStream is a StreamConnection over a client socket (TCP, Unix domain socket, or loopback
// connection to an in-process adapter).
type socketStream struct {
	conn    net.Conn
	guard   *disposeGuard
	input   io.Writer
	output  io.Reader
	done    chan struct{}
	doneOne sync.Once
}

func newSocketStream(conn net.Conn, onDispose func() error) *socketStream {
	ss := &socketStream{
		conn: conn,
		done: make(chan struct{}),
	}
	ss.guard = &disposeGuard{
		disposeFn: func() error {
			closeErr := conn.Close()
			if errors.Is(closeErr, net.ErrClosed) {
				closeErr = nil
			}
			var extraErr error
			if onDispose != nil {
				extraErr = onDispose()
			}
			ss.markDone()
			return errors.Join(closeErr, extraErr)
		},
	}
	ss.input = &guardedWriter{w: conn, guard: ss.guard}
	ss.output = &eofNotifyingReader{
		r:     &guardedReader{r: conn, guard: ss.guard},
		onEnd: ss.markDone,
	}
	return ss
}

func (ss *socketStream) Input() io.Writer      { return ss.input }
func (ss *socketStream) Output() io.Reader     { return ss.output }
func (ss *socketStream) Dispose() error        { return ss.guard.dispose() }
func (ss *socketStream) Done() <-chan struct{} { return ss.done }

func (ss *socketStream) markDone() {
	ss.doneOne.Do(func() { close(ss.done) })
}

// Calls onEnd the first time the underlying reader reports an error (including io.EOF).
type eofNotifyingReader struct {
	r     io.Reader
	onEnd func()
}

func (er *eofNotifyingReader) Read(p []byte) (int, error) {
	n, err := er.r.Read(p)
	if err != nil && er.onEnd != nil {
		er.onEnd()
	}
	return n, err
}

var _ StreamConnection = (*socketStream)(nil)

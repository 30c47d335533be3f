/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package dap

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var errTestChannelClosed = errors.New("test channel closed")

// testChannel is an in-memory Channel. Messages "from the UI" are pushed with deliver().
type testChannel struct {
	inbound   chan string
	sent      chan string
	lock      sync.Mutex
	all       []string
	done      chan struct{}
	closeOnce sync.Once
	closes    atomic.Int32
}

func newTestChannel() *testChannel {
	return &testChannel{
		inbound: make(chan string, 100),
		sent:    make(chan string, 1000),
		done:    make(chan struct{}),
	}
}

func (c *testChannel) Send(body string) error {
	select {
	case <-c.done:
		return errTestChannelClosed
	default:
	}

	c.lock.Lock()
	c.all = append(c.all, body)
	c.lock.Unlock()
	c.sent <- body
	return nil
}

func (c *testChannel) Receive() (string, error) {
	select {
	case body := <-c.inbound:
		return body, nil
	case <-c.done:
		return "", errTestChannelClosed
	}
}

func (c *testChannel) Close() error {
	c.closes.Add(1)
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

func (c *testChannel) Done() <-chan struct{} {
	return c.done
}

func (c *testChannel) deliver(body string) {
	c.inbound <- body
}

func (c *testChannel) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *testChannel) sentMessages() []string {
	c.lock.Lock()
	defer c.lock.Unlock()
	return append([]string(nil), c.all...)
}

func (c *testChannel) waitForMessage(t *testing.T, timeout time.Duration) string {
	t.Helper()
	select {
	case body := <-c.sent:
		return body
	case <-time.After(timeout):
		require.FailNow(t, "timed out waiting for a message on the channel")
		return ""
	}
}

// Synthetic messages sent to the channel are JSON; adapter messages in tests usually are not.
type protocolMessage struct {
	Seq     int             `json:"seq"`
	Type    string          `json:"type"`
	Command string          `json:"command"`
	Event   string          `json:"event"`
	Body    json.RawMessage `json:"body"`
}

func parseProtocolMessage(t *testing.T, body string) protocolMessage {
	t.Helper()
	var msg protocolMessage
	require.NoError(t, json.Unmarshal([]byte(body), &msg), "not a protocol message: %s", body)
	return msg
}

func eventsNamed(t *testing.T, bodies []string, event string) []protocolMessage {
	t.Helper()
	var retval []protocolMessage
	for _, b := range bodies {
		var msg protocolMessage
		if json.Unmarshal([]byte(b), &msg) == nil && msg.Type == "event" && msg.Event == event {
			retval = append(retval, msg)
		}
	}
	return retval
}

// eventLog records what happened to a fake stream, in order.
type eventLog struct {
	lock    sync.Mutex
	entries []string
}

func (l *eventLog) add(entry string) {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.entries = append(l.entries, entry)
}

func (l *eventLog) snapshot() []string {
	l.lock.Lock()
	defer l.lock.Unlock()
	return append([]string(nil), l.entries...)
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }

// fakeStream is a StreamConnection whose adapter side is driven by the test.
// Frames written to Input() are decoded and recorded as "input:<body>"; Dispose is recorded as "dispose".
type fakeStream struct {
	events       *eventLog
	inputDecoder *FrameDecoder
	inputLock    sync.Mutex
	outR         *io.PipeReader
	outW         *io.PipeWriter
	disposeCount atomic.Int32
	done         chan struct{}
	doneOnce     sync.Once
	exitCode     atomic.Int32
	hasExitCode  atomic.Bool
}

func newFakeStream() *fakeStream {
	r, w := io.Pipe()
	return &fakeStream{
		events:       &eventLog{},
		inputDecoder: NewFrameDecoder(),
		outR:         r,
		outW:         w,
		done:         make(chan struct{}),
	}
}

func (fs *fakeStream) Input() io.Writer {
	return writerFunc(func(p []byte) (int, error) {
		fs.inputLock.Lock()
		defer fs.inputLock.Unlock()
		fs.inputDecoder.Feed(p)
		drainErr := fs.inputDecoder.Drain(func(body string) { fs.events.add("input:" + body) })
		return len(p), drainErr
	})
}

func (fs *fakeStream) Output() io.Reader { return fs.outR }

func (fs *fakeStream) Dispose() error {
	if fs.disposeCount.Add(1) == 1 {
		fs.events.add("dispose")
		_ = fs.outW.CloseWithError(ErrStreamDisposed)
		fs.markDone()
	}
	return nil
}

func (fs *fakeStream) Done() <-chan struct{} { return fs.done }

func (fs *fakeStream) markDone() {
	fs.doneOnce.Do(func() { close(fs.done) })
}

// Simulates the adapter writing raw bytes to its output.
func (fs *fakeStream) emit(t *testing.T, data []byte) {
	t.Helper()
	_, err := fs.outW.Write(data)
	require.NoError(t, err)
}

// Simulates the adapter going away.
func (fs *fakeStream) closeOutput(err error) {
	if err == nil {
		_ = fs.outW.Close()
	} else {
		_ = fs.outW.CloseWithError(err)
	}
	fs.markDone()
}

// exitingFakeStream adds a process exit code to fakeStream.
type exitingFakeStream struct {
	*fakeStream
}

func (es exitingFakeStream) ExitCode() (int32, bool) {
	return es.exitCode.Load(), es.hasExitCode.Load()
}

// stalledStream is an adapter that never reads its input: writes block until the stream is disposed.
type stalledStream struct {
	*fakeStream
	blockedWrites atomic.Int32
}

func (ss *stalledStream) Input() io.Writer {
	return writerFunc(func(p []byte) (int, error) {
		ss.blockedWrites.Add(1)
		<-ss.done
		return 0, ErrStreamDisposed
	})
}

func (fs *fakeStream) inputs() []string {
	var retval []string
	for _, e := range fs.events.snapshot() {
		if len(e) > len("input:") && e[:len("input:")] == "input:" {
			retval = append(retval, e[len("input:"):])
		}
	}
	return retval
}

type fakeLauncher struct {
	stream   StreamConnection
	err      error
	launches atomic.Int32
	// If not nil, Launch blocks until it is closed.
	gate chan struct{}
}

func (fl *fakeLauncher) Launch(ctx context.Context, _ AdapterDescriptor) (StreamConnection, error) {
	fl.launches.Add(1)
	if fl.gate != nil {
		select {
		case <-fl.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fl.err != nil {
		return nil, fl.err
	}
	return fl.stream, nil
}

// echoInlineAdapter replies to every message with "echo:<message>".
type echoInlineAdapter struct {
	sink     func(string)
	lock     sync.Mutex
	received []string
	disposed atomic.Bool
}

func newEchoInlineAdapter() *echoInlineAdapter {
	return &echoInlineAdapter{}
}

func (a *echoInlineAdapter) SetMessageSink(sink func(string)) {
	a.lock.Lock()
	defer a.lock.Unlock()
	a.sink = sink
}

func (a *echoInlineAdapter) HandleMessage(body string) {
	a.lock.Lock()
	a.received = append(a.received, body)
	sink := a.sink
	a.lock.Unlock()
	sink("echo:" + body)
}

func (a *echoInlineAdapter) Dispose() error {
	a.disposed.Store(true)
	return nil
}

// recordingObserver records session notifications in order.
type recordingObserver struct {
	events *eventLog
	panics bool
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{events: &eventLog{}}
}

func (o *recordingObserver) record(entry string) {
	o.events.add(entry)
	if o.panics {
		panic("observer failure: " + entry)
	}
}

func (o *recordingObserver) OnWillStartSession()              { o.record("willStart") }
func (o *recordingObserver) OnWillReceiveMessage(body string) { o.record("willReceive:" + body) }
func (o *recordingObserver) OnDidSendMessage(body string)     { o.record("didSend:" + body) }
func (o *recordingObserver) OnError(err error)                { o.record("error") }
func (o *recordingObserver) OnExit(exitCode int32)            { o.record("exit") }
func (o *recordingObserver) OnWillStopSession()               { o.record("willStop") }

var _ SessionObserver = (*recordingObserver)(nil)
var _ InlineAdapter = (*echoInlineAdapter)(nil)
var _ Channel = (*testChannel)(nil)

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
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/microsoft/dapmux/internal/dap"
	"github.com/microsoft/dapmux/pkg/testutil"
)

const waitTimeout = 5 * time.Second

func newTestRelay(t *testing.T, config RelayConfig) (*Relay, *dap.Registry) {
	t.Helper()
	log := testutil.NewLogForTesting(t.Name())
	registry := dap.NewRegistry(dap.RegistryConfig{
		Launcher: dap.NewLauncher(dap.LauncherConfig{Logger: log}),
		Logger:   log,
	})
	config.Sessions = registry
	config.Logger = log
	if config.Platform == (Platform{}) {
		config.Platform = Platform{OS: "linux", Arch: "amd64"}
	}
	return NewRelay(config), registry
}

// echoAdapter is an in-process debug adapter that answers every message with "echo:<message>".
type echoAdapter struct {
	lock     sync.Mutex
	sink     func(string)
	disposed bool
}

func (a *echoAdapter) SetMessageSink(sink func(string)) {
	a.lock.Lock()
	defer a.lock.Unlock()
	a.sink = sink
}

func (a *echoAdapter) HandleMessage(body string) {
	a.lock.Lock()
	sink := a.sink
	a.lock.Unlock()
	sink("echo:" + body)
}

func (a *echoAdapter) Dispose() error {
	a.lock.Lock()
	defer a.lock.Unlock()
	a.disposed = true
	return nil
}

func (a *echoAdapter) isDisposed() bool {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.disposed
}

// inlineEchoFactory makes every session of the type use a new echoAdapter.
func inlineEchoFactory(adapters chan<- *echoAdapter) DescriptorFactory {
	return DescriptorFactoryFunc(func(_ context.Context, _ DebugSession, _ *dap.Executable) (dap.AdapterDescriptor, error) {
		a := &echoAdapter{}
		if adapters != nil {
			adapters <- a
		}
		return &dap.InlineImplementation{Implementation: a}, nil
	})
}

var errTestChannelClosed = errors.New("test channel closed")

type testChannel struct {
	inbound   chan string
	sent      chan string
	done      chan struct{}
	closeOnce sync.Once
}

func newTestChannel() *testChannel {
	return &testChannel{
		inbound: make(chan string, 100),
		sent:    make(chan string, 100),
		done:    make(chan struct{}),
	}
}

func (c *testChannel) Send(body string) error {
	select {
	case <-c.done:
		return errTestChannelClosed
	case c.sent <- body:
		return nil
	}
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
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

func (c *testChannel) Done() <-chan struct{} {
	return c.done
}

func (c *testChannel) waitForMessage(t *testing.T) string {
	t.Helper()
	select {
	case body := <-c.sent:
		return body
	case <-time.After(waitTimeout):
		require.FailNow(t, "no message arrived on the channel")
		return ""
	}
}

// recordingTracker appends "<name>:<event>" entries to a shared log.
type recordingTracker struct {
	name     string
	log      *eventLog
	panicsOn string
}

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

func (rt *recordingTracker) record(event string) {
	rt.log.add(rt.name + ":" + event)
	if event == rt.panicsOn {
		panic(fmt.Sprintf("tracker %s failed on %s", rt.name, event))
	}
}

func (rt *recordingTracker) OnWillStartSession()              { rt.record("willStart") }
func (rt *recordingTracker) OnWillReceiveMessage(body string) { rt.record("willReceive " + body) }
func (rt *recordingTracker) OnDidSendMessage(body string)     { rt.record("didSend " + body) }
func (rt *recordingTracker) OnError(error)                    { rt.record("error") }
func (rt *recordingTracker) OnExit(int32)                     { rt.record("exit") }
func (rt *recordingTracker) OnWillStopSession()               { rt.record("willStop") }

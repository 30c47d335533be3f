/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package extensionhost

import (
	"context"
	"sync"

	"github.com/go-logr/logr"

	"github.com/microsoft/dapmux/internal/dap"
	"github.com/microsoft/dapmux/pkg/resiliency"
)

// AnyDebugType registers a tracker factory or a configuration resolver for every debug type.
const AnyDebugType = "*"

// Tracker observes the lifecycle of a debug adapter.
type Tracker = dap.SessionObserver

// TrackerFactory creates a tracker for a session. A nil tracker means the factory is not interested in the session.
type TrackerFactory interface {
	CreateTracker(ctx context.Context, session DebugSession) (Tracker, error)
}

type TrackerFactoryFunc func(ctx context.Context, session DebugSession) (Tracker, error)

func (f TrackerFactoryFunc) CreateTracker(ctx context.Context, session DebugSession) (Tracker, error) {
	return f(ctx, session)
}

type trackerRegistration struct {
	id        uint64
	debugType string
	factory   TrackerFactory
}

func (r trackerRegistration) appliesTo(debugType string) bool {
	return r.debugType == AnyDebugType || r.debugType == debugType
}

// compositeTracker fans every notification out to its trackers in order.
// A failing tracker does not prevent delivery to the rest.
type compositeTracker struct {
	lock     sync.Mutex
	trackers []Tracker
	log      logr.Logger
}

func newCompositeTracker(log logr.Logger) *compositeTracker {
	return &compositeTracker{log: log}
}

func (ct *compositeTracker) attach(trackers ...Tracker) {
	ct.lock.Lock()
	defer ct.lock.Unlock()
	ct.trackers = append(ct.trackers, trackers...)
}

func (ct *compositeTracker) each(fn func(Tracker)) {
	ct.lock.Lock()
	trackers := append([]Tracker(nil), ct.trackers...)
	ct.lock.Unlock()

	for _, t := range trackers {
		func() {
			defer func() {
				_ = resiliency.MakePanicError(recover(), ct.log)
			}()
			fn(t)
		}()
	}
}

func (ct *compositeTracker) OnWillStartSession() {
	ct.each(func(t Tracker) { t.OnWillStartSession() })
}

func (ct *compositeTracker) OnWillReceiveMessage(body string) {
	ct.each(func(t Tracker) { t.OnWillReceiveMessage(body) })
}

func (ct *compositeTracker) OnDidSendMessage(body string) {
	ct.each(func(t Tracker) { t.OnDidSendMessage(body) })
}

func (ct *compositeTracker) OnError(err error) {
	ct.each(func(t Tracker) { t.OnError(err) })
}

func (ct *compositeTracker) OnExit(exitCode int32) {
	ct.each(func(t Tracker) { t.OnExit(exitCode) })
}

func (ct *compositeTracker) OnWillStopSession() {
	ct.each(func(t Tracker) { t.OnWillStopSession() })
}

var _ dap.SessionObserver = (*compositeTracker)(nil)

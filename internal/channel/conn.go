/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/microsoft/dapmux/pkg/resiliency"
)

var (
	// The period for sending ping messages to detect stale connections.
	// If zero, no pings are sent and the connection never times out on reads.
	DefaultPingPeriod = 5 * time.Second

	// Timeout for writing a single frame.
	writeTimeout = 10 * time.Second
)

// OpenHandler is invoked for every sub-channel the peer opens.
// Returning an error (or closing the sub-channel) rejects it.
type OpenHandler func(ctx context.Context, path string, sub *SubChannel) error

type ConnConfig struct {
	// Handles sub-channels opened by the peer. If nil, all such sub-channels are rejected.
	OnOpen OpenHandler

	// Zero means DefaultPingPeriod, negative disables pings.
	PingPeriod time.Duration

	Logger logr.Logger
}

// Conn multiplexes sub-channels over one WebSocket connection.
// When the connection ends, every sub-channel riding on it is closed.
type Conn struct {
	ws          *websocket.Conn
	lifetimeCtx context.Context
	onOpen      OpenHandler
	log         logr.Logger

	writeLock sync.Mutex

	lock    sync.Mutex
	subs    map[string]*SubChannel
	pending map[string]chan error

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

// NewConn starts serving the WebSocket connection. The connection is closed when lifetimeCtx is done.
func NewConn(lifetimeCtx context.Context, ws *websocket.Conn, config ConnConfig) *Conn {
	log := config.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	c := &Conn{
		ws:          ws,
		lifetimeCtx: lifetimeCtx,
		onOpen:      config.OnOpen,
		log:         log.WithName("channel-connection").WithValues("remote", ws.RemoteAddr().String()),
		subs:        make(map[string]*SubChannel),
		pending:     make(map[string]chan error),
		done:        make(chan struct{}),
	}

	pingPeriod := config.PingPeriod
	if pingPeriod == 0 {
		pingPeriod = DefaultPingPeriod
	}
	if pingPeriod > 0 {
		readTimeout := 3 * pingPeriod
		_ = ws.SetReadDeadline(time.Now().Add(readTimeout))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(readTimeout))
		})
		go c.pingLoop(pingPeriod)
	}

	go c.readLoop()
	go func() {
		select {
		case <-lifetimeCtx.Done():
			_ = c.Close()
		case <-c.done:
		}
	}()

	return c
}

// Dial connects to a channel endpoint. The token, if not empty, is sent as a bearer token.
func Dial(ctx context.Context, url string, token string, config ConnConfig) (*Conn, error) {
	headers := http.Header{}
	if token != "" {
		headers.Add("Authorization", fmt.Sprintf("Bearer %s", token))
	}

	ws, resp, dialErr := websocket.DefaultDialer.DialContext(ctx, url, headers)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if dialErr != nil {
		return nil, fmt.Errorf("failed to connect to channel endpoint '%s': %w", url, dialErr)
	}

	return NewConn(context.Background(), ws, config), nil
}

// Open opens a sub-channel at the given path and waits for the peer to acknowledge it.
func (c *Conn) Open(ctx context.Context, path string) (*SubChannel, error) {
	id := uuid.NewString()
	sub := newSubChannel(c, id, path)
	ready := make(chan error, 1)

	c.lock.Lock()
	if c.isDone() {
		c.lock.Unlock()
		return nil, ErrConnectionClosed
	}
	c.subs[id] = sub
	c.pending[id] = ready
	c.lock.Unlock()

	if writeErr := c.writeFrame(Frame{Kind: FrameKindOpen, ID: id, Path: path}); writeErr != nil {
		sub.close(false, "")
		c.clearPending(id)
		return nil, writeErr
	}

	select {
	case openErr := <-ready:
		if openErr != nil {
			return nil, openErr
		}
		return sub, nil
	case <-ctx.Done():
		c.clearPending(id)
		_ = sub.Close()
		return nil, ctx.Err()
	}
}

func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that ended the connection, if it ended for a reason other than Close().
func (c *Conn) Err() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.err
}

// SubChannels returns the number of open sub-channels.
func (c *Conn) SubChannels() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return len(c.subs)
}

// Close closes the connection and every sub-channel on it.
func (c *Conn) Close() error {
	if !c.isDone() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
	}
	c.shutdown(nil)
	return nil
}

func (c *Conn) readLoop() {
	defer func() {
		if panicErr := resiliency.MakePanicError(recover(), c.log); panicErr != nil {
			c.shutdown(panicErr)
		}
	}()

	for {
		_, data, readErr := c.ws.ReadMessage()
		if readErr != nil {
			if c.isDone() || websocket.IsCloseError(readErr, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.shutdown(nil)
			} else {
				c.log.V(1).Info("Channel connection read failed", "error", readErr.Error())
				c.shutdown(readErr)
			}
			return
		}

		var f Frame
		if unmarshalErr := json.Unmarshal(data, &f); unmarshalErr != nil {
			c.log.Error(unmarshalErr, "Invalid channel frame received, ignoring")
			continue
		}
		c.handleFrame(f)
	}
}

func (c *Conn) handleFrame(f Frame) {
	if f.ID == "" {
		c.log.V(1).Info("Channel frame without sub-channel id, ignoring", "kind", f.Kind)
		return
	}

	switch f.Kind {
	case FrameKindOpen:
		c.handleOpen(f)

	case FrameKindReady:
		c.lock.Lock()
		ready, found := c.pending[f.ID]
		delete(c.pending, f.ID)
		c.lock.Unlock()
		if found {
			ready <- nil
		}

	case FrameKindData:
		c.lock.Lock()
		sub, found := c.subs[f.ID]
		c.lock.Unlock()
		if !found {
			c.log.V(1).Info("Data for unknown sub-channel, ignoring", "id", f.ID)
			return
		}
		sub.deliver(f.Content)

	case FrameKindClose:
		c.lock.Lock()
		sub, found := c.subs[f.ID]
		ready, wasPending := c.pending[f.ID]
		delete(c.pending, f.ID)
		c.lock.Unlock()
		if wasPending {
			ready <- fmt.Errorf("%w: %s", ErrOpenRejected, f.Reason)
		}
		if found {
			sub.close(false, f.Reason)
		}

	default:
		c.log.V(1).Info("Unknown channel frame kind, ignoring", "kind", f.Kind, "id", f.ID)
	}
}

func (c *Conn) handleOpen(f Frame) {
	c.lock.Lock()
	if _, exists := c.subs[f.ID]; exists {
		c.lock.Unlock()
		_ = c.writeFrame(Frame{Kind: FrameKindClose, ID: f.ID, Reason: "duplicate sub-channel id"})
		return
	}
	sub := newSubChannel(c, f.ID, f.Path)
	c.subs[f.ID] = sub
	c.lock.Unlock()

	if c.onOpen == nil {
		sub.close(true, "sub-channels cannot be opened on this connection")
		return
	}

	// Acknowledge before the handler runs, so that anything the handler sends follows the ready frame.
	if writeErr := c.writeFrame(Frame{Kind: FrameKindReady, ID: f.ID}); writeErr != nil {
		sub.close(false, "")
		return
	}

	if openErr := c.onOpen(c.lifetimeCtx, f.Path, sub); openErr != nil {
		sub.close(true, openErr.Error())
	}
}

func (c *Conn) pingLoop(period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if pingErr := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); pingErr != nil {
				if !c.isDone() {
					c.log.V(1).Info("Channel connection ping failed", "error", pingErr.Error())
				}
				c.shutdown(pingErr)
				return
			}
		}
	}
}

func (c *Conn) writeFrame(f Frame) error {
	if c.isDone() {
		return ErrConnectionClosed
	}

	c.writeLock.Lock()
	defer c.writeLock.Unlock()

	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if writeErr := c.ws.WriteJSON(f); writeErr != nil {
		if c.isDone() {
			return ErrConnectionClosed
		}
		go c.shutdown(writeErr)
		return errors.Join(ErrConnectionClosed, writeErr)
	}
	return nil
}

func (c *Conn) removeSubChannel(sub *SubChannel) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.subs[sub.id] == sub {
		delete(c.subs, sub.id)
	}
}

func (c *Conn) clearPending(id string) {
	c.lock.Lock()
	defer c.lock.Unlock()
	delete(c.pending, id)
}

func (c *Conn) isDone() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Conn) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.lock.Lock()
		c.err = cause
		close(c.done)
		subs := make([]*SubChannel, 0, len(c.subs))
		for _, sub := range c.subs {
			subs = append(subs, sub)
		}
		pending := c.pending
		c.pending = make(map[string]chan error)
		c.lock.Unlock()

		for _, ready := range pending {
			ready <- ErrConnectionClosed
		}
		for _, sub := range subs {
			sub.close(false, "connection closed")
		}

		_ = c.ws.Close()
		c.log.V(1).Info("Channel connection closed", "closedSubChannels", len(subs))
	})
}

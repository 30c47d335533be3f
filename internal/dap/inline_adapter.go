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
	"net"
	"sync"

	"github.com/go-logr/logr"

	"github.com/microsoft/dapmux/pkg/resiliency"
)

// InlineAdapter is a debug adapter implemented in-process. It exchanges whole message bodies;
// framing is handled by the host.
type InlineAdapter interface {
	// HandleMessage is called for every message sent to the adapter, in order.
	HandleMessage(body string)

	// SetMessageSink is called once, before the first HandleMessage call.
	// The adapter calls the sink to send messages to the UI. The sink is safe for concurrent use.
	SetMessageSink(sink func(body string))

	// Dispose is called when the session ends.
	Dispose() error
}

// The in-process adapter is exposed through a loopback socket so that the session sees it
// as any other stream. The listener accepts exactly one connection.
func (l *Launcher) hostInlineAdapter(ctx context.Context, d *InlineImplementation) (StreamConnection, error) {
	listener, listenErr := net.Listen("tcp", "127.0.0.1:0")
	if listenErr != nil {
		return nil, fmt.Errorf("failed to create loopback listener for inline debug adapter: %w", listenErr)
	}
	defer listener.Close()

	acceptedCh := make(chan net.Conn, 1)
	acceptErrCh := make(chan error, 1)
	go func() {
		conn, acceptErr := listener.Accept()
		if acceptErr != nil {
			acceptErrCh <- acceptErr
			return
		}
		acceptedCh <- conn
	}()

	var dialer net.Dialer
	clientConn, dialErr := dialer.DialContext(ctx, "tcp", listener.Addr().String())
	if dialErr != nil {
		return nil, fmt.Errorf("failed to connect to inline debug adapter: %w", dialErr)
	}

	var serverConn net.Conn
	select {
	case serverConn = <-acceptedCh:
	case acceptErr := <-acceptErrCh:
		_ = clientConn.Close()
		return nil, fmt.Errorf("failed to accept inline debug adapter connection: %w", acceptErr)
	case <-ctx.Done():
		_ = clientConn.Close()
		return nil, ctx.Err()
	}

	bridge := &inlineBridge{
		adapter: d.Implementation,
		conn:    serverConn,
		log:     l.log.WithName("inline-adapter"),
	}
	bridge.start()

	l.log.Info("Started inline debug adapter", "implementation", fmt.Sprintf("%T", d.Implementation))
	return newSocketStream(clientConn, bridge.dispose), nil
}

// inlineBridge decodes frames arriving on the server end of the loopback connection and hands
// message bodies to the adapter; messages from the adapter are framed and written back.
type inlineBridge struct {
	adapter  InlineAdapter
	conn     net.Conn
	writeMu  sync.Mutex
	log      logr.Logger
	disposed sync.Once
	err      error
}

func (b *inlineBridge) start() {
	b.adapter.SetMessageSink(b.send)
	go b.readLoop()
}

func (b *inlineBridge) send(body string) {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	if _, writeErr := b.conn.Write(EncodeFrame(body)); writeErr != nil {
		b.log.V(1).Info("Could not deliver inline debug adapter message", "error", writeErr.Error())
	}
}

func (b *inlineBridge) readLoop() {
	defer func() {
		_ = resiliency.MakePanicError(recover(), b.log)
	}()

	decoder := NewFrameDecoder()
	buf := make([]byte, readBufferSize)
	for {
		n, readErr := b.conn.Read(buf)
		if n > 0 {
			decoder.Feed(buf[:n])
			if drainErr := decoder.Drain(b.adapter.HandleMessage); drainErr != nil {
				b.log.Error(drainErr, "Inline debug adapter received a malformed frame")
				_ = b.conn.Close()
				return
			}
		}
		if readErr != nil {
			if !errors.Is(readErr, io.EOF) && !errors.Is(readErr, net.ErrClosed) {
				b.log.V(1).Info("Inline debug adapter connection failed", "error", readErr.Error())
			}
			return
		}
	}
}

func (b *inlineBridge) dispose() error {
	b.disposed.Do(func() {
		closeErr := b.conn.Close()
		if errors.Is(closeErr, net.ErrClosed) {
			closeErr = nil
		}
		b.err = errors.Join(closeErr, b.adapter.Dispose())
	})
	return b.err
}

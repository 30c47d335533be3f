/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

// Package debughost serves debug sessions to UI clients: an HTTP API for creating and managing sessions,
// and a WebSocket endpoint carrying the channels that sessions are bound to.
package debughost

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"

	"github.com/microsoft/dapmux/internal/channel"
	"github.com/microsoft/dapmux/internal/dap"
	"github.com/microsoft/dapmux/internal/extensionhost"
	"github.com/microsoft/dapmux/pkg/resiliency"
)

const (
	bearerPrefix = "Bearer "
	tokenParam   = "token"

	shutdownTimeout = 5 * time.Second
)

type ServerConfig struct {
	Host HostConfig

	// If set, the server accepts connections on this listener instead of listening on Host.Address.
	Listener net.Listener

	// Launcher for debug adapters. If nil, one is created from the Host settings.
	Launcher dap.AdapterLauncher

	Logger logr.Logger
}

// Server is the debug host service. It owns the session registry, the channel multiplexer
// and the extension host relay that resolves launch configurations.
type Server struct {
	config      HostConfig
	lifetimeCtx context.Context
	listener    net.Listener
	registry    *dap.Registry
	mux         *dap.Multiplexer
	relay       *extensionhost.Relay
	router      *httprouter.Router
	upgrader    websocket.Upgrader
	log         logr.Logger

	lock  sync.Mutex
	conns map[*channel.Conn]struct{}
}

// NewServer creates the debug host. Channel connections and debug adapters live at most as long as lifetimeCtx.
func NewServer(lifetimeCtx context.Context, config ServerConfig) (*Server, error) {
	log := config.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	log = log.WithName("debug-host")

	if validationErr := config.Host.Validate(); validationErr != nil {
		return nil, validationErr
	}

	launcher := config.Launcher
	if launcher == nil {
		launcher = dap.NewLauncher(dap.LauncherConfig{
			StopTimeout:       config.Host.AdapterStopTimeout,
			ConnectionTimeout: config.Host.AdapterConnectionTimeout,
			Logger:            log,
		})
	}

	registry := dap.NewRegistry(dap.RegistryConfig{Launcher: launcher, Logger: log})

	s := &Server{
		config:      config.Host,
		lifetimeCtx: lifetimeCtx,
		listener:    config.Listener,
		registry:    registry,
		mux: dap.NewMultiplexer(dap.MultiplexerConfig{
			Registry:  registry,
			Namespace: config.Host.Namespace,
			Logger:    log,
		}),
		relay: extensionhost.NewRelay(extensionhost.RelayConfig{
			Sessions: registry,
			Logger:   log,
		}),
		router: httprouter.New(),
		upgrader: websocket.Upgrader{
			CheckOrigin: checkOrigin,
		},
		log:   log,
		conns: make(map[*channel.Conn]struct{}),
	}
	s.setupRoutes()

	return s, nil
}

func (s *Server) Registry() *dap.Registry {
	return s.registry
}

func (s *Server) Multiplexer() *dap.Multiplexer {
	return s.mux
}

// Relay gives access to the relay, for registering descriptor factories, trackers and providers.
func (s *Server) Relay() *extensionhost.Relay {
	return s.relay
}

// Handler returns the HTTP handler of the debug host API, with authentication applied.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" && !s.authorized(r) {
			s.log.V(1).Info("Request rejected: invalid or missing token", "path", r.URL.Path, "remote", r.RemoteAddr)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		s.router.ServeHTTP(w, r)
	})
}

// Run serves the API until the lifetime context is done, then shuts the host down:
// channels are closed, sessions are stopped, and the function returns.
func (s *Server) Run() error {
	listener := s.listener
	if listener == nil {
		var listenErr error
		listener, listenErr = net.Listen("tcp", s.config.Address)
		if listenErr != nil {
			return fmt.Errorf("failed to listen on '%s': %w", s.config.Address, listenErr)
		}
	}

	if s.config.ExtensionsDir != "" {
		watcher := extensionhost.NewContributionWatcher(extensionhost.ContributionWatcherConfig{
			Root:   s.config.ExtensionsDir,
			Relay:  s.relay,
			Logger: s.log,
		})
		if watchErr := watcher.Watch(s.lifetimeCtx); watchErr != nil {
			_ = listener.Close()
			return watchErr
		}
	}

	httpServer := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return s.lifetimeCtx },
	}

	errChan := make(chan error, 1)
	go func() {
		defer func() {
			if panicErr := resiliency.MakePanicError(recover(), s.log); panicErr != nil {
				errChan <- panicErr
			}
			close(errChan)
		}()
		s.log.Info("Debug host listening", "address", listener.Addr().String())
		if serveErr := httpServer.Serve(listener); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			errChan <- serveErr
		}
	}()

	var serveErr error
	select {
	case <-s.lifetimeCtx.Done():
	case serveErr = <-errChan:
	}

	s.log.Info("Stopping debug host")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	shutdownErr := httpServer.Shutdown(shutdownCtx)
	s.shutdown()

	if serveErr != nil {
		return serveErr
	}
	return shutdownErr
}

func (s *Server) shutdown() {
	s.mux.Shutdown()

	s.lock.Lock()
	conns := make([]*channel.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.lock.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}

	// Sessions that never got a channel are still in the registry.
	for _, session := range s.registry.Sessions() {
		if stopErr := session.Stop(); stopErr != nil {
			s.log.Error(stopErr, "Debug session did not stop cleanly", "session", session.ID())
		}
		s.registry.Remove(session.ID())
	}
}

func (s *Server) authorized(r *http.Request) bool {
	if s.config.Token == "" {
		return true
	}

	presented := r.URL.Query().Get(tokenParam)
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, bearerPrefix) {
		presented = strings.TrimPrefix(auth, bearerPrefix)
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(s.config.Token)) == 1
}

// Non-browser clients send no Origin. Browser pages may connect only if they are served
// by the debug host itself or from the local machine.
func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	u, parseErr := url.Parse(origin)
	if parseErr != nil || u.Host == "" {
		return false
	}
	if strings.EqualFold(u.Host, r.Host) {
		return true
	}

	hostname := u.Hostname()
	if strings.EqualFold(hostname, "localhost") {
		return true
	}
	ip := net.ParseIP(hostname)
	return ip != nil && ip.IsLoopback()
}

func (s *Server) handleChannel(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	ws, upgradeErr := s.upgrader.Upgrade(w, r, nil)
	if upgradeErr != nil {
		// The upgrader has already replied to the client.
		s.log.V(1).Info("Channel connection could not be upgraded", "remote", r.RemoteAddr, "error", upgradeErr.Error())
		return
	}

	conn := channel.NewConn(s.lifetimeCtx, ws, channel.ConnConfig{
		OnOpen:     s.openChannel,
		PingPeriod: s.config.PingPeriod,
		Logger:     s.log,
	})

	s.lock.Lock()
	s.conns[conn] = struct{}{}
	s.lock.Unlock()

	go func() {
		<-conn.Done()
		s.lock.Lock()
		delete(s.conns, conn)
		s.lock.Unlock()
		s.log.V(1).Info("Channel connection ended", "remote", r.RemoteAddr)
	}()
}

func (s *Server) openChannel(ctx context.Context, path string, sub *channel.SubChannel) error {
	openErr := s.mux.OpenChannel(ctx, path, sub)
	switch {
	case openErr == nil:
	case dap.IsSessionError(openErr), errors.Is(openErr, dap.ErrInvalidChannelPath), errors.Is(openErr, dap.ErrMultiplexerShutDown):
		// Stale UI state, not a host failure.
		s.log.V(1).Info("Channel rejected", "path", path, "reason", openErr.Error())
	default:
		s.log.Error(openErr, "Channel could not be opened", "path", path)
	}
	return openErr
}

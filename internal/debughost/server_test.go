/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package debughost

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	godap "github.com/google/go-dap"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/microsoft/dapmux/internal/channel"
	"github.com/microsoft/dapmux/internal/dap"
	"github.com/microsoft/dapmux/internal/extensionhost"
	"github.com/microsoft/dapmux/pkg/osutil"
	"github.com/microsoft/dapmux/pkg/testutil"
)

const (
	testTimeout = 20 * time.Second
	waitTimeout = 5 * time.Second
	initRequest = `{"seq":1,"type":"request","command":"initialize","arguments":{"adapterID":"mock"}}`
)

type testHost struct {
	server *Server
	http   *httptest.Server
	ctx    context.Context
	token  string
}

func newTestHost(t *testing.T, token string) *testHost {
	t.Helper()
	ctx, cancel := testutil.GetTestContext(t, testTimeout)

	config := DefaultHostConfig()
	config.Token = token
	server, serverErr := NewServer(ctx, ServerConfig{
		Host:   config,
		Logger: testutil.NewLogForTesting(t.Name()),
	})
	require.NoError(t, serverErr)

	ts := httptest.NewServer(server.Handler())
	t.Cleanup(func() {
		cancel()
		server.shutdown()
		ts.Close()
	})

	return &testHost{server: server, http: ts, ctx: ctx, token: token}
}

func (th *testHost) do(t *testing.T, method, path string, body any) (int, []byte) {
	t.Helper()
	return th.doWithContentType(t, method, path, "application/json", body)
}

func (th *testHost) doWithContentType(t *testing.T, method, path, contentType string, body any) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		if raw, isRaw := body.(string); isRaw {
			reader = strings.NewReader(raw)
		} else {
			content, marshalErr := json.Marshal(body)
			require.NoError(t, marshalErr)
			reader = bytes.NewReader(content)
		}
	}

	req, reqErr := http.NewRequestWithContext(th.ctx, method, th.http.URL+path, reader)
	require.NoError(t, reqErr)
	if th.token != "" {
		req.Header.Set("Authorization", "Bearer "+th.token)
	}
	if body != nil && contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, doErr := http.DefaultClient.Do(req)
	require.NoError(t, doErr)
	defer resp.Body.Close()
	content, readErr := io.ReadAll(resp.Body)
	require.NoError(t, readErr)
	return resp.StatusCode, content
}

func (th *testHost) createSession(t *testing.T, req CreateSessionRequest) CreateSessionResponse {
	t.Helper()
	status, content := th.do(t, http.MethodPost, "/sessions", req)
	require.Equal(t, http.StatusCreated, status, string(content))

	var resp CreateSessionResponse
	require.NoError(t, json.Unmarshal(content, &resp))
	return resp
}

func (th *testHost) dial(t *testing.T) *channel.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(th.http.URL, "http") + "/channel"
	conn, dialErr := channel.Dial(th.ctx, url, th.token, channel.ConnConfig{Logger: testutil.NewLogForTesting("client")})
	require.NoError(t, dialErr)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (th *testHost) registerInlineDebugger(t *testing.T, debugType string) {
	t.Helper()
	contribution := extensionhost.DebuggerContribution{
		PlatformAdapterContribution: extensionhost.PlatformAdapterContribution{Program: "./adapter"},
		Type:                        debugType,
		Label:                       "Mock Debug",
		Languages:                   []string{"markdown", "plaintext"},
		ConfigurationAttributes: map[string]any{
			"launch": map[string]any{"required": []any{"program"}},
		},
	}
	require.NoError(t, th.server.Relay().RegisterContributions(th.ctx, t.TempDir(), []extensionhost.DebuggerContribution{contribution}))

	unregister, regErr := th.server.Relay().RegisterDescriptorFactory(debugType, extensionhost.DescriptorFactoryFunc(
		func(_ context.Context, _ extensionhost.DebugSession, _ *dap.Executable) (dap.AdapterDescriptor, error) {
			return &dap.InlineImplementation{Implementation: &echoAdapter{}}, nil
		}))
	require.NoError(t, regErr)
	t.Cleanup(unregister)
}

// echoAdapter is an in-process debug adapter that answers every message with "echo:<message>".
type echoAdapter struct {
	lock sync.Mutex
	sink func(string)
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

func (a *echoAdapter) Dispose() error { return nil }

// startEchoAdapterServer runs a debug adapter server answering every message with "echo:<message>".
func startEchoAdapterServer(t *testing.T) int {
	t.Helper()
	listener, listenErr := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, listenErr)
	t.Cleanup(func() { _ = listener.Close() })

	go func() {
		for {
			conn, acceptErr := listener.Accept()
			if acceptErr != nil {
				return
			}
			go func() {
				defer conn.Close()
				reader := bufio.NewReader(conn)
				for {
					content, readErr := godap.ReadBaseMessage(reader)
					if readErr != nil {
						return
					}
					if writeErr := godap.WriteBaseMessage(conn, append([]byte("echo:"), content...)); writeErr != nil {
						return
					}
				}
			}()
		}
	}()

	return listener.Addr().(*net.TCPAddr).Port
}

func receive(t *testing.T, sub *channel.SubChannel) string {
	t.Helper()
	received := make(chan string, 1)
	go func() {
		body, _ := sub.Receive()
		received <- body
	}()
	select {
	case body := <-received:
		return body
	case <-time.After(waitTimeout):
		require.FailNow(t, "no message arrived on the channel")
		return ""
	}
}

func TestHealthzDoesNotRequireToken(t *testing.T) {
	th := newTestHost(t, "secret")

	resp, getErr := http.Get(th.http.URL + "/healthz")
	require.NoError(t, getErr)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRequestsRequireToken(t *testing.T) {
	th := newTestHost(t, "secret")

	resp, getErr := http.Get(th.http.URL + "/sessions")
	require.NoError(t, getErr)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, getErr = http.Get(th.http.URL + "/sessions?token=wrong")
	require.NoError(t, getErr)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, getErr = http.Get(th.http.URL + "/sessions?token=secret")
	require.NoError(t, getErr)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	status, _ := th.do(t, http.MethodGet, "/sessions", nil)
	require.Equal(t, http.StatusOK, status)
}

func TestChannelRequiresToken(t *testing.T) {
	th := newTestHost(t, "secret")
	url := "ws" + strings.TrimPrefix(th.http.URL, "http") + "/channel"

	_, dialErr := channel.Dial(th.ctx, url, "wrong", channel.ConnConfig{})
	require.Error(t, dialErr)
}

func TestChannelRejectsForeignOrigin(t *testing.T) {
	th := newTestHost(t, "secret")
	url := "ws" + strings.TrimPrefix(th.http.URL, "http") + "/channel"

	headers := http.Header{}
	headers.Set("Authorization", "Bearer secret")
	headers.Set("Origin", "https://attacker.example.com")
	ws, resp, dialErr := websocket.DefaultDialer.DialContext(th.ctx, url, headers)
	require.Error(t, dialErr)
	require.Nil(t, ws)
	require.NotNil(t, resp)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	headers.Set("Origin", th.http.URL)
	ws, resp, dialErr = websocket.DefaultDialer.DialContext(th.ctx, url, headers)
	require.NoError(t, dialErr)
	_ = resp.Body.Close()
	_ = ws.Close()
}

func TestCheckOrigin(t *testing.T) {
	t.Parallel()

	tests := []struct {
		origin  string
		allowed bool
	}{
		{"", true},
		{"http://debughost:4711", true},
		{"http://localhost:3000", true},
		{"http://LOCALHOST", true},
		{"http://127.0.0.1:8080", true},
		{"http://[::1]:8080", true},
		{"https://attacker.example.com", false},
		{"http://debughost:9999", false},
		{"null", false},
		{"://bad", false},
	}

	for _, tc := range tests {
		req := httptest.NewRequest(http.MethodGet, "http://debughost:4711/channel", nil)
		if tc.origin != "" {
			req.Header.Set("Origin", tc.origin)
		}
		require.Equal(t, tc.allowed, checkOrigin(req), "origin '%s'", tc.origin)
	}
}

func TestPostRequestsRequireJSONContentType(t *testing.T) {
	th := newTestHost(t, "")
	th.registerInlineDebugger(t, "mock")
	body := `{"configuration":{"type":"mock"}}`

	status, content := th.doWithContentType(t, http.MethodPost, "/sessions", "text/plain", body)
	require.Equal(t, http.StatusUnsupportedMediaType, status, string(content))
	status, content = th.doWithContentType(t, http.MethodPost, "/sessions", "application/x-www-form-urlencoded", body)
	require.Equal(t, http.StatusUnsupportedMediaType, status, string(content))
	status, content = th.doWithContentType(t, http.MethodPost, "/sessions", "", body)
	require.Equal(t, http.StatusUnsupportedMediaType, status, string(content))
	require.Zero(t, th.server.Registry().Len())

	status, content = th.doWithContentType(t, http.MethodPost, "/sessions", "application/json; charset=utf-8", body)
	require.Equal(t, http.StatusCreated, status, string(content))

	unregister, regErr := th.server.Relay().Commands().Register("test.ping", func(context.Context, ...any) (any, error) { return "pong", nil })
	require.NoError(t, regErr)
	defer unregister()
	status, content = th.doWithContentType(t, http.MethodPost, "/commands/test.ping", "text/plain", `{"args":[]}`)
	require.Equal(t, http.StatusUnsupportedMediaType, status, string(content))
	status, content = th.doWithContentType(t, http.MethodPost, "/commands/test.ping", "", nil)
	require.Equal(t, http.StatusOK, status, string(content))
}

func TestSessionFromConfigurationOverChannel(t *testing.T) {
	th := newTestHost(t, "")
	th.registerInlineDebugger(t, "mock")

	created := th.createSession(t, CreateSessionRequest{
		Configuration: extensionhost.DebugConfiguration{"type": "mock", "name": "Mock", "request": "launch"},
	})
	require.Equal(t, dap.DefaultNamespace+"/"+created.ID, created.Path)

	status, content := th.do(t, http.MethodGet, "/sessions/"+created.ID, nil)
	require.Equal(t, http.StatusOK, status)
	var info SessionInfo
	require.NoError(t, json.Unmarshal(content, &info))
	require.Equal(t, "Created", info.State)
	require.Equal(t, "mock", info.DebugType)

	conn := th.dial(t)
	sub, openErr := conn.Open(th.ctx, created.Path)
	require.NoError(t, openErr)

	require.NoError(t, sub.Send(initRequest))
	require.Equal(t, "echo:"+initRequest, receive(t, sub))

	session, found := th.server.Registry().Find(created.ID)
	require.True(t, found)
	require.Equal(t, dap.SessionStateActive, session.State())

	// Closing the channel ends the session, which removes it from the registry.
	require.NoError(t, sub.Close())
	require.Eventually(t, func() bool { return th.server.Registry().Len() == 0 }, waitTimeout, 20*time.Millisecond)
}

func TestSessionFromDescriptorOverChannel(t *testing.T) {
	th := newTestHost(t, "token")
	port := startEchoAdapterServer(t)

	created := th.createSession(t, CreateSessionRequest{
		Descriptor: &dap.DescriptorDTO{Type: dap.DescriptorKindServer, Host: "127.0.0.1", Port: port},
	})

	conn := th.dial(t)
	sub, openErr := conn.Open(th.ctx, created.Path)
	require.NoError(t, openErr)

	require.NoError(t, sub.Send(initRequest))
	require.Equal(t, "echo:"+initRequest, receive(t, sub))

	// Dropping the connection stops the session.
	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return th.server.Registry().Len() == 0 }, waitTimeout, 20*time.Millisecond)
}

func TestChannelForUnknownSessionIsClosed(t *testing.T) {
	th := newTestHost(t, "")
	conn := th.dial(t)

	// The sub-channel is acknowledged before the host looks the session up.
	sub, openErr := conn.Open(th.ctx, dap.DefaultNamespace+"/no-such-session")
	require.NoError(t, openErr)
	select {
	case <-sub.Done():
	case <-time.After(waitTimeout):
		require.FailNow(t, "channel for an unknown session was not closed")
	}

	// The connection itself survives.
	select {
	case <-conn.Done():
		require.FailNow(t, "connection should stay open")
	default:
	}
}

func TestCreateSessionRejectsInvalidRequests(t *testing.T) {
	th := newTestHost(t, "")
	th.registerInlineDebugger(t, "mock")

	tests := []struct {
		name   string
		body   any
		status int
	}{
		{"not JSON", "{not json", http.StatusBadRequest},
		{"empty request", map[string]any{}, http.StatusBadRequest},
		{"both configuration and descriptor", map[string]any{
			"configuration": map[string]any{"type": "mock"},
			"descriptor":    map[string]any{"type": "server", "port": 4711},
		}, http.StatusBadRequest},
		{"unknown descriptor type", map[string]any{"descriptor": map[string]any{"type": "telepathy"}}, http.StatusBadRequest},
		{"server descriptor without port", map[string]any{"descriptor": map[string]any{"type": "server"}}, http.StatusBadRequest},
		{"configuration without type", map[string]any{"configuration": map[string]any{"name": "x"}}, http.StatusBadRequest},
		{"type without contribution", map[string]any{"configuration": map[string]any{"type": "unknown"}}, http.StatusUnprocessableEntity},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			status, content := th.do(t, http.MethodPost, "/sessions", tc.body)
			require.Equal(t, tc.status, status, string(content))

			var errResp errorResponse
			require.NoError(t, json.Unmarshal(content, &errResp))
			require.NotEmpty(t, errResp.Error)
		})
	}

	require.Equal(t, 0, th.server.Registry().Len(), "rejected requests must not create sessions")
}

func TestListAndDeleteSessions(t *testing.T) {
	th := newTestHost(t, "")
	port := startEchoAdapterServer(t)
	descriptor := &dap.DescriptorDTO{Type: dap.DescriptorKindServer, Host: "127.0.0.1", Port: port}

	first := th.createSession(t, CreateSessionRequest{Descriptor: descriptor})
	second := th.createSession(t, CreateSessionRequest{Descriptor: descriptor})
	require.NotEqual(t, first.ID, second.ID)

	status, content := th.do(t, http.MethodGet, "/sessions", nil)
	require.Equal(t, http.StatusOK, status)
	var sessions []SessionInfo
	require.NoError(t, json.Unmarshal(content, &sessions))
	ids := []string{}
	for _, s := range sessions {
		ids = append(ids, s.ID)
		require.Equal(t, "Created", s.State)
	}
	require.ElementsMatch(t, []string{first.ID, second.ID}, ids)

	status, _ = th.do(t, http.MethodDelete, "/sessions/"+first.ID, nil)
	require.Equal(t, http.StatusNoContent, status)

	status, _ = th.do(t, http.MethodGet, "/sessions/"+first.ID, nil)
	require.Equal(t, http.StatusNotFound, status)

	status, _ = th.do(t, http.MethodDelete, "/sessions/"+first.ID, nil)
	require.Equal(t, http.StatusNotFound, status)

	_, found := th.server.Registry().Find(second.ID)
	require.True(t, found)
}

func TestDebuggerQueries(t *testing.T) {
	th := newTestHost(t, "")
	th.registerInlineDebugger(t, "mock")

	status, content := th.do(t, http.MethodGet, "/debuggers", nil)
	require.Equal(t, http.StatusOK, status)
	var debuggers []DebuggerInfo
	require.NoError(t, json.Unmarshal(content, &debuggers))
	require.Len(t, debuggers, 1)

	mock := debuggers[0]
	require.Equal(t, "mock", mock.Type)
	require.Equal(t, "Mock Debug", mock.Label)
	require.Equal(t, []string{"markdown", "plaintext"}, mock.Languages)
	require.Len(t, mock.SchemaAttributes, 1)
	require.Empty(t, mock.ConfigurationSnippets)

	status, _ = th.do(t, http.MethodGet, "/debuggers/mock", nil)
	require.Equal(t, http.StatusOK, status)

	status, _ = th.do(t, http.MethodGet, "/debuggers/unknown", nil)
	require.Equal(t, http.StatusNotFound, status)
}

func TestExecuteCommand(t *testing.T) {
	th := newTestHost(t, "")
	unregister, regErr := th.server.Relay().Commands().Register("test.countArgs", func(_ context.Context, args ...any) (any, error) {
		return len(args), nil
	})
	require.NoError(t, regErr)
	defer unregister()

	status, content := th.do(t, http.MethodPost, "/commands/test.countArgs", ExecuteCommandRequest{Args: []any{"a", 1, true}})
	require.Equal(t, http.StatusOK, status, string(content))
	var resp ExecuteCommandResponse
	require.NoError(t, json.Unmarshal(content, &resp))
	require.EqualValues(t, 3, resp.Result)

	status, _ = th.do(t, http.MethodPost, "/commands/test.countArgs", nil)
	require.Equal(t, http.StatusOK, status, "arguments are optional")

	status, _ = th.do(t, http.MethodPost, "/commands/test.unknown", nil)
	require.Equal(t, http.StatusNotFound, status)
}

func TestRunLoadsContributionsAndShutsDown(t *testing.T) {
	extensions := t.TempDir()
	manifest := "debuggers:\n  - type: mock\n    label: Mock Debug\n    program: ./adapter.js\n"
	folder := filepath.Join(extensions, "mock-debug")
	require.NoError(t, os.MkdirAll(folder, osutil.PermissionOnlyOwnerReadWriteTraverse))
	require.NoError(t, os.WriteFile(filepath.Join(folder, extensionhost.ManifestFileName), []byte(manifest), osutil.PermissionOnlyOwnerReadWrite))

	listener, listenErr := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, listenErr)

	ctx, cancel := testutil.GetTestContext(t, testTimeout)
	defer cancel()
	runCtx, stop := context.WithCancel(ctx)

	config := DefaultHostConfig()
	config.ExtensionsDir = extensions
	server, serverErr := NewServer(runCtx, ServerConfig{
		Host:     config,
		Listener: listener,
		Logger:   testutil.NewLogForTesting(t.Name()),
	})
	require.NoError(t, serverErr)

	runErr := make(chan error, 1)
	go func() { runErr <- server.Run() }()

	baseURL := fmt.Sprintf("http://%s", listener.Addr().String())
	require.Eventually(t, func() bool {
		resp, getErr := http.Get(baseURL + "/debuggers/mock")
		if getErr != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, waitTimeout, 50*time.Millisecond)

	port := startEchoAdapterServer(t)
	_, createErr := server.Registry().Create(&dap.Server{Host: "127.0.0.1", Port: port})
	require.NoError(t, createErr)

	stop()
	select {
	case err := <-runErr:
		require.NoError(t, err)
	case <-time.After(waitTimeout):
		require.FailNow(t, "server did not shut down")
	}
	require.Equal(t, 0, server.Registry().Len())

	_, openErr := net.DialTimeout("tcp", listener.Addr().String(), time.Second)
	require.Error(t, openErr, "listener should be closed after shutdown")
}

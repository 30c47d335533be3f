/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package debughost

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"sort"

	"github.com/julienschmidt/httprouter"

	"github.com/microsoft/dapmux/internal/dap"
	"github.com/microsoft/dapmux/internal/extensionhost"
)

const maxRequestBodySize = 1 << 20

type CreateSessionRequest struct {
	// Launch configuration, resolved through the debugger contributions.
	Configuration extensionhost.DebugConfiguration `json:"configuration,omitempty"`

	// Explicit adapter descriptor, used as is.
	Descriptor *dap.DescriptorDTO `json:"descriptor,omitempty"`
}

type CreateSessionResponse struct {
	ID string `json:"id"`

	// Channel path to open to start the session.
	Path string `json:"path"`
}

type SessionInfo struct {
	ID        string `json:"id"`
	State     string `json:"state"`
	DebugType string `json:"debugType,omitempty"`
	Path      string `json:"path"`
}

type DebuggerInfo struct {
	Type                  string           `json:"type"`
	Label                 string           `json:"label,omitempty"`
	Languages             []string         `json:"languages"`
	SchemaAttributes      []map[string]any `json:"schemaAttributes"`
	ConfigurationSnippets []map[string]any `json:"configurationSnippets"`
}

type ExecuteCommandRequest struct {
	Args []any `json:"args,omitempty"`
}

type ExecuteCommandResponse struct {
	Result any `json:"result"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", s.handleHealth)

	s.router.POST("/sessions", s.handleCreateSession)
	s.router.GET("/sessions", s.handleListSessions)
	s.router.GET("/sessions/:id", s.handleGetSession)
	s.router.DELETE("/sessions/:id", s.handleDeleteSession)

	s.router.GET("/debuggers", s.handleListDebuggers)
	s.router.GET("/debuggers/:type", s.handleGetDebugger)
	s.router.POST("/commands/:id", s.handleExecuteCommand)

	s.router.GET("/channel", s.handleChannel)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if !isJSONRequest(r) {
		writeError(w, http.StatusUnsupportedMediaType, "request body must be application/json")
		return
	}

	var req CreateSessionRequest
	if decodeErr := decodeBody(w, r, &req); decodeErr != nil {
		writeError(w, http.StatusBadRequest, decodeErr.Error())
		return
	}

	hasConfig := req.Configuration != nil
	hasDescriptor := req.Descriptor != nil
	if hasConfig == hasDescriptor {
		writeError(w, http.StatusBadRequest, "exactly one of 'configuration' and 'descriptor' must be provided")
		return
	}

	var id string
	var createErr error
	if hasConfig {
		id, createErr = s.relay.CreateSession(r.Context(), req.Configuration)
	} else {
		var descriptor dap.AdapterDescriptor
		descriptor, createErr = dap.ConvertToDescriptor(req.Descriptor)
		if createErr == nil {
			var session *dap.Session
			session, createErr = s.registry.Create(descriptor)
			if createErr == nil {
				id = session.ID()
			}
		}
	}

	if createErr != nil {
		status := createErrorStatus(createErr)
		if status == http.StatusInternalServerError {
			s.log.Error(createErr, "Debug session could not be created")
		} else {
			s.log.V(1).Info("Debug session request rejected", "reason", createErr.Error())
		}
		writeError(w, status, createErr.Error())
		return
	}

	s.log.Info("Debug session created", "session", id)
	writeJSON(w, http.StatusCreated, CreateSessionResponse{ID: id, Path: s.mux.ChannelPath(id)})
}

func createErrorStatus(err error) int {
	switch {
	case errors.Is(err, extensionhost.ErrMissingDebugType),
		errors.Is(err, extensionhost.ErrInvalidConfiguration),
		errors.Is(err, dap.ErrUnsupportedDescriptor):
		return http.StatusBadRequest
	case errors.Is(err, extensionhost.ErrSessionAborted):
		return http.StatusConflict
	case errors.Is(err, extensionhost.ErrNoContribution),
		errors.Is(err, extensionhost.ErrExecutableResolution):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	sessions := s.registry.Sessions()
	retval := make([]SessionInfo, 0, len(sessions))
	for _, session := range sessions {
		retval = append(retval, s.sessionInfo(session))
	}
	writeJSON(w, http.StatusOK, retval)
}

func (s *Server) handleGetSession(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	session, found := s.registry.Find(ps.ByName("id"))
	if !found {
		writeError(w, http.StatusNotFound, dap.ErrSessionNotFound.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.sessionInfo(session))
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	id := ps.ByName("id")
	if terminateErr := s.relay.TerminateSession(id); terminateErr != nil {
		if errors.Is(terminateErr, dap.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, terminateErr.Error())
			return
		}
		s.log.Error(terminateErr, "Debug session did not stop cleanly", "session", id)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) sessionInfo(session *dap.Session) SessionInfo {
	return SessionInfo{
		ID:        session.ID(),
		State:     session.State().String(),
		DebugType: session.DebugType(),
		Path:      s.mux.ChannelPath(session.ID()),
	}
}

func (s *Server) handleListDebuggers(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	types := s.relay.Contributions().Types()
	retval := make([]DebuggerInfo, 0, len(types))
	for _, debugType := range types {
		if info, found := s.debuggerInfo(debugType); found {
			retval = append(retval, info)
		}
	}
	writeJSON(w, http.StatusOK, retval)
}

func (s *Server) handleGetDebugger(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	info, found := s.debuggerInfo(ps.ByName("type"))
	if !found {
		writeError(w, http.StatusNotFound, extensionhost.ErrNoContribution.Error())
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) debuggerInfo(debugType string) (DebuggerInfo, bool) {
	contribution, _, found := s.relay.Contributions().Get(debugType)
	if !found {
		return DebuggerInfo{}, false
	}

	languages := s.relay.SupportedLanguages(debugType)
	sort.Strings(languages)
	return DebuggerInfo{
		Type:                  debugType,
		Label:                 contribution.Label,
		Languages:             languages,
		SchemaAttributes:      s.relay.SchemaAttributes(debugType),
		ConfigurationSnippets: s.relay.ConfigurationSnippets(debugType),
	}, true
}

func (s *Server) handleExecuteCommand(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	// The arguments are optional, but a body that is sent must be JSON.
	hasBody := r.ContentLength != 0 || r.Header.Get("Content-Type") != ""
	if hasBody && !isJSONRequest(r) {
		writeError(w, http.StatusUnsupportedMediaType, "request body must be application/json")
		return
	}

	var req ExecuteCommandRequest
	if decodeErr := decodeBody(w, r, &req); decodeErr != nil && !errors.Is(decodeErr, io.EOF) {
		writeError(w, http.StatusBadRequest, decodeErr.Error())
		return
	}

	result, execErr := s.relay.Commands().Execute(r.Context(), ps.ByName("id"), req.Args...)
	if execErr != nil {
		if errors.Is(execErr, extensionhost.ErrCommandNotFound) {
			writeError(w, http.StatusNotFound, execErr.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, execErr.Error())
		return
	}
	writeJSON(w, http.StatusOK, ExecuteCommandResponse{Result: result})
}

// Browsers can send form and text bodies cross-origin without a preflight, but not JSON ones.
func isJSONRequest(r *http.Request) bool {
	mediaType, _, parseErr := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return parseErr == nil && mediaType == "application/json"
}

func decodeBody(w http.ResponseWriter, r *http.Request, target any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodySize))
	decoder.UseNumber()
	return decoder.Decode(target)
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

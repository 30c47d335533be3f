/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/go-dap"
)

var errDisconnected = errors.New("client disconnected")

// adapter is a minimal debug adapter: it answers the requests of a launch/disconnect cycle
// and evaluates every expression to itself.
type adapter struct {
	w io.Writer

	lock sync.Mutex
	seq  int
}

func newAdapter(w io.Writer) *adapter {
	return &adapter{w: w}
}

// serve handles requests until the client disconnects or the input ends.
func (a *adapter) serve(r io.Reader) error {
	reader := bufio.NewReader(r)
	for {
		content, readErr := dap.ReadBaseMessage(reader)
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return nil
			}
			return readErr
		}

		if handleErr := a.handle(content); handleErr != nil {
			if errors.Is(handleErr, errDisconnected) {
				return nil
			}
			return handleErr
		}
	}
}

func (a *adapter) handle(content []byte) error {
	var req dap.Request
	if unmarshalErr := json.Unmarshal(content, &req); unmarshalErr != nil || req.Type != "request" {
		return a.send(a.newOutputEvent("stderr", fmt.Sprintf("ignoring message that is not a request: %s\n", string(content))))
	}

	switch req.Command {
	case "initialize":
		resp := &dap.InitializeResponse{
			Response: a.newResponse(req),
			Body: dap.Capabilities{
				SupportsConfigurationDoneRequest: true,
				SupportsTerminateRequest:         true,
				SupportTerminateDebuggee:         true,
			},
		}
		if sendErr := a.send(resp); sendErr != nil {
			return sendErr
		}
		return a.send(&dap.InitializedEvent{Event: a.newEvent("initialized")})

	case "launch", "attach":
		resp := a.newResponse(req)
		if sendErr := a.send(&resp); sendErr != nil {
			return sendErr
		}
		return a.send(a.newOutputEvent("console", fmt.Sprintf("echo adapter: %s\n", req.Command)))

	case "evaluate":
		var evalReq dap.EvaluateRequest
		if unmarshalErr := json.Unmarshal(content, &evalReq); unmarshalErr != nil {
			return a.send(a.newErrorResponse(req, unmarshalErr.Error()))
		}
		return a.send(&dap.EvaluateResponse{
			Response: a.newResponse(req),
			Body:     dap.EvaluateResponseBody{Result: evalReq.Arguments.Expression},
		})

	case "configurationDone", "threads", "setBreakpoints":
		resp := a.newResponse(req)
		return a.send(&resp)

	case "terminate":
		resp := a.newResponse(req)
		if sendErr := a.send(&resp); sendErr != nil {
			return sendErr
		}
		return a.send(&dap.TerminatedEvent{Event: a.newEvent("terminated")})

	case "disconnect":
		resp := a.newResponse(req)
		if sendErr := a.send(&resp); sendErr != nil {
			return sendErr
		}
		return errDisconnected

	default:
		return a.send(a.newErrorResponse(req, fmt.Sprintf("request '%s' is not supported", req.Command)))
	}
}

func (a *adapter) send(msg dap.Message) error {
	a.lock.Lock()
	defer a.lock.Unlock()
	return dap.WriteProtocolMessage(a.w, msg)
}

func (a *adapter) nextSeq() int {
	a.lock.Lock()
	defer a.lock.Unlock()
	a.seq++
	return a.seq
}

func (a *adapter) newResponse(req dap.Request) dap.Response {
	return dap.Response{
		ProtocolMessage: dap.ProtocolMessage{Seq: a.nextSeq(), Type: "response"},
		RequestSeq:      req.Seq,
		Command:         req.Command,
		Success:         true,
	}
}

func (a *adapter) newErrorResponse(req dap.Request, message string) *dap.ErrorResponse {
	resp := a.newResponse(req)
	resp.Success = false
	resp.Message = message
	return &dap.ErrorResponse{
		Response: resp,
		Body: dap.ErrorResponseBody{
			Error: &dap.ErrorMessage{Id: 1, Format: message},
		},
	}
}

func (a *adapter) newEvent(event string) dap.Event {
	return dap.Event{
		ProtocolMessage: dap.ProtocolMessage{Seq: a.nextSeq(), Type: "event"},
		Event:           event,
	}
}

func (a *adapter) newOutputEvent(category, output string) *dap.OutputEvent {
	return &dap.OutputEvent{
		Event: a.newEvent("output"),
		Body:  dap.OutputEventBody{Category: category, Output: output},
	}
}

/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package dap

import (
	"encoding/json"
	"fmt"

	"github.com/google/go-dap"
)

// Messages the session generates itself. Adapter-originated messages are never parsed.

func newDisconnectRequest(seq int) *dap.DisconnectRequest {
	return &dap.DisconnectRequest{
		Request: dap.Request{
			ProtocolMessage: dap.ProtocolMessage{
				Seq:  seq,
				Type: "request",
			},
			Command: "disconnect",
		},
		Arguments: &dap.DisconnectArguments{
			TerminateDebuggee: true,
		},
	}
}

func newTerminateRequest(seq int) *dap.TerminateRequest {
	return &dap.TerminateRequest{
		Request: dap.Request{
			ProtocolMessage: dap.ProtocolMessage{
				Seq:  seq,
				Type: "request",
			},
			Command: "terminate",
		},
	}
}

func newOutputEvent(seq int, category, output string) *dap.OutputEvent {
	return &dap.OutputEvent{
		Event: dap.Event{
			ProtocolMessage: dap.ProtocolMessage{
				Seq:  seq,
				Type: "event",
			},
			Event: "output",
		},
		Body: dap.OutputEventBody{
			Category: category,
			Output:   output,
		},
	}
}

func newExitedEvent(seq int, exitCode int) *dap.ExitedEvent {
	return &dap.ExitedEvent{
		Event: dap.Event{
			ProtocolMessage: dap.ProtocolMessage{
				Seq:  seq,
				Type: "event",
			},
			Event: "exited",
		},
		Body: dap.ExitedEventBody{
			ExitCode: exitCode,
		},
	}
}

func marshalMessage(msg dap.Message) (string, error) {
	data, marshalErr := json.Marshal(msg)
	if marshalErr != nil {
		return "", fmt.Errorf("failed to marshal %T: %w", msg, marshalErr)
	}
	return string(data), nil
}

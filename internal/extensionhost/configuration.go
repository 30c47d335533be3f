/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

// Package extensionhost resolves debug adapters from declarative debugger contributions
// and plugin supplied factories, and hands the result to the debug session machinery.
package extensionhost

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
)

var ErrInvalidConfiguration = errors.New("invalid debug configuration")

// DebugConfiguration is a launch configuration as the UI sends it.
// Only "type" and "debugServer" are interpreted here; everything else is passed through.
type DebugConfiguration map[string]any

func (dc DebugConfiguration) Type() string {
	return dc.stringAttr("type")
}

func (dc DebugConfiguration) Name() string {
	return dc.stringAttr("name")
}

func (dc DebugConfiguration) Request() string {
	return dc.stringAttr("request")
}

// DebugServer returns the port of an already running debug adapter, if the configuration names one.
// A "debugServer" value that is not a valid port is an error.
func (dc DebugConfiguration) DebugServer() (int, bool, error) {
	raw, found := dc["debugServer"]
	if !found || raw == nil {
		return 0, false, nil
	}

	var port float64
	switch v := raw.(type) {
	case float64:
		port = v
	case int:
		port = float64(v)
	case int64:
		port = float64(v)
	case json.Number:
		parsed, parseErr := v.Float64()
		if parseErr != nil {
			return 0, false, fmt.Errorf("%w: debugServer '%s' is not a number", ErrInvalidConfiguration, v.String())
		}
		port = parsed
	case string:
		parsed, parseErr := strconv.Atoi(v)
		if parseErr != nil {
			return 0, false, fmt.Errorf("%w: debugServer '%s' is not a number", ErrInvalidConfiguration, v)
		}
		port = float64(parsed)
	default:
		return 0, false, fmt.Errorf("%w: debugServer must be a port number, not %T", ErrInvalidConfiguration, raw)
	}

	if port <= 0 || port > math.MaxUint16 || port != math.Trunc(port) {
		return 0, false, fmt.Errorf("%w: debugServer %v is not a valid port", ErrInvalidConfiguration, port)
	}
	return int(port), true, nil
}

func (dc DebugConfiguration) stringAttr(name string) string {
	if s, isString := dc[name].(string); isString {
		return s
	}
	return ""
}

// DebugSession describes a session to descriptor factories and tracker factories.
type DebugSession struct {
	ID            string
	Type          string
	Name          string
	Configuration DebugConfiguration
}

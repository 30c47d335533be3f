/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package commands

import (
	"encoding/json"
	"io"
	"runtime"
)

func IsWindows() bool {
	return runtime.GOOS == "windows"
}

// WithNewline appends the platform line ending.
func WithNewline(b []byte) []byte {
	if IsWindows() {
		b = append(b, '\r')
	}
	b = append(b, '\n')
	return b
}

// writeJSONLine writes the value as a single line of JSON.
func writeJSONLine(w io.Writer, value any) error {
	content, marshalErr := json.Marshal(value)
	if marshalErr != nil {
		return marshalErr
	}
	_, writeErr := w.Write(WithNewline(content))
	return writeErr
}

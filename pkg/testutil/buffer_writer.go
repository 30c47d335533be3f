/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package testutil

import (
	"bytes"
	"sync"
)

// BufferWriter is a goroutine-safe io.Writer that keeps everything written to it.
// Useful for capturing adapter stderr and similar side output in tests.
type BufferWriter struct {
	buf  bytes.Buffer
	lock sync.Mutex
}

func NewBufferWriter() *BufferWriter {
	return &BufferWriter{}
}

func (bw *BufferWriter) Write(p []byte) (int, error) {
	bw.lock.Lock()
	defer bw.lock.Unlock()
	return bw.buf.Write(p)
}

func (bw *BufferWriter) String() string {
	bw.lock.Lock()
	defer bw.lock.Unlock()
	return bw.buf.String()
}

/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package dap

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/go-dap"
)

const (
	contentLengthHeader = "Content-Length"

	// MaxContentLength is the largest message body the decoder accepts.
	MaxContentLength = 64 * 1024 * 1024

	// The consumed prefix is reclaimed once it is at least this large and makes up
	// more than half of the buffer.
	compactionThreshold = 4 * 1024
)

var headerTerminator = []byte("\r\n\r\n")

// EncodeFrame returns the wire representation of a message body:
// "Content-Length: <utf-8 byte count>\r\n\r\n<body>".
func EncodeFrame(body string) []byte {
	var buf bytes.Buffer
	buf.Grow(len(contentLengthHeader) + len(body) + 16)
	// Writing into a bytes.Buffer cannot fail.
	_ = dap.WriteBaseMessage(&buf, []byte(body))
	return buf.Bytes()
}

// FrameDecoder turns an arbitrarily chunked byte stream into complete message bodies.
// It is not safe for concurrent use; each stream should have its own decoder.
type FrameDecoder struct {
	buf []byte
	// Start of unconsumed data in buf.
	readPos int
	// Body length from the most recently parsed header, -1 while waiting for a header.
	contentLength int
	err           error
}

func NewFrameDecoder() *FrameDecoder {
	return &FrameDecoder{contentLength: -1}
}

// Feed appends a chunk of the incoming stream. The chunk is copied.
func (d *FrameDecoder) Feed(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	d.compact()
	d.buf = append(d.buf, chunk...)
}

// Buffered returns the number of bytes received but not yet consumed.
func (d *FrameDecoder) Buffered() int {
	return len(d.buf) - d.readPos
}

// Next returns the next complete message body, if one is available.
// The second return value is false when more data is needed.
// Once a framing error is returned, every subsequent call returns the same error.
func (d *FrameDecoder) Next() (string, bool, error) {
	if d.err != nil {
		return "", false, d.err
	}

	if d.contentLength < 0 {
		length, headerEnd, found, err := d.parseHeader()
		if err != nil {
			d.err = err
			return "", false, err
		}
		if !found {
			return "", false, nil
		}
		d.readPos = headerEnd
		d.contentLength = length
	}

	if d.Buffered() < d.contentLength {
		return "", false, nil
	}

	body := string(d.buf[d.readPos : d.readPos+d.contentLength])
	d.readPos += d.contentLength
	d.contentLength = -1
	return body, true, nil
}

// Drain emits every message that can be decoded from the data fed so far, in stream order.
func (d *FrameDecoder) Drain(emit func(body string)) error {
	for {
		body, ok, err := d.Next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		emit(body)
	}
}

// Looks for a complete header block. Bytes preceding the first Content-Length token are noise
// and are skipped. Returns the declared body length and the buffer offset where the body starts.
func (d *FrameDecoder) parseHeader() (int, int, bool, error) {
	data := d.buf[d.readPos:]

	tokenPos := indexFold(data, contentLengthHeader)
	if tokenPos < 0 {
		return 0, 0, false, nil
	}

	terminatorPos := bytes.Index(data[tokenPos:], headerTerminator)
	if terminatorPos < 0 {
		return 0, 0, false, nil
	}

	headerBlock := string(data[tokenPos : tokenPos+terminatorPos])
	length, found, err := parseContentLength(headerBlock)
	if err != nil || !found {
		// A header block without a usable Content-Length leaves the decoder waiting.
		return 0, 0, false, err
	}

	return length, d.readPos + tokenPos + terminatorPos + len(headerTerminator), true, nil
}

func parseContentLength(headerBlock string) (int, bool, error) {
	for _, line := range strings.Split(headerBlock, "\r\n") {
		name, value, hasSeparator := strings.Cut(line, ":")
		if !hasSeparator || !strings.EqualFold(strings.TrimSpace(name), contentLengthHeader) {
			continue
		}

		value = strings.TrimSpace(value)
		length, convErr := strconv.Atoi(value)
		if convErr != nil || length < 0 || length > MaxContentLength {
			return 0, false, fmt.Errorf("%w: '%s'", ErrInvalidContentLength, value)
		}
		return length, true, nil
	}

	return 0, false, nil
}

func (d *FrameDecoder) compact() {
	switch {
	case d.readPos == 0:
		return
	case d.readPos == len(d.buf):
		d.buf = d.buf[:0]
		d.readPos = 0
	case d.readPos >= compactionThreshold && d.readPos > len(d.buf)/2:
		n := copy(d.buf, d.buf[d.readPos:])
		d.buf = d.buf[:n]
		d.readPos = 0
	}
}

// Case-insensitive bytes.Index for an ASCII token.
func indexFold(data []byte, token string) int {
	t := []byte(token)
	for i := 0; i+len(t) <= len(data); i++ {
		if bytes.EqualFold(data[i:i+len(t)], t) {
			return i
		}
	}
	return -1
}

package mcp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"unicode/utf8"
)

// frameBuffer splits an inbound byte stream into newline-delimited JSON
// envelopes. Callers feed chunks of arbitrary size with Append and drain
// complete messages with Next; a message split across chunks is held until
// its terminating newline arrives. The buffer is exclusively owned by one
// transport session and is not safe for concurrent use.
type frameBuffer struct {
	buf []byte
}

// Append adds a chunk to the owned buffer.
func (f *frameBuffer) Append(p []byte) {
	f.buf = append(f.buf, p...)
}

// Next returns the next complete message. ok is false when the buffer holds
// no full line yet; the partial data is retained for the next Append. Empty
// lines are skipped. A complete line that is not valid UTF-8 or not valid
// JSON discards the entire accumulated buffer, not just the offending line,
// and returns an error wrapping ErrInvalidMessage.
func (f *frameBuffer) Next() (JSONRPCMessage, bool, error) {
	for {
		i := bytes.IndexByte(f.buf, '\n')
		if i < 0 {
			return JSONRPCMessage{}, false, nil
		}

		line := f.buf[:i]
		rest := f.buf[i+1:]

		if len(bytes.TrimSpace(line)) == 0 {
			f.buf = f.buf[:copy(f.buf, rest)]
			continue
		}

		if !utf8.Valid(line) {
			f.buf = nil
			return JSONRPCMessage{}, false, fmt.Errorf("%w: frame is not valid utf-8", ErrInvalidMessage)
		}

		var msg JSONRPCMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			f.buf = nil
			return JSONRPCMessage{}, false, fmt.Errorf("%w: %s", ErrInvalidMessage, err)
		}

		f.buf = f.buf[:copy(f.buf, rest)]
		return msg, true, nil
	}
}

// Len returns the number of buffered bytes not yet consumed.
func (f *frameBuffer) Len() int { return len(f.buf) }

// Reset discards all buffered bytes.
func (f *frameBuffer) Reset() { f.buf = nil }

// marshalFrame encodes a message compactly and appends the terminating
// newline, producing exactly one wire frame.
func marshalFrame(msg JSONRPCMessage) ([]byte, error) {
	bs, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return append(bs, '\n'), nil
}

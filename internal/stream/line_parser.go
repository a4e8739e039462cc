package stream

import (
	"bytes"
	"encoding/json"
)

// maxLineBuffer caps the retained partial line. A well-formed stream-json
// line fits comfortably; anything beyond this is runaway noise and the
// buffer is dropped rather than grown without bound.
const maxLineBuffer = 1 << 20 // 1 MiB

// LineParser incrementally decodes newline-delimited JSON messages from raw
// byte chunks. Message boundaries may straddle chunk boundaries: the
// trailing partial line is retained until its newline arrives. Lines that
// fail to decode are skipped silently; interleaved log output is expected
// noise, not an error.
//
// Feeding the same byte sequence in different chunkings yields the identical
// ordered event sequence.
type LineParser struct {
	buf []byte
}

// NewLineParser returns an empty LineParser.
func NewLineParser() *LineParser {
	return &LineParser{}
}

// Write consumes one chunk and returns the events decoded from every
// complete line it finishes.
func (p *LineParser) Write(chunk []byte) []Event {
	p.buf = append(p.buf, chunk...)

	var events []Event
	for {
		idx := bytes.IndexByte(p.buf, '\n')
		if idx < 0 {
			break
		}
		line := p.buf[:idx]
		p.buf = p.buf[idx+1:]
		events = append(events, decodeLine(line)...)
	}

	if len(p.buf) > maxLineBuffer {
		p.buf = nil
	}
	return events
}

// Flush decodes any remaining buffered content as a final, possibly partial
// line. Called when the process ends. Decode failures are swallowed.
func (p *LineParser) Flush() []Event {
	if len(p.buf) == 0 {
		return nil
	}
	line := p.buf
	p.buf = nil
	return decodeLine(line)
}

// decodeLine decodes one line into internal events, or nothing if the line
// is not a wire message.
func decodeLine(line []byte) []Event {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return nil
	}
	var msg wireMessage
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		return nil
	}
	return adaptWire(msg)
}

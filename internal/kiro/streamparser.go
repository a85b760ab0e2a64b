// Package kiro provides AWS event stream parsing for Kiro API responses.
package kiro

import (
	"bytes"
	"encoding/json"
	"sync"
)

// initialBufferCap is the starting capacity for a parser's retained buffer.
const initialBufferCap = 8192

// maxBufferSize bounds how large an unmatched tail may grow before it is
// dropped. The upstream EventStream framing (length prefixes, CRC32
// trailers) is byte garbage from this parser's perspective; a malformed or
// non-JSON upstream must not grow this buffer without bound.
const maxBufferSize = 1024 * 1024

// signatures are the five JSON payload prefixes the parser looks for,
// scanned in order at every buffer position. They are frame-oblivious: the
// AWS EventStream length/CRC fields around them are simply never matched.
var signatures = [][]byte{
	[]byte(`{"content":`),
	[]byte(`{"name":`),
	[]byte(`{"input":`),
	[]byte(`{"stop":`),
	[]byte(`{"followupPrompt":`),
}

// parserPool provides reusable StreamParser instances to reduce GC pressure.
var parserPool = sync.Pool{
	New: func() interface{} {
		return &StreamParser{buffer: make([]byte, 0, initialBufferCap)}
	},
}

// GetStreamParser gets a parser from the pool. Call ReleaseStreamParser when done.
func GetStreamParser() *StreamParser {
	return parserPool.Get().(*StreamParser)
}

// ReleaseStreamParser returns a parser to the pool.
func ReleaseStreamParser(p *StreamParser) {
	p.Reset()
	parserPool.Put(p)
}

// StreamParser extracts KiroChunk payloads from the raw upstream byte
// stream by scanning for known JSON signatures and extracting each payload
// by brace-counted span. It never validates EventStream length prefixes or
// CRC32 checksums; those bytes simply never happen to match a signature.
type StreamParser struct {
	buffer []byte
}

// NewStreamParser creates a new parser. Prefer GetStreamParser/ReleaseStreamParser.
func NewStreamParser() *StreamParser {
	return &StreamParser{buffer: make([]byte, 0, initialBufferCap)}
}

// Parse appends data to the retained buffer and returns every complete
// chunk found. Any bytes before the first matched signature, and any
// trailing bytes that do not begin a recognized signature, are discarded;
// only the tail starting at an in-progress signature match, or a trailing
// partial signature split across reads, is retained for the next call.
func (p *StreamParser) Parse(data []byte) ([]*KiroChunk, error) {
	p.buffer = append(p.buffer, data...)

	var chunks []*KiroChunk
	pos := 0

	for pos < len(p.buffer) {
		sigStart, sigLen, ok := findNextSignature(p.buffer, pos)
		if !ok {
			// Nothing recognizable ahead; keep only a tail that could be the
			// start of a signature split across reads.
			keep := 0
			for _, sig := range signatures {
				for n := len(sig) - 1; n > keep; n-- {
					if bytes.HasSuffix(p.buffer[pos:], sig[:n]) {
						keep = n
						break
					}
				}
			}
			pos = len(p.buffer) - keep
			break
		}

		end, complete := braceSpanEnd(p.buffer, sigStart)
		if !complete {
			// Incomplete JSON object; retain from the signature onward.
			pos = sigStart
			break
		}

		payload := p.buffer[sigStart : end+1]
		chunk, skip := decodeChunk(payload)
		if !skip {
			chunks = append(chunks, chunk)
		}
		pos = end + 1
		_ = sigLen
	}

	if pos > 0 {
		p.buffer = append(p.buffer[:0], p.buffer[pos:]...)
	}
	if len(p.buffer) > maxBufferSize {
		// Malformed or non-JSON upstream; drop the unmatched tail rather
		// than grow without bound.
		p.buffer = p.buffer[:0]
	}

	return chunks, nil
}

// findNextSignature returns the start offset of the nearest signature match
// at or after pos, and whether one was found.
func findNextSignature(buf []byte, pos int) (start int, sigLen int, ok bool) {
	best := -1
	bestLen := 0
	for _, sig := range signatures {
		if idx := bytes.Index(buf[pos:], sig); idx >= 0 {
			abs := pos + idx
			if best == -1 || abs < best {
				best = abs
				bestLen = len(sig)
			}
		}
	}
	if best == -1 {
		return 0, 0, false
	}
	return best, bestLen, true
}

// braceSpanEnd walks forward from buf[start] (which must be '{') counting
// braces with string-aware escaping, returning the index of the matching
// closing brace. complete is false if the buffer ends before the span closes.
func braceSpanEnd(buf []byte, start int) (end int, complete bool) {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(buf); i++ {
		c := buf[i]
		if inString {
			if escaped {
				escaped = false
				continue
			}
			switch c {
			case '\\':
				escaped = true
			case '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i, true
			}
		}
	}
	return 0, false
}

// decodeChunk unmarshals a matched JSON payload into a KiroChunk. The
// followupPrompt signature is recognized but never surfaced.
func decodeChunk(payload []byte) (chunk *KiroChunk, skip bool) {
	var c KiroChunk
	if err := json.Unmarshal(payload, &c); err != nil {
		return nil, true
	}
	if c.FollowupPrompt != nil && c.Content == "" && c.Name == "" && c.Input == "" && !c.Stop {
		return nil, true
	}
	return &c, false
}

// Reset clears the parser buffer while retaining capacity for reuse.
func (p *StreamParser) Reset() {
	if cap(p.buffer) > maxBufferSize {
		p.buffer = make([]byte, 0, initialBufferCap)
	} else {
		p.buffer = p.buffer[:0]
	}
}

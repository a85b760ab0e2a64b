package kiro

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
)

// bracketMarker is the text prefix that introduces an embedded tool call.
const bracketMarker = "[Called"

// RecoveredToolCall is a tool call reconstructed from embedded bracket text
// such as "[Called get_time with args: {tz: UTC,}]".
type RecoveredToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// RecoverBracketToolCalls scans fullContent for "[Called <name> with args:
// {...}]" spans, repairs and parses each argument object, and returns the
// content with matched spans removed (whitespace collapsed) alongside the
// deduplicated tool calls it recovered. Calls that fail every repair pass
// are silently dropped from the result, per the design's accepted
// heuristic limits; content with no bracket spans is returned unchanged.
func RecoverBracketToolCalls(fullContent string) (string, []RecoveredToolCall) {
	if !strings.Contains(fullContent, bracketMarker) {
		return fullContent, nil
	}

	var calls []RecoveredToolCall
	var cleaned strings.Builder
	seen := make(map[string]bool)

	pos := 0
	for {
		start := strings.Index(fullContent[pos:], bracketMarker)
		if start == -1 {
			cleaned.WriteString(fullContent[pos:])
			break
		}
		start += pos
		cleaned.WriteString(fullContent[pos:start])

		end, name, argsRaw, ok := parseBracketSpan(fullContent, start)
		if !ok {
			// Not a well-formed span; emit the marker literally and advance
			// past it so we make progress.
			cleaned.WriteString(bracketMarker)
			pos = start + len(bracketMarker)
			continue
		}

		if repaired, rerr := repairAndParseArgs(argsRaw); rerr == nil {
			key := name + "\x00" + string(repaired)
			if !seen[key] {
				seen[key] = true
				calls = append(calls, RecoveredToolCall{
					ID:        "call_" + shortID(),
					Name:      name,
					Arguments: repaired,
				})
			}
		}

		pos = end
	}

	return collapseWhitespace(cleaned.String()), calls
}

// parseBracketSpan locates the "name" and argument-object substring of one
// "[Called name with args: {...}]" span starting at start (the index of
// "[Called"). It returns the index just past the closing "]", the tool
// name, and the raw (unrepaired) argument text between "{" and the matching
// "}" found via string-aware brace counting.
func parseBracketSpan(s string, start int) (end int, name string, argsRaw string, ok bool) {
	rest := s[start:]
	withArgsIdx := strings.Index(rest, "with args:")
	if withArgsIdx == -1 {
		return 0, "", "", false
	}
	name = strings.TrimSpace(rest[len(bracketMarker):withArgsIdx])
	if name == "" {
		return 0, "", "", false
	}

	braceRel := strings.IndexByte(rest[withArgsIdx:], '{')
	if braceRel == -1 {
		return 0, "", "", false
	}
	braceStart := start + withArgsIdx + braceRel

	closeIdx, complete := braceCountBytes(s, braceStart, '{', '}')
	if !complete {
		return 0, "", "", false
	}

	// The span closes at the first "]" after the matched "}".
	closeBracket := strings.IndexByte(s[closeIdx:], ']')
	if closeBracket == -1 {
		return 0, "", "", false
	}

	return closeIdx + closeBracket + 1, name, s[braceStart : closeIdx+1], true
}

// braceCountBytes performs the same string-aware counting as the stream
// parser's brace matching, but parameterized over open/close bytes so it
// can be reused for "[" / "]" matching elsewhere if needed.
func braceCountBytes(s string, start int, open, close byte) (end int, complete bool) {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
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
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return i, true
			}
		}
	}
	return 0, false
}

// repairAndParseArgs attempts json.Unmarshal on raw as-is, then applies a
// fixed order of repair passes and retries: strip trailing commas, quote
// unquoted object keys, quote bareword values.
func repairAndParseArgs(raw string) (json.RawMessage, error) {
	candidate := raw
	var js json.RawMessage
	if err := json.Unmarshal([]byte(candidate), &js); err == nil {
		return js, nil
	}

	candidate = stripTrailingCommas(candidate)
	candidate = quoteUnquotedKeys(candidate)
	candidate = quoteBarewordValues(candidate)

	if err := json.Unmarshal([]byte(candidate), &js); err != nil {
		return nil, err
	}
	return js, nil
}

func stripTrailingCommas(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == ',' {
			j := i + 1
			for j < len(s) && (s[j] == ' ' || s[j] == '\t' || s[j] == '\n') {
				j++
			}
			if j < len(s) && (s[j] == '}' || s[j] == ']') {
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// quoteUnquotedKeys rewrites bare object keys ("{foo: 1}") to quoted form.
// It only touches keys immediately following '{' or ',' at the top level of
// string-aware scanning.
func quoteUnquotedKeys(s string) string {
	var b strings.Builder
	inString := false
	escaped := false
	i := 0
	for i < len(s) {
		c := s[i]
		if inString {
			b.WriteByte(c)
			if escaped {
				escaped = false
			} else if c == '\\' {
				escaped = true
			} else if c == '"' {
				inString = false
			}
			i++
			continue
		}
		if c == '"' {
			inString = true
			b.WriteByte(c)
			i++
			continue
		}
		if c == '{' || c == ',' {
			b.WriteByte(c)
			i++
			j := i
			for j < len(s) && (s[j] == ' ' || s[j] == '\t' || s[j] == '\n') {
				j++
			}
			keyStart := j
			for j < len(s) && s[j] != ':' && s[j] != '}' && s[j] != ',' && s[j] != '"' {
				j++
			}
			if j < len(s) && s[j] == ':' && j > keyStart {
				key := strings.TrimSpace(s[keyStart:j])
				if key != "" {
					b.WriteString(s[i:keyStart])
					b.WriteByte('"')
					b.WriteString(key)
					b.WriteByte('"')
					i = j
					continue
				}
			}
			continue
		}
		b.WriteByte(c)
		i++
	}
	return b.String()
}

// quoteBarewordValues wraps a bareword value following ':' (not true,
// false, null, or a number) in double quotes.
func quoteBarewordValues(s string) string {
	var b strings.Builder
	inString := false
	escaped := false
	i := 0
	for i < len(s) {
		c := s[i]
		if inString {
			b.WriteByte(c)
			if escaped {
				escaped = false
			} else if c == '\\' {
				escaped = true
			} else if c == '"' {
				inString = false
			}
			i++
			continue
		}
		if c == '"' {
			inString = true
			b.WriteByte(c)
			i++
			continue
		}
		if c == ':' {
			b.WriteByte(c)
			i++
			j := i
			for j < len(s) && (s[j] == ' ' || s[j] == '\t') {
				j++
			}
			valStart := j
			for j < len(s) && s[j] != ',' && s[j] != '}' && s[j] != ']' {
				j++
			}
			val := strings.TrimSpace(s[valStart:j])
			if isBareword(val) {
				b.WriteString(s[i:valStart])
				b.WriteByte('"')
				b.WriteString(val)
				b.WriteByte('"')
				i = j
				continue
			}
			continue
		}
		b.WriteByte(c)
		i++
	}
	return b.String()
}

func isBareword(val string) bool {
	if val == "" || val == "true" || val == "false" || val == "null" {
		return false
	}
	if val[0] == '"' || val[0] == '{' || val[0] == '[' {
		return false
	}
	isNumeric := true
	for _, r := range val {
		if (r < '0' || r > '9') && r != '.' && r != '-' && r != '+' && r != 'e' && r != 'E' {
			isNumeric = false
			break
		}
	}
	return !isNumeric
}

func collapseWhitespace(s string) string {
	fields := strings.Fields(s)
	return strings.Join(fields, " ")
}

func shortID() string {
	return uuid.NewString()
}

// Package streamparse converts line-delimited JSON output from CLI and SDK
// subprocesses into a typed event stream.
//
// CLI tools are noisy: stdout interleaves warnings, log prefixes and backup
// notices with the JSON event lines, chunks arrive split at arbitrary byte
// offsets, and some tools concatenate several balanced JSON objects on a
// single line. The parser buffers partial trailing lines, silently skips
// non-JSON noise, and runs a bracket-balance recovery scan over lines that do
// not parse whole.
package streamparse

import (
	"encoding/json"
	"strings"
)

// Event is one parsed stream event. Field presence depends on Type.
type Event struct {
	Type         string        `json:"type"`
	Subtype      string        `json:"subtype,omitempty"`
	Message      *EventMessage `json:"message,omitempty"`
	Delta        *EventDelta   `json:"delta,omitempty"`
	Result       string        `json:"result,omitempty"`
	Content      string        `json:"content,omitempty"`
	DurationMS   int64         `json:"duration_ms,omitempty"`
	NumTurns     int           `json:"num_turns,omitempty"`
	TotalCostUSD float64       `json:"total_cost_usd,omitempty"`
	SessionID    string        `json:"session_id,omitempty"`
	IsError      bool          `json:"is_error,omitempty"`
}

// EventMessage carries the message payload of assistant/message events.
type EventMessage struct {
	Role    string    `json:"role,omitempty"`
	Content BlockList `json:"content,omitempty"`
}

// EventDelta carries incremental text for content_block_delta events.
type EventDelta struct {
	Type string `json:"type,omitempty"`
	Text string `json:"text,omitempty"`
}

// ContentBlock is one block of message content.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// BlockList accepts both the array-of-blocks form and the bare string form
// that older tool versions emit.
type BlockList []ContentBlock

// UnmarshalJSON implements json.Unmarshaler.
func (b *BlockList) UnmarshalJSON(data []byte) error {
	var asString string
	if err := json.Unmarshal(data, &asString); err == nil {
		*b = BlockList{{Type: "text", Text: asString}}
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(data, &blocks); err != nil {
		return err
	}
	*b = BlockList(blocks)
	return nil
}

// Stats reports parser housekeeping counters.
type Stats struct {
	IgnoredLines int
	BufferLength int
}

// Parser is a stateful line-delimited JSON parser. It is not safe for
// concurrent use; each subprocess owns its own instance.
type Parser struct {
	buffer       string
	ignoredLines int
}

// NewParser returns an empty parser.
func NewParser() *Parser {
	return &Parser{}
}

// ParseChunk feeds one chunk of subprocess output into the parser and returns
// the events completed by it. A trailing partial line is buffered until the
// next chunk (or Flush) completes it. The event sequence for an input split
// at arbitrary offsets equals the sequence for the joined input.
func (p *Parser) ParseChunk(chunk string) []Event {
	data := p.buffer + chunk
	lines := strings.Split(data, "\n")

	// The final element has no newline terminator yet; keep it buffered.
	p.buffer = lines[len(lines)-1]
	lines = lines[:len(lines)-1]

	var events []Event
	for _, line := range lines {
		events = append(events, p.parseLine(line)...)
	}
	return events
}

// Flush parses whatever remains in the buffer as a final line. Call after the
// subprocess closes stdout.
func (p *Parser) Flush() []Event {
	if p.buffer == "" {
		return nil
	}
	line := p.buffer
	p.buffer = ""
	return p.parseLine(line)
}

// Reset clears the buffer and the ignored-line counter.
func (p *Parser) Reset() {
	p.buffer = ""
	p.ignoredLines = 0
}

// GetStats returns the ignored-line count and current buffer length.
func (p *Parser) GetStats() Stats {
	return Stats{IgnoredLines: p.ignoredLines, BufferLength: len(p.buffer)}
}

// parseLine converts one complete line into zero or more events.
func (p *Parser) parseLine(line string) []Event {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return nil
	}

	// Log prefixes, warnings, "JSON Parse error:" lines and other noise.
	if !strings.HasPrefix(trimmed, "{") {
		p.ignoredLines++
		return nil
	}

	var event Event
	if err := json.Unmarshal([]byte(trimmed), &event); err == nil {
		return []Event{event}
	}

	// The line starts with '{' but does not parse whole: try the
	// bracket-balance recovery scan for concatenated objects.
	if events := p.recoverConcatenated(trimmed); len(events) > 0 {
		return events
	}

	p.ignoredLines++
	return nil
}

// recoverConcatenated scans a line for balanced top-level JSON objects and
// parses each one independently. Segments that still fail to parse are
// dropped; the caller counts the line as ignored when nothing is recovered.
func (p *Parser) recoverConcatenated(line string) []Event {
	var events []Event
	depth := 0
	start := -1
	inString := false
	escaped := false

	for i := 0; i < len(line); i++ {
		c := line[i]

		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				if depth == 0 {
					start = i
				}
				depth++
			}
		case '}':
			if !inString && depth > 0 {
				depth--
				if depth == 0 && start >= 0 {
					segment := line[start : i+1]
					var event Event
					if err := json.Unmarshal([]byte(segment), &event); err == nil {
						events = append(events, event)
					}
					start = -1
				}
			}
		}
	}

	return events
}

// ExtractResult pulls the final completion text out of an event sequence.
// Strategies in order, first hit wins: an explicit result event, concatenated
// assistant message text blocks, concatenated legacy message events, then any
// event carrying a top-level content field.
func ExtractResult(events []Event) string {
	for _, e := range events {
		if e.Type == "result" && e.Result != "" {
			return e.Result
		}
	}

	var assistant strings.Builder
	for _, e := range events {
		if e.Type != "assistant" || e.Message == nil {
			continue
		}
		for _, block := range e.Message.Content {
			if block.Type == "text" {
				assistant.WriteString(block.Text)
			}
		}
	}
	if assistant.Len() > 0 {
		return assistant.String()
	}

	var legacy strings.Builder
	for _, e := range events {
		if e.Type != "message" {
			continue
		}
		if e.Content != "" {
			legacy.WriteString(e.Content)
		} else if e.Message != nil {
			for _, block := range e.Message.Content {
				if block.Type == "text" {
					legacy.WriteString(block.Text)
				}
			}
		}
	}
	if legacy.Len() > 0 {
		return legacy.String()
	}

	for _, e := range events {
		if e.Content != "" {
			return e.Content
		}
	}

	return ""
}

// EventText returns the incremental text fragments one event contributes to
// a live stream: delta text, assistant message text blocks, or legacy message
// content. Result events contribute nothing; their text is the accumulation
// of what streamed before them.
func EventText(e Event) []string {
	if e.Delta != nil && e.Delta.Text != "" {
		return []string{e.Delta.Text}
	}

	var texts []string
	switch e.Type {
	case "assistant":
		if e.Message != nil {
			for _, block := range e.Message.Content {
				if block.Type == "text" && block.Text != "" {
					texts = append(texts, block.Text)
				}
			}
		}
	case "message":
		if e.Content != "" {
			texts = append(texts, e.Content)
		} else if e.Message != nil {
			for _, block := range e.Message.Content {
				if block.Type == "text" && block.Text != "" {
					texts = append(texts, block.Text)
				}
			}
		}
	}
	return texts
}

// Package stream reassembles `data: {json}` frames from a chunked inference
// response into cumulative text.
package stream

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"

	"github.com/yaotools/toolmeter/internal/openai"
)

const (
	dataPrefix = "data: "
	doneMarker = "[DONE]"
)

// ErrEmptyStream is returned by Close when the transport ended before any
// content delta was seen.
var ErrEmptyStream = errors.New("stream: no content received")

// EventKind distinguishes content snapshots from the terminal event.
type EventKind int

const (
	EventContent EventKind = iota + 1
	EventDone
)

func (k EventKind) String() string {
	switch k {
	case EventContent:
		return "content"
	case EventDone:
		return "done"
	default:
		return "unknown"
	}
}

// Event is emitted by Parser. Text always carries the full text received so
// far; Delta is only the fragment that produced this event.
type Event struct {
	Kind  EventKind
	Text  string
	Delta string
}

// Parser is a push parser: callers hand it transport fragments in arrival
// order and receive the events those fragments completed. A Parser is not
// safe for concurrent use.
type Parser struct {
	buf     []byte
	text    strings.Builder
	done    bool
	emitted bool
	skipped int
}

// NewParser returns a parser with an empty carry-over buffer.
func NewParser() *Parser {
	return &Parser{}
}

// Feed consumes one fragment. Fragments may split lines (and UTF-8
// sequences) at any byte; the incomplete tail is held until the next call.
// Once the sentinel was seen further input is ignored.
func (p *Parser) Feed(fragment []byte) []Event {
	if p.done || len(fragment) == 0 {
		return nil
	}
	p.buf = append(p.buf, fragment...)

	var events []Event
	for !p.done {
		idx := bytes.IndexByte(p.buf, '\n')
		if idx < 0 {
			break
		}
		line := p.buf[:idx]
		p.buf = p.buf[idx+1:]
		if ev, ok := p.processLine(line); ok {
			events = append(events, ev)
		}
	}
	if p.done {
		p.buf = nil
	}
	return events
}

// FeedString is Feed for string fragments.
func (p *Parser) FeedString(fragment string) []Event {
	return p.Feed([]byte(fragment))
}

// Close signals transport end-of-stream. It returns a done event when content
// was received without a sentinel and nothing when the sentinel already
// terminated the stream. ErrEmptyStream is returned in either case if no
// content was ever emitted. An unterminated trailing line is discarded.
func (p *Parser) Close() (*Event, error) {
	p.buf = nil
	if p.done {
		if !p.emitted {
			return nil, ErrEmptyStream
		}
		return nil, nil
	}
	p.done = true
	if !p.emitted {
		return nil, ErrEmptyStream
	}
	return &Event{Kind: EventDone, Text: p.text.String()}, nil
}

// Text returns the cumulative content received so far.
func (p *Parser) Text() string { return p.text.String() }

// Done reports whether the stream reached its terminal event.
func (p *Parser) Done() bool { return p.done }

// Skipped counts data frames that could not be decoded.
func (p *Parser) Skipped() int { return p.skipped }

func (p *Parser) processLine(line []byte) (Event, bool) {
	line = bytes.TrimSuffix(line, []byte{'\r'})
	if len(bytes.TrimSpace(line)) == 0 {
		return Event{}, false
	}
	if !bytes.HasPrefix(line, []byte(dataPrefix)) {
		return Event{}, false
	}
	payload := bytes.TrimSpace(line[len(dataPrefix):])
	if string(payload) == doneMarker {
		p.done = true
		return Event{Kind: EventDone, Text: p.text.String()}, true
	}

	var chunk openai.ChatCompletionChunk
	if err := json.Unmarshal(payload, &chunk); err != nil {
		p.skipped++
		return Event{}, false
	}
	delta := chunk.DeltaContent()
	if delta == "" {
		return Event{}, false
	}
	p.text.WriteString(delta)
	p.emitted = true
	return Event{Kind: EventContent, Text: p.text.String(), Delta: delta}, true
}

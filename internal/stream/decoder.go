package stream

import (
	"errors"
	"io"
	"iter"
)

const readChunkSize = 4096

// Decoder pulls fragments from an io.Reader and yields parser events one at a
// time. Abandoning a Decoder mid-stream is safe; nothing is flushed.
type Decoder struct {
	r       io.Reader
	parser  *Parser
	pending []Event
	buf     []byte
	closed  bool
}

// NewDecoder wraps r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r, parser: NewParser(), buf: make([]byte, readChunkSize)}
}

// Next returns the next event. After the done event it returns io.EOF.
// A stream that terminates, by sentinel or EOF, without any content returns
// ErrEmptyStream.
func (d *Decoder) Next() (Event, error) {
	for {
		if len(d.pending) > 0 {
			ev := d.pending[0]
			d.pending = d.pending[1:]
			if ev.Kind == EventDone && !d.parser.emitted {
				d.closed = true
				return Event{}, ErrEmptyStream
			}
			return ev, nil
		}
		if d.closed || d.parser.Done() {
			d.closed = true
			return Event{}, io.EOF
		}

		n, err := d.r.Read(d.buf)
		if n > 0 {
			d.pending = append(d.pending, d.parser.Feed(d.buf[:n])...)
		}
		if err == nil {
			continue
		}
		if !errors.Is(err, io.EOF) {
			d.closed = true
			return Event{}, err
		}
		if len(d.pending) > 0 {
			// deliver what this read completed; EOF is handled on the next call
			d.r = eofReader{}
			continue
		}
		d.closed = true
		ev, cerr := d.parser.Close()
		if cerr != nil {
			return Event{}, cerr
		}
		if ev == nil {
			return Event{}, io.EOF
		}
		return *ev, nil
	}
}

// Text returns the cumulative content decoded so far.
func (d *Decoder) Text() string { return d.parser.Text() }

// Skipped counts malformed frames.
func (d *Decoder) Skipped() int { return d.parser.Skipped() }

// All iterates the remaining events. Iteration stops after the done event or
// on the first error, which is yielded with a zero Event.
func (d *Decoder) All() iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		for {
			ev, err := d.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(Event{}, err)
				return
			}
			if !yield(ev, nil) {
				return
			}
		}
	}
}

type eofReader struct{}

func (eofReader) Read([]byte) (int, error) { return 0, io.EOF }

package parser

import (
	"context"
	"errors"
	"io"
	"strings"
)

// ErrNoData is returned by a following LineSource when no complete line is
// available yet. It is not terminal: the caller may retry.
var ErrNoData = errors.New("no data available")

// LineSource yields the lines of one source in offset order. ReadLine returns
// io.EOF when the source is exhausted.
type LineSource interface {
	ReadLine(ctx context.Context) (Line, error)
}

// Stream is a lazy, pull-based sequence of outcomes over a LineSource.
// Restarting means building a new Stream over a source positioned at a checkpoint.
type Stream struct {
	src     LineSource
	parser  *Parser
	pending []Outcome
	done    bool
}

// NewStream returns a Stream reading from src.
func NewStream(src LineSource, opts Options) *Stream {
	return &Stream{src: src, parser: New(opts)}
}

// Next returns the next outcome. It returns io.EOF once the source is
// exhausted and any pending fragment has been flushed. ErrNoData and read
// errors are passed through without discarding parser state.
func (s *Stream) Next(ctx context.Context) (Outcome, error) {
	for len(s.pending) == 0 {
		if s.done {
			return Outcome{}, io.EOF
		}
		if err := ctx.Err(); err != nil {
			return Outcome{}, err
		}

		line, err := s.src.ReadLine(ctx)
		switch {
		case errors.Is(err, io.EOF):
			s.pending = s.parser.Flush()
			s.done = true
		case err != nil:
			return Outcome{}, err
		default:
			s.pending = s.parser.Feed(line)
		}
	}

	o := s.pending[0]
	s.pending = s.pending[1:]
	return o, nil
}

// Buffering reports whether a multi-line fragment is pending.
func (s *Stream) Buffering() bool { return s.parser.Buffering() }

// SliceSource is an in-memory LineSource, mostly useful in tests and for
// replaying captured text.
type SliceSource struct {
	lines []Line
	pos   int
}

// NewSliceSource splits text on '\n' and assigns byte offsets starting at base.
// A trailing newline does not produce an empty final line.
func NewSliceSource(text string, base int64) *SliceSource {
	var lines []Line
	off := base
	for len(text) > 0 {
		i := strings.IndexByte(text, '\n')
		var raw string
		var width int64
		if i < 0 {
			raw, width = text, int64(len(text))
			text = ""
		} else {
			raw, width = text[:i], int64(i+1)
			text = text[i+1:]
		}
		lines = append(lines, Line{Offset: off, End: off + width, Text: trimCR(raw)})
		off += width
	}
	return &SliceSource{lines: lines}
}

// ReadLine implements LineSource.
func (s *SliceSource) ReadLine(ctx context.Context) (Line, error) {
	if err := ctx.Err(); err != nil {
		return Line{}, err
	}
	if s.pos >= len(s.lines) {
		return Line{}, io.EOF
	}
	l := s.lines[s.pos]
	s.pos++
	return l, nil
}

func trimCR(s string) string {
	if n := len(s); n > 0 && s[n-1] == '\r' {
		return s[:n-1]
	}
	return s
}

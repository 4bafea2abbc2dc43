// Package parser reconstructs discrete JSON events from a line stream in which
// single-line and pretty-printed multi-line objects are interleaved, and in
// which objects may be truncated or corrupted. Malformed input never produces
// an error: it becomes a Failure outcome carrying the original text.
package parser

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
)

// Failure reasons.
const (
	ReasonCompleteButInvalid = "structurally_complete_but_invalid"
	ReasonBufferOverflow     = "buffer_overflow"
	ReasonTruncated          = "truncated"
	ReasonLineTooLong        = "line_too_long"
)

// Default limits.
const (
	DefaultMaxBufferLines = 256
	DefaultMaxBufferBytes = 1 << 20
)

// Line is one line of a source without its terminator.
type Line struct {
	// Offset is the byte position of the first byte of the line.
	Offset int64
	// End is the byte position just past the line terminator.
	End int64
	Text string
	// Truncated marks a line cut at the source's maximum line length.
	Truncated bool

	// Inode and Generation identify the file incarnation the line was read from.
	Inode      uint64
	Generation int64
}

// Kind classifies an Outcome.
type Kind int

const (
	KindEvent Kind = iota
	KindFailure
	// KindSkip covers blank lines. It carries no record but advances the read position.
	KindSkip
)

func (k Kind) String() string {
	switch k {
	case KindEvent:
		return "event"
	case KindFailure:
		return "failure"
	case KindSkip:
		return "skip"
	}
	return "unknown"
}

// Failure is a fragment that could not be parsed.
type Failure struct {
	Offset int64
	End    int64
	Text   string
	Reason string
	Lines  int
}

// Outcome is the terminal result for a contiguous range of lines. Offset and
// End are positions within the file incarnation named by Inode and Generation.
type Outcome struct {
	Kind       Kind
	Offset     int64
	End        int64
	Inode      uint64
	Generation int64
	Lines      int
	Text       string
	Object     map[string]any

	Failure *Failure
}

// Options bounds the multi-line buffer.
type Options struct {
	MaxBufferLines int
	MaxBufferBytes int
}

// Parser is the per-source state machine. It performs no I/O and is not safe
// for concurrent use.
type Parser struct {
	opts Options

	buf      strings.Builder
	lines    int
	start    int64
	end      int64
	inode    uint64
	gen      int64
	depth    int
	inString bool
}

// New returns a Parser. Zero limits fall back to the defaults.
func New(opts Options) *Parser {
	if opts.MaxBufferLines <= 0 {
		opts.MaxBufferLines = DefaultMaxBufferLines
	}
	if opts.MaxBufferBytes <= 0 {
		opts.MaxBufferBytes = DefaultMaxBufferBytes
	}
	return &Parser{opts: opts}
}

// Buffering reports whether a multi-line fragment is pending.
func (p *Parser) Buffering() bool { return p.lines > 0 }

// BufferedLines returns the number of lines in the pending fragment.
func (p *Parser) BufferedLines() int { return p.lines }

// Feed consumes one line and returns the outcomes it completes, in offset order.
func (p *Parser) Feed(line Line) []Outcome {
	var out []Outcome

	// A fragment never spans two incarnations of a file.
	if p.Buffering() && (line.Generation != p.gen || line.Inode != p.inode) {
		out = append(out, p.abandon(ReasonTruncated))
	}

	if line.Truncated {
		if p.Buffering() {
			out = append(out, p.abandon(ReasonTruncated))
		}
		return append(out, lineOutcome(line, KindFailure, nil, ReasonLineTooLong))
	}

	if !p.Buffering() {
		if strings.TrimSpace(line.Text) == "" {
			return append(out, lineOutcome(line, KindSkip, nil, ""))
		}
		if obj, ok := decodeObject(line.Text); ok {
			return append(out, lineOutcome(line, KindEvent, obj, ""))
		}
		return append(out, p.seed(line)...)
	}

	// An unindented complete object, or an unindented opening brace, means the
	// pending fragment was abandoned by the writer. Indented lines belong to
	// the fragment even when they parse on their own ("args": [ {} ]).
	if !p.inString && strings.HasPrefix(line.Text, "{") {
		out = append(out, p.abandon(ReasonTruncated))
		if obj, ok := decodeObject(line.Text); ok {
			return append(out, lineOutcome(line, KindEvent, obj, ""))
		}
		return append(out, p.seed(line)...)
	}

	p.append(line)
	if o, done := p.settle(); done {
		out = append(out, o)
	}
	return out
}

// Flush closes a pending fragment at end of stream as a truncated failure.
func (p *Parser) Flush() []Outcome {
	if !p.Buffering() {
		return nil
	}
	return []Outcome{p.abandon(ReasonTruncated)}
}

func (p *Parser) seed(line Line) []Outcome {
	p.reset()
	p.start = line.Offset
	p.inode, p.gen = line.Inode, line.Generation
	p.append(line)
	if o, done := p.settle(); done {
		return []Outcome{o}
	}
	return nil
}

func (p *Parser) append(line Line) {
	if p.lines > 0 {
		p.buf.WriteByte('\n')
	}
	p.buf.WriteString(line.Text)
	p.lines++
	p.end = line.End
	p.scan(line.Text)
}

// settle checks the fragment for structural completeness and the buffer limits.
func (p *Parser) settle() (Outcome, bool) {
	if p.depth <= 0 && !p.inString {
		o := p.fragmentOutcome()
		p.reset()
		if obj, ok := decodeObject(o.Text); ok {
			o.Kind, o.Object = KindEvent, obj
			return o, true
		}
		return withFailure(o, ReasonCompleteButInvalid), true
	}
	if p.lines >= p.opts.MaxBufferLines || p.buf.Len() >= p.opts.MaxBufferBytes {
		return p.abandon(ReasonBufferOverflow), true
	}
	return Outcome{}, false
}

func (p *Parser) abandon(reason string) Outcome {
	o := withFailure(p.fragmentOutcome(), reason)
	p.reset()
	return o
}

func (p *Parser) fragmentOutcome() Outcome {
	return Outcome{
		Offset:     p.start,
		End:        p.end,
		Inode:      p.inode,
		Generation: p.gen,
		Lines:      p.lines,
		Text:       p.buf.String(),
	}
}

// scan updates brace depth and string state. Escapes do not span lines.
func (p *Parser) scan(text string) {
	escaped := false
	for i := 0; i < len(text); i++ {
		c := text[i]
		if p.inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				p.inString = false
			}
			continue
		}
		switch c {
		case '"':
			p.inString = true
		case '{':
			p.depth++
		case '}':
			p.depth--
		}
	}
}

func (p *Parser) reset() {
	p.buf.Reset()
	p.lines = 0
	p.start, p.end = 0, 0
	p.inode, p.gen = 0, 0
	p.depth = 0
	p.inString = false
}

func lineOutcome(line Line, kind Kind, obj map[string]any, reason string) Outcome {
	o := Outcome{
		Kind:       kind,
		Offset:     line.Offset,
		End:        line.End,
		Inode:      line.Inode,
		Generation: line.Generation,
		Lines:      1,
		Text:       line.Text,
		Object:     obj,
	}
	if kind == KindFailure {
		o = withFailure(o, reason)
	}
	return o
}

func withFailure(o Outcome, reason string) Outcome {
	o.Kind = KindFailure
	o.Object = nil
	o.Failure = &Failure{
		Offset: o.Offset,
		End:    o.End,
		Text:   o.Text,
		Reason: reason,
		Lines:  o.Lines,
	}
	return o
}

// decodeObject parses text as exactly one JSON object. Numbers are kept as
// json.Number so payloads round-trip without precision loss.
func decodeObject(text string) (map[string]any, bool) {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) < 2 || trimmed[0] != '{' || trimmed[len(trimmed)-1] != '}' {
		return nil, false
	}
	return DecodeObject([]byte(trimmed))
}

// DecodeObject parses data as exactly one JSON object with json.Number values.
func DecodeObject(data []byte) (map[string]any, bool) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil || obj == nil {
		return nil, false
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, false
	}
	return obj, true
}

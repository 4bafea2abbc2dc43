package parser

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collect runs text through a Stream and returns every outcome.
func collect(t *testing.T, text string, opts Options) []Outcome {
	t.Helper()
	s := NewStream(NewSliceSource(text, 0), opts)
	var out []Outcome
	for {
		o, err := s.Next(context.Background())
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, o)
	}
}

func TestSingleLineEvent(t *testing.T) {
	out := collect(t, `{"eventid":"cowrie.session.connect","session":"abc"}`+"\n", Options{})

	require.Len(t, out, 1)
	assert.Equal(t, KindEvent, out[0].Kind)
	assert.Equal(t, int64(0), out[0].Offset)
	assert.Equal(t, "cowrie.session.connect", out[0].Object["eventid"])
	assert.Equal(t, "abc", out[0].Object["session"])
}

func TestMultiLineEvent_UsesFirstLineOffset(t *testing.T) {
	first := `{"eventid":"cowrie.client.size","session":"s0"}` + "\n"
	text := first + "{\n" + `  "eventid": "cowrie.session.connect",` + "\n" + `  "session": "abc"}` + "\n"

	out := collect(t, text, Options{})

	require.Len(t, out, 2)
	ev := out[1]
	assert.Equal(t, KindEvent, ev.Kind)
	assert.Equal(t, int64(len(first)), ev.Offset)
	assert.Equal(t, int64(len(text)), ev.End)
	assert.Equal(t, 3, ev.Lines)
	assert.Equal(t, "abc", ev.Object["session"])
}

func TestPrettyPrintedNestedObject(t *testing.T) {
	obj := map[string]any{
		"eventid": "cowrie.client.kex",
		"session": "k1",
		"kexAlgs": []string{"curve25519-sha256", "diffie-hellman-group14-sha1"},
		"nested":  map[string]any{"brace": "{ not a brace }", "quote": `say "hi"`},
	}
	data, err := json.MarshalIndent(obj, "", "  ")
	require.NoError(t, err)

	out := collect(t, string(data)+"\n", Options{})

	require.Len(t, out, 1)
	require.Equal(t, KindEvent, out[0].Kind)
	assert.Equal(t, "k1", out[0].Object["session"])
}

func TestSingleLineInterruptsBuffer(t *testing.T) {
	text := "{\n" + `  "eventid": "cowrie.login.failed",` + "\n" +
		`{"eventid":"cowrie.session.closed","session":"abc"}` + "\n"

	out := collect(t, text, Options{})

	require.Len(t, out, 2)
	assert.Equal(t, KindFailure, out[0].Kind)
	assert.Equal(t, ReasonTruncated, out[0].Failure.Reason)
	assert.Equal(t, 2, out[0].Failure.Lines)
	assert.Equal(t, KindEvent, out[1].Kind)
	assert.Equal(t, out[0].End, out[1].Offset)
}

func TestIndentedCompleteObjectStaysInFragment(t *testing.T) {
	text := "{\n" +
		`  "eventid": "cowrie.command.input",` + "\n" +
		`  "session": "abc",` + "\n" +
		`  "args": [` + "\n" +
		`    {}` + "\n" +
		`  ]` + "\n" +
		"}\n"

	out := collect(t, text, Options{})

	require.Len(t, out, 1)
	require.Equal(t, KindEvent, out[0].Kind)
	assert.Equal(t, 7, out[0].Lines)
	assert.Equal(t, []any{map[string]any{}}, out[0].Object["args"])
}

func TestUnindentedBraceStartsNewFragment(t *testing.T) {
	text := `{"session":"abc","eventid":"cowrie.login.success",` + "\n" +
		"{\n" + `  "eventid": "cowrie.command.input",` + "\n" + `  "session": "abc",` + "\n" + `  "input": "uname -a"` + "\n}\n"

	out := collect(t, text, Options{})

	require.Len(t, out, 2)
	assert.Equal(t, ReasonTruncated, out[0].Failure.Reason)
	assert.Equal(t, `{"session":"abc","eventid":"cowrie.login.success",`, out[0].Failure.Text)
	assert.Equal(t, KindEvent, out[1].Kind)
	assert.Equal(t, "uname -a", out[1].Object["input"])
}

func TestStructurallyCompleteButInvalid(t *testing.T) {
	text := "{\n" + `  "eventid": "cowrie.login.success",` + "\n" + `  "session": "abc",` + "\n}\n"

	out := collect(t, text, Options{})

	require.Len(t, out, 1)
	assert.Equal(t, KindFailure, out[0].Kind)
	assert.Equal(t, ReasonCompleteButInvalid, out[0].Failure.Reason)
	assert.Equal(t, 4, out[0].Failure.Lines)
}

func TestGarbageLineFailsImmediately(t *testing.T) {
	out := collect(t, "\x00\x01\x02 binary garbage\n", Options{})

	require.Len(t, out, 1)
	assert.Equal(t, KindFailure, out[0].Kind)
	assert.Equal(t, ReasonCompleteButInvalid, out[0].Failure.Reason)
}

func TestFlushAtEOFTruncates(t *testing.T) {
	text := `{"session":"abc","eventid":"cowrie.login.success",` + "\n"

	out := collect(t, text, Options{})

	require.Len(t, out, 1)
	assert.Equal(t, ReasonTruncated, out[0].Failure.Reason)
	assert.Equal(t, strings.TrimSuffix(text, "\n"), out[0].Failure.Text)
}

func TestBlankLinesAreSkipped(t *testing.T) {
	out := collect(t, "\n   \n"+`{"eventid":"a","session":"b"}`+"\n", Options{})

	require.Len(t, out, 3)
	assert.Equal(t, KindSkip, out[0].Kind)
	assert.Equal(t, KindSkip, out[1].Kind)
	assert.Equal(t, KindEvent, out[2].Kind)
	assert.Equal(t, int64(5), out[2].Offset)
}

func TestTruncatedLine(t *testing.T) {
	p := New(Options{})
	p.Feed(Line{Offset: 0, End: 2, Text: "{"})
	require.True(t, p.Buffering())

	out := p.Feed(Line{Offset: 2, End: 9000, Text: `  "input": "aaaa`, Truncated: true})

	require.Len(t, out, 2)
	assert.Equal(t, ReasonTruncated, out[0].Failure.Reason)
	assert.Equal(t, ReasonLineTooLong, out[1].Failure.Reason)
	assert.Equal(t, int64(9000), out[1].End)
	assert.False(t, p.Buffering())
}

func TestBufferOverflow(t *testing.T) {
	p := New(Options{MaxBufferLines: 4})

	var out []Outcome
	out = append(out, p.Feed(Line{Offset: 0, End: 2, Text: "{"})...)
	for i := 1; i < 4; i++ {
		out = append(out, p.Feed(Line{Offset: int64(i * 2), End: int64(i*2 + 2), Text: "  {"})...)
	}

	require.Len(t, out, 1)
	assert.Equal(t, ReasonBufferOverflow, out[0].Failure.Reason)
	assert.Equal(t, 4, out[0].Failure.Lines)
	assert.Equal(t, int64(8), out[0].End)
	assert.False(t, p.Buffering())
}

func TestBufferOverflow_Bytes(t *testing.T) {
	p := New(Options{MaxBufferLines: 1000, MaxBufferBytes: 64})

	p.Feed(Line{Offset: 0, End: 2, Text: "{"})
	out := p.Feed(Line{Offset: 2, End: 102, Text: `  "k": "` + strings.Repeat("x", 90) + `",`})

	require.Len(t, out, 1)
	assert.Equal(t, ReasonBufferOverflow, out[0].Failure.Reason)
}

func TestBufferNeverExceedsMaxLines(t *testing.T) {
	const maxLines = 8
	for _, line := range []string{"{", "  {", "{{{{", `  "open string`} {
		t.Run(line, func(t *testing.T) {
			p := New(Options{MaxBufferLines: maxLines})
			var off int64
			for i := 0; i < 10000; i++ {
				end := off + int64(len(line)) + 1
				for _, o := range p.Feed(Line{Offset: off, End: end, Text: line}) {
					require.Equal(t, KindFailure, o.Kind)
					require.LessOrEqual(t, o.Lines, maxLines)
				}
				require.LessOrEqual(t, p.BufferedLines(), maxLines)
				off = end
			}
		})
	}
}

func TestStringStateCarriesAcrossLines(t *testing.T) {
	p := New(Options{})
	p.Feed(Line{Offset: 0, End: 2, Text: "{"})
	p.Feed(Line{Offset: 2, End: 20, Text: `  "input": "echo }`})
	require.True(t, p.Buffering(), "brace inside an open string must not close the fragment")

	out := p.Feed(Line{Offset: 20, End: 24, Text: `"}`})
	require.Len(t, out, 1)
	// The raw newline inside the string makes the fragment invalid JSON.
	assert.Equal(t, ReasonCompleteButInvalid, out[0].Failure.Reason)
}

func TestEscapedQuotes(t *testing.T) {
	text := "{\n" + `  "input": "echo \"}\" > /tmp/x",` + "\n" + `  "eventid": "cowrie.command.input", "session": "e1"` + "\n}\n"

	out := collect(t, text, Options{})

	require.Len(t, out, 1)
	require.Equal(t, KindEvent, out[0].Kind)
	assert.Equal(t, `echo "}" > /tmp/x`, out[0].Object["input"])
}

func TestNumbersArePreserved(t *testing.T) {
	out := collect(t, `{"eventid":"x","session":"y","size":12345678901234567890}`, Options{})

	require.Len(t, out, 1)
	assert.Equal(t, json.Number("12345678901234567890"), out[0].Object["size"])
}

func TestDecodeObject(t *testing.T) {
	tests := []struct {
		in string
		ok bool
	}{
		{`{"a":1}`, true},
		{`  {"a":1}  `, true},
		{`{"a":1}{"b":2}`, false},
		{`{"a":1} trailing`, false},
		{`[1,2]`, false},
		{`"string"`, false},
		{`null`, false},
		{`{"a":}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			_, ok := decodeObject(tt.in)
			assert.Equal(t, tt.ok, ok)
		})
	}
}

// TestOutcomesCoverEveryByte feeds a noisy synthetic stream and checks that
// outcomes are contiguous: every line ends up in exactly one outcome.
func TestOutcomesCoverEveryByte(t *testing.T) {
	faker := gofakeit.New(42)
	var b strings.Builder
	for i := 0; i < 500; i++ {
		obj := map[string]any{
			"eventid":   faker.RandomString([]string{"cowrie.login.failed", "cowrie.command.input", "cowrie.session.connect"}),
			"session":   faker.LetterN(12),
			"src_ip":    faker.IPv4Address(),
			"username":  faker.Username(),
			"input":     faker.HackerPhrase(),
			"timestamp": faker.Date().UTC().Format("2006-01-02T15:04:05.000000Z"),
		}
		var data []byte
		if faker.Bool() {
			data, _ = json.Marshal(obj)
		} else {
			data, _ = json.MarshalIndent(obj, "", "    ")
		}
		text := string(data)
		switch faker.Number(0, 9) {
		case 0:
			text = text[:faker.Number(1, len(text)-1)]
		case 1:
			text = faker.LoremIpsumSentence(5)
		case 2:
			text = ""
		}
		b.WriteString(text)
		b.WriteByte('\n')
	}
	input := b.String()

	out := collect(t, input, Options{MaxBufferLines: 32})

	var pos int64
	for _, o := range out {
		require.Equal(t, pos, o.Offset, "gap or overlap before %+v", o)
		require.Greater(t, o.End, o.Offset)
		pos = o.End
	}
	assert.Equal(t, int64(len(input)), pos)
}

func TestSliceSource(t *testing.T) {
	src := NewSliceSource("a\r\nbb\nccc", 10)
	ctx := context.Background()

	var lines []Line
	for {
		l, err := src.ReadLine(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		lines = append(lines, l)
	}

	assert.Equal(t, []Line{
		{Offset: 10, End: 13, Text: "a"},
		{Offset: 13, End: 16, Text: "bb"},
		{Offset: 16, End: 19, Text: "ccc"},
	}, lines)
}

type noDataSource struct{ calls int }

func (s *noDataSource) ReadLine(context.Context) (Line, error) {
	s.calls++
	if s.calls == 1 {
		return Line{Offset: 0, End: 2, Text: "{"}, nil
	}
	return Line{}, ErrNoData
}

func TestStream_NoDataKeepsBuffer(t *testing.T) {
	s := NewStream(&noDataSource{}, Options{})

	_, err := s.Next(context.Background())
	assert.ErrorIs(t, err, ErrNoData)
	assert.True(t, s.Buffering())
}

func TestGenerationChangeAbandonsBuffer(t *testing.T) {
	p := New(Options{})
	p.Feed(Line{Offset: 500, End: 502, Text: "{", Inode: 7, Generation: 0})
	p.Feed(Line{Offset: 502, End: 530, Text: `  "eventid": "cowrie.login.failed",`, Inode: 7, Generation: 0})

	out := p.Feed(Line{Offset: 0, End: 2, Text: "{", Inode: 8, Generation: 1})

	require.Len(t, out, 1)
	assert.Equal(t, ReasonTruncated, out[0].Failure.Reason)
	assert.Equal(t, int64(0), out[0].Generation)
	assert.Equal(t, int64(530), out[0].End)
	require.True(t, p.Buffering())

	out = p.Feed(Line{Offset: 2, End: 40, Text: `  "eventid": "x", "session": "y"}`, Inode: 8, Generation: 1})
	require.Len(t, out, 1)
	assert.Equal(t, KindEvent, out[0].Kind)
	assert.Equal(t, int64(1), out[0].Generation)
	assert.Equal(t, uint64(8), out[0].Inode)
	assert.Equal(t, int64(0), out[0].Offset)
}

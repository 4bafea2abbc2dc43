package repair

import (
	"encoding/json"
	"strings"
)

// structure is the result of scanning a fragment outside string literals.
type structure struct {
	inString bool
	// escaped is true when the fragment ends in the middle of an escape.
	escaped bool
	// open holds unclosed '{' and '[' in the order they were opened.
	open []byte
	// seps are positions of ',' '{' '[' outside strings, with the container
	// each one belongs to ('{' or '[').
	seps []separator
}

type separator struct {
	pos       int
	container byte
}

func scan(text string) structure {
	var st structure
	for i := 0; i < len(text); i++ {
		c := text[i]
		if st.inString {
			switch {
			case st.escaped:
				st.escaped = false
			case c == '\\':
				st.escaped = true
			case c == '"':
				st.inString = false
			}
			continue
		}
		switch c {
		case '"':
			st.inString = true
		case '{', '[':
			st.open = append(st.open, c)
			st.seps = append(st.seps, separator{pos: i, container: c})
		case '}', ']':
			if n := len(st.open); n > 0 {
				st.open = st.open[:n-1]
			}
		case ',':
			var container byte
			if n := len(st.open); n > 0 {
				container = st.open[n-1]
			}
			st.seps = append(st.seps, separator{pos: i, container: container})
		}
	}
	return st
}

// complete closes an open string and then every open bracket and brace in
// reverse order. Nothing else is changed.
func complete(text string) string {
	text = strings.TrimRight(text, " \t\r\n")
	st := scan(text)

	var b strings.Builder
	b.Grow(len(text) + len(st.open) + 1)
	if st.escaped {
		text = text[:len(text)-1]
	}
	b.WriteString(text)
	if st.inString {
		b.WriteByte('"')
	}
	for i := len(st.open) - 1; i >= 0; i-- {
		if st.open[i] == '{' {
			b.WriteByte('}')
		} else {
			b.WriteByte(']')
		}
	}
	return b.String()
}

// keyIndex returns the position of `"key"` followed by a colon outside
// string literals, or -1.
func keyIndex(text, key string) int {
	quoted := `"` + key + `"`
	from := 0
	for {
		i := strings.Index(text[from:], quoted)
		if i < 0 {
			return -1
		}
		i += from
		// The quote must open a string, not close one.
		if !scan(text[:i]).inString {
			rest := strings.TrimLeft(text[i+len(quoted):], " \t\r\n")
			if strings.HasPrefix(rest, ":") {
				return i
			}
		}
		from = i + len(quoted)
	}
}

func hasKey(text, key string) bool {
	return keyIndex(text, key) >= 0
}

// arrayKeyIndex returns the position of `"key": [` or -1.
func arrayKeyIndex(text, key string) int {
	i := keyIndex(text, key)
	if i < 0 {
		return -1
	}
	rest := strings.TrimLeft(text[i+len(key)+2:], " \t\r\n")
	rest = strings.TrimLeft(strings.TrimPrefix(rest, ":"), " \t\r\n")
	if !strings.HasPrefix(rest, "[") {
		return -1
	}
	return i
}

// envelope wraps body in an object carrying field=value. body is either an
// object text or a bare member list.
func envelope(field, value, body string) string {
	k, _ := json.Marshal(field)
	v, _ := json.Marshal(value)
	member := string(k) + ":" + string(v)

	trimmed := strings.TrimSpace(body)
	if strings.HasPrefix(trimmed, "{") {
		inner := strings.TrimSpace(trimmed[1:])
		if strings.HasPrefix(inner, "}") {
			return "{" + member + inner
		}
		return "{" + member + "," + inner
	}
	if trimmed == "" {
		return "{" + member + "}"
	}
	return "{" + member + "," + trimmed + "}"
}

// isLiteralPrefix reports whether s is a proper prefix of a JSON literal.
func isLiteralPrefix(s string) bool {
	for _, lit := range []string{"true", "false", "null"} {
		if s != "" && s != lit && strings.HasPrefix(lit, s) {
			return true
		}
	}
	return false
}

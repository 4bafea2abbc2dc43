package repair

import (
	"sort"
	"strings"

	"github.com/tidwall/jsonc"

	"github.com/telhawk-systems/honeyload/internal/schema"
)

// Strategy names, also used as risk flags on repaired events.
const (
	StrategyTypedFragment   = "typed_fragment"
	StrategyArrayFragment   = "array_fragment"
	StrategyBareFragment    = "bare_fragment"
	StrategyTrailingComma   = "trailing_comma"
	StrategyTruncatedMember = "truncated_member"
)

// Strategy proposes a reconstruction of a malformed fragment. Candidate
// returns applies=false when the fragment does not match the strategy's
// pattern. Implementations must be pure.
type Strategy interface {
	Name() string
	Candidate(text string, reg *schema.Registry) (candidate string, applies bool)
}

// DefaultStrategies returns the built-in strategies in priority order.
func DefaultStrategies() []Strategy {
	return []Strategy{
		TypedFragment{},
		ArrayFragment{},
		BareFragment{},
		TrailingComma{},
		TruncatedMember{},
	}
}

// TypedFragment completes a fragment that names its event type by closing an
// open string and then the open brackets and braces.
type TypedFragment struct{}

func (TypedFragment) Name() string { return StrategyTypedFragment }

func (TypedFragment) Candidate(text string, reg *schema.Registry) (string, bool) {
	if !hasKey(text, reg.EventField()) {
		return "", false
	}
	return complete(text), true
}

// ArrayFragment handles a fragment without an event type that contains an
// array-valued field known to the registry. The array is closed and the
// fragment is tagged with the field's owning event type.
type ArrayFragment struct{}

func (ArrayFragment) Name() string { return StrategyArrayFragment }

func (ArrayFragment) Candidate(text string, reg *schema.Registry) (string, bool) {
	if hasKey(text, reg.EventField()) {
		return "", false
	}

	index := reg.ArrayFields()
	fields := make([]string, 0, len(index))
	for f := range index {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	owner, best := "", -1
	for _, f := range fields {
		if i := arrayKeyIndex(text, f); i >= 0 && (best < 0 || i < best) {
			owner, best = index[f], i
		}
	}
	if best < 0 {
		return "", false
	}

	body := strings.TrimLeft(text, ", \t\r\n")
	return stripTrailingCommas(envelope(reg.EventField(), owner, complete(body))), true
}

// BareFragment handles dangling "key": value members with no enclosing
// object. The members are wrapped in an object tagged with the fallback event
// type unless they carry their own.
type BareFragment struct{}

func (BareFragment) Name() string { return StrategyBareFragment }

func (BareFragment) Candidate(text string, reg *schema.Registry) (string, bool) {
	body := strings.TrimLeft(text, ", \t\r\n")
	if !strings.HasPrefix(body, `"`) || !looksLikeMember(body) {
		return "", false
	}

	body = complete(body)
	if hasKey(body, reg.EventField()) {
		return stripTrailingCommas("{" + body + "}"), true
	}
	return stripTrailingCommas(envelope(reg.EventField(), reg.FallbackType(), body)), true
}

// looksLikeMember reports whether text opens with a quoted key and a colon.
func looksLikeMember(text string) bool {
	end, closed := leadingString(text)
	if !closed {
		return false
	}
	return strings.HasPrefix(strings.TrimLeft(text[end+1:], " \t\r\n"), ":")
}

// leadingString finds the closing quote of the string literal text starts
// with. closed is false when the literal runs to the end of text.
func leadingString(text string) (end int, closed bool) {
	escaped := false
	for i := 1; i < len(text); i++ {
		switch {
		case escaped:
			escaped = false
		case text[i] == '\\':
			escaped = true
		case text[i] == '"':
			return i, true
		}
	}
	return len(text), false
}

// TrailingComma completes the fragment and removes commas that directly
// precede a closing brace or bracket.
type TrailingComma struct{}

func (TrailingComma) Name() string { return StrategyTrailingComma }

func (TrailingComma) Candidate(text string, _ *schema.Registry) (string, bool) {
	completed := complete(text)
	stripped := stripTrailingCommas(completed)
	if stripped == completed {
		return "", false
	}
	return stripped, true
}

// TruncatedMember drops an incomplete final object member, such as a key
// with no value, before completing the fragment.
type TruncatedMember struct{}

func (TruncatedMember) Name() string { return StrategyTruncatedMember }

func (TruncatedMember) Candidate(text string, _ *schema.Registry) (string, bool) {
	text = strings.TrimRight(text, " \t\r\n")
	st := scan(text)
	if len(st.seps) == 0 {
		return "", false
	}
	last := st.seps[len(st.seps)-1]
	if last.container != '{' {
		return "", false
	}

	tail := strings.TrimSpace(text[last.pos+1:])
	if !danglingMember(tail) {
		return "", false
	}

	head := text[:last.pos]
	if text[last.pos] == '{' {
		head = text[:last.pos+1]
	}
	return stripTrailingCommas(complete(head)), true
}

// danglingMember reports whether tail is an object member cut before its
// value was complete: `"ke`, `"key"`, `"key":` or `"key": tr`.
func danglingMember(tail string) bool {
	if !strings.HasPrefix(tail, `"`) {
		return false
	}
	end, closed := leadingString(tail)
	if !closed {
		return true
	}
	rest := strings.TrimSpace(tail[end+1:])
	if rest == "" {
		return true
	}
	if !strings.HasPrefix(rest, ":") {
		return false
	}
	value := strings.TrimSpace(rest[1:])
	return value == "" || isLiteralPrefix(value)
}

func stripTrailingCommas(text string) string {
	return string(jsonc.ToJSON([]byte(text)))
}

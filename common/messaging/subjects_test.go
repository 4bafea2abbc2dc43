package messaging

import (
	"strings"
	"testing"
)

func TestCommittedSubject(t *testing.T) {
	got := CommittedSubject("cowrie-eu-1")
	if got != "honeyload.events.committed.cowrie-eu-1" {
		t.Errorf("CommittedSubject() = %q", got)
	}
}

func TestDeadLetterSubject(t *testing.T) {
	got := DeadLetterSubject("buffer_overflow")
	if got != "honeyload.dlq.buffer_overflow" {
		t.Errorf("DeadLetterSubject() = %q", got)
	}
}

func TestToken(t *testing.T) {
	tests := map[string]string{
		"":                "unknown",
		"plain":           "plain",
		"has.dots":        "has_dots",
		"wild*card>":      "wild_card_",
		"with space\tTab": "with_space_Tab",
	}
	for in, want := range tests {
		if got := Token(in); got != want {
			t.Errorf("Token(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSubjects_HaveNoEmptyTokens(t *testing.T) {
	for _, s := range []string{CommittedSubject("a.b"), DeadLetterSubject("")} {
		for _, tok := range strings.Split(s, ".") {
			if tok == "" {
				t.Errorf("subject %q has an empty token", s)
			}
		}
	}
}

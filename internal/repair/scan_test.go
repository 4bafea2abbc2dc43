package repair

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestComplete(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{`{"a":1`, `{"a":1}`},
		{`{"a":["x","y`, `{"a":["x","y"]}`},
		{`{"a":{"b":[1,{"c":"d`, `{"a":{"b":[1,{"c":"d"}]}}`},
		{`{"a":"x\`, `{"a":"x"}`},
		{`{"a":"}{]["`, `{"a":"}{]["}`},
		{"{\n  \"a\": 1\n  ", "{\n  \"a\": 1}"},
		{`{"a":1}`, `{"a":1}`},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, complete(tt.in))
		})
	}
}

func TestKeyIndex(t *testing.T) {
	assert.Equal(t, 1, keyIndex(`{"eventid":"x"}`, "eventid"))
	assert.Equal(t, -1, keyIndex(`{"msg":"eventid"}`, "eventid"), "a value is not a key")
	assert.Equal(t, -1, keyIndex(`{"msg":"\"eventid\": nope"}`, "eventid"))
	assert.Equal(t, 12, keyIndex(`{"a":"b",   "eventid" : 1}`, "eventid"))
}

func TestArrayKeyIndex(t *testing.T) {
	assert.GreaterOrEqual(t, arrayKeyIndex(`{"kexAlgs": ["a"`, "kexAlgs"), 0)
	assert.Equal(t, -1, arrayKeyIndex(`{"kexAlgs": "a"`, "kexAlgs"))
}

func TestEnvelope(t *testing.T) {
	assert.Equal(t, `{"eventid":"t","a":1}`, envelope("eventid", "t", `"a":1`))
	assert.Equal(t, `{"eventid":"t","a":1}`, envelope("eventid", "t", `{"a":1}`))
	assert.Equal(t, `{"eventid":"t"}`, envelope("eventid", "t", `{}`))
	assert.Equal(t, `{"eventid":"t"}`, envelope("eventid", "t", ``))
}

func TestDanglingMember(t *testing.T) {
	tests := map[string]bool{
		`"ke`:          true,
		`"key"`:        true,
		`"key":`:       true,
		`"key": tr`:    true,
		`"key": "val`:  false,
		`"key": 12`:    false,
		`"key": true`:  false,
		`"a:b"`:        true,
		`no quote`:     false,
		`"k\"ey": nul`: true,
	}
	for in, want := range tests {
		assert.Equal(t, want, danglingMember(in), in)
	}
}

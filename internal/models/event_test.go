package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSourceKey_String(t *testing.T) {
	k := SourceKey{SourceID: "cowrie", Inode: 42, Generation: 1, Offset: 1024}
	assert.Equal(t, "cowrie:42:1:1024", k.String())
}

func TestDeadLetterID_Deterministic(t *testing.T) {
	k := SourceKey{SourceID: "cowrie", Inode: 42, Generation: 1, Offset: 1024}
	assert.Equal(t, DeadLetterID(k), DeadLetterID(k))

	other := k
	other.Offset++
	assert.NotEqual(t, DeadLetterID(k), DeadLetterID(other))
}

func TestCheckpoint_Before(t *testing.T) {
	tests := []struct {
		name string
		a, b Checkpoint
		want bool
	}{
		{"lower offset", Checkpoint{Offset: 10}, Checkpoint{Offset: 20}, true},
		{"same position", Checkpoint{Offset: 20}, Checkpoint{Offset: 20}, false},
		{"higher offset", Checkpoint{Offset: 30}, Checkpoint{Offset: 20}, false},
		{"older generation wins over offset", Checkpoint{Generation: 1, Offset: 900}, Checkpoint{Generation: 2, Offset: 0}, true},
		{"newer generation", Checkpoint{Generation: 3}, Checkpoint{Generation: 2, Offset: 500}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.a.Before(tt.b))
		})
	}
}

package schema

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultRegistry(t *testing.T) *Registry {
	t.Helper()
	reg, err := Default()
	require.NoError(t, err)
	return reg
}

func TestDefault_LoadsCowrieCatalogue(t *testing.T) {
	reg := defaultRegistry(t)

	assert.Equal(t, "cowrie.unknown", reg.FallbackType())
	assert.Equal(t, "eventid", reg.EventField())
	assert.Equal(t, "session", reg.SessionField())
	assert.Equal(t, "timestamp", reg.TimestampField())
	assert.True(t, reg.Known("cowrie.login.success"))
	assert.False(t, reg.Known("cowrie.unknown"))
	assert.Contains(t, reg.Types(), "cowrie.session.connect")
}

func TestLookup_FallsBackForUnknownTypes(t *testing.T) {
	reg := defaultRegistry(t)

	ts := reg.Lookup("cowrie.something.new")
	require.NotNil(t, ts)
	assert.Equal(t, "cowrie.unknown", ts.Name)
	assert.Empty(t, ts.Required)
}

func TestLookup_RequiredFieldsSorted(t *testing.T) {
	reg := defaultRegistry(t)

	ts := reg.Lookup("cowrie.session.connect")
	names := make([]string, 0, len(ts.Required))
	for _, f := range ts.Required {
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{"dst_ip", "dst_port", "src_ip", "src_port"}, names)
}

func TestArrayFieldOwner(t *testing.T) {
	reg := defaultRegistry(t)

	owner, ok := reg.ArrayFieldOwner("kexAlgs")
	require.True(t, ok)
	assert.Equal(t, "cowrie.client.kex", owner)

	_, ok = reg.ArrayFieldOwner("username")
	assert.False(t, ok)

	idx := reg.ArrayFields()
	idx["kexAlgs"] = "tampered"
	owner, _ = reg.ArrayFieldOwner("kexAlgs")
	assert.Equal(t, "cowrie.client.kex", owner, "ArrayFields must return a copy")
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"malformed yaml", "types: ["},
		{"missing fallback", "types: {}"},
		{"unknown field type", "fallback_type: x\ntypes:\n  a:\n    optional:\n      f: {type: uuid}\n"},
		{"required without default", "fallback_type: x\ntypes:\n  a:\n    required:\n      f: {type: string}\n"},
		{"default of wrong type", "fallback_type: x\ntypes:\n  a:\n    required:\n      f: {type: integer, default: nope}\n"},
		{"identity declared", "fallback_type: x\ntypes:\n  a:\n    required:\n      session: {type: string, default: s}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidCatalogue))
		})
	}
}

func TestParse_AddsMissingFallbackType(t *testing.T) {
	reg, err := Parse([]byte("fallback_type: generic\n"))
	require.NoError(t, err)
	assert.Equal(t, "generic", reg.Lookup("anything").Name)
}

func TestLoad(t *testing.T) {
	t.Run("empty path uses embedded catalogue", func(t *testing.T) {
		reg, err := Load("")
		require.NoError(t, err)
		assert.True(t, reg.Known("cowrie.command.input"))
	})

	t.Run("file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "catalogue.yaml")
		data := "fallback_type: dionaea.unknown\nfields:\n  event_type: event\n  session: connection\ntypes:\n  dionaea.connection:\n    required:\n      remote_port: {type: integer, default: 0}\n"
		require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

		reg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "event", reg.EventField())
		assert.Equal(t, "connection", reg.SessionField())
		assert.True(t, reg.Known("dionaea.connection"))
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.ErrorIs(t, err, ErrInvalidCatalogue)
	})
}

package log

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug":   LevelDebug,
		"":        LevelInfo,
		"INFO":    LevelInfo,
		"warning": LevelWarn,
		"error":   LevelError,
		"off":     LevelSilent,
	}
	for in, want := range cases {
		t.Run(in, func(t *testing.T) {
			got, err := ParseLevel(in)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}

	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestLogger_SetLevel(t *testing.T) {
	l := NewNop()
	l.SetLevel(LevelWarn)
	assert.Equal(t, LevelWarn, l.GetLevel())

	child := l.With(Component("test"))
	assert.Equal(t, LevelWarn, child.GetLevel())

	l.SetLevel(LevelSilent)
	assert.Equal(t, LevelSilent, child.GetLevel())
}

func TestToZapFields_UnsignedWidths(t *testing.T) {
	fields := toZapFields(Uint16("a", 7), Uint8("b", 3), ClientID(9), Tick(4))
	require.Len(t, fields, 4)
	assert.Equal(t, "a", fields[0].Key)
	assert.Equal(t, int64(7), fields[0].Integer)
	assert.Equal(t, int64(3), fields[1].Integer)
	assert.Equal(t, "client_id", fields[2].Key)
	assert.Equal(t, "tick", fields[3].Key)
}

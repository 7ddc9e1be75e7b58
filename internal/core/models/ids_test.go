package models

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTick_WrapAwareOrdering(t *testing.T) {
	last := Tick(math.MaxUint32)

	assert.True(t, last.Before(0))
	assert.True(t, Tick(2).After(last))
	assert.False(t, last.After(last))
	assert.Equal(t, int32(3), Tick(2).Diff(last))
	assert.Equal(t, int32(-3), last.Diff(2))

	assert.Equal(t, Tick(3), Tick(2).Sub(last))
	assert.Equal(t, Tick(0), last.Sub(2), "clamped")
	assert.Equal(t, Tick(5), Tick(9).Sub(4))
}

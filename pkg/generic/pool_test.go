package generic

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPool_ResetOnPut(t *testing.T) {
	p := NewResetPool(func() *bytes.Buffer { return new(bytes.Buffer) }, (*bytes.Buffer).Reset)

	buf := p.Get()
	buf.WriteString("stale")
	p.Put(buf)
	assert.Zero(t, buf.Len())

	assert.NotNil(t, p.Get())
}

func TestPool_Generate(t *testing.T) {
	calls := 0
	p := NewPool(func() int { calls++; return 7 })
	assert.Equal(t, 7, p.Get())
	assert.Equal(t, 1, calls)
}

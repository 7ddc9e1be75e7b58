package protocol

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/netsync/internal/core/models"
)

func sampleGroupMessage(payload []byte) *GroupMessage {
	return &GroupMessage{
		Group:          42,
		Tick:           100,
		LastActionTick: 90,
		Actions: []EntityAction{
			{
				Entity:     models.NewEntityID(1, 1),
				Kind:       ActionSpawn,
				Components: []ComponentData{{Kind: 0, Data: payload}},
				Predicted:  true,
			},
			{Entity: models.NewEntityID(2, 1), Kind: ActionDespawn},
		},
	}
}

func TestCodec_SmallMessagesStayRaw(t *testing.T) {
	c := NewCodec(512)
	data, err := c.Marshal(sampleGroupMessage([]byte{1, 2, 3}))
	require.NoError(t, err)
	assert.Equal(t, flagRaw, data[0])

	var out GroupMessage
	require.NoError(t, c.Unmarshal(data, &out))
	assert.Equal(t, *sampleGroupMessage([]byte{1, 2, 3}), out)
}

func TestCodec_CompressesLargeMessages(t *testing.T) {
	c := NewCodec(64)
	payload := bytes.Repeat([]byte("position"), 200)
	msg := sampleGroupMessage(payload)

	data, err := c.Marshal(msg)
	require.NoError(t, err)
	assert.Equal(t, flagLZ4, data[0])
	assert.Less(t, len(data), len(payload))

	var out GroupMessage
	require.NoError(t, c.Unmarshal(data, &out))
	assert.Equal(t, *msg, out)
}

func TestCodec_RejectsGarbage(t *testing.T) {
	c := NewCodec(0)
	var out GroupMessage

	err := c.Unmarshal(nil, &out)
	assert.ErrorIs(t, err, ErrInvalidMessage)

	err = c.Unmarshal([]byte{7, 1, 2}, &out)
	var perr *Error
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, ErrorCodeInvalidMessage, perr.Code)

	err = c.Unmarshal([]byte{flagLZ4, 0xff, 0xff, 0xff, 0xff, 0x0f}, &out)
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestGroupMessage_HasActions(t *testing.T) {
	msg := &GroupMessage{Actions: []EntityAction{{Kind: ActionUpdate}}}
	assert.False(t, msg.HasActions())
	msg.Actions = append(msg.Actions, EntityAction{Kind: ActionRemove})
	assert.True(t, msg.HasActions())
}

func TestError_Classification(t *testing.T) {
	err := WrapError(ErrChannelOverflow, "send")
	assert.Equal(t, ErrorCodeChannelOverflow, err.Code)
	assert.True(t, err.IsTemporary())
	assert.False(t, err.IsFatal())
	assert.ErrorIs(t, err, ErrChannelOverflow)

	wrapped := NewProtocolError(ErrorCodeHandshakeRejected, "token", ErrHandshakeRejected).
		WithContext("reason", "expired")
	assert.True(t, wrapped.IsFatal())
	assert.Equal(t, ErrorCodeHandshakeRejected, GetErrorCode(wrapped))
	assert.Equal(t, "expired", wrapped.Context["reason"])

	assert.Equal(t, ErrorCodeUnknownError, GetErrorCode(errors.New("boom")))
}

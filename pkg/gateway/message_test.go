package gateway

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMessageFillsEnvelope(t *testing.T) {
	before := time.Now().UnixMilli()
	msg := NewMessage(TypeChannelMessage, map[string]any{"text": "hello"})
	after := time.Now().UnixMilli()

	assert.Equal(t, TypeChannelMessage, msg.Type)
	assert.NotEmpty(t, msg.MessageID)
	assert.GreaterOrEqual(t, msg.Timestamp, before)
	assert.LessOrEqual(t, msg.Timestamp, after)
}

func TestMessageEncodeDecode(t *testing.T) {
	msg := NewMessage(TypeChannelMessage, map[string]any{"text": "hello"})
	msg.Room = "orders"
	msg.TenantID = "acme"

	data, err := msg.Encode()
	require.NoError(t, err)

	decoded, err := DecodeMessage(data)
	require.NoError(t, err)
	assert.Equal(t, msg.Type, decoded.Type)
	assert.Equal(t, "orders", decoded.Room)
	assert.Equal(t, "acme", decoded.TenantID)
	assert.Equal(t, msg.MessageID, decoded.MessageID)
	assert.Equal(t, "hello", decoded.DataString("text"))
}

func TestDecodeMessageRejectsInvalid(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
	}{
		{"not json", []byte("{")},
		{"missing type", []byte(`{"data":{"a":1}}`)},
		{"empty", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeMessage(tt.input)
			assert.ErrorIs(t, err, ErrInvalidMessage)
		})
	}
}

func TestMessageClone(t *testing.T) {
	msg := NewMessage(TypeEvent, map[string]any{"k": "v"})
	clone := msg.Clone()
	clone.Room = "changed"

	assert.Empty(t, msg.Room)
	assert.Equal(t, msg.MessageID, clone.MessageID)
}

func TestDataHelpers(t *testing.T) {
	msg := &Message{Type: "x", Data: map[string]any{"name": "chao", "n": 1.0}}
	assert.Equal(t, "chao", msg.DataString("name"))
	assert.Empty(t, msg.DataString("n"))
	assert.Empty(t, msg.DataString("absent"))

	scalar := &Message{Type: "x", Data: "plain"}
	assert.Empty(t, scalar.DataMap())
}

func TestReleaseMessageResets(t *testing.T) {
	m, err := DecodeMessage([]byte(`{"type":"ping","room":"r","message_id":"m1"}`))
	require.NoError(t, err)

	releaseMessage(m)
	assert.Empty(t, m.Type)
	assert.Empty(t, m.Room)
	assert.Nil(t, m.Data)
}

func TestErrorMessageShape(t *testing.T) {
	frame := errorMessage(CodeRateLimited, "slow down")
	assert.Equal(t, TypeError, frame.Type)
	assert.Equal(t, string(CodeRateLimited), frame.DataString("code"))
	assert.Equal(t, "slow down", frame.DataString("detail"))
}

func TestCodeFor(t *testing.T) {
	tests := []struct {
		err  error
		code ErrorCode
	}{
		{ErrTooManyConnections, CodeCapacity},
		{ErrChannelFull, CodeCapacity},
		{ErrAuth, CodeAuth},
		{ErrBanned, CodeAccessDenied},
		{ErrSendBufferFull, CodeDelivery},
		{ErrBackendUnavailable, CodeBackend},
		{ErrInvalidMessage, CodeValidation},
		{ErrHandlerNotFound, CodeValidation},
		{ErrRateLimited, CodeRateLimited},
		{ErrRoomNotFound, CodeNotFound},
		{errors.New("boom"), CodeInternal},
		{fmt.Errorf("%w: field missing", ErrValidation), CodeValidation},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.code, codeFor(tt.err), "err=%v", tt.err)
	}
}

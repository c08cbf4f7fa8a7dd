package protocol

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeKnownTypes(t *testing.T) {
	for _, typ := range []Type{TypeInit, TypeReady, TypeError, TypeDataUpdate, TypeAPIRequest, TypeAPIResponse, TypeEvent} {
		msg, err := New(typ, SourceSandbox, nil)
		require.NoError(t, err)

		data, err := Encode(msg)
		require.NoError(t, err)

		decoded, err := Decode(data)
		require.NoError(t, err, "type %s should round-trip", typ)
		assert.Equal(t, typ, decoded.Type)
		assert.Equal(t, SourceSandbox, decoded.Source)
	}
}

func TestDecodeUnknownTypeDropped(t *testing.T) {
	_, err := Decode([]byte(`{"type":"exfiltrate","payload":{}}`))
	assert.True(t, errors.Is(err, ErrUnknownType))
}

func TestDecodeMissingType(t *testing.T) {
	_, err := Decode([]byte(`{"payload":{"data":1}}`))
	assert.True(t, errors.Is(err, ErrUnknownType))
}

func TestDecodeMalformed(t *testing.T) {
	_, err := Decode([]byte(`{not json`))
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrUnknownType))
}

func TestAPIRequestPayloadRoundTrip(t *testing.T) {
	msg, err := New(TypeAPIRequest, SourceSandbox, APIRequestPayload{
		RequestID: "r1",
		Method:    "POST",
		Endpoint:  "",
		Body:      []byte(`{"action":"add","record":{"name":"x"}}`),
	})
	require.NoError(t, err)

	var payload APIRequestPayload
	require.NoError(t, msg.DecodePayload(&payload))
	assert.Equal(t, "r1", payload.RequestID)
	assert.Equal(t, "POST", payload.Method)
	assert.JSONEq(t, `{"action":"add","record":{"name":"x"}}`, string(payload.Body))
}

func TestEventPayloadNetwork(t *testing.T) {
	msg, err := New(TypeEvent, SourceSandbox, EventPayload{
		Kind:       "network",
		URL:        "/api/records",
		Method:     "GET",
		Status:     200,
		DurationMs: 12,
	})
	require.NoError(t, err)
	assert.Greater(t, msg.Timestamp, int64(0))

	var payload EventPayload
	require.NoError(t, msg.DecodePayload(&payload))
	assert.Equal(t, "network", payload.Kind)
	assert.Equal(t, 200, payload.Status)
}

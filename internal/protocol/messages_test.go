package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	env, err := NewEnvelope(TypeSeek, TimestampPayload{Timestamp: 93.5})
	require.NoError(t, err)

	data, err := env.Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"seek","payload":{"timestamp":93.5}}`, string(data))

	var p TimestampPayload
	require.NoError(t, env.Decode(&p))
	assert.Equal(t, 93.5, p.Timestamp)
}

func TestDecodeEmptyPayload(t *testing.T) {
	env := Envelope{Type: TypeMediaEnded}
	var p TimestampPayload
	assert.NoError(t, env.Decode(&p))
	assert.Equal(t, 0.0, p.Timestamp)
}

func TestRoleValid(t *testing.T) {
	assert.True(t, RoleAdmin.Valid())
	assert.True(t, RoleModerator.Valid())
	assert.True(t, RoleUser.Valid())
	assert.False(t, Role("owner").Valid())
	assert.False(t, Role("").Valid())
}

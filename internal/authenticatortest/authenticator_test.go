package authenticatortest

import (
	"bytes"
	"testing"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistrationResponseParses(t *testing.T) {
	auth := New("example.com", "https://example.com")
	challenge := bytes.Repeat([]byte{7}, 32)

	cred, body, err := auth.Register(challenge, []byte("handle"))
	require.NoError(t, err)

	parsed, err := protocol.ParseCredentialCreationResponseBytes(body)
	require.NoError(t, err)
	assert.Equal(t, cred.ID, []byte(parsed.RawID))
	assert.Equal(t, protocol.CreateCeremony, parsed.Response.CollectedClientData.Type)
	assert.Equal(t, "https://example.com", parsed.Response.CollectedClientData.Origin)
	assert.Equal(t, "none", parsed.Response.AttestationObject.Format)
	assert.Equal(t, cred.ID, parsed.Response.AttestationObject.AuthData.AttData.CredentialID)
	assert.Zero(t, parsed.Response.AttestationObject.AuthData.Counter)
}

func TestAssertionAdvancesCounter(t *testing.T) {
	auth := New("example.com", "https://example.com")
	cred, _, err := auth.Register(bytes.Repeat([]byte{1}, 32), []byte("handle"))
	require.NoError(t, err)

	body, err := auth.Assert(cred, bytes.Repeat([]byte{2}, 32))
	require.NoError(t, err)

	parsed, err := protocol.ParseCredentialRequestResponseBytes(body)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), parsed.Response.AuthenticatorData.Counter)
	assert.Equal(t, []byte("handle"), []byte(parsed.Response.UserHandle))

	cred.Step = 0
	body, err = auth.Assert(cred, bytes.Repeat([]byte{3}, 32))
	require.NoError(t, err)
	parsed, err = protocol.ParseCredentialRequestResponseBytes(body)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), parsed.Response.AuthenticatorData.Counter)
}

package service

import (
	"fmt"
	"testing"

	"github.com/layer-3/warden/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifiersCachedForListedPartiesOnly(t *testing.T) {
	rps := newRelyingParties()

	listed := core.RelyingParty{ID: testRPID, Name: testRPID, Origin: testOrigin, Listed: true}
	first, err := rps.verifier(listed)
	require.NoError(t, err)
	second, err := rps.verifier(listed)
	require.NoError(t, err)
	assert.Same(t, first, second)

	for i := 0; i < 16; i++ {
		host := fmt.Sprintf("site%d.example.net", i)
		_, err := rps.verifier(core.RelyingParty{ID: host, Name: host, Origin: "https://" + host})
		require.NoError(t, err)
	}
	assert.Len(t, rps.verifiers, 1)
}

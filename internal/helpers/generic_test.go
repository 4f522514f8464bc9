package helpers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateToken(t *testing.T) {
	assert := assert.New(t)

	a, err := GenerateToken(48)
	require.NoError(t, err)
	b, err := GenerateToken(48)
	require.NoError(t, err)

	assert.Len(a, 96)
	assert.NotEqual(a, b)
}

func TestS256CodeChallenge(t *testing.T) {
	// vector from RFC 7636 appendix B
	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	assert.Equal(t, "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM", S256CodeChallenge(verifier))
}

func TestChallengeMatches(t *testing.T) {
	assert := assert.New(t)

	verifier, err := GenerateToken(32)
	require.NoError(t, err)
	challenge := S256CodeChallenge(verifier)

	assert.True(ChallengeMatches(verifier, challenge))
	assert.False(ChallengeMatches("some-other-verifier", challenge))
	assert.False(ChallengeMatches(verifier, ""))
}

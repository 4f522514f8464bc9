package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waypost-social/waypost-auth/internal/helpers"
	"github.com/waypost-social/waypost-auth/internal/testutil"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()

	key, err := GenerateKey(nil)
	require.NoError(t, err)

	client, err := NewClient(ClientArgs{
		ClientJwk:   key,
		ClientId:    "https://app.example.com/client-metadata.json",
		RedirectUri: "https://app.example.com/oauth/callback",
		AllowHTTP:   true,
	})
	require.NoError(t, err)

	return client
}

// parseProof verifies a proof's signature using only the public key embedded
// in its own header, the way a server would.
func parseProof(t *testing.T, proof string) jwt.MapClaims {
	t.Helper()

	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(proof, claims, func(tok *jwt.Token) (any, error) {
		jwkMap, ok := tok.Header["jwk"].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("proof header missing jwk")
		}

		b, err := json.Marshal(jwkMap)
		if err != nil {
			return nil, err
		}

		pubJwk, err := jwk.ParseKey(b)
		if err != nil {
			return nil, err
		}

		var rawKey any
		if err := pubJwk.Raw(&rawKey); err != nil {
			return nil, err
		}

		return rawKey, nil
	})
	require.NoError(t, err)
	require.True(t, token.Valid)
	require.Equal(t, "dpop+jwt", token.Header["typ"])

	return claims
}

func TestDpopProofClaims(t *testing.T) {
	assert := assert.New(t)

	key, err := GenerateKey(nil)
	require.NoError(t, err)

	proof, err := DpopProof("POST", "https://pds.example/token", "", "", key)
	require.NoError(t, err)

	claims := parseProof(t, proof)
	assert.Equal("POST", claims["htm"])
	assert.Equal("https://pds.example/token", claims["htu"])
	assert.NotEmpty(claims["jti"])
	assert.NotNil(claims["iat"])
	assert.NotNil(claims["exp"])
	assert.Nil(claims["nonce"])
	assert.Nil(claims["ath"])

	proof2, err := DpopProof("POST", "https://pds.example/token", "", "", key)
	require.NoError(t, err)

	claims2 := parseProof(t, proof2)
	assert.NotEqual(claims["jti"], claims2["jti"], "every proof must carry a fresh jti")
}

func TestDpopProofNonceAndAth(t *testing.T) {
	assert := assert.New(t)

	key, err := GenerateKey(nil)
	require.NoError(t, err)

	proof, err := DpopProof("GET", "https://pds.example/xrpc/getProfile", "server-nonce", "my-access-token", key)
	require.NoError(t, err)

	claims := parseProof(t, proof)
	assert.Equal("server-nonce", claims["nonce"])
	assert.Equal(helpers.S256CodeChallenge("my-access-token"), claims["ath"])
}

func TestDpopProofTamperFails(t *testing.T) {
	key, err := GenerateKey(nil)
	require.NoError(t, err)

	proof, err := DpopProof("POST", "https://pds.example/token", "", "", key)
	require.NoError(t, err)

	// re-sign the claims with a different key but keep the original header's
	// embedded public key: verification against the header must now fail
	otherKey, err := GenerateKey(nil)
	require.NoError(t, err)

	forged, err := DpopProof("POST", "https://attacker.example/token", "", "", otherKey)
	require.NoError(t, err)

	// splice the tampered payload+signature onto the original header
	origParts := splitJwt(t, proof)
	forgedParts := splitJwt(t, forged)
	tampered := origParts[0] + "." + forgedParts[1] + "." + forgedParts[2]

	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tampered, claims, func(tok *jwt.Token) (any, error) {
		jwkMap := tok.Header["jwk"].(map[string]any)
		b, _ := json.Marshal(jwkMap)
		pubJwk, err := jwk.ParseKey(b)
		if err != nil {
			return nil, err
		}
		var rawKey any
		if err := pubJwk.Raw(&rawKey); err != nil {
			return nil, err
		}
		return rawKey, nil
	})

	assert.Error(t, err)
	if token != nil {
		assert.False(t, token.Valid)
	}
}

func splitJwt(t *testing.T, token string) []string {
	t.Helper()

	parts := make([]string, 0, 3)
	start := 0
	for i := 0; i < len(token); i++ {
		if token[i] == '.' {
			parts = append(parts, token[start:i])
			start = i + 1
		}
	}
	parts = append(parts, token[start:])
	require.Len(t, parts, 3)

	return parts
}

func TestNonceChallengeRetriesOnce(t *testing.T) {
	assert := assert.New(t)

	provider := testutil.NewProvider("did:plc:alice123", "alice.example")
	defer provider.Close()

	provider.RequireNonce = true
	provider.CurrentNonce = "challenge-nonce-1"

	client := newTestClient(t)

	dpopKey, err := GenerateKey(nil)
	require.NoError(t, err)

	meta, err := client.FetchAuthServerMetadata(context.Background(), provider.URL)
	require.NoError(t, err)

	authReq, err := client.StartAuthRequest(context.Background(), meta, "test-state", "", "atproto transition:generic", dpopKey)
	require.NoError(t, err)

	code, _, err := provider.Authorize(authReq.AuthURL)
	require.NoError(t, err)

	tokenResp, err := client.InitialTokenRequest(context.Background(), code, provider.URL, authReq.PkceVerifier, "", dpopKey)
	require.NoError(t, err)

	assert.NotEmpty(tokenResp.AccessToken)
	assert.NotEmpty(tokenResp.RefreshToken)
	assert.Equal("challenge-nonce-1", tokenResp.DpopAuthserverNonce)
	assert.Equal(1, provider.NonceRejections, "exactly one challenge should have occurred")
	assert.Equal(2, provider.TokenRequests, "challenge plus single retry")
}

func TestNonceChallengeDoesNotLoop(t *testing.T) {
	assert := assert.New(t)

	provider := testutil.NewProvider("did:plc:alice123", "alice.example")
	defer provider.Close()

	provider.AlwaysChallenge = true

	client := newTestClient(t)

	dpopKey, err := GenerateKey(nil)
	require.NoError(t, err)

	_, err = client.RefreshTokenRequest(context.Background(), "rt-whatever", provider.URL, "", dpopKey)
	require.Error(t, err)

	var tokenErr *TokenError
	require.ErrorAs(t, err, &tokenErr)
	assert.Equal("use_dpop_nonce", tokenErr.ErrorCode)
	assert.Equal(http.StatusBadRequest, tokenErr.StatusCode)
	assert.Equal(2, provider.NonceRejections, "a second challenge must not trigger more retries")
}

package oauth

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/waypost-social/waypost-auth/internal/helpers"
)

const dpopProofLifetime = 30 * time.Second

// GenerateKey creates a fresh P-256 private key in JWK form. One key is
// generated per auth session and never reused across sessions.
func GenerateKey(kidPrefix *string) (jwk.Key, error) {
	privKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}

	key, err := jwk.FromRaw(privKey)
	if err != nil {
		return nil, err
	}

	var kid string
	if kidPrefix != nil {
		kid = fmt.Sprintf("%s-%d", *kidPrefix, time.Now().Unix())
	} else {
		kid = fmt.Sprintf("%d", time.Now().Unix())
	}

	if err := key.Set(jwk.KeyIDKey, kid); err != nil {
		return nil, err
	}

	return key, nil
}

// DpopProof signs a dpop+jwt proof over an HTTP method and target URL. The
// public half of privateJwk is embedded in the header so the verifier needs
// no side channel. accessToken, when non-empty, binds the proof to that token
// via the `ath` claim; nonce, when non-empty, echoes a server challenge.
// Every proof carries a fresh jti and is valid for thirty seconds.
func DpopProof(method, requestUrl, nonce, accessToken string, privateJwk jwk.Key) (string, error) {
	pubJwk, err := privateJwk.PublicKey()
	if err != nil {
		return "", err
	}

	b, err := json.Marshal(pubJwk)
	if err != nil {
		return "", err
	}

	var pubMap map[string]any
	if err := json.Unmarshal(b, &pubMap); err != nil {
		return "", err
	}

	now := time.Now()

	claims := jwt.MapClaims{
		"jti": uuid.NewString(),
		"htm": method,
		"htu": requestUrl,
		"iat": now.Unix(),
		"exp": now.Add(dpopProofLifetime).Unix(),
	}

	if nonce != "" {
		claims["nonce"] = nonce
	}

	if accessToken != "" {
		claims["ath"] = helpers.S256CodeChallenge(accessToken)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["typ"] = "dpop+jwt"
	token.Header["alg"] = "ES256"
	token.Header["jwk"] = pubMap

	var rawKey any
	if err := privateJwk.Raw(&rawKey); err != nil {
		return "", err
	}

	tokenString, err := token.SignedString(rawKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign dpop proof: %w", err)
	}

	return tokenString, nil
}

// signedRequest is one DPoP-authorized HTTP exchange. Body is kept as bytes
// so the nonce retry can replay it.
type signedRequest struct {
	method      string
	url         string
	body        []byte
	contentType string
	accessToken string
	headers     map[string]string
}

// doSigned sends a DPoP-signed request, honoring the nonce-challenge
// protocol: if the server rejects the proof and supplies a DPoP-Nonce
// header, the proof is regenerated with the nonce embedded and the request
// retried exactly once. The response body is fully read and replaced so
// callers can decode it regardless of which attempt produced it. The
// returned nonce is whatever was in effect after the final attempt and
// should be persisted by the caller.
func (c *Client) doSigned(ctx context.Context, sr signedRequest, privateJwk jwk.Key, nonce string) (*http.Response, string, error) {
	var resp *http.Response

	for attempt := range 2 {
		proof, err := DpopProof(sr.method, sr.url, nonce, sr.accessToken, privateJwk)
		if err != nil {
			return nil, nonce, err
		}

		var body io.Reader
		if sr.body != nil {
			body = bytes.NewReader(sr.body)
		}

		req, err := http.NewRequestWithContext(ctx, sr.method, sr.url, body)
		if err != nil {
			return nil, nonce, err
		}

		if sr.contentType != "" {
			req.Header.Set("Content-Type", sr.contentType)
		}
		req.Header.Set("DPoP", proof)
		if sr.accessToken != "" {
			req.Header.Set("Authorization", fmt.Sprintf("DPoP %s", sr.accessToken))
		}
		for k, v := range sr.headers {
			req.Header.Set(k, v)
		}

		resp, err = c.h.Do(req)
		if err != nil {
			return nil, nonce, err
		}

		b, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, nonce, fmt.Errorf("could not read response body: %w", err)
		}
		resp.Body = io.NopCloser(bytes.NewReader(b))

		if serverNonce := resp.Header.Get("DPoP-Nonce"); serverNonce != "" {
			if attempt == 0 && isNonceChallenge(resp.StatusCode, b) {
				nonce = serverNonce
				continue
			}
			nonce = serverNonce
		}

		break
	}

	return resp, nonce, nil
}

// isNonceChallenge reports whether a response body is the protocol-mandated
// demand for a fresh proof carrying the server nonce. A second challenge on
// the retried request is treated as a plain failure, never another retry.
func isNonceChallenge(status int, body []byte) bool {
	if status != http.StatusBadRequest && status != http.StatusUnauthorized {
		return false
	}

	var rmap map[string]any
	if err := json.Unmarshal(body, &rmap); err != nil {
		// resource servers signal the challenge without a JSON body
		return status == http.StatusUnauthorized
	}

	return rmap["error"] == "use_dpop_nonce"
}

package oauth

import (
	"context"
	"net/http"
	"strings"

	"github.com/lestrrat-go/jwx/v2/jwk"
)

// AuthedRequestArgs is the per-session material needed to authorize a
// request against the user's PDS.
type AuthedRequestArgs struct {
	Did            string
	AccessToken    string
	PdsUrl         string
	DpopPdsNonce   string
	DpopPrivateJwk jwk.Key
}

// AuthedResponse pairs the HTTP response with the PDS nonce in effect after
// the exchange, which the caller should persist for the next request.
type AuthedResponse struct {
	Resp         *http.Response
	DpopPdsNonce string
}

// AuthedRequest sends a DPoP-authorized request to the user's PDS. The proof
// binds the access token via its ath claim, and a server nonce challenge is
// answered with exactly one re-signed retry. Token expiry is not handled
// here; callers that want refresh-and-retry should go through their session
// manager.
func (c *Client) AuthedRequest(ctx context.Context, args *AuthedRequestArgs, method, requestUrl string, headers map[string]string, body []byte) (*AuthedResponse, error) {
	contentType := ""
	if body != nil {
		contentType = "application/json"
	}

	resp, nonce, err := c.doSigned(ctx, signedRequest{
		method:      method,
		url:         requestUrl,
		body:        body,
		contentType: contentType,
		accessToken: args.AccessToken,
		headers:     headers,
	}, args.DpopPrivateJwk, args.DpopPdsNonce)
	if err != nil {
		return nil, err
	}

	return &AuthedResponse{
		Resp:         resp,
		DpopPdsNonce: nonce,
	}, nil
}

// IsExpiredTokenResp reports whether a resource-server response rejected the
// access token for being expired or otherwise invalid, which is the signal
// for a one-shot refresh-and-retry.
func IsExpiredTokenResp(resp *http.Response) bool {
	if resp.StatusCode != http.StatusUnauthorized {
		return false
	}

	wwwAuth := resp.Header.Get("WWW-Authenticate")
	return strings.Contains(wwwAuth, `error="invalid_token"`)
}

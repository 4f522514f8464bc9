package oauth

import (
	"crypto/ecdsa"
	"fmt"
	"net/url"

	"github.com/lestrrat-go/jwx/v2/jwk"
)

// isSafeAndParsed rejects URLs an attacker-controlled discovery document
// could use to redirect requests somewhere untrusted. Plain http is allowed
// only when the client was built with AllowHTTP (development and tests).
func (c *Client) isSafeAndParsed(ustr string) (*url.URL, error) {
	u, err := url.Parse(ustr)
	if err != nil {
		return nil, err
	}

	if u.Scheme != "https" && !c.allowHTTP {
		return nil, fmt.Errorf("input url is not https")
	}

	if u.Hostname() == "" {
		return nil, fmt.Errorf("url hostname was empty")
	}

	if u.User != nil {
		return nil, fmt.Errorf("url user was not empty")
	}

	return u, nil
}

func getPrivateKey(key jwk.Key) (*ecdsa.PrivateKey, error) {
	var pkey ecdsa.PrivateKey
	if err := key.Raw(&pkey); err != nil {
		return nil, err
	}

	return &pkey, nil
}

// ParseKeyFromBytes loads a private JWK from its stored JSON form.
func ParseKeyFromBytes(b []byte) (jwk.Key, error) {
	return jwk.ParseKey(b)
}

type JwksResponseObject struct {
	Keys []jwk.Key `json:"keys"`
}

func CreateJwksResponseObject(key jwk.Key) *JwksResponseObject {
	return &JwksResponseObject{
		Keys: []jwk.Key{key},
	}
}

// Package identity resolves a user-supplied handle or DID to the identity's
// durable DID and the URL of the PDS hosting the account.
package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"unicode"

	"github.com/bluesky-social/indigo/atproto/syntax"
)

// Identity is the result of resolution, fixed for the rest of a flow.
type Identity struct {
	Did    string
	Handle string
	PdsUrl string
}

type Resolver struct {
	h *http.Client

	// PlcDirectoryUrl overrides the default did:plc directory, mainly for
	// tests.
	PlcDirectoryUrl string
}

func NewResolver(h *http.Client) *Resolver {
	if h == nil {
		h = http.DefaultClient
	}

	return &Resolver{
		h:               h,
		PlcDirectoryUrl: "https://plc.directory",
	}
}

// Normalize strips control and invisible characters from a raw identifier
// and case-folds handles. DIDs are case-sensitive past the method prefix and
// pass through with only the cleanup applied.
func Normalize(raw string) string {
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) || unicode.Is(unicode.Cf, r) {
			return -1
		}
		return r
	}, strings.TrimSpace(raw))

	if strings.HasPrefix(strings.ToLower(cleaned), "did:") {
		return cleaned
	}

	return strings.ToLower(cleaned)
}

// Resolve turns a handle or DID into a full identity. Handles are resolved
// to a DID first, then the DID document is fetched to find the PDS. Any
// failure is surfaced immediately; retry policy belongs to the caller.
func (r *Resolver) Resolve(ctx context.Context, identifier string) (*Identity, error) {
	identifier = Normalize(identifier)

	var did, handle string

	if _, err := syntax.ParseDID(identifier); err == nil {
		did = identifier
	} else if _, err := syntax.ParseHandle(identifier); err == nil {
		handle = identifier

		maybeDid, err := r.ResolveHandle(ctx, handle)
		if err != nil {
			return nil, err
		}
		did = maybeDid
	} else {
		return nil, fmt.Errorf("identifier is neither a valid handle nor a did: %q", identifier)
	}

	service, err := r.ResolveService(ctx, did)
	if err != nil {
		return nil, err
	}

	return &Identity{
		Did:    did,
		Handle: handle,
		PdsUrl: service,
	}, nil
}

// ResolveHandle finds the DID for a handle, preferring the _atproto DNS TXT
// record and falling back to the well-known HTTPS document.
func (r *Resolver) ResolveHandle(ctx context.Context, handle string) (string, error) {
	var did string

	if _, err := syntax.ParseHandle(handle); err != nil {
		return "", err
	}

	recs, err := net.LookupTXT(fmt.Sprintf("_atproto.%s", handle))
	if err == nil {
		for _, rec := range recs {
			if strings.HasPrefix(rec, "did=") {
				did = strings.TrimPrefix(rec, "did=")
				break
			}
		}
	}

	if did == "" {
		req, err := http.NewRequestWithContext(
			ctx,
			"GET",
			fmt.Sprintf("https://%s/.well-known/atproto-did", handle),
			nil,
		)
		if err != nil {
			return "", err
		}

		resp, err := r.h.Do(req)
		if err != nil {
			return "", err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			io.Copy(io.Discard, resp.Body)
			return "", fmt.Errorf("unable to resolve handle %q", handle)
		}

		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return "", err
		}

		maybeDid := strings.TrimSpace(string(b))
		if _, err := syntax.ParseDID(maybeDid); err != nil {
			return "", fmt.Errorf("unable to resolve handle %q", handle)
		}

		did = maybeDid
	}

	return did, nil
}

// ResolveService fetches the DID document and returns the #atproto_pds
// service endpoint.
func (r *Resolver) ResolveService(ctx context.Context, did string) (string, error) {
	type didDoc struct {
		Service []struct {
			ID              string `json:"id"`
			Type            string `json:"type"`
			ServiceEndpoint string `json:"serviceEndpoint"`
		} `json:"service"`
	}

	var ustr string
	switch {
	case strings.HasPrefix(did, "did:plc:"):
		ustr = fmt.Sprintf("%s/%s", r.PlcDirectoryUrl, did)
	case strings.HasPrefix(did, "did:web:"):
		ustr = fmt.Sprintf("https://%s/.well-known/did.json", strings.TrimPrefix(did, "did:web:"))
	default:
		return "", fmt.Errorf("did method not supported: %q", did)
	}

	req, err := http.NewRequestWithContext(ctx, "GET", ustr, nil)
	if err != nil {
		return "", err
	}

	resp, err := r.h.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return "", fmt.Errorf("could not find identity %q in directory", did)
	}

	var doc didDoc
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return "", err
	}

	var service string
	for _, svc := range doc.Service {
		if svc.ID == "#atproto_pds" {
			service = svc.ServiceEndpoint
		}
	}

	if service == "" {
		return "", fmt.Errorf("could not find atproto_pds service in did document for %q", did)
	}

	return service, nil
}

package proxy

import (
	"fmt"
	"net/http"

	"github.com/swapgate/swapgate/internal/config"
)

// Headers carrying credentials. Never relayed in either direction unless
// the backend uses the passthrough scheme.
var authHeaders = []string{"Authorization", "X-Api-Key"}

// hop-by-hop headers per RFC 9110 §7.6.1; never forwarded.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// applyAuth prepares the outbound header set for a backend. For api_key
// and bearer schemes the client's own credentials are stripped and the
// proxy-held credential injected; for passthrough the original headers
// pass unmodified. Returns an error when a required credential resolves
// to empty at send time (e.g. unset environment variable).
func applyAuth(h http.Header, b config.Backend) error {
	if b.Auth == config.AuthPassthrough {
		return nil
	}

	for _, name := range authHeaders {
		h.Del(name)
	}

	cred := b.Credential()
	if cred == "" {
		source := b.APIKeyEnv
		if source == "" {
			source = "api_key"
		}
		return fmt.Errorf("backend %q: credential %s is not set", b.Name, source)
	}

	switch b.Auth {
	case config.AuthAPIKey:
		h.Set("X-Api-Key", cred)
	case config.AuthBearer:
		h.Set("Authorization", "Bearer "+cred)
	}
	return nil
}

// sanitizeInbound copies the client's headers, dropping hop-by-hop
// headers and anything the transport recomputes.
func sanitizeInbound(src http.Header) http.Header {
	out := make(http.Header, len(src))
	for k, vv := range src {
		for _, v := range vv {
			out.Add(k, v)
		}
	}
	for _, name := range hopByHopHeaders {
		out.Del(name)
	}
	out.Del("Host")
	out.Del("Content-Length")
	// Constrain upstream compression to encodings we can decode for
	// observation; the client's own preference is irrelevant because
	// rewritten bodies are re-sent identity-encoded anyway.
	out.Set("Accept-Encoding", "gzip, br")
	return out
}

// sanitizeOutbound filters upstream response headers before relaying
// them to the client. Auth headers are stripped unless passthrough;
// hop-by-hop headers never cross.
func sanitizeOutbound(dst, src http.Header, b config.Backend) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
	for _, name := range hopByHopHeaders {
		dst.Del(name)
	}
	if b.Auth != config.AuthPassthrough {
		for _, name := range authHeaders {
			dst.Del(name)
		}
	}
}

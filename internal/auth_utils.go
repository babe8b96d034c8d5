package internal

import (
	"net/http"
	"strings"
)

// CredentialFromRequest extracts a bearer credential from a connect request.
//
// Sources are consulted in fixed priority order: the explicit query
// parameter first (so test clients can embed tokens in the URL), then an
// Authorization header, then a subprotocol-encoded token. The first
// non-empty credential wins; lower-priority sources are not inspected.
func CredentialFromRequest(r *http.Request) (credential string, fromSubprotocol bool) {
	if token := r.URL.Query().Get(QueryParamToken); token != "" {
		return token, false
	}

	if token := BearerCredential(r.Header.Get(HeaderAuthorization)); token != "" {
		return token, false
	}

	if token := SubprotocolCredential(r.Header.Get("Sec-WebSocket-Protocol")); token != "" {
		return token, true
	}

	return "", false
}

// BearerCredential strips the "Bearer " scheme off an Authorization header
// value. Returns "" for any other scheme or an empty header.
func BearerCredential(header string) string {
	if len(header) <= len(BearerPrefix) {
		return ""
	}
	if !strings.EqualFold(header[:len(BearerPrefix)], BearerPrefix) {
		return ""
	}
	return strings.TrimSpace(header[len(BearerPrefix):])
}

// SubprotocolCredential finds a token carried in the offered websocket
// subprotocols. Clients that cannot set headers (browsers) offer
// "bearer, bearer.token.<credential>" and the gateway accepts the
// "bearer" subprotocol in its handshake response.
func SubprotocolCredential(header string) string {
	if header == "" {
		return ""
	}

	for _, proto := range strings.Split(header, ",") {
		proto = strings.TrimSpace(proto)
		if strings.HasPrefix(proto, SubprotocolTokenPrefix) {
			return proto[len(SubprotocolTokenPrefix):]
		}
	}
	return ""
}

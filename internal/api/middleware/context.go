package middleware

import (
	"net"
	"net/http"
)

// clientID identifies the caller for rate limiting: the remote IP, since
// the public API authenticates by request signature rather than per-key
// credentials.
func clientID(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

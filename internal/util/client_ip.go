package util

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP returns the direct peer address of r. The desk API is served
// locally, so forwarded headers are never trusted.
func ClientIP(r *http.Request) string {
	addr := strings.TrimSpace(r.RemoteAddr)
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	if ip := net.ParseIP(strings.TrimSpace(host)); ip != nil {
		return ip.String()
	}
	return addr
}

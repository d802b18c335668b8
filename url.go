package bridge

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

const (
	BridgePath = "/storage-bridge.html"
	SocketPath = "/storage-bridge/ws"
)

var ErrInvalidHost = errors.New("invalid host")

func isLoopback(hostname string) bool {
	return hostname == "localhost" || hostname == "127.0.0.1"
}

// CanonicalDomain returns the last two labels of hostname, e.g.
// shop1.example.com -> example.com.
func CanonicalDomain(hostname string) (string, error) {
	hostname = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(hostname)), ".")
	if hostname == "" {
		return "", fmt.Errorf("%w: empty hostname", ErrInvalidHost)
	}
	labels := strings.Split(hostname, ".")
	if len(labels) < 2 {
		return "", fmt.Errorf("%w: %q has no parent domain", ErrInvalidHost, hostname)
	}
	for _, l := range labels {
		if l == "" {
			return "", fmt.Errorf("%w: %q", ErrInvalidHost, hostname)
		}
	}
	return strings.Join(labels[len(labels)-2:], "."), nil
}

// BridgeURL derives the bridge page URL for a page served from host, which
// may carry a port. Loopback hosts keep host and port; everything else maps
// to https on the canonical domain.
func BridgeURL(host string) (*url.URL, error) {
	hostname, port := host, ""
	if h, p, err := net.SplitHostPort(host); err == nil {
		hostname, port = h, p
	}
	hostname = strings.ToLower(hostname)

	if isLoopback(hostname) {
		if port != "" {
			hostname = net.JoinHostPort(hostname, port)
		}
		return &url.URL{Scheme: "http", Host: hostname, Path: BridgePath}, nil
	}

	canonical, err := CanonicalDomain(hostname)
	if err != nil {
		return nil, err
	}
	return &url.URL{Scheme: "https", Host: canonical, Path: BridgePath}, nil
}

// SocketURL maps a bridge page URL to the host's websocket endpoint.
func SocketURL(page *url.URL) *url.URL {
	u := *page
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = SocketPath
	u.RawQuery = ""
	u.Fragment = ""
	return &u
}

// OriginFor builds the origin string a page on host presents to the bridge.
func OriginFor(host string) string {
	hostname := host
	if h, _, err := net.SplitHostPort(host); err == nil {
		hostname = h
	}
	if isLoopback(strings.ToLower(hostname)) {
		return "http://" + host
	}
	return "https://" + host
}

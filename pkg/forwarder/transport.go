package forwarder

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// transportKind identifies which wire protocol an upstream address requires.
type transportKind int

const (
	transportUDP transportKind = iota
	transportDoT
	transportDoH
	transportDoQ
)

func (k transportKind) String() string {
	switch k {
	case transportUDP:
		return "udp"
	case transportDoT:
		return "dot"
	case transportDoH:
		return "doh"
	case transportDoQ:
		return "doq"
	default:
		return "unknown"
	}
}

// resolvedUpstream is an upstream address parsed into its transport and the
// address/URL a client for that transport needs to dial.
type resolvedUpstream struct {
	raw     string // the configured string, used as the map key for health tracking
	kind    transportKind
	addr    string // host:port for udp/tcp/tls/quic
	rawURL  string // full URL for doh
	sni     string // TLS server name (DoT/DoQ)
}

// resolveUpstream parses a configured upstream entry into a transport and
// dial target. Bare "host[:port]" strings (the teacher's only supported
// form) keep resolving to plain UDP with TCP fallback on truncation. A
// scheme prefix selects DoT, DoH or DoQ per the server's supported upstream
// transports.
func resolveUpstream(upstream string) (resolvedUpstream, error) {
	switch {
	case strings.HasPrefix(upstream, "tls://"):
		hostport := strings.TrimPrefix(upstream, "tls://")
		host, addr, err := splitSNI(hostport, "853")
		if err != nil {
			return resolvedUpstream{}, fmt.Errorf("invalid DoT upstream %q: %w", upstream, err)
		}
		return resolvedUpstream{raw: upstream, kind: transportDoT, addr: addr, sni: host}, nil

	case strings.HasPrefix(upstream, "https://"):
		u, err := url.Parse(upstream)
		if err != nil {
			return resolvedUpstream{}, fmt.Errorf("invalid DoH upstream %q: %w", upstream, err)
		}
		if u.Path == "" {
			u.Path = "/dns-query"
		}
		return resolvedUpstream{raw: upstream, kind: transportDoH, rawURL: u.String(), sni: u.Hostname()}, nil

	case strings.HasPrefix(upstream, "quic://"):
		hostport := strings.TrimPrefix(upstream, "quic://")
		host, addr, err := splitSNI(hostport, "853")
		if err != nil {
			return resolvedUpstream{}, fmt.Errorf("invalid DoQ upstream %q: %w", upstream, err)
		}
		return resolvedUpstream{raw: upstream, kind: transportDoQ, addr: addr, sni: host}, nil

	default:
		addr := ensurePort(upstream, "53")
		return resolvedUpstream{raw: upstream, kind: transportUDP, addr: addr}, nil
	}
}

// ensurePort appends defaultPort if hostport has none.
func ensurePort(hostport, defaultPort string) string {
	if _, _, err := net.SplitHostPort(hostport); err != nil {
		return net.JoinHostPort(hostport, defaultPort)
	}
	return hostport
}

// splitSNI separates a tls://host[:port] or quic://host[:port] target into
// the SNI hostname (always unqualified, no port) and the dial address.
func splitSNI(hostport, defaultPort string) (sni, addr string, err error) {
	host, port, splitErr := net.SplitHostPort(hostport)
	if splitErr != nil {
		// No port present - whole string is the host.
		host = hostport
		port = defaultPort
	}
	if host == "" {
		return "", "", fmt.Errorf("missing host")
	}
	return host, net.JoinHostPort(host, port), nil
}

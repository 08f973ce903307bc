package forwarder

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/miekg/dns"
)

// exchangeDoT performs a DNS-over-TLS exchange (RFC 7858) using a
// miekg/dns tcp-tls client, the same client mode the server's own DoT
// listener is tested against in dot_integration_test.go. Each call opens a
// fresh TLS connection; the forwarder's circuit breaker and retry loop
// already bound how often a down upstream gets dialed, so there is no need
// for routedns-style persistent pipelining here.
func exchangeDoT(ctx context.Context, up resolvedUpstream, r *dns.Msg, timeout time.Duration, insecureSkipVerify bool) (*dns.Msg, time.Duration, error) {
	client := &dns.Client{
		Net:     "tcp-tls",
		Timeout: timeout,
		TLSConfig: &tls.Config{
			ServerName:         up.sni,
			InsecureSkipVerify: insecureSkipVerify,
		},
	}
	return client.ExchangeContext(ctx, r, up.addr)
}

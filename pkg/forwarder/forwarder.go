// Package forwarder implements upstream DNS forwarding with conditional
// rules, per-transport connection handling and circuit-breaker failover.
package forwarder

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"foredns/pkg/config"
	"foredns/pkg/logging"

	"github.com/miekg/dns"
)

// Forwarder handles forwarding DNS queries to upstream servers over
// whichever transport each upstream's address selects: plain UDP (with TCP
// fallback on truncation), DNS-over-TLS, DNS-over-HTTPS or DNS-over-QUIC.
type Forwarder struct {
	clientPool         sync.Pool
	dohClient          *http.Client
	logger             *logging.Logger
	upstreams          []string
	resolved           map[string]resolvedUpstream
	health             *UpstreamHealth // Circuit breaker for each upstream
	timeout            time.Duration
	retries            int
	insecureSkipVerify bool
	index              atomic.Uint32
}

// NewForwarder creates a new DNS forwarder
func NewForwarder(cfg *config.Config, logger *logging.Logger) *Forwarder {
	if len(cfg.UpstreamDNSServers) == 0 {
		// Default to Cloudflare and Google DNS
		cfg.UpstreamDNSServers = []string{"1.1.1.1:53", "8.8.8.8:53"}
	}

	upstreams := make([]string, len(cfg.UpstreamDNSServers))
	resolved := make(map[string]resolvedUpstream, len(cfg.UpstreamDNSServers))
	for i, upstream := range cfg.UpstreamDNSServers {
		ru, err := resolveUpstream(upstream)
		if err != nil {
			logger.Error("Skipping unparseable upstream", "upstream", upstream, "error", err)
			ru = resolvedUpstream{raw: upstream, kind: transportUDP, addr: ensurePort(upstream, "53")}
		}
		upstreams[i] = ru.raw
		resolved[ru.raw] = ru
	}

	// Apply circuit breaker defaults. 60s is the disable window a
	// transport gets after its fifth consecutive failure.
	cbCfg := cfg.Forwarder.CircuitBreaker
	if cbCfg.FailureThreshold == 0 {
		cbCfg.FailureThreshold = 5
	}
	if cbCfg.SuccessThreshold == 0 {
		cbCfg.SuccessThreshold = 2
	}
	if cbCfg.TimeoutSeconds == 0 {
		cbCfg.TimeoutSeconds = 60
	}
	// Circuit breaker enabled by default
	if !cbCfg.Enabled && cbCfg.FailureThreshold == 0 {
		cbCfg.Enabled = true
	}

	f := &Forwarder{
		upstreams:          upstreams,
		resolved:           resolved,
		timeout:            2 * time.Second, // 2s per-transport timeout
		retries:            2,               // N=2 candidates tried before SERVFAIL
		logger:             logger,
		insecureSkipVerify: cfg.Forwarder.InsecureSkipVerify,
	}

	// Initialize circuit breaker health tracking
	if cbCfg.Enabled {
		f.health = NewUpstreamHealth(upstreams, CircuitBreakerConfig{
			Enabled:          cbCfg.Enabled,
			FailureThreshold: cbCfg.FailureThreshold,
			SuccessThreshold: cbCfg.SuccessThreshold,
			TimeoutSeconds:   cbCfg.TimeoutSeconds,
		})
		logger.Info("Circuit breaker initialized",
			"failure_threshold", cbCfg.FailureThreshold,
			"success_threshold", cbCfg.SuccessThreshold,
			"timeout_seconds", cbCfg.TimeoutSeconds)
	}

	// Pool of plain UDP clients; DoT/DoH/DoQ build their own per-call
	// clients since they carry TLS/HTTP state keyed by upstream.
	f.clientPool.New = func() any {
		return &dns.Client{
			Net:     "udp",
			Timeout: f.timeout,
		}
	}

	f.dohClient = &http.Client{
		Timeout: f.timeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: f.insecureSkipVerify},
		},
	}

	logger.Info("Forwarder initialized",
		"upstreams", upstreams,
		"timeout", f.timeout,
		"retries", f.retries,
		"circuit_breaker", cbCfg.Enabled,
	)

	return f
}

// Forward forwards a DNS query across the configured upstream pool,
// selecting upstreams by round-robin health-filtered rotation.
func (f *Forwarder) Forward(ctx context.Context, r *dns.Msg) (*dns.Msg, error) {
	if len(f.upstreams) == 0 {
		return nil, fmt.Errorf("no upstream DNS servers configured")
	}
	return f.forwardLoop(ctx, r, "default_forward", len(f.upstreams), func(attempt int) (string, error) {
		return f.selectUpstream()
	})
}

// ForwardWithUpstreams forwards a DNS query to a specific list of upstream
// servers, used by conditional forwarding rules that route particular
// domains/clients/query-types to a different upstream set than the default
// pool.
func (f *Forwarder) ForwardWithUpstreams(ctx context.Context, r *dns.Msg, upstreams []string) (*dns.Msg, error) {
	if len(upstreams) == 0 {
		return nil, fmt.Errorf("no upstream DNS servers provided")
	}
	f.ensureResolved(upstreams)
	return f.forwardLoop(ctx, r, "conditional_forward", len(upstreams), func(attempt int) (string, error) {
		return upstreams[attempt%len(upstreams)], nil
	})
}

// forwardLoop runs the shared retry/circuit-breaker/transport-dispatch path
// used by both the default pool and conditional-forwarding upstream sets.
// next selects which upstream string to try on a given attempt index;
// candidateCount bounds how many distinct attempts are worth making.
func (f *Forwarder) forwardLoop(ctx context.Context, r *dns.Msg, label string, candidateCount int, next func(attempt int) (string, error)) (*dns.Msg, error) {
	attempts := min(f.retries, max(candidateCount, 1))
	var lastErr error

	for i := 0; i < attempts; i++ {
		upstream, err := next(i)
		if err != nil {
			f.logger.Error("No healthy upstreams available", "error", err)
			return nil, err
		}

		f.logger.Debug("Forwarding DNS query",
			"domain", questionName(r),
			"type", questionType(r),
			"upstream", upstream,
			"attempt", i+1,
			"kind", label,
		)

		resp, rtt, queryErr := f.exchangeWithBreaker(ctx, upstream, r)
		if queryErr != nil {
			f.logger.Warn("Upstream query failed",
				"upstream", upstream,
				"error", queryErr,
				"attempt", i+1,
			)
			lastErr = queryErr
			continue
		}
		if resp == nil {
			lastErr = fmt.Errorf("received nil response from %s", upstream)
			if f.health != nil {
				f.health.RecordResult(upstream, lastErr)
			}
			continue
		}

		// ANY valid DNS response should be returned immediately.
		// Don't treat SERVFAIL/NXDOMAIN as errors - they're valid DNS responses!
		// Only transport failures trigger a retry against the next candidate.
		f.logger.Debug("Upstream query succeeded",
			"upstream", upstream,
			"domain", questionName(r),
			"rcode", dns.RcodeToString[resp.Rcode],
			"rtt", rtt,
			"answers", len(resp.Answer),
		)
		return resp, nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("all upstream servers failed: %w", lastErr)
	}
	return nil, fmt.Errorf("all upstream servers failed")
}

// exchangeWithBreaker dispatches a single query to one upstream, choosing
// its wire transport by scheme (tls://, https://, quic://, or bare
// host[:port] for UDP with TCP fallback), wrapped in that upstream's
// circuit breaker when health tracking is enabled.
func (f *Forwarder) exchangeWithBreaker(ctx context.Context, upstream string, r *dns.Msg) (*dns.Msg, time.Duration, error) {
	var resp *dns.Msg
	var rtt time.Duration

	call := func() error {
		var exchangeErr error
		resp, rtt, exchangeErr = f.exchange(ctx, upstream, r)
		return exchangeErr
	}

	if f.health != nil {
		if breaker := f.health.GetBreaker(upstream); breaker != nil {
			return resp, rtt, breaker.Call(call)
		}
	}
	return resp, rtt, call()
}

// exchange performs one query against one upstream using the transport its
// scheme selects.
func (f *Forwarder) exchange(ctx context.Context, upstream string, r *dns.Msg) (*dns.Msg, time.Duration, error) {
	ru, ok := f.resolved[upstream]
	if !ok {
		var err error
		ru, err = resolveUpstream(upstream)
		if err != nil {
			return nil, 0, err
		}
	}

	switch ru.kind {
	case transportDoT:
		return exchangeDoT(ctx, ru, r, f.timeout, f.insecureSkipVerify)
	case transportDoH:
		return exchangeDoH(ctx, f.dohClient, ru, r, f.timeout)
	case transportDoQ:
		return exchangeDoQ(ctx, ru, r, f.timeout, f.insecureSkipVerify)
	default:
		return f.exchangeUDP(ctx, ru, r)
	}
}

// exchangeUDP performs a plain UDP exchange, retrying over TCP when the
// response is truncated or exceeds the UDP message size the server
// advertised - the classic fallback every stub resolver implements.
func (f *Forwarder) exchangeUDP(ctx context.Context, ru resolvedUpstream, r *dns.Msg) (*dns.Msg, time.Duration, error) {
	client := f.clientPool.Get().(*dns.Client)
	defer f.clientPool.Put(client)

	resp, rtt, err := client.ExchangeContext(ctx, r, ru.addr)
	if err != nil {
		return nil, rtt, err
	}
	if resp != nil && resp.Truncated {
		f.logger.Debug("UDP response truncated, retrying over TCP", "upstream", ru.addr)
		tcpClient := &dns.Client{Net: "tcp", Timeout: f.timeout}
		return tcpClient.ExchangeContext(ctx, r, ru.addr)
	}
	return resp, rtt, nil
}

// selectUpstream selects the next upstream server using round-robin
func (f *Forwarder) selectUpstream() (string, error) {
	upstreams := f.upstreams
	if f.health != nil {
		upstreams = f.health.GetHealthyUpstreams(f.upstreams)
		if len(upstreams) == 0 {
			return "", ErrNoHealthyUpstreams
		}
	}

	// #nosec G115 - Conversion is safe: len(upstreams) will never exceed uint32 max
	upstreamCount := uint32(len(upstreams))
	if upstreamCount == 0 {
		return "", fmt.Errorf("no upstreams available")
	}
	idx := f.index.Add(1) % upstreamCount
	return upstreams[idx], nil
}

// ensureResolved parses any upstream strings not already known (e.g. ones
// supplied only via a conditional-forwarding rule) so exchange() can
// dispatch them by transport.
func (f *Forwarder) ensureResolved(upstreams []string) {
	for _, u := range upstreams {
		if _, ok := f.resolved[u]; ok {
			continue
		}
		ru, err := resolveUpstream(u)
		if err != nil {
			f.logger.Error("Skipping unparseable conditional upstream", "upstream", u, "error", err)
			continue
		}
		f.resolved[u] = ru
	}
}

// SetTimeout sets the query timeout duration
func (f *Forwarder) SetTimeout(timeout time.Duration) {
	f.timeout = timeout
}

// SetRetries sets the number of retry attempts
func (f *Forwarder) SetRetries(retries int) {
	f.retries = retries
}

// SetInsecureSkipVerify disables upstream TLS/QUIC certificate verification.
// Intended for lab environments pointed at a self-signed DoT/DoQ/DoH
// upstream; never enable this against a real recursive resolver.
func (f *Forwarder) SetInsecureSkipVerify(skip bool) {
	f.insecureSkipVerify = skip
	f.dohClient = &http.Client{
		Timeout: f.timeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: skip},
		},
	}
}

// Upstreams returns the list of configured upstream servers
func (f *Forwarder) Upstreams() []string {
	return f.upstreams
}

func questionName(r *dns.Msg) string {
	if len(r.Question) == 0 {
		return ""
	}
	return r.Question[0].Name
}

func questionType(r *dns.Msg) string {
	if len(r.Question) == 0 {
		return ""
	}
	return dns.TypeToString[r.Question[0].Qtype]
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

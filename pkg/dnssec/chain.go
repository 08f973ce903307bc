package dnssec

import (
	"context"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// maxChainDepth bounds the DS walk per spec §4.7: exceeding it is Bogus
// rather than an infinite climb.
const maxChainDepth = 10

// Resolver fetches DNSKEY/DS material for a zone the validator doesn't
// already have in-hand (e.g. the signer wasn't included in the original
// response). Satisfied by wrapping forwarder.Forwarder.Forward.
type Resolver interface {
	Query(ctx context.Context, qname string, qtype uint16) (*dns.Msg, error)
}

// TrustAnchor is one configured DS acting as a chain-of-trust starting
// point, matching config.DNSSECTrustAnchor.
type TrustAnchor struct {
	Zone       string
	KeyTag     uint16
	Algorithm  uint8
	DigestType uint8
	Digest     string
}

// Validator validates RRSIGs and walks chains of trust for the resolution
// pipeline.
type Validator struct {
	resolver Resolver
	anchors  []TrustAnchor
	requireChain bool
}

func NewValidator(resolver Resolver, anchors []TrustAnchor, requireChain bool) *Validator {
	return &Validator{resolver: resolver, anchors: anchors, requireChain: requireChain}
}

// Validate checks every RRSIG covering msg's answer RRset, then (if
// requireChain) walks the DS chain from the signer up to a configured
// trust anchor. It returns the overall state as a plain string (Secure,
// Insecure, Bogus, Indeterminate, or insecure-algo) so callers like
// pkg/dns.Handler can depend on it through a narrow interface without
// importing this package's types; the pipeline maps the result to
// AD-bit/SERVFAIL handling per spec §4.2 rule 11.
func (v *Validator) Validate(ctx context.Context, msg *dns.Msg) (string, error) {
	res := v.validate(ctx, msg)
	return string(res.State), nil
}

// ValidateDetailed is the same check as Validate, returning the full
// Result (including the human-readable reason) for callers within this
// module tree that want more than the bare state string, e.g. metrics/
// logging call sites.
func (v *Validator) ValidateDetailed(ctx context.Context, msg *dns.Msg) Result {
	return v.validate(ctx, msg)
}

func (v *Validator) validate(ctx context.Context, msg *dns.Msg) Result {
	if len(msg.Question) == 0 {
		return indet("no question section")
	}

	rrsigs, answered := splitRRSIGs(msg.Answer)
	if len(answered) == 0 {
		return v.validateDenial(msg)
	}
	if len(rrsigs) == 0 {
		return indet("no RRSIG in answer section")
	}

	signerName := rrsigs[0].SignerName
	keys, err := v.fetchDNSKEYs(ctx, signerName)
	if err != nil {
		return indet("failed to fetch DNSKEY: " + err.Error())
	}
	if len(keys) == 0 {
		return indet("no DNSKEY available for signer " + signerName)
	}

	now := time.Now()
	res := verifyRRSet(rrsigs, keys, answered, now)
	if res.State != Secure {
		return res
	}

	if !v.requireChain {
		return res
	}

	return v.walkChain(ctx, signerName, keys)
}

// walkChain climbs from signerName toward a configured trust anchor,
// verifying each parent's DS RRset matches the child zone's KSK, per
// spec §4.7's chain-of-trust procedure.
func (v *Validator) walkChain(ctx context.Context, zone string, childKeys []*dns.DNSKEY) Result {
	if anchor := v.matchAnchor(zone); anchor != nil {
		if dsMatchesAnchor(childKeys, *anchor) {
			return ok(Secure)
		}
		return bogus("no DNSKEY matches the configured trust anchor for " + zone)
	}

	current := zone
	keys := childKeys
	for depth := 0; depth < maxChainDepth; depth++ {
		parent := parentZone(current)
		if parent == "" {
			// Reached the root without a configured anchor; accepted per
			// spec §4.7 ("root KSK out of scope ... accepted if root is
			// reached").
			return ok(Secure)
		}

		dsMsg, err := v.resolver.Query(ctx, parent, dns.TypeDS)
		if err != nil {
			return indet("failed to fetch DS for " + parent + ": " + err.Error())
		}
		dsSet := extractDS(dsMsg.Answer, current)
		if len(dsSet) == 0 {
			return insecure("no DS published for " + current)
		}

		if !anyDSMatchesKeys(dsSet, keys) {
			return bogus("DS at " + parent + " does not match KSK for " + current)
		}

		if anchor := v.matchAnchor(parent); anchor != nil {
			return ok(Secure)
		}

		parentKeys, err := v.fetchDNSKEYs(ctx, parent)
		if err != nil || len(parentKeys) == 0 {
			return indet("failed to fetch DNSKEY for " + parent)
		}
		current = parent
		keys = parentKeys
	}

	return bogus("chain of trust exceeded max depth")
}

func (v *Validator) matchAnchor(zone string) *TrustAnchor {
	zone = dns.Fqdn(strings.ToLower(zone))
	for i := range v.anchors {
		if dns.Fqdn(strings.ToLower(v.anchors[i].Zone)) == zone {
			return &v.anchors[i]
		}
	}
	return nil
}

func dsMatchesAnchor(keys []*dns.DNSKEY, anchor TrustAnchor) bool {
	for _, k := range keys {
		if k.KeyTag() != anchor.KeyTag || k.Algorithm != anchor.Algorithm {
			continue
		}
		ds := k.ToDS(int(anchor.DigestType))
		if ds != nil && strings.EqualFold(ds.Digest, anchor.Digest) {
			return true
		}
	}
	return false
}

func anyDSMatchesKeys(dsSet []*dns.DS, keys []*dns.DNSKEY) bool {
	for _, ds := range dsSet {
		for _, k := range keys {
			if k.KeyTag() != ds.KeyTag || k.Algorithm != ds.Algorithm {
				continue
			}
			computed := k.ToDS(int(ds.DigestType))
			if computed != nil && strings.EqualFold(computed.Digest, ds.Digest) {
				return true
			}
		}
	}
	return false
}

func extractDS(rrs []dns.RR, owner string) []*dns.DS {
	owner = dns.Fqdn(strings.ToLower(owner))
	var out []*dns.DS
	for _, rr := range rrs {
		ds, ok := rr.(*dns.DS)
		if !ok {
			continue
		}
		if dns.Fqdn(strings.ToLower(ds.Header().Name)) != owner {
			continue
		}
		out = append(out, ds)
	}
	return out
}

func (v *Validator) fetchDNSKEYs(ctx context.Context, zone string) ([]*dns.DNSKEY, error) {
	msg, err := v.resolver.Query(ctx, zone, dns.TypeDNSKEY)
	if err != nil {
		return nil, err
	}
	var keys []*dns.DNSKEY
	for _, rr := range msg.Answer {
		if k, ok := rr.(*dns.DNSKEY); ok {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// parentZone returns the immediate parent of an FQDN, or "" at the root.
func parentZone(zone string) string {
	zone = dns.Fqdn(zone)
	labels := dns.SplitDomainName(zone)
	if len(labels) <= 1 {
		return ""
	}
	return dns.Fqdn(strings.Join(labels[1:], "."))
}

// splitRRSIGs separates RRSIG records from the RRset they cover.
func splitRRSIGs(rrs []dns.RR) ([]*dns.RRSIG, []dns.RR) {
	var sigs []*dns.RRSIG
	var rest []dns.RR
	for _, rr := range rrs {
		if sig, ok := rr.(*dns.RRSIG); ok {
			sigs = append(sigs, sig)
			continue
		}
		rest = append(rest, rr)
	}
	return sigs, rest
}

package dnssec

import (
	"time"

	"github.com/miekg/dns"
)

// algoSupported reports whether this validator implements the RRSIG's
// signing algorithm. Ed448 (16) is the spec's one MAY-be-unsupported
// algorithm; anything else unrecognised by miekg/dns itself is also
// treated as unsupported rather than bogus.
func algoSupported(alg uint8) bool {
	switch alg {
	case dns.RSASHA1, dns.RSASHA1NSEC3SHA1, dns.RSASHA256, dns.RSASHA512,
		dns.ECDSAP256SHA256, dns.ECDSAP384SHA384, dns.ED25519:
		return true
	default:
		return false
	}
}

// verifyRRSIG checks one RRSIG against a candidate DNSKEY and the RRset it
// covers, per spec §4.7's four-step procedure. It defers the actual
// cryptographic math to miekg/dns's own RRSIG.Verify (RSA/ECDSA/Ed25519
// over Go's standard crypto/rsa, crypto/ecdsa, crypto/ed25519, crypto/sha1,
// crypto/sha256, crypto/sha512), the same primitives this validator would
// otherwise hand-roll, so step 3's canonicalisation and signature check are
// the library's, not reimplemented here.
func verifyRRSIG(rrsig *dns.RRSIG, key *dns.DNSKEY, rrset []dns.RR, now time.Time) Result {
	if !algoSupported(rrsig.Algorithm) {
		return Result{State: InsecureAlgo, Reason: "unsupported algorithm " + dns.AlgorithmToString[rrsig.Algorithm]}
	}

	if key.KeyTag() != rrsig.KeyTag || key.Algorithm != rrsig.Algorithm {
		return bogus("DNSKEY key tag/algorithm does not match RRSIG")
	}

	nowWire := timeToWire(now)
	if !within(nowWire, rrsig.Inception, rrsig.Expiration) {
		if before(nowWire, rrsig.Inception) {
			return bogus("RRSIG inception is in the future")
		}
		return bogus("RRSIG has expired")
	}

	if err := rrsig.Verify(key, rrset); err != nil {
		return bogus("signature verification failed: " + err.Error())
	}

	return ok(Secure)
}

// timeToWire converts a time.Time to the RRSIG inception/expiration's
// 32-bit wire encoding (seconds since epoch, modulo 2^32).
func timeToWire(t time.Time) uint32 {
	return uint32(t.Unix())
}

// within compares wire-format (mod 2^32) timestamps using RFC 1982 serial
// arithmetic, since inception/expiration can wrap around the 32-bit epoch.
func within(now, inception, expiration uint32) bool {
	return !before(now, inception) && !before(expiration, now)
}

func before(a, b uint32) bool {
	return int32(a-b) < 0
}

// verifyRRSet checks that at least one RRSIG in sigs covering rrset's type
// and a matching DNSKEY in keys verifies successfully, per spec §4.7 rule
// 4: one successful verification suffices.
func verifyRRSet(sigs []*dns.RRSIG, keys []*dns.DNSKEY, rrset []dns.RR, now time.Time) Result {
	if len(sigs) == 0 {
		return indet("no RRSIG covers this RRset")
	}

	var lastResult Result
	haveCandidate := false
	for _, sig := range sigs {
		for _, key := range keys {
			if key.KeyTag() != sig.KeyTag || key.Algorithm != sig.Algorithm {
				continue
			}
			haveCandidate = true
			res := verifyRRSIG(sig, key, rrset, now)
			if res.State == Secure {
				return res
			}
			lastResult = res
		}
	}
	if !haveCandidate {
		return indet("no DNSKEY matches any covering RRSIG's key tag/algorithm")
	}
	return lastResult
}

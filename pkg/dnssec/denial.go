package dnssec

import (
	"crypto/sha1"
	"encoding/hex"
	"strings"

	"github.com/miekg/dns"
)

// validateDenial checks NSEC/NSEC3 authenticated denial for NXDOMAIN and
// NODATA responses (empty answer section), per spec §4.7: NSEC must cover
// the qname between owner and next-owner; NSEC3 must match the hashed
// qname within its iteration/salt parameters.
func (v *Validator) validateDenial(msg *dns.Msg) Result {
	qname := dns.Fqdn(strings.ToLower(msg.Question[0].Name))

	nsecs := filterRRType[*dns.NSEC](msg.Ns)
	nsec3s := filterRRType[*dns.NSEC3](msg.Ns)

	if len(nsecs) == 0 && len(nsec3s) == 0 {
		return indet("no NSEC/NSEC3 in authority section for denial")
	}

	for _, n := range nsecs {
		if nsecCovers(n, qname) {
			return ok(Secure)
		}
	}
	for _, n := range nsec3s {
		if nsec3Covers(n, qname) {
			return ok(Secure)
		}
	}

	return bogus("NSEC/NSEC3 records present do not cover the queried name")
}

func filterRRType[T dns.RR](rrs []dns.RR) []T {
	var out []T
	for _, rr := range rrs {
		if t, ok := rr.(T); ok {
			out = append(out, t)
		}
	}
	return out
}

// nsecCovers reports whether qname falls strictly between an NSEC's owner
// and its Next Domain Name in canonical ordering (or the owner is the
// zone's last name, wrapping back to the apex).
func nsecCovers(n *dns.NSEC, qname string) bool {
	owner := dns.Fqdn(strings.ToLower(n.Header().Name))
	next := dns.Fqdn(strings.ToLower(n.NextDomain))

	if owner == qname {
		// Exact-owner NSEC proves NODATA (the qtype isn't in n.TypeBitMap),
		// which the pipeline already knows since the answer was empty.
		return true
	}

	if canonicalLess(next, owner) {
		// Last NSEC in the zone: covers owner < qname, or qname < next
		// (wraps around past the zone apex).
		return canonicalLess(owner, qname) || canonicalLess(qname, next)
	}

	return canonicalLess(owner, qname) && canonicalLess(qname, next)
}

// canonicalLess orders two domain names per RFC 4034 §6.1: compare labels
// right-to-left (least significant label first), each label as lower-cased
// octets.
func canonicalLess(a, b string) bool {
	la := dns.SplitDomainName(dns.Fqdn(strings.ToLower(a)))
	lb := dns.SplitDomainName(dns.Fqdn(strings.ToLower(b)))

	for i, j := len(la)-1, len(lb)-1; i >= 0 && j >= 0; i, j = i-1, j-1 {
		if la[i] != lb[j] {
			return la[i] < lb[j]
		}
	}
	return len(la) < len(lb)
}

// nsec3Covers reports whether the NSEC3's owner (the base32hex-encoded
// hash) covers the hash of qname under the record's own iteration/salt
// parameters.
func nsec3Covers(n *dns.NSEC3, qname string) bool {
	hashed := strings.ToUpper(hashNSEC3(qname, n.Salt, int(n.Iterations)))
	owner := strings.ToUpper(strings.TrimSuffix(n.Header().Name, "."))
	if idx := strings.IndexByte(owner, '.'); idx >= 0 {
		owner = owner[:idx]
	}
	next := strings.ToUpper(n.NextDomain)

	if owner == hashed {
		return true
	}
	if next < owner {
		return owner < hashed || hashed < next
	}
	return owner < hashed && hashed < next
}

// hashNSEC3 computes the NSEC3 hash per RFC 5155 §5: iterations rounds of
// SHA-1 over name ∥ salt, base32hex encoded without padding.
func hashNSEC3(name, salt string, iterations int) string {
	var saltBytes []byte
	if salt != "" && salt != "-" {
		if b, err := hex.DecodeString(salt); err == nil {
			saltBytes = b
		}
	}

	wireName := canonicalWireName(name)
	h := sha1.Sum(append(append([]byte{}, wireName...), saltBytes...))
	digest := h[:]
	for i := 0; i < iterations; i++ {
		sum := sha1.Sum(append(append([]byte{}, digest...), saltBytes...))
		digest = sum[:]
	}
	return base32HexNoPad(digest)
}

func canonicalWireName(name string) []byte {
	name = dns.Fqdn(strings.ToLower(name))
	buf := make([]byte, 255)
	off, err := dns.PackDomainName(name, buf, 0, nil, false)
	if err != nil {
		return []byte(name)
	}
	return buf[:off]
}

func base32HexNoPad(b []byte) string {
	const alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUV"
	var sb strings.Builder
	var buf uint64
	bits := 0
	for _, by := range b {
		buf = (buf << 8) | uint64(by)
		bits += 8
		for bits >= 5 {
			bits -= 5
			sb.WriteByte(alphabet[(buf>>uint(bits))&0x1F])
		}
	}
	if bits > 0 {
		sb.WriteByte(alphabet[(buf<<uint(5-bits))&0x1F])
	}
	return sb.String()
}

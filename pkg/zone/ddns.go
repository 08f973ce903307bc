package zone

import (
	"context"
	"fmt"

	"foredns/pkg/storage"

	"github.com/miekg/dns"
)

// HandleUpdate processes an RFC 2136 dynamic update message: it checks the
// prerequisite section (carried in req.Answer) against the live zone data,
// then applies the update section (req.Ns) as one atomic batch against the
// repository, bumping the zone serial on success. buf is the raw wire bytes,
// needed for TSIG verification; an unsigned/unauthorized update returns
// NOTAUTH per RFC 2845.
func (e *Engine) HandleUpdate(ctx context.Context, buf []byte, req *dns.Msg) *dns.Msg {
	reply := new(dns.Msg)
	reply.SetReply(req)

	if len(req.Question) != 1 {
		reply.Rcode = dns.RcodeFormatError
		return reply
	}
	qname := req.Question[0].Name

	snap := e.current.Load()
	zd := snap.findZone(qname)
	if zd == nil {
		reply.Rcode = dns.RcodeNotAuth
		return reply
	}
	if !zd.allowDDNS {
		reply.Rcode = dns.RcodeRefused
		return reply
	}

	_, ok, err := e.tsig.Verify(ctx, buf, req, zd.id)
	if err != nil {
		reply.Rcode = dns.RcodeServerFailure
		return reply
	}
	if !ok {
		reply.Rcode = dns.RcodeNotAuth
		return reply
	}

	if rc := e.checkPrerequisites(zd, req.Answer); rc != dns.RcodeSuccess {
		reply.Rcode = rc
		return reply
	}

	if rc := validateUpdateSection(qname, req.Ns); rc != dns.RcodeSuccess {
		reply.Rcode = rc
		return reply
	}

	newSerial := zd.serial + 1
	for _, rr := range req.Ns {
		rec, op, perr := rrToZoneRecordOp(zd.id, rr)
		if perr != nil {
			reply.Rcode = dns.RcodeFormatError
			return reply
		}
		switch op {
		case "add":
			if err := e.repo.PutZoneRecord(ctx, rec, newSerial); err != nil {
				e.logger.Error("DDNS update failed", "zone", zd.name, "error", err)
				reply.Rcode = dns.RcodeServerFailure
				return reply
			}
		case "delete":
			if err := e.repo.DeleteZoneRecord(ctx, rec, newSerial); err != nil {
				e.logger.Error("DDNS update failed", "zone", zd.name, "error", err)
				reply.Rcode = dns.RcodeServerFailure
				return reply
			}
		}
	}

	if err := e.Reload(ctx); err != nil {
		e.logger.Error("DDNS post-update reload failed", "zone", zd.name, "error", err)
	}

	reply.Rcode = dns.RcodeSuccess
	return reply
}

// checkPrerequisites validates the RFC 2136 §2.4 prerequisite section
// against the current, pre-update zone contents.
func (e *Engine) checkPrerequisites(zd *zoneData, prereqs []dns.RR) int {
	for _, rr := range prereqs {
		hdr := rr.Header()
		owner := dns.Fqdn(hdr.Name)
		byType, exists := zd.byName[owner]

		switch hdr.Class {
		case dns.ClassANY:
			if hdr.Rrtype == dns.TypeANY {
				if !exists {
					return dns.RcodeNameError
				}
				continue
			}
			if !exists {
				return dns.RcodeNXRrset
			}
			if _, ok := byType[hdr.Rrtype]; !ok {
				return dns.RcodeNXRrset
			}
		case dns.ClassNONE:
			if hdr.Rrtype == dns.TypeANY {
				if exists {
					return dns.RcodeYXDomain
				}
				continue
			}
			if exists {
				if _, ok := byType[hdr.Rrtype]; ok {
					return dns.RcodeYXRrset
				}
			}
		default:
			// RRset-exists (value dependent): every listed RR must be present.
			if !exists {
				return dns.RcodeNXRrset
			}
			recs, ok := byType[hdr.Rrtype]
			if !ok {
				return dns.RcodeNXRrset
			}
			found := false
			for _, r := range recs {
				if dns.IsDuplicate(r.rr, rr) {
					found = true
					break
				}
			}
			if !found {
				return dns.RcodeNXRrset
			}
		}
	}
	return dns.RcodeSuccess
}

// validateUpdateSection enforces RFC 2136 §3.4's zone-section constraints:
// every update RR's owner name must be within the zone being updated.
func validateUpdateSection(zone string, updates []dns.RR) int {
	for _, rr := range updates {
		if !dns.IsSubDomain(zone, rr.Header().Name) {
			return dns.RcodeNotZone
		}
	}
	return dns.RcodeSuccess
}

// rrToZoneRecordOp classifies one update-section RR per RFC 2136 §3.4.2
// and converts it into a storage.ZoneRecord mutation.
func rrToZoneRecordOp(zoneID int64, rr dns.RR) (*storage.ZoneRecord, string, error) {
	hdr := rr.Header()

	rec := &storage.ZoneRecord{
		ZoneID: zoneID,
		Name:   hdr.Name,
		Type:   dns.TypeToString[hdr.Rrtype],
		TTL:    hdr.Ttl,
	}

	switch hdr.Class {
	case dns.ClassINET:
		rdata, err := rdataString(rr)
		if err != nil {
			return nil, "", err
		}
		rec.RData = rdata
		return rec, "add", nil
	case dns.ClassANY:
		// Delete an RRset (TypeANY) or all RRsets at the name (TypeANY +
		// TypeANY) — rdata is empty either way.
		return rec, "delete", nil
	case dns.ClassNONE:
		rdata, err := rdataString(rr)
		if err != nil {
			return nil, "", err
		}
		rec.RData = rdata
		return rec, "delete", nil
	default:
		return nil, "", fmt.Errorf("unsupported update RR class %d", hdr.Class)
	}
}

// rdataString renders an RR's data portion the same way storage.ZoneRecord
// stores it, by stripping the owner/ttl/class/type prefix miekg/dns's String
// includes.
func rdataString(rr dns.RR) (string, error) {
	full := rr.String()
	hdr := rr.Header()
	prefix := fmt.Sprintf("%s\t%d\t%s\t%s\t", hdr.Name, hdr.Ttl, dns.ClassToString[hdr.Class], dns.TypeToString[hdr.Rrtype])
	if len(full) <= len(prefix) {
		return "", fmt.Errorf("cannot extract rdata from %q", full)
	}
	return full[len(prefix):], nil
}

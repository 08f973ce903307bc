package dns

import (
	"context"

	"github.com/miekg/dns"
)

// serveFromZone answers domain/qtype from the authoritative zone engine, if
// any zone covers it. It runs ahead of policy/blocklist evaluation: once a
// zone claims authority for a name, local truth wins over ad/tracker
// filtering or forwarding decisions for that name.
func (h *Handler) serveFromZone(w dns.ResponseWriter, r *dns.Msg, msg *dns.Msg, domain string, qtype uint16, outcome *serveDNSOutcome) bool {
	if h.ZoneEngine == nil || !h.ZoneEngine.IsAuthoritative(domain) {
		return false
	}

	result := h.ZoneEngine.Lookup(domain, qtype)
	msg.Answer = result.Answer
	msg.Ns = result.Ns
	msg.Extra = result.Extra
	msg.Rcode = result.Rcode
	outcome.responseCode = result.Rcode
	h.writeMsg(w, msg)
	return true
}

// serveZoneTransferOrUpdate dispatches AXFR, IXFR, and RFC 2136 dynamic
// update messages straight to the zone engine, bypassing normal question
// resolution entirely.
func (h *Handler) serveZoneTransferOrUpdate(ctx context.Context, w dns.ResponseWriter, r *dns.Msg, rawMsg []byte) bool {
	if h.ZoneEngine == nil || len(r.Question) == 0 {
		return false
	}

	switch r.Question[0].Qtype {
	case dns.TypeAXFR:
		if err := h.ZoneEngine.HandleAXFR(w, r); err != nil && h.Logger != nil {
			h.Logger.Error("AXFR failed", "zone", r.Question[0].Name, "error", err)
		}
		return true
	case dns.TypeIXFR:
		repo, ok := h.zoneRepository()
		if !ok {
			reply := new(dns.Msg)
			reply.SetRcode(r, dns.RcodeNotImplemented)
			h.writeMsg(w, reply)
			return true
		}
		if err := h.ZoneEngine.HandleIXFR(ctx, w, r, repo); err != nil && h.Logger != nil {
			h.Logger.Error("IXFR failed", "zone", r.Question[0].Name, "error", err)
		}
		return true
	}

	if r.Opcode == dns.OpcodeUpdate {
		reply := h.ZoneEngine.HandleUpdate(ctx, rawMsg, r)
		h.writeMsg(w, reply)
		return true
	}

	return false
}

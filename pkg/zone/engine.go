package zone

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"foredns/pkg/config"
	"foredns/pkg/logging"
	"foredns/pkg/storage"

	"github.com/miekg/dns"
)

// snapshot is the immutable, atomically-swapped view of every loaded zone.
type snapshot struct {
	zones map[string]*zoneData // FQDN -> data
}

func emptySnapshot() *snapshot {
	return &snapshot{zones: map[string]*zoneData{}}
}

// Engine owns the authoritative zone set and reloads it from a
// storage.ZoneRepository. It also brokers AXFR/IXFR transfers and DDNS
// updates against that same repository.
type Engine struct {
	cfg     *config.ZoneConfig
	repo    storage.ZoneRepository
	logger  *logging.Logger
	current atomic.Pointer[snapshot]

	tsig *tsigVerifier
}

// NewEngine creates a zone engine. repo may be nil (or fail the
// storage.ZoneRepository assertion at the call site) if the storage
// backend doesn't carry zone tables; the engine then answers nothing
// authoritatively.
func NewEngine(cfg *config.ZoneConfig, logger *logging.Logger, repo storage.ZoneRepository) *Engine {
	e := &Engine{
		cfg:    cfg,
		repo:   repo,
		logger: logger,
	}
	e.current.Store(emptySnapshot())
	e.tsig = newTSIGVerifier(cfg, repo, logger)
	return e
}

// Reload reloads every zone and its records from the repository.
func (e *Engine) Reload(ctx context.Context) error {
	if e.repo == nil {
		e.current.Store(emptySnapshot())
		return nil
	}

	zones, err := e.repo.ListZones(ctx)
	if err != nil {
		return fmt.Errorf("list zones: %w", err)
	}

	snap := &snapshot{zones: make(map[string]*zoneData, len(zones))}
	for _, z := range zones {
		if !z.Enabled {
			continue
		}
		recs, err := e.repo.GetZoneRecords(ctx, z.ID)
		if err != nil {
			return fmt.Errorf("load records for zone %s: %w", z.Name, err)
		}
		zd, err := newZoneData(z, recs)
		if err != nil {
			e.logger.Warn("Skipping zone with unparseable records", "zone", z.Name, "error", err)
			continue
		}
		snap.zones[zd.name] = zd
	}

	e.current.Store(snap)
	e.logger.Info("Zone set reloaded", "zones", len(snap.zones))
	return nil
}

// findZone implements longest-suffix zone matching: qname must be an FQDN.
func (s *snapshot) findZone(qname string) *zoneData {
	q := dns.Fqdn(strings.ToLower(qname))
	var best *zoneData
	for name, zd := range s.zones {
		if strings.HasSuffix(q, name) {
			if best == nil || len(name) > len(best.name) {
				best = zd
			}
		}
	}
	return best
}

// IsAuthoritative reports whether qname falls within any loaded zone.
func (e *Engine) IsAuthoritative(qname string) bool {
	return e.current.Load().findZone(qname) != nil
}

const maxCNAMEFollows = 5

// Lookup answers qname/qtype against the authoritative zone set per §4.6:
// AA set, NXDOMAIN when the name exists nowhere in the zone, NOERROR with
// empty answer + SOA authority when the name exists but not the qtype, and
// CNAME following bounded to maxCNAMEFollows hops.
func (e *Engine) Lookup(qname string, qtype uint16) LookupResult {
	snap := e.current.Load()
	zd := snap.findZone(qname)
	if zd == nil {
		return LookupResult{}
	}

	result := LookupResult{
		Zone:      zd.name,
		Authority: true,
		ZoneID:    zd.id,
		AllowAXFR: zd.allowAXFR,
		AllowDDNS: zd.allowDDNS,
	}

	name := dns.Fqdn(strings.ToLower(qname))
	byType, nameExists := zd.byName[name]
	if !nameExists {
		result.Rcode = dns.RcodeNameError
		addSOAAuthority(&result, zd)
		return result
	}

	if qtype == dns.TypeANY {
		for t, recs := range byType {
			if t == dns.TypeOPT {
				continue
			}
			for _, r := range recs {
				result.Answer = append(result.Answer, r.rr)
			}
		}
	} else if recs, ok := byType[qtype]; ok {
		for _, r := range recs {
			result.Answer = append(result.Answer, r.rr)
		}
	} else if cnames, ok := byType[dns.TypeCNAME]; ok && len(cnames) > 0 {
		result.Answer = append(result.Answer, cnames[0].rr)
		if cname, ok := cnames[0].rr.(*dns.CNAME); ok {
			followCNAME(snap, &result, qtype, cname.Target, 1)
		}
	}

	if len(result.Answer) == 0 {
		result.Rcode = dns.RcodeSuccess
		addSOAAuthority(&result, zd)
		return result
	}

	result.Rcode = dns.RcodeSuccess
	addAuthorityAndGlue(&result, zd)
	return result
}

func followCNAME(snap *snapshot, result *LookupResult, qtype uint16, target string, depth int) {
	if depth > maxCNAMEFollows {
		return
	}
	zd := snap.findZone(target)
	if zd == nil {
		return
	}
	name := dns.Fqdn(strings.ToLower(target))
	byType, ok := zd.byName[name]
	if !ok {
		return
	}
	if recs, ok := byType[qtype]; ok {
		for _, r := range recs {
			result.Answer = append(result.Answer, r.rr)
		}
		return
	}
	if cnames, ok := byType[dns.TypeCNAME]; ok && len(cnames) > 0 {
		result.Answer = append(result.Answer, cnames[0].rr)
		if cname, ok := cnames[0].rr.(*dns.CNAME); ok {
			followCNAME(snap, result, qtype, cname.Target, depth+1)
		}
	}
}

func addSOAAuthority(result *LookupResult, zd *zoneData) {
	if zd.soa != nil {
		result.Ns = append(result.Ns, zd.soa)
	}
}

func addAuthorityAndGlue(result *LookupResult, zd *zoneData) {
	for _, ns := range zd.ns {
		result.Ns = append(result.Ns, ns)
		owner := dns.Fqdn(strings.ToLower(ns.Ns))
		if recs, ok := zd.byName[owner]; ok {
			result.Extra = append(result.Extra, recordsOfType(recs, dns.TypeA)...)
			result.Extra = append(result.Extra, recordsOfType(recs, dns.TypeAAAA)...)
		}
	}
	for _, rr := range result.Answer {
		var target string
		switch v := rr.(type) {
		case *dns.MX:
			target = v.Mx
		case *dns.SRV:
			target = v.Target
		}
		if target == "" {
			continue
		}
		owner := dns.Fqdn(strings.ToLower(target))
		if recs, ok := zd.byName[owner]; ok {
			result.Extra = append(result.Extra, recordsOfType(recs, dns.TypeA)...)
			result.Extra = append(result.Extra, recordsOfType(recs, dns.TypeAAAA)...)
		}
	}
}

func recordsOfType(byType map[uint16][]record, rrtype uint16) []dns.RR {
	recs, ok := byType[rrtype]
	if !ok {
		return nil
	}
	out := make([]dns.RR, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.rr)
	}
	return out
}

// Package zone implements the authoritative zone engine: longest-suffix
// zone matching, NXDOMAIN/NODATA/CNAME-following answers, AXFR/IXFR zone
// transfers with TSIG authentication, and RFC 2136 dynamic updates. Zone
// data is loaded from a storage.ZoneRepository and swapped atomically on
// Reload, mirroring the blocklist engine's snapshot idiom.
package zone

import (
	"sort"
	"strconv"
	"strings"

	"foredns/pkg/storage"

	"github.com/miekg/dns"
)

// record wraps a parsed RR with the storage row it came from, so DDNS and
// zone-transfer history can be associated back to a zone_changes serial.
type record struct {
	row *storage.ZoneRecord
	rr  dns.RR
}

// zoneData holds one zone's fully parsed record set, indexed by owner name
// and RR type for O(1) lookup, plus the NS/SOA records authority answers
// need.
type zoneData struct {
	id        int64
	name      string // FQDN, lowercased
	enabled   bool
	allowAXFR bool
	allowDDNS bool
	serial    uint32

	// owner name -> rrtype -> records
	byName map[string]map[uint16][]record
	names  []string // sorted owner names, for NSEC synthesis
	soa    *dns.SOA
	ns     []*dns.NS
}

// LookupResult is the outcome of resolving a qname/qtype against the
// authoritative zone set.
type LookupResult struct {
	Zone       string
	Authority  bool // true if any zone is authoritative for qname
	Rcode      int  // dns.RcodeSuccess, dns.RcodeNameError
	Answer     []dns.RR
	Ns         []dns.RR
	Extra      []dns.RR
	ZoneID     int64
	AllowAXFR  bool
	AllowDDNS  bool
}

func newZoneData(z *storage.Zone, recs []*storage.ZoneRecord) (*zoneData, error) {
	zd := &zoneData{
		id:        z.ID,
		name:      dns.Fqdn(strings.ToLower(z.Name)),
		enabled:   z.Enabled,
		allowAXFR: z.AllowAXFR,
		allowDDNS: z.AllowDDNS,
		serial:    z.Serial,
		byName:    make(map[string]map[uint16][]record),
	}

	for _, r := range recs {
		rrText := r.Name + " " + strconv.FormatUint(uint64(r.TTL), 10) + " IN " + r.Type + " " + r.RData
		rr, err := dns.NewRR(rrText)
		if err != nil {
			continue
		}
		zd.add(record{row: r, rr: rr})
	}

	names := make([]string, 0, len(zd.byName))
	for n := range zd.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	zd.names = names

	return zd, nil
}

func (zd *zoneData) add(rec record) {
	name := dns.Fqdn(strings.ToLower(rec.rr.Header().Name))
	if zd.byName[name] == nil {
		zd.byName[name] = make(map[uint16][]record)
	}
	rrtype := rec.rr.Header().Rrtype
	zd.byName[name][rrtype] = append(zd.byName[name][rrtype], rec)

	switch v := rec.rr.(type) {
	case *dns.SOA:
		zd.soa = v
	case *dns.NS:
		zd.ns = append(zd.ns, v)
	}
}

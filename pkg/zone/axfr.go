package zone

import (
	"context"
	"sort"
	"strconv"

	"foredns/pkg/storage"

	"github.com/miekg/dns"
)

// Message-size thresholds for batching transfer envelopes. Mirrors the
// estimate-then-verify approach used by large zone transfer implementations:
// cheap per-RR estimates drive most decisions, with an accurate repack only
// when the running estimate crosses accurateCheckThreshold.
const (
	safeMessageSize        = 59000
	accurateCheckThreshold = 55000
	checkBatchInterval     = 50
)

// HandleAXFR answers an inbound AXFR request by streaming the full zone,
// SOA-first and SOA-last, batched to stay under the safe message size. req
// must already have passed ACL/TSIG authentication; rawReq is the original
// wire bytes, required if a TSIG record must be verified here rather than by
// the caller.
func (e *Engine) HandleAXFR(w dns.ResponseWriter, req *dns.Msg) error {
	qname := req.Question[0].Name
	snap := e.current.Load()
	zd := snap.findZone(qname)
	if zd == nil || zd.soa == nil {
		m := new(dns.Msg)
		m.SetRcode(req, dns.RcodeNameError)
		return w.WriteMsg(m)
	}
	if !zd.allowAXFR {
		m := new(dns.Msg)
		m.SetRcode(req, dns.RcodeRefused)
		return w.WriteMsg(m)
	}

	e.logger.Info("Starting AXFR", "zone", zd.name, "client", w.RemoteAddr().String())

	tr := new(dns.Transfer)
	ch := make(chan *dns.Envelope)

	go func() {
		defer close(ch)

		soa := dns.Copy(zd.soa)
		records := make([]dns.RR, 0)
		for _, byType := range zd.byName {
			for rrtype, recs := range byType {
				if rrtype == dns.TypeSOA {
					continue
				}
				for _, r := range recs {
					records = append(records, dns.Copy(r.rr))
				}
			}
		}
		sort.Slice(records, func(i, j int) bool {
			return records[i].Header().Name < records[j].Header().Name
		})

		batch := make([]dns.RR, 0, checkBatchInterval)
		flush := func() {
			if len(batch) == 0 {
				return
			}
			ch <- &dns.Envelope{RR: batch}
			batch = make([]dns.RR, 0, checkBatchInterval)
		}

		ch <- &dns.Envelope{RR: []dns.RR{soa}}
		estimatedSize := 0
		for _, r := range records {
			rrSize := estimateRRSize(r)
			if estimatedSize+rrSize >= safeMessageSize || (estimatedSize >= accurateCheckThreshold && len(batch)%checkBatchInterval == 0 && len(batch) > 0) {
				if actual := estimateEnvelopeSize(batch); actual >= safeMessageSize {
					flush()
					estimatedSize = 0
				}
			}
			batch = append(batch, r)
			estimatedSize += rrSize
		}
		flush()
		ch <- &dns.Envelope{RR: []dns.RR{soa}}
	}()

	return tr.Out(w, req, ch)
}

func estimateRRSize(rr dns.RR) int {
	msg := new(dns.Msg)
	msg.Answer = []dns.RR{rr}
	packed, err := msg.Pack()
	if err != nil {
		return 200
	}
	if len(packed) > 12 {
		return len(packed) - 12
	}
	return len(packed)
}

func estimateEnvelopeSize(rrs []dns.RR) int {
	if len(rrs) == 0 {
		return 0
	}
	msg := new(dns.Msg)
	msg.Answer = rrs
	packed, err := msg.Pack()
	if err != nil {
		return len(rrs) * 100
	}
	return len(packed)
}

// HandleIXFR answers an inbound IXFR request. If the client's serial is
// current, or no change history is retained back to that serial, it falls
// back to a full AXFR (RFC 1995 §4's "whole zone as one AXFR" fallback).
// Otherwise it streams SOA, the differential changes newest-bounded by
// cfg.IXFRMaxChanges, and the final SOA.
func (e *Engine) HandleIXFR(ctx context.Context, w dns.ResponseWriter, req *dns.Msg, repo storage.ZoneRepository) error {
	qname := req.Question[0].Name
	snap := e.current.Load()
	zd := snap.findZone(qname)
	if zd == nil || zd.soa == nil {
		m := new(dns.Msg)
		m.SetRcode(req, dns.RcodeNameError)
		return w.WriteMsg(m)
	}
	if !zd.allowAXFR {
		m := new(dns.Msg)
		m.SetRcode(req, dns.RcodeRefused)
		return w.WriteMsg(m)
	}

	var clientSerial uint32
	if len(req.Ns) > 0 {
		if soa, ok := req.Ns[0].(*dns.SOA); ok {
			clientSerial = soa.Serial
		}
	}

	if clientSerial == zd.serial {
		m := new(dns.Msg)
		m.SetReply(req)
		m.Answer = []dns.RR{dns.Copy(zd.soa)}
		return w.WriteMsg(m)
	}

	maxChanges := e.cfg.IXFRMaxChanges
	if maxChanges <= 0 {
		maxChanges = 1000
	}

	oldest, haveHistory, err := repo.OldestRetainedSerial(ctx, zd.id)
	if err != nil || !haveHistory || serialLess(clientSerial, oldest) {
		e.logger.Info("IXFR falling back to AXFR: no retained history for requested serial", "zone", zd.name, "client_serial", clientSerial)
		return e.HandleAXFR(w, req)
	}

	changes, err := repo.GetZoneChangesSince(ctx, zd.id, clientSerial)
	if err != nil {
		return err
	}
	if len(changes) == 0 || len(changes) > maxChanges {
		return e.HandleAXFR(w, req)
	}

	tr := new(dns.Transfer)
	ch := make(chan *dns.Envelope)
	go func() {
		defer close(ch)
		soa := dns.Copy(zd.soa)
		ch <- &dns.Envelope{RR: []dns.RR{soa}}

		// Group changes by the serial they transitioned to, each group
		// framed as an old-SOA-delete / new-SOA-add IXFR delta per RFC 1995.
		bySerial := map[uint32][]*storage.ZoneChange{}
		order := make([]uint32, 0)
		for _, c := range changes {
			if _, ok := bySerial[c.Serial]; !ok {
				order = append(order, c.Serial)
			}
			bySerial[c.Serial] = append(bySerial[c.Serial], c)
		}
		sort.Slice(order, func(i, j int) bool { return serialLess(order[i], order[j]) })

		fromSerial := clientSerial
		for _, serial := range order {
			group := bySerial[serial]
			oldSOA := dns.Copy(soa).(*dns.SOA)
			oldSOA.Serial = fromSerial
			newSOA := dns.Copy(soa).(*dns.SOA)
			newSOA.Serial = serial

			var dels, adds []dns.RR
			for _, c := range group {
				rr, err := changeToRR(c)
				if err != nil {
					continue
				}
				if c.Op == "delete" {
					dels = append(dels, rr)
				} else {
					adds = append(adds, rr)
				}
			}

			env := []dns.RR{oldSOA}
			env = append(env, dels...)
			env = append(env, newSOA)
			env = append(env, adds...)
			ch <- &dns.Envelope{RR: env}
			fromSerial = serial
		}

		ch <- &dns.Envelope{RR: []dns.RR{soa}}
	}()

	return tr.Out(w, req, ch)
}

func changeToRR(c *storage.ZoneChange) (dns.RR, error) {
	return dns.NewRR(c.Name + " " + strconv.FormatUint(uint64(c.TTL), 10) + " IN " + c.Type + " " + c.RData)
}

// serialLess compares zone serials with RFC 1982 sequence-space semantics.
func serialLess(a, b uint32) bool {
	return int32(a-b) < 0
}

package forwarder

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/miekg/dns"
	"github.com/quic-go/quic-go"
)

// doqNoError is the QUIC application error code for a clean DoQ stream
// close, per RFC 9250 section 5.
const doqNoError = 0x00

// exchangeDoQ performs a DNS-over-QUIC exchange (RFC 9250): dial a QUIC
// connection advertising the "doq" ALPN, open one bidirectional stream per
// query, write a 2-byte length-prefixed message, close the write side, and
// read the length-prefixed answer back. The message ID travels as zero on
// the wire and is restored on the reply, and the edns-tcp-keepalive option
// is never sent or accepted, matching the RFC's wire requirements.
func exchangeDoQ(ctx context.Context, up resolvedUpstream, r *dns.Msg, timeout time.Duration, insecureSkipVerify bool) (*dns.Msg, time.Duration, error) {
	start := time.Now()

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	tlsConf := &tls.Config{
		ServerName:         up.sni,
		InsecureSkipVerify: insecureSkipVerify,
		NextProtos:         []string{"doq"},
	}

	conn, err := quic.DialAddr(dialCtx, up.addr, tlsConf, &quic.Config{HandshakeIdleTimeout: timeout})
	if err != nil {
		return nil, time.Since(start), fmt.Errorf("DoQ dial failed: %w", err)
	}
	defer func() { _ = conn.CloseWithError(doqNoError, "") }()

	stream, err := conn.OpenStreamSync(dialCtx)
	if err != nil {
		return nil, time.Since(start), fmt.Errorf("DoQ open stream failed: %w", err)
	}

	qc := r.Copy()
	qc.Id = 0 // DNS message ID MUST be zero over DoQ (RFC 9250 section 4.2.1)
	stripEDNS0TCPKeepalive(qc)

	packed, err := qc.Pack()
	if err != nil {
		return nil, time.Since(start), fmt.Errorf("pack DoQ query: %w", err)
	}

	framed := make([]byte, 2+len(packed))
	binary.BigEndian.PutUint16(framed, uint16(len(packed)))
	copy(framed[2:], packed)

	if deadline, ok := dialCtx.Deadline(); ok {
		_ = stream.SetDeadline(deadline)
	}

	if _, err := stream.Write(framed); err != nil {
		return nil, time.Since(start), fmt.Errorf("DoQ write failed: %w", err)
	}
	if err := stream.Close(); err != nil { // one write per stream; signal done sending
		return nil, time.Since(start), fmt.Errorf("DoQ stream close failed: %w", err)
	}

	var length uint16
	if err := binary.Read(stream, binary.BigEndian, &length); err != nil {
		return nil, time.Since(start), fmt.Errorf("DoQ read length failed: %w", err)
	}
	respBuf := make([]byte, length)
	if _, err := io.ReadFull(stream, respBuf); err != nil {
		return nil, time.Since(start), fmt.Errorf("DoQ read body failed: %w", err)
	}

	answer := new(dns.Msg)
	if err := answer.Unpack(respBuf); err != nil {
		return nil, time.Since(start), fmt.Errorf("unpack DoQ response: %w", err)
	}
	answer.Id = r.Id

	if opt := answer.IsEdns0(); opt != nil {
		for _, o := range opt.Option {
			if o.Option() == dns.EDNS0TCPKEEPALIVE {
				return nil, time.Since(start), fmt.Errorf("DoQ response carried edns-tcp-keepalive, which RFC 9250 forbids")
			}
		}
	}

	return answer, time.Since(start), nil
}

// stripEDNS0TCPKeepalive removes the keepalive option from an outgoing
// query's OPT record; RFC 9250 section 5.3 makes sending it over DoQ an
// error.
func stripEDNS0TCPKeepalive(m *dns.Msg) {
	opt := m.IsEdns0()
	if opt == nil {
		return
	}
	kept := opt.Option[:0]
	for _, o := range opt.Option {
		if o.Option() != dns.EDNS0TCPKEEPALIVE {
			kept = append(kept, o)
		}
	}
	opt.Option = kept
}

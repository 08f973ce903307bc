package dns

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"foredns/pkg/logging"

	"github.com/miekg/dns"
	"github.com/quic-go/quic-go"
)

// doqNoError is the QUIC application error code for a clean DoQ connection
// close, per RFC 9250 section 5.
const doqNoError = 0x00

// doqMaxIdleTimeout bounds how long an idle DoQ connection is kept open; 0
// defers to quic-go's own default.
const doqMaxIdleTimeout = 0

// doqListener accepts DNS-over-QUIC (RFC 9250) connections and serves each
// request stream through the same handler the UDP, TCP, and DoT listeners
// use.
type doqListener struct {
	addr    string
	tlsConf *tls.Config
	handler *wrappedHandler
	logger  *logging.Logger

	mu       sync.Mutex
	listener *quic.Listener
	wg       sync.WaitGroup
}

func newDoQListener(addr string, tlsConf *tls.Config, handler *wrappedHandler, logger *logging.Logger) *doqListener {
	conf := tlsConf.Clone()
	conf.NextProtos = []string{"doq"}
	return &doqListener{addr: addr, tlsConf: conf, handler: handler, logger: logger}
}

// ListenAndServe opens the QUIC listener and accepts connections until the
// listener is closed, mirroring (*dns.Server).ListenAndServe's blocking
// contract so it can be driven from the same errChan/goroutine pattern as
// the other transports.
func (l *doqListener) ListenAndServe() error {
	ln, err := quic.ListenAddr(l.addr, l.tlsConf, &quic.Config{MaxIdleTimeout: doqMaxIdleTimeout})
	if err != nil {
		return fmt.Errorf("DoQ listen failed: %w", err)
	}

	l.mu.Lock()
	l.listener = ln
	l.mu.Unlock()

	ctx := context.Background()
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			return err
		}
		l.wg.Add(1)
		go l.serveConn(conn)
	}
}

// Shutdown closes the listener and waits for in-flight connections to drain.
func (l *doqListener) Shutdown(ctx context.Context) error {
	l.mu.Lock()
	ln := l.listener
	l.mu.Unlock()
	if ln == nil {
		return nil
	}

	if err := ln.Close(); err != nil {
		return fmt.Errorf("DoQ listener close: %w", err)
	}

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *doqListener) serveConn(conn *quic.Conn) {
	defer l.wg.Done()
	defer func() { _ = conn.CloseWithError(doqNoError, "") }()

	for {
		stream, err := conn.AcceptStream(context.Background())
		if err != nil {
			return
		}
		l.wg.Add(1)
		go l.serveStream(conn, stream)
	}
}

func (l *doqListener) serveStream(conn *quic.Conn, stream *quic.Stream) {
	defer l.wg.Done()
	defer func() { _ = stream.Close() }()

	var length uint16
	if err := binary.Read(stream, binary.BigEndian, &length); err != nil {
		return
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(stream, buf); err != nil {
		return
	}

	req := new(dns.Msg)
	if err := req.Unpack(buf); err != nil {
		l.logger.Debug("DoQ: failed to unpack query", "error", err)
		return
	}
	if req.Id != 0 {
		// RFC 9250 section 4.2.1: the ID field MUST be 0 on the wire.
		return
	}
	stripEDNS0TCPKeepaliveServer(req)

	rw := &doqResponseWriter{
		localAddr:  l.listener.Addr(),
		remoteAddr: conn.RemoteAddr(),
	}
	l.handler.serveDNS(rw, req)
	if rw.msg == nil {
		return
	}

	resp := rw.msg.Copy()
	resp.Id = 0
	packed, err := resp.Pack()
	if err != nil {
		return
	}

	framed := make([]byte, 2+len(packed))
	binary.BigEndian.PutUint16(framed, uint16(len(packed)))
	copy(framed[2:], packed)
	_, _ = stream.Write(framed)
}

// stripEDNS0TCPKeepaliveServer removes the keepalive option from an inbound
// query's OPT record before handing it to the shared handler; RFC 9250
// section 5.3 forbids the option over DoQ in either direction.
func stripEDNS0TCPKeepaliveServer(m *dns.Msg) {
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

// doqResponseWriter adapts a single DoQ request/response exchange to
// dns.ResponseWriter so it can be driven through the same
// wrappedHandler.serveDNS used by the UDP/TCP/DoT listeners.
type doqResponseWriter struct {
	localAddr  net.Addr
	remoteAddr net.Addr
	msg        *dns.Msg
}

func (w *doqResponseWriter) LocalAddr() net.Addr  { return w.localAddr }
func (w *doqResponseWriter) RemoteAddr() net.Addr { return w.remoteAddr }

func (w *doqResponseWriter) WriteMsg(m *dns.Msg) error {
	w.msg = m
	return nil
}

func (w *doqResponseWriter) Write(b []byte) (int, error) {
	m := new(dns.Msg)
	if err := m.Unpack(b); err != nil {
		return 0, err
	}
	w.msg = m
	return len(b), nil
}

func (w *doqResponseWriter) Close() error        { return nil }
func (w *doqResponseWriter) TsigStatus() error   { return nil }
func (w *doqResponseWriter) TsigTimersOnly(bool) {}
func (w *doqResponseWriter) Hijack()             {}

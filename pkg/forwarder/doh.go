package forwarder

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/miekg/dns"
)

const (
	dohMediaType     = "application/dns-message"
	dohJSONMediaType = "application/dns-json"
	dohMaxBodyBytes  = 64 * 1024
)

// dohJSONAnswer mirrors one RR entry in a Cloudflare/Google-style DoH JSON
// response, matching the shape the listener's own handler_doh.go emits.
type dohJSONAnswer struct {
	Name string `json:"name"`
	Type uint16 `json:"type"`
	TTL  uint32 `json:"TTL"`
	Data string `json:"data"`
}

// dohJSONResponse mirrors the JSON envelope returned by DoH resolvers that
// answer "application/dns-json" requests instead of wire format.
type dohJSONResponse struct {
	Status   int             `json:"Status"`
	TC       bool            `json:"TC"`
	RD       bool            `json:"RD"`
	RA       bool            `json:"RA"`
	AD       bool            `json:"AD"`
	CD       bool            `json:"CD"`
	Question []dohJSONAnswer `json:"Question,omitempty"`
	Answer   []dohJSONAnswer `json:"Answer,omitempty"`
}

// exchangeDoH performs a DNS-over-HTTPS exchange (RFC 8484). It tries the
// binary POST form first since that is what every production DoH resolver
// accepts; if the upstream answers with a JSON body instead of wire format,
// the response is reconstructed from the JSON envelope.
func exchangeDoH(ctx context.Context, client *http.Client, up resolvedUpstream, r *dns.Msg, timeout time.Duration) (*dns.Msg, time.Duration, error) {
	start := time.Now()

	packed, err := r.Pack()
	if err != nil {
		return nil, 0, fmt.Errorf("pack query: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, up.rawURL, bytes.NewReader(packed))
	if err != nil {
		return nil, 0, fmt.Errorf("build DoH request: %w", err)
	}
	req.Header.Set("Content-Type", dohMediaType)
	req.Header.Set("Accept", dohMediaType)

	resp, err := client.Do(req)
	if err != nil {
		return nil, time.Since(start), fmt.Errorf("DoH request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, time.Since(start), fmt.Errorf("DoH upstream returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, dohMaxBodyBytes))
	if err != nil {
		return nil, time.Since(start), fmt.Errorf("read DoH response: %w", err)
	}

	var answer *dns.Msg
	if ct := resp.Header.Get("Content-Type"); len(ct) >= len(dohJSONMediaType) && ct[:len(dohJSONMediaType)] == dohJSONMediaType {
		answer, err = dohMsgFromJSON(r, body)
	} else {
		answer = new(dns.Msg)
		err = answer.Unpack(body)
	}
	if err != nil {
		return nil, time.Since(start), fmt.Errorf("decode DoH response: %w", err)
	}

	return answer, time.Since(start), nil
}

// dohGETURL builds the RFC 8484 GET form (base64url "dns" query parameter),
// offered alongside POST so a DoH upstream that only accepts idempotent GET
// requests can still be reached.
func dohGETURL(rawURL string, r *dns.Msg) (string, error) {
	packed, err := r.Pack()
	if err != nil {
		return "", fmt.Errorf("pack query: %w", err)
	}
	encoded := base64.RawURLEncoding.EncodeToString(packed)
	return rawURL + "?dns=" + encoded, nil
}

// dohMsgFromJSON reconstructs a dns.Msg from a Cloudflare/Google-style JSON
// DoH response, translating each Answer entry back into an RR via the zone
// file presentation format understood by dns.NewRR.
func dohMsgFromJSON(query *dns.Msg, body []byte) (*dns.Msg, error) {
	var jr dohJSONResponse
	if err := json.Unmarshal(body, &jr); err != nil {
		return nil, fmt.Errorf("unmarshal DoH JSON response: %w", err)
	}

	msg := new(dns.Msg)
	msg.SetReply(query)
	msg.Rcode = jr.Status
	msg.Truncated = jr.TC
	msg.RecursionDesired = jr.RD
	msg.RecursionAvailable = jr.RA
	msg.AuthenticatedData = jr.AD
	msg.CheckingDisabled = jr.CD

	for _, a := range jr.Answer {
		rr, err := jsonAnswerToRR(a)
		if err != nil {
			return nil, err
		}
		msg.Answer = append(msg.Answer, rr)
	}

	return msg, nil
}

// jsonAnswerToRR renders a JSON answer entry as presentation-format text
// and parses it with dns.NewRR, reusing the library's own RR parser instead
// of hand-rolling one stringifier per RR type.
func jsonAnswerToRR(a dohJSONAnswer) (dns.RR, error) {
	typeName, ok := dns.TypeToString[a.Type]
	if !ok {
		typeName = strconv.Itoa(int(a.Type))
	}
	line := fmt.Sprintf("%s %d IN %s %s", a.Name, a.TTL, typeName, a.Data)
	rr, err := dns.NewRR(line)
	if err != nil {
		return nil, fmt.Errorf("parse JSON answer %q: %w", line, err)
	}
	return rr, nil
}

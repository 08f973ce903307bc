package zone

import (
	"context"
	"sync"
	"time"

	"foredns/pkg/config"
	"foredns/pkg/logging"
	"foredns/pkg/storage"

	"github.com/miekg/dns"
)

// tsigVerifier authenticates AXFR/IXFR/DDNS requests against the TSIG keys
// configured for a zone (or globally, for ZoneID == 0), enforcing the
// configured replay window and rejecting MACs it has already seen within
// that window.
type tsigVerifier struct {
	cfg    *config.ZoneConfig
	repo   storage.ZoneRepository
	logger *logging.Logger

	mu    sync.Mutex
	seen  map[string]time.Time // MAC -> first-seen time, for replay detection
}

func newTSIGVerifier(cfg *config.ZoneConfig, repo storage.ZoneRepository, logger *logging.Logger) *tsigVerifier {
	return &tsigVerifier{
		cfg:    cfg,
		repo:   repo,
		logger: logger,
		seen:   make(map[string]time.Time),
	}
}

// secretsForZone builds the dns.TsigSecret set for a zone, falling back to
// globally-scoped keys (ZoneID == 0) when the zone carries none of its own.
func (v *tsigVerifier) secretsForZone(ctx context.Context, zoneID int64) ([]dns.TsigSecret, error) {
	if v.repo == nil {
		return nil, nil
	}
	keys, err := v.repo.GetTSIGKeys(ctx, zoneID)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 && zoneID != 0 {
		keys, err = v.repo.GetTSIGKeys(ctx, 0)
		if err != nil {
			return nil, err
		}
	}
	secrets := make([]dns.TsigSecret, 0, len(keys))
	for _, k := range keys {
		secrets = append(secrets, dns.TsigSecret{Name: dns.Fqdn(k.Name), Secret: k.Secret})
	}
	return secrets, nil
}

// Verify checks a request's TSIG record, if any, against the zone's
// configured keys. buf is the raw wire-format request as received off the
// socket; dns.TsigVerify needs the original bytes, not the re-packed
// message. A request with no TSIG record is not an error here: the caller
// decides whether an unsigned request is acceptable (e.g. AXFR over an ACL
// rather than a key).
func (v *tsigVerifier) Verify(ctx context.Context, buf []byte, req *dns.Msg, zoneID int64) (signed bool, ok bool, err error) {
	tsigRR := req.IsTsig()
	if tsigRR == nil {
		return false, true, nil
	}

	secrets, err := v.secretsForZone(ctx, zoneID)
	if err != nil {
		return true, false, err
	}
	if len(secrets) == 0 {
		return true, false, nil
	}

	secretMap := make(map[string]string, len(secrets))
	for _, s := range secrets {
		secretMap[s.Name] = s.Secret
	}

	window := v.cfg.TSIGReplayWindow
	if window <= 0 {
		window = 300 * time.Second
	}

	now := time.Now()
	reqTime := time.Unix(int64(tsigRR.TimeSigned), 0)
	if d := now.Sub(reqTime); d > window || d < -window {
		return true, false, nil
	}

	mac := tsigRR.MAC
	v.mu.Lock()
	if _, dup := v.seen[mac]; dup {
		v.mu.Unlock()
		v.logger.Warn("Rejected replayed TSIG MAC", "zone_id", zoneID)
		return true, false, nil
	}
	v.seen[mac] = now
	v.pruneLocked(now, window)
	v.mu.Unlock()

	if err := dns.TsigVerify(buf, secretMap, "", false); err != nil {
		return true, false, nil
	}
	return true, true, nil
}

func (v *tsigVerifier) pruneLocked(now time.Time, window time.Duration) {
	for mac, t := range v.seen {
		if now.Sub(t) > 2*window {
			delete(v.seen, mac)
		}
	}
}

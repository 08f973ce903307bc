// Package blocklist implements the name-matcher set used by the resolution
// pipeline's ad/tracker blocking stage. The consolidated block/allow state
// is loaded from a storage.PolicyRepository and swapped atomically on
// Reload; there is no network fetching here — blocklist sources are
// maintained externally and the repository is the single source of truth.
package blocklist

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"foredns/pkg/config"
	"foredns/pkg/logging"
	"foredns/pkg/pattern"
	"foredns/pkg/storage"
	"foredns/pkg/telemetry"

	mdns "github.com/miekg/dns"
)

// MatchResult describes how a domain/client pair was resolved by the
// blocking layer, including whether it was explicitly allowed, blocked, or
// left unmatched.
type MatchResult struct {
	Blocked bool
	Allowed bool
	Kind    string // client-allow, client-block, allow, exact, wildcard, regex
	Pattern string
	Sources []string // blocklist source names, when attributable
}

// clientRule holds the compiled allow/block matchers for a single
// per-client policy, scoped to a CIDR.
type clientRule struct {
	name      string
	cidr      *net.IPNet
	priority  int
	allow     *pattern.Matcher
	block     *pattern.Matcher
	upstreams []string
}

// snapshot is the immutable, atomically-swapped view of all policy state.
type snapshot struct {
	globalAllow  *pattern.Matcher
	globalBlock  *pattern.Matcher
	allowRegex   []*pattern.Pattern
	blockRegex   []*pattern.Pattern
	exactSources map[string][]string // pattern -> source names, exact entries only
	clients      []*clientRule       // sorted by priority, descending
	sourceNames  []string
	domainCount  int
}

func emptySnapshot() *snapshot {
	return &snapshot{
		exactSources: map[string][]string{},
	}
}

// Manager owns the consolidated blocklist/allowlist/regex/client-policy
// matcher state and reloads it from a storage.PolicyRepository.
type Manager struct {
	cfg     *config.Config
	repo    storage.PolicyRepository
	logger  *logging.Logger
	metrics *telemetry.Metrics

	current     atomic.Pointer[snapshot]
	lastUpdated atomic.Pointer[time.Time]

	reloadTicker *time.Ticker
	stopChan     chan struct{}
	wg           sync.WaitGroup
	started      atomic.Bool
}

// NewManager creates a new blocklist manager. repo may be nil (or fail the
// storage.PolicyRepository assertion at the call site) if the configured
// storage backend doesn't expose policy data; Reload then simply leaves the
// matcher empty.
func NewManager(cfg *config.Config, logger *logging.Logger, metrics *telemetry.Metrics, repo storage.PolicyRepository) *Manager {
	m := &Manager{
		cfg:      cfg,
		repo:     repo,
		logger:   logger,
		metrics:  metrics,
		stopChan: make(chan struct{}),
	}
	m.current.Store(emptySnapshot())
	return m
}

// Start performs an initial reload and, if configured, begins a periodic
// reload loop.
func (m *Manager) Start(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		m.logger.Warn("Blocklist manager already started")
		return nil
	}

	m.stopChan = make(chan struct{})

	m.logger.Info("Starting blocklist manager",
		"auto_update", m.cfg.AutoUpdateBlocklists,
		"interval", m.cfg.UpdateInterval)

	if err := m.Reload(ctx); err != nil {
		m.logger.Error("Initial blocklist reload failed", "error", err)
	}

	if m.cfg.AutoUpdateBlocklists && m.cfg.UpdateInterval > 0 {
		m.reloadTicker = time.NewTicker(m.cfg.UpdateInterval)
		m.wg.Add(1)
		go m.reloadLoop(ctx)
	}

	return nil
}

// Stop gracefully stops the reload loop.
func (m *Manager) Stop() {
	if !m.started.CompareAndSwap(true, false) {
		return
	}

	m.logger.Info("Stopping blocklist manager")
	close(m.stopChan)

	if m.reloadTicker != nil {
		m.reloadTicker.Stop()
	}

	m.wg.Wait()
	m.logger.Info("Blocklist manager stopped")
}

// SetRepository swaps the policy repository used for future reloads.
func (m *Manager) SetRepository(repo storage.PolicyRepository) {
	m.repo = repo
}

// UpdateConfig swaps the configuration reference used for future operations.
func (m *Manager) UpdateConfig(cfg *config.Config) {
	m.cfg = cfg
}

// SetLogger updates the logger used by the manager.
func (m *Manager) SetLogger(logger *logging.Logger) {
	m.logger = logger
}

// Reload fetches the current blocklist/allowlist/regex/client-policy state
// from the repository, builds a fresh snapshot, and atomically swaps it in.
// Manually configured bootstrap patterns (cfg.Blocklists / cfg.Whitelist)
// are merged into the global block/allow matchers alongside the repository
// data, so a deployment can seed policy before any admin API writes land.
func (m *Manager) Reload(ctx context.Context) error {
	startTime := time.Now()

	var (
		blockPatterns []string
		allowPatterns []string
		exactSources  = map[string][]string{}
		sourceNames   []string
		allowRegex    []*pattern.Pattern
		blockRegex    []*pattern.Pattern
		clients       []*clientRule
	)

	blockPatterns = append(blockPatterns, m.cfg.Blocklists...)
	allowPatterns = append(allowPatterns, m.cfg.Whitelist...)

	if m.repo != nil {
		sources, err := m.repo.GetBlocklistSources(ctx)
		if err != nil {
			return fmt.Errorf("load blocklist sources: %w", err)
		}
		sourceByID := make(map[int64]string, len(sources))
		for _, src := range sources {
			sourceByID[src.ID] = src.Name
			sourceNames = append(sourceNames, src.Name)
		}

		entries, err := m.repo.GetBlocklistEntries(ctx)
		if err != nil {
			return fmt.Errorf("load blocklist entries: %w", err)
		}
		for _, e := range entries {
			blockPatterns = append(blockPatterns, e.Pattern)
			if e.Kind == "exact" || !strings.HasPrefix(e.Pattern, "*.") {
				key := normalizeDomain(e.Pattern)
				if name, ok := sourceByID[e.SourceID]; ok {
					exactSources[key] = append(exactSources[key], name)
				}
			}
		}

		allowEntries, err := m.repo.GetAllowlist(ctx)
		if err != nil {
			return fmt.Errorf("load allowlist: %w", err)
		}
		for _, e := range allowEntries {
			allowPatterns = append(allowPatterns, e.Pattern)
		}

		regexFilters, err := m.repo.GetRegexFilters(ctx)
		if err != nil {
			return fmt.Errorf("load regex filters: %w", err)
		}
		for _, f := range regexFilters {
			p, err := pattern.ParsePattern(f.Pattern)
			if err != nil {
				m.logger.Warn("Skipping invalid regex filter", "pattern", f.Pattern, "error", err)
				continue
			}
			if f.Action == "allow" {
				allowRegex = append(allowRegex, p)
			} else {
				blockRegex = append(blockRegex, p)
			}
		}

		policies, err := m.repo.GetClientPolicies(ctx)
		if err != nil {
			return fmt.Errorf("load client policies: %w", err)
		}
		for _, p := range policies {
			rule, err := newClientRule(p)
			if err != nil {
				m.logger.Warn("Skipping invalid client policy", "name", p.Name, "cidr", p.ClientCIDR, "error", err)
				continue
			}
			clients = append(clients, rule)
		}
		sort.SliceStable(clients, func(i, j int) bool { return clients[i].priority > clients[j].priority })
	}

	globalBlock, err := pattern.NewMatcher(dedup(blockPatterns))
	if err != nil {
		return fmt.Errorf("build block matcher: %w", err)
	}
	globalAllow, err := pattern.NewMatcher(dedup(allowPatterns))
	if err != nil {
		return fmt.Errorf("build allow matcher: %w", err)
	}

	snap := &snapshot{
		globalAllow:  globalAllow,
		globalBlock:  globalBlock,
		allowRegex:   allowRegex,
		blockRegex:   blockRegex,
		exactSources: exactSources,
		clients:      clients,
		sourceNames:  sourceNames,
		domainCount:  len(blockPatterns),
	}

	old := m.current.Load()
	oldCount := 0
	if old != nil {
		oldCount = old.domainCount
	}
	m.current.Store(snap)
	now := time.Now()
	m.lastUpdated.Store(&now)

	if m.metrics != nil && m.metrics.BlocklistSize != nil {
		m.metrics.BlocklistSize.Add(ctx, int64(snap.domainCount-oldCount))
	}

	m.logger.Info("Blocklist reloaded",
		"block_patterns", len(blockPatterns),
		"allow_patterns", len(allowPatterns),
		"regex_filters", len(allowRegex)+len(blockRegex),
		"client_policies", len(clients),
		"duration", time.Since(startTime))

	return nil
}

func newClientRule(p *storage.ClientPolicy) (*clientRule, error) {
	cidr, err := parseClientCIDR(p.ClientCIDR)
	if err != nil {
		return nil, err
	}

	rule := &clientRule{
		name:      p.Name,
		cidr:      cidr,
		priority:  p.Priority,
		upstreams: p.Upstreams,
	}

	if len(p.Allow) > 0 {
		m, err := pattern.NewMatcher(p.Allow)
		if err != nil {
			return nil, fmt.Errorf("allow patterns: %w", err)
		}
		rule.allow = m
	}
	if len(p.Block) > 0 {
		m, err := pattern.NewMatcher(p.Block)
		if err != nil {
			return nil, fmt.Errorf("block patterns: %w", err)
		}
		rule.block = m
	}

	return rule, nil
}

// parseClientCIDR accepts both bare IPs and CIDR notation, normalizing bare
// IPs to a /32 (or /128 for IPv6) so the same containment check applies.
func parseClientCIDR(s string) (*net.IPNet, error) {
	if strings.Contains(s, "/") {
		_, ipNet, err := net.ParseCIDR(s)
		return ipNet, err
	}

	ip := net.ParseIP(s)
	if ip == nil {
		return nil, fmt.Errorf("invalid client address %q", s)
	}
	bits := 32
	if ip.To4() == nil {
		bits = 128
	}
	return &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}, nil
}

// IsBlocked reports whether domain is blocked for an unidentified client,
// i.e. without consulting per-client policy.
func (m *Manager) IsBlocked(domain string) bool {
	return m.Match(domain).Blocked
}

// LastUpdated returns the time of the most recent successful Reload, or the
// zero time if no reload has completed yet.
func (m *Manager) LastUpdated() time.Time {
	if ts := m.lastUpdated.Load(); ts != nil {
		return *ts
	}
	return time.Time{}
}

// Match resolves domain against the global (non-client-scoped) policy chain:
// global allow, global block, regex allow, regex block.
func (m *Manager) Match(domain string) MatchResult {
	return m.MatchClient("", domain)
}

// MatchClient resolves domain for clientIP, applying the full precedence
// chain: client allow, client block, global allow, global block, regex
// allow, regex block.
func (m *Manager) MatchClient(clientIP, domain string) MatchResult {
	if domain == "" {
		return MatchResult{}
	}

	snap := m.current.Load()
	if snap == nil {
		return MatchResult{}
	}

	fqdn := mdns.Fqdn(strings.ToLower(domain))
	short := strings.TrimSuffix(fqdn, ".")

	if ip := net.ParseIP(clientIP); ip != nil {
		if rule := findClientRule(snap.clients, ip); rule != nil {
			if rule.allow != nil && rule.allow.Match(short) {
				return MatchResult{Allowed: true, Kind: "client-allow", Pattern: rule.name}
			}
			if rule.block != nil && rule.block.Match(short) {
				return MatchResult{Blocked: true, Kind: "client-block", Pattern: rule.name}
			}
		}
	}

	if snap.globalAllow != nil && snap.globalAllow.Match(short) {
		return MatchResult{Allowed: true, Kind: "allow"}
	}

	if snap.globalBlock != nil {
		if p, ok := snap.globalBlock.MatchPattern(short); ok {
			result := MatchResult{Blocked: true, Kind: p.Type.String(), Pattern: p.Raw}
			if sources, ok := snap.exactSources[short]; ok {
				result.Sources = sources
			}
			return result
		}
	}

	for _, p := range snap.allowRegex {
		if p.Match(short) {
			return MatchResult{Allowed: true, Kind: "regex", Pattern: p.Raw}
		}
	}
	for _, p := range snap.blockRegex {
		if p.Match(short) {
			return MatchResult{Blocked: true, Kind: "regex", Pattern: p.Raw}
		}
	}

	return MatchResult{}
}

func findClientRule(clients []*clientRule, ip net.IP) *clientRule {
	for _, c := range clients {
		if c.cidr != nil && c.cidr.Contains(ip) {
			return c
		}
	}
	return nil
}

// ClientUpstreams returns the per-client upstream override list for
// clientIP, if any client policy matches.
func (m *Manager) ClientUpstreams(clientIP string) []string {
	snap := m.current.Load()
	if snap == nil {
		return nil
	}
	ip := net.ParseIP(clientIP)
	if ip == nil {
		return nil
	}
	if rule := findClientRule(snap.clients, ip); rule != nil {
		return rule.upstreams
	}
	return nil
}

// Size returns the number of configured block patterns (not the number of
// distinct domains after dedup/trie compaction).
func (m *Manager) Size() int {
	snap := m.current.Load()
	if snap == nil {
		return 0
	}
	return snap.domainCount
}

// Stats returns statistics about the blocklist matcher: "total" and "exact"
// domain counts plus a "pattern_<kind>" breakdown (exact/wildcard/regex) for
// the global block matcher, alongside allow/regex/client-policy counters.
func (m *Manager) Stats() map[string]int {
	snap := m.current.Load()
	if snap == nil {
		return map[string]int{"total": 0}
	}

	stats := map[string]int{"total": snap.domainCount}
	if snap.globalBlock != nil {
		blockStats := snap.globalBlock.Stats()
		stats["exact"] = blockStats["exact"]
		stats["pattern_exact"] = blockStats["exact"]
		stats["pattern_wildcard"] = blockStats["wildcard"]
		stats["pattern_regex"] = blockStats["regex"] + len(snap.blockRegex)
	}
	if snap.globalAllow != nil {
		for k, v := range snap.globalAllow.Stats() {
			stats["allow_"+k] = v
		}
	}
	stats["regex_allow"] = len(snap.allowRegex)
	stats["regex_block"] = len(snap.blockRegex)
	stats["client_policies"] = len(snap.clients)
	return stats
}

func dedup(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func normalizeDomain(s string) string {
	return strings.TrimSuffix(strings.ToLower(s), ".")
}

func (m *Manager) reloadLoop(ctx context.Context) {
	defer m.wg.Done()

	m.logger.Info("Blocklist auto-reload loop started", "interval", m.cfg.UpdateInterval)

	for {
		select {
		case <-m.stopChan:
			m.logger.Info("Blocklist auto-reload loop stopped")
			return

		case <-m.reloadTicker.C:
			m.logger.Debug("Running scheduled blocklist reload")

			reloadCtx, cancel := context.WithTimeout(ctx, 1*time.Minute)
			if err := m.Reload(reloadCtx); err != nil {
				m.logger.Error("Scheduled blocklist reload failed", "error", err)
			}
			cancel()
		}
	}
}

package blocklist

import (
	"context"
	"testing"
	"time"

	"foredns/pkg/config"
	"foredns/pkg/logging"
	"foredns/pkg/storage"
)

// fakeRepo is an in-memory storage.PolicyRepository for tests.
type fakeRepo struct {
	sources   []*storage.BlocklistSource
	entries   []*storage.BlocklistEntry
	allowlist []*storage.AllowlistEntry
	regex     []*storage.RegexFilter
	policies  []*storage.ClientPolicy
}

func (f *fakeRepo) GetBlocklistSources(ctx context.Context) ([]*storage.BlocklistSource, error) {
	return f.sources, nil
}
func (f *fakeRepo) GetBlocklistEntries(ctx context.Context) ([]*storage.BlocklistEntry, error) {
	return f.entries, nil
}
func (f *fakeRepo) GetAllowlist(ctx context.Context) ([]*storage.AllowlistEntry, error) {
	return f.allowlist, nil
}
func (f *fakeRepo) GetRegexFilters(ctx context.Context) ([]*storage.RegexFilter, error) {
	return f.regex, nil
}
func (f *fakeRepo) GetClientPolicies(ctx context.Context) ([]*storage.ClientPolicy, error) {
	return f.policies, nil
}

func TestNewManager(t *testing.T) {
	cfg := &config.Config{}
	logger := logging.NewDefault()

	m := NewManager(cfg, logger, nil, nil)

	if m == nil {
		t.Fatal("Expected manager, got nil")
	}
	if m.cfg == nil {
		t.Error("Expected config to be set")
	}
	if m.Size() != 0 {
		t.Errorf("Expected empty blocklist, got %d domains", m.Size())
	}
}

func TestManager_Reload(t *testing.T) {
	repo := &fakeRepo{
		sources: []*storage.BlocklistSource{{ID: 1, Name: "manual", Enabled: true}},
		entries: []*storage.BlocklistEntry{
			{ID: 1, SourceID: 1, Pattern: "ads.example.com", Kind: "exact"},
			{ID: 2, SourceID: 1, Pattern: "tracker.example.com", Kind: "exact"},
			{ID: 3, SourceID: 1, Pattern: "*.malware.example.com", Kind: "wildcard"},
		},
	}
	cfg := &config.Config{}
	logger := logging.NewDefault()
	m := NewManager(cfg, logger, nil, repo)

	ctx := context.Background()
	if err := m.Reload(ctx); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	if !m.IsBlocked("ads.example.com") {
		t.Error("Expected ads.example.com to be blocked")
	}
	if !m.IsBlocked("tracker.example.com") {
		t.Error("Expected tracker.example.com to be blocked")
	}
	if !m.IsBlocked("sub.malware.example.com") {
		t.Error("Expected sub.malware.example.com to be blocked by wildcard")
	}
	if m.IsBlocked("allowed.example.com") {
		t.Error("Expected allowed.example.com not to be blocked")
	}

	match := m.Match("ads.example.com")
	if len(match.Sources) != 1 || match.Sources[0] != "manual" {
		t.Errorf("Expected source attribution [manual], got %v", match.Sources)
	}
}

func TestManager_Reload_NoEntries(t *testing.T) {
	cfg := &config.Config{}
	logger := logging.NewDefault()
	m := NewManager(cfg, logger, nil, &fakeRepo{})

	ctx := context.Background()
	if err := m.Reload(ctx); err != nil {
		t.Fatalf("Expected no error for empty blocklist, got %v", err)
	}
	if m.Size() != 0 {
		t.Errorf("Expected 0 domains, got %d", m.Size())
	}
}

func TestManager_AllowlistOverridesBlock(t *testing.T) {
	repo := &fakeRepo{
		entries:   []*storage.BlocklistEntry{{ID: 1, SourceID: 1, Pattern: "ads.example.com", Kind: "exact"}},
		allowlist: []*storage.AllowlistEntry{{ID: 1, Pattern: "ads.example.com", Kind: "exact"}},
	}
	m := NewManager(&config.Config{}, logging.NewDefault(), nil, repo)
	if err := m.Reload(context.Background()); err != nil {
		t.Fatalf("reload failed: %v", err)
	}

	result := m.Match("ads.example.com")
	if result.Blocked {
		t.Error("Expected allowlist to override blocklist")
	}
	if !result.Allowed {
		t.Error("Expected match to be marked allowed")
	}
}

func TestManager_RegexPrecedence(t *testing.T) {
	repo := &fakeRepo{
		regex: []*storage.RegexFilter{
			{ID: 1, Pattern: `(\.|^)doubleclick\.net$`, Action: "block", Enabled: true},
			{ID: 2, Pattern: `(\.|^)safe\.doubleclick\.net$`, Action: "allow", Enabled: true},
		},
	}
	m := NewManager(&config.Config{}, logging.NewDefault(), nil, repo)
	if err := m.Reload(context.Background()); err != nil {
		t.Fatalf("reload failed: %v", err)
	}

	if !m.IsBlocked("ads.doubleclick.net") {
		t.Error("Expected ads.doubleclick.net to be blocked by regex")
	}
	if m.Match("safe.doubleclick.net").Blocked {
		t.Error("Expected allow regex to take precedence over block regex")
	}
}

func TestManager_ClientPolicyPrecedence(t *testing.T) {
	repo := &fakeRepo{
		entries: []*storage.BlocklistEntry{{ID: 1, SourceID: 1, Pattern: "social.example.com", Kind: "exact"}},
		policies: []*storage.ClientPolicy{
			{ID: 1, Name: "kids", ClientCIDR: "192.168.1.0/24", Enabled: true, Priority: 10,
				Block: []string{"games.example.com"}},
			{ID: 2, Name: "trusted-host", ClientCIDR: "192.168.1.50/32", Enabled: true, Priority: 20,
				Allow: []string{"social.example.com"}},
		},
	}
	m := NewManager(&config.Config{}, logging.NewDefault(), nil, repo)
	if err := m.Reload(context.Background()); err != nil {
		t.Fatalf("reload failed: %v", err)
	}

	// Global block applies to an address with no matching client policy.
	if !m.MatchClient("192.168.2.10", "social.example.com").Blocked {
		t.Error("Expected global block to apply when no client policy matches")
	}

	// The more specific /32 "trusted-host" policy wins (higher priority) and
	// explicitly allows what the global blocklist would otherwise block.
	result := m.MatchClient("192.168.1.50", "social.example.com")
	if result.Blocked {
		t.Error("Expected client allow to override global block")
	}
	if result.Kind != "client-allow" {
		t.Errorf("Expected kind client-allow, got %q", result.Kind)
	}

	// A different client in the same /24 falls through to the "kids" policy,
	// which blocks an unrelated domain but has no opinion on social.example.com,
	// so the global block still applies.
	if !m.MatchClient("192.168.1.5", "social.example.com").Blocked {
		t.Error("Expected global block to apply for a client with no allow entry")
	}
	if !m.MatchClient("192.168.1.5", "games.example.com").Blocked {
		t.Error("Expected client-specific block to apply")
	}
}

func TestManager_StartStop(t *testing.T) {
	repo := &fakeRepo{entries: []*storage.BlocklistEntry{{ID: 1, SourceID: 1, Pattern: "ads.example.com", Kind: "exact"}}}
	cfg := &config.Config{AutoUpdateBlocklists: false}
	m := NewManager(cfg, logging.NewDefault(), nil, repo)

	ctx := context.Background()
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Failed to start manager: %v", err)
	}
	if m.Size() == 0 {
		t.Error("Expected blocklist to be loaded on start")
	}

	m.Stop()

	if err := m.Start(ctx); err != nil {
		t.Fatalf("Failed to restart manager: %v", err)
	}
	m.Stop()
}

func TestManager_AutoReload(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping auto-reload test in short mode")
	}

	repo := &fakeRepo{entries: []*storage.BlocklistEntry{{ID: 1, SourceID: 1, Pattern: "ads.example.com", Kind: "exact"}}}
	cfg := &config.Config{
		AutoUpdateBlocklists: true,
		UpdateInterval:       100 * time.Millisecond,
	}
	m := NewManager(cfg, logging.NewDefault(), nil, repo)

	ctx := context.Background()
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Failed to start manager: %v", err)
	}
	defer m.Stop()

	time.Sleep(350 * time.Millisecond)

	if m.Size() == 0 {
		t.Error("Expected blocklist to remain populated across reloads")
	}
}

func TestManager_ConcurrentAccess(t *testing.T) {
	repo := &fakeRepo{entries: []*storage.BlocklistEntry{
		{ID: 1, SourceID: 1, Pattern: "ads.example.com", Kind: "exact"},
		{ID: 2, SourceID: 1, Pattern: "tracker.example.com", Kind: "exact"},
	}}
	m := NewManager(&config.Config{}, logging.NewDefault(), nil, repo)
	if err := m.Reload(context.Background()); err != nil {
		t.Fatalf("reload failed: %v", err)
	}

	done := make(chan bool)
	for i := 0; i < 10; i++ {
		go func() {
			for j := 0; j < 100; j++ {
				_ = m.IsBlocked("ads.example.com")
				_ = m.Size()
				_ = m.Stats()
			}
			done <- true
		}()
	}
	for i := 0; i < 10; i++ {
		<-done
	}
}

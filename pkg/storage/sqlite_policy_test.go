package storage

import (
	"context"
	"testing"
)

func policyRepo(t *testing.T, storage Storage) PolicyRepository {
	t.Helper()
	pr, ok := storage.(PolicyRepository)
	if !ok {
		t.Fatalf("SQLiteStorage does not implement PolicyRepository")
	}
	return pr
}

func rawStorage(t *testing.T, storage Storage) *SQLiteStorage {
	t.Helper()
	s, ok := storage.(*SQLiteStorage)
	if !ok {
		t.Fatalf("storage is not *SQLiteStorage")
	}
	return s
}

func TestSQLiteStorage_BlocklistSourcesAndEntries(t *testing.T) {
	storage, cleanup := setupTestStorage(t)
	defer cleanup()
	pr := policyRepo(t, storage)
	s := rawStorage(t, storage)
	ctx := context.Background()

	res, err := s.db.ExecContext(ctx, `INSERT INTO blocklist_sources (name, enabled) VALUES (?, 1)`, "stevenblack")
	if err != nil {
		t.Fatalf("insert blocklist source failed: %v", err)
	}
	sourceID, _ := res.LastInsertId()

	if err := pr.ReplaceBlocklistEntries(ctx, sourceID, []*BlocklistEntry{
		{Pattern: "ads.example.com", Kind: "exact"},
		{Pattern: "*.tracker.example.net", Kind: "wildcard"},
	}); err != nil {
		t.Fatalf("ReplaceBlocklistEntries() error = %v", err)
	}

	sources, err := pr.GetBlocklistSources(ctx)
	if err != nil {
		t.Fatalf("GetBlocklistSources() error = %v", err)
	}
	if len(sources) != 1 || sources[0].EntryCount != 2 {
		t.Fatalf("expected 1 source with entry_count=2, got %+v", sources)
	}
	if sources[0].LastUpdated == nil {
		t.Error("expected last_updated to be set after ReplaceBlocklistEntries")
	}

	entries, err := pr.GetBlocklistEntries(ctx)
	if err != nil {
		t.Fatalf("GetBlocklistEntries() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}

	// Replacing again should drop the old set entirely, not append to it.
	if err := pr.ReplaceBlocklistEntries(ctx, sourceID, []*BlocklistEntry{
		{Pattern: "only-one.example.org", Kind: "exact"},
	}); err != nil {
		t.Fatalf("ReplaceBlocklistEntries() second call error = %v", err)
	}
	entries, err = pr.GetBlocklistEntries(ctx)
	if err != nil {
		t.Fatalf("GetBlocklistEntries() error = %v", err)
	}
	if len(entries) != 1 || entries[0].Pattern != "only-one.example.org" {
		t.Fatalf("expected replacement to fully supersede the prior set, got %+v", entries)
	}

	// Disabling the source should hide its entries from GetBlocklistEntries
	// (it only returns entries belonging to enabled sources).
	if _, err := s.db.ExecContext(ctx, `UPDATE blocklist_sources SET enabled = 0 WHERE id = ?`, sourceID); err != nil {
		t.Fatalf("disable source failed: %v", err)
	}
	entries, err = pr.GetBlocklistEntries(ctx)
	if err != nil {
		t.Fatalf("GetBlocklistEntries() error = %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected 0 entries from a disabled source, got %d", len(entries))
	}
}

func TestSQLiteStorage_Allowlist(t *testing.T) {
	storage, cleanup := setupTestStorage(t)
	defer cleanup()
	pr := policyRepo(t, storage)
	ctx := context.Background()

	if err := pr.AddAllowlistEntry(ctx, "trusted.example.com", "exact"); err != nil {
		t.Fatalf("AddAllowlistEntry() error = %v", err)
	}
	// Inserting the same pattern twice must not duplicate or error.
	if err := pr.AddAllowlistEntry(ctx, "trusted.example.com", "exact"); err != nil {
		t.Fatalf("AddAllowlistEntry() duplicate error = %v", err)
	}

	entries, err := pr.GetAllowlist(ctx)
	if err != nil {
		t.Fatalf("GetAllowlist() error = %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 allowlist entry after duplicate insert, got %d", len(entries))
	}

	if err := pr.RemoveAllowlistEntry(ctx, "trusted.example.com"); err != nil {
		t.Fatalf("RemoveAllowlistEntry() error = %v", err)
	}
	if err := pr.RemoveAllowlistEntry(ctx, "trusted.example.com"); err == nil {
		t.Error("expected error removing an already-removed allowlist entry")
	}
}

func TestSQLiteStorage_RegexFilters(t *testing.T) {
	storage, cleanup := setupTestStorage(t)
	defer cleanup()
	pr := policyRepo(t, storage)
	s := rawStorage(t, storage)
	ctx := context.Background()

	if _, err := s.db.ExecContext(ctx, `INSERT INTO regex_filters (pattern, action, enabled) VALUES (?, ?, 1)`, `^ad[0-9]+\.`, "block"); err != nil {
		t.Fatalf("insert regex filter failed: %v", err)
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO regex_filters (pattern, action, enabled) VALUES (?, ?, 0)`, `^disabled\.`, "block"); err != nil {
		t.Fatalf("insert disabled regex filter failed: %v", err)
	}

	filters, err := pr.GetRegexFilters(ctx)
	if err != nil {
		t.Fatalf("GetRegexFilters() error = %v", err)
	}
	if len(filters) != 1 || filters[0].Pattern != `^ad[0-9]+\.` {
		t.Fatalf("expected only the enabled filter, got %+v", filters)
	}
}

func TestSQLiteStorage_ClientPoliciesWithOverrides(t *testing.T) {
	storage, cleanup := setupTestStorage(t)
	defer cleanup()
	pr := policyRepo(t, storage)
	s := rawStorage(t, storage)
	ctx := context.Background()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO client_policies (client_cidr, name, enabled, priority) VALUES (?, ?, 1, 10)
	`, "10.0.0.0/24", "kids")
	if err != nil {
		t.Fatalf("insert client policy failed: %v", err)
	}
	policyID, _ := res.LastInsertId()

	if _, err := s.db.ExecContext(ctx, `INSERT INTO client_block (policy_id, pattern) VALUES (?, ?)`, policyID, "*.ads.example.com"); err != nil {
		t.Fatalf("insert client_block failed: %v", err)
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO client_allow (policy_id, pattern) VALUES (?, ?)`, policyID, "homework.example.edu"); err != nil {
		t.Fatalf("insert client_allow failed: %v", err)
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO client_upstream (policy_id, upstream) VALUES (?, ?)`, policyID, "tls://1.1.1.1"); err != nil {
		t.Fatalf("insert client_upstream failed: %v", err)
	}

	policies, err := pr.GetClientPolicies(ctx)
	if err != nil {
		t.Fatalf("GetClientPolicies() error = %v", err)
	}
	if len(policies) != 1 {
		t.Fatalf("expected 1 client policy, got %d", len(policies))
	}
	p := policies[0]
	if p.ClientCIDR != "10.0.0.0/24" || p.Priority != 10 {
		t.Errorf("unexpected policy fields: %+v", p)
	}
	if len(p.Block) != 1 || p.Block[0] != "*.ads.example.com" {
		t.Errorf("unexpected block overrides: %v", p.Block)
	}
	if len(p.Allow) != 1 || p.Allow[0] != "homework.example.edu" {
		t.Errorf("unexpected allow overrides: %v", p.Allow)
	}
	if len(p.Upstreams) != 1 || p.Upstreams[0] != "tls://1.1.1.1" {
		t.Errorf("unexpected upstream overrides: %v", p.Upstreams)
	}
}

func TestSQLiteStorage_ConditionalForwards(t *testing.T) {
	storage, cleanup := setupTestStorage(t)
	defer cleanup()
	pr := policyRepo(t, storage)
	s := rawStorage(t, storage)
	ctx := context.Background()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conditional_forwarding (name, priority, domains, client_cidrs, query_types, upstreams, failover, timeout_ms, max_retries, enabled)
		VALUES (?, ?, ?, ?, ?, ?, 1, 2000, 2, 1)
	`, "internal-zone", 5, `["corp.internal."]`, `["192.168.0.0/16"]`, `["A","AAAA"]`, `["10.1.1.1","10.1.1.2"]`)
	if err != nil {
		t.Fatalf("insert conditional forwarding rule failed: %v", err)
	}

	rules, err := pr.GetConditionalForwards(ctx)
	if err != nil {
		t.Fatalf("GetConditionalForwards() error = %v", err)
	}
	if len(rules) != 1 {
		t.Fatalf("expected 1 rule, got %d", len(rules))
	}
	r := rules[0]
	if len(r.Domains) != 1 || r.Domains[0] != "corp.internal." {
		t.Errorf("unexpected domains: %v", r.Domains)
	}
	if len(r.Upstreams) != 2 {
		t.Errorf("unexpected upstreams: %v", r.Upstreams)
	}
	if !r.Failover || r.TimeoutMs != 2000 || r.MaxRetries != 2 {
		t.Errorf("unexpected rule fields: %+v", r)
	}
}

func TestSQLiteStorage_LocalDNSRecords(t *testing.T) {
	storage, cleanup := setupTestStorage(t)
	defer cleanup()
	pr := policyRepo(t, storage)
	ctx := context.Background()

	if err := pr.UpsertLocalDNSRecord(ctx, &LocalDNSRecord{Name: "router.lan.", Type: "A", Value: "192.168.1.1", TTL: 300}); err != nil {
		t.Fatalf("UpsertLocalDNSRecord() error = %v", err)
	}

	records, err := pr.GetLocalDNSRecords(ctx)
	if err != nil {
		t.Fatalf("GetLocalDNSRecords() error = %v", err)
	}
	if len(records) != 1 || records[0].Value != "192.168.1.1" {
		t.Fatalf("unexpected local dns records: %+v", records)
	}
}

func TestSQLiteStorage_Settings(t *testing.T) {
	storage, cleanup := setupTestStorage(t)
	defer cleanup()
	s := rawStorage(t, storage)
	ctx := context.Background()

	if _, err := s.GetSetting(ctx, "missing-key"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound for a missing key, got %v", err)
	}

	if err := s.PutSetting(ctx, "dnssec_validation", "true"); err != nil {
		t.Fatalf("PutSetting() error = %v", err)
	}
	value, err := s.GetSetting(ctx, "dnssec_validation")
	if err != nil {
		t.Fatalf("GetSetting() error = %v", err)
	}
	if value != "true" {
		t.Fatalf("expected value %q, got %q", "true", value)
	}

	// Upserting the same key replaces the value rather than erroring.
	if err := s.PutSetting(ctx, "dnssec_validation", "false"); err != nil {
		t.Fatalf("PutSetting() replace error = %v", err)
	}
	value, err = s.GetSetting(ctx, "dnssec_validation")
	if err != nil {
		t.Fatalf("GetSetting() error = %v", err)
	}
	if value != "false" {
		t.Fatalf("expected replaced value %q, got %q", "false", value)
	}
}

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

var _ PolicyRepository = (*SQLiteStorage)(nil)

// GetBlocklistSources returns every configured blocklist source.
func (s *SQLiteStorage) GetBlocklistSources(ctx context.Context) ([]*BlocklistSource, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, enabled, entry_count, last_updated FROM blocklist_sources ORDER BY name ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query blocklist sources failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sources []*BlocklistSource
	for rows.Next() {
		var src BlocklistSource
		var lastUpdated sql.NullString
		if err := rows.Scan(&src.ID, &src.Name, &src.Enabled, &src.EntryCount, &lastUpdated); err != nil {
			return nil, fmt.Errorf("scan blocklist source failed: %w", err)
		}
		if lastUpdated.Valid {
			t := parseSQLiteTime(lastUpdated.String)
			src.LastUpdated = &t
		}
		sources = append(sources, &src)
	}
	return sources, rows.Err()
}

// GetBlocklistEntries returns every pattern belonging to enabled sources.
func (s *SQLiteStorage) GetBlocklistEntries(ctx context.Context) ([]*BlocklistEntry, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT be.id, be.source_id, be.pattern, be.kind
		FROM blocklist_entries be
		JOIN blocklist_sources bs ON bs.id = be.source_id
		WHERE bs.enabled = 1
	`)
	if err != nil {
		return nil, fmt.Errorf("query blocklist entries failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*BlocklistEntry
	for rows.Next() {
		var e BlocklistEntry
		if err := rows.Scan(&e.ID, &e.SourceID, &e.Pattern, &e.Kind); err != nil {
			return nil, fmt.Errorf("scan blocklist entry failed: %w", err)
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// ReplaceBlocklistEntries atomically replaces every pattern belonging to a
// source with a freshly imported set, updating the source's entry count.
func (s *SQLiteStorage) ReplaceBlocklistEntries(ctx context.Context, sourceID int64, patterns []*BlocklistEntry) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction failed: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM blocklist_entries WHERE source_id = ?`, sourceID); err != nil {
		return fmt.Errorf("clear blocklist entries failed: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO blocklist_entries (source_id, pattern, kind) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare blocklist insert failed: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, p := range patterns {
		if _, err := stmt.ExecContext(ctx, sourceID, p.Pattern, p.Kind); err != nil {
			return fmt.Errorf("insert blocklist entry failed: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE blocklist_sources SET entry_count = ?, last_updated = CURRENT_TIMESTAMP WHERE id = ?
	`, len(patterns), sourceID); err != nil {
		return fmt.Errorf("update blocklist source failed: %w", err)
	}

	return tx.Commit()
}

// GetAllowlist returns every global allowlist pattern.
func (s *SQLiteStorage) GetAllowlist(ctx context.Context) ([]*AllowlistEntry, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, pattern, kind FROM allowlist ORDER BY pattern ASC`)
	if err != nil {
		return nil, fmt.Errorf("query allowlist failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*AllowlistEntry
	for rows.Next() {
		var e AllowlistEntry
		if err := rows.Scan(&e.ID, &e.Pattern, &e.Kind); err != nil {
			return nil, fmt.Errorf("scan allowlist entry failed: %w", err)
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// AddAllowlistEntry inserts a global allowlist pattern, ignoring duplicates.
func (s *SQLiteStorage) AddAllowlistEntry(ctx context.Context, pattern, kind string) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO allowlist (pattern, kind) VALUES (?, ?) ON CONFLICT(pattern) DO NOTHING
	`, pattern, kind)
	if err != nil {
		return fmt.Errorf("insert allowlist entry failed: %w", err)
	}
	return nil
}

// RemoveAllowlistEntry deletes a global allowlist pattern.
func (s *SQLiteStorage) RemoveAllowlistEntry(ctx context.Context, pattern string) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM allowlist WHERE pattern = ?`, pattern)
	if err != nil {
		return fmt.Errorf("delete allowlist entry failed: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetRegexFilters returns every enabled regex filter.
func (s *SQLiteStorage) GetRegexFilters(ctx context.Context) ([]*RegexFilter, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, pattern, action, enabled FROM regex_filters WHERE enabled = 1
	`)
	if err != nil {
		return nil, fmt.Errorf("query regex filters failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var filters []*RegexFilter
	for rows.Next() {
		var f RegexFilter
		if err := rows.Scan(&f.ID, &f.Pattern, &f.Action, &f.Enabled); err != nil {
			return nil, fmt.Errorf("scan regex filter failed: %w", err)
		}
		filters = append(filters, &f)
	}
	return filters, rows.Err()
}

// GetClientPolicies returns every enabled client policy along with its
// allow/block/upstream override lists, ordered by priority (highest first).
func (s *SQLiteStorage) GetClientPolicies(ctx context.Context) ([]*ClientPolicy, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, client_cidr, name, enabled, priority
		FROM client_policies WHERE enabled = 1 ORDER BY priority DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("query client policies failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var policies []*ClientPolicy
	for rows.Next() {
		var p ClientPolicy
		if err := rows.Scan(&p.ID, &p.ClientCIDR, &p.Name, &p.Enabled, &p.Priority); err != nil {
			return nil, fmt.Errorf("scan client policy failed: %w", err)
		}
		policies = append(policies, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, p := range policies {
		p.Allow, err = s.queryPatternColumn(ctx, `SELECT pattern FROM client_allow WHERE policy_id = ?`, p.ID)
		if err != nil {
			return nil, err
		}
		p.Block, err = s.queryPatternColumn(ctx, `SELECT pattern FROM client_block WHERE policy_id = ?`, p.ID)
		if err != nil {
			return nil, err
		}
		p.Upstreams, err = s.queryPatternColumn(ctx, `SELECT upstream FROM client_upstream WHERE policy_id = ?`, p.ID)
		if err != nil {
			return nil, err
		}
	}

	return policies, nil
}

func (s *SQLiteStorage) queryPatternColumn(ctx context.Context, query string, policyID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, policyID)
	if err != nil {
		return nil, fmt.Errorf("query client policy overrides failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var values []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan client policy override failed: %w", err)
		}
		values = append(values, v)
	}
	return values, rows.Err()
}

// GetConditionalForwards returns every enabled conditional-forwarding rule,
// ordered by priority (highest first).
func (s *SQLiteStorage) GetConditionalForwards(ctx context.Context) ([]*ConditionalForward, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, priority, domains, client_cidrs, query_types, upstreams, failover, timeout_ms, max_retries, enabled
		FROM conditional_forwarding WHERE enabled = 1 ORDER BY priority DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("query conditional forwarding failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var rules []*ConditionalForward
	for rows.Next() {
		var r ConditionalForward
		var domains, clientCIDRs, queryTypes, upstreams sql.NullString
		if err := rows.Scan(&r.ID, &r.Name, &r.Priority, &domains, &clientCIDRs, &queryTypes, &upstreams,
			&r.Failover, &r.TimeoutMs, &r.MaxRetries, &r.Enabled); err != nil {
			return nil, fmt.Errorf("scan conditional forwarding rule failed: %w", err)
		}
		r.Domains = decodeJSONStrings(domains)
		r.ClientCIDRs = decodeJSONStrings(clientCIDRs)
		r.QueryTypes = decodeJSONStrings(queryTypes)
		r.Upstreams = decodeJSONStrings(upstreams)
		rules = append(rules, &r)
	}
	return rules, rows.Err()
}

func decodeJSONStrings(raw sql.NullString) []string {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	var values []string
	if err := json.Unmarshal([]byte(raw.String), &values); err != nil {
		return nil
	}
	return values
}

// GetLocalDNSRecords returns every configured local DNS override.
func (s *SQLiteStorage) GetLocalDNSRecords(ctx context.Context) ([]*LocalDNSRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, name, rrtype, value, ttl FROM local_dns ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("query local dns records failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*LocalDNSRecord
	for rows.Next() {
		var r LocalDNSRecord
		if err := rows.Scan(&r.ID, &r.Name, &r.Type, &r.Value, &r.TTL); err != nil {
			return nil, fmt.Errorf("scan local dns record failed: %w", err)
		}
		records = append(records, &r)
	}
	return records, rows.Err()
}

// UpsertLocalDNSRecord inserts a local DNS override.
func (s *SQLiteStorage) UpsertLocalDNSRecord(ctx context.Context, rec *LocalDNSRecord) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO local_dns (name, rrtype, value, ttl) VALUES (?, ?, ?, ?)
	`, rec.Name, rec.Type, rec.Value, rec.TTL)
	if err != nil {
		return fmt.Errorf("insert local dns record failed: %w", err)
	}
	return nil
}

// GetSetting reads a single key from the settings table.
func (s *SQLiteStorage) GetSetting(ctx context.Context, key string) (string, error) {
	if s == nil || s.db == nil {
		return "", ErrClosed
	}
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get setting failed: %w", err)
	}
	return value, nil
}

// PutSetting upserts a single key in the settings table.
func (s *SQLiteStorage) PutSetting(ctx context.Context, key, value string) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP
	`, key, value)
	if err != nil {
		return fmt.Errorf("put setting failed: %w", err)
	}
	return nil
}

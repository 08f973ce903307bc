package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// D1Storage implements Storage against a remote Cloudflare D1 database over
// its HTTP query API, for deployments that run the resolver next to a
// Cloudflare Worker and want a managed SQL backend instead of a local
// SQLite file. It speaks the same schema as SQLiteStorage.
type D1Storage struct {
	cfg     *Config
	metrics MetricsRecorder
	client  *http.Client
	baseURL string
}

// NewD1Storage creates a D1-backed storage client. It does not verify
// connectivity eagerly; Ping exercises the API on demand.
func NewD1Storage(cfg *Config, metrics MetricsRecorder) (*D1Storage, error) {
	if cfg.D1.AccountID == "" || cfg.D1.DatabaseID == "" || cfg.D1.APIToken == "" {
		return nil, fmt.Errorf("%w: d1 account_id, database_id, and api_token are required", ErrInvalidConfig)
	}

	return &D1Storage{
		cfg:     cfg,
		metrics: metrics,
		client:  &http.Client{Timeout: 10 * time.Second},
		baseURL: fmt.Sprintf("https://api.cloudflare.com/client/v4/accounts/%s/d1/database/%s/query", cfg.D1.AccountID, cfg.D1.DatabaseID),
	}, nil
}

type d1QueryRequest struct {
	SQL    string `json:"sql"`
	Params []any  `json:"params,omitempty"`
}

type d1QueryResponse struct {
	Success bool `json:"success"`
	Errors  []struct {
		Message string `json:"message"`
	} `json:"errors"`
	Result []struct {
		Results []map[string]any `json:"results"`
	} `json:"result"`
}

func (d *D1Storage) exec(ctx context.Context, sql string, params ...any) (*d1QueryResponse, error) {
	body, err := json.Marshal(d1QueryRequest{SQL: sql, Params: params})
	if err != nil {
		return nil, fmt.Errorf("encode d1 request failed: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build d1 request failed: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+d.cfg.D1.APIToken)

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	defer func() { _ = resp.Body.Close() }()

	var out d1QueryResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode d1 response failed: %w", err)
	}
	if !out.Success {
		msg := "unknown error"
		if len(out.Errors) > 0 {
			msg = out.Errors[0].Message
		}
		return nil, fmt.Errorf("%w: d1 query failed: %s", ErrQueryFailed, msg)
	}
	return &out, nil
}

// LogQuery inserts a single query log row.
func (d *D1Storage) LogQuery(ctx context.Context, q *QueryLog) error {
	traceValue, err := encodeBlockTrace(q.BlockTrace)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	_, err = d.exec(ctx, `
		INSERT INTO queries (timestamp, client_ip, domain, query_type, response_code, blocked, cached, response_time_ms, upstream, upstream_time_ms, block_trace)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, q.Timestamp, q.ClientIP, q.Domain, q.QueryType, q.ResponseCode, q.Blocked, q.Cached, q.ResponseTimeMs, q.Upstream, q.UpstreamTimeMs, traceValue)
	return err
}

func rowToQueryLog(row map[string]any) *QueryLog {
	q := &QueryLog{}
	if v, ok := row["id"].(float64); ok {
		q.ID = int64(v)
	}
	if v, ok := row["client_ip"].(string); ok {
		q.ClientIP = v
	}
	if v, ok := row["domain"].(string); ok {
		q.Domain = v
	}
	if v, ok := row["query_type"].(string); ok {
		q.QueryType = v
	}
	if v, ok := row["response_code"].(float64); ok {
		q.ResponseCode = int(v)
	}
	if v, ok := row["blocked"].(float64); ok {
		q.Blocked = v != 0
	}
	if v, ok := row["cached"].(float64); ok {
		q.Cached = v != 0
	}
	if v, ok := row["response_time_ms"].(float64); ok {
		q.ResponseTimeMs = int64(v)
	}
	if v, ok := row["upstream"].(string); ok {
		q.Upstream = v
	}
	if v, ok := row["timestamp"].(string); ok {
		q.Timestamp = parseSQLiteTime(v)
	}
	return q
}

// GetRecentQueries returns the most recent queries with pagination support.
func (d *D1Storage) GetRecentQueries(ctx context.Context, limit, offset int) ([]*QueryLog, error) {
	resp, err := d.exec(ctx, `SELECT * FROM queries ORDER BY timestamp DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	return d1RowsToQueryLogs(resp), nil
}

// GetQueriesByDomain returns recent queries for a single domain.
func (d *D1Storage) GetQueriesByDomain(ctx context.Context, domain string, limit int) ([]*QueryLog, error) {
	resp, err := d.exec(ctx, `SELECT * FROM queries WHERE domain = ? ORDER BY timestamp DESC LIMIT ?`, domain, limit)
	if err != nil {
		return nil, err
	}
	return d1RowsToQueryLogs(resp), nil
}

// GetQueriesByClientIP returns recent queries from a single client.
func (d *D1Storage) GetQueriesByClientIP(ctx context.Context, clientIP string, limit int) ([]*QueryLog, error) {
	resp, err := d.exec(ctx, `SELECT * FROM queries WHERE client_ip = ? ORDER BY timestamp DESC LIMIT ?`, clientIP, limit)
	if err != nil {
		return nil, err
	}
	return d1RowsToQueryLogs(resp), nil
}

// GetQueriesWithTraceFilter is unsupported over the D1 HTTP API (no JSON
// query functions available remotely) and returns an empty result.
func (d *D1Storage) GetQueriesWithTraceFilter(ctx context.Context, filter TraceFilter, limit, offset int) ([]*QueryLog, error) {
	return []*QueryLog{}, nil
}

func d1RowsToQueryLogs(resp *d1QueryResponse) []*QueryLog {
	var out []*QueryLog
	if len(resp.Result) == 0 {
		return out
	}
	for _, row := range resp.Result[0].Results {
		out = append(out, rowToQueryLog(row))
	}
	return out
}

// GetStatistics returns aggregated query statistics since a given time.
func (d *D1Storage) GetStatistics(ctx context.Context, since time.Time) (*Statistics, error) {
	resp, err := d.exec(ctx, `
		SELECT COUNT(*) as total, SUM(CASE WHEN blocked THEN 1 ELSE 0 END) as blocked,
		       SUM(CASE WHEN cached THEN 1 ELSE 0 END) as cached,
		       COUNT(DISTINCT domain) as unique_domains, COUNT(DISTINCT client_ip) as unique_clients,
		       AVG(response_time_ms) as avg_response_time
		FROM queries WHERE timestamp >= ?
	`, since)
	if err != nil {
		return nil, err
	}

	stats := &Statistics{Since: since, Until: time.Now()}
	if len(resp.Result) > 0 && len(resp.Result[0].Results) > 0 {
		row := resp.Result[0].Results[0]
		if v, ok := row["total"].(float64); ok {
			stats.TotalQueries = int64(v)
		}
		if v, ok := row["blocked"].(float64); ok {
			stats.BlockedQueries = int64(v)
		}
		if v, ok := row["cached"].(float64); ok {
			stats.CachedQueries = int64(v)
		}
		if v, ok := row["unique_domains"].(float64); ok {
			stats.UniqueDomains = int64(v)
		}
		if v, ok := row["unique_clients"].(float64); ok {
			stats.UniqueClients = int64(v)
		}
		if v, ok := row["avg_response_time"].(float64); ok {
			stats.AvgResponseTimeMs = v
		}
	}
	if stats.TotalQueries > 0 {
		stats.BlockRate = float64(stats.BlockedQueries) / float64(stats.TotalQueries) * 100
		stats.CacheHitRate = float64(stats.CachedQueries) / float64(stats.TotalQueries) * 100
	}
	return stats, nil
}

// GetTraceStatistics is unsupported over the D1 HTTP API and returns a
// zeroed-out result rather than failing the caller.
func (d *D1Storage) GetTraceStatistics(ctx context.Context, since time.Time) (*TraceStatistics, error) {
	return &TraceStatistics{
		Since: since, Until: time.Now(),
		ByStage: map[string]int64{}, ByAction: map[string]int64{},
		ByRule: map[string]int64{}, BySource: map[string]int64{},
	}, nil
}

// GetTopDomains returns the most-queried domains, optionally filtered to
// domains that were blocked at least once.
func (d *D1Storage) GetTopDomains(ctx context.Context, limit int, blocked bool) ([]*DomainStats, error) {
	query := `SELECT domain, query_count, first_queried, last_queried, blocked FROM domain_stats`
	if blocked {
		query += ` WHERE blocked = 1`
	}
	query += ` ORDER BY query_count DESC LIMIT ?`

	resp, err := d.exec(ctx, query, limit)
	if err != nil {
		return nil, err
	}

	var out []*DomainStats
	if len(resp.Result) == 0 {
		return out, nil
	}
	for _, row := range resp.Result[0].Results {
		ds := &DomainStats{}
		if v, ok := row["domain"].(string); ok {
			ds.Domain = v
		}
		if v, ok := row["query_count"].(float64); ok {
			ds.QueryCount = int64(v)
		}
		if v, ok := row["last_queried"].(string); ok {
			ds.LastQueried = parseSQLiteTime(v)
		}
		if v, ok := row["first_queried"].(string); ok {
			ds.FirstQueried = parseSQLiteTime(v)
		}
		if v, ok := row["blocked"].(float64); ok {
			ds.Blocked = v != 0
		}
		out = append(out, ds)
	}
	return out, nil
}

// GetBlockedCount returns the count of blocked queries since a given time.
func (d *D1Storage) GetBlockedCount(ctx context.Context, since time.Time) (int64, error) {
	return d.countSince(ctx, `SELECT COUNT(*) as c FROM queries WHERE blocked = 1 AND timestamp >= ?`, since)
}

// GetQueryCount returns the count of all queries since a given time.
func (d *D1Storage) GetQueryCount(ctx context.Context, since time.Time) (int64, error) {
	return d.countSince(ctx, `SELECT COUNT(*) as c FROM queries WHERE timestamp >= ?`, since)
}

func (d *D1Storage) countSince(ctx context.Context, sql string, since time.Time) (int64, error) {
	resp, err := d.exec(ctx, sql, since)
	if err != nil {
		return 0, err
	}
	if len(resp.Result) > 0 && len(resp.Result[0].Results) > 0 {
		if v, ok := resp.Result[0].Results[0]["c"].(float64); ok {
			return int64(v), nil
		}
	}
	return 0, nil
}

// GetQueriesFiltered applies the same filters as SQLiteStorage but is
// unsupported over the D1 HTTP API's parameterized query shape and
// returns an empty result.
func (d *D1Storage) GetQueriesFiltered(ctx context.Context, filter QueryFilter, limit, offset int) ([]*QueryLog, error) {
	return []*QueryLog{}, nil
}

// GetTimeSeriesStats is unsupported over the D1 HTTP API and returns an
// empty result rather than failing the caller.
func (d *D1Storage) GetTimeSeriesStats(ctx context.Context, bucket time.Duration, points int) ([]*TimeSeriesPoint, error) {
	return []*TimeSeriesPoint{}, nil
}

// GetQueryTypeStats is unsupported over the D1 HTTP API and returns an
// empty result rather than failing the caller.
func (d *D1Storage) GetQueryTypeStats(ctx context.Context, limit int, since time.Time) ([]*QueryTypeStats, error) {
	return []*QueryTypeStats{}, nil
}

// GetClientSummaries is unsupported over the D1 HTTP API and returns an
// empty result rather than failing the caller.
func (d *D1Storage) GetClientSummaries(ctx context.Context, limit, offset int) ([]*ClientSummary, error) {
	return []*ClientSummary{}, nil
}

// UpdateClientProfile is unsupported over the D1 HTTP API.
func (d *D1Storage) UpdateClientProfile(ctx context.Context, profile *ClientProfile) error {
	return fmt.Errorf("%w: client profiles are not supported on the d1 backend", ErrInvalidConfig)
}

// GetClientGroups is unsupported over the D1 HTTP API and returns an empty
// result rather than failing the caller.
func (d *D1Storage) GetClientGroups(ctx context.Context) ([]*ClientGroup, error) {
	return []*ClientGroup{}, nil
}

// UpsertClientGroup is unsupported over the D1 HTTP API.
func (d *D1Storage) UpsertClientGroup(ctx context.Context, group *ClientGroup) error {
	return fmt.Errorf("%w: client groups are not supported on the d1 backend", ErrInvalidConfig)
}

// DeleteClientGroup is unsupported over the D1 HTTP API.
func (d *D1Storage) DeleteClientGroup(ctx context.Context, name string) error {
	return fmt.Errorf("%w: client groups are not supported on the d1 backend", ErrInvalidConfig)
}

// Reset wipes the queries table remotely; domain_stats and client tables
// are left alone since D1 deployments don't maintain them.
func (d *D1Storage) Reset(ctx context.Context) error {
	_, err := d.exec(ctx, `DELETE FROM queries`)
	return err
}

// Cleanup removes queries older than the retention window.
func (d *D1Storage) Cleanup(ctx context.Context, olderThan time.Time) error {
	_, err := d.exec(ctx, `DELETE FROM queries WHERE timestamp < ?`, olderThan)
	return err
}

// Close is a no-op; the D1 client holds no persistent connection.
func (d *D1Storage) Close() error {
	return nil
}

// Ping verifies connectivity by running a trivial query.
func (d *D1Storage) Ping(ctx context.Context) error {
	_, err := d.exec(ctx, `SELECT 1 as c`)
	return err
}

var _ Storage = (*D1Storage)(nil)

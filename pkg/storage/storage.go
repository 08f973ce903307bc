package storage

import (
	"context"
	"time"
)

// Storage defines the interface for all storage backends
// Implementations must be thread-safe and support concurrent access
type Storage interface {
	// Query Logging
	LogQuery(ctx context.Context, query *QueryLog) error
	GetRecentQueries(ctx context.Context, limit, offset int) ([]*QueryLog, error)
	GetQueriesByDomain(ctx context.Context, domain string, limit int) ([]*QueryLog, error)
	GetQueriesByClientIP(ctx context.Context, clientIP string, limit int) ([]*QueryLog, error)
	GetQueriesWithTraceFilter(ctx context.Context, filter TraceFilter, limit, offset int) ([]*QueryLog, error)
	GetQueriesFiltered(ctx context.Context, filter QueryFilter, limit, offset int) ([]*QueryLog, error)

	// Statistics
	GetStatistics(ctx context.Context, since time.Time) (*Statistics, error)
	GetTopDomains(ctx context.Context, limit int, blocked bool) ([]*DomainStats, error)
	GetBlockedCount(ctx context.Context, since time.Time) (int64, error)
	GetQueryCount(ctx context.Context, since time.Time) (int64, error)
	GetTraceStatistics(ctx context.Context, since time.Time) (*TraceStatistics, error)
	GetTimeSeriesStats(ctx context.Context, bucket time.Duration, points int) ([]*TimeSeriesPoint, error)
	GetQueryTypeStats(ctx context.Context, limit int, since time.Time) ([]*QueryTypeStats, error)

	// Per-client metadata
	GetClientSummaries(ctx context.Context, limit, offset int) ([]*ClientSummary, error)
	UpdateClientProfile(ctx context.Context, profile *ClientProfile) error
	GetClientGroups(ctx context.Context) ([]*ClientGroup, error)
	UpsertClientGroup(ctx context.Context, group *ClientGroup) error
	DeleteClientGroup(ctx context.Context, name string) error

	// Maintenance
	Cleanup(ctx context.Context, olderThan time.Time) error
	Reset(ctx context.Context) error
	Close() error
	Ping(ctx context.Context) error
}

// PolicyRepository is implemented by storage backends that can serve the
// blocklist/allowlist/regex/client-policy configuration used by the
// blocking layer. It is deliberately separate from Storage: backends such
// as the D1 HTTP bridge or the no-op storage have no practical way (or no
// need) to serve this data, so callers type-assert for it rather than
// forcing every backend to implement it.
type PolicyRepository interface {
	GetBlocklistSources(ctx context.Context) ([]*BlocklistSource, error)
	GetBlocklistEntries(ctx context.Context) ([]*BlocklistEntry, error)
	GetAllowlist(ctx context.Context) ([]*AllowlistEntry, error)
	GetRegexFilters(ctx context.Context) ([]*RegexFilter, error)
	GetClientPolicies(ctx context.Context) ([]*ClientPolicy, error)
}

// ZoneRepository is implemented by storage backends that can serve
// authoritative zone data, zone transfer history, and TSIG keys. Separate
// from Storage for the same reason as PolicyRepository: the zone engine
// type-asserts for it rather than forcing every backend to carry zone
// tables it may never use.
type ZoneRepository interface {
	ListZones(ctx context.Context) ([]*Zone, error)
	UpsertZone(ctx context.Context, z *Zone) (int64, error)
	DeleteZone(ctx context.Context, zoneID int64) error
	GetZoneRecords(ctx context.Context, zoneID int64) ([]*ZoneRecord, error)
	PutZoneRecord(ctx context.Context, rec *ZoneRecord, serial uint32) error
	DeleteZoneRecord(ctx context.Context, rec *ZoneRecord, serial uint32) error
	GetZoneChangesSince(ctx context.Context, zoneID int64, fromSerial uint32) ([]*ZoneChange, error)
	OldestRetainedSerial(ctx context.Context, zoneID int64) (serial uint32, ok bool, err error)
	GetTSIGKeys(ctx context.Context, zoneID int64) ([]*TSIGKey, error)
	UpsertTSIGKey(ctx context.Context, key *TSIGKey) error
}

// QueryFilter narrows GetQueriesFiltered to queries matching every
// non-zero field. Blocked/Cached are pointers so "unset" is distinguishable
// from "must be false".
type QueryFilter struct {
	Domain    string
	QueryType string
	Blocked   *bool
	Cached    *bool
	Start     time.Time
	End       time.Time
}

// TimeSeriesPoint is one bucket of aggregated query counts, used to chart
// traffic over a recent window.
type TimeSeriesPoint struct {
	Timestamp         time.Time `json:"timestamp"`
	TotalQueries      int64     `json:"total_queries"`
	BlockedQueries    int64     `json:"blocked_queries"`
	CachedQueries     int64     `json:"cached_queries"`
	AvgResponseTimeMs float64   `json:"avg_response_time_ms"`
}

// QueryTypeStats aggregates query counts by DNS record type (A, AAAA, ...).
type QueryTypeStats struct {
	QueryType string `json:"query_type"`
	Total     int64  `json:"total"`
	Blocked   int64  `json:"blocked"`
	Cached    int64  `json:"cached"`
}

// QueryLog represents a single DNS query log entry
type QueryLog struct {
	ID             int64             `json:"id"`
	Timestamp      time.Time         `json:"timestamp"`
	ClientIP       string            `json:"client_ip"`
	Domain         string            `json:"domain"`
	QueryType      string            `json:"query_type"`         // A, AAAA, CNAME, etc.
	ResponseCode   int               `json:"response_code"`      // DNS response code
	Blocked        bool              `json:"blocked"`            // Was query blocked?
	Cached         bool              `json:"cached"`             // Was response from cache?
	ResponseTimeMs int64             `json:"response_time_ms"`   // Response time in milliseconds
	Upstream       string            `json:"upstream,omitempty"` // Which upstream was used
	UpstreamTimeMs float64           `json:"upstream_time_ms,omitempty"`
	BlockTrace     []BlockTraceEntry `json:"block_trace,omitempty"`
}

// BlockTraceEntry records one decision point the resolution pipeline passed
// through while handling a query (rate limiter, zone match, client policy,
// blocklist, regex filter, cache, upstream forward). A query's full trace is
// the ordered sequence of entries recorded as it moved through the pipeline.
type BlockTraceEntry struct {
	Stage    string            `json:"stage"`              // e.g. "client_policy", "blocklist", "regex"
	Action   string            `json:"action"`             // e.g. "block", "allow", "forward"
	Rule     string            `json:"rule,omitempty"`     // matching rule/pattern name, if any
	Source   string            `json:"source,omitempty"`   // originating list/source name, if any
	Detail   string            `json:"detail,omitempty"`   // free-form context
	Metadata map[string]string `json:"metadata,omitempty"` // additional key/value context
}

// TraceFilter selects BlockTraceEntry-bearing queries by stage/action/rule/
// source. Every field is optional; an empty field matches everything.
type TraceFilter struct {
	Stage  string
	Action string
	Rule   string
	Source string
}

// TraceStatistics aggregates block-trace entries across queries since a
// given time, bucketed by stage, action, rule, and source.
type TraceStatistics struct {
	Since        time.Time        `json:"since"`
	Until        time.Time        `json:"until"`
	TotalBlocked int64            `json:"total_blocked"`
	ByStage      map[string]int64 `json:"by_stage"`
	ByAction     map[string]int64 `json:"by_action"`
	ByRule       map[string]int64 `json:"by_rule"`
	BySource     map[string]int64 `json:"by_source"`
}

// ClientSummary aggregates per-client query statistics joined with any
// operator-assigned profile metadata.
type ClientSummary struct {
	ClientIP       string    `json:"client_ip"`
	DisplayName    string    `json:"display_name"`
	Notes          string    `json:"notes,omitempty"`
	GroupName      string    `json:"group_name,omitempty"`
	GroupColor     string    `json:"group_color,omitempty"`
	FirstSeen      time.Time `json:"first_seen"`
	LastSeen       time.Time `json:"last_seen"`
	TotalQueries   int64     `json:"total_queries"`
	BlockedQueries int64     `json:"blocked_queries"`
	NXDomainCount  int64     `json:"nxdomain_queries"`
}

// ClientProfile holds operator-provided metadata for a single client IP.
type ClientProfile struct {
	ClientIP    string `json:"client_ip"`
	DisplayName string `json:"display_name,omitempty"`
	Notes       string `json:"notes,omitempty"`
	GroupName   string `json:"group_name,omitempty"`
}

// ClientGroup is a named, colored bucket that client profiles can belong to
// (e.g. "kids", "iot", "guests") for policy and reporting purposes.
type ClientGroup struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Color       string `json:"color,omitempty"`
}

// Zone is an authoritative zone the resolver serves directly from the
// zone store rather than forwarding upstream.
type Zone struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Serial    uint32    `json:"serial"`
	Enabled   bool      `json:"enabled"`
	AllowAXFR bool      `json:"allow_axfr"`
	AllowDDNS bool      `json:"allow_ddns"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ZoneRecord is a single resource record belonging to a zone.
type ZoneRecord struct {
	ID     int64  `json:"id"`
	ZoneID int64  `json:"zone_id"`
	Name   string `json:"name"`
	Type   string `json:"rrtype"`
	TTL    uint32 `json:"ttl"`
	RData  string `json:"rdata"`
}

// ZoneChange is one AXFR/IXFR-visible delta applied to a zone, recorded at
// the serial it produced so IXFR can replay from any earlier serial.
type ZoneChange struct {
	ID        int64     `json:"id"`
	ZoneID    int64     `json:"zone_id"`
	Serial    uint32    `json:"serial"`
	Op        string    `json:"op"` // "add" or "delete"
	Name      string    `json:"name"`
	Type      string    `json:"rrtype"`
	TTL       uint32    `json:"ttl"`
	RData     string    `json:"rdata"`
	AppliedAt time.Time `json:"applied_at"`
}

// TSIGKey is a shared secret used to authenticate zone transfers and DDNS
// updates for a zone (or globally, when ZoneID is zero).
type TSIGKey struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Algorithm string `json:"algorithm"`
	Secret    string `json:"secret"` // base64, as miekg/dns expects
	ZoneID    int64  `json:"zone_id,omitempty"`
}

// BlocklistSource names an ingested list of blocked domains (local file,
// imported list, or operator-curated set) that BlocklistEntry rows belong to.
type BlocklistSource struct {
	ID          int64      `json:"id"`
	Name        string     `json:"name"`
	Enabled     bool       `json:"enabled"`
	EntryCount  int64      `json:"entry_count"`
	LastUpdated *time.Time `json:"last_updated,omitempty"`
}

// BlocklistEntry is a single exact or wildcard domain pattern belonging to
// a BlocklistSource.
type BlocklistEntry struct {
	ID       int64  `json:"id"`
	SourceID int64  `json:"source_id"`
	Pattern  string `json:"pattern"`
	Kind     string `json:"kind"` // exact|wildcard
}

// AllowlistEntry is a global domain pattern that always overrides a block.
type AllowlistEntry struct {
	ID      int64  `json:"id"`
	Pattern string `json:"pattern"`
	Kind    string `json:"kind"`
}

// RegexFilter is a global regular-expression policy, evaluated after the
// trie-backed allow/block matchers miss.
type RegexFilter struct {
	ID      int64  `json:"id"`
	Pattern string `json:"pattern"`
	Action  string `json:"action"` // block|allow
	Enabled bool   `json:"enabled"`
}

// ClientPolicy scopes a set of allow/block/upstream overrides to clients
// matching ClientCIDR.
type ClientPolicy struct {
	ID         int64    `json:"id"`
	ClientCIDR string   `json:"client_cidr"`
	Name       string   `json:"name"`
	Enabled    bool     `json:"enabled"`
	Priority   int      `json:"priority"`
	Allow      []string `json:"allow,omitempty"`
	Block      []string `json:"block,omitempty"`
	Upstreams  []string `json:"upstreams,omitempty"`
}

// ConditionalForward routes matching queries to a dedicated upstream set
// instead of the default pool.
type ConditionalForward struct {
	ID          int64    `json:"id"`
	Name        string   `json:"name"`
	Priority    int      `json:"priority"`
	Domains     []string `json:"domains"`
	ClientCIDRs []string `json:"client_cidrs,omitempty"`
	QueryTypes  []string `json:"query_types,omitempty"`
	Upstreams   []string `json:"upstreams"`
	Failover    bool     `json:"failover"`
	TimeoutMs   int      `json:"timeout_ms"`
	MaxRetries  int      `json:"max_retries"`
	Enabled     bool     `json:"enabled"`
}

// LocalDNSRecord is an operator-entered override answered directly without
// consulting a zone or upstream (e.g. "router.lan A 192.168.1.1").
type LocalDNSRecord struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Type  string `json:"rrtype"`
	Value string `json:"value"`
	TTL   uint32 `json:"ttl"`
}

// Statistics represents aggregated query statistics
type Statistics struct {
	Since             time.Time `json:"since"`
	Until             time.Time `json:"until"`
	TotalQueries      int64     `json:"total_queries"`
	BlockedQueries    int64     `json:"blocked_queries"`
	CachedQueries     int64     `json:"cached_queries"`
	UniqueDomains     int64     `json:"unique_domains"`
	UniqueClients     int64     `json:"unique_clients"`
	AvgResponseTimeMs float64   `json:"avg_response_time_ms"`
	BlockRate         float64   `json:"block_rate"`     // Percentage of blocked queries
	CacheHitRate      float64   `json:"cache_hit_rate"` // Percentage of cached responses
}

// DomainStats represents statistics for a specific domain
type DomainStats struct {
	Domain       string    `json:"domain"`
	QueryCount   int64     `json:"query_count"`
	LastQueried  time.Time `json:"last_queried"`
	Blocked      bool      `json:"blocked"`
	FirstQueried time.Time `json:"first_queried,omitempty"`
}

// BackendType represents the type of storage backend
type BackendType string

const (
	BackendSQLite BackendType = "sqlite"
	BackendD1     BackendType = "d1"
)

// Config represents storage configuration
type Config struct {
	Enabled bool         `yaml:"enabled"`
	Backend BackendType  `yaml:"backend"`
	SQLite  SQLiteConfig `yaml:"sqlite"`
	D1      D1Config     `yaml:"d1"`

	// Buffer settings
	BufferSize    int           `yaml:"buffer_size"`    // Number of queries to buffer
	FlushInterval time.Duration `yaml:"flush_interval"` // How often to flush buffer
	BatchSize     int           `yaml:"batch_size"`     // Max queries per batch

	// Retention settings
	RetentionDays int `yaml:"retention_days"` // Days to keep detailed logs

	// Statistics settings
	Statistics StatisticsConfig `yaml:"statistics"`
}

// SQLiteConfig represents SQLite-specific configuration
type SQLiteConfig struct {
	Path        string `yaml:"path"`         // Database file path
	BusyTimeout int    `yaml:"busy_timeout"` // Busy timeout in milliseconds
	WALMode     bool   `yaml:"wal_mode"`     // Enable WAL mode
	CacheSize   int    `yaml:"cache_size"`   // Cache size in KB
}

// D1Config represents D1-specific configuration
type D1Config struct {
	AccountID  string `yaml:"account_id"`  // Cloudflare account ID
	DatabaseID string `yaml:"database_id"` // D1 database ID
	APIToken   string `yaml:"api_token"`   // Cloudflare API token
}

// StatisticsConfig represents statistics aggregation configuration
type StatisticsConfig struct {
	Enabled             bool          `yaml:"enabled"`
	AggregationInterval time.Duration `yaml:"aggregation_interval"` // How often to aggregate
}

// DefaultConfig returns a default storage configuration
func DefaultConfig() Config {
	return Config{
		Enabled: true,
		Backend: BackendSQLite,
		SQLite: SQLiteConfig{
			Path:        "./foredns.db",
			BusyTimeout: 5000,
			WALMode:     true,
			CacheSize:   10000,
		},
		BufferSize:    1000,
		FlushInterval: 5 * time.Second,
		BatchSize:     100,
		RetentionDays: 7,
		Statistics: StatisticsConfig{
			Enabled:             true,
			AggregationInterval: 1 * time.Hour,
		},
	}
}

// Validate validates the storage configuration
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}

	if c.Backend != BackendSQLite && c.Backend != BackendD1 {
		return ErrInvalidBackend
	}

	if c.BufferSize < 1 {
		c.BufferSize = 100
	}

	if c.BatchSize < 1 {
		c.BatchSize = 100
	}

	if c.RetentionDays < 1 {
		c.RetentionDays = 7
	}

	return nil
}

package store

// Sources identify which provider surface an entity, raw response or fact
// row belongs to. The parse stage dispatches on this value.
const (
	SourceTraffic = "web-analytics"
	SourceAds     = "ad-spend"
	SourceSearch  = "search-ranking"
)

// Entity sync statuses.
const (
	StatusPending = "pending"
	StatusOK      = "ok"
	StatusError   = "error"
)

// Project groups entities for reporting and aggregation.
type Project struct {
	ID        string
	Name      string
	CreatedAt int64
}

// Account is a provider credential set. All entities under one account
// share that account's rate-limit quota.
type Account struct {
	ID        string
	ProjectID string
	Name      string
	CreatedAt int64
}

// Entity is a trackable unit at the provider: an analytics counter, an ad
// campaign account or a search-position tracker.
type Entity struct {
	ID              string
	ProjectID       string
	AccountID       string
	Source          string
	ExternalRef     string
	ConversionGoals string // JSON array of goal IDs; empty array means all goals
	FetchInterval   int64  // milliseconds between syncs
	Enabled         bool
	LastSyncedAt    int64 // 0 when never synced
	LastStatus      string
	LastError       string
	FailCount       int64
	CreatedAt       int64
	UpdatedAt       int64
}

// RawResponse is one captured provider response, stored before any parsing
// is attempted so the original payload survives parser bugs and reprocessing.
type RawResponse struct {
	ID            string
	ProjectID     string
	EntityID      string
	Source        string
	Endpoint      string
	RequestParams string // JSON
	ResponseData  string // JSON, verbatim provider payload
	ResponseCode  int
	ProcessedAt   int64 // 0 when not yet parsed
	ErrorMessage  string
	CreatedAt     int64
}

// TrafficFact is one entity-month of web analytics measures. Rates are
// stored as percentages, durations in seconds, age groups as a JSON object
// of bucket name to percentage share.
type TrafficFact struct {
	ProjectID      string
	EntityID       string
	Year           int
	Month          int
	Visits         int64
	Users          int64
	BounceRate     float64
	AvgDurationSec float64
	Conversions    int64
	AgeGroups      string // JSON object, e.g. {"18-24": 31.5}
	UpdatedAt      int64
}

// AdFact is one campaign-month of ad spend measures.
type AdFact struct {
	ProjectID   string
	EntityID    string
	Name        string
	Year        int
	Month       int
	Impressions int64
	Clicks      int64
	Cost        float64
	Conversions int64
	UpdatedAt   int64
}

// SearchFact is one (query, url) pair's month of search-position measures.
// Position is the impression-weighted average for the month.
type SearchFact struct {
	ProjectID   string
	EntityID    string
	Query       string
	URL         string
	Year        int
	Month       int
	Position    float64
	Impressions int64
	UpdatedAt   int64
}

// TrafficSummary is the project-month rollup across all traffic entities.
type TrafficSummary struct {
	ProjectID        string
	Year             int
	Month            int
	Visits           int64
	Users            int64
	Conversions      int64
	BounceRate       float64
	AvgDurationSec   float64
	AgeGroups        string // JSON object, shares renormalized to sum 100
	TopByVisits      string // JSON ranking
	TopByConversions string
	TopByConvRate    string
	GeneratedAt      int64
}

// AdSummary is the project-month rollup across all campaigns.
type AdSummary struct {
	ProjectID        string
	Year             int
	Month            int
	Impressions      int64
	Clicks           int64
	Cost             float64
	Conversions      int64
	TopByCost        string // JSON ranking
	TopByConversions string
	TopByEfficiency  string
	GeneratedAt      int64
}

// SearchSummary is the project-month rollup across tracked search queries.
type SearchSummary struct {
	ProjectID        string
	Year             int
	Month            int
	QueryCount       int64
	Impressions      int64
	AvgPosition      float64
	TopByImpressions string // JSON ranking
	GeneratedAt      int64
}

// TokenRecord holds an account's provider credentials. Token fields are
// ciphertext; callers decrypt through tokencrypt.
type TokenRecord struct {
	AccountID       string
	AccessTokenEnc  string
	RefreshTokenEnc string
	ExpiresAt       int64
	UpdatedAt       int64
}

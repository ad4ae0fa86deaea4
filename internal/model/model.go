// Package model defines the crawlord entity types: Host, CrawlTask, Proxy
// and HostProxyBinding, shared by every component that reads or writes
// Task Store / Proxy Allocator rows.
package model

import (
	"strconv"
	"time"
)

// Status is a CrawlTask's position in the dispatcher's state machine.
type Status string

const (
	StatusPending     Status = "pending"
	StatusQueued      Status = "queued"
	StatusCrawling    Status = "crawling"
	StatusDownloaded  Status = "downloaded"
	StatusQueuedParse Status = "queued_parse"
	StatusParsing     Status = "parsing"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusPaused      Status = "paused"
	StatusCancelled   Status = "cancelled"
)

// Terminal reports whether the status admits no further transitions other
// than the admin restart paths (which CAS a failed or completed row back to
// pending or downloaded explicitly).
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Active reports whether the status is a live, in-flight state: neither
// terminal nor paused.
func (s Status) Active() bool {
	return !s.Terminal() && s != StatusPaused
}

// NonTerminal reports whether the status is anything but a terminal one —
// pause and the active states are all non-terminal, and all of them count
// toward URL-fingerprint uniqueness within a host.
func (s Status) NonTerminal() bool {
	return !s.Terminal()
}

// Host is a target website.
type Host struct {
	ID                 string    `json:"id"`
	BaseURL            string    `json:"base_url"`
	ParserTag          string    `json:"parser_tag"`
	MinSpacing         time.Duration `json:"min_spacing"`
	MaxInFlight        int       `json:"max_in_flight"`
	DefaultRecurrence  time.Duration `json:"default_recurrence"`
	Active             bool      `json:"active"`
	RobotsPolicy       string    `json:"robots_policy,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// CrawlTask is one URL to process.
type CrawlTask struct {
	ID                string     `json:"id"`
	HostID            string     `json:"host_id"`
	URL               string     `json:"url"`
	Fingerprint       string     `json:"fingerprint"`
	Status            Status     `json:"status"`
	Priority          int        `json:"priority"` // 1..10, 1 = highest
	ScheduledAt       time.Time  `json:"scheduled_at"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	LastTransitionedAt time.Time `json:"last_transitioned_at"`
	RetryCount        int        `json:"retry_count"`
	MaxRetries        int        `json:"max_retries"`
	LastError         string     `json:"last_error,omitempty"`
	RecurrenceInterval time.Duration `json:"recurrence_interval,omitempty"`
	NextRunAt         *time.Time `json:"next_run_at,omitempty"`
	RecurrenceCount   int        `json:"recurrence_count"`
	IsRecurring       bool       `json:"is_recurring"`
	BlobRef           string     `json:"blob_ref,omitempty"`
	HTTPStatusCode    int        `json:"http_status_code,omitempty"`
	LatencyMS         int64      `json:"latency_ms,omitempty"`
	ProxyRef          string     `json:"proxy_ref,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Proxy is an outbound identity resource.
type Proxy struct {
	ID                  string    `json:"id"`
	Host                string    `json:"host"`
	Port                int       `json:"port"`
	Protocol            string    `json:"protocol"`
	Username            string    `json:"username,omitempty"`
	Password            string    `json:"password,omitempty"`
	Active              bool      `json:"active"`
	SuccessCount        int64     `json:"success_count"`
	FailureCount        int64     `json:"failure_count"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastUsedAt          *time.Time `json:"last_used_at,omitempty"`
	LastSuccessAt       *time.Time `json:"last_success_at,omitempty"`
	LastFailureAt       *time.Time `json:"last_failure_at,omitempty"`
	AvgLatencyMS        float64   `json:"avg_latency_ms"`
	GeoTag              string    `json:"geo_tag,omitempty"`
	HourlyRequestCap    int       `json:"hourly_request_cap"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// HostProxyBinding is the many-to-many junction between Host and Proxy,
// carrying health counters that are independent of the Proxy's global
// counters — the same proxy may be healthy against one host and disabled
// against another.
type HostProxyBinding struct {
	HostID              string    `json:"host_id"`
	ProxyID             string    `json:"proxy_id"`
	Active              bool      `json:"active"`
	Priority            int       `json:"priority"`
	LastUsedAt          *time.Time `json:"last_used_at,omitempty"`
	SuccessCount        int64     `json:"success_count"`
	FailureCount        int64     `json:"failure_count"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	AvgLatencyMS        float64   `json:"avg_latency_ms"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// Endpoint formats the proxy's dial target, e.g. "socks5://10.0.0.1:1080".
func (p *Proxy) Endpoint() string {
	return p.Protocol + "://" + p.Host + ":" + strconv.Itoa(p.Port)
}

package domain

import "time"

// CacheRule maps a path pattern to an edge cache TTL. A zero TTL disables caching.
type CacheRule struct {
	PathPattern string        `json:"path" yaml:"path"`
	TTL         time.Duration `json:"ttl" yaml:"ttl"`
}

// WAFAction is applied to requests matching a rule.
type WAFAction string

const (
	WAFDeny  WAFAction = "deny"
	WAFAllow WAFAction = "allow"
)

// WAFRule is one firewall rule.
type WAFRule struct {
	Name        string    `json:"name" yaml:"name"`
	PathPattern string    `json:"path" yaml:"path"`
	Action      WAFAction `json:"action" yaml:"action"`
}

// RateLimit caps requests per client address.
type RateLimit struct {
	RequestsPerSecond int `json:"requests_per_second" yaml:"requests_per_second"`
	Burst             int `json:"burst" yaml:"burst"`
}

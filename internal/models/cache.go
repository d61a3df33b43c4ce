package models

import "time"

// CacheStats is the scan cache counter snapshot.
type CacheStats struct {
	Entries       int   `json:"entries"`
	Hits          int64 `json:"hits"`
	Misses        int64 `json:"misses"`
	Invalidations int64 `json:"invalidations"`
	InFlight      int   `json:"in_flight"`
}

// CacheEntryInfo describes one cache entry for status listings.
type CacheEntryInfo struct {
	Fingerprint    string    `json:"fingerprint"`
	RepositoryPath string    `json:"repository_path,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"`
}

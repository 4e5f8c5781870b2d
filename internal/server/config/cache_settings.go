package config

import "time"

// NamedQueryCacheConfig defines the result cache of exposed named queries.
type NamedQueryCacheConfig struct {
	Enabled bool
	Limit   uint32 // (in items)
	TTL     time.Duration
}

func NewDefaultNamedQueryCacheConfig() NamedQueryCacheConfig {
	return NamedQueryCacheConfig{
		Enabled: DefaultNamedQueryCacheEnabled,
		Limit:   DefaultNamedQueryCacheLimit,
		TTL:     DefaultNamedQueryCacheTTL,
	}
}

func (c NamedQueryCacheConfig) ShouldCacheNamedQueries() bool {
	return c.Enabled && c.Limit > 0 && c.TTL > 0
}

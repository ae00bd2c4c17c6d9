package config

import "time"

const (
	DefaultDashboardAddr      = "127.0.0.1:8080"
	DefaultReloadInterval     = 30 * time.Second
	DefaultInjectionCacheSize = 1024
)

// DefaultLogDir returns the default decision log directory path.
func DefaultLogDir() string {
	return "~/.requestguard/decisions"
}

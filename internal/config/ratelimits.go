package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// RateLimit is the fixed-window budget for one endpoint class.
type RateLimit struct {
	MaxRequests   int `yaml:"max_requests"`
	WindowSeconds int `yaml:"window_seconds"`
}

func (r RateLimit) Window() time.Duration {
	return time.Duration(r.WindowSeconds) * time.Second
}

// DefaultRateLimits is the static endpoint class table.
func DefaultRateLimits() map[string]RateLimit {
	return map[string]RateLimit{
		"prepare": {MaxRequests: 10, WindowSeconds: 60},
		"upload":  {MaxRequests: 10, WindowSeconds: 60},
		"deploy":  {MaxRequests: 5, WindowSeconds: 60},
		"check":   {MaxRequests: 60, WindowSeconds: 60},
		"release": {MaxRequests: 10, WindowSeconds: 60},
		"secrets": {MaxRequests: 20, WindowSeconds: 60},
	}
}

// RateLimits returns the default table with any classes from RATE_LIMITS_FILE
// layered on top.
//
//	deploy:
//	  max_requests: 3
//	  window_seconds: 120
func (c *Config) RateLimits() (map[string]RateLimit, error) {
	limits := DefaultRateLimits()
	if c.RateLimitsFile == "" {
		return limits, nil
	}

	data, err := os.ReadFile(c.RateLimitsFile)
	if err != nil {
		return nil, fmt.Errorf("read rate limits file: %w", err)
	}
	var overrides map[string]RateLimit
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return nil, fmt.Errorf("parse rate limits file: %w", err)
	}
	for class, limit := range overrides {
		if limit.MaxRequests <= 0 || limit.WindowSeconds <= 0 {
			return nil, fmt.Errorf("rate limit %q: max_requests and window_seconds must be positive", class)
		}
		limits[class] = limit
	}
	return limits, nil
}

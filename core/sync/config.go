// Package sync reconciles local agent state with a remote service.
// Reconciliation is an explicit step, never background mutation: pull
// the remote snapshot, resolve block conflicts last-writer-wins, write
// the merged state in one transaction, then push and advance the
// cursor.
package sync

import (
	"encoding/json"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gobwas/glob"
	"github.com/google/uuid"

	"github.com/adalundhe/strata/core/errors"
)

// DefaultEndpoint is the cloud service the original client shipped
// against.
const DefaultEndpoint = "https://api.letta.ai"

// DefaultInterval is the suggested auto-sync cadence. The coordinator
// itself never schedules; callers that want periodic sync drive it.
const DefaultInterval = 300 * time.Second

// Config is the process-wide sync configuration.
type Config struct {
	Endpoint string `json:"endpoint" yaml:"endpoint"`
	APIKey   string `json:"api_key" yaml:"api_key"`

	// DeviceID identifies this installation to the service. Generated
	// when absent.
	DeviceID string `json:"device_id,omitempty" yaml:"device_id,omitempty"`

	// Timeout bounds each HTTP call.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// ExcludeLabels are glob patterns for block labels kept out of
	// conflict accounting; matching blocks always keep their local
	// value.
	ExcludeLabels []string `json:"exclude_labels,omitempty" yaml:"exclude_labels,omitempty"`
}

// ParseConfig decodes and validates the caller's configuration JSON.
func ParseConfig(payload string) (*Config, error) {
	if !utf8.ValidString(payload) {
		return nil, errors.Wrap(errors.KindValidation, "sync config", errors.ErrInvalidUTF8)
	}

	var cfg Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, errors.Wrap(errors.KindValidation, "decode sync config", err)
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize() error {
	if c.Endpoint == "" {
		c.Endpoint = DefaultEndpoint
	}
	c.Endpoint = strings.TrimRight(c.Endpoint, "/")
	if !strings.HasPrefix(c.Endpoint, "http://") && !strings.HasPrefix(c.Endpoint, "https://") {
		return errors.Newf(errors.KindValidation, "sync endpoint %q is not an http(s) URL", c.Endpoint)
	}
	if c.APIKey == "" {
		return errors.New(errors.KindValidation, "sync api_key is required")
	}
	if c.DeviceID == "" {
		c.DeviceID = uuid.NewString()
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}

	for _, pattern := range c.ExcludeLabels {
		if _, err := glob.Compile(pattern); err != nil {
			return errors.Newf(errors.KindValidation, "invalid exclude pattern %q", pattern)
		}
	}
	return nil
}

// excluded reports whether a block label sits outside conflict
// accounting. Patterns were validated at configure time.
func (c *Config) excluded(label string) bool {
	for _, pattern := range c.ExcludeLabels {
		matcher, err := glob.Compile(pattern)
		if err != nil {
			continue
		}
		if matcher.Match(label) {
			return true
		}
	}
	return false
}

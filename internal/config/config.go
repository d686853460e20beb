// Package config provides the process configuration, loaded once at startup
// and passed explicitly to every component that needs it.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all tunables for the sync hub. Values come from the
// environment with the SYNCHUB_ prefix; every field has a working default.
type Config struct {
	Port   string `envconfig:"PORT" default:"8080"`
	DBPath string `envconfig:"DB_PATH" default:"data/synchub.db"`

	// LivenessThreshold is how long a session may go without a heartbeat
	// before the sweep marks it inactive.
	LivenessThreshold time.Duration `envconfig:"LIVENESS_THRESHOLD" default:"60s"`
	// SweepInterval is how often the inactivity sweep runs.
	SweepInterval time.Duration `envconfig:"SWEEP_INTERVAL" default:"5s"`

	// ResumePollInterval is the interval between liveness probes while
	// waiting for a resumed session to come up.
	ResumePollInterval time.Duration `envconfig:"RESUME_POLL_INTERVAL" default:"250ms"`
	// ResumeTimeout bounds the total wait for a resumed session.
	ResumeTimeout time.Duration `envconfig:"RESUME_TIMEOUT" default:"15s"`

	// DefaultPageLimit is the message page size when the client sends none.
	DefaultPageLimit int `envconfig:"DEFAULT_PAGE_LIMIT" default:"50"`
	// MaxPageLimit caps client-requested page sizes.
	MaxPageLimit int `envconfig:"MAX_PAGE_LIMIT" default:"200"`

	// EventBacklog is the per-namespace capacity of the recent-event ring
	// replayed to reconnecting SSE clients.
	EventBacklog int `envconfig:"EVENT_BACKLOG" default:"256"`
}

// Load reads the configuration from the environment.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("synchub", &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

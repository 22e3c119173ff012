// Package config holds killfeed's runtime settings: a flat struct with a
// Default() constructor, overridden from environment variables. Every field
// has a usable default; nothing is required to boot.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application settings (in-memory representation); persistence
// of per-entity config (Trackers, Webhooks) is handled by internal/store.
type Config struct {
	// Ingestor
	UpstreamURL        string
	RequestTimeout     time.Duration
	MaxKillmailsPerRun int
	MaxDurationPerRun  time.Duration

	// Tracker evaluator
	KillmailMaxAgeForTracker time.Duration
	FleetSizeThreshold       int

	// Persistence
	StoringKillmailsEnabled bool
	PurgeKillmailsAfterDays int

	// Orchestrator
	TasksTimeout time.Duration

	// Formatter
	WebhookSetAvatar bool

	// Ambient
	LogLevel string
	DataDir  string

	// zKillboard/ESI point-lookup composition, used by the send-test CLI
	// command to fetch a historical killmail by ID.
	ZKBBase string
	ESIBase string

	// serve subcommand scheduling.
	IngestInterval time.Duration
	PurgeInterval  time.Duration
}

// Default returns a Config with sensible out-of-the-box defaults.
func Default() *Config {
	return &Config{
		UpstreamURL:              "https://redisq.zkillboard.com/listen.php",
		RequestTimeout:           30 * time.Second,
		MaxKillmailsPerRun:       250,
		MaxDurationPerRun:        50 * time.Second,
		KillmailMaxAgeForTracker: time.Hour,
		FleetSizeThreshold:       10,
		StoringKillmailsEnabled:  false,
		PurgeKillmailsAfterDays:  30,
		TasksTimeout:             600 * time.Second,
		WebhookSetAvatar:         true,
		LogLevel:                 "info",
		DataDir:                  "data",
		ZKBBase:                  "https://zkillboard.com",
		ESIBase:                  "https://esi.evetech.net/latest",
		IngestInterval:           60 * time.Second,
		PurgeInterval:            24 * time.Hour,
	}
}

// LoadFromEnv returns Default() overridden by any recognized environment
// variables.
func LoadFromEnv() *Config {
	c := Default()

	if v := os.Getenv("UPSTREAM_URL"); v != "" {
		c.UpstreamURL = v
	}
	if v, ok := envInt("MAX_KILLMAILS_PER_RUN"); ok {
		c.MaxKillmailsPerRun = v
	}
	if v, ok := envDuration("MAX_DURATION_PER_RUN"); ok {
		c.MaxDurationPerRun = v
	}
	if v, ok := envDurationHours("KILLMAIL_MAX_AGE_FOR_TRACKER"); ok {
		c.KillmailMaxAgeForTracker = v
	}
	if v, ok := envInt("FLEET_SIZE_THRESHOLD"); ok {
		c.FleetSizeThreshold = v
	}
	if v, ok := envBool("STORING_KILLMAILS_ENABLED"); ok {
		c.StoringKillmailsEnabled = v
	}
	if v, ok := envInt("PURGE_KILLMAILS_AFTER_DAYS"); ok {
		c.PurgeKillmailsAfterDays = v
	}
	if v, ok := envDuration("TASKS_TIMEOUT"); ok {
		c.TasksTimeout = v
	}
	if v, ok := envBool("WEBHOOK_SET_AVATAR"); ok {
		c.WebhookSetAvatar = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = strings.ToLower(v)
	}
	if v := os.Getenv("DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("ZKB_BASE"); v != "" {
		c.ZKBBase = v
	}
	if v := os.Getenv("ESI_BASE"); v != "" {
		c.ESIBase = v
	}
	if v, ok := envDuration("INGEST_INTERVAL"); ok {
		c.IngestInterval = v
	}
	if v, ok := envDurationHours("PURGE_INTERVAL_HOURS"); ok {
		c.PurgeInterval = v
	}
	return c
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envBool(key string) (bool, bool) {
	v := os.Getenv(key)
	if v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}

// envDuration reads a plain integer number of seconds.
func envDuration(key string) (time.Duration, bool) {
	n, ok := envInt(key)
	if !ok {
		return 0, false
	}
	return time.Duration(n) * time.Second, true
}

// envDurationHours reads a plain integer number of hours.
func envDurationHours(key string) (time.Duration, bool) {
	n, ok := envInt(key)
	if !ok {
		return 0, false
	}
	return time.Duration(n) * time.Hour, true
}

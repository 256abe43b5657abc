// Package config loads the environment/config surface of spec.md §6.5.
//
// Grounded on the getenv/mustGetenv helper shape used by cmd/coordinator and
// cmd/node, generalized into a typed loader: every key recognized by the core
// has a documented default and a single place it is parsed, instead of being
// scattered as ad hoc getenv calls across main().
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Core holds every tunable named in spec.md §6.5.
type Core struct {
	// Erasure coding.
	K         int
	M         int
	ChunkSize int64

	// Placement.
	MinAvailableStorage int64
	MaxShardsPerDC      int
	MaxShardsPerRack    int

	// Lifecycle timings.
	OfflineThreshold   time.Duration
	DrainThreshold     time.Duration
	RemoveThreshold    time.Duration
	RecoveryQuarantine time.Duration

	// Accounting timings.
	AccumulateInterval       time.Duration
	EpochDuration            time.Duration
	ExtendedDowntimeThreshold time.Duration

	// Repair executor.
	MaxConcurrent  int
	MaxPerSource   int
	MaxPerTarget   int
	MaxRetries     int
	RetryDelay     time.Duration
	TransferTimeout time.Duration

	// Repair planner bounds.
	MaxTasksPerPlan int
	MaxBytesPerPlan int64
}

// Default returns the configuration with every default named in spec.md.
func Default() Core {
	return Core{
		K:         10,
		M:         4,
		ChunkSize: 1 << 20, // 1 MiB

		MinAvailableStorage: 1 << 30, // 1 GiB
		MaxShardsPerDC:      6,
		MaxShardsPerRack:    2,

		OfflineThreshold:   5 * time.Minute,
		DrainThreshold:     4 * time.Hour,
		RemoveThreshold:    7 * 24 * time.Hour,
		RecoveryQuarantine: 5 * time.Minute,

		AccumulateInterval:        60 * time.Second,
		EpochDuration:             7 * 24 * time.Hour,
		ExtendedDowntimeThreshold: 4 * time.Hour,

		MaxConcurrent:   10,
		MaxPerSource:    3,
		MaxPerTarget:    3,
		MaxRetries:      3,
		RetryDelay:      100 * time.Millisecond,
		TransferTimeout: 5 * time.Minute,

		MaxTasksPerPlan: 100,
		MaxBytesPerPlan: 10 << 30, // 10 GiB
	}
}

// FromEnv overlays environment variables named after the spec.md §6.5 keys
// (upper-cased, e.g. K, M, CHUNK_SIZE, OFFLINE_THRESHOLD) onto the defaults.
// Unrecognized or malformed values return an error rather than silently
// falling back, since a misconfigured core would otherwise fail far away from
// the mistake.
func FromEnv() (Core, error) {
	c := Default()

	if err := overlayInt(&c.K, "K"); err != nil {
		return c, err
	}
	if err := overlayInt(&c.M, "M"); err != nil {
		return c, err
	}
	if err := overlayInt64(&c.ChunkSize, "CHUNK_SIZE"); err != nil {
		return c, err
	}
	if err := overlayInt64(&c.MinAvailableStorage, "MIN_AVAILABLE_STORAGE"); err != nil {
		return c, err
	}
	if err := overlayInt(&c.MaxShardsPerDC, "MAX_SHARDS_PER_DC"); err != nil {
		return c, err
	}
	if err := overlayInt(&c.MaxShardsPerRack, "MAX_SHARDS_PER_RACK"); err != nil {
		return c, err
	}
	if err := overlayDuration(&c.OfflineThreshold, "OFFLINE_THRESHOLD"); err != nil {
		return c, err
	}
	if err := overlayDuration(&c.DrainThreshold, "DRAIN_THRESHOLD"); err != nil {
		return c, err
	}
	if err := overlayDuration(&c.RemoveThreshold, "REMOVE_THRESHOLD"); err != nil {
		return c, err
	}
	if err := overlayDuration(&c.RecoveryQuarantine, "RECOVERY_QUARANTINE"); err != nil {
		return c, err
	}
	if err := overlayDuration(&c.AccumulateInterval, "ACCUMULATE_INTERVAL"); err != nil {
		return c, err
	}
	if err := overlayDuration(&c.EpochDuration, "EPOCH_DURATION"); err != nil {
		return c, err
	}
	if err := overlayDuration(&c.ExtendedDowntimeThreshold, "EXTENDED_DOWNTIME_THRESHOLD"); err != nil {
		return c, err
	}
	if err := overlayInt(&c.MaxConcurrent, "MAX_CONCURRENT"); err != nil {
		return c, err
	}
	if err := overlayInt(&c.MaxPerSource, "MAX_PER_SOURCE"); err != nil {
		return c, err
	}
	if err := overlayInt(&c.MaxPerTarget, "MAX_PER_TARGET"); err != nil {
		return c, err
	}
	if err := overlayInt(&c.MaxRetries, "MAX_RETRIES"); err != nil {
		return c, err
	}
	if err := overlayDuration(&c.RetryDelay, "RETRY_DELAY"); err != nil {
		return c, err
	}
	if err := overlayDuration(&c.TransferTimeout, "TRANSFER_TIMEOUT"); err != nil {
		return c, err
	}
	return c, nil
}

func overlayInt(dst *int, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = n
	return nil
}

func overlayInt64(dst *int64, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = n
	return nil
}

func overlayDuration(dst *time.Duration, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = d
	return nil
}

// Getenv returns the environment variable named by key, or def if unset or
// empty. Used by the cmd/ binaries for the handful of non-core settings
// (bind addresses, node address) that live in cmd/ rather than in this
// config surface.
func Getenv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

// MustGetenv returns the environment variable named by key, or panics.
// Used by cmd/node only for bootstrap values that have no sane default
// (the node id and the coordinator address).
func MustGetenv(key string) string {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		panic(fmt.Sprintf("config: required environment variable %s is not set", key))
	}
	return v
}

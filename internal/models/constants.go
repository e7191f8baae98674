package models

import "time"

const (
	// DefaultHoldTTL is applied when a hold request does not carry its own TTL.
	DefaultHoldTTL = 5 * time.Minute

	// MaxHoldTTL caps client supplied hold durations.
	MaxHoldTTL = 30 * time.Minute

	// DefaultMaxSeatsPerHold bounds the number of seats a single hold may claim.
	DefaultMaxSeatsPerHold = 10

	// DefaultAvailabilityCacheTTL bounds how long an availability snapshot may be cached.
	DefaultAvailabilityCacheTTL = 30 * time.Second

	// DefaultReaperInterval is the period between background expiry sweeps.
	DefaultReaperInterval = 30 * time.Second

	// DefaultReaperBatchSize limits how many lapsed holds a sweep expires per batch.
	DefaultReaperBatchSize = 500

	// CompensationQueueSize is the in-memory compensation queue capacity.
	CompensationQueueSize = 1000
)

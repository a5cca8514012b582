// Package constants provides shared constants used across the codebase.
package constants

import "time"

// Job constants
const (
	// EventChannelBuffer is the buffer size for job event subscriptions
	EventChannelBuffer = 100

	// JobBacklog is the number of pending jobs the queue accepts before refusing more
	JobBacklog = 64
)

// Server constants
const (
	// ShutdownTimeout bounds graceful shutdown of the operator server and job queue
	ShutdownTimeout = 30 * time.Second

	// RequestTimeout bounds a single operator API request
	RequestTimeout = time.Minute

	// MaxRequestBody is the largest accepted JSON body in bytes
	MaxRequestBody = 1 << 20
)

// CLI constants
const (
	// DefaultListLimit is the default number of rows printed by listing commands
	DefaultListLimit = 50

	// DefaultReplayLimit is the number of reconcile tasks replayed per run
	DefaultReplayLimit = 500

	// DefaultSuggestionTTL is the age after which pending suggestions expire
	DefaultSuggestionTTL = 30 * 24 * time.Hour
)

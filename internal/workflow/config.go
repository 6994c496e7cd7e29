package workflow

import "time"

// Config holds the lifecycle policy: timeouts, retry budgets and the
// notification targets per flow.
type Config struct {
	// Triage retry policy.
	TriageRetries     int
	TriageBackoffBase time.Duration

	// Acknowledgement wait.
	AckTimeout      time.Duration
	HeartbeatWindow time.Duration
	EscalationWait  time.Duration
	// EscalationAckShortCircuit ends the post-escalation wait as soon as
	// an acknowledgement arrives instead of sitting out the full window.
	EscalationAckShortCircuit bool

	// Monitoring loop.
	MonitorInterval      time.Duration
	LongRunningThreshold time.Duration

	// Post-mortem retry policy.
	PostMortemRetries     int
	PostMortemBackoffBase time.Duration

	// Reservation TTL for the one-execution-per-incident guard.
	ExecutionTTL time.Duration

	// Notification targets.
	SlackChannel     string
	OncallTarget     string
	SecondaryOncall  string
	ManagementTarget string
	EmailTarget      string
}

// DefaultConfig returns the production lifecycle policy.
func DefaultConfig() Config {
	return Config{
		TriageRetries:             3,
		TriageBackoffBase:         2 * time.Second,
		AckTimeout:                300 * time.Second,
		HeartbeatWindow:           60 * time.Second,
		EscalationWait:            300 * time.Second,
		EscalationAckShortCircuit: true,
		MonitorInterval:           1800 * time.Second,
		LongRunningThreshold:      14400 * time.Second,
		PostMortemRetries:         3,
		PostMortemBackoffBase:     5 * time.Second,
		ExecutionTTL:              72 * time.Hour,
		SlackChannel:              "#incidents",
		OncallTarget:              "primary-oncall",
		SecondaryOncall:           "secondary-oncall",
		ManagementTarget:          "engineering-management",
		EmailTarget:               "oncall@example.com",
	}
}

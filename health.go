package pending

// HealthStatus represents the health of a BreakerDispatcher's circuit.
// It provides a strongly-typed alternative to map[string]interface{} for
// health checks.
type HealthStatus struct {
	// Healthy indicates whether the circuit is in a healthy state.
	// True for closed and half-open states, false for open state.
	Healthy bool `json:"healthy"`

	// Status is a short string description of the state ("closed",
	// "half-open", "open", "unknown").
	Status string `json:"status"`

	// State is the full string representation of the circuit state.
	State string `json:"state"`

	// Requests is the total number of dispatches in the current interval.
	Requests uint32 `json:"requests"`

	// TotalSuccesses is the total number of successful dispatches.
	TotalSuccesses uint32 `json:"total_successes"`

	// TotalFailures is the total number of failed dispatches.
	TotalFailures uint32 `json:"total_failures"`

	// ConsecutiveFailures is the number of consecutive failures.
	ConsecutiveFailures uint32 `json:"consecutive_failures"`

	// ConsecutiveSuccesses is the number of consecutive successes.
	ConsecutiveSuccesses uint32 `json:"consecutive_successes"`
}

// GetHealth returns the health status of the circuit breaker.
func (b *BreakerDispatcher) GetHealth() HealthStatus {
	state := b.State()
	counts := b.Counts()

	var healthy bool
	var status string

	switch state {
	case StateClosed:
		healthy = true
		status = "closed"
	case StateHalfOpen:
		healthy = true // Degraded but operational
		status = "half-open"
	case StateOpen:
		healthy = false
		status = "open"
	default:
		status = "unknown"
	}

	return HealthStatus{
		Healthy:              healthy,
		Status:               status,
		State:                state.String(),
		Requests:             counts.Requests,
		TotalSuccesses:       counts.TotalSuccesses,
		TotalFailures:        counts.TotalFailures,
		ConsecutiveFailures:  counts.ConsecutiveFailures,
		ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
	}
}

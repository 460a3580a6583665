// Package api
// Author: momentics <momentics@gmail.com>
//
// Scheduling priority levels shared between queue, scheduler and engine.

package api

// Priority selects which of a socket's three FIFO send queues a message
// is enqueued into.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityMid
	PriorityLow

	// NumPriorities is the fixed cardinality of priority levels.
	NumPriorities = 3
)

// String renders a priority for logging.
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMid:
		return "mid"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

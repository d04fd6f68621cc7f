package model

import "time"

// Role classifies a node's function within a distribution swarm.
type Role string

const (
	RoleTracker Role = "tracker"
	RoleSeed    Role = "seed"
	RolePeer    Role = "peer"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleTracker, RoleSeed, RolePeer:
		return true
	}
	return false
}

// State is a node's position in the scenario lifecycle.
type State string

const (
	StatePending   State = "pending"
	StateStarting  State = "starting"
	StateReady     State = "ready"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// NetworkProfile describes the emulated link installed on a node's
// egress device: bounded rate, bounded burst, bounded latency.
type NetworkProfile struct {
	RateBits   int64 // bits per second
	BurstBytes int64
	Latency    time.Duration
}

// Zero reports whether no shaping is requested.
func (p NetworkProfile) Zero() bool {
	return p.RateBits == 0 && p.BurstBytes == 0 && p.Latency == 0
}

// Measurement statuses.
const (
	StatusOK     = "ok"
	StatusFailed = "failed"
)

// Measurement is a single transfer observation for one node's workload.
// Created once per completed workload invocation; immutable afterwards.
type Measurement struct {
	Timestamp time.Time
	Scenario  string
	Node      string
	Role      Role
	Status    string  // ok|failed
	TTFB      float64 // seconds from workload start to first response byte
	Total     float64 // seconds from workload start to completion
	Reason    string  // failure reason when status=failed
}

// Status tracks one node's lifecycle transitions during a run.
type Status struct {
	Node       string
	Role       Role
	State      State
	StartingAt time.Time
	ReadyAt    time.Time
	DoneAt     time.Time
	Reason     string
}

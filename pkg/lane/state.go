package lane

import (
	"fmt"
	"strings"
)

// State is the lifecycle state of a lane.
type State int32

const (
	// Idle means the queue is empty and the worker is waiting.
	Idle State = iota
	// Consuming means an event is being applied.
	Consuming
	// TimedOut means the last apply exceeded its budget or was interrupted.
	TimedOut
	// Restarting means the supervisor is applying the restart policy.
	Restarting
	// Stopped is terminal and only reached through Stop.
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Consuming:
		return "consuming"
	case TimedOut:
		return "timed-out"
	case Restarting:
		return "restarting"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// RestartPolicy decides what happens to the event a lane failed on.
type RestartPolicy string

const (
	// RetrySameEvent redelivers the failed event after restart (at-least-once).
	RetrySameEvent RestartPolicy = "retry-same-event"
	// SkipToNext drops the failed event, records it and continues with the next one
	// (at-most-once for that event).
	SkipToNext RestartPolicy = "skip-to-next"
)

// ParseRestartPolicy parses a policy name.
func ParseRestartPolicy(s string) (RestartPolicy, error) {
	switch p := RestartPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case RetrySameEvent, SkipToNext:
		return p, nil
	default:
		return "", fmt.Errorf("unknown restart policy %q (want %s or %s)", s, RetrySameEvent, SkipToNext)
	}
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *RestartPolicy) UnmarshalText(text []byte) error {
	parsed, err := ParseRestartPolicy(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

func (p RestartPolicy) String() string {
	return string(p)
}

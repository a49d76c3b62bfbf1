package worker

import "encoding/json"

// Message type discriminators used on the wire. Request and result kinds are
// chosen by the caller (see the annotate package); everything else is fixed.
const (
	msgTypeConfig = "config"
	msgTypeReady  = "ready"
	msgTypeError  = "error"
	msgTypePing   = "ping"
	msgTypePong   = "pong"
)

// configMessage is sent exactly once, immediately after spawn, before any request.
// The field is snake_case on the wire while requestId/modelInfo are camelCase;
// the worker side expects exactly this shape.
type configMessage struct {
	Type          string   `json:"type"`
	ActiveOptions []string `json:"active_options"`
}

type pingMessage struct {
	Type string `json:"type"`
}

// envelope is the probe decoded from every incoming line. RequestID is a
// pointer so that an error message without an id (a fatal, manager-wide
// failure) can be told apart from one addressed to a single pending request.
type envelope struct {
	Type      string          `json:"type"`
	RequestID *int64          `json:"requestId"`
	Error     string          `json:"error"`
	ModelInfo json.RawMessage `json:"modelInfo"`
}

// State is the manager's lifecycle state. Transitions are serialized by the
// manager's mutex; no concurrent transition execution is possible.
type State int32

const (
	// StateStopped means no worker process exists.
	StateStopped State = iota
	// StateStarting means the process was spawned and the config->ready
	// handshake is in flight.
	StateStarting
	// StateReady means the worker completed its handshake and accepts requests.
	StateReady
	// StateError means the worker failed; a bounded restart may be pending.
	StateError
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Status is delivered to notifier subscribers on every state transition.
type Status struct {
	State State
	// InstanceID identifies the current spawn of the worker process. It
	// changes on every (re)start.
	InstanceID string
	// ModelInfo is the metadata the worker reported in its ready message,
	// if any.
	ModelInfo json.RawMessage
	// Err is the error that caused the transition, if it was a failure.
	Err error
}

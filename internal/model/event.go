package model

// EventHeartbeat is the type tag of the periodic liveness event.
const EventHeartbeat = "heartbeat"

// Event is a message pushed to clients on the event stream.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

package types

// Event represents a typed event emitted during state transitions. Attributes
// carry string-encoded payload fields so downstream consumers (notification
// collaborator, indexers) never need module-specific decoding.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

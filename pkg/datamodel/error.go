package datamodel

// Error is the body of every non-2xx response.
type Error struct {

	// Human-readable error message
	Error string `json:"error"`
}

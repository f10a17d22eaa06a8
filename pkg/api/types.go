package api

// errorResponse is the body of every proxy-generated failure.
type errorResponse struct {
	Error string `json:"error"`
}

// updateResponse acknowledges a privileged config update. Field order is
// part of the wire format existing callers match on.
type updateResponse struct {
	Status string `json:"status"`
	Saved  bool   `json:"saved"`
}

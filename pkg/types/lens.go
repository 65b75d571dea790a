package types

// FetchPath is the lens endpoint the indexer posts FetchRequests to.
const FetchPath = "/v1/fetch"

// FetchRequest asks a lens for one value per id over a time window.
// Window bounds are unix milliseconds, both inclusive.
type FetchRequest struct {
	Source string   `json:"source,omitempty"`
	FromMs int64    `json:"from_ms"`
	ToMs   int64    `json:"to_ms"`
	IDs    []string `json:"ids"`
}

// FetchReply maps every id the lens could evaluate to its value. A null
// value means the lens knows the id but had no data for the window.
type FetchReply struct {
	Values map[string]*float64 `json:"values"`
}

// ErrorReply is the body of any non-2xx lens response.
type ErrorReply struct {
	Error string `json:"error"`
}

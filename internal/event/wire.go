package event

import "encoding/json"

// IngestPath is the ingestion endpoint the worker posts batches to.
const IngestPath = "/api/sync/events"

// WireEvent is one event inside an ingestion request.
type WireEvent struct {
	ID        string          `json:"id"`
	Kind      Kind            `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt int64           `json:"createdAt"`
}

// IngestRequest is the body of POST /api/sync/events.
type IngestRequest struct {
	Events []WireEvent `json:"events"`
}

// Outcome is the per-event verdict returned by the server.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeFailed    Outcome = "failed"
	OutcomeDuplicate Outcome = "duplicate"
)

// EventResult reports what the server did with one event.
//
// Code and Retryable are set on failures that come from a classified error.
// A failure without a Code is treated as retryable by clients.
type EventResult struct {
	ID        string  `json:"id"`
	Status    Outcome `json:"status"`
	Error     string  `json:"error,omitempty"`
	Code      string  `json:"code,omitempty"`
	Retryable bool    `json:"retryable,omitempty"`
}

// Permanent reports whether a failed result should not be retried
// automatically.
func (r EventResult) Permanent() bool {
	return r.Status == OutcomeFailed && r.Code != "" && !r.Retryable
}

// IngestResponse is the body returned for a processed batch.
type IngestResponse struct {
	Success    bool          `json:"success"`
	Processed  int           `json:"processed"`
	Failed     int           `json:"failed"`
	Duplicates int           `json:"duplicates"`
	Results    []EventResult `json:"results"`
}

// Tally builds a response from per-event results.
func Tally(results []EventResult) IngestResponse {
	resp := IngestResponse{Results: results}
	if resp.Results == nil {
		resp.Results = []EventResult{}
	}
	for _, r := range results {
		switch r.Status {
		case OutcomeSuccess:
			resp.Processed++
		case OutcomeDuplicate:
			resp.Duplicates++
		case OutcomeFailed:
			resp.Failed++
		}
	}
	resp.Success = resp.Failed == 0
	return resp
}

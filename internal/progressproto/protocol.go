// Package progressproto defines the batch progress feed messages.
package progressproto

// Version is the progress protocol version.
const Version = "0.1"

const (
	TypeSubscribe = "SUBSCRIBE"
	TypeRun       = "RUN"
	TypeFile      = "FILE"
	TypeSummary   = "SUMMARY"
)

// Client -> Server. First message on the progress WS connection.
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
}

// Server -> Client. Sent once after SUBSCRIBE, and by GET /progress/status.
type RunMsg struct {
	Type              string `json:"type"`
	ProtocolVersion   string `json:"protocol_version"`
	RunID             string `json:"run_id"`
	ActionSpace       string `json:"action_space"`
	ActionSpaceDigest string `json:"action_space_digest"`
	Workers           int    `json:"workers"`
	Total             int    `json:"total"`
	Done              int    `json:"done"`
}

// Server -> Client. One per finished input file.
type FileMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	RunID           string `json:"run_id"`
	Seq             int    `json:"seq"`
	Total           int    `json:"total"`
	Path            string `json:"path"`
	Status          string `json:"status"`
	Code            string `json:"code,omitempty"`
	Message         string `json:"message,omitempty"`
	Steps           int    `json:"steps"`
	DurationMs      int64  `json:"duration_ms"`
}

// Server -> Client. Sent when the batch ends.
type SummaryMsg struct {
	Type            string         `json:"type"`
	ProtocolVersion string         `json:"protocol_version"`
	RunID           string         `json:"run_id"`
	Counts          map[string]int `json:"counts"`
	BytesIn         int64          `json:"bytes_in"`
	DurationMs      int64          `json:"duration_ms"`
}

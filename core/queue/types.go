package queue

import "encoding/json"

// Stage is a job's high-level lifecycle stage.
type Stage string

const (
	StageQueued      Stage = "queued"
	StageRunning     Stage = "running"
	StageStreaming   Stage = "streaming"
	StageCompleted   Stage = "completed"
	StageFailed      Stage = "failed"
	StageInterrupted Stage = "interrupted"
)

// EventType identifies the flavor of a QueueEvent.
type EventType string

const (
	EventStatus    EventType = "status"
	EventChunk     EventType = "chunk"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventHeartbeat EventType = "heartbeat"
	EventInterrupt EventType = "interrupt"
)

// terminal reports whether an event type ends a job's event stream.
func (t EventType) terminal() bool {
	switch t {
	case EventCompleted, EventFailed, EventInterrupt:
		return true
	default:
		return false
	}
}

// EnqueuePayload is the job description a caller submits and a worker later
// dequeues and executes.
type EnqueuePayload struct {
	JobID          string           `json:"job_id"`
	Model          string           `json:"model"`
	ConversationID string           `json:"conversation_id"`
	UserID         string           `json:"user_id"`
	UserRole       string           `json:"user_role,omitempty"`
	Text           string           `json:"text,omitempty"`
	RawUserText    string           `json:"raw_user_text,omitempty"`
	Attachments    []map[string]any `json:"attachments,omitempty"`
	Metadata       map[string]any   `json:"metadata,omitempty"`
	Stream         bool             `json:"stream,omitempty"`
}

// QueueEvent is one entry in a job's published event stream.
type QueueEvent struct {
	JobID    string         `json:"job_id"`
	Type     EventType      `json:"type"`
	Status   Stage          `json:"status,omitempty"`
	Content  string         `json:"content,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Usage    map[string]any `json:"usage,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// Marshal encodes the event as compact JSON, dropping empty optional fields.
func (e QueueEvent) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// JobStatus is the decoded contents of a job's status hash.
type JobStatus struct {
	Status         Stage          `json:"status"`
	CreatedAt      float64        `json:"created_at,omitempty"`
	UpdatedAt      float64        `json:"updated_at,omitempty"`
	LastHeartbeat  float64        `json:"last_heartbeat,omitempty"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Model          string         `json:"model,omitempty"`
	UserID         string         `json:"user_id,omitempty"`
	Result         map[string]any `json:"result,omitempty"`
	Error          string         `json:"error,omitempty"`
}

package backend

import "encoding/json"

// SendMessageRequest is the input to the message-create call.
type SendMessageRequest struct {
	ConversationID string
	UserID         string
	UserRole       string
	Text           string
	RawUserText    string
	Attachments    []map[string]any
	Metadata       map[string]any
}

// InterruptPayload describes a paused agent turn awaiting user input.
type InterruptPayload struct {
	InterruptID  string `json:"interrupt_id"`
	Question     string `json:"question"`
	Content      string `json:"content,omitempty"`
	ArtifactID   string `json:"artifact_id,omitempty"`
	ArtifactKind string `json:"artifact_kind,omitempty"`
}

// AgentMessageMetadata is the agent_message.metadata object of a reply.
type AgentMessageMetadata struct {
	AgentStatus      string            `json:"agent_status"`
	Attachments      []map[string]any  `json:"attachments,omitempty"`
	InterruptPayload *InterruptPayload `json:"interrupt_payload,omitempty"`
}

// AgentMessage is the agent_message object of a reply.
type AgentMessage struct {
	RawText  string               `json:"raw_text"`
	Content  json.RawMessage      `json:"content,omitempty"`
	Metadata AgentMessageMetadata `json:"metadata"`
}

// Reply is the message-create response body.
type Reply struct {
	Conversation json.RawMessage `json:"conversation"`
	UserMessage  json.RawMessage `json:"user_message"`
	AgentMessage AgentMessage    `json:"agent_message"`
	Usage        map[string]any  `json:"usage,omitempty"`
}

// StreamEvent is one NDJSON-framed line of a streaming message-create reply.
// Content carries an incremental fragment; Final marks the last event, at
// which point Reply holds the same shape as the blocking Reply.
type StreamEvent struct {
	Content string `json:"content,omitempty"`
	Final   bool   `json:"final,omitempty"`
	Reply   *Reply `json:"reply,omitempty"`
}

type wireRequest struct {
	Payload wirePayload `json:"payload"`
}

type wirePayload struct {
	Type        string           `json:"type"`
	Text        string           `json:"text"`
	RawUserText string           `json:"raw_user_text,omitempty"`
	Attachments []map[string]any `json:"attachments,omitempty"`
	Metadata    map[string]any   `json:"metadata,omitempty"`
	Stream      bool             `json:"stream,omitempty"`
}

package proxy

import "github.com/taskbridge/taskbridge/core/queue"

// ChatRequest is the reduced OpenAI-shaped request body the proxy accepts.
// Full prompt assembly and OpenAI message-array parsing happen upstream of
// this service; by the time a request reaches the proxy it already carries
// a flattened text turn.
type ChatRequest struct {
	Model          string           `json:"model"`
	ConversationID string           `json:"conversation_id"`
	UserID         string           `json:"user"`
	UserRole       string           `json:"user_role,omitempty"`
	Text           string           `json:"text"`
	RawUserText    string           `json:"raw_user_text,omitempty"`
	Attachments    []map[string]any `json:"attachments,omitempty"`
	Metadata       map[string]any   `json:"metadata,omitempty"`
	Stream         bool             `json:"stream,omitempty"`
}

func (r ChatRequest) toPayload(jobID string) queue.EnqueuePayload {
	return queue.EnqueuePayload{
		JobID:          jobID,
		Model:          r.Model,
		ConversationID: r.ConversationID,
		UserID:         r.UserID,
		UserRole:       r.UserRole,
		Text:           r.Text,
		RawUserText:    r.RawUserText,
		Attachments:    r.Attachments,
		Metadata:       r.Metadata,
		Stream:         r.Stream,
	}
}

type errorBody struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
	ConversationID string `json:"conversation_id,omitempty"`
	JobID          string `json:"job_id,omitempty"`
}

func newErrorBody(message, conversationID, jobID string) errorBody {
	body := errorBody{ConversationID: conversationID, JobID: jobID}
	body.Error.Message = message
	return body
}

type choiceDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

type choice struct {
	Delta        choiceDelta `json:"delta"`
	FinishReason *string     `json:"finish_reason"`
}

type sseFrame struct {
	ID             string         `json:"id"`
	Choices        []choice       `json:"choices"`
	AgentStatus    string         `json:"agent_status,omitempty"`
	Usage          map[string]any `json:"usage,omitempty"`
	MessageMeta    map[string]any `json:"message_metadata,omitempty"`
	ConversationID string         `json:"conversation_id,omitempty"`
	JobID          string         `json:"job_id,omitempty"`
}

// BlockingResponse is the single-shot response body returned by the
// blocking path on a completed or interrupted job.
type BlockingResponse struct {
	JobID          string         `json:"job_id"`
	ConversationID string         `json:"conversation_id"`
	AgentStatus    string         `json:"agent_status"`
	Content        string         `json:"content"`
	Usage          map[string]any `json:"usage,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

func finishReason(reason string) *string {
	return &reason
}

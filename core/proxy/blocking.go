package proxy

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/taskbridge/taskbridge/core/queue"
)

// awaitJob blocks for jobID's terminal event and writes a single-shot HTTP
// response, translating outcomes to status codes per the failure-handling
// contract: success for completed/interrupted, 502 for failed, 504 for a
// wait timeout.
func (s *Server) awaitJob(rw http.ResponseWriter, r *http.Request, jobID, conversationID string, timeout time.Duration) {
	evt, err := s.queue.WaitForCompletion(r.Context(), jobID, timeout)
	if err != nil {
		if errors.Is(err, queue.ErrTerminalWaitTimeout) {
			writeJSON(rw, http.StatusGatewayTimeout, newErrorBody("terminal wait timed out", conversationID, jobID))
			return
		}
		if errors.Is(err, queue.ErrUnknownJob) {
			writeJSON(rw, http.StatusNotFound, newErrorBody(err.Error(), conversationID, jobID))
			return
		}
		writeJSON(rw, http.StatusBadGateway, newErrorBody(err.Error(), conversationID, jobID))
		return
	}

	switch evt.Type {
	case queue.EventCompleted:
		content, _ := evt.Metadata["content"].(string)
		writeJSON(rw, http.StatusOK, BlockingResponse{
			JobID:          jobID,
			ConversationID: conversationID,
			AgentStatus:    "completed",
			Content:        content,
			Usage:          evt.Usage,
			Metadata:       evt.Metadata,
		})
	case queue.EventInterrupt:
		content, _ := evt.Metadata["question"].(string)
		writeJSON(rw, http.StatusOK, BlockingResponse{
			JobID:          jobID,
			ConversationID: conversationID,
			AgentStatus:    "interrupted",
			Content:        content,
			Metadata:       evt.Metadata,
		})
	case queue.EventFailed:
		writeJSON(rw, http.StatusBadGateway, newErrorBody(evt.Error, conversationID, jobID))
	default:
		writeJSON(rw, http.StatusBadGateway, newErrorBody("unexpected terminal event type", conversationID, jobID))
	}
}

func writeJSON(rw http.ResponseWriter, status int, body any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(body)
}

package proxy

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/taskbridge/taskbridge/core/infra/logging"
	"github.com/taskbridge/taskbridge/core/queue"
)

// writeSSE writes one data frame.
func writeSSE(w *bufio.Writer, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", body); err != nil {
		return err
	}
	return w.Flush()
}

func writeSSEComment(w *bufio.Writer, comment string) error {
	if _, err := fmt.Fprintf(w, ": %s\n\n", comment); err != nil {
		return err
	}
	return w.Flush()
}

func writeSSEDone(w *bufio.Writer) error {
	if _, err := fmt.Fprint(w, "data: [DONE]\n\n"); err != nil {
		return err
	}
	return w.Flush()
}

// streamJob subscribes to jobID's event channel and translates it into SSE
// frames per the internal-event-to-frame table, until a terminal event is
// observed or the client disconnects.
func (s *Server) streamJob(rw http.ResponseWriter, r *http.Request, jobID, conversationID string) {
	rw.Header().Set("Content-Type", "text/event-stream")
	rw.Header().Set("Cache-Control", "no-cache")
	rw.Header().Set("Connection", "keep-alive")

	flusher, ok := rw.(http.Flusher)
	if !ok {
		http.Error(rw, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	rw.WriteHeader(http.StatusOK)
	flusher.Flush()

	w := bufio.NewWriter(&flushWriter{rw: rw, flusher: flusher})
	firstChunk := true

	err := s.queue.IterEvents(r.Context(), jobID, true, func(evt queue.QueueEvent) error {
		switch evt.Type {
		case queue.EventStatus:
			return writeSSE(w, sseFrame{
				ID:          jobID,
				Choices:     []choice{{Delta: choiceDelta{}, FinishReason: nil}},
				AgentStatus: string(evt.Status),
			})
		case queue.EventChunk:
			if firstChunk {
				firstChunk = false
				if err := writeSSE(w, sseFrame{ID: jobID, Choices: []choice{{Delta: choiceDelta{Role: "assistant"}}}}); err != nil {
					return err
				}
			}
			return writeSSE(w, sseFrame{ID: jobID, Choices: []choice{{Delta: choiceDelta{Content: evt.Content}}}})
		case queue.EventHeartbeat:
			return writeSSEComment(w, "heartbeat "+string(evt.Status))
		case queue.EventCompleted:
			if err := writeSSE(w, sseFrame{
				ID:             jobID,
				Choices:        []choice{{Delta: choiceDelta{}, FinishReason: finishReason("stop")}},
				AgentStatus:    "completed",
				Usage:          evt.Usage,
				MessageMeta:    evt.Metadata,
				ConversationID: conversationID,
				JobID:          jobID,
			}); err != nil {
				return err
			}
			return writeSSEDone(w)
		case queue.EventInterrupt:
			content := ""
			if q, ok := evt.Metadata["question"].(string); ok {
				content = q
			}
			if err := writeSSE(w, sseFrame{
				ID:             jobID,
				Choices:        []choice{{Delta: choiceDelta{Content: content}, FinishReason: finishReason("stop")}},
				AgentStatus:    "interrupted",
				MessageMeta:    evt.Metadata,
				ConversationID: conversationID,
				JobID:          jobID,
			}); err != nil {
				return err
			}
			return writeSSEDone(w)
		case queue.EventFailed:
			if err := writeSSE(w, newErrorBody(evt.Error, conversationID, jobID)); err != nil {
				return err
			}
			return writeSSEDone(w)
		default:
			return nil
		}
	})
	if err != nil {
		logging.Warn("proxy", "stream ended with error", "job_id", jobID, "error", err)
		if errors.Is(err, queue.ErrUnknownJob) {
			_ = writeSSE(w, newErrorBody(err.Error(), conversationID, jobID))
			_ = writeSSEDone(w)
		}
	}
}

// flushWriter adapts an http.ResponseWriter+http.Flusher pair to io.Writer,
// flushing after every write so each SSE frame reaches the client promptly.
type flushWriter struct {
	rw      http.ResponseWriter
	flusher http.Flusher
}

func (f *flushWriter) Write(p []byte) (int, error) {
	n, err := f.rw.Write(p)
	f.flusher.Flush()
	return n, err
}

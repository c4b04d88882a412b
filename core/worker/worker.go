// Package worker implements the dequeue-execute loop that drains jobs from
// the queue, invokes the backend, and republishes the resulting event
// sequence.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/taskbridge/taskbridge/core/backend"
	"github.com/taskbridge/taskbridge/core/infra/logging"
	"github.com/taskbridge/taskbridge/core/queue"
)

// Backend is the subset of backend.Client the worker depends on.
type Backend interface {
	SendMessage(ctx context.Context, req backend.SendMessageRequest) (*backend.Reply, error)
	SendMessageStream(ctx context.Context, req backend.SendMessageRequest) (<-chan backend.StreamEvent, error)
}

// Queue is the subset of queue.Queue the worker depends on.
type Queue interface {
	PopJob(ctx context.Context, timeout time.Duration) (*queue.EnqueuePayload, error)
	MarkStatus(ctx context.Context, jobID string, stage queue.Stage, extra map[string]any) error
	PublishEvent(ctx context.Context, event queue.QueueEvent) error
	RegisterActiveJob(ctx context.Context, jobID string) error
	ClearActiveJob(ctx context.Context, jobID string) error
	UpdateHeartbeat(ctx context.Context, jobID string, stage queue.Stage) error
	StoreResult(ctx context.Context, jobID string, result map[string]any) error
	StoreFailure(ctx context.Context, jobID, errMsg string) error
}

// Config controls polling cadence and chunking behavior.
type Config struct {
	Concurrency       int
	PopTimeout        time.Duration
	HeartbeatInterval time.Duration
	ChunkCharLimit    int
}

// Worker drains jobs from Queue and executes them against Backend.
type Worker struct {
	queue   Queue
	backend Backend
	cfg     Config
}

func New(q Queue, b Backend, cfg Config) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.PopTimeout <= 0 {
		cfg.PopTimeout = 5 * time.Second
	}
	return &Worker{queue: q, backend: b, cfg: cfg}
}

// Run starts cfg.Concurrency sibling dequeue loops and blocks until ctx is
// cancelled and every loop has drained its in-flight job.
func (w *Worker) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Concurrency; i++ {
		wg.Add(1)
		id := i
		go func() {
			defer wg.Done()
			w.loop(ctx, id)
		}()
	}
	wg.Wait()
}

func (w *Worker) loop(ctx context.Context, id int) {
	logging.Info("worker", "loop started", "worker_id", id)
	for {
		select {
		case <-ctx.Done():
			logging.Info("worker", "loop stopped", "worker_id", id)
			return
		default:
		}

		job, err := w.queue.PopJob(ctx, w.cfg.PopTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logging.Error("worker", "pop job failed", "worker_id", id, "error", err)
			continue
		}
		if job == nil {
			continue
		}
		// A job in flight runs to completion on an uncancellable context: the
		// poll loop above is what breaks on shutdown, not the job itself, so
		// SIGINT/SIGTERM never truncates a backend call or leaves a job stuck
		// non-terminal in the active set.
		w.processJob(context.Background(), *job)
	}
}

// jobState tracks the current lifecycle stage for heartbeat reporting; it is
// read from the heartbeat goroutine while the process goroutine mutates it.
type jobState struct {
	mu    sync.Mutex
	stage queue.Stage
}

func (s *jobState) set(stage queue.Stage) {
	s.mu.Lock()
	s.stage = stage
	s.mu.Unlock()
}

func (s *jobState) get() queue.Stage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stage
}

func (w *Worker) processJob(ctx context.Context, payload queue.EnqueuePayload) {
	jobID := payload.JobID
	logging.Info("worker", "processing job", "job_id", jobID, "conversation_id", payload.ConversationID)

	if err := w.queue.MarkStatus(ctx, jobID, queue.StageRunning, nil); err != nil {
		logging.Error("worker", "mark running failed", "job_id", jobID, "error", err)
	}
	if err := w.queue.PublishEvent(ctx, queue.QueueEvent{JobID: jobID, Type: queue.EventStatus, Status: queue.StageRunning}); err != nil {
		logging.Error("worker", "publish running failed", "job_id", jobID, "error", err)
	}
	if err := w.queue.RegisterActiveJob(ctx, jobID); err != nil {
		logging.Error("worker", "register active job failed", "job_id", jobID, "error", err)
	}

	state := &jobState{stage: queue.StageRunning}
	_ = w.queue.UpdateHeartbeat(ctx, jobID, state.get())

	hbCtx, cancelHeartbeat := context.WithCancel(ctx)
	var hbWG sync.WaitGroup
	hbWG.Add(1)
	go func() {
		defer hbWG.Done()
		w.heartbeatLoop(hbCtx, jobID, state)
	}()
	defer func() {
		cancelHeartbeat()
		hbWG.Wait()
	}()

	req := backend.SendMessageRequest{
		ConversationID: payload.ConversationID,
		UserID:         payload.UserID,
		UserRole:       payload.UserRole,
		Text:           payload.Text,
		RawUserText:    payload.RawUserText,
		Attachments:    payload.Attachments,
		Metadata:       payload.Metadata,
	}

	if payload.Stream {
		w.processStreaming(ctx, jobID, payload.ConversationID, req, state)
		return
	}
	w.processBlocking(ctx, jobID, payload.ConversationID, req, state)
}

func (w *Worker) heartbeatLoop(ctx context.Context, jobID string, state *jobState) {
	if w.cfg.HeartbeatInterval <= 0 {
		return
	}
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stage := state.get()
			if err := w.queue.UpdateHeartbeat(context.Background(), jobID, stage); err != nil {
				logging.Error("worker", "heartbeat update failed", "job_id", jobID, "error", err)
			}
			if err := w.queue.PublishEvent(context.Background(), queue.QueueEvent{JobID: jobID, Type: queue.EventHeartbeat, Status: stage}); err != nil {
				logging.Error("worker", "heartbeat publish failed", "job_id", jobID, "error", err)
			}
		}
	}
}

func (w *Worker) beginStreamingStatus(ctx context.Context, jobID string, state *jobState) {
	state.set(queue.StageStreaming)
	if err := w.queue.MarkStatus(ctx, jobID, queue.StageStreaming, nil); err != nil {
		logging.Error("worker", "mark streaming failed", "job_id", jobID, "error", err)
	}
	if err := w.queue.PublishEvent(ctx, queue.QueueEvent{JobID: jobID, Type: queue.EventStatus, Status: queue.StageStreaming}); err != nil {
		logging.Error("worker", "publish streaming failed", "job_id", jobID, "error", err)
	}
}

func (w *Worker) publishChunk(ctx context.Context, jobID, content string, state *jobState) {
	if err := w.queue.PublishEvent(ctx, queue.QueueEvent{JobID: jobID, Type: queue.EventChunk, Content: content}); err != nil {
		logging.Error("worker", "publish chunk failed", "job_id", jobID, "error", err)
	}
	if err := w.queue.UpdateHeartbeat(ctx, jobID, state.get()); err != nil {
		logging.Error("worker", "heartbeat update failed", "job_id", jobID, "error", err)
	}
}

func (w *Worker) processBlocking(ctx context.Context, jobID, conversationID string, req backend.SendMessageRequest, state *jobState) {
	reply, err := w.backend.SendMessage(ctx, req)
	if err != nil {
		w.fail(ctx, jobID, fmt.Sprintf("Agent invocation failed: %v", err), state)
		return
	}
	w.completeFromReply(ctx, jobID, conversationID, reply, false, state)
}

func (w *Worker) processStreaming(ctx context.Context, jobID, conversationID string, req backend.SendMessageRequest, state *jobState) {
	events, err := w.backend.SendMessageStream(ctx, req)
	if err != nil {
		w.fail(ctx, jobID, fmt.Sprintf("Agent invocation failed: %v", err), state)
		return
	}

	streamed := false
	var finalReply *backend.Reply
	for evt := range events {
		if evt.Content != "" {
			if !streamed {
				w.beginStreamingStatus(ctx, jobID, state)
				streamed = true
			}
			w.publishChunk(ctx, jobID, evt.Content, state)
		}
		if evt.Final {
			finalReply = evt.Reply
		}
	}

	if finalReply == nil {
		w.fail(ctx, jobID, "Agent invocation failed: stream ended without terminal event", state)
		return
	}
	w.completeFromReply(ctx, jobID, conversationID, finalReply, streamed, state)
}

func (w *Worker) completeFromReply(ctx context.Context, jobID, conversationID string, reply *backend.Reply, streamedAlready bool, state *jobState) {
	msg := reply.AgentMessage
	rawText := msg.RawText
	attachments := ExtractAttachments(msg)

	if msg.Metadata.AgentStatus == "interrupted" {
		w.interrupt(ctx, jobID, msg, rawText, state)
		return
	}

	if rawText != "" && !streamedAlready {
		w.beginStreamingStatus(ctx, jobID, state)
		for _, chunk := range ChunkText(rawText, w.chunkLimit()) {
			w.publishChunk(ctx, jobID, chunk, state)
		}
	}

	result := map[string]any{
		"conversation_id": conversationID,
		"content":         rawText,
	}
	if len(attachments) > 0 {
		result["attachments"] = attachments
	}

	state.set(queue.StageCompleted)
	if err := w.queue.StoreResult(ctx, jobID, result); err != nil {
		logging.Error("worker", "store result failed", "job_id", jobID, "error", err)
	}
	if err := w.queue.PublishEvent(ctx, queue.QueueEvent{JobID: jobID, Type: queue.EventCompleted, Status: queue.StageCompleted, Metadata: result, Usage: reply.Usage}); err != nil {
		logging.Error("worker", "publish completed failed", "job_id", jobID, "error", err)
	}
	logging.Info("worker", "job completed", "job_id", jobID)
}

func (w *Worker) interrupt(ctx context.Context, jobID string, msg backend.AgentMessage, rawText string, state *jobState) {
	metadata := map[string]any{"agent_status": msg.Metadata.AgentStatus}
	if msg.Metadata.InterruptPayload != nil {
		metadata["interrupt_id"] = msg.Metadata.InterruptPayload.InterruptID
		metadata["question"] = msg.Metadata.InterruptPayload.Question
		if msg.Metadata.InterruptPayload.Content != "" {
			metadata["content"] = msg.Metadata.InterruptPayload.Content
		}
	}
	if _, ok := metadata["content"]; !ok && rawText != "" {
		metadata["content"] = rawText
	}

	state.set(queue.StageInterrupted)
	if err := w.queue.MarkStatus(ctx, jobID, queue.StageInterrupted, map[string]any{"result": metadata}); err != nil {
		logging.Error("worker", "mark interrupted failed", "job_id", jobID, "error", err)
	}
	if err := w.queue.PublishEvent(ctx, queue.QueueEvent{JobID: jobID, Type: queue.EventInterrupt, Status: queue.StageInterrupted, Metadata: metadata}); err != nil {
		logging.Error("worker", "publish interrupt failed", "job_id", jobID, "error", err)
	}
	if err := w.queue.ClearActiveJob(ctx, jobID); err != nil {
		logging.Error("worker", "clear active job failed", "job_id", jobID, "error", err)
	}
	logging.Info("worker", "job interrupted", "job_id", jobID)
}

func (w *Worker) fail(ctx context.Context, jobID, message string, state *jobState) {
	state.set(queue.StageFailed)
	logging.Error("worker", "job failed", "job_id", jobID, "error", message)
	if err := w.queue.StoreFailure(ctx, jobID, message); err != nil {
		logging.Error("worker", "store failure failed", "job_id", jobID, "error", err)
	}
	if err := w.queue.PublishEvent(ctx, queue.QueueEvent{JobID: jobID, Type: queue.EventFailed, Status: queue.StageFailed, Error: message}); err != nil {
		logging.Error("worker", "publish failed event failed", "job_id", jobID, "error", err)
	}
}

func (w *Worker) chunkLimit() int {
	if w.cfg.ChunkCharLimit <= 0 {
		return 600
	}
	return w.cfg.ChunkCharLimit
}

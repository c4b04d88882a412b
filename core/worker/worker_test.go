package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/taskbridge/taskbridge/core/backend"
	"github.com/taskbridge/taskbridge/core/queue"
)

type fakeQueue struct {
	mu     sync.Mutex
	jobs   []queue.EnqueuePayload
	events []queue.QueueEvent
	status map[string]queue.Stage
	result map[string]map[string]any
	failed map[string]string
	active map[string]bool
}

func newFakeQueue(jobs ...queue.EnqueuePayload) *fakeQueue {
	return &fakeQueue{
		jobs:   jobs,
		status: map[string]queue.Stage{},
		result: map[string]map[string]any{},
		failed: map[string]string{},
		active: map[string]bool{},
	}
}

func (f *fakeQueue) PopJob(ctx context.Context, timeout time.Duration) (*queue.EnqueuePayload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.jobs) == 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(timeout):
		}
		return nil, nil
	}
	job := f.jobs[0]
	f.jobs = f.jobs[1:]
	return &job, nil
}

func (f *fakeQueue) MarkStatus(ctx context.Context, jobID string, stage queue.Stage, extra map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[jobID] = stage
	return nil
}

func (f *fakeQueue) PublishEvent(ctx context.Context, event queue.QueueEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func (f *fakeQueue) RegisterActiveJob(ctx context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active[jobID] = true
	return nil
}

func (f *fakeQueue) ClearActiveJob(ctx context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.active, jobID)
	return nil
}

func (f *fakeQueue) UpdateHeartbeat(ctx context.Context, jobID string, stage queue.Stage) error {
	return nil
}

func (f *fakeQueue) StoreResult(ctx context.Context, jobID string, result map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.result[jobID] = result
	f.status[jobID] = queue.StageCompleted
	delete(f.active, jobID)
	return nil
}

func (f *fakeQueue) StoreFailure(ctx context.Context, jobID, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed[jobID] = errMsg
	f.status[jobID] = queue.StageFailed
	delete(f.active, jobID)
	return nil
}

func (f *fakeQueue) eventTypes() []queue.EventType {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]queue.EventType, len(f.events))
	for i, e := range f.events {
		out[i] = e.Type
	}
	return out
}

type fakeBackend struct {
	reply      *backend.Reply
	err        error
	streamEvts []backend.StreamEvent
	streamErr  error
	release    chan struct{}
}

func (f *fakeBackend) SendMessage(ctx context.Context, req backend.SendMessageRequest) (*backend.Reply, error) {
	if f.release != nil {
		<-f.release
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.reply, nil
}

func (f *fakeBackend) SendMessageStream(ctx context.Context, req backend.SendMessageRequest) (<-chan backend.StreamEvent, error) {
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	ch := make(chan backend.StreamEvent, len(f.streamEvts))
	for _, e := range f.streamEvts {
		ch <- e
	}
	close(ch)
	return ch, nil
}

func waitForJobCompletion(t *testing.T, fq *fakeQueue, jobID string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		fq.mu.Lock()
		_, done := fq.result[jobID]
		_, fail := fq.failed[jobID]
		fq.mu.Unlock()
		if done || fail {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s did not reach a terminal state within %s", jobID, timeout)
}

func TestWorkerBlockingCompletion(t *testing.T) {
	fq := newFakeQueue(queue.EnqueuePayload{JobID: "job-1", ConversationID: "conv-1", UserID: "user-1", Text: "hi"})
	fb := &fakeBackend{reply: &backend.Reply{
		AgentMessage: backend.AgentMessage{
			RawText:  "hello there",
			Metadata: backend.AgentMessageMetadata{AgentStatus: "active"},
		},
	}}

	w := New(fq, fb, Config{Concurrency: 1, PopTimeout: 20 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)

	waitForJobCompletion(t, fq, "job-1", 2*time.Second)
	cancel()

	fq.mu.Lock()
	defer fq.mu.Unlock()
	if fq.status["job-1"] != queue.StageCompleted {
		t.Fatalf("expected completed status, got %s", fq.status["job-1"])
	}
	if fq.result["job-1"]["content"] != "hello there" {
		t.Fatalf("unexpected result: %#v", fq.result["job-1"])
	}
	if _, stillActive := fq.active["job-1"]; stillActive {
		t.Fatal("expected active job to be cleared on completion")
	}
}

func TestWorkerBlockingFailure(t *testing.T) {
	fq := newFakeQueue(queue.EnqueuePayload{JobID: "job-1", ConversationID: "conv-1", UserID: "user-1", Text: "hi"})
	fb := &fakeBackend{err: errors.New("backend unreachable")}

	w := New(fq, fb, Config{Concurrency: 1, PopTimeout: 20 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)

	waitForJobCompletion(t, fq, "job-1", 2*time.Second)
	cancel()

	fq.mu.Lock()
	defer fq.mu.Unlock()
	if fq.status["job-1"] != queue.StageFailed {
		t.Fatalf("expected failed status, got %s", fq.status["job-1"])
	}
	if fq.failed["job-1"] == "" {
		t.Fatal("expected a failure message")
	}
}

func TestWorkerBlockingCompletionCarriesUsage(t *testing.T) {
	fq := newFakeQueue(queue.EnqueuePayload{JobID: "job-1", ConversationID: "conv-1", UserID: "user-1", Text: "hi"})
	fb := &fakeBackend{reply: &backend.Reply{
		AgentMessage: backend.AgentMessage{
			RawText:  "hello there",
			Metadata: backend.AgentMessageMetadata{AgentStatus: "active"},
		},
		Usage: map[string]any{"total_tokens": float64(42)},
	}}

	w := New(fq, fb, Config{Concurrency: 1, PopTimeout: 20 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)

	waitForJobCompletion(t, fq, "job-1", 2*time.Second)
	cancel()

	fq.mu.Lock()
	defer fq.mu.Unlock()
	var usage map[string]any
	for _, evt := range fq.events {
		if evt.Type == queue.EventCompleted {
			usage = evt.Usage
		}
	}
	if usage["total_tokens"] != float64(42) {
		t.Fatalf("expected completed event to carry usage, got %#v", usage)
	}
}

func TestWorkerFinishesInFlightJobAfterShutdownSignal(t *testing.T) {
	fq := newFakeQueue(queue.EnqueuePayload{JobID: "job-1", ConversationID: "conv-1", UserID: "user-1", Text: "hi"})
	release := make(chan struct{})
	fb := &fakeBackend{release: release, reply: &backend.Reply{
		AgentMessage: backend.AgentMessage{
			RawText:  "hello there",
			Metadata: backend.AgentMessageMetadata{AgentStatus: "active"},
		},
	}}

	w := New(fq, fb, Config{Concurrency: 1, PopTimeout: 20 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(runDone)
	}()

	// Give the loop time to pop the job and block inside SendMessage before
	// the shutdown signal arrives.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-runDone:
		t.Fatal("Run returned before the in-flight job was released")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	waitForJobCompletion(t, fq, "job-1", 2*time.Second)

	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after the in-flight job completed")
	}

	fq.mu.Lock()
	defer fq.mu.Unlock()
	if fq.status["job-1"] != queue.StageCompleted {
		t.Fatalf("expected completed status despite shutdown signal, got %s", fq.status["job-1"])
	}
	if _, stillActive := fq.active["job-1"]; stillActive {
		t.Fatal("expected active job to be cleared despite shutdown signal")
	}
}

func TestWorkerInterrupted(t *testing.T) {
	fq := newFakeQueue(queue.EnqueuePayload{JobID: "job-1", ConversationID: "conv-1", UserID: "user-1", Text: "hi"})
	fb := &fakeBackend{reply: &backend.Reply{
		AgentMessage: backend.AgentMessage{
			RawText: "need input",
			Metadata: backend.AgentMessageMetadata{
				AgentStatus:      "interrupted",
				InterruptPayload: &backend.InterruptPayload{InterruptID: "int-1", Question: "which one?"},
			},
		},
	}}

	w := New(fq, fb, Config{Concurrency: 1, PopTimeout: 20 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		fq.mu.Lock()
		status := fq.status["job-1"]
		fq.mu.Unlock()
		if status == queue.StageInterrupted {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	fq.mu.Lock()
	defer fq.mu.Unlock()
	if fq.status["job-1"] != queue.StageInterrupted {
		t.Fatalf("expected interrupted status, got %s", fq.status["job-1"])
	}
	if _, stillActive := fq.active["job-1"]; stillActive {
		t.Fatal("expected active job to be cleared on interrupt")
	}
}

func TestWorkerStreamingChunksBeforeCompletion(t *testing.T) {
	fq := newFakeQueue(queue.EnqueuePayload{JobID: "job-1", ConversationID: "conv-1", UserID: "user-1", Text: "hi", Stream: true})
	fb := &fakeBackend{streamEvts: []backend.StreamEvent{
		{Content: "hel"},
		{Content: "lo"},
		{Final: true, Reply: &backend.Reply{AgentMessage: backend.AgentMessage{
			RawText:  "hello",
			Metadata: backend.AgentMessageMetadata{AgentStatus: "active"},
		}}},
	}}

	w := New(fq, fb, Config{Concurrency: 1, PopTimeout: 20 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)

	waitForJobCompletion(t, fq, "job-1", 2*time.Second)
	cancel()

	fq.mu.Lock()
	events := append([]queue.QueueEvent(nil), fq.events...)
	fq.mu.Unlock()
	sawStreaming := false
	chunkCount := 0
	sawCompleted := false
	for _, evt := range events {
		switch evt.Type {
		case queue.EventStatus:
			if evt.Status == queue.StageStreaming {
				sawStreaming = true
			}
		case queue.EventChunk:
			if !sawStreaming {
				t.Fatal("chunk event published before status=streaming")
			}
			chunkCount++
		case queue.EventCompleted:
			sawCompleted = true
		}
	}
	if chunkCount != 2 {
		t.Fatalf("expected 2 chunk events from the stream, got %d", chunkCount)
	}
	if !sawCompleted {
		t.Fatal("expected a completed event")
	}
}

func TestExtractAttachmentsFallsBackToSegments(t *testing.T) {
	content, _ := json.Marshal(map[string]any{
		"type": "segments",
		"parts": []any{
			map[string]any{"type": "text", "text": "hi"},
			map[string]any{"type": "image", "url": "http://example.com/a.png"},
		},
	})
	msg := backend.AgentMessage{Content: content}
	attachments := ExtractAttachments(msg)
	if len(attachments) != 1 || attachments[0]["type"] != "image" {
		t.Fatalf("unexpected attachments: %#v", attachments)
	}
}

func TestChunkTextSplitsOnLimit(t *testing.T) {
	chunks := ChunkText("abcdefgh", 3)
	if len(chunks) != 3 || chunks[0] != "abc" || chunks[2] != "gh" {
		t.Fatalf("unexpected chunks: %#v", chunks)
	}
	if ChunkText("", 3) != nil {
		t.Fatal("expected no chunks for empty input")
	}
}

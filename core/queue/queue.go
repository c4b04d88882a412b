// Package queue implements the broker-backed job queue: enqueueing,
// status tracking, active-job liveness bookkeeping, and the published
// event stream that workers write to and the proxy reads from.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/taskbridge/taskbridge/core/broker"
	"github.com/taskbridge/taskbridge/core/infra/logging"
)

// Broadcaster receives a best-effort copy of every published event, for
// operator dashboards. It must never block the caller.
type Broadcaster interface {
	Publish(event any)
}

// Metrics receives job lifecycle counters and timings. It must never block
// the caller.
type Metrics interface {
	IncJobsEnqueued(model string)
	IncJobsCompleted(model, outcome string)
	ObserveJobDuration(model, outcome string, durationSeconds float64)
	SetActiveJobs(count float64)
}

type noopMetrics struct{}

func (noopMetrics) IncJobsEnqueued(string)                     {}
func (noopMetrics) IncJobsCompleted(string, string)            {}
func (noopMetrics) ObserveJobDuration(string, string, float64) {}
func (noopMetrics) SetActiveJobs(float64)                      {}

// Queue is the broker-backed job queue described by the Queue API.
type Queue struct {
	client broker.Client

	queueKey      string
	statusPrefix  string
	channelPrefix string
	activeJobsKey string
	jobTTL        time.Duration

	dashboard Broadcaster
	metrics   Metrics
}

// New constructs a Queue over client using the given key prefixes and TTL.
func New(client broker.Client, queueKey, statusPrefix, channelPrefix string, jobTTL time.Duration) *Queue {
	return &Queue{
		client:        client,
		queueKey:      queueKey,
		statusPrefix:  statusPrefix,
		channelPrefix: channelPrefix,
		activeJobsKey: statusPrefix + "active_jobs",
		jobTTL:        jobTTL,
		metrics:       noopMetrics{},
	}
}

// SetDashboard wires an optional dashboard broadcaster. Every event
// PublishEvent successfully writes to the broker is also, best-effort and
// after the broker publish, offered to sub.
func (q *Queue) SetDashboard(sub Broadcaster) {
	q.dashboard = sub
}

// SetMetrics wires an optional metrics sink. Enqueue, StoreResult, and
// StoreFailure report through it once set.
func (q *Queue) SetMetrics(m Metrics) {
	q.metrics = m
}

func (q *Queue) statusKey(jobID string) string {
	return q.statusPrefix + jobID
}

func (q *Queue) channel(jobID string) string {
	return q.channelPrefix + jobID
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

// Enqueue writes the job's initial status hash, pushes the payload onto the
// FIFO list, and publishes the queued status event, in that order.
func (q *Queue) Enqueue(ctx context.Context, payload EnqueuePayload) error {
	now := nowSeconds()
	fields := map[string]string{
		"status":          string(StageQueued),
		"created_at":      formatTS(now),
		"updated_at":      formatTS(now),
		"conversation_id": payload.ConversationID,
		"model":           payload.Model,
		"user_id":         payload.UserID,
	}
	statusKey := q.statusKey(payload.JobID)
	if err := q.client.HSetMany(ctx, statusKey, fields); err != nil {
		return err
	}
	if err := q.client.Expire(ctx, statusKey, q.jobTTL); err != nil {
		return err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal enqueue payload: %w", err)
	}
	if err := q.client.RPush(ctx, q.queueKey, body); err != nil {
		return err
	}

	logging.Info("queue", "job enqueued", "job_id", payload.JobID, "conversation_id", payload.ConversationID)
	q.metrics.IncJobsEnqueued(payload.Model)
	return q.PublishEvent(ctx, QueueEvent{JobID: payload.JobID, Type: EventStatus, Status: StageQueued})
}

// PublishEvent writes event to the job's broker channel, then — if a
// dashboard broadcaster is wired — offers it there too, non-blocking.
func (q *Queue) PublishEvent(ctx context.Context, event QueueEvent) error {
	body, err := event.Marshal()
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := q.client.Publish(ctx, q.channel(event.JobID), body); err != nil {
		return err
	}
	logging.Info("queue", "event published", "job_id", event.JobID, "type", event.Type, "status", event.Status)
	if q.dashboard != nil {
		q.dashboard.Publish(event)
	}
	return nil
}

// MarkStatus updates the status hash's stage and heartbeat timestamp, plus
// any extra fields (JSON-encoded when the value is a map or slice).
func (q *Queue) MarkStatus(ctx context.Context, jobID string, stage Stage, extra map[string]any) error {
	now := nowSeconds()
	fields := map[string]string{
		"status":         string(stage),
		"updated_at":     formatTS(now),
		"last_heartbeat": formatTS(now),
	}
	for k, v := range extra {
		fields[k] = encodeExtraField(v)
	}
	statusKey := q.statusKey(jobID)
	if err := q.client.HSetMany(ctx, statusKey, fields); err != nil {
		return err
	}
	return q.client.Expire(ctx, statusKey, q.jobTTL)
}

func encodeExtraField(v any) string {
	switch t := v.(type) {
	case string:
		return t
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(data)
	}
}

// StoreResult marks the job completed with result, then clears it from the
// active-jobs set.
func (q *Queue) StoreResult(ctx context.Context, jobID string, result map[string]any) error {
	if err := q.MarkStatus(ctx, jobID, StageCompleted, map[string]any{"result": result}); err != nil {
		return err
	}
	q.reportOutcome(ctx, jobID, "completed")
	return q.ClearActiveJob(ctx, jobID)
}

// StoreFailure marks the job failed with error, then clears it from the
// active-jobs set.
func (q *Queue) StoreFailure(ctx context.Context, jobID, errMsg string) error {
	if err := q.MarkStatus(ctx, jobID, StageFailed, map[string]any{"error": errMsg}); err != nil {
		return err
	}
	q.reportOutcome(ctx, jobID, "failed")
	return q.ClearActiveJob(ctx, jobID)
}

// reportOutcome looks up the job's model and enqueue time to report a
// terminal outcome through the metrics sink. Best-effort: a lookup failure
// here must never fail the caller's write path.
func (q *Queue) reportOutcome(ctx context.Context, jobID, outcome string) {
	status, err := q.GetStatus(ctx, jobID)
	if err != nil {
		return
	}
	q.metrics.IncJobsCompleted(status.Model, outcome)
	if status.CreatedAt > 0 {
		q.metrics.ObserveJobDuration(status.Model, outcome, nowSeconds()-status.CreatedAt)
	}
}

// RegisterActiveJob records the job's first heartbeat and adds it to the
// active-jobs sorted set, keyed by heartbeat timestamp.
func (q *Queue) RegisterActiveJob(ctx context.Context, jobID string) error {
	now := nowSeconds()
	statusKey := q.statusKey(jobID)
	if err := q.client.HSetMany(ctx, statusKey, map[string]string{"last_heartbeat": formatTS(now)}); err != nil {
		return err
	}
	if err := q.client.ZAdd(ctx, q.activeJobsKey, now, jobID); err != nil {
		return err
	}
	q.reportActiveJobs(ctx)
	return q.client.Expire(ctx, statusKey, q.jobTTL)
}

// ClearActiveJob removes jobID from the active-jobs sorted set.
func (q *Queue) ClearActiveJob(ctx context.Context, jobID string) error {
	if err := q.client.ZRem(ctx, q.activeJobsKey, jobID); err != nil {
		return err
	}
	q.reportActiveJobs(ctx)
	return nil
}

// reportActiveJobs pushes the current active-jobs count to the metrics
// sink. Errors are logged, not returned: a failed gauge read must never
// fail the caller's job-lifecycle operation.
func (q *Queue) reportActiveJobs(ctx context.Context) {
	count, err := q.client.ZCard(ctx, q.activeJobsKey)
	if err != nil {
		logging.Warn("queue", "active job count unavailable", "error", err)
		return
	}
	q.metrics.SetActiveJobs(float64(count))
}

// UpdateHeartbeat refreshes a job's liveness timestamp and, optionally, its
// stage.
func (q *Queue) UpdateHeartbeat(ctx context.Context, jobID string, stage Stage) error {
	now := nowSeconds()
	fields := map[string]string{
		"last_heartbeat": formatTS(now),
		"updated_at":     formatTS(now),
	}
	if stage != "" {
		fields["status"] = string(stage)
	}
	statusKey := q.statusKey(jobID)
	if err := q.client.HSetMany(ctx, statusKey, fields); err != nil {
		return err
	}
	if err := q.client.ZAdd(ctx, q.activeJobsKey, now, jobID); err != nil {
		return err
	}
	return q.client.Expire(ctx, statusKey, q.jobTTL)
}

// FailJobIfActive fails jobID with reason unless it has already reached a
// terminal stage, in which case it is simply cleared from the active set.
// Returns whether the job was actually failed.
func (q *Queue) FailJobIfActive(ctx context.Context, jobID, reason string) (bool, error) {
	status, err := q.GetStatus(ctx, jobID)
	if err != nil && !errors.Is(err, ErrUnknownJob) {
		return false, err
	}
	switch status.Status {
	case StageCompleted, StageFailed, StageInterrupted, "":
		return false, q.ClearActiveJob(ctx, jobID)
	}
	if err := q.StoreFailure(ctx, jobID, reason); err != nil {
		return false, err
	}
	if err := q.PublishEvent(ctx, QueueEvent{JobID: jobID, Type: EventFailed, Status: StageFailed, Error: reason}); err != nil {
		return false, err
	}
	logging.Warn("queue", "job marked failed", "job_id", jobID, "reason", reason)
	return true, nil
}

// FailStaleJobs scans the active-jobs set for entries whose heartbeat is
// older than staleAfter and fails each one still active. Returns the ids
// that were failed.
func (q *Queue) FailStaleJobs(ctx context.Context, staleAfter time.Duration) ([]string, error) {
	if staleAfter <= 0 {
		return nil, nil
	}
	cutoff := nowSeconds() - staleAfter.Seconds()
	staleIDs, err := q.client.ZRangeByScore(ctx, q.activeJobsKey, math.Inf(-1), cutoff)
	if err != nil {
		return nil, err
	}
	var failed []string
	for _, jobID := range staleIDs {
		ok, err := q.FailJobIfActive(ctx, jobID, "Heartbeat timeout exceeded")
		if err != nil {
			return failed, err
		}
		if ok {
			failed = append(failed, jobID)
		}
	}
	if len(failed) > 0 {
		logging.Warn("queue", "stale heartbeat detected", "job_ids", fmt.Sprintf("%v", failed))
	}
	return failed, nil
}

// GetStatus decodes a job's status hash. Returns ErrUnknownJob if the hash
// does not exist.
func (q *Queue) GetStatus(ctx context.Context, jobID string) (JobStatus, error) {
	raw, err := q.client.HGetAll(ctx, q.statusKey(jobID))
	if err != nil {
		return JobStatus{}, err
	}
	if len(raw) == 0 {
		return JobStatus{}, ErrUnknownJob
	}
	status := JobStatus{
		Status:         Stage(raw["status"]),
		ConversationID: raw["conversation_id"],
		Model:          raw["model"],
		UserID:         raw["user_id"],
		Error:          raw["error"],
	}
	status.CreatedAt = parseTS(raw["created_at"])
	status.UpdatedAt = parseTS(raw["updated_at"])
	status.LastHeartbeat = parseTS(raw["last_heartbeat"])
	if resultRaw, ok := raw["result"]; ok && resultRaw != "" {
		var result map[string]any
		if err := json.Unmarshal([]byte(resultRaw), &result); err == nil {
			status.Result = result
		}
	}
	return status, nil
}

// PopJob blocks up to timeout waiting for a job on the FIFO list.
func (q *Queue) PopJob(ctx context.Context, timeout time.Duration) (*EnqueuePayload, error) {
	data, err := q.client.BLPop(ctx, q.queueKey, timeout)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}
	var payload EnqueuePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("decode enqueue payload: %w", err)
	}
	return &payload, nil
}

// IterEvents subscribes to jobID's channel and yields events to fn until a
// terminal event is observed, ctx is cancelled, or fn returns an error.
// When includeSnapshot is true, a synthetic status event reflecting the
// job's current stage is yielded first, closing the race between a job
// finishing before the subscription opens.
func (q *Queue) IterEvents(ctx context.Context, jobID string, includeSnapshot bool, fn func(QueueEvent) error) error {
	sub, err := q.client.Subscribe(ctx, q.channel(jobID))
	if err != nil {
		return err
	}
	defer sub.Close()

	if includeSnapshot {
		snapshot, err := q.GetStatus(ctx, jobID)
		if errors.Is(err, ErrUnknownJob) {
			return ErrUnknownJob
		}
		stage := StageQueued
		if err == nil && snapshot.Status != "" {
			stage = snapshot.Status
		}
		evt := QueueEvent{JobID: jobID, Type: EventStatus, Status: stage}
		switch stage {
		case StageCompleted:
			evt.Type = EventCompleted
			evt.Metadata = snapshot.Result
		case StageFailed:
			evt.Type = EventFailed
			evt.Error = snapshot.Error
		case StageInterrupted:
			evt.Type = EventInterrupt
			evt.Metadata = snapshot.Result
		}
		if err := fn(evt); err != nil {
			return err
		}
		if evt.Type.terminal() {
			return nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-sub.Messages():
			if !ok {
				return broker.Transient(errors.New("subscription closed"))
			}
			var event QueueEvent
			if err := json.Unmarshal(data, &event); err != nil {
				continue
			}
			if err := fn(event); err != nil {
				return err
			}
			if event.Type.terminal() {
				return nil
			}
		}
	}
}

// WaitForCompletion is a convenience wrapper over IterEvents for callers
// that only want the terminal event, bounded by timeout.
func (q *Queue) WaitForCompletion(ctx context.Context, jobID string, timeout time.Duration) (QueueEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var terminal QueueEvent
	err := q.IterEvents(ctx, jobID, true, func(evt QueueEvent) error {
		if evt.Type.terminal() {
			terminal = evt
		}
		return nil
	})
	if terminal.Type != "" {
		return terminal, nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return QueueEvent{}, ErrTerminalWaitTimeout
	}
	if err != nil {
		return QueueEvent{}, err
	}
	return QueueEvent{JobID: jobID, Type: EventFailed, Status: StageFailed, Error: "No terminal event received."}, nil
}

func formatTS(ts float64) string {
	return strconv.FormatFloat(ts, 'f', -1, 64)
}

func parseTS(s string) float64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

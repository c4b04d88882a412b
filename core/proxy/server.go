// Package proxy implements the OpenAI-shaped HTTP facade that enqueues jobs
// and fans internal queue events back out to HTTP clients, either as an SSE
// stream or a single blocking response.
package proxy

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/taskbridge/taskbridge/core/infra/logging"
	"github.com/taskbridge/taskbridge/core/infra/schema"
	"github.com/taskbridge/taskbridge/core/queue"
)

// Queue is the subset of queue.Queue the proxy depends on.
type Queue interface {
	Enqueue(ctx context.Context, payload queue.EnqueuePayload) error
	IterEvents(ctx context.Context, jobID string, includeSnapshot bool, fn func(queue.QueueEvent) error) error
	WaitForCompletion(ctx context.Context, jobID string, timeout time.Duration) (queue.QueueEvent, error)
	GetStatus(ctx context.Context, jobID string) (queue.JobStatus, error)
}

// Metrics is the subset of metrics.Proxy the server reports request
// latency and outcome through.
type Metrics interface {
	ObserveRequest(route, status string, durationSeconds float64)
}

type noopMetrics struct{}

func (noopMetrics) ObserveRequest(string, string, float64) {}

// Server is the HTTP handler set for the proxy fan-in.
type Server struct {
	queue                 Queue
	metrics               Metrics
	completionWaitTimeout time.Duration
	metadataSchema        []byte
	inlineMetadataSchema  map[string]any
	schemaRegistry        *schema.Registry
}

// Config configures a Server.
type Config struct {
	CompletionWaitTimeout time.Duration
	MetadataSchemaPath    string
	SchemaRegistryURL     string
	InlineMetadataSchema  map[string]any
	Metrics               Metrics
}

// New builds a Server. Schema validation of a request's metadata and
// attachments is sourced, in order of preference: a per-model schema
// registered in SchemaRegistryURL under the request's model name, the
// static schema file at MetadataSchemaPath, then InlineMetadataSchema (a
// schema embedded directly in deployment config, useful for a schema too
// small to warrant its own file). The first of these that is configured
// and yields a match wins; none configured means no validation.
func New(q Queue, cfg Config) (*Server, error) {
	s := &Server{
		queue:                 q,
		metrics:               cfg.Metrics,
		completionWaitTimeout: cfg.CompletionWaitTimeout,
		inlineMetadataSchema:  cfg.InlineMetadataSchema,
	}
	if s.metrics == nil {
		s.metrics = noopMetrics{}
	}
	if s.completionWaitTimeout <= 0 {
		s.completionWaitTimeout = 210 * time.Second
	}
	if cfg.MetadataSchemaPath != "" {
		data, err := os.ReadFile(cfg.MetadataSchemaPath)
		if err != nil {
			return nil, fmt.Errorf("read metadata schema: %w", err)
		}
		s.metadataSchema = data
	}
	if cfg.SchemaRegistryURL != "" {
		reg, err := schema.NewRegistry(cfg.SchemaRegistryURL)
		if err != nil {
			return nil, fmt.Errorf("connect schema registry: %w", err)
		}
		s.schemaRegistry = reg
	}
	return s, nil
}

// Close releases resources held by the server, including its schema
// registry connection if one was configured.
func (s *Server) Close() error {
	if s.schemaRegistry != nil {
		return s.schemaRegistry.Close()
	}
	return nil
}

// Handler builds the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /v1/chat/completions", s.instrumented("/v1/chat/completions", s.handleChat))
	mux.HandleFunc("GET /v1/jobs/{id}", s.instrumented("/v1/jobs/{id}", s.handleGetJobStatus))
	return mux
}

// resolveMetadataSchema picks the schema a request's metadata and
// attachments must satisfy: a per-model schema from the registry when one
// is registered under req.Model, otherwise the static schema loaded from
// MetadataSchemaPath. A nil return means no validation is configured.
func (s *Server) resolveMetadataSchema(ctx context.Context, model string) ([]byte, error) {
	if s.schemaRegistry != nil && model != "" {
		data, ok, err := s.schemaRegistry.Lookup(ctx, model)
		if err != nil {
			return nil, fmt.Errorf("schema registry lookup: %w", err)
		}
		if ok {
			return data, nil
		}
	}
	return s.metadataSchema, nil
}

// validateValue checks value against whichever schema source is configured,
// preferring compiled schema bytes (file or registry) over the inline map.
func (s *Server) validateValue(schemaBytes []byte, value any) error {
	if schemaBytes != nil {
		return schema.ValidateSchema("metadata", schemaBytes, value)
	}
	if s.inlineMetadataSchema != nil {
		return schema.ValidateMap(s.inlineMetadataSchema, value)
	}
	return nil
}

func (s *Server) validateRequest(ctx context.Context, req ChatRequest) error {
	schemaBytes, err := s.resolveMetadataSchema(ctx, req.Model)
	if err != nil {
		return err
	}
	if schemaBytes == nil && s.inlineMetadataSchema == nil {
		return nil
	}
	if len(req.Metadata) > 0 {
		if err := s.validateValue(schemaBytes, req.Metadata); err != nil {
			return fmt.Errorf("metadata: %w", err)
		}
	}
	for i, attachment := range req.Attachments {
		if err := s.validateValue(schemaBytes, attachment); err != nil {
			return fmt.Errorf("attachments[%d]: %w", i, err)
		}
	}
	return nil
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, newErrorBody(err.Error(), req.ConversationID, ""))
		return
	}
	if err := s.validateRequest(r.Context(), req); err != nil {
		writeJSON(w, http.StatusBadRequest, newErrorBody(err.Error(), req.ConversationID, ""))
		return
	}

	jobID := uuid.NewString()
	payload := req.toPayload(jobID)
	if err := s.queue.Enqueue(r.Context(), payload); err != nil {
		logging.Error("proxy", "enqueue failed", "job_id", jobID, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, newErrorBody("failed to enqueue job", req.ConversationID, jobID))
		return
	}

	if req.Stream {
		s.streamJob(w, r, jobID, req.ConversationID)
		return
	}
	s.awaitJob(w, r, jobID, req.ConversationID, s.completionWaitTimeout)
}

func (s *Server) handleGetJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	status, err := s.queue.GetStatus(r.Context(), jobID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, newErrorBody(err.Error(), "", jobID))
		return
	}
	writeJSON(w, http.StatusOK, status)
}

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/haasonsaas/agui/internal/agent"
	"github.com/haasonsaas/agui/internal/conversations"
	"github.com/haasonsaas/agui/internal/pending"
	"github.com/haasonsaas/agui/pkg/models"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

type chatRequest struct {
	Message        string  `json:"message"`
	ConversationID *string `json:"conversation_id"`
	Stream         *bool   `json:"stream"`
}

type chatResponse struct {
	ConversationID string                 `json:"conversation_id"`
	Message        string                 `json:"message"`
	ToolCalls      []models.ToolCall      `json:"tool_calls,omitempty"`
	Events         []models.ProtocolEvent `json:"events"`
}

type toolResultRequest struct {
	ExecutionID string          `json:"execution_id"`
	Result      json.RawMessage `json:"result"`
	Error       *string         `json:"error"`
}

type errorResponse struct {
	ErrorKind string `json:"error_kind"`
	Message   string `json:"message"`
}

type healthResponse struct {
	Status                  string  `json:"status"`
	ActiveConversationCount int     `json:"active_conversation_count"`
	PendingExecutions       int     `json:"pending_executions"`
	UptimeSeconds           float64 `json:"uptime_seconds"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, agent.KindValidation, err.Error())
		return
	}
	var convID string
	if req.ConversationID != nil {
		convID = *req.ConversationID
	}

	turn, err := s.engine.Begin(r.Context(), agent.TurnRequest{ConversationID: convID, Message: req.Message})
	if err != nil {
		s.writeTurnError(w, r, err)
		return
	}

	if req.Stream != nil && !*req.Stream {
		s.runCollected(w, r, turn)
		return
	}
	s.runStreaming(w, r, turn)
}

// runStreaming runs the turn into an event stream. Losing the client
// cancels the turn and the delegations it has outstanding. Other turns on
// the same conversation keep theirs.
func (s *Server) runStreaming(w http.ResponseWriter, r *http.Request, turn *agent.Turn) {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	convID := turn.ConversationID()
	abandon := func() {
		cancel()
		if n := s.pending.CancelTurn(turn.ID(), "client disconnected"); n > 0 {
			s.logger.InfoContext(ctx, "cancelled pending executions",
				"conversation_id", convID,
				"turn_id", turn.ID(),
				"count", n,
			)
		}
	}
	stop := context.AfterFunc(r.Context(), abandon)
	defer stop()

	sse, err := NewSSEWriter(w, s.logger, abandon)
	if err != nil {
		writeError(w, http.StatusInternalServerError, agent.KindCollaboratorUnavailable, "streaming unsupported")
		return
	}
	pinged := make(chan struct{})
	go func() {
		defer close(pinged)
		sse.keepAlive(ctx, s.keepalive)
	}()
	defer func() {
		cancel()
		<-pinged
		sse.Close()
	}()

	if _, err := turn.Run(ctx, sse); err != nil && sse.Disconnected() {
		s.logger.InfoContext(ctx, "client went away mid-turn", "conversation_id", convID)
	}
}

func (s *Server) runCollected(w http.ResponseWriter, r *http.Request, turn *agent.Turn) {
	sink := &agent.CollectSink{}
	result, err := turn.Run(r.Context(), sink)
	if err != nil {
		te := agent.ClassifyError(err)
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"conversation_id": turn.ConversationID(),
			"error_kind":      te.Kind,
			"message":         te.Message,
			"events":          sink.Events(),
		})
		return
	}
	writeJSON(w, http.StatusOK, chatResponse{
		ConversationID: result.ConversationID,
		Message:        result.Message.Content,
		ToolCalls:      result.Message.ToolCalls,
		Events:         sink.Events(),
	})
}

func (s *Server) handleToolResult(w http.ResponseWriter, r *http.Request) {
	var req toolResultRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, agent.KindValidation, err.Error())
		return
	}
	if req.ExecutionID == "" {
		writeError(w, http.StatusBadRequest, agent.KindValidation, "execution_id is required")
		return
	}
	result := bytes.TrimSpace(req.Result)
	hasResult := len(result) > 0 && !bytes.Equal(result, []byte("null"))
	hasError := req.Error != nil && *req.Error != ""
	if hasResult == hasError {
		writeError(w, http.StatusBadRequest, agent.KindValidation, "exactly one of result or error must be set")
		return
	}

	outcome := pending.Result{Value: json.RawMessage(result)}
	if hasError {
		outcome = pending.Result{Error: *req.Error}
	}
	if err := s.pending.Resolve(req.ExecutionID, outcome); err != nil && !errors.Is(err, pending.ErrUnknownID) {
		s.logger.WarnContext(r.Context(), "resolve tool result", "execution_id", req.ExecutionID, "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

func (s *Server) handleThreads(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.List(r.Context())
	if err != nil {
		s.writeTurnError(w, r, err)
		return
	}
	if list == nil {
		list = []models.ConversationSummary{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleThread(w http.ResponseWriter, r *http.Request) {
	conv, err := s.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeTurnError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:                  "healthy",
		ActiveConversationCount: s.store.Count(),
		PendingExecutions:       s.pending.Len(),
		UptimeSeconds:           time.Since(s.startTime).Seconds(),
	})
}

// writeTurnError answers a pre-stream failure. Only the kind and summary
// reach the client.
func (s *Server) writeTurnError(w http.ResponseWriter, r *http.Request, err error) {
	te := agent.ClassifyError(err)
	status := http.StatusServiceUnavailable
	switch {
	case te.Kind == agent.KindValidation:
		status = http.StatusBadRequest
	case te.Kind == agent.KindNotFound, errors.Is(err, conversations.ErrNotFound):
		status = http.StatusNotFound
	default:
		s.logger.WarnContext(r.Context(), "request failed", "error_kind", te.Kind, "error", err)
	}
	writeError(w, status, te.Kind, te.Message)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return errors.New("request body too large")
		}
		return errors.New("invalid JSON body")
	}
	return nil
}

func writeError(w http.ResponseWriter, status int, kind agent.ErrorKind, message string) {
	writeJSON(w, status, errorResponse{ErrorKind: string(kind), Message: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck
}

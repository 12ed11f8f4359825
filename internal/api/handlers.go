package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/bonzainsights/mragent/internal/approval"
	"github.com/bonzainsights/mragent/internal/conditions"
	"github.com/bonzainsights/mragent/internal/memory"
	"github.com/bonzainsights/mragent/internal/router"
	"github.com/bonzainsights/mragent/internal/usage"
)

// TurnRequest is the body of POST /v1/turn.
type TurnRequest struct {
	Message string `json:"message"`
	Stream  bool   `json:"stream,omitempty"`
}

// TurnResponse is the non-streaming answer to a turn.
type TurnResponse struct {
	ChatID    string `json:"chat_id"`
	Model     string `json:"model"`
	Answer    string `json:"answer"`
	HTML      string `json:"html,omitempty"`
	ElapsedMS int64  `json:"elapsed_ms"`
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	var req TurnRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		s.errorResponse(w, http.StatusBadRequest, "message is required")
		return
	}

	if req.Stream {
		s.streamTurn(w, r, req.Message)
		return
	}

	start := time.Now()
	answer, err := s.agent.ProcessTurn(r.Context(), req.Message, false)
	if err != nil {
		s.logger.Error("turn failed", "error", err)
		s.errorResponse(w, http.StatusBadGateway, err.Error())
		return
	}

	st := s.agent.Stats()
	s.okJSON(w, TurnResponse{
		ChatID:    st.ChatID,
		Model:     st.Context.Model,
		Answer:    answer,
		HTML:      s.renderMarkdown(answer),
		ElapsedMS: time.Since(start).Milliseconds(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st := s.agent.Stats()
	resp := map[string]any{
		"agent": st,
		"context_line": conditions.FormatContextUsage(
			conditions.FromStats(st.Context, st.Mode, st.SessionStart)),
	}
	if s.router != nil {
		resp["router"] = s.router.GetStats()
	}
	s.okJSON(w, resp)
}

type nameRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleMode(w http.ResponseWriter, r *http.Request) {
	var req nameRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if err := s.agent.SetMode(req.Name); err != nil {
		if errors.Is(err, router.ErrUnknownMode) {
			s.errorResponse(w, http.StatusBadRequest, err.Error())
			return
		}
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.okJSON(w, map[string]string{"mode": req.Name})
}

func (s *Server) handleModel(w http.ResponseWriter, r *http.Request) {
	var req nameRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if err := s.agent.SetModel(req.Name); err != nil {
		if errors.Is(err, router.ErrUnknownModel) {
			s.errorResponse(w, http.StatusBadRequest, err.Error())
			return
		}
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.okJSON(w, map[string]string{"override": s.agent.Stats().Override})
}

func (s *Server) handleNewChat(w http.ResponseWriter, r *http.Request) {
	id := s.agent.NewChat()
	s.okJSON(w, map[string]string{"chat_id": id})
}

// Approvals

func (s *Server) handleApprovals(w http.ResponseWriter, r *http.Request) {
	if s.broker == nil {
		s.okJSON(w, map[string]any{"count": 0, "pending": []approval.Pending{}})
		return
	}
	pending := s.broker.Pending()
	if pending == nil {
		pending = []approval.Pending{}
	}
	s.okJSON(w, map[string]any{"count": len(pending), "pending": pending})
}

type resolveRequest struct {
	Approved bool `json:"approved"`
}

func (s *Server) handleApprovalResolve(w http.ResponseWriter, r *http.Request) {
	if s.broker == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "approvals not configured")
		return
	}
	var req resolveRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	id := r.PathValue("id")
	if err := s.broker.Resolve(id, req.Approved); err != nil {
		if errors.Is(err, approval.ErrNoSuchRequest) {
			s.errorResponse(w, http.StatusNotFound, err.Error())
			return
		}
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Info("approval resolved", "id", id, "approved", req.Approved)
	s.okJSON(w, map[string]any{"id": id, "approved": req.Approved})
}

// Chat history

func (s *Server) handleChats(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "chat archive not configured")
		return
	}
	chats, err := s.archive.Chats(r.Context(), parseIntParam(r, "limit", 20))
	if err != nil {
		s.logger.Error("list chats failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to list chats")
		return
	}
	if chats == nil {
		chats = []memory.Chat{}
	}
	s.okJSON(w, map[string]any{"count": len(chats), "chats": chats})
}

// archivedMessage is the wire form of one archived message.
type archivedMessage struct {
	Seq        int       `json:"seq"`
	Timestamp  time.Time `json:"timestamp"`
	Role       string    `json:"role"`
	Content    string    `json:"content"`
	ToolCalls  int       `json:"tool_calls,omitempty"`
	ToolCallID string    `json:"tool_call_id,omitempty"`
}

func (s *Server) handleChatGet(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "chat archive not configured")
		return
	}
	id := r.PathValue("id")
	msgs, err := s.archive.Messages(r.Context(), id)
	if err != nil {
		if errors.Is(err, memory.ErrChatNotFound) {
			s.errorResponse(w, http.StatusNotFound, "chat not found")
			return
		}
		s.logger.Error("load chat failed", "chat_id", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to load chat")
		return
	}

	out := make([]archivedMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, archivedMessage{
			Seq:        m.Seq,
			Timestamp:  m.Timestamp,
			Role:       m.Message.Role,
			Content:    m.Message.Text(),
			ToolCalls:  len(m.Message.ToolCalls),
			ToolCallID: m.Message.ToolCallID,
		})
	}
	s.okJSON(w, map[string]any{"chat_id": id, "messages": out})
}

// Usage

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.usage == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "usage tracking not configured")
		return
	}
	period := r.URL.Query().Get("period")
	if period == "" {
		period = "today"
	}
	start, end := usage.ParsePeriod(period, time.Now())

	total, err := s.usage.Summary(r.Context(), start, end)
	if err != nil {
		s.logger.Error("usage summary failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to summarize usage")
		return
	}
	byModel, err := s.usage.SummaryByModel(r.Context(), start, end)
	if err != nil {
		s.logger.Error("usage by model failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to summarize usage")
		return
	}
	s.okJSON(w, map[string]any{
		"period":   period,
		"total":    total,
		"by_model": byModel,
	})
}

package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/nostrmls/gateway/internal/gwlog"
	"github.com/nostrmls/gateway/internal/mlsgw"
)

// catchUpRequest is the shared request body shape for both endpoints:
// {since, pubkey|group_id, limit?}.
type catchUpRequest struct {
	Since   int64  `json:"since"`
	Pubkey  string `json:"pubkey,omitempty"`
	GroupID string `json:"group_id,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}

type messageDTO struct {
	EventID   string     `json:"event_id"`
	Kind      int        `json:"kind"`
	Content   string     `json:"content"`
	CreatedAt int64      `json:"created_at"`
	Pubkey    string     `json:"pubkey"`
	Tags      [][]string `json:"tags"`
}

type catchUpResponse struct {
	Messages []messageDTO `json:"messages"`
	Count    int          `json:"count"`
	HasMore  bool         `json:"has_more"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func toDTOs(events []mlsgw.ArchivedEvent) []messageDTO {
	out := make([]messageDTO, len(events))
	for i, ev := range events {
		out[i] = messageDTO{
			EventID:   ev.EventID,
			Kind:      ev.Kind,
			Content:   ev.Content,
			CreatedAt: ev.CreatedAt.Unix(),
			Pubkey:    ev.Pubkey,
			Tags:      ev.Tags,
		}
	}
	return out
}

func effectiveLimit(requested int) int {
	if requested <= 0 || requested > MessageLimit {
		return MessageLimit
	}
	return requested
}

func (s *Server) handleMissedMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
		return
	}

	var req catchUpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Pubkey == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request"})
		return
	}

	limit := effectiveLimit(req.Limit)
	events, err := s.archive.GetMissedMessages(r.Context(), req.Pubkey, time.Unix(req.Since, 0), limit+1)
	if err != nil {
		gwlog.WithComponent("httpapi").Error().Err(err).Msg("get_missed_messages failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}

	hasMore := len(events) > limit
	if hasMore {
		events = events[:limit]
	}

	writeJSON(w, http.StatusOK, catchUpResponse{
		Messages: toDTOs(events),
		Count:    len(events),
		HasMore:  hasMore,
	})
}

func (s *Server) handleGroupMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
		return
	}

	var req catchUpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.GroupID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request"})
		return
	}

	limit := effectiveLimit(req.Limit)
	events, err := s.archive.GetGroupMessages(r.Context(), req.GroupID, time.Unix(req.Since, 0), limit+1)
	if err != nil {
		gwlog.WithComponent("httpapi").Error().Err(err).Msg("get_group_messages failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}

	hasMore := len(events) > limit
	if hasMore {
		events = events[:limit]
	}

	writeJSON(w, http.StatusOK, catchUpResponse{
		Messages: toDTOs(events),
		Count:    len(events),
		HasMore:  hasMore,
	})
}

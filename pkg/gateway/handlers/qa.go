package handlers

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/howie/storybuddy-sub001/pkg/core/qa"
	"github.com/howie/storybuddy-sub001/pkg/core/types"
	"github.com/howie/storybuddy-sub001/pkg/gateway/config"
	"github.com/howie/storybuddy-sub001/pkg/gateway/metrics"
)

// QAHandler serves the Q&A REST contract: sessions are created against a
// story, exchanged with one message at a time, and ended explicitly.
type QAHandler struct {
	Config     config.Config
	Controller *qa.Controller
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
}

// Register mounts the Q&A routes.
func (h QAHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /qa/sessions", h.startSession)
	mux.HandleFunc("GET /qa/sessions/{id}", h.getSession)
	mux.HandleFunc("PATCH /qa/sessions/{id}", h.endSession)
	mux.HandleFunc("POST /qa/sessions/{id}/messages", h.sendMessage)
}

func (h QAHandler) startSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		StoryID string `json:"story_id"`
	}
	if err := decodeBody(w, r, h.Config.MaxBodyBytes, &req); err != nil {
		writeError(w, r, err)
		return
	}

	sess, err := h.Controller.StartSession(r.Context(), strings.TrimSpace(req.StoryID))
	if err != nil {
		writeError(w, r, err)
		return
	}

	if h.Logger != nil {
		h.Logger.Debug("qa session created", "session_id", sess.ID, "story_id", sess.StoryID)
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (h QAHandler) getSession(w http.ResponseWriter, r *http.Request) {
	sess, msgs, err := h.Controller.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, struct {
		Session  *types.QASession   `json:"session"`
		Messages []*types.QAMessage `json:"messages"`
	}{Session: sess, Messages: msgs})
}

func (h QAHandler) endSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status string `json:"status"`
	}
	if err := decodeBody(w, r, h.Config.MaxBodyBytes, &req); err != nil {
		writeError(w, r, err)
		return
	}

	sess, err := h.Controller.EndSession(r.Context(), r.PathValue("id"), types.QAStatus(strings.TrimSpace(req.Status)))
	if err != nil {
		writeError(w, r, err)
		return
	}

	if h.Logger != nil {
		h.Logger.Debug("qa session ended", "session_id", sess.ID, "status", string(sess.Status))
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h QAHandler) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content string `json:"content"`
	}
	if err := decodeBody(w, r, h.Config.MaxBodyBytes, &req); err != nil {
		writeError(w, r, err)
		return
	}

	res, err := h.Controller.SendMessage(r.Context(), r.PathValue("id"), strings.TrimSpace(req.Content))
	if err != nil {
		h.Metrics.RecordQARejection(rejectionReason(err))
		writeError(w, r, err)
		return
	}

	h.Metrics.RecordQAExchange(res.IsInScope)
	writeJSON(w, http.StatusOK, res)
}

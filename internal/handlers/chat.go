package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/pliu/supportchat/internal/errs"
	"github.com/pliu/supportchat/internal/models"
	"github.com/pliu/supportchat/internal/relay"
	"github.com/pliu/supportchat/internal/ws"
)

type ChatHandler struct {
	Relay *relay.Service
	Hub   *ws.Hub
	Log   zerolog.Logger
}

type CreateConversationRequest struct {
	ParticipantIDs []int `json:"participant_ids"`
}

func (h *ChatHandler) CreateConversation(w http.ResponseWriter, r *http.Request) {
	var req CreateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, h.Log, errs.InvalidArg(err.Error()))
		return
	}
	if len(req.ParticipantIDs) != 2 {
		writeError(w, h.Log, errs.Forbidden("a conversation has exactly two participants"))
		return
	}

	conv, err := h.Relay.CreateOrGetConversation(r.Context(), principal(r), req.ParticipantIDs[0], req.ParticipantIDs[1])
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (h *ChatHandler) GetConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := h.Relay.ListConversations(r.Context(), principal(r))
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	if convs == nil {
		convs = []models.Conversation{}
	}
	writeJSON(w, http.StatusOK, convs)
}

func (h *ChatHandler) GetMessages(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	var cursor *int64
	if raw := query.Get("cursor"); raw != "" {
		c, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || c <= 0 {
			writeError(w, h.Log, errs.InvalidArg("invalid cursor"))
			return
		}
		cursor = &c
	}

	limit := 0
	if raw := query.Get("limit"); raw != "" {
		l, err := strconv.Atoi(raw)
		if err != nil || l < 0 {
			writeError(w, h.Log, errs.InvalidArg("invalid limit"))
			return
		}
		limit = l
	}

	page, err := h.Relay.ListMessages(r.Context(), principal(r), mux.Vars(r)["id"], cursor, limit)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	if page.Envelopes == nil {
		page.Envelopes = []models.Envelope{}
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *ChatHandler) PostMessage(w http.ResponseWriter, r *http.Request) {
	var req relay.AppendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, h.Log, errs.InvalidArg(err.Error()))
		return
	}

	env, err := h.Relay.AppendMessage(r.Context(), principal(r), mux.Vars(r)["id"], req)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusCreated, env)
}

// ServeWs hands the connection to the hub; joins are authorized per frame.
func (h *ChatHandler) ServeWs(w http.ResponseWriter, r *http.Request) {
	ws.ServeWs(h.Hub, w, r, principal(r).UserID)
}

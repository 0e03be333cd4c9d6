package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/pliu/supportchat/internal/errs"
	"github.com/pliu/supportchat/internal/relay"
)

type KeyHandler struct {
	Relay *relay.Service
	Log   zerolog.Logger
}

func (h *KeyHandler) Enroll(w http.ResponseWriter, r *http.Request) {
	var req relay.EnrollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, h.Log, errs.InvalidArg(err.Error()))
		return
	}

	resp, err := h.Relay.Enroll(r.Context(), principal(r), req)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *KeyHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.Relay.DeleteKeys(r.Context(), principal(r)); err != nil {
		writeError(w, h.Log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *KeyHandler) PublicKey(w http.ResponseWriter, r *http.Request) {
	userID, err := pathUserID(r)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}

	resp, err := h.Relay.PublicKey(r.Context(), userID)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *KeyHandler) Backup(w http.ResponseWriter, r *http.Request) {
	userID, err := pathUserID(r)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}

	bundle, err := h.Relay.BackupBundle(r.Context(), principal(r), userID)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, bundle)
}

func pathUserID(r *http.Request) (int, error) {
	id, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil || id <= 0 {
		return 0, errs.InvalidArg("invalid user id")
	}
	return id, nil
}

package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/pliu/supportchat/internal/auth"
	"github.com/pliu/supportchat/internal/errs"
	"github.com/pliu/supportchat/internal/models"
	"github.com/pliu/supportchat/internal/store"
)

type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// AuthHandler is a minimal identity layer: it issues the signed principal
// cookie that the chat endpoints require.
type AuthHandler struct {
	Store  store.Store
	Signer *auth.Signer
	// Admins lists usernames that get the admin role at signup.
	Admins map[string]bool
	Log    zerolog.Logger
}

func (h *AuthHandler) Signup(w http.ResponseWriter, r *http.Request) {
	type SignupRequest struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}

	var req SignupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, h.Log, errs.InvalidArg(err.Error()))
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, h.Log, errs.InvalidArg("username and password are required"))
		return
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}

	user := &models.User{
		Username: req.Username,
		Email:    req.Email,
		Password: string(hashedPassword),
		Role:     models.RoleCustomer,
	}
	if h.Admins[req.Username] {
		user.Role = models.RoleAdmin
	}

	if err := h.Store.CreateUser(r.Context(), user); err != nil {
		writeError(w, h.Log, err)
		return
	}

	writeJSON(w, http.StatusCreated, user)
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var creds Credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		writeError(w, h.Log, errs.InvalidArg(err.Error()))
		return
	}

	// unknown user and wrong password look the same to the caller
	invalid := errs.New(errs.CodeUnauthenticated, "invalid credentials")

	user, err := h.Store.GetUserByUsername(r.Context(), creds.Username)
	if errors.Is(err, errs.ErrNotFound) {
		writeError(w, h.Log, invalid)
		return
	}
	if err != nil {
		writeError(w, h.Log, err)
		return
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(creds.Password)); err != nil {
		writeError(w, h.Log, invalid)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     auth.CookieName,
		Value:    h.Signer.SignPrincipal(models.Principal{UserID: user.ID, Role: user.Role}),
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})

	writeJSON(w, http.StatusOK, user)
}

const searchLimit = 10

// SearchUsers lets a customer find support staff to open a conversation
// with. An empty query returns nothing.
func (h *AuthHandler) SearchUsers(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	role := models.Role(r.URL.Query().Get("role"))
	if role != "" && role != models.RoleCustomer && role != models.RoleAdmin {
		writeError(w, h.Log, errs.InvalidArg("unknown role"))
		return
	}
	if query == "" && role == "" {
		writeJSON(w, http.StatusOK, []models.User{})
		return
	}

	users, err := h.Store.SearchUsers(r.Context(), query, role, searchLimit)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

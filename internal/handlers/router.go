package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/pliu/supportchat/internal/auth"
	"github.com/pliu/supportchat/internal/middleware"
	"github.com/pliu/supportchat/internal/relay"
	"github.com/pliu/supportchat/internal/store"
	"github.com/pliu/supportchat/internal/ws"
)

type Deps struct {
	Store  store.Store
	Relay  *relay.Service
	Hub    *ws.Hub
	Signer *auth.Signer
	Admins []string
	Log    zerolog.Logger
}

// NewRouter mounts the identity endpoints publicly and everything else
// behind the signed session cookie.
func NewRouter(d Deps) *mux.Router {
	admins := make(map[string]bool, len(d.Admins))
	for _, name := range d.Admins {
		admins[name] = true
	}

	authHandler := &AuthHandler{Store: d.Store, Signer: d.Signer, Admins: admins, Log: d.Log}
	keyHandler := &KeyHandler{Relay: d.Relay, Log: d.Log}
	chatHandler := &ChatHandler{Relay: d.Relay, Hub: d.Hub, Log: d.Log}

	r := mux.NewRouter()
	r.Use(middleware.LoggingMiddleware(d.Log))

	r.HandleFunc("/signup", authHandler.Signup).Methods(http.MethodPost)
	r.HandleFunc("/login", authHandler.Login).Methods(http.MethodPost)

	api := r.NewRoute().Subrouter()
	api.Use(middleware.AuthMiddleware(d.Signer))

	api.HandleFunc("/users/search", authHandler.SearchUsers).Methods(http.MethodGet)

	api.HandleFunc("/keys", keyHandler.Enroll).Methods(http.MethodPost)
	api.HandleFunc("/keys", keyHandler.Delete).Methods(http.MethodDelete)
	api.HandleFunc("/users/{id}/public-key", keyHandler.PublicKey).Methods(http.MethodGet)
	api.HandleFunc("/users/{id}/backup", keyHandler.Backup).Methods(http.MethodGet)

	api.HandleFunc("/conversations", chatHandler.CreateConversation).Methods(http.MethodPost)
	api.HandleFunc("/conversations", chatHandler.GetConversations).Methods(http.MethodGet)
	api.HandleFunc("/conversations/{id}/messages", chatHandler.GetMessages).Methods(http.MethodGet)
	api.HandleFunc("/conversations/{id}/messages", chatHandler.PostMessage).Methods(http.MethodPost)

	api.HandleFunc("/ws", chatHandler.ServeWs).Methods(http.MethodGet)

	return r
}

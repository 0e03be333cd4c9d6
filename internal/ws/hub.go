package ws

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"github.com/pliu/supportchat/internal/errs"
	"github.com/pliu/supportchat/internal/models"
)

const (
	EventJoined       = "joined"
	EventLeft         = "left"
	EventEnvelope     = "envelope"
	EventConversation = "conversation"
	EventError        = "error"
)

// Event is pushed from the server to connected clients.
type Event struct {
	Type           string               `json:"type"`
	ConversationID string               `json:"conversation_id,omitempty"`
	Envelope       *models.Envelope     `json:"envelope,omitempty"`
	Conversation   *models.Conversation `json:"conversation,omitempty"`
	Code           errs.Code            `json:"code,omitempty"`
	Error          string               `json:"error,omitempty"`
}

// Frame is sent by clients to manage their conversation subscriptions.
type Frame struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
}

// JoinAuthorizer decides whether userID may subscribe to a conversation.
type JoinAuthorizer func(ctx context.Context, userID int, conversationID string) error

type room struct {
	mu      sync.RWMutex
	members map[*Client]struct{}
}

// Hub fans out events to per-user and per-conversation channels. Delivery is
// best-effort: a client that cannot keep up is disconnected and must catch
// up from history.
type Hub struct {
	// mu guards users, rooms and every Client.rooms set.
	mu    sync.RWMutex
	users map[int]map[*Client]struct{}
	rooms map[string]*room

	authorize JoinAuthorizer
	log       zerolog.Logger
}

func NewHub(authorize JoinAuthorizer, log zerolog.Logger) *Hub {
	return &Hub{
		users:     make(map[int]map[*Client]struct{}),
		rooms:     make(map[string]*room),
		authorize: authorize,
		log:       log.With().Str("component", "hub").Logger(),
	}
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.users[c.userID]
	if !ok {
		set = make(map[*Client]struct{})
		h.users[c.userID] = set
	}
	set[c] = struct{}{}
	c.registered = true
}

// Unregister drops c from its user channel and every room, then closes its
// send queue. Calling it again is a no-op.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if c.registered {
		c.registered = false
		if set, ok := h.users[c.userID]; ok {
			delete(set, c)
			if len(set) == 0 {
				delete(h.users, c.userID)
			}
		}
		for id := range c.rooms {
			h.removeFromRoomLocked(c, id)
		}
	}
	h.mu.Unlock()
	c.close()
}

func (h *Hub) Join(ctx context.Context, c *Client, conversationID string) error {
	if h.authorize != nil {
		if err := h.authorize(ctx, c.userID, conversationID); err != nil {
			return err
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if !c.registered {
		return nil
	}
	r, ok := h.rooms[conversationID]
	if !ok {
		r = &room{members: make(map[*Client]struct{})}
		h.rooms[conversationID] = r
	}
	r.mu.Lock()
	r.members[c] = struct{}{}
	r.mu.Unlock()
	c.rooms[conversationID] = struct{}{}
	return nil
}

// Leave is idempotent.
func (h *Hub) Leave(c *Client, conversationID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeFromRoomLocked(c, conversationID)
}

func (h *Hub) removeFromRoomLocked(c *Client, conversationID string) {
	delete(c.rooms, conversationID)
	r, ok := h.rooms[conversationID]
	if !ok {
		return
	}
	r.mu.Lock()
	delete(r.members, c)
	empty := len(r.members) == 0
	r.mu.Unlock()
	if empty {
		delete(h.rooms, conversationID)
	}
}

// Publish delivers ev to everyone subscribed to the conversation.
func (h *Hub) Publish(conversationID string, ev Event) {
	h.mu.RLock()
	r, ok := h.rooms[conversationID]
	h.mu.RUnlock()
	if !ok {
		return
	}

	r.mu.RLock()
	targets := make([]*Client, 0, len(r.members))
	for c := range r.members {
		targets = append(targets, c)
	}
	r.mu.RUnlock()

	h.deliver(targets, ev)
}

// SendToUser delivers ev on the user's personal channel.
func (h *Hub) SendToUser(userID int, ev Event) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.users[userID]))
	for c := range h.users[userID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	h.deliver(targets, ev)
}

func (h *Hub) deliver(targets []*Client, ev Event) {
	if len(targets) == 0 {
		return
	}
	msg, err := json.Marshal(ev)
	if err != nil {
		h.log.Error().Err(err).Str("type", ev.Type).Msg("marshal event")
		return
	}
	for _, c := range targets {
		if !c.enqueue(msg) {
			h.log.Warn().Int("user_id", c.userID).Msg("dropping slow client")
			h.Unregister(c)
		}
	}
}

// Subscribers returns how many connections are subscribed to a conversation.
func (h *Hub) Subscribers(conversationID string) int {
	h.mu.RLock()
	r, ok := h.rooms[conversationID]
	h.mu.RUnlock()
	if !ok {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

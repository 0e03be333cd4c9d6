// Package chatclient is the client side of support chat. It owns the key
// material and sequences custody, agreement and the message cipher around
// calls to the relay.
package chatclient

import (
	"context"

	"github.com/pliu/supportchat/internal/models"
	"github.com/pliu/supportchat/internal/relay"
	"github.com/pliu/supportchat/internal/ws"
)

// Relay is the request/response half of the server API.
type Relay interface {
	Enroll(ctx context.Context, req relay.EnrollRequest) (*relay.EnrollResponse, error)
	PublicKey(ctx context.Context, userID int) (*relay.PublicKeyResponse, error)
	BackupBundle(ctx context.Context, userID int) (*relay.BackupBundle, error)
	CreateOrGetConversation(ctx context.Context, a, b int) (*models.Conversation, error)
	AppendMessage(ctx context.Context, conversationID string, req relay.AppendRequest) (*models.Envelope, error)
	ListMessages(ctx context.Context, conversationID string, cursor *int64, limit int) (*models.MessagePage, error)
}

// LiveFeed is the push half. Events is closed when the feed ends.
type LiveFeed interface {
	Join(ctx context.Context, conversationID string) error
	Leave(ctx context.Context, conversationID string) error
	Events() <-chan ws.Event
}

// Transport is what an Orchestrator owns; *Conn implements it.
type Transport interface {
	Relay
	LiveFeed
	Close() error
}

package store

import (
	"context"

	"github.com/pliu/supportchat/internal/models"
)

type Store interface {
	// User operations
	CreateUser(ctx context.Context, user *models.User) error
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
	GetUserByID(ctx context.Context, id int) (*models.User, error)
	GetUserRole(ctx context.Context, id int) (models.Role, error)
	SearchUsers(ctx context.Context, query string, role models.Role, limit int) ([]models.User, error)

	// Identity key operations
	UpsertIdentityKey(ctx context.Context, key *models.IdentityKey) error
	GetIdentityKey(ctx context.Context, userID int) (*models.IdentityKey, error)
	DeleteIdentityKey(ctx context.Context, userID int) error

	// Conversation operations
	CreateOrGetConversation(ctx context.Context, a, b int) (conv *models.Conversation, created bool, err error)
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	ListConversations(ctx context.Context, userID int) ([]models.Conversation, error)

	// Message operations
	AppendMessage(ctx context.Context, env *models.Envelope) error
	ListMessages(ctx context.Context, conversationID string, cursor *int64, limit int) (*models.MessagePage, error)

	Close() error
}

package sqlstore

import (
	"context"
	"errors"
	"testing"

	"github.com/pliu/supportchat/internal/errs"
	"github.com/pliu/supportchat/internal/models"
)

func TestCreateOrGetConversationIsIdempotent(t *testing.T) {
	SetupTestDB(t)
	defer TeardownTestDB()
	ctx := context.Background()

	customer := mustCreateUser(t, "customer", models.RoleCustomer)
	agent := mustCreateUser(t, "agent", models.RoleAdmin)

	first, created, err := testStore.CreateOrGetConversation(ctx, customer.ID, agent.ID)
	if err != nil {
		t.Fatalf("Failed to create conversation: %v", err)
	}
	if !created {
		t.Error("Expected first call to create the conversation")
	}

	// reversed order must hit the same row
	second, created, err := testStore.CreateOrGetConversation(ctx, agent.ID, customer.ID)
	if err != nil {
		t.Fatalf("Failed to get conversation: %v", err)
	}
	if created {
		t.Error("Expected second call to return the existing conversation")
	}
	if first.ID != second.ID {
		t.Errorf("Expected same conversation, got %s and %s", first.ID, second.ID)
	}

	convs, err := testStore.ListConversations(ctx, customer.ID)
	if err != nil {
		t.Fatalf("ListConversations failed: %v", err)
	}
	if len(convs) != 1 {
		t.Errorf("Expected 1 conversation, got %d", len(convs))
	}
	if !convs[0].HasParticipant(agent.ID) {
		t.Errorf("Expected agent in participants %v", convs[0].ParticipantIDs)
	}
}

func TestGetConversationNotFound(t *testing.T) {
	SetupTestDB(t)
	defer TeardownTestDB()

	_, err := testStore.GetConversation(context.Background(), "missing")
	if !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("Expected not found, got %v", err)
	}
}

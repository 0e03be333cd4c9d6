package sqlstore

import (
	"context"
	"errors"
	"testing"

	"github.com/pliu/supportchat/internal/errs"
	"github.com/pliu/supportchat/internal/models"
)

func TestCreateUser(t *testing.T) {
	SetupTestDB(t)
	defer TeardownTestDB()
	ctx := context.Background()

	user := &models.User{Username: "testuser", Password: "password123"}
	if err := testStore.CreateUser(ctx, user); err != nil {
		t.Errorf("Failed to create user: %v", err)
	}
	if user.ID == 0 {
		t.Error("Expected non-zero user ID")
	}
	if user.Role != models.RoleCustomer {
		t.Errorf("Expected default role customer, got %s", user.Role)
	}

	// Test duplicate user
	err := testStore.CreateUser(ctx, &models.User{Username: "testuser", Password: "password123"})
	if !errors.Is(err, errs.ErrConflict) {
		t.Errorf("Expected conflict for duplicate user, got %v", err)
	}
}

func TestGetUserByUsername(t *testing.T) {
	SetupTestDB(t)
	defer TeardownTestDB()
	ctx := context.Background()

	mustCreateUser(t, "testuser", models.RoleAdmin)

	user, err := testStore.GetUserByUsername(ctx, "testuser")
	if err != nil {
		t.Fatalf("Failed to get user: %v", err)
	}
	if user.Username != "testuser" || user.Role != models.RoleAdmin {
		t.Errorf("Unexpected user %+v", user)
	}

	_, err = testStore.GetUserByUsername(ctx, "nonexistent")
	if !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("Expected not found for nonexistent user, got %v", err)
	}
}

func TestGetUserRole(t *testing.T) {
	SetupTestDB(t)
	defer TeardownTestDB()
	ctx := context.Background()

	agent := mustCreateUser(t, "agent", models.RoleAdmin)
	role, err := testStore.GetUserRole(ctx, agent.ID)
	if err != nil {
		t.Fatalf("GetUserRole failed: %v", err)
	}
	if role != models.RoleAdmin {
		t.Errorf("Expected admin, got %s", role)
	}

	if _, err := testStore.GetUserRole(ctx, 999); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("Expected not found, got %v", err)
	}
}

func TestSearchUsers(t *testing.T) {
	SetupTestDB(t)
	defer TeardownTestDB()
	ctx := context.Background()

	mustCreateUser(t, "alice", models.RoleCustomer)
	mustCreateUser(t, "bob", models.RoleAdmin)
	mustCreateUser(t, "alex", models.RoleAdmin)

	users, err := testStore.SearchUsers(ctx, "al", "", 10)
	if err != nil {
		t.Errorf("SearchUsers failed: %v", err)
	}
	if len(users) != 2 {
		t.Errorf("Expected 2 users, got %d", len(users))
	}

	admins, err := testStore.SearchUsers(ctx, "", models.RoleAdmin, 10)
	if err != nil {
		t.Fatalf("SearchUsers failed: %v", err)
	}
	if len(admins) != 2 || admins[0].Username != "alex" || admins[1].Username != "bob" {
		t.Errorf("Expected alex and bob, got %+v", admins)
	}
	if admins[0].Email != "al**@example.com" {
		t.Errorf("Expected masked email, got %s", admins[0].Email)
	}
	if admins[0].Password != "" {
		t.Error("Expected password hash to be left out")
	}
}

func TestMaskEmail(t *testing.T) {
	tests := map[string]string{
		"a@example.com":           "a@example.com",
		"bo@example.com":          "b*@example.com",
		"alice@example.com":       "al***@example.com",
		"christopher@example.com": "chr********@example.com",
		"not-an-email":            "not-an-email",
	}
	for in, want := range tests {
		if got := maskEmail(in); got != want {
			t.Errorf("maskEmail(%q) = %q, want %q", in, got, want)
		}
	}
}

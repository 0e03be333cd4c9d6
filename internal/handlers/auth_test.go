package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/pliu/supportchat/internal/auth"
	"github.com/pliu/supportchat/internal/models"
	"github.com/pliu/supportchat/internal/store/sqlstore"
)

func newAuthHandler(t *testing.T) (*AuthHandler, *sqlstore.SQLStore) {
	t.Helper()
	store, err := sqlstore.New("sqlite3", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	return &AuthHandler{
		Store:  store,
		Signer: auth.NewSigner("test-secret"),
		Admins: map[string]bool{"agent": true},
		Log:    zerolog.Nop(),
	}, store
}

func TestSignup(t *testing.T) {
	handler, _ := newAuthHandler(t)

	body, _ := json.Marshal(map[string]string{
		"username": "testuser",
		"email":    "test@example.com",
		"password": "password123",
	})

	req, err := http.NewRequest("POST", "/signup", bytes.NewBuffer(body))
	if err != nil {
		t.Fatal(err)
	}

	rr := httptest.NewRecorder()
	http.HandlerFunc(handler.Signup).ServeHTTP(rr, req)

	if status := rr.Code; status != http.StatusCreated {
		t.Errorf("handler returned wrong status code: got %v want %v",
			status, http.StatusCreated)
	}

	var user models.User
	if err := json.NewDecoder(rr.Body).Decode(&user); err != nil {
		t.Fatal(err)
	}
	if user.Role != models.RoleCustomer {
		t.Errorf("expected customer role, got %q", user.Role)
	}

	// Test duplicate user
	req, _ = http.NewRequest("POST", "/signup", bytes.NewBuffer(body))
	rr = httptest.NewRecorder()
	http.HandlerFunc(handler.Signup).ServeHTTP(rr, req)

	if status := rr.Code; status != http.StatusConflict {
		t.Errorf("handler returned wrong status code for duplicate user: got %v want %v",
			status, http.StatusConflict)
	}
}

func TestSignupGrantsAdminRole(t *testing.T) {
	handler, store := newAuthHandler(t)

	body, _ := json.Marshal(map[string]string{"username": "agent", "password": "pw"})
	req, _ := http.NewRequest("POST", "/signup", bytes.NewBuffer(body))
	rr := httptest.NewRecorder()
	http.HandlerFunc(handler.Signup).ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("signup failed: %d %s", rr.Code, rr.Body.String())
	}

	user, err := store.GetUserByUsername(context.Background(), "agent")
	if err != nil {
		t.Fatal(err)
	}
	if user.Role != models.RoleAdmin {
		t.Errorf("expected admin role, got %q", user.Role)
	}
}

func TestSignupRejectsMissingFields(t *testing.T) {
	handler, _ := newAuthHandler(t)

	body, _ := json.Marshal(map[string]string{"username": "nopass"})
	req, _ := http.NewRequest("POST", "/signup", bytes.NewBuffer(body))
	rr := httptest.NewRecorder()
	http.HandlerFunc(handler.Signup).ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Errorf("handler returned wrong status code: got %v want %v", rr.Code, http.StatusBadRequest)
	}
}

func TestLogin(t *testing.T) {
	handler, store := newAuthHandler(t)

	hashedPassword, _ := bcrypt.GenerateFromPassword([]byte("password123"), bcrypt.MinCost)
	user := &models.User{Username: "testuser", Password: string(hashedPassword)}
	if err := store.CreateUser(context.Background(), user); err != nil {
		t.Fatal(err)
	}

	creds := Credentials{
		Username: "testuser",
		Password: "password123",
	}
	body, _ := json.Marshal(creds)

	req, err := http.NewRequest("POST", "/login", bytes.NewBuffer(body))
	if err != nil {
		t.Fatal(err)
	}

	rr := httptest.NewRecorder()
	http.HandlerFunc(handler.Login).ServeHTTP(rr, req)

	if status := rr.Code; status != http.StatusOK {
		t.Errorf("handler returned wrong status code: got %v want %v",
			status, http.StatusOK)
	}

	cookies := rr.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != auth.CookieName {
		t.Fatalf("expected a %q cookie, got %v", auth.CookieName, cookies)
	}
	p, err := handler.Signer.VerifyPrincipal(cookies[0].Value)
	if err != nil {
		t.Fatal(err)
	}
	if p.UserID != user.ID || p.Role != models.RoleCustomer {
		t.Errorf("unexpected principal %+v", p)
	}

	// Wrong password and unknown user are indistinguishable
	for _, c := range []Credentials{
		{Username: "testuser", Password: "wrong"},
		{Username: "nobody", Password: "password123"},
	} {
		body, _ := json.Marshal(c)
		req, _ := http.NewRequest("POST", "/login", bytes.NewBuffer(body))
		rr := httptest.NewRecorder()
		http.HandlerFunc(handler.Login).ServeHTTP(rr, req)

		if rr.Code != http.StatusUnauthorized {
			t.Errorf("login %q: got %v want %v", c.Username, rr.Code, http.StatusUnauthorized)
		}
		var apiErr struct {
			Message string `json:"message"`
		}
		json.NewDecoder(rr.Body).Decode(&apiErr)
		if apiErr.Message != "invalid credentials" {
			t.Errorf("login %q: unexpected message %q", c.Username, apiErr.Message)
		}
	}
}

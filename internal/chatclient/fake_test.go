package chatclient

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/pliu/supportchat/internal/errs"
	"github.com/pliu/supportchat/internal/models"
	"github.com/pliu/supportchat/internal/relay"
	"github.com/pliu/supportchat/internal/ws"
)

// fakeServer is an in-memory relay shared by any number of fakeTransports.
type fakeServer struct {
	mu        sync.Mutex
	keys      map[int]relay.EnrollRequest
	envs      []models.Envelope
	nextID    int64
	appendErr error
	listCalls int
}

func newFakeServer() *fakeServer {
	return &fakeServer{keys: make(map[int]relay.EnrollRequest)}
}

func (s *fakeServer) setPublicKey(userID int, pub []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[userID] = relay.EnrollRequest{PublicKey: pub}
}

func (s *fakeServer) append(env models.Envelope) models.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	env.ID = s.nextID
	env.CreatedAt = time.Now()
	s.envs = append(s.envs, env)
	return env
}

func (s *fakeServer) envelopes() []models.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.envs)
}

type fakeTransport struct {
	srv    *fakeServer
	userID int
	events chan ws.Event

	mu        sync.Mutex
	joined    map[string]bool
	closeOnce sync.Once
}

func newFakeTransport(srv *fakeServer, userID int) *fakeTransport {
	return &fakeTransport{
		srv:    srv,
		userID: userID,
		events: make(chan ws.Event, 16),
		joined: make(map[string]bool),
	}
}

func (f *fakeTransport) Enroll(ctx context.Context, req relay.EnrollRequest) (*relay.EnrollResponse, error) {
	f.srv.mu.Lock()
	defer f.srv.mu.Unlock()
	f.srv.keys[f.userID] = req
	return &relay.EnrollResponse{UserID: f.userID, PublicKey: req.PublicKey, HasBackup: req.KDFParams != nil}, nil
}

func (f *fakeTransport) PublicKey(ctx context.Context, userID int) (*relay.PublicKeyResponse, error) {
	f.srv.mu.Lock()
	defer f.srv.mu.Unlock()
	req, ok := f.srv.keys[userID]
	if !ok {
		return nil, errs.NotFound("identity key not found")
	}
	return &relay.PublicKeyResponse{UserID: userID, PublicKey: req.PublicKey}, nil
}

func (f *fakeTransport) BackupBundle(ctx context.Context, userID int) (*relay.BackupBundle, error) {
	f.srv.mu.Lock()
	defer f.srv.mu.Unlock()
	req, ok := f.srv.keys[userID]
	if !ok || req.KDFParams == nil {
		return nil, errs.NotFound("no key backup stored")
	}
	backup, err := req.Backup()
	if err != nil {
		return nil, err
	}
	return &relay.BackupBundle{KeyBackup: *backup, PublicKey: req.PublicKey}, nil
}

func (f *fakeTransport) CreateOrGetConversation(ctx context.Context, a, b int) (*models.Conversation, error) {
	if a > b {
		a, b = b, a
	}
	return &models.Conversation{ID: "conv-1", ParticipantIDs: [2]int{a, b}}, nil
}

func (f *fakeTransport) AppendMessage(ctx context.Context, conversationID string, req relay.AppendRequest) (*models.Envelope, error) {
	f.srv.mu.Lock()
	if err := f.srv.appendErr; err != nil {
		f.srv.appendErr = nil
		f.srv.mu.Unlock()
		return nil, err
	}
	f.srv.mu.Unlock()

	env := f.srv.append(models.Envelope{
		ConversationID: conversationID,
		SenderID:       f.userID,
		Ciphertext:     req.Ciphertext,
		Nonce:          req.Nonce,
		Counter:        req.Counter,
	})
	return &env, nil
}

func (f *fakeTransport) ListMessages(ctx context.Context, conversationID string, cursor *int64, limit int) (*models.MessagePage, error) {
	f.srv.mu.Lock()
	defer f.srv.mu.Unlock()
	f.srv.listCalls++

	var matched []models.Envelope
	for _, env := range f.srv.envs {
		if env.ConversationID == conversationID && (cursor == nil || env.ID < *cursor) {
			matched = append(matched, env)
		}
	}
	slices.SortFunc(matched, func(a, b models.Envelope) int { return cmp.Compare(b.ID, a.ID) })

	page := &models.MessagePage{}
	if len(matched) > limit {
		page.HasMore = true
		matched = matched[:limit]
	}
	page.Envelopes = matched
	if len(matched) > 0 {
		oldest := matched[len(matched)-1].ID
		page.NextCursor = &oldest
	}
	return page, nil
}

func (f *fakeTransport) Join(ctx context.Context, conversationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joined[conversationID] = true
	return nil
}

func (f *fakeTransport) Leave(ctx context.Context, conversationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.joined, conversationID)
	return nil
}

func (f *fakeTransport) isJoined(conversationID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.joined[conversationID]
}

func (f *fakeTransport) Events() <-chan ws.Event {
	return f.events
}

func (f *fakeTransport) push(env models.Envelope) {
	f.events <- ws.Event{Type: ws.EventEnvelope, ConversationID: env.ConversationID, Envelope: &env}
}

func (f *fakeTransport) Close() error {
	f.closeOnce.Do(func() { close(f.events) })
	return nil
}

// Package relay is the server side of support chat. It stores and forwards
// ciphertext envelopes and never interprets them.
package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pliu/supportchat/internal/errs"
	"github.com/pliu/supportchat/internal/models"
	"github.com/pliu/supportchat/internal/store"
	"github.com/pliu/supportchat/internal/ws"
)

const (
	publicKeySize = 32
	nonceSize     = 24

	notifyTimeout = 30 * time.Second
)

// Publisher pushes live events. *ws.Hub implements it.
type Publisher interface {
	Publish(conversationID string, ev ws.Event)
	SendToUser(userID int, ev ws.Event)
}

// Notifier tells a user out of band that a conversation was opened with them.
type Notifier interface {
	NotifyNewConversation(ctx context.Context, to *models.User, conv *models.Conversation) error
}

type Options struct {
	PageLimit    int
	MaxPageLimit int
	Notifier     Notifier
	Logger       zerolog.Logger
}

type Service struct {
	store        store.Store
	pub          Publisher
	notifier     Notifier
	log          zerolog.Logger
	pageLimit    int
	maxPageLimit int

	// notifications in flight
	wg sync.WaitGroup
}

func NewService(st store.Store, pub Publisher, opts Options) *Service {
	if opts.PageLimit <= 0 {
		opts.PageLimit = 20
	}
	if opts.MaxPageLimit < opts.PageLimit {
		opts.MaxPageLimit = opts.PageLimit
	}
	return &Service{
		store:        st,
		pub:          pub,
		notifier:     opts.Notifier,
		log:          opts.Logger.With().Str("component", "relay").Logger(),
		pageLimit:    opts.PageLimit,
		maxPageLimit: opts.MaxPageLimit,
	}
}

// SetPublisher wires the hub after construction; the hub itself needs
// AuthorizeJoin from the service.
func (s *Service) SetPublisher(pub Publisher) {
	s.pub = pub
}

// EnrollRequest carries the backup fields flat, as on the wire. They are
// either all present or all absent.
type EnrollRequest struct {
	PublicKey         []byte            `json:"public_key"`
	WrappedPrivateKey []byte            `json:"wrapped_private_key,omitempty"`
	WrapNonce         []byte            `json:"wrap_nonce,omitempty"`
	KDFSalt           []byte            `json:"kdf_salt,omitempty"`
	KDFParams         *models.KDFParams `json:"kdf_params,omitempty"`
}

// Backup folds the optional fields into a KeyBackup, or nil when none are
// set. A partial set is rejected.
func (r EnrollRequest) Backup() (*models.KeyBackup, error) {
	present := 0
	for _, set := range []bool{len(r.WrappedPrivateKey) > 0, len(r.WrapNonce) > 0, len(r.KDFSalt) > 0, r.KDFParams != nil} {
		if set {
			present++
		}
	}
	switch present {
	case 0:
		return nil, nil
	case 4:
	default:
		return nil, errs.InvalidArg("backup fields must be provided together")
	}
	if len(r.WrapNonce) != nonceSize || r.KDFParams.Algorithm == "" || r.KDFParams.Iterations <= 0 {
		return nil, errs.InvalidArg("malformed key backup")
	}
	return &models.KeyBackup{
		WrappedPrivateKey: r.WrappedPrivateKey,
		WrapNonce:         r.WrapNonce,
		KDFSalt:           r.KDFSalt,
		KDFParams:         *r.KDFParams,
	}, nil
}

type EnrollResponse struct {
	UserID    int    `json:"user_id"`
	PublicKey []byte `json:"public_key"`
	HasBackup bool   `json:"has_backup"`
}

type PublicKeyResponse struct {
	UserID    int    `json:"user_id"`
	PublicKey []byte `json:"public_key"`
}

type BackupBundle struct {
	models.KeyBackup
	PublicKey []byte `json:"public_key"`
}

// Enroll creates or replaces the caller's identity key record.
func (s *Service) Enroll(ctx context.Context, p models.Principal, req EnrollRequest) (*EnrollResponse, error) {
	if len(req.PublicKey) != publicKeySize {
		return nil, errs.InvalidArg("public key must be 32 bytes")
	}
	backup, err := req.Backup()
	if err != nil {
		return nil, err
	}

	key := &models.IdentityKey{UserID: p.UserID, PublicKey: req.PublicKey, Backup: backup}
	if err := s.store.UpsertIdentityKey(ctx, key); err != nil {
		return nil, err
	}
	s.log.Info().Int("user_id", p.UserID).Bool("has_backup", backup != nil).Msg("identity key enrolled")
	return &EnrollResponse{UserID: p.UserID, PublicKey: key.PublicKey, HasBackup: key.Backup != nil}, nil
}

func (s *Service) PublicKey(ctx context.Context, userID int) (*PublicKeyResponse, error) {
	key, err := s.store.GetIdentityKey(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &PublicKeyResponse{UserID: key.UserID, PublicKey: key.PublicKey}, nil
}

// BackupBundle returns the caller's own wrapped key.
func (s *Service) BackupBundle(ctx context.Context, p models.Principal, userID int) (*BackupBundle, error) {
	if p.UserID != userID {
		return nil, errs.Forbidden("backup bundles are only served to their owner")
	}
	key, err := s.store.GetIdentityKey(ctx, userID)
	if err != nil {
		return nil, err
	}
	if key.Backup == nil {
		return nil, errs.NotFound("no key backup stored")
	}
	return &BackupBundle{KeyBackup: *key.Backup, PublicKey: key.PublicKey}, nil
}

// DeleteKeys removes all custody material; the user must enroll again.
func (s *Service) DeleteKeys(ctx context.Context, p models.Principal) error {
	if err := s.store.DeleteIdentityKey(ctx, p.UserID); err != nil {
		return err
	}
	s.log.Info().Int("user_id", p.UserID).Msg("identity key deleted")
	return nil
}

// CreateOrGetConversation opens the support conversation between a and b,
// or returns the one that already exists for the pair.
func (s *Service) CreateOrGetConversation(ctx context.Context, p models.Principal, a, b int) (*models.Conversation, error) {
	if a == b || a <= 0 || b <= 0 {
		return nil, errs.Forbidden("a conversation needs two distinct participants")
	}
	if p.UserID != a && p.UserID != b {
		return nil, errs.Forbidden("caller must be a participant")
	}

	privileged := false
	for _, id := range []int{a, b} {
		role, err := s.store.GetUserRole(ctx, id)
		if errors.Is(err, errs.ErrNotFound) {
			return nil, errs.Forbidden("participant does not exist")
		}
		if err != nil {
			return nil, err
		}
		privileged = privileged || role.Privileged()
	}
	if !privileged {
		return nil, errs.Forbidden("one participant must be support staff")
	}

	conv, created, err := s.store.CreateOrGetConversation(ctx, a, b)
	if err != nil {
		return nil, err
	}
	if created {
		s.log.Info().Str("conversation_id", conv.ID).Ints("participants", conv.ParticipantIDs[:]).Msg("conversation created")
		peer := conv.Peer(p.UserID)
		if s.pub != nil {
			s.pub.SendToUser(peer, ws.Event{Type: ws.EventConversation, ConversationID: conv.ID, Conversation: conv})
		}
		s.notify(peer, conv)
	}
	return conv, nil
}

func (s *Service) notify(userID int, conv *models.Conversation) {
	if s.notifier == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		user, err := s.store.GetUserByID(ctx, userID)
		if err != nil {
			s.log.Warn().Err(err).Int("user_id", userID).Msg("notify: load user")
			return
		}
		if err := s.notifier.NotifyNewConversation(ctx, user, conv); err != nil {
			s.log.Warn().Err(err).Int("user_id", userID).Msg("notify: send")
		}
	}()
}

// Shutdown waits for out-of-band notifications still being sent. It returns
// ctx.Err() if ctx ends first.
func (s *Service) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) ListConversations(ctx context.Context, p models.Principal) ([]models.Conversation, error) {
	return s.store.ListConversations(ctx, p.UserID)
}

func (s *Service) participantConversation(ctx context.Context, userID int, conversationID string) (*models.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(userID) {
		return nil, errs.Forbidden("not a participant of this conversation")
	}
	return conv, nil
}

// AuthorizeJoin is the hub's check before subscribing a connection.
func (s *Service) AuthorizeJoin(ctx context.Context, userID int, conversationID string) error {
	_, err := s.participantConversation(ctx, userID, conversationID)
	return err
}

type AppendRequest struct {
	Ciphertext []byte `json:"ciphertext"`
	Nonce      []byte `json:"nonce"`
	Counter    uint64 `json:"counter"`
}

// AppendMessage persists the envelope and pushes it to subscribers of the
// conversation. Live delivery is best-effort; history is authoritative.
func (s *Service) AppendMessage(ctx context.Context, p models.Principal, conversationID string, req AppendRequest) (*models.Envelope, error) {
	if len(req.Nonce) != nonceSize {
		return nil, errs.InvalidArg("nonce must be 24 bytes")
	}
	if len(req.Ciphertext) == 0 {
		return nil, errs.InvalidArg("ciphertext is empty")
	}
	if _, err := s.participantConversation(ctx, p.UserID, conversationID); err != nil {
		return nil, err
	}

	env := &models.Envelope{
		ConversationID: conversationID,
		SenderID:       p.UserID,
		Ciphertext:     req.Ciphertext,
		Nonce:          req.Nonce,
		Counter:        req.Counter,
	}
	if err := s.store.AppendMessage(ctx, env); err != nil {
		return nil, err
	}
	if s.pub != nil {
		s.pub.Publish(conversationID, ws.Event{Type: ws.EventEnvelope, ConversationID: conversationID, Envelope: env})
	}
	return env, nil
}

// ListMessages serves one page of history, newest first.
func (s *Service) ListMessages(ctx context.Context, p models.Principal, conversationID string, cursor *int64, limit int) (*models.MessagePage, error) {
	if limit <= 0 {
		limit = s.pageLimit
	}
	if limit > s.maxPageLimit {
		limit = s.maxPageLimit
	}
	if _, err := s.participantConversation(ctx, p.UserID, conversationID); err != nil {
		return nil, err
	}
	return s.store.ListMessages(ctx, conversationID, cursor, limit)
}

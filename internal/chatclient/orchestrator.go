package chatclient

import (
	"context"
	"errors"
	"io"
	"iter"
	"sync"

	"github.com/rs/zerolog"

	"github.com/pliu/supportchat/internal/e2ee"
	"github.com/pliu/supportchat/internal/errs"
	"github.com/pliu/supportchat/internal/models"
	"github.com/pliu/supportchat/internal/relay"
	"github.com/pliu/supportchat/internal/ws"
)

const (
	defaultPageLimit = 20
	updateBuffer     = 64
)

var (
	// ErrSignInFailed covers both a wrong password and a missing backup.
	ErrSignInFailed = errs.New(errs.CodeAuthFailure, "sign-in failed")
	ErrLocked       = errs.New(errs.CodeUnauthenticated, "keys are locked")
	ErrNotOpen      = errs.NotFound("conversation is not open")
)

// PasswordPrompt asks the user for their chat password.
type PasswordPrompt func(ctx context.Context) (string, error)

type UpdateKind int

const (
	// UpdateMessages means Messages(ConversationID) changed.
	UpdateMessages UpdateKind = iota
	// UpdateConversation means a peer opened a new conversation with us.
	UpdateConversation
)

type Update struct {
	Kind           UpdateKind
	ConversationID string
}

type Option func(*Orchestrator) error

func WithLogger(log zerolog.Logger) Option {
	return func(o *Orchestrator) error {
		o.log = log
		return nil
	}
}

func WithPasswordPrompt(prompt PasswordPrompt) Option {
	return func(o *Orchestrator) error {
		o.prompt = prompt
		return nil
	}
}

func WithKDFParams(params models.KDFParams) Option {
	return func(o *Orchestrator) error {
		o.kdf = params
		return nil
	}
}

func WithPageLimit(limit int) Option {
	return func(o *Orchestrator) error {
		o.pageLimit = limit
		return nil
	}
}

// WithCounterStore uses counters owned by the caller.
func WithCounterStore(cs CounterStore) Option {
	return func(o *Orchestrator) error {
		o.counters = cs
		return nil
	}
}

// WithCounterFile keeps nonce counters in a sqlite file at path. The file
// is closed with the orchestrator.
func WithCounterFile(path string) Option {
	return func(o *Orchestrator) error {
		cs, err := OpenSQLiteCounters(path)
		if err != nil {
			return err
		}
		o.counters = cs
		o.owned = append(o.owned, cs)
		return nil
	}
}

type conversation struct {
	conv     *models.Conversation
	secret   *[e2ee.KeySize]byte
	timeline *Timeline
	cursor   *int64
	done     bool
}

// Orchestrator is one user's chat session. It owns its transport and every
// key it derives; none of it is persisted except through the CounterStore.
type Orchestrator struct {
	transport Transport
	userID    int
	log       zerolog.Logger
	prompt    PasswordPrompt
	kdf       models.KDFParams
	pageLimit int
	counters  CounterStore
	owned     []io.Closer

	mu     sync.Mutex
	keys   *e2ee.KeyPair
	master *[e2ee.KeySize]byte
	convs  map[string]*conversation

	unlockMu sync.Mutex

	updMu     sync.RWMutex
	updates   chan Update
	closed    bool
	live      sync.WaitGroup
	closeOnce sync.Once
}

func New(transport Transport, userID int, opts ...Option) (*Orchestrator, error) {
	o := &Orchestrator{
		transport: transport,
		userID:    userID,
		log:       zerolog.Nop(),
		kdf:       e2ee.DefaultKDFParams(),
		pageLimit: defaultPageLimit,
		convs:     make(map[string]*conversation),
		updates:   make(chan Update, updateBuffer),
	}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			o.closeOwned()
			return nil, err
		}
	}
	if o.counters == nil {
		o.counters = NewMemoryCounters()
	}
	o.log = o.log.With().Int("user_id", userID).Logger()

	o.live.Add(1)
	go o.consumeLive()
	return o, nil
}

// Enroll creates a fresh identity key, backs it up under password and
// publishes it. Any previous key of this user stops working.
func (o *Orchestrator) Enroll(ctx context.Context, password string) error {
	o.unlockMu.Lock()
	defer o.unlockMu.Unlock()

	kp, err := e2ee.GenerateKeyPair()
	if err != nil {
		return err
	}
	backup, master, err := e2ee.SealBackup(kp, password, o.kdf)
	if err != nil {
		return err
	}

	req := relay.EnrollRequest{
		PublicKey:         kp.Public[:],
		WrappedPrivateKey: backup.WrappedPrivateKey,
		WrapNonce:         backup.WrapNonce,
		KDFSalt:           backup.KDFSalt,
		KDFParams:         &backup.KDFParams,
	}
	if _, err := o.transport.Enroll(ctx, req); err != nil {
		return err
	}

	o.mu.Lock()
	o.setKeysLocked(kp, master)
	// secrets derived from the old key are stale
	for _, c := range o.convs {
		c.dropSecret()
	}
	o.mu.Unlock()

	o.log.Info().Msg("enrolled")
	return nil
}

// Unlock recovers the private key from the server-side backup.
func (o *Orchestrator) Unlock(ctx context.Context, password string) error {
	o.unlockMu.Lock()
	defer o.unlockMu.Unlock()
	return o.unlock(ctx, password)
}

// unlock requires unlockMu.
func (o *Orchestrator) unlock(ctx context.Context, password string) error {
	bundle, err := o.transport.BackupBundle(ctx, o.userID)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return ErrSignInFailed
		}
		return err
	}

	kp, master, err := e2ee.OpenBackup(&bundle.KeyBackup, bundle.PublicKey, password)
	if err != nil {
		return signInError(err)
	}

	o.mu.Lock()
	o.setKeysLocked(kp, master)
	o.mu.Unlock()
	o.log.Info().Msg("unlocked")
	return nil
}

// signInError folds every custody failure the user can cause into one
// error, so a prompt cannot tell "no backup" from "wrong password".
func signInError(err error) error {
	if errors.Is(err, errs.ErrAuthFailure) || errors.Is(err, errs.ErrInvalidArgument) {
		return ErrSignInFailed
	}
	return err
}

func (o *Orchestrator) setKeysLocked(kp *e2ee.KeyPair, master *[e2ee.KeySize]byte) {
	o.wipeLocked()
	o.keys = kp
	o.master = master
}

func (o *Orchestrator) wipeLocked() {
	if o.keys != nil {
		e2ee.Zero(o.keys.Private[:])
		o.keys = nil
	}
	if o.master != nil {
		e2ee.Zero(o.master[:])
		o.master = nil
	}
}

// Lock drops the private key but keeps the master key, so the next
// EnsureUnlocked can recover silently.
func (o *Orchestrator) Lock() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.keys != nil {
		e2ee.Zero(o.keys.Private[:])
		o.keys = nil
	}
}

// EnsureUnlocked makes the private key available: it is a no-op when
// already unlocked, then tries the cached master key, then the prompt.
func (o *Orchestrator) EnsureUnlocked(ctx context.Context) error {
	o.unlockMu.Lock()
	defer o.unlockMu.Unlock()

	o.mu.Lock()
	unlocked := o.keys != nil
	var master *[e2ee.KeySize]byte
	if !unlocked && o.master != nil {
		m := *o.master
		master = &m
	}
	o.mu.Unlock()
	if unlocked {
		return nil
	}

	if master != nil {
		defer e2ee.Zero(master[:])
		err := o.unlockWithMaster(ctx, master)
		if err == nil {
			return nil
		}
		if !errors.Is(err, errs.ErrAuthFailure) && !errors.Is(err, errs.ErrNotFound) {
			return err
		}
		o.log.Debug().Msg("cached master key no longer opens the backup")
	}

	if o.prompt == nil {
		return ErrLocked
	}
	password, err := o.prompt(ctx)
	if err != nil {
		return err
	}
	return o.unlock(ctx, password)
}

func (o *Orchestrator) unlockWithMaster(ctx context.Context, master *[e2ee.KeySize]byte) error {
	bundle, err := o.transport.BackupBundle(ctx, o.userID)
	if err != nil {
		return err
	}
	kp, err := e2ee.OpenBackupWithKey(&bundle.KeyBackup, bundle.PublicKey, master)
	if err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.keys != nil {
		e2ee.Zero(o.keys.Private[:])
	}
	o.keys = kp
	return nil
}

// Open starts or resumes the support conversation with peerID and
// subscribes to its live channel.
func (o *Orchestrator) Open(ctx context.Context, peerID int) (*models.Conversation, error) {
	if err := o.EnsureUnlocked(ctx); err != nil {
		return nil, err
	}

	conv, err := o.transport.CreateOrGetConversation(ctx, o.userID, peerID)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	c, ok := o.convs[conv.ID]
	if !ok {
		c = &conversation{conv: conv, timeline: NewTimeline()}
		o.convs[conv.ID] = c
	}
	o.mu.Unlock()

	secret, err := o.secretFor(ctx, c)
	if err != nil {
		return nil, err
	}
	e2ee.Zero(secret[:])
	if err := o.transport.Join(ctx, conv.ID); err != nil {
		return nil, err
	}

	o.log.Debug().Str("conversation_id", conv.ID).Msg("conversation open")
	return conv, nil
}

// Leave unsubscribes from a conversation and forgets its secret and
// timeline. Leaving a conversation that is not open is a no-op.
func (o *Orchestrator) Leave(ctx context.Context, conversationID string) error {
	if _, err := o.lookup(conversationID); err != nil {
		return nil
	}
	if err := o.transport.Leave(ctx, conversationID); err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if c, ok := o.convs[conversationID]; ok {
		c.dropSecret()
		delete(o.convs, conversationID)
	}
	return nil
}

// dropSecret wipes the cached shared secret. It requires o.mu.
func (c *conversation) dropSecret() {
	if c.secret != nil {
		e2ee.Zero(c.secret[:])
		c.secret = nil
	}
}

// secretCopy returns a private copy of the cached secret, or nil. It
// requires o.mu.
func (c *conversation) secretCopy() *[e2ee.KeySize]byte {
	if c.secret == nil {
		return nil
	}
	s := *c.secret
	return &s
}

// secretFor returns a copy of the shared secret of c, deriving and caching
// it on first use from our private key and the peer's published key. The
// caller owns the copy and should zero it when done.
func (o *Orchestrator) secretFor(ctx context.Context, c *conversation) (*[e2ee.KeySize]byte, error) {
	o.mu.Lock()
	secret := c.secretCopy()
	o.mu.Unlock()
	if secret != nil {
		return secret, nil
	}

	if err := o.EnsureUnlocked(ctx); err != nil {
		return nil, err
	}
	resp, err := o.transport.PublicKey(ctx, c.conv.Peer(o.userID))
	if err != nil {
		return nil, err
	}
	theirs, err := e2ee.PublicKeyFromBytes(resp.PublicKey)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.keys == nil {
		return nil, ErrLocked
	}
	secret, err = e2ee.DeriveSharedSecret(theirs, o.keys.Private)
	if err != nil {
		return nil, err
	}
	if o.convs[c.conv.ID] != c {
		e2ee.Zero(secret[:])
		return nil, ErrNotOpen
	}
	c.dropSecret()
	c.secret = secret
	return c.secretCopy(), nil
}

func (o *Orchestrator) lookup(conversationID string) (*conversation, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	c, ok := o.convs[conversationID]
	if !ok {
		return nil, ErrNotOpen
	}
	return c, nil
}

// Send encrypts text and appends it. The counter is reserved before the
// append and is not reused if the append fails, since the server may have
// stored the envelope anyway.
func (o *Orchestrator) Send(ctx context.Context, conversationID, text string) (*Message, error) {
	c, err := o.lookup(conversationID)
	if err != nil {
		return nil, err
	}
	secret, err := o.secretFor(ctx, c)
	if err != nil {
		return nil, err
	}
	defer e2ee.Zero(secret[:])

	counter, err := o.counters.Reserve(ctx, o.userID, conversationID)
	if err != nil {
		return nil, err
	}
	ciphertext, nonce, err := e2ee.Encrypt([]byte(text), secret, counter)
	if err != nil {
		return nil, err
	}

	env, err := o.transport.AppendMessage(ctx, conversationID, relay.AppendRequest{
		Ciphertext: ciphertext,
		Nonce:      nonce,
		Counter:    counter,
	})
	if err != nil {
		o.log.Warn().Err(err).Str("conversation_id", conversationID).Uint64("counter", counter).Msg("send failed")
		return nil, err
	}

	msg := Message{
		ID:             env.ID,
		ConversationID: conversationID,
		SenderID:       o.userID,
		Text:           text,
		Counter:        counter,
		SentAt:         env.CreatedAt,
	}
	if c.timeline.Add(msg) > 0 {
		o.notify(Update{Kind: UpdateMessages, ConversationID: conversationID})
	}
	return &msg, nil
}

// LoadOlder fetches the next page of history before the oldest page
// loaded so far and merges it. It returns the number of messages added;
// zero with a nil error once history is exhausted.
func (o *Orchestrator) LoadOlder(ctx context.Context, conversationID string) (int, error) {
	c, err := o.lookup(conversationID)
	if err != nil {
		return 0, err
	}
	secret, err := o.secretFor(ctx, c)
	if err != nil {
		return 0, err
	}
	defer e2ee.Zero(secret[:])

	o.mu.Lock()
	done, cursor := c.done, c.cursor
	o.mu.Unlock()
	if done {
		return 0, nil
	}

	page, err := o.transport.ListMessages(ctx, conversationID, cursor, o.pageLimit)
	if err != nil {
		return 0, err
	}

	added, opened := 0, 0
	for msg := range DecryptEnvelopes(page.Envelopes, secret) {
		opened++
		added += c.timeline.Add(msg)
	}
	if skipped := len(page.Envelopes) - opened; skipped > 0 {
		o.log.Debug().Str("conversation_id", conversationID).Int("skipped", skipped).Msg("dropped undecryptable envelopes")
	}

	o.mu.Lock()
	if page.NextCursor != nil {
		c.cursor = page.NextCursor
	}
	c.done = !page.HasMore
	o.mu.Unlock()

	if added > 0 {
		o.notify(Update{Kind: UpdateMessages, ConversationID: conversationID})
	}
	return added, nil
}

// DecryptEnvelopes yields the envelopes that open under secret, oldest
// first. Envelopes that fail to decrypt are left out. Each range over the
// result decrypts again.
func DecryptEnvelopes(envs []models.Envelope, secret *[e2ee.KeySize]byte) iter.Seq[Message] {
	return func(yield func(Message) bool) {
		for i := len(envs) - 1; i >= 0; i-- {
			msg, ok := decryptEnvelope(&envs[i], secret)
			if !ok {
				continue
			}
			if !yield(msg) {
				return
			}
		}
	}
}

func decryptEnvelope(env *models.Envelope, secret *[e2ee.KeySize]byte) (Message, bool) {
	plaintext, err := e2ee.Decrypt(env.Ciphertext, env.Nonce, secret)
	if err != nil {
		return Message{}, false
	}
	return Message{
		ID:             env.ID,
		ConversationID: env.ConversationID,
		SenderID:       env.SenderID,
		Text:           string(plaintext),
		Counter:        env.Counter,
		SentAt:         env.CreatedAt,
	}, true
}

// consumeLive merges pushed envelopes into their timelines until the feed
// closes. Events for conversations that are not open are ignored.
func (o *Orchestrator) consumeLive() {
	defer o.live.Done()
	for ev := range o.transport.Events() {
		switch ev.Type {
		case ws.EventEnvelope:
			if ev.Envelope != nil {
				o.mergeLive(ev.Envelope)
			}
		case ws.EventConversation:
			o.notify(Update{Kind: UpdateConversation, ConversationID: ev.ConversationID})
		}
	}
}

func (o *Orchestrator) mergeLive(env *models.Envelope) {
	o.mu.Lock()
	c, ok := o.convs[env.ConversationID]
	var secret *[e2ee.KeySize]byte
	if ok {
		secret = c.secretCopy()
	}
	o.mu.Unlock()
	if secret == nil {
		return
	}
	defer e2ee.Zero(secret[:])

	msg, ok := decryptEnvelope(env, secret)
	if !ok {
		o.log.Debug().Str("conversation_id", env.ConversationID).Int64("envelope_id", env.ID).Msg("dropped undecryptable envelope")
		return
	}
	if c.timeline.Add(msg) > 0 {
		o.notify(Update{Kind: UpdateMessages, ConversationID: env.ConversationID})
	}
}

// notify never blocks; a full buffer already tells the reader to refresh.
func (o *Orchestrator) notify(u Update) {
	o.updMu.RLock()
	defer o.updMu.RUnlock()
	if o.closed {
		return
	}
	select {
	case o.updates <- u:
	default:
	}
}

// Updates signals changes to timelines and incoming conversations. It is
// closed by Close.
func (o *Orchestrator) Updates() <-chan Update {
	return o.updates
}

// Messages returns the current timeline of an open conversation, oldest
// first, or nil if it is not open.
func (o *Orchestrator) Messages(conversationID string) []Message {
	c, err := o.lookup(conversationID)
	if err != nil {
		return nil
	}
	return c.timeline.Messages()
}

// HasMore reports whether older history may still be loaded.
func (o *Orchestrator) HasMore(conversationID string) bool {
	c, err := o.lookup(conversationID)
	if err != nil {
		return false
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return !c.done
}

// Close closes the transport, which ends every live subscription, and
// wipes all key material.
func (o *Orchestrator) Close() error {
	var err error
	o.closeOnce.Do(func() {
		err = o.transport.Close()
		o.live.Wait()

		o.mu.Lock()
		o.wipeLocked()
		for _, c := range o.convs {
			c.dropSecret()
		}
		o.mu.Unlock()

		o.updMu.Lock()
		o.closed = true
		close(o.updates)
		o.updMu.Unlock()
		o.closeOwned()
	})
	return err
}

func (o *Orchestrator) closeOwned() {
	for _, c := range o.owned {
		if err := c.Close(); err != nil {
			o.log.Warn().Err(err).Msg("close")
		}
	}
}

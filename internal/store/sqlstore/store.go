package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"                   // Postgres driver
	sqlite3 "github.com/mattn/go-sqlite3" // SQLite driver
	"github.com/pkg/errors"

	"github.com/pliu/supportchat/internal/errs"
	"github.com/pliu/supportchat/internal/models"
)

type SQLStore struct {
	db         *sql.DB
	driverName string
}

func New(driverName, dataSourceName string) (*SQLStore, error) {
	db, err := sql.Open(driverName, dataSourceName)
	if err != nil {
		return nil, err
	}
	if strings.Contains(dataSourceName, ":memory:") {
		// every new connection to :memory: would open an empty database
		db.SetMaxOpenConns(1)
	}
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	s := &SQLStore{db: db, driverName: driverName}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "sqlstore.New.createTables")
	}
	return s, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT UNIQUE NOT NULL,
		email TEXT NOT NULL DEFAULT '',
		password TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT 'customer'
	);

	CREATE TABLE IF NOT EXISTS identity_keys (
		user_id BIGINT PRIMARY KEY REFERENCES users(id),
		public_key BLOB NOT NULL,
		wrapped_private_key BLOB,
		wrap_nonce BLOB,
		kdf_salt BLOB,
		kdf_params TEXT,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		user_low BIGINT NOT NULL REFERENCES users(id),
		user_high BIGINT NOT NULL REFERENCES users(id),
		created_at DATETIME NOT NULL,
		UNIQUE (user_low, user_high)
	);

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		conversation_id TEXT NOT NULL REFERENCES conversations(id),
		sender_id BIGINT NOT NULL REFERENCES users(id),
		ciphertext BLOB NOT NULL,
		nonce BLOB NOT NULL,
		counter BIGINT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages (conversation_id, id);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_sender_nonce ON messages (sender_id, nonce);
	`

	if s.driverName == "postgres" {
		// Adjust for Postgres syntax
		query = strings.ReplaceAll(query, "INTEGER PRIMARY KEY AUTOINCREMENT", "BIGSERIAL PRIMARY KEY")
		query = strings.ReplaceAll(query, "DATETIME", "TIMESTAMPTZ")
		query = strings.ReplaceAll(query, "BLOB", "BYTEA")
	}

	_, err := s.db.Exec(query)
	return err
}

// Helper to handle placeholders
func (s *SQLStore) rebind(query string) string {
	if s.driverName == "postgres" {
		// Replace ? with $1, $2, etc.
		n := strings.Count(query, "?")
		for i := 1; i <= n; i++ {
			query = strings.Replace(query, "?", fmt.Sprintf("$%d", i), 1)
		}
	}
	return query
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

// nullBytes keeps absent backup columns NULL rather than zero-length blobs.
func nullBytes(b []byte) any {
	if b == nil {
		return nil
	}
	return b
}

func (s *SQLStore) CreateUser(ctx context.Context, user *models.User) error {
	if user.Role == "" {
		user.Role = models.RoleCustomer
	}
	query := s.rebind("INSERT INTO users (username, email, password, role) VALUES (?, ?, ?, ?) RETURNING id")
	err := s.db.QueryRowContext(ctx, query, user.Username, user.Email, user.Password, string(user.Role)).Scan(&user.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return errs.Conflict("username already exists")
		}
		return errors.Wrap(err, "sqlstore.CreateUser.Insert")
	}
	return nil
}

func (s *SQLStore) scanUser(row *sql.Row, op string) (*models.User, error) {
	var user models.User
	var role string
	err := row.Scan(&user.ID, &user.Username, &user.Email, &user.Password, &role)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.NotFound("user not found")
		}
		return nil, errors.Wrap(err, op)
	}
	user.Role = models.Role(role)
	return &user, nil
}

func (s *SQLStore) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	query := s.rebind("SELECT id, username, email, password, role FROM users WHERE username = ?")
	return s.scanUser(s.db.QueryRowContext(ctx, query, username), "sqlstore.GetUserByUsername.Scan")
}

func (s *SQLStore) GetUserByID(ctx context.Context, id int) (*models.User, error) {
	query := s.rebind("SELECT id, username, email, password, role FROM users WHERE id = ?")
	return s.scanUser(s.db.QueryRowContext(ctx, query, id), "sqlstore.GetUserByID.Scan")
}

func (s *SQLStore) GetUserRole(ctx context.Context, id int) (models.Role, error) {
	var role string
	query := s.rebind("SELECT role FROM users WHERE id = ?")
	err := s.db.QueryRowContext(ctx, query, id).Scan(&role)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", errs.NotFound("user not found")
		}
		return "", errors.Wrap(err, "sqlstore.GetUserRole.Scan")
	}
	return models.Role(role), nil
}

// SearchUsers matches usernames containing query, optionally restricted to
// one role. Emails are masked.
func (s *SQLStore) SearchUsers(ctx context.Context, query string, role models.Role, limit int) ([]models.User, error) {
	sqlQuery := "SELECT id, username, email, role FROM users WHERE username LIKE ?"
	args := []any{"%" + query + "%"}
	if role != "" {
		sqlQuery += " AND role = ?"
		args = append(args, string(role))
	}
	sqlQuery += " ORDER BY username LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.rebind(sqlQuery), args...)
	if err != nil {
		return nil, errors.Wrap(err, "sqlstore.SearchUsers.Query")
	}
	defer rows.Close()

	users := []models.User{}
	for rows.Next() {
		var user models.User
		var userRole string
		if err := rows.Scan(&user.ID, &user.Username, &user.Email, &userRole); err != nil {
			return nil, errors.Wrap(err, "sqlstore.SearchUsers.Scan")
		}
		user.Role = models.Role(userRole)
		user.Email = maskEmail(user.Email)
		users = append(users, user)
	}
	return users, rows.Err()
}

func maskEmail(email string) string {
	local, domain, ok := strings.Cut(email, "@")
	if !ok {
		return email
	}
	visible := 1
	if len(local) > 2 {
		visible = min(len(local)/2, 3)
	}
	if visible > len(local) {
		visible = len(local)
	}
	return local[:visible] + strings.Repeat("*", len(local)-visible) + "@" + domain
}

// UpsertIdentityKey replaces the public key and every backup column in one
// statement, so a re-enrollment never leaves a mix of old and new material.
func (s *SQLStore) UpsertIdentityKey(ctx context.Context, key *models.IdentityKey) error {
	var wrapped, nonce, salt, params any
	if b := key.Backup; b != nil {
		raw, err := json.Marshal(b.KDFParams)
		if err != nil {
			return errors.Wrap(err, "sqlstore.UpsertIdentityKey.Marshal")
		}
		wrapped, nonce, salt, params = nullBytes(b.WrappedPrivateKey), nullBytes(b.WrapNonce), nullBytes(b.KDFSalt), string(raw)
	}
	if key.UpdatedAt.IsZero() {
		key.UpdatedAt = time.Now().UTC()
	}

	query := s.rebind(`
		INSERT INTO identity_keys (user_id, public_key, wrapped_private_key, wrap_nonce, kdf_salt, kdf_params, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			public_key = excluded.public_key,
			wrapped_private_key = excluded.wrapped_private_key,
			wrap_nonce = excluded.wrap_nonce,
			kdf_salt = excluded.kdf_salt,
			kdf_params = excluded.kdf_params,
			updated_at = excluded.updated_at
	`)
	_, err := s.db.ExecContext(ctx, query, key.UserID, key.PublicKey, wrapped, nonce, salt, params, key.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, "sqlstore.UpsertIdentityKey.Exec")
	}
	return nil
}

func (s *SQLStore) GetIdentityKey(ctx context.Context, userID int) (*models.IdentityKey, error) {
	var (
		key                  models.IdentityKey
		wrapped, nonce, salt []byte
		params               sql.NullString
	)
	query := s.rebind(`
		SELECT user_id, public_key, wrapped_private_key, wrap_nonce, kdf_salt, kdf_params, updated_at
		FROM identity_keys WHERE user_id = ?
	`)
	err := s.db.QueryRowContext(ctx, query, userID).Scan(&key.UserID, &key.PublicKey, &wrapped, &nonce, &salt, &params, &key.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.NotFound("identity key not found")
		}
		return nil, errors.Wrap(err, "sqlstore.GetIdentityKey.Scan")
	}

	if params.Valid {
		backup := &models.KeyBackup{WrappedPrivateKey: wrapped, WrapNonce: nonce, KDFSalt: salt}
		if err := json.Unmarshal([]byte(params.String), &backup.KDFParams); err != nil {
			return nil, errors.Wrap(err, "sqlstore.GetIdentityKey.Unmarshal")
		}
		key.Backup = backup
	}
	return &key, nil
}

func (s *SQLStore) DeleteIdentityKey(ctx context.Context, userID int) error {
	query := s.rebind("DELETE FROM identity_keys WHERE user_id = ?")
	if _, err := s.db.ExecContext(ctx, query, userID); err != nil {
		return errors.Wrap(err, "sqlstore.DeleteIdentityKey.Exec")
	}
	return nil
}

// CreateOrGetConversation stores the pair ordered (low, high) so that the
// unique index makes the unordered pair a singleton. Concurrent callers race
// on the insert; the loser sees zero rows affected and reads the winner's row.
func (s *SQLStore) CreateOrGetConversation(ctx context.Context, a, b int) (*models.Conversation, bool, error) {
	low, high := a, b
	if low > high {
		low, high = high, low
	}

	insert := s.rebind(`
		INSERT INTO conversations (id, user_low, user_high, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (user_low, user_high) DO NOTHING
	`)
	result, err := s.db.ExecContext(ctx, insert, uuid.NewString(), low, high, time.Now().UTC())
	if err != nil {
		return nil, false, errors.Wrap(err, "sqlstore.CreateOrGetConversation.Insert")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, false, errors.Wrap(err, "sqlstore.CreateOrGetConversation.RowsAffected")
	}

	var conv models.Conversation
	query := s.rebind("SELECT id, user_low, user_high, created_at FROM conversations WHERE user_low = ? AND user_high = ?")
	err = s.db.QueryRowContext(ctx, query, low, high).Scan(&conv.ID, &conv.ParticipantIDs[0], &conv.ParticipantIDs[1], &conv.CreatedAt)
	if err != nil {
		return nil, false, errors.Wrap(err, "sqlstore.CreateOrGetConversation.Scan")
	}
	return &conv, affected == 1, nil
}

func (s *SQLStore) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	var conv models.Conversation
	query := s.rebind("SELECT id, user_low, user_high, created_at FROM conversations WHERE id = ?")
	err := s.db.QueryRowContext(ctx, query, id).Scan(&conv.ID, &conv.ParticipantIDs[0], &conv.ParticipantIDs[1], &conv.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.NotFound("conversation not found")
		}
		return nil, errors.Wrap(err, "sqlstore.GetConversation.Scan")
	}
	return &conv, nil
}

func (s *SQLStore) ListConversations(ctx context.Context, userID int) ([]models.Conversation, error) {
	query := s.rebind(`
		SELECT id, user_low, user_high, created_at
		FROM conversations
		WHERE user_low = ? OR user_high = ?
		ORDER BY created_at DESC
	`)
	rows, err := s.db.QueryContext(ctx, query, userID, userID)
	if err != nil {
		return nil, errors.Wrap(err, "sqlstore.ListConversations.Query")
	}
	defer rows.Close()

	convs := []models.Conversation{}
	for rows.Next() {
		var conv models.Conversation
		if err := rows.Scan(&conv.ID, &conv.ParticipantIDs[0], &conv.ParticipantIDs[1], &conv.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "sqlstore.ListConversations.Scan")
		}
		convs = append(convs, conv)
	}
	return convs, rows.Err()
}

// AppendMessage assigns env.ID and env.CreatedAt. The ciphertext is stored
// as given.
func (s *SQLStore) AppendMessage(ctx context.Context, env *models.Envelope) error {
	var exists bool
	query := s.rebind("SELECT EXISTS(SELECT 1 FROM conversations WHERE id = ?)")
	if err := s.db.QueryRowContext(ctx, query, env.ConversationID).Scan(&exists); err != nil {
		return errors.Wrap(err, "sqlstore.AppendMessage.Exists")
	}
	if !exists {
		return errs.NotFound("conversation not found")
	}

	env.CreatedAt = time.Now().UTC()
	insert := s.rebind(`
		INSERT INTO messages (conversation_id, sender_id, ciphertext, nonce, counter, created_at)
		VALUES (?, ?, ?, ?, ?, ?) RETURNING id
	`)
	err := s.db.QueryRowContext(ctx, insert, env.ConversationID, env.SenderID, env.Ciphertext, env.Nonce, int64(env.Counter), env.CreatedAt).Scan(&env.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return errs.Conflict("nonce already used by sender")
		}
		return errors.Wrap(err, "sqlstore.AppendMessage.Insert")
	}
	return nil
}

// ListMessages returns up to limit envelopes older than cursor, newest
// first. One extra row is fetched to learn whether more remain.
func (s *SQLStore) ListMessages(ctx context.Context, conversationID string, cursor *int64, limit int) (*models.MessagePage, error) {
	if limit <= 0 {
		return nil, errs.InvalidArg("limit must be positive")
	}

	query := `
		SELECT id, conversation_id, sender_id, ciphertext, nonce, counter, created_at
		FROM messages
		WHERE conversation_id = ?`
	args := []any{conversationID}
	if cursor != nil {
		query += " AND id < ?"
		args = append(args, *cursor)
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, errors.Wrap(err, "sqlstore.ListMessages.Query")
	}
	defer rows.Close()

	envelopes := make([]models.Envelope, 0, limit+1)
	for rows.Next() {
		var env models.Envelope
		var counter int64
		if err := rows.Scan(&env.ID, &env.ConversationID, &env.SenderID, &env.Ciphertext, &env.Nonce, &counter, &env.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "sqlstore.ListMessages.Scan")
		}
		env.Counter = uint64(counter)
		envelopes = append(envelopes, env)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "sqlstore.ListMessages.Rows")
	}

	page := &models.MessagePage{}
	if len(envelopes) > limit {
		page.HasMore = true
		envelopes = envelopes[:limit]
	}
	page.Envelopes = envelopes
	if n := len(envelopes); n > 0 {
		oldest := envelopes[n-1].ID
		page.NextCursor = &oldest
	}
	return page, nil
}

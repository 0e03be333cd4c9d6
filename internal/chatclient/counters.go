package chatclient

import (
	"context"
	"database/sql"
	"math"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/pliu/supportchat/internal/errs"
)

// CounterStore hands out nonce counters per (sender, conversation). A
// counter returned by Reserve is never returned again by the same store,
// whether or not the caller manages to use it.
type CounterStore interface {
	Reserve(ctx context.Context, userID int, conversationID string) (uint64, error)
}

var errCounterExhausted = errs.New(errs.CodeInternal, "nonce counter exhausted")

type counterKey struct {
	userID         int
	conversationID string
}

// MemoryCounters starts every conversation at zero in each process. Nonce
// uniqueness across restarts then rests on the random nonce prefix alone.
type MemoryCounters struct {
	mu   sync.Mutex
	next map[counterKey]uint64
}

func NewMemoryCounters() *MemoryCounters {
	return &MemoryCounters{next: make(map[counterKey]uint64)}
}

func (m *MemoryCounters) Reserve(ctx context.Context, userID int, conversationID string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := counterKey{userID, conversationID}
	n := m.next[key]
	if n == math.MaxUint64 {
		return 0, errCounterExhausted
	}
	m.next[key] = n + 1
	return n, nil
}

// SQLiteCounters keeps counters in a local sqlite file so they keep
// increasing across restarts of this device.
type SQLiteCounters struct {
	db *sql.DB
}

func OpenSQLiteCounters(path string) (*SQLiteCounters, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "counters.Open")
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS nonce_counters (
		user_id INTEGER NOT NULL,
		conversation_id TEXT NOT NULL,
		next INTEGER NOT NULL,
		PRIMARY KEY (user_id, conversation_id)
	)`); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "counters.CreateTable")
	}
	return &SQLiteCounters{db: db}, nil
}

// Reserve bumps the stored value before returning the reserved one, so a
// crash after Reserve can only skip a counter, never repeat it.
func (s *SQLiteCounters) Reserve(ctx context.Context, userID int, conversationID string) (uint64, error) {
	var next int64
	err := s.db.QueryRowContext(ctx, `INSERT INTO nonce_counters (user_id, conversation_id, next) VALUES (?, ?, 1)
		ON CONFLICT (user_id, conversation_id) DO UPDATE SET next = nonce_counters.next + 1
		RETURNING next`, userID, conversationID).Scan(&next)
	if err != nil {
		return 0, errors.Wrap(err, "counters.Reserve")
	}
	return uint64(next - 1), nil
}

func (s *SQLiteCounters) Close() error {
	return s.db.Close()
}

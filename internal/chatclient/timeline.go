package chatclient

import (
	"cmp"
	"slices"
	"sync"
	"time"
)

// Message is a decrypted envelope.
type Message struct {
	ID             int64     `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       int       `json:"sender_id"`
	Text           string    `json:"text"`
	Counter        uint64    `json:"counter"`
	SentAt         time.Time `json:"sent_at"`
}

// Timeline is the merged view of one conversation. Messages are kept in
// envelope id order, which is the server's append order, and each id
// appears once no matter how many times it arrives.
type Timeline struct {
	mu   sync.RWMutex
	msgs []Message
}

func NewTimeline() *Timeline {
	return &Timeline{}
}

// Add merges msgs and returns how many were new.
func (t *Timeline) Add(msgs ...Message) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	added := 0
	for _, m := range msgs {
		i, found := slices.BinarySearchFunc(t.msgs, m.ID, func(e Message, id int64) int {
			return cmp.Compare(e.ID, id)
		})
		if found {
			continue
		}
		t.msgs = slices.Insert(t.msgs, i, m)
		added++
	}
	return added
}

// Messages returns a copy, oldest first.
func (t *Timeline) Messages() []Message {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.Clone(t.msgs)
}

func (t *Timeline) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.msgs)
}

package models

import "time"

type Role string

const (
	RoleCustomer Role = "customer"
	RoleAdmin    Role = "admin"
)

// Privileged reports whether the role may take part in a support
// conversation as the support side.
func (r Role) Privileged() bool {
	return r == RoleAdmin
}

type User struct {
	ID       int    `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"-"`
	Role     Role   `json:"role"`
}

// Principal is the verified caller attached to every request.
type Principal struct {
	UserID int  `json:"user_id"`
	Role   Role `json:"role"`
}

type KDFParams struct {
	Algorithm  string `json:"algorithm"`
	Iterations int    `json:"iterations"`
}

// KeyBackup is the password-wrapped private key. Either all of it is
// stored or none of it: IdentityKey.Backup is nil when there is no backup.
type KeyBackup struct {
	WrappedPrivateKey []byte    `json:"wrapped_private_key"`
	WrapNonce         []byte    `json:"wrap_nonce"`
	KDFSalt           []byte    `json:"kdf_salt"`
	KDFParams         KDFParams `json:"kdf_params"`
}

type IdentityKey struct {
	UserID    int        `json:"user_id"`
	PublicKey []byte     `json:"public_key"`
	Backup    *KeyBackup `json:"backup,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

type Conversation struct {
	ID             string    `json:"id"`
	ParticipantIDs [2]int    `json:"participant_ids"`
	CreatedAt      time.Time `json:"created_at"`
}

// HasParticipant reports whether userID is one of the two participants.
func (c *Conversation) HasParticipant(userID int) bool {
	return c.ParticipantIDs[0] == userID || c.ParticipantIDs[1] == userID
}

// Peer returns the participant that is not userID.
func (c *Conversation) Peer(userID int) int {
	if c.ParticipantIDs[0] == userID {
		return c.ParticipantIDs[1]
	}
	return c.ParticipantIDs[0]
}

// Envelope is a stored message. Ciphertext and Nonce are opaque to the server.
type Envelope struct {
	ID             int64     `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       int       `json:"sender_id"`
	Ciphertext     []byte    `json:"ciphertext"`
	Nonce          []byte    `json:"nonce"`
	Counter        uint64    `json:"counter"`
	CreatedAt      time.Time `json:"created_at"`
}

type MessagePage struct {
	Envelopes  []Envelope `json:"envelopes"`
	HasMore    bool       `json:"has_more"`
	NextCursor *int64     `json:"next_cursor"`
}

package token

import "time"

// Token is one row of a refresh-token family. A family is the lineage that
// starts at issuance (generation 1) and grows by one generation per
// successful rotation. The raw secret is never part of the record; only its
// SHA-256 digest is stored.
type Token struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	FamilyID   string    `json:"family_id"`
	Generation int       `json:"generation"`
	Hash       [32]byte  `json:"-"`
	HashHex    string    `json:"hash_hex"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`

	Used      bool      `json:"used"`
	RotatedAt time.Time `json:"rotated_at,omitempty"`
	Revoked   bool      `json:"revoked"`
	RevokedAt time.Time `json:"revoked_at,omitempty"`

	// SuccessorHex links a rotated token to the hash of the token that
	// replaced it. Set by Rotate, empty on live tokens.
	SuccessorHex string `json:"successor_hex,omitempty"`

	// Provenance metadata, informational only.
	DeviceID  string `json:"device_id,omitempty"`
	IP        string `json:"ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// Live reports whether the token can still be exchanged at the given instant.
func (t *Token) Live(now time.Time) bool {
	return t != nil && !t.Used && !t.Revoked && now.Before(t.ExpiresAt)
}

// Provenance carries the optional request metadata recorded on issuance and
// rotation.
type Provenance struct {
	DeviceID  string
	IP        string
	UserAgent string
	SessionID string
}

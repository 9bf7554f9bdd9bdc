package contracts

import "time"

// Secret is an encrypted named value scoped to an organization.
// EncryptedValue is an AES-256-GCM blob; the plaintext only exists in
// memory while a connector call needs it.
type Secret struct {
	ID             string    `json:"id"`
	OrgID          string    `json:"org_id"`
	Name           string    `json:"name"`
	EncryptedValue []byte    `json:"-"`
	Description    string    `json:"description,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ActionCounter is the per-(org, uapk, UTC date) daily budget counter.
type ActionCounter struct {
	ID          string    `json:"id"`
	OrgID       string    `json:"org_id"`
	UAPKID      string    `json:"uapk_id"`
	CounterDate string    `json:"counter_date"` // YYYY-MM-DD, UTC
	Count       int       `json:"count"`
	UpdatedAt   time.Time `json:"updated_at"`
}

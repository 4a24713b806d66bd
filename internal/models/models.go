package models

import (
	"time"

	"github.com/google/uuid"
)

// User is an account row. The signaling hub only ever reads users; accounts
// are created by the external authentication service.
type User struct {
	ID          uuid.UUID `json:"id" db:"id"`
	Email       string    `json:"email" db:"email"`
	DisplayName *string   `json:"displayName,omitempty" db:"display_name"`
	CreatedAt   time.Time `json:"createdAt" db:"created_at"`
}

// LoginToken is an issued session token row.
type LoginToken struct {
	ID        uuid.UUID `json:"id" db:"id"`
	UserID    uuid.UUID `json:"userId" db:"user_id"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	ExpiresAt time.Time `json:"expiresAt" db:"expires_at"`
}

// Connection is one edge of the contact graph, joined to both users' emails.
type Connection struct {
	FromEmail  string `json:"from_email" db:"from_email"`
	ToEmail    string `json:"to_email" db:"to_email"`
	IsAccepted bool   `json:"is_accepted" db:"is_accepted"`
}

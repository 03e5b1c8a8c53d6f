package model

import (
	"time"

	"github.com/gofrs/uuid/v5"
)

// Tokens collects issued access tokens.
type Tokens struct {
	AccessToken string
	ExpiresAt   time.Time // access token expiry (for diagnostics)
}

// User is an account on the blob-store server.
type User struct {
	ID        uuid.UUID // PK
	Username  string    // unique
	PwdHash   string    // encoded argon2id hash, parameters included
	CreatedAt time.Time
}

// StoredSnapshot is the server-side row holding one user's opaque snapshot document.
type StoredSnapshot struct {
	UserID    uuid.UUID
	Body      []byte    // snapshot JSON, stored as given
	ClientTS  time.Time // timestamp field supplied by the writing client
	UpdatedAt time.Time // server write time
}

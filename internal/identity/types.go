package identity

import (
	"context"
	"errors"
	"time"

	"fintrail.org/internal/authz"
)

var (
	ErrNotFound      = errors.New("identity: not found")
	ErrAlreadyExists = errors.New("identity: already exists")
	ErrInvalidInput  = errors.New("identity: invalid input")
	ErrUnauthorized  = errors.New("identity: unauthorized")
)

// User is a back-office account. ClientID is set only for client-role users
// and points at the client record the user is bound to; it is an ownership
// link, not ownership itself.
type User struct {
	ID           string     `json:"id"`
	Username     string     `json:"username"`
	Email        string     `json:"email"`
	PasswordHash string     `json:"-"`
	Role         authz.Role `json:"role"`
	ClientID     string     `json:"client_id,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// UserUpdate carries optional field changes; nil means keep. ClientID may
// only be set together with (or on) a client-role user; moving a user off the
// client role clears the binding.
type UserUpdate struct {
	Username *string
	Email    *string
	Password *string
	Role     *authz.Role
	ClientID *string
}

// Store describes persistence operations required by the identity subsystem.
type Store interface {
	CreateUser(ctx context.Context, u *User) error
	FindUser(ctx context.Context, id string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	FindByClient(ctx context.Context, clientID string) (*User, error)
	ListUsers(ctx context.Context) ([]*User, error)
	UpdateUser(ctx context.Context, id string, upd UserUpdate) (*User, error)
	DeleteUser(ctx context.Context, id string) error
}

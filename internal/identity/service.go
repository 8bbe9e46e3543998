package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"fintrail.org/internal/authz"
)

const defaultTokenTTL = 15 * time.Minute

// Service provides user management, credential verification, and token
// issuance. It also acts as the owner resolver for the authorization engine:
// a client-role actor resolves to the client its user record is bound to.
type Service struct {
	store    Store
	tokenTTL time.Duration
	now      func() time.Time
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service)

// WithTokenTTL overrides the access token lifetime.
func WithTokenTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) {
		if ttl > 0 {
			s.tokenTTL = ttl
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService constructs a Service backed by the given store.
func NewService(store Store, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidInput)
	}
	svc := &Service{store: store, tokenTTL: defaultTokenTTL, now: time.Now}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

var _ authz.Resolver = (*Service)(nil)

// ResolveOwner maps a client-role actor to its bound client id. Other roles
// have no owner; the matrix never grants them Own scope.
func (s *Service) ResolveOwner(ctx context.Context, actor authz.Actor) (string, error) {
	if actor.Role != authz.RoleClient {
		return "", nil
	}
	user, err := s.store.FindUser(ctx, actor.ID)
	if err != nil {
		return "", err
	}
	return user.ClientID, nil
}

// CreateUser validates and stores a new user.
func (s *Service) CreateUser(ctx context.Context, username, email, password string, role authz.Role, clientID string) (*User, error) {
	username = strings.TrimSpace(username)
	if len(username) < 3 {
		return nil, fmt.Errorf("%w: username must be at least 3 characters", ErrInvalidInput)
	}
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, fmt.Errorf("%w: valid email is required", ErrInvalidInput)
	}
	role, err := authz.ParseRole(string(role))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	clientID = strings.TrimSpace(clientID)
	if role == authz.RoleClient && clientID == "" {
		return nil, fmt.Errorf("%w: client-role users must be bound to a client", ErrInvalidInput)
	}
	if role != authz.RoleClient && clientID != "" {
		return nil, fmt.Errorf("%w: only client-role users may reference a client", ErrInvalidInput)
	}
	password = strings.TrimSpace(password)
	if password == "" {
		return nil, fmt.Errorf("%w: password is required", ErrInvalidInput)
	}
	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}
	user := &User{
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		Role:         role,
		ClientID:     clientID,
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

// CreateClientUser creates the single client-role user bound to a freshly
// onboarded client, along with its initial credential. The signature matches
// the ledger onboarding directory contract.
func (s *Service) CreateClientUser(ctx context.Context, clientID, username, email string) (string, string, error) {
	secret, err := GenerateInitialSecret()
	if err != nil {
		return "", "", err
	}
	user, err := s.CreateUser(ctx, username, email, secret, authz.RoleClient, clientID)
	if err != nil {
		return "", "", err
	}
	return user.ID, secret, nil
}

// ClientUserExists reports whether a client already has its bound user.
func (s *Service) ClientUserExists(ctx context.Context, clientID string) (bool, error) {
	_, err := s.store.FindByClient(ctx, clientID)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return false, err
}

// RemoveUser deletes a user record. Part of the onboarding rollback path.
func (s *Service) RemoveUser(ctx context.Context, userID string) error {
	return s.store.DeleteUser(ctx, userID)
}

// GetUser returns a user by id.
func (s *Service) GetUser(ctx context.Context, id string) (*User, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	return s.store.FindUser(ctx, id)
}

// ListUsers returns all users.
func (s *Service) ListUsers(ctx context.Context) ([]*User, error) {
	return s.store.ListUsers(ctx)
}

// UpdateUser applies partial changes. Role changes reach this point only for
// admin callers; the HTTP layer gates them through the permission matrix.
func (s *Service) UpdateUser(ctx context.Context, id string, upd UserUpdate) (*User, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	if upd.Username != nil {
		trimmed := strings.TrimSpace(*upd.Username)
		if len(trimmed) < 3 {
			return nil, fmt.Errorf("%w: username must be at least 3 characters", ErrInvalidInput)
		}
		upd.Username = &trimmed
	}
	if upd.Email != nil {
		trimmed := strings.TrimSpace(strings.ToLower(*upd.Email))
		if trimmed == "" || !strings.Contains(trimmed, "@") {
			return nil, fmt.Errorf("%w: valid email is required", ErrInvalidInput)
		}
		upd.Email = &trimmed
	}
	if upd.Role != nil {
		role, err := authz.ParseRole(string(*upd.Role))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		upd.Role = &role
	}
	if upd.Password != nil {
		pw := strings.TrimSpace(*upd.Password)
		if pw == "" {
			return nil, fmt.Errorf("%w: password is required", ErrInvalidInput)
		}
		hash, err := HashPassword(pw)
		if err != nil {
			return nil, err
		}
		upd.Password = &hash
	}
	if upd.ClientID != nil {
		trimmed := strings.TrimSpace(*upd.ClientID)
		upd.ClientID = &trimmed
	}
	// A role or binding change must leave the user in a valid pairing:
	// client-role users are bound to exactly one client, nobody else to any.
	if upd.Role != nil || upd.ClientID != nil {
		current, err := s.store.FindUser(ctx, id)
		if err != nil {
			return nil, err
		}
		role := current.Role
		if upd.Role != nil {
			role = *upd.Role
		}
		clientID := current.ClientID
		if upd.ClientID != nil {
			clientID = *upd.ClientID
		}
		switch {
		case role == authz.RoleClient && clientID == "":
			return nil, fmt.Errorf("%w: client-role users must be bound to a client", ErrInvalidInput)
		case role != authz.RoleClient && clientID != "":
			if upd.ClientID != nil && *upd.ClientID != "" {
				return nil, fmt.Errorf("%w: only client-role users may reference a client", ErrInvalidInput)
			}
			// Role moved off client: drop the stale binding.
			empty := ""
			upd.ClientID = &empty
		}
	}
	return s.store.UpdateUser(ctx, id, upd)
}

// Login verifies credentials and mints an access token.
func (s *Service) Login(ctx context.Context, email, password string) (string, *User, time.Time, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || password == "" {
		return "", nil, time.Time{}, ErrUnauthorized
	}
	user, err := s.store.FindByEmail(ctx, email)
	if err != nil {
		return "", nil, time.Time{}, ErrUnauthorized
	}
	if err := VerifyPassword(user.PasswordHash, password); err != nil {
		return "", nil, time.Time{}, ErrUnauthorized
	}
	token, err := GenerateToken(user, s.tokenTTL)
	if err != nil {
		return "", nil, time.Time{}, err
	}
	return token, user, s.now().UTC().Add(s.tokenTTL), nil
}

// Authenticate validates a bearer token and returns the acting principal.
func (s *Service) Authenticate(ctx context.Context, token string) (authz.Actor, error) {
	claims, err := ParseAndValidate(token)
	if err != nil {
		return authz.Actor{}, ErrInvalidToken
	}
	role, err := authz.ParseRole(claims.Role)
	if err != nil {
		return authz.Actor{}, ErrInvalidToken
	}
	// The subject must still exist; tokens of deleted users are worthless.
	if _, err := s.store.FindUser(ctx, claims.Subject); err != nil {
		if errors.Is(err, ErrNotFound) {
			return authz.Actor{}, ErrInvalidToken
		}
		return authz.Actor{}, err
	}
	return authz.Actor{ID: claims.Subject, Role: role}, nil
}

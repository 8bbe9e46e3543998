package ledger

import (
	"context"
	"fmt"
)

// ClientUserDirectory is the slice of the identity service that onboarding
// needs: creating the portal account tied to a client, and checking whether
// one already exists.
type ClientUserDirectory interface {
	CreateClientUser(ctx context.Context, clientID, username, email string) (string, string, error)
	ClientUserExists(ctx context.Context, clientID string) (bool, error)
}

// ClientUser is the portal account minted during onboarding. InitialSecret is
// returned exactly once and never stored in the clear.
type ClientUser struct {
	UserID        string `json:"user_id"`
	Username      string `json:"username"`
	Email         string `json:"email"`
	InitialSecret string `json:"initial_secret"`
}

// OnboardInput describes a new client and its portal account.
type OnboardInput struct {
	Profile  ClientProfile
	Username string
	Email    string
}

// Onboarder creates a client together with exactly one client-role user.
type Onboarder struct {
	ledger Service
	users  ClientUserDirectory
}

// NewOnboarder wires the ledger and the user directory.
func NewOnboarder(ledger Service, users ClientUserDirectory) *Onboarder {
	return &Onboarder{ledger: ledger, users: users}
}

// Onboard creates the client record and its portal account. If the account
// cannot be created the client record is rolled back so the pair stays
// all-or-nothing.
func (o *Onboarder) Onboard(ctx context.Context, in OnboardInput) (Client, ClientUser, error) {
	client, err := o.ledger.CreateClient(ctx, in.Profile)
	if err != nil {
		return Client{}, ClientUser{}, err
	}
	userID, secret, err := o.users.CreateClientUser(ctx, client.ID, in.Username, in.Email)
	if err != nil {
		if delErr := o.ledger.DeleteClient(ctx, client.ID); delErr != nil {
			return Client{}, ClientUser{}, fmt.Errorf("create client user: %w (rollback failed: %v)", err, delErr)
		}
		return Client{}, ClientUser{}, fmt.Errorf("create client user: %w", err)
	}
	return client, ClientUser{
		UserID:        userID,
		Username:      in.Username,
		Email:         in.Email,
		InitialSecret: secret,
	}, nil
}

// AttachUser mints the portal account for a client that already exists but has
// none yet. A second account for the same client is a conflict.
func (o *Onboarder) AttachUser(ctx context.Context, clientID, username, email string) (ClientUser, error) {
	if _, err := o.ledger.GetClient(ctx, clientID); err != nil {
		return ClientUser{}, err
	}
	exists, err := o.users.ClientUserExists(ctx, clientID)
	if err != nil {
		return ClientUser{}, err
	}
	if exists {
		return ClientUser{}, fmt.Errorf("%w: client %s already has a portal account", ErrConflict, clientID)
	}
	userID, secret, err := o.users.CreateClientUser(ctx, clientID, username, email)
	if err != nil {
		return ClientUser{}, err
	}
	return ClientUser{UserID: userID, Username: username, Email: email, InitialSecret: secret}, nil
}

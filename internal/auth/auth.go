package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"alatele/internal/content"
	"alatele/internal/models"
)

const loginFailedMessage = "login failed"

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUnknownMode        = errors.New("unknown auth mode")
)

// Mode selects how the client signs in to the backend.
type Mode string

const (
	ModeAdmin     Mode = "admin"
	ModeGuest     Mode = "guest"
	ModeFederated Mode = "federated"
)

func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeAdmin, ModeGuest, ModeFederated:
		return m, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
}

type Credentials struct {
	Mode        Mode
	Username    string
	Password    string
	DisplayName string
	// Token is the identity token issued by the federated provider.
	Token string
}

// Session is what the backend hands out after a successful sign-in.
type Session struct {
	Identity models.Identity `json:"identity"`
	Role     models.Role     `json:"role"`
	Token    string          `json:"token"`
}

// Principal is the signed-in user as the rest of the client sees it.
type Principal struct {
	Identity    models.Identity `json:"identity"`
	Username    string          `json:"username"`
	DisplayName string          `json:"displayName"`
	Role        models.Role     `json:"role"`
	Token       string          `json:"-"`
}

func (p Principal) IsAdmin() bool {
	return p.Role == models.RoleAdmin
}

func (p Principal) IsGuest() bool {
	return p.Role == models.RoleGuest
}

// CanModify reports whether p may edit or delete m: the sender and admins may.
func (p Principal) CanModify(m models.Message) bool {
	if p.Identity == "" || p.Identity == models.Anonymous {
		return false
	}
	return p.IsAdmin() || m.Sender == p.Identity
}

type Backend interface {
	AuthenticateAdmin(ctx context.Context, username, password string) (Session, error)
	AuthenticateGuest(ctx context.Context, username string) (Session, error)
	AuthenticateFederated(ctx context.Context, token string) (Session, error)
}

type Authenticator struct {
	backend Backend
}

func NewAuthenticator(backend Backend) *Authenticator {
	return &Authenticator{backend: backend}
}

func (a *Authenticator) Login(ctx context.Context, creds Credentials) (Principal, error) {
	username := strings.TrimSpace(creds.Username)

	var (
		session Session
		err     error
	)
	switch creds.Mode {
	case ModeAdmin:
		if username == "" || creds.Password == "" {
			return Principal{}, ErrInvalidCredentials
		}
		session, err = a.backend.AuthenticateAdmin(ctx, username, creds.Password)
	case ModeGuest:
		if err := content.ValidateUsername(username); err != nil {
			return Principal{}, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
		}
		session, err = a.backend.AuthenticateGuest(ctx, username)
	case ModeFederated:
		if creds.Token == "" {
			return Principal{}, ErrInvalidCredentials
		}
		session, err = a.backend.AuthenticateFederated(ctx, creds.Token)
	default:
		return Principal{}, fmt.Errorf("%w: %q", ErrUnknownMode, creds.Mode)
	}
	if err != nil {
		slog.Error(loginFailedMessage, "mode", creds.Mode, "username", username, "error", err)
		if errors.Is(err, models.ErrRemoteRejected) {
			return Principal{}, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
		}
		return Principal{}, err
	}
	if session.Identity == "" || session.Identity == models.Anonymous {
		return Principal{}, fmt.Errorf("%w: backend returned anonymous identity", ErrInvalidCredentials)
	}

	displayName := content.Sanitize(strings.TrimSpace(creds.DisplayName))
	if displayName == "" {
		displayName = username
	}
	if displayName == "" {
		displayName = session.Identity.Short()
	}

	role := session.Role
	if role == "" {
		role = defaultRole(creds.Mode)
	}

	return Principal{
		Identity:    session.Identity,
		Username:    username,
		DisplayName: displayName,
		Role:        role,
		Token:       session.Token,
	}, nil
}

func defaultRole(mode Mode) models.Role {
	switch mode {
	case ModeAdmin:
		return models.RoleAdmin
	case ModeGuest:
		return models.RoleGuest
	}
	return models.RoleUser
}

package auth

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"alatele/internal/models"
)

type mockBackend struct {
	calls   []string
	session Session
	err     error
}

func (m *mockBackend) AuthenticateAdmin(ctx context.Context, username, password string) (Session, error) {
	m.calls = append(m.calls, "admin:"+username+":"+password)
	return m.session, m.err
}

func (m *mockBackend) AuthenticateGuest(ctx context.Context, username string) (Session, error) {
	m.calls = append(m.calls, "guest:"+username)
	return m.session, m.err
}

func (m *mockBackend) AuthenticateFederated(ctx context.Context, token string) (Session, error) {
	m.calls = append(m.calls, "federated:"+token)
	return m.session, m.err
}

func TestAuthenticator(t *testing.T) {
	ctx := context.Background()

	t.Run("Admin", func(t *testing.T) {
		backend := &mockBackend{session: Session{Identity: "aaaa-bbbb-cccc", Role: models.RoleAdmin, Token: "tok"}}
		a := NewAuthenticator(backend)

		p, err := a.Login(ctx, Credentials{Mode: ModeAdmin, Username: " root ", Password: "secret", DisplayName: "Boss"})
		if err != nil {
			t.Fatalf("Login failed: %v", err)
		}
		if !p.IsAdmin() {
			t.Errorf("expected admin role, got %s", p.Role)
		}
		if p.DisplayName != "Boss" {
			t.Errorf("expected display name Boss, got %s", p.DisplayName)
		}
		if p.Token != "tok" {
			t.Errorf("expected token tok, got %s", p.Token)
		}
		if len(backend.calls) != 1 || backend.calls[0] != "admin:root:secret" {
			t.Errorf("unexpected backend calls %v", backend.calls)
		}
	})

	t.Run("AdminMissingPassword", func(t *testing.T) {
		backend := &mockBackend{}
		_, err := NewAuthenticator(backend).Login(ctx, Credentials{Mode: ModeAdmin, Username: "root"})
		if !errors.Is(err, ErrInvalidCredentials) {
			t.Errorf("expected ErrInvalidCredentials, got %v", err)
		}
		if len(backend.calls) != 0 {
			t.Error("backend must not be called")
		}
	})

	t.Run("GuestDefaults", func(t *testing.T) {
		backend := &mockBackend{session: Session{Identity: "guest-identity"}}
		p, err := NewAuthenticator(backend).Login(ctx, Credentials{Mode: ModeGuest, Username: "visitor"})
		if err != nil {
			t.Fatalf("Login failed: %v", err)
		}
		if !p.IsGuest() {
			t.Errorf("expected guest role, got %s", p.Role)
		}
		if p.DisplayName != "visitor" {
			t.Errorf("display name should default to username, got %s", p.DisplayName)
		}
	})

	t.Run("GuestInvalidUsername", func(t *testing.T) {
		backend := &mockBackend{}
		_, err := NewAuthenticator(backend).Login(ctx, Credentials{Mode: ModeGuest, Username: "<script>"})
		if !errors.Is(err, ErrInvalidCredentials) {
			t.Errorf("expected ErrInvalidCredentials, got %v", err)
		}
	})

	t.Run("Rejected", func(t *testing.T) {
		backend := &mockBackend{err: fmt.Errorf("status 401: %w", models.ErrRemoteRejected)}
		_, err := NewAuthenticator(backend).Login(ctx, Credentials{Mode: ModeAdmin, Username: "root", Password: "bad"})
		if !errors.Is(err, ErrInvalidCredentials) {
			t.Errorf("expected ErrInvalidCredentials, got %v", err)
		}
	})

	t.Run("TransportErrorIsNotInvalidCredentials", func(t *testing.T) {
		backend := &mockBackend{err: models.ErrTransport}
		_, err := NewAuthenticator(backend).Login(ctx, Credentials{Mode: ModeGuest, Username: "visitor"})
		if errors.Is(err, ErrInvalidCredentials) || !errors.Is(err, models.ErrTransport) {
			t.Errorf("unexpected error %v", err)
		}
	})

	t.Run("AnonymousIdentity", func(t *testing.T) {
		backend := &mockBackend{session: Session{Identity: models.Anonymous}}
		_, err := NewAuthenticator(backend).Login(ctx, Credentials{Mode: ModeFederated, Token: "id-token"})
		if !errors.Is(err, ErrInvalidCredentials) {
			t.Errorf("expected ErrInvalidCredentials, got %v", err)
		}
	})

	t.Run("UnknownMode", func(t *testing.T) {
		_, err := NewAuthenticator(&mockBackend{}).Login(ctx, Credentials{Mode: "oauth"})
		if !errors.Is(err, ErrUnknownMode) {
			t.Errorf("expected ErrUnknownMode, got %v", err)
		}
	})
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{"admin": ModeAdmin, " Guest ": ModeGuest, "FEDERATED": ModeFederated} {
		got, err := ParseMode(in)
		if err != nil || got != want {
			t.Errorf("ParseMode(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseMode("root"); !errors.Is(err, ErrUnknownMode) {
		t.Errorf("expected ErrUnknownMode, got %v", err)
	}
}

func TestPrincipal_CanModify(t *testing.T) {
	alice := Principal{Identity: "alice", Role: models.RoleGuest}
	admin := Principal{Identity: "root", Role: models.RoleAdmin}
	anon := Principal{Identity: models.Anonymous, Role: models.RoleAdmin}

	own := models.Message{ID: 1, Sender: "alice"}
	foreign := models.Message{ID: 2, Sender: "bob"}

	tests := []struct {
		name string
		p    Principal
		m    models.Message
		want bool
	}{
		{"Sender", alice, own, true},
		{"Other guest", alice, foreign, false},
		{"Admin", admin, foreign, true},
		{"Anonymous admin", anon, foreign, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.p.CanModify(tt.m); got != tt.want {
				t.Errorf("CanModify() = %v, want %v", got, tt.want)
			}
		})
	}
}

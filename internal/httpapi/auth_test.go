package httpapi

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"kasirinaja/terminal/internal/domain"
)

type userStoreStub struct {
	mu      sync.Mutex
	users   map[string]domain.StaffAccount
	updates int
}

func (s *userStoreStub) CreateUser(_ context.Context, user domain.StaffAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.users == nil {
		s.users = make(map[string]domain.StaffAccount)
	}
	s.users[user.Username] = user
	return nil
}

func (s *userStoreStub) ListUsers(_ context.Context) ([]domain.StaffAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.StaffAccount, 0, len(s.users))
	for _, user := range s.users {
		out = append(out, user)
	}
	return out, nil
}

func (s *userStoreStub) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user := s.users[username]
	user.Password = password
	s.users[username] = user
	s.updates++
	return nil
}

func legacyStore() *userStoreStub {
	return &userStoreStub{
		users: map[string]domain.StaffAccount{
			"supervisor": {
				Username:  "supervisor",
				Password:  "supervisor123",
				Role:      RoleSupervisor,
				Active:    true,
				CreatedAt: time.Now().UTC(),
			},
		},
	}
}

func TestAuthManagerUpgradesLegacyPlainPassword(t *testing.T) {
	store := legacyStore()

	manager := NewAuthManager("test-secret", time.Hour, "123456", store)
	role, err := manager.Authenticate(context.Background(), "supervisor", "supervisor123")
	if err != nil {
		t.Fatalf("authenticate failed: %v", err)
	}
	if role != RoleSupervisor {
		t.Fatalf("expected supervisor role, got %q", role)
	}

	users, err := store.ListUsers(context.Background())
	if err != nil {
		t.Fatalf("list users failed: %v", err)
	}
	if len(users) != 1 {
		t.Fatalf("expected 1 user, got %d", len(users))
	}
	if users[0].Password == "supervisor123" {
		t.Fatalf("expected password to be upgraded from plain-text")
	}
	if !strings.HasPrefix(users[0].Password, "$2") {
		t.Fatalf("expected bcrypt password hash, got %s", users[0].Password)
	}
}

func TestCreateStaffStoresPasswordHash(t *testing.T) {
	store := legacyStore()
	manager := NewAuthManager("test-secret", time.Hour, "123456", store)

	staff, err := manager.CreateStaff(context.Background(), domain.StaffCreateRequest{
		Username: "KasirBaru",
		Password: "pass1234",
	})
	if err != nil {
		t.Fatalf("create staff failed: %v", err)
	}
	if staff.Username != "kasirbaru" || staff.Role != RoleCashier {
		t.Fatalf("unexpected account %+v", staff)
	}
	if staff.Password != "" {
		t.Fatalf("password hash must not be returned")
	}

	saved := store.users["kasirbaru"]
	if saved.Password == "pass1234" || !strings.HasPrefix(saved.Password, "$2") {
		t.Fatalf("expected bcrypt hash, got %s", saved.Password)
	}
	if _, err := manager.Authenticate(context.Background(), "kasirbaru", "pass1234"); err != nil {
		t.Fatalf("authenticate with hashed staff failed: %v", err)
	}

	if _, err := manager.CreateStaff(context.Background(), domain.StaffCreateRequest{Username: "kasirbaru", Password: "pass1234"}); err == nil {
		t.Fatalf("expected duplicate username to fail")
	}
	if _, err := manager.CreateStaff(context.Background(), domain.StaffCreateRequest{Username: "owner1", Password: "pass1234", Role: "owner"}); err == nil {
		t.Fatalf("expected unknown role to fail")
	}
}

func TestTokenCarriesOutletAndTerminal(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, "", nil)
	resp, err := manager.Issue(domain.Actor{Username: "kasir-a", Role: RoleCashier, OutletID: "outlet-a", TerminalID: "t-1"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if resp.OutletID != "outlet-a" {
		t.Fatalf("expected outlet in response, got %q", resp.OutletID)
	}

	actor, err := manager.ParseToken(resp.AccessToken)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if actor.Username != "kasir-a" || actor.OutletID != "outlet-a" || actor.TerminalID != "t-1" || actor.Role != RoleCashier {
		t.Fatalf("unexpected actor %+v", actor)
	}

	other := NewAuthManager("other-secret", time.Hour, "", nil)
	if _, err := other.ParseToken(resp.AccessToken); err == nil {
		t.Fatalf("token signed with another secret must be rejected")
	}
}

func TestTokenWithoutOutletIsRejected(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, "", nil)
	claims := jwtlib.RegisteredClaims{
		Subject:   "kasir-a",
		ExpiresAt: jwtlib.NewNumericDate(time.Now().Add(time.Hour)),
	}
	raw, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := manager.ParseToken(raw); err == nil {
		t.Fatalf("expected token without outlet to be rejected")
	}
}

func TestManagerPINIsHashedAndStillValidates(t *testing.T) {
	store := &userStoreStub{users: map[string]domain.StaffAccount{}}
	manager := NewAuthManager("test-secret", time.Hour, "654321", store)

	if manager.managerPIN == "654321" {
		t.Fatalf("expected manager pin to be stored as hash, got plain-text")
	}

	if !manager.ValidateManagerPIN("654321") {
		t.Fatalf("expected manager pin validation to succeed")
	}

	if manager.ValidateManagerPIN("111111") {
		t.Fatalf("expected wrong manager pin to fail")
	}
}

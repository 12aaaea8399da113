package memory

import (
	"context"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"kasirinaja/terminal/internal/domain"
	"kasirinaja/terminal/internal/localstore"
)

type Store struct {
	mu              sync.RWMutex
	products        map[string]map[string]domain.CachedProduct
	queue           map[string]domain.QueuedTransaction
	nextSeq         int64
	heldByOutlet    map[string][]domain.HeldSale
	meta            map[string]map[string]string
	usersByUsername map[string]domain.StaffAccount
}

func New() *Store {
	return &Store{
		products:        make(map[string]map[string]domain.CachedProduct),
		queue:           make(map[string]domain.QueuedTransaction),
		heldByOutlet:    make(map[string][]domain.HeldSale),
		meta:            make(map[string]map[string]string),
		usersByUsername: make(map[string]domain.StaffAccount),
	}
}

// NewSeeded returns a store with dev staff accounts. Passwords come from
// SEED_SUPERVISOR_PASSWORD and SEED_CASHIER_PASSWORD, with dev defaults when unset.
func NewSeeded() *Store {
	s := New()
	s.usersByUsername = seedUsers()
	return s
}

func seedUsers() map[string]domain.StaffAccount {
	supervisorPwd := envOr("SEED_SUPERVISOR_PASSWORD", "supervisor123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_SUPERVISOR_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_SUPERVISOR_PASSWORD and SEED_CASHIER_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.StaffAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"supervisor", supervisorPwd, "supervisor"},
		{"cashier", cashierPwd, "cashier"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.StaffAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (s *Store) Close() error {
	return nil
}

func (s *Store) GetCachedProducts(_ context.Context, outletID string, filter localstore.ProductFilter) ([]domain.CachedProduct, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byID := s.products[outletID]
	items := make([]domain.CachedProduct, 0, len(byID))
	for _, p := range byID {
		items = append(items, p)
	}
	return filter.Apply(items), nil
}

func (s *Store) StoreProducts(_ context.Context, outletID string, items []domain.CachedProduct) error {
	if outletID == "" {
		return localstore.ErrInvalid
	}
	for _, item := range items {
		if item.ID == "" {
			return localstore.ErrInvalid
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	byID, ok := s.products[outletID]
	if !ok {
		byID = make(map[string]domain.CachedProduct, len(items))
		s.products[outletID] = byID
	}
	for _, item := range items {
		item.OutletID = outletID
		item.Deleted = false
		byID[item.ID] = item
	}
	return nil
}

func (s *Store) RemoveProduct(_ context.Context, outletID string, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byID := s.products[outletID]
	if _, exists := byID[id]; !exists {
		return localstore.ErrNotFound
	}
	delete(byID, id)
	return nil
}

func (s *Store) EnqueueTransaction(_ context.Context, tx domain.QueuedTransaction) error {
	if tx.OfflineID == "" || tx.Request.OutletID == "" {
		return localstore.ErrInvalid
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.queue[tx.OfflineID]; exists {
		return localstore.ErrDuplicate
	}
	s.nextSeq++
	tx.Seq = s.nextSeq
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}
	if tx.UpdatedAt.IsZero() {
		tx.UpdatedAt = tx.CreatedAt
	}
	s.queue[tx.OfflineID] = cloneQueued(tx)
	return nil
}

func (s *Store) ListQueuedTransactions(_ context.Context) ([]domain.QueuedTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.QueuedTransaction, 0, len(s.queue))
	for _, tx := range s.queue {
		result = append(result, cloneQueued(tx))
	}
	localstore.SortQueue(result)
	return result, nil
}

func (s *Store) UpdateQueuedTransaction(_ context.Context, tx domain.QueuedTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.queue[tx.OfflineID]
	if !exists {
		return localstore.ErrNotFound
	}
	// Identity and creation order never change after enqueue.
	tx.Seq = existing.Seq
	tx.CreatedAt = existing.CreatedAt
	tx.Request = existing.Request
	tx.UpdatedAt = time.Now().UTC()
	s.queue[tx.OfflineID] = cloneQueued(tx)
	return nil
}

func (s *Store) RemoveQueuedTransaction(_ context.Context, offlineID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.queue[offlineID]; !exists {
		return localstore.ErrNotFound
	}
	delete(s.queue, offlineID)
	return nil
}

func (s *Store) GetHeldSales(_ context.Context, outletID string) ([]domain.HeldSale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.heldByOutlet[outletID]
	result := make([]domain.HeldSale, 0, len(list))
	for _, held := range list {
		result = append(result, cloneHeldSale(held))
	}
	return result, nil
}

func (s *Store) SetHeldSales(_ context.Context, outletID string, list []domain.HeldSale) error {
	if outletID == "" {
		return localstore.ErrInvalid
	}

	saved := make([]domain.HeldSale, 0, len(list))
	for _, held := range list {
		if held.ID == "" {
			return localstore.ErrInvalid
		}
		held.OutletID = outletID
		saved = append(saved, cloneHeldSale(held))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.heldByOutlet[outletID] = saved
	return nil
}

func (s *Store) GetMeta(_ context.Context, outletID string, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	val, exists := s.meta[outletID][key]
	if !exists {
		return "", localstore.ErrNotFound
	}
	return val, nil
}

func (s *Store) SetMeta(_ context.Context, outletID string, key string, value string) error {
	if outletID == "" || key == "" {
		return localstore.ErrInvalid
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	byKey, ok := s.meta[outletID]
	if !ok {
		byKey = make(map[string]string)
		s.meta[outletID] = byKey
	}
	byKey[key] = value
	return nil
}

func (s *Store) CreateUser(_ context.Context, user domain.StaffAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return localstore.ErrInvalid
	}
	if _, exists := s.usersByUsername[username]; exists {
		return localstore.ErrDuplicate
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Username = username
	s.usersByUsername[username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.StaffAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.StaffAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.StaffAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	user, exists := s.usersByUsername[username]
	if !exists {
		return localstore.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func cloneQueued(src domain.QueuedTransaction) domain.QueuedTransaction {
	dup := src
	items := make([]domain.SaleLine, len(src.Request.Items))
	copy(items, src.Request.Items)
	dup.Request.Items = items
	if src.Request.SplitPayments != nil {
		splits := make([]domain.PaymentSplit, len(src.Request.SplitPayments))
		copy(splits, src.Request.SplitPayments)
		dup.Request.SplitPayments = splits
	}
	return dup
}

func cloneHeldSale(src domain.HeldSale) domain.HeldSale {
	dup := src
	items := make([]domain.HeldItem, len(src.Items))
	copy(items, src.Items)
	dup.Items = items
	return dup
}

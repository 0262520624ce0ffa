package memory

import (
	"context"
	"fmt"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"ponselaja/internal/domain"
	"ponselaja/internal/store"
	"ponselaja/internal/xid"
)

type Store struct {
	mu              sync.RWMutex
	products        map[string]domain.Product
	salesByID       map[string]domain.Sale
	tradesByID      map[string]domain.Trade
	auditLogs       []domain.AuditLog
	usersByUsername map[string]domain.UserAccount
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials are read from SEED_ADMIN_PASSWORD and SEED_STAFF_PASSWORD
// environment variables. If unset, hardcoded dev defaults are used with a
// warning printed to stdout. These credentials are never used in production
// (the backend uses PostgreSQL when DATABASE_URL is set).
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	staffPwd := envOr("SEED_STAFF_PASSWORD", "staff123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_STAFF_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_STAFF_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, "admin"},
		{"staff", staffPwd, "staff"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
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

func NewSeeded() *Store {
	now := time.Now().UTC()
	seed := []domain.Product{
		{IMEI: "356938035643801", Title: "Samsung Galaxy A54 8/256", Category: "phone", Brand: "Samsung", Condition: domain.ConditionNew, PriceCents: 549900000, InStock: 4},
		{IMEI: "356938035643812", Title: "Samsung Galaxy S23 Bekas Mulus", Category: "phone", Brand: "Samsung", Condition: domain.ConditionUsed, PriceCents: 789900000, InStock: 1},
		{IMEI: "357175046829930", Title: "iPhone 13 128GB", Category: "phone", Brand: "Apple", Condition: domain.ConditionNew, PriceCents: 1099900000, InStock: 2},
		{IMEI: "357175046829941", Title: "iPhone 11 64GB Bekas", Category: "phone", Brand: "Apple", Condition: domain.ConditionUsed, PriceCents: 479900000, InStock: 3},
		{IMEI: "358240051111110", Title: "Xiaomi Redmi Note 12", Category: "phone", Brand: "Xiaomi", Condition: domain.ConditionNew, PriceCents: 239900000, InStock: 6},
		{IMEI: "358240051111121", Title: "Poco X5 Pro Bekas", Category: "phone", Brand: "Xiaomi", Condition: domain.ConditionUsed, PriceCents: 269900000, InStock: 2},
		{IMEI: "359871090222230", Title: "Oppo Reno 10", Category: "phone", Brand: "Oppo", Condition: domain.ConditionNew, PriceCents: 519900000, InStock: 3},
		{IMEI: "", Title: "Casing Silikon Universal", Category: "accessory", Brand: "Generik", Condition: domain.ConditionNew, PriceCents: 3500000, InStock: 40},
		{IMEI: "", Title: "Charger USB-C 33W", Category: "accessory", Brand: "Generik", Condition: domain.ConditionNew, PriceCents: 9900000, InStock: 25},
		{IMEI: "", Title: "Tempered Glass", Category: "accessory", Brand: "Generik", Condition: domain.ConditionNew, PriceCents: 2500000, InStock: 60},
	}

	products := make(map[string]domain.Product, len(seed))
	for _, p := range seed {
		p.ID = xid.New("prod")
		p.CreatedAt = now
		p.UpdatedAt = now
		products[p.ID] = p
	}

	return &Store{
		products:        products,
		salesByID:       make(map[string]domain.Sale),
		tradesByID:      make(map[string]domain.Trade),
		auditLogs:       make([]domain.AuditLog, 0, 128),
		usersByUsername: seedUsers(),
	}
}

// NewEmpty returns a store with no seeded catalog. Used by tests that need
// full control over the starting state.
func NewEmpty() *Store {
	return &Store{
		products:        make(map[string]domain.Product),
		salesByID:       make(map[string]domain.Sale),
		tradesByID:      make(map[string]domain.Trade),
		auditLogs:       make([]domain.AuditLog, 0, 16),
		usersByUsername: seedUsers(),
	}
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		products = append(products, cloneProduct(p))
	}

	slices.SortFunc(products, func(a, b domain.Product) int {
		if a.Category == b.Category {
			return cmpString(a.Title, b.Title)
		}
		return cmpString(a.Category, b.Category)
	})

	return products, nil
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if product.ID == "" || product.Title == "" || product.Category == "" || product.PriceCents < 1 {
		return nil, store.ErrInvalidInput
	}
	if product.InStock < 0 {
		return nil, store.ErrInvalidInput
	}
	if product.IMEI != "" {
		for _, existing := range s.products {
			if existing.IMEI == product.IMEI {
				return nil, fmt.Errorf("%w: %s", store.ErrDuplicateIMEI, product.IMEI)
			}
		}
	}
	if _, exists := s.products[product.ID]; exists {
		return nil, store.ErrInvalidInput
	}

	now := time.Now().UTC()
	if product.CreatedAt.IsZero() {
		product.CreatedAt = now
	}
	product.UpdatedAt = now
	s.products[product.ID] = cloneProduct(product)

	dup := cloneProduct(product)
	return &dup, nil
}

func (s *Store) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, exists := s.products[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	dup := cloneProduct(product)
	return &dup, nil
}

func (s *Store) GetProductByIMEI(_ context.Context, imei string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	imei = strings.TrimSpace(imei)
	if imei == "" {
		return nil, store.ErrNotFound
	}
	for _, product := range s.products {
		if product.IMEI == imei && product.InStock > 0 {
			dup := cloneProduct(product)
			return &dup, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) UpdateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.products[product.ID]
	if !exists {
		return nil, store.ErrNotFound
	}
	if product.Title == "" || product.Category == "" || product.PriceCents < 1 {
		return nil, store.ErrInvalidInput
	}

	// Stock writes go through UpdateProductStock only.
	product.InStock = existing.InStock
	product.IMEI = existing.IMEI
	product.CreatedAt = existing.CreatedAt
	product.UpdatedAt = time.Now().UTC()
	s.products[product.ID] = cloneProduct(product)

	dup := cloneProduct(product)
	return &dup, nil
}

func (s *Store) UpdateProductStock(_ context.Context, id string, newStock int, observedUpdatedAt time.Time) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	product, exists := s.products[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	if newStock < 0 {
		return nil, store.ErrInsufficientStock
	}
	if !product.UpdatedAt.Equal(observedUpdatedAt) {
		return nil, store.ErrConflict
	}

	product.InStock = newStock
	product.UpdatedAt = time.Now().UTC()
	if product.UpdatedAt.Equal(observedUpdatedAt) {
		// Sub-nanosecond clock resolution would make the token useless.
		product.UpdatedAt = product.UpdatedAt.Add(time.Nanosecond)
	}
	s.products[id] = product

	dup := cloneProduct(product)
	return &dup, nil
}

func (s *Store) InsertSale(_ context.Context, sale domain.Sale) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sale.ID == "" || sale.ProductID == "" {
		return nil, store.ErrInvalidInput
	}
	if _, exists := s.salesByID[sale.ID]; exists {
		return nil, store.ErrInvalidInput
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}
	s.salesByID[sale.ID] = sale

	dup := sale
	return &dup, nil
}

func (s *Store) GetSale(_ context.Context, id string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, exists := s.salesByID[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	dup := sale
	return &dup, nil
}

func (s *Store) UpdateSalePayment(_ context.Context, id string, paidCents int64, restCents int64, fullyPaid bool) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, exists := s.salesByID[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	sale.PaidPriceCents = paidCents
	sale.RestPriceCents = restCents
	sale.FullyPaid = fullyPaid
	s.salesByID[id] = sale

	dup := sale
	return &dup, nil
}

func (s *Store) ListSales(_ context.Context, filter domain.TransactionFilter) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sales := make([]domain.Sale, 0, len(s.salesByID))
	for _, sale := range s.salesByID {
		if !matchesWindow(sale.CreatedAt, filter.From, filter.To) {
			continue
		}
		if filter.ProductID != "" && sale.ProductID != filter.ProductID {
			continue
		}
		sales = append(sales, sale)
	}

	slices.SortFunc(sales, func(a, b domain.Sale) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})

	if filter.Limit > 0 && len(sales) > filter.Limit {
		sales = sales[:filter.Limit]
	}
	return sales, nil
}

func (s *Store) InsertTrade(_ context.Context, trade domain.Trade) (*domain.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if trade.ID == "" || trade.OldProductID == "" || trade.NewProductID == "" {
		return nil, store.ErrInvalidInput
	}
	if _, exists := s.tradesByID[trade.ID]; exists {
		return nil, store.ErrInvalidInput
	}
	if trade.CreatedAt.IsZero() {
		trade.CreatedAt = time.Now().UTC()
	}
	s.tradesByID[trade.ID] = trade

	dup := trade
	return &dup, nil
}

func (s *Store) ListTrades(_ context.Context, filter domain.TransactionFilter) ([]domain.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	trades := make([]domain.Trade, 0, len(s.tradesByID))
	for _, trade := range s.tradesByID {
		if !matchesWindow(trade.CreatedAt, filter.From, filter.To) {
			continue
		}
		if filter.ProductID != "" && trade.OldProductID != filter.ProductID && trade.NewProductID != filter.ProductID {
			continue
		}
		trades = append(trades, trade)
	}

	slices.SortFunc(trades, func(a, b domain.Trade) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})

	if filter.Limit > 0 && len(trades) > filter.Limit {
		trades = trades[:filter.Limit]
	}
	return trades, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	logs := make([]domain.AuditLog, 0, len(s.auditLogs))
	for _, entry := range s.auditLogs {
		if !matchesWindow(entry.CreatedAt, from, to) {
			continue
		}
		logs = append(logs, entry)
	}

	slices.SortFunc(logs, func(a, b domain.AuditLog) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})

	if limit > 0 && len(logs) > limit {
		logs = logs[:limit]
	}
	return logs, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidInput
	}
	if _, exists := s.usersByUsername[username]; exists {
		return store.ErrInvalidInput
	}
	user.Username = username
	if user.Role == "" {
		user.Role = "staff"
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return cmpString(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidInput
	}
	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func matchesWindow(at time.Time, from time.Time, to time.Time) bool {
	if !from.IsZero() && at.Before(from) {
		return false
	}
	if !to.IsZero() && at.After(to) {
		return false
	}
	return true
}

func cmpString(a string, b string) int {
	if a == b {
		return 0
	}
	if a < b {
		return -1
	}
	return 1
}

func cloneProduct(src domain.Product) domain.Product {
	dup := src
	images := make([]string, len(src.Images))
	copy(images, src.Images)
	dup.Images = images
	return dup
}

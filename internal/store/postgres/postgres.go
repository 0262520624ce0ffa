package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"ponselaja/internal/domain"
	"ponselaja/internal/store"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, store.ErrStorageUnavailable
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, imei, title, category, brand, condition, price_cents, in_stock, images, created_at, updated_at
		FROM products
		ORDER BY category, title
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 128)
	for rows.Next() {
		var p domain.Product
		var imagesJSON []byte
		if err := rows.Scan(&p.ID, &p.IMEI, &p.Title, &p.Category, &p.Brand, &p.Condition, &p.PriceCents, &p.InStock, &imagesJSON, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		if len(imagesJSON) > 0 {
			if err := json.Unmarshal(imagesJSON, &p.Images); err != nil {
				return nil, err
			}
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return products, nil
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.ID == "" || product.Title == "" || product.Category == "" || product.PriceCents < 1 || product.InStock < 0 {
		return nil, store.ErrInvalidInput
	}

	imagesJSON, err := json.Marshal(product.Images)
	if err != nil {
		return nil, err
	}

	err = s.db.QueryRowContext(ctx, `
		INSERT INTO products (id, imei, title, category, brand, condition, price_cents, in_stock, images, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,now(),now())
		RETURNING created_at, updated_at
	`, product.ID, product.IMEI, product.Title, product.Category, product.Brand, product.Condition, product.PriceCents, product.InStock, imagesJSON).
		Scan(&product.CreatedAt, &product.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrDuplicateIMEI
		}
		return nil, err
	}

	created := product
	return &created, nil
}

func (s *Store) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	product, err := s.queryProduct(ctx, `
		SELECT id, imei, title, category, brand, condition, price_cents, in_stock, images, created_at, updated_at
		FROM products
		WHERE id = $1
	`, id)
	if err != nil {
		return nil, err
	}
	return product, nil
}

func (s *Store) GetProductByIMEI(ctx context.Context, imei string) (*domain.Product, error) {
	if imei == "" {
		return nil, store.ErrNotFound
	}
	return s.queryProduct(ctx, `
		SELECT id, imei, title, category, brand, condition, price_cents, in_stock, images, created_at, updated_at
		FROM products
		WHERE imei = $1 AND in_stock > 0
		ORDER BY created_at
		LIMIT 1
	`, imei)
}

func (s *Store) queryProduct(ctx context.Context, query string, args ...any) (*domain.Product, error) {
	var p domain.Product
	var imagesJSON []byte
	err := s.db.QueryRowContext(ctx, query, args...).
		Scan(&p.ID, &p.IMEI, &p.Title, &p.Category, &p.Brand, &p.Condition, &p.PriceCents, &p.InStock, &imagesJSON, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if len(imagesJSON) > 0 {
		if err := json.Unmarshal(imagesJSON, &p.Images); err != nil {
			return nil, err
		}
	}
	return &p, nil
}

func (s *Store) UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.ID == "" || product.Title == "" || product.Category == "" || product.PriceCents < 1 {
		return nil, store.ErrInvalidInput
	}

	imagesJSON, err := json.Marshal(product.Images)
	if err != nil {
		return nil, err
	}

	// Stock and IMEI are deliberately not part of this statement.
	err = s.db.QueryRowContext(ctx, `
		UPDATE products
		SET title = $2, category = $3, brand = $4, condition = $5, price_cents = $6, images = $7, updated_at = now()
		WHERE id = $1
		RETURNING imei, in_stock, created_at, updated_at
	`, product.ID, product.Title, product.Category, product.Brand, product.Condition, product.PriceCents, imagesJSON).
		Scan(&product.IMEI, &product.InStock, &product.CreatedAt, &product.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	updated := product
	return &updated, nil
}

// UpdateProductStock writes a new stock count only when the caller's
// observed updated_at still matches the row. A mismatch means another
// writer got there first and the caller has to re-read.
func (s *Store) UpdateProductStock(ctx context.Context, id string, newStock int, observedUpdatedAt time.Time) (*domain.Product, error) {
	if id == "" {
		return nil, store.ErrInvalidInput
	}
	if newStock < 0 {
		return nil, store.ErrInsufficientStock
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var current time.Time
	err = tx.QueryRowContext(ctx, `
		SELECT updated_at
		FROM products
		WHERE id = $1
		FOR UPDATE
	`, id).Scan(&current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if !current.Equal(observedUpdatedAt) {
		return nil, store.ErrConflict
	}

	var p domain.Product
	var imagesJSON []byte
	err = tx.QueryRowContext(ctx, `
		UPDATE products
		SET in_stock = $2, updated_at = now()
		WHERE id = $1
		RETURNING id, imei, title, category, brand, condition, price_cents, in_stock, images, created_at, updated_at
	`, id, newStock).
		Scan(&p.ID, &p.IMEI, &p.Title, &p.Category, &p.Brand, &p.Condition, &p.PriceCents, &p.InStock, &imagesJSON, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(imagesJSON) > 0 {
		if err := json.Unmarshal(imagesJSON, &p.Images); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		if isSerializationFailure(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}
	return &p, nil
}

func (s *Store) InsertSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	if sale.ID == "" || sale.ProductID == "" {
		return nil, store.ErrInvalidInput
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sales (id, product_id, sell_price_cents, paid_price_cents, rest_price_cents, buyer_name, buyer_phone, fully_paid, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, sale.ID, sale.ProductID, sale.SellPriceCents, sale.PaidPriceCents, sale.RestPriceCents, sale.BuyerName, sale.BuyerPhone, sale.FullyPaid, sale.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidInput
		}
		return nil, err
	}

	inserted := sale
	return &inserted, nil
}

func (s *Store) GetSale(ctx context.Context, id string) (*domain.Sale, error) {
	var sale domain.Sale
	err := s.db.QueryRowContext(ctx, `
		SELECT id, product_id, sell_price_cents, paid_price_cents, rest_price_cents, buyer_name, buyer_phone, fully_paid, created_at
		FROM sales
		WHERE id = $1
	`, id).Scan(&sale.ID, &sale.ProductID, &sale.SellPriceCents, &sale.PaidPriceCents, &sale.RestPriceCents, &sale.BuyerName, &sale.BuyerPhone, &sale.FullyPaid, &sale.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &sale, nil
}

func (s *Store) UpdateSalePayment(ctx context.Context, id string, paidCents int64, restCents int64, fullyPaid bool) (*domain.Sale, error) {
	var sale domain.Sale
	err := s.db.QueryRowContext(ctx, `
		UPDATE sales
		SET paid_price_cents = $2, rest_price_cents = $3, fully_paid = $4
		WHERE id = $1
		RETURNING id, product_id, sell_price_cents, paid_price_cents, rest_price_cents, buyer_name, buyer_phone, fully_paid, created_at
	`, id, paidCents, restCents, fullyPaid).
		Scan(&sale.ID, &sale.ProductID, &sale.SellPriceCents, &sale.PaidPriceCents, &sale.RestPriceCents, &sale.BuyerName, &sale.BuyerPhone, &sale.FullyPaid, &sale.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &sale, nil
}

func (s *Store) ListSales(ctx context.Context, filter domain.TransactionFilter) ([]domain.Sale, error) {
	query := `
		SELECT id, product_id, sell_price_cents, paid_price_cents, rest_price_cents, buyer_name, buyer_phone, fully_paid, created_at
		FROM sales
		WHERE ($1::timestamptz IS NULL OR created_at >= $1)
		  AND ($2::timestamptz IS NULL OR created_at <= $2)
		  AND ($3::text = '' OR product_id = $3)
		ORDER BY created_at DESC, id DESC
	`
	args := []any{nullableTime(filter.From), nullableTime(filter.To), filter.ProductID}
	if filter.Limit > 0 {
		query += ` LIMIT $4`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sales := make([]domain.Sale, 0, 64)
	for rows.Next() {
		var sale domain.Sale
		if err := rows.Scan(&sale.ID, &sale.ProductID, &sale.SellPriceCents, &sale.PaidPriceCents, &sale.RestPriceCents, &sale.BuyerName, &sale.BuyerPhone, &sale.FullyPaid, &sale.CreatedAt); err != nil {
			return nil, err
		}
		sales = append(sales, sale)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sales, nil
}

func (s *Store) InsertTrade(ctx context.Context, trade domain.Trade) (*domain.Trade, error) {
	if trade.ID == "" || trade.OldProductID == "" || trade.NewProductID == "" {
		return nil, store.ErrInvalidInput
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trades (id, old_product_id, new_product_id, buyback_price_cents, new_product_price_cents, user_paid_cents, profit_cents, internal, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, trade.ID, trade.OldProductID, trade.NewProductID, trade.BuybackPriceCents, trade.NewProductPriceCents, trade.UserPaidCents, trade.ProfitCents, trade.Internal, trade.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidInput
		}
		return nil, err
	}

	inserted := trade
	return &inserted, nil
}

func (s *Store) ListTrades(ctx context.Context, filter domain.TransactionFilter) ([]domain.Trade, error) {
	query := `
		SELECT id, old_product_id, new_product_id, buyback_price_cents, new_product_price_cents, user_paid_cents, profit_cents, internal, created_at
		FROM trades
		WHERE ($1::timestamptz IS NULL OR created_at >= $1)
		  AND ($2::timestamptz IS NULL OR created_at <= $2)
		  AND ($3::text = '' OR old_product_id = $3 OR new_product_id = $3)
		ORDER BY created_at DESC, id DESC
	`
	args := []any{nullableTime(filter.From), nullableTime(filter.To), filter.ProductID}
	if filter.Limit > 0 {
		query += ` LIMIT $4`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	trades := make([]domain.Trade, 0, 64)
	for rows.Next() {
		var trade domain.Trade
		if err := rows.Scan(&trade.ID, &trade.OldProductID, &trade.NewProductID, &trade.BuybackPriceCents, &trade.NewProductPriceCents, &trade.UserPaidCents, &trade.ProfitCents, &trade.Internal, &trade.CreatedAt); err != nil {
			return nil, err
		}
		trades = append(trades, trade)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return trades, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE ($1::timestamptz IS NULL OR created_at >= $1)
		  AND ($2::timestamptz IS NULL OR created_at <= $2)
		ORDER BY created_at DESC, id DESC
		LIMIT $3
	`, nullableTime(from), nullableTime(to), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.ActorUsername, &entry.ActorRole, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	if user.Username == "" || user.Password == "" {
		return store.ErrInvalidInput
	}
	if user.Role == "" {
		user.Role = "staff"
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password, role, active, created_at)
		VALUES ($1,$2,$3,true,$4)
	`, user.Username, user.Password, user.Role, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrInvalidInput
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM users
		ORDER BY username
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	if username == "" || password == "" {
		return store.ErrInvalidInput
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET password = $2
		WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001"
	}
	return false
}

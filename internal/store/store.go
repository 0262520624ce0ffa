package store

import (
	"context"
	"errors"
	"time"

	"ponselaja/internal/domain"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrOutOfStock         = errors.New("out of stock")
	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrInvalidInput       = errors.New("invalid input")
	ErrDuplicateIMEI      = errors.New("duplicate imei")
	ErrConflict           = errors.New("stock write conflict")
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// Repository is the persistence port. Stock is written only through
// UpdateProductStock, which must reject the write with ErrConflict when
// the row's updated_at no longer matches observedUpdatedAt; callers
// re-read and retry. Everything else is plain CRUD.
type Repository interface {
	ListProducts(ctx context.Context) ([]domain.Product, error)
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	// GetProductByIMEI resolves only among products currently in stock.
	GetProductByIMEI(ctx context.Context, imei string) (*domain.Product, error)
	UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	UpdateProductStock(ctx context.Context, id string, newStock int, observedUpdatedAt time.Time) (*domain.Product, error)

	InsertSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error)
	GetSale(ctx context.Context, id string) (*domain.Sale, error)
	UpdateSalePayment(ctx context.Context, id string, paidCents int64, restCents int64, fullyPaid bool) (*domain.Sale, error)
	ListSales(ctx context.Context, filter domain.TransactionFilter) ([]domain.Sale, error)

	InsertTrade(ctx context.Context, trade domain.Trade) (*domain.Trade, error)
	ListTrades(ctx context.Context, filter domain.TransactionFilter) ([]domain.Trade, error)

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

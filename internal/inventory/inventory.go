package inventory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"ponselaja/internal/domain"
	"ponselaja/internal/store"
)

const (
	adjustMaxAttempts = 3
	adjustRetryDelay  = 25 * time.Millisecond
)

// Adjuster owns every stock mutation. Callers never write product stock
// directly; they go through AdjustStock so the non-negativity rule and the
// conflict retry live in one place.
type Adjuster struct {
	repo store.Repository
}

func NewAdjuster(repo store.Repository) *Adjuster {
	return &Adjuster{repo: repo}
}

// AdjustStock applies delta to the product's stock count. A negative result
// is rejected with ErrInsufficientStock and nothing is written. Concurrent
// writers are detected through the product's updated-at token; on a conflict
// the read-compute-write cycle is retried a few times before giving up.
func (a *Adjuster) AdjustStock(ctx context.Context, productID string, delta int) (*domain.Product, error) {
	if strings.TrimSpace(productID) == "" {
		return nil, fmt.Errorf("%w: product id is required", store.ErrInvalidInput)
	}

	var lastErr error
	for attempt := 0; attempt < adjustMaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(adjustRetryDelay):
			}
		}

		product, err := a.repo.GetProduct(ctx, productID)
		if err != nil {
			return nil, err
		}

		next := product.InStock + delta
		if next < 0 {
			return nil, fmt.Errorf("%w: product %s has %d in stock, cannot apply %+d", store.ErrInsufficientStock, productID, product.InStock, delta)
		}

		updated, err := a.repo.UpdateProductStock(ctx, productID, next, product.UpdatedAt)
		if err == nil {
			return updated, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return nil, err
		}
		lastErr = err
	}

	return nil, lastErr
}

// Lookup resolves a product by its id, falling back to an IMEI match among
// in-stock units when the id lookup misses.
func (a *Adjuster) Lookup(ctx context.Context, idOrIMEI string) (*domain.Product, error) {
	key := strings.TrimSpace(idOrIMEI)
	if key == "" {
		return nil, fmt.Errorf("%w: product id or imei is required", store.ErrInvalidInput)
	}

	product, err := a.repo.GetProduct(ctx, key)
	if err == nil {
		return product, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	return a.repo.GetProductByIMEI(ctx, key)
}

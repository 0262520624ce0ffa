package cache

import (
	"context"
	"time"

	"ponselaja/internal/domain"
)

// ReportCache holds rendered transaction reports keyed by their filter.
// Writes to the ledger invalidate the whole prefix, so a stale report can
// only ever be served for the TTL window during a cache outage.
type ReportCache interface {
	Get(ctx context.Context, key string) (*domain.TransactionListResponse, bool, error)
	Set(ctx context.Context, key string, value *domain.TransactionListResponse, ttl time.Duration) error
	InvalidatePrefix(ctx context.Context, prefix string) error
}

type NoopReportCache struct{}

func (NoopReportCache) Get(_ context.Context, _ string) (*domain.TransactionListResponse, bool, error) {
	return nil, false, nil
}

func (NoopReportCache) Set(_ context.Context, _ string, _ *domain.TransactionListResponse, _ time.Duration) error {
	return nil
}

func (NoopReportCache) InvalidatePrefix(_ context.Context, _ string) error {
	return nil
}

package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"strings"
	"time"

	"ponselaja/internal/cache"
	"ponselaja/internal/domain"
	"ponselaja/internal/inventory"
	"ponselaja/internal/store"
	"ponselaja/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

const reportKeyPrefix = "report:tx:"

type Service struct {
	repo      store.Repository
	inv       *inventory.Adjuster
	reports   cache.ReportCache
	reportTTL time.Duration
}

func New(repo store.Repository, inv *inventory.Adjuster, reports cache.ReportCache, reportTTL time.Duration) *Service {
	if reports == nil {
		reports = cache.NoopReportCache{}
	}
	if reportTTL <= 0 {
		reportTTL = 15 * time.Second
	}

	return &Service{
		repo:      repo,
		inv:       inv,
		reports:   reports,
		reportTTL: reportTTL,
	}
}

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx)
}

func (s *Service) GetProduct(ctx context.Context, idOrIMEI string) (domain.Product, error) {
	product, err := s.inv.Lookup(ctx, idOrIMEI)
	if err != nil {
		return domain.Product{}, err
	}
	return *product, nil
}

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Product, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.Product{}, fmt.Errorf("admin role required")
	}

	req.IMEI = strings.TrimSpace(req.IMEI)
	req.Title = strings.TrimSpace(req.Title)
	req.Category = strings.TrimSpace(req.Category)
	req.Brand = strings.TrimSpace(req.Brand)
	req.Condition = strings.ToLower(strings.TrimSpace(req.Condition))

	if req.Title == "" || req.Category == "" {
		return domain.Product{}, fmt.Errorf("%w: title and category are required", store.ErrInvalidInput)
	}
	if req.Condition != domain.ConditionNew && req.Condition != domain.ConditionUsed {
		return domain.Product{}, fmt.Errorf("%w: condition must be new or used", store.ErrInvalidInput)
	}
	if req.PriceCents < 1 || req.InitialStock < 0 {
		return domain.Product{}, fmt.Errorf("%w: price must be positive and stock non-negative", store.ErrInvalidInput)
	}

	product := domain.Product{
		ID:         xid.New("prod"),
		IMEI:       req.IMEI,
		Title:      req.Title,
		Category:   req.Category,
		Brand:      req.Brand,
		Condition:  req.Condition,
		PriceCents: req.PriceCents,
		InStock:    req.InitialStock,
		Images:     req.Images,
	}

	created, err := s.repo.CreateProduct(ctx, product)
	if err != nil {
		return domain.Product{}, err
	}

	s.logAudit(ctx, "product_create", "product", created.ID, fmt.Sprintf("title=%s,price=%d,stock=%d", created.Title, created.PriceCents, created.InStock))
	return *created, nil
}

func (s *Service) UpdateProduct(ctx context.Context, id string, req domain.ProductUpdateRequest) (domain.Product, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.Product{}, fmt.Errorf("admin role required")
	}

	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Product{}, fmt.Errorf("%w: product id is required", store.ErrInvalidInput)
	}

	existing, err := s.repo.GetProduct(ctx, id)
	if err != nil {
		return domain.Product{}, err
	}

	next := *existing
	if req.Title != nil {
		next.Title = strings.TrimSpace(*req.Title)
	}
	if req.Category != nil {
		next.Category = strings.TrimSpace(*req.Category)
	}
	if req.Brand != nil {
		next.Brand = strings.TrimSpace(*req.Brand)
	}
	if req.Condition != nil {
		next.Condition = strings.ToLower(strings.TrimSpace(*req.Condition))
		if next.Condition != domain.ConditionNew && next.Condition != domain.ConditionUsed {
			return domain.Product{}, fmt.Errorf("%w: condition must be new or used", store.ErrInvalidInput)
		}
	}
	if req.PriceCents != nil {
		next.PriceCents = *req.PriceCents
	}
	if req.Images != nil {
		next.Images = req.Images
	}
	if next.Title == "" || next.Category == "" || next.PriceCents < 1 {
		return domain.Product{}, fmt.Errorf("%w: title, category and positive price are required", store.ErrInvalidInput)
	}

	updated, err := s.repo.UpdateProduct(ctx, next)
	if err != nil {
		return domain.Product{}, err
	}

	s.logAudit(ctx, "product_update", "product", updated.ID, fmt.Sprintf("title=%s,price=%d", updated.Title, updated.PriceCents))
	return *updated, nil
}

// RecordSale sells one unit of a product: stock drops by one, the remaining
// balance is derived from the agreed price versus what the buyer paid up
// front. If persisting the sale fails after stock was taken, the unit is
// put back.
func (s *Service) RecordSale(ctx context.Context, req domain.SaleRequest) (domain.Sale, error) {
	req.ProductID = strings.TrimSpace(req.ProductID)
	req.BuyerName = strings.TrimSpace(req.BuyerName)
	req.BuyerPhone = strings.TrimSpace(req.BuyerPhone)

	if req.ProductID == "" {
		return domain.Sale{}, fmt.Errorf("%w: product id is required", store.ErrInvalidInput)
	}
	if req.SellPriceCents < 1 {
		return domain.Sale{}, fmt.Errorf("%w: sell price must be positive", store.ErrInvalidInput)
	}
	if req.PaidPriceCents < 0 {
		return domain.Sale{}, fmt.Errorf("%w: paid price cannot be negative", store.ErrInvalidInput)
	}

	product, err := s.inv.Lookup(ctx, req.ProductID)
	if err != nil {
		return domain.Sale{}, err
	}
	if product.InStock < 1 {
		return domain.Sale{}, fmt.Errorf("%w: product %s", store.ErrOutOfStock, product.ID)
	}

	if _, err := s.inv.AdjustStock(ctx, product.ID, -1); err != nil {
		if errors.Is(err, store.ErrInsufficientStock) {
			return domain.Sale{}, fmt.Errorf("%w: product %s", store.ErrOutOfStock, product.ID)
		}
		return domain.Sale{}, err
	}

	rest := req.SellPriceCents - req.PaidPriceCents
	if rest < 0 {
		rest = 0
	}

	sale := domain.Sale{
		ID:             xid.New("sale"),
		ProductID:      product.ID,
		SellPriceCents: req.SellPriceCents,
		PaidPriceCents: req.PaidPriceCents,
		RestPriceCents: rest,
		BuyerName:      req.BuyerName,
		BuyerPhone:     req.BuyerPhone,
		FullyPaid:      req.PaidPriceCents >= req.SellPriceCents,
		CreatedAt:      time.Now().UTC(),
	}

	inserted, err := s.repo.InsertSale(ctx, sale)
	if err != nil {
		s.compensateStock(ctx, product.ID, +1, "sale_insert")
		return domain.Sale{}, err
	}

	s.invalidateReports(ctx)
	s.logAudit(ctx, "sale_record", "sale", inserted.ID, fmt.Sprintf("product=%s,sell=%d,paid=%d,rest=%d", product.ID, inserted.SellPriceCents, inserted.PaidPriceCents, inserted.RestPriceCents))
	return *inserted, nil
}

// RecordTrade handles an in-store swap: a previously sold unit comes back
// into stock and the customer leaves with a different unit. The trade-in
// value offsets what the customer pays.
func (s *Service) RecordTrade(ctx context.Context, req domain.TradeRequest) (domain.Trade, error) {
	oldProduct, newProduct, err := s.resolveTradePair(ctx, req)
	if err != nil {
		return domain.Trade{}, err
	}

	if _, err := s.inv.AdjustStock(ctx, oldProduct.ID, +1); err != nil {
		return domain.Trade{}, err
	}
	if _, err := s.inv.AdjustStock(ctx, newProduct.ID, -1); err != nil {
		s.compensateStock(ctx, oldProduct.ID, -1, "trade_new_unit")
		if errors.Is(err, store.ErrInsufficientStock) {
			return domain.Trade{}, fmt.Errorf("%w: product %s", store.ErrOutOfStock, newProduct.ID)
		}
		return domain.Trade{}, err
	}

	trade := s.buildTrade(req, oldProduct, newProduct, true)
	inserted, err := s.repo.InsertTrade(ctx, trade)
	if err != nil {
		s.compensateStock(ctx, newProduct.ID, +1, "trade_insert")
		s.compensateStock(ctx, oldProduct.ID, -1, "trade_insert")
		return domain.Trade{}, err
	}

	s.invalidateReports(ctx)
	s.logAudit(ctx, "trade_record", "trade", inserted.ID, fmt.Sprintf("old=%s,new=%s,buyback=%d,paid=%d", oldProduct.ID, newProduct.ID, inserted.BuybackPriceCents, inserted.UserPaidCents))
	return *inserted, nil
}

// RecordExternalTrade swaps against a unit that leaves the shop entirely,
// so both products lose a unit of stock.
func (s *Service) RecordExternalTrade(ctx context.Context, req domain.TradeRequest) (domain.Trade, error) {
	oldProduct, newProduct, err := s.resolveTradePair(ctx, req)
	if err != nil {
		return domain.Trade{}, err
	}
	if oldProduct.InStock < 1 {
		return domain.Trade{}, fmt.Errorf("%w: product %s", store.ErrOutOfStock, oldProduct.ID)
	}

	if _, err := s.inv.AdjustStock(ctx, oldProduct.ID, -1); err != nil {
		if errors.Is(err, store.ErrInsufficientStock) {
			return domain.Trade{}, fmt.Errorf("%w: product %s", store.ErrOutOfStock, oldProduct.ID)
		}
		return domain.Trade{}, err
	}
	if _, err := s.inv.AdjustStock(ctx, newProduct.ID, -1); err != nil {
		s.compensateStock(ctx, oldProduct.ID, +1, "external_trade_new_unit")
		if errors.Is(err, store.ErrInsufficientStock) {
			return domain.Trade{}, fmt.Errorf("%w: product %s", store.ErrOutOfStock, newProduct.ID)
		}
		return domain.Trade{}, err
	}

	trade := s.buildTrade(req, oldProduct, newProduct, false)
	inserted, err := s.repo.InsertTrade(ctx, trade)
	if err != nil {
		s.compensateStock(ctx, newProduct.ID, +1, "external_trade_insert")
		s.compensateStock(ctx, oldProduct.ID, +1, "external_trade_insert")
		return domain.Trade{}, err
	}

	s.invalidateReports(ctx)
	s.logAudit(ctx, "external_trade_record", "trade", inserted.ID, fmt.Sprintf("old=%s,new=%s,buyback=%d,paid=%d", oldProduct.ID, newProduct.ID, inserted.BuybackPriceCents, inserted.UserPaidCents))
	return *inserted, nil
}

func (s *Service) resolveTradePair(ctx context.Context, req domain.TradeRequest) (*domain.Product, *domain.Product, error) {
	oldID := strings.TrimSpace(req.OldProductID)
	newID := strings.TrimSpace(req.NewProductID)

	if oldID == "" || newID == "" {
		return nil, nil, fmt.Errorf("%w: both product ids are required", store.ErrInvalidInput)
	}
	if req.BuybackPriceCents < 1 {
		return nil, nil, fmt.Errorf("%w: buyback price must be positive", store.ErrInvalidInput)
	}
	if req.NewProductPriceCents < 1 {
		return nil, nil, fmt.Errorf("%w: new product price must be positive", store.ErrInvalidInput)
	}

	oldProduct, err := s.repo.GetProduct(ctx, oldID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return nil, nil, err
		}
		oldProduct, err = s.repo.GetProductByIMEI(ctx, oldID)
		if err != nil {
			return nil, nil, err
		}
	}

	newProduct, err := s.inv.Lookup(ctx, newID)
	if err != nil {
		return nil, nil, err
	}

	if oldProduct.ID == newProduct.ID {
		return nil, nil, fmt.Errorf("%w: cannot trade a product against itself", store.ErrInvalidInput)
	}
	if newProduct.InStock < 1 {
		return nil, nil, fmt.Errorf("%w: product %s", store.ErrOutOfStock, newProduct.ID)
	}

	return oldProduct, newProduct, nil
}

func (s *Service) buildTrade(req domain.TradeRequest, oldProduct *domain.Product, newProduct *domain.Product, internal bool) domain.Trade {
	return domain.Trade{
		ID:                   xid.New("trade"),
		OldProductID:         oldProduct.ID,
		NewProductID:         newProduct.ID,
		BuybackPriceCents:    req.BuybackPriceCents,
		NewProductPriceCents: req.NewProductPriceCents,
		UserPaidCents:        req.NewProductPriceCents - req.BuybackPriceCents,
		ProfitCents:          req.NewProductPriceCents - newProduct.PriceCents,
		Internal:             internal,
		CreatedAt:            time.Now().UTC(),
	}
}

// UpdatePayment records an installment on an open sale. Rest and the
// fully-paid flag are always re-derived from the new paid amount, so
// replaying the same amount is a no-op.
func (s *Service) UpdatePayment(ctx context.Context, saleID string, req domain.PaymentUpdateRequest) (domain.Sale, error) {
	saleID = strings.TrimSpace(saleID)
	if saleID == "" {
		return domain.Sale{}, fmt.Errorf("%w: sale id is required", store.ErrInvalidInput)
	}
	if req.PaidPriceCents < 0 {
		return domain.Sale{}, fmt.Errorf("%w: paid price cannot be negative", store.ErrInvalidInput)
	}

	sale, err := s.repo.GetSale(ctx, saleID)
	if err != nil {
		return domain.Sale{}, err
	}

	rest := sale.SellPriceCents - req.PaidPriceCents
	if rest < 0 {
		rest = 0
	}
	fullyPaid := req.PaidPriceCents >= sale.SellPriceCents

	updated, err := s.repo.UpdateSalePayment(ctx, saleID, req.PaidPriceCents, rest, fullyPaid)
	if err != nil {
		return domain.Sale{}, err
	}

	s.invalidateReports(ctx)
	s.logAudit(ctx, "payment_update", "sale", saleID, fmt.Sprintf("paid=%d,rest=%d,fully_paid=%t", updated.PaidPriceCents, updated.RestPriceCents, updated.FullyPaid))
	return *updated, nil
}

// SetFullyPaid settles or reopens a sale. Settling treats the full sell
// price as paid. Reopening only flips the flag; it never invents a paid
// amount the buyer did not hand over.
func (s *Service) SetFullyPaid(ctx context.Context, saleID string, paid bool) (domain.Sale, error) {
	saleID = strings.TrimSpace(saleID)
	if saleID == "" {
		return domain.Sale{}, fmt.Errorf("%w: sale id is required", store.ErrInvalidInput)
	}

	sale, err := s.repo.GetSale(ctx, saleID)
	if err != nil {
		return domain.Sale{}, err
	}

	paidCents := sale.PaidPriceCents
	restCents := sale.RestPriceCents
	if paid {
		paidCents = sale.SellPriceCents
		restCents = 0
	}

	updated, err := s.repo.UpdateSalePayment(ctx, saleID, paidCents, restCents, paid)
	if err != nil {
		return domain.Sale{}, err
	}

	s.invalidateReports(ctx)
	s.logAudit(ctx, "sale_fully_paid", "sale", saleID, fmt.Sprintf("fully_paid=%t", paid))
	return *updated, nil
}

func (s *Service) GetSale(ctx context.Context, saleID string) (domain.Sale, error) {
	sale, err := s.repo.GetSale(ctx, strings.TrimSpace(saleID))
	if err != nil {
		return domain.Sale{}, err
	}
	return *sale, nil
}

// ListTransactions merges sales and trades into one ledger view, newest
// first, with the current product snapshots joined in. Results are served
// from the report cache when a fresh copy exists.
func (s *Service) ListTransactions(ctx context.Context, filter domain.TransactionFilter) (domain.TransactionListResponse, error) {
	if filter.Limit < 0 {
		return domain.TransactionListResponse{}, fmt.Errorf("%w: limit cannot be negative", store.ErrInvalidInput)
	}
	if !filter.From.IsZero() && !filter.To.IsZero() && filter.To.Before(filter.From) {
		return domain.TransactionListResponse{}, fmt.Errorf("%w: window end precedes start", store.ErrInvalidInput)
	}

	cacheKey := reportCacheKey(filter)
	if cached, hit, err := s.reports.Get(ctx, cacheKey); err != nil {
		log.Printf("[service] WARN: report cache read failed: %v", err)
	} else if hit {
		return *cached, nil
	}

	sales, err := s.repo.ListSales(ctx, filter)
	if err != nil {
		return domain.TransactionListResponse{}, err
	}
	trades, err := s.repo.ListTrades(ctx, filter)
	if err != nil {
		return domain.TransactionListResponse{}, err
	}

	records := make([]domain.TransactionRecord, 0, len(sales)+len(trades))
	for i := range sales {
		records = append(records, domain.TransactionRecord{
			Kind:      domain.TxKindSale,
			Sale:      &sales[i],
			CreatedAt: sales[i].CreatedAt,
		})
	}
	for i := range trades {
		records = append(records, domain.TransactionRecord{
			Kind:      domain.TxKindTrade,
			Trade:     &trades[i],
			CreatedAt: trades[i].CreatedAt,
		})
	}

	slices.SortFunc(records, func(a, b domain.TransactionRecord) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return 0
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})

	if filter.Limit > 0 && len(records) > filter.Limit {
		records = records[:filter.Limit]
	}

	joined := make([]domain.JoinedTransaction, 0, len(records))
	for _, record := range records {
		entry := domain.JoinedTransaction{TransactionRecord: record}
		switch record.Kind {
		case domain.TxKindSale:
			entry.Product = s.productSnapshot(ctx, record.Sale.ProductID)
		case domain.TxKindTrade:
			entry.OldProduct = s.productSnapshot(ctx, record.Trade.OldProductID)
			entry.NewProduct = s.productSnapshot(ctx, record.Trade.NewProductID)
		}
		joined = append(joined, entry)
	}

	resp := domain.TransactionListResponse{Transactions: joined}
	if err := s.reports.Set(ctx, cacheKey, &resp, s.reportTTL); err != nil {
		log.Printf("[service] WARN: report cache write failed: %v", err)
	}
	return resp, nil
}

// productSnapshot joins the current product row into a ledger entry. A
// deleted or unknown product yields nil rather than an error; old ledger
// rows outlive their products.
func (s *Service) productSnapshot(ctx context.Context, productID string) *domain.Product {
	product, err := s.repo.GetProduct(ctx, productID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Printf("[service] WARN: product join failed id=%s: %v", productID, err)
		}
		return nil
	}
	return product
}

func (s *Service) ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return nil, fmt.Errorf("admin role required")
	}
	if limit < 1 || limit > 500 {
		limit = 100
	}
	return s.repo.ListAuditLogs(ctx, from, to, limit)
}

// compensateStock undoes a prior stock adjustment after a later step in the
// same operation failed. Failures here are logged loudly; they mean stock
// drifted and needs a manual correction.
func (s *Service) compensateStock(ctx context.Context, productID string, delta int, step string) {
	if _, err := s.inv.AdjustStock(ctx, productID, delta); err != nil {
		log.Printf("[service] ERROR: stock compensation failed product=%s delta=%+d step=%s: %v", productID, delta, step, err)
	}
}

func (s *Service) invalidateReports(ctx context.Context) {
	if err := s.reports.InvalidatePrefix(ctx, reportKeyPrefix); err != nil {
		log.Printf("[service] WARN: report cache invalidation failed: %v", err)
	}
}

func reportCacheKey(filter domain.TransactionFilter) string {
	from, to := "", ""
	if !filter.From.IsZero() {
		from = filter.From.UTC().Format(time.RFC3339)
	}
	if !filter.To.IsZero() {
		to = filter.To.UTC().Format(time.RFC3339)
	}
	return fmt.Sprintf("%s%s|%s|%s|%d", reportKeyPrefix, from, to, filter.ProductID, filter.Limit)
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     time.Now().UTC(),
	}); err != nil {
		log.Printf("[audit] WARN: failed to write audit log action=%s entity=%s/%s: %v", action, entityType, entityID, err)
	}
}

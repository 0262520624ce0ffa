package domain

import "time"

const (
	ConditionNew  = "new"
	ConditionUsed = "used"
)

// Product is a catalog listing. PriceCents is the buy/catalog price the
// shop paid for the unit; InStock is maintained exclusively through the
// inventory adjuster. UpdatedAt doubles as the optimistic-concurrency
// token for stock writes.
type Product struct {
	ID         string    `json:"id"`
	IMEI       string    `json:"imei,omitempty"`
	Title      string    `json:"title"`
	Category   string    `json:"category"`
	Brand      string    `json:"brand"`
	Condition  string    `json:"condition"`
	PriceCents int64     `json:"price_cents"`
	InStock    int       `json:"in_stock"`
	Images     []string  `json:"images,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type ProductCreateRequest struct {
	IMEI         string   `json:"imei,omitempty"`
	Title        string   `json:"title"`
	Category     string   `json:"category"`
	Brand        string   `json:"brand"`
	Condition    string   `json:"condition"`
	PriceCents   int64    `json:"price_cents"`
	InitialStock int      `json:"initial_stock"`
	Images       []string `json:"images,omitempty"`
}

type ProductUpdateRequest struct {
	Title      *string  `json:"title,omitempty"`
	Category   *string  `json:"category,omitempty"`
	Brand      *string  `json:"brand,omitempty"`
	Condition  *string  `json:"condition,omitempty"`
	PriceCents *int64   `json:"price_cents,omitempty"`
	Images     []string `json:"images,omitempty"`
}

// Sale records a direct sale of one unit. RestPriceCents and FullyPaid
// are derived from SellPriceCents/PaidPriceCents and recomputed by the
// payment tracker whenever the paid amount changes.
type Sale struct {
	ID             string    `json:"id"`
	ProductID      string    `json:"product_id"`
	SellPriceCents int64     `json:"sell_price_cents"`
	PaidPriceCents int64     `json:"paid_price_cents"`
	RestPriceCents int64     `json:"rest_price_cents"`
	BuyerName      string    `json:"buyer_name"`
	BuyerPhone     string    `json:"buyer_phone"`
	FullyPaid      bool      `json:"is_fully_paid"`
	CreatedAt      time.Time `json:"created_at"`
}

type SaleRequest struct {
	ProductID      string `json:"product_id"`
	SellPriceCents int64  `json:"sell_price_cents"`
	PaidPriceCents int64  `json:"paid_price_cents"`
	BuyerName      string `json:"buyer_name"`
	BuyerPhone     string `json:"buyer_phone"`
}

type PaymentUpdateRequest struct {
	PaidPriceCents int64 `json:"paid_price_cents"`
}

type FullyPaidRequest struct {
	Paid bool `json:"paid"`
	// ManagerPIN is required when reopening a settled sale.
	ManagerPIN string `json:"manager_pin,omitempty"`
}

// Trade records a trade-in. Internal means the surrendered device was
// previously sold by the shop and returns to inventory; external means
// the surrendered device is a distinct catalog listing bought back and
// retired from sale. The two variants mutate stock differently.
type Trade struct {
	ID                   string    `json:"id"`
	OldProductID         string    `json:"old_product_id"`
	NewProductID         string    `json:"new_product_id"`
	BuybackPriceCents    int64     `json:"buyback_price_cents"`
	NewProductPriceCents int64     `json:"new_product_price_cents"`
	UserPaidCents        int64     `json:"user_paid_cents"`
	ProfitCents          int64     `json:"profit_cents"`
	Internal             bool      `json:"internal"`
	CreatedAt            time.Time `json:"created_at"`
}

type TradeRequest struct {
	OldProductID         string `json:"old_product_id"`
	NewProductID         string `json:"new_product_id"`
	BuybackPriceCents    int64  `json:"buyback_price_cents"`
	NewProductPriceCents int64  `json:"new_product_price_cents"`
}

const (
	TxKindSale  = "sale"
	TxKindTrade = "trade"
)

// TransactionRecord is the tagged union over the transaction log. Exactly
// one of Sale or Trade is set, matching Kind.
type TransactionRecord struct {
	Kind      string    `json:"kind"`
	Sale      *Sale     `json:"sale,omitempty"`
	Trade     *Trade    `json:"trade,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// JoinedTransaction is a read-side join of a transaction record with the
// CURRENT product snapshot(s). Snapshots are nil when the referenced
// product no longer resolves; the record's own price fields stay
// immutable regardless of later catalog edits.
type JoinedTransaction struct {
	TransactionRecord
	Product    *Product `json:"product,omitempty"`
	OldProduct *Product `json:"old_product,omitempty"`
	NewProduct *Product `json:"new_product,omitempty"`
}

// TransactionFilter narrows the transaction log. Zero values mean "no
// constraint"; Limit <= 0 falls back to a server default.
type TransactionFilter struct {
	From      time.Time
	To        time.Time
	ProductID string
	Limit     int
}

type TransactionListResponse struct {
	Transactions []JoinedTransaction `json:"transactions"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

type AuditLog struct {
	ID            string    `json:"id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

type StaffCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type StaffUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"ponselaja/internal/cache"
	"ponselaja/internal/domain"
	"ponselaja/internal/inventory"
	"ponselaja/internal/service"
	"ponselaja/internal/store/memory"
)

// newTestAPI builds a full API with an in-memory store, real AuthManager and
// real Service so handler tests exercise the complete request path.
func newTestAPI(t *testing.T) *API {
	t.Helper()

	repo := memory.NewSeeded()
	svc := service.New(repo, inventory.NewAdjuster(repo), cache.NoopReportCache{}, time.Second)
	auth := NewAuthManager("test-secret-key", time.Hour, "123456", repo)

	return New(svc, auth, "*")
}

func TestHandleHealth(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestHandleLogin_Success(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	payload, _ := json.Marshal(map[string]string{
		"username": "admin",
		"password": "admin123",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["access_token"] == "" || body["access_token"] == nil {
		t.Fatalf("expected access_token in response, got %v", body)
	}
}

func TestHandleLogin_InvalidCredentials(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	payload, _ := json.Marshal(map[string]string{
		"username": "admin",
		"password": "wrongpassword",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestHandleProducts_RequiresAuth(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/products", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestHandleProducts_WithValidToken(t *testing.T) {
	api := newTestAPI(t)
	token := loginAsAdmin(t, api)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/products", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	api.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["products"] == nil {
		t.Fatalf("expected products key in response, got %v", body)
	}
}

// authedJSON fires an authenticated JSON request against the API and returns
// the recorder.
func authedJSON(t *testing.T, api *API, method string, path string, token string, csrf string, payload any) *httptest.ResponseRecorder {
	t.Helper()

	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			t.Fatalf("encode payload: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &body)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	if csrf != "" {
		req.Header.Set("X-CSRF-Token", csrf)
	}
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)
	return rec
}

func TestSaleLifecycleOverHTTP(t *testing.T) {
	api := newTestAPI(t)
	token := loginAsAdmin(t, api)
	csrf := fetchCSRFToken(t, api)

	created := authedJSON(t, api, http.MethodPost, "/api/v1/products", token, csrf, domain.ProductCreateRequest{
		IMEI:         "356938035648888",
		Title:        "Galaxy Uji API",
		Category:     "phone",
		Brand:        "Samsung",
		Condition:    domain.ConditionUsed,
		PriceCents:   100000,
		InitialStock: 1,
	})
	if created.Code != http.StatusCreated {
		t.Fatalf("create product: %d %s", created.Code, created.Body.String())
	}
	var productResp struct {
		Product domain.Product `json:"product"`
	}
	if err := json.NewDecoder(created.Body).Decode(&productResp); err != nil {
		t.Fatalf("decode product: %v", err)
	}

	sold := authedJSON(t, api, http.MethodPost, "/api/v1/sales", token, csrf, domain.SaleRequest{
		ProductID:      productResp.Product.ID,
		SellPriceCents: 120000,
		PaidPriceCents: 50000,
		BuyerName:      "Andi",
	})
	if sold.Code != http.StatusCreated {
		t.Fatalf("record sale: %d %s", sold.Code, sold.Body.String())
	}
	var saleResp struct {
		Sale domain.Sale `json:"sale"`
	}
	if err := json.NewDecoder(sold.Body).Decode(&saleResp); err != nil {
		t.Fatalf("decode sale: %v", err)
	}
	if saleResp.Sale.RestPriceCents != 70000 {
		t.Fatalf("expected rest 70000, got %d", saleResp.Sale.RestPriceCents)
	}

	// The only unit was sold; a second sale must conflict.
	again := authedJSON(t, api, http.MethodPost, "/api/v1/sales", token, csrf, domain.SaleRequest{
		ProductID:      productResp.Product.ID,
		SellPriceCents: 120000,
		PaidPriceCents: 120000,
	})
	if again.Code != http.StatusConflict {
		t.Fatalf("expected 409 for sold-out product, got %d %s", again.Code, again.Body.String())
	}

	paid := authedJSON(t, api, http.MethodPatch, fmt.Sprintf("/api/v1/sales/%s/payment", saleResp.Sale.ID), token, csrf, domain.PaymentUpdateRequest{
		PaidPriceCents: 120000,
	})
	if paid.Code != http.StatusOK {
		t.Fatalf("update payment: %d %s", paid.Code, paid.Body.String())
	}
	var paidResp struct {
		Sale domain.Sale `json:"sale"`
	}
	if err := json.NewDecoder(paid.Body).Decode(&paidResp); err != nil {
		t.Fatalf("decode paid sale: %v", err)
	}
	if paidResp.Sale.RestPriceCents != 0 || !paidResp.Sale.FullyPaid {
		t.Fatalf("expected settled sale, got %+v", paidResp.Sale)
	}

	listed := authedJSON(t, api, http.MethodGet, "/api/v1/transactions?product_id="+productResp.Product.ID, token, "", nil)
	if listed.Code != http.StatusOK {
		t.Fatalf("list transactions: %d %s", listed.Code, listed.Body.String())
	}
	var txResp domain.TransactionListResponse
	if err := json.NewDecoder(listed.Body).Decode(&txResp); err != nil {
		t.Fatalf("decode transactions: %v", err)
	}
	if len(txResp.Transactions) != 1 || txResp.Transactions[0].Kind != domain.TxKindSale {
		t.Fatalf("expected one sale entry, got %+v", txResp.Transactions)
	}
	if txResp.Transactions[0].Product == nil || txResp.Transactions[0].Product.ID != productResp.Product.ID {
		t.Fatalf("expected product join in ledger entry")
	}
}

func TestReopenSaleRequiresManagerPIN(t *testing.T) {
	api := newTestAPI(t)
	token := loginAsAdmin(t, api)
	csrf := fetchCSRFToken(t, api)

	created := authedJSON(t, api, http.MethodPost, "/api/v1/products", token, csrf, domain.ProductCreateRequest{
		IMEI:         "356938035649999",
		Title:        "Redmi Uji PIN",
		Category:     "phone",
		Brand:        "Xiaomi",
		Condition:    domain.ConditionNew,
		PriceCents:   80000,
		InitialStock: 1,
	})
	if created.Code != http.StatusCreated {
		t.Fatalf("create product: %d %s", created.Code, created.Body.String())
	}
	var productResp struct {
		Product domain.Product `json:"product"`
	}
	if err := json.NewDecoder(created.Body).Decode(&productResp); err != nil {
		t.Fatalf("decode product: %v", err)
	}

	sold := authedJSON(t, api, http.MethodPost, "/api/v1/sales", token, csrf, domain.SaleRequest{
		ProductID:      productResp.Product.ID,
		SellPriceCents: 90000,
		PaidPriceCents: 90000,
	})
	if sold.Code != http.StatusCreated {
		t.Fatalf("record sale: %d %s", sold.Code, sold.Body.String())
	}
	var saleResp struct {
		Sale domain.Sale `json:"sale"`
	}
	if err := json.NewDecoder(sold.Body).Decode(&saleResp); err != nil {
		t.Fatalf("decode sale: %v", err)
	}

	path := fmt.Sprintf("/api/v1/sales/%s/fully-paid", saleResp.Sale.ID)

	denied := authedJSON(t, api, http.MethodPatch, path, token, csrf, domain.FullyPaidRequest{
		Paid:       false,
		ManagerPIN: "000000",
	})
	if denied.Code != http.StatusForbidden {
		t.Fatalf("expected 403 with wrong pin, got %d %s", denied.Code, denied.Body.String())
	}

	allowed := authedJSON(t, api, http.MethodPatch, path, token, csrf, domain.FullyPaidRequest{
		Paid:       false,
		ManagerPIN: "123456",
	})
	if allowed.Code != http.StatusOK {
		t.Fatalf("expected 200 with correct pin, got %d %s", allowed.Code, allowed.Body.String())
	}
	var reopened struct {
		Sale domain.Sale `json:"sale"`
	}
	if err := json.NewDecoder(allowed.Body).Decode(&reopened); err != nil {
		t.Fatalf("decode reopened sale: %v", err)
	}
	if reopened.Sale.FullyPaid {
		t.Fatalf("expected reopened sale")
	}
}

func TestTradeOverHTTP(t *testing.T) {
	api := newTestAPI(t)
	token := loginAsAdmin(t, api)
	csrf := fetchCSRFToken(t, api)

	var ids [2]string
	for i, title := range []string{"Poco Lama", "Poco Baru"} {
		created := authedJSON(t, api, http.MethodPost, "/api/v1/products", token, csrf, domain.ProductCreateRequest{
			IMEI:         fmt.Sprintf("35693803565%04d", i),
			Title:        title,
			Category:     "phone",
			Brand:        "Xiaomi",
			Condition:    domain.ConditionUsed,
			PriceCents:   70000,
			InitialStock: 2,
		})
		if created.Code != http.StatusCreated {
			t.Fatalf("create product %d: %d %s", i, created.Code, created.Body.String())
		}
		var resp struct {
			Product domain.Product `json:"product"`
		}
		if err := json.NewDecoder(created.Body).Decode(&resp); err != nil {
			t.Fatalf("decode product: %v", err)
		}
		ids[i] = resp.Product.ID
	}

	traded := authedJSON(t, api, http.MethodPost, "/api/v1/trades", token, csrf, domain.TradeRequest{
		OldProductID:         ids[0],
		NewProductID:         ids[1],
		BuybackPriceCents:    30000,
		NewProductPriceCents: 85000,
	})
	if traded.Code != http.StatusCreated {
		t.Fatalf("record trade: %d %s", traded.Code, traded.Body.String())
	}
	var tradeResp struct {
		Trade domain.Trade `json:"trade"`
	}
	if err := json.NewDecoder(traded.Body).Decode(&tradeResp); err != nil {
		t.Fatalf("decode trade: %v", err)
	}
	if !tradeResp.Trade.Internal || tradeResp.Trade.UserPaidCents != 55000 {
		t.Fatalf("unexpected trade payload %+v", tradeResp.Trade)
	}
}

func TestAuditLogsAdminOnly(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	// Staff tokens must not reach the audit log.
	payload, _ := json.Marshal(map[string]string{"username": "staff", "password": "staff123"})
	loginReq := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
	loginReq.Header.Set("Content-Type", "application/json")
	loginRec := httptest.NewRecorder()
	handler.ServeHTTP(loginRec, loginReq)
	if loginRec.Code != http.StatusOK {
		t.Fatalf("staff login failed: %d %s", loginRec.Code, loginRec.Body.String())
	}
	var staffLogin domain.LoginResponse
	if err := json.NewDecoder(loginRec.Body).Decode(&staffLogin); err != nil {
		t.Fatalf("decode staff login: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/audit-logs", nil)
	req.Header.Set("Authorization", "Bearer "+staffLogin.AccessToken)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for staff, got %d", rec.Code)
	}

	adminToken := loginAsAdmin(t, api)
	adminReq := httptest.NewRequest(http.MethodGet, "/api/v1/audit-logs", nil)
	adminReq.Header.Set("Authorization", "Bearer "+adminToken)
	adminRec := httptest.NewRecorder()
	handler.ServeHTTP(adminRec, adminReq)
	if adminRec.Code != http.StatusOK {
		t.Fatalf("expected 200 for admin, got %d %s", adminRec.Code, adminRec.Body.String())
	}
}

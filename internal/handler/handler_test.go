package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/broker-system/internal/catalog"
	"github.com/mmeshcher/broker-system/internal/middleware"
	"github.com/mmeshcher/broker-system/internal/model"
	"github.com/mmeshcher/broker-system/internal/rental"
	"github.com/mmeshcher/broker-system/internal/repository"
	"github.com/mmeshcher/broker-system/internal/service"
)

type stubService struct {
	registerErr error

	adminID int64

	balanceResp float64
	balanceErr  error
	transferErr error

	countriesResp []string
	servicesResp  []catalog.Entry

	rentalResp rental.Reservation
	rentalErr  error
	codeResp   *service.CodeResult
	codeErr    error
	cancelErr  error

	account    *model.Account
	accountErr error

	acceptResp  bool
	acceptErr   error
	confirmResp bool

	pendingOrders []model.Order
}

func (s *stubService) RegisterUser(ctx context.Context, userID int64, username, firstName, lastName string) error {
	return s.registerErr
}

func (s *stubService) IsAdmin(userID int64) bool { return userID == s.adminID }

func (s *stubService) GetBalance(ctx context.Context, userID int64) (float64, error) {
	return s.balanceResp, s.balanceErr
}

func (s *stubService) SetBalance(ctx context.Context, userID int64, value float64) error {
	return nil
}

func (s *stubService) Transfer(ctx context.Context, senderID, recipientID int64, amount float64) error {
	return s.transferErr
}

func (s *stubService) RefreshCatalog(ctx context.Context, force bool) error { return nil }

func (s *stubService) SearchCountries(ctx context.Context, query string, limit int) ([]string, error) {
	return s.countriesResp, nil
}

func (s *stubService) TopCountries(ctx context.Context, limit int) ([]string, error) {
	return s.countriesResp, nil
}

func (s *stubService) SearchServices(ctx context.Context, country, query string, limit int) ([]catalog.Entry, error) {
	return s.servicesResp, nil
}

func (s *stubService) StartRental(ctx context.Context, userID int64, serviceCode, country, operator string) (rental.Reservation, error) {
	return s.rentalResp, s.rentalErr
}

func (s *stubService) CheckCode(ctx context.Context, userID int64) (*service.CodeResult, error) {
	return s.codeResp, s.codeErr
}

func (s *stubService) CancelRental(ctx context.Context, userID int64) error { return s.cancelErr }

func (s *stubService) AddAccount(ctx context.Context, acc model.Account) (int64, error) {
	return 1, nil
}

func (s *stubService) PeekAccount(ctx context.Context, platform string) (*model.Account, error) {
	return s.account, s.accountErr
}

func (s *stubService) PurchaseAccount(ctx context.Context, userID int64, platform string) (*model.Account, error) {
	return s.account, s.accountErr
}

func (s *stubService) RequestDriverJoin(ctx context.Context, userID int64, note string) error {
	return nil
}

func (s *stubService) ListDriverRequests(ctx context.Context, status model.RequestStatus) ([]model.DriverRequest, error) {
	return nil, nil
}

func (s *stubService) ApproveDriver(ctx context.Context, userID int64) error { return nil }
func (s *stubService) RejectDriver(ctx context.Context, userID int64) error  { return nil }
func (s *stubService) BlockDriver(ctx context.Context, userID int64) error   { return nil }

func (s *stubService) ListDrivers(ctx context.Context, status model.DriverStatus) ([]model.Driver, error) {
	return nil, nil
}

func (s *stubService) AddStore(ctx context.Context, driverID int64, storeType model.StoreType, name string) (int64, error) {
	return 1, nil
}

func (s *stubService) ApproveStore(ctx context.Context, storeID int64) error { return nil }
func (s *stubService) BlockStore(ctx context.Context, storeID int64) error   { return nil }

func (s *stubService) ListStores(ctx context.Context, storeType model.StoreType, status model.StoreStatus) ([]model.Store, error) {
	return nil, nil
}

func (s *stubService) ListDriverStores(ctx context.Context, driverID int64, storeType model.StoreType) ([]model.Store, error) {
	return nil, nil
}

func (s *stubService) ListPendingStores(ctx context.Context, limit int) ([]model.Store, error) {
	return nil, nil
}

func (s *stubService) AddProduct(ctx context.Context, driverID, storeID int64, name string, realPrice, finalPrice float64) (int64, error) {
	return 1, nil
}

func (s *stubService) ListProducts(ctx context.Context, storeID int64) ([]model.Product, error) {
	return nil, nil
}

func (s *stubService) DeactivateProduct(ctx context.Context, driverID, productID int64) error {
	return nil
}

func (s *stubService) CreateOrder(ctx context.Context, userID, storeID, productID int64, qty int, address string) (int64, error) {
	return 1, nil
}

func (s *stubService) ListPendingOrders(ctx context.Context, limit int) ([]model.Order, error) {
	return s.pendingOrders, nil
}

func (s *stubService) ListUserOrders(ctx context.Context, userID int64, limit int) ([]model.Order, error) {
	return nil, nil
}

func (s *stubService) AcceptOrder(ctx context.Context, orderID, driverID int64) (bool, error) {
	return s.acceptResp, s.acceptErr
}

func (s *stubService) ConfirmDelivered(ctx context.Context, orderID, userID int64) (bool, error) {
	return s.confirmResp, nil
}

func (s *stubService) WeeklyReport(ctx context.Context, start, end time.Time) ([]model.DriverReportRow, error) {
	return nil, nil
}

func newTestHandler(t *testing.T, svc Service) (*Handler, *middleware.AuthMiddleware) {
	t.Helper()

	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	auth := middleware.NewAuthMiddleware("test-secret")

	return NewHandler(svc, logger, auth), auth
}

func doRequest(h *Handler, req *http.Request) *http.Response {
	rec := httptest.NewRecorder()
	h.SetupRouter().ServeHTTP(rec, req)
	return rec.Result()
}

func TestRegister_ReturnsToken(t *testing.T) {
	h, _ := newTestHandler(t, &stubService{})

	body, _ := json.Marshal(registerRequest{UserID: 42, Username: "user"})

	req := httptest.NewRequest(http.MethodPost, "/api/user/register", bytes.NewReader(body))
	res := doRequest(h, req)
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var resp registerResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Token == "" {
		t.Fatalf("register must return a token")
	}
}

func TestGetBalance_RequiresAuth(t *testing.T) {
	h, _ := newTestHandler(t, &stubService{balanceResp: 10})

	req := httptest.NewRequest(http.MethodGet, "/api/user/balance", nil)
	res := doRequest(h, req)
	defer res.Body.Close()

	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusUnauthorized)
	}
}

func TestGetBalance_Unlimited(t *testing.T) {
	h, auth := newTestHandler(t, &stubService{balanceResp: model.UnlimitedBalance})

	req := httptest.NewRequest(http.MethodGet, "/api/user/balance", nil)
	req.Header.Set(middleware.AuthHeader, auth.TokenFor(42))

	res := doRequest(h, req)
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var resp balanceResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Unlimited {
		t.Fatalf("expected unlimited balance flag")
	}
}

func TestTransfer_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		serviceErr error
		want       int
	}{
		{name: "validation", serviceErr: service.ErrValidation, want: http.StatusBadRequest},
		{name: "insufficient balance", serviceErr: repository.ErrInsufficientBalance, want: http.StatusPaymentRequired},
		{name: "unknown", serviceErr: context.DeadlineExceeded, want: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, auth := newTestHandler(t, &stubService{transferErr: tt.serviceErr})

			body, _ := json.Marshal(transferRequest{RecipientID: 2, Amount: 5})
			req := httptest.NewRequest(http.MethodPost, "/api/user/balance/transfer", bytes.NewReader(body))
			req.Header.Set(middleware.AuthHeader, auth.TokenFor(1))

			res := doRequest(h, req)
			defer res.Body.Close()

			if res.StatusCode != tt.want {
				t.Fatalf("status = %d, want %d", res.StatusCode, tt.want)
			}
		})
	}
}

func TestStartRental_Conflict(t *testing.T) {
	h, auth := newTestHandler(t, &stubService{rentalErr: service.ErrActiveRental})

	body, _ := json.Marshal(startRentalRequest{Service: "vk", Country: "russia"})
	req := httptest.NewRequest(http.MethodPost, "/api/user/rentals", bytes.NewReader(body))
	req.Header.Set(middleware.AuthHeader, auth.TokenFor(1))

	res := doRequest(h, req)
	defer res.Body.Close()

	if res.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusConflict)
	}
}

func TestCheckCode_NoRental(t *testing.T) {
	h, auth := newTestHandler(t, &stubService{codeErr: service.ErrNoRental})

	req := httptest.NewRequest(http.MethodGet, "/api/user/rentals/code", nil)
	req.Header.Set(middleware.AuthHeader, auth.TokenFor(1))

	res := doRequest(h, req)
	defer res.Body.Close()

	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusNotFound)
	}
}

func TestCheckCode_Received(t *testing.T) {
	h, auth := newTestHandler(t, &stubService{
		codeResp: &service.CodeResult{State: service.CodeReceived, Code: "4321", Price: 2.0, Charged: true},
	})

	req := httptest.NewRequest(http.MethodGet, "/api/user/rentals/code", nil)
	req.Header.Set(middleware.AuthHeader, auth.TokenFor(1))

	res := doRequest(h, req)
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var resp codeResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Code != "4321" || !resp.Charged {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestPurchaseAccount_NoAccounts(t *testing.T) {
	h, auth := newTestHandler(t, &stubService{accountErr: repository.ErrNoAccounts})

	req := httptest.NewRequest(http.MethodPost, "/api/user/accounts/steam/purchase", nil)
	req.Header.Set(middleware.AuthHeader, auth.TokenFor(1))

	res := doRequest(h, req)
	defer res.Body.Close()

	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusNotFound)
	}
}

func TestAcceptOrder_Conflict(t *testing.T) {
	h, auth := newTestHandler(t, &stubService{acceptResp: false})

	req := httptest.NewRequest(http.MethodPost, "/api/driver/orders/5/accept", nil)
	req.Header.Set(middleware.AuthHeader, auth.TokenFor(7))

	res := doRequest(h, req)
	defer res.Body.Close()

	if res.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusConflict)
	}
}

func TestAdminRoutes_ForbiddenForRegularUser(t *testing.T) {
	h, auth := newTestHandler(t, &stubService{adminID: 99})

	body, _ := json.Marshal(setBalanceRequest{UserID: 1, Balance: 100})
	req := httptest.NewRequest(http.MethodPost, "/api/admin/balance", bytes.NewReader(body))
	req.Header.Set(middleware.AuthHeader, auth.TokenFor(1))

	res := doRequest(h, req)
	defer res.Body.Close()

	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusForbidden)
	}
}

func TestAdminRoutes_AllowedForAdmin(t *testing.T) {
	h, auth := newTestHandler(t, &stubService{adminID: 99})

	body, _ := json.Marshal(setBalanceRequest{UserID: 1, Balance: 100})
	req := httptest.NewRequest(http.MethodPost, "/api/admin/balance", bytes.NewReader(body))
	req.Header.Set(middleware.AuthHeader, auth.TokenFor(99))

	res := doRequest(h, req)
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
}

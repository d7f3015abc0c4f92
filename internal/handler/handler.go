// Package handler содержит HTTP-обработчики API сервиса брокера.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/broker-system/internal/catalog"
	"github.com/mmeshcher/broker-system/internal/middleware"
	"github.com/mmeshcher/broker-system/internal/model"
	"github.com/mmeshcher/broker-system/internal/provider"
	"github.com/mmeshcher/broker-system/internal/rental"
	"github.com/mmeshcher/broker-system/internal/repository"
	"github.com/mmeshcher/broker-system/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterUser(ctx context.Context, userID int64, username, firstName, lastName string) error
	IsAdmin(userID int64) bool

	GetBalance(ctx context.Context, userID int64) (float64, error)
	SetBalance(ctx context.Context, userID int64, value float64) error
	Transfer(ctx context.Context, senderID, recipientID int64, amount float64) error

	RefreshCatalog(ctx context.Context, force bool) error
	SearchCountries(ctx context.Context, query string, limit int) ([]string, error)
	TopCountries(ctx context.Context, limit int) ([]string, error)
	SearchServices(ctx context.Context, country, query string, limit int) ([]catalog.Entry, error)

	StartRental(ctx context.Context, userID int64, serviceCode, country, operator string) (rental.Reservation, error)
	CheckCode(ctx context.Context, userID int64) (*service.CodeResult, error)
	CancelRental(ctx context.Context, userID int64) error

	AddAccount(ctx context.Context, acc model.Account) (int64, error)
	PeekAccount(ctx context.Context, platform string) (*model.Account, error)
	PurchaseAccount(ctx context.Context, userID int64, platform string) (*model.Account, error)

	RequestDriverJoin(ctx context.Context, userID int64, note string) error
	ListDriverRequests(ctx context.Context, status model.RequestStatus) ([]model.DriverRequest, error)
	ApproveDriver(ctx context.Context, userID int64) error
	RejectDriver(ctx context.Context, userID int64) error
	BlockDriver(ctx context.Context, userID int64) error
	ListDrivers(ctx context.Context, status model.DriverStatus) ([]model.Driver, error)

	AddStore(ctx context.Context, driverID int64, storeType model.StoreType, name string) (int64, error)
	ApproveStore(ctx context.Context, storeID int64) error
	BlockStore(ctx context.Context, storeID int64) error
	ListStores(ctx context.Context, storeType model.StoreType, status model.StoreStatus) ([]model.Store, error)
	ListDriverStores(ctx context.Context, driverID int64, storeType model.StoreType) ([]model.Store, error)
	ListPendingStores(ctx context.Context, limit int) ([]model.Store, error)

	AddProduct(ctx context.Context, driverID, storeID int64, name string, realPrice, finalPrice float64) (int64, error)
	ListProducts(ctx context.Context, storeID int64) ([]model.Product, error)
	DeactivateProduct(ctx context.Context, driverID, productID int64) error

	CreateOrder(ctx context.Context, userID, storeID, productID int64, qty int, address string) (int64, error)
	ListPendingOrders(ctx context.Context, limit int) ([]model.Order, error)
	ListUserOrders(ctx context.Context, userID int64, limit int) ([]model.Order, error)
	AcceptOrder(ctx context.Context, orderID, driverID int64) (bool, error)
	ConfirmDelivered(ctx context.Context, orderID, userID int64) (bool, error)
	WeeklyReport(ctx context.Context, start, end time.Time) ([]model.DriverReportRow, error)
}

// Handler реализует HTTP-обработчики API сервиса брокера.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

// serviceError переводит ошибку бизнес-логики в HTTP-статус. Неизвестные
// ошибки логируются и отдаются как 500.
func (h *Handler) serviceError(w http.ResponseWriter, err error, msg string, fields ...zap.Field) {
	var status int
	switch {
	case errors.Is(err, service.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, repository.ErrInsufficientBalance):
		status = http.StatusPaymentRequired
	case errors.Is(err, service.ErrNotDriver):
		status = http.StatusForbidden
	case errors.Is(err, repository.ErrNotFound),
		errors.Is(err, repository.ErrNoAccounts),
		errors.Is(err, service.ErrNoRental):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrActiveRental),
		errors.Is(err, service.ErrStoreUnavailable),
		errors.Is(err, service.ErrProductUnavailable),
		errors.Is(err, provider.ErrNoNumbers):
		status = http.StatusConflict
	case errors.Is(err, service.ErrServiceUnavailable):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, provider.ErrBadKey),
		errors.Is(err, provider.ErrNoBalance),
		errors.Is(err, provider.ErrBadService),
		errors.Is(err, provider.ErrNoActivation):
		status = http.StatusBadGateway
	default:
		status = http.StatusInternalServerError
	}

	if status == http.StatusInternalServerError {
		h.logger.Error(msg, append(fields, zap.Error(err))...)
	}
	http.Error(w, http.StatusText(status), status)
}

func userID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
	}
	return id, ok
}

// AdminOnly пропускает только запросы администратора.
func (h *Handler) AdminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := middleware.GetUserIDFromContext(r.Context())
		if !ok || !h.service.IsAdmin(id) {
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func queryLimit(r *http.Request, def int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return def
	}
	return limit
}

func pathID(r *http.Request, name string) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, name), 10, 64)
}

type registerRequest struct {
	UserID    int64  `json:"user_id"`
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

type registerResponse struct {
	Token string `json:"token"`
}

// Register регистрирует пользователя и выдаёт токен авторизации.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.UserID <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.RegisterUser(r.Context(), req.UserID, req.Username, req.FirstName, req.LastName); err != nil {
		h.serviceError(w, err, "register user error", zap.Int64("userID", req.UserID))
		return
	}

	h.writeJSON(w, registerResponse{Token: h.authMiddleware.TokenFor(req.UserID)})
}

type balanceResponse struct {
	Balance   float64 `json:"balance"`
	Unlimited bool    `json:"unlimited"`
}

// GetBalance возвращает баланс текущего пользователя.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	id, ok := userID(w, r)
	if !ok {
		return
	}

	balance, err := h.service.GetBalance(r.Context(), id)
	if err != nil {
		h.serviceError(w, err, "get balance error", zap.Int64("userID", id))
		return
	}

	h.writeJSON(w, balanceResponse{Balance: balance, Unlimited: balance == model.UnlimitedBalance})
}

type setBalanceRequest struct {
	UserID  int64   `json:"user_id"`
	Balance float64 `json:"balance"`
}

// SetBalance выставляет баланс пользователя. Административная операция.
func (h *Handler) SetBalance(w http.ResponseWriter, r *http.Request) {
	var req setBalanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.UserID <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.SetBalance(r.Context(), req.UserID, req.Balance); err != nil {
		h.serviceError(w, err, "set balance error", zap.Int64("userID", req.UserID))
		return
	}

	w.WriteHeader(http.StatusOK)
}

type transferRequest struct {
	RecipientID int64   `json:"recipient_id"`
	Amount      float64 `json:"amount"`
}

// Transfer переводит баллы текущего пользователя другому пользователю.
func (h *Handler) Transfer(w http.ResponseWriter, r *http.Request) {
	id, ok := userID(w, r)
	if !ok {
		return
	}

	var req transferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.Transfer(r.Context(), id, req.RecipientID, req.Amount); err != nil {
		h.serviceError(w, err, "transfer error", zap.Int64("userID", id), zap.Int64("recipientID", req.RecipientID))
		return
	}

	w.WriteHeader(http.StatusOK)
}

// RefreshCatalog принудительно обновляет каталог цен. Административная операция.
func (h *Handler) RefreshCatalog(w http.ResponseWriter, r *http.Request) {
	if err := h.service.RefreshCatalog(r.Context(), true); err != nil {
		h.serviceError(w, err, "refresh catalog error")
		return
	}
	w.WriteHeader(http.StatusOK)
}

// GetCountries возвращает страны каталога: топ по доступности номеров либо
// результат поиска по подстроке q.
func (h *Handler) GetCountries(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 10)
	query := r.URL.Query().Get("q")

	var (
		countries []string
		err       error
	)
	if query == "" {
		countries, err = h.service.TopCountries(r.Context(), limit)
	} else {
		countries, err = h.service.SearchCountries(r.Context(), query, limit)
	}
	if err != nil {
		h.serviceError(w, err, "get countries error")
		return
	}

	h.writeJSON(w, countries)
}

type serviceResponse struct {
	Service string  `json:"service"`
	Count   int     `json:"count"`
	Price   float64 `json:"price"`
}

// GetServices возвращает услуги страны, отфильтрованные по подстроке q.
func (h *Handler) GetServices(w http.ResponseWriter, r *http.Request) {
	country := r.URL.Query().Get("country")
	if country == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	entries, err := h.service.SearchServices(r.Context(), country, r.URL.Query().Get("q"), queryLimit(r, 10))
	if err != nil {
		h.serviceError(w, err, "get services error", zap.String("country", country))
		return
	}

	resp := make([]serviceResponse, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, serviceResponse{Service: e.Service, Count: e.Count, Price: e.Sell})
	}
	h.writeJSON(w, resp)
}

type startRentalRequest struct {
	Service  string `json:"service"`
	Country  string `json:"country"`
	Operator string `json:"operator"`
}

type rentalResponse struct {
	Service string  `json:"service"`
	Country string  `json:"country"`
	Phone   string  `json:"phone"`
	Price   float64 `json:"price"`
}

// StartRental начинает аренду номера для текущего пользователя.
func (h *Handler) StartRental(w http.ResponseWriter, r *http.Request) {
	id, ok := userID(w, r)
	if !ok {
		return
	}

	var req startRentalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Service == "" || req.Country == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	res, err := h.service.StartRental(r.Context(), id, req.Service, req.Country, req.Operator)
	if err != nil {
		h.serviceError(w, err, "start rental error", zap.Int64("userID", id), zap.String("service", req.Service))
		return
	}

	h.writeJSON(w, rentalResponse{
		Service: res.ServiceCode,
		Country: res.Country,
		Phone:   res.Phone,
		Price:   res.Price,
	})
}

type codeResponse struct {
	State   string  `json:"state"`
	Code    string  `json:"code,omitempty"`
	Price   float64 `json:"price,omitempty"`
	Charged bool    `json:"charged"`
}

// CheckCode опрашивает провайдера по активной аренде текущего пользователя.
func (h *Handler) CheckCode(w http.ResponseWriter, r *http.Request) {
	id, ok := userID(w, r)
	if !ok {
		return
	}

	result, err := h.service.CheckCode(r.Context(), id)
	if err != nil {
		h.serviceError(w, err, "check code error", zap.Int64("userID", id))
		return
	}

	h.writeJSON(w, codeResponse{
		State:   string(result.State),
		Code:    result.Code,
		Price:   result.Price,
		Charged: result.Charged,
	})
}

// CancelRental отменяет активную аренду текущего пользователя.
func (h *Handler) CancelRental(w http.ResponseWriter, r *http.Request) {
	id, ok := userID(w, r)
	if !ok {
		return
	}

	if err := h.service.CancelRental(r.Context(), id); err != nil {
		h.serviceError(w, err, "cancel rental error", zap.Int64("userID", id))
		return
	}

	w.WriteHeader(http.StatusOK)
}

type addAccountRequest struct {
	Platform string  `json:"platform"`
	Email    string  `json:"email"`
	Username string  `json:"username"`
	Password string  `json:"password"`
	Price    float64 `json:"price"`
}

type idResponse struct {
	ID int64 `json:"id"`
}

// AddAccount кладёт учётные данные в инвентарь. Административная операция.
func (h *Handler) AddAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := userID(w, r)
	if !ok {
		return
	}

	var req addAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	accID, err := h.service.AddAccount(r.Context(), model.Account{
		Platform: req.Platform,
		Email:    req.Email,
		Username: req.Username,
		Password: req.Password,
		Price:    req.Price,
		AddedBy:  id,
	})
	if err != nil {
		h.serviceError(w, err, "add account error", zap.String("platform", req.Platform))
		return
	}

	h.writeJSON(w, idResponse{ID: accID})
}

type accountOfferResponse struct {
	Platform string  `json:"platform"`
	Price    float64 `json:"price"`
}

// PeekAccount показывает цену первой в очереди записи платформы,
// не изымая её из инвентаря.
func (h *Handler) PeekAccount(w http.ResponseWriter, r *http.Request) {
	platform := chi.URLParam(r, "platform")

	acc, err := h.service.PeekAccount(r.Context(), platform)
	if err != nil {
		h.serviceError(w, err, "peek account error", zap.String("platform", platform))
		return
	}

	h.writeJSON(w, accountOfferResponse{Platform: acc.Platform, Price: acc.Price})
}

type accountResponse struct {
	Platform string  `json:"platform"`
	Email    string  `json:"email"`
	Username string  `json:"username"`
	Password string  `json:"password"`
	Price    float64 `json:"price"`
}

// PurchaseAccount продаёт текущему пользователю первую в очереди запись платформы.
func (h *Handler) PurchaseAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := userID(w, r)
	if !ok {
		return
	}

	platform := chi.URLParam(r, "platform")

	acc, err := h.service.PurchaseAccount(r.Context(), id, platform)
	if err != nil {
		h.serviceError(w, err, "purchase account error", zap.Int64("userID", id), zap.String("platform", platform))
		return
	}

	h.writeJSON(w, accountResponse{
		Platform: acc.Platform,
		Email:    acc.Email,
		Username: acc.Username,
		Password: acc.Password,
		Price:    acc.Price,
	})
}

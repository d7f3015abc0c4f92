// Package service реализует бизнес-логику сервиса брокера.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mmeshcher/broker-system/internal/catalog"
	"github.com/mmeshcher/broker-system/internal/model"
	"github.com/mmeshcher/broker-system/internal/provider"
	"github.com/mmeshcher/broker-system/internal/rental"
)

// ErrValidation возвращается при некорректных входных данных.
var (
	ErrValidation = errors.New("invalid input")
	// ErrActiveRental возвращается при попытке начать вторую аренду.
	ErrActiveRental = errors.New("active rental already exists")
	// ErrNoRental возвращается, если у пользователя нет активной аренды.
	ErrNoRental = errors.New("no active rental")
	// ErrServiceUnavailable возвращается, если услуги нет в каталоге страны.
	ErrServiceUnavailable = errors.New("service is not available in this country")
	// ErrNotDriver возвращается, если пользователь не активный водитель.
	ErrNotDriver = errors.New("user is not an active driver")
	// ErrStoreUnavailable возвращается, если магазин не принимает операций.
	ErrStoreUnavailable = errors.New("store is not available")
	// ErrProductUnavailable возвращается, если товар снят или не найден.
	ErrProductUnavailable = errors.New("product is not available")
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error

	RegisterUser(ctx context.Context, u model.User) error
	GetBalance(ctx context.Context, userID int64) (float64, error)
	SetBalance(ctx context.Context, userID int64, value float64) error
	Debit(ctx context.Context, userID int64, amount float64) (bool, error)
	Transfer(ctx context.Context, senderID, recipientID int64, amount float64) error

	AddAccount(ctx context.Context, acc model.Account) (int64, error)
	PeekAccount(ctx context.Context, platform string) (*model.Account, error)
	PopAccount(ctx context.Context, platform string) (*model.Account, error)

	UpsertDriverRequest(ctx context.Context, userID int64, note string) error
	ListDriverRequests(ctx context.Context, status model.RequestStatus) ([]model.DriverRequest, error)
	ApproveDriver(ctx context.Context, userID int64) error
	RejectDriver(ctx context.Context, userID int64) error
	BlockDriver(ctx context.Context, userID int64) error
	GetDriver(ctx context.Context, userID int64) (*model.Driver, error)
	ListDrivers(ctx context.Context, status model.DriverStatus) ([]model.Driver, error)

	AddStore(ctx context.Context, storeType model.StoreType, name string, ownerDriverID int64) (int64, error)
	GetStore(ctx context.Context, storeID int64) (*model.Store, error)
	ListStores(ctx context.Context, storeType model.StoreType, status model.StoreStatus) ([]model.Store, error)
	ListDriverStores(ctx context.Context, ownerDriverID int64, storeType model.StoreType) ([]model.Store, error)
	ListPendingStores(ctx context.Context, limit int) ([]model.Store, error)
	SetStoreStatus(ctx context.Context, storeID int64, status model.StoreStatus) error

	AddProduct(ctx context.Context, p model.Product) (int64, error)
	GetProduct(ctx context.Context, productID int64) (*model.Product, error)
	ListProducts(ctx context.Context, storeID int64, onlyActive bool) ([]model.Product, error)
	DeactivateProduct(ctx context.Context, productID int64) error

	CreateOrder(ctx context.Context, o model.Order) (int64, error)
	GetOrder(ctx context.Context, orderID int64) (*model.Order, error)
	ListPendingOrders(ctx context.Context, limit int) ([]model.Order, error)
	ListUserOrders(ctx context.Context, userID int64, limit int) ([]model.Order, error)
	AcceptOrder(ctx context.Context, orderID, driverID int64) (bool, error)
	ConfirmDelivered(ctx context.Context, orderID, userID int64, botCutRate float64) (bool, error)
	WeeklyReport(ctx context.Context, start, end time.Time) ([]model.DriverReportRow, error)
}

// Provider описывает контракт SMS-провайдера, используемый сервисом.
type Provider interface {
	GetNumber(ctx context.Context, service, country, operator string) (*provider.Activation, error)
	GetStatus(ctx context.Context, activationID string) (*provider.Status, error)
	SetStatus(ctx context.Context, activationID string, status int) error
}

// Service содержит бизнес-логику сервиса брокера.
type Service struct {
	repo          Repository
	provider      Provider
	catalog       *catalog.Cache
	rentals       *rental.Store
	adminUserID   int64
	botCutRate    float64
	rentalTimeout time.Duration
}

// NewService создаёт сервис с указанными зависимостями.
func NewService(repo Repository, prov Provider, cat *catalog.Cache, rentals *rental.Store, adminUserID int64, botCutRate float64, rentalTimeout time.Duration) *Service {
	return &Service{
		repo:          repo,
		provider:      prov,
		catalog:       cat,
		rentals:       rentals,
		adminUserID:   adminUserID,
		botCutRate:    botCutRate,
		rentalTimeout: rentalTimeout,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// RegisterUser регистрирует пользователя и создаёт строку его баланса.
// Администратор получает безлимитный баланс.
func (s *Service) RegisterUser(ctx context.Context, userID int64, username, firstName, lastName string) error {
	return s.repo.RegisterUser(ctx, model.User{
		UserID:    userID,
		Username:  username,
		FirstName: firstName,
		LastName:  lastName,
		IsAdmin:   userID == s.adminUserID,
	})
}

// IsAdmin сообщает, является ли пользователь администратором.
func (s *Service) IsAdmin(userID int64) bool {
	return userID == s.adminUserID
}

// GetBalance возвращает баланс пользователя; для незарегистрированных — 0.
func (s *Service) GetBalance(ctx context.Context, userID int64) (float64, error) {
	return s.repo.GetBalance(ctx, userID)
}

// SetBalance выставляет баланс пользователя. Административная операция.
func (s *Service) SetBalance(ctx context.Context, userID int64, value float64) error {
	return s.repo.SetBalance(ctx, userID, value)
}

// Transfer переводит amount баллов от отправителя получателю.
func (s *Service) Transfer(ctx context.Context, senderID, recipientID int64, amount float64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	if senderID == recipientID {
		return fmt.Errorf("%w: sender and recipient are the same", ErrValidation)
	}
	return s.repo.Transfer(ctx, senderID, recipientID, amount)
}

// RefreshCatalog обновляет каталог цен.
func (s *Service) RefreshCatalog(ctx context.Context, force bool) error {
	return s.catalog.Refresh(ctx, force)
}

// SearchCountries ищет страны каталога по подстроке.
func (s *Service) SearchCountries(ctx context.Context, query string, limit int) ([]string, error) {
	return s.catalog.SearchCountries(ctx, query, limit)
}

// TopCountries возвращает страны с наибольшей доступностью номеров.
func (s *Service) TopCountries(ctx context.Context, limit int) ([]string, error) {
	return s.catalog.TopCountries(ctx, limit)
}

// SearchServices ищет услуги страны по подстроке.
func (s *Service) SearchServices(ctx context.Context, country, query string, limit int) ([]catalog.Entry, error) {
	return s.catalog.SearchServices(ctx, country, query, limit)
}

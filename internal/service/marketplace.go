package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mmeshcher/broker-system/internal/model"
	"github.com/mmeshcher/broker-system/internal/repository"
)

// RequestDriverJoin подаёт заявку пользователя на вступление в водители.
func (s *Service) RequestDriverJoin(ctx context.Context, userID int64, note string) error {
	note = strings.TrimSpace(note)
	if note == "" {
		return fmt.Errorf("%w: note is required", ErrValidation)
	}
	return s.repo.UpsertDriverRequest(ctx, userID, note)
}

// ListDriverRequests возвращает заявки в указанном статусе.
func (s *Service) ListDriverRequests(ctx context.Context, status model.RequestStatus) ([]model.DriverRequest, error) {
	return s.repo.ListDriverRequests(ctx, status)
}

// ApproveDriver одобряет заявку и активирует водителя.
func (s *Service) ApproveDriver(ctx context.Context, userID int64) error {
	return s.repo.ApproveDriver(ctx, userID)
}

// RejectDriver отклоняет заявку.
func (s *Service) RejectDriver(ctx context.Context, userID int64) error {
	return s.repo.RejectDriver(ctx, userID)
}

// BlockDriver блокирует водителя.
func (s *Service) BlockDriver(ctx context.Context, userID int64) error {
	return s.repo.BlockDriver(ctx, userID)
}

// ListDrivers возвращает водителей в указанном статусе.
func (s *Service) ListDrivers(ctx context.Context, status model.DriverStatus) ([]model.Driver, error) {
	return s.repo.ListDrivers(ctx, status)
}

// activeDriver возвращает водителя, если он существует и активен.
func (s *Service) activeDriver(ctx context.Context, userID int64) (*model.Driver, error) {
	d, err := s.repo.GetDriver(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotDriver
		}
		return nil, err
	}
	if d.Status != model.DriverStatusActive {
		return nil, ErrNotDriver
	}
	return d, nil
}

// AddStore создаёт магазин водителя в статусе pending.
func (s *Service) AddStore(ctx context.Context, driverID int64, storeType model.StoreType, name string) (int64, error) {
	if storeType != model.StoreTypeRestaurant && storeType != model.StoreTypeMall {
		return 0, fmt.Errorf("%w: unknown store type %q", ErrValidation, storeType)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return 0, fmt.Errorf("%w: store name is required", ErrValidation)
	}

	if _, err := s.activeDriver(ctx, driverID); err != nil {
		return 0, err
	}

	return s.repo.AddStore(ctx, storeType, name, driverID)
}

// ApproveStore активирует магазин.
func (s *Service) ApproveStore(ctx context.Context, storeID int64) error {
	return s.repo.SetStoreStatus(ctx, storeID, model.StoreStatusActive)
}

// BlockStore блокирует магазин.
func (s *Service) BlockStore(ctx context.Context, storeID int64) error {
	return s.repo.SetStoreStatus(ctx, storeID, model.StoreStatusBlocked)
}

// ListStores возвращает магазины типа storeType в указанном статусе.
func (s *Service) ListStores(ctx context.Context, storeType model.StoreType, status model.StoreStatus) ([]model.Store, error) {
	return s.repo.ListStores(ctx, storeType, status)
}

// ListDriverStores возвращает магазины водителя.
func (s *Service) ListDriverStores(ctx context.Context, driverID int64, storeType model.StoreType) ([]model.Store, error) {
	return s.repo.ListDriverStores(ctx, driverID, storeType)
}

// ListPendingStores возвращает магазины, ожидающие модерации.
func (s *Service) ListPendingStores(ctx context.Context, limit int) ([]model.Store, error) {
	return s.repo.ListPendingStores(ctx, limit)
}

// AddProduct создаёт товар в активном магазине водителя.
// Итоговая цена не может быть меньше закупочной.
func (s *Service) AddProduct(ctx context.Context, driverID, storeID int64, name string, realPrice, finalPrice float64) (int64, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return 0, fmt.Errorf("%w: product name is required", ErrValidation)
	}
	if realPrice <= 0 || finalPrice <= 0 {
		return 0, fmt.Errorf("%w: prices must be positive", ErrValidation)
	}
	if finalPrice < realPrice {
		return 0, fmt.Errorf("%w: final price is below real price", ErrValidation)
	}

	store, err := s.repo.GetStore(ctx, storeID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return 0, ErrStoreUnavailable
		}
		return 0, err
	}
	if store.OwnerDriverID != driverID || store.Status != model.StoreStatusActive {
		return 0, ErrStoreUnavailable
	}

	return s.repo.AddProduct(ctx, model.Product{
		StoreID:    storeID,
		AddedBy:    driverID,
		Name:       name,
		RealPrice:  realPrice,
		FinalPrice: finalPrice,
	})
}

// ListProducts возвращает активные товары магазина.
func (s *Service) ListProducts(ctx context.Context, storeID int64) ([]model.Product, error) {
	return s.repo.ListProducts(ctx, storeID, true)
}

// DeactivateProduct снимает товар владельца магазина с продажи.
func (s *Service) DeactivateProduct(ctx context.Context, driverID, productID int64) error {
	p, err := s.repo.GetProduct(ctx, productID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrProductUnavailable
		}
		return err
	}

	store, err := s.repo.GetStore(ctx, p.StoreID)
	if err != nil {
		return err
	}
	if store.OwnerDriverID != driverID {
		return ErrStoreUnavailable
	}

	return s.repo.DeactivateProduct(ctx, productID)
}

// CreateOrder создаёт заказ с оплатой при получении. Цены товара снимаются
// в заказ на момент создания: дальнейшие правки товара заказ не меняют.
func (s *Service) CreateOrder(ctx context.Context, userID, storeID, productID int64, qty int, address string) (int64, error) {
	if qty <= 0 {
		return 0, fmt.Errorf("%w: qty must be positive", ErrValidation)
	}
	address = strings.TrimSpace(address)
	if address == "" {
		return 0, fmt.Errorf("%w: address is required", ErrValidation)
	}

	store, err := s.repo.GetStore(ctx, storeID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return 0, ErrStoreUnavailable
		}
		return 0, err
	}
	if store.Status != model.StoreStatusActive {
		return 0, ErrStoreUnavailable
	}

	product, err := s.repo.GetProduct(ctx, productID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return 0, ErrProductUnavailable
		}
		return 0, err
	}
	if product.StoreID != storeID || !product.IsActive {
		return 0, ErrProductUnavailable
	}

	return s.repo.CreateOrder(ctx, model.Order{
		UserID:     userID,
		StoreID:    storeID,
		ProductID:  productID,
		Qty:        qty,
		Address:    address,
		RealPrice:  product.RealPrice,
		FinalPrice: product.FinalPrice,
	})
}

// GetOrder возвращает заказ по id.
func (s *Service) GetOrder(ctx context.Context, orderID int64) (*model.Order, error) {
	return s.repo.GetOrder(ctx, orderID)
}

// ListPendingOrders возвращает свободные заказы для водителей.
func (s *Service) ListPendingOrders(ctx context.Context, limit int) ([]model.Order, error) {
	return s.repo.ListPendingOrders(ctx, limit)
}

// ListUserOrders возвращает заказы пользователя.
func (s *Service) ListUserOrders(ctx context.Context, userID int64, limit int) ([]model.Order, error) {
	return s.repo.ListUserOrders(ctx, userID, limit)
}

// AcceptOrder закрепляет заказ за водителем. false означает, что заказ уже
// разобран или водитель не может его взять; это штатный исход, не ошибка.
func (s *Service) AcceptOrder(ctx context.Context, orderID, driverID int64) (bool, error) {
	return s.repo.AcceptOrder(ctx, orderID, driverID)
}

// ConfirmDelivered подтверждает доставку заказчиком и проводит расчёт.
// Повторное подтверждение возвращает false и ничего не меняет.
func (s *Service) ConfirmDelivered(ctx context.Context, orderID, userID int64) (bool, error) {
	return s.repo.ConfirmDelivered(ctx, orderID, userID, s.botCutRate)
}

// WeeklyReport возвращает агрегаты по водителям за [start, end).
func (s *Service) WeeklyReport(ctx context.Context, start, end time.Time) ([]model.DriverReportRow, error) {
	return s.repo.WeeklyReport(ctx, start, end)
}

// WeekRange возвращает границы календарной недели (понедельник 00:00),
// содержащей момент t.
func WeekRange(t time.Time) (time.Time, time.Time) {
	weekday := int(t.Weekday())
	// time.Weekday нумерует воскресенье нулём, неделя отчёта начинается с понедельника.
	if weekday == 0 {
		weekday = 7
	}

	year, month, day := t.AddDate(0, 0, -(weekday - 1)).Date()
	start := time.Date(year, month, day, 0, 0, 0, 0, t.Location())
	return start, start.AddDate(0, 0, 7)
}

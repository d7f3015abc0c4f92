package service

import (
	"context"
	"fmt"

	"github.com/mmeshcher/broker-system/internal/model"
	"github.com/mmeshcher/broker-system/internal/provider"
	"github.com/mmeshcher/broker-system/internal/rental"
	"github.com/mmeshcher/broker-system/internal/repository"
)

// CodeState описывает исход проверки кода аренды.
type CodeState string

const (
	CodeWait     CodeState = "wait"
	CodeReceived CodeState = "received"
	CodeExpired  CodeState = "expired"
	CodeUnknown  CodeState = "unknown"
)

// CodeResult — результат опроса кода по активной аренде.
type CodeResult struct {
	State   CodeState
	Code    string
	Price   float64
	Charged bool
}

// ActiveRental возвращает активную аренду пользователя, если она есть.
func (s *Service) ActiveRental(userID int64) (rental.Reservation, bool) {
	return s.rentals.Get(userID)
}

// StartRental начинает аренду номера: проверяет отсутствие активной аренды,
// берёт цену из каталога, сверяет баланс и запрашивает номер у провайдера.
// Списания здесь нет — оплата происходит только при получении кода.
func (s *Service) StartRental(ctx context.Context, userID int64, serviceCode, country, operator string) (rental.Reservation, error) {
	s.expireIfNeeded(ctx, userID)

	if s.rentals.Has(userID) {
		return rental.Reservation{}, ErrActiveRental
	}

	entry, err := s.catalog.ServiceEntry(ctx, country, serviceCode)
	if err != nil {
		return rental.Reservation{}, fmt.Errorf("catalog lookup: %w", err)
	}
	if entry == nil {
		return rental.Reservation{}, ErrServiceUnavailable
	}

	balance, err := s.repo.GetBalance(ctx, userID)
	if err != nil {
		return rental.Reservation{}, fmt.Errorf("get balance: %w", err)
	}
	if balance != model.UnlimitedBalance && balance < entry.Sell {
		return rental.Reservation{}, repository.ErrInsufficientBalance
	}

	if !s.rentals.Start(rental.Reservation{
		UserID:      userID,
		ServiceCode: serviceCode,
		Country:     country,
		Operator:    operator,
		Price:       entry.Sell,
	}) {
		return rental.Reservation{}, ErrActiveRental
	}

	activation, err := s.provider.GetNumber(ctx, serviceCode, country, operator)
	if err != nil {
		// Частично созданная аренда снимается, чтобы пользователь
		// не остался ложно заблокированным и мог повторить попытку.
		s.rentals.Clear(userID)
		return rental.Reservation{}, fmt.Errorf("get number: %w", err)
	}

	s.rentals.SetActivationInfo(userID, activation.ID, activation.Number)

	res, _ := s.rentals.Get(userID)
	return res, nil
}

// CheckCode опрашивает провайдера по активной аренде. При полученном коде
// аренда изымается из хранилища до списания, поэтому повторный вызов не
// спишет баллы второй раз. Просроченная аренда снимается без списания.
func (s *Service) CheckCode(ctx context.Context, userID int64) (*CodeResult, error) {
	res, ok := s.rentals.Get(userID)
	if !ok {
		return nil, ErrNoRental
	}

	if s.rentals.IsExpired(userID, s.rentalTimeout) {
		s.cancelReservation(ctx, userID)
		return &CodeResult{State: CodeExpired}, nil
	}

	status, err := s.provider.GetStatus(ctx, res.ActivationID)
	if err != nil {
		// Аренда остаётся: сбой провайдера ретраится следующим опросом.
		return nil, fmt.Errorf("get status: %w", err)
	}

	switch status.State {
	case provider.StateWait:
		return &CodeResult{State: CodeWait}, nil

	case provider.StateOK:
		taken, ok := s.rentals.Take(userID)
		if !ok {
			return nil, ErrNoRental
		}

		result := &CodeResult{State: CodeReceived, Code: status.Code, Price: taken.Price}

		// Проверка достаточности и списание — одна транзакция в хранилище,
		// конкурирующее списание не уведёт баланс в минус.
		charged, err := s.repo.Debit(ctx, userID, taken.Price)
		if err != nil {
			return nil, fmt.Errorf("charge rental: %w", err)
		}
		result.Charged = charged

		// Подтверждение завершения — best-effort: активация и так
		// закрыта на нашей стороне.
		_ = s.provider.SetStatus(ctx, taken.ActivationID, provider.StatusFinish)

		return result, nil

	default:
		return &CodeResult{State: CodeUnknown}, nil
	}
}

// CancelRental отменяет активную аренду без списания.
func (s *Service) CancelRental(ctx context.Context, userID int64) error {
	if !s.rentals.Has(userID) {
		return ErrNoRental
	}
	s.cancelReservation(ctx, userID)
	return nil
}

// expireIfNeeded лениво снимает просроченную аренду при очередном обращении.
func (s *Service) expireIfNeeded(ctx context.Context, userID int64) {
	if s.rentals.Has(userID) && s.rentals.IsExpired(userID, s.rentalTimeout) {
		s.cancelReservation(ctx, userID)
	}
}

func (s *Service) cancelReservation(ctx context.Context, userID int64) {
	res, ok := s.rentals.Take(userID)
	if !ok {
		return
	}
	if res.ActivationID != "" {
		// Отмена у провайдера — best-effort, её сбой не фатален.
		_ = s.provider.SetStatus(ctx, res.ActivationID, provider.StatusCancel)
	}
}

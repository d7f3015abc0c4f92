package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mmeshcher/broker-system/internal/model"
	"github.com/mmeshcher/broker-system/internal/repository"
)

// AddAccount кладёт учётные данные в инвентарь на продажу.
func (s *Service) AddAccount(ctx context.Context, acc model.Account) (int64, error) {
	acc.Platform = strings.ToLower(strings.TrimSpace(acc.Platform))
	if acc.Platform == "" {
		return 0, fmt.Errorf("%w: platform is required", ErrValidation)
	}
	if acc.Price <= 0 {
		return 0, fmt.Errorf("%w: price must be positive", ErrValidation)
	}
	return s.repo.AddAccount(ctx, acc)
}

// PeekAccount возвращает первую в очереди запись платформы для показа цены.
func (s *Service) PeekAccount(ctx context.Context, platform string) (*model.Account, error) {
	return s.repo.PeekAccount(ctx, strings.ToLower(strings.TrimSpace(platform)))
}

// PurchaseAccount продаёт первую в очереди запись платформы. Запись изымается,
// затем списывается её цена; при неудаче списания запись возвращается в
// инвентарь. Возврат получает новый id, то есть встаёт в конец очереди,
// а не на прежнее место.
func (s *Service) PurchaseAccount(ctx context.Context, userID int64, platform string) (*model.Account, error) {
	platform = strings.ToLower(strings.TrimSpace(platform))

	acc, err := s.repo.PopAccount(ctx, platform)
	if err != nil {
		return nil, err
	}

	// Проверка достаточности и списание — одна транзакция в хранилище:
	// два конкурирующих покупателя не спишут один и тот же остаток.
	if _, err := s.repo.Debit(ctx, userID, acc.Price); err != nil {
		if rerr := s.requeueAccount(ctx, acc); rerr != nil {
			// Запись уже изъята из инвентаря; потерю нельзя скрывать
			// за исходной ошибкой списания.
			return nil, fmt.Errorf("requeue account %d after failed charge: %w", acc.ID, rerr)
		}
		if errors.Is(err, repository.ErrInsufficientBalance) {
			return nil, err
		}
		return nil, fmt.Errorf("charge purchase: %w", err)
	}

	return acc, nil
}

func (s *Service) requeueAccount(ctx context.Context, acc *model.Account) error {
	_, err := s.repo.AddAccount(ctx, model.Account{
		Platform: acc.Platform,
		Email:    acc.Email,
		Username: acc.Username,
		Password: acc.Password,
		Price:    acc.Price,
		AddedBy:  acc.AddedBy,
	})
	return err
}

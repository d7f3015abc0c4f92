package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/mmeshcher/broker-system/internal/model"
)

// AddAccount кладёт учётные данные в инвентарь и возвращает их id.
// Повторная вставка после неудачной покупки получает новый id и новый
// created_at, то есть уходит в конец очереди.
func (r *PostgresRepository) AddAccount(ctx context.Context, acc model.Account) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO accounts (platform, email, username, password, price, added_by)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id`,
		acc.Platform, acc.Email, acc.Username, acc.Password, acc.Price, acc.AddedBy,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert account: %w", err)
	}
	return id, nil
}

// PeekAccount возвращает первую в очереди запись платформы, не изымая её.
func (r *PostgresRepository) PeekAccount(ctx context.Context, platform string) (*model.Account, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, platform, email, username, password, price, added_by, created_at
		 FROM accounts
		 WHERE platform = $1
		 ORDER BY id ASC
		 LIMIT 1`,
		platform,
	)

	acc, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoAccounts
		}
		return nil, fmt.Errorf("peek account: %w", err)
	}
	return acc, nil
}

// PopAccount атомарно изымает первую в очереди запись платформы.
// Блокировка строки не даёт двум покупателям получить одну и ту же запись.
func (r *PostgresRepository) PopAccount(ctx context.Context, platform string) (*model.Account, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx,
		`SELECT id, platform, email, username, password, price, added_by, created_at
		 FROM accounts
		 WHERE platform = $1
		 ORDER BY id ASC
		 LIMIT 1
		 FOR UPDATE`,
		platform,
	)

	acc, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoAccounts
		}
		return nil, fmt.Errorf("pop account: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM accounts WHERE id = $1`, acc.ID); err != nil {
		return nil, fmt.Errorf("delete account: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	return acc, nil
}

func scanAccount(row pgx.Row) (*model.Account, error) {
	var acc model.Account
	err := row.Scan(
		&acc.ID, &acc.Platform, &acc.Email, &acc.Username,
		&acc.Password, &acc.Price, &acc.AddedBy, &acc.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &acc, nil
}

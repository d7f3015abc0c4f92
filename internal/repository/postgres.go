// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mmeshcher/broker-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrInsufficientBalance возвращается при попытке списания суммы, превышающей баланс.
var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrNotFound возвращается, если запрошенная сущность не найдена.
	ErrNotFound = errors.New("not found")
	// ErrNoAccounts возвращается при покупке с пустого инвентаря аккаунтов.
	ErrNoAccounts = errors.New("no accounts in stock")
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// withRetry повторяет fn при сбоях сериализации и дедлоках. Конкурирующие
// транзакции acceptOrder/transfer при нагрузке попадают на эти ошибки.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{100 * time.Millisecond, 500 * time.Millisecond, 1 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

		if isConnectionError(err) {
			if i < len(delays) {
				time.Sleep(delays[i])
				continue
			}
		}

		break
	}
	return err
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// RegisterUser создаёт или обновляет профиль пользователя и гарантирует
// существование строки баланса. Администратор получает безлимитный баланс.
func (r *PostgresRepository) RegisterUser(ctx context.Context, u model.User) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO users (user_id, username, first_name, last_name, is_admin)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (user_id) DO UPDATE SET
		     username = EXCLUDED.username,
		     first_name = EXCLUDED.first_name,
		     last_name = EXCLUDED.last_name,
		     last_seen = now()`,
		u.UserID, u.Username, u.FirstName, u.LastName, u.IsAdmin,
	)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}

	initial := 0.0
	if u.IsAdmin {
		initial = model.UnlimitedBalance
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO balance (user_id, balance) VALUES ($1, $2)
		 ON CONFLICT (user_id) DO NOTHING`,
		u.UserID, initial,
	)
	if err != nil {
		return fmt.Errorf("ensure balance row: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

// GetBalance возвращает баланс пользователя; для незарегистрированных — 0.
func (r *PostgresRepository) GetBalance(ctx context.Context, userID int64) (float64, error) {
	var balance float64
	err := r.pool.QueryRow(ctx,
		`SELECT balance FROM balance WHERE user_id = $1`,
		userID,
	).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return balance, nil
}

// SetBalance выставляет баланс пользователя, создавая строку при необходимости.
func (r *PostgresRepository) SetBalance(ctx context.Context, userID int64, value float64) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO balance (user_id, balance) VALUES ($1, $2)
		 ON CONFLICT (user_id) DO UPDATE SET balance = EXCLUDED.balance`,
		userID, value,
	)
	if err != nil {
		return fmt.Errorf("set balance: %w", err)
	}
	return nil
}

// Debit атомарно списывает amount с баланса пользователя. Проверка
// достаточности и само списание идут в одной транзакции под блокировкой
// строки, поэтому конкурирующие списания не могут увести баланс в минус.
// Баланс-сентинел -1 не проверяется и не уменьшается: возвращается
// (false, nil). При нехватке средств — ErrInsufficientBalance.
func (r *PostgresRepository) Debit(ctx context.Context, userID int64, amount float64) (bool, error) {
	var charged bool
	err := r.withRetry(ctx, func() error {
		var err error
		charged, err = r.debitOnce(ctx, userID, amount)
		return err
	})
	return charged, err
}

func (r *PostgresRepository) debitOnce(ctx context.Context, userID int64, amount float64) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO balance (user_id, balance) VALUES ($1, 0)
		 ON CONFLICT (user_id) DO NOTHING`,
		userID,
	)
	if err != nil {
		return false, fmt.Errorf("ensure balance row: %w", err)
	}

	var balance float64
	err = tx.QueryRow(ctx,
		`SELECT balance FROM balance WHERE user_id = $1 FOR UPDATE`,
		userID,
	).Scan(&balance)
	if err != nil {
		return false, fmt.Errorf("lock balance row: %w", err)
	}

	if balance == model.UnlimitedBalance {
		return false, nil
	}
	if balance < amount {
		return false, ErrInsufficientBalance
	}

	_, err = tx.Exec(ctx,
		`UPDATE balance SET balance = balance - $1 WHERE user_id = $2`,
		amount, userID,
	)
	if err != nil {
		return false, fmt.Errorf("debit balance: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit tx: %w", err)
	}

	return true, nil
}

// Transfer переводит amount баллов от отправителя получателю в одной
// транзакции. Баланс-сентинел -1 не проверяется на достаточность и не
// уменьшается. Строки обоих счетов блокируются в порядке возрастания
// user_id, чтобы встречные переводы не взаимоблокировались.
func (r *PostgresRepository) Transfer(ctx context.Context, senderID, recipientID int64, amount float64) error {
	return r.withRetry(ctx, func() error {
		return r.transferOnce(ctx, senderID, recipientID, amount)
	})
}

func (r *PostgresRepository) transferOnce(ctx context.Context, senderID, recipientID int64, amount float64) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, id := range []int64{senderID, recipientID} {
		_, err = tx.Exec(ctx,
			`INSERT INTO balance (user_id, balance) VALUES ($1, 0)
			 ON CONFLICT (user_id) DO NOTHING`,
			id,
		)
		if err != nil {
			return fmt.Errorf("ensure balance row: %w", err)
		}
	}

	first, second := senderID, recipientID
	if second < first {
		first, second = second, first
	}

	balances := make(map[int64]float64, 2)
	for _, id := range []int64{first, second} {
		var b float64
		err = tx.QueryRow(ctx,
			`SELECT balance FROM balance WHERE user_id = $1 FOR UPDATE`,
			id,
		).Scan(&b)
		if err != nil {
			return fmt.Errorf("lock balance row: %w", err)
		}
		balances[id] = b
	}

	senderBalance := balances[senderID]
	if senderBalance != model.UnlimitedBalance && senderBalance < amount {
		return ErrInsufficientBalance
	}

	if senderBalance != model.UnlimitedBalance {
		_, err = tx.Exec(ctx,
			`UPDATE balance SET balance = balance - $1 WHERE user_id = $2`,
			amount, senderID,
		)
		if err != nil {
			return fmt.Errorf("debit sender: %w", err)
		}
	}

	_, err = tx.Exec(ctx,
		`UPDATE balance SET balance = balance + $1 WHERE user_id = $2`,
		amount, recipientID,
	)
	if err != nil {
		return fmt.Errorf("credit recipient: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

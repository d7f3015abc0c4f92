package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mmeshcher/broker-system/internal/model"
)

// UpsertDriverRequest создаёт или возвращает в состояние pending заявку
// пользователя на вступление в водители.
func (r *PostgresRepository) UpsertDriverRequest(ctx context.Context, userID int64, note string) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO driver_requests (user_id, note, status)
		 VALUES ($1, $2, 'pending')
		 ON CONFLICT (user_id) DO UPDATE SET
		     note = EXCLUDED.note,
		     status = 'pending',
		     created_at = now()`,
		userID, note,
	)
	if err != nil {
		return fmt.Errorf("upsert driver request: %w", err)
	}
	return nil
}

// ListDriverRequests возвращает заявки в указанном статусе, новые первыми.
func (r *PostgresRepository) ListDriverRequests(ctx context.Context, status model.RequestStatus) ([]model.DriverRequest, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT user_id, note, status, created_at
		 FROM driver_requests
		 WHERE status = $1
		 ORDER BY created_at DESC`,
		string(status),
	)
	if err != nil {
		return nil, fmt.Errorf("select driver requests: %w", err)
	}
	defer rows.Close()

	var res []model.DriverRequest
	for rows.Next() {
		var req model.DriverRequest
		var st string
		if err := rows.Scan(&req.UserID, &req.Note, &st, &req.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan driver request: %w", err)
		}
		req.Status = model.RequestStatus(st)
		res = append(res, req)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// ApproveDriver помечает заявку одобренной и активирует водителя.
func (r *PostgresRepository) ApproveDriver(ctx context.Context, userID int64) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`UPDATE driver_requests SET status = 'approved' WHERE user_id = $1`,
		userID,
	)
	if err != nil {
		return fmt.Errorf("update driver request: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO drivers (user_id, status, busy) VALUES ($1, 'active', FALSE)
		 ON CONFLICT (user_id) DO UPDATE SET status = 'active', busy = FALSE`,
		userID,
	)
	if err != nil {
		return fmt.Errorf("upsert driver: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

// RejectDriver помечает заявку отклонённой.
func (r *PostgresRepository) RejectDriver(ctx context.Context, userID int64) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE driver_requests SET status = 'rejected' WHERE user_id = $1`,
		userID,
	)
	if err != nil {
		return fmt.Errorf("reject driver: %w", err)
	}
	return nil
}

// BlockDriver блокирует водителя, создавая запись при необходимости.
func (r *PostgresRepository) BlockDriver(ctx context.Context, userID int64) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO drivers (user_id, status) VALUES ($1, 'blocked')
		 ON CONFLICT (user_id) DO UPDATE SET status = 'blocked'`,
		userID,
	)
	if err != nil {
		return fmt.Errorf("block driver: %w", err)
	}
	return nil
}

// GetDriver возвращает водителя по идентификатору пользователя.
func (r *PostgresRepository) GetDriver(ctx context.Context, userID int64) (*model.Driver, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT user_id, status, busy, created_at FROM drivers WHERE user_id = $1`,
		userID,
	)

	var d model.Driver
	var st string
	err := row.Scan(&d.UserID, &st, &d.Busy, &d.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get driver: %w", err)
	}
	d.Status = model.DriverStatus(st)

	return &d, nil
}

// ListDrivers возвращает водителей в указанном статусе, новые первыми.
func (r *PostgresRepository) ListDrivers(ctx context.Context, status model.DriverStatus) ([]model.Driver, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT user_id, status, busy, created_at
		 FROM drivers
		 WHERE status = $1
		 ORDER BY created_at DESC`,
		string(status),
	)
	if err != nil {
		return nil, fmt.Errorf("select drivers: %w", err)
	}
	defer rows.Close()

	var res []model.Driver
	for rows.Next() {
		var d model.Driver
		var st string
		if err := rows.Scan(&d.UserID, &st, &d.Busy, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan driver: %w", err)
		}
		d.Status = model.DriverStatus(st)
		res = append(res, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// AddStore создаёт магазин в статусе pending и возвращает его id.
func (r *PostgresRepository) AddStore(ctx context.Context, storeType model.StoreType, name string, ownerDriverID int64) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO stores (type, name, owner_driver_id, status)
		 VALUES ($1, $2, $3, 'pending')
		 RETURNING id`,
		string(storeType), name, ownerDriverID,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert store: %w", err)
	}
	return id, nil
}

// GetStore возвращает магазин по id.
func (r *PostgresRepository) GetStore(ctx context.Context, storeID int64) (*model.Store, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, type, name, owner_driver_id, status, created_at FROM stores WHERE id = $1`,
		storeID,
	)

	s, err := scanStore(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get store: %w", err)
	}
	return s, nil
}

// ListStores возвращает магазины указанного типа и статуса, новые первыми.
func (r *PostgresRepository) ListStores(ctx context.Context, storeType model.StoreType, status model.StoreStatus) ([]model.Store, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, type, name, owner_driver_id, status, created_at
		 FROM stores
		 WHERE type = $1 AND status = $2
		 ORDER BY created_at DESC`,
		string(storeType), string(status),
	)
	if err != nil {
		return nil, fmt.Errorf("select stores: %w", err)
	}
	defer rows.Close()

	return collectStores(rows)
}

// ListDriverStores возвращает магазины водителя; storeType "" — любого типа.
func (r *PostgresRepository) ListDriverStores(ctx context.Context, ownerDriverID int64, storeType model.StoreType) ([]model.Store, error) {
	query := `SELECT id, type, name, owner_driver_id, status, created_at
	          FROM stores
	          WHERE owner_driver_id = $1
	          ORDER BY created_at DESC`
	args := []any{ownerDriverID}

	if storeType != "" {
		query = `SELECT id, type, name, owner_driver_id, status, created_at
		         FROM stores
		         WHERE owner_driver_id = $1 AND type = $2
		         ORDER BY created_at DESC`
		args = append(args, string(storeType))
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select driver stores: %w", err)
	}
	defer rows.Close()

	return collectStores(rows)
}

// ListPendingStores возвращает магазины, ожидающие модерации.
func (r *PostgresRepository) ListPendingStores(ctx context.Context, limit int) ([]model.Store, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, type, name, owner_driver_id, status, created_at
		 FROM stores
		 WHERE status = 'pending'
		 ORDER BY created_at ASC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select pending stores: %w", err)
	}
	defer rows.Close()

	return collectStores(rows)
}

// SetStoreStatus переводит магазин в указанный статус модерации.
func (r *PostgresRepository) SetStoreStatus(ctx context.Context, storeID int64, status model.StoreStatus) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE stores SET status = $2 WHERE id = $1`,
		storeID, string(status),
	)
	if err != nil {
		return fmt.Errorf("update store status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanStore(row pgx.Row) (*model.Store, error) {
	var s model.Store
	var st, status string
	err := row.Scan(&s.ID, &st, &s.Name, &s.OwnerDriverID, &status, &s.CreatedAt)
	if err != nil {
		return nil, err
	}
	s.Type = model.StoreType(st)
	s.Status = model.StoreStatus(status)
	return &s, nil
}

func collectStores(rows pgx.Rows) ([]model.Store, error) {
	var res []model.Store
	for rows.Next() {
		s, err := scanStore(rows)
		if err != nil {
			return nil, fmt.Errorf("scan store: %w", err)
		}
		res = append(res, *s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// AddProduct создаёт товар и возвращает его id.
func (r *PostgresRepository) AddProduct(ctx context.Context, p model.Product) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO products (store_id, added_by, name, real_price, final_price, is_active)
		 VALUES ($1, $2, $3, $4, $5, TRUE)
		 RETURNING id`,
		p.StoreID, p.AddedBy, p.Name, p.RealPrice, p.FinalPrice,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert product: %w", err)
	}
	return id, nil
}

// GetProduct возвращает товар по id.
func (r *PostgresRepository) GetProduct(ctx context.Context, productID int64) (*model.Product, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, store_id, added_by, name, real_price, final_price, is_active, created_at
		 FROM products WHERE id = $1`,
		productID,
	)

	var p model.Product
	err := row.Scan(&p.ID, &p.StoreID, &p.AddedBy, &p.Name, &p.RealPrice, &p.FinalPrice, &p.IsActive, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get product: %w", err)
	}

	return &p, nil
}

// ListProducts возвращает товары магазина; onlyActive отфильтровывает снятые.
func (r *PostgresRepository) ListProducts(ctx context.Context, storeID int64, onlyActive bool) ([]model.Product, error) {
	query := `SELECT id, store_id, added_by, name, real_price, final_price, is_active, created_at
	          FROM products
	          WHERE store_id = $1
	          ORDER BY id ASC`
	if onlyActive {
		query = `SELECT id, store_id, added_by, name, real_price, final_price, is_active, created_at
		         FROM products
		         WHERE store_id = $1 AND is_active
		         ORDER BY id ASC`
	}

	rows, err := r.pool.Query(ctx, query, storeID)
	if err != nil {
		return nil, fmt.Errorf("select products: %w", err)
	}
	defer rows.Close()

	var res []model.Product
	for rows.Next() {
		var p model.Product
		if err := rows.Scan(&p.ID, &p.StoreID, &p.AddedBy, &p.Name, &p.RealPrice, &p.FinalPrice, &p.IsActive, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		res = append(res, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// DeactivateProduct снимает товар с продажи.
func (r *PostgresRepository) DeactivateProduct(ctx context.Context, productID int64) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE products SET is_active = FALSE WHERE id = $1`,
		productID,
	)
	if err != nil {
		return fmt.Errorf("deactivate product: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateOrder создаёт заказ в статусе pending со снимками цен и возвращает его id.
func (r *PostgresRepository) CreateOrder(ctx context.Context, o model.Order) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO orders (user_id, store_id, product_id, qty, address, real_price, final_price, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending')
		 RETURNING id`,
		o.UserID, o.StoreID, o.ProductID, o.Qty, o.Address, o.RealPrice, o.FinalPrice,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert order: %w", err)
	}
	return id, nil
}

const orderColumns = `id, user_id, store_id, product_id, qty, address, real_price, final_price,
	status, driver_id, created_at, accepted_at, delivered_at, delivered_confirmed,
	profit_total, bot_cut, driver_cut, bot_cut_rate`

// GetOrder возвращает заказ по id.
func (r *PostgresRepository) GetOrder(ctx context.Context, orderID int64) (*model.Order, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1`,
		orderID,
	)

	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}
	return o, nil
}

// ListPendingOrders возвращает свободные заказы, старые первыми.
func (r *PostgresRepository) ListPendingOrders(ctx context.Context, limit int) ([]model.Order, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+orderColumns+`
		 FROM orders
		 WHERE status = 'pending'
		 ORDER BY created_at ASC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select pending orders: %w", err)
	}
	defer rows.Close()

	return collectOrders(rows)
}

// ListUserOrders возвращает заказы пользователя, новые первыми.
func (r *PostgresRepository) ListUserOrders(ctx context.Context, userID int64, limit int) ([]model.Order, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+orderColumns+`
		 FROM orders
		 WHERE user_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select user orders: %w", err)
	}
	defer rows.Close()

	return collectOrders(rows)
}

// AcceptOrder пытается закрепить заказ за водителем. Успех требует: водитель
// активен и свободен, заказ в статусе pending. Проверки и записи идут в одной
// транзакции под блокировками строк водителя и заказа, поэтому из двух
// конкурирующих вызовов выигрывает ровно один; проигравший получает false.
func (r *PostgresRepository) AcceptOrder(ctx context.Context, orderID, driverID int64) (bool, error) {
	var accepted bool
	err := r.withRetry(ctx, func() error {
		var err error
		accepted, err = r.acceptOrderOnce(ctx, orderID, driverID)
		return err
	})
	return accepted, err
}

func (r *PostgresRepository) acceptOrderOnce(ctx context.Context, orderID, driverID int64) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Сначала строка водителя, затем строка заказа: одинаковый порядок
	// блокировок во всех транзакциях исключает дедлок.
	var driverStatus string
	var busy bool
	err = tx.QueryRow(ctx,
		`SELECT status, busy FROM drivers WHERE user_id = $1 FOR UPDATE`,
		driverID,
	).Scan(&driverStatus, &busy)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("lock driver row: %w", err)
	}

	if driverStatus != string(model.DriverStatusActive) || busy {
		return false, nil
	}

	var orderStatus string
	err = tx.QueryRow(ctx,
		`SELECT status FROM orders WHERE id = $1 FOR UPDATE`,
		orderID,
	).Scan(&orderStatus)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("lock order row: %w", err)
	}

	if orderStatus != string(model.OrderStatusPending) {
		return false, nil
	}

	_, err = tx.Exec(ctx,
		`UPDATE orders SET status = 'accepted', driver_id = $2, accepted_at = now() WHERE id = $1`,
		orderID, driverID,
	)
	if err != nil {
		return false, fmt.Errorf("accept order: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE drivers SET busy = TRUE WHERE user_id = $1`,
		driverID,
	)
	if err != nil {
		return false, fmt.Errorf("mark driver busy: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit tx: %w", err)
	}

	return true, nil
}

// ConfirmDelivered подтверждает доставку от имени заказчика. Успех требует,
// что заказ принадлежит userID и находится в статусе accepted. Расчёт
// (прибыль и её раздел между ботом и водителем) записывается один раз;
// повторный вызов видит статус delivered и возвращает false без изменений.
func (r *PostgresRepository) ConfirmDelivered(ctx context.Context, orderID, userID int64, botCutRate float64) (bool, error) {
	var confirmed bool
	err := r.withRetry(ctx, func() error {
		var err error
		confirmed, err = r.confirmDeliveredOnce(ctx, orderID, userID, botCutRate)
		return err
	})
	return confirmed, err
}

func (r *PostgresRepository) confirmDeliveredOnce(ctx context.Context, orderID, userID int64, botCutRate float64) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		ownerID    int64
		status     string
		qty        int
		realPrice  float64
		finalPrice float64
		driverID   *int64
	)
	err = tx.QueryRow(ctx,
		`SELECT user_id, status, qty, real_price, final_price, driver_id
		 FROM orders WHERE id = $1 FOR UPDATE`,
		orderID,
	).Scan(&ownerID, &status, &qty, &realPrice, &finalPrice, &driverID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("lock order row: %w", err)
	}

	if ownerID != userID || status != string(model.OrderStatusAccepted) {
		return false, nil
	}

	profit := (finalPrice - realPrice) * float64(qty)
	if profit < 0 {
		profit = 0
	}
	botCut := profit * botCutRate
	driverCut := profit - botCut

	_, err = tx.Exec(ctx,
		`UPDATE orders
		 SET status = 'delivered',
		     delivered_at = now(),
		     delivered_confirmed = TRUE,
		     profit_total = $2,
		     bot_cut = $3,
		     driver_cut = $4,
		     bot_cut_rate = $5
		 WHERE id = $1`,
		orderID, profit, botCut, driverCut, botCutRate,
	)
	if err != nil {
		return false, fmt.Errorf("settle order: %w", err)
	}

	if driverID != nil {
		_, err = tx.Exec(ctx,
			`UPDATE drivers SET busy = FALSE WHERE user_id = $1`,
			*driverID,
		)
		if err != nil {
			return false, fmt.Errorf("release driver: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit tx: %w", err)
	}

	return true, nil
}

// WeeklyReport агрегирует подтверждённые доставки с delivered_at в [start, end)
// по водителям.
func (r *PostgresRepository) WeeklyReport(ctx context.Context, start, end time.Time) ([]model.DriverReportRow, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT
		     driver_id,
		     COUNT(*) AS orders_count,
		     COALESCE(SUM(qty * final_price), 0) AS gross_total,
		     COALESCE(SUM(qty * real_price), 0) AS real_total,
		     COALESCE(SUM(profit_total), 0) AS profit_total,
		     COALESCE(SUM(bot_cut), 0) AS bot_cut_total,
		     COALESCE(SUM(driver_cut), 0) AS driver_cut_total
		 FROM orders
		 WHERE delivered_confirmed
		   AND delivered_at >= $1
		   AND delivered_at < $2
		   AND driver_id IS NOT NULL
		 GROUP BY driver_id
		 ORDER BY profit_total DESC`,
		start, end,
	)
	if err != nil {
		return nil, fmt.Errorf("select weekly report: %w", err)
	}
	defer rows.Close()

	var res []model.DriverReportRow
	for rows.Next() {
		var row model.DriverReportRow
		if err := rows.Scan(
			&row.DriverID, &row.OrdersCount, &row.GrossTotal, &row.RealTotal,
			&row.ProfitTotal, &row.BotCutTotal, &row.DriverCutTotal,
		); err != nil {
			return nil, fmt.Errorf("scan report row: %w", err)
		}
		res = append(res, row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

func scanOrder(row pgx.Row) (*model.Order, error) {
	var o model.Order
	var status string
	err := row.Scan(
		&o.ID, &o.UserID, &o.StoreID, &o.ProductID, &o.Qty, &o.Address,
		&o.RealPrice, &o.FinalPrice, &status, &o.DriverID,
		&o.CreatedAt, &o.AcceptedAt, &o.DeliveredAt, &o.DeliveredConfirmed,
		&o.ProfitTotal, &o.BotCut, &o.DriverCut, &o.BotCutRate,
	)
	if err != nil {
		return nil, err
	}
	o.Status = model.OrderStatus(status)
	return &o, nil
}

func collectOrders(rows pgx.Rows) ([]model.Order, error) {
	var res []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		res = append(res, *o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

package repository

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/broker-system/internal/model"
)

// newTestRepository подключается к БД из TEST_DATABASE_URI. Без переменной
// окружения тесты пропускаются: для них нужен живой PostgreSQL.
func newTestRepository(t *testing.T) *PostgresRepository {
	t.Helper()

	dsn := os.Getenv("TEST_DATABASE_URI")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URI is not set")
	}

	repo, err := NewPostgresRepository(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	return repo
}

var idSeq atomic.Int64

// uniqueID выдаёт идентификаторы, не пересекающиеся ни внутри запуска,
// ни между запусками: тесты не чистят таблицы за собой.
func uniqueID() int64 {
	return time.Now().UnixNano() + idSeq.Add(1)
}

func newTestDriver(t *testing.T, repo *PostgresRepository, ctx context.Context) int64 {
	t.Helper()

	driverID := uniqueID()
	require.NoError(t, repo.UpsertDriverRequest(ctx, driverID, "test driver"))
	require.NoError(t, repo.ApproveDriver(ctx, driverID))
	return driverID
}

func newTestOrder(t *testing.T, repo *PostgresRepository, ctx context.Context, ownerDriverID int64) (orderID, customerID int64) {
	t.Helper()

	customerID = uniqueID()

	storeID, err := repo.AddStore(ctx, model.StoreTypeRestaurant, "test store", ownerDriverID)
	require.NoError(t, err)
	require.NoError(t, repo.SetStoreStatus(ctx, storeID, model.StoreStatusActive))

	productID, err := repo.AddProduct(ctx, model.Product{
		StoreID:    storeID,
		AddedBy:    ownerDriverID,
		Name:       "test product",
		RealPrice:  80,
		FinalPrice: 100,
	})
	require.NoError(t, err)

	orderID, err = repo.CreateOrder(ctx, model.Order{
		UserID:     customerID,
		StoreID:    storeID,
		ProductID:  productID,
		Qty:        2,
		Address:    "test street 1",
		RealPrice:  80,
		FinalPrice: 100,
	})
	require.NoError(t, err)

	return orderID, customerID
}

func TestAcceptOrderSingleWinner(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	first := newTestDriver(t, repo, ctx)
	second := newTestDriver(t, repo, ctx)
	orderID, _ := newTestOrder(t, repo, ctx, first)

	results := make([]bool, 2)
	errs := make([]error, 2)

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i, driverID := range []int64{first, second} {
		wg.Add(1)
		go func(i int, driverID int64) {
			defer wg.Done()
			<-start
			results[i], errs[i] = repo.AcceptOrder(ctx, orderID, driverID)
		}(i, driverID)
	}
	close(start)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.NotEqual(t, results[0], results[1], "exactly one driver must win the order")

	order, err := repo.GetOrder(ctx, orderID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusAccepted, order.Status)
	require.NotNil(t, order.DriverID)

	winner, loser := first, second
	if results[1] {
		winner, loser = second, first
	}
	assert.Equal(t, winner, *order.DriverID)

	winnerDriver, err := repo.GetDriver(ctx, winner)
	require.NoError(t, err)
	assert.True(t, winnerDriver.Busy)

	loserDriver, err := repo.GetDriver(ctx, loser)
	require.NoError(t, err)
	assert.False(t, loserDriver.Busy)
}

func TestAcceptOrderBusyDriver(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	driverID := newTestDriver(t, repo, ctx)
	firstOrder, _ := newTestOrder(t, repo, ctx, driverID)
	secondOrder, _ := newTestOrder(t, repo, ctx, driverID)

	accepted, err := repo.AcceptOrder(ctx, firstOrder, driverID)
	require.NoError(t, err)
	require.True(t, accepted)

	// Один активный заказ на водителя: второй принять нельзя.
	accepted, err = repo.AcceptOrder(ctx, secondOrder, driverID)
	require.NoError(t, err)
	assert.False(t, accepted)
}

func TestConfirmDeliveredReplay(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	driverID := newTestDriver(t, repo, ctx)
	orderID, customerID := newTestOrder(t, repo, ctx, driverID)

	accepted, err := repo.AcceptOrder(ctx, orderID, driverID)
	require.NoError(t, err)
	require.True(t, accepted)

	confirmed, err := repo.ConfirmDelivered(ctx, orderID, customerID, 0.10)
	require.NoError(t, err)
	require.True(t, confirmed)

	order, err := repo.GetOrder(ctx, orderID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusDelivered, order.Status)
	assert.True(t, order.DeliveredConfirmed)
	assert.InDelta(t, 40.0, order.ProfitTotal, 1e-9)
	assert.InDelta(t, 4.0, order.BotCut, 1e-9)
	assert.InDelta(t, 36.0, order.DriverCut, 1e-9)

	driver, err := repo.GetDriver(ctx, driverID)
	require.NoError(t, err)
	assert.False(t, driver.Busy, "delivery must release the driver")

	// Повторное подтверждение ничего не перезаписывает.
	confirmed, err = repo.ConfirmDelivered(ctx, orderID, customerID, 0.50)
	require.NoError(t, err)
	assert.False(t, confirmed)

	again, err := repo.GetOrder(ctx, orderID)
	require.NoError(t, err)
	assert.InDelta(t, 4.0, again.BotCut, 1e-9)
}

func TestDebitConcurrent(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	userID := uniqueID()
	require.NoError(t, repo.SetBalance(ctx, userID, 5))

	charged := make([]bool, 2)
	errs := make([]error, 2)

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			charged[i], errs[i] = repo.Debit(ctx, userID, 4)
		}(i)
	}
	close(start)
	wg.Wait()

	// Двум списаниям по 4 из 5 баллов не хватает: проходит ровно одно,
	// баланс не уходит в минус.
	var okCount int
	for i := 0; i < 2; i++ {
		if errs[i] == nil {
			require.True(t, charged[i])
			okCount++
		} else {
			assert.ErrorIs(t, errs[i], ErrInsufficientBalance)
		}
	}
	assert.Equal(t, 1, okCount)

	balance, err := repo.GetBalance(ctx, userID)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, balance, 1e-9)
}

func TestDebitSentinelUntouched(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	userID := uniqueID()
	require.NoError(t, repo.SetBalance(ctx, userID, model.UnlimitedBalance))

	charged, err := repo.Debit(ctx, userID, 1000)
	require.NoError(t, err)
	assert.False(t, charged)

	balance, err := repo.GetBalance(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, model.UnlimitedBalance, balance)
}

// Package model содержит доменные сущности сервиса брокера.
package model

import "time"

// UnlimitedBalance — значение-сентинел «безлимитный баланс» для администраторов.
// Такой баланс не проверяется на достаточность и никогда не уменьшается.
const UnlimitedBalance float64 = -1

// User представляет зарегистрированного пользователя сервиса.
type User struct {
	UserID    int64
	Username  string
	FirstName string
	LastName  string
	IsAdmin   bool
	JoinedAt  time.Time
	LastSeen  time.Time
}

// Balance содержит баланс пользователя в баллах.
type Balance struct {
	UserID  int64
	Balance float64
}

// Unlimited сообщает, является ли баланс безлимитным.
func (b Balance) Unlimited() bool {
	return b.Balance == UnlimitedBalance
}

// Account представляет учётные данные стороннего сервиса в инвентаре на продажу.
// Записи выдаются покупателям в порядке поступления (FIFO по id).
type Account struct {
	ID        int64
	Platform  string
	Email     string
	Username  string
	Password  string
	Price     float64
	AddedBy   int64
	CreatedAt time.Time
}

// DriverStatus описывает статус водителя.
type DriverStatus string

const (
	DriverStatusActive  DriverStatus = "active"
	DriverStatusBlocked DriverStatus = "blocked"
)

// Driver описывает водителя службы доставки.
// Busy равен true ровно тогда, когда водитель держит один принятый,
// но ещё не доставленный заказ.
type Driver struct {
	UserID    int64
	Status    DriverStatus
	Busy      bool
	CreatedAt time.Time
}

// RequestStatus описывает статус заявки на вступление в водители.
type RequestStatus string

const (
	RequestStatusPending  RequestStatus = "pending"
	RequestStatusApproved RequestStatus = "approved"
	RequestStatusRejected RequestStatus = "rejected"
)

// DriverRequest описывает заявку пользователя на вступление в водители.
type DriverRequest struct {
	UserID    int64
	Note      string
	Status    RequestStatus
	CreatedAt time.Time
}

// StoreType описывает тип магазина.
type StoreType string

const (
	StoreTypeRestaurant StoreType = "restaurant"
	StoreTypeMall       StoreType = "mall"
)

// StoreStatus описывает статус модерации магазина.
type StoreStatus string

const (
	StoreStatusPending StoreStatus = "pending"
	StoreStatusActive  StoreStatus = "active"
	StoreStatusBlocked StoreStatus = "blocked"
)

// Store описывает магазин, созданный водителем и модерируемый администратором.
type Store struct {
	ID            int64
	Type          StoreType
	Name          string
	OwnerDriverID int64
	Status        StoreStatus
	CreatedAt     time.Time
}

// Product описывает товар магазина. FinalPrice не может быть меньше RealPrice.
type Product struct {
	ID         int64
	StoreID    int64
	AddedBy    int64
	Name       string
	RealPrice  float64
	FinalPrice float64
	IsActive   bool
	CreatedAt  time.Time
}

// OrderStatus описывает статус заказа доставки.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusAccepted  OrderStatus = "accepted"
	OrderStatusDelivered OrderStatus = "delivered"
)

// Order описывает заказ доставки. RealPrice и FinalPrice — снимки цен товара
// на момент создания заказа; поздние правки товара на заказ не влияют.
// Поля расчёта (ProfitTotal, BotCut, DriverCut, BotCutRate) заполняются
// ровно один раз при подтверждении доставки.
type Order struct {
	ID                 int64
	UserID             int64
	StoreID            int64
	ProductID          int64
	Qty                int
	Address            string
	RealPrice          float64
	FinalPrice         float64
	Status             OrderStatus
	DriverID           *int64
	CreatedAt          time.Time
	AcceptedAt         *time.Time
	DeliveredAt        *time.Time
	DeliveredConfirmed bool
	ProfitTotal        float64
	BotCut             float64
	DriverCut          float64
	BotCutRate         float64
}

// DriverReportRow — строка недельного отчёта по одному водителю.
type DriverReportRow struct {
	DriverID       int64
	OrdersCount    int
	GrossTotal     float64
	RealTotal      float64
	ProfitTotal    float64
	BotCutTotal    float64
	DriverCutTotal float64
}

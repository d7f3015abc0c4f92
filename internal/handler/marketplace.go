package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/broker-system/internal/model"
	"github.com/mmeshcher/broker-system/internal/service"
)

type driverJoinRequest struct {
	Note string `json:"note"`
}

// RequestDriverJoin подаёт заявку текущего пользователя на вступление в водители.
func (h *Handler) RequestDriverJoin(w http.ResponseWriter, r *http.Request) {
	id, ok := userID(w, r)
	if !ok {
		return
	}

	var req driverJoinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.RequestDriverJoin(r.Context(), id, req.Note); err != nil {
		h.serviceError(w, err, "driver join error", zap.Int64("userID", id))
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

type driverRequestResponse struct {
	UserID    int64  `json:"user_id"`
	Note      string `json:"note"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

// ListDriverRequests возвращает заявки на вступление в водители.
// Административная операция.
func (h *Handler) ListDriverRequests(w http.ResponseWriter, r *http.Request) {
	status := model.RequestStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = model.RequestStatusPending
	}

	requests, err := h.service.ListDriverRequests(r.Context(), status)
	if err != nil {
		h.serviceError(w, err, "list driver requests error")
		return
	}

	resp := make([]driverRequestResponse, 0, len(requests))
	for _, req := range requests {
		resp = append(resp, driverRequestResponse{
			UserID:    req.UserID,
			Note:      req.Note,
			Status:    string(req.Status),
			CreatedAt: req.CreatedAt.Format(time.RFC3339),
		})
	}
	h.writeJSON(w, resp)
}

// ApproveDriver одобряет заявку водителя. Административная операция.
func (h *Handler) ApproveDriver(w http.ResponseWriter, r *http.Request) {
	driverID, err := pathID(r, "id")
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.ApproveDriver(r.Context(), driverID); err != nil {
		h.serviceError(w, err, "approve driver error", zap.Int64("driverID", driverID))
		return
	}
	w.WriteHeader(http.StatusOK)
}

// RejectDriver отклоняет заявку водителя. Административная операция.
func (h *Handler) RejectDriver(w http.ResponseWriter, r *http.Request) {
	driverID, err := pathID(r, "id")
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.RejectDriver(r.Context(), driverID); err != nil {
		h.serviceError(w, err, "reject driver error", zap.Int64("driverID", driverID))
		return
	}
	w.WriteHeader(http.StatusOK)
}

// BlockDriver блокирует водителя. Административная операция.
func (h *Handler) BlockDriver(w http.ResponseWriter, r *http.Request) {
	driverID, err := pathID(r, "id")
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.BlockDriver(r.Context(), driverID); err != nil {
		h.serviceError(w, err, "block driver error", zap.Int64("driverID", driverID))
		return
	}
	w.WriteHeader(http.StatusOK)
}

type driverResponse struct {
	UserID int64  `json:"user_id"`
	Status string `json:"status"`
	Busy   bool   `json:"busy"`
}

// ListDrivers возвращает водителей в указанном статусе. Административная операция.
func (h *Handler) ListDrivers(w http.ResponseWriter, r *http.Request) {
	status := model.DriverStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = model.DriverStatusActive
	}

	drivers, err := h.service.ListDrivers(r.Context(), status)
	if err != nil {
		h.serviceError(w, err, "list drivers error")
		return
	}

	resp := make([]driverResponse, 0, len(drivers))
	for _, d := range drivers {
		resp = append(resp, driverResponse{UserID: d.UserID, Status: string(d.Status), Busy: d.Busy})
	}
	h.writeJSON(w, resp)
}

type addStoreRequest struct {
	Type model.StoreType `json:"type"`
	Name string          `json:"name"`
}

// AddStore создаёт магазин текущего водителя в статусе pending.
func (h *Handler) AddStore(w http.ResponseWriter, r *http.Request) {
	id, ok := userID(w, r)
	if !ok {
		return
	}

	var req addStoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	storeID, err := h.service.AddStore(r.Context(), id, req.Type, req.Name)
	if err != nil {
		h.serviceError(w, err, "add store error", zap.Int64("userID", id))
		return
	}

	h.writeJSON(w, idResponse{ID: storeID})
}

// ApproveStore активирует магазин. Административная операция.
func (h *Handler) ApproveStore(w http.ResponseWriter, r *http.Request) {
	storeID, err := pathID(r, "id")
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.ApproveStore(r.Context(), storeID); err != nil {
		h.serviceError(w, err, "approve store error", zap.Int64("storeID", storeID))
		return
	}
	w.WriteHeader(http.StatusOK)
}

// BlockStore блокирует магазин. Административная операция.
func (h *Handler) BlockStore(w http.ResponseWriter, r *http.Request) {
	storeID, err := pathID(r, "id")
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.BlockStore(r.Context(), storeID); err != nil {
		h.serviceError(w, err, "block store error", zap.Int64("storeID", storeID))
		return
	}
	w.WriteHeader(http.StatusOK)
}

type storeResponse struct {
	ID     int64  `json:"id"`
	Type   string `json:"type"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

func storeList(stores []model.Store) []storeResponse {
	resp := make([]storeResponse, 0, len(stores))
	for _, s := range stores {
		resp = append(resp, storeResponse{
			ID:     s.ID,
			Type:   string(s.Type),
			Name:   s.Name,
			Status: string(s.Status),
		})
	}
	return resp
}

// ListStores возвращает активные магазины указанного типа.
func (h *Handler) ListStores(w http.ResponseWriter, r *http.Request) {
	storeType := model.StoreType(r.URL.Query().Get("type"))

	stores, err := h.service.ListStores(r.Context(), storeType, model.StoreStatusActive)
	if err != nil {
		h.serviceError(w, err, "list stores error")
		return
	}

	h.writeJSON(w, storeList(stores))
}

// ListDriverStores возвращает магазины текущего водителя.
func (h *Handler) ListDriverStores(w http.ResponseWriter, r *http.Request) {
	id, ok := userID(w, r)
	if !ok {
		return
	}

	stores, err := h.service.ListDriverStores(r.Context(), id, model.StoreType(r.URL.Query().Get("type")))
	if err != nil {
		h.serviceError(w, err, "list driver stores error", zap.Int64("userID", id))
		return
	}

	h.writeJSON(w, storeList(stores))
}

// ListPendingStores возвращает магазины на модерации. Административная операция.
func (h *Handler) ListPendingStores(w http.ResponseWriter, r *http.Request) {
	stores, err := h.service.ListPendingStores(r.Context(), queryLimit(r, 20))
	if err != nil {
		h.serviceError(w, err, "list pending stores error")
		return
	}

	h.writeJSON(w, storeList(stores))
}

type addProductRequest struct {
	StoreID    int64   `json:"store_id"`
	Name       string  `json:"name"`
	RealPrice  float64 `json:"real_price"`
	FinalPrice float64 `json:"final_price"`
}

// AddProduct создаёт товар в магазине текущего водителя.
func (h *Handler) AddProduct(w http.ResponseWriter, r *http.Request) {
	id, ok := userID(w, r)
	if !ok {
		return
	}

	var req addProductRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	productID, err := h.service.AddProduct(r.Context(), id, req.StoreID, req.Name, req.RealPrice, req.FinalPrice)
	if err != nil {
		h.serviceError(w, err, "add product error", zap.Int64("userID", id), zap.Int64("storeID", req.StoreID))
		return
	}

	h.writeJSON(w, idResponse{ID: productID})
}

type productResponse struct {
	ID    int64   `json:"id"`
	Name  string  `json:"name"`
	Price float64 `json:"price"`
}

// ListProducts возвращает активные товары магазина. Покупатель видит только
// итоговую цену.
func (h *Handler) ListProducts(w http.ResponseWriter, r *http.Request) {
	storeID, err := pathID(r, "id")
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	products, err := h.service.ListProducts(r.Context(), storeID)
	if err != nil {
		h.serviceError(w, err, "list products error", zap.Int64("storeID", storeID))
		return
	}

	resp := make([]productResponse, 0, len(products))
	for _, p := range products {
		resp = append(resp, productResponse{ID: p.ID, Name: p.Name, Price: p.FinalPrice})
	}
	h.writeJSON(w, resp)
}

// DeactivateProduct снимает товар текущего водителя с продажи.
func (h *Handler) DeactivateProduct(w http.ResponseWriter, r *http.Request) {
	id, ok := userID(w, r)
	if !ok {
		return
	}

	productID, err := pathID(r, "id")
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.DeactivateProduct(r.Context(), id, productID); err != nil {
		h.serviceError(w, err, "deactivate product error", zap.Int64("userID", id), zap.Int64("productID", productID))
		return
	}

	w.WriteHeader(http.StatusOK)
}

type createOrderRequest struct {
	StoreID   int64  `json:"store_id"`
	ProductID int64  `json:"product_id"`
	Qty       int    `json:"qty"`
	Address   string `json:"address"`
}

// CreateOrder создаёт заказ текущего пользователя с оплатой при получении.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := userID(w, r)
	if !ok {
		return
	}

	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	orderID, err := h.service.CreateOrder(r.Context(), id, req.StoreID, req.ProductID, req.Qty, req.Address)
	if err != nil {
		h.serviceError(w, err, "create order error", zap.Int64("userID", id), zap.Int64("productID", req.ProductID))
		return
	}

	h.writeJSON(w, idResponse{ID: orderID})
}

type orderResponse struct {
	ID          int64   `json:"id"`
	StoreID     int64   `json:"store_id"`
	ProductID   int64   `json:"product_id"`
	Qty         int     `json:"qty"`
	Address     string  `json:"address"`
	Price       float64 `json:"price"`
	Status      string  `json:"status"`
	Confirmed   bool    `json:"confirmed"`
	CreatedAt   string  `json:"created_at"`
	DeliveredAt string  `json:"delivered_at,omitempty"`
}

func orderList(orders []model.Order) []orderResponse {
	resp := make([]orderResponse, 0, len(orders))
	for _, o := range orders {
		item := orderResponse{
			ID:        o.ID,
			StoreID:   o.StoreID,
			ProductID: o.ProductID,
			Qty:       o.Qty,
			Address:   o.Address,
			Price:     o.FinalPrice,
			Status:    string(o.Status),
			Confirmed: o.DeliveredConfirmed,
			CreatedAt: o.CreatedAt.Format(time.RFC3339),
		}
		if o.DeliveredAt != nil {
			item.DeliveredAt = o.DeliveredAt.Format(time.RFC3339)
		}
		resp = append(resp, item)
	}
	return resp
}

// ListUserOrders возвращает заказы текущего пользователя.
func (h *Handler) ListUserOrders(w http.ResponseWriter, r *http.Request) {
	id, ok := userID(w, r)
	if !ok {
		return
	}

	orders, err := h.service.ListUserOrders(r.Context(), id, queryLimit(r, 20))
	if err != nil {
		h.serviceError(w, err, "list user orders error", zap.Int64("userID", id))
		return
	}

	h.writeJSON(w, orderList(orders))
}

// ListPendingOrders возвращает свободные заказы для водителей.
func (h *Handler) ListPendingOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.service.ListPendingOrders(r.Context(), queryLimit(r, 20))
	if err != nil {
		h.serviceError(w, err, "list pending orders error")
		return
	}

	h.writeJSON(w, orderList(orders))
}

// AcceptOrder закрепляет заказ за текущим водителем. Если заказ уже разобран,
// возвращается конфликт.
func (h *Handler) AcceptOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := userID(w, r)
	if !ok {
		return
	}

	orderID, err := pathID(r, "id")
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	accepted, err := h.service.AcceptOrder(r.Context(), orderID, id)
	if err != nil {
		h.serviceError(w, err, "accept order error", zap.Int64("userID", id), zap.Int64("orderID", orderID))
		return
	}

	if !accepted {
		http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// ConfirmDelivered подтверждает доставку заказа его заказчиком.
// Повторное подтверждение возвращает конфликт.
func (h *Handler) ConfirmDelivered(w http.ResponseWriter, r *http.Request) {
	id, ok := userID(w, r)
	if !ok {
		return
	}

	orderID, err := pathID(r, "id")
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	confirmed, err := h.service.ConfirmDelivered(r.Context(), orderID, id)
	if err != nil {
		h.serviceError(w, err, "confirm delivered error", zap.Int64("userID", id), zap.Int64("orderID", orderID))
		return
	}

	if !confirmed {
		http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type reportRowResponse struct {
	DriverID    int64   `json:"driver_id"`
	Orders      int     `json:"orders"`
	GrossTotal  float64 `json:"gross_total"`
	RealTotal   float64 `json:"real_total"`
	ProfitTotal float64 `json:"profit_total"`
	BotCut      float64 `json:"bot_cut"`
	DriverCut   float64 `json:"driver_cut"`
}

// WeeklyReport возвращает агрегаты по водителям за календарную неделю,
// содержащую дату date (по умолчанию текущую). Административная операция.
func (h *Handler) WeeklyReport(w http.ResponseWriter, r *http.Request) {
	at := time.Now()
	if raw := r.URL.Query().Get("date"); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		at = parsed
	}

	start, end := service.WeekRange(at)

	rows, err := h.service.WeeklyReport(r.Context(), start, end)
	if err != nil {
		h.serviceError(w, err, "weekly report error")
		return
	}

	resp := make([]reportRowResponse, 0, len(rows))
	for _, row := range rows {
		resp = append(resp, reportRowResponse{
			DriverID:    row.DriverID,
			Orders:      row.OrdersCount,
			GrossTotal:  row.GrossTotal,
			RealTotal:   row.RealTotal,
			ProfitTotal: row.ProfitTotal,
			BotCut:      row.BotCutTotal,
			DriverCut:   row.DriverCutTotal,
		})
	}
	h.writeJSON(w, resp)
}

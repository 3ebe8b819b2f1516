package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"

	"github.com/xtrntr/spotexchange/internal/auth"
	"github.com/xtrntr/spotexchange/internal/exchange"
	"github.com/xtrntr/spotexchange/internal/logger"
	"github.com/xtrntr/spotexchange/internal/models"
	"github.com/xtrntr/spotexchange/internal/store"
)

var (
	ErrOrderNotFound = errors.New("order not found")
	ErrNotOrderOwner = errors.New("order belongs to another user")
)

// Handler contains dependencies for HTTP handlers
type Handler struct {
	Store       store.Queries
	Exchange    *exchange.Exchange
	AuthService *auth.AuthService
	log         *zap.Logger
}

// NewHandler creates a new handler
func NewHandler(st store.Queries, ex *exchange.Exchange, authService *auth.AuthService, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{Store: st, Exchange: ex, AuthService: authService, log: log}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// fail maps core errors to HTTP. Rejections carry their reason; faults are logged and hidden.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrOrderNotFound):
		writeError(w, http.StatusNotFound, "Order not found")
	case errors.Is(err, ErrNotOrderOwner):
		writeError(w, http.StatusForbidden, "You can only cancel your own orders")
	case exchange.IsRejection(err):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		logger.FromContext(r.Context(), h.log).Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func (h *Handler) symbolCodes(r *http.Request) (map[int]string, error) {
	symbols, err := h.Store.ListSymbols(r.Context())
	if err != nil {
		return nil, err
	}
	codes := make(map[int]string, len(symbols))
	for _, s := range symbols {
		codes[s.ID] = s.Code
	}
	return codes, nil
}

// Register handles user registration
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "Username and password required")
		return
	}

	user, err := h.AuthService.Register(r.Context(), req.Username, req.Password)
	switch {
	case errors.Is(err, auth.ErrUsernameTaken):
		writeError(w, http.StatusConflict, "Username already taken")
		return
	case errors.Is(err, auth.ErrInvalidInput):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	case err != nil:
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":       user.ID,
		"username": user.Username,
	})
}

// Login handles user login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	token, err := h.AuthService.Login(r.Context(), req.Username, req.Password)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		writeError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// ListSymbols returns every tradable symbol
func (h *Handler) ListSymbols(w http.ResponseWriter, r *http.Request) {
	symbols, err := h.Store.ListSymbols(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if symbols == nil {
		symbols = []models.Symbol{}
	}
	writeJSON(w, http.StatusOK, symbols)
}

// Profile returns the caller's balances and holdings
func (h *Handler) Profile(w http.ResponseWriter, r *http.Request) {
	userID, _ := userIDFrom(r.Context())

	user, err := h.Store.GetUser(r.Context(), userID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusUnauthorized, "Unknown user")
		return
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	assets, err := h.Store.GetUserAssets(r.Context(), userID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	codes, err := h.symbolCodes(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, newProfileView(user, assets, codes))
}

// PlaceOrder places a buy or sell limit order; it may fill immediately
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	userID, _ := userIDFrom(r.Context())

	var req placeOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	var (
		order *models.Order
		err   error
	)
	switch models.Side(req.Side) {
	case models.SideBuy:
		order, err = h.Exchange.PlaceBuyOrder(r.Context(), userID, req.SymbolID, req.Price, req.Amount)
	case models.SideSell:
		order, err = h.Exchange.PlaceSellOrder(r.Context(), userID, req.SymbolID, req.Price, req.Amount)
	default:
		writeError(w, http.StatusUnprocessableEntity, "Side must be 'buy' or 'sell'")
		return
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}

	codes, err := h.symbolCodes(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"message": "Order placed",
		"order":   newOrderView(order, codes),
	})
}

// GetUserOrders retrieves a user's orders
func (h *Handler) GetUserOrders(w http.ResponseWriter, r *http.Request) {
	userID, _ := userIDFrom(r.Context())

	orders, err := h.Store.GetUserOrders(r.Context(), userID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	codes, err := h.symbolCodes(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newOrderViews(orders, codes))
}

// GetOrderBook lists open orders split by side, optionally for one symbol
func (h *Handler) GetOrderBook(w http.ResponseWriter, r *http.Request) {
	symbolID := 0
	if raw := r.URL.Query().Get("symbol_id"); raw != "" {
		id, err := strconv.Atoi(raw)
		if err != nil || id <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid symbol_id")
			return
		}
		symbolID = id
	}

	orders, err := h.Store.ListOpenOrders(r.Context(), symbolID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	codes, err := h.symbolCodes(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	buyOrders, sellOrders := []OrderView{}, []OrderView{}
	for i := range orders {
		v := newOrderView(&orders[i], codes)
		if orders[i].IsBuy() {
			buyOrders = append(buyOrders, v)
		} else {
			sellOrders = append(sellOrders, v)
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"buy_orders":  buyOrders,
		"sell_orders": sellOrders,
	})
}

// GetUserTrades retrieves a user's trade history
func (h *Handler) GetUserTrades(w http.ResponseWriter, r *http.Request) {
	userID, _ := userIDFrom(r.Context())

	trades, err := h.Store.GetUserTrades(r.Context(), userID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	codes, err := h.symbolCodes(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	views := make([]TradeView, 0, len(trades))
	for i := range trades {
		views = append(views, newTradeView(&trades[i], userID, codes))
	}
	writeJSON(w, http.StatusOK, views)
}

// CancelOrder cancels one of the caller's open orders
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	userID, _ := userIDFrom(r.Context())

	orderID, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid order ID")
		return
	}

	order, err := h.Store.GetOrder(r.Context(), orderID)
	if errors.Is(err, store.ErrNotFound) {
		h.fail(w, r, ErrOrderNotFound)
		return
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if order.UserID != userID {
		h.fail(w, r, ErrNotOrderOwner)
		return
	}

	cancelled, err := h.Exchange.CancelOrder(r.Context(), order)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	codes, err := h.symbolCodes(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Order cancelled",
		"order":   newOrderView(cancelled, codes),
	})
}

// Package memstore is an in-process implementation of the store contracts.
//
// A single writer mutex is held for the lifetime of each transaction, which
// gives every row the exclusive-lock semantics the exchange expects. Writes are
// staged on the transaction and applied only when fn returns nil.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xtrntr/spotexchange/internal/models"
	"github.com/xtrntr/spotexchange/internal/store"
)

type assetKey struct {
	userID   int
	symbolID int
}

// Store keeps all rows in memory
type Store struct {
	mu sync.Mutex

	users     map[int]models.User
	usernames map[string]int
	symbols   map[int]models.Symbol
	assets    map[assetKey]models.Asset
	orders    map[int]models.Order
	trades    []models.Trade

	lastID      map[string]int
	lastCreated time.Time
	now         func() time.Time
}

var _ store.Backend = (*Store)(nil)

// New creates an empty store
func New() *Store {
	return &Store{
		users:     make(map[int]models.User),
		usernames: make(map[string]int),
		symbols:   make(map[int]models.Symbol),
		assets:    make(map[assetKey]models.Asset),
		orders:    make(map[int]models.Order),
		lastID:    make(map[string]int),
		now:       time.Now,
	}
}

// SetClock replaces the time source used for creation timestamps
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Close is a no-op
func (s *Store) Close(ctx context.Context) error {
	return nil
}

// nextID must be called with s.mu held
func (s *Store) nextID(table string) int {
	s.lastID[table]++
	return s.lastID[table]
}

// tick returns a strictly increasing timestamp. Must be called with s.mu held.
func (s *Store) tick() time.Time {
	t := s.now().UTC()
	if !t.After(s.lastCreated) {
		t = s.lastCreated.Add(time.Microsecond)
	}
	s.lastCreated = t
	return t
}

// WithTx runs fn while holding the store lock and commits its staged writes if it succeeds
func (s *Store) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	t := &tx{
		s:      s,
		users:  make(map[int]models.User),
		assets: make(map[assetKey]models.Asset),
		orders: make(map[int]models.Order),
	}
	if err := fn(t); err != nil {
		return err
	}
	t.commit()
	return nil
}

type tx struct {
	s *Store

	users  map[int]models.User
	assets map[assetKey]models.Asset
	orders map[int]models.Order
	trades []models.Trade
}

func (t *tx) commit() {
	for id, u := range t.users {
		t.s.users[id] = u
	}
	for k, a := range t.assets {
		t.s.assets[k] = a
	}
	for id, o := range t.orders {
		t.s.orders[id] = o
	}
	t.s.trades = append(t.s.trades, t.trades...)
}

func (t *tx) GetSymbol(ctx context.Context, symbolID int) (*models.Symbol, error) {
	sym, ok := t.s.symbols[symbolID]
	if !ok {
		return nil, fmt.Errorf("symbol %d: %w", symbolID, store.ErrNotFound)
	}
	return &sym, nil
}

func (t *tx) LockUser(ctx context.Context, userID int) (*models.User, error) {
	if u, ok := t.users[userID]; ok {
		return &u, nil
	}
	u, ok := t.s.users[userID]
	if !ok {
		return nil, fmt.Errorf("user %d: %w", userID, store.ErrNotFound)
	}
	return &u, nil
}

func (t *tx) SaveUser(ctx context.Context, user *models.User) error {
	if _, err := t.LockUser(ctx, user.ID); err != nil {
		return err
	}
	t.users[user.ID] = *user
	return nil
}

func (t *tx) LockAsset(ctx context.Context, userID, symbolID int) (*models.Asset, error) {
	k := assetKey{userID, symbolID}
	if a, ok := t.assets[k]; ok {
		return &a, nil
	}
	a, ok := t.s.assets[k]
	if !ok {
		return nil, fmt.Errorf("asset %d/%d: %w", userID, symbolID, store.ErrNotFound)
	}
	return &a, nil
}

func (t *tx) LockOrCreateAsset(ctx context.Context, userID, symbolID int) (*models.Asset, error) {
	a, err := t.LockAsset(ctx, userID, symbolID)
	if err == nil {
		return a, nil
	}
	created := models.Asset{
		ID:           t.s.nextID("assets"),
		UserID:       userID,
		SymbolID:     symbolID,
		Amount:       decimal.Zero,
		LockedAmount: decimal.Zero,
	}
	t.assets[assetKey{userID, symbolID}] = created
	return &created, nil
}

func (t *tx) SaveAsset(ctx context.Context, asset *models.Asset) error {
	if _, err := t.LockAsset(ctx, asset.UserID, asset.SymbolID); err != nil {
		return err
	}
	t.assets[assetKey{asset.UserID, asset.SymbolID}] = *asset
	return nil
}

func (t *tx) CreateOpenOrder(ctx context.Context, userID, symbolID int, side models.Side, price, amount decimal.Decimal) (*models.Order, error) {
	now := t.s.tick()
	o := models.Order{
		ID:        t.s.nextID("orders"),
		UserID:    userID,
		SymbolID:  symbolID,
		Side:      side,
		Price:     price,
		Amount:    amount,
		Status:    models.StatusOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}
	t.orders[o.ID] = o
	return &o, nil
}

func (t *tx) LockOrder(ctx context.Context, orderID int) (*models.Order, error) {
	if o, ok := t.orders[orderID]; ok {
		return &o, nil
	}
	o, ok := t.s.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("order %d: %w", orderID, store.ErrNotFound)
	}
	return &o, nil
}

func (t *tx) FindBestCounter(ctx context.Context, order *models.Order) (*models.Order, error) {
	var best *models.Order
	consider := func(o models.Order) {
		if !store.Eligible(order, &o) {
			return
		}
		if best == nil || store.Better(order.Side, &o, best) {
			c := o
			best = &c
		}
	}
	for id, o := range t.s.orders {
		if staged, ok := t.orders[id]; ok {
			o = staged
		}
		consider(o)
	}
	for id, o := range t.orders {
		if _, ok := t.s.orders[id]; !ok {
			consider(o)
		}
	}
	return best, nil
}

func (t *tx) setStatus(order *models.Order, status models.Status) error {
	cur, err := t.LockOrder(context.Background(), order.ID)
	if err != nil {
		return err
	}
	if cur.Status != models.StatusOpen {
		return fmt.Errorf("order %d is %s: %w", order.ID, cur.Status, store.ErrStatusConflict)
	}
	cur.Status = status
	cur.UpdatedAt = t.s.now().UTC()
	t.orders[cur.ID] = *cur
	*order = *cur
	return nil
}

func (t *tx) MarkFilled(ctx context.Context, order *models.Order) error {
	return t.setStatus(order, models.StatusFilled)
}

func (t *tx) MarkCancelled(ctx context.Context, order *models.Order) error {
	return t.setStatus(order, models.StatusCancelled)
}

func (t *tx) CreateTrade(ctx context.Context, trade *models.Trade) (*models.Trade, error) {
	tr := *trade
	tr.ID = t.s.nextID("trades")
	tr.ExecutedAt = t.s.now().UTC()
	t.trades = append(t.trades, tr)
	return &tr, nil
}

// Queries

func (s *Store) CreateUser(ctx context.Context, username, passwordHash string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.usernames[username]; taken {
		return nil, fmt.Errorf("user %q: %w", username, store.ErrDuplicate)
	}
	u := models.User{
		ID:            s.nextID("users"),
		Username:      username,
		PasswordHash:  passwordHash,
		Balance:       decimal.Zero,
		LockedBalance: decimal.Zero,
		CreatedAt:     s.now().UTC(),
	}
	s.users[u.ID] = u
	s.usernames[username] = u.ID
	return &u, nil
}

func (s *Store) GetUser(ctx context.Context, userID int) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return nil, fmt.Errorf("user %d: %w", userID, store.ErrNotFound)
	}
	return &u, nil
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.usernames[username]
	if !ok {
		return nil, fmt.Errorf("user %q: %w", username, store.ErrNotFound)
	}
	u := s.users[id]
	return &u, nil
}

func (s *Store) GetUserAssets(ctx context.Context, userID int) ([]models.Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var assets []models.Asset
	for k, a := range s.assets {
		if k.userID == userID {
			assets = append(assets, a)
		}
	}
	sort.Slice(assets, func(i, j int) bool { return assets[i].SymbolID < assets[j].SymbolID })
	return assets, nil
}

func (s *Store) ListSymbols(ctx context.Context) ([]models.Symbol, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	symbols := make([]models.Symbol, 0, len(s.symbols))
	for _, sym := range s.symbols {
		symbols = append(symbols, sym)
	}
	sort.Slice(symbols, func(i, j int) bool { return symbols[i].ID < symbols[j].ID })
	return symbols, nil
}

func (s *Store) GetOrder(ctx context.Context, orderID int) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("order %d: %w", orderID, store.ErrNotFound)
	}
	return &o, nil
}

func (s *Store) GetUserOrders(ctx context.Context, userID int) ([]models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var orders []models.Order
	for _, o := range s.orders {
		if o.UserID == userID {
			orders = append(orders, o)
		}
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].ID < orders[j].ID })
	return orders, nil
}

func (s *Store) ListOpenOrders(ctx context.Context, symbolID int) ([]models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var orders []models.Order
	for _, o := range s.orders {
		if o.Status != models.StatusOpen {
			continue
		}
		if symbolID != 0 && o.SymbolID != symbolID {
			continue
		}
		orders = append(orders, o)
	}
	sort.Slice(orders, func(i, j int) bool {
		if !orders[i].Price.Equal(orders[j].Price) {
			return orders[i].Price.GreaterThan(orders[j].Price)
		}
		return orders[i].ID < orders[j].ID
	})
	return orders, nil
}

func (s *Store) GetUserTrades(ctx context.Context, userID int) ([]models.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var trades []models.Trade
	for _, tr := range s.trades {
		if tr.BuyerID == userID || tr.SellerID == userID {
			trades = append(trades, tr)
		}
	}
	return trades, nil
}

// Funding

func (s *Store) CreateSymbol(ctx context.Context, code, name string) (*models.Symbol, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sym := range s.symbols {
		if sym.Code == code {
			return nil, fmt.Errorf("symbol %q: %w", code, store.ErrDuplicate)
		}
	}
	sym := models.Symbol{ID: s.nextID("symbols"), Code: code, Name: name}
	s.symbols[sym.ID] = sym
	return &sym, nil
}

func (s *Store) Deposit(ctx context.Context, userID int, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return fmt.Errorf("user %d: %w", userID, store.ErrNotFound)
	}
	u.Balance = u.Balance.Add(amount)
	s.users[userID] = u
	return nil
}

func (s *Store) DepositAsset(ctx context.Context, userID, symbolID int, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[userID]; !ok {
		return fmt.Errorf("user %d: %w", userID, store.ErrNotFound)
	}
	if _, ok := s.symbols[symbolID]; !ok {
		return fmt.Errorf("symbol %d: %w", symbolID, store.ErrNotFound)
	}
	k := assetKey{userID, symbolID}
	a, ok := s.assets[k]
	if !ok {
		a = models.Asset{ID: s.nextID("assets"), UserID: userID, SymbolID: symbolID}
	}
	a.Amount = a.Amount.Add(amount)
	s.assets[k] = a
	return nil
}

// Fixtures

// PutUser stores u as-is, replacing any row with the same id
func (s *Store) PutUser(u models.User) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if u.ID > s.lastID["users"] {
		s.lastID["users"] = u.ID
	}
	s.users[u.ID] = u
	s.usernames[u.Username] = u.ID
}

// PutAsset stores a as-is, replacing any holding for the same user and symbol
func (s *Store) PutAsset(a models.Asset) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a.ID == 0 {
		a.ID = s.nextID("assets")
	}
	s.assets[assetKey{a.UserID, a.SymbolID}] = a
}

// PutOrder stores o as-is. A zero CreatedAt is replaced by the next tick.
func (s *Store) PutOrder(o models.Order) models.Order {
	s.mu.Lock()
	defer s.mu.Unlock()

	if o.ID == 0 {
		o.ID = s.nextID("orders")
	} else if o.ID > s.lastID["orders"] {
		s.lastID["orders"] = o.ID
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = s.tick()
	}
	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = o.CreatedAt
	}
	s.orders[o.ID] = o
	return o
}

// Trades returns every persisted trade
func (s *Store) Trades() []models.Trade {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]models.Trade(nil), s.trades...)
}

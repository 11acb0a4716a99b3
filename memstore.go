package main

import (
	"context"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MemoryStore keeps the whole catalog in process. It backs the server when no
// DATABASE_URL is configured and the service tests. Transactions are
// serialised on a single mutex and roll back to a snapshot on error.
type MemoryStore struct {
	*memQueries
	mu   sync.Mutex
	data *memData
}

type memData struct {
	seq      int64
	rank     map[string]int64
	users    map[string]User
	products map[string]Product
	orders   map[string]Order
	items    map[string]OrderItem
	outbox   []Event
	leases   map[int64]time.Time
}

func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		data: &memData{
			rank:     map[string]int64{},
			users:    map[string]User{},
			products: map[string]Product{},
			orders:   map[string]Order{},
			items:    map[string]OrderItem{},
			leases:   map[int64]time.Time{},
		},
	}
	s.memQueries = &memQueries{s: s}
	return s
}

func (d *memData) clone() *memData {
	return &memData{
		seq:      d.seq,
		rank:     maps.Clone(d.rank),
		users:    maps.Clone(d.users),
		products: maps.Clone(d.products),
		orders:   maps.Clone(d.orders),
		items:    maps.Clone(d.items),
		outbox:   append([]Event(nil), d.outbox...),
		leases:   maps.Clone(d.leases),
	}
}

func (d *memData) stamp(id string) {
	d.seq++
	d.rank[id] = d.seq
}

func (s *MemoryStore) Init(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) Tx(ctx context.Context, fn func(q Queries) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	snapshot := s.data.clone()
	if err := fn(&memQueries{s: s, inTx: true}); err != nil {
		s.data = snapshot
		return err
	}
	return nil
}

type memQueries struct {
	s    *MemoryStore
	inTx bool
}

// lock takes the store mutex unless the caller already holds it through Tx.
func (m *memQueries) lock() func() {
	if m.inTx {
		return func() {}
	}
	m.s.mu.Lock()
	return m.s.mu.Unlock
}

func (m *memQueries) GetProduct(ctx context.Context, id string) (Product, error) {
	defer m.lock()()
	p, ok := m.s.data.products[id]
	if !ok {
		return Product{}, ErrNotFound
	}
	return p, nil
}

func (m *memQueries) ListProducts(ctx context.Context, f ProductFilter) ([]Product, error) {
	defer m.lock()()
	d := m.s.data
	search := strings.ToLower(f.Search)

	products := []Product{}
	for _, p := range d.products {
		if f.Category != "" && p.Category != f.Category {
			continue
		}
		if search != "" &&
			!strings.Contains(strings.ToLower(p.Name), search) &&
			!strings.Contains(strings.ToLower(p.Description), search) {
			continue
		}
		products = append(products, p)
	}
	sort.Slice(products, func(i, j int) bool {
		return d.rank[products[i].ID] < d.rank[products[j].ID]
	})
	return products, nil
}

func (m *memQueries) CreateProduct(ctx context.Context, p Product) (Product, error) {
	defer m.lock()()
	d := m.s.data
	if _, ok := d.products[p.ID]; ok {
		return Product{}, ErrConflict
	}
	p.CreatedAt = time.Now().UTC()
	d.products[p.ID] = p
	d.stamp(p.ID)
	return p, nil
}

func (m *memQueries) UpdateProduct(ctx context.Context, id string, patch ProductPatch) (Product, error) {
	defer m.lock()()
	p, ok := m.s.data.products[id]
	if !ok {
		return Product{}, ErrNotFound
	}
	patch.apply(&p)
	m.s.data.products[id] = p
	return p, nil
}

func (m *memQueries) DeleteProduct(ctx context.Context, id string) error {
	defer m.lock()()
	delete(m.s.data.products, id)
	return nil
}

func (m *memQueries) ListCategories(ctx context.Context) ([]string, error) {
	defer m.lock()()
	seen := map[string]bool{}
	categories := []string{}
	for _, p := range m.s.data.products {
		if p.Category == "" || seen[p.Category] {
			continue
		}
		seen[p.Category] = true
		categories = append(categories, p.Category)
	}
	sort.Strings(categories)
	return categories, nil
}

func (m *memQueries) FindOpenCart(ctx context.Context, userID string) (Order, error) {
	defer m.lock()()
	return m.openCart(userID)
}

func (m *memQueries) openCart(userID string) (Order, error) {
	for _, o := range m.s.data.orders {
		if o.UserID == userID && o.Status == StatusCart {
			return o, nil
		}
	}
	return Order{}, ErrNotFound
}

func (m *memQueries) EnsureOpenCart(ctx context.Context, userID string) (Order, error) {
	defer m.lock()()
	if o, err := m.openCart(userID); err == nil {
		return o, nil
	}
	now := time.Now().UTC()
	o := Order{
		ID:         newID(),
		UserID:     userID,
		Status:     StatusCart,
		TotalPrice: decimal.Zero,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	m.s.data.orders[o.ID] = o
	m.s.data.stamp(o.ID)
	return o, nil
}

func (m *memQueries) ListItems(ctx context.Context, orderID string) ([]OrderItem, error) {
	defer m.lock()()
	return m.itemsOf(orderID), nil
}

func (m *memQueries) itemsOf(orderID string) []OrderItem {
	d := m.s.data
	items := []OrderItem{}
	for _, item := range d.items {
		if item.OrderID != orderID {
			continue
		}
		if p, ok := d.products[item.ProductID]; ok {
			item.Product = &ProductSummary{
				ID:          p.ID,
				Name:        p.Name,
				Description: p.Description,
				Price:       p.Price,
				Stock:       p.Stock,
				ImageURL:    p.ImageURL,
				Category:    p.Category,
			}
		}
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool {
		return d.rank[items[i].ID] < d.rank[items[j].ID]
	})
	return items
}

func (m *memQueries) FindItem(ctx context.Context, orderID, productID string) (OrderItem, error) {
	defer m.lock()()
	for _, item := range m.s.data.items {
		if item.OrderID == orderID && item.ProductID == productID {
			return item, nil
		}
	}
	return OrderItem{}, ErrNotFound
}

func (m *memQueries) InsertItem(ctx context.Context, item OrderItem) error {
	defer m.lock()()
	d := m.s.data
	for _, existing := range d.items {
		if existing.OrderID == item.OrderID && existing.ProductID == item.ProductID {
			return ErrConflict
		}
	}
	item.Product = nil
	d.items[item.ID] = item
	d.stamp(item.ID)
	return nil
}

func (m *memQueries) UpdateItemQuantity(ctx context.Context, itemID string, quantity int) error {
	defer m.lock()()
	item, ok := m.s.data.items[itemID]
	if !ok {
		return ErrNotFound
	}
	item.Quantity = quantity
	m.s.data.items[itemID] = item
	return nil
}

func (m *memQueries) DeleteItem(ctx context.Context, orderID, productID string) error {
	defer m.lock()()
	for id, item := range m.s.data.items {
		if item.OrderID == orderID && item.ProductID == productID {
			delete(m.s.data.items, id)
		}
	}
	return nil
}

func (m *memQueries) GetOrder(ctx context.Context, id string) (Order, error) {
	defer m.lock()()
	o, ok := m.s.data.orders[id]
	if !ok {
		return Order{}, ErrNotFound
	}
	o.Items = m.itemsOf(id)
	return o, nil
}

func (m *memQueries) ListOrders(ctx context.Context, userID string) ([]Order, error) {
	defer m.lock()()
	d := m.s.data
	orders := []Order{}
	for _, o := range d.orders {
		if o.Status == StatusCart || (userID != "" && o.UserID != userID) {
			continue
		}
		o.Items = m.itemsOf(o.ID)
		orders = append(orders, o)
	}
	sort.Slice(orders, func(i, j int) bool {
		if !orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].CreatedAt.After(orders[j].CreatedAt)
		}
		return d.rank[orders[i].ID] > d.rank[orders[j].ID]
	})
	return orders, nil
}

func (m *memQueries) SetOrderStatus(ctx context.Context, orderID string, status OrderStatus, total *decimal.Decimal) (Order, error) {
	defer m.lock()()
	o, ok := m.s.data.orders[orderID]
	if !ok {
		return Order{}, ErrNotFound
	}
	o.Status = status
	if total != nil {
		o.TotalPrice = *total
	}
	o.UpdatedAt = time.Now().UTC()
	m.s.data.orders[orderID] = o
	return o, nil
}

func (m *memQueries) CreateUser(ctx context.Context, u User) (User, error) {
	defer m.lock()()
	for _, existing := range m.s.data.users {
		if strings.EqualFold(existing.Email, u.Email) {
			return User{}, ErrConflict
		}
	}
	u.CreatedAt = time.Now().UTC()
	m.s.data.users[u.ID] = u
	return u, nil
}

func (m *memQueries) GetUserByEmail(ctx context.Context, email string) (User, error) {
	defer m.lock()()
	for _, u := range m.s.data.users {
		if strings.EqualFold(u.Email, email) {
			return u, nil
		}
	}
	return User{}, ErrNotFound
}

func (m *memQueries) GetUserByID(ctx context.Context, id string) (User, error) {
	defer m.lock()()
	u, ok := m.s.data.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (m *memQueries) EnqueueEvent(ctx context.Context, e Event) error {
	defer m.lock()()
	d := m.s.data
	e.ID = int64(len(d.outbox) + 1)
	e.Status = EventPending
	e.CreatedAt = time.Now().UTC()
	d.outbox = append(d.outbox, e)
	return nil
}

func (s *MemoryStore) LockBatch(ctx context.Context, relayID string, batchSize int, lease time.Duration) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.data
	now := time.Now()

	var events []Event
	for i := range d.outbox {
		if len(events) == batchSize {
			break
		}
		e := &d.outbox[i]
		expired := e.Status == EventInProgress && now.After(d.leases[e.ID])
		if e.Status != EventPending && !expired {
			continue
		}
		e.Status = EventInProgress
		d.leases[e.ID] = now.Add(lease)
		events = append(events, *e)
	}
	return events, nil
}

func (s *MemoryStore) MarkSent(ctx context.Context, ids []int64) error {
	return s.markEvents(ids, func(e *Event) { e.Status = EventSent })
}

func (s *MemoryStore) MarkFailed(ctx context.Context, id int64, errMsg string) error {
	return s.markEvents([]int64{id}, func(e *Event) {
		e.LastError = errMsg
		e.RetryCount++
		e.Status = EventPending
		if e.RetryCount >= maxEventRetries {
			e.Status = EventFailed
		}
	})
}

func (s *MemoryStore) markEvents(ids []int64, mark func(e *Event)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		idx := int(id) - 1
		if idx < 0 || idx >= len(s.data.outbox) {
			return ErrNotFound
		}
		mark(&s.data.outbox[idx])
		delete(s.data.leases, id)
	}
	return nil
}

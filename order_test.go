package main

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type orderFixture struct {
	store  *MemoryStore
	cart   *CartService
	orders *OrderService
}

func newOrderFixture() orderFixture {
	store := NewMemoryStore()
	return orderFixture{
		store:  store,
		cart:   NewCartService(discardLogger(), store),
		orders: NewOrderService(discardLogger(), store),
	}
}

func (f orderFixture) placeOrder(t *testing.T, userID string) Order {
	t.Helper()
	p := seedProduct(t, f.store, "Bread", "3.20")
	require.NoError(t, f.cart.AddToCart(context.Background(), userID, p.ID, 2))
	o, err := f.orders.CreateOrder(context.Background(), userID)
	require.NoError(t, err)
	return o
}

func TestCreateOrderWithoutCart(t *testing.T) {
	f := newOrderFixture()
	_, err := f.orders.CreateOrder(context.Background(), newID())
	requireStatus(t, err, http.StatusBadRequest)
	assert.Contains(t, err.Error(), "No active cart")
	assert.Empty(t, f.store.data.outbox)
}

func TestCreateOrderEmptyCart(t *testing.T) {
	ctx := context.Background()
	f := newOrderFixture()
	userID := newID()
	p := seedProduct(t, f.store, "Milk", "1.10")
	require.NoError(t, f.cart.AddToCart(ctx, userID, p.ID, 1))
	require.NoError(t, f.cart.RemoveFromCart(ctx, userID, p.ID))

	_, err := f.orders.CreateOrder(ctx, userID)
	requireStatus(t, err, http.StatusBadRequest)
	assert.Contains(t, err.Error(), "Cart is empty")

	cart, err := f.store.FindOpenCart(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, StatusCart, cart.Status)

	orders, err := f.orders.GetMyOrders(ctx, userID)
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestCreateOrderRecomputesTotal(t *testing.T) {
	ctx := context.Background()
	f := newOrderFixture()
	userID := newID()
	apple := seedProduct(t, f.store, "Apple", "0.40")
	cheese := seedProduct(t, f.store, "Cheese", "7.25")
	require.NoError(t, f.cart.AddToCart(ctx, userID, apple.ID, 3))
	require.NoError(t, f.cart.AddToCart(ctx, userID, cheese.ID, 1))

	cart, err := f.store.FindOpenCart(ctx, userID)
	require.NoError(t, err)
	stale := decimal.NewFromInt(999)
	_, err = f.store.SetOrderStatus(ctx, cart.ID, StatusCart, &stale)
	require.NoError(t, err)

	order, err := f.orders.CreateOrder(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, cart.ID, order.ID)
	assert.Equal(t, StatusPending, order.Status)
	assert.Equal(t, "8.45", order.TotalPrice.StringFixed(2))
	assert.Len(t, order.Items, 2)
}

func TestCheckoutTurnsCartIntoOrder(t *testing.T) {
	ctx := context.Background()
	f := newOrderFixture()
	userID := newID()
	order := f.placeOrder(t, userID)

	_, err := f.store.FindOpenCart(ctx, userID)
	assert.ErrorIs(t, err, ErrNotFound)

	cart, err := f.cart.GetCart(ctx, userID)
	require.NoError(t, err)
	assert.Empty(t, cart.Items)

	orders, err := f.orders.GetMyOrders(ctx, userID)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, order.ID, orders[0].ID)
	assert.Equal(t, "6.40", orders[0].TotalPrice.StringFixed(2))

	_, err = f.orders.CreateOrder(ctx, userID)
	requireStatus(t, err, http.StatusBadRequest)

	require.Len(t, f.store.data.outbox, 1)
	e := f.store.data.outbox[0]
	assert.Equal(t, EventOrderPlaced, e.Type)
	assert.Equal(t, order.ID, e.AggregateID)
	var payload OrderEvent
	require.NoError(t, json.Unmarshal(e.Payload, &payload))
	assert.Equal(t, StatusPending, payload.Status)
	assert.Equal(t, StatusCart, payload.Previous)
	assert.Equal(t, "6.40", payload.TotalPrice)
}

func TestGetAllOrdersSkipsCarts(t *testing.T) {
	ctx := context.Background()
	f := newOrderFixture()
	first := f.placeOrder(t, newID())
	second := f.placeOrder(t, newID())

	other := newID()
	p := seedProduct(t, f.store, "Jam", "4.00")
	require.NoError(t, f.cart.AddToCart(ctx, other, p.ID, 1))

	orders, err := f.orders.GetAllOrders(ctx)
	require.NoError(t, err)
	ids := []string{}
	for _, o := range orders {
		ids = append(ids, o.ID)
		assert.NotEqual(t, StatusCart, o.Status)
	}
	assert.ElementsMatch(t, []string{first.ID, second.ID}, ids)
}

func TestGetOrderVisibility(t *testing.T) {
	ctx := context.Background()
	f := newOrderFixture()
	owner := Identity{ID: newID(), Role: RoleUser}
	order := f.placeOrder(t, owner.ID)

	got, err := f.orders.GetOrder(ctx, owner, order.ID)
	require.NoError(t, err)
	assert.Equal(t, order.ID, got.ID)

	_, err = f.orders.GetOrder(ctx, Identity{ID: newID(), Role: RoleUser}, order.ID)
	requireStatus(t, err, http.StatusNotFound)

	_, err = f.orders.GetOrder(ctx, Identity{ID: newID(), Role: RoleAdmin}, order.ID)
	require.NoError(t, err)

	_, err = f.orders.GetOrder(ctx, owner, "nope")
	requireStatus(t, err, http.StatusNotFound)
}

func TestUpdateStatusSteps(t *testing.T) {
	ctx := context.Background()
	f := newOrderFixture()
	order := f.placeOrder(t, newID())

	_, err := f.orders.UpdateStatus(ctx, order.ID, StatusShipped)
	requireStatus(t, err, http.StatusBadRequest)

	_, err = f.orders.UpdateStatus(ctx, order.ID, "lost")
	requireStatus(t, err, http.StatusBadRequest)

	_, err = f.orders.UpdateStatus(ctx, order.ID, StatusCart)
	requireStatus(t, err, http.StatusBadRequest)

	_, err = f.orders.UpdateStatus(ctx, newID(), StatusProcessing)
	requireStatus(t, err, http.StatusNotFound)

	for _, to := range []OrderStatus{StatusProcessing, StatusShipped, StatusDelivered} {
		updated, err := f.orders.UpdateStatus(ctx, order.ID, to)
		require.NoError(t, err)
		assert.Equal(t, to, updated.Status)
	}

	_, err = f.orders.UpdateStatus(ctx, order.ID, StatusDelivered)
	requireStatus(t, err, http.StatusBadRequest)

	// placed + three transitions
	assert.Len(t, f.store.data.outbox, 4)
	assert.Equal(t, EventOrderStatusChanged, f.store.data.outbox[3].Type)
}

func TestUpdateStatusRejectsCart(t *testing.T) {
	ctx := context.Background()
	f := newOrderFixture()
	userID := newID()
	p := seedProduct(t, f.store, "Tea", "2.00")
	require.NoError(t, f.cart.AddToCart(ctx, userID, p.ID, 1))
	cart, err := f.store.FindOpenCart(ctx, userID)
	require.NoError(t, err)

	_, err = f.orders.UpdateStatus(ctx, cart.ID, StatusPending)
	requireStatus(t, err, http.StatusBadRequest)
}

func TestMarkPaid(t *testing.T) {
	ctx := context.Background()
	f := newOrderFixture()
	order := f.placeOrder(t, newID())

	paid, err := f.orders.MarkPaid(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, paid.Status)

	again, err := f.orders.MarkPaid(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, again.Status)
	assert.Len(t, f.store.data.outbox, 2)

	_, err = f.orders.MarkPaid(ctx, newID())
	requireStatus(t, err, http.StatusNotFound)
}

//go:build integration

package main

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupPostgres(t *testing.T) *PostgresStore {
	t.Helper()
	ctx := context.Background()

	pgC, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("storefront"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pgC.Terminate(context.Background()) })

	url, err := pgC.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	store, err := NewPostgresStorage(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Init(ctx))
	// Init is safe to re-run on startup
	require.NoError(t, store.Init(ctx))
	return store
}

func TestPostgresCheckoutFlow(t *testing.T) {
	ctx := context.Background()
	store := setupPostgres(t)
	cart := NewCartService(discardLogger(), store)
	orders := NewOrderService(discardLogger(), store)
	auth := NewLocalAuth(discardLogger(), store, testConfig())

	u, _, err := auth.Register(ctx, CredentialsReq{Email: "ann@example.com", Password: "pw"})
	require.NoError(t, err)
	_, _, err = auth.Register(ctx, CredentialsReq{Email: "ANN@example.com", Password: "pw"})
	requireStatus(t, err, 400)

	p := seedProduct(t, store, "Apple", "2.50")
	require.NoError(t, cart.AddToCart(ctx, u.ID, p.ID, 2))

	newPrice := decimal.RequireFromString("9.00")
	_, err = store.UpdateProduct(ctx, p.ID, ProductPatch{Price: &newPrice})
	require.NoError(t, err)
	require.NoError(t, cart.AddToCart(ctx, u.ID, p.ID, 3))

	got, err := cart.GetCart(ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, got.Items, 1)
	assert.Equal(t, 5, got.Items[0].Quantity)
	assert.Equal(t, "12.50", got.TotalPrice.StringFixed(2))
	require.NotNil(t, got.Items[0].Product)
	assert.Equal(t, "Apple", got.Items[0].Product.Name)

	order, err := orders.CreateOrder(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, order.Status)
	assert.Equal(t, "12.50", order.TotalPrice.StringFixed(2))

	_, err = store.FindOpenCart(ctx, u.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	mine, err := orders.GetMyOrders(ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	require.Len(t, mine[0].Items, 1)

	// deleting a product keeps the order line
	require.NoError(t, store.DeleteProduct(ctx, p.ID))
	o, err := store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, o.Items, 1)
	assert.Nil(t, o.Items[0].Product)

	events, err := store.LockBatch(ctx, "relay-test", 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventOrderPlaced, events[0].Type)
	require.NoError(t, store.MarkSent(ctx, []int64{events[0].ID}))
}

func TestPostgresConcurrentAdds(t *testing.T) {
	ctx := context.Background()
	store := setupPostgres(t)
	svc := NewCartService(discardLogger(), store)
	u, _, err := NewLocalAuth(discardLogger(), store, testConfig()).Register(ctx, CredentialsReq{Email: "pat@example.com", Password: "pw"})
	require.NoError(t, err)
	userID := u.ID
	p := seedProduct(t, store, "Pear", "1.00")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, svc.AddToCart(ctx, userID, p.ID, 1))
		}()
	}
	wg.Wait()

	var carts int
	require.NoError(t, store.db.QueryRowContext(ctx,
		`select count(*) from orders where user_id = $1 and status = 'cart'`, userID).Scan(&carts))
	assert.Equal(t, 1, carts)

	got, err := svc.GetCart(ctx, userID)
	require.NoError(t, err)
	require.Len(t, got.Items, 1)
	assert.Equal(t, 10, got.Items[0].Quantity)
}

func TestPostgresProductFilters(t *testing.T) {
	ctx := context.Background()
	store := setupPostgres(t)
	seedProduct(t, store, "Green 100% apple", "1.00")
	seedProduct(t, store, "Banana", "1.00")

	products, err := store.ListProducts(ctx, ProductFilter{Search: "100%"})
	require.NoError(t, err)
	require.Len(t, products, 1)

	products, err = store.ListProducts(ctx, ProductFilter{Category: "fruit", Search: "APPLE"})
	require.NoError(t, err)
	assert.Len(t, products, 1)

	categories, err := store.ListCategories(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"fruit"}, categories)
}

// checkoutBeforeSelect commits a checkout right before the first row query,
// between the cart insert and the locking select of EnsureOpenCart.
type checkoutBeforeSelect struct {
	querier
	once     sync.Once
	checkout func()
}

func (q *checkoutBeforeSelect) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	q.once.Do(q.checkout)
	return q.querier.QueryRowContext(ctx, query, args...)
}

func TestPostgresEnsureOpenCartAfterConcurrentCheckout(t *testing.T) {
	ctx := context.Background()
	store := setupPostgres(t)
	cart := NewCartService(discardLogger(), store)
	orders := NewOrderService(discardLogger(), store)
	u, _, err := NewLocalAuth(discardLogger(), store, testConfig()).Register(ctx, CredentialsReq{Email: "kim@example.com", Password: "pw"})
	require.NoError(t, err)
	p := seedProduct(t, store, "Plum", "1.00")
	require.NoError(t, cart.AddToCart(ctx, u.ID, p.ID, 1))

	var placed Order
	tx, err := store.db.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()
	q := &pgQueries{q: &checkoutBeforeSelect{
		querier: tx,
		checkout: func() {
			var cerr error
			placed, cerr = orders.CreateOrder(ctx, u.ID)
			require.NoError(t, cerr)
		},
	}}

	fresh, err := q.EnsureOpenCart(ctx, u.ID)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	assert.NotEqual(t, placed.ID, fresh.ID)
	assert.Equal(t, StatusCart, fresh.Status)
}

func TestPostgresMarkFailedRequeues(t *testing.T) {
	ctx := context.Background()
	store := setupPostgres(t)
	e, err := newOrderEvent(ctx, EventOrderPlaced, Order{ID: newID(), Status: StatusPending}, StatusCart)
	require.NoError(t, err)
	require.NoError(t, store.EnqueueEvent(ctx, e))

	for i := 1; i <= maxEventRetries; i++ {
		events, err := store.LockBatch(ctx, "relay-test", 10, time.Minute)
		require.NoError(t, err)
		require.Len(t, events, 1, "attempt %d", i)
		require.NoError(t, store.MarkFailed(ctx, events[0].ID, "broker unavailable"))
	}

	events, err := store.LockBatch(ctx, "relay-test", 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, events)

	var status string
	require.NoError(t, store.db.QueryRowContext(ctx, `select status from outbox`).Scan(&status))
	assert.Equal(t, string(EventFailed), status)
}

package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// Queries is the data-access surface the services run against, either
// directly or inside a transaction.
type Queries interface {
	GetProduct(ctx context.Context, id string) (Product, error)
	ListProducts(ctx context.Context, f ProductFilter) ([]Product, error)
	CreateProduct(ctx context.Context, p Product) (Product, error)
	UpdateProduct(ctx context.Context, id string, patch ProductPatch) (Product, error)
	DeleteProduct(ctx context.Context, id string) error
	ListCategories(ctx context.Context) ([]string, error)

	// FindOpenCart returns the user's order in cart status. Inside a
	// transaction the row stays locked until commit.
	FindOpenCart(ctx context.Context, userID string) (Order, error)
	// EnsureOpenCart is FindOpenCart that creates the cart when missing.
	EnsureOpenCart(ctx context.Context, userID string) (Order, error)
	ListItems(ctx context.Context, orderID string) ([]OrderItem, error)
	FindItem(ctx context.Context, orderID, productID string) (OrderItem, error)
	InsertItem(ctx context.Context, item OrderItem) error
	UpdateItemQuantity(ctx context.Context, itemID string, quantity int) error
	DeleteItem(ctx context.Context, orderID, productID string) error

	GetOrder(ctx context.Context, id string) (Order, error)
	// ListOrders returns placed orders with items, newest first. An empty
	// userID lists every user's orders.
	ListOrders(ctx context.Context, userID string) ([]Order, error)
	SetOrderStatus(ctx context.Context, orderID string, status OrderStatus, total *decimal.Decimal) (Order, error)

	CreateUser(ctx context.Context, u User) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)
	GetUserByID(ctx context.Context, id string) (User, error)

	EnqueueEvent(ctx context.Context, e Event) error
}

type Storage interface {
	Queries
	OutboxStore
	Tx(ctx context.Context, fn func(q Queries) error) error
	Init(ctx context.Context) error
	Close() error
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type PostgresStore struct {
	*pgQueries
	db *sql.DB
}

type pgQueries struct {
	q querier
}

func NewPostgresStorage(ctx context.Context, connStr string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return &PostgresStore{
		pgQueries: &pgQueries{q: db},
		db:        db,
	}, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) Tx(ctx context.Context, fn func(q Queries) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		} else if err != nil {
			tx.Rollback()
		} else {
			err = tx.Commit()
		}
	}()
	return fn(&pgQueries{q: tx})
}

func (s *PostgresStore) Init(ctx context.Context) error {
	for _, create := range []func(context.Context) error{
		s.createUserTable,
		s.createProductTable,
		s.createOrderTable,
		s.createOrderItemTable,
		s.createOutboxTable,
	} {
		if err := create(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) createUserTable(ctx context.Context) error {
	query := `create table if not exists users (
		id uuid primary key,
		email varchar(254) not null unique,
		password_hash varchar(120) not null,
		role varchar(20) not null default 'user',
		created_at timestamptz not null default now()
	)`
	_, err := s.db.ExecContext(ctx, query)
	return err
}

func (s *PostgresStore) createProductTable(ctx context.Context) error {
	query := `create table if not exists products (
		id uuid primary key,
		name varchar(200) not null,
		description text not null default '',
		price numeric(12,2) not null,
		stock integer not null default 0,
		image_url text not null default '',
		category varchar(120) not null default '',
		created_at timestamptz not null default now()
	)`
	_, err := s.db.ExecContext(ctx, query)
	return err
}

func (s *PostgresStore) createOrderTable(ctx context.Context) error {
	query := `create table if not exists orders (
		id uuid primary key,
		user_id uuid not null references users(id) on delete cascade,
		status varchar(20) not null,
		total_price numeric(12,2) not null default 0,
		created_at timestamptz not null default now(),
		updated_at timestamptz not null default now()
	)`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return err
	}
	// one open cart per user
	_, err := s.db.ExecContext(ctx, `create unique index if not exists orders_one_cart_per_user
		on orders (user_id) where status = 'cart'`)
	return err
}

// order_items.product_id has no foreign key: deleting a product must not
// rewrite order history, and the snapshot price stays on the line.
func (s *PostgresStore) createOrderItemTable(ctx context.Context) error {
	query := `create table if not exists order_items (
		id uuid primary key,
		order_id uuid not null references orders(id) on delete cascade,
		product_id uuid not null,
		quantity integer not null check (quantity > 0),
		price numeric(12,2) not null,
		unique (order_id, product_id)
	)`
	_, err := s.db.ExecContext(ctx, query)
	return err
}

func (s *PostgresStore) createOutboxTable(ctx context.Context) error {
	query := `create table if not exists outbox (
		id bigserial primary key,
		aggregate_id text not null,
		type varchar(60) not null,
		payload jsonb not null,
		traceparent text not null default '',
		status varchar(20) not null default 'pending',
		relay_id text,
		lease_until timestamptz,
		retry_count integer not null default 0,
		last_error text,
		created_at timestamptz not null default now()
	)`
	_, err := s.db.ExecContext(ctx, query)
	return err
}

const productColumns = `id, name, description, price, stock, image_url, category, created_at`

func (s *pgQueries) GetProduct(ctx context.Context, id string) (Product, error) {
	row := s.q.QueryRowContext(ctx, `select `+productColumns+` from products where id = $1`, id)
	p, err := scanIntoProduct(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Product{}, ErrNotFound
	}
	return p, err
}

func (s *pgQueries) ListProducts(ctx context.Context, f ProductFilter) ([]Product, error) {
	var (
		where []string
		args  []any
	)
	if f.Category != "" {
		args = append(args, f.Category)
		where = append(where, fmt.Sprintf("category = $%d", len(args)))
	}
	if f.Search != "" {
		args = append(args, "%"+escapeLike(f.Search)+"%")
		where = append(where, fmt.Sprintf("(name ilike $%d or description ilike $%d)", len(args), len(args)))
	}
	query := `select ` + productColumns + ` from products`
	if len(where) > 0 {
		query += ` where ` + strings.Join(where, " and ")
	}
	query += ` order by created_at, id`

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := []Product{}
	for rows.Next() {
		p, err := scanIntoProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

func (s *pgQueries) CreateProduct(ctx context.Context, p Product) (Product, error) {
	query := `insert into products (id, name, description, price, stock, image_url, category)
	values ($1, $2, $3, $4, $5, $6, $7)
	returning ` + productColumns
	row := s.q.QueryRowContext(ctx, query, p.ID, p.Name, p.Description, p.Price, p.Stock, p.ImageURL, p.Category)
	return scanIntoProduct(row)
}

func (s *pgQueries) UpdateProduct(ctx context.Context, id string, patch ProductPatch) (Product, error) {
	query := `update products set
		name = coalesce($2, name),
		description = coalesce($3, description),
		price = coalesce($4, price),
		stock = coalesce($5, stock),
		image_url = coalesce($6, image_url),
		category = coalesce($7, category)
	where id = $1
	returning ` + productColumns
	row := s.q.QueryRowContext(ctx, query, id, patch.Name, patch.Description, patch.Price, patch.Stock, patch.ImageURL, patch.Category)
	p, err := scanIntoProduct(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Product{}, ErrNotFound
	}
	return p, err
}

func (s *pgQueries) DeleteProduct(ctx context.Context, id string) error {
	_, err := s.q.ExecContext(ctx, `delete from products where id = $1`, id)
	return err
}

func (s *pgQueries) ListCategories(ctx context.Context) ([]string, error) {
	rows, err := s.q.QueryContext(ctx, `select distinct category from products where category <> '' order by category`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	categories := []string{}
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		categories = append(categories, c)
	}
	return categories, rows.Err()
}

const orderColumns = `id, user_id, status, total_price, created_at, updated_at`

func (s *pgQueries) FindOpenCart(ctx context.Context, userID string) (Order, error) {
	row := s.q.QueryRowContext(ctx, `select `+orderColumns+` from orders
		where user_id = $1 and status = 'cart'
		for update`, userID)
	o, err := scanIntoOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Order{}, ErrNotFound
	}
	return o, err
}

// EnsureOpenCart tries twice: a checkout committing between the insert and
// the locking select turns the conflicting cart into an order, and the
// second insert then succeeds.
func (s *pgQueries) EnsureOpenCart(ctx context.Context, userID string) (Order, error) {
	for attempt := 0; ; attempt++ {
		_, err := s.q.ExecContext(ctx, `insert into orders (id, user_id, status, total_price)
			values ($1, $2, 'cart', 0)
			on conflict (user_id) where status = 'cart' do nothing`, newID(), userID)
		if err != nil {
			return Order{}, fmt.Errorf("create cart: %w", err)
		}
		o, err := s.FindOpenCart(ctx, userID)
		if errors.Is(err, ErrNotFound) && attempt == 0 {
			continue
		}
		if err != nil {
			return Order{}, fmt.Errorf("create cart: %w", err)
		}
		return o, nil
	}
}

const itemSelect = `select i.id, i.order_id, i.product_id, i.quantity, i.price,
	p.id, p.name, p.description, p.price, p.stock, p.image_url, p.category
	from order_items i
	left join products p on p.id = i.product_id`

func (s *pgQueries) ListItems(ctx context.Context, orderID string) ([]OrderItem, error) {
	rows, err := s.q.QueryContext(ctx, itemSelect+` where i.order_id = $1 order by i.id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []OrderItem{}
	for rows.Next() {
		item, err := scanIntoItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *pgQueries) FindItem(ctx context.Context, orderID, productID string) (OrderItem, error) {
	row := s.q.QueryRowContext(ctx, itemSelect+` where i.order_id = $1 and i.product_id = $2`, orderID, productID)
	item, err := scanIntoItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return OrderItem{}, ErrNotFound
	}
	return item, err
}

func (s *pgQueries) InsertItem(ctx context.Context, item OrderItem) error {
	_, err := s.q.ExecContext(ctx, `insert into order_items (id, order_id, product_id, quantity, price)
		values ($1, $2, $3, $4, $5)`,
		item.ID, item.OrderID, item.ProductID, item.Quantity, item.Price)
	if isUniqueViolation(err) {
		return fmt.Errorf("insert item: %w", ErrConflict)
	}
	return err
}

func (s *pgQueries) UpdateItemQuantity(ctx context.Context, itemID string, quantity int) error {
	res, err := s.q.ExecContext(ctx, `update order_items set quantity = $2 where id = $1`, itemID, quantity)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *pgQueries) DeleteItem(ctx context.Context, orderID, productID string) error {
	_, err := s.q.ExecContext(ctx, `delete from order_items where order_id = $1 and product_id = $2`, orderID, productID)
	return err
}

func (s *pgQueries) GetOrder(ctx context.Context, id string) (Order, error) {
	row := s.q.QueryRowContext(ctx, `select `+orderColumns+` from orders where id = $1`, id)
	o, err := scanIntoOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Order{}, ErrNotFound
	}
	if err != nil {
		return Order{}, err
	}
	if o.Items, err = s.ListItems(ctx, o.ID); err != nil {
		return Order{}, err
	}
	return o, nil
}

func (s *pgQueries) ListOrders(ctx context.Context, userID string) ([]Order, error) {
	query := `select ` + orderColumns + ` from orders where status <> 'cart'`
	var args []any
	if userID != "" {
		query += ` and user_id = $1`
		args = append(args, userID)
	}
	query += ` order by created_at desc, id`

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	orders := []Order{}
	byID := map[string]int{}
	ids := []string{}
	for rows.Next() {
		o, err := scanIntoOrder(rows)
		if err != nil {
			return nil, err
		}
		o.Items = []OrderItem{}
		byID[o.ID] = len(orders)
		ids = append(ids, o.ID)
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return orders, nil
	}

	itemRows, err := s.q.QueryContext(ctx, itemSelect+` where i.order_id = any($1) order by i.id`, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	defer itemRows.Close()
	for itemRows.Next() {
		item, err := scanIntoItem(itemRows)
		if err != nil {
			return nil, err
		}
		idx := byID[item.OrderID]
		orders[idx].Items = append(orders[idx].Items, item)
	}
	return orders, itemRows.Err()
}

func (s *pgQueries) SetOrderStatus(ctx context.Context, orderID string, status OrderStatus, total *decimal.Decimal) (Order, error) {
	row := s.q.QueryRowContext(ctx, `update orders set
		status = $2,
		total_price = coalesce($3, total_price),
		updated_at = now()
	where id = $1
	returning `+orderColumns, orderID, status, total)
	o, err := scanIntoOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Order{}, ErrNotFound
	}
	return o, err
}

const userColumns = `id, email, password_hash, role, created_at`

func (s *pgQueries) CreateUser(ctx context.Context, u User) (User, error) {
	row := s.q.QueryRowContext(ctx, `insert into users (id, email, password_hash, role)
		values ($1, $2, $3, $4)
		returning `+userColumns, u.ID, u.Email, u.PasswordHash, u.Role)
	created, err := scanIntoUser(row)
	if isUniqueViolation(err) {
		return User{}, ErrConflict
	}
	return created, err
}

func (s *pgQueries) GetUserByEmail(ctx context.Context, email string) (User, error) {
	row := s.q.QueryRowContext(ctx, `select `+userColumns+` from users where lower(email) = lower($1)`, email)
	u, err := scanIntoUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	return u, err
}

func (s *pgQueries) GetUserByID(ctx context.Context, id string) (User, error) {
	row := s.q.QueryRowContext(ctx, `select `+userColumns+` from users where id = $1`, id)
	u, err := scanIntoUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	return u, err
}

func (s *pgQueries) EnqueueEvent(ctx context.Context, e Event) error {
	_, err := s.q.ExecContext(ctx, `insert into outbox (aggregate_id, type, payload, traceparent, status)
		values ($1, $2, $3, $4, 'pending')`, e.AggregateID, e.Type, e.Payload, e.Traceparent)
	return err
}

func (s *PostgresStore) LockBatch(ctx context.Context, relayID string, batchSize int, lease time.Duration) ([]Event, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	// expired leases of a crashed relay are picked up again
	rows, err := tx.QueryContext(ctx, `
		select id, aggregate_id, type, payload, traceparent, created_at
		from outbox
		where status = 'pending' or (status = 'in_progress' and lease_until < now())
		order by id
		for update skip locked
		limit $1`, batchSize)
	if err != nil {
		return nil, err
	}
	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.AggregateID, &e.Type, &e.Payload, &e.Traceparent, &e.CreatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		e.Status = EventInProgress
		events = append(events, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, tx.Commit()
	}

	ids := make([]int64, 0, len(events))
	for _, e := range events {
		ids = append(ids, e.ID)
	}
	_, err = tx.ExecContext(ctx, `update outbox set status = 'in_progress', relay_id = $1,
		lease_until = now() + make_interval(secs => $2) where id = any($3)`,
		relayID, lease.Seconds(), pq.Array(ids))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return events, nil
}

func (s *PostgresStore) MarkSent(ctx context.Context, ids []int64) error {
	res, err := s.db.ExecContext(ctx, `update outbox set status = 'sent' where id = any($1)`, pq.Array(ids))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.New("no rows updated")
	}
	return nil
}

func (s *PostgresStore) MarkFailed(ctx context.Context, id int64, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `update outbox set
		status = case when retry_count + 1 >= $3 then 'failed' else 'pending' end,
		last_error = $2,
		retry_count = retry_count + 1,
		relay_id = null,
		lease_until = null
	where id = $1`, id, errMsg, maxEventRetries)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIntoProduct(row rowScanner) (Product, error) {
	var p Product
	err := row.Scan(&p.ID, &p.Name, &p.Description, &p.Price, &p.Stock, &p.ImageURL, &p.Category, &p.CreatedAt)
	if err != nil {
		return Product{}, err
	}
	return p, nil
}

func scanIntoOrder(row rowScanner) (Order, error) {
	var o Order
	err := row.Scan(&o.ID, &o.UserID, &o.Status, &o.TotalPrice, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return Order{}, err
	}
	return o, nil
}

func scanIntoItem(row rowScanner) (OrderItem, error) {
	var (
		item                            OrderItem
		pID, pName, pDesc, pImage, pCat sql.NullString
		pPrice                          decimal.NullDecimal
		pStock                          sql.NullInt64
	)
	err := row.Scan(&item.ID, &item.OrderID, &item.ProductID, &item.Quantity, &item.Price,
		&pID, &pName, &pDesc, &pPrice, &pStock, &pImage, &pCat)
	if err != nil {
		return OrderItem{}, err
	}
	if pID.Valid {
		item.Product = &ProductSummary{
			ID:          pID.String,
			Name:        pName.String,
			Description: pDesc.String,
			Price:       pPrice.Decimal,
			Stock:       int(pStock.Int64),
			ImageURL:    pImage.String,
			Category:    pCat.String,
		}
	}
	return item, nil
}

func scanIntoUser(row rowScanner) (User, error) {
	var (
		u    User
		role string
	)
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &role, &u.CreatedAt); err != nil {
		return User{}, err
	}
	u.Role = ParseRole(role)
	return u, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func newID() string {
	return uuid.NewString()
}

func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

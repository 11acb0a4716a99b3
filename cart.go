package main

import (
	"context"
	"errors"
	"log/slog"
	"math"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Cart is the read model of an open cart. With no cart row the embedded order
// is nil and only items and total_price are serialised.
type Cart struct {
	*Order
	Items      []OrderItem     `json:"items"`
	TotalPrice decimal.Decimal `json:"total_price"`
}

// maxQuantity matches the integer column order_items.quantity.
const maxQuantity = math.MaxInt32

type CartService struct {
	log    *slog.Logger
	store  Storage
	tracer trace.Tracer
}

func NewCartService(log *slog.Logger, store Storage) *CartService {
	return &CartService{
		log:    log,
		store:  store,
		tracer: otel.Tracer("storefront/cart"),
	}
}

func (s *CartService) GetCart(ctx context.Context, userID string) (Cart, error) {
	ctx, span := s.tracer.Start(ctx, "GetCart", trace.WithAttributes(attribute.String("user.id", userID)))
	defer span.End()

	cart, err := s.store.FindOpenCart(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return Cart{Items: []OrderItem{}, TotalPrice: decimal.Zero}, nil
	}
	if err != nil {
		return Cart{}, err
	}
	items, err := s.store.ListItems(ctx, cart.ID)
	if err != nil {
		return Cart{}, err
	}
	// the stored total is only written at checkout
	return Cart{Order: &cart, Items: items, TotalPrice: sumItems(items)}, nil
}

// AddToCart puts quantity units of a product in the user's cart, creating the
// cart on first use. An existing line keeps the price it was first added at.
func (s *CartService) AddToCart(ctx context.Context, userID, productID string, quantity int) error {
	ctx, span := s.tracer.Start(ctx, "AddToCart", trace.WithAttributes(
		attribute.String("user.id", userID),
		attribute.String("product.id", productID),
		attribute.Int("quantity", quantity),
	))
	defer span.End()

	if productID == "" {
		return badRequest("Please provide a productId")
	}
	if quantity <= 0 || quantity > maxQuantity {
		return badRequest("Quantity must be a positive integer")
	}
	if !validID(productID) {
		return notFound("Product not found")
	}

	return s.store.Tx(ctx, func(q Queries) error {
		product, err := q.GetProduct(ctx, productID)
		if errors.Is(err, ErrNotFound) {
			return notFound("Product not found")
		}
		if err != nil {
			return err
		}

		cart, err := q.EnsureOpenCart(ctx, userID)
		if err != nil {
			return err
		}

		item, err := q.FindItem(ctx, cart.ID, productID)
		switch {
		case err == nil:
			if item.Quantity > maxQuantity-quantity {
				return badRequest("Quantity must be a positive integer")
			}
			return q.UpdateItemQuantity(ctx, item.ID, item.Quantity+quantity)
		case errors.Is(err, ErrNotFound):
			s.log.Debug("new cart line", "cart_id", cart.ID, "product_id", productID)
			return q.InsertItem(ctx, OrderItem{
				ID:        newID(),
				OrderID:   cart.ID,
				ProductID: productID,
				Quantity:  quantity,
				Price:     product.Price,
			})
		default:
			return err
		}
	})
}

// RemoveFromCart drops a product's line. A product that is not in the cart is
// not an error.
func (s *CartService) RemoveFromCart(ctx context.Context, userID, productID string) error {
	ctx, span := s.tracer.Start(ctx, "RemoveFromCart", trace.WithAttributes(
		attribute.String("user.id", userID),
		attribute.String("product.id", productID),
	))
	defer span.End()

	if productID == "" {
		return badRequest("Please provide productId")
	}

	return s.store.Tx(ctx, func(q Queries) error {
		cart, err := q.FindOpenCart(ctx, userID)
		if errors.Is(err, ErrNotFound) {
			return notFound("Cart not found")
		}
		if err != nil {
			return err
		}
		if !validID(productID) {
			return nil
		}
		return q.DeleteItem(ctx, cart.ID, productID)
	})
}

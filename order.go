package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type OrderService struct {
	log    *slog.Logger
	store  Storage
	tracer trace.Tracer
}

func NewOrderService(log *slog.Logger, store Storage) *OrderService {
	return &OrderService{
		log:    log,
		store:  store,
		tracer: otel.Tracer("storefront/order"),
	}
}

// CreateOrder checks out the user's open cart. The cart row itself becomes
// the order: its status moves to pending and the total is frozen from the
// snapshot prices of its lines.
func (s *OrderService) CreateOrder(ctx context.Context, userID string) (Order, error) {
	ctx, span := s.tracer.Start(ctx, "CreateOrder", trace.WithAttributes(attribute.String("user.id", userID)))
	defer span.End()

	var placed Order
	err := s.store.Tx(ctx, func(q Queries) error {
		cart, err := q.FindOpenCart(ctx, userID)
		if errors.Is(err, ErrNotFound) {
			return badRequest("No active cart found to checkout")
		}
		if err != nil {
			return err
		}

		items, err := q.ListItems(ctx, cart.ID)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			return badRequest("Cart is empty")
		}

		total := sumItems(items)
		placed, err = q.SetOrderStatus(ctx, cart.ID, StatusPending, &total)
		if err != nil {
			return err
		}
		placed.Items = items

		event, err := newOrderEvent(ctx, EventOrderPlaced, placed, StatusCart)
		if err != nil {
			return err
		}
		return q.EnqueueEvent(ctx, event)
	})
	if err != nil {
		return Order{}, err
	}
	span.SetAttributes(attribute.String("order.id", placed.ID))
	s.log.Info("order placed", "order_id", placed.ID, "user_id", userID, "total", placed.TotalPrice.StringFixed(2))
	return placed, nil
}

func (s *OrderService) GetMyOrders(ctx context.Context, userID string) ([]Order, error) {
	return s.store.ListOrders(ctx, userID)
}

func (s *OrderService) GetAllOrders(ctx context.Context) ([]Order, error) {
	return s.store.ListOrders(ctx, "")
}

// GetOrder returns a placed order. Users only see their own; admins see any.
func (s *OrderService) GetOrder(ctx context.Context, who Identity, orderID string) (Order, error) {
	if !validID(orderID) {
		return Order{}, notFound("Order not found")
	}
	o, err := s.store.GetOrder(ctx, orderID)
	if errors.Is(err, ErrNotFound) {
		return Order{}, notFound("Order not found")
	}
	if err != nil {
		return Order{}, err
	}
	if o.Status == StatusCart || (who.Role != RoleAdmin && o.UserID != who.ID) {
		return Order{}, notFound("Order not found")
	}
	return o, nil
}

// UpdateStatus moves a placed order one step along
// pending → processing → shipped → delivered.
func (s *OrderService) UpdateStatus(ctx context.Context, orderID string, to OrderStatus) (Order, error) {
	ctx, span := s.tracer.Start(ctx, "UpdateStatus", trace.WithAttributes(
		attribute.String("order.id", orderID),
		attribute.String("order.status", string(to)),
	))
	defer span.End()

	if !to.valid() || to == StatusCart {
		return Order{}, badRequest(fmt.Sprintf("Invalid order status %q", to))
	}
	if !validID(orderID) {
		return Order{}, notFound("Order not found")
	}

	var updated Order
	err := s.store.Tx(ctx, func(q Queries) error {
		o, err := q.GetOrder(ctx, orderID)
		if errors.Is(err, ErrNotFound) {
			return notFound("Order not found")
		}
		if err != nil {
			return err
		}
		if next, ok := o.Status.next(); o.Status == StatusCart || !ok || next != to {
			return badRequest(fmt.Sprintf("Cannot move order from %s to %s", o.Status, to))
		}
		updated, err = s.transition(ctx, q, o, to)
		return err
	})
	if err != nil {
		return Order{}, err
	}
	return updated, nil
}

// MarkPaid moves a pending order to processing once its payment settled.
// Orders already past pending are returned unchanged.
func (s *OrderService) MarkPaid(ctx context.Context, orderID string) (Order, error) {
	if !validID(orderID) {
		return Order{}, notFound("Order not found")
	}
	var updated Order
	err := s.store.Tx(ctx, func(q Queries) error {
		o, err := q.GetOrder(ctx, orderID)
		if errors.Is(err, ErrNotFound) {
			return notFound("Order not found")
		}
		if err != nil {
			return err
		}
		if o.Status != StatusPending {
			updated = o
			return nil
		}
		updated, err = s.transition(ctx, q, o, StatusProcessing)
		return err
	})
	return updated, err
}

func (s *OrderService) transition(ctx context.Context, q Queries, o Order, to OrderStatus) (Order, error) {
	updated, err := q.SetOrderStatus(ctx, o.ID, to, nil)
	if err != nil {
		return Order{}, err
	}
	updated.Items = o.Items

	event, err := newOrderEvent(ctx, EventOrderStatusChanged, updated, o.Status)
	if err != nil {
		return Order{}, err
	}
	if err := q.EnqueueEvent(ctx, event); err != nil {
		return Order{}, err
	}
	s.log.Info("order status changed", "order_id", o.ID, "from", o.Status, "to", to)
	return updated, nil
}

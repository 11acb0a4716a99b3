package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
)

type ProductService struct {
	log   *slog.Logger
	store Storage
}

func NewProductService(log *slog.Logger, store Storage) *ProductService {
	return &ProductService{log: log, store: store}
}

func (s *ProductService) List(ctx context.Context, f ProductFilter) ([]Product, error) {
	f.Category = strings.TrimSpace(f.Category)
	f.Search = strings.TrimSpace(f.Search)
	return s.store.ListProducts(ctx, f)
}

func (s *ProductService) Get(ctx context.Context, id string) (Product, error) {
	if !validID(id) {
		return Product{}, notFound("Product not found")
	}
	p, err := s.store.GetProduct(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return Product{}, notFound("Product not found")
	}
	return p, err
}

func (s *ProductService) Create(ctx context.Context, req ReqProduct) (Product, error) {
	if strings.TrimSpace(req.Name) == "" || req.Price == nil {
		return Product{}, badRequest("Please provide a name and price")
	}
	p, err := s.store.CreateProduct(ctx, Product{
		ID:          newID(),
		Name:        req.Name,
		Description: req.Description,
		Price:       *req.Price,
		Stock:       req.Stock,
		ImageURL:    req.ImageURL,
		Category:    req.Category,
	})
	if err != nil {
		return Product{}, &APIError{Status: http.StatusBadRequest, Message: err.Error(), Err: err}
	}
	s.log.Info("product created", "product_id", p.ID, "name", p.Name)
	return p, nil
}

func (s *ProductService) Update(ctx context.Context, id string, patch ProductPatch) (Product, error) {
	if !validID(id) {
		return Product{}, notFound("Product not found")
	}
	if patch.empty() {
		return Product{}, badRequest("Please provide fields to update")
	}
	p, err := s.store.UpdateProduct(ctx, id, patch)
	if errors.Is(err, ErrNotFound) {
		return Product{}, notFound("Product not found")
	}
	if err != nil {
		return Product{}, &APIError{Status: http.StatusBadRequest, Message: err.Error(), Err: err}
	}
	return p, nil
}

// Delete removes a product. Deleting a product that does not exist succeeds.
func (s *ProductService) Delete(ctx context.Context, id string) error {
	if !validID(id) {
		return nil
	}
	if err := s.store.DeleteProduct(ctx, id); err != nil {
		return &APIError{Status: http.StatusBadRequest, Message: err.Error(), Err: err}
	}
	s.log.Info("product deleted", "product_id", id)
	return nil
}

func (s *ProductService) Categories(ctx context.Context) ([]string, error) {
	return s.store.ListCategories(ctx)
}

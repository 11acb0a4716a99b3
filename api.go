package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type APIServer struct {
	cfg      *Config
	log      *slog.Logger
	store    Storage
	auth     *LocalAuth
	products *ProductService
	cart     *CartService
	orders   *OrderService
	payments PaymentGateway
	idem     *IdempotencyStore
}

// NewAPIServer wires the services over store. payments and idem are optional
// and switch their endpoints off when nil.
func NewAPIServer(cfg *Config, log *slog.Logger, store Storage, payments PaymentGateway, idem *IdempotencyStore) *APIServer {
	return &APIServer{
		cfg:      cfg,
		log:      log,
		store:    store,
		auth:     NewLocalAuth(log, store, cfg),
		products: NewProductService(log, store),
		cart:     NewCartService(log, store),
		orders:   NewOrderService(log, store),
		payments: payments,
		idem:     idem,
	}
}

func (s *APIServer) Handler() http.Handler {
	return otelhttp.NewHandler(s.Routes(), "storefront")
}

func (s *APIServer) Routes() http.Handler {
	h := func(f APIfunc) http.HandlerFunc { return makeHTTPHandleFunc(s.log, f) }
	protected := protect(s.log, s.auth)
	adminOnly := authorize(RoleAdmin)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(s.cors)

	r.Get("/health", h(func(w http.ResponseWriter, r *http.Request) error {
		return WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}))

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/register", h(s.handleRegister))
		r.Post("/auth/login", h(s.handleLogin))
		r.With(protected).Get("/auth/profile", h(s.handleProfile))

		r.Get("/config", h(s.handleConfig))
		r.Post("/payments/webhook", h(s.handleWebhook))
		r.Get("/categories", h(s.handleCategories))

		r.Route("/products", func(r chi.Router) {
			r.Get("/", h(s.handleProducts))
			r.Get("/{id}", h(s.handleProductByID))
			r.Group(func(r chi.Router) {
				r.Use(protected, adminOnly)
				r.Post("/", h(s.handleCreateProduct))
				r.Put("/{id}", h(s.handleUpdateProduct))
				r.Delete("/{id}", h(s.handleDeleteProduct))
			})
		})

		r.Route("/cart", func(r chi.Router) {
			r.Use(protected)
			r.Get("/", h(s.handleCart))
			r.Post("/add", h(s.handleCartAdd))
			r.Delete("/remove", h(s.handleCartRemove))
		})

		r.Route("/orders", func(r chi.Router) {
			r.Use(protected)
			r.Post("/", h(s.handleCreateOrder))
			r.Get("/", h(s.handleMyOrders))
			r.Get("/{id}", h(s.handleOrderByID))
			r.Post("/{id}/payment-intent", h(s.handleCreatePaymentIntent))
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(protected, adminOnly)
			r.Get("/orders", h(s.handleAllOrders))
			r.Put("/orders/{id}/status", h(s.handleUpdateOrderStatus))
		})
	})

	r.NotFound(h(func(w http.ResponseWriter, r *http.Request) error {
		return notFound("Route not found")
	}))
	return r
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *APIServer) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.HTTPAddr,
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("JSON API server running", "addr", s.cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (s *APIServer) handleRegister(w http.ResponseWriter, r *http.Request) error {
	var req CredentialsReq
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	user, session, err := s.auth.Register(r.Context(), req)
	if err != nil {
		return err
	}
	return WriteJSON(w, http.StatusCreated, struct {
		Success bool    `json:"success"`
		Message string  `json:"message"`
		User    User    `json:"user"`
		Session Session `json:"session"`
	}{
		Success: true,
		Message: "Registration successful",
		User:    user,
		Session: session,
	})
}

func (s *APIServer) handleLogin(w http.ResponseWriter, r *http.Request) error {
	var req CredentialsReq
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	user, session, err := s.auth.Login(r.Context(), req)
	if err != nil {
		return err
	}
	return WriteJSON(w, http.StatusOK, struct {
		Success bool   `json:"success"`
		User    User   `json:"user"`
		Token   string `json:"token"`
	}{
		Success: true,
		User:    user,
		Token:   session.AccessToken,
	})
}

func (s *APIServer) handleProfile(w http.ResponseWriter, r *http.Request) error {
	who, _ := identityFrom(r.Context())
	return WriteJSON(w, http.StatusOK, dataResponse(who))
}

func (s *APIServer) handleProducts(w http.ResponseWriter, r *http.Request) error {
	products, err := s.products.List(r.Context(), ProductFilter{
		Category: r.URL.Query().Get("category"),
		Search:   r.URL.Query().Get("search"),
	})
	if err != nil {
		return err
	}
	return WriteJSON(w, http.StatusOK, listResponse(products, len(products)))
}

func (s *APIServer) handleProductByID(w http.ResponseWriter, r *http.Request) error {
	product, err := s.products.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return err
	}
	return WriteJSON(w, http.StatusOK, dataResponse(product))
}

func (s *APIServer) handleCreateProduct(w http.ResponseWriter, r *http.Request) error {
	var req ReqProduct
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	product, err := s.products.Create(r.Context(), req)
	if err != nil {
		return err
	}
	return WriteJSON(w, http.StatusCreated, dataResponse(product))
}

func (s *APIServer) handleUpdateProduct(w http.ResponseWriter, r *http.Request) error {
	var patch ProductPatch
	if err := decodeJSON(r, &patch); err != nil {
		return err
	}
	product, err := s.products.Update(r.Context(), chi.URLParam(r, "id"), patch)
	if err != nil {
		return err
	}
	return WriteJSON(w, http.StatusOK, dataResponse(product))
}

func (s *APIServer) handleDeleteProduct(w http.ResponseWriter, r *http.Request) error {
	if err := s.products.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		return err
	}
	return WriteJSON(w, http.StatusOK, dataResponse(struct{}{}))
}

func (s *APIServer) handleCategories(w http.ResponseWriter, r *http.Request) error {
	categories, err := s.products.Categories(r.Context())
	if err != nil {
		return err
	}
	return WriteJSON(w, http.StatusOK, listResponse(categories, len(categories)))
}

func (s *APIServer) handleCart(w http.ResponseWriter, r *http.Request) error {
	who, _ := identityFrom(r.Context())
	cart, err := s.cart.GetCart(r.Context(), who.ID)
	if err != nil {
		return err
	}
	return WriteJSON(w, http.StatusOK, dataResponse(cart))
}

func (s *APIServer) handleCartAdd(w http.ResponseWriter, r *http.Request) error {
	who, _ := identityFrom(r.Context())
	var req CartReq
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	quantity := 1
	if req.Quantity != nil && *req.Quantity != 0 {
		quantity = *req.Quantity
	}
	if err := s.cart.AddToCart(r.Context(), who.ID, req.ProductID, quantity); err != nil {
		return err
	}
	return WriteJSON(w, http.StatusOK, messageResponse("Item added to cart"))
}

func (s *APIServer) handleCartRemove(w http.ResponseWriter, r *http.Request) error {
	who, _ := identityFrom(r.Context())
	var req CartReq
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	productID := req.ProductID
	if productID == "" {
		productID = r.URL.Query().Get("productId")
	}
	if err := s.cart.RemoveFromCart(r.Context(), who.ID, productID); err != nil {
		return err
	}
	return WriteJSON(w, http.StatusOK, messageResponse("Item removed from cart"))
}

func (s *APIServer) handleCreateOrder(w http.ResponseWriter, r *http.Request) (err error) {
	who, _ := identityFrom(r.Context())

	if key := r.Header.Get(idempotencyHeader); key != "" && s.idem != nil {
		idemKey := s.idem.Key("orders", who.ID, key)
		seen, serr := s.idem.Seen(r.Context(), idemKey)
		if serr != nil {
			return serr
		}
		if seen {
			return conflict("Duplicate request")
		}
		defer func() {
			if err == nil {
				return
			}
			if rerr := s.idem.Release(context.WithoutCancel(r.Context()), idemKey); rerr != nil {
				s.log.Error("idempotency release failed", "key", idemKey, "err", rerr)
			}
		}()
	}

	order, err := s.orders.CreateOrder(r.Context(), who.ID)
	if err != nil {
		return err
	}
	return WriteJSON(w, http.StatusCreated, apiResponse{
		Success: true,
		Message: "Order placed successfully",
		Data:    order,
	})
}

func (s *APIServer) handleMyOrders(w http.ResponseWriter, r *http.Request) error {
	who, _ := identityFrom(r.Context())
	orders, err := s.orders.GetMyOrders(r.Context(), who.ID)
	if err != nil {
		return err
	}
	return WriteJSON(w, http.StatusOK, listResponse(orders, len(orders)))
}

func (s *APIServer) handleOrderByID(w http.ResponseWriter, r *http.Request) error {
	who, _ := identityFrom(r.Context())
	order, err := s.orders.GetOrder(r.Context(), who, chi.URLParam(r, "id"))
	if err != nil {
		return err
	}
	return WriteJSON(w, http.StatusOK, dataResponse(order))
}

func (s *APIServer) handleAllOrders(w http.ResponseWriter, r *http.Request) error {
	orders, err := s.orders.GetAllOrders(r.Context())
	if err != nil {
		return err
	}
	return WriteJSON(w, http.StatusOK, listResponse(orders, len(orders)))
}

func (s *APIServer) handleUpdateOrderStatus(w http.ResponseWriter, r *http.Request) error {
	var req StatusReq
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	order, err := s.orders.UpdateStatus(r.Context(), chi.URLParam(r, "id"), req.Status)
	if err != nil {
		return err
	}
	return WriteJSON(w, http.StatusOK, dataResponse(order))
}

// logRequests writes one log line per request once the response is done.
func (s *APIServer) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			s.log.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		}()
		next.ServeHTTP(ww, r)
	})
}

func (s *APIServer) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", s.cfg.CORSOrigin)
		h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Idempotency-Key, Stripe-Signature")
		h.Set("X-Content-Type-Options", "nosniff")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type APIfunc func(http.ResponseWriter, *http.Request) error

func makeHTTPHandleFunc(log *slog.Logger, f APIfunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := f(w, r); err != nil {
			status, _ := statusOf(err)
			if status >= http.StatusInternalServerError {
				log.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
			}
			writeError(w, err)
		}
	}
}

type apiResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Count   *int   `json:"count,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func dataResponse(data any) apiResponse {
	return apiResponse{Success: true, Data: data}
}

func listResponse(data any, n int) apiResponse {
	return apiResponse{Success: true, Count: &n, Data: data}
}

func messageResponse(msg string) apiResponse {
	return apiResponse{Success: true, Message: msg}
}

func writeError(w http.ResponseWriter, err error) {
	status, msg := statusOf(err)
	WriteJSON(w, status, apiResponse{Success: false, Message: msg})
}

func WriteJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return badRequest("Invalid request body")
	}
	return nil
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
)

const maxBodyBytes = 1 << 20

type ServerOptions struct {
	ListenAddr string
	Store      Storage
	Sessions   *SessionManager
	Checkout   *Checkout
	Tokens     TokenIssuer

	// Stripe settings handed to clients and used to verify webhooks. An empty
	// WebhookSecret leaves the webhook route unregistered.
	PublishableKey string
	WebhookSecret  string
	Currency       string

	Logger *slog.Logger
}

type APIServer struct {
	listenAddr string
	store      Storage
	sessions   *SessionManager
	checkout   *Checkout
	tokens     TokenIssuer
	logger     *slog.Logger

	publishableKey string
	webhookSecret  string
	currency       string
}

func NewAPIServer(opts ServerOptions) *APIServer {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &APIServer{
		listenAddr:     opts.ListenAddr,
		store:          opts.Store,
		sessions:       opts.Sessions,
		checkout:       opts.Checkout,
		tokens:         opts.Tokens,
		logger:         logger.With("component", "api"),
		publishableKey: opts.PublishableKey,
		webhookSecret:  opts.WebhookSecret,
		currency:       opts.Currency,
	}
}

type apiFunc func(http.ResponseWriter, *http.Request) error

type sessionFunc func(http.ResponseWriter, *http.Request, *Session) error

type ApiError struct {
	Error string `json:"error"`
}

func (s *APIServer) Router() http.Handler {
	r := mux.NewRouter()
	handle := func(path string, f apiFunc, methods ...string) {
		r.HandleFunc(path, s.makeHTTPHandleFunc(f)).Methods(methods...)
	}

	handle("/sessions", s.handleOpenSession, http.MethodPost)
	handle("/login", s.withSession(s.handleLogin), http.MethodPost)
	handle("/register", s.withSession(s.handleRegister), http.MethodPost)
	handle("/logout", s.withSession(s.handleLogout), http.MethodPost)
	handle("/profile", s.withUser(s.handleProfile), http.MethodPatch)

	handle("/categories", s.handleCategories, http.MethodGet)
	handle("/products", s.handleProducts, http.MethodGet)
	handle("/products/{id:[0-9]+}", s.handleProductByID, http.MethodGet)
	handle("/search/{key}", s.handleSearch, http.MethodGet)

	handle("/cart", s.withSession(s.handleCart), http.MethodGet)
	handle("/cart", s.withSession(s.handleClearCart), http.MethodDelete)
	handle("/cart/{id:[0-9]+}", s.withSession(s.handleAddToCart), http.MethodPost)
	handle("/cart/{id:[0-9]+}", s.withSession(s.handleUpdateCartQuantity), http.MethodPut)
	handle("/cart/{id:[0-9]+}", s.withSession(s.handleRemoveFromCart), http.MethodDelete)

	handle("/checkout", s.withUser(s.handleCheckout), http.MethodPost)
	handle("/orders", s.withUser(s.handleOrders), http.MethodGet)
	handle("/orders/{id:[0-9]+}/items", s.withUser(s.handleOrderItems), http.MethodGet)

	handle("/payments/config", s.handlePaymentConfig, http.MethodGet)
	if s.webhookSecret != "" {
		handle("/payments/webhook", s.handleWebhook, http.MethodPost)
	}

	admin := func(path string, f sessionFunc, methods ...string) {
		handle("/admin"+path, s.withAdmin(f), methods...)
	}
	admin("/stats", s.handleStats, http.MethodGet)
	admin("/orders", s.handleAllOrders, http.MethodGet)
	admin("/orders/{id:[0-9]+}/status", s.handleOrderStatus, http.MethodPut)
	admin("/users", s.handleUsers, http.MethodGet)
	admin("/users/{id:[0-9]+}", s.handleUpdateUser, http.MethodPatch)
	admin("/users/{id:[0-9]+}", s.handleDeleteUser, http.MethodDelete)
	admin("/categories", s.handleAddCategory, http.MethodPost)
	admin("/categories/{id:[0-9]+}", s.handleUpdateCategory, http.MethodPut)
	admin("/categories/{id:[0-9]+}", s.handleDeleteCategory, http.MethodDelete)
	admin("/products", s.handleAddProduct, http.MethodPost)
	admin("/products/{id:[0-9]+}", s.handleUpdateProduct, http.MethodPut)
	admin("/products/{id:[0-9]+}", s.handleDeleteProduct, http.MethodDelete)

	return enableCors(r)
}

// Run serves until ctx is cancelled, then drains in-flight requests for up
// to five seconds.
func (s *APIServer) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.listenAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("JSON API server running", "addr", s.listenAddr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	s.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func enableCors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Authorization, Authorization")
		w.Header().Set("Access-Control-Expose-Headers", "X-Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ===== Plumbing =====

func (s *APIServer) makeHTTPHandleFunc(f apiFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := f(w, r); err != nil {
			status := statusFor(err)
			msg := err.Error()
			switch status {
			case http.StatusInternalServerError:
				s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
				msg = "internal server error"
			case http.StatusConflict:
				msg = ErrConflict.Error()
			}
			WriteJSON(w, status, ApiError{Error: msg})
		}
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrEmptyCart):
		return http.StatusBadRequest
	case errors.Is(err, ErrInvalidCredentials), errors.Is(err, ErrNotAuthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func WriteJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v); err != nil {
		return fmt.Errorf("request body: %w: %w", ErrInvalidInput, err)
	}
	return nil
}

func pathID(r *http.Request) (int, error) {
	id, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil {
		return 0, fmt.Errorf("id is not a numeric value: %w", ErrInvalidInput)
	}
	return id, nil
}

func tokenFromRequest(r *http.Request) string {
	if t := r.Header.Get("X-Authorization"); t != "" {
		return t
	}
	return strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
}

func (s *APIServer) withSession(f sessionFunc) apiFunc {
	return func(w http.ResponseWriter, r *http.Request) error {
		sid, err := s.tokens.ParseJWT(tokenFromRequest(r))
		if err != nil {
			return fmt.Errorf("token: %w", ErrNotAuthenticated)
		}
		sess, ok := s.sessions.Get(sid)
		if !ok {
			return fmt.Errorf("session expired: %w", ErrNotAuthenticated)
		}
		return f(w, r, sess)
	}
}

func (s *APIServer) withUser(f sessionFunc) apiFunc {
	return s.withSession(func(w http.ResponseWriter, r *http.Request, sess *Session) error {
		if _, ok := sess.Identity(); !ok {
			return ErrNotAuthenticated
		}
		return f(w, r, sess)
	})
}

func (s *APIServer) withAdmin(f sessionFunc) apiFunc {
	return s.withUser(func(w http.ResponseWriter, r *http.Request, sess *Session) error {
		if id, _ := sess.Identity(); !id.IsAdmin {
			return ErrForbidden
		}
		return f(w, r, sess)
	})
}

// ===== Auth =====

func (s *APIServer) handleOpenSession(w http.ResponseWriter, r *http.Request) error {
	sess := s.sessions.New()
	token, err := s.tokens.generateJWT(sess.ID)
	if err != nil {
		s.sessions.Delete(sess.ID)
		return err
	}
	w.Header().Set("X-Authorization", token)
	return WriteJSON(w, http.StatusCreated, map[string]string{"token": token})
}

func (s *APIServer) handleLogin(w http.ResponseWriter, r *http.Request, sess *Session) error {
	var req LoginReq
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	if _, err := sess.Login(r.Context(), req.Username, req.Password); err != nil {
		return err
	}
	id, _ := sess.Identity()
	return WriteJSON(w, http.StatusOK, id)
}

func validateRegistration(req RegisterReq) error {
	if strings.TrimSpace(req.Username) == "" || req.Password == "" {
		return fmt.Errorf("username and password are required: %w", ErrInvalidInput)
	}
	if !registerPhonePattern.MatchString(req.Phone) {
		return fmt.Errorf("phone must be 7-15 digits: %w", ErrInvalidInput)
	}
	return nil
}

func (s *APIServer) handleRegister(w http.ResponseWriter, r *http.Request, sess *Session) error {
	var req RegisterReq
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	if err := validateRegistration(req); err != nil {
		return err
	}
	if err := sess.Register(r.Context(), strings.TrimSpace(req.Username), req.Password, req.Phone); err != nil {
		return err
	}
	id, _ := sess.Identity()
	return WriteJSON(w, http.StatusCreated, id)
}

func (s *APIServer) handleLogout(w http.ResponseWriter, r *http.Request, sess *Session) error {
	sess.Logout()
	return WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *APIServer) handleProfile(w http.ResponseWriter, r *http.Request, sess *Session) error {
	var req ProfileReq
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	if req.Password != nil && *req.Password == "" {
		return fmt.Errorf("password must not be empty: %w", ErrInvalidInput)
	}
	if req.Phone != nil && *req.Phone != "" && !registerPhonePattern.MatchString(*req.Phone) {
		return fmt.Errorf("phone must be 7-15 digits: %w", ErrInvalidInput)
	}
	if err := sess.UpdateProfile(r.Context(), req.Password, req.Phone); err != nil {
		return err
	}
	return WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// ===== Catalog =====

func (s *APIServer) handleCategories(w http.ResponseWriter, r *http.Request) error {
	categories, err := s.store.FetchCategories(r.Context())
	if err != nil {
		return err
	}
	return WriteJSON(w, http.StatusOK, categories)
}

// handleProducts lists the catalog, narrowed by ?categoryId= or by ?min=&max=.
func (s *APIServer) handleProducts(w http.ResponseWriter, r *http.Request) error {
	query := r.URL.Query()
	var (
		products []Product
		err      error
	)
	switch {
	case query.Get("categoryId") != "":
		id, perr := strconv.Atoi(query.Get("categoryId"))
		if perr != nil {
			return fmt.Errorf("categoryId: %w", ErrInvalidInput)
		}
		products, err = s.store.FetchProductsByCategory(r.Context(), id)
	case query.Get("min") != "" || query.Get("max") != "":
		lo, perr := strconv.ParseFloat(query.Get("min"), 64)
		if perr != nil {
			return fmt.Errorf("min: %w", ErrInvalidInput)
		}
		hi, perr := strconv.ParseFloat(query.Get("max"), 64)
		if perr != nil {
			return fmt.Errorf("max: %w", ErrInvalidInput)
		}
		products, err = s.store.FetchProductsByPriceRange(r.Context(), lo, hi)
	default:
		products, err = s.store.FetchProducts(r.Context())
	}
	if err != nil {
		return err
	}
	return WriteJSON(w, http.StatusOK, products)
}

func (s *APIServer) handleProductByID(w http.ResponseWriter, r *http.Request) error {
	id, err := pathID(r)
	if err != nil {
		return err
	}
	product, err := s.store.GetProduct(r.Context(), id)
	if err != nil {
		return err
	}
	return WriteJSON(w, http.StatusOK, product)
}

func (s *APIServer) handleSearch(w http.ResponseWriter, r *http.Request) error {
	products, err := s.store.SearchProducts(r.Context(), mux.Vars(r)["key"])
	if err != nil {
		return err
	}
	return WriteJSON(w, http.StatusOK, products)
}

// ===== Cart =====

func (s *APIServer) handleCart(w http.ResponseWriter, r *http.Request, sess *Session) error {
	return WriteJSON(w, http.StatusOK, sess.CartView())
}

func (s *APIServer) handleClearCart(w http.ResponseWriter, r *http.Request, sess *Session) error {
	sess.ClearCart()
	return WriteJSON(w, http.StatusOK, sess.CartView())
}

func (s *APIServer) handleAddToCart(w http.ResponseWriter, r *http.Request, sess *Session) error {
	id, err := pathID(r)
	if err != nil {
		return err
	}
	product, err := s.store.GetProduct(r.Context(), id)
	if err != nil {
		return err
	}
	sess.AddToCart(*product)
	return WriteJSON(w, http.StatusOK, sess.CartView())
}

func (s *APIServer) handleUpdateCartQuantity(w http.ResponseWriter, r *http.Request, sess *Session) error {
	id, err := pathID(r)
	if err != nil {
		return err
	}
	var req QuantityReq
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	sess.UpdateCartQuantity(id, req.Quantity)
	return WriteJSON(w, http.StatusOK, sess.CartView())
}

func (s *APIServer) handleRemoveFromCart(w http.ResponseWriter, r *http.Request, sess *Session) error {
	id, err := pathID(r)
	if err != nil {
		return err
	}
	sess.RemoveFromCart(id)
	return WriteJSON(w, http.StatusOK, sess.CartView())
}

// ===== Orders =====

func (s *APIServer) handleCheckout(w http.ResponseWriter, r *http.Request, sess *Session) error {
	var req CheckoutReq
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	result, err := s.checkout.Place(r.Context(), sess, req.Address, req.Phone)
	if err != nil {
		return err
	}
	return WriteJSON(w, http.StatusCreated, result)
}

func (s *APIServer) handleOrders(w http.ResponseWriter, r *http.Request, sess *Session) error {
	id, _ := sess.Identity()
	orders, err := s.store.FetchOrdersByUser(r.Context(), id.UserID)
	if err != nil {
		return err
	}
	return WriteJSON(w, http.StatusOK, orders)
}

// handleOrderItems answers 404 for orders of other users unless the caller is
// an admin.
func (s *APIServer) handleOrderItems(w http.ResponseWriter, r *http.Request, sess *Session) error {
	orderID, err := pathID(r)
	if err != nil {
		return err
	}
	order, err := s.store.GetOrder(r.Context(), orderID)
	if err != nil {
		return err
	}
	if id, _ := sess.Identity(); order.UserID != id.UserID && !id.IsAdmin {
		return fmt.Errorf("order %d: %w", orderID, ErrNotFound)
	}
	items, err := s.store.FetchOrderItems(r.Context(), orderID)
	if err != nil {
		return err
	}
	return WriteJSON(w, http.StatusOK, items)
}

// ===== Payments =====

func (s *APIServer) handlePaymentConfig(w http.ResponseWriter, r *http.Request) error {
	return WriteJSON(w, http.StatusOK, struct {
		PublishableKey string `json:"publishableKey"`
		Currency       string `json:"currency"`
	}{
		PublishableKey: s.publishableKey,
		Currency:       s.currency,
	})
}

func (s *APIServer) handleWebhook(w http.ResponseWriter, r *http.Request) error {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("read webhook: %w: %w", ErrInvalidInput, err)
	}
	event, err := parsePaymentEvent(payload, r.Header.Get("Stripe-Signature"), s.webhookSecret)
	if err != nil {
		s.logger.Warn("webhook rejected", "err", err)
		return err
	}
	switch event.Type {
	case "payment_intent.succeeded":
		s.logger.Info("payment succeeded", "order_id", event.OrderID, "intent", event.IntentID)
	case "payment_intent.payment_failed":
		s.logger.Warn("payment failed", "order_id", event.OrderID, "intent", event.IntentID)
	default:
		s.logger.Debug("webhook ignored", "type", event.Type)
	}
	return WriteJSON(w, http.StatusOK, map[string]bool{"received": true})
}

// ===== Admin =====

func (s *APIServer) handleStats(w http.ResponseWriter, r *http.Request, _ *Session) error {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		return err
	}
	return WriteJSON(w, http.StatusOK, stats)
}

func (s *APIServer) handleAllOrders(w http.ResponseWriter, r *http.Request, _ *Session) error {
	orders, err := s.store.FetchAllOrders(r.Context())
	if err != nil {
		return err
	}
	return WriteJSON(w, http.StatusOK, orders)
}

func (s *APIServer) handleOrderStatus(w http.ResponseWriter, r *http.Request, _ *Session) error {
	id, err := pathID(r)
	if err != nil {
		return err
	}
	var req StatusReq
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	if err := s.store.UpdateOrderStatus(r.Context(), id, req.Status); err != nil {
		return err
	}
	return WriteJSON(w, http.StatusOK, map[string]string{"status": req.Status})
}

func (s *APIServer) handleUsers(w http.ResponseWriter, r *http.Request, _ *Session) error {
	excludeAdmin := false
	if v := r.URL.Query().Get("excludeAdmin"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("excludeAdmin: %w", ErrInvalidInput)
		}
		excludeAdmin = b
	}
	users, err := s.store.FetchAllUsers(r.Context(), excludeAdmin)
	if err != nil {
		return err
	}
	return WriteJSON(w, http.StatusOK, users)
}

func (s *APIServer) handleUpdateUser(w http.ResponseWriter, r *http.Request, _ *Session) error {
	id, err := pathID(r)
	if err != nil {
		return err
	}
	var patch UserPatch
	if err := decodeJSON(r, &patch); err != nil {
		return err
	}
	if patch.Username != nil && strings.TrimSpace(*patch.Username) == "" {
		return fmt.Errorf("username must not be empty: %w", ErrInvalidInput)
	}
	if patch.Password != nil && *patch.Password == "" {
		return fmt.Errorf("password must not be empty: %w", ErrInvalidInput)
	}
	if err := s.store.UpdateUser(r.Context(), id, patch); err != nil {
		return err
	}
	return WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *APIServer) handleDeleteUser(w http.ResponseWriter, r *http.Request, _ *Session) error {
	id, err := pathID(r)
	if err != nil {
		return err
	}
	if err := s.store.DeleteUser(r.Context(), id); err != nil {
		return err
	}
	return WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func decodeCategory(r *http.Request) (Category, error) {
	var c Category
	if err := decodeJSON(r, &c); err != nil {
		return Category{}, err
	}
	c.Name = strings.TrimSpace(c.Name)
	if c.Name == "" {
		return Category{}, fmt.Errorf("category name is required: %w", ErrInvalidInput)
	}
	return c, nil
}

func (s *APIServer) handleAddCategory(w http.ResponseWriter, r *http.Request, _ *Session) error {
	c, err := decodeCategory(r)
	if err != nil {
		return err
	}
	if c.ID, err = s.store.AddCategory(r.Context(), c); err != nil {
		return err
	}
	return WriteJSON(w, http.StatusCreated, c)
}

func (s *APIServer) handleUpdateCategory(w http.ResponseWriter, r *http.Request, _ *Session) error {
	id, err := pathID(r)
	if err != nil {
		return err
	}
	c, err := decodeCategory(r)
	if err != nil {
		return err
	}
	c.ID = id
	if err := s.store.UpdateCategory(r.Context(), c); err != nil {
		return err
	}
	return WriteJSON(w, http.StatusOK, c)
}

func (s *APIServer) handleDeleteCategory(w http.ResponseWriter, r *http.Request, _ *Session) error {
	id, err := pathID(r)
	if err != nil {
		return err
	}
	if err := s.store.DeleteCategory(r.Context(), id); err != nil {
		return err
	}
	return WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// decodeProduct accepts both name/img and the older title/image fields.
func decodeProduct(r *http.Request) (Product, error) {
	var payload ProductPayload
	if err := decodeJSON(r, &payload); err != nil {
		return Product{}, err
	}
	p := payload.Product()
	switch {
	case p.Name == "":
		return Product{}, fmt.Errorf("product name is required: %w", ErrInvalidInput)
	case p.Price < 0:
		return Product{}, fmt.Errorf("price must not be negative: %w", ErrInvalidInput)
	case p.CategoryID <= 0:
		return Product{}, fmt.Errorf("categoryId is required: %w", ErrInvalidInput)
	}
	return p, nil
}

func (s *APIServer) handleAddProduct(w http.ResponseWriter, r *http.Request, _ *Session) error {
	p, err := decodeProduct(r)
	if err != nil {
		return err
	}
	if p.ID, err = s.store.AddProduct(r.Context(), p); err != nil {
		return err
	}
	return WriteJSON(w, http.StatusCreated, p)
}

func (s *APIServer) handleUpdateProduct(w http.ResponseWriter, r *http.Request, _ *Session) error {
	id, err := pathID(r)
	if err != nil {
		return err
	}
	p, err := decodeProduct(r)
	if err != nil {
		return err
	}
	p.ID = id
	if err := s.store.UpdateProduct(r.Context(), p); err != nil {
		return err
	}
	return WriteJSON(w, http.StatusOK, p)
}

func (s *APIServer) handleDeleteProduct(w http.ResponseWriter, r *http.Request, _ *Session) error {
	id, err := pathID(r)
	if err != nil {
		return err
	}
	if err := s.store.DeleteProduct(r.Context(), id); err != nil {
		return err
	}
	return WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
